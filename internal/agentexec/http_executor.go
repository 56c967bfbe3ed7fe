// Copyright 2025 FlowCraft
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agentexec implements engine.AgentExecutor against agent
// runtimes reachable over HTTP, the same request/response-over-the-wire
// shape the orchestrator uses for every other outbound integration.
package agentexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPExecutor invokes an agent's task endpoint at baseURL+"/agents/"+agent+"/invoke".
// Every agent registered with agentregistry.Registry is assumed reachable
// at the same base URL; a real deployment fronts many agent processes
// behind one gateway, mirroring the teacher's single-base-URL clients
// (AmadeusClient, LLMRouter's provider clients).
type HTTPExecutor struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPExecutor constructs an executor posting to baseURL with timeout
// applied per call.
func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type invokeRequest struct {
	TaskDefinition map[string]interface{} `json:"task_definition"`
	Input          map[string]interface{} `json:"input"`
}

type invokeResponse struct {
	Output map[string]interface{} `json:"output"`
	Error  string                 `json:"error,omitempty"`
}

// Execute satisfies engine.AgentExecutor by POSTing the task definition
// and input as JSON and decoding the agent's output map back.
func (e *HTTPExecutor) Execute(ctx context.Context, agent string, taskDefinition, input map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(invokeRequest{TaskDefinition: taskDefinition, Input: input})
	if err != nil {
		return nil, fmt.Errorf("agentexec: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/agents/%s/invoke", e.baseURL, agent)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agentexec: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentexec: call agent %s: %w", agent, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("agentexec: read response from %s: %w", agent, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("agentexec: agent %s returned %d: %s", agent, resp.StatusCode, string(raw))
	}

	var out invokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("agentexec: decode response from %s: %w", agent, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || out.Error != "" {
		if out.Error == "" {
			out.Error = string(raw)
		}
		return nil, fmt.Errorf("agentexec: agent %s rejected task: %s", agent, out.Error)
	}

	return out.Output, nil
}
