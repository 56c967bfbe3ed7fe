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

/*
Package logger provides structured JSON logging correlated by workflow and
recursion root for the orchestration engine's components.

# Overview

The logger package provides structured logging that writes JSON through the
standard library's log package (stderr unless log.SetOutput redirects it),
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (orchestrator, engine, mcts, ...)
  - Instance ID and container name (for distributed tracing)
  - Root workflow ID (the recursion root a node's logs trace back to)
  - Workflow ID (the specific workflow or sub-workflow instance)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("orchestrator")

Log messages with workflow context:

	log.Info("root-wf-123", "wf-456", "node scheduled", map[string]interface{}{
	    "node_key": "flight-search",
	})

Log errors with the causing error attached:

	log.ErrorWithCause("root-wf-123", "wf-456", "node failed", err, map[string]interface{}{
	    "node_key": "flight-search",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("root-wf-123", "wf-456", "node completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Each entry is one line: the log package's date and time prefix, then JSON
(wrapped here for readability):

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"orchestrator","instance_id":"i-abc123","container":"orch-xyz",
	 "root_workflow_id":"root-wf-123","workflow_id":"wf-456",
	 "message":"node scheduled","fields":{"node_key":"flight-search"}}

# Environment Variables

The logger reads one environment variable:

  - INSTANCE_ID: Deployment instance identifier ("unknown" when unset)

The container name comes from os.Hostname, not from an environment variable.

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
