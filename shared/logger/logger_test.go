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

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "test-component",
			instanceID:     "instance-123",
			expectedComp:   "test-component",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "orchestrator",
			instanceID:     "",
			expectedComp:   "orchestrator",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				if err := os.Setenv("INSTANCE_ID", tt.instanceID); err != nil {
					t.Fatalf("failed to set INSTANCE_ID: %v", err)
				}
				defer func() { _ = os.Unsetenv("INSTANCE_ID") }()
			} else {
				if err := os.Unsetenv("INSTANCE_ID"); err != nil {
					t.Fatalf("failed to unset INSTANCE_ID: %v", err)
				}
			}

			l := New(tt.component)

			if l.Component != tt.expectedComp {
				t.Errorf("expected component %s, got %s", tt.expectedComp, l.Component)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("expected instance ID %s, got %s", tt.expectedInstID, l.InstanceID)
			}
			if l.Container == "" {
				t.Error("expected container to be set from hostname")
			}
		})
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name           string
		logFunc        func(*Logger, string, string, string, map[string]interface{})
		level          LogLevel
		message        string
		rootWorkflowID string
		workflowID     string
		fields         map[string]interface{}
	}{
		{
			name:           "Info log",
			logFunc:        (*Logger).Info,
			level:          INFO,
			message:        "test info message",
			rootWorkflowID: "root-123",
			workflowID:     "wf-456",
			fields:         map[string]interface{}{"key": "value"},
		},
		{
			name:           "Error log",
			logFunc:        (*Logger).Error,
			level:          ERROR,
			message:        "test error message",
			rootWorkflowID: "root-789",
			workflowID:     "wf-012",
			fields:         map[string]interface{}{"error_code": 500},
		},
		{
			name:           "Warn log",
			logFunc:        (*Logger).Warn,
			level:          WARN,
			message:        "test warning message",
			rootWorkflowID: "root-abc",
			workflowID:     "wf-def",
			fields:         nil,
		},
		{
			name:           "Debug log",
			logFunc:        (*Logger).Debug,
			level:          DEBUG,
			message:        "test debug message",
			rootWorkflowID: "root-xyz",
			workflowID:     "wf-uvw",
			fields:         map[string]interface{}{"debug_info": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log.SetOutput(&buf)
			defer log.SetOutput(os.Stderr)

			l := New("test-component")
			tt.logFunc(l, tt.rootWorkflowID, tt.workflowID, tt.message, tt.fields)

			entry := parseLogOutput(t, buf.String())

			if entry.Level != tt.level {
				t.Errorf("expected level %s, got %s", tt.level, entry.Level)
			}
			if entry.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, entry.Message)
			}
			if entry.RootWorkflow != tt.rootWorkflowID {
				t.Errorf("expected root workflow %q, got %q", tt.rootWorkflowID, entry.RootWorkflow)
			}
			if entry.WorkflowID != tt.workflowID {
				t.Errorf("expected workflow id %q, got %q", tt.workflowID, entry.WorkflowID)
			}
			if entry.Component != "test-component" {
				t.Errorf("expected component test-component, got %s", entry.Component)
			}
			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("invalid timestamp format: %s", entry.Timestamp)
			}

			for key, expected := range tt.fields {
				assertFieldEquals(t, entry.Fields, key, expected)
			}
		})
	}
}

func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	l := New("test-component")
	l.InfoWithDuration("root-123", "wf-456", "node completed", 123.45, map[string]interface{}{
		"node_key": "flight-search",
	})

	entry := parseLogOutput(t, buf.String())

	assertFieldEquals(t, entry.Fields, "duration_ms", 123.45)
	assertFieldEquals(t, entry.Fields, "node_key", "flight-search")

	if entry.Level != INFO {
		t.Errorf("expected INFO level, got %s", entry.Level)
	}
}

func TestErrorWithCause(t *testing.T) {
	tests := []struct {
		name           string
		cause          error
		fields         map[string]interface{}
		expectErrField bool
		expectedErrMsg string
	}{
		{
			name:           "with cause",
			cause:          &testError{msg: "resource reservation failed"},
			fields:         map[string]interface{}{"dimension": "cpu"},
			expectErrField: true,
			expectedErrMsg: "resource reservation failed",
		},
		{
			name:           "without cause",
			cause:          nil,
			fields:         nil,
			expectErrField: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log.SetOutput(&buf)
			defer log.SetOutput(os.Stderr)

			l := New("test-component")
			l.ErrorWithCause("root-123", "wf-456", "node failed", tt.cause, tt.fields)

			entry := parseLogOutput(t, buf.String())

			if tt.expectErrField {
				assertFieldEquals(t, entry.Fields, "error", tt.expectedErrMsg)
			}
			if entry.Level != ERROR {
				t.Errorf("expected ERROR level, got %s", entry.Level)
			}
			for key, expected := range tt.fields {
				assertFieldEquals(t, entry.Fields, key, expected)
			}
		})
	}
}

func TestJSONMarshalError(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	l := New("test-component")

	ch := make(chan int)
	l.Info("root-123", "wf-456", "test message", map[string]interface{}{
		"channel": ch, // channels cannot be marshaled to JSON
	})

	output := buf.String()
	if !strings.Contains(output, "failed to marshal log entry") {
		t.Error("expected error message about JSON marshaling failure")
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func parseLogOutput(t *testing.T, output string) LogEntry {
	t.Helper()
	jsonStart := strings.Index(output, "{")
	if jsonStart == -1 {
		t.Fatal("no JSON found in log output")
	}
	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(output[jsonStart:])), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\noutput: %s", err, output)
	}
	return entry
}

func assertFieldEquals(t *testing.T, fields map[string]interface{}, key string, expected interface{}) {
	t.Helper()
	actual, ok := fields[key]
	if !ok {
		t.Errorf("expected field %q not found", key)
		return
	}
	switch want := expected.(type) {
	case int:
		if got, ok := actual.(float64); ok {
			if int(got) != want {
				t.Errorf("field %q: expected %v, got %v", key, expected, actual)
			}
			return
		}
	}
	if actual != expected {
		t.Errorf("field %q: expected %v, got %v", key, expected, actual)
	}
}

func BenchmarkLog(b *testing.B) {
	l := New("benchmark-component")
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	fields := map[string]interface{}{
		"node_key":  "node-1",
		"action":    "execute",
		"duration":  45.67,
		"success":   true,
		"row_count": 150,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Info("root-123", "wf-456", "processing node", fields)
	}
}

func BenchmarkLogWithoutFields(b *testing.B) {
	l := New("benchmark-component")
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Info("root-123", "wf-456", "simple log message", nil)
	}
}
