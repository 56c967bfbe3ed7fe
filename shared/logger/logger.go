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
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured logging correlated by workflow and recursion root.
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry represents a structured log entry with the correlation fields
// the orchestrator needs to trace a node's logs back to the recursion root.
type LogEntry struct {
	Timestamp     string                 `json:"timestamp"`
	Level         LogLevel               `json:"level"`
	Component     string                 `json:"component"`
	InstanceID    string                 `json:"instance_id"`
	Container     string                 `json:"container"`
	RootWorkflow  string                 `json:"root_workflow_id"`
	WorkflowID    string                 `json:"workflow_id,omitempty"`
	Message       string                 `json:"message"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log creates a structured log entry and writes it through the standard log package
func (l *Logger) Log(level LogLevel, rootWorkflowID, workflowID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Level:        level,
		Component:    l.Component,
		InstanceID:   l.InstanceID,
		Container:    l.Container,
		RootWorkflow: rootWorkflowID,
		WorkflowID:   workflowID,
		Message:      message,
		Fields:       fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("ERROR: failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(rootWorkflowID, workflowID, message string, fields map[string]interface{}) {
	l.Log(INFO, rootWorkflowID, workflowID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(rootWorkflowID, workflowID, message string, fields map[string]interface{}) {
	l.Log(ERROR, rootWorkflowID, workflowID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(rootWorkflowID, workflowID, message string, fields map[string]interface{}) {
	l.Log(WARN, rootWorkflowID, workflowID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(rootWorkflowID, workflowID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, rootWorkflowID, workflowID, message, fields)
}

// InfoWithDuration logs an info message with a duration field attached
func (l *Logger) InfoWithDuration(rootWorkflowID, workflowID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(rootWorkflowID, workflowID, message, fields)
}

// ErrorWithCause logs an error message together with the wrapped cause
func (l *Logger) ErrorWithCause(rootWorkflowID, workflowID, message string, cause error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	l.Error(rootWorkflowID, workflowID, message, fields)
}
