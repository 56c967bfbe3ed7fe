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

// Package metrics exposes the orchestrator's Prometheus metrics:
// workflow lifecycle counters/histograms, per-agent call metrics, MCTS
// search-session metrics, and system-level resource gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcraft_workflows_total",
			Help: "Total number of workflows by terminal status",
		},
		[]string{"status"},
	)
	WorkflowDurationMilliseconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowcraft_workflow_duration_milliseconds",
			Help:    "Workflow end-to-end duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
		},
		[]string{"status"},
	)
	NodeExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcraft_node_executions_total",
			Help: "Total number of node task executions by status",
		},
		[]string{"status"},
	)
	NodeRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowcraft_node_retries_total",
			Help: "Total number of node task retry attempts",
		},
	)
	AgentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcraft_agent_calls_total",
			Help: "Total number of agent invocations by agent and status",
		},
		[]string{"agent", "status"},
	)
	AgentScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowcraft_agent_score",
			Help: "Current capability-weighted score for an agent",
		},
		[]string{"agent"},
	)
	MCTSIterationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowcraft_mcts_iterations_total",
			Help: "Total number of MCTS search iterations across all sessions",
		},
	)
	MCTSConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowcraft_mcts_confidence",
			Help:    "Confidence of completed MCTS search sessions",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
	ResourceUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowcraft_resource_usage",
			Help: "Current reserved resource usage by dimension",
		},
		[]string{"dimension"},
	)
	RecursionDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowcraft_recursion_depth",
			Help:    "Depth at which subworkflows are spawned",
			Buckets: prometheus.LinearBuckets(0, 1, 12),
		},
	)
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcraft_events_dropped_total",
			Help: "Total number of event-bus deliveries dropped due to a slow subscriber",
		},
		[]string{"event_type"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkflowsTotal,
		WorkflowDurationMilliseconds,
		NodeExecutionsTotal,
		NodeRetriesTotal,
		AgentCallsTotal,
		AgentScore,
		MCTSIterationsTotal,
		MCTSConfidence,
		ResourceUsage,
		RecursionDepth,
		EventsDroppedTotal,
	)
}
