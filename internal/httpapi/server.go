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

// Package httpapi exposes internal/orchestrator over HTTP: deploy,
// start, inspect, and cancel workflow instances, plus template
// registration and health/metrics endpoints. Mirrors the teacher's
// platform/orchestrator pattern of one importable package holding both
// the router wiring and its handlers, with cmd/orchestratord/main.go as
// a thin entrypoint that calls Run.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"flowcraft/core/internal/agentexec"
	"flowcraft/core/internal/agentregistry"
	"flowcraft/core/internal/bandit"
	"flowcraft/core/internal/checkpoint"
	rcontext "flowcraft/core/internal/context"
	"flowcraft/core/internal/dag"
	"flowcraft/core/internal/engine"
	"flowcraft/core/internal/errs"
	"flowcraft/core/internal/eventbus"
	"flowcraft/core/internal/ids"
	"flowcraft/core/internal/orchestrator"
	"flowcraft/core/internal/resource"
	"flowcraft/core/shared/logger"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Server holds the orchestrator and the request-scoped helpers its HTTP
// handlers close over.
type Server struct {
	orc *orchestrator.Orchestrator
	log *logger.Logger
}

// New wraps an already-constructed Orchestrator, the path tests use to
// wire a Server against a fully controlled in-memory orchestrator.
func New(orc *orchestrator.Orchestrator) *Server {
	return &Server{orc: orc, log: logger.New("httpapi")}
}

// NewFromEnv builds a Server with every subsystem wired from environment
// configuration, the path Run and production deployments use.
func NewFromEnv() *Server {
	return New(buildOrchestrator())
}

// Router assembles the gorilla/mux router and CORS wrapper around s's
// handlers, returned unstarted so tests can drive it with httptest.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/templates/{id}", s.registerTemplateHandler).Methods("POST")
	r.HandleFunc("/api/v1/agents", s.registerAgentHandler).Methods("POST")

	r.HandleFunc("/api/v1/workflows", s.deployHandler).Methods("POST")
	r.HandleFunc("/api/v1/workflows/{id}", s.getWorkflowHandler).Methods("GET")
	r.HandleFunc("/api/v1/workflows/{id}/start", s.startHandler).Methods("POST")
	r.HandleFunc("/api/v1/workflows/{id}/cancel", s.cancelHandler).Methods("POST")

	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(r)
}

// Run builds a Server from environment configuration and serves it until
// the process is killed or ListenAndServe fails.
func Run() {
	log.Println("Starting FlowCraft orchestratord...")
	s := NewFromEnv()

	port := getEnv("PORT", "8081")
	log.Printf("FlowCraft orchestratord listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, s.Router()))
}

// buildOrchestrator wires every subsystem from environment configuration,
// falling back to in-memory/no-op implementations when a backing store
// is not configured.
func buildOrchestrator() *orchestrator.Orchestrator {
	limits := resource.Vector{
		CPU:     getEnvFloat("RESOURCE_CPU_LIMIT", 1000),
		MemMB:   getEnvFloat("RESOURCE_MEM_LIMIT_MB", 1_000_000),
		NetMbps: getEnvFloat("RESOURCE_NET_LIMIT_MBPS", 100_000),
		StoreMB: getEnvFloat("RESOURCE_STORE_LIMIT_MB", 1_000_000),
		Agents:  getEnvFloat("RESOURCE_AGENT_LIMIT", 1000),
	}
	resources := resource.NewManager(limits)

	registry := agentregistry.NewRegistry()
	if dir := os.Getenv("AGENT_REGISTRY_DIR"); dir != "" {
		if err := registry.LoadFromDirectory(dir); err != nil {
			log.Printf("agentregistry: failed to load %s: %v", dir, err)
		}
	}

	executor := agentexec.NewHTTPExecutor(
		getEnv("AGENT_RUNTIME_URL", "http://localhost:9090"),
		time.Duration(getEnvInt("AGENT_CALL_TIMEOUT_SECONDS", 30))*time.Second,
	)
	eng := engine.NewEngine(executor, getEnvInt("ENGINE_MAX_CONCURRENT", 32))

	propagator := rcontext.NewPropagator(rcontext.NewSnapshotStore())
	bus := eventbus.NewBus(getEnvInt("EVENTBUS_QUEUE_SIZE", 256))

	store := buildCheckpointStore()
	sampler := bandit.NewSampler()
	perfModel := agentregistry.NewPerformanceModel()

	recLimits := orchestrator.RecursionLimits{
		MaxDepth:                        getEnvInt("RECURSION_MAX_DEPTH", orchestrator.DefaultRecursionLimits().MaxDepth),
		RecursionTimeout:                time.Duration(getEnvInt("RECURSION_TIMEOUT_SECONDS", 600)) * time.Second,
		ResourceEscalationThreshold:     getEnvFloat("RECURSION_RESOURCE_ESCALATION_THRESHOLD", 4.0),
		MaxAgentsPerLevel:               getEnvInt("RECURSION_MAX_AGENTS_PER_LEVEL", 8),
		PerformanceDegradationThreshold: getEnvFloat("RECURSION_PERFORMANCE_DEGRADATION_THRESHOLD", 0.3),
	}

	return orchestrator.New(resources, registry, eng, propagator, bus, store, sampler, perfModel, recLimits)
}

// buildCheckpointStore selects a Store backend from environment
// configuration: Postgres if DATABASE_URL is set, else MySQL if
// MYSQL_DSN is set, else Redis if REDIS_ADDR is set, else an in-memory
// store (fine for a single replica, loses state across restarts).
func buildCheckpointStore() checkpoint.Store {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Printf("checkpoint: failed to open postgres, falling back to memory store: %v", err)
			return checkpoint.NewMemoryStore()
		}
		store := checkpoint.NewPostgresStore(db)
		if err := store.EnsureSchema(context.Background()); err != nil {
			log.Printf("checkpoint: failed to ensure postgres schema, falling back to memory store: %v", err)
			return checkpoint.NewMemoryStore()
		}
		return store
	}

	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			log.Printf("checkpoint: failed to open mysql, falling back to memory store: %v", err)
			return checkpoint.NewMemoryStore()
		}
		store := checkpoint.NewMySQLStore(db)
		if err := store.EnsureSchema(context.Background()); err != nil {
			log.Printf("checkpoint: failed to ensure mysql schema, falling back to memory store: %v", err)
			return checkpoint.NewMemoryStore()
		}
		return store
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		ttl := time.Duration(getEnvInt("REDIS_CHECKPOINT_TTL_SECONDS", 3600)) * time.Second
		return checkpoint.NewRedisStore(client, ttl)
	}

	return checkpoint.NewMemoryStore()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"service":   "flowcraft-orchestratord",
		"timestamp": time.Now().UTC(),
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prometheus_endpoint": "/prometheus",
	})
}

// nodeWire and edgeWire are the wire shapes decoded from a deploy
// request, kept separate from dag.Node/dag.Edge so the HTTP contract
// does not leak the package's internal field layout.
type nodeWire struct {
	Key               string                 `json:"key"`
	Kind              string                 `json:"kind"`
	Capabilities      []string               `json:"capabilities,omitempty"`
	MinPerformance    float64                `json:"min_performance,omitempty"`
	PreferredAgents   []string               `json:"preferred_agents,omitempty"`
	ExcludedAgents    []string               `json:"excluded_agents,omitempty"`
	AgentType         string                 `json:"agent_type,omitempty"`
	TimeoutSeconds    int                    `json:"timeout_seconds,omitempty"`
	MaxAttempts       int                    `json:"max_attempts,omitempty"`
	LoopCondition     string                 `json:"loop_condition,omitempty"`
	MaxIterations     int                    `json:"max_iterations,omitempty"`
	DecisionCondition string                 `json:"decision_condition,omitempty"`
	Branches          []string               `json:"branches,omitempty"`
	ForkBranches      []string               `json:"fork_branches,omitempty"`
	JoinWaitAll       bool                   `json:"join_wait_all,omitempty"`
	JoinWaitFor       []string               `json:"join_wait_for,omitempty"`
	SubWorkflowID     string                 `json:"sub_workflow_id,omitempty"`
	InputMapping      map[string]string      `json:"input_mapping,omitempty"`
	SpawnConfig       map[string]interface{} `json:"spawn_config,omitempty"`
	SpawnLifecycle    string                 `json:"spawn_lifecycle,omitempty"`
	ResourceType      string                 `json:"resource_type,omitempty"`
	ResourceAmount    float64                `json:"resource_amount,omitempty"`
}

type edgeWire struct {
	From        string            `json:"from"`
	To          string            `json:"to"`
	Condition   string            `json:"condition,omitempty"`
	DataMapping map[string]string `json:"data_mapping,omitempty"`
	Priority    int               `json:"priority,omitempty"`
}

type resourceWire struct {
	CPU     float64 `json:"cpu,omitempty"`
	MemMB   float64 `json:"mem_mb,omitempty"`
	NetMbps float64 `json:"net_mbps,omitempty"`
	StoreMB float64 `json:"store_mb,omitempty"`
	Agents  float64 `json:"agents,omitempty"`
}

func (w resourceWire) toVector() resource.Vector {
	return resource.Vector{CPU: w.CPU, MemMB: w.MemMB, NetMbps: w.NetMbps, StoreMB: w.StoreMB, Agents: w.Agents}
}

type deployRequest struct {
	TemplateID string                 `json:"template_id,omitempty"`
	Nodes      []nodeWire             `json:"nodes"`
	Edges      []edgeWire             `json:"edges"`
	Input      map[string]interface{} `json:"input"`
	Resources  resourceWire           `json:"resources"`
	Recovery   struct {
		Kind               string `json:"kind"`
		FallbackTemplateID string `json:"fallback_template_id,omitempty"`
		SaveState          bool   `json:"save_state,omitempty"`
	} `json:"recovery"`
}

func (req *deployRequest) toGraph() *dag.Graph {
	g := dag.NewGraph()
	for _, n := range req.Nodes {
		g.AddNode(&dag.Node{
			Key:  n.Key,
			Kind: dag.NodeKind(n.Kind),
			Requirements: dag.AgentRequirements{
				Capabilities:    n.Capabilities,
				MinPerformance:  n.MinPerformance,
				PreferredAgents: n.PreferredAgents,
				ExcludedAgents:  n.ExcludedAgents,
				AgentType:       n.AgentType,
			},
			Timeout:           time.Duration(n.TimeoutSeconds) * time.Second,
			Retry:             dag.RetryPolicy{MaxAttempts: n.MaxAttempts, InitialDelay: 200 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 10 * time.Second},
			LoopCondition:     n.LoopCondition,
			MaxIterations:     n.MaxIterations,
			DecisionCondition: n.DecisionCondition,
			Branches:          n.Branches,
			ForkBranches:      n.ForkBranches,
			JoinWaitAll:       n.JoinWaitAll,
			JoinWaitFor:       n.JoinWaitFor,
			SubWorkflowID:     n.SubWorkflowID,
			InputMapping:      n.InputMapping,
			SpawnConfig:       n.SpawnConfig,
			SpawnLifecycle:    n.SpawnLifecycle,
			ResourceType:      n.ResourceType,
			ResourceAmount:    n.ResourceAmount,
		})
	}
	for _, e := range req.Edges {
		g.AddEdge(dag.Edge{From: e.From, To: e.To, Condition: e.Condition, DataMapping: e.DataMapping, Priority: e.Priority})
	}
	return g
}

func (req *deployRequest) recoveryStrategy() orchestrator.RecoveryStrategy {
	kind := orchestrator.RecoveryKind(req.Recovery.Kind)
	if kind == "" {
		return orchestrator.DefaultRecoveryStrategy()
	}
	return orchestrator.RecoveryStrategy{
		Kind:               kind,
		FallbackTemplateID: req.Recovery.FallbackTemplateID,
		SaveState:          req.Recovery.SaveState,
	}
}

func (s *Server) deployHandler(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Nodes) == 0 {
		sendErrorResponse(w, "at least one node is required", http.StatusBadRequest)
		return
	}

	graph := req.toGraph()
	inst, err := s.orc.Deploy(r.Context(), req.TemplateID, graph, req.Input, req.Resources.toVector(), req.recoveryStrategy())
	if err != nil {
		s.log.ErrorWithCause("", "", "deploy failed", err, map[string]interface{}{"template_id": req.TemplateID})
		sendErrorResponse(w, "deploy failed: "+err.Error(), statusForError(err))
		return
	}

	s.log.Info(inst.ID.String(), inst.ID.String(), "workflow deployed", map[string]interface{}{"template_id": req.TemplateID})
	writeJSON(w, http.StatusCreated, instanceView(inst))
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	id := ids.WorkflowID(mux.Vars(r)["id"])
	if err := s.orc.Start(id); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusConflict)
		return
	}
	inst, _ := s.orc.Get(id)
	writeJSON(w, http.StatusAccepted, instanceView(inst))
}

func (s *Server) getWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	id := ids.WorkflowID(mux.Vars(r)["id"])
	inst, ok := s.orc.Get(id)
	if !ok {
		sendErrorResponse(w, "workflow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, instanceView(inst))
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := ids.WorkflowID(mux.Vars(r)["id"])
	if err := s.orc.Cancel(id); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusConflict)
		return
	}
	inst, _ := s.orc.Get(id)
	writeJSON(w, http.StatusOK, instanceView(inst))
}

func (s *Server) registerTemplateHandler(w http.ResponseWriter, r *http.Request) {
	templateID := mux.Vars(r)["id"]

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	graph := req.toGraph()
	if err := dag.Validate(graph); err != nil {
		sendErrorResponse(w, "invalid template graph: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.orc.RegisterTemplate(templateID, graph)
	writeJSON(w, http.StatusOK, map[string]string{"template_id": templateID, "status": "registered"})
}

func (s *Server) registerAgentHandler(w http.ResponseWriter, r *http.Request) {
	sendErrorResponse(w, "agent registration via HTTP is not yet supported; use AGENT_REGISTRY_DIR", http.StatusNotImplemented)
}

// instanceView is the JSON-safe snapshot returned for an Instance: it
// copies out of Instance.Snapshot rather than encoding Instance
// directly, since Instance carries an unexported mutex.
func instanceView(inst *orchestrator.Instance) map[string]interface{} {
	v := inst.Snapshot()
	out := map[string]interface{}{
		"id":          v.ID.String(),
		"template_id": v.TemplateID,
		"status":      string(v.Status),
		"created_at":  v.CreatedAt,
		"started_at":  v.StartedAt,
		"finished_at": v.FinishedAt,
	}
	if v.Err != nil {
		out["error"] = v.Err.Error()
	}
	return out
}

func statusForError(err error) int {
	switch err.(type) {
	case *errs.ValidationError:
		return http.StatusBadRequest
	case *errs.ResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, map[string]interface{}{"success": false, "error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: error encoding response: %v", err)
	}
}
