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

// Package agentregistry holds agent capability descriptors and rolling
// performance metrics, and scores candidate agents against a node's
// requirements. Configuration loads from a directory of YAML descriptor
// files, hot-reloadable the way the teacher's domain-config registry is.
package agentregistry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// RollingMetrics tracks an agent's observed performance over recent
// invocations, the inputs to AgentRegistry.Score.
type RollingMetrics struct {
	SuccessRate        float64 `yaml:"success_rate"`
	AverageQuality     float64 `yaml:"average_quality"`
	ResourceEfficiency float64 `yaml:"resource_efficiency"`
}

// AgentDescriptor is the registry's unit of record: an agent identity,
// its declared capabilities, and its rolling metrics.
type AgentDescriptor struct {
	ID           string         `yaml:"id"`
	Type         string         `yaml:"type"`
	Capabilities []string       `yaml:"capabilities"`
	Metrics      RollingMetrics `yaml:"metrics"`
}

// descriptorFile is the on-disk shape: one YAML file may declare several
// agents under a single domain, mirroring the teacher's
// apiVersion/kind/metadata/spec config-file convention.
type descriptorFile struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Domain string `yaml:"domain"`
	} `yaml:"metadata"`
	Spec struct {
		Agents []AgentDescriptor `yaml:"agents"`
	} `yaml:"spec"`
}

// Requirements narrows candidate selection, mirroring dag.AgentRequirements.
type Requirements struct {
	Capabilities    []string
	MinPerformance  float64
	PreferredAgents []string
	ExcludedAgents  []string
	AgentType       string
}

// Registry is a thread-safe, hot-reloadable map from agent ID to
// descriptor, atomic-swapped on reload the way the teacher's
// AgentRegistry.LoadFromDirectory swaps configs/agents/routing together.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]*AgentDescriptor
	configDir   string
	lastReload  time.Time
	reloadCount int64
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*AgentDescriptor)}
}

// LoadFromDirectory loads every *.yaml/*.yml descriptor file in dir,
// replacing the registry's contents atomically on success.
func (r *Registry) LoadFromDirectory(dir string) error {
	return r.LoadFromDirectoryWithContext(context.Background(), dir)
}

// LoadFromDirectoryWithContext is LoadFromDirectory with cancellation
// support between file loads.
func (r *Registry) LoadFromDirectoryWithContext(ctx context.Context, dir string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if dir == "" {
		return fmt.Errorf("directory path cannot be empty")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return fmt.Errorf("failed to access directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}

	files, err := findYAMLFiles(dir)
	if err != nil {
		return fmt.Errorf("failed to scan directory: %w", err)
	}

	newAgents := make(map[string]*AgentDescriptor)
	for _, file := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read config %s: %w", file, err)
		}
		var doc descriptorFile
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", file, err)
		}
		for i := range doc.Spec.Agents {
			agent := doc.Spec.Agents[i]
			if _, exists := newAgents[agent.ID]; exists {
				return fmt.Errorf("duplicate agent id %q found in %s", agent.ID, file)
			}
			newAgents[agent.ID] = &agent
		}
	}

	r.mu.Lock()
	r.agents = newAgents
	r.configDir = dir
	r.lastReload = time.Now()
	r.mu.Unlock()
	atomic.AddInt64(&r.reloadCount, 1)

	return nil
}

func findYAMLFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// Register adds or overwrites a single descriptor directly, useful for
// tests and programmatic registration without a YAML directory.
func (r *Registry) Register(a AgentDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = &a
}

// Stats reports registry bookkeeping, mirroring the teacher's
// RegistryStats shape.
type Stats struct {
	AgentCount  int
	ConfigDir   string
	LastReload  time.Time
	ReloadCount int64
}

func (r *Registry) StatsSnapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		AgentCount:  len(r.agents),
		ConfigDir:   r.configDir,
		LastReload:  r.lastReload,
		ReloadCount: atomic.LoadInt64(&r.reloadCount),
	}
}

// Candidates filters registered agents by type, capability-set
// intersection, minimum performance score, and exclusion list.
func (r *Registry) Candidates(req Requirements) []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	excluded := toSet(req.ExcludedAgents)
	required := toSet(req.Capabilities)

	var out []AgentDescriptor
	for id, agent := range r.agents {
		if _, skip := excluded[id]; skip {
			continue
		}
		if req.AgentType != "" && agent.Type != req.AgentType {
			continue
		}
		if !hasAllCapabilities(agent.Capabilities, required) {
			continue
		}
		if r.score(*agent, req) < req.MinPerformance {
			continue
		}
		out = append(out, *agent)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Score computes the weighted sum from spec.md §4.3: success rate
// (0.30), average quality (0.20), resource efficiency (0.15),
// preferred-agent bonus (0.20), agent-type exact-match bonus (0.15).
func (r *Registry) Score(agent AgentDescriptor, req Requirements) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.score(agent, req)
}

func (r *Registry) score(agent AgentDescriptor, req Requirements) float64 {
	s := 0.30*agent.Metrics.SuccessRate +
		0.20*agent.Metrics.AverageQuality +
		0.15*agent.Metrics.ResourceEfficiency

	for _, preferred := range req.PreferredAgents {
		if preferred == agent.ID {
			s += 0.20
			break
		}
	}
	if req.AgentType != "" && req.AgentType == agent.Type {
		s += 0.15
	}
	return s
}

func hasAllCapabilities(have []string, want map[string]struct{}) bool {
	if len(want) == 0 {
		return true
	}
	haveSet := toSet(have)
	for capability := range want {
		if _, ok := haveSet[capability]; !ok {
			return false
		}
	}
	return true
}

func toSet(vals []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	return set
}
