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

// Package dag maintains the DAG view of a workflow graph and answers
// structural queries: validation, topological layering, critical path,
// and the subgraph/descendant queries Loop nodes and cancellation
// cascades need.
package dag

import (
	"fmt"
	"sort"
	"time"

	"flowcraft/core/internal/errs"
)

// NodeKind tags the variant a WorkflowNode carries.
type NodeKind string

const (
	KindTask               NodeKind = "task"
	KindDecision           NodeKind = "decision"
	KindLoop               NodeKind = "loop"
	KindFork               NodeKind = "fork"
	KindJoin               NodeKind = "join"
	KindSubWorkflow        NodeKind = "sub_workflow"
	KindAgentSpawn         NodeKind = "agent_spawn"
	KindResourceAllocation NodeKind = "resource_allocation"
)

// RetryPolicy controls node-level retry behavior.
type RetryPolicy struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	BackoffMultiplier float64
	MaxDelay         time.Duration
}

// AgentRequirements narrows the set of agents eligible for a node.
type AgentRequirements struct {
	Capabilities       []string
	MinPerformance     float64
	PreferredAgents    []string
	ExcludedAgents     []string
	AgentType          string
	ResourceVector     map[string]float64
}

// Node is a tagged variant over the eight WorkflowNode kinds.
type Node struct {
	Key          string
	Kind         NodeKind
	Requirements AgentRequirements
	Timeout      time.Duration
	Retry        RetryPolicy

	// Loop-specific.
	LoopCondition   string
	MaxIterations   int
	LoopSubgraph    []string // node keys forming the bounded region re-run each iteration

	// Decision-specific.
	DecisionCondition string
	Branches          []string

	// Fork/Join-specific.
	ForkBranches []string
	JoinWaitAll  bool
	JoinWaitFor  []string

	// SubWorkflow-specific.
	SubWorkflowID   string
	InputMapping    map[string]string

	// AgentSpawn-specific.
	SpawnConfig    map[string]interface{}
	SpawnLifecycle string

	// ResourceAllocation-specific.
	ResourceType   string
	ResourceAmount float64
}

// Edge connects two nodes, optionally gated by a condition and carrying
// a priority used to break ties during scheduling.
type Edge struct {
	From         string
	To           string
	Condition    string
	DataMapping  map[string]string
	Priority     int
}

// Constraints bound a workflow's deadline, cost, quality, and concurrency.
type Constraints struct {
	Deadline        time.Duration
	CostBudget      float64
	QualityThreshold float64
	ConcurrencyLimit int
}

// Graph is the immutable plan: a DAG of nodes and edges plus constraints.
type Graph struct {
	Nodes       map[string]*Node
	Edges       []Edge
	Constraints Constraints
}

// NewGraph returns an empty graph ready for node/edge population.
func NewGraph() *Graph {
	return &Graph{Nodes: make(map[string]*Node)}
}

// AddNode inserts a node, keyed by its Key field.
func (g *Graph) AddNode(n *Node) {
	if g.Nodes == nil {
		g.Nodes = make(map[string]*Node)
	}
	g.Nodes[n.Key] = n
}

// AddEdge appends an edge to the graph.
func (g *Graph) AddEdge(e Edge) {
	g.Edges = append(g.Edges, e)
}

func (g *Graph) adjacency() map[string][]Edge {
	adj := make(map[string][]Edge, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e)
	}
	return adj
}

// InboundPriority returns the highest Priority carried by any edge
// terminating at key, or 0 for a root node with no inbound edges. A node
// reachable through several edges takes the most urgent of them.
func (g *Graph) InboundPriority(key string) int {
	best := 0
	for _, e := range g.Edges {
		if e.To == key && e.Priority > best {
			best = e.Priority
		}
	}
	return best
}

// Validate returns a ValidationError if any edge endpoint is missing from
// Nodes, or if the graph contains a directed cycle. Cycle detection piggy-
// backs on Kahn's algorithm: any node left unprocessed after the queue
// drains is part of a cycle.
func Validate(g *Graph) error {
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return &errs.ValidationError{Reason: "dangling edge: unknown source", Nodes: []string{e.From}}
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return &errs.ValidationError{Reason: "dangling edge: unknown target", Nodes: []string{e.To}}
		}
	}

	inDegree := make(map[string]int, len(g.Nodes))
	for key := range g.Nodes {
		inDegree[key] = 0
	}
	for _, e := range g.Edges {
		inDegree[e.To]++
	}

	adj := g.adjacency()
	queue := make([]string, 0, len(g.Nodes))
	for key, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, key)
		}
	}
	sortStable(queue)

	visited := 0
	remaining := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		remaining[k] = v
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		next := adj[cur]
		sortEdgesByTo(next)
		for _, e := range next {
			remaining[e.To]--
			if remaining[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}

	if visited != len(g.Nodes) {
		var cyclic []string
		for key, deg := range remaining {
			if deg > 0 {
				cyclic = append(cyclic, key)
			}
		}
		sortStable(cyclic)
		return &errs.ValidationError{Reason: "cycle detected", Nodes: cyclic}
	}

	return nil
}

// TopologicalLayers returns an ordered sequence of node-key sets such that
// every edge goes strictly from an earlier set to a later one. Within a
// layer, order is lexicographic, which is stable across calls on the same
// graph. Runs in O(V+E) via Kahn's algorithm.
func TopologicalLayers(g *Graph) ([][]string, error) {
	if err := Validate(g); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(g.Nodes))
	for key := range g.Nodes {
		inDegree[key] = 0
	}
	adj := g.adjacency()
	for _, e := range g.Edges {
		inDegree[e.To]++
	}

	var layers [][]string
	frontier := make([]string, 0, len(g.Nodes))
	for key, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, key)
		}
	}
	sortStable(frontier)

	for len(frontier) > 0 {
		layers = append(layers, frontier)
		var next []string
		for _, key := range frontier {
			for _, e := range adj[key] {
				inDegree[e.To]--
				if inDegree[e.To] == 0 {
					next = append(next, e.To)
				}
			}
		}
		sortStable(next)
		frontier = next
	}

	return layers, nil
}

// CriticalPath returns the longest path through the graph, measured by
// the sum of node Timeout (falling back to defaultTimeout for a zero
// value), used for ETA estimation and checkpoint prioritization.
func CriticalPath(g *Graph, defaultTimeout time.Duration) ([]string, time.Duration, error) {
	layers, err := TopologicalLayers(g)
	if err != nil {
		return nil, 0, err
	}

	order := make([]string, 0, len(g.Nodes))
	for _, layer := range layers {
		order = append(order, layer...)
	}

	predecessors := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		predecessors[e.To] = append(predecessors[e.To], e.From)
	}

	nodeCost := func(key string) time.Duration {
		n := g.Nodes[key]
		if n.Timeout > 0 {
			return n.Timeout
		}
		return defaultTimeout
	}

	best := make(map[string]time.Duration, len(g.Nodes))
	prev := make(map[string]string, len(g.Nodes))

	var longestEnd string
	var longest time.Duration

	for _, key := range order {
		cost := nodeCost(key)
		bestIn := time.Duration(0)
		var bestPred string
		for _, p := range predecessors[key] {
			if best[p] > bestIn {
				bestIn = best[p]
				bestPred = p
			}
		}
		total := bestIn + cost
		best[key] = total
		if bestPred != "" {
			prev[key] = bestPred
		}
		if total >= longest {
			longest = total
			longestEnd = key
		}
	}

	if longestEnd == "" {
		return nil, 0, nil
	}

	var path []string
	for cur := longestEnd; cur != ""; {
		path = append([]string{cur}, path...)
		p, ok := prev[cur]
		if !ok {
			break
		}
		cur = p
	}

	return path, longest, nil
}

// Subgraph extracts the induced subgraph over the given node keys,
// keeping only edges whose endpoints are both in the set. Used by Loop
// nodes to re-run a bounded region of the graph each iteration.
func Subgraph(g *Graph, nodeKeys []string) (*Graph, error) {
	set := make(map[string]struct{}, len(nodeKeys))
	for _, k := range nodeKeys {
		if _, ok := g.Nodes[k]; !ok {
			return nil, &errs.ValidationError{Reason: "subgraph references unknown node", Nodes: []string{k}}
		}
		set[k] = struct{}{}
	}

	sub := NewGraph()
	for k := range set {
		sub.AddNode(g.Nodes[k])
	}
	for _, e := range g.Edges {
		_, fromIn := set[e.From]
		_, toIn := set[e.To]
		if fromIn && toIn {
			sub.AddEdge(e)
		}
	}
	sub.Constraints = g.Constraints
	return sub, nil
}

// Descendants returns every node reachable from nodeKey, used by
// cancellation cascade: cancelling a subworkflow cancels its entire
// descendant subtree.
func Descendants(g *Graph, nodeKey string) ([]string, error) {
	if _, ok := g.Nodes[nodeKey]; !ok {
		return nil, fmt.Errorf("descendants: unknown node %q", nodeKey)
	}

	adj := g.adjacency()
	visited := make(map[string]struct{})
	queue := []string{nodeKey}
	var out []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range adj[cur] {
			if _, seen := visited[e.To]; seen {
				continue
			}
			visited[e.To] = struct{}{}
			out = append(out, e.To)
			queue = append(queue, e.To)
		}
	}

	sortStable(out)
	return out, nil
}

func sortStable(keys []string) {
	sort.Strings(keys)
}

func sortEdgesByTo(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].To < edges[j].To })
}
