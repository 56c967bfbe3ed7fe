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

package mcts

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"flowcraft/core/internal/agentregistry"
	"flowcraft/core/internal/bandit"
	"flowcraft/core/internal/ids"
	"flowcraft/core/shared/logger"
)

// Config configures one planning session.
type Config struct {
	MaxIterations      int
	MaxDepth           int
	ExplorationConstant float64 // default sqrt(2)
	DiscountFactor      float64 // default 0.95
	TimeLimit           time.Duration
	ParallelSimulations int
	CheckpointInterval  int
	UseThompson         bool
	UseBayesianModel    bool

	// WideningAlpha enables progressive widening when > 0: a node may
	// only expand a new child once visits >= children_count^alpha.
	// Disabled (0) keeps spec.md's literal parallel_simulations cap as
	// the default expansion rule.
	WideningAlpha float64
}

// DefaultConfig returns the spec's literal defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       500,
		MaxDepth:            10,
		ExplorationConstant: math.Sqrt2,
		DiscountFactor:      0.95,
		TimeLimit:           5 * time.Second,
		ParallelSimulations: 3,
		CheckpointInterval:  50,
		UseThompson:         true,
		UseBayesianModel:    true,
	}
}

// CheckpointCache persists tree snapshots keyed by session, per spec.md
// §6 "Checkpoint Cache (consumed, optional)".
type CheckpointCache interface {
	StoreTree(sessionID ids.SessionID, tree *Tree) error
}

// Planner owns one search tree and the shared sampler/model it consults.
// Candidate agents are supplied per Run call by the caller (typically an
// internal/agentregistry.Registry.Candidates result), keeping the planner
// itself free of a registry dependency.
type Planner struct {
	cfg       Config
	tree      *Tree
	sampler   *bandit.Sampler
	model     *agentregistry.PerformanceModel
	cache     CheckpointCache
	sessionID ids.SessionID
	log       *logger.Logger
	rng       *rand.Rand

	mu sync.Mutex // serializes Select/Expand structural tree mutation

	roundRobinIdx int
}

// NewPlanner constructs a Planner for one session.
func NewPlanner(cfg Config, sampler *bandit.Sampler, model *agentregistry.PerformanceModel, cache CheckpointCache, sessionID ids.SessionID) *Planner {
	return &Planner{
		cfg:       cfg,
		tree:      NewTree(),
		sampler:   sampler,
		model:     model,
		cache:     cache,
		sessionID: sessionID,
		log:       logger.New("mcts"),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Result is the anytime output of a planning session.
type Result struct {
	BestPath             []Action
	Confidence           float64
	AgentRecommendations []string
	ExecutionPlan        []ExecutionStep
}

// ExecutionStep maps one step of BestPath to a schedulable unit.
type ExecutionStep struct {
	N            int
	Action       Action
	Dependencies []int
	Timeout      float64
	RetryPolicy  string
}

// Run executes the Select/Expand/Simulate/Backpropagate/Checkpoint loop
// until a termination condition holds, then extracts and returns Result.
func (p *Planner) Run(rootWorkflowID, workflowID string, candidateAgents []string) Result {
	start := time.Now()

	if p.cfg.MaxIterations <= 0 {
		return Result{BestPath: nil, Confidence: 0}
	}

	iterations := 0
	for iterations < p.cfg.MaxIterations {
		if p.cfg.TimeLimit > 0 && time.Since(start) >= p.cfg.TimeLimit {
			break
		}
		if p.tree.Size() >= p.nodePoolSize() {
			break
		}

		leaf := p.selectNode()
		children := p.expand(leaf, candidateAgents)
		if len(children) == 0 {
			children = []*Node{leaf}
		}
		for _, child := range children {
			reward := p.simulate(child)
			p.backpropagate(child, reward)
		}

		iterations++
		if p.cfg.CheckpointInterval > 0 && iterations%p.cfg.CheckpointInterval == 0 {
			p.checkpoint(rootWorkflowID, workflowID)
		}
	}

	return p.extractResult()
}

func (p *Planner) nodePoolSize() int {
	// A generous default cap proportional to the iteration budget,
	// bounding tree growth when ParallelSimulations fans out widely.
	cap := p.cfg.MaxIterations * 8
	if cap <= 0 {
		cap = 4096
	}
	return cap
}

// selectNode descends from the root choosing the UCB1-maximizing child
// (with an additive Thompson bonus when enabled) until it reaches a leaf
// or terminal node.
func (p *Planner) selectNode() *Node {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.tree.Root()
	for {
		if cur.Terminal || len(cur.Children) == 0 {
			return cur
		}
		if cur.Depth >= p.cfg.MaxDepth {
			return cur
		}
		cur = p.bestUCBChild(cur)
	}
}

func (p *Planner) bestUCBChild(parent *Node) *Node {
	var best *Node
	bestScore := math.Inf(-1)

	for _, cid := range parent.Children {
		child := p.tree.Nodes[cid]
		var score float64
		if child.Visits() == 0 {
			score = math.Inf(1)
		} else {
			exploit := child.AverageReward()
			explore := p.cfg.ExplorationConstant * math.Sqrt(math.Log(float64(parent.Visits()))/float64(child.Visits()))
			score = exploit + explore
			if p.cfg.UseThompson && p.sampler != nil && child.AgentAttribution != "" {
				score += p.sampler.Sample(child.AgentAttribution)
			}
		}
		if score > bestScore {
			bestScore = score
			best = child
		}
	}
	if best == nil {
		return parent
	}
	return best
}

// expand generates up to ParallelSimulations candidate actions for leaf,
// respecting MaxDepth and, if enabled, the progressive widening
// threshold from widening.go.
func (p *Planner) expand(leaf *Node, candidateAgents []string) []*Node {
	p.mu.Lock()
	defer p.mu.Unlock()

	if leaf.Terminal || leaf.Depth >= p.cfg.MaxDepth || len(candidateAgents) == 0 {
		return nil
	}

	if p.cfg.WideningAlpha > 0 && !allowWidening(leaf, p.cfg.WideningAlpha) {
		if len(leaf.Children) > 0 {
			return nil
		}
	}

	count := p.cfg.ParallelSimulations
	if count <= 0 {
		count = 1
	}
	if count > len(candidateAgents) {
		count = len(candidateAgents)
	}

	children := make([]*Node, 0, count)
	for i := 0; i < count; i++ {
		agent := p.pickAgent(candidateAgents)
		action := p.buildAction(agent, leaf)
		child := p.tree.AddChild(leaf, action, agent)
		children = append(children, child)
	}
	return children
}

// pickAgent selects an agent via Thompson sampling when enabled,
// otherwise round-robin over candidateAgents.
func (p *Planner) pickAgent(candidateAgents []string) string {
	if p.cfg.UseThompson && p.sampler != nil {
		return p.sampler.SelectK(candidateAgents, 1)[0]
	}
	agent := candidateAgents[p.roundRobinIdx%len(candidateAgents)]
	p.roundRobinIdx++
	return agent
}

func (p *Planner) buildAction(agent string, leaf *Node) Action {
	features := agentregistry.FeatureVector{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	if p.cfg.UseBayesianModel && p.model != nil {
		pred := p.model.Predict(agent, features)
		return Action{
			Agent:         agent,
			EstimatedCost: pred.Cost.Mean,
			EstimatedTime: pred.Speed.Mean,
			Confidence:    1.0 - pred.Quality.Variance,
		}
	}
	return Action{Agent: agent, EstimatedCost: 0.5, EstimatedTime: 0.5, Confidence: 0.5}
}

// simulate computes the composite reward for node per spec.md §4.5 step 3.
// Quality is a fixed 0.5 when the Bayesian model is disabled or node has
// no agent attribution; nothing here can abort the search.
func (p *Planner) simulate(node *Node) Reward {
	quality := 0.5
	if p.cfg.UseBayesianModel && p.model != nil && node.AgentAttribution != "" {
		features := agentregistry.FeatureVector{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
		pred := p.model.Predict(node.AgentAttribution, features)
		quality = pred.Quality.Mean
	}

	speed := 1.0 - node.Action.EstimatedTime
	cost := 1.0 - node.Action.EstimatedCost

	noise := (p.rng.Float64()*0.2 - 0.1) // Uniform(-0.1, 0.1)
	discount := math.Pow(p.cfg.DiscountFactor, float64(node.Depth))
	value := (0.4*quality + 0.3*speed + 0.3*cost) * discount + noise
	value = clamp(value, 0, 1)

	return Reward{Quality: quality, Speed: speed, Cost: cost, Value: value}
}

// backpropagate walks from node to the root, incrementing visits and
// accumulating total_reward; concurrent rollouts updating the same node
// use atomic increments, so no lock is required here.
func (p *Planner) backpropagate(node *Node, reward Reward) {
	for _, n := range p.tree.PathToRoot(node) {
		n.recordVisit(reward.Value)
		if n.AgentAttribution == "" {
			continue
		}
		if p.cfg.UseThompson && p.sampler != nil {
			p.sampler.Update(n.AgentAttribution, reward.Value)
		}
		if p.cfg.UseBayesianModel && p.model != nil {
			features := agentregistry.FeatureVector{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
			p.model.Update(n.AgentAttribution, features, reward.Value)
		}
	}
}

func (p *Planner) checkpoint(rootWorkflowID, workflowID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.StoreTree(p.sessionID, p.tree); err != nil {
		p.log.ErrorWithCause(rootWorkflowID, workflowID, "mcts checkpoint failed", err, nil)
	}
}

// extractResult descends the best_path, computes confidence, and builds
// the top-5 agent recommendations and execution plan.
func (p *Planner) extractResult() Result {
	path := p.bestPath()
	confidence := p.confidence()
	recs := p.agentRecommendations()

	var actions []Action
	var steps []ExecutionStep
	for i, n := range path {
		if n.AgentAttribution == "" {
			continue
		}
		actions = append(actions, n.Action)
		deps := []int{}
		if i > 0 {
			deps = []int{i - 1}
		}
		steps = append(steps, ExecutionStep{
			N:            i,
			Action:       n.Action,
			Dependencies: deps,
			Timeout:      n.Action.EstimatedTime,
		})
	}

	return Result{
		BestPath:             actions,
		Confidence:           confidence,
		AgentRecommendations: recs,
		ExecutionPlan:        steps,
	}
}

// bestPath descends from the root repeatedly choosing the child with
// highest average_reward (ties broken by higher visits) until a leaf.
func (p *Planner) bestPath() []*Node {
	var path []*Node
	cur := p.tree.Root()
	path = append(path, cur)
	for len(cur.Children) > 0 {
		var best *Node
		for _, cid := range cur.Children {
			child := p.tree.Nodes[cid]
			if best == nil {
				best = child
				continue
			}
			if child.AverageReward() > best.AverageReward() {
				best = child
			} else if child.AverageReward() == best.AverageReward() && child.Visits() > best.Visits() {
				best = child
			}
		}
		if best == nil {
			break
		}
		path = append(path, best)
		cur = best
	}
	return path
}

// confidence combines normalized entropy of the root's visit
// distribution (weight 0.6) with a visit-saturation term (weight 0.4).
func (p *Planner) confidence() float64 {
	root := p.tree.Root()
	if len(root.Children) == 0 || root.Visits() == 0 {
		return 0
	}

	total := float64(root.Visits())
	entropy := 0.0
	for _, cid := range root.Children {
		v := float64(p.tree.Nodes[cid].Visits())
		if v == 0 {
			continue
		}
		prob := v / total
		entropy -= prob * math.Log(prob)
	}
	maxEntropy := math.Log(float64(len(root.Children)))
	normalizedEntropy := 0.0
	if maxEntropy > 0 {
		normalizedEntropy = entropy / maxEntropy
	}

	saturation := total / (total + 10)

	return clamp(0.6*normalizedEntropy+0.4*saturation, 0, 1)
}

// agentRecommendations returns the top-5 arms by Thompson posterior mean.
func (p *Planner) agentRecommendations() []string {
	if p.sampler == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var agents []string
	for _, n := range p.tree.Nodes {
		if n.AgentAttribution == "" {
			continue
		}
		if _, ok := seen[n.AgentAttribution]; ok {
			continue
		}
		seen[n.AgentAttribution] = struct{}{}
		agents = append(agents, n.AgentAttribution)
	}
	return p.sampler.SelectK(agents, min(5, len(agents)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
