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
	"testing"

	"github.com/stretchr/testify/require"

	"flowcraft/core/internal/agentregistry"
	"flowcraft/core/internal/bandit"
	"flowcraft/core/internal/ids"
)

func TestRunZeroIterationsReturnsEmptyPlan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 0

	p := NewPlanner(cfg, bandit.NewSampler(), agentregistry.NewPerformanceModel(), nil, ids.NewSessionID())
	result := p.Run("root-wf", "wf-1", []string{"a", "b"})

	require.Empty(t, result.BestPath)
	require.Equal(t, 0.0, result.Confidence)
}

func TestRunGrowsTreeAndProducesBestPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 50
	cfg.MaxDepth = 3
	cfg.ParallelSimulations = 2

	p := NewPlanner(cfg, bandit.NewSampler(), agentregistry.NewPerformanceModel(), nil, ids.NewSessionID())
	result := p.Run("root-wf", "wf-1", []string{"a", "b", "c"})

	require.Greater(t, p.tree.Size(), 1)
	require.NotEmpty(t, result.BestPath)
	require.NotEmpty(t, result.ExecutionPlan)
}

func TestBestUCBChildPrefersUnvisitedChild(t *testing.T) {
	cfg := DefaultConfig()
	p := NewPlanner(cfg, bandit.NewSampler(), agentregistry.NewPerformanceModel(), nil, ids.NewSessionID())

	root := p.tree.Root()
	visited := p.tree.AddChild(root, Action{Agent: "visited"}, "visited")
	unvisited := p.tree.AddChild(root, Action{Agent: "unvisited"}, "unvisited")
	visited.recordVisit(0.9)
	root.recordVisit(0.9)

	best := p.bestUCBChild(root)
	require.Equal(t, unvisited.ID, best.ID)
}

func TestBestUCBChildAppliesThompsonBonusWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseThompson = true
	sampler := bandit.NewSampler()
	sampler.AddArm("strong", 50, 1)
	sampler.AddArm("weak", 1, 50)

	p := NewPlanner(cfg, sampler, agentregistry.NewPerformanceModel(), nil, ids.NewSessionID())
	root := p.tree.Root()
	strong := p.tree.AddChild(root, Action{Agent: "strong"}, "strong")
	weak := p.tree.AddChild(root, Action{Agent: "weak"}, "weak")
	for _, n := range []*Node{root, strong, weak} {
		n.recordVisit(0.5)
	}

	best := p.bestUCBChild(root)
	require.Equal(t, strong.ID, best.ID)
}

func TestSimulateProducesClampedCompositeReward(t *testing.T) {
	cfg := DefaultConfig()
	p := NewPlanner(cfg, bandit.NewSampler(), agentregistry.NewPerformanceModel(), nil, ids.NewSessionID())

	node := p.tree.AddChild(p.tree.Root(), Action{Agent: "a", EstimatedCost: 0.2, EstimatedTime: 0.1}, "a")
	reward := p.simulate(node)

	require.GreaterOrEqual(t, reward.Value, 0.0)
	require.LessOrEqual(t, reward.Value, 1.0)
}

func TestBackpropagateUpdatesVisitsAlongPathToRoot(t *testing.T) {
	cfg := DefaultConfig()
	p := NewPlanner(cfg, bandit.NewSampler(), agentregistry.NewPerformanceModel(), nil, ids.NewSessionID())

	root := p.tree.Root()
	child := p.tree.AddChild(root, Action{Agent: "a"}, "a")
	grandchild := p.tree.AddChild(child, Action{Agent: "a"}, "a")

	p.backpropagate(grandchild, Reward{Value: 0.8})

	require.EqualValues(t, 1, root.Visits())
	require.EqualValues(t, 1, child.Visits())
	require.EqualValues(t, 1, grandchild.Visits())
	require.InDelta(t, 0.8, grandchild.AverageReward(), 1e-6)
}

func TestConfidenceIsZeroForUnvisitedRoot(t *testing.T) {
	cfg := DefaultConfig()
	p := NewPlanner(cfg, bandit.NewSampler(), agentregistry.NewPerformanceModel(), nil, ids.NewSessionID())
	require.Equal(t, 0.0, p.confidence())
}

func TestAnytimeCorrectnessFavorsStrongPriorAgent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 500
	cfg.ParallelSimulations = 3
	cfg.MaxDepth = 4

	sampler := bandit.NewSampler()
	sampler.AddArm("a", 9, 1)
	sampler.AddArm("b", 5, 5)
	sampler.AddArm("c", 1, 9)

	p := NewPlanner(cfg, sampler, agentregistry.NewPerformanceModel(), nil, ids.NewSessionID())
	result := p.Run("root-wf", "wf-1", []string{"a", "b", "c"})

	require.NotEmpty(t, result.BestPath)
	require.Equal(t, "a", result.BestPath[0].Agent)
}

func TestWideningBlocksExpansionBelowThreshold(t *testing.T) {
	node := &Node{}
	require.True(t, allowWidening(node, 0.5)) // zero children: threshold is 0

	node.Children = []int{0}
	require.False(t, allowWidening(node, 0.5)) // visits 0 < 1^0.5
}

func TestAgentRecommendationsReturnsAtMostFive(t *testing.T) {
	cfg := DefaultConfig()
	sampler := bandit.NewSampler()
	p := NewPlanner(cfg, sampler, agentregistry.NewPerformanceModel(), nil, ids.NewSessionID())

	root := p.tree.Root()
	for _, agent := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		p.tree.AddChild(root, Action{Agent: agent}, agent)
	}

	recs := p.agentRecommendations()
	require.LessOrEqual(t, len(recs), 5)
}
