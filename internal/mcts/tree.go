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

// Package mcts implements the anytime Monte-Carlo Tree Search planner:
// UCB1 selection with a Thompson Sampling bonus, expansion via Thompson
// or round-robin agent choice, a composite quality/speed/cost reward,
// backpropagation, and periodic checkpointing to an external cache.
package mcts

import "sync/atomic"

// Action is a candidate agent invocation considered at a tree node.
type Action struct {
	Agent        string
	AgentType    string
	EstimatedCost float64
	EstimatedTime float64
	RequiredCaps  []string
	Confidence    float64
}

// Reward decomposes a simulated outcome per spec.md §3.
type Reward struct {
	Quality            float64
	Speed              float64
	Cost               float64
	UserSatisfaction   float64
	HasUserSatisfaction bool
	Value              float64
}

// Node is an arena-indexed MCTS tree node; children hold only parent
// indices, eliminating reference cycles and keeping structural views
// cheap to clone for checkpointing.
type Node struct {
	ID           int
	Parent       int // -1 for the root
	Children     []int
	Action       Action
	Depth        int
	Terminal     bool
	AgentAttribution string

	visits      int64
	totalReward int64 // fixed-point: reward * rewardScale, for atomic accumulation

	WideningThreshold int // not written by the planner; allowWidening computes its threshold per call
}

const rewardScale = 1_000_000

// Visits returns the node's visit count (atomic read).
func (n *Node) Visits() int64 { return atomic.LoadInt64(&n.visits) }

// AverageReward returns total_reward/visits, or 0 if unvisited.
func (n *Node) AverageReward() float64 {
	v := atomic.LoadInt64(&n.visits)
	if v == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&n.totalReward)) / float64(rewardScale) / float64(v)
}

func (n *Node) recordVisit(reward float64) {
	atomic.AddInt64(&n.visits, 1)
	atomic.AddInt64(&n.totalReward, int64(reward*rewardScale))
}

// Tree is the arena holding every Node; the root is always index 0.
type Tree struct {
	Nodes []*Node
}

// NewTree constructs a tree with a single root node.
func NewTree() *Tree {
	root := &Node{ID: 0, Parent: -1, Depth: 0}
	return &Tree{Nodes: []*Node{root}}
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node { return t.Nodes[0] }

// AddChild appends a new child of parent and returns it.
func (t *Tree) AddChild(parent *Node, action Action, agentAttribution string) *Node {
	child := &Node{
		ID:               len(t.Nodes),
		Parent:           parent.ID,
		Depth:            parent.Depth + 1,
		Action:           action,
		AgentAttribution: agentAttribution,
	}
	t.Nodes = append(t.Nodes, child)
	parent.Children = append(parent.Children, child.ID)
	return child
}

// PathToRoot walks from node to the root, returning nodes root-first.
func (t *Tree) PathToRoot(node *Node) []*Node {
	var path []*Node
	for cur := node; cur != nil; {
		path = append([]*Node{cur}, path...)
		if cur.Parent < 0 {
			break
		}
		cur = t.Nodes[cur.Parent]
	}
	return path
}

// Size returns the total number of nodes in the tree.
func (t *Tree) Size() int { return len(t.Nodes) }
