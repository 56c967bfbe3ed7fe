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

package agentregistry

import "sync"

// FeatureVector is the 6-dimensional input to the Bayesian performance
// predictor: agent_experience, task_complexity, context_similarity,
// recent_performance, resource_availability, time_pressure.
type FeatureVector [6]float64

// Prediction exposes a component's predicted mean and variance.
type Prediction struct {
	Mean     float64
	Variance float64
}

// RewardComponents is what the predictor estimates per agent.
type RewardComponents struct {
	Quality Prediction
	Speed   Prediction
	Cost    Prediction
}

// componentModel is a per-reward-component linear-Gaussian predictor,
// updated online via a Bayesian linear regression with a diagonal
// precision approximation — each feature weight is its own
// independent Gaussian belief, which keeps the update O(dimensions)
// per observation instead of requiring a full covariance matrix.
type componentModel struct {
	weights   FeatureVector
	precision FeatureVector // per-weight precision (inverse variance)
	bias      float64
	biasPrec  float64
	n         int
}

func newComponentModel() *componentModel {
	m := &componentModel{bias: 0.5, biasPrec: 1.0}
	for i := range m.precision {
		m.precision[i] = 1.0
	}
	return m
}

func (m *componentModel) predict(f FeatureVector) Prediction {
	mean := m.bias
	variance := 1.0 / m.biasPrec
	for i, w := range m.weights {
		mean += w * f[i]
		variance += (f[i] * f[i]) / m.precision[i]
	}
	if mean < 0 {
		mean = 0
	}
	if mean > 1 {
		mean = 1
	}
	return Prediction{Mean: mean, Variance: variance}
}

// update performs one step of online Bayesian linear regression: for
// each weight, the precision accumulates the squared feature magnitude
// (a cheap recursive least-squares surrogate), and the weight moves
// toward explaining the residual scaled by the learning step implied
// by the new precision.
func (m *componentModel) update(f FeatureVector, observed float64) {
	predicted := m.predict(f)
	residual := observed - predicted.Mean

	m.biasPrec += 1.0
	m.bias += residual / m.biasPrec

	for i, x := range f {
		m.precision[i] += x * x
		if m.precision[i] == 0 {
			continue
		}
		m.weights[i] += (residual * x) / m.precision[i]
	}
	m.n++
}

// PerformanceModel is the per-agent Bayesian predictor of (quality,
// speed, cost) from spec.md §4.3. Unknown agents start at a uniform
// prior equivalent to one pseudo-observation at 0.5 for each component.
type PerformanceModel struct {
	mu     sync.RWMutex
	agents map[string]*agentModel
}

type agentModel struct {
	quality *componentModel
	speed   *componentModel
	cost    *componentModel
}

// NewPerformanceModel constructs an empty model.
func NewPerformanceModel() *PerformanceModel {
	return &PerformanceModel{agents: make(map[string]*agentModel)}
}

func (p *PerformanceModel) ensure(agent string) *agentModel {
	if m, ok := p.agents[agent]; ok {
		return m
	}
	m := &agentModel{
		quality: newComponentModel(),
		speed:   newComponentModel(),
		cost:    newComponentModel(),
	}
	p.agents[agent] = m
	return m
}

// Predict returns the (quality, speed, cost) prediction for agent given
// features, lazily initializing an unseen agent at the uniform prior.
func (p *PerformanceModel) Predict(agent string, features FeatureVector) RewardComponents {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.ensure(agent)
	return RewardComponents{
		Quality: m.quality.predict(features),
		Speed:   m.speed.predict(features),
		Cost:    m.cost.predict(features),
	}
}

// Update performs the online Bayesian update for agent from one
// observed composite reward, applied uniformly to quality/speed/cost
// since the planner's Simulate step observes one composite signal per
// rollout rather than disaggregated component rewards.
func (p *PerformanceModel) Update(agent string, features FeatureVector, observedReward float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.ensure(agent)
	m.quality.update(features, observedReward)
	m.speed.update(features, observedReward)
	m.cost.update(features, observedReward)
}
