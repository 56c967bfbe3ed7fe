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

// Package bandit implements Thompson Sampling over Beta-distributed
// agent arms, used by the MCTS planner to pick agents during expansion
// and to rank agent recommendations in the search result.
package bandit

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

// arm holds the Beta(alpha, beta) posterior for one agent.
type arm struct {
	alpha float64
	beta  float64
}

// Sampler tracks one Beta arm per agent. Updates are commutative
// (addition to Beta parameters) and serialized by one sampler-wide
// mutex, so concurrent rollouts may call Update safely; updates to
// distinct arms still contend for that single lock.
type Sampler struct {
	mu   sync.RWMutex
	arms map[string]*arm
	rng  *rand.Rand
}

// NewSampler constructs an empty Sampler. Callers add arms via AddArm
// before sampling from them, or rely on Sample's implicit add-with-
// uniform-prior for agents encountered for the first time.
func NewSampler() *Sampler {
	return &Sampler{
		arms: make(map[string]*arm),
		rng:  rand.New(rand.NewSource(1)),
	}
}

// AddArm registers agent with the given prior. A non-positive prior
// component is replaced with the uniform default of 1.0.
func (s *Sampler) AddArm(agent string, priorAlpha, priorBeta float64) {
	if priorAlpha <= 0 {
		priorAlpha = 1.0
	}
	if priorBeta <= 0 {
		priorBeta = 1.0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arms[agent] = &arm{alpha: priorAlpha, beta: priorBeta}
}

func (s *Sampler) ensureArm(agent string) *arm {
	if a, ok := s.arms[agent]; ok {
		return a
	}
	a := &arm{alpha: 1.0, beta: 1.0}
	s.arms[agent] = a
	return a
}

// Sample draws a single value from agent's Beta(alpha, beta) posterior,
// registering the arm with a uniform prior if it is unseen.
func (s *Sampler) Sample(agent string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.ensureArm(agent)
	return sampleBeta(s.rng, a.alpha, a.beta)
}

// PosteriorMean returns alpha/(alpha+beta) for agent without drawing a
// sample, used to break sampling ties and to rank recommendations.
func (s *Sampler) PosteriorMean(agent string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.arms[agent]
	if !ok {
		return 0.5
	}
	return a.alpha / (a.alpha + a.beta)
}

// SelectK returns the k distinct arms with the highest sampled values
// among the given candidate agents; ties are broken by larger posterior
// mean alpha/(alpha+beta).
func (s *Sampler) SelectK(agents []string, k int) []string {
	type scored struct {
		agent  string
		sample float64
		mean   float64
	}
	scores := make([]scored, 0, len(agents))
	for _, agent := range agents {
		scores = append(scores, scored{
			agent:  agent,
			sample: s.Sample(agent),
			mean:   s.PosteriorMean(agent),
		})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].sample != scores[j].sample {
			return scores[i].sample > scores[j].sample
		}
		return scores[i].mean > scores[j].mean
	})
	if k > len(scores) {
		k = len(scores)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = scores[i].agent
	}
	return out
}

// Update applies alpha += reward, beta += 1 - reward for agent, clamping
// reward to [0,1] first. The invariant alpha > 0 && beta > 0 holds for
// any sequence of updates since reward is always in [0,1].
func (s *Sampler) Update(agent string, reward float64) {
	if reward < 0 {
		reward = 0
	}
	if reward > 1 {
		reward = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.ensureArm(agent)
	a.alpha += reward
	a.beta += 1 - reward
}

// sampleBeta draws from Beta(alpha, beta) via two Gamma(alpha,1) draws:
// X/(X+Y) ~ Beta(alpha, beta) when X ~ Gamma(alpha,1), Y ~ Gamma(beta,1).
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using the Marsaglia-Tsang
// method for shape >= 1, boosting small shapes via the standard
// Gamma(shape+1)*U^(1/shape) transform.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)

	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
