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

import "math"

// allowWidening reports whether leaf may grow another child under
// progressive widening: a node may only expand once its visit count
// reaches children_count^alpha. With zero children the threshold is
// always satisfied, since Pow(0, alpha) == 0.
func allowWidening(leaf *Node, alpha float64) bool {
	threshold := math.Pow(float64(len(leaf.Children)), alpha)
	return float64(leaf.Visits()) >= threshold
}
