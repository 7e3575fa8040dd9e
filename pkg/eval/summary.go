// Copyright 2025 Tom Barlow
//
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

package eval

import (
	"encoding/json"
	"sort"

	"github.com/tombee/agenttrace/pkg/observability"
)

// DecodeOutput rebuilds an Output from a stored evaluation payload.
func DecodeOutput(p observability.Payload) (*Output, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScoreMean is the average "score" of one scorer over every case and
// trial. Mean is nil when no result carried a numeric score.
type ScoreMean struct {
	Scorer string   `json:"scorer"`
	Mean   *float64 `json:"mean"`
	Failed int      `json:"failed"`
}

// ScoreMeans averages each scorer's numeric "score" field, sorted by
// scorer name. Results where the scorer failed are counted in Failed.
func (o *Output) ScoreMeans() []ScoreMean {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	failed := make(map[string]int)
	names := make(map[string]struct{})

	for _, res := range o.Results {
		for name, score := range res.Scores {
			names[name] = struct{}{}
			if ok, isBool := score["success"].(bool); isBool && !ok {
				failed[name]++
				continue
			}
			if v, ok := numeric(score["score"]); ok {
				sums[name] += v
				counts[name]++
			}
		}
	}

	out := make([]ScoreMean, 0, len(names))
	for name := range names {
		m := ScoreMean{Scorer: name, Failed: failed[name]}
		if n := counts[name]; n > 0 {
			mean := sums[name] / float64(n)
			m.Mean = &mean
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scorer < out[j].Scorer })
	return out
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
