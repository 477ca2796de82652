// Copyright 2021 Anapaya Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scoring

import (
	"math"

	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/pkg/risk"
)

// Errors of the legacy aggregate-score path. Both are hard failures: the run
// produces no risk result, a raw score is never mapped to the nearest bucket.
var (
	// ErrRiskOutsideRange indicates the computed score falls in neither
	// configured range.
	ErrRiskOutsideRange = serrors.New("risk score outside configured ranges")
	// ErrUndefinedRiskRange indicates the configuration is missing a range
	// boundary.
	ErrUndefinedRiskRange = serrors.New("risk range undefined in configuration")
)

// AggregateSummary classifies a coarse daily summary on the legacy
// aggregate-score path. It is kept only for platforms that cannot deliver
// per-window data. The score is the normalized risk score times the weighted
// attenuation sum, rounded to two decimal places.
func AggregateSummary(cfg *risk.CalculationConfiguration, s exposure.Summary) (risk.Level, error) {
	if cfg.RiskScoreLowRange == nil || cfg.RiskScoreIncreasedRange == nil {
		return risk.LevelUndefined, serrors.Join(ErrUndefinedRiskRange, nil,
			"lowRange", cfg.RiskScoreLowRange != nil,
			"increasedRange", cfg.RiskScoreIncreasedRange != nil)
	}
	var weightedAttenuation float64
	for i, d := range s.AttenuationDurations {
		weightedAttenuation += d.Minutes() * cfg.AttenuationBucketWeights[i]
	}
	weightedAttenuation += cfg.AttenuationBucketOffset

	score := roundHalfUp(s.NormalizedRiskScore*weightedAttenuation, 2)
	switch {
	case cfg.RiskScoreLowRange.Contains(score):
		return risk.LevelLow, nil
	case cfg.RiskScoreIncreasedRange.Contains(score):
		return risk.LevelIncreased, nil
	default:
		return risk.LevelUndefined, serrors.Join(ErrRiskOutsideRange, nil, "score", score)
	}
}

// roundHalfUp rounds to the given number of decimal places with ties going
// up.
func roundHalfUp(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Floor(v*shift+0.5) / shift
}
