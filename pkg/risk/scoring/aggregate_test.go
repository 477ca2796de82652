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

package scoring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrace/entrace/pkg/risk"
	"github.com/entrace/entrace/pkg/risk/scoring"
)

var detectionDate = time.Date(2021, 3, 20, 12, 0, 0, 0, time.UTC)

func enabledInput(scores ...scoring.WindowScore) scoring.Input {
	return scoring.Input{
		Scores:           scores,
		DetectionEnabled: true,
		ActiveTracing:    risk.ActiveTracing{Duration: 48 * time.Hour},
		DetectionDate:    detectionDate,
	}
}

func scoreOn(day time.Time, level risk.Level) scoring.WindowScore {
	return scoring.WindowScore{Date: day, Level: level}
}

func TestAggregateInactiveOverridesAll(t *testing.T) {
	in := enabledInput(
		scoreOn(detectionDate.AddDate(0, 0, -1), risk.LevelIncreased),
	)
	in.DetectionEnabled = false
	r := scoring.Aggregate(in)
	assert.Equal(t, risk.LevelInactive, r.Level)
	assert.False(t, r.Changed)
	assert.Nil(t, r.Details.DaysSinceLastExposure)
}

func TestAggregateUnknownInitial(t *testing.T) {
	in := enabledInput(
		scoreOn(detectionDate.AddDate(0, 0, -1), risk.LevelIncreased),
	)
	in.ActiveTracing = risk.ActiveTracing{Duration: 23 * time.Hour}
	r := scoring.Aggregate(in)
	assert.Equal(t, risk.LevelUnknownInitial, r.Level)
}

func TestAggregateBuckets(t *testing.T) {
	day := func(offset int) time.Time { return detectionDate.AddDate(0, 0, offset) }
	tests := map[string]struct {
		scores        []scoring.WindowScore
		expectedLevel risk.Level
		expectedCount int
		expectedAge   *int
	}{
		"no windows": {
			expectedLevel: risk.LevelLow,
		},
		"low only": {
			scores: []scoring.WindowScore{
				scoreOn(day(-3), risk.LevelLow),
				scoreOn(day(-1), risk.LevelLow),
			},
			expectedLevel: risk.LevelLow,
			expectedCount: 2,
			expectedAge:   intPtr(1),
		},
		"one increased wins": {
			scores: []scoring.WindowScore{
				scoreOn(day(-1), risk.LevelLow),
				scoreOn(day(-5), risk.LevelIncreased),
			},
			expectedLevel: risk.LevelIncreased,
			expectedCount: 1,
			expectedAge:   intPtr(5),
		},
		"encounters collapse per day and bucket": {
			scores: []scoring.WindowScore{
				scoreOn(day(-2), risk.LevelIncreased),
				scoreOn(day(-2).Add(4*time.Hour), risk.LevelIncreased),
				scoreOn(day(-4), risk.LevelIncreased),
			},
			expectedLevel: risk.LevelIncreased,
			expectedCount: 2,
			expectedAge:   intPtr(2),
		},
		"dropped windows count nowhere": {
			scores: []scoring.WindowScore{
				{Date: day(-1), Level: risk.LevelIncreased, Dropped: true},
			},
			expectedLevel: risk.LevelLow,
		},
		"windows without level count nowhere": {
			scores: []scoring.WindowScore{
				{Date: day(-1), Level: risk.LevelUndefined},
			},
			expectedLevel: risk.LevelLow,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := scoring.Aggregate(enabledInput(tc.scores...))
			assert.Equal(t, tc.expectedLevel, r.Level)
			assert.Equal(t, tc.expectedCount, r.Details.NumberOfExposures)
			if tc.expectedAge == nil {
				assert.Nil(t, r.Details.DaysSinceLastExposure)
			} else {
				require.NotNil(t, r.Details.DaysSinceLastExposure)
				assert.Equal(t, *tc.expectedAge, *r.Details.DaysSinceLastExposure)
			}
		})
	}
}

func TestAggregateChangedFlag(t *testing.T) {
	tests := map[string]struct {
		previous risk.Level
		new      risk.Level
		changed  bool
	}{
		"low to increased":           {risk.LevelLow, risk.LevelIncreased, true},
		"increased to low":           {risk.LevelIncreased, risk.LevelLow, true},
		"low to low":                 {risk.LevelLow, risk.LevelLow, false},
		"none to increased":          {risk.LevelUndefined, risk.LevelIncreased, false},
		"increased through unknown":  {risk.LevelUnknownInitial, risk.LevelLow, false},
		"increased through inactive": {risk.LevelInactive, risk.LevelIncreased, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var scores []scoring.WindowScore
			if tc.new == risk.LevelIncreased {
				scores = append(scores,
					scoreOn(detectionDate.AddDate(0, 0, -1), risk.LevelIncreased))
			}
			in := enabledInput(scores...)
			in.PreviousLevel = tc.previous
			r := scoring.Aggregate(in)
			require.Equal(t, tc.new, r.Level)
			assert.Equal(t, tc.changed, r.Changed)
		})
	}
}

func intPtr(v int) *int {
	return &v
}
