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

package risk_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/entrace/entrace/pkg/risk"
)

func TestActiveTracingFromHistory(t *testing.T) {
	now := time.Date(2021, 3, 20, 12, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return now.Add(-time.Duration(h) * time.Hour) }

	tests := map[string]struct {
		history  []risk.TracingEvent
		expected time.Duration
	}{
		"empty history": {},
		"still enabled": {
			history: []risk.TracingEvent{
				{Time: at(30), Enabled: true},
			},
			expected: 30 * time.Hour,
		},
		"closed interval": {
			history: []risk.TracingEvent{
				{Time: at(30), Enabled: true},
				{Time: at(10), Enabled: false},
			},
			expected: 20 * time.Hour,
		},
		"disable resets accrual only for the disabled span": {
			history: []risk.TracingEvent{
				{Time: at(50), Enabled: true},
				{Time: at(40), Enabled: false},
				{Time: at(20), Enabled: true},
			},
			expected: 30 * time.Hour,
		},
		"clipped to the history window": {
			history: []risk.TracingEvent{
				{Time: now.Add(-20 * 24 * time.Hour), Enabled: true},
			},
			expected: risk.TracingHistoryWindow,
		},
		"duplicate enables tolerated": {
			history: []risk.TracingEvent{
				{Time: at(10), Enabled: true},
				{Time: at(8), Enabled: true},
				{Time: at(2), Enabled: false},
			},
			expected: 8 * time.Hour,
		},
		"unsorted input": {
			history: []risk.TracingEvent{
				{Time: at(10), Enabled: false},
				{Time: at(30), Enabled: true},
			},
			expected: 20 * time.Hour,
		},
		"future events ignored": {
			history: []risk.TracingEvent{
				{Time: at(5), Enabled: true},
				{Time: now.Add(time.Hour), Enabled: false},
			},
			expected: 5 * time.Hour,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := risk.ActiveTracingFromHistory(tc.history, now)
			assert.Equal(t, tc.expected, got.Duration)
		})
	}
}

func TestActiveTracingSufficient(t *testing.T) {
	assert.False(t, risk.ActiveTracing{Duration: 23 * time.Hour}.Sufficient())
	assert.True(t, risk.ActiveTracing{Duration: 24 * time.Hour}.Sufficient())
}

func TestChanged(t *testing.T) {
	assert.True(t, risk.Changed(risk.LevelLow, risk.LevelIncreased))
	assert.True(t, risk.Changed(risk.LevelIncreased, risk.LevelLow))
	assert.False(t, risk.Changed(risk.LevelLow, risk.LevelLow))
	assert.False(t, risk.Changed(risk.LevelIncreased, risk.LevelUnknownInitial))
	assert.False(t, risk.Changed(risk.LevelUndefined, risk.LevelIncreased))
	assert.False(t, risk.Changed(risk.LevelInactive, risk.LevelLow))
}
