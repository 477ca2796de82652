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

package risk

import (
	"sort"
	"time"
)

const (
	// TracingHistoryWindow bounds how far back tracing activity is counted.
	TracingHistoryWindow = 14 * 24 * time.Hour
	// MinActiveTracing is the tracing duration that must accrue before a
	// meaningful risk can be computed.
	MinActiveTracing = 24 * time.Hour
)

// TracingEvent is one entry of the append-only tracing history: exposure
// detection was switched on or off at the given time.
type TracingEvent struct {
	Time    time.Time
	Enabled bool
}

// ActiveTracing is the accrued duration exposure detection has been enabled
// within the history window.
type ActiveTracing struct {
	Duration time.Duration
}

// InDays returns the accrued duration in full days.
func (a ActiveTracing) InDays() int {
	return int(a.Duration / (24 * time.Hour))
}

// InHours returns the accrued duration in full hours.
func (a ActiveTracing) InHours() int {
	return int(a.Duration / time.Hour)
}

// Sufficient returns whether enough tracing time accrued for a meaningful
// risk computation.
func (a ActiveTracing) Sufficient() bool {
	return a.Duration >= MinActiveTracing
}

// ActiveTracingFromHistory computes the accrued tracing duration from the
// enable/disable history, clipped to the history window ending at now.
// Events are processed in chronological order; an enabled period that is
// still open at now counts up to now. Duplicate enable or disable events are
// tolerated, only state transitions accrue time.
func ActiveTracingFromHistory(history []TracingEvent, now time.Time) ActiveTracing {
	events := make([]TracingEvent, len(history))
	copy(events, history)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Time.Before(events[j].Time)
	})

	windowStart := now.Add(-TracingHistoryWindow)
	var accrued time.Duration
	var enabledSince time.Time
	enabled := false
	for _, ev := range events {
		if ev.Time.After(now) {
			break
		}
		switch {
		case ev.Enabled && !enabled:
			enabled = true
			enabledSince = ev.Time
		case !ev.Enabled && enabled:
			enabled = false
			accrued += clipInterval(enabledSince, ev.Time, windowStart)
		}
	}
	if enabled {
		accrued += clipInterval(enabledSince, now, windowStart)
	}
	return ActiveTracing{Duration: accrued}
}

func clipInterval(from, to, windowStart time.Time) time.Duration {
	if from.Before(windowStart) {
		from = windowStart
	}
	if !to.After(from) {
		return 0
	}
	return to.Sub(from)
}
