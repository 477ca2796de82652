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
	"time"

	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/risk"
)

// Input bundles everything the aggregation needs besides the scored windows.
type Input struct {
	// Scores are the per-window pipeline results.
	Scores []WindowScore
	// DetectionEnabled is whether exposure detection is authorized and
	// active. When false the result is inactive regardless of any window
	// data.
	DetectionEnabled bool
	// ActiveTracing is the accrued tracing duration.
	ActiveTracing risk.ActiveTracing
	// PreviousLevel is the previously recorded concrete level, or
	// LevelUndefined when none exists.
	PreviousLevel risk.Level
	// DetectionDate is when the detection ran, usually now.
	DetectionDate time.Time
}

// bucket accumulates distinct encounters for one concrete level. An
// encounter is counted once per calendar day, multiple windows on the same
// day collapse into one.
type bucket struct {
	days       map[exposure.Day]struct{}
	mostRecent time.Time
}

func (b *bucket) add(date time.Time) {
	if b.days == nil {
		b.days = map[exposure.Day]struct{}{}
	}
	b.days[exposure.DayOf(date)] = struct{}{}
	if date.After(b.mostRecent) {
		b.mostRecent = date
	}
}

func (b *bucket) count() int {
	return len(b.days)
}

// Aggregate combines all scored windows with the global preconditions into
// one risk result. Precedence: detection disabled beats everything, then the
// minimum tracing duration, then the window buckets.
func Aggregate(in Input) risk.Risk {
	details := risk.Details{
		ActiveTracing: in.ActiveTracing,
		DetectionDate: in.DetectionDate,
	}
	if !in.DetectionEnabled {
		return risk.Risk{Level: risk.LevelInactive, Details: details}
	}
	if !in.ActiveTracing.Sufficient() {
		return risk.Risk{Level: risk.LevelUnknownInitial, Details: details}
	}

	var high, low bucket
	for _, s := range in.Scores {
		if s.Dropped {
			continue
		}
		switch s.Level {
		case risk.LevelIncreased:
			high.add(s.Date)
		case risk.LevelLow:
			low.add(s.Date)
		}
	}

	level := risk.LevelLow
	winning := &low
	if high.count() > 0 {
		level = risk.LevelIncreased
		winning = &high
	}
	if winning.count() > 0 {
		age := daysBetween(winning.mostRecent, in.DetectionDate)
		details.DaysSinceLastExposure = &age
		details.NumberOfExposures = winning.count()
	}
	return risk.Risk{
		Level:   level,
		Details: details,
		Changed: risk.Changed(in.PreviousLevel, level),
	}
}

func daysBetween(from, to time.Time) int {
	d := exposure.DayOf(to).Time().Sub(exposure.DayOf(from).Time())
	return int(d / (24 * time.Hour))
}
