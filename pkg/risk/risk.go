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

// Package risk defines the risk result model and the configuration bundles
// that drive risk calculation.
package risk

import (
	"time"
)

// Level is the user-facing risk level.
type Level int

const (
	// LevelUndefined is the zero value. It is never published, it only marks
	// the absence of a previously recorded level.
	LevelUndefined Level = iota
	// LevelInactive is published when exposure detection is not authorized or
	// disabled. It overrides every other outcome.
	LevelInactive
	// LevelUnknownInitial is published while tracing has not yet been active
	// long enough for a meaningful result.
	LevelUnknownInitial
	// LevelUnknownOutdated is published when the latest result exceeded its
	// validity duration and no new detection could run.
	LevelUnknownOutdated
	// LevelLow is a concrete low-risk result.
	LevelLow
	// LevelIncreased is a concrete increased-risk result.
	LevelIncreased
)

func (l Level) String() string {
	switch l {
	case LevelInactive:
		return "inactive"
	case LevelUnknownInitial:
		return "unknown_initial"
	case LevelUnknownOutdated:
		return "unknown_outdated"
	case LevelLow:
		return "low"
	case LevelIncreased:
		return "increased"
	default:
		return "undefined"
	}
}

// IsConcrete returns whether the level is one of the two concrete outcomes.
// Only concrete levels participate in change detection and are persisted as
// the previous level.
func (l Level) IsConcrete() bool {
	return l == LevelLow || l == LevelIncreased
}

// Changed reports whether the transition from previous to l counts as a
// change. Transitions through unknown or inactive levels never do.
func Changed(previous, l Level) bool {
	return previous.IsConcrete() && l.IsConcrete() && previous != l
}

// Details carries the user-facing facts behind a risk level.
type Details struct {
	// DaysSinceLastExposure is the age in days of the most recent exposure in
	// the winning bucket. Nil if no exposure contributed.
	DaysSinceLastExposure *int
	// NumberOfExposures is the distinct-encounter count of the winning
	// bucket, counted once per calendar day.
	NumberOfExposures int
	// ActiveTracing is the accrued tracing duration at detection time.
	ActiveTracing ActiveTracing
	// DetectionDate is when the detection producing this result ran.
	DetectionDate time.Time
}

// Risk is the single result delivered to observers per coordinator request.
type Risk struct {
	Level   Level
	Details Details
	// Changed is set iff both the previously recorded concrete level and
	// Level are concrete and differ.
	Changed bool
}
