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
	"time"

	"github.com/entrace/entrace/pkg/exposure"
)

// Range is a possibly open-ended interval over an ordered type. Boundaries
// are inclusive unless the corresponding OpenBoundary flag is set.
type Range[T int | float64] struct {
	Min             T    `json:"min"`
	Max             T    `json:"max"`
	MinOpenBoundary bool `json:"minOpenBoundary,omitempty"`
	MaxOpenBoundary bool `json:"maxOpenBoundary,omitempty"`
}

// Contains returns whether v lies within the range.
func (r Range[T]) Contains(v T) bool {
	if r.MinOpenBoundary {
		if v <= r.Min {
			return false
		}
	} else if v < r.Min {
		return false
	}
	if r.MaxOpenBoundary {
		if v >= r.Max {
			return false
		}
	} else if v > r.Max {
		return false
	}
	return true
}

// AttenuationFilter drops a whole window if the minutes spent in the
// attenuation range fall into the drop range.
type AttenuationFilter struct {
	AttenuationRange Range[int]     `json:"attenuationRange"`
	DropIfMinutesIn  Range[float64] `json:"dropIfMinutesInRange"`
}

// AttenuationWeight assigns a weight to scan minutes within an attenuation
// range.
type AttenuationWeight struct {
	AttenuationRange Range[int] `json:"attenuationRange"`
	Weight           float64    `json:"weight"`
}

// TRLFilter drops a window whose transmission risk level falls into the
// range.
type TRLFilter struct {
	DropIfTRLIn Range[int] `json:"dropIfTrlInRange"`
}

// TRLOffsets encode the transmission-risk-level computation: the level is the
// sum of the infectiousness offset and the report-type offset. Unlisted
// combinations contribute zero.
type TRLOffsets struct {
	InfectiousnessStandard      int `json:"infectiousnessOffsetStandard"`
	InfectiousnessHigh          int `json:"infectiousnessOffsetHigh"`
	ReportTypeConfirmedTest     int `json:"reportTypeOffsetConfirmedTest"`
	ReportTypeClinicalDiagnosis int `json:"reportTypeOffsetConfirmedClinicalDiagnosis"`
	ReportTypeSelfReported      int `json:"reportTypeOffsetSelfReported"`
	ReportTypeRecursive         int `json:"reportTypeOffsetRecursive"`
}

// Infectiousness returns the offset for the given infectiousness.
func (o TRLOffsets) Infectiousness(i exposure.Infectiousness) int {
	switch i {
	case exposure.InfectiousnessStandard:
		return o.InfectiousnessStandard
	case exposure.InfectiousnessHigh:
		return o.InfectiousnessHigh
	default:
		return 0
	}
}

// ReportType returns the offset for the given report type.
func (o TRLOffsets) ReportType(r exposure.ReportType) int {
	switch r {
	case exposure.ReportTypeConfirmedTest:
		return o.ReportTypeConfirmedTest
	case exposure.ReportTypeConfirmedClinicalDiagnosis:
		return o.ReportTypeClinicalDiagnosis
	case exposure.ReportTypeSelfReported:
		return o.ReportTypeSelfReported
	case exposure.ReportTypeRecursive:
		return o.ReportTypeRecursive
	default:
		return 0
	}
}

// TRVMapping maps a transmission risk level to its transmission risk value.
type TRVMapping struct {
	TransmissionRiskLevel int     `json:"transmissionRiskLevel"`
	TransmissionRiskValue float64 `json:"transmissionRiskValue"`
}

// NormalizedTimeToLevel maps a normalized-time range to a risk level. The
// first matching entry wins.
type NormalizedTimeToLevel struct {
	NormalizedTimeRange Range[float64] `json:"normalizedTimeRange"`
	Level               Level          `json:"riskLevel"`
}

// CalculationConfiguration is the immutable parameter bundle for the
// per-window scoring pipeline and, for backward compatibility, the legacy
// aggregate-score path. It is fetched from the backend and never mutated.
type CalculationConfiguration struct {
	MinutesAtAttenuationFilters        []AttenuationFilter     `json:"minutesAtAttenuationFilters"`
	MinutesAtAttenuationWeights        []AttenuationWeight     `json:"minutesAtAttenuationWeights"`
	TRLOffsets                         TRLOffsets              `json:"trlOffsets"`
	TRLFilters                         []TRLFilter             `json:"trlFilters"`
	TRVMappings                        []TRVMapping            `json:"trvMappings"`
	NormalizedTimePerWindowToRiskLevel []NormalizedTimeToLevel `json:"normalizedTimePerWindowToRiskLevelMapping"`

	// Legacy aggregate-score configuration. Used only when the platform
	// supplies a coarse daily summary instead of per-window data.
	RiskScoreLowRange        *Range[float64] `json:"riskScoreLowRange,omitempty"`
	RiskScoreIncreasedRange  *Range[float64] `json:"riskScoreIncreasedRange,omitempty"`
	AttenuationBucketWeights [3]float64      `json:"attenuationBucketWeights"`
	AttenuationBucketOffset  float64         `json:"attenuationBucketOffset"`
}

// DetectionMode determines when detections run.
type DetectionMode int

const (
	// DetectionAutomatic runs detections on a schedule and on explicit
	// requests.
	DetectionAutomatic DetectionMode = iota
	// DetectionManual runs detections only on explicit requests.
	DetectionManual
)

func (m DetectionMode) String() string {
	if m == DetectionManual {
		return "manual"
	}
	return "automatic"
}

// ProvidingConfiguration controls the risk coordinator's scheduling.
type ProvidingConfiguration struct {
	// Mode is the detection mode.
	Mode DetectionMode
	// ValidityDuration is how long a result stays fresh. An older result is
	// considered outdated.
	ValidityDuration time.Duration
	// Interval is the pause between automatic detections.
	Interval time.Duration
}

// InitDefaults sets sane defaults for unset fields.
func (c *ProvidingConfiguration) InitDefaults() {
	if c.ValidityDuration == 0 {
		c.ValidityDuration = 48 * time.Hour
	}
	if c.Interval == 0 {
		c.Interval = 24 * time.Hour
	}
}
