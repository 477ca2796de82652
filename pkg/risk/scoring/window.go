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

// Package scoring implements the multi-stage classification of exposure
// windows into risk levels, and the aggregation of all scored windows into
// one risk result. All functions are pure.
package scoring

import (
	"time"

	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/risk"
)

// WindowScore holds the result of every pipeline stage for one exposure
// window. All stages are computed once at construction; later stages reuse
// the earlier results.
type WindowScore struct {
	// Date is the calendar day of the encounter.
	Date time.Time
	// Dropped is set when the minutes-at-attenuation filter or the TRL
	// filter rejected the window. A dropped window contributes to nothing.
	Dropped bool
	// TransmissionRiskLevel is the integer TRL derived from infectiousness
	// and report type.
	TransmissionRiskLevel int
	// TransmissionRiskValue is the float TRV looked up from the TRL.
	TransmissionRiskValue float64
	// WeightedMinutes is the attenuation-weighted scan time in minutes.
	WeightedMinutes float64
	// NormalizedTime is TRV times weighted minutes.
	NormalizedTime float64
	// Level is the per-window risk level, or LevelUndefined when no
	// configured normalized-time range matched. A window without a level is
	// treated like a dropped one during aggregation.
	Level risk.Level
}

// ScoreWindow runs the full classification pipeline for one window.
func ScoreWindow(cfg *risk.CalculationConfiguration, w exposure.Window) WindowScore {
	s := WindowScore{Date: w.Date}
	s.Dropped = droppedByAttenuation(cfg, w)

	s.TransmissionRiskLevel = cfg.TRLOffsets.Infectiousness(w.Infectiousness) +
		cfg.TRLOffsets.ReportType(w.ReportType)
	// The TRL filter applies independently of the attenuation filter, either
	// can drop the window.
	for _, f := range cfg.TRLFilters {
		if f.DropIfTRLIn.Contains(s.TransmissionRiskLevel) {
			s.Dropped = true
		}
	}

	s.TransmissionRiskValue = transmissionRiskValue(cfg, s.TransmissionRiskLevel)
	s.WeightedMinutes = weightedMinutes(cfg, w)
	s.NormalizedTime = s.TransmissionRiskValue * s.WeightedMinutes
	s.Level = levelForNormalizedTime(cfg, s.NormalizedTime)
	return s
}

// ScoreWindows scores all windows.
func ScoreWindows(cfg *risk.CalculationConfiguration, ws []exposure.Window) []WindowScore {
	scores := make([]WindowScore, 0, len(ws))
	for _, w := range ws {
		scores = append(scores, ScoreWindow(cfg, w))
	}
	return scores
}

func droppedByAttenuation(cfg *risk.CalculationConfiguration, w exposure.Window) bool {
	for _, f := range cfg.MinutesAtAttenuationFilters {
		var seconds int
		for _, scan := range w.ScanInstances {
			// Broken platform records report a negative elapsed time, those
			// scans are excluded everywhere.
			if scan.SecondsSinceLastScan < 0 {
				continue
			}
			if f.AttenuationRange.Contains(scan.TypicalAttenuation) {
				seconds += scan.SecondsSinceLastScan
			}
		}
		if f.DropIfMinutesIn.Contains(float64(seconds) / 60) {
			return true
		}
	}
	return false
}

func transmissionRiskValue(cfg *risk.CalculationConfiguration, trl int) float64 {
	for _, m := range cfg.TRVMappings {
		if m.TransmissionRiskLevel == trl {
			return m.TransmissionRiskValue
		}
	}
	return 0
}

func weightedMinutes(cfg *risk.CalculationConfiguration, w exposure.Window) float64 {
	var weighted float64
	for _, scan := range w.ScanInstances {
		if scan.SecondsSinceLastScan < 0 {
			continue
		}
		weighted += float64(scan.SecondsSinceLastScan) *
			attenuationWeight(cfg, scan.TypicalAttenuation)
	}
	return weighted / 60
}

func attenuationWeight(cfg *risk.CalculationConfiguration, attenuation int) float64 {
	for _, m := range cfg.MinutesAtAttenuationWeights {
		if m.AttenuationRange.Contains(attenuation) {
			return m.Weight
		}
	}
	return 0
}

func levelForNormalizedTime(cfg *risk.CalculationConfiguration, nt float64) risk.Level {
	for _, m := range cfg.NormalizedTimePerWindowToRiskLevel {
		if m.NormalizedTimeRange.Contains(nt) {
			return m.Level
		}
	}
	return risk.LevelUndefined
}
