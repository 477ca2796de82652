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

// Package exposure contains the domain model of the exposure-risk pipeline:
// regions, diagnosis-key packages and the exposure windows reported by the
// platform matcher.
package exposure

import (
	"time"

	"github.com/entrace/entrace/pkg/private/serrors"
)

// Region is an independently tracked jurisdiction. All package storage and
// fetch operations are keyed by region.
type Region string

const (
	// RegionDomestic is the home jurisdiction of the application.
	RegionDomestic Region = "DE"
	// RegionFederation covers the interoperability federation.
	RegionFederation Region = "EUR"
)

// DefaultRegions lists the regions processed when no explicit region list is
// configured.
var DefaultRegions = []Region{RegionDomestic, RegionFederation}

// Package is one signed diagnosis-key package. The payload is opaque to the
// pipeline, only the platform matcher interprets it. Packages are immutable
// once stored.
type Package struct {
	// Bin is the signed binary key export.
	Bin []byte
	// Signature is the detached signature over Bin.
	Signature []byte
}

// IsEmpty returns whether the package carries no payload.
func (p Package) IsEmpty() bool {
	return len(p.Bin) == 0
}

// Day identifies one calendar day in UTC. The zero value is invalid.
type Day struct {
	t time.Time
}

// DayOf returns the day containing the given instant, interpreted in UTC.
func DayOf(t time.Time) Day {
	ut := t.UTC()
	return Day{t: time.Date(ut.Year(), ut.Month(), ut.Day(), 0, 0, 0, 0, time.UTC)}
}

// ParseDay parses a day in ISO format (2006-01-02).
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Day{}, serrors.Wrap("parsing day", err, "input", s)
	}
	return Day{t: t}, nil
}

// String formats the day in ISO format. The format sorts chronologically,
// storage relies on that.
func (d Day) String() string {
	return d.t.Format("2006-01-02")
}

// Time returns the start of the day in UTC.
func (d Day) Time() time.Time {
	return d.t
}

// Before reports whether d is an earlier day than o.
func (d Day) Before(o Day) bool {
	return d.t.Before(o.t)
}

// AddDays returns the day n days after d. Negative n moves backwards.
func (d Day) AddDays(n int) Day {
	return Day{t: d.t.AddDate(0, 0, n)}
}

// IsZero reports whether the day is the zero value.
func (d Day) IsZero() bool {
	return d.t.IsZero()
}

// ReportType describes how a diagnosis was established for the keys that
// produced an exposure window.
type ReportType int

// The report types known to the scoring pipeline. Values the platform may add
// in the future are mapped to ReportTypeUnknown and score a zero offset.
const (
	ReportTypeUnknown ReportType = iota
	ReportTypeConfirmedTest
	ReportTypeConfirmedClinicalDiagnosis
	ReportTypeSelfReported
	ReportTypeRecursive
)

// Infectiousness is the platform's estimate of infectiousness during an
// encounter.
type Infectiousness int

const (
	InfectiousnessNone Infectiousness = iota
	InfectiousnessStandard
	InfectiousnessHigh
)

// CalibrationConfidence describes the calibration quality of the reporting
// device.
type CalibrationConfidence int

const (
	CalibrationLowest CalibrationConfidence = iota
	CalibrationLow
	CalibrationMedium
	CalibrationHigh
)

// ScanInstance is one bluetooth scan within an exposure window: an
// attenuation reading plus the seconds elapsed since the previous scan.
// SecondsSinceLastScan may be negative for broken platform records, such
// instances must be excluded from minute computations.
type ScanInstance struct {
	TypicalAttenuation   int
	MinAttenuation       int
	SecondsSinceLastScan int
}

// Window is one encounter record supplied by the platform matcher.
type Window struct {
	CalibrationConfidence CalibrationConfidence
	Date                  time.Time
	ReportType            ReportType
	Infectiousness        Infectiousness
	ScanInstances         []ScanInstance
}

// Summary is the aggregate artifact the platform matcher produces for one
// detection run. The per-window data is retrieved separately; the remaining
// fields feed the legacy aggregate-score path only.
type Summary struct {
	Date                  time.Time
	MatchedKeyCount       int
	DaysSinceLastExposure int
	// NormalizedRiskScore is the platform's full-range risk score normalized
	// to the configured scale.
	NormalizedRiskScore float64
	// AttenuationDurations is the time spent in the low, mid and high
	// attenuation buckets.
	AttenuationDurations [3]time.Duration
}
