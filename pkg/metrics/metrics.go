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

// Package metrics defines and implements a generic interface to expose
// metrics. Components accept the narrow interfaces defined here instead of
// prometheus types, such that tests can use in-memory fakes and callers can
// opt out of metrics entirely by passing nil.
package metrics

// Counter describes a metric that accumulates values monotonically.
type Counter interface {
	With(labelValues ...string) Counter
	Add(delta float64)
}

// Gauge describes a metric that takes specific values over time.
type Gauge interface {
	With(labelValues ...string) Gauge
	Set(value float64)
	Add(delta float64)
}

// CounterInc increments the passed counter by one. If the counter is nil,
// this is a no-op.
func CounterInc(c Counter) {
	CounterAdd(c, 1)
}

// CounterAdd increases the passed counter by delta. If the counter is nil,
// this is a no-op.
func CounterAdd(c Counter, delta float64) {
	if c != nil {
		c.Add(delta)
	}
}

// CounterWith returns the counter with the labels added. If the counter is
// nil, this is a no-op.
func CounterWith(c Counter, labelValues ...string) Counter {
	if c != nil {
		return c.With(labelValues...)
	}
	return nil
}

// GaugeSet sets the passed gauge to value. If the gauge is nil, this is a
// no-op.
func GaugeSet(g Gauge, value float64) {
	if g != nil {
		g.Set(value)
	}
}

// GaugeWith returns the gauge with the labels added. If the gauge is nil,
// this is a no-op.
func GaugeWith(g Gauge, labelValues ...string) Gauge {
	if g != nil {
		return g.With(labelValues...)
	}
	return nil
}
