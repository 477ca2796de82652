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

// Package periodic provides a mechanism to run tasks periodically.
package periodic

import (
	"context"
	"time"

	"github.com/entrace/entrace/pkg/log"
	"github.com/entrace/entrace/pkg/metrics"
)

// Event strings used in the periodic task metrics.
const (
	// EventStop is the metric value of a stop event.
	EventStop = "stop"
	// EventKill is the metric value of a kill event.
	EventKill = "kill"
	// EventTrigger is the metric value of a trigger event.
	EventTrigger = "trigger"
)

// Metrics can be used to instrument a periodic task runner.
type Metrics struct {
	// Events reports the counter to increment for the given event type.
	Events func(string) metrics.Counter
	// Period is set to the period of the task, in seconds.
	Period metrics.Gauge
	// Runtime is set to the duration of the last run, in seconds.
	Runtime metrics.Gauge
	// StartTime is set to the start timestamp of the last run, in unix
	// seconds.
	StartTime metrics.Gauge
}

func (m *Metrics) event(ev string) {
	if m == nil || m.Events == nil {
		return
	}
	metrics.CounterInc(m.Events(ev))
}

// A Task that has to be periodically executed.
type Task interface {
	// Run executes the task once, it should return within the context's
	// timeout.
	Run(context.Context)
	// Name returns the tasks name, each successive call must return the same
	// value.
	Name() string
}

// Runner runs a task periodically.
type Runner struct {
	task         Task
	ticker       *time.Ticker
	timeout      time.Duration
	stop         chan struct{}
	loopFinished chan struct{}
	ctx          context.Context
	cancelF      context.CancelFunc
	trigger      chan struct{}
	metrics      *Metrics
}

// Start creates and starts a new Runner to periodically run the given task.
// The timeout is used for the context timeout of the task. The timeout can be
// larger than the period. That means if a run takes a long time, the next run
// is triggered immediately afterwards.
func Start(task Task, period, timeout time.Duration) *Runner {
	return StartWithMetrics(task, nil, period, timeout)
}

// StartWithMetrics is like Start, and reports task executions on the given
// metrics.
func StartWithMetrics(task Task, m *Metrics, period, timeout time.Duration) *Runner {
	ctx, cancelF := context.WithCancel(context.Background())
	ctx = log.CtxWith(ctx, log.New("debug_id", task.Name()))
	runner := &Runner{
		task:         task,
		ticker:       time.NewTicker(period),
		timeout:      timeout,
		stop:         make(chan struct{}),
		loopFinished: make(chan struct{}),
		ctx:          ctx,
		cancelF:      cancelF,
		trigger:      make(chan struct{}),
		metrics:      m,
	}
	if m != nil {
		metrics.GaugeSet(m.Period, period.Seconds())
	}
	go func() {
		defer log.HandlePanic()
		runner.runLoop()
	}()
	return runner
}

// Stop stops the periodic execution of the Runner. If the task is currently
// running, this method blocks until it is done.
func (r *Runner) Stop() {
	r.ticker.Stop()
	close(r.stop)
	<-r.loopFinished
	r.metrics.event(EventStop)
}

// Kill is like Stop, but it also cancels the context of the current running
// task.
func (r *Runner) Kill() {
	if r == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.cancelF()
	<-r.loopFinished
	r.metrics.event(EventKill)
}

// TriggerRun triggers the task to run now. This does not impact the normal
// periodicity of this task. That means if the period is 5m and TriggerRun is
// called after 2m, the next regular execution is in 3m.
//
// The method blocks until either the triggered run was started or the runner
// was stopped, in which case the triggered run is not executed.
func (r *Runner) TriggerRun() {
	select {
	// Either we were stopped or we can put something in the trigger channel.
	case <-r.stop:
	case r.trigger <- struct{}{}:
	}
	r.metrics.event(EventTrigger)
}

func (r *Runner) runLoop() {
	defer close(r.loopFinished)
	defer r.cancelF()
	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.C:
			r.onTick()
		case <-r.trigger:
			r.onTick()
		}
	}
}

func (r *Runner) onTick() {
	select {
	// Make sure that the stop case is evaluated first, so that when we kill
	// and both channels are ready we always go into stop first.
	case <-r.stop:
		return
	default:
		ctx, cancelF := context.WithTimeout(r.ctx, r.timeout)
		defer cancelF()
		start := time.Now()
		r.task.Run(ctx)
		if r.metrics != nil {
			metrics.GaugeSet(r.metrics.StartTime, float64(start.UnixNano())/1e9)
			metrics.GaugeSet(r.metrics.Runtime, time.Since(start).Seconds())
		}
	}
}
