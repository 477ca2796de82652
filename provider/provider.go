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

// Package provider implements the risk coordinator, the stateful façade of
// the pipeline. It gates incoming requests, decides whether a detection
// runs, joins the detection with the configuration fetch under a bounded
// timeout, persists results and fans them out to registered consumers.
package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/entrace/entrace/detector"
	"github.com/entrace/entrace/pkg/log"
	"github.com/entrace/entrace/pkg/metrics"
	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/pkg/risk"
	"github.com/entrace/entrace/pkg/risk/scoring"
	"github.com/entrace/entrace/private/storage/state"
)

// DefaultJoinTimeout bounds the combined detection and configuration fetch.
const DefaultJoinTimeout = 60 * time.Second

// Request result labels reported on the requests metric.
const (
	RequestOk       = "ok"
	RequestSkipped  = "skipped_metered"
	RequestInactive = "inactive"
	RequestUnknown  = "unknown"
	RequestFallback = "fallback"
	RequestCached   = "cached"
)

// Consumer receives the results of coordinator requests. Both callbacks are
// optional. Loading is invoked on every state transition, Risk exactly once
// per delivered request.
type Consumer struct {
	Loading func(loading bool)
	Risk    func(r risk.Risk)
}

// Runner produces the exposure summary and windows of one detection run.
// Implemented by detector.Detector.
type Runner interface {
	Run(ctx context.Context, cfg risk.CalculationConfiguration) (*detector.Result, error)
}

// ConfigFetcher fetches the current scoring configuration. Implemented by
// fetch.Client.
type ConfigFetcher interface {
	ScoringConfiguration(ctx context.Context) (*risk.CalculationConfiguration, error)
}

// Metrics is used to instrument the coordinator.
type Metrics struct {
	// Requests reports the counter to increment for a request with the
	// given result label.
	Requests func(result string) metrics.Counter
	// RiskLevel is set to the numeric value of the published level.
	RiskLevel metrics.Gauge
}

func (m Metrics) request(result string) {
	if m.Requests == nil {
		return
	}
	metrics.CounterInc(m.Requests(result))
}

// Config configures a Coordinator.
type Config struct {
	// Providing is the scheduling configuration.
	Providing risk.ProvidingConfiguration
	// Detector runs detections.
	Detector Runner
	// ConfigFetcher fetches the scoring configuration.
	ConfigFetcher ConfigFetcher
	// State is the persisted scalar state.
	State state.Store
	// UnmeteredNetwork probes connectivity. Nil means the user opted in to
	// unrestricted network use and requests are never skipped.
	UnmeteredNetwork func(ctx context.Context) bool
	// PreconditionsGood reports whether platform exposure detection is
	// authorized and enabled. Nil means always good.
	PreconditionsGood func(ctx context.Context) bool
	// Calculation is the configuration handed to the matcher before the
	// first successful configuration fetch.
	Calculation risk.CalculationConfiguration
	// JoinTimeout bounds the detection plus configuration fetch join. Zero
	// means DefaultJoinTimeout.
	JoinTimeout time.Duration
	Metrics     Metrics
	// NowFn is used for all time decisions. Nil means time.Now.
	NowFn func() time.Time
}

// Coordinator is the stateful façade of the exposure-risk pipeline.
// Requests are processed one at a time; results are delivered to every
// registered consumer exactly once per request.
type Coordinator struct {
	providing     risk.ProvidingConfiguration
	detector      Runner
	configFetcher ConfigFetcher
	state         state.Store
	network       func(ctx context.Context) bool
	preconditions func(ctx context.Context) bool
	joinTimeout   time.Duration
	metrics       Metrics
	nowFn         func() time.Time

	// requestMu serializes requests.
	requestMu sync.Mutex

	// mu guards the consumer registry and the current calculation
	// configuration.
	mu          sync.Mutex
	consumers   map[int]Consumer
	nextID      int
	calculation risk.CalculationConfiguration
}

// New creates a Coordinator from the given configuration.
func New(cfg Config) *Coordinator {
	cfg.Providing.InitDefaults()
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	return &Coordinator{
		providing:     cfg.Providing,
		detector:      cfg.Detector,
		configFetcher: cfg.ConfigFetcher,
		state:         cfg.State,
		network:       cfg.UnmeteredNetwork,
		preconditions: cfg.PreconditionsGood,
		joinTimeout:   cfg.JoinTimeout,
		metrics:       cfg.Metrics,
		nowFn:         cfg.NowFn,
		consumers:     map[int]Consumer{},
		calculation:   cfg.Calculation,
	}
}

func (c *Coordinator) now() time.Time {
	if c.nowFn != nil {
		return c.nowFn()
	}
	return time.Now()
}

// Subscribe registers a consumer and returns its id for removal.
func (c *Coordinator) Subscribe(consumer Consumer) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.consumers[id] = consumer
	return id
}

// Unsubscribe removes the consumer with the given id.
func (c *Coordinator) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.consumers, id)
}

// RecordTracingEvent appends an enable/disable transition of exposure
// tracing to the persisted history.
func (c *Coordinator) RecordTracingEvent(ctx context.Context, enabled bool) error {
	return c.state.AppendTracingEvent(ctx, risk.TracingEvent{
		Time:    c.now(),
		Enabled: enabled,
	})
}

// RequestRisk runs the request state machine and delivers the result to
// every registered consumer. The returned risk is the delivered one; it is
// nil only when the request was silently skipped on a metered network, in
// which case consumers see neither a loading transition nor a result.
func (c *Coordinator) RequestRisk(ctx context.Context, userInitiated bool) *risk.Risk {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()
	logger := log.FromCtx(ctx)

	if c.network != nil && !c.network(ctx) {
		logger.Debug("Skipping risk request on metered network")
		c.metrics.request(RequestSkipped)
		return nil
	}

	c.publishLoading(true)
	r := c.computeRisk(ctx, userInitiated)
	c.publishLoading(false)
	// Single delivery site, one result per request.
	c.publishRisk(r)
	metrics.GaugeSet(c.metrics.RiskLevel, float64(r.Level))
	logger.Info("Delivered risk", "level", r.Level, "changed", r.Changed)
	return &r
}

func (c *Coordinator) computeRisk(ctx context.Context, userInitiated bool) risk.Risk {
	logger := log.FromCtx(ctx)
	now := c.now()
	active := c.activeTracing(ctx, now)

	if c.preconditions != nil && !c.preconditions(ctx) {
		c.metrics.request(RequestInactive)
		return risk.Risk{
			Level: risk.LevelInactive,
			Details: risk.Details{
				ActiveTracing: active,
				DetectionDate: now,
			},
		}
	}
	if !active.Sufficient() {
		c.metrics.request(RequestUnknown)
		return risk.Risk{
			Level: risk.LevelUnknownInitial,
			Details: risk.Details{
				ActiveTracing: active,
				DetectionDate: now,
			},
		}
	}

	if !c.shouldDetect(ctx, userInitiated, now) {
		c.metrics.request(RequestCached)
		return c.cachedRisk(ctx, active, now)
	}

	result, cfg, err := c.detect(ctx)
	if err != nil {
		logger.Info("Detection failed, falling back to cached risk", "err", err)
		c.metrics.request(RequestFallback)
		return c.cachedRisk(ctx, active, now)
	}
	r, err := c.score(ctx, result, cfg, active, now)
	if err != nil {
		// Hard scoring failures yield no result for this run, the cached
		// risk is published instead.
		logger.Error("Risk classification failed", "err", err)
		c.metrics.request(RequestFallback)
		return c.cachedRisk(ctx, active, now)
	}
	c.persist(ctx, r, now)
	c.metrics.request(RequestOk)
	return r
}

// shouldDetect decides whether a detection actually runs. Automatic mode
// runs when the configured interval elapsed since the last detection or on
// explicit initiation; manual mode runs only on explicit initiation.
func (c *Coordinator) shouldDetect(ctx context.Context, userInitiated bool,
	now time.Time) bool {

	if userInitiated {
		return true
	}
	if c.providing.Mode == risk.DetectionManual {
		return false
	}
	last, err := c.state.LastDetection(ctx)
	if err != nil {
		log.FromCtx(ctx).Error("Failed to read last detection date", "err", err)
		return true
	}
	if last == nil {
		return true
	}
	return !now.Before(last.Add(c.providing.Interval))
}

// detect joins the detection run and the configuration fetch under the
// bounded timeout. Neither collaborator is cancelled mid-flight beyond the
// context deadline; on timeout the join returns and the started calls run
// to completion in the background.
func (c *Coordinator) detect(ctx context.Context) (*detector.Result,
	*risk.CalculationConfiguration, error) {

	joinCtx, cancel := context.WithTimeout(ctx, c.joinTimeout)
	defer cancel()

	var result *detector.Result
	var cfg *risk.CalculationConfiguration
	g, gctx := errgroup.WithContext(joinCtx)
	g.Go(func() error {
		var err error
		cfg, err = c.configFetcher.ScoringConfiguration(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		result, err = c.detector.Run(gctx, c.currentCalculation())
		return err
	})

	done := make(chan error, 1)
	go func() {
		defer log.HandlePanic()
		done <- g.Wait()
	}()
	select {
	case err := <-done:
		if err != nil {
			return nil, nil, err
		}
	case <-joinCtx.Done():
		return nil, nil, serrors.Wrap("joining detection", joinCtx.Err())
	}
	c.setCalculation(*cfg)
	return result, cfg, nil
}

// score turns the detection outcome into a risk. Per-window scoring is the
// regular path; a coarse daily summary without windows goes through the
// legacy aggregate-score path when the configuration carries score ranges.
func (c *Coordinator) score(ctx context.Context, result *detector.Result,
	cfg *risk.CalculationConfiguration, active risk.ActiveTracing,
	now time.Time) (risk.Risk, error) {

	previous, err := c.state.PreviousLevel(ctx)
	if err != nil {
		log.FromCtx(ctx).Error("Failed to read previous level", "err", err)
		previous = risk.LevelUndefined
	}
	// Any configured legacy range routes a coarse summary through the
	// aggregate-score path, so a half-configured range pair hits its hard
	// failure instead of silently scoring an empty window set.
	legacy := cfg.RiskScoreLowRange != nil || cfg.RiskScoreIncreasedRange != nil
	if len(result.Windows) == 0 && result.Summary != nil &&
		result.Summary.MatchedKeyCount > 0 && legacy {

		level, err := scoring.AggregateSummary(cfg, *result.Summary)
		if err != nil {
			return risk.Risk{}, err
		}
		days := result.Summary.DaysSinceLastExposure
		return risk.Risk{
			Level: level,
			Details: risk.Details{
				DaysSinceLastExposure: &days,
				NumberOfExposures:     result.Summary.MatchedKeyCount,
				ActiveTracing:         active,
				DetectionDate:         now,
			},
			Changed: risk.Changed(previous, level),
		}, nil
	}
	scores := scoring.ScoreWindows(cfg, result.Windows)
	return scoring.Aggregate(scoring.Input{
		Scores:           scores,
		DetectionEnabled: true,
		ActiveTracing:    active,
		PreviousLevel:    previous,
		DetectionDate:    now,
	}), nil
}

// cachedRisk returns the latest persisted risk. In automatic mode a cached
// risk older than the validity duration is downgraded to unknown-outdated.
// Without any cached risk the result is unknown-initial.
func (c *Coordinator) cachedRisk(ctx context.Context, active risk.ActiveTracing,
	now time.Time) risk.Risk {

	latest, err := c.state.LatestRisk(ctx)
	if err != nil {
		log.FromCtx(ctx).Error("Failed to read cached risk", "err", err)
		latest = nil
	}
	if latest == nil {
		return risk.Risk{
			Level: risk.LevelUnknownInitial,
			Details: risk.Details{
				ActiveTracing: active,
				DetectionDate: now,
			},
		}
	}
	if c.providing.Mode == risk.DetectionAutomatic &&
		now.Sub(latest.Details.DetectionDate) > c.providing.ValidityDuration {

		outdated := *latest
		outdated.Level = risk.LevelUnknownOutdated
		outdated.Changed = false
		return outdated
	}
	r := *latest
	r.Changed = false
	return r
}

// persist records the result as latest and, only for concrete levels, as
// the previous level used by the next changed computation.
func (c *Coordinator) persist(ctx context.Context, r risk.Risk, now time.Time) {
	logger := log.FromCtx(ctx)
	if err := c.state.SetLastDetection(ctx, now); err != nil {
		logger.Error("Failed to persist detection date", "err", err)
	}
	if err := c.state.SetLatestRisk(ctx, r); err != nil {
		logger.Error("Failed to persist risk", "err", err)
	}
	if r.Level.IsConcrete() {
		if err := c.state.SetPreviousLevel(ctx, r.Level); err != nil {
			logger.Error("Failed to persist previous level", "err", err)
		}
	}
}

// NextEligibleDetection returns when the next automatic detection may run.
// With a previous detection this is its time plus the interval. Before the
// very first detection it is when the tracing-activation threshold will be
// reached.
func (c *Coordinator) NextEligibleDetection(ctx context.Context) (time.Time, error) {
	now := c.now()
	last, err := c.state.LastDetection(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if last != nil {
		return last.Add(c.providing.Interval), nil
	}
	active := c.activeTracing(ctx, now)
	remaining := risk.MinActiveTracing - active.Duration
	if remaining < 0 {
		remaining = 0
	}
	return now.Add(remaining), nil
}

func (c *Coordinator) activeTracing(ctx context.Context, now time.Time) risk.ActiveTracing {
	history, err := c.state.TracingHistory(ctx, now.Add(-risk.TracingHistoryWindow))
	if err != nil {
		log.FromCtx(ctx).Error("Failed to read tracing history", "err", err)
		return risk.ActiveTracing{}
	}
	return risk.ActiveTracingFromHistory(history, now)
}

func (c *Coordinator) currentCalculation() risk.CalculationConfiguration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calculation
}

func (c *Coordinator) setCalculation(cfg risk.CalculationConfiguration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calculation = cfg
}

// snapshot copies the consumer registry under the lock, fan-out iterates
// the copy.
func (c *Coordinator) snapshot() []Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	consumers := make([]Consumer, 0, len(c.consumers))
	for _, consumer := range c.consumers {
		consumers = append(consumers, consumer)
	}
	return consumers
}

func (c *Coordinator) publishLoading(loading bool) {
	for _, consumer := range c.snapshot() {
		if consumer.Loading != nil {
			consumer.Loading(loading)
		}
	}
}

func (c *Coordinator) publishRisk(r risk.Risk) {
	for _, consumer := range c.snapshot() {
		if consumer.Risk != nil {
			consumer.Risk(r)
		}
	}
}

// Name implements periodic.Task.
func (c *Coordinator) Name() string {
	return "risk_provider"
}

// Run implements periodic.Task. It issues a non-user-initiated request;
// whether a detection actually runs follows the automatic interval rule.
func (c *Coordinator) Run(ctx context.Context) {
	c.RequestRisk(ctx, false)
}
