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

package provider_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrace/entrace/detector"
	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/pkg/risk"
	"github.com/entrace/entrace/provider"
)

var testNow = time.Date(2021, 3, 20, 12, 0, 0, 0, time.UTC)

// memState is an in-memory state.Store for coordinator tests.
type memState struct {
	mu            sync.Mutex
	history       []risk.TracingEvent
	lastDetection *time.Time
	latest        *risk.Risk
	previous      risk.Level
}

func (s *memState) AppendTracingEvent(ctx context.Context, ev risk.TracingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, ev)
	return nil
}

func (s *memState) TracingHistory(ctx context.Context,
	since time.Time) ([]risk.TracingEvent, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	var events []risk.TracingEvent
	for _, ev := range s.history {
		if !ev.Time.Before(since) {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Time.Before(events[j].Time) })
	return events, nil
}

func (s *memState) PruneTracingHistory(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (s *memState) SetLastDetection(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDetection = &t
	return nil
}

func (s *memState) LastDetection(ctx context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDetection, nil
}

func (s *memState) SetLatestRisk(ctx context.Context, r risk.Risk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &r
	return nil
}

func (s *memState) LatestRisk(ctx context.Context) (*risk.Risk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

func (s *memState) SetPreviousLevel(ctx context.Context, l risk.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = l
	return nil
}

func (s *memState) PreviousLevel(ctx context.Context) (risk.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previous, nil
}

func (s *memState) Close() error { return nil }

type fakeRunner struct {
	result *detector.Result
	err    error
	delay  time.Duration
	runs   int
}

func (r *fakeRunner) Run(ctx context.Context,
	cfg risk.CalculationConfiguration) (*detector.Result, error) {

	r.runs++
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

type fakeConfig struct {
	cfg   *risk.CalculationConfiguration
	err   error
	delay time.Duration
}

func (f *fakeConfig) ScoringConfiguration(ctx context.Context) (
	*risk.CalculationConfiguration, error) {

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.cfg, nil
}

// recorder counts consumer callbacks.
type recorder struct {
	mu      sync.Mutex
	loading []bool
	risks   []risk.Risk
}

func (r *recorder) consumer() provider.Consumer {
	return provider.Consumer{
		Loading: func(l bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.loading = append(r.loading, l)
		},
		Risk: func(rr risk.Risk) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.risks = append(r.risks, rr)
		},
	}
}

func scoringConfig() *risk.CalculationConfiguration {
	return &risk.CalculationConfiguration{
		MinutesAtAttenuationWeights: []risk.AttenuationWeight{
			{AttenuationRange: risk.Range[int]{Min: 0, Max: 55}, Weight: 1.0},
		},
		TRLOffsets: risk.TRLOffsets{
			InfectiousnessStandard:  1,
			InfectiousnessHigh:      2,
			ReportTypeConfirmedTest: 4,
		},
		TRVMappings: []risk.TRVMapping{
			{TransmissionRiskLevel: 6, TransmissionRiskValue: 2.0},
		},
		NormalizedTimePerWindowToRiskLevel: []risk.NormalizedTimeToLevel{
			{
				NormalizedTimeRange: risk.Range[float64]{Min: 0, Max: 15, MaxOpenBoundary: true},
				Level:               risk.LevelLow,
			},
			{
				NormalizedTimeRange: risk.Range[float64]{Min: 15, Max: 1e9},
				Level:               risk.LevelIncreased,
			},
		},
	}
}

func increasedWindow() exposure.Window {
	return exposure.Window{
		Date:           testNow.Add(-48 * time.Hour),
		ReportType:     exposure.ReportTypeConfirmedTest,
		Infectiousness: exposure.InfectiousnessHigh,
		ScanInstances: []exposure.ScanInstance{
			{TypicalAttenuation: 40, SecondsSinceLastScan: 600},
		},
	}
}

func tracedState() *memState {
	s := &memState{}
	s.history = []risk.TracingEvent{
		{Time: testNow.Add(-72 * time.Hour), Enabled: true},
	}
	return s
}

func setup(t *testing.T, cfg provider.Config) (*provider.Coordinator, *recorder) {
	t.Helper()
	if cfg.NowFn == nil {
		cfg.NowFn = func() time.Time { return testNow }
	}
	c := provider.New(cfg)
	rec := &recorder{}
	c.Subscribe(rec.consumer())
	return c, rec
}

func TestMeteredNetworkSilentNoOp(t *testing.T) {
	c, rec := setup(t, provider.Config{
		Detector:         &fakeRunner{},
		ConfigFetcher:    &fakeConfig{cfg: scoringConfig()},
		State:            tracedState(),
		UnmeteredNetwork: func(ctx context.Context) bool { return false },
	})
	r := c.RequestRisk(context.Background(), false)
	assert.Nil(t, r)
	assert.Empty(t, rec.loading)
	assert.Empty(t, rec.risks)
}

func TestPreconditionsBadPublishesInactive(t *testing.T) {
	runner := &fakeRunner{}
	c, rec := setup(t, provider.Config{
		Detector:          runner,
		ConfigFetcher:     &fakeConfig{cfg: scoringConfig()},
		State:             tracedState(),
		PreconditionsGood: func(ctx context.Context) bool { return false },
	})
	r := c.RequestRisk(context.Background(), true)
	require.NotNil(t, r)
	assert.Equal(t, risk.LevelInactive, r.Level)
	assert.Equal(t, []bool{true, false}, rec.loading)
	require.Len(t, rec.risks, 1)
	assert.Equal(t, risk.LevelInactive, rec.risks[0].Level)
	assert.Equal(t, 0, runner.runs)
}

func TestInsufficientTracingPublishesUnknownInitial(t *testing.T) {
	s := &memState{}
	s.history = []risk.TracingEvent{
		{Time: testNow.Add(-2 * time.Hour), Enabled: true},
	}
	runner := &fakeRunner{}
	c, rec := setup(t, provider.Config{
		Detector:      runner,
		ConfigFetcher: &fakeConfig{cfg: scoringConfig()},
		State:         s,
	})
	r := c.RequestRisk(context.Background(), true)
	require.NotNil(t, r)
	assert.Equal(t, risk.LevelUnknownInitial, r.Level)
	require.Len(t, rec.risks, 1)
	assert.Equal(t, 0, runner.runs)
}

func TestDetectionPublishesAndPersists(t *testing.T) {
	s := tracedState()
	runner := &fakeRunner{result: &detector.Result{
		Summary: &exposure.Summary{Date: testNow},
		Windows: []exposure.Window{increasedWindow()},
	}}
	c, rec := setup(t, provider.Config{
		Detector:      runner,
		ConfigFetcher: &fakeConfig{cfg: scoringConfig()},
		State:         s,
	})
	r := c.RequestRisk(context.Background(), true)
	require.NotNil(t, r)
	assert.Equal(t, risk.LevelIncreased, r.Level)
	assert.Equal(t, 1, r.Details.NumberOfExposures)
	require.NotNil(t, r.Details.DaysSinceLastExposure)
	assert.Equal(t, 2, *r.Details.DaysSinceLastExposure)

	// Exactly one delivery.
	require.Len(t, rec.risks, 1)
	assert.Equal(t, []bool{true, false}, rec.loading)

	// Latest risk, detection date and previous concrete level persisted.
	latest, err := s.LatestRisk(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, risk.LevelIncreased, latest.Level)
	last, err := s.LastDetection(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(testNow))
	previous, err := s.PreviousLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, risk.LevelIncreased, previous)
}

func TestChangedAcrossDetections(t *testing.T) {
	s := tracedState()
	require.NoError(t, s.SetPreviousLevel(context.Background(), risk.LevelLow))
	runner := &fakeRunner{result: &detector.Result{
		Summary: &exposure.Summary{Date: testNow},
		Windows: []exposure.Window{increasedWindow()},
	}}
	c, rec := setup(t, provider.Config{
		Detector:      runner,
		ConfigFetcher: &fakeConfig{cfg: scoringConfig()},
		State:         s,
	})
	r := c.RequestRisk(context.Background(), true)
	require.NotNil(t, r)
	assert.Equal(t, risk.LevelIncreased, r.Level)
	assert.True(t, r.Changed)
	require.Len(t, rec.risks, 1)
}

func TestTimeoutFallbackToCachedRisk(t *testing.T) {
	s := tracedState()
	cached := risk.Risk{
		Level: risk.LevelLow,
		Details: risk.Details{
			ActiveTracing: risk.ActiveTracing{Duration: 72 * time.Hour},
			DetectionDate: testNow.Add(-6 * time.Hour),
		},
	}
	require.NoError(t, s.SetLatestRisk(context.Background(), cached))
	c, rec := setup(t, provider.Config{
		Detector:      &fakeRunner{result: &detector.Result{}},
		ConfigFetcher: &fakeConfig{cfg: scoringConfig(), delay: 500 * time.Millisecond},
		State:         s,
		JoinTimeout:   50 * time.Millisecond,
	})
	r := c.RequestRisk(context.Background(), true)
	require.NotNil(t, r)
	assert.Equal(t, risk.LevelLow, r.Level)
	require.Len(t, rec.risks, 1)
	assert.Equal(t, risk.LevelLow, rec.risks[0].Level)
	// Give the stray fetch goroutine time to finish.
	time.Sleep(500 * time.Millisecond)
}

func TestDetectionFailureFallsBackWithoutCache(t *testing.T) {
	c, rec := setup(t, provider.Config{
		Detector:      &fakeRunner{err: serrors.New("engine broken")},
		ConfigFetcher: &fakeConfig{cfg: scoringConfig()},
		State:         tracedState(),
	})
	r := c.RequestRisk(context.Background(), true)
	require.NotNil(t, r)
	assert.Equal(t, risk.LevelUnknownInitial, r.Level)
	require.Len(t, rec.risks, 1)
}

func TestHalfConfiguredLegacyRangesFallBack(t *testing.T) {
	// A summary without windows selects the legacy path whenever either
	// score range is configured. With one boundary missing the hard failure
	// must keep the cached concrete level instead of scoring the empty
	// window set as low.
	s := tracedState()
	cached := risk.Risk{
		Level: risk.LevelIncreased,
		Details: risk.Details{
			DetectionDate: testNow.Add(-6 * time.Hour),
		},
	}
	require.NoError(t, s.SetLatestRisk(context.Background(), cached))
	require.NoError(t, s.SetPreviousLevel(context.Background(), risk.LevelIncreased))
	cfg := scoringConfig()
	cfg.RiskScoreIncreasedRange = &risk.Range[float64]{Min: 10, Max: 100}
	runner := &fakeRunner{result: &detector.Result{
		Summary: &exposure.Summary{Date: testNow, MatchedKeyCount: 3},
	}}
	c, rec := setup(t, provider.Config{
		Detector:      runner,
		ConfigFetcher: &fakeConfig{cfg: cfg},
		State:         s,
	})
	r := c.RequestRisk(context.Background(), true)
	require.NotNil(t, r)
	assert.Equal(t, risk.LevelIncreased, r.Level)
	assert.False(t, r.Changed)
	require.Len(t, rec.risks, 1)

	// The failed run must not overwrite the persisted state.
	latest, err := s.LatestRisk(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, risk.LevelIncreased, latest.Level)
	previous, err := s.PreviousLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, risk.LevelIncreased, previous)
}

func TestManualModeSkipsScheduledDetection(t *testing.T) {
	s := tracedState()
	cached := risk.Risk{
		Level: risk.LevelLow,
		Details: risk.Details{
			DetectionDate: testNow.Add(-6 * time.Hour),
		},
	}
	require.NoError(t, s.SetLatestRisk(context.Background(), cached))
	runner := &fakeRunner{result: &detector.Result{}}
	c, _ := setup(t, provider.Config{
		Providing:     risk.ProvidingConfiguration{Mode: risk.DetectionManual},
		Detector:      runner,
		ConfigFetcher: &fakeConfig{cfg: scoringConfig()},
		State:         s,
	})
	r := c.RequestRisk(context.Background(), false)
	require.NotNil(t, r)
	assert.Equal(t, risk.LevelLow, r.Level)
	assert.Equal(t, 0, runner.runs)

	// Explicit initiation runs the detection even in manual mode.
	r = c.RequestRisk(context.Background(), true)
	require.NotNil(t, r)
	assert.Equal(t, 1, runner.runs)
}

func TestAutomaticModeHonorsInterval(t *testing.T) {
	s := tracedState()
	last := testNow.Add(-2 * time.Hour)
	require.NoError(t, s.SetLastDetection(context.Background(), last))
	require.NoError(t, s.SetLatestRisk(context.Background(), risk.Risk{
		Level:   risk.LevelLow,
		Details: risk.Details{DetectionDate: last},
	}))
	runner := &fakeRunner{result: &detector.Result{}}
	c, _ := setup(t, provider.Config{
		Providing:     risk.ProvidingConfiguration{Interval: 24 * time.Hour},
		Detector:      runner,
		ConfigFetcher: &fakeConfig{cfg: scoringConfig()},
		State:         s,
	})
	r := c.RequestRisk(context.Background(), false)
	require.NotNil(t, r)
	assert.Equal(t, 0, runner.runs, "interval not yet elapsed")
	assert.Equal(t, risk.LevelLow, r.Level)
}

func TestStaleCachedRiskIsOutdated(t *testing.T) {
	s := tracedState()
	last := testNow.Add(-3 * time.Hour)
	require.NoError(t, s.SetLastDetection(context.Background(), last))
	require.NoError(t, s.SetLatestRisk(context.Background(), risk.Risk{
		Level:   risk.LevelLow,
		Details: risk.Details{DetectionDate: testNow.Add(-80 * time.Hour)},
	}))
	runner := &fakeRunner{result: &detector.Result{}}
	c, _ := setup(t, provider.Config{
		Providing:     risk.ProvidingConfiguration{Interval: 24 * time.Hour},
		Detector:      runner,
		ConfigFetcher: &fakeConfig{cfg: scoringConfig()},
		State:         s,
	})
	r := c.RequestRisk(context.Background(), false)
	require.NotNil(t, r)
	assert.Equal(t, 0, runner.runs)
	assert.Equal(t, risk.LevelUnknownOutdated, r.Level)
	assert.False(t, r.Changed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c, rec := setup(t, provider.Config{
		Detector:          &fakeRunner{},
		ConfigFetcher:     &fakeConfig{cfg: scoringConfig()},
		State:             tracedState(),
		PreconditionsGood: func(ctx context.Context) bool { return false },
	})
	other := &recorder{}
	id := c.Subscribe(other.consumer())
	c.Unsubscribe(id)
	c.RequestRisk(context.Background(), true)
	assert.Len(t, rec.risks, 1)
	assert.Empty(t, other.risks)
}

func TestNextEligibleDetection(t *testing.T) {
	t.Run("after detection", func(t *testing.T) {
		s := tracedState()
		last := testNow.Add(-2 * time.Hour)
		require.NoError(t, s.SetLastDetection(context.Background(), last))
		c, _ := setup(t, provider.Config{
			Providing:     risk.ProvidingConfiguration{Interval: 24 * time.Hour},
			Detector:      &fakeRunner{},
			ConfigFetcher: &fakeConfig{cfg: scoringConfig()},
			State:         s,
		})
		next, err := c.NextEligibleDetection(context.Background())
		require.NoError(t, err)
		assert.True(t, next.Equal(last.Add(24*time.Hour)))
	})
	t.Run("never ran aligns with tracing threshold", func(t *testing.T) {
		s := &memState{}
		s.history = []risk.TracingEvent{
			{Time: testNow.Add(-10 * time.Hour), Enabled: true},
		}
		c, _ := setup(t, provider.Config{
			Detector:      &fakeRunner{},
			ConfigFetcher: &fakeConfig{cfg: scoringConfig()},
			State:         s,
		})
		next, err := c.NextEligibleDetection(context.Background())
		require.NoError(t, err)
		// 10h accrued of the required 24h, eligible in 14h.
		assert.True(t, next.Equal(testNow.Add(14*time.Hour)))
	})
}
