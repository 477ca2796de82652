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

package detector_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrace/entrace/detector"
	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/pkg/risk"
	"github.com/entrace/entrace/private/storage/packages"
	"github.com/entrace/entrace/private/storage/packages/sqlite"
)

var testNow = time.Date(2021, 3, 15, 14, 0, 0, 0, time.UTC)

type fakeBackend struct {
	days         map[exposure.Region][]exposure.Day
	hours        map[exposure.Region][]int
	unavailable  bool
	failFetchDay bool
}

func (b *fakeBackend) AvailableDays(ctx context.Context,
	region exposure.Region) ([]exposure.Day, error) {

	if b.unavailable {
		return nil, serrors.New("backend unreachable")
	}
	return b.days[region], nil
}

func (b *fakeBackend) AvailableHours(ctx context.Context, region exposure.Region,
	day exposure.Day) ([]int, error) {

	if b.unavailable {
		return nil, serrors.New("backend unreachable")
	}
	return b.hours[region], nil
}

func (b *fakeBackend) FetchDay(ctx context.Context, region exposure.Region,
	day exposure.Day) (exposure.Package, error) {

	if b.unavailable || b.failFetchDay {
		return exposure.Package{}, serrors.New("backend unreachable")
	}
	return exposure.Package{
		Bin:       []byte("day-" + day.String()),
		Signature: []byte("sig"),
	}, nil
}

func (b *fakeBackend) FetchHour(ctx context.Context, region exposure.Region,
	day exposure.Day, hour int) (exposure.Package, error) {

	if b.unavailable {
		return exposure.Package{}, serrors.New("backend unreachable")
	}
	return exposure.Package{
		Bin:       []byte("hour"),
		Signature: []byte("sig"),
	}, nil
}

type fakeMatcher struct {
	keyFiles   []string
	scratchDir string
	detectErr  error
	windowsErr error
	windows    []exposure.Window
}

func (m *fakeMatcher) Detect(ctx context.Context, cfg risk.CalculationConfiguration,
	keyFiles []string) (*exposure.Summary, error) {

	m.keyFiles = keyFiles
	if len(keyFiles) > 0 {
		m.scratchDir = filepath.Dir(keyFiles[0])
	}
	if m.detectErr != nil {
		return nil, m.detectErr
	}
	return &exposure.Summary{Date: testNow, MatchedKeyCount: len(keyFiles)}, nil
}

func (m *fakeMatcher) Windows(ctx context.Context,
	summary *exposure.Summary) ([]exposure.Window, error) {

	if m.windowsErr != nil {
		return nil, m.windowsErr
	}
	return m.windows, nil
}

func setupDetector(t *testing.T, b *fakeBackend, m *fakeMatcher) (*detector.Detector,
	packages.Store) {

	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "packages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &detector.Detector{
		Store:      store,
		Backend:    b,
		Matcher:    m,
		Regions:    []exposure.Region{exposure.RegionDomestic},
		ScratchDir: t.TempDir(),
		NowFn:      func() time.Time { return testNow },
	}, store
}

func day(s string) exposure.Day {
	d, err := exposure.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRunFetchesMissing(t *testing.T) {
	b := &fakeBackend{
		days: map[exposure.Region][]exposure.Day{
			exposure.RegionDomestic: days("2021-03-13", "2021-03-14"),
		},
		hours: map[exposure.Region][]int{
			exposure.RegionDomestic: {0, 1},
		},
	}
	m := &fakeMatcher{windows: []exposure.Window{{Date: testNow}}}
	d, store := setupDetector(t, b, m)
	ctx := context.Background()
	require.NoError(t, store.PutDay(ctx, exposure.RegionDomestic, day("2021-03-13"),
		exposure.Package{Bin: []byte("cached"), Signature: []byte("sig")}))

	res, err := d.Run(ctx, risk.CalculationConfiguration{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, res.Windows, 1)

	// The missing day and the missing hours were downloaded.
	ds, err := store.Days(ctx, exposure.RegionDomestic)
	require.NoError(t, err)
	assert.Equal(t, days("2021-03-13", "2021-03-14"), ds)
	hs, err := store.Hours(ctx, exposure.RegionDomestic, day("2021-03-15"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, hs)

	// Two day packages and two hour packages were staged for the matcher.
	assert.Len(t, m.keyFiles, 4)
}

func TestAvailabilityFailureDegrades(t *testing.T) {
	b := &fakeBackend{unavailable: true}
	m := &fakeMatcher{}
	d, store := setupDetector(t, b, m)
	ctx := context.Background()
	require.NoError(t, store.PutDay(ctx, exposure.RegionDomestic, day("2021-03-13"),
		exposure.Package{Bin: []byte("cached"), Signature: []byte("sig")}))

	// The run proceeds with cached packages only.
	res, err := d.Run(ctx, risk.CalculationConfiguration{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, m.keyFiles, 1)
}

func TestFetchFailureBestEffort(t *testing.T) {
	b := &fakeBackend{
		days: map[exposure.Region][]exposure.Day{
			exposure.RegionDomestic: days("2021-03-14"),
		},
		failFetchDay: true,
	}
	m := &fakeMatcher{}
	d, store := setupDetector(t, b, m)

	res, err := d.Run(context.Background(), risk.CalculationConfiguration{})
	require.NoError(t, err)
	require.NotNil(t, res)
	ds, err := store.Days(context.Background(), exposure.RegionDomestic)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestRunPrunesOutdated(t *testing.T) {
	b := &fakeBackend{}
	m := &fakeMatcher{}
	d, store := setupDetector(t, b, m)
	ctx := context.Background()
	require.NoError(t, store.PutDay(ctx, exposure.RegionDomestic, day("2021-02-01"),
		exposure.Package{Bin: []byte("old"), Signature: []byte("sig")}))

	_, err := d.Run(ctx, risk.CalculationConfiguration{})
	require.NoError(t, err)
	ds, err := store.Days(ctx, exposure.RegionDomestic)
	require.NoError(t, err)
	assert.Empty(t, ds)
	assert.Empty(t, m.keyFiles)
}

func TestMatcherFailure(t *testing.T) {
	b := &fakeBackend{}
	m := &fakeMatcher{detectErr: serrors.New("engine busy")}
	d, store := setupDetector(t, b, m)
	ctx := context.Background()
	require.NoError(t, store.PutDay(ctx, exposure.RegionDomestic, day("2021-03-13"),
		exposure.Package{Bin: []byte("cached"), Signature: []byte("sig")}))

	res, err := d.Run(ctx, risk.CalculationConfiguration{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, detector.ErrNoSummary)
	// The scratch directory is removed on the failure path as well.
	_, statErr := os.Stat(m.scratchDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestScratchCleanup(t *testing.T) {
	b := &fakeBackend{}
	m := &fakeMatcher{}
	d, store := setupDetector(t, b, m)
	ctx := context.Background()
	require.NoError(t, store.PutDay(ctx, exposure.RegionDomestic, day("2021-03-13"),
		exposure.Package{Bin: []byte("cached"), Signature: []byte("sig")}))

	_, err := d.Run(ctx, risk.CalculationConfiguration{})
	require.NoError(t, err)
	require.NotEmpty(t, m.scratchDir)
	_, statErr := os.Stat(m.scratchDir)
	assert.True(t, os.IsNotExist(statErr))
}
