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

// Package detector implements the exposure detection run: it synchronizes
// the local package cache with the backend, stages the cached packages for
// the platform matcher, invokes the matcher and classifies the outcome.
package detector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/log"
	"github.com/entrace/entrace/pkg/metrics"
	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/pkg/risk"
	"github.com/entrace/entrace/private/storage/packages"
)

// Detection failure classes. Exactly one of these is joined into the error
// returned by a failed run.
var (
	// ErrWriteDiagnosisKeys indicates the scratch export of cached key
	// packages failed before the matcher was invoked.
	ErrWriteDiagnosisKeys = serrors.New("unable to write diagnosis keys")
	// ErrNoSummary indicates the matcher failed to produce a summary or its
	// exposure windows.
	ErrNoSummary = serrors.New("no summary")
	// ErrDetection is the unclassified detection failure.
	ErrDetection = serrors.New("detection failed")
)

// Result labels reported on the runs metric.
const (
	ResultOk           = "ok"
	ResultErrWriteKeys = "err_write_keys"
	ResultErrNoSummary = "err_no_summary"
	ResultErrGeneric   = "err_generic"
)

// Backend is the remote availability and package download collaborator. All
// failures of a Backend call degrade to an empty result at the call site,
// they never abort a detection run.
type Backend interface {
	// AvailableDays lists the days the backend has packages for.
	AvailableDays(ctx context.Context, region exposure.Region) ([]exposure.Day, error)
	// AvailableHours lists the hours of the given day the backend has
	// packages for. Only queried for the current day.
	AvailableHours(ctx context.Context, region exposure.Region,
		day exposure.Day) ([]int, error)
	// FetchDay downloads one whole-day package.
	FetchDay(ctx context.Context, region exposure.Region,
		day exposure.Day) (exposure.Package, error)
	// FetchHour downloads one hour package.
	FetchHour(ctx context.Context, region exposure.Region, day exposure.Day,
		hour int) (exposure.Package, error)
}

// Matcher is the platform exposure engine. It is a black box that consumes
// staged key files and produces an exposure summary with its windows.
type Matcher interface {
	Detect(ctx context.Context, cfg risk.CalculationConfiguration,
		keyFiles []string) (*exposure.Summary, error)
	Windows(ctx context.Context, summary *exposure.Summary) ([]exposure.Window, error)
}

// Result is the outcome of a successful detection run.
type Result struct {
	Summary *exposure.Summary
	Windows []exposure.Window
}

// Metrics is used to instrument the detector.
type Metrics struct {
	// Runs reports the counter to increment for a run with the given result
	// label.
	Runs func(result string) metrics.Counter
	// PackagesFetched counts downloaded key packages.
	PackagesFetched metrics.Counter
	// FetchErrors counts failed backend calls.
	FetchErrors metrics.Counter
}

func (m Metrics) run(result string) {
	if m.Runs == nil {
		return
	}
	metrics.CounterInc(m.Runs(result))
}

// Detector runs exposure detections. Regions are processed strictly
// sequentially to bound memory and network use.
type Detector struct {
	Store   packages.Store
	Backend Backend
	Matcher Matcher
	Regions []exposure.Region
	// ScratchDir is the parent directory for per-run export sets. Empty
	// means the system temp directory.
	ScratchDir string
	Metrics    Metrics

	// NowFn is used to determine the current day. Nil means time.Now.
	NowFn func() time.Time
}

func (d *Detector) now() time.Time {
	if d.NowFn != nil {
		return d.NowFn()
	}
	return time.Now()
}

// Run synchronizes the package cache for all regions, stages the cached
// packages in a scratch directory, invokes the matcher and returns its
// summary and exposure windows. The scratch directory is removed on every
// exit path. Run returns exactly once per call; completion semantics are by
// construction, there is no callback to misfire.
func (d *Detector) Run(ctx context.Context,
	cfg risk.CalculationConfiguration) (*Result, error) {

	logger := log.FromCtx(ctx)
	today := exposure.DayOf(d.now())
	for _, region := range d.Regions {
		if err := d.refresh(ctx, region, today); err != nil {
			d.Metrics.run(ResultErrGeneric)
			return nil, serrors.Join(ErrDetection, err, "region", region)
		}
	}

	scratch, err := os.MkdirTemp(d.ScratchDir, "entrace-export-*")
	if err != nil {
		d.Metrics.run(ResultErrWriteKeys)
		return nil, serrors.Join(ErrWriteDiagnosisKeys, err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Error("Failed to remove scratch directory",
				"dir", scratch, "err", err)
		}
	}()

	keyFiles, err := d.export(ctx, scratch, today)
	if err != nil {
		d.Metrics.run(ResultErrWriteKeys)
		return nil, serrors.Join(ErrWriteDiagnosisKeys, err)
	}
	logger.Debug("Staged key packages", "files", len(keyFiles))

	summary, err := d.Matcher.Detect(ctx, cfg, keyFiles)
	if err != nil {
		d.Metrics.run(ResultErrNoSummary)
		return nil, serrors.Join(ErrNoSummary, err)
	}
	windows, err := d.Matcher.Windows(ctx, summary)
	if err != nil {
		d.Metrics.run(ResultErrNoSummary)
		return nil, serrors.Join(ErrNoSummary, err)
	}
	d.Metrics.run(ResultOk)
	return &Result{Summary: summary, Windows: windows}, nil
}

// refresh brings the package cache of one region up to date: it prunes
// outdated days, computes the missing delta against the remote availability
// and downloads missing packages best-effort. Backend failures degrade to
// "no remote data", store failures are returned.
func (d *Detector) refresh(ctx context.Context, region exposure.Region,
	today exposure.Day) error {

	logger := log.FromCtx(ctx)
	remoteDays, err := d.Backend.AvailableDays(ctx, region)
	if err != nil {
		logger.Info("Remote day availability unreachable, using cache",
			"region", region, "err", err)
		metrics.CounterInc(d.Metrics.FetchErrors)
		remoteDays = nil
	}
	remoteHours, err := d.Backend.AvailableHours(ctx, region, today)
	if err != nil {
		logger.Info("Remote hour availability unreachable, using cache",
			"region", region, "err", err)
		metrics.CounterInc(d.Metrics.FetchErrors)
		remoteHours = nil
	}

	cutoff := today.AddDays(-int(packages.RetentionPeriod / (24 * time.Hour)))
	if _, err := d.Store.PruneOlderThan(ctx, cutoff); err != nil {
		return err
	}
	local, err := packages.LocalAvailability(ctx, d.Store, region, today)
	if err != nil {
		return err
	}

	for _, day := range MissingDays(remoteDays, local.Days) {
		pkg, err := d.Backend.FetchDay(ctx, region, day)
		if err != nil {
			logger.Info("Failed to fetch day package",
				"region", region, "day", day, "err", err)
			metrics.CounterInc(d.Metrics.FetchErrors)
			continue
		}
		if err := d.Store.PutDay(ctx, region, day, pkg); err != nil {
			return err
		}
		metrics.CounterInc(d.Metrics.PackagesFetched)
	}
	for _, hour := range MissingHours(remoteHours, local.Hours) {
		pkg, err := d.Backend.FetchHour(ctx, region, today, hour)
		if err != nil {
			logger.Info("Failed to fetch hour package",
				"region", region, "day", today, "hour", hour, "err", err)
			metrics.CounterInc(d.Metrics.FetchErrors)
			continue
		}
		if err := d.Store.PutHour(ctx, region, today, hour, pkg); err != nil {
			return err
		}
		metrics.CounterInc(d.Metrics.PackagesFetched)
	}
	return nil
}

// export writes all cached whole-day packages plus today's hour packages of
// every region into the scratch directory and returns the written package
// file paths. Each package is written as a pair of files, the binary blob
// and its signature next to it.
func (d *Detector) export(ctx context.Context, dir string,
	today exposure.Day) ([]string, error) {

	var keyFiles []string
	for _, region := range d.Regions {
		days, err := d.Store.Days(ctx, region)
		if err != nil {
			return nil, err
		}
		for _, day := range days {
			pkg, err := d.Store.Day(ctx, region, day)
			if err != nil {
				return nil, err
			}
			if pkg == nil {
				continue
			}
			name := fmt.Sprintf("%s_%s", region, day)
			path, err := writePackage(dir, name, *pkg)
			if err != nil {
				return nil, err
			}
			keyFiles = append(keyFiles, path)
		}
		pkgs, err := d.Store.HourlyPackages(ctx, region, today)
		if err != nil {
			return nil, err
		}
		for _, hp := range pkgs {
			name := fmt.Sprintf("%s_%s_%02d", region, today, hp.Hour)
			path, err := writePackage(dir, name, hp.Package)
			if err != nil {
				return nil, err
			}
			keyFiles = append(keyFiles, path)
		}
	}
	return keyFiles, nil
}

func writePackage(dir, name string, pkg exposure.Package) (string, error) {
	path := filepath.Join(dir, name+".bin")
	if err := os.WriteFile(path, pkg.Bin, 0644); err != nil {
		return "", serrors.Wrap("writing package blob", err, "file", path)
	}
	sigPath := filepath.Join(dir, name+".sig")
	if err := os.WriteFile(sigPath, pkg.Signature, 0644); err != nil {
		return "", serrors.Wrap("writing package signature", err, "file", sigPath)
	}
	return path, nil
}
