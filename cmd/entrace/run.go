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

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/log"
	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/private/periodic"
	"github.com/entrace/entrace/private/storage/cleaner"
	"github.com/entrace/entrace/private/storage/packages"
)

const cleanerPeriod = 6 * time.Hour

func newRunCmd() *cobra.Command {
	var flags struct {
		configFile string
	}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the periodic detection loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadConfig(flags.configFile)
			if err != nil {
				return serrors.Wrap("loading config", err)
			}
			return run(cfg)
		},
	}
	addConfigFlag(cmd.Flags(), &flags.configFile)
	return cmd
}

func run(cfg *serviceConfig) error {
	logger := log.Root()
	p, err := newPipeline(cfg)
	if err != nil {
		return serrors.Wrap("opening pipeline", err)
	}
	defer p.Close()

	retention := cleaner.New(func(ctx context.Context) (int, error) {
		cutoff := exposure.DayOf(time.Now()).
			AddDays(-int(packages.RetentionPeriod / (24 * time.Hour)))
		return p.packages.PruneOlderThan(ctx, cutoff)
	}, "packages", p.metrics.cleaner)
	cleanerRunner := periodic.Start(retention, cleanerPeriod, time.Minute)
	defer cleanerRunner.Kill()

	taskTimeout := cfg.Detection.JoinTimeout.Duration + 30*time.Second
	riskRunner := periodic.Start(p.coordinator,
		cfg.Detection.CheckInterval.Duration, taskTimeout)
	defer riskRunner.Kill()
	// The first check runs right away instead of waiting a full period.
	riskRunner.TriggerRun()

	if cfg.Metrics.Prometheus != "" {
		go func() {
			defer log.HandlePanic()
			http.Handle("/metrics", promhttp.Handler())
			logger.Info("Serving metrics", "addr", cfg.Metrics.Prometheus)
			if err := http.ListenAndServe(cfg.Metrics.Prometheus, nil); err != nil {
				logger.Error("Metrics server failed", "err", err)
			}
		}()
	}

	logger.Info("Started", "mode", cfg.Detection.Mode,
		"regions", cfg.Detection.Regions)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("Shutting down", "signal", s.String())
	return nil
}
