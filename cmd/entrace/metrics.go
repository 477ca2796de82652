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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/entrace/entrace/detector"
	"github.com/entrace/entrace/pkg/metrics"
	"github.com/entrace/entrace/private/storage/cleaner"
	"github.com/entrace/entrace/provider"
)

type pipelineMetrics struct {
	detector detector.Metrics
	provider provider.Metrics
	cleaner  cleaner.Metrics
}

func newPipelineMetrics() pipelineMetrics {
	detectionRuns := metrics.NewPromCounter(promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entrace_detection_runs_total",
			Help: "Total number of detection runs by result.",
		},
		[]string{"result"},
	))
	requests := metrics.NewPromCounter(promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entrace_risk_requests_total",
			Help: "Total number of risk requests by result.",
		},
		[]string{"result"},
	))
	return pipelineMetrics{
		detector: detector.Metrics{
			Runs: func(result string) metrics.Counter {
				return detectionRuns.With("result", result)
			},
			PackagesFetched: metrics.NewPromCounter(promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "entrace_packages_fetched_total",
					Help: "Total number of downloaded key packages.",
				},
				nil,
			)),
			FetchErrors: metrics.NewPromCounter(promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "entrace_fetch_errors_total",
					Help: "Total number of failed backend calls.",
				},
				nil,
			)),
		},
		provider: provider.Metrics{
			Requests: func(result string) metrics.Counter {
				return requests.With("result", result)
			},
			RiskLevel: metrics.NewPromGauge(promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "entrace_risk_level",
					Help: "Numeric value of the most recently published risk level.",
				},
				nil,
			)),
		},
		cleaner: cleaner.Metrics{
			ErrorsTotal: metrics.NewPromCounter(promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "entrace_cleaner_errors_total",
					Help: "Total number of errors during retention cleaning.",
				},
				nil,
			)),
			RunsTotal: metrics.NewPromCounter(promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "entrace_cleaner_runs_total",
					Help: "Total number of successful cleaner runs.",
				},
				nil,
			)),
			DeletedTotal: metrics.NewPromCounter(promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "entrace_cleaner_deleted_total",
					Help: "Total number of deleted expired packages.",
				},
				nil,
			)),
		},
	}
}
