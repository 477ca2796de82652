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
	"net/http"

	"github.com/entrace/entrace/detector"
	"github.com/entrace/entrace/detector/fetch"
	"github.com/entrace/entrace/pkg/risk"
	"github.com/entrace/entrace/private/storage/packages"
	"github.com/entrace/entrace/private/storage/packages/sqlite"
	"github.com/entrace/entrace/private/storage/state"
	"github.com/entrace/entrace/provider"
)

// pipeline bundles the wired components of the exposure-risk pipeline.
type pipeline struct {
	packages    packages.Store
	state       state.Store
	coordinator *provider.Coordinator
	metrics     pipelineMetrics
}

// newPipeline opens the stores and wires the detector and coordinator from
// the service configuration.
func newPipeline(cfg *serviceConfig) (*pipeline, error) {
	pkgStore, err := sqlite.New(cfg.Storage.Packages)
	if err != nil {
		return nil, err
	}
	stateStore, err := state.New(cfg.Storage.State)
	if err != nil {
		pkgStore.Close()
		return nil, err
	}
	m := newPipelineMetrics()
	client := fetch.NewClient(cfg.Backend.URL,
		&http.Client{Timeout: cfg.Backend.Timeout.Duration})
	det := &detector.Detector{
		Store:   pkgStore,
		Backend: client,
		Matcher: &detector.ExecMatcher{
			Binary: cfg.Detection.MatcherBinary,
			Args:   cfg.Detection.MatcherArgs,
		},
		Regions:    cfg.Detection.regions(),
		ScratchDir: cfg.Storage.Scratch,
		Metrics:    m.detector,
	}
	coordinator := provider.New(provider.Config{
		Providing: risk.ProvidingConfiguration{
			Mode:             cfg.Detection.mode(),
			ValidityDuration: cfg.Detection.Validity.Duration,
			Interval:         cfg.Detection.Interval.Duration,
		},
		Detector:      det,
		ConfigFetcher: client,
		State:         stateStore,
		JoinTimeout:   cfg.Detection.JoinTimeout.Duration,
		Metrics:       m.provider,
	})
	return &pipeline{
		packages:    pkgStore,
		state:       stateStore,
		coordinator: coordinator,
		metrics:     m,
	}, nil
}

func (p *pipeline) Close() {
	p.packages.Close()
	p.state.Close()
}
