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
	"io"
	"time"

	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/pkg/private/util"
	"github.com/entrace/entrace/pkg/risk"
	"github.com/entrace/entrace/private/config"
)

type serviceConfig struct {
	Logging   logConfig       `toml:"log,omitempty"`
	Storage   storageConfig   `toml:"storage,omitempty"`
	Backend   backendConfig   `toml:"backend,omitempty"`
	Detection detectionConfig `toml:"detection,omitempty"`
	Metrics   metricsConfig   `toml:"metrics,omitempty"`
}

func (c *serviceConfig) InitDefaults() {
	config.InitAll(
		&c.Logging,
		&c.Storage,
		&c.Backend,
		&c.Detection,
		&c.Metrics,
	)
}

func (c *serviceConfig) Validate() error {
	return config.ValidateAll(
		&c.Logging,
		&c.Storage,
		&c.Backend,
		&c.Detection,
		&c.Metrics,
	)
}

func (c *serviceConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteSample(dst, path, ctx,
		&c.Logging,
		&c.Storage,
		&c.Backend,
		&c.Detection,
		&c.Metrics,
	)
}

type logConfig struct {
	// Level of logging, one of debug, info or error.
	Level string `toml:"level,omitempty"`
	// Console disables structured JSON output.
	Console bool `toml:"console,omitempty"`
}

func (c *logConfig) InitDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

func (c *logConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "error":
		return nil
	}
	return serrors.New("unknown log level", "level", c.Level)
}

func (c *logConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, logSample)
}

func (c *logConfig) ConfigName() string {
	return "log"
}

type storageConfig struct {
	// Packages is the path of the key package database.
	Packages string `toml:"packages,omitempty"`
	// State is the path of the scalar state database.
	State string `toml:"state,omitempty"`
	// Scratch is the parent directory for per-run export sets. Empty means
	// the system temp directory.
	Scratch string `toml:"scratch,omitempty"`
}

func (c *storageConfig) InitDefaults() {
	if c.Packages == "" {
		c.Packages = "/var/lib/entrace/packages.db"
	}
	if c.State == "" {
		c.State = "/var/lib/entrace/state.db"
	}
}

func (c *storageConfig) Validate() error {
	return nil
}

func (c *storageConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, storageSample)
}

func (c *storageConfig) ConfigName() string {
	return "storage"
}

type backendConfig struct {
	// URL is the base URL of the distribution backend.
	URL string `toml:"url,omitempty"`
	// Timeout bounds individual backend requests.
	Timeout util.DurWrap `toml:"timeout,omitempty"`
}

func (c *backendConfig) InitDefaults() {
	if c.Timeout.Duration == 0 {
		c.Timeout.Duration = 30 * time.Second
	}
}

func (c *backendConfig) Validate() error {
	if c.URL == "" {
		return serrors.New("backend url must be set")
	}
	return nil
}

func (c *backendConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, backendSample)
}

func (c *backendConfig) ConfigName() string {
	return "backend"
}

type detectionConfig struct {
	// Regions are the jurisdictions to track.
	Regions []string `toml:"regions,omitempty"`
	// Mode is automatic or manual.
	Mode string `toml:"mode,omitempty"`
	// Interval is the pause between automatic detections.
	Interval util.DurWrap `toml:"interval,omitempty"`
	// Validity is how long a result stays fresh.
	Validity util.DurWrap `toml:"validity,omitempty"`
	// JoinTimeout bounds the detection plus configuration fetch join.
	JoinTimeout util.DurWrap `toml:"join_timeout,omitempty"`
	// CheckInterval is how often the run loop wakes up to apply the
	// interval rule.
	CheckInterval util.DurWrap `toml:"check_interval,omitempty"`
	// MatcherBinary is the path of the external matcher executable.
	MatcherBinary string `toml:"matcher_binary,omitempty"`
	// MatcherArgs are extra arguments passed to the matcher.
	MatcherArgs []string `toml:"matcher_args,omitempty"`
}

func (c *detectionConfig) InitDefaults() {
	if len(c.Regions) == 0 {
		for _, r := range exposure.DefaultRegions {
			c.Regions = append(c.Regions, string(r))
		}
	}
	if c.Mode == "" {
		c.Mode = "automatic"
	}
	if c.Interval.Duration == 0 {
		c.Interval.Duration = 24 * time.Hour
	}
	if c.Validity.Duration == 0 {
		c.Validity.Duration = 48 * time.Hour
	}
	if c.JoinTimeout.Duration == 0 {
		c.JoinTimeout.Duration = 60 * time.Second
	}
	if c.CheckInterval.Duration == 0 {
		c.CheckInterval.Duration = 15 * time.Minute
	}
}

func (c *detectionConfig) Validate() error {
	switch c.Mode {
	case "automatic", "manual":
	default:
		return serrors.New("unknown detection mode", "mode", c.Mode)
	}
	if c.MatcherBinary == "" {
		return serrors.New("matcher binary must be set")
	}
	return nil
}

func (c *detectionConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, detectionSample)
}

func (c *detectionConfig) ConfigName() string {
	return "detection"
}

func (c *detectionConfig) regions() []exposure.Region {
	regions := make([]exposure.Region, 0, len(c.Regions))
	for _, r := range c.Regions {
		regions = append(regions, exposure.Region(r))
	}
	return regions
}

func (c *detectionConfig) mode() risk.DetectionMode {
	if c.Mode == "manual" {
		return risk.DetectionManual
	}
	return risk.DetectionAutomatic
}

type metricsConfig struct {
	config.NoValidator
	// Prometheus is the address to serve prometheus metrics on. Empty
	// disables the endpoint.
	Prometheus string `toml:"prometheus,omitempty"`
}

func (c *metricsConfig) InitDefaults() {}

func (c *metricsConfig) Sample(dst io.Writer, path config.Path, ctx config.CtxMap) {
	config.WriteString(dst, metricsSample)
}

func (c *metricsConfig) ConfigName() string {
	return "metrics"
}

const logSample = `# Log level, one of debug, info, error. (default "info")
level = "info"

# Log human friendly console output instead of JSON. (default false)
console = false
`

const storageSample = `# Path of the key package database. (default "/var/lib/entrace/packages.db")
packages = "/var/lib/entrace/packages.db"

# Path of the scalar state database. (default "/var/lib/entrace/state.db")
state = "/var/lib/entrace/state.db"

# Parent directory for per-run export sets. Empty uses the system temp
# directory. (default "")
scratch = ""
`

const backendSample = `# Base URL of the distribution backend.
url = "https://distribution.example.com/version/v1"

# Timeout for individual backend requests. (default 30s)
timeout = "30s"
`

const detectionSample = `# Jurisdictions to track. (default ["DE", "EUR"])
regions = ["DE", "EUR"]

# Detection mode, automatic or manual. (default "automatic")
mode = "automatic"

# Pause between automatic detections. (default 24h)
interval = "24h"

# How long a result stays fresh. (default 48h)
validity = "48h"

# Bound on the detection plus configuration fetch join. (default 60s)
join_timeout = "60s"

# How often the run loop wakes up to apply the interval rule. (default 15m)
check_interval = "15m"

# Path of the external matcher executable.
matcher_binary = "/usr/lib/entrace/matcher"

# Extra arguments passed to the matcher. (default [])
matcher_args = []
`

const metricsSample = `# Address to serve prometheus metrics on, e.g. "127.0.0.1:30452". Empty
# disables the endpoint. (default "")
prometheus = ""
`
