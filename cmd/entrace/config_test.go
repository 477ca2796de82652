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
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrace/entrace/private/config"
)

func TestSampleParsesAndValidates(t *testing.T) {
	var sample serviceConfig
	var buf bytes.Buffer
	sample.Sample(&buf, nil, nil)

	var cfg serviceConfig
	require.NoError(t, config.Decode(buf.Bytes(), &cfg))
	cfg.InitDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://distribution.example.com/version/v1", cfg.Backend.URL)
	assert.Equal(t, []string{"DE", "EUR"}, cfg.Detection.Regions)
	assert.Equal(t, 24*time.Hour, cfg.Detection.Interval.Duration)
}

func TestDefaults(t *testing.T) {
	var cfg serviceConfig
	cfg.InitDefaults()
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/entrace/packages.db", cfg.Storage.Packages)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout.Duration)
	assert.Equal(t, "automatic", cfg.Detection.Mode)
	assert.Equal(t, 48*time.Hour, cfg.Detection.Validity.Duration)
	assert.Equal(t, 60*time.Second, cfg.Detection.JoinTimeout.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Detection.CheckInterval.Duration)
}

func TestValidateRejectsBadMode(t *testing.T) {
	var cfg serviceConfig
	cfg.InitDefaults()
	cfg.Backend.URL = "https://example.com"
	cfg.Detection.MatcherBinary = "/usr/bin/true"
	cfg.Detection.Mode = "sometimes"
	assert.Error(t, cfg.Validate())
}
