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

// Package fetch implements the HTTP client for the distribution backend. It
// serves the detector with package availability, package downloads and the
// current scoring configuration.
package fetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/pkg/risk"
)

// SignatureHeader carries the base64 encoded package signature on package
// downloads.
const SignatureHeader = "X-Package-Signature"

// configCacheTTL bounds how often a fresh scoring configuration is fetched.
const configCacheTTL = 5 * time.Minute

const configCacheKey = "scoring_configuration"

// Client talks to the distribution backend. The zero value is not usable,
// use NewClient.
type Client struct {
	baseURL string
	client  *http.Client
	cache   *cache.Cache
}

// NewClient creates a backend client for the given base URL. If httpClient
// is nil, a default client with a 30s timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		client:  httpClient,
		cache:   cache.New(configCacheTTL, 2*configCacheTTL),
	}
}

// AvailableDays lists the days the backend has packages for.
func (c *Client) AvailableDays(ctx context.Context,
	region exposure.Region) ([]exposure.Day, error) {

	url := fmt.Sprintf("%s/diagnosis-keys/country/%s/date", c.baseURL, region)
	var raw []string
	if err := c.getJSON(ctx, url, &raw); err != nil {
		return nil, err
	}
	days := make([]exposure.Day, 0, len(raw))
	for _, s := range raw {
		d, err := exposure.ParseDay(s)
		if err != nil {
			return nil, serrors.Wrap("parsing day list", err, "day", s)
		}
		days = append(days, d)
	}
	return days, nil
}

// AvailableHours lists the hours of the given day the backend has packages
// for.
func (c *Client) AvailableHours(ctx context.Context, region exposure.Region,
	day exposure.Day) ([]int, error) {

	url := fmt.Sprintf("%s/diagnosis-keys/country/%s/date/%s/hour",
		c.baseURL, region, day)
	var hours []int
	if err := c.getJSON(ctx, url, &hours); err != nil {
		return nil, err
	}
	return hours, nil
}

// FetchDay downloads the whole-day package.
func (c *Client) FetchDay(ctx context.Context, region exposure.Region,
	day exposure.Day) (exposure.Package, error) {

	url := fmt.Sprintf("%s/diagnosis-keys/country/%s/date/%s",
		c.baseURL, region, day)
	return c.getPackage(ctx, url)
}

// FetchHour downloads the hour package.
func (c *Client) FetchHour(ctx context.Context, region exposure.Region,
	day exposure.Day, hour int) (exposure.Package, error) {

	url := fmt.Sprintf("%s/diagnosis-keys/country/%s/date/%s/hour/%d",
		c.baseURL, region, day, hour)
	return c.getPackage(ctx, url)
}

// ScoringConfiguration fetches the current risk calculation configuration.
// Results are cached, a fresh configuration is fetched at most once per
// five minutes.
func (c *Client) ScoringConfiguration(ctx context.Context) (
	*risk.CalculationConfiguration, error) {

	if cached, ok := c.cache.Get(configCacheKey); ok {
		cfg := cached.(risk.CalculationConfiguration)
		return &cfg, nil
	}
	url := fmt.Sprintf("%s/configuration", c.baseURL)
	var cfg risk.CalculationConfiguration
	if err := c.getJSON(ctx, url, &cfg); err != nil {
		return nil, err
	}
	c.cache.SetDefault(configCacheKey, cfg)
	return &cfg, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	body, _, err := c.get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return serrors.Wrap("decoding backend reply", err, "url", url)
	}
	return nil
}

func (c *Client) getPackage(ctx context.Context, url string) (exposure.Package, error) {
	body, header, err := c.get(ctx, url)
	if err != nil {
		return exposure.Package{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(header.Get(SignatureHeader))
	if err != nil {
		return exposure.Package{}, serrors.Wrap("decoding package signature", err,
			"url", url)
	}
	return exposure.Package{Bin: body, Signature: sig}, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, serrors.Wrap("creating request", err, "url", url)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, serrors.Wrap("requesting backend", err, "url", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, serrors.New("backend status not ok",
			"url", url, "status", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, serrors.Wrap("reading backend reply", err, "url", url)
	}
	return body, resp.Header, nil
}
