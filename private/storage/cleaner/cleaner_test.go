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

package cleaner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/entrace/entrace/pkg/metrics"
	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/private/storage/cleaner"
)

func testMetrics() cleaner.Metrics {
	return cleaner.Metrics{
		ErrorsTotal:  metrics.NewTestCounter(),
		RunsTotal:    metrics.NewTestCounter(),
		DeletedTotal: metrics.NewTestCounter(),
	}
}

func TestRunDeletes(t *testing.T) {
	m := testMetrics()
	c := cleaner.New(func(ctx context.Context) (int, error) {
		return 7, nil
	}, "packages", m)
	assert.Equal(t, "packages_cleaner", c.Name())

	c.Run(context.Background())
	assert.Equal(t, float64(7), metrics.CounterValue(m.DeletedTotal))
	assert.Equal(t, float64(1), metrics.CounterValue(m.RunsTotal))
	assert.Equal(t, float64(0), metrics.CounterValue(m.ErrorsTotal))
}

func TestRunNothingToDelete(t *testing.T) {
	m := testMetrics()
	c := cleaner.New(func(ctx context.Context) (int, error) {
		return 0, nil
	}, "packages", m)

	c.Run(context.Background())
	assert.Equal(t, float64(0), metrics.CounterValue(m.DeletedTotal))
	assert.Equal(t, float64(1), metrics.CounterValue(m.RunsTotal))
}

func TestRunError(t *testing.T) {
	m := testMetrics()
	c := cleaner.New(func(ctx context.Context) (int, error) {
		return 0, serrors.New("db closed")
	}, "packages", m)

	c.Run(context.Background())
	assert.Equal(t, float64(1), metrics.CounterValue(m.ErrorsTotal))
	assert.Equal(t, float64(0), metrics.CounterValue(m.RunsTotal))
}
