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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrace/entrace/detector"
	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/risk"
)

func echoMatcher(reply string) *detector.ExecMatcher {
	return &detector.ExecMatcher{
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo '" + reply + "'"},
	}
}

func TestExecMatcherZeroExposures(t *testing.T) {
	// A reply without a windows field is the common no-exposure outcome and
	// must not read as a failed detection.
	testCases := map[string]string{
		"windows omitted": `{"summary":{"MatchedKeyCount":0}}`,
		"windows null":    `{"summary":{"MatchedKeyCount":0},"windows":null}`,
		"windows empty":   `{"summary":{"MatchedKeyCount":0},"windows":[]}`,
	}
	for name, reply := range testCases {
		t.Run(name, func(t *testing.T) {
			m := echoMatcher(reply)
			summary, err := m.Detect(context.Background(),
				risk.CalculationConfiguration{}, nil)
			require.NoError(t, err)
			require.NotNil(t, summary)
			windows, err := m.Windows(context.Background(), summary)
			require.NoError(t, err)
			assert.Empty(t, windows)
		})
	}
}

func TestExecMatcherWindows(t *testing.T) {
	m := echoMatcher(`{"summary":{"MatchedKeyCount":1},` +
		`"windows":[{"ReportType":1,"Infectiousness":2}]}`)
	summary, err := m.Detect(context.Background(),
		risk.CalculationConfiguration{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MatchedKeyCount)
	windows, err := m.Windows(context.Background(), summary)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, exposure.ReportTypeConfirmedTest, windows[0].ReportType)
}

func TestExecMatcherWindowsBeforeDetect(t *testing.T) {
	m := echoMatcher(`{}`)
	_, err := m.Windows(context.Background(), nil)
	assert.Error(t, err)
	summary, err := m.Detect(context.Background(),
		risk.CalculationConfiguration{}, nil)
	require.NoError(t, err)
	fresh := echoMatcher(`{}`)
	_, err = fresh.Windows(context.Background(), summary)
	assert.Error(t, err)
}

func TestExecMatcherBadBinary(t *testing.T) {
	m := &detector.ExecMatcher{Binary: "/nonexistent/matcher"}
	_, err := m.Detect(context.Background(), risk.CalculationConfiguration{}, nil)
	assert.Error(t, err)
}
