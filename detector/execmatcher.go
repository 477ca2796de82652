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

package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"sync"

	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/pkg/risk"
)

// ExecMatcher invokes an external matcher binary. The calculation
// configuration is passed as JSON on stdin, the staged key files as
// arguments. The binary replies with a JSON document containing the summary
// and the exposure windows.
type ExecMatcher struct {
	// Binary is the path of the matcher executable.
	Binary string
	// Args are extra arguments placed before the key files.
	Args []string

	mu       sync.Mutex
	detected bool
	windows  []exposure.Window
}

type matcherReply struct {
	Summary exposure.Summary  `json:"summary"`
	Windows []exposure.Window `json:"windows"`
}

var _ Matcher = (*ExecMatcher)(nil)

func (m *ExecMatcher) Detect(ctx context.Context, cfg risk.CalculationConfiguration,
	keyFiles []string) (*exposure.Summary, error) {

	reply, err := m.invoke(ctx, cfg, keyFiles)
	if err != nil {
		return nil, err
	}
	summary := reply.Summary
	return &summary, nil
}

func (m *ExecMatcher) Windows(ctx context.Context,
	summary *exposure.Summary) ([]exposure.Window, error) {

	if summary == nil {
		return nil, serrors.New("no summary to read windows from")
	}
	// The reply of the detect invocation carries the windows, they are
	// kept until queried. A zero-exposure run legitimately has none.
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.detected {
		return nil, serrors.New("windows queried before detection")
	}
	return m.windows, nil
}

func (m *ExecMatcher) invoke(ctx context.Context, cfg risk.CalculationConfiguration,
	keyFiles []string) (*matcherReply, error) {

	input, err := json.Marshal(cfg)
	if err != nil {
		return nil, serrors.Wrap("encoding configuration", err)
	}
	args := append(append([]string{}, m.Args...), keyFiles...)
	cmd := exec.CommandContext(ctx, m.Binary, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, serrors.Wrap("running matcher", err,
			"binary", m.Binary, "stderr", stderr.String())
	}
	var reply matcherReply
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return nil, serrors.Wrap("decoding matcher reply", err)
	}
	m.mu.Lock()
	m.detected = true
	m.windows = reply.Windows
	m.mu.Unlock()
	return &reply, nil
}
