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
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/pkg/risk"
)

func newDetectCmd() *cobra.Command {
	var flags struct {
		configFile string
		timeout    time.Duration
	}
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run one detection and print the resulting risk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadConfig(flags.configFile)
			if err != nil {
				return serrors.Wrap("loading config", err)
			}
			p, err := newPipeline(cfg)
			if err != nil {
				return serrors.Wrap("opening pipeline", err)
			}
			defer p.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			r := p.coordinator.RequestRisk(ctx, true)
			if r == nil {
				return serrors.New("request was skipped")
			}
			printRisk(cmd, *r)
			return nil
		},
	}
	addConfigFlag(cmd.Flags(), &flags.configFile)
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 2*time.Minute,
		"Timeout for the whole request")
	return cmd
}

func printRisk(cmd *cobra.Command, r risk.Risk) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Risk level: %s\n", coloredLevel(r.Level))
	if r.Details.DaysSinceLastExposure != nil {
		fmt.Fprintf(out, "Days since last exposure: %d\n",
			*r.Details.DaysSinceLastExposure)
	}
	fmt.Fprintf(out, "Number of exposures: %d\n", r.Details.NumberOfExposures)
	fmt.Fprintf(out, "Active tracing: %dh\n", r.Details.ActiveTracing.InHours())
	fmt.Fprintf(out, "Detection date: %s\n",
		r.Details.DetectionDate.Format(time.RFC3339))
	if r.Changed {
		fmt.Fprintln(out, "The risk level changed since the last detection.")
	}
}

func coloredLevel(l risk.Level) string {
	switch l {
	case risk.LevelIncreased:
		return color.RedString(l.String())
	case risk.LevelLow:
		return color.GreenString(l.String())
	default:
		return color.YellowString(l.String())
	}
}
