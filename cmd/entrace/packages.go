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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/entrace/entrace/pkg/exposure"
	"github.com/entrace/entrace/pkg/private/serrors"
	"github.com/entrace/entrace/private/storage/packages"
	"github.com/entrace/entrace/private/storage/packages/sqlite"
)

func newPackagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packages",
		Short: "Inspect and manage the key package cache",
	}
	cmd.AddCommand(newPackagesListCmd(), newPackagesResetCmd())
	return cmd
}

func newPackagesListCmd() *cobra.Command {
	var flags struct {
		configFile string
	}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached key packages per region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadConfig(flags.configFile)
			if err != nil {
				return serrors.Wrap("loading config", err)
			}
			store, err := sqlite.New(cfg.Storage.Packages)
			if err != nil {
				return serrors.Wrap("opening package store", err)
			}
			defer store.Close()

			today := exposure.DayOf(time.Now())
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeader([]string{"REGION", "DAYS", "FIRST", "LAST", "HOURS TODAY"})
			for _, region := range cfg.Detection.regions() {
				a, err := packages.LocalAvailability(cmd.Context(), store,
					region, today)
				if err != nil {
					return serrors.Wrap("reading availability", err,
						"region", region)
				}
				first, last := "-", "-"
				if len(a.Days) > 0 {
					first = a.Days[0].String()
					last = a.Days[len(a.Days)-1].String()
				}
				table.Append([]string{
					string(region),
					strconv.Itoa(len(a.Days)),
					first,
					last,
					fmtHours(a.Hours),
				})
			}
			table.Render()
			return nil
		},
	}
	addConfigFlag(cmd.Flags(), &flags.configFile)
	return cmd
}

func newPackagesResetCmd() *cobra.Command {
	var flags struct {
		configFile string
		force      bool
	}
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop all cached key packages",
		Long: `'reset' drops all cached key packages and reclaims the space. It is meant
for full-store invalidation such as corruption recovery. The next detection
downloads all packages again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if !flags.force {
				return serrors.New("refusing to reset without --force")
			}
			cfg, err := loadConfig(flags.configFile)
			if err != nil {
				return serrors.Wrap("loading config", err)
			}
			store, err := sqlite.New(cfg.Storage.Packages)
			if err != nil {
				return serrors.Wrap("opening package store", err)
			}
			defer store.Close()
			if err := store.Reset(cmd.Context()); err != nil {
				return serrors.Wrap("resetting package store", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Package store reset.")
			return nil
		},
	}
	addConfigFlag(cmd.Flags(), &flags.configFile)
	cmd.Flags().BoolVar(&flags.force, "force", false,
		"Actually perform the reset")
	return cmd
}

func fmtHours(hours []int) string {
	if len(hours) == 0 {
		return "-"
	}
	ss := make([]string, 0, len(hours))
	for _, h := range hours {
		ss = append(ss, strconv.Itoa(h))
	}
	return strings.Join(ss, ",")
}
