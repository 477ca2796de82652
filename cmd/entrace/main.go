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
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/entrace/entrace/pkg/log"
	"github.com/entrace/entrace/private/config"
)

// addConfigFlag registers the shared --config flag on a command flag set.
func addConfigFlag(fs *pflag.FlagSet, configFile *string) {
	fs.StringVar(configFile, "config", "entrace.toml", "Config file")
}

func main() {
	defer log.Flush()
	defer log.HandlePanic()
	cmd := &cobra.Command{
		Use:           "entrace",
		Short:         "Exposure risk pipeline",
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newRunCmd(),
		newDetectCmd(),
		newPackagesCmd(),
		newSampleCmd(),
		newVersionCmd(),
	)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads, defaults and validates the service configuration and
// sets up logging.
func loadConfig(path string) (*serviceConfig, error) {
	var cfg serviceConfig
	if err := config.LoadFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := log.Setup(log.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
	}); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newSampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample-config",
		Short: "Print a commented sample configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg serviceConfig
			cfg.Sample(cmd.OutOrStdout(), nil, nil)
			return nil
		},
	}
}
