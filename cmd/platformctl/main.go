// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command platformctl is the operator-facing client for platformd: it
// talks to each business service's websocket endpoint over
// internal/rpcclient and renders results as JSON, optionally filtered
// through a jq expression.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aadk-dev/platform/internal/config"
	"github.com/aadk-dev/platform/internal/rpcclient"
	"github.com/aadk-dev/platform/internal/secrets"
)

var (
	version = "dev"

	cfgPath string
	jqExpr  string
	apiKey  string

	cfg *config.Config
)

// isInteractive reports whether stdout is a TTY worth showing spinners
// and wizards on.
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func resolveAPIKey() string {
	if apiKey != "" {
		return apiKey
	}
	if v := os.Getenv("AADK_API_KEY"); v != "" {
		return v
	}
	token, err := secrets.Get(secrets.ServiceName, secrets.RPCSigningKeyKey)
	if err != nil {
		return ""
	}
	return token
}

func newClient(addr string) *rpcclient.Client {
	return rpcclient.New(addr, rpcclient.WithAPIKey(resolveAPIKey()))
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "platformctl",
		Short:         "Operate a local Android developer control plane daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.yaml (default: platform data dir)")
	root.PersistentFlags().StringVar(&jqExpr, "jq", "", "filter JSON output through a jq expression")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "bearer token for non-loopback daemons (default: keychain/AADK_API_KEY)")

	root.AddCommand(
		newJobCmd(),
		newToolchainCmd(),
		newProjectCmd(),
		newBuildCmd(),
		newTargetsCmd(),
		newObserveCmd(),
		newWorkflowCmd(),
	)
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "platformctl:", err)
		os.Exit(1)
	}
}
