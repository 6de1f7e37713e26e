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

package main

import (
	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/services"
)

func toolchainClient() *client { return newRPC(func() string { return cfg.Listen.ToolchainService }) }

func newToolchainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "toolchain", Short: "Manage SDK and NDK toolchains"}
	cmd.AddCommand(
		newToolchainListProvidersCmd(),
		newToolchainListAvailableCmd(),
		newToolchainListInstalledCmd(),
		newToolchainInstallCmd(),
		newToolchainUpdateCmd(),
		newToolchainUninstallCmd(),
		newToolchainCleanupCacheCmd(),
		newToolchainSetsCmd(),
	)
	return cmd
}

func newToolchainListProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-providers",
		Short: "List registered toolchain providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []services.Provider
			if err := toolchainClient().call(cmd.Context(), "toolchain.list_providers", nil, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
}

func newToolchainListAvailableCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "list-available",
		Short: "List versions a provider can install",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := struct {
				Provider string `json:"provider"`
			}{Provider: provider}
			var out []services.AvailableToolchain
			if err := toolchainClient().call(cmd.Context(), "toolchain.list_available", req, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider name (required)")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func newToolchainListInstalledCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-installed",
		Short: "List installed toolchains",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []services.Toolchain
			if err := toolchainClient().call(cmd.Context(), "toolchain.list_installed", nil, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
}

func newToolchainInstallCmd() *cobra.Command {
	var provider, ver string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a toolchain version",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := jobengine.StartJobRequest{
				Params: []jobengine.Param{
					{Key: "provider", Value: provider},
					{Key: "version", Value: ver},
				},
			}
			var snap jobengine.Snapshot
			if err := toolchainClient().call(cmd.Context(), "toolchain.install", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider name (required)")
	cmd.Flags().StringVar(&ver, "version", "", "version to install (required)")
	cmd.MarkFlagRequired("provider")
	cmd.MarkFlagRequired("version")
	return cmd
}

func newToolchainUpdateCmd() *cobra.Command {
	var toolchainID, ver string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update an installed toolchain to a new version",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := jobengine.StartJobRequest{
				Params: []jobengine.Param{
					{Key: "toolchain_id", Value: toolchainID},
					{Key: "version", Value: ver},
				},
			}
			var snap jobengine.Snapshot
			if err := toolchainClient().call(cmd.Context(), "toolchain.update", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	cmd.Flags().StringVar(&toolchainID, "toolchain-id", "", "installed toolchain ID (required)")
	cmd.Flags().StringVar(&ver, "version", "", "version to update to (required)")
	cmd.MarkFlagRequired("toolchain-id")
	cmd.MarkFlagRequired("version")
	return cmd
}

func newToolchainUninstallCmd() *cobra.Command {
	var toolchainID string
	var yes bool
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove an installed toolchain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && isInteractive() {
				confirmed := false
				prompt := &survey.Confirm{Message: "Uninstall toolchain " + toolchainID + "?", Default: false}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}
			req := jobengine.StartJobRequest{
				Params: []jobengine.Param{{Key: "toolchain_id", Value: toolchainID}},
			}
			var snap jobengine.Snapshot
			if err := toolchainClient().call(cmd.Context(), "toolchain.uninstall", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	cmd.Flags().StringVar(&toolchainID, "toolchain-id", "", "installed toolchain ID (required)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	cmd.MarkFlagRequired("toolchain-id")
	return cmd
}

func newToolchainCleanupCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-cache",
		Short: "Sweep the toolchain download cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap jobengine.Snapshot
			if err := toolchainClient().call(cmd.Context(), "toolchain.cleanup_cache", jobengine.StartJobRequest{}, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
}

func newToolchainSetsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sets", Short: "Manage named toolchain sets"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List toolchain sets",
			RunE: func(cmd *cobra.Command, args []string) error {
				var out []services.ToolchainSet
				if err := toolchainClient().call(cmd.Context(), "toolchain.list_sets", nil, &out); err != nil {
					return err
				}
				return printResult(out)
			},
		},
		newToolchainCreateSetCmd(),
		newToolchainSetActiveSetCmd(),
		&cobra.Command{
			Use:   "active",
			Short: "Show the active toolchain set",
			RunE: func(cmd *cobra.Command, args []string) error {
				var out services.ToolchainSet
				if err := toolchainClient().call(cmd.Context(), "toolchain.get_active_set", nil, &out); err != nil {
					return err
				}
				return printResult(out)
			},
		},
	)
	return cmd
}

func newToolchainCreateSetCmd() *cobra.Command {
	var name string
	var toolchainIDs []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a named toolchain set",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := struct {
				Name         string   `json:"name"`
				ToolchainIDs []string `json:"toolchain_ids"`
			}{Name: name, ToolchainIDs: toolchainIDs}
			var out services.ToolchainSet
			if err := toolchainClient().call(cmd.Context(), "toolchain.create_set", req, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "set name (required)")
	cmd.Flags().StringArrayVar(&toolchainIDs, "toolchain-id", nil, "toolchain ID to include, repeatable")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newToolchainSetActiveSetCmd() *cobra.Command {
	var setID string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Set the active toolchain set",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := struct {
				SetID string `json:"set_id"`
			}{SetID: setID}
			return toolchainClient().call(cmd.Context(), "toolchain.set_active_set", req, nil)
		},
	}
	cmd.Flags().StringVar(&setID, "set-id", "", "toolchain set ID (required)")
	cmd.MarkFlagRequired("set-id")
	return cmd
}
