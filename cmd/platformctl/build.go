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
	"github.com/spf13/cobra"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/services"
)

func buildClient() *client { return newRPC(func() string { return cfg.Listen.BuildService }) }

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "build", Short: "Run project builds and list artifacts"}
	cmd.AddCommand(newBuildRunCmd(), newBuildListArtifactsCmd())
	return cmd
}

func newBuildRunCmd() *cobra.Command {
	var projectPath, toolchainID, variant string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a build",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := jobengine.StartJobRequest{
				Params: []jobengine.Param{
					{Key: "project_path", Value: projectPath},
					{Key: "toolchain_id", Value: toolchainID},
					{Key: "variant", Value: variant},
				},
			}
			var snap jobengine.Snapshot
			if err := buildClient().call(cmd.Context(), "build.run", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	cmd.Flags().StringVar(&projectPath, "path", "", "project directory (required)")
	cmd.Flags().StringVar(&toolchainID, "toolchain-id", "", "toolchain ID to build with")
	cmd.Flags().StringVar(&variant, "variant", "", "build variant, e.g. debug or release")
	cmd.MarkFlagRequired("path")
	return cmd
}

func newBuildListArtifactsCmd() *cobra.Command {
	var projectPath string
	var globs []string
	cmd := &cobra.Command{
		Use:   "list-artifacts",
		Short: "Discover build outputs under a project by glob",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := struct {
				ProjectPath string   `json:"project_path"`
				Globs       []string `json:"globs"`
			}{ProjectPath: projectPath, Globs: globs}
			var out []services.Artifact
			if err := buildClient().call(cmd.Context(), "build.list_artifacts", req, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
	cmd.Flags().StringVar(&projectPath, "path", "", "project directory (required)")
	cmd.Flags().StringArrayVar(&globs, "glob", nil, "doublestar glob to match, repeatable (default: built-in APK/AAB patterns)")
	cmd.MarkFlagRequired("path")
	return cmd
}
