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
	"github.com/aadk-dev/platform/internal/run"
)

func observeClient() *client { return newRPC(func() string { return cfg.Listen.ObserveService }) }

func newObserveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "observe", Short: "Inspect runs and export diagnostic bundles"}
	cmd.AddCommand(
		newObserveListRunsCmd(),
		newObserveListRunOutputsCmd(),
		newObserveExportSupportBundleCmd(),
		newObserveExportEvidenceBundleCmd(),
	)
	return cmd
}

func newObserveListRunsCmd() *cobra.Command {
	var result string
	cmd := &cobra.Command{
		Use:   "list-runs",
		Short: "List runs, optionally filtered by result",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := run.ListFilter{Result: run.Result(result)}
			var out []*run.Run
			if err := observeClient().call(cmd.Context(), "observe.list_runs", filter, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "filter by result: in_progress, success, failed, cancelled")
	return cmd
}

func newObserveListRunOutputsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-run-outputs <run-id>",
		Short: "List bundles and artifacts a run produced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := struct {
				RunID string `json:"run_id"`
			}{RunID: args[0]}
			var out []run.RunOutput
			if err := observeClient().call(cmd.Context(), "observe.list_run_outputs", req, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
	return cmd
}

func newObserveExportSupportBundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-support-bundle",
		Short: "Export a support bundle for the current daemon state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap jobengine.Snapshot
			if err := observeClient().call(cmd.Context(), "observe.export_support_bundle", jobengine.StartJobRequest{}, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
}

func newObserveExportEvidenceBundleCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "export-evidence-bundle",
		Short: "Export an evidence bundle for a specific run",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := jobengine.StartJobRequest{
				RunID:  runID,
				Params: []jobengine.Param{{Key: "run_id", Value: runID}},
			}
			var snap jobengine.Snapshot
			if err := observeClient().call(cmd.Context(), "observe.export_evidence_bundle", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run ID (required)")
	cmd.MarkFlagRequired("run")
	return cmd
}
