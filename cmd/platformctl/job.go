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
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aadk-dev/platform/internal/jobengine"
)

func jobClient() *client { return newRPC(func() string { return cfg.Listen.JobService }) }

// client wraps newClient with a lazily-resolved address, so command
// construction doesn't need cfg to already be loaded.
type client struct{ addrFn func() string }

func newRPC(addrFn func() string) *client { return &client{addrFn: addrFn} }

func (c *client) call(ctx context.Context, method string, params, out any) error {
	return newClient(c.addrFn()).Call(ctx, method, params, out)
}

func (c *client) stream(ctx context.Context, method string, params any) (<-chan json.RawMessage, error) {
	return newClient(c.addrFn()).Stream(ctx, method, params)
}

func parseParams(raw []string) ([]jobengine.Param, error) {
	params := make([]jobengine.Param, 0, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		params = append(params, jobengine.Param{Key: key, Value: value})
	}
	return params, nil
}

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Inspect and control jobs directly"}
	cmd.AddCommand(
		newJobStartCmd(),
		newJobGetCmd(),
		newJobListCmd(),
		newJobCancelCmd(),
		newJobHistoryCmd(),
		newJobStreamCmd(),
	)
	return cmd
}

func newJobStartCmd() *cobra.Command {
	var (
		jobType       string
		rawParams     []string
		projectID     string
		targetID      string
		toolchainSet  string
		correlationID string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a job of an arbitrary registered type",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			req := jobengine.StartJobRequest{
				JobType:        jobType,
				Params:         params,
				ProjectID:      projectID,
				TargetID:       targetID,
				ToolchainSetID: toolchainSet,
				CorrelationID:  correlationID,
			}
			var snap jobengine.Snapshot
			if err := jobClient().call(cmd.Context(), "job.start", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "registered job type (required)")
	cmd.Flags().StringArrayVar(&rawParams, "param", nil, "job parameter key=value, repeatable")
	cmd.Flags().StringVar(&projectID, "project", "", "project ID")
	cmd.Flags().StringVar(&targetID, "target", "", "target ID")
	cmd.Flags().StringVar(&toolchainSet, "toolchain-set", "", "toolchain set ID")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation ID to tie this job to a run")
	cmd.MarkFlagRequired("type")
	return cmd
}

func newJobGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Fetch a job's current snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap jobengine.Snapshot
			req := struct {
				JobID string `json:"job_id"`
			}{JobID: args[0]}
			if err := jobClient().call(cmd.Context(), "job.get", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	return cmd
}

func newJobListCmd() *cobra.Command {
	var (
		jobTypes []string
		runID    string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := jobengine.ListFilter{JobTypes: jobTypes, RunID: runID}
			var snaps []*jobengine.Snapshot
			if err := jobClient().call(cmd.Context(), "job.list", filter, &snaps); err != nil {
				return err
			}
			return printResult(snaps)
		},
	}
	cmd.Flags().StringArrayVar(&jobTypes, "type", nil, "restrict to these job types, repeatable")
	cmd.Flags().StringVar(&runID, "run", "", "restrict to jobs belonging to this run")
	return cmd
}

func newJobCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := struct {
				JobID string `json:"job_id"`
			}{JobID: args[0]}
			var out map[string]bool
			if err := jobClient().call(cmd.Context(), "job.cancel", req, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
	return cmd
}

func newJobHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <job-id>",
		Short: "List a job's recorded events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := struct {
				JobID  string                  `json:"job_id"`
				Filter jobengine.HistoryFilter `json:"filter"`
			}{JobID: args[0], Filter: jobengine.HistoryFilter{Limit: limit}}
			var events []jobengine.JobEvent
			if err := jobClient().call(cmd.Context(), "job.list_history", req, &events); err != nil {
				return err
			}
			return printResult(events)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events to return (0 = all)")
	return cmd
}

func newJobStreamCmd() *cobra.Command {
	var includeHistory bool
	cmd := &cobra.Command{
		Use:   "stream <job-id>",
		Short: "Stream a job's events until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := struct {
				JobID          string `json:"job_id"`
				IncludeHistory bool   `json:"include_history"`
			}{JobID: args[0], IncludeHistory: includeHistory}
			events, err := jobClient().stream(cmd.Context(), "job.stream_events", req)
			if err != nil {
				return err
			}
			return drainStream(events)
		},
	}
	cmd.Flags().BoolVar(&includeHistory, "include-history", false, "replay prior events before streaming live ones")
	return cmd
}

func drainStream(events <-chan json.RawMessage) error {
	for raw := range events {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if err := printResult(v); err != nil {
			return err
		}
	}
	return nil
}
