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
	"encoding/json"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/targets"
)

func targetsClient() *client { return newRPC(func() string { return cfg.Listen.TargetService }) }

func newTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "targets", Short: "Manage Android devices and emulators"}
	cmd.AddCommand(
		newTargetsListCmd(),
		newTargetsInstallApkCmd(),
		newTargetsLaunchCmd(),
		newTargetsStopAppCmd(),
		newTargetsDefaultCmd(),
		newTargetsLogcatCmd(),
	)
	return cmd
}

func newTargetsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known targets, physical and virtual",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []targets.Target
			if err := targetsClient().call(cmd.Context(), "targets.list", nil, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
}

func newTargetsInstallApkCmd() *cobra.Command {
	var targetID, apkPath string
	cmd := &cobra.Command{
		Use:   "install-apk",
		Short: "Install an APK onto a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := jobengine.StartJobRequest{
				TargetID: targetID,
				Params: []jobengine.Param{
					{Key: "target_id", Value: targetID},
					{Key: "apk_path", Value: apkPath},
				},
			}
			var snap jobengine.Snapshot
			if err := targetsClient().call(cmd.Context(), "targets.install_apk", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target ID (required)")
	cmd.Flags().StringVar(&apkPath, "apk", "", "path to the APK (required)")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("apk")
	return cmd
}

func newTargetsLaunchCmd() *cobra.Command {
	var targetID, applicationID string
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch an installed app on a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := jobengine.StartJobRequest{
				TargetID: targetID,
				Params: []jobengine.Param{
					{Key: "target_id", Value: targetID},
					{Key: "application_id", Value: applicationID},
				},
			}
			var snap jobengine.Snapshot
			if err := targetsClient().call(cmd.Context(), "targets.launch", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target ID (required)")
	cmd.Flags().StringVar(&applicationID, "application-id", "", "Android application ID (required)")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("application-id")
	return cmd
}

func newTargetsStopAppCmd() *cobra.Command {
	var targetID, applicationID string
	var yes bool
	cmd := &cobra.Command{
		Use:   "stop-app",
		Short: "Force-stop a running app on a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && isInteractive() {
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("Force-stop %s on %s?", applicationID, targetID),
					Default: false,
				}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}
			req := jobengine.StartJobRequest{
				TargetID: targetID,
				Params: []jobengine.Param{
					{Key: "target_id", Value: targetID},
					{Key: "application_id", Value: applicationID},
				},
			}
			var snap jobengine.Snapshot
			if err := targetsClient().call(cmd.Context(), "targets.stop_app", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "target ID (required)")
	cmd.Flags().StringVar(&applicationID, "application-id", "", "Android application ID (required)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("application-id")
	return cmd
}

func newTargetsDefaultCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "default", Short: "Get or set the default target"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the default target",
			RunE: func(cmd *cobra.Command, args []string) error {
				var out string
				if err := targetsClient().call(cmd.Context(), "targets.get_default", nil, &out); err != nil {
					return err
				}
				return printResult(map[string]string{"target_id": out})
			},
		},
	)
	var targetID string
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Set the default target",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := struct {
				TargetID string `json:"target_id"`
			}{TargetID: targetID}
			return targetsClient().call(cmd.Context(), "targets.set_default", req, nil)
		},
	}
	setCmd.Flags().StringVar(&targetID, "target", "", "target ID (required)")
	setCmd.MarkFlagRequired("target")
	cmd.AddCommand(setCmd)
	return cmd
}

func newTargetsLogcatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logcat <target-id>",
		Short: "Stream a target's logcat until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := struct {
				TargetID string `json:"target_id"`
			}{TargetID: args[0]}
			lines, err := targetsClient().stream(cmd.Context(), "targets.stream_logcat", req)
			if err != nil {
				return err
			}
			for raw := range lines {
				var line string
				if err := json.Unmarshal(raw, &line); err != nil {
					return err
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	return cmd
}
