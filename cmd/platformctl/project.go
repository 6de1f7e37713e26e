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
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/aadk-dev/platform/internal/jobengine"
	"github.com/aadk-dev/platform/internal/services"
)

func projectClient() *client { return newRPC(func() string { return cfg.Listen.ProjectService }) }

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Create and track Android projects"}
	cmd.AddCommand(
		newProjectListTemplatesCmd(),
		newProjectListRecentCmd(),
		newProjectCreateCmd(),
		newProjectOpenCmd(),
	)
	return cmd
}

func newProjectListTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-templates",
		Short: "List available project templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []services.Template
			if err := projectClient().call(cmd.Context(), "project.list_templates", nil, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
}

func newProjectListRecentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-recent",
		Short: "List recently opened or created projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []services.Project
			if err := projectClient().call(cmd.Context(), "project.list_recent", nil, &out); err != nil {
				return err
			}
			return printResult(out)
		},
	}
}

func newProjectCreateCmd() *cobra.Command {
	var (
		templateID  string
		projectPath string
		projectName string
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new project from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive || (templateID == "" && isInteractive()) {
				var templates []services.Template
				if err := projectClient().call(cmd.Context(), "project.list_templates", nil, &templates); err != nil {
					return fmt.Errorf("listing templates for wizard: %w", err)
				}
				if err := runProjectWizard(templates, &templateID, &projectPath, &projectName); err != nil {
					return err
				}
			}
			if templateID == "" || projectPath == "" {
				return fmt.Errorf("--template and --path are required (or run in a terminal for the interactive wizard)")
			}
			req := jobengine.StartJobRequest{
				Params: []jobengine.Param{
					{Key: "template_id", Value: templateID},
					{Key: "project_path", Value: projectPath},
					{Key: "project_name", Value: projectName},
				},
			}
			var snap jobengine.Snapshot
			if err := projectClient().call(cmd.Context(), "project.create", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template ID")
	cmd.Flags().StringVar(&projectPath, "path", "", "destination directory")
	cmd.Flags().StringVar(&projectName, "name", "", "project name")
	cmd.Flags().BoolVar(&interactive, "wizard", false, "force the interactive wizard even with flags set")
	return cmd
}

// runProjectWizard walks the operator through picking a template, a
// destination path, and a project name using huh's form groups.
func runProjectWizard(templates []services.Template, templateID, projectPath, projectName *string) error {
	options := make([]huh.Option[string], 0, len(templates))
	for _, t := range templates {
		options = append(options, huh.NewOption(fmt.Sprintf("%s (%s)", t.DisplayName, t.ID), t.ID))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Project template").
				Options(options...).
				Value(templateID),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Project name").
				Value(projectName).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("project name is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Destination path").
				Value(projectPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("destination path is required")
					}
					return nil
				}),
		),
	)

	return form.Run()
}

func newProjectOpenCmd() *cobra.Command {
	var projectPath string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open an existing project, adding it to recents",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := jobengine.StartJobRequest{
				Params: []jobengine.Param{{Key: "project_path", Value: projectPath}},
			}
			var snap jobengine.Snapshot
			if err := projectClient().call(cmd.Context(), "project.open", req, &snap); err != nil {
				return err
			}
			return printResult(snap)
		},
	}
	cmd.Flags().StringVar(&projectPath, "path", "", "project directory (required)")
	cmd.MarkFlagRequired("path")
	return cmd
}
