package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/levelcode/agentkit/agent"
)

func buildRunCmd() *cobra.Command {
	var configPath, templateID, prompt, runID string
	var steps int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a registered agent template to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			dep, err := buildDeployment(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build deployment: %w", err)
			}
			defer dep.Close()

			tmpl, ok := dep.Registry.Lookup(ctx, templateID)
			if !ok {
				return fmt.Errorf("template %q is not registered", templateID)
			}

			if runID == "" {
				runID = agent.NewRunID()
			}
			stepsRemaining := steps
			if stepsRemaining <= 0 {
				stepsRemaining = tmpl.DefaultStepsRemaining
			}
			state := agent.NewAgentState(templateID, "", runID, stepsRemaining)

			out, err := dep.Controller.Loop(ctx, tmpl, state, prompt, "")
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			return printOutput(cmd, out)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "agentrun.yaml", "path to the deployment config")
	cmd.Flags().StringVar(&templateID, "template", "", "fully qualified template id to run")
	cmd.Flags().StringVar(&prompt, "prompt", "", "user message starting the run")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id to use (generated when omitted)")
	cmd.Flags().IntVar(&steps, "steps", 0, "step budget override (defaults to the template's own)")
	_ = cmd.MarkFlagRequired("template")

	return cmd
}

func printOutput(cmd *cobra.Command, out *agent.Output) error {
	if out.IsError() {
		fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", out.ErrorMessage)
		return nil
	}
	if !out.IsSet() {
		fmt.Fprintln(cmd.OutOrStdout(), "(no output)")
		return nil
	}
	b, err := json.MarshalIndent(out.Structured, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
