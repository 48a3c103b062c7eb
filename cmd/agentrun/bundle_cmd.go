package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/levelcode/agentkit/agent/registry"
	"github.com/levelcode/agentkit/agent/registry/bundle"
)

func buildBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Inspect bundled agent template directories",
	}
	cmd.AddCommand(buildBundleValidateCmd())
	return cmd
}

func buildBundleValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <dir>...",
		Short: "Parse and validate every template in one or more bundle directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New(nil)
			for _, dir := range args {
				if err := bundle.LoadDir(dir, reg); err != nil {
					return fmt.Errorf("%s: %w", dir, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d director%s validated\n", len(args), pluralSuffix(len(args)))
			return nil
		},
	}
	return cmd
}

func pluralSuffix(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
