// Command agentrun is the deployment entry point for running agent
// templates: it loads a YAML config naming a model provider, durable
// storage, a workflow engine, and bundled template directories, then
// drives a single agent run end to end through agent/runtime.Controller.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("agentrun: command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentrun",
		Short:        "Run LLM-driven coding agents from a registered template",
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildRunCmd(), buildBundleCmd())
	return root
}
