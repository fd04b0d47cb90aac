// Package main provides the CLI entry point for llmops, a retrieval-augmented
// agent runtime.
//
// # Basic Usage
//
// Start the HTTP API:
//
//	llmops serve --config llmops.yaml
//
// Build a knowledge base and query it from the shell:
//
//	llmops dataset create --name handbook
//	llmops ingest --dataset <id> handbook.pdf faq.md
//	llmops search --dataset <id> --query "vacation policy"
//
// Talk to a configured app:
//
//	llmops chat --app support --query "How do refunds work?"
//
// # Environment Variables
//
//   - LLMOPS_CONFIG: Path to configuration file (default: llmops.yaml)
//   - Any ${VAR} reference inside the configuration file is expanded.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "llmops",
		Short: "llmops - retrieval-augmented agent runtime",
		Long: `llmops runs tool-calling agents over your own knowledge bases.

Documents are parsed, cleaned, split into segments, embedded and keyword
indexed. Agents search them through the dataset retrieval tool and stream
their answers over server-sent events.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildDatasetCmd(),
		buildIngestCmd(),
		buildSearchCmd(),
		buildChatCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
