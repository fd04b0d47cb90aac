package main

import (
	"github.com/spf13/cobra"
)

// defaultConfigPath is used when neither --config nor LLMOPS_CONFIG is set.
const defaultConfigPath = "llmops.yaml"

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the HTTP API, the
// indexing workers and the cache sweeper.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the llmops API server",
		Long: `Start the llmops API server.

The server will:
1. Load configuration from the specified file (or llmops.yaml)
2. Open the database and apply pending migrations
3. Start the indexing workers and the cache sweeper
4. Serve the chat, knowledge base and metrics endpoints

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  llmops serve

  # Start with debug logging
  llmops serve --config /etc/llmops/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Migrate Command
// =============================================================================

func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

// =============================================================================
// Knowledge Base Commands
// =============================================================================

func buildDatasetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Manage datasets",
	}
	cmd.AddCommand(buildDatasetCreateCmd(), buildDatasetListCmd())
	return cmd
}

func buildDatasetCreateCmd() *cobra.Command {
	var (
		configPath  string
		accountID   string
		name        string
		description string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an empty dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDatasetCreate(cmd, resolveConfigPath(configPath), accountID, name, description)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&accountID, "account", "default", "Account that owns the dataset")
	cmd.Flags().StringVar(&name, "name", "", "Dataset name")
	cmd.Flags().StringVar(&description, "description", "", "Dataset description")
	cobra.CheckErr(cmd.MarkFlagRequired("name"))
	return cmd
}

func buildDatasetListCmd() *cobra.Command {
	var (
		configPath string
		accountID  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDatasetList(cmd, resolveConfigPath(configPath), accountID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&accountID, "account", "default", "Account that owns the datasets")
	return cmd
}

func buildIngestCmd() *cobra.Command {
	var (
		configPath string
		accountID  string
		datasetID  string
	)
	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Upload files and index them into a dataset",
		Long: `Upload files and index them into a dataset.

Indexing runs in the foreground; the command prints the status of every
document in the batch once it finishes.`,
		Example: `  llmops ingest --dataset 5f0c... handbook.pdf faq.md`,
		Args:    cobra.RangeArgs(1, 20),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, resolveConfigPath(configPath), accountID, datasetID, args)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&accountID, "account", "default", "Account that owns the dataset")
	cmd.Flags().StringVar(&datasetID, "dataset", "", "Dataset ID")
	cobra.CheckErr(cmd.MarkFlagRequired("dataset"))
	return cmd
}

func buildSearchCmd() *cobra.Command {
	var (
		configPath string
		accountID  string
		datasetID  string
		query      string
		strategy   string
		k          int
		score      float64
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run a hit test against a dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, resolveConfigPath(configPath), accountID, datasetID, query, strategy, k, score, jsonOut)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&accountID, "account", "default", "Account that owns the dataset")
	cmd.Flags().StringVar(&datasetID, "dataset", "", "Dataset ID")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Search query")
	cmd.Flags().StringVar(&strategy, "strategy", "", "semantic, full_text or hybrid (defaults to retrieval.strategy)")
	cmd.Flags().IntVar(&k, "k", 0, "Maximum number of results (defaults to retrieval.k)")
	cmd.Flags().Float64Var(&score, "score", 0, "Minimum semantic score (defaults to retrieval.score)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	cobra.CheckErr(cmd.MarkFlagRequired("dataset"))
	cobra.CheckErr(cmd.MarkFlagRequired("query"))
	return cmd
}

// =============================================================================
// Chat Command
// =============================================================================

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		appID      string
		userID     string
		query      string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run one agent turn against a configured app",
		Long: `Run one agent turn against a configured app and stream the answer.

With --verbose every tool call and observation is printed as it happens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, resolveConfigPath(configPath), appID, userID, query, verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&appID, "app", "", "App ID from the apps section")
	cmd.Flags().StringVar(&userID, "user", "cli", "User the turn runs as")
	cmd.Flags().StringVarP(&query, "query", "q", "", "User query")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print tool calls and observations")
	cobra.CheckErr(cmd.MarkFlagRequired("app"))
	cobra.CheckErr(cmd.MarkFlagRequired("query"))
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report every problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}
