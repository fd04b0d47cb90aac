package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/internal/app"
	"github.com/haasonsaas/llmops/internal/config"
	"github.com/haasonsaas/llmops/internal/rag/retrieval"
	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/pkg/models"
)

// cliInvokeFrom tags agent tasks started from the command line.
const cliInvokeFrom = "cli"

// resolveConfigPath picks the --config flag, then LLMOPS_CONFIG, then the
// default file name.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("LLMOPS_CONFIG")); p != "" {
		return p
	}
	return defaultConfigPath
}

// loadConfig loads path. A missing default file falls back to built-in
// defaults so the CLI works in an empty directory.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		slog.Warn("config file not found, using defaults", "path", path)
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Logging.Output = os.Stderr
	return cfg, nil
}

// openApp assembles a runtime for a one-shot command. Indexing runs inline
// so the command returns once work is done.
func openApp(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, app.Options{Config: cfg, InlineTasks: true})
}

// =============================================================================
// Serve Command Handler
// =============================================================================

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	slog.Info("starting llmops",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, app.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}

	// Workers outlive the signal so Stop can drain them.
	errCh, err := a.Start(context.WithoutCancel(ctx), true)
	if err != nil {
		_ = a.Stop(context.Background()) //nolint:errcheck
		return err
	}

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		_ = a.Stop(context.Background()) //nolint:errcheck
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("llmops stopped")
	return nil
}

// =============================================================================
// Migrate Command Handler
// =============================================================================

func runMigrate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	storageCfg := cfg.Database.Storage()
	storageCfg.RunMigrations = false

	stores, err := storage.Open(cmd.Context(), storageCfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	applied, err := storage.Migrate(cmd.Context(), stores.DB, stores.Dialect)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}
	for _, id := range applied {
		fmt.Fprintf(out, "Applied %s\n", id)
	}
	return nil
}

// =============================================================================
// Knowledge Base Command Handlers
// =============================================================================

func runDatasetCreate(cmd *cobra.Command, configPath, accountID, name, description string) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background()) //nolint:errcheck

	ds, err := a.Datasets.CreateDataset(cmd.Context(), accountID, name, description)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created dataset %s (%s)\n", ds.Name, ds.ID)
	return nil
}

func runDatasetList(cmd *cobra.Command, configPath, accountID string) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background()) //nolint:errcheck

	list, err := a.Datasets.ListDatasets(cmd.Context(), accountID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No datasets.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
	for _, ds := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", ds.ID, ds.Name, ds.Description)
	}
	return w.Flush()
}

func runIngest(cmd *cobra.Command, configPath, accountID, datasetID string, paths []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background()) //nolint:errcheck

	if _, err := a.Datasets.GetDataset(ctx, accountID, datasetID); err != nil {
		return fmt.Errorf("dataset %s: %w", datasetID, err)
	}

	ids := make([]string, 0, len(paths))
	for _, path := range paths {
		upload, err := uploadFile(ctx, a, accountID, path)
		if err != nil {
			return err
		}
		ids = append(ids, upload.ID)
	}

	_, batch, err := a.Documents.CreateDocuments(ctx, accountID, datasetID, ids, models.ProcessRule{Mode: models.ProcessModeAutomatic})
	if err != nil {
		return err
	}
	progress, err := a.Documents.BatchStatus(ctx, accountID, datasetID, batch)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Batch %s\n", batch)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOCUMENT\tNAME\tSTATUS\tSEGMENTS\tERROR")
	for _, p := range progress {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", p.ID, p.Name, p.Status, p.CompletedSegmentCount, p.SegmentCount, p.Error)
	}
	return w.Flush()
}

func uploadFile(ctx context.Context, a *app.App, accountID, path string) (*models.UploadFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	upload, err := a.Files.Upload(ctx, accountID, filepath.Base(path), f)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}
	return upload, nil
}

func runSearch(cmd *cobra.Command, configPath, accountID, datasetID, query, strategyName string, k int, score float64, jsonOut bool) error {
	ctx := cmd.Context()
	var strategy retrieval.Strategy
	if strategyName != "" {
		parsed, err := retrieval.ParseStrategy(strategyName)
		if err != nil {
			return err
		}
		strategy = parsed
	}

	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background()) //nolint:errcheck

	if _, err := a.Datasets.GetDataset(ctx, accountID, datasetID); err != nil {
		return fmt.Errorf("dataset %s: %w", datasetID, err)
	}
	results, err := a.Retrieval.HitTest(ctx, datasetID, query, retrieval.HitTestOptions{
		AccountID:      accountID,
		Strategy:       strategy,
		K:              k,
		ScoreThreshold: score,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if results == nil {
			results = []retrieval.Result{}
		}
		return enc.Encode(results)
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. [%.3f] %s\n", i+1, r.Score, r.SegmentID)
		fmt.Fprintf(out, "   %s\n", truncate(strings.Join(strings.Fields(r.Content), " "), 200))
	}
	return nil
}

// =============================================================================
// Chat Command Handler
// =============================================================================

func runChat(cmd *cobra.Command, configPath, appID, userID, query string, verbose bool) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background()) //nolint:errcheck

	fc, err := a.NewAgent(appID, userID, cliInvokeFrom)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	_, events := fc.Stream(ctx, agent.AgentInput{Query: query})
	var failure error
	for ev := range events {
		switch ev.Event {
		case models.AgentEventMessage:
			fmt.Fprint(out, ev.Answer)
		case models.AgentEventAction, models.AgentEventDatasetRetrieval:
			if verbose {
				input, _ := json.Marshal(ev.ToolInput) //nolint:errcheck
				fmt.Fprintf(errOut, "\n[%s] %s\n", ev.Tool, input)
				if ev.Observation != "" {
					fmt.Fprintf(errOut, "  -> %s\n", truncate(ev.Observation, 300))
				}
			}
		case models.AgentEventError:
			failure = errors.New(ev.Observation)
		case models.AgentEventTimeout:
			failure = errors.New("agent turn timed out")
		case models.AgentEventStop:
			failure = errors.New("agent turn stopped")
		}
	}
	fmt.Fprintln(out)
	return failure
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if _, err := config.Load(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", configPath)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
