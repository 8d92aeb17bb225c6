package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"outlook-organiser/internal/config"
	"outlook-organiser/internal/database"
	"outlook-organiser/internal/engine"
	"outlook-organiser/internal/graph"
	"outlook-organiser/internal/llm"
	"outlook-organiser/internal/server"
)

const Version = "1.0.0"

var (
	configFile string
	dryRun     bool
)

var rootCmd = &cobra.Command{
	Use:   "triage-agent",
	Short: "Personal email triage agent for Outlook mailboxes",
	Long: `Triage Agent v` + Version + `

DESCRIPTION:
    Watches an Outlook mailbox, classifies new mail into a folder taxonomy
    with priorities and action types, and queues filing suggestions for
    review. Approved suggestions are applied back to the mailbox as moves
    and category assignments.

CONFIGURATION:
    A YAML config file (default: ./triage.yaml) defines the folder
    taxonomy, auto-rules, and triage cadence. Credentials can be supplied
    via environment variables with a TRIAGE_ prefix:

        TRIAGE_GRAPH_TENANT_ID       - Entra tenant id
        TRIAGE_GRAPH_CLIENT_ID       - app registration client id
        TRIAGE_GRAPH_CLIENT_SECRET   - app registration client secret
        TRIAGE_GRAPH_USER_ADDRESS    - mailbox to triage
        TRIAGE_LLM_API_KEY           - Anthropic API key

EXAMPLES:
    # Run against the default ./triage.yaml
    triage-agent

    # Explicit config file
    triage-agent --config=/etc/triage/triage.yaml

    # Classify and suggest without touching the mailbox
    triage-agent --dry-run`,
	Version: Version,
	RunE:    runTriageAgent,
}

// Execute runs the root command. Called once from main.
func Execute() {
	fang.Execute(context.Background(), rootCmd)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./triage.yaml)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "classify and suggest only, never move mail or set categories")
}

func runTriageAgent(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("starting triage agent", "version", Version, "dry_run", dryRun)

	manager, err := config.Load(configFile, logger.With("component", "config"))
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	cfg := manager.Current()
	logger.Info("configuration loaded",
		"interval_minutes", cfg.Triage.IntervalMinutes,
		"watch_folders", cfg.Triage.WatchFolders,
		"batch_size", cfg.Triage.BatchSize)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Database.Path)

	graphClient, err := graph.NewClient(&graph.ClientConfig{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		UserAddress:  cfg.Graph.UserAddress,
		Timeout:      cfg.Graph.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}

	llmClient, err := llm.NewHTTPClient(&llm.ClientConfig{
		Endpoint: cfg.LLM.Endpoint,
		APIKey:   cfg.LLM.APIKey,
		Timeout:  cfg.LLM.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := graphClient.HealthCheck(ctx); err != nil {
		logger.Warn("mailbox health check failed, continuing degraded", "error", err)
	}

	eng := engine.New(db, graphClient, llmClient, cfg, logger.With("component", "engine"))
	manager.OnChange(eng.UpdateConfig)
	manager.Watch()

	var applier server.MoveApplier
	if dryRun {
		logger.Info("dry-run mode: approvals will not move mail")
	} else {
		applier = engine.NewApplier(graphClient, db, manager.Current, logger.With("component", "applier"))
	}

	srv := server.New(db, eng, applier, logger.With("component", "server"))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port)
	}()

	eng.Run(ctx)

	if err := <-serverErr; err != nil {
		return fmt.Errorf("review api error: %w", err)
	}
	logger.Info("triage agent stopped gracefully")
	return nil
}
