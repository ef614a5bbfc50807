package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/polish/pkg/agent"
	"github.com/codeready-toolchain/polish/pkg/api"
	"github.com/codeready-toolchain/polish/pkg/cleanup"
	"github.com/codeready-toolchain/polish/pkg/config"
	"github.com/codeready-toolchain/polish/pkg/database"
	"github.com/codeready-toolchain/polish/pkg/events"
	"github.com/codeready-toolchain/polish/pkg/notify"
	"github.com/codeready-toolchain/polish/pkg/queue"
	"github.com/codeready-toolchain/polish/pkg/services"
	"github.com/codeready-toolchain/polish/pkg/shell"
	"github.com/codeready-toolchain/polish/pkg/vcs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Postgres-backed session server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runServe(); err != nil {
			slog.Error("Server failed", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg := config.ServerFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	client, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer func() { _ = client.Close() }()
	slog.Info("Database ready", "host", dbCfg.Host, "database", dbCfg.Database)

	sessionSvc := services.NewSessionService(client.DB())
	eventSvc := services.NewEventService(client.DB())
	warnings := services.NewSystemWarningsService()
	publisher := events.NewEventPublisher(client.DB())

	// Event fan-out: one dedicated LISTEN connection feeding the local
	// SSE subscribers.
	manager := events.NewConnectionManager(events.NewEventServiceAdapter(eventSvc))
	listener := events.NewNotifyListener(client.ConnString(), manager)
	manager.SetListener(listener)
	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("notify listener: %w", err)
	}
	defer listener.Stop(context.Background())

	workerPrefix, err := os.Hostname()
	if err != nil || workerPrefix == "" {
		workerPrefix = "polish"
	}

	// Sessions this replica's previous incarnation was running are
	// unrecoverable; fail them before the pool starts claiming.
	if err := queue.CleanupStartupOrphans(ctx, sessionSvc, publisher, workerPrefix); err != nil {
		slog.Warn("Startup orphan cleanup failed", "error", err)
	}

	checkAgentCLI(cfg, warnings)
	checkGitBinary(warnings)

	var notifier *notify.Notifier
	if cfg.WebhookURL != "" {
		notifier = notify.NewNotifier(cfg.WebhookURL, warnings)
		slog.Info("Webhook notifier enabled", "url", cfg.WebhookURL)
	}

	executor := queue.NewPolishExecutor(sessionSvc, eventSvc, publisher, agent.NewCLIDriver(), shell.NewRunner(), cfg)
	pool := queue.NewWorkerPool(workerPrefix, sessionSvc, cfg.Queue, executor, publisher, notifier)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	retention := cleanup.NewService(cfg.Retention, sessionSvc, eventSvc, cfg.ScratchDir)
	retention.Start(ctx)
	defer retention.Stop()

	server := api.NewServer(sessionSvc, publisher, manager, pool, vcs.New(), warnings, client.DB())
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(cfg.Port) }()

	select {
	case err := <-serverErr:
		pool.Stop()
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down", "grace", cfg.Queue.GracefulShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	pool.Stop()
	return nil
}

// checkAgentCLI verifies the agent binary is on PATH and records a
// system warning when it is not. Sessions would fail at their first
// agent turn; the warning makes the cause visible up front.
func checkAgentCLI(cfg *config.ServerConfig, warnings *services.SystemWarningsService) {
	cli := cfg.AgentCLI
	if cli == "" {
		cli = agent.DefaultCLIPath
	}
	if _, err := exec.LookPath(cli); err != nil {
		warnings.AddWarning(services.WarningCategoryAgentCLI,
			"agent CLI not found", err.Error(), cli)
		slog.Warn("Agent CLI not found", "cli", cli)
	}
}

// checkGitBinary records a warning when git is missing; every session
// needs it for worktrees and commits.
func checkGitBinary(warnings *services.SystemWarningsService) {
	if _, err := exec.LookPath("git"); err != nil {
		warnings.AddWarning(services.WarningCategoryGitBinary,
			"git not found on PATH", err.Error(), "git")
		slog.Warn("Git not found on PATH")
	}
}
