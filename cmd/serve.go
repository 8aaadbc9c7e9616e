package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/archon/internal/adapters"
	"github.com/nextlevelbuilder/archon/internal/assistant"
	"github.com/nextlevelbuilder/archon/internal/bus"
	"github.com/nextlevelbuilder/archon/internal/cleanup"
	"github.com/nextlevelbuilder/archon/internal/commands"
	"github.com/nextlevelbuilder/archon/internal/config"
	"github.com/nextlevelbuilder/archon/internal/gitops"
	"github.com/nextlevelbuilder/archon/internal/isolation"
	"github.com/nextlevelbuilder/archon/internal/locker"
	"github.com/nextlevelbuilder/archon/internal/orchestrator"
	"github.com/nextlevelbuilder/archon/internal/store/pg"
	"github.com/nextlevelbuilder/archon/internal/workflow"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()
	if err := serve(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("ARCHON_POSTGRES_DSN environment variable is not set")
	}
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}

	schedule, err := cleanup.Schedule(cfg.CleanupSchedule, cfg.CleanupIntervalHours)
	if err != nil {
		return err
	}

	db, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	stores := pg.New(db)

	git := gitops.New()
	locks := locker.New(cfg.MaxConcurrentConversations)
	iso := isolation.New(stores.Envs, git, cfg.MaxWorktreesPerCodebase)
	cleaner := cleanup.New(stores, git, iso, schedule, cfg.StaleThresholdDays)
	iso.SetRoomMaker(cleaner)

	wfRegistry := workflow.NewRegistry()
	resolver := workflow.NewResolver(stores.Codebases, stores.Templates)
	assistants := assistant.NewRegistry(&assistant.ClaudeClient{}, &assistant.CodexClient{})
	engine := workflow.NewEngine(stores, resolver, assistants)
	router := workflow.NewRouter(engine, wfRegistry, resolver, stores.Runs, stores.Sessions)

	cmdHandler := commands.NewHandler(cfg, stores, git, iso, wfRegistry)
	cmdHandler.SetJanitor(cleaner)

	msgBus := bus.New()

	var platformAdapters []adapters.Adapter
	if cfg.Telegram.Token != "" {
		tg, err := adapters.NewTelegram(cfg.Telegram, msgBus)
		if err != nil {
			return err
		}
		platformAdapters = append(platformAdapters, tg)
	}
	if len(platformAdapters) == 0 {
		return fmt.Errorf("no platform adapters configured (set TELEGRAM_BOT_TOKEN)")
	}
	registry := adapters.NewRegistry(platformAdapters...)

	orch := orchestrator.New(cfg, stores, locks, cmdHandler, router, assistants, registry, msgBus, cleaner)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workflow registries are process-local; rebuild them from disk.
	if codebases, err := stores.Codebases.List(ctx); err != nil {
		slog.Warn("could not preload workflows", "error", err)
	} else {
		for _, cb := range codebases {
			defs := wfRegistry.Reload(cb.ID, cb.DefaultCwd)
			if len(defs) > 0 {
				slog.Info("loaded workflows", "codebase", cb.Name, "count", len(defs))
			}
		}
	}

	for _, a := range registry.All() {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start %s adapter: %w", a.PlatformType(), err)
		}
	}
	cleaner.Start(ctx)
	go orch.Run(ctx)

	slog.Info("archon is running",
		"workspace", cfg.WorkspaceRoot,
		"max_conversations", cfg.MaxConcurrentConversations,
		"cleanup_schedule", schedule)
	<-ctx.Done()

	// Shutdown: stop intake, drain running conversations, then the rest.
	slog.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, a := range registry.All() {
		if err := a.Stop(stopCtx); err != nil {
			slog.Warn("adapter stop failed", "platform", a.PlatformType(), "error", err)
		}
	}
	if err := locks.Shutdown(stopCtx); err != nil {
		slog.Warn("lock manager drain timed out", "error", err)
	}
	cleaner.Stop()
	return nil
}
