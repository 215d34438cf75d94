package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"devswarm/internal/bus"
	"devswarm/internal/config"
	"devswarm/internal/github"
	"devswarm/internal/gitops"
	"devswarm/internal/orchestrator"
	"devswarm/internal/store"
	"devswarm/internal/web"
)

// shutdownBudget bounds graceful shutdown; agents still running after this
// are killed by process exit.
const shutdownBudget = 60 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the devswarm daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
}

func runDaemon(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := bus.New(logger)

	db, err := store.Open(filepath.Join(cfg.DataDir, "devswarm.db"))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	st := store.New(db, events)

	worktrees := gitops.NewManager(cfg.DataDir, cfg.MainBranch, cfg.GitDaemonPort, logger)
	if err := worktrees.Init(ctx, cfg.RepoURL); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize repository: %w", err)
	}

	gh := github.NewCLIClient(cfg.RepoOwner, cfg.RepoName, logger)

	ocfg := orchestrator.DefaultConfig()
	ocfg.LintCommand = cfg.LintCommand
	ocfg.BuildCommand = cfg.BuildCommand
	ocfg.TestCommand = cfg.TestCommand
	ocfg.AgentBinary = cfg.AgentBinary
	ocfg.MainBranch = cfg.MainBranch

	orch := orchestrator.New(ocfg, st, worktrees, gh, events, logger)
	if err := orch.Start(ctx); err != nil {
		worktrees.Close()
		db.Close()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	server := web.NewServer(st, orch, worktrees, events, logger, stop)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(fmt.Sprintf(":%d", cfg.Port))
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "budget", shutdownBudget)
		deadline, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()

		events.Publish(bus.TypeShutdownProgress, map[string]string{"stage": "stopping_orchestrator"})
		orch.Shutdown()

		events.Publish(bus.TypeShutdownProgress, map[string]string{"stage": "closing_database"})
		worktrees.Close()
		if err := db.Close(); err != nil {
			logger.Error("Database close failed", "error", err)
		}

		// The final stage goes out before the server drains so websocket
		// clients still receive it.
		events.Publish(bus.TypeShutdownProgress, map[string]string{"stage": "complete"})
		if err := server.Shutdown(deadline); err != nil {
			logger.Error("HTTP shutdown failed", "error", err)
		}
		events.Close()
		return nil
	})

	err = g.Wait()
	logger.Info("Daemon stopped")
	return err
}
