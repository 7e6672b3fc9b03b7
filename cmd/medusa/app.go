package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/benodiwal/medusa/internal/agent/session"
	"github.com/benodiwal/medusa/internal/common/config"
	"github.com/benodiwal/medusa/internal/common/logger"
	"github.com/benodiwal/medusa/internal/db"
	"github.com/benodiwal/medusa/internal/events/bus"
	"github.com/benodiwal/medusa/internal/task/repository"
	"github.com/benodiwal/medusa/internal/task/service"
	"github.com/benodiwal/medusa/internal/worktree"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	eventBus  bus.EventBus
	repo      repository.Repository
	worktrees *worktree.Manager
	agents    *session.Manager
	service   *service.Service

	cleanups []func() error
}

func provideLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return log, nil
}

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
	natsBus, err := bus.NewNATSEventBus(bus.NATSConfig{
		URL:           cfg.NATS.URL,
		ClientID:      cfg.NATS.ClientID,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, log)
	if err != nil {
		return nil, err
	}
	return natsBus, nil
}

// provideRepository opens the configured store. The pool outlives the
// repository and is closed separately.
func provideRepository(cfg *config.Config, log *logger.Logger) (repository.Repository, *db.Pool, error) {
	pool, err := db.Open(db.Options{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	repo, err := repository.NewSQLRepository(pool)
	if err != nil {
		_ = pool.Close()
		return nil, nil, fmt.Errorf("initialize task store: %w", err)
	}
	log.Info("task store ready", zap.String("driver", cfg.Database.Driver))
	return repo, pool, nil
}

func sessionConfig(cfg config.AgentConfig) session.Config {
	sc := session.DefaultConfig()
	sc.Command = cfg.Command
	sc.Args = cfg.Args
	sc.ResumeFlag = cfg.ResumeFlag
	sc.OneShotArgs = cfg.OneShotArgs
	sc.OneShotTimeout = cfg.OneShotTimeoutDuration()
	sc.MaxOutputLines = cfg.MaxOutputLines
	sc.TrimLines = cfg.TrimLines
	sc.Env = cfg.Env
	return sc
}

// buildApp wires the stores, managers and lifecycle controller from cfg.
func buildApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	eventBus, err := provideEventBus(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("initialize event bus: %w", err)
	}
	a.eventBus = eventBus
	a.cleanups = append(a.cleanups, func() error { eventBus.Close(); return nil })

	repo, pool, err := provideRepository(cfg, log)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.repo = repo
	a.cleanups = append(a.cleanups, pool.Close, repo.Close)

	a.worktrees, err = worktree.NewManager(worktree.Config{
		ScratchDir:    cfg.Worktree.ScratchDir,
		BranchPrefix:  cfg.Worktree.BranchPrefix,
		DefaultBranch: cfg.Worktree.DefaultBranch,
	}, log)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("initialize worktree manager: %w", err)
	}

	store, err := session.NewFileStore(cfg.Agent.DataDir)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("initialize session store: %w", err)
	}
	a.agents, err = session.NewManager(sessionConfig(cfg.Agent), store, a.worktrees, eventBus, log)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("initialize session manager: %w", err)
	}

	a.service = service.New(repo, a.worktrees, a.agents, eventBus, log)
	return a, nil
}

// reconcile sweeps orphaned workspaces in every project that has tasks.
func (a *app) reconcile(ctx context.Context) {
	tasks, err := a.service.ListTasks(ctx, "")
	if err != nil {
		a.log.Warn("failed to list tasks for reconcile", zap.Error(err))
		return
	}
	seen := make(map[string]bool)
	for _, t := range tasks {
		if seen[t.ProjectPath] {
			continue
		}
		seen[t.ProjectPath] = true
		removed, err := a.service.Reconcile(ctx, t.ProjectPath)
		if err != nil {
			a.log.Warn("failed to reconcile workspaces", zap.String("project", t.ProjectPath), zap.Error(err))
			continue
		}
		if len(removed) > 0 {
			a.log.Info("removed orphaned workspaces",
				zap.String("project", t.ProjectPath),
				zap.Strings("workspaces", removed))
		}
	}
}

// shutdown stops every agent and releases the stores.
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := a.service.Shutdown(ctx)
	return errors.Join(err, a.close())
}

func (a *app) close() error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanups = nil
	return errors.Join(errs...)
}
