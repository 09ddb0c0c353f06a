package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/EngagePipe/internal/clock"
	"github.com/BTreeMap/EngagePipe/internal/config"
	"github.com/BTreeMap/EngagePipe/internal/dispatch"
	"github.com/BTreeMap/EngagePipe/internal/engagement"
	"github.com/BTreeMap/EngagePipe/internal/scheduler"
	"github.com/BTreeMap/EngagePipe/internal/store"
)

// runtime is the wired core shared by every command that touches state.
type runtime struct {
	cfg        config.Config
	store      store.Store
	dispatcher *dispatch.Dispatcher
	engine     *engagement.Engine
	queries    *engagement.Queries
	sweeper    *scheduler.Sweeper
}

func openRuntime(cfg config.Config) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := ensureStateDirs(cfg); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database.DSN, store.WithKeyPrefix(cfg.Database.KeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	slog.Debug("CLI.openRuntime: store opened", "backend", store.DetectDSNType(cfg.Database.DSN))

	clk := clock.Real{}
	dispatcher := dispatch.NewDispatcher(st, dispatch.NewSlogSink(slog.Default()))
	engine := engagement.NewEngine(st,
		engagement.WithClock(clk),
		engagement.WithPolicy(cfg.Policy()),
		engagement.WithDispatcher(dispatcher),
	)
	queries := engagement.NewQueries(st, clk)
	sweeper := scheduler.NewSweeper(engine, queries,
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithInactivityDays(cfg.Engagement.InactivityDays),
	)

	return &runtime{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		engine:     engine,
		queries:    queries,
		sweeper:    sweeper,
	}, nil
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		slog.Warn("CLI.runtime: store close failed", "error", err)
	}
}

// ensureStateDirs creates the directory a file-backed store lives in.
func ensureStateDirs(cfg config.Config) error {
	if store.DetectDSNType(cfg.Database.DSN) != store.BackendSQLite {
		return nil
	}
	dir := filepath.Dir(cfg.Database.DSN)
	slog.Debug("CLI.ensureStateDirs: creating database directory", "dir", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}
	return nil
}
