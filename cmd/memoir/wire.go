package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/backup"
	"github.com/scrypster/memoir/internal/config"
	"github.com/scrypster/memoir/internal/engine"
	"github.com/scrypster/memoir/internal/llm"
	"github.com/scrypster/memoir/internal/notify"
	"github.com/scrypster/memoir/internal/providers"
	"github.com/scrypster/memoir/internal/queue"
	redisqueue "github.com/scrypster/memoir/internal/queue/redis"
	sqlitequeue "github.com/scrypster/memoir/internal/queue/sqlite"
	"github.com/scrypster/memoir/internal/scheduler"
	"github.com/scrypster/memoir/internal/storage/chromem"
	"github.com/scrypster/memoir/internal/storage/postgres"
	"github.com/scrypster/memoir/internal/storage/sqlite"
	"github.com/scrypster/memoir/pkg/types"
)

// dbFileName is the sqlite database inside the data directory.
const dbFileName = "memoir.db"

// app is a fully wired engine plus the resources to release on exit.
type app struct {
	cfg     *config.Config
	engine  *engine.Engine
	backups *backup.Snapshotter // nil unless storage is sqlite
	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildApp opens the configured backends and wires the engine.
func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	deps := engine.Deps{Spool: notify.NewEventWriter(cfg.Storage.DataPath)}
	dim := cfg.LLM.Dimension

	var db *sql.DB
	switch cfg.Storage.Engine {
	case "sqlite":
		db, err = sqlite.Open(filepath.Join(cfg.Storage.DataPath, dbFileName))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		records := sqlite.NewRecordStore(db)
		deps.Records = records
		deps.Tasks = records
		deps.Schedules = sqlite.NewScheduleStore(db)
		if cfg.Storage.VectorIndex == "sqlite" {
			deps.Index = sqlite.NewVectorIndex(db, dim)
		}
	case "postgres":
		store, err := postgres.NewStore(cfg.Storage.PostgresDSN, dim)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres %s: %w", config.RedactDSN(cfg.Storage.PostgresDSN), err)
		}
		a.closers = append(a.closers, store.Close)
		deps.Records = store
		deps.Schedules = store
		if cfg.Storage.VectorIndex == "postgres" {
			deps.Index = store
		}
		log.Printf("WARNING: postgres storage has no task source; task schedules will fail until one is configured")
	default:
		return nil, fmt.Errorf("unsupported storage engine: %q", cfg.Storage.Engine)
	}

	if cfg.Storage.VectorIndex == "chromem" {
		idx, err := chromem.New(deps.Records, dim)
		if err != nil {
			return nil, err
		}
		deps.Index = idx
	}
	if deps.Index == nil {
		return nil, fmt.Errorf("vector backend %q is not available with storage engine %q",
			cfg.Storage.VectorIndex, cfg.Storage.Engine)
	}

	deps.Queue, err = openQueue(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, deps.Queue.Close)

	llmCfg := cfg.LLMSettings()
	if deps.Classifier, err = llm.NewClassifier(llmCfg); err != nil {
		return nil, err
	}
	if deps.Embedder, err = llm.NewEmbedder(llmCfg); err != nil {
		return nil, err
	}
	deps.Providers = providers.Build(cfg.ProviderKeys(), cfg.ProviderClient())

	a.engine, err = engine.New(deps, cfg.EngineSettings())
	if err != nil {
		return nil, err
	}
	if db != nil {
		if a.backups, err = openBackups(cfg, db); err != nil {
			return nil, err
		}
		a.engine.RegisterTask(scheduler.TaskBackup, func(ctx context.Context, _ types.ScheduledTaskPayload) (int, error) {
			if _, err := a.backups.Snapshot(ctx); err != nil {
				return 0, apperrors.Transient(err)
			}
			return 0, nil
		})
	}
	log.Printf("[app.wired] storage=%s vectors=%s queue=%s classifier=%s embedder=%s providers=%v",
		cfg.Storage.Engine, cfg.Storage.VectorIndex, cfg.Queue.Backend,
		cfg.LLM.Provider, deps.Embedder.ModelVersion(), deps.Providers.Names())
	return a, nil
}

func openQueue(ctx context.Context, cfg *config.Config, db *sql.DB) (queue.JobQueue, error) {
	opts := queue.Options{MaxAttempts: cfg.Queue.MaxAttempts}
	switch cfg.Queue.Backend {
	case "memory":
		log.Printf("WARNING: memory queue selected; queued jobs are lost on restart")
		return queue.NewMemoryQueue(opts), nil
	case "sqlite":
		if db == nil {
			return nil, fmt.Errorf("sqlite queue requires the sqlite storage engine")
		}
		return sqlitequeue.New(ctx, db, opts)
	case "redis":
		q, err := redisqueue.New(ctx, cfg.Queue.RedisURL, cfg.Queue.RedisPrefix, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis queue %s: %w", config.RedactDSN(cfg.Queue.RedisURL), err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %q", cfg.Queue.Backend)
	}
}

func openBackups(cfg *config.Config, db *sql.DB) (*backup.Snapshotter, error) {
	dir := cfg.Storage.BackupDir
	if dir == "" {
		dir = filepath.Join(cfg.Storage.DataPath, "backups")
	}
	return backup.New(db, backup.Config{Dir: dir, Verify: cfg.Storage.BackupVerify})
}

// needsRebuild reports whether the vector index starts empty on every run.
func needsRebuild(cfg *config.Config) bool {
	return cfg.Storage.VectorIndex == "chromem"
}
