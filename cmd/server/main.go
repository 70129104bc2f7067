// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// arcmail server — email archiving worker.
//
// Entry point for the archiving service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL, Redis, object storage and the search index
//  3. Installs the built-in roles on first start
//  4. Runs the job workers (import, sync, per-mailbox archiving, barrier)
//  5. Runs the continuous-sync scheduler
//  6. Serves a health endpoint
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/arcmail/arcmail/internal/config"
	"github.com/arcmail/arcmail/internal/connector"
	"github.com/arcmail/arcmail/internal/crypto"
	"github.com/arcmail/arcmail/internal/dedup"
	"github.com/arcmail/arcmail/internal/iam"
	"github.com/arcmail/arcmail/internal/ingest"
	"github.com/arcmail/arcmail/internal/queue"
	"github.com/arcmail/arcmail/internal/search"
	"github.com/arcmail/arcmail/internal/storage"
	"github.com/arcmail/arcmail/internal/store"
	syncpkg "github.com/arcmail/arcmail/internal/sync"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting arcmail archiving service")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"queue", cfg.QueueName,
		"sync_frequency", cfg.SyncFrequency,
		"worker_concurrency", cfg.WorkerConcurrency,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	st, err := store.New(ctx, pool)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	slog.Info("database ready")

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	slog.Info("redis ready")

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("init object storage: %w", err)
	}

	searchClient := search.NewClient(cfg.Search)
	if err := searchClient.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("ensure search index: %w", err)
	}
	slog.Info("search index ready", "index", cfg.Search.Index)

	box, err := crypto.NewBox(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init credential encryption: %w", err)
	}

	if err := bootstrapRoles(ctx, st); err != nil {
		return fmt.Errorf("bootstrap roles: %w", err)
	}

	jobs := queue.New(rdb, cfg.QueueName)
	engine := ingest.NewEngine(st, objects, dedup.NewFilter(rdb), logger)
	syncer := syncpkg.NewSyncer(syncpkg.Options{
		Meta:          st,
		Flows:         jobs,
		Box:           box,
		Engine:        engine,
		Sink:          searchClient,
		ConnectorDeps: connector.Deps{Storage: objects},
		BatchSize:     cfg.Search.IndexingBatchSize,
		Log:           logger,
	})

	workers := queue.NewWorkers(jobs, cfg.WorkerConcurrency)
	syncer.Register(workers)

	scheduler := syncpkg.NewScheduler(st, jobs, cfg.SyncFrequency, logger)

	health := healthServer(cfg.Port, st, jobs, searchClient)
	go func() {
		slog.Info("health endpoint listening", "port", cfg.Port)
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server failed", "error", err)
		}
	}()

	go scheduler.Run(ctx)

	slog.Info("workers running", "concurrency", cfg.WorkerConcurrency)
	workers.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health server shutdown failed", "error", err)
	}
	return nil
}

// bootstrapRoles installs the built-in roles on a fresh database. Existing
// roles are updated in place so policy fixes ship with upgrades.
func bootstrapRoles(ctx context.Context, st *store.Store) error {
	builtins := []struct {
		name     string
		policies []iam.Policy
	}{
		{"Super Admin", iam.SuperAdminPolicies()},
		{"End user", iam.EndUserPolicies()},
		{"Read only", iam.ReadOnlyPolicies()},
	}
	for _, b := range builtins {
		if err := iam.ValidatePolicies(b.policies); err != nil {
			return fmt.Errorf("role %q: %w", b.name, err)
		}
		blob, err := json.Marshal(b.policies)
		if err != nil {
			return fmt.Errorf("role %q: %w", b.name, err)
		}
		existing, err := st.GetRoleByName(ctx, b.name)
		if err != nil {
			return err
		}
		id := uuid.NewString()
		if existing != nil {
			id = existing.ID
		}
		if err := st.CreateRole(ctx, &store.Role{ID: id, Name: b.name, Policies: blob}); err != nil {
			return fmt.Errorf("role %q: %w", b.name, err)
		}
	}

	n, err := st.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		slog.Info("no users registered yet, first registered user becomes Super Admin")
	}
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthServer(port int, deps ...pinger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		for _, d := range deps {
			if err := d.Ping(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
