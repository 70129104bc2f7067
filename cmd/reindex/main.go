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

// arcmail reindex — search index rebuild.
//
// Standalone CLI tool that replays every archived email from PostgreSQL and
// object storage into the search index. Intended for recovering from index
// loss or rolling out index schema changes.
//
// Usage:
//
//	go run ./cmd/reindex/ [--page-size 500] [--wipe]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arcmail/arcmail/internal/config"
	"github.com/arcmail/arcmail/internal/reindex"
	"github.com/arcmail/arcmail/internal/search"
	"github.com/arcmail/arcmail/internal/storage"
	"github.com/arcmail/arcmail/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	pageSize := flag.Int("page-size", 500, "Rows fetched from the database per page")
	wipe := flag.Bool("wipe", false, "Clear the index before reindexing (removes documents for deleted sources)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	st, err := store.New(ctx, pool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to initialise object storage", "error", err)
		os.Exit(1)
	}

	searchClient := search.NewClient(cfg.Search)
	if err := searchClient.EnsureIndex(ctx); err != nil {
		slog.Error("failed to ensure search index", "error", err)
		os.Exit(1)
	}
	if *wipe {
		slog.Info("wiping search index before rebuild")
		if err := searchClient.DeleteByFilter(ctx, `id EXISTS`); err != nil {
			slog.Error("failed to wipe index", "error", err)
			os.Exit(1)
		}
	}

	runner := reindex.NewRunner(reindex.RunnerConfig{
		Meta:     st,
		Objects:  objects,
		Sink:     searchClient,
		PageSize: *pageSize,
		Log:      logger,
	})

	slog.Info("starting reindex", "page_size", *pageSize)
	result, err := runner.Run(ctx)
	if err != nil {
		slog.Error("reindex failed", "error", err)
		os.Exit(1)
	}

	slog.Info("reindex complete",
		"indexed", result.Indexed,
		"degraded", result.Degraded,
		"elapsed", result.Elapsed,
	)
}
