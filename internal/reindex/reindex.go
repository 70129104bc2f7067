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

// Package reindex rebuilds the search index from the relational store and
// the raw message objects. The database is the source of truth; the index
// is derived state, so a lost or corrupted index is repaired by replaying
// every archived row through the regular document builder.
package reindex

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/arcmail/arcmail/internal/connector"
	"github.com/arcmail/arcmail/internal/index"
	"github.com/arcmail/arcmail/internal/ingest"
	"github.com/arcmail/arcmail/internal/models"
)

const (
	defaultPageSize  = 500
	defaultBatchSize = 500
)

// Metadata is the slice of the relational store the runner scans.
type Metadata interface {
	ListEmailsAfter(ctx context.Context, afterID string, limit int) ([]models.ArchivedEmail, error)
}

// ObjectStore reads raw message objects for body re-extraction.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// RunnerConfig wires a Runner's collaborators.
type RunnerConfig struct {
	Meta     Metadata
	Objects  ObjectStore
	Sink     index.Sink
	PageSize int
	Log      *slog.Logger
}

// Runner replays the archive into the search index.
type Runner struct {
	meta    Metadata
	objects ObjectStore
	sink    index.Sink
	page    int
	log     *slog.Logger
}

// Result summarises a completed reindex run. Degraded counts messages whose
// raw object could not be read back; they are indexed from row metadata
// alone, without a body.
type Result struct {
	Indexed  int
	Degraded int
	Elapsed  time.Duration
}

// NewRunner builds a reindex runner.
func NewRunner(cfg RunnerConfig) *Runner {
	page := cfg.PageSize
	if page <= 0 {
		page = defaultPageSize
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		meta:    cfg.Meta,
		objects: cfg.Objects,
		sink:    cfg.Sink,
		page:    page,
		log:     log,
	}
}

// Run scans every archived email in id order and reindexes it. The scan is
// resumable in principle (keyset pagination), but a run is cheap enough to
// restart from scratch.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}
	batcher := index.NewBatcher(r.sink, defaultBatchSize, r.log)

	after := ""
	for {
		page, err := r.meta.ListEmailsAfter(ctx, after, r.page)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			row := &page[i]
			doc, degraded := r.document(ctx, row)
			if err := batcher.Add(ctx, doc); err != nil {
				return nil, err
			}
			result.Indexed++
			if degraded {
				result.Degraded++
			}
		}
		after = page[len(page)-1].ID
	}
	if err := batcher.Flush(ctx); err != nil {
		return nil, err
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// document rebuilds one row's search document, re-parsing the raw object
// for the body. A missing or unreadable object degrades to row metadata.
func (r *Runner) document(ctx context.Context, row *models.ArchivedEmail) (*models.SearchDocument, bool) {
	rc, err := r.objects.Get(ctx, row.StoragePath)
	if err != nil {
		r.log.Warn("raw object unreadable, indexing metadata only",
			"email_id", row.ID, "path", row.StoragePath, "error", err)
		return ingest.BuildSearchDocument(row, r.fallback(row)), true
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		r.log.Warn("raw object read failed, indexing metadata only",
			"email_id", row.ID, "path", row.StoragePath, "error", err)
		return ingest.BuildSearchDocument(row, r.fallback(row)), true
	}

	email := connector.ParseMessage(raw, row.Path)
	if email == nil {
		return ingest.BuildSearchDocument(row, r.fallback(row)), true
	}
	return ingest.BuildSearchDocument(row, email), false
}

func (r *Runner) fallback(row *models.ArchivedEmail) *models.EmailObject {
	return &models.EmailObject{
		To:  row.Recipients.To,
		CC:  row.Recipients.CC,
		BCC: row.Recipients.BCC,
	}
}
