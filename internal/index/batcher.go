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

// Package index bridges the ingestion engine and the search index:
// processed records accumulate into batches and flush when full or when
// a mailbox's stream ends.
package index

import (
	"context"
	"log/slog"

	"github.com/arcmail/arcmail/internal/models"
)

const defaultBatchSize = 100

// Sink receives flushed document batches.
type Sink interface {
	AddDocuments(ctx context.Context, docs []models.SearchDocument) error
}

// Batcher buffers search documents up to a fixed batch size. Not safe
// for concurrent use; each mailbox job owns its own Batcher.
type Batcher struct {
	sink Sink
	size int
	log  *slog.Logger
	docs []models.SearchDocument
}

func NewBatcher(sink Sink, size int, log *slog.Logger) *Batcher {
	if size <= 0 {
		size = defaultBatchSize
	}
	return &Batcher{sink: sink, size: size, log: log}
}

// Add buffers one document, flushing when the batch fills. Nil
// documents (skipped or failed messages) are ignored.
func (b *Batcher) Add(ctx context.Context, doc *models.SearchDocument) error {
	if doc == nil {
		return nil
	}
	b.docs = append(b.docs, *doc)
	if len(b.docs) >= b.size {
		return b.Flush(ctx)
	}
	return nil
}

// Flush sends whatever is buffered. Call when a stream ends, and again
// after a stream error so partial progress still gets indexed.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.docs) == 0 {
		return nil
	}
	batch := b.docs
	b.docs = nil
	if err := b.sink.AddDocuments(ctx, batch); err != nil {
		b.log.Error("indexing batch failed", "documents", len(batch), "error", err)
		return err
	}
	b.log.Debug("indexed batch", "documents", len(batch))
	return nil
}

// Pending reports how many documents are buffered.
func (b *Batcher) Pending() int { return len(b.docs) }
