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

package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/queue"
)

// SourceLister enumerates sources by lifecycle status.
type SourceLister interface {
	ListSourcesByStatus(ctx context.Context, statuses ...models.SourceStatus) ([]models.IngestionSource, error)
}

// Enqueuer adds plain jobs to the queue.
type Enqueuer interface {
	Add(ctx context.Context, job queue.Job) error
}

// Scheduler periodically enqueues continuous-sync cycles for every source
// that is active or stuck in error. Paused sources and terminally imported
// file sources are never re-enqueued; a source mid-cycle is filtered out by
// the status guard when its job runs.
type Scheduler struct {
	sources SourceLister
	jobs    Enqueuer
	every   time.Duration
	log     *slog.Logger
}

// NewScheduler builds a scheduler ticking at the given cadence.
func NewScheduler(sources SourceLister, jobs Enqueuer, every time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{sources: sources, jobs: jobs, every: every, log: log}
}

// Run blocks until ctx is cancelled, ticking at the configured cadence.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues one continuous-sync job per eligible source.
func (s *Scheduler) Tick(ctx context.Context) {
	sources, err := s.sources.ListSourcesByStatus(ctx, models.StatusActive, models.StatusError)
	if err != nil {
		s.log.Error("scheduler source scan failed", "error", err)
		return
	}
	for _, src := range sources {
		job := queue.Job{
			Name:    models.JobContinuousSync,
			Payload: models.ContinuousSyncJob{IngestionSourceID: src.ID},
		}
		if err := s.jobs.Add(ctx, job); err != nil {
			s.log.Error("enqueue continuous sync failed", "source_id", src.ID, "error", err)
			continue
		}
		s.log.Debug("continuous sync scheduled", "source_id", src.ID)
	}
}
