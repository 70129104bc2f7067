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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/queue"
)

type fakeLister struct {
	statuses []models.SourceStatus
	sources  []models.IngestionSource
	err      error
}

func (l *fakeLister) ListSourcesByStatus(ctx context.Context, statuses ...models.SourceStatus) ([]models.IngestionSource, error) {
	l.statuses = statuses
	return l.sources, l.err
}

type fakeEnqueuer struct {
	jobs   []queue.Job
	failOn string
}

func (e *fakeEnqueuer) Add(ctx context.Context, job queue.Job) error {
	if p, ok := job.Payload.(models.ContinuousSyncJob); ok && p.IngestionSourceID == e.failOn {
		return errors.New("queue down")
	}
	e.jobs = append(e.jobs, job)
	return nil
}

func TestTickEnqueuesActiveAndErroredSources(t *testing.T) {
	lister := &fakeLister{sources: []models.IngestionSource{
		{ID: "src-1", Status: models.StatusActive},
		{ID: "src-2", Status: models.StatusError},
	}}
	jobs := &fakeEnqueuer{}
	s := NewScheduler(lister, jobs, time.Minute, nil)

	s.Tick(context.Background())

	assert.Equal(t, []models.SourceStatus{models.StatusActive, models.StatusError}, lister.statuses)
	require.Len(t, jobs.jobs, 2)
	assert.Equal(t, models.JobContinuousSync, jobs.jobs[0].Name)
	assert.Equal(t, "src-1", jobs.jobs[0].Payload.(models.ContinuousSyncJob).IngestionSourceID)
	assert.Equal(t, "src-2", jobs.jobs[1].Payload.(models.ContinuousSyncJob).IngestionSourceID)
}

func TestTickKeepsGoingPastEnqueueFailures(t *testing.T) {
	lister := &fakeLister{sources: []models.IngestionSource{
		{ID: "src-1", Status: models.StatusActive},
		{ID: "src-2", Status: models.StatusActive},
	}}
	jobs := &fakeEnqueuer{failOn: "src-1"}
	s := NewScheduler(lister, jobs, time.Minute, nil)

	s.Tick(context.Background())

	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, "src-2", jobs.jobs[0].Payload.(models.ContinuousSyncJob).IngestionSourceID)
}
