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

// Package sync orchestrates archiving cycles over the job queue. A cycle
// fans out one isolated job per mailbox and fans back in through a barrier
// job that merges the per-mailbox checkpoint fragments and finalizes the
// source's user-visible status. A mailbox job never fails outright for
// provider trouble: it converts the failure into a structured descriptor so
// sibling mailboxes keep running and their progress is kept.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/arcmail/arcmail/internal/connector"
	"github.com/arcmail/arcmail/internal/index"
	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/queue"
)

// Metadata is the slice of the relational store the orchestrator needs.
type Metadata interface {
	GetSource(ctx context.Context, id string) (*models.IngestionSource, error)
	BeginSyncCycle(ctx context.Context, id string, to models.SourceStatus, from ...models.SourceStatus) (bool, error)
	FinishSyncCycle(ctx context.Context, id string, status models.SourceStatus, message string, state *models.SyncState) error
}

// Flows is the queue surface for fan-out/fan-in cycles.
type Flows interface {
	AddFlow(ctx context.Context, parent queue.Job, children []queue.Job) (string, error)
	ChildrenValues(ctx context.Context, flowID string) ([]json.RawMessage, error)
	CleanupFlow(ctx context.Context, flowID string) error
}

// Decryptor opens credential blobs stored on a source row.
type Decryptor interface {
	DecryptObject(opaque string, out any) error
}

// Processor archives a single parsed message. A nil document means the
// message was a duplicate or failed; either way the stream keeps going.
type Processor interface {
	ProcessEmail(ctx context.Context, email *models.EmailObject, source *models.IngestionSource, mailboxOwner string) *models.SearchDocument
}

// ConnectorFactory builds a connector for a provider. Swappable in tests.
type ConnectorFactory func(provider models.Provider, creds models.Credentials, deps connector.Deps) (connector.Connector, error)

// Options wires a Syncer's collaborators.
type Options struct {
	Meta          Metadata
	Flows         Flows
	Box           Decryptor
	Engine        Processor
	Sink          index.Sink
	ConnectorDeps connector.Deps
	Factory       ConnectorFactory
	BatchSize     int
	Log           *slog.Logger
}

// Syncer owns the queue handlers for the four cycle jobs.
type Syncer struct {
	meta    Metadata
	flows   Flows
	box     Decryptor
	engine  Processor
	sink    index.Sink
	deps    connector.Deps
	factory ConnectorFactory
	batch   int
	log     *slog.Logger
}

// NewSyncer builds the orchestrator. A nil Factory defaults to the real
// connector constructor.
func NewSyncer(opts Options) *Syncer {
	factory := opts.Factory
	if factory == nil {
		factory = connector.New
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		meta:    opts.Meta,
		flows:   opts.Flows,
		box:     opts.Box,
		engine:  opts.Engine,
		sink:    opts.Sink,
		deps:    opts.ConnectorDeps,
		factory: factory,
		batch:   opts.BatchSize,
		log:     log,
	}
}

// Register attaches the cycle handlers to a worker pool.
func (s *Syncer) Register(w *queue.Workers) {
	w.Handle(models.JobInitialImport, s.HandleInitialImport)
	w.Handle(models.JobContinuousSync, s.HandleContinuousSync)
	w.Handle(models.JobProcessMailbox, s.HandleProcessMailbox)
	w.Handle(models.JobSyncCycleFinished, s.HandleSyncCycleFinished)
}

// HandleInitialImport starts the first bulk import of a source.
func (s *Syncer) HandleInitialImport(ctx context.Context, env queue.Envelope) (interface{}, error) {
	var job models.InitialImportJob
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		return nil, fmt.Errorf("decode initial-import payload: %w", err)
	}
	return nil, s.startCycle(ctx, job.IngestionSourceID, true)
}

// HandleContinuousSync starts one incremental cycle of a source.
func (s *Syncer) HandleContinuousSync(ctx context.Context, env queue.Envelope) (interface{}, error) {
	var job models.ContinuousSyncJob
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		return nil, fmt.Errorf("decode continuous-sync payload: %w", err)
	}
	return nil, s.startCycle(ctx, job.IngestionSourceID, false)
}

// startCycle transitions the source into its in-flight status, enumerates
// mailboxes, and fans out one job per mailbox under a barrier. The status
// compare-and-set is the double-enqueue guard: a source already mid-cycle
// simply skips.
func (s *Syncer) startCycle(ctx context.Context, sourceID string, initial bool) error {
	to := models.StatusSyncing
	from := []models.SourceStatus{models.StatusActive, models.StatusError}
	if initial {
		to = models.StatusImporting
		from = []models.SourceStatus{models.StatusAuthSuccess, models.StatusError}
	}

	ok, err := s.meta.BeginSyncCycle(ctx, sourceID, to, from...)
	if err != nil {
		return fmt.Errorf("begin sync cycle: %w", err)
	}
	if !ok {
		s.log.Warn("sync cycle skipped, source not in a startable status",
			"source_id", sourceID, "initial", initial)
		return nil
	}

	src, err := s.meta.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}

	creds, derr := s.decrypt(src)
	if derr != nil {
		s.log.Error("credential decryption failed, aborting cycle", "source_id", sourceID, "error", derr)
		return s.meta.FinishSyncCycle(ctx, sourceID, models.StatusError, "Credential decryption failed.", nil)
	}

	conn, err := s.factory(src.Provider, *creds, s.deps)
	if err != nil {
		return s.meta.FinishSyncCycle(ctx, sourceID, models.StatusError, err.Error(), nil)
	}
	defer conn.Close()

	users, err := conn.ListAllUsers(ctx)
	if err != nil {
		s.log.Error("mailbox enumeration failed", "source_id", sourceID, "error", err)
		return s.meta.FinishSyncCycle(ctx, sourceID, models.StatusError,
			fmt.Sprintf("Listing mailboxes failed: %v", err), nil)
	}

	children := make([]queue.Job, 0, len(users))
	for _, u := range users {
		children = append(children, queue.Job{
			Name: models.JobProcessMailbox,
			Payload: models.ProcessMailboxJob{
				IngestionSourceID: sourceID,
				UserEmail:         u.PrimaryEmail,
			},
		})
	}
	parent := queue.Job{
		Name: models.JobSyncCycleFinished,
		Payload: models.SyncCycleFinishedJob{
			IngestionSourceID: sourceID,
			UserCount:         len(users),
			IsInitialImport:   initial,
		},
	}

	if _, err := s.flows.AddFlow(ctx, parent, children); err != nil {
		return fmt.Errorf("enqueue sync flow: %w", err)
	}
	s.log.Info("sync cycle dispatched", "source_id", sourceID, "mailboxes", len(users), "initial", initial)
	return nil
}

// HandleProcessMailbox streams one mailbox into the archive. The result is
// either the mailbox's checkpoint fragment or a MailboxError, never both and
// never a job-level error: provider trouble must not abort sibling mailboxes
// or trigger queue retries.
func (s *Syncer) HandleProcessMailbox(ctx context.Context, env queue.Envelope) (result interface{}, err error) {
	var job models.ProcessMailboxJob
	if uerr := json.Unmarshal(env.Payload, &job); uerr != nil {
		return models.MailboxError{Error: true, Message: fmt.Sprintf("malformed mailbox job: %v", uerr)}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("mailbox job panicked", "source_id", job.IngestionSourceID, "mailbox", job.UserEmail, "panic", r)
			result = models.MailboxError{Error: true, Message: fmt.Sprintf("%s: %v", job.UserEmail, r)}
			err = nil
		}
	}()

	frag, perr := s.processMailbox(ctx, job)
	if perr != nil {
		s.log.Error("mailbox sync failed", "source_id", job.IngestionSourceID, "mailbox", job.UserEmail, "error", perr)
		return models.MailboxError{Error: true, Message: fmt.Sprintf("%s: %v", job.UserEmail, perr)}, nil
	}
	return frag, nil
}

func (s *Syncer) processMailbox(ctx context.Context, job models.ProcessMailboxJob) (*models.SyncState, error) {
	src, err := s.meta.GetSource(ctx, job.IngestionSourceID)
	if err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}
	creds, err := s.decrypt(src)
	if err != nil {
		return nil, err
	}
	conn, err := s.factory(src.Provider, *creds, s.deps)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	it, err := conn.FetchEmails(ctx, job.UserEmail, src.SyncState)
	if err != nil {
		return nil, fmt.Errorf("open mailbox stream: %w", err)
	}
	defer it.Close()

	batcher := index.NewBatcher(s.sink, s.batch, s.log)
	processed := 0
	for {
		email, nerr := it.Next(ctx)
		if errors.Is(nerr, io.EOF) {
			break
		}
		if nerr != nil {
			// Flush what we have so the messages archived before the
			// failure are searchable; the fragment itself is lost.
			if ferr := batcher.Flush(ctx); ferr != nil {
				s.log.Error("partial batch flush failed", "mailbox", job.UserEmail, "error", ferr)
			}
			return nil, fmt.Errorf("stream after %d messages: %w", processed, nerr)
		}
		if email == nil {
			continue
		}
		doc := s.engine.ProcessEmail(ctx, email, src, job.UserEmail)
		if aerr := batcher.Add(ctx, doc); aerr != nil {
			return nil, fmt.Errorf("index batch: %w", aerr)
		}
		processed++
	}
	if err := batcher.Flush(ctx); err != nil {
		return nil, fmt.Errorf("index batch: %w", err)
	}

	frag := conn.UpdatedSyncState(job.UserEmail)
	s.log.Info("mailbox synced", "source_id", job.IngestionSourceID, "mailbox", job.UserEmail, "messages", processed)
	return &frag, nil
}

// HandleSyncCycleFinished is the fan-in barrier. It runs once every mailbox
// job has reported in, partitions the results into checkpoint fragments and
// failure descriptors, merges the fragments onto the prior state, and
// finalizes the source. Partial progress from the successful mailboxes is
// persisted even when siblings failed.
func (s *Syncer) HandleSyncCycleFinished(ctx context.Context, env queue.Envelope) (interface{}, error) {
	var job models.SyncCycleFinishedJob
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		return nil, fmt.Errorf("decode sync-cycle-finished payload: %w", err)
	}

	var results []json.RawMessage
	if env.FlowID != "" {
		var err error
		results, err = s.flows.ChildrenValues(ctx, env.FlowID)
		if err != nil {
			return nil, fmt.Errorf("collect mailbox results: %w", err)
		}
	}

	fragments, failures := partitionResults(results)

	src, err := s.meta.GetSource(ctx, job.IngestionSourceID)
	if err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}

	merged := MergeSyncStates(append([]*models.SyncState{src.SyncState}, fragments...)...)
	// Provider notices (rate limits) ride on fragments; they surface as the
	// cycle message, not as persisted checkpoint data.
	notice := merged.StatusMessage
	merged.StatusMessage = ""
	var state *models.SyncState
	if !merged.Empty() {
		state = merged
	}

	status := models.StatusActive
	message := "Continuous sync cycle finished successfully."
	switch {
	case len(failures) > 0:
		status = models.StatusError
		sort.Strings(failures)
		message = strings.Join(failures, "; ")
	case job.IsInitialImport:
		message = fmt.Sprintf("Initial import finished for %d mailboxes.", job.UserCount)
		if src.Provider.FileBased() {
			status = models.StatusImported
		}
	case src.Provider.FileBased():
		status = models.StatusImported
	}
	if len(failures) == 0 && notice != "" {
		message = notice
	}

	if err := s.meta.FinishSyncCycle(ctx, job.IngestionSourceID, status, message, state); err != nil {
		return nil, fmt.Errorf("finish sync cycle: %w", err)
	}
	if env.FlowID != "" {
		if err := s.flows.CleanupFlow(ctx, env.FlowID); err != nil {
			s.log.Warn("flow cleanup failed", "flow_id", env.FlowID, "error", err)
		}
	}
	s.log.Info("sync cycle finished",
		"source_id", job.IngestionSourceID,
		"status", status,
		"mailboxes", job.UserCount,
		"failures", len(failures),
	)
	return nil, nil
}

// partitionResults splits barrier child results into checkpoint fragments
// and failure messages. The error tag on the descriptor is the discriminator.
func partitionResults(results []json.RawMessage) ([]*models.SyncState, []string) {
	var fragments []*models.SyncState
	var failures []string
	for _, raw := range results {
		var probe models.MailboxError
		if err := json.Unmarshal(raw, &probe); err == nil && probe.Error {
			failures = append(failures, probe.Message)
			continue
		}
		var frag models.SyncState
		if err := json.Unmarshal(raw, &frag); err != nil {
			failures = append(failures, fmt.Sprintf("unreadable mailbox result: %v", err))
			continue
		}
		fragments = append(fragments, &frag)
	}
	return fragments, failures
}

func (s *Syncer) decrypt(src *models.IngestionSource) (*models.Credentials, error) {
	var creds models.Credentials
	if err := s.box.DecryptObject(src.EncryptedCredentials, &creds); err != nil {
		return nil, fmt.Errorf("decrypt credentials for source %s: %w", src.ID, err)
	}
	return &creds, nil
}
