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

// Package sources manages the lifecycle of ingestion sources: creation
// with a connection handshake, credential updates, pausing, deletion
// with full data teardown, and force-sync.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/arcmail/arcmail/internal/connector"
	"github.com/arcmail/arcmail/internal/crypto"
	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/queue"
	"github.com/arcmail/arcmail/internal/store"
)

// Metadata is the slice of the relational store the service uses.
type Metadata interface {
	CreateSource(ctx context.Context, src *models.IngestionSource) error
	GetSource(ctx context.Context, id string) (*models.IngestionSource, error)
	ListSources(ctx context.Context, filter *store.SQLFilter) ([]models.IngestionSource, error)
	UpdateSource(ctx context.Context, id, name, encryptedCredentials string) error
	SetSourceStatus(ctx context.Context, id string, status models.SourceStatus, message string) error
	DeleteSource(ctx context.Context, id string) error
}

// ObjectStore removes a deleted source's objects.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	SourcePrefix(sourceFolder string) string
}

// SearchIndex purges a deleted source's documents.
type SearchIndex interface {
	DeleteByFilter(ctx context.Context, filter string) error
}

// Jobs enqueues and withdraws sync jobs.
type Jobs interface {
	Add(ctx context.Context, job queue.Job) error
	RemoveMatching(ctx context.Context, match func(queue.Envelope) bool) (int, error)
}

// Authorizer compiles listing filters.
type Authorizer interface {
	Filters(ctx context.Context, userID, action, subject string) (*store.SQLFilter, string, error)
}

// ConnectorFactory builds a connector for a provider. Swappable in
// tests.
type ConnectorFactory func(provider models.Provider, creds models.Credentials, deps connector.Deps) (connector.Connector, error)

// Options wires a Service.
type Options struct {
	Meta          Metadata
	Objects       ObjectStore
	Search        SearchIndex
	Jobs          Jobs
	Authz         Authorizer
	Box           *crypto.Box
	ConnectorDeps connector.Deps
	Factory       ConnectorFactory
	Log           *slog.Logger
}

type Service struct {
	meta    Metadata
	objects ObjectStore
	search  SearchIndex
	jobs    Jobs
	authz   Authorizer
	box     *crypto.Box
	deps    connector.Deps
	factory ConnectorFactory
	log     *slog.Logger
}

func NewService(opts Options) *Service {
	factory := opts.Factory
	if factory == nil {
		factory = connector.New
	}
	return &Service{
		meta:    opts.Meta,
		objects: opts.Objects,
		search:  opts.Search,
		jobs:    opts.Jobs,
		authz:   opts.Authz,
		box:     opts.Box,
		deps:    opts.ConnectorDeps,
		factory: factory,
		log:     opts.Log,
	}
}

// Create registers a source, verifies connectivity against the live
// provider, and enqueues the initial import. A failed handshake rolls
// the row back so no broken source lingers.
func (s *Service) Create(ctx context.Context, userID, name string, creds models.Credentials) (*models.IngestionSource, error) {
	if !creds.Type.Valid() {
		return nil, fmt.Errorf("unknown provider %q", creds.Type)
	}
	encrypted, err := s.box.EncryptObject(creds)
	if err != nil {
		return nil, fmt.Errorf("encrypting credentials: %w", err)
	}

	src := &models.IngestionSource{
		ID:                   uuid.NewString(),
		UserID:               userID,
		Name:                 name,
		Provider:             creds.Type,
		Status:               models.StatusPendingAuth,
		Credentials:          &creds,
		EncryptedCredentials: encrypted,
	}
	if err := s.meta.CreateSource(ctx, src); err != nil {
		return nil, fmt.Errorf("creating source: %w", err)
	}

	conn, err := s.factory(src.Provider, creds, s.deps)
	if err == nil {
		err = conn.TestConnection(ctx)
		conn.Close()
	}
	if err != nil {
		if derr := s.meta.DeleteSource(ctx, src.ID); derr != nil {
			s.log.Error("rolling back source after failed handshake", "ingestionSourceId", src.ID, "error", derr)
		}
		return nil, fmt.Errorf("connection test failed: %w", err)
	}

	if err := s.meta.SetSourceStatus(ctx, src.ID, models.StatusAuthSuccess, "Connection successful."); err != nil {
		return nil, err
	}
	src.Status = models.StatusAuthSuccess

	if err := s.jobs.Add(ctx, queue.Job{
		Name:    models.JobInitialImport,
		Payload: models.InitialImportJob{IngestionSourceID: src.ID},
	}); err != nil {
		return nil, fmt.Errorf("enqueueing initial import: %w", err)
	}
	s.log.Info("ingestion source created", "ingestionSourceId", src.ID, "provider", src.Provider)
	return src, nil
}

// List returns the sources visible to a user, credentials decrypted.
// A source whose credentials no longer decrypt is returned without
// them rather than hidden.
func (s *Service) List(ctx context.Context, userID string) ([]models.IngestionSource, error) {
	filter, _, err := s.authz.Filters(ctx, userID, "read", "ingestion")
	if err != nil {
		return nil, err
	}
	sources, err := s.meta.ListSources(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range sources {
		s.decrypt(&sources[i])
	}
	return sources, nil
}

// Get loads one source with decrypted credentials.
func (s *Service) Get(ctx context.Context, id string) (*models.IngestionSource, error) {
	src, err := s.meta.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("ingestion source %s not found", id)
	}
	s.decrypt(src)
	return src, nil
}

// Update renames a source and/or replaces its credentials.
func (s *Service) Update(ctx context.Context, id, name string, creds *models.Credentials) (*models.IngestionSource, error) {
	encrypted := ""
	if creds != nil {
		var err error
		if encrypted, err = s.box.EncryptObject(*creds); err != nil {
			return nil, fmt.Errorf("encrypting credentials: %w", err)
		}
	}
	if err := s.meta.UpdateSource(ctx, id, name, encrypted); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Pause stops the scheduler from picking the source up.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.meta.SetSourceStatus(ctx, id, models.StatusPaused, "Paused by user.")
}

// Resume returns a paused source to the sync rotation.
func (s *Service) Resume(ctx context.Context, id string) error {
	return s.meta.SetSourceStatus(ctx, id, models.StatusActive, "Resumed by user.")
}

// Delete tears a source down: every archived object under its storage
// namespace, a still-present upload file, its search documents, and
// finally the row (archived rows cascade). A credential decryption
// failure is logged but never blocks the teardown.
func (s *Service) Delete(ctx context.Context, id string) error {
	src, err := s.meta.GetSource(ctx, id)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("ingestion source %s not found", id)
	}
	s.decrypt(src)

	if err := s.objects.DeletePrefix(ctx, s.objects.SourcePrefix(src.StorageFolder())); err != nil {
		s.log.Error("deleting source objects failed", "ingestionSourceId", id, "error", err)
	}
	if src.Provider.FileBased() && src.Credentials != nil && src.Credentials.UploadedFilePath != "" {
		if ok, err := s.objects.Exists(ctx, src.Credentials.UploadedFilePath); err == nil && ok {
			if err := s.objects.Delete(ctx, src.Credentials.UploadedFilePath); err != nil {
				s.log.Error("deleting upload failed", "ingestionSourceId", id, "error", err)
			}
		}
	}
	if err := s.search.DeleteByFilter(ctx, fmt.Sprintf("ingestionSourceId = %q", id)); err != nil {
		s.log.Error("purging search documents failed", "ingestionSourceId", id, "error", err)
	}
	if err := s.meta.DeleteSource(ctx, id); err != nil {
		return fmt.Errorf("deleting source row: %w", err)
	}
	s.log.Info("ingestion source deleted", "ingestionSourceId", id)
	return nil
}

// TriggerForceSync withdraws any queued jobs for the source, resets it
// to active and enqueues a fresh sync cycle. Stale jobs go first so a
// second trigger in quick succession cannot double a cycle.
func (s *Service) TriggerForceSync(ctx context.Context, id string) error {
	src, err := s.meta.GetSource(ctx, id)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("ingestion source %s not found", id)
	}

	removed, err := s.jobs.RemoveMatching(ctx, func(env queue.Envelope) bool {
		var ref struct {
			IngestionSourceID string `json:"ingestionSourceId"`
		}
		if err := json.Unmarshal(env.Payload, &ref); err != nil {
			return false
		}
		return ref.IngestionSourceID == id
	})
	if err != nil {
		s.log.Error("removing stale jobs failed", "ingestionSourceId", id, "error", err)
	} else if removed > 0 {
		s.log.Info("removed stale jobs during force sync", "ingestionSourceId", id, "removed", removed)
	}

	if err := s.meta.SetSourceStatus(ctx, id, models.StatusActive, "Force sync triggered by user."); err != nil {
		return err
	}
	return s.jobs.Add(ctx, queue.Job{
		Name:    models.JobContinuousSync,
		Payload: models.ContinuousSyncJob{IngestionSourceID: id},
	})
}

// decrypt fills src.Credentials from the stored blob, leaving them nil
// on failure.
func (s *Service) decrypt(src *models.IngestionSource) {
	if src.EncryptedCredentials == "" {
		return
	}
	var creds models.Credentials
	if err := s.box.DecryptObject(src.EncryptedCredentials, &creds); err != nil {
		s.log.Warn("could not decrypt source credentials", "ingestionSourceId", src.ID, "error", err)
		src.Credentials = nil
		return
	}
	src.Credentials = &creds
}
