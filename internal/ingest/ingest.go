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

// Package ingest archives individual messages: identity derivation,
// duplicate suppression, raw byte persistence, metadata and attachment
// rows, and the search document handed on to the indexing bridge.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arcmail/arcmail/internal/models"
)

// Metadata is the slice of the relational store the engine writes to.
type Metadata interface {
	EmailExists(ctx context.Context, sourceID, messageIDHeader string) (bool, error)
	InsertEmail(ctx context.Context, e *models.ArchivedEmail) (bool, error)
	UpsertAttachment(ctx context.Context, att *models.Attachment) (*models.Attachment, error)
	LinkAttachment(ctx context.Context, emailID, attachmentID string) error
}

// ObjectStore persists raw bytes and resolves object keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	EmailKey(sourceFolder, folderPath, id string) string
	AttachmentKey(sourceFolder, contentHash string) string
}

// SeenFilter is the fast duplicate pre-check. Errors only disable the
// fast path; the database unique index stays authoritative.
type SeenFilter interface {
	IsNew(ctx context.Context, sourceID, messageID string) (bool, error)
}

// Engine archives messages for one process. Safe for concurrent use.
type Engine struct {
	meta    Metadata
	objects ObjectStore
	seen    SeenFilter
	log     *slog.Logger
}

func NewEngine(meta Metadata, objects ObjectStore, seen SeenFilter, log *slog.Logger) *Engine {
	return &Engine{meta: meta, objects: objects, seen: seen, log: log}
}

// ProcessEmail archives one message and returns its search document, or
// nil when the message was a duplicate or failed. It never returns an
// error: one bad message must not abort the rest of a mailbox's stream,
// so failures are logged and swallowed here.
func (e *Engine) ProcessEmail(ctx context.Context, email *models.EmailObject, source *models.IngestionSource, mailboxOwner string) *models.SearchDocument {
	raw := email.Raw
	if len(raw) == 0 {
		raw = []byte(email.Body)
	}
	sum := sha256.Sum256(raw)
	contentHash := hex.EncodeToString(sum[:])

	// Messages without a Message-ID header get a deterministic identity
	// from their content, scoped to the source. Re-running an import
	// derives the same identity and skips.
	identity := email.ID
	if identity == "" {
		identity = "generated-" + contentHash + "-" + source.ID
	}

	log := e.log.With("ingestionSourceId", source.ID, "messageId", identity)

	if e.seen != nil {
		isNew, err := e.seen.IsNew(ctx, source.ID, identity)
		if err != nil {
			log.Debug("seen-filter unavailable, falling through to database check", "error", err)
		} else if !isNew {
			log.Debug("skipping duplicate email")
			return nil
		}
	}
	exists, err := e.meta.EmailExists(ctx, source.ID, identity)
	if err != nil {
		log.Error("duplicate check failed, skipping email", "error", err)
		return nil
	}
	if exists {
		log.Debug("skipping duplicate email")
		return nil
	}

	folder := source.StorageFolder()
	storagePath := e.objects.EmailKey(folder, email.Path, contentHash)
	if err := e.objects.Put(ctx, storagePath, bytes.NewReader(raw)); err != nil {
		log.Error("storing raw email failed", "error", err)
		return nil
	}

	sentAt := email.ReceivedAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	row := &models.ArchivedEmail{
		ID:                uuid.NewString(),
		IngestionSourceID: source.ID,
		UserEmail:         mailboxOwner,
		ThreadID:          email.ThreadID,
		MessageIDHeader:   identity,
		SentAt:            sentAt,
		Subject:           email.Subject,
		Recipients: models.Recipients{
			To:  email.To,
			CC:  email.CC,
			BCC: email.BCC,
		},
		StoragePath:       storagePath,
		StorageHashSHA256: contentHash,
		SizeBytes:         int64(len(raw)),
		HasAttachments:    len(email.Attachments) > 0,
		Path:              email.Path,
		Tags:              email.Tags,
	}
	if len(email.From) > 0 {
		row.SenderName = email.From[0].Name
		row.SenderEmail = email.From[0].Address
	}

	inserted, err := e.meta.InsertEmail(ctx, row)
	if err != nil {
		log.Error("inserting email metadata failed", "error", err)
		return nil
	}
	if !inserted {
		log.Debug("lost insert race to a concurrent worker, skipping")
		return nil
	}

	for _, att := range email.Attachments {
		if err := e.archiveAttachment(ctx, row.ID, folder, att); err != nil {
			log.Error("archiving attachment failed", "filename", att.Filename, "error", err)
		}
	}

	return BuildSearchDocument(row, email)
}

func (e *Engine) archiveAttachment(ctx context.Context, emailID, sourceFolder string, att models.AttachmentData) error {
	sum := sha256.Sum256(att.Content)
	contentHash := hex.EncodeToString(sum[:])
	key := e.objects.AttachmentKey(sourceFolder, contentHash)
	if err := e.objects.Put(ctx, key, bytes.NewReader(att.Content)); err != nil {
		return err
	}
	stored, err := e.meta.UpsertAttachment(ctx, &models.Attachment{
		ID:                uuid.NewString(),
		Filename:          att.Filename,
		MimeType:          att.ContentType,
		SizeBytes:         att.Size,
		ContentHashSHA256: contentHash,
		StoragePath:       key,
	})
	if err != nil {
		return err
	}
	return e.meta.LinkAttachment(ctx, emailID, stored.ID)
}

// BuildSearchDocument flattens a stored row and its parsed message into the
// shape handed to the search index. The body falls back to the HTML part
// when no plain-text part exists.
func BuildSearchDocument(row *models.ArchivedEmail, email *models.EmailObject) *models.SearchDocument {
	var recipients []string
	for _, list := range [][]models.EmailAddress{email.To, email.CC, email.BCC} {
		for _, addr := range list {
			recipients = append(recipients, addr.Address)
		}
	}
	body := email.Body
	if body == "" {
		body = email.HTML
	}
	return &models.SearchDocument{
		ID:                row.ID,
		IngestionSourceID: row.IngestionSourceID,
		UserEmail:         row.UserEmail,
		ThreadID:          row.ThreadID,
		Subject:           row.Subject,
		Body:              body,
		SenderName:        row.SenderName,
		SenderEmail:       row.SenderEmail,
		Recipients:        recipients,
		SentAt:            row.SentAt.Unix(),
		Path:              row.Path,
		Tags:              row.Tags,
		HasAttachments:    row.HasAttachments,
	}
}
