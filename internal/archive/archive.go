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

// Package archive exposes read and deletion operations over archived
// mail, enforcing per-user access filters on every path.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/store"
)

var (
	ErrNotFound    = errors.New("archived email not found")
	ErrForbidden   = errors.New("access denied")
	ErrOnLegalHold = errors.New("email is on legal hold")
)

// Metadata is the slice of the relational store the service reads and
// mutates.
type Metadata interface {
	GetEmail(ctx context.Context, id string) (*models.ArchivedEmail, error)
	ListEmails(ctx context.Context, filter *store.SQLFilter, limit, offset int) ([]models.ArchivedEmail, int, error)
	DeleteEmail(ctx context.Context, id string) error
	SetLegalHold(ctx context.Context, id string, hold bool) error
	SetTags(ctx context.Context, id string, tags []string) error
	AttachmentsForEmail(ctx context.Context, emailID string) ([]models.Attachment, error)
	DeleteOrphanedAttachments(ctx context.Context, candidateIDs []string) ([]models.Attachment, error)
	ThreadEmails(ctx context.Context, sourceID, threadID string) ([]models.ThreadEntry, error)
}

// ObjectStore reads and removes raw objects.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// SearchIndex removes documents for deleted messages.
type SearchIndex interface {
	DeleteByIDs(ctx context.Context, ids []string) error
}

// Authorizer answers permission checks and compiles listing filters.
type Authorizer interface {
	Can(ctx context.Context, userID, action, subject string, resource map[string]interface{}) (bool, error)
	Filters(ctx context.Context, userID, action, subject string) (*store.SQLFilter, string, error)
}

// Service coordinates the relational store, object storage and search
// index for archived mail.
type Service struct {
	meta    Metadata
	objects ObjectStore
	search  SearchIndex
	authz   Authorizer
	log     *slog.Logger
}

func NewService(meta Metadata, objects ObjectStore, search SearchIndex, authz Authorizer, log *slog.Logger) *Service {
	return &Service{meta: meta, objects: objects, search: search, authz: authz, log: log}
}

// Page is one page of archived emails.
type Page struct {
	Items []models.ArchivedEmail
	Total int
	Page  int
	Limit int
}

// Detail is a single archived email with its raw bytes, attachments and
// sibling thread messages.
type Detail struct {
	models.ArchivedEmail
	Raw         []byte
	Attachments []models.Attachment
	Thread      []models.ThreadEntry
}

// List returns a page of a source's archived emails visible to the
// user, newest first.
func (s *Service) List(ctx context.Context, userID, sourceID string, page, limit int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	accessFilter, _, err := s.authz.Filters(ctx, userID, "read", "archive")
	if err != nil {
		return nil, err
	}
	filter := accessFilter
	if sourceID != "" {
		filter = store.AndFilter(
			&store.SQLFilter{Expr: "e.ingestion_source_id = $1", Args: []interface{}{sourceID}},
			accessFilter,
		)
	}
	items, total, err := s.meta.ListEmails(ctx, filter, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("listing archived emails: %w", err)
	}
	return &Page{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// SearchFilter compiles the user's access rules into the search index's
// filter syntax. Empty means unrestricted.
func (s *Service) SearchFilter(ctx context.Context, userID string) (string, error) {
	_, searchFilter, err := s.authz.Filters(ctx, userID, "search", "archive")
	return searchFilter, err
}

// Get loads one archived email with raw bytes, attachments and thread
// siblings, after a per-object permission check.
func (s *Service) Get(ctx context.Context, userID, emailID string) (*Detail, error) {
	email, err := s.meta.GetEmail(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if email == nil {
		return nil, ErrNotFound
	}
	if err := s.authorize(ctx, userID, "read", email); err != nil {
		return nil, err
	}

	detail := &Detail{ArchivedEmail: *email}
	raw, err := s.objects.Get(ctx, email.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("reading raw email: %w", err)
	}
	defer raw.Close()
	if detail.Raw, err = io.ReadAll(raw); err != nil {
		return nil, fmt.Errorf("reading raw email: %w", err)
	}

	if email.HasAttachments {
		if detail.Attachments, err = s.meta.AttachmentsForEmail(ctx, emailID); err != nil {
			return nil, err
		}
	}
	if email.ThreadID != "" {
		if detail.Thread, err = s.meta.ThreadEmails(ctx, email.IngestionSourceID, email.ThreadID); err != nil {
			return nil, err
		}
	}
	return detail, nil
}

// Delete removes an archived email: its metadata row, its raw object,
// any attachment objects that became orphaned, and its search document.
// Messages on legal hold cannot be deleted.
func (s *Service) Delete(ctx context.Context, userID, emailID string) error {
	email, err := s.meta.GetEmail(ctx, emailID)
	if err != nil {
		return err
	}
	if email == nil {
		return ErrNotFound
	}
	if err := s.authorize(ctx, userID, "delete", email); err != nil {
		return err
	}
	if email.IsOnLegalHold {
		return ErrOnLegalHold
	}

	var candidates []string
	if email.HasAttachments {
		atts, err := s.meta.AttachmentsForEmail(ctx, emailID)
		if err != nil {
			return err
		}
		for _, att := range atts {
			candidates = append(candidates, att.ID)
		}
	}

	// Row first: the join rows cascade, which frees the attachments for
	// the orphan sweep below.
	if err := s.meta.DeleteEmail(ctx, emailID); err != nil {
		return fmt.Errorf("deleting email row: %w", err)
	}

	orphans, err := s.meta.DeleteOrphanedAttachments(ctx, candidates)
	if err != nil {
		return fmt.Errorf("sweeping orphaned attachments: %w", err)
	}
	for _, orphan := range orphans {
		if err := s.objects.Delete(ctx, orphan.StoragePath); err != nil {
			s.log.Error("deleting attachment object failed", "path", orphan.StoragePath, "error", err)
		}
	}
	if err := s.objects.Delete(ctx, email.StoragePath); err != nil {
		s.log.Error("deleting email object failed", "path", email.StoragePath, "error", err)
	}
	if err := s.search.DeleteByIDs(ctx, []string{emailID}); err != nil {
		s.log.Error("removing search document failed", "emailId", emailID, "error", err)
	}
	return nil
}

// SetLegalHold toggles the legal-hold flag.
func (s *Service) SetLegalHold(ctx context.Context, userID, emailID string, hold bool) error {
	email, err := s.meta.GetEmail(ctx, emailID)
	if err != nil {
		return err
	}
	if email == nil {
		return ErrNotFound
	}
	if err := s.authorize(ctx, userID, "update", email); err != nil {
		return err
	}
	return s.meta.SetLegalHold(ctx, emailID, hold)
}

// SetTags replaces an email's tags.
func (s *Service) SetTags(ctx context.Context, userID, emailID string, tags []string) error {
	email, err := s.meta.GetEmail(ctx, emailID)
	if err != nil {
		return err
	}
	if email == nil {
		return ErrNotFound
	}
	if err := s.authorize(ctx, userID, "update", email); err != nil {
		return err
	}
	return s.meta.SetTags(ctx, emailID, tags)
}

func (s *Service) authorize(ctx context.Context, userID, action string, email *models.ArchivedEmail) error {
	allowed, err := s.authz.Can(ctx, userID, action, "archive", resourceMap(email))
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

// resourceMap projects an email into the shape policy conditions are
// written against.
func resourceMap(email *models.ArchivedEmail) map[string]interface{} {
	return map[string]interface{}{
		"id":                email.ID,
		"ingestionSourceId": email.IngestionSourceID,
		"userEmail":         email.UserEmail,
		"threadId":          email.ThreadID,
		"isOnLegalHold":     email.IsOnLegalHold,
		"ingestionSource": map[string]interface{}{
			"id":     email.IngestionSourceID,
			"userId": email.SourceOwnerID,
		},
	}
}
