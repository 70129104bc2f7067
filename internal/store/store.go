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

// Package store provides the Postgres-backed relational store: users and
// roles, ingestion sources, archived emails, and content-addressed
// attachments. The schema is created on startup.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides CRUD operations over the archive's relational state.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given Postgres pool. It ensures the
// schema exists on creation.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("relational store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id            UUID PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			first_name    TEXT DEFAULT '',
			last_name     TEXT DEFAULT '',
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS roles (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			policies   JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS user_roles (
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
			PRIMARY KEY (user_id, role_id)
		);
		CREATE TABLE IF NOT EXISTS ingestion_sources (
			id                       UUID PRIMARY KEY,
			user_id                  UUID NOT NULL,
			name                     TEXT NOT NULL,
			provider                 TEXT NOT NULL,
			status                   TEXT NOT NULL DEFAULT 'pending_auth',
			credentials              TEXT NOT NULL,
			last_sync_started_at     TIMESTAMPTZ,
			last_sync_finished_at    TIMESTAMPTZ,
			last_sync_status_message TEXT DEFAULT '',
			sync_state               JSONB,
			created_at               TIMESTAMPTZ DEFAULT NOW(),
			updated_at               TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sources_user ON ingestion_sources(user_id);
		CREATE INDEX IF NOT EXISTS idx_sources_status ON ingestion_sources(status);
		CREATE TABLE IF NOT EXISTS archived_emails (
			id                  UUID PRIMARY KEY,
			ingestion_source_id UUID NOT NULL REFERENCES ingestion_sources(id) ON DELETE CASCADE,
			user_email          TEXT NOT NULL DEFAULT '',
			thread_id           TEXT DEFAULT '',
			message_id_header   TEXT NOT NULL,
			sent_at             TIMESTAMPTZ NOT NULL,
			subject             TEXT DEFAULT '',
			sender_name         TEXT DEFAULT '',
			sender_email        TEXT DEFAULT '',
			recipients          JSONB NOT NULL DEFAULT '{}',
			storage_path        TEXT NOT NULL,
			storage_hash_sha256 TEXT NOT NULL,
			size_bytes          BIGINT NOT NULL DEFAULT 0,
			has_attachments     BOOLEAN NOT NULL DEFAULT FALSE,
			is_on_legal_hold    BOOLEAN NOT NULL DEFAULT FALSE,
			archived_at         TIMESTAMPTZ DEFAULT NOW(),
			path                TEXT DEFAULT '',
			tags                TEXT[] NOT NULL DEFAULT '{}'
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_emails_identity
			ON archived_emails(message_id_header, ingestion_source_id)
			WHERE message_id_header <> '';
		CREATE INDEX IF NOT EXISTS idx_emails_source ON archived_emails(ingestion_source_id);
		CREATE INDEX IF NOT EXISTS idx_emails_sent_at ON archived_emails(sent_at);
		CREATE TABLE IF NOT EXISTS attachments (
			id                  UUID PRIMARY KEY,
			filename            TEXT NOT NULL DEFAULT '',
			mime_type           TEXT NOT NULL DEFAULT '',
			size_bytes          BIGINT NOT NULL DEFAULT 0,
			content_hash_sha256 TEXT NOT NULL UNIQUE,
			storage_path        TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS email_attachments (
			email_id      UUID NOT NULL REFERENCES archived_emails(id) ON DELETE CASCADE,
			attachment_id UUID NOT NULL REFERENCES attachments(id) ON DELETE CASCADE,
			PRIMARY KEY (email_id, attachment_id)
		);
	`)
	return err
}

// SQLFilter is a compiled relational access filter: a WHERE fragment with
// positional arguments. A nil filter means unrestricted.
type SQLFilter struct {
	Expr string
	Args []interface{}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// AndFilter combines two filters with AND, renumbering the second
// filter's placeholders to follow the first's arguments. Either side
// may be nil.
func AndFilter(a, b *SQLFilter) *SQLFilter {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	shifted := placeholderPattern.ReplaceAllStringFunc(b.Expr, func(m string) string {
		n, _ := strconv.Atoi(m[1:])
		return "$" + strconv.Itoa(n+len(a.Args))
	})
	args := make([]interface{}, 0, len(a.Args)+len(b.Args))
	args = append(args, a.Args...)
	args = append(args, b.Args...)
	return &SQLFilter{Expr: "(" + a.Expr + ") AND (" + shifted + ")", Args: args}
}
