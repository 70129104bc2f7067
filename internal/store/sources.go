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

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/arcmail/arcmail/internal/models"
)

const sourceColumns = `id, user_id, name, provider, status, credentials,
	last_sync_started_at, last_sync_finished_at, last_sync_status_message,
	sync_state, created_at, updated_at`

// CreateSource inserts a new ingestion source.
func (s *Store) CreateSource(ctx context.Context, src *models.IngestionSource) error {
	state, err := marshalSyncState(src.SyncState)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingestion_sources (id, user_id, name, provider, status, credentials, sync_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, src.ID, src.UserID, src.Name, src.Provider, src.Status, src.EncryptedCredentials, state)
	return err
}

// GetSource retrieves one source, or nil when it does not exist.
func (s *Store) GetSource(ctx context.Context, id string) (*models.IngestionSource, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM ingestion_sources WHERE id = $1`, id)
	return scanSource(row)
}

// ListSources returns sources visible through the compiled access filter.
// A nil filter returns everything.
func (s *Store) ListSources(ctx context.Context, filter *SQLFilter) ([]models.IngestionSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM ingestion_sources`
	var args []interface{}
	if filter != nil {
		query += ` WHERE ` + filter.Expr
		args = filter.Args
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSources(rows)
}

// ListSourcesByStatus returns sources in any of the given statuses.
func (s *Store) ListSourcesByStatus(ctx context.Context, statuses ...models.SourceStatus) ([]models.IngestionSource, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM ingestion_sources WHERE status = ANY($1) ORDER BY created_at`, vals)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSources(rows)
}

// SourceIDsByOwner returns the ids of all sources owned by a user.
func (s *Store) SourceIDsByOwner(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM ingestion_sources WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateSource updates a source's name and, when non-empty, its credentials.
func (s *Store) UpdateSource(ctx context.Context, id, name, encryptedCredentials string) error {
	if encryptedCredentials != "" {
		_, err := s.pool.Exec(ctx, `
			UPDATE ingestion_sources
			SET name = $1, credentials = $2, updated_at = NOW()
			WHERE id = $3
		`, name, encryptedCredentials, id)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE ingestion_sources SET name = $1, updated_at = NOW() WHERE id = $2
	`, name, id)
	return err
}

// SetSourceStatus updates a source's status and status message.
func (s *Store) SetSourceStatus(ctx context.Context, id string, status models.SourceStatus, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingestion_sources
		SET status = $1, last_sync_status_message = $2, updated_at = NOW()
		WHERE id = $3
	`, status, message, id)
	return err
}

// BeginSyncCycle marks a source as importing or syncing and stamps the cycle
// start. It only transitions from the given expected statuses, returning
// false when the source was not in any of them; that guard keeps a source
// from being double-enqueued mid-cycle.
func (s *Store) BeginSyncCycle(ctx context.Context, id string, to models.SourceStatus, from ...models.SourceStatus) (bool, error) {
	vals := make([]string, len(from))
	for i, st := range from {
		vals[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_sources
		SET status = $1, last_sync_started_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, to, id, vals)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FinishSyncCycle records a cycle's outcome: final status, user-visible
// message, and the merged sync state. A nil state leaves the stored
// checkpoint untouched so partial progress is never erased by accident.
func (s *Store) FinishSyncCycle(ctx context.Context, id string, status models.SourceStatus, message string, state *models.SyncState) error {
	if state == nil {
		_, err := s.pool.Exec(ctx, `
			UPDATE ingestion_sources
			SET status = $1, last_sync_status_message = $2,
			    last_sync_finished_at = NOW(), updated_at = NOW()
			WHERE id = $3
		`, status, message, id)
		return err
	}

	blob, err := marshalSyncState(state)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE ingestion_sources
		SET status = $1, last_sync_status_message = $2, sync_state = $3,
		    last_sync_finished_at = NOW(), updated_at = NOW()
		WHERE id = $4
	`, status, message, blob, id)
	return err
}

// DeleteSource removes the source row. Archived emails cascade.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ingestion_sources WHERE id = $1`, id)
	return err
}

func marshalSyncState(state *models.SyncState) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal sync state: %w", err)
	}
	return blob, nil
}

func scanSource(row pgx.Row) (*models.IngestionSource, error) {
	var src models.IngestionSource
	var state []byte
	err := row.Scan(
		&src.ID, &src.UserID, &src.Name, &src.Provider, &src.Status,
		&src.EncryptedCredentials, &src.LastSyncStartedAt, &src.LastSyncFinishedAt,
		&src.LastSyncStatusMessage, &state, &src.CreatedAt, &src.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(state) > 0 {
		src.SyncState = &models.SyncState{}
		if err := json.Unmarshal(state, src.SyncState); err != nil {
			return nil, fmt.Errorf("unmarshal sync state: %w", err)
		}
	}
	return &src, nil
}

func collectSources(rows pgx.Rows) ([]models.IngestionSource, error) {
	var sources []models.IngestionSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}
