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
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/arcmail/arcmail/internal/models"
)

const emailColumns = `e.id, e.ingestion_source_id, e.user_email, e.thread_id,
	e.message_id_header, e.sent_at, e.subject, e.sender_name, e.sender_email,
	e.recipients, e.storage_path, e.storage_hash_sha256, e.size_bytes,
	e.has_attachments, e.is_on_legal_hold, e.archived_at, e.path, e.tags,
	s.user_id`

// InsertEmail stores an archived email's metadata row. It reports false when
// a concurrent worker already inserted the same (identity, source) pair; the
// unique index makes that race lose cleanly instead of double-storing.
func (s *Store) InsertEmail(ctx context.Context, e *models.ArchivedEmail) (bool, error) {
	recipients, err := json.Marshal(e.Recipients)
	if err != nil {
		return false, fmt.Errorf("marshal recipients: %w", err)
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO archived_emails
			(id, ingestion_source_id, user_email, thread_id, message_id_header,
			 sent_at, subject, sender_name, sender_email, recipients,
			 storage_path, storage_hash_sha256, size_bytes, has_attachments,
			 path, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (message_id_header, ingestion_source_id) WHERE message_id_header <> ''
		DO NOTHING
	`, e.ID, e.IngestionSourceID, e.UserEmail, e.ThreadID, e.MessageIDHeader,
		e.SentAt, e.Subject, e.SenderName, e.SenderEmail, recipients,
		e.StoragePath, e.StorageHashSHA256, e.SizeBytes, e.HasAttachments,
		e.Path, tags)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// EmailExists reports whether a message identity is already archived for a
// source.
func (s *Store) EmailExists(ctx context.Context, sourceID, messageIDHeader string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM archived_emails
			WHERE ingestion_source_id = $1 AND message_id_header = $2
		)
	`, sourceID, messageIDHeader).Scan(&exists)
	return exists, err
}

// GetEmail retrieves one archived email joined with its source's owner, or
// nil when it does not exist.
func (s *Store) GetEmail(ctx context.Context, id string) (*models.ArchivedEmail, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+emailColumns+`
		FROM archived_emails e
		JOIN ingestion_sources s ON s.id = e.ingestion_source_id
		WHERE e.id = $1
	`, id)
	return scanEmail(row)
}

// ListEmails returns a page of archived emails visible through the compiled
// access filter, newest first, along with the total matching count. The
// filter's placeholders must start at $1; paging placeholders are appended
// after its arguments.
func (s *Store) ListEmails(ctx context.Context, filter *SQLFilter, limit, offset int) ([]models.ArchivedEmail, int, error) {
	where := ""
	var args []interface{}
	if filter != nil {
		where = ` WHERE ` + filter.Expr
		args = append(args, filter.Args...)
	}

	var total int
	countQuery := `
		SELECT COUNT(*)
		FROM archived_emails e
		JOIN ingestion_sources s ON s.id = e.ingestion_source_id` + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + emailColumns + `
		FROM archived_emails e
		JOIN ingestion_sources s ON s.id = e.ingestion_source_id` + where + `
		ORDER BY e.sent_at DESC
		LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var emails []models.ArchivedEmail
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, 0, err
		}
		emails = append(emails, *e)
	}
	return emails, total, rows.Err()
}

// DeleteEmail removes the metadata row. Join rows cascade.
func (s *Store) DeleteEmail(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM archived_emails WHERE id = $1`, id)
	return err
}

// SetLegalHold flips the legal-hold flag on an archived email.
func (s *Store) SetLegalHold(ctx context.Context, id string, hold bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE archived_emails SET is_on_legal_hold = $1 WHERE id = $2`, hold, id)
	return err
}

// SetTags replaces the tags of an archived email.
func (s *Store) SetTags(ctx context.Context, id string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE archived_emails SET tags = $1 WHERE id = $2`, tags, id)
	return err
}

// UpsertAttachment stores a content-addressed attachment, refreshing the
// filename when the same content arrives under a new name, and returns the
// canonical row.
func (s *Store) UpsertAttachment(ctx context.Context, att *models.Attachment) (*models.Attachment, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO attachments (id, filename, mime_type, size_bytes, content_hash_sha256, storage_path)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (content_hash_sha256) DO UPDATE SET filename = EXCLUDED.filename
		RETURNING id, filename, mime_type, size_bytes, content_hash_sha256, storage_path
	`, att.ID, att.Filename, att.MimeType, att.SizeBytes, att.ContentHashSHA256, att.StoragePath)

	var out models.Attachment
	if err := row.Scan(&out.ID, &out.Filename, &out.MimeType, &out.SizeBytes,
		&out.ContentHashSHA256, &out.StoragePath); err != nil {
		return nil, err
	}
	return &out, nil
}

// LinkAttachment ties an attachment to an archived email. Re-linking is a
// no-op.
func (s *Store) LinkAttachment(ctx context.Context, emailID, attachmentID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_attachments (email_id, attachment_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, emailID, attachmentID)
	return err
}

// AttachmentsForEmail returns the attachments referenced by an email.
func (s *Store) AttachmentsForEmail(ctx context.Context, emailID string) ([]models.Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.filename, a.mime_type, a.size_bytes, a.content_hash_sha256, a.storage_path
		FROM attachments a
		JOIN email_attachments ea ON ea.attachment_id = a.id
		WHERE ea.email_id = $1
	`, emailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var atts []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.Filename, &a.MimeType, &a.SizeBytes,
			&a.ContentHashSHA256, &a.StoragePath); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// DeleteOrphanedAttachments removes, from the given candidates, every
// attachment no longer referenced by any email, and returns the deleted rows
// so the caller can purge their storage objects.
func (s *Store) DeleteOrphanedAttachments(ctx context.Context, candidateIDs []string) ([]models.Attachment, error) {
	if len(candidateIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		DELETE FROM attachments a
		WHERE a.id = ANY($1)
		  AND NOT EXISTS (
			SELECT 1 FROM email_attachments ea WHERE ea.attachment_id = a.id
		  )
		RETURNING a.id, a.filename, a.mime_type, a.size_bytes, a.content_hash_sha256, a.storage_path
	`, candidateIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deleted []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.Filename, &a.MimeType, &a.SizeBytes,
			&a.ContentHashSHA256, &a.StoragePath); err != nil {
			return nil, err
		}
		deleted = append(deleted, a)
	}
	return deleted, rows.Err()
}

func scanEmail(row pgx.Row) (*models.ArchivedEmail, error) {
	var e models.ArchivedEmail
	var recipients []byte
	err := row.Scan(
		&e.ID, &e.IngestionSourceID, &e.UserEmail, &e.ThreadID,
		&e.MessageIDHeader, &e.SentAt, &e.Subject, &e.SenderName, &e.SenderEmail,
		&recipients, &e.StoragePath, &e.StorageHashSHA256, &e.SizeBytes,
		&e.HasAttachments, &e.IsOnLegalHold, &e.ArchivedAt, &e.Path, &e.Tags,
		&e.SourceOwnerID,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &e.Recipients); err != nil {
			return nil, fmt.Errorf("unmarshal recipients: %w", err)
		}
	}
	return &e, nil
}

// ThreadEmails returns minimal rows for every message in a thread within one
// source, oldest first.
func (s *Store) ThreadEmails(ctx context.Context, sourceID, threadID string) ([]models.ThreadEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject, sent_at, sender_email
		FROM archived_emails
		WHERE ingestion_source_id = $1 AND thread_id = $2
		ORDER BY sent_at ASC
	`, sourceID, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ThreadEntry
	for rows.Next() {
		var t models.ThreadEntry
		if err := rows.Scan(&t.ID, &t.Subject, &t.SentAt, &t.SenderEmail); err != nil {
			return nil, err
		}
		entries = append(entries, t)
	}
	return entries, rows.Err()
}

// ListEmailsAfter returns up to limit archived emails with an id greater
// than afterID, ordered by id. Keyset pagination for full-archive scans;
// pass an empty afterID to start from the beginning.
func (s *Store) ListEmailsAfter(ctx context.Context, afterID string, limit int) ([]models.ArchivedEmail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+emailColumns+`
		FROM archived_emails e
		JOIN ingestion_sources s ON s.id = e.ingestion_source_id
		WHERE e.id > $1
		ORDER BY e.id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []models.ArchivedEmail
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}
	return emails, rows.Err()
}
