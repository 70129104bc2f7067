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

package archive

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/store"
)

type fakeMeta struct {
	emails      map[string]*models.ArchivedEmail
	attachments map[string][]models.Attachment // emailID -> attachments
	refCounts   map[string]int                 // attachmentID -> links
	deleted     []string
	legalHolds  map[string]bool
	tags        map[string][]string
	lastFilter  *store.SQLFilter
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		emails:      map[string]*models.ArchivedEmail{},
		attachments: map[string][]models.Attachment{},
		refCounts:   map[string]int{},
		legalHolds:  map[string]bool{},
		tags:        map[string][]string{},
	}
}

func (m *fakeMeta) GetEmail(_ context.Context, id string) (*models.ArchivedEmail, error) {
	return m.emails[id], nil
}

func (m *fakeMeta) ListEmails(_ context.Context, filter *store.SQLFilter, limit, offset int) ([]models.ArchivedEmail, int, error) {
	m.lastFilter = filter
	var out []models.ArchivedEmail
	for _, e := range m.emails {
		out = append(out, *e)
	}
	return out, len(out), nil
}

func (m *fakeMeta) DeleteEmail(_ context.Context, id string) error {
	delete(m.emails, id)
	for _, att := range m.attachments[id] {
		m.refCounts[att.ID]--
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *fakeMeta) SetLegalHold(_ context.Context, id string, hold bool) error {
	m.legalHolds[id] = hold
	return nil
}

func (m *fakeMeta) SetTags(_ context.Context, id string, tags []string) error {
	m.tags[id] = tags
	return nil
}

func (m *fakeMeta) AttachmentsForEmail(_ context.Context, emailID string) ([]models.Attachment, error) {
	return m.attachments[emailID], nil
}

func (m *fakeMeta) DeleteOrphanedAttachments(_ context.Context, candidateIDs []string) ([]models.Attachment, error) {
	var deleted []models.Attachment
	for _, id := range candidateIDs {
		if m.refCounts[id] > 0 {
			continue
		}
		for _, atts := range m.attachments {
			for _, att := range atts {
				if att.ID == id {
					deleted = append(deleted, att)
				}
			}
		}
	}
	return deleted, nil
}

func (m *fakeMeta) ThreadEmails(_ context.Context, sourceID, threadID string) ([]models.ThreadEntry, error) {
	return []models.ThreadEntry{{ID: "email-1"}, {ID: "email-2"}}, nil
}

type fakeObjects struct {
	objects map[string][]byte
	deleted []string
}

func (o *fakeObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(o.objects[key]))), nil
}

func (o *fakeObjects) Delete(_ context.Context, key string) error {
	delete(o.objects, key)
	o.deleted = append(o.deleted, key)
	return nil
}

type fakeSearch struct{ deletedIDs []string }

func (s *fakeSearch) DeleteByIDs(_ context.Context, ids []string) error {
	s.deletedIDs = append(s.deletedIDs, ids...)
	return nil
}

type fakeAuthz struct {
	allow  bool
	filter *store.SQLFilter
	search string
}

func (a *fakeAuthz) Can(_ context.Context, userID, action, subject string, resource map[string]interface{}) (bool, error) {
	return a.allow, nil
}

func (a *fakeAuthz) Filters(_ context.Context, userID, action, subject string) (*store.SQLFilter, string, error) {
	return a.filter, a.search, nil
}

func testService(meta *fakeMeta, objects *fakeObjects, search *fakeSearch, authz *fakeAuthz) *Service {
	return NewService(meta, objects, search, authz, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedEmail(meta *fakeMeta, objects *fakeObjects, id string, hold bool) *models.ArchivedEmail {
	email := &models.ArchivedEmail{
		ID:                id,
		IngestionSourceID: "src-1",
		ThreadID:          "thread-1",
		StoragePath:       "arc/src-1/emails/" + id + ".eml",
		IsOnLegalHold:     hold,
		SourceOwnerID:     "u1",
	}
	meta.emails[id] = email
	objects.objects[email.StoragePath] = []byte("raw bytes")
	return email
}

func TestGetReturnsDetailWithThread(t *testing.T) {
	meta := newFakeMeta()
	objects := &fakeObjects{objects: map[string][]byte{}}
	email := seedEmail(meta, objects, "email-1", false)
	email.HasAttachments = true
	meta.attachments["email-1"] = []models.Attachment{{ID: "att-1", Filename: "a.pdf"}}

	svc := testService(meta, objects, &fakeSearch{}, &fakeAuthz{allow: true})
	detail, err := svc.Get(context.Background(), "u1", "email-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw bytes"), detail.Raw)
	assert.Len(t, detail.Attachments, 1)
	assert.Len(t, detail.Thread, 2)
}

func TestGetDeniedAndMissing(t *testing.T) {
	meta := newFakeMeta()
	objects := &fakeObjects{objects: map[string][]byte{}}
	seedEmail(meta, objects, "email-1", false)

	svc := testService(meta, objects, &fakeSearch{}, &fakeAuthz{allow: false})
	_, err := svc.Get(context.Background(), "u2", "email-1")
	assert.ErrorIs(t, err, ErrForbidden)

	svc = testService(meta, objects, &fakeSearch{}, &fakeAuthz{allow: true})
	_, err = svc.Get(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesEverything(t *testing.T) {
	meta := newFakeMeta()
	objects := &fakeObjects{objects: map[string][]byte{}}
	search := &fakeSearch{}
	email := seedEmail(meta, objects, "email-1", false)
	email.HasAttachments = true
	att := models.Attachment{ID: "att-1", StoragePath: "arc/src-1/attachments/hash1"}
	meta.attachments["email-1"] = []models.Attachment{att}
	meta.refCounts["att-1"] = 1
	objects.objects[att.StoragePath] = []byte("%PDF")

	svc := testService(meta, objects, search, &fakeAuthz{allow: true})
	require.NoError(t, svc.Delete(context.Background(), "u1", "email-1"))

	assert.Empty(t, meta.emails)
	assert.Contains(t, objects.deleted, email.StoragePath)
	assert.Contains(t, objects.deleted, att.StoragePath)
	assert.Equal(t, []string{"email-1"}, search.deletedIDs)
}

func TestDeleteKeepsSharedAttachments(t *testing.T) {
	meta := newFakeMeta()
	objects := &fakeObjects{objects: map[string][]byte{}}
	email := seedEmail(meta, objects, "email-1", false)
	email.HasAttachments = true
	att := models.Attachment{ID: "att-1", StoragePath: "arc/src-1/attachments/hash1"}
	meta.attachments["email-1"] = []models.Attachment{att}
	// A second email still references the attachment.
	meta.refCounts["att-1"] = 2
	objects.objects[att.StoragePath] = []byte("%PDF")

	svc := testService(meta, objects, &fakeSearch{}, &fakeAuthz{allow: true})
	require.NoError(t, svc.Delete(context.Background(), "u1", "email-1"))
	assert.NotContains(t, objects.deleted, att.StoragePath)
}

func TestDeleteRefusedOnLegalHold(t *testing.T) {
	meta := newFakeMeta()
	objects := &fakeObjects{objects: map[string][]byte{}}
	seedEmail(meta, objects, "email-1", true)

	svc := testService(meta, objects, &fakeSearch{}, &fakeAuthz{allow: true})
	err := svc.Delete(context.Background(), "u1", "email-1")
	assert.ErrorIs(t, err, ErrOnLegalHold)
	assert.Len(t, meta.emails, 1)
}

func TestListComposesSourceAndAccessFilters(t *testing.T) {
	meta := newFakeMeta()
	objects := &fakeObjects{objects: map[string][]byte{}}
	seedEmail(meta, objects, "email-1", false)

	authz := &fakeAuthz{
		allow:  true,
		filter: &store.SQLFilter{Expr: "s.user_id = $1", Args: []interface{}{"u1"}},
	}
	svc := testService(meta, objects, &fakeSearch{}, authz)
	page, err := svc.List(context.Background(), "u1", "src-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 50, page.Limit)

	require.NotNil(t, meta.lastFilter)
	assert.Equal(t,
		"(e.ingestion_source_id = $1) AND (s.user_id = $2)",
		meta.lastFilter.Expr)
	assert.Equal(t, []interface{}{"src-1", "u1"}, meta.lastFilter.Args)
}

func TestListUnrestrictedWithoutAccessFilter(t *testing.T) {
	meta := newFakeMeta()
	svc := testService(meta, &fakeObjects{objects: map[string][]byte{}}, &fakeSearch{}, &fakeAuthz{allow: true})
	_, err := svc.List(context.Background(), "u1", "", 1, 25)
	require.NoError(t, err)
	assert.Nil(t, meta.lastFilter)
}
