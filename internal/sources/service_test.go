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

package sources

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmail/arcmail/internal/connector"
	"github.com/arcmail/arcmail/internal/crypto"
	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/queue"
	"github.com/arcmail/arcmail/internal/store"
)

type fakeMeta struct {
	sources  map[string]*models.IngestionSource
	statuses map[string]models.SourceStatus
	messages map[string]string
	deleted  []string
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		sources:  map[string]*models.IngestionSource{},
		statuses: map[string]models.SourceStatus{},
		messages: map[string]string{},
	}
}

func (m *fakeMeta) CreateSource(_ context.Context, src *models.IngestionSource) error {
	m.sources[src.ID] = src
	return nil
}

func (m *fakeMeta) GetSource(_ context.Context, id string) (*models.IngestionSource, error) {
	src, ok := m.sources[id]
	if !ok {
		return nil, nil
	}
	copied := *src
	return &copied, nil
}

func (m *fakeMeta) ListSources(_ context.Context, _ *store.SQLFilter) ([]models.IngestionSource, error) {
	var out []models.IngestionSource
	for _, src := range m.sources {
		out = append(out, *src)
	}
	return out, nil
}

func (m *fakeMeta) UpdateSource(_ context.Context, id, name, encryptedCredentials string) error {
	src, ok := m.sources[id]
	if !ok {
		return errors.New("not found")
	}
	if name != "" {
		src.Name = name
	}
	if encryptedCredentials != "" {
		src.EncryptedCredentials = encryptedCredentials
	}
	return nil
}

func (m *fakeMeta) SetSourceStatus(_ context.Context, id string, status models.SourceStatus, message string) error {
	m.statuses[id] = status
	m.messages[id] = message
	if src, ok := m.sources[id]; ok {
		src.Status = status
	}
	return nil
}

func (m *fakeMeta) DeleteSource(_ context.Context, id string) error {
	delete(m.sources, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type fakeObjects struct {
	existing      map[string]bool
	deletedKeys   []string
	deletedPrefix []string
}

func (o *fakeObjects) Exists(_ context.Context, key string) (bool, error) {
	return o.existing[key], nil
}

func (o *fakeObjects) Delete(_ context.Context, key string) error {
	o.deletedKeys = append(o.deletedKeys, key)
	return nil
}

func (o *fakeObjects) DeletePrefix(_ context.Context, prefix string) error {
	o.deletedPrefix = append(o.deletedPrefix, prefix)
	return nil
}

func (o *fakeObjects) SourcePrefix(folder string) string { return "arc/" + folder + "/" }

type fakeSearch struct{ filters []string }

func (s *fakeSearch) DeleteByFilter(_ context.Context, filter string) error {
	s.filters = append(s.filters, filter)
	return nil
}

type fakeJobs struct {
	added   []queue.Job
	pending []queue.Envelope
}

func (j *fakeJobs) Add(_ context.Context, job queue.Job) error {
	j.added = append(j.added, job)
	return nil
}

func (j *fakeJobs) RemoveMatching(_ context.Context, match func(queue.Envelope) bool) (int, error) {
	var kept []queue.Envelope
	removed := 0
	for _, env := range j.pending {
		if match(env) {
			removed++
			continue
		}
		kept = append(kept, env)
	}
	j.pending = kept
	return removed, nil
}

type fakeAuthz struct{}

func (fakeAuthz) Filters(_ context.Context, _, _, _ string) (*store.SQLFilter, string, error) {
	return nil, "", nil
}

type fakeConnector struct {
	testErr error
	closed  bool
}

func (c *fakeConnector) TestConnection(context.Context) error { return c.testErr }
func (c *fakeConnector) ListAllUsers(context.Context) ([]models.MailboxUser, error) {
	return nil, nil
}
func (c *fakeConnector) FetchEmails(context.Context, string, *models.SyncState) (connector.Iterator, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeConnector) UpdatedSyncState(string) models.SyncState { return models.SyncState{} }
func (c *fakeConnector) Close() error {
	c.closed = true
	return nil
}

func testService(t *testing.T, meta *fakeMeta, objects *fakeObjects, search *fakeSearch, jobs *fakeJobs, conn *fakeConnector) *Service {
	t.Helper()
	box, err := crypto.NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	return NewService(Options{
		Meta:    meta,
		Objects: objects,
		Search:  search,
		Jobs:    jobs,
		Authz:   fakeAuthz{},
		Box:     box,
		Factory: func(models.Provider, models.Credentials, connector.Deps) (connector.Connector, error) {
			return conn, nil
		},
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func imapCreds() models.Credentials {
	return models.Credentials{
		Type:     models.ProviderIMAP,
		Host:     "imap.example.com",
		Port:     993,
		Secure:   true,
		Username: "archive@example.com",
		Password: "secret",
	}
}

func TestCreateHandshakesAndEnqueuesImport(t *testing.T) {
	meta := newFakeMeta()
	jobs := &fakeJobs{}
	conn := &fakeConnector{}
	svc := testService(t, meta, &fakeObjects{}, &fakeSearch{}, jobs, conn)

	src, err := svc.Create(context.Background(), "u1", "Team Mail", imapCreds())
	require.NoError(t, err)
	assert.Equal(t, models.StatusAuthSuccess, src.Status)
	assert.True(t, conn.closed)
	assert.NotEmpty(t, src.EncryptedCredentials)
	assert.NotEqual(t, "secret", src.EncryptedCredentials)

	require.Len(t, jobs.added, 1)
	assert.Equal(t, models.JobInitialImport, jobs.added[0].Name)
}

func TestCreateRollsBackOnFailedHandshake(t *testing.T) {
	meta := newFakeMeta()
	jobs := &fakeJobs{}
	conn := &fakeConnector{testErr: &connector.ConnectionError{
		Provider: models.ProviderIMAP, Err: errors.New("login failed"),
	}}
	svc := testService(t, meta, &fakeObjects{}, &fakeSearch{}, jobs, conn)

	_, err := svc.Create(context.Background(), "u1", "Team Mail", imapCreds())
	require.Error(t, err)
	assert.Empty(t, meta.sources)
	assert.Empty(t, jobs.added)
}

func TestCreateRejectsUnknownProvider(t *testing.T) {
	svc := testService(t, newFakeMeta(), &fakeObjects{}, &fakeSearch{}, &fakeJobs{}, &fakeConnector{})
	_, err := svc.Create(context.Background(), "u1", "X", models.Credentials{Type: "carrier-pigeon"})
	require.ErrorContains(t, err, "unknown provider")
}

func TestCredentialsRoundTripThroughStore(t *testing.T) {
	meta := newFakeMeta()
	svc := testService(t, meta, &fakeObjects{}, &fakeSearch{}, &fakeJobs{}, &fakeConnector{})

	created, err := svc.Create(context.Background(), "u1", "Team Mail", imapCreds())
	require.NoError(t, err)

	loaded, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Credentials)
	assert.Equal(t, "archive@example.com", loaded.Credentials.Username)
	assert.Equal(t, "secret", loaded.Credentials.Password)
}

func TestDeleteTearsEverythingDown(t *testing.T) {
	meta := newFakeMeta()
	objects := &fakeObjects{existing: map[string]bool{"uploads/archive.pst": true}}
	search := &fakeSearch{}
	svc := testService(t, meta, objects, search, &fakeJobs{}, &fakeConnector{})

	creds := models.Credentials{Type: models.ProviderPST, UploadedFilePath: "uploads/archive.pst"}
	created, err := svc.Create(context.Background(), "u1", "Old PST", creds)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), created.ID))

	assert.Equal(t, []string{"arc/Old-PST-" + created.ID + "/"}, objects.deletedPrefix)
	assert.Contains(t, objects.deletedKeys, "uploads/archive.pst")
	require.Len(t, search.filters, 1)
	assert.Equal(t, `ingestionSourceId = "`+created.ID+`"`, search.filters[0])
	assert.Equal(t, []string{created.ID}, meta.deleted)
}

func TestDeleteSurvivesUndecryptableCredentials(t *testing.T) {
	meta := newFakeMeta()
	objects := &fakeObjects{existing: map[string]bool{}}
	svc := testService(t, meta, objects, &fakeSearch{}, &fakeJobs{}, &fakeConnector{})

	meta.sources["src-1"] = &models.IngestionSource{
		ID:                   "src-1",
		Name:                 "Broken",
		Provider:             models.ProviderEML,
		EncryptedCredentials: "not-a-valid-blob",
	}
	require.NoError(t, svc.Delete(context.Background(), "src-1"))
	assert.Equal(t, []string{"src-1"}, meta.deleted)
}

func TestForceSyncRemovesStaleJobsFirst(t *testing.T) {
	meta := newFakeMeta()
	jobs := &fakeJobs{}
	svc := testService(t, meta, &fakeObjects{}, &fakeSearch{}, jobs, &fakeConnector{})

	created, err := svc.Create(context.Background(), "u1", "Team Mail", imapCreds())
	require.NoError(t, err)
	jobs.added = nil

	stale, _ := json.Marshal(models.ProcessMailboxJob{IngestionSourceID: created.ID, UserEmail: "a@example.com"})
	other, _ := json.Marshal(models.ProcessMailboxJob{IngestionSourceID: "other", UserEmail: "b@example.com"})
	jobs.pending = []queue.Envelope{
		{ID: "1", Name: models.JobProcessMailbox, Payload: stale},
		{ID: "2", Name: models.JobProcessMailbox, Payload: other},
	}

	require.NoError(t, svc.TriggerForceSync(context.Background(), created.ID))

	// Only the matching stale job was withdrawn.
	require.Len(t, jobs.pending, 1)
	assert.Equal(t, "2", jobs.pending[0].ID)

	assert.Equal(t, models.StatusActive, meta.statuses[created.ID])
	require.Len(t, jobs.added, 1)
	assert.Equal(t, models.JobContinuousSync, jobs.added[0].Name)
}

func TestPauseAndResume(t *testing.T) {
	meta := newFakeMeta()
	svc := testService(t, meta, &fakeObjects{}, &fakeSearch{}, &fakeJobs{}, &fakeConnector{})

	created, err := svc.Create(context.Background(), "u1", "Team Mail", imapCreds())
	require.NoError(t, err)

	require.NoError(t, svc.Pause(context.Background(), created.ID))
	assert.Equal(t, models.StatusPaused, meta.statuses[created.ID])

	require.NoError(t, svc.Resume(context.Background(), created.ID))
	assert.Equal(t, models.StatusActive, meta.statuses[created.ID])
}
