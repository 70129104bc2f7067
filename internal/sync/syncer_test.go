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
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmail/arcmail/internal/connector"
	"github.com/arcmail/arcmail/internal/crypto"
	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/queue"
)

type fakeMeta struct {
	source      *models.IngestionSource
	beginOK     bool
	beginCalls  int
	finished    bool
	finalStatus models.SourceStatus
	finalMsg    string
	finalState  *models.SyncState
}

func (m *fakeMeta) GetSource(ctx context.Context, id string) (*models.IngestionSource, error) {
	if m.source == nil || m.source.ID != id {
		return nil, errors.New("source not found")
	}
	return m.source, nil
}

func (m *fakeMeta) BeginSyncCycle(ctx context.Context, id string, to models.SourceStatus, from ...models.SourceStatus) (bool, error) {
	m.beginCalls++
	return m.beginOK, nil
}

func (m *fakeMeta) FinishSyncCycle(ctx context.Context, id string, status models.SourceStatus, message string, state *models.SyncState) error {
	m.finished = true
	m.finalStatus = status
	m.finalMsg = message
	m.finalState = state
	return nil
}

type fakeFlows struct {
	parent      *queue.Job
	children    []queue.Job
	results     []json.RawMessage
	cleanedFlow string
}

func (f *fakeFlows) AddFlow(ctx context.Context, parent queue.Job, children []queue.Job) (string, error) {
	f.parent = &parent
	f.children = children
	return "flow-1", nil
}

func (f *fakeFlows) ChildrenValues(ctx context.Context, flowID string) ([]json.RawMessage, error) {
	return f.results, nil
}

func (f *fakeFlows) CleanupFlow(ctx context.Context, flowID string) error {
	f.cleanedFlow = flowID
	return nil
}

type fakeIterator struct {
	emails []*models.EmailObject
	err    error
	closed bool
}

func (it *fakeIterator) Next(ctx context.Context) (*models.EmailObject, error) {
	if len(it.emails) == 0 {
		if it.err != nil {
			return nil, it.err
		}
		return nil, io.EOF
	}
	email := it.emails[0]
	it.emails = it.emails[1:]
	return email, nil
}

func (it *fakeIterator) Close() error {
	it.closed = true
	return nil
}

type fakeConnector struct {
	users []models.MailboxUser
	iter  *fakeIterator
	state models.SyncState
}

func (c *fakeConnector) TestConnection(ctx context.Context) error { return nil }

func (c *fakeConnector) ListAllUsers(ctx context.Context) ([]models.MailboxUser, error) {
	return c.users, nil
}

func (c *fakeConnector) FetchEmails(ctx context.Context, mailbox string, state *models.SyncState) (connector.Iterator, error) {
	return c.iter, nil
}

func (c *fakeConnector) UpdatedSyncState(mailbox string) models.SyncState { return c.state }

func (c *fakeConnector) Close() error { return nil }

type fakeEngine struct {
	calls int
	panic bool
}

func (e *fakeEngine) ProcessEmail(ctx context.Context, email *models.EmailObject, source *models.IngestionSource, mailboxOwner string) *models.SearchDocument {
	if e.panic {
		panic("engine blew up")
	}
	e.calls++
	return &models.SearchDocument{ID: email.ID, UserEmail: mailboxOwner}
}

type fakeSink struct {
	batches [][]models.SearchDocument
}

func (s *fakeSink) AddDocuments(ctx context.Context, docs []models.SearchDocument) error {
	s.batches = append(s.batches, docs)
	return nil
}

func testSource(t *testing.T, box *crypto.Box, provider models.Provider) *models.IngestionSource {
	t.Helper()
	blob, err := box.EncryptObject(models.Credentials{Type: provider})
	require.NoError(t, err)
	return &models.IngestionSource{
		ID:                   "src-1",
		Name:                 "Team Mail",
		Provider:             provider,
		Status:               models.StatusActive,
		EncryptedCredentials: blob,
	}
}

func testSyncer(t *testing.T, meta *fakeMeta, flows *fakeFlows, conn *fakeConnector, engine *fakeEngine, sink *fakeSink) *Syncer {
	t.Helper()
	box, err := crypto.NewBox("test-secret")
	require.NoError(t, err)
	return NewSyncer(Options{
		Meta:   meta,
		Flows:  flows,
		Box:    box,
		Engine: engine,
		Sink:   sink,
		Factory: func(provider models.Provider, creds models.Credentials, deps connector.Deps) (connector.Connector, error) {
			return conn, nil
		},
		BatchSize: 10,
	})
}

func payload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestInitialImportFansOutPerMailbox(t *testing.T) {
	box, err := crypto.NewBox("test-secret")
	require.NoError(t, err)
	meta := &fakeMeta{source: testSource(t, box, models.ProviderIMAP), beginOK: true}
	flows := &fakeFlows{}
	conn := &fakeConnector{users: []models.MailboxUser{
		{PrimaryEmail: "alice@example.com"},
		{PrimaryEmail: "bob@example.com"},
		{PrimaryEmail: "carol@example.com"},
	}}
	s := testSyncer(t, meta, flows, conn, &fakeEngine{}, &fakeSink{})

	env := queue.Envelope{Payload: payload(t, models.InitialImportJob{IngestionSourceID: "src-1"})}
	_, err = s.HandleInitialImport(context.Background(), env)
	require.NoError(t, err)

	require.NotNil(t, flows.parent)
	parent := flows.parent.Payload.(models.SyncCycleFinishedJob)
	assert.Equal(t, "src-1", parent.IngestionSourceID)
	assert.Equal(t, 3, parent.UserCount)
	assert.True(t, parent.IsInitialImport)

	require.Len(t, flows.children, 3)
	first := flows.children[0].Payload.(models.ProcessMailboxJob)
	assert.Equal(t, models.JobProcessMailbox, flows.children[0].Name)
	assert.Equal(t, "alice@example.com", first.UserEmail)
}

func TestCycleSkippedWhenSourceAlreadyMidCycle(t *testing.T) {
	box, err := crypto.NewBox("test-secret")
	require.NoError(t, err)
	meta := &fakeMeta{source: testSource(t, box, models.ProviderIMAP), beginOK: false}
	flows := &fakeFlows{}
	s := testSyncer(t, meta, flows, &fakeConnector{}, &fakeEngine{}, &fakeSink{})

	env := queue.Envelope{Payload: payload(t, models.ContinuousSyncJob{IngestionSourceID: "src-1"})}
	_, err = s.HandleContinuousSync(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, 1, meta.beginCalls)
	assert.Nil(t, flows.parent, "no flow should be dispatched")
	assert.False(t, meta.finished)
}

func TestProcessMailboxStreamsAndReturnsFragment(t *testing.T) {
	box, err := crypto.NewBox("test-secret")
	require.NoError(t, err)
	meta := &fakeMeta{source: testSource(t, box, models.ProviderIMAP)}
	iter := &fakeIterator{emails: []*models.EmailObject{
		{ID: "m1", Raw: []byte("raw1")},
		nil, // filtered entry, must be skipped
		{ID: "m2", Raw: []byte("raw2")},
	}}
	conn := &fakeConnector{
		iter:  iter,
		state: models.SyncState{IMAP: map[string]models.IMAPFolderState{"alice@example.com/INBOX": {MaxUID: 42}}},
	}
	engine := &fakeEngine{}
	sink := &fakeSink{}
	s := testSyncer(t, meta, &fakeFlows{}, conn, engine, sink)

	env := queue.Envelope{Payload: payload(t, models.ProcessMailboxJob{IngestionSourceID: "src-1", UserEmail: "alice@example.com"})}
	result, err := s.HandleProcessMailbox(context.Background(), env)
	require.NoError(t, err)

	frag, ok := result.(*models.SyncState)
	require.True(t, ok, "success must yield a checkpoint fragment, got %T", result)
	assert.Equal(t, uint32(42), frag.IMAP["alice@example.com/INBOX"].MaxUID)
	assert.Equal(t, 2, engine.calls)
	assert.True(t, iter.closed)
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 2)
}

func TestProcessMailboxConvertsStreamFailure(t *testing.T) {
	box, err := crypto.NewBox("test-secret")
	require.NoError(t, err)
	meta := &fakeMeta{source: testSource(t, box, models.ProviderIMAP)}
	iter := &fakeIterator{
		emails: []*models.EmailObject{{ID: "m1", Raw: []byte("raw1")}},
		err:    &connector.TransientError{Err: errors.New("rate limited")},
	}
	sink := &fakeSink{}
	s := testSyncer(t, meta, &fakeFlows{}, &fakeConnector{iter: iter}, &fakeEngine{}, sink)

	env := queue.Envelope{Payload: payload(t, models.ProcessMailboxJob{IngestionSourceID: "src-1", UserEmail: "bob@example.com"})}
	result, err := s.HandleProcessMailbox(context.Background(), env)
	require.NoError(t, err, "provider trouble must not fail the job")

	desc, ok := result.(models.MailboxError)
	require.True(t, ok, "failure must yield a descriptor, got %T", result)
	assert.True(t, desc.Error)
	assert.Contains(t, desc.Message, "bob@example.com")
	assert.Contains(t, desc.Message, "rate limited")

	// The message archived before the failure was still flushed.
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 1)
	assert.True(t, iter.closed)
}

func TestProcessMailboxRecoversPanic(t *testing.T) {
	box, err := crypto.NewBox("test-secret")
	require.NoError(t, err)
	meta := &fakeMeta{source: testSource(t, box, models.ProviderIMAP)}
	iter := &fakeIterator{emails: []*models.EmailObject{{ID: "m1"}}}
	s := testSyncer(t, meta, &fakeFlows{}, &fakeConnector{iter: iter}, &fakeEngine{panic: true}, &fakeSink{})

	env := queue.Envelope{Payload: payload(t, models.ProcessMailboxJob{IngestionSourceID: "src-1", UserEmail: "carol@example.com"})}
	result, err := s.HandleProcessMailbox(context.Background(), env)
	require.NoError(t, err)

	desc, ok := result.(models.MailboxError)
	require.True(t, ok)
	assert.True(t, desc.Error)
	assert.Contains(t, desc.Message, "carol@example.com")
	assert.Contains(t, desc.Message, "engine blew up")
}

func TestBarrierPersistsPartialProgressOnFailure(t *testing.T) {
	box, err := crypto.NewBox("test-secret")
	require.NoError(t, err)
	source := testSource(t, box, models.ProviderIMAP)
	source.SyncState = &models.SyncState{IMAP: map[string]models.IMAPFolderState{"old@example.com/INBOX": {MaxUID: 7}}}
	meta := &fakeMeta{source: source}
	flows := &fakeFlows{results: []json.RawMessage{
		payload(t, models.SyncState{IMAP: map[string]models.IMAPFolderState{"a@example.com/INBOX": {MaxUID: 10}}}),
		payload(t, models.MailboxError{Error: true, Message: "b@example.com: connection reset"}),
		payload(t, models.SyncState{IMAP: map[string]models.IMAPFolderState{"c@example.com/INBOX": {MaxUID: 30}}}),
	}}
	s := testSyncer(t, meta, flows, &fakeConnector{}, &fakeEngine{}, &fakeSink{})

	env := queue.Envelope{
		FlowID:  "flow-1",
		Payload: payload(t, models.SyncCycleFinishedJob{IngestionSourceID: "src-1", UserCount: 3}),
	}
	_, err = s.HandleSyncCycleFinished(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, models.StatusError, meta.finalStatus)
	assert.Contains(t, meta.finalMsg, "b@example.com: connection reset")

	require.NotNil(t, meta.finalState, "partial progress must be persisted")
	assert.Equal(t, uint32(10), meta.finalState.IMAP["a@example.com/INBOX"].MaxUID)
	assert.Equal(t, uint32(30), meta.finalState.IMAP["c@example.com/INBOX"].MaxUID)
	assert.Equal(t, uint32(7), meta.finalState.IMAP["old@example.com/INBOX"].MaxUID, "prior checkpoint survives")
	assert.Equal(t, "flow-1", flows.cleanedFlow)
}

func TestBarrierSuccessMessages(t *testing.T) {
	t.Run("initial import of a file source", func(t *testing.T) {
		box, err := crypto.NewBox("test-secret")
		require.NoError(t, err)
		meta := &fakeMeta{source: testSource(t, box, models.ProviderPST)}
		flows := &fakeFlows{results: []json.RawMessage{payload(t, models.SyncState{})}}
		s := testSyncer(t, meta, flows, &fakeConnector{}, &fakeEngine{}, &fakeSink{})

		env := queue.Envelope{
			FlowID:  "flow-1",
			Payload: payload(t, models.SyncCycleFinishedJob{IngestionSourceID: "src-1", UserCount: 1, IsInitialImport: true}),
		}
		_, err = s.HandleSyncCycleFinished(context.Background(), env)
		require.NoError(t, err)

		assert.Equal(t, models.StatusImported, meta.finalStatus)
		assert.Equal(t, "Initial import finished for 1 mailboxes.", meta.finalMsg)
	})

	t.Run("continuous cycle of a live source", func(t *testing.T) {
		box, err := crypto.NewBox("test-secret")
		require.NoError(t, err)
		meta := &fakeMeta{source: testSource(t, box, models.ProviderIMAP)}
		flows := &fakeFlows{results: []json.RawMessage{
			payload(t, models.SyncState{IMAP: map[string]models.IMAPFolderState{"a@example.com/INBOX": {MaxUID: 3}}}),
		}}
		s := testSyncer(t, meta, flows, &fakeConnector{}, &fakeEngine{}, &fakeSink{})

		env := queue.Envelope{
			FlowID:  "flow-1",
			Payload: payload(t, models.SyncCycleFinishedJob{IngestionSourceID: "src-1", UserCount: 1}),
		}
		_, err = s.HandleSyncCycleFinished(context.Background(), env)
		require.NoError(t, err)

		assert.Equal(t, models.StatusActive, meta.finalStatus)
		assert.Equal(t, "Continuous sync cycle finished successfully.", meta.finalMsg)
	})
}

func TestBarrierSurfacesProviderNotice(t *testing.T) {
	box, err := crypto.NewBox("test-secret")
	require.NoError(t, err)
	meta := &fakeMeta{source: testSource(t, box, models.ProviderGoogleWorkspace)}
	flows := &fakeFlows{results: []json.RawMessage{
		payload(t, models.SyncState{
			Google:        map[string]models.GoogleMailboxState{"a@example.com": {HistoryID: "99"}},
			StatusMessage: "Sync finished early due to provider rate limits.",
		}),
	}}
	s := testSyncer(t, meta, flows, &fakeConnector{}, &fakeEngine{}, &fakeSink{})

	env := queue.Envelope{
		FlowID:  "flow-1",
		Payload: payload(t, models.SyncCycleFinishedJob{IngestionSourceID: "src-1", UserCount: 1}),
	}
	_, err = s.HandleSyncCycleFinished(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, models.StatusActive, meta.finalStatus)
	assert.Equal(t, "Sync finished early due to provider rate limits.", meta.finalMsg)
	require.NotNil(t, meta.finalState)
	assert.Empty(t, meta.finalState.StatusMessage, "notices are not persisted as checkpoint data")
	assert.Equal(t, "99", meta.finalState.Google["a@example.com"].HistoryID)
}
