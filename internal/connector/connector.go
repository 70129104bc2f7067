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

// Package connector provides a uniform streaming contract over heterogeneous
// email sources: live protocols (IMAP, Google Workspace, Microsoft 365) and
// uploaded archive files (PST, EML zip, MBOX).
//
// A connector enumerates mailboxes and streams fully parsed messages per
// mailbox. File-based connectors synthesize exactly one mailbox named after
// the uploaded file, and their upload is deleted from storage only after a
// complete successful pass, so a failed import can be retried.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/storage"
)

// Connector is the uniform surface every provider implements.
type Connector interface {
	// TestConnection performs the provider handshake. A failure is returned
	// as a *ConnectionError and aborts source registration.
	TestConnection(ctx context.Context) error

	// ListAllUsers enumerates the archivable mailboxes of the source.
	ListAllUsers(ctx context.Context) ([]models.MailboxUser, error)

	// FetchEmails opens a message stream for one mailbox, resuming from the
	// prior sync state where the provider supports it. The stream is not
	// restartable mid-flight.
	FetchEmails(ctx context.Context, mailbox string, state *models.SyncState) (Iterator, error)

	// UpdatedSyncState returns the mailbox's checkpoint fragment. Valid only
	// after the mailbox's stream has been exhausted. File-based providers
	// return a zero fragment.
	UpdatedSyncState(mailbox string) models.SyncState

	// Close releases any connection or file handles held by the connector.
	Close() error
}

// Iterator is a pull-based message stream. Next returns io.EOF once the
// stream is exhausted, and may return (nil, nil) for entries the connector
// filtered out (deny-listed folders, unparseable entries); callers skip
// those and keep pulling. Close must be called on every exit path.
type Iterator interface {
	Next(ctx context.Context) (*models.EmailObject, error)
	Close() error
}

// ConnectionError reports a failed provider handshake.
type ConnectionError struct {
	Provider models.Provider
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransientError reports a provider hiccup (rate limit, flaky API) that
// should surface as a per-mailbox failure, not abort sibling mailboxes.
type TransientError struct {
	// RetryAfter is the provider's requested backoff, zero if none given.
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Deps carries the collaborators file-based connectors need to read and
// clean up their uploaded archive.
type Deps struct {
	Storage *storage.Store
}

// New builds the connector for a source's provider kind.
func New(provider models.Provider, creds models.Credentials, deps Deps) (Connector, error) {
	switch provider {
	case models.ProviderIMAP:
		return NewIMAP(creds), nil
	case models.ProviderGoogleWorkspace:
		return NewGoogle(creds), nil
	case models.ProviderM365:
		return NewM365(creds), nil
	case models.ProviderPST:
		return NewPST(creds, deps.Storage), nil
	case models.ProviderEML:
		return NewEML(creds, deps.Storage), nil
	case models.ProviderMbox:
		return NewMbox(creds, deps.Storage), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
