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

package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/arcmail/arcmail/internal/models"
)

// IMAP archives a single account over generic IMAP. Every selectable folder
// is walked; the per-folder checkpoint is the highest UID seen, so a
// continuous cycle only fetches messages above it.
type IMAP struct {
	creds models.Credentials

	// maxUIDs collects the per-folder high-water marks of the last stream.
	maxUIDs map[string]uint32
}

// NewIMAP creates a connector for one IMAP account.
func NewIMAP(creds models.Credentials) *IMAP {
	return &IMAP{creds: creds, maxUIDs: make(map[string]uint32)}
}

func (c *IMAP) dial() (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.creds.Host, c.creds.Port)

	var options imapclient.Options
	if c.creds.AllowInsecureCert {
		options.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var client *imapclient.Client
	var err error
	if c.creds.Secure {
		client, err = imapclient.DialTLS(addr, &options)
	} else {
		client, err = imapclient.DialStartTLS(addr, &options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := client.Login(c.creds.Username, c.creds.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("login as %s: %w", c.creds.Username, err)
	}
	return client, nil
}

func (c *IMAP) TestConnection(ctx context.Context) error {
	client, err := c.dial()
	if err != nil {
		return &ConnectionError{Provider: models.ProviderIMAP, Err: err}
	}
	_ = client.Logout().Wait()
	return nil
}

// ListAllUsers yields the single authenticated account.
func (c *IMAP) ListAllUsers(ctx context.Context) ([]models.MailboxUser, error) {
	return []models.MailboxUser{{
		ID:           c.creds.Username,
		PrimaryEmail: c.creds.Username,
		DisplayName:  c.creds.Username,
	}}, nil
}

func (c *IMAP) FetchEmails(ctx context.Context, mailbox string, state *models.SyncState) (Iterator, error) {
	client, err := c.dial()
	if err != nil {
		return nil, &ConnectionError{Provider: models.ProviderIMAP, Err: err}
	}

	listCmd := client.List("", "*", nil)
	folders, err := listCmd.Collect()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("list folders: %w", err)
	}

	it := &imapIterator{conn: c, client: client, state: state}
	for _, f := range folders {
		if hasAttr(f.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		it.folders = append(it.folders, f.Mailbox)
	}
	return it, nil
}

func (c *IMAP) UpdatedSyncState(mailbox string) models.SyncState {
	states := make(map[string]models.IMAPFolderState, len(c.maxUIDs))
	for folder, uid := range c.maxUIDs {
		states[folder] = models.IMAPFolderState{MaxUID: uid}
	}
	return models.SyncState{IMAP: states}
}

func (c *IMAP) Close() error { return nil }

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}

type imapIterator struct {
	conn   *IMAP
	client *imapclient.Client
	state  *models.SyncState

	folders []string
	pos     int

	current string
	uids    []imap.UID
}

func (it *imapIterator) Next(ctx context.Context) (*models.EmailObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for len(it.uids) == 0 {
		if it.pos >= len(it.folders) {
			return nil, io.EOF
		}
		folder := it.folders[it.pos]
		it.pos++
		if err := it.enterFolder(folder); err != nil {
			slog.Error("failed to open imap folder, skipping", "folder", folder, "error", err)
			return nil, nil
		}
	}

	uid := it.uids[0]
	it.uids = it.uids[1:]

	obj, err := it.fetchOne(uid)
	if err != nil {
		slog.Error("failed to fetch imap message, skipping", "folder", it.current, "uid", uid, "error", err)
		return nil, nil
	}
	if uint32(uid) > it.conn.maxUIDs[it.current] {
		it.conn.maxUIDs[it.current] = uint32(uid)
	}
	return obj, nil
}

// enterFolder selects the folder and searches for UIDs above the prior
// checkpoint.
func (it *imapIterator) enterFolder(folder string) error {
	if _, err := it.client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}

	var prior uint32
	if it.state != nil {
		prior = it.state.IMAP[folder].MaxUID
	}
	// Carry the prior mark forward even when the folder yields nothing, so
	// the merged state never regresses.
	if prior > it.conn.maxUIDs[folder] {
		it.conn.maxUIDs[folder] = prior
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(prior + 1), Stop: 0}}},
	}
	data, err := it.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("uid search %s: %w", folder, err)
	}

	it.current = folder
	it.uids = data.AllUIDs()
	return nil
}

func (it *imapIterator) fetchOne(uid imap.UID) (*models.EmailObject, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := it.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collect message: %w", err)
	}
	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d has no body section", uid)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("close fetch: %w", err)
	}
	return ParseMessage(raw, it.current), nil
}

func (it *imapIterator) Close() error {
	return it.client.Logout().Wait()
}
