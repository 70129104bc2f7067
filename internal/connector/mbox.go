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
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/emersion/go-mbox"

	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/storage"
)

// Mbox imports a single mbox file. Mbox has no folder structure of its own,
// so the folder path is recovered from client-specific headers where present
// (Gmail's X-Gmail-Labels, Thunderbird's X-Folder).
type Mbox struct {
	creds models.Credentials
	store *storage.Store
}

// NewMbox creates a connector over an uploaded mbox file.
func NewMbox(creds models.Credentials, store *storage.Store) *Mbox {
	return &Mbox{creds: creds, store: store}
}

func (c *Mbox) TestConnection(ctx context.Context) error {
	if err := validateUpload(ctx, c.store, c.creds.UploadedFilePath, ".mbox"); err != nil {
		return &ConnectionError{Provider: models.ProviderMbox, Err: err}
	}
	return nil
}

func (c *Mbox) ListAllUsers(ctx context.Context) ([]models.MailboxUser, error) {
	return []models.MailboxUser{syntheticMailbox(c.creds.UploadedFileName, "mbox")}, nil
}

func (c *Mbox) FetchEmails(ctx context.Context, mailbox string, state *models.SyncState) (Iterator, error) {
	tmp, err := downloadUpload(ctx, c.store, c.creds.UploadedFilePath, "mbox-import-*.mbox")
	if err != nil {
		return nil, err
	}
	return &mboxIterator{
		store:      c.store,
		uploadPath: c.creds.UploadedFilePath,
		tmp:        tmp,
		reader:     mbox.NewReader(tmp),
	}, nil
}

func (c *Mbox) UpdatedSyncState(mailbox string) models.SyncState { return models.SyncState{} }

func (c *Mbox) Close() error { return nil }

type mboxIterator struct {
	store      *storage.Store
	uploadPath string
	tmp        *os.File
	reader     *mbox.Reader
	exhausted  bool
}

func (it *mboxIterator) Next(ctx context.Context) (*models.EmailObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, err := it.reader.NextMessage()
	if err == io.EOF {
		it.exhausted = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(msg)
	if err != nil {
		slog.Error("failed to read mbox message, skipping", "file", it.uploadPath, "error", err)
		return nil, nil
	}

	obj := ParseMessage(raw, "")
	obj.Path = mboxFolderHint(obj.Headers)
	return obj, nil
}

func (it *mboxIterator) Close() error {
	it.tmp.Close()
	os.Remove(it.tmp.Name())
	if it.exhausted {
		deleteUploadAfterImport(it.store, it.uploadPath)
	}
	return nil
}

// mboxFolderHint recovers a folder path from client-specific headers. Gmail
// labels can be hierarchical; the first label is taken as the folder.
func mboxFolderHint(headers map[string][]string) string {
	if labels := headerValue(headers, "X-Gmail-Labels"); labels != "" {
		return strings.TrimSpace(strings.SplitN(labels, ",", 2)[0])
	}
	if folder := headerValue(headers, "X-Folder"); folder != "" {
		return strings.TrimSpace(folder)
	}
	return ""
}

func headerValue(headers map[string][]string, key string) string {
	for k, vs := range headers {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}
