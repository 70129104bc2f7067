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
	"archive/zip"
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/storage"
)

// EML imports a zip archive of .eml files. The zip's directory structure
// becomes the archived folder path of each message.
type EML struct {
	creds models.Credentials
	store *storage.Store
}

// NewEML creates a connector over an uploaded zip of .eml files.
func NewEML(creds models.Credentials, store *storage.Store) *EML {
	return &EML{creds: creds, store: store}
}

func (c *EML) TestConnection(ctx context.Context) error {
	if err := validateUpload(ctx, c.store, c.creds.UploadedFilePath, ".zip"); err != nil {
		return &ConnectionError{Provider: models.ProviderEML, Err: err}
	}
	return nil
}

func (c *EML) ListAllUsers(ctx context.Context) ([]models.MailboxUser, error) {
	return []models.MailboxUser{syntheticMailbox(c.creds.UploadedFileName, "eml")}, nil
}

func (c *EML) FetchEmails(ctx context.Context, mailbox string, state *models.SyncState) (Iterator, error) {
	tmp, err := downloadUpload(ctx, c.store, c.creds.UploadedFilePath, "eml-import-*.zip")
	if err != nil {
		return nil, err
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	zr, err := zip.NewReader(tmp, info.Size())
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return &emlIterator{
		store:      c.store,
		uploadPath: c.creds.UploadedFilePath,
		tmp:        tmp,
		files:      zr.File,
	}, nil
}

func (c *EML) UpdatedSyncState(mailbox string) models.SyncState { return models.SyncState{} }

func (c *EML) Close() error { return nil }

type emlIterator struct {
	store      *storage.Store
	uploadPath string
	tmp        *os.File
	files      []*zip.File
	pos        int
	exhausted  bool
}

func (it *emlIterator) Next(ctx context.Context) (*models.EmailObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for it.pos < len(it.files) {
		f := it.files[it.pos]
		it.pos++

		name := f.Name
		// macOS zips carry resource-fork shadows under __MACOSX/.
		if strings.HasPrefix(name, "__MACOSX/") || f.FileInfo().IsDir() {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(name), ".eml") {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			slog.Error("failed to open zip entry, skipping", "entry", name, "error", err)
			return nil, nil
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			slog.Error("failed to read zip entry, skipping", "entry", name, "error", err)
			return nil, nil
		}

		folder := path.Dir(name)
		if folder == "." {
			folder = ""
		}
		return ParseMessage(raw, folder), nil
	}

	it.exhausted = true
	return nil, io.EOF
}

func (it *emlIterator) Close() error {
	it.tmp.Close()
	os.Remove(it.tmp.Name())
	if it.exhausted {
		deleteUploadAfterImport(it.store, it.uploadPath)
	}
	return nil
}
