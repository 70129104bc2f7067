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
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/storage"
)

// validateUpload checks that an uploaded archive file is present in storage
// and carries the expected extension. Returned errors are wrapped as
// ConnectionError by the callers.
func validateUpload(ctx context.Context, store *storage.Store, path, ext string) error {
	if path == "" {
		return fmt.Errorf("uploaded file path not provided")
	}
	if !strings.Contains(strings.ToLower(path), ext) {
		return fmt.Errorf("provided file is not in the %s format", strings.TrimPrefix(ext, "."))
	}
	exists, err := store.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("check upload: %w", err)
	}
	if !exists {
		return fmt.Errorf("file upload not finished yet, please wait")
	}
	return nil
}

// syntheticMailbox builds the single mailbox a file-based source exposes,
// named after the uploaded file.
func syntheticMailbox(fileName, domain string) models.MailboxUser {
	display := fileName
	if display == "" {
		display = fmt.Sprintf("%s-import-%d", domain, time.Now().UnixMilli())
	}
	email := strings.ToLower(strings.ReplaceAll(display, " ", ".")) + "@" + domain + ".local"
	return models.MailboxUser{
		ID:           email,
		PrimaryEmail: email,
		DisplayName:  display,
	}
}

// downloadUpload copies the uploaded archive from storage into a temp file
// and returns it positioned at the start. The caller removes it.
func downloadUpload(ctx context.Context, store *storage.Store, path, pattern string) (*os.File, error) {
	body, err := store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetch upload %s: %w", path, err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("download upload %s: %w", path, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	return tmp, nil
}

// deleteUploadAfterImport removes the raw upload once a full extraction pass
// has succeeded. A failed pass keeps the upload so the import can be retried.
func deleteUploadAfterImport(store *storage.Store, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Delete(ctx, path); err != nil {
		slog.Error("failed to delete upload after import", "file", path, "error", err)
	}
}
