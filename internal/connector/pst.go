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
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	pst "github.com/mooijtech/go-pst/v6/pkg"
	"github.com/mooijtech/go-pst/v6/pkg/properties"

	"github.com/arcmail/arcmail/internal/models"
	"github.com/arcmail/arcmail/internal/storage"
)

// PST imports an Outlook PST archive. Messages are stored decomposed inside
// the PST, so each one is reconstructed into a multipart MIME document before
// going through the common parser, which keeps the archived bytes re-parseable
// like every other provider's.
type PST struct {
	creds models.Credentials
	store *storage.Store
}

// NewPST creates a connector over an uploaded PST file.
func NewPST(creds models.Credentials, store *storage.Store) *PST {
	return &PST{creds: creds, store: store}
}

func (c *PST) TestConnection(ctx context.Context) error {
	if err := validateUpload(ctx, c.store, c.creds.UploadedFilePath, ".pst"); err != nil {
		return &ConnectionError{Provider: models.ProviderPST, Err: err}
	}
	return nil
}

func (c *PST) ListAllUsers(ctx context.Context) ([]models.MailboxUser, error) {
	return []models.MailboxUser{syntheticMailbox(c.creds.UploadedFileName, "pst")}, nil
}

func (c *PST) FetchEmails(ctx context.Context, mailbox string, state *models.SyncState) (Iterator, error) {
	tmp, err := downloadUpload(ctx, c.store, c.creds.UploadedFilePath, "pst-import-*.pst")
	if err != nil {
		return nil, err
	}
	file, err := pst.New(tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("open pst file: %w", err)
	}
	root, err := file.GetRootFolder()
	if err != nil {
		file.Cleanup()
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("read pst root folder: %w", err)
	}
	return &pstIterator{
		store:      c.store,
		uploadPath: c.creds.UploadedFilePath,
		tmp:        tmp,
		file:       file,
		stack:      []pstFrame{{folder: root, path: ""}},
	}, nil
}

func (c *PST) UpdatedSyncState(mailbox string) models.SyncState { return models.SyncState{} }

func (c *PST) Close() error { return nil }

// pstFrame is one folder pending traversal, with its accumulated path.
type pstFrame struct {
	folder pst.Folder
	path   string
}

// pstIterator walks the folder tree depth-first, draining each folder's
// message iterator before descending.
type pstIterator struct {
	store      *storage.Store
	uploadPath string
	tmp        *os.File
	file       *pst.File

	stack     []pstFrame
	messages  *pst.MessageIterator
	current   string // folder path of the active message iterator
	exhausted bool
}

func (it *pstIterator) Next(ctx context.Context) (*models.EmailObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for {
		if it.messages != nil {
			if it.messages.Next() {
				msg := it.messages.Value()
				obj, err := it.buildEmail(msg)
				if err != nil {
					slog.Error("failed to decode pst message, skipping", "folder", it.current, "error", err)
					return nil, nil
				}
				return obj, nil
			}
			it.messages = nil
		}

		if len(it.stack) == 0 {
			it.exhausted = true
			return nil, io.EOF
		}

		frame := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]

		name := frame.folder.Name
		if SkipFolder(name) {
			slog.Info("skipping pst folder", "folder", name)
			continue
		}

		folderPath := name
		if frame.path != "" {
			folderPath = frame.path + "/" + name
		}

		subFolders, err := frame.folder.GetSubFolders()
		if err != nil {
			return nil, fmt.Errorf("read pst subfolders of %s: %w", name, err)
		}
		for _, sub := range subFolders {
			it.stack = append(it.stack, pstFrame{folder: sub, path: folderPath})
		}

		messages, err := frame.folder.GetMessageIterator()
		if errors.Is(err, pst.ErrMessagesNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read pst messages of %s: %w", name, err)
		}
		it.messages = &messages
		it.current = folderPath
	}
}

func (it *pstIterator) Close() error {
	it.file.Cleanup()
	it.tmp.Close()
	os.Remove(it.tmp.Name())
	if it.exhausted {
		deleteUploadAfterImport(it.store, it.uploadPath)
	}
	return nil
}

func (it *pstIterator) buildEmail(msg *pst.Message) (*models.EmailObject, error) {
	raw, err := it.synthesizeMIME(msg)
	if err != nil {
		return nil, err
	}
	return ParseMessage(raw, it.current), nil
}

const (
	pstBoundary    = "----boundary-arcmail"
	pstAltBoundary = "----boundary-arcmail-alt"
)

// synthesizeMIME reconstructs an RFC 5322 document from a PST message's
// decomposed fields and attachment streams.
func (it *pstIterator) synthesizeMIME(msg *pst.Message) ([]byte, error) {
	props, ok := msg.Properties.(*properties.Message)
	if !ok {
		return nil, fmt.Errorf("unexpected pst message properties type %T", msg.Properties)
	}

	var buf bytes.Buffer

	senderName := props.GetSenderName()
	senderEmail := props.GetSenderEmailAddress()
	if senderName != "" || senderEmail != "" {
		fmt.Fprintf(&buf, "From: %s <%s>\r\n", senderName, senderEmail)
	}
	if to := props.GetDisplayTo(); to != "" {
		fmt.Fprintf(&buf, "To: %s\r\n", to)
	}
	if cc := props.GetDisplayCc(); cc != "" {
		fmt.Fprintf(&buf, "Cc: %s\r\n", cc)
	}
	if bcc := props.GetDisplayBcc(); bcc != "" {
		fmt.Fprintf(&buf, "Bcc: %s\r\n", bcc)
	}
	if subject := props.GetSubject(); subject != "" {
		fmt.Fprintf(&buf, "Subject: %s\r\n", sanitizeHeader(subject))
	}
	if submitted := filetimeToTime(props.GetClientSubmitTime()); !submitted.IsZero() {
		fmt.Fprintf(&buf, "Date: %s\r\n", submitted.UTC().Format(time.RFC1123Z))
	}
	if id := props.GetInternetMessageId(); id != "" {
		fmt.Fprintf(&buf, "Message-ID: %s\r\n", sanitizeHeader(ensureAngleBrackets(id)))
	}
	if reply := props.GetInReplyToId(); reply != "" {
		fmt.Fprintf(&buf, "In-Reply-To: %s\r\n", sanitizeHeader(reply))
	}
	buf.WriteString("MIME-Version: 1.0\r\n")

	attachments, err := it.readAttachments(msg)
	if err != nil {
		return nil, err
	}

	if len(attachments) > 0 {
		fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", pstBoundary)
		fmt.Fprintf(&buf, "--%s\r\n", pstBoundary)
	} else {
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", pstAltBoundary)

	body := props.GetBody()
	html := props.GetBodyHtml()
	if body != "" {
		fmt.Fprintf(&buf, "--%s\r\n", pstAltBoundary)
		buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		buf.WriteString(body)
		buf.WriteString("\r\n\r\n")
	}
	if html != "" {
		fmt.Fprintf(&buf, "--%s\r\n", pstAltBoundary)
		buf.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
		buf.WriteString(html)
		buf.WriteString("\r\n\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", pstAltBoundary)

	for _, att := range attachments {
		fmt.Fprintf(&buf, "\r\n--%s\r\n", pstBoundary)
		fmt.Fprintf(&buf, "Content-Type: %s; name=%q\r\n", att.mimeType, att.filename)
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n", att.filename)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		writeBase64Wrapped(&buf, att.content)
	}
	if len(attachments) > 0 {
		fmt.Fprintf(&buf, "\r\n--%s--\r\n", pstBoundary)
	}

	return buf.Bytes(), nil
}

type pstAttachment struct {
	filename string
	mimeType string
	content  []byte
}

func (it *pstIterator) readAttachments(msg *pst.Message) ([]pstAttachment, error) {
	iter, err := msg.GetAttachmentIterator()
	if errors.Is(err, pst.ErrAttachmentsNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pst attachments: %w", err)
	}

	var out []pstAttachment
	for iter.Next() {
		att := iter.Value()

		var content bytes.Buffer
		if _, err := att.WriteTo(&content); err != nil {
			slog.Error("failed to read pst attachment stream, skipping", "error", err)
			continue
		}

		filename := att.GetAttachLongFilename()
		if filename == "" {
			filename = att.GetAttachFilename()
		}
		if filename == "" {
			filename = "untitled"
		}
		mimeType := att.GetAttachMimeTag()
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		out = append(out, pstAttachment{
			filename: filename,
			mimeType: mimeType,
			content:  content.Bytes(),
		})
	}
	return out, nil
}

// filetimeToTime converts a Windows FILETIME (100ns ticks since 1601-01-01)
// to a time.Time. Zero input yields the zero time.
func filetimeToTime(ft int64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	const epochDelta = 116444736000000000 // ticks between 1601 and 1970
	nsec := (ft - epochDelta) * 100
	return time.Unix(0, nsec).UTC()
}

func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	return strings.ReplaceAll(v, "\n", " ")
}

func ensureAngleBrackets(id string) string {
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

// writeBase64Wrapped emits base64 content with RFC 2045 line wrapping.
func writeBase64Wrapped(buf *bytes.Buffer, content []byte) {
	encoded := base64.StdEncoding.EncodeToString(content)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")
}
