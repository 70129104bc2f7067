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
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/arcmail/arcmail/internal/models"
)

// ParseMessage parses raw RFC 5322 bytes into an EmailObject. folderPath is
// the source folder the message was found in (empty when unknown).
//
// Parsing is lenient: a message whose MIME structure cannot be walked still
// yields an object with the raw bytes and whatever headers were readable,
// because the archive must keep the original even when it cannot render it.
func ParseMessage(raw []byte, folderPath string) *models.EmailObject {
	obj := &models.EmailObject{
		Raw:        raw,
		Path:       folderPath,
		ReceivedAt: time.Now().UTC(),
		Headers:    map[string][]string{},
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		obj.Body = string(raw)
		obj.From = []models.EmailAddress{{Name: "No Sender", Address: "No Sender"}}
		return obj
	}
	defer mr.Close()

	header := mr.Header

	fields := header.Fields()
	for fields.Next() {
		key := fields.Key()
		obj.Headers[key] = append(obj.Headers[key], fields.Value())
	}

	if id, err := header.MessageID(); err == nil {
		obj.ID = id
	}
	if subject, err := header.Subject(); err == nil {
		obj.Subject = subject
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		obj.ReceivedAt = date
	}

	obj.From = parseAddressList(&header, "From")
	obj.To = parseAddressList(&header, "To")
	obj.CC = parseAddressList(&header, "Cc")
	obj.BCC = parseAddressList(&header, "Bcc")
	if len(obj.From) == 0 {
		obj.From = []models.EmailAddress{{Name: "No Sender", Address: "No Sender"}}
	}

	obj.ThreadID = threadID(&header, obj.ID)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what was decoded so far; the raw bytes stay intact.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				if obj.Body == "" {
					obj.Body = string(body)
				}
			case strings.HasPrefix(contentType, "text/html"):
				if obj.HTML == "" {
					obj.HTML = string(body)
				}
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			if filename == "" {
				filename = "untitled"
			}
			contentType, _, _ := h.ContentType()
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			obj.Attachments = append(obj.Attachments, models.AttachmentData{
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(content)),
				Content:     content,
			})
		}
	}

	return obj
}

// threadID derives the conversation identifier: the first References token,
// else In-Reply-To, else a provider conversation id header, else the
// message's own id.
func threadID(header *mail.Header, messageID string) string {
	if refs, err := header.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	if replies, err := header.MsgIDList("In-Reply-To"); err == nil && len(replies) > 0 {
		return replies[0]
	}
	if conv := strings.TrimSpace(header.Get("Conversation-Id")); conv != "" {
		return conv
	}
	return messageID
}

func parseAddressList(header *mail.Header, key string) []models.EmailAddress {
	list, err := header.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]models.EmailAddress, 0, len(list))
	for _, a := range list {
		out = append(out, models.EmailAddress{
			Name:    a.Name,
			Address: strings.ReplaceAll(a.Address, "'", ""),
		})
	}
	return out
}
