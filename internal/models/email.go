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

package models

import "time"

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// AttachmentData is a decoded attachment as yielded by a connector.
type AttachmentData struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// EmailObject is a fully parsed email as yielded by a connector stream,
// carrying both structured fields and the raw transport-format bytes.
//
// ID holds the transport Message-ID header when the source provided one;
// it is empty otherwise, and the ingestion engine derives a scoped identity
// from the raw bytes instead.
type EmailObject struct {
	ID          string
	ThreadID    string
	From        []EmailAddress
	To          []EmailAddress
	CC          []EmailAddress
	BCC         []EmailAddress
	Subject     string
	Body        string
	HTML        string
	Headers     map[string][]string
	Attachments []AttachmentData
	ReceivedAt  time.Time
	// Raw is the RFC 5322 byte stream. Connectors whose source does not
	// natively store one (PST) synthesize it.
	Raw  []byte
	Path string
	Tags []string
}

// Recipients groups the address lists of an archived email for storage.
type Recipients struct {
	To  []EmailAddress `json:"to,omitempty"`
	CC  []EmailAddress `json:"cc,omitempty"`
	BCC []EmailAddress `json:"bcc,omitempty"`
}

// ArchivedEmail is the immutable metadata row for one archived message.
// Only the legal-hold flag and tags may change after archiving.
type ArchivedEmail struct {
	ID                string
	IngestionSourceID string
	UserEmail         string
	ThreadID          string
	MessageIDHeader   string
	SentAt            time.Time
	Subject           string
	SenderName        string
	SenderEmail       string
	Recipients        Recipients
	StoragePath       string
	StorageHashSHA256 string
	SizeBytes         int64
	HasAttachments    bool
	IsOnLegalHold     bool
	ArchivedAt        time.Time
	Path              string
	Tags              []string

	// SourceOwnerID is the owner of the parent source, populated on joined
	// reads for permission checks.
	SourceOwnerID string
}

// Attachment is a content-addressed attachment shared across messages.
type Attachment struct {
	ID                string
	Filename          string
	MimeType          string
	SizeBytes         int64
	ContentHashSHA256 string
	StoragePath       string
}

// SearchDocument is the shape handed to the search-index collaborator.
// Field names are camelCase to match the index's filter syntax.
type SearchDocument struct {
	ID                string   `json:"id"`
	IngestionSourceID string   `json:"ingestionSourceId"`
	UserEmail         string   `json:"userEmail"`
	ThreadID          string   `json:"threadId,omitempty"`
	Subject           string   `json:"subject"`
	Body              string   `json:"body"`
	SenderName        string   `json:"senderName,omitempty"`
	SenderEmail       string   `json:"senderEmail"`
	Recipients        []string `json:"recipients,omitempty"`
	SentAt            int64    `json:"sentAt"`
	Path              string   `json:"path,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	HasAttachments    bool     `json:"hasAttachments"`
}

// ThreadEntry is the minimal projection of a message used when listing
// the other messages of a thread.
type ThreadEntry struct {
	ID          string
	Subject     string
	SentAt      time.Time
	SenderEmail string
}
