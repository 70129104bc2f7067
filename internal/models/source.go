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

// Package models defines the data structures shared across the archiving service.
package models

import (
	"strings"
	"time"
)

// Provider identifies the kind of email source an ingestion source archives from.
type Provider string

const (
	ProviderIMAP            Provider = "imap"
	ProviderGoogleWorkspace Provider = "google-workspace"
	ProviderM365            Provider = "m365"
	ProviderPST             Provider = "pst"
	ProviderEML             Provider = "eml"
	ProviderMbox            Provider = "mbox"
)

// FileBased reports whether the provider archives from an uploaded file
// rather than a live protocol. File-based sources reach the terminal
// "imported" status after a single extraction pass.
func (p Provider) FileBased() bool {
	switch p {
	case ProviderPST, ProviderEML, ProviderMbox:
		return true
	}
	return false
}

// Valid reports whether p is a known provider kind.
func (p Provider) Valid() bool {
	switch p {
	case ProviderIMAP, ProviderGoogleWorkspace, ProviderM365,
		ProviderPST, ProviderEML, ProviderMbox:
		return true
	}
	return false
}

// SourceStatus is the lifecycle state of an ingestion source.
type SourceStatus string

const (
	StatusPendingAuth SourceStatus = "pending_auth"
	StatusAuthSuccess SourceStatus = "auth_success"
	StatusImporting   SourceStatus = "importing"
	StatusSyncing     SourceStatus = "syncing"
	StatusActive      SourceStatus = "active"
	StatusError       SourceStatus = "error"
	StatusPaused      SourceStatus = "paused"
	StatusImported    SourceStatus = "imported"
)

// Credentials holds the provider-specific connection secrets for a source.
// The Type tag selects which field group is meaningful; the whole struct is
// encrypted as one opaque blob at rest.
type Credentials struct {
	Type Provider `json:"type"`

	// IMAP
	Host              string `json:"host,omitempty"`
	Port              int    `json:"port,omitempty"`
	Secure            bool   `json:"secure,omitempty"`
	AllowInsecureCert bool   `json:"allowInsecureCert,omitempty"`
	Username          string `json:"username,omitempty"`
	Password          string `json:"password,omitempty"`

	// Google Workspace
	ServiceAccountKeyJSON  string `json:"serviceAccountKeyJson,omitempty"`
	ImpersonatedAdminEmail string `json:"impersonatedAdminEmail,omitempty"`

	// Microsoft 365
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	TenantID     string `json:"tenantId,omitempty"`

	// File imports (PST, EML zip, MBOX)
	UploadedFileName string `json:"uploadedFileName,omitempty"`
	UploadedFilePath string `json:"uploadedFilePath,omitempty"`
}

// IngestionSource is an archiving endpoint: one configured provider account
// or uploaded archive file, plus its sync lifecycle state.
type IngestionSource struct {
	ID                    string
	UserID                string
	Name                  string
	Provider              Provider
	Status                SourceStatus
	Credentials           *Credentials // nil when decryption failed or not loaded
	EncryptedCredentials  string       // opaque blob as stored
	LastSyncStartedAt     *time.Time
	LastSyncFinishedAt    *time.Time
	LastSyncStatusMessage string
	SyncState             *SyncState
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// StorageFolder returns the per-source namespace under the storage root,
// e.g. "My-Source-3f2a...". Spaces in the name are replaced with dashes.
func (s *IngestionSource) StorageFolder() string {
	return strings.ReplaceAll(s.Name, " ", "-") + "-" + s.ID
}

// GoogleMailboxState is the per-mailbox checkpoint for Google Workspace.
type GoogleMailboxState struct {
	HistoryID string `json:"historyId"`
}

// MicrosoftMailboxState is the per-mailbox checkpoint for Microsoft 365.
type MicrosoftMailboxState struct {
	DeltaTokens map[string]string `json:"deltaTokens"`
}

// IMAPFolderState is the per-folder checkpoint for generic IMAP.
type IMAPFolderState struct {
	MaxUID uint32 `json:"maxUid"`
}

// SyncState is the provider-shaped checkpoint blob persisted on a source.
// Each mailbox job contributes a fragment; fragments are deep-merged at the
// end of a sync cycle. The shape is provider-defined and evolves by adding
// fields only.
type SyncState struct {
	Google            map[string]GoogleMailboxState    `json:"google,omitempty"`
	Microsoft         map[string]MicrosoftMailboxState `json:"microsoft,omitempty"`
	IMAP              map[string]IMAPFolderState       `json:"imap,omitempty"`
	LastSyncTimestamp string                           `json:"lastSyncTimestamp,omitempty"`
	StatusMessage     string                           `json:"statusMessage,omitempty"`
}

// Empty reports whether the state carries no checkpoint data at all.
func (s *SyncState) Empty() bool {
	if s == nil {
		return true
	}
	return len(s.Google) == 0 && len(s.Microsoft) == 0 && len(s.IMAP) == 0 &&
		s.LastSyncTimestamp == "" && s.StatusMessage == ""
}

// MailboxUser is one archivable mailbox within a source. File-based
// providers synthesize exactly one, named after the uploaded file.
type MailboxUser struct {
	ID           string
	PrimaryEmail string
	DisplayName  string
}
