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

// Job names used on the ingestion queue.
const (
	JobInitialImport     = "initial-import"
	JobContinuousSync    = "continuous-sync"
	JobProcessMailbox    = "process-mailbox"
	JobSyncCycleFinished = "sync-cycle-finished"
)

// InitialImportJob triggers the first bulk import of a source.
type InitialImportJob struct {
	IngestionSourceID string `json:"ingestionSourceId"`
}

// ContinuousSyncJob triggers one continuous sync cycle of a source.
type ContinuousSyncJob struct {
	IngestionSourceID string `json:"ingestionSourceId"`
}

// ProcessMailboxJob archives a single mailbox of a source.
type ProcessMailboxJob struct {
	IngestionSourceID string `json:"ingestionSourceId"`
	UserEmail         string `json:"userEmail"`
}

// SyncCycleFinishedJob is the fan-in barrier closing a sync cycle.
type SyncCycleFinishedJob struct {
	IngestionSourceID string `json:"ingestionSourceId"`
	UserCount         int    `json:"userCount,omitempty"`
	IsInitialImport   bool   `json:"isInitialImport"`
}

// MailboxError is the structured failure descriptor a mailbox job returns
// instead of throwing, so one mailbox's failure never aborts its siblings.
// The Error tag distinguishes it from a SyncState fragment in the barrier.
type MailboxError struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}
