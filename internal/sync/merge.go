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

package sync

import "github.com/arcmail/arcmail/internal/models"

// MergeSyncStates deep-merges checkpoint fragments in order: per-mailbox map
// entries accumulate, later scalars win. Inputs are never mutated; nil states
// are skipped, so merging the prior state with a cycle's fragments yields the
// prior state for every mailbox that contributed nothing this cycle.
func MergeSyncStates(states ...*models.SyncState) *models.SyncState {
	merged := &models.SyncState{}
	for _, st := range states {
		if st == nil {
			continue
		}
		for mailbox, frag := range st.Google {
			if merged.Google == nil {
				merged.Google = make(map[string]models.GoogleMailboxState)
			}
			merged.Google[mailbox] = frag
		}
		for mailbox, frag := range st.Microsoft {
			if merged.Microsoft == nil {
				merged.Microsoft = make(map[string]models.MicrosoftMailboxState)
			}
			merged.Microsoft[mailbox] = mergeMicrosoft(merged.Microsoft[mailbox], frag)
		}
		for folder, frag := range st.IMAP {
			if merged.IMAP == nil {
				merged.IMAP = make(map[string]models.IMAPFolderState)
			}
			merged.IMAP[folder] = frag
		}
		if st.LastSyncTimestamp != "" {
			merged.LastSyncTimestamp = st.LastSyncTimestamp
		}
		if st.StatusMessage != "" {
			merged.StatusMessage = st.StatusMessage
		}
	}
	return merged
}

// mergeMicrosoft merges one mailbox's delta tokens folder by folder, since a
// partial cycle may refresh only some folders' tokens.
func mergeMicrosoft(base, frag models.MicrosoftMailboxState) models.MicrosoftMailboxState {
	out := models.MicrosoftMailboxState{DeltaTokens: make(map[string]string, len(base.DeltaTokens)+len(frag.DeltaTokens))}
	for folder, token := range base.DeltaTokens {
		out.DeltaTokens[folder] = token
	}
	for folder, token := range frag.DeltaTokens {
		out.DeltaTokens[folder] = token
	}
	return out
}
