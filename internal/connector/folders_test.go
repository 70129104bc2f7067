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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSkipFolder(t *testing.T) {
	skipped := []string{
		"Deleted Items",
		"trash",
		"JUNK EMAIL",
		"Spam",
		"Éléments supprimés",
		"Gelöschte Elemente",
		"удаленные",
		"削除済みアイテム",
		" Papierkorb ",
	}
	for _, name := range skipped {
		assert.True(t, SkipFolder(name), "expected %q to be skipped", name)
	}

	kept := []string{
		"Inbox",
		"Sent Items",
		"Archive",
		"Projects/Trash Compactor", // substring only, not a trash folder
		"",
	}
	for _, name := range kept {
		assert.False(t, SkipFolder(name), "expected %q to be kept", name)
	}
}

func TestMboxFolderHint(t *testing.T) {
	gmail := map[string][]string{"X-Gmail-Labels": {"Receipts,Important"}}
	assert.Equal(t, "Receipts", mboxFolderHint(gmail))

	thunderbird := map[string][]string{"x-folder": {"Local Folders/Invoices"}}
	assert.Equal(t, "Local Folders/Invoices", mboxFolderHint(thunderbird))

	// Gmail labels win over X-Folder when both are present.
	both := map[string][]string{
		"X-Gmail-Labels": {"Inbox"},
		"X-Folder":       {"Other"},
	}
	assert.Equal(t, "Inbox", mboxFolderHint(both))

	assert.Equal(t, "", mboxFolderHint(map[string][]string{}))
}

func TestSyntheticMailbox(t *testing.T) {
	mb := syntheticMailbox("Exported Mail 2024.pst", "pst")
	assert.Equal(t, "exported.mail.2024.pst@pst.local", mb.PrimaryEmail)
	assert.Equal(t, mb.PrimaryEmail, mb.ID)
	assert.Equal(t, "Exported Mail 2024.pst", mb.DisplayName)

	// Unnamed uploads still get a stable shape.
	mb = syntheticMailbox("", "mbox")
	assert.Contains(t, mb.PrimaryEmail, "@mbox.local")
	assert.Contains(t, mb.DisplayName, "mbox-import-")
}

func TestFiletimeToTime(t *testing.T) {
	assert.True(t, filetimeToTime(0).IsZero())

	// 2020-01-01T00:00:00Z in FILETIME ticks.
	const ticks = 132223104000000000
	got := filetimeToTime(ticks)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestEnsureAngleBrackets(t *testing.T) {
	assert.Equal(t, "<id@x>", ensureAngleBrackets("id@x"))
	assert.Equal(t, "<id@x>", ensureAngleBrackets("<id@x>"))
}
