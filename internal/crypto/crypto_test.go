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

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmail/arcmail/internal/models"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := NewBox("test-secret")
	require.NoError(t, err)

	creds := models.Credentials{
		Type:     models.ProviderIMAP,
		Host:     "imap.example.com",
		Port:     993,
		Secure:   true,
		Username: "archive@example.com",
		Password: "hunter2",
	}

	opaque, err := box.EncryptObject(creds)
	require.NoError(t, err)
	assert.NotContains(t, opaque, "hunter2")

	var got models.Credentials
	require.NoError(t, box.DecryptObject(opaque, &got))
	assert.Equal(t, creds, got)
}

func TestDecryptWithWrongKey(t *testing.T) {
	box1, err := NewBox("key-one")
	require.NoError(t, err)
	box2, err := NewBox("key-two")
	require.NoError(t, err)

	opaque, err := box1.EncryptObject(map[string]string{"a": "b"})
	require.NoError(t, err)

	var out map[string]string
	err = box2.DecryptObject(opaque, &out)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptGarbage(t *testing.T) {
	box, err := NewBox("key")
	require.NoError(t, err)

	var out map[string]string
	assert.ErrorIs(t, box.DecryptObject("not base64!!", &out), ErrDecrypt)
	assert.ErrorIs(t, box.DecryptObject("aGVsbG8=", &out), ErrDecrypt)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := NewBox("")
	assert.Error(t, err)
}
