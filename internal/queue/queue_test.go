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

package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := envelope(Job{
		Name:    "process-mailbox",
		Payload: map[string]string{"ingestionSourceId": "src-1", "userEmail": "a@example.com"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)
	assert.Equal(t, "process-mailbox", env.Name)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Name, decoded.Name)
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
	assert.Empty(t, decoded.FlowID)
	assert.False(t, decoded.Parent)
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	_, err := decodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	// Valid JSON but not a job.
	_, err = decodeEnvelope([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestEnvelopePayloadDecodes(t *testing.T) {
	type mailboxJob struct {
		IngestionSourceID string `json:"ingestionSourceId"`
		UserEmail         string `json:"userEmail"`
	}

	env, err := envelope(Job{
		Name:    "process-mailbox",
		Payload: mailboxJob{IngestionSourceID: "src-9", UserEmail: "b@example.com"},
	})
	require.NoError(t, err)

	var decoded mailboxJob
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	assert.Equal(t, "src-9", decoded.IngestionSourceID)
	assert.Equal(t, "b@example.com", decoded.UserEmail)
}

func TestFlowKeys(t *testing.T) {
	assert.Equal(t, "arcmail:flow:abc", flowKey("abc"))
	assert.Equal(t, "arcmail:flow:abc:results", flowResultsKey("abc"))

	q := New(nil, "ingestion")
	assert.Equal(t, "arcmail:queue:ingestion", q.listKey())
}
