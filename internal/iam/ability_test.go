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

package iam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManageImpliesEveryAction(t *testing.T) {
	ability, err := NewAbility(SuperAdminPolicies(), "admin")
	require.NoError(t, err)

	for _, action := range []string{"create", "read", "update", "delete", "search", "export", "sync"} {
		assert.True(t, ability.Can(action, "archive", nil), action)
		assert.True(t, ability.Can(action, "ingestion", nil), action)
	}
}

func TestLastMatchingRuleWins(t *testing.T) {
	policies := []Policy{
		{Action: StringList{"manage"}, Subject: StringList{"archive"}},
		{Action: StringList{"delete"}, Subject: StringList{"archive"}, Inverted: true},
	}
	ability, err := NewAbility(policies, "u1")
	require.NoError(t, err)

	assert.True(t, ability.Can("read", "archive", nil))
	assert.False(t, ability.Can("delete", "archive", nil))
}

func TestConditionsEvaluateAgainstResource(t *testing.T) {
	ability, err := NewAbility(EndUserPolicies(), "u1")
	require.NoError(t, err)

	mine := map[string]interface{}{
		"ingestionSource": map[string]interface{}{"userId": "u1"},
	}
	theirs := map[string]interface{}{
		"ingestionSource": map[string]interface{}{"userId": "u2"},
	}
	assert.True(t, ability.Can("read", "archive", mine))
	assert.False(t, ability.Can("read", "archive", theirs))

	// Type-level check: a conditional grant counts as possible.
	assert.True(t, ability.Can("read", "archive", nil))
}

func TestOwnSourceConditionInterpolated(t *testing.T) {
	ability, err := NewAbility(EndUserPolicies(), "u1")
	require.NoError(t, err)

	own := map[string]interface{}{"userId": "u1"}
	foreign := map[string]interface{}{"userId": "u2"}
	assert.True(t, ability.Can("delete", "ingestion", own))
	assert.False(t, ability.Can("delete", "ingestion", foreign))
	// Unconditional create grant applies to any source.
	assert.True(t, ability.Can("create", "ingestion", foreign))
}

func TestNoMatchingRuleDenies(t *testing.T) {
	ability, err := NewAbility(ReadOnlyPolicies(), "u1")
	require.NoError(t, err)

	assert.True(t, ability.Can("read", "archive", nil))
	assert.True(t, ability.Can("search", "archive", nil))
	assert.False(t, ability.Can("delete", "archive", nil))
	assert.False(t, ability.Can("create", "ingestion", nil))
}

func TestIngestionGrantMirroredToArchive(t *testing.T) {
	policies := []Policy{
		{
			Action:     StringList{"read"},
			Subject:    StringList{"ingestion"},
			Conditions: map[string]interface{}{"id": "src-1"},
		},
	}
	expanded := ExpandPolicies(policies)
	require.Len(t, expanded, 2)
	assert.Equal(t, StringList{"archive"}, expanded[1].Subject)
	assert.Equal(t, "src-1", expanded[1].Conditions["ingestionSourceId"])

	ability, err := NewAbility(policies, "u1")
	require.NoError(t, err)
	assert.True(t, ability.Can("read", "archive", map[string]interface{}{
		"ingestionSourceId": "src-1",
	}))
	assert.False(t, ability.Can("read", "archive", map[string]interface{}{
		"ingestionSourceId": "src-2",
	}))
}

func TestExplicitArchiveRuleBlocksExpansion(t *testing.T) {
	policies := []Policy{
		{Action: StringList{"read"}, Subject: StringList{"ingestion"}},
		{
			Action:     StringList{"read"},
			Subject:    StringList{"archive"},
			Conditions: map[string]interface{}{"ingestionSourceId": "src-1"},
		},
	}
	expanded := ExpandPolicies(policies)
	// No mirror appended: the explicit archive rule stays authoritative.
	require.Len(t, expanded, 2)

	ability, err := NewAbility(policies, "u1")
	require.NoError(t, err)
	assert.False(t, ability.Can("read", "archive", map[string]interface{}{
		"ingestionSourceId": "src-2",
	}))
}

func TestArchiveManageBlocksExpansion(t *testing.T) {
	policies := []Policy{
		{
			Action:     StringList{"manage"},
			Subject:    StringList{"archive"},
			Conditions: map[string]interface{}{"ingestionSource.userId": "u1"},
		},
		{Action: StringList{"read"}, Subject: StringList{"ingestion"}},
	}
	expanded := ExpandPolicies(policies)
	require.Len(t, expanded, 2)
}

func TestInvertedIngestionRuleNotMirrored(t *testing.T) {
	policies := []Policy{
		{Action: StringList{"read"}, Subject: StringList{"ingestion"}, Inverted: true},
	}
	expanded := ExpandPolicies(policies)
	require.Len(t, expanded, 1)
}

func TestTranslateIngestionConditions(t *testing.T) {
	translated := translateIngestionConditions(map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"id": "src-1"},
			map[string]interface{}{"userId": "u1"},
		},
		"provider": "google_workspace",
		"subject":  "untouched",
	})

	or := translated["$or"].([]interface{})
	assert.Equal(t, map[string]interface{}{"ingestionSourceId": "src-1"}, or[0])
	assert.Equal(t, map[string]interface{}{"ingestionSource.userId": "u1"}, or[1])
	assert.Equal(t, "google_workspace", translated["ingestionSource.provider"])
	assert.Equal(t, "untouched", translated["subject"])
}

func TestValidatePolicyWhitelists(t *testing.T) {
	require.NoError(t, ValidatePolicies(EndUserPolicies()))
	require.NoError(t, ValidatePolicies(ReadOnlyPolicies()))
	require.NoError(t, ValidatePolicies(SuperAdminPolicies()))

	err := ValidatePolicy(Policy{Action: StringList{"fly"}, Subject: StringList{"archive"}})
	require.ErrorContains(t, err, `invalid action "fly"`)

	err = ValidatePolicy(Policy{Action: StringList{"read"}, Subject: StringList{"moon"}})
	require.ErrorContains(t, err, `invalid subject "moon"`)

	err = ValidatePolicy(Policy{Action: StringList{"read"}})
	require.ErrorContains(t, err, "missing required")

	err = ValidatePolicy(Policy{
		Action:     StringList{"read"},
		Subject:    StringList{"archive"},
		Conditions: map[string]interface{}{"sentAt": map[string]interface{}{"$near": 1}},
	})
	require.ErrorContains(t, err, "unsupported operator")
}

func TestStringListAcceptsBothForms(t *testing.T) {
	policies, err := ParsePolicies([]byte(`[
		{"action": "read", "subject": "archive"},
		{"action": ["read", "search"], "subject": ["archive", "ingestion"]}
	]`))
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, StringList{"read"}, policies[0].Action)
	assert.Equal(t, StringList{"read", "search"}, policies[1].Action)
	assert.Equal(t, StringList{"archive", "ingestion"}, policies[1].Subject)
}
