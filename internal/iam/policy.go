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

// Package iam implements role-based access control over archive data.
// Roles carry policy statements of the shape (action set, subject set,
// optional condition, optional inversion meaning deny). An Ability
// compiles a user's statements and answers single-object checks; a
// FilterBuilder compiles the same statements into a relational WHERE
// fragment and a search-index filter string for listing operations.
package iam

import (
	"encoding/json"
	"fmt"
)

// UserIDPlaceholder marks the evaluating user's own id inside stored
// policy conditions. It is replaced before ability construction, so a
// single role definition can scope every member to their own data.
const UserIDPlaceholder = "{{userId}}"

// StringList accepts both a bare string and an array of strings on the
// wire. Role editors commonly write `"action": "read"` for a single
// action and an array otherwise.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or string array: %w", err)
	}
	*l = StringList(many)
	return nil
}

// Contains reports whether the list holds the given value.
func (l StringList) Contains(v string) bool {
	for _, s := range l {
		if s == v {
			return true
		}
	}
	return false
}

// Policy is a single statement inside a role. Inverted statements deny
// instead of grant; a later statement overrides an earlier one.
type Policy struct {
	Action     StringList             `json:"action"`
	Subject    StringList             `json:"subject"`
	Conditions map[string]interface{} `json:"conditions,omitempty"`
	Inverted   bool                   `json:"inverted,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

// ParsePolicies decodes the JSON policy array stored on a role row.
func ParsePolicies(raw json.RawMessage) ([]Policy, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var policies []Policy
	if err := json.Unmarshal(raw, &policies); err != nil {
		return nil, fmt.Errorf("decoding role policies: %w", err)
	}
	return policies, nil
}

// SuperAdminPolicies is the statement set of the bootstrap role created
// for the very first user: unrestricted manage over everything.
func SuperAdminPolicies() []Policy {
	return []Policy{
		{Action: StringList{"manage"}, Subject: StringList{"all"}},
	}
}

// EndUserPolicies grants a member management of their own ingestion
// sources and of the archive records those sources produced.
func EndUserPolicies() []Policy {
	return []Policy{
		{Action: StringList{"read"}, Subject: StringList{"dashboard"}},
		{Action: StringList{"create"}, Subject: StringList{"ingestion"}},
		{
			Action:     StringList{"manage"},
			Subject:    StringList{"ingestion"},
			Conditions: map[string]interface{}{"userId": UserIDPlaceholder},
		},
		{
			Action:     StringList{"manage"},
			Subject:    StringList{"archive"},
			Conditions: map[string]interface{}{"ingestionSource.userId": UserIDPlaceholder},
		},
	}
}

// ReadOnlyPolicies grants read and search across the archive without
// any mutation rights.
func ReadOnlyPolicies() []Policy {
	return []Policy{
		{
			Action:  StringList{"read", "search"},
			Subject: StringList{"ingestion", "archive", "dashboard", "users", "roles"},
		},
	}
}
