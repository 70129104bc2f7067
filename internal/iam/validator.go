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

import "fmt"

var validActions = map[string]struct{}{
	"manage": {},
	"create": {},
	"read":   {},
	"update": {},
	"delete": {},
	"search": {},
	"export": {},
	"sync":   {},
}

var validSubjects = map[string]struct{}{
	"archive":   {},
	"ingestion": {},
	"settings":  {},
	"users":     {},
	"roles":     {},
	"dashboard": {},
	"all":       {},
}

// ValidatePolicy checks a single statement against the action and
// subject whitelists. Run before a role is saved so malformed policies
// never reach evaluation.
func ValidatePolicy(p Policy) error {
	if len(p.Action) == 0 || len(p.Subject) == 0 {
		return fmt.Errorf(`policy is missing required fields "action" or "subject"`)
	}
	for _, action := range p.Action {
		if _, ok := validActions[action]; !ok {
			return fmt.Errorf("invalid action %q", action)
		}
	}
	for _, subject := range p.Subject {
		if _, ok := validSubjects[subject]; !ok {
			return fmt.Errorf("invalid subject %q", subject)
		}
	}
	if _, err := parseConditions(p.Conditions); err != nil {
		return fmt.Errorf("invalid conditions: %w", err)
	}
	return nil
}

// ValidatePolicies validates every statement of a role.
func ValidatePolicies(policies []Policy) error {
	for i, p := range policies {
		if err := ValidatePolicy(p); err != nil {
			return fmt.Errorf("policy %d: %w", i, err)
		}
	}
	return nil
}
