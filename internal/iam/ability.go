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

// rule is a compiled policy statement: conditions parsed and the user
// id placeholder interpolated.
type rule struct {
	actions  StringList
	subjects StringList
	cond     *Condition
	inverted bool
	reason   string
}

func (r rule) matchesAction(action string) bool {
	return r.actions.Contains("manage") || r.actions.Contains(action)
}

func (r rule) matchesSubject(subject string) bool {
	return r.subjects.Contains("all") || r.subjects.Contains(subject)
}

// Ability is a user's full compiled permission set. Rules keep their
// definition order; a later rule overrides an earlier one.
type Ability struct {
	rules []rule
}

// NewAbility expands the given policies, interpolates the caller's id
// into conditions, and compiles the result.
func NewAbility(policies []Policy, userID string) (*Ability, error) {
	expanded := ExpandPolicies(policies)
	rules := make([]rule, 0, len(expanded))
	for i, p := range expanded {
		cond, err := parseConditions(p.Conditions)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		cond.interpolate(userID)
		rules = append(rules, rule{
			actions:  p.Action,
			subjects: p.Subject,
			cond:     cond,
			inverted: p.Inverted,
			reason:   p.Reason,
		})
	}
	return &Ability{rules: rules}, nil
}

// Can reports whether the ability permits the action on the subject.
// With a nil resource the check is a type-level one: a conditional
// grant counts as possible. With a resource map the conditions are
// evaluated against it, dotted paths descending into nested maps. The
// last matching rule decides.
func (a *Ability) Can(action, subject string, resource map[string]interface{}) bool {
	for i := len(a.rules) - 1; i >= 0; i-- {
		r := a.rules[i]
		if !r.matchesAction(action) || !r.matchesSubject(subject) {
			continue
		}
		if r.cond != nil && resource != nil && !r.cond.matches(resource) {
			continue
		}
		return !r.inverted
	}
	return false
}

// rulesFor returns the rules relevant to an action/subject pair,
// highest priority first.
func (a *Ability) rulesFor(action, subject string) []rule {
	var out []rule
	for i := len(a.rules) - 1; i >= 0; i-- {
		r := a.rules[i]
		if r.matchesAction(action) && r.matchesSubject(subject) {
			out = append(out, r)
		}
	}
	return out
}
