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
	"context"
	"fmt"

	"github.com/arcmail/arcmail/internal/store"
)

// RoleStore loads the roles assigned to a user.
type RoleStore interface {
	RolesForUser(ctx context.Context, userID string) ([]store.Role, error)
}

// Service builds abilities from stored roles and answers permission
// questions.
type Service struct {
	roles   RoleStore
	filters *FilterBuilder
}

func NewService(roles RoleStore, sources SourceLookup) *Service {
	return &Service{roles: roles, filters: NewFilterBuilder(sources)}
}

// AbilityFor compiles the union of a user's role policies.
func (s *Service) AbilityFor(ctx context.Context, userID string) (*Ability, error) {
	roles, err := s.roles.RolesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading roles for %s: %w", userID, err)
	}
	var all []Policy
	for _, role := range roles {
		policies, err := ParsePolicies(role.Policies)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", role.Name, err)
		}
		all = append(all, policies...)
	}
	return NewAbility(all, userID)
}

// Can answers a single permission check for a user.
func (s *Service) Can(ctx context.Context, userID, action, subject string, resource map[string]interface{}) (bool, error) {
	ability, err := s.AbilityFor(ctx, userID)
	if err != nil {
		return false, err
	}
	return ability.Can(action, subject, resource), nil
}

// Filters compiles the user's ability into listing filters for the
// action/subject pair.
func (s *Service) Filters(ctx context.Context, userID, action, subject string) (*store.SQLFilter, string, error) {
	ability, err := s.AbilityFor(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	return s.filters.Build(ctx, ability, action, subject)
}
