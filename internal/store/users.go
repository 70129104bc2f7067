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

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

// User is an operator account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	CreatedAt    time.Time
}

// Role is a named, ordered set of policy statements stored as JSON. The iam
// package owns the statement shape; the store treats it as opaque.
type Role struct {
	ID       string
	Name     string
	Policies json.RawMessage
}

// CountUsers returns the number of registered users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, first_name, last_name)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName)
	return err
}

// GetUserByEmail retrieves a user by email, or nil.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, first_name, last_name, created_at
		FROM users WHERE email = $1
	`, email)
	return scanUser(row)
}

// GetUser retrieves a user by id, or nil.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, first_name, last_name, created_at
		FROM users WHERE id = $1
	`, id)
	return scanUser(row)
}

// CreateRole inserts or updates a role by name.
func (s *Store) CreateRole(ctx context.Context, r *Role) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO roles (id, name, policies)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET policies = EXCLUDED.policies
	`, r.ID, r.Name, r.Policies)
	return err
}

// GetRoleByName retrieves a role, or nil.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, policies FROM roles WHERE name = $1`, name)
	var r Role
	err := row.Scan(&r.ID, &r.Name, &r.Policies)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// AssignRole grants a role to a user. Re-granting is a no-op.
func (s *Store) AssignRole(ctx context.Context, userID, roleID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, roleID)
	return err
}

// RolesForUser returns all roles granted to a user.
func (s *Store) RolesForUser(ctx context.Context, userID string) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, r.policies
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Policies); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
