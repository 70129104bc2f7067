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

// Package dedup provides a best-effort seen-filter over Redis SET-with-TTL.
// It narrows the window in which two concurrent mailbox jobs can race on
// the same (message identity, source) pair before the database's unique
// index settles the matter. A Redis failure only disables the fast path.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a message identity stays marked. Sync cycles
	// re-check the database anyway, so a day is plenty.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces seen-keys in Redis.
	keyPrefix = "arcmail:seen:"
)

// Filter tracks which (source, message identity) pairs have been processed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the message identity has NOT been seen for this
// source before. If true, the identity is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, sourceID, messageID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, sourceID, messageID)

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}
