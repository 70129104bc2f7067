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

// Package queue implements a Redis-backed job queue with flow support.
// A flow enqueues N child jobs and holds a parent job back until every
// child has reported a result; the last child to finish pushes the parent
// onto the queue. Child results are collected in a Redis hash keyed by the
// flow id, so the parent handler can read them without polling.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	queueKeyPrefix = "arcmail:queue:"
	flowKeyPrefix  = "arcmail:flow:"
)

// Envelope is the wire form of a queued job.
type Envelope struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	// FlowID is set on flow children and on the held-back parent.
	FlowID string `json:"flow_id,omitempty"`
	// Parent is true when this envelope is a flow parent released by the
	// barrier rather than a directly enqueued job.
	Parent bool `json:"parent,omitempty"`
}

// Job is a named payload to enqueue.
type Job struct {
	Name    string
	Payload interface{}
}

// Queue produces jobs onto a single Redis list.
type Queue struct {
	rdb  *redis.Client
	name string
}

// New creates a queue producer/consumer over the named Redis list.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

func (q *Queue) listKey() string {
	return queueKeyPrefix + q.name
}

func flowKey(flowID string) string {
	return flowKeyPrefix + flowID
}

func flowResultsKey(flowID string) string {
	return flowKeyPrefix + flowID + ":results"
}

// envelope builds an Envelope for a job, marshaling its payload.
func envelope(job Job) (Envelope, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", job.Name, err)
	}
	return Envelope{
		ID:      uuid.New().String(),
		Name:    job.Name,
		Payload: payload,
	}, nil
}

// Add enqueues a single job.
func (q *Queue) Add(ctx context.Context, job Job) error {
	env, err := envelope(job)
	if err != nil {
		return err
	}
	return q.push(ctx, env)
}

// AddFlow enqueues the children immediately and holds the parent back until
// every child has completed. The flow id ties children to the parent.
func (q *Queue) AddFlow(ctx context.Context, parent Job, children []Job) (string, error) {
	if len(children) == 0 {
		// No barrier needed, run the parent straight away.
		if err := q.Add(ctx, parent); err != nil {
			return "", err
		}
		return "", nil
	}

	flowID := uuid.New().String()

	parentEnv, err := envelope(parent)
	if err != nil {
		return "", err
	}
	parentEnv.FlowID = flowID
	parentEnv.Parent = true
	parentJSON, err := json.Marshal(parentEnv)
	if err != nil {
		return "", fmt.Errorf("marshal parent envelope: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, flowKey(flowID), "parent", string(parentJSON), "remaining", len(children))
	pipe.Expire(ctx, flowKey(flowID), 7*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create flow: %w", err)
	}

	for _, child := range children {
		env, err := envelope(child)
		if err != nil {
			return "", err
		}
		env.FlowID = flowID
		if err := q.push(ctx, env); err != nil {
			return "", err
		}
	}

	return flowID, nil
}

func (q *Queue) push(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.listKey(), string(raw)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}
	return nil
}

// completeChild records a child's result and, when it is the last one,
// releases the parent onto the queue. The decrement and the release are
// what make the barrier: HIncrBy is atomic, so exactly one worker sees zero.
func (q *Queue) completeChild(ctx context.Context, env Envelope, result interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal child result: %w", err)
	}

	if err := q.rdb.HSet(ctx, flowResultsKey(env.FlowID), env.ID, string(resultJSON)).Err(); err != nil {
		return fmt.Errorf("record child result: %w", err)
	}
	remaining, err := q.rdb.HIncrBy(ctx, flowKey(env.FlowID), "remaining", -1).Result()
	if err != nil {
		return fmt.Errorf("decrement flow counter: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	parentJSON, err := q.rdb.HGet(ctx, flowKey(env.FlowID), "parent").Result()
	if err != nil {
		return fmt.Errorf("load flow parent: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.listKey(), parentJSON).Err(); err != nil {
		return fmt.Errorf("release flow parent: %w", err)
	}
	return nil
}

// ChildrenValues returns the collected child results for a flow.
func (q *Queue) ChildrenValues(ctx context.Context, flowID string) ([]json.RawMessage, error) {
	all, err := q.rdb.HGetAll(ctx, flowResultsKey(flowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load flow results: %w", err)
	}
	values := make([]json.RawMessage, 0, len(all))
	for _, v := range all {
		values = append(values, json.RawMessage(v))
	}
	return values, nil
}

// CleanupFlow removes a finished flow's bookkeeping keys.
func (q *Queue) CleanupFlow(ctx context.Context, flowID string) error {
	return q.rdb.Del(ctx, flowKey(flowID), flowResultsKey(flowID)).Err()
}

// RemoveMatching deletes queued (not yet claimed) envelopes for which match
// returns true, and returns how many were removed. Used to drop stale sync
// jobs for a source before forcing a fresh one.
func (q *Queue) RemoveMatching(ctx context.Context, match func(Envelope) bool) (int, error) {
	raws, err := q.rdb.LRange(ctx, q.listKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LRANGE: %w", err)
	}

	removed := 0
	for _, raw := range raws {
		env, err := decodeEnvelope([]byte(raw))
		if err != nil {
			continue
		}
		if !match(env) {
			continue
		}
		n, err := q.rdb.LRem(ctx, q.listKey(), 1, raw).Result()
		if err != nil {
			return removed, fmt.Errorf("redis LREM: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Name == "" {
		return Envelope{}, fmt.Errorf("envelope missing job name")
	}
	return env, nil
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}
