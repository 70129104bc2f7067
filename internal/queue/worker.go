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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one job and returns a result. For flow children the
// result is recorded for the parent; for plain jobs it is ignored.
type Handler func(ctx context.Context, env Envelope) (interface{}, error)

// Workers consumes the queue with a fixed pool of goroutines, dispatching
// each envelope to the handler registered for its job name.
type Workers struct {
	queue       *Queue
	concurrency int

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewWorkers creates a worker pool over the queue.
func NewWorkers(q *Queue, concurrency int) *Workers {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Workers{
		queue:       q,
		concurrency: concurrency,
		handlers:    make(map[string]Handler),
	}
}

// Handle registers the handler for a job name. Must be called before Run.
func (w *Workers) Handle(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Run blocks until ctx is cancelled, consuming jobs with the configured
// concurrency. Handler errors are logged, not fatal.
func (w *Workers) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			w.consume(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (w *Workers) consume(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		// BRPOP with a short timeout so cancellation is noticed promptly.
		res, err := w.queue.rdb.BRPop(ctx, 5*time.Second, w.queue.listKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			slog.Error("queue pop failed", "worker", worker, "error", err)
			time.Sleep(time.Second)
			continue
		}
		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}

		env, err := decodeEnvelope([]byte(res[1]))
		if err != nil {
			slog.Error("dropping malformed job", "worker", worker, "error", err)
			continue
		}
		w.dispatch(ctx, env)
	}
}

func (w *Workers) dispatch(ctx context.Context, env Envelope) {
	w.mu.Lock()
	handler, ok := w.handlers[env.Name]
	w.mu.Unlock()
	if !ok {
		slog.Error("no handler registered for job", "job", env.Name, "job_id", env.ID)
		return
	}

	start := time.Now()
	result, err := w.run(ctx, handler, env)
	if err != nil {
		slog.Error("job failed",
			"job", env.Name,
			"job_id", env.ID,
			"flow_id", env.FlowID,
			"duration", time.Since(start),
			"error", err,
		)
	} else {
		slog.Info("job completed",
			"job", env.Name,
			"job_id", env.ID,
			"duration", time.Since(start),
		)
	}

	// Flow children report in even when the handler errored; the parent
	// decides what a failed child means. Parents do not re-enter the barrier.
	if env.FlowID != "" && !env.Parent {
		if result == nil {
			result = map[string]interface{}{}
		}
		if cerr := w.queue.completeChild(ctx, env, result); cerr != nil {
			slog.Error("flow barrier update failed", "job_id", env.ID, "flow_id", env.FlowID, "error", cerr)
		}
	}
}

// run invokes the handler, converting panics into errors so one bad job
// cannot take a worker goroutine down.
func (w *Workers) run(ctx context.Context, handler Handler, env Envelope) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, env)
}
