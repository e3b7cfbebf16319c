// queue.go: Ordered container of in-flight events
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// QueueConfig provides configuration for an event queue
type QueueConfig struct {
	MaxPending    int           `json:"max_pending" yaml:"max_pending" mapstructure:"max_pending"`          // Maximum events held at once (0 = unbounded)
	BatchCapacity int           `json:"batch_capacity" yaml:"batch_capacity" mapstructure:"batch_capacity"` // Tokens per batched status call when the backend does not say
	DrainBackoff  time.Duration `json:"drain_backoff" yaml:"drain_backoff" mapstructure:"drain_backoff"`    // Upper bound of the sleep between force-drain passes
	Logger        *zap.Logger   `json:"-" yaml:"-" mapstructure:"-"`
}

const (
	defaultBatchCapacity = 32
	defaultDrainBackoff  = time.Millisecond
)

// Queue is an ordered, lock-guarded set of in-flight events. One queue
// typically serves one connection or worker; many devices may share it.
//
// Events are held as list elements so removal from any position is O(1)
// given the event handle.
type Queue struct {
	mu            sync.Mutex
	events        *list.List
	maxPending    int
	batchCapacity int
	drainBackoff  time.Duration
	closed        bool
	logger        *zap.Logger
	stats         queueCounters
}

type queueCounters struct {
	pushes      atomic.Uint64
	removes     atomic.Uint64
	polls       atomic.Uint64
	executions  atomic.Uint64
	skips       atomic.Uint64
	checks      atomic.Uint64
	batchCalls  atomic.Uint64
	batchMisses atomic.Uint64
	drained     atomic.Uint64
}

// QueueStats is a point-in-time copy of queue counters.
type QueueStats struct {
	Pushes      uint64 `json:"pushes" yaml:"pushes"`
	Removes     uint64 `json:"removes" yaml:"removes"`
	Polls       uint64 `json:"polls" yaml:"polls"`
	Executions  uint64 `json:"executions" yaml:"executions"`
	Skips       uint64 `json:"skips" yaml:"skips"`
	Checks      uint64 `json:"checks" yaml:"checks"`
	BatchCalls  uint64 `json:"batch_calls" yaml:"batch_calls"`
	BatchMisses uint64 `json:"batch_misses" yaml:"batch_misses"`
	Drained     uint64 `json:"drained" yaml:"drained"`
	Pending     int    `json:"pending" yaml:"pending"`
}

// NewQueue creates an empty queue
func NewQueue(config *QueueConfig) *Queue {
	if config == nil {
		config = &QueueConfig{}
	}

	q := &Queue{
		events:        list.New(),
		maxPending:    config.MaxPending,
		batchCapacity: config.BatchCapacity,
		drainBackoff:  config.DrainBackoff,
		logger:        config.Logger,
	}
	if q.batchCapacity <= 0 {
		q.batchCapacity = defaultBatchCapacity
	}
	if q.drainBackoff <= 0 {
		q.drainBackoff = defaultDrainBackoff
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	return q
}

// Push appends ev at the tail.
func (q *Queue) Push(ev *Event) error {
	if q == nil || ev == nil {
		return invalidArgument("nil queue or event")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return newError(ErrQueueClosed, ErrCodeQueueClosed, "push on closed queue")
	}
	if ev.queue != nil {
		return invalidArgument("event already queued")
	}
	if q.maxPending > 0 && q.events.Len() >= q.maxPending {
		return newError(ErrQueueFull, ErrCodeQueueFull, "queue reached max pending events")
	}

	ev.elem = q.events.PushBack(ev)
	ev.queue = q
	ev.owner.Store(q)
	q.stats.pushes.Add(1)
	return nil
}

// Remove unlinks ev from the queue.
func (q *Queue) Remove(ev *Event) error {
	if q == nil || ev == nil {
		return invalidArgument("nil queue or event")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(ev)
}

// removeLocked unlinks ev; q.mu must be held.
func (q *Queue) removeLocked(ev *Event) error {
	if ev.queue != q || ev.elem == nil {
		return newError(ErrNotQueued, ErrCodeNotQueued, "event is not a member of this queue")
	}
	q.events.Remove(ev.elem)
	ev.elem = nil
	ev.queue = nil
	ev.owner.Store(nil)
	q.stats.removes.Add(1)
	return nil
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events.Len()
}

// Contains reports whether ev is a member of q.
func (q *Queue) Contains(ev *Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return ev != nil && ev.queue == q
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Pushes:      q.stats.pushes.Load(),
		Removes:     q.stats.removes.Load(),
		Polls:       q.stats.polls.Load(),
		Executions:  q.stats.executions.Load(),
		Skips:       q.stats.skips.Load(),
		Checks:      q.stats.checks.Load(),
		BatchCalls:  q.stats.batchCalls.Load(),
		BatchMisses: q.stats.batchMisses.Load(),
		Drained:     q.stats.drained.Load(),
		Pending:     q.Len(),
	}
}

// Close refuses further pushes and polls until every queued event has been
// harvested. If ctx ends first the remaining events are detached and the
// context error is returned.
func (q *Queue) Close(ctx context.Context) error {
	if q == nil {
		return nil
	}

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	backoff := time.Microsecond
	for {
		if q.Len() == 0 {
			return nil
		}
		if _, err := q.Poll(nil, nil, PollCheckHW); err != nil {
			q.logger.Debug("poll during queue close failed", zap.Error(err))
		}
		if q.Len() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			n := q.detachAll()
			q.logger.Warn("queue closed with events still pending", zap.Int("events", n))
			return wrapError(ErrPending, ctx.Err(), ErrCodeQueueClosed, "queue close interrupted")
		case <-time.After(backoff):
		}
		if backoff < q.drainBackoff {
			backoff *= 2
		}
	}
}

func (q *Queue) detachAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for el := q.events.Front(); el != nil; {
		next := el.Next()
		ev := el.Value.(*Event)
		q.events.Remove(el)
		ev.elem = nil
		ev.queue = nil
		ev.owner.Store(nil)
		n++
		el = next
	}
	return n
}
