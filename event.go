// event.go: The unit of asynchronous work tracked by a Queue
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"container/list"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	timecache "github.com/agilira/go-timecache"
	"go.uber.org/zap"
)

// Token is a backend-assigned correlation id. Zero means no outstanding
// hardware request.
type Token uint64

// Event represents one outstanding asynchronous operation.
//
// State fields are guarded by the event's own mutex so that backend
// completion callbacks can publish a result from any goroutine. Queue
// linkage is guarded by the lock of the owning Queue.
type Event struct {
	mu        sync.Mutex
	typ       EventType
	dev       *Device
	token     Token
	pending   bool
	done      bool
	result    error
	output    []byte
	submitted time.Time
	completed time.Time

	// retrieve runs once, on the goroutine that pops the finished event.
	retrieve func(*Event)

	// guarded by queue.mu
	queue *Queue
	elem  *list.Element

	// owner mirrors queue for readers that do not hold its lock.
	owner atomic.Pointer[Queue]
}

// Init prepares the event for a new submission on dev.
func (e *Event) Init(t EventType, dev *Device) error {
	if e == nil {
		return invalidArgument("nil event")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.typ = t
	e.dev = dev
	e.token = 0
	if dev != nil {
		if s, ok := dev.session.(PresetTokenSession); ok {
			e.token = s.PresetToken()
		}
	}
	e.pending = true
	e.done = false
	e.result = ErrPending
	e.output = nil
	e.retrieve = nil
	e.submitted = timecache.CachedTime().UTC()
	e.completed = time.Time{}
	return nil
}

// Pop retrieves the result of a finished event.
//
// It returns ErrNotPending when the event type does not match expected,
// ErrPending without touching the event when the operation has not finished,
// and otherwise clears the pending flag, unlinks the event from its queue if
// no drain has harvested it yet, and returns the stored result, which is nil
// on success.
func (e *Event) Pop(expected EventType) error {
	if e == nil {
		return invalidArgument("nil event")
	}

	e.mu.Lock()
	if !e.typ.matches(expected) {
		e.mu.Unlock()
		return ErrNotPending
	}
	if !e.done {
		e.mu.Unlock()
		return ErrPending
	}

	retrieved := e.pending
	hook := e.retrieve
	if retrieved {
		e.retrieve = nil
	} else {
		hook = nil
	}
	e.pending = false
	result := e.result
	e.mu.Unlock()

	// Lock order is queue then event, so unlink only after releasing e.mu.
	if retrieved {
		e.unlink()
	}
	if hook != nil {
		hook(e)
	}
	return result
}

// unlink removes the event from the queue it is linked into, if any.
func (e *Event) unlink() {
	q := e.owner.Load()
	if q == nil {
		return
	}
	if err := q.Remove(e); err != nil && !errors.Is(err, ErrNotQueued) {
		q.logger.Warn("failed to unlink retrieved event", zap.Error(err))
	}
}

// complete publishes a final result. It is the only thing a backend
// callback does to an event. The first call wins.
func (e *Event) complete(result error, output []byte) bool {
	if result == ErrPending {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done || !e.pending {
		return false
	}
	e.done = true
	e.token = 0
	e.result = result
	e.output = output
	e.completed = timecache.CachedTime().UTC()
	return true
}

// reset returns the event to its zero state.
func (e *Event) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.typ = EventTypeNone
	e.dev = nil
	e.token = 0
	e.pending = false
	e.done = false
	e.result = nil
	e.output = nil
	e.retrieve = nil
	e.submitted = time.Time{}
	e.completed = time.Time{}
}

func (e *Event) setToken(t Token) {
	e.mu.Lock()
	if !e.done {
		e.token = t
	}
	e.mu.Unlock()
}

func (e *Event) setRetrieve(fn func(*Event)) {
	e.mu.Lock()
	e.retrieve = fn
	e.mu.Unlock()
}

// snapshot returns the fields the poller needs in one critical section.
func (e *Event) snapshot() (t EventType, dev *Device, token Token, done bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typ, e.dev, e.token, e.done
}

// Type returns the event type.
func (e *Event) Type() EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typ
}

// Device returns the owning device, if any.
func (e *Event) Device() *Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev
}

// Token returns the outstanding correlation token.
func (e *Event) Token() Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

// Pending reports whether a submitted operation has not been retrieved.
func (e *Event) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Done reports whether the backend produced a final result.
func (e *Event) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Result returns the stored result; ErrPending until the event is done.
func (e *Event) Result() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Output returns the bytes produced by the finished operation.
func (e *Event) Output() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.output
}

// Latency returns the time between submission and completion, or zero.
func (e *Event) Latency() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed.IsZero() {
		return 0
	}
	return e.completed.Sub(e.submitted)
}
