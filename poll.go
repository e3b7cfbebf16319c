// poll.go: Completion poller, the scan and drain passes over a Queue
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"go.uber.org/zap"
)

// PollFlag adjusts a poll pass.
type PollFlag uint32

const (
	// PollCheckHW runs the scan pass, asking backends for new completions.
	// Without it Poll only harvests events that are already done.
	PollCheckHW PollFlag = 1 << iota
	// PollNoDrain runs the scan pass only and leaves done events queued.
	PollNoDrain
)

// Poll runs one poll pass over the queue.
//
// With PollCheckHW it first walks every asynchronous event owned by filter
// (all events when filter is nil) and updates its state from the backend.
// It then removes done events, head to tail, storing them in dst. A nil dst
// harvests every done event and only counts them; otherwise at most len(dst)
// events are removed.
//
// A failing status check aborts the scan. Events already done are still
// harvested and the error is returned alongside the count.
func (q *Queue) Poll(filter *Device, dst []*Event, flags PollFlag) (int, error) {
	if q == nil {
		return 0, invalidArgument("nil queue")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.stats.polls.Add(1)

	var scanErr error
	if flags&PollCheckHW != 0 {
		scanErr = q.scanLocked(filter)
		if scanErr != nil {
			q.logger.Debug("poll scan aborted", zap.Error(scanErr))
		}
	}
	if flags&PollNoDrain != 0 {
		return 0, scanErr
	}
	return q.drainLocked(filter, dst), scanErr
}

// Drain polls with PollCheckHW and returns at most limit finished events
// (all of them when limit <= 0).
func (q *Queue) Drain(filter *Device, limit int) ([]*Event, error) {
	if q == nil {
		return nil, invalidArgument("nil queue")
	}
	if limit <= 0 {
		limit = q.Len()
		if limit == 0 {
			return nil, nil
		}
	}
	dst := make([]*Event, limit)
	n, err := q.Poll(filter, dst, PollCheckHW)
	return dst[:n], err
}

// batchRound accumulates tokens for one batch-capable backend.
type batchRound struct {
	checker  BatchChecker
	capacity int
	tokens   []Token
	events   map[Token]*Event
}

func (q *Queue) scanLocked(filter *Device) error {
	var (
		position int
		rounds   []*batchRound
	)

	roundFor := func(bc BatchChecker) *batchRound {
		for _, r := range rounds {
			if r.checker == bc {
				return r
			}
		}
		capacity := bc.BatchCapacity()
		if capacity <= 0 {
			capacity = q.batchCapacity
		}
		r := &batchRound{
			checker:  bc,
			capacity: capacity,
			tokens:   make([]Token, 0, capacity),
			events:   make(map[Token]*Event, capacity),
		}
		rounds = append(rounds, r)
		return r
	}

	for el := q.events.Front(); el != nil; el = el.Next() {
		ev := el.Value.(*Event)
		typ, dev, token, done := ev.snapshot()
		if !typ.IsAsync() || dev == nil || (filter != nil && dev != filter) {
			continue
		}
		position++
		if done {
			continue
		}

		switch be := dev.backend.(type) {
		case Executor:
			if mod := be.SkipMod(); mod > 0 && position%mod == 0 {
				q.stats.skips.Add(1)
				continue
			}
			q.stats.executions.Add(1)
			out, err := be.Execute(dev.session, dev.inflight)
			ev.complete(err, out)

		case BatchChecker:
			if token == 0 {
				continue
			}
			r := roundFor(be)
			r.tokens = append(r.tokens, token)
			r.events[token] = ev
			if len(r.tokens) >= r.capacity {
				if err := q.flushBatch(r); err != nil {
					return err
				}
			}

		case StatusChecker:
			if token == 0 {
				continue
			}
			q.stats.checks.Add(1)
			c, err := be.CheckStatus(dev.session, token)
			if err != nil {
				return wrapError(ErrBackendFailure, err, ErrCodeBackendFailure, "status check failed")
			}
			if res := TranslateStatus(c.Status, q.logger); res != ErrPending {
				ev.complete(res, c.Output)
			}
		}
		// Callback backends publish completions on their own.
	}

	for _, r := range rounds {
		if len(r.tokens) == 0 {
			continue
		}
		if err := q.flushBatch(r); err != nil {
			return err
		}
	}
	return nil
}

// flushBatch issues one batched status call and fans the answers out.
// Tokens missing from the response stay pending for the next pass.
func (q *Queue) flushBatch(r *batchRound) error {
	q.stats.batchCalls.Add(1)
	completions, err := r.checker.CheckStatusBatch(r.tokens)
	if err != nil {
		return wrapError(ErrBackendFailure, err, ErrCodeBackendFailure, "batched status check failed")
	}

	for _, c := range completions {
		ev, ok := r.events[c.Token]
		if !ok {
			continue
		}
		delete(r.events, c.Token)
		if res := TranslateStatus(c.Status, q.logger); res != ErrPending {
			ev.complete(res, c.Output)
		}
	}
	for token := range r.events {
		q.stats.batchMisses.Add(1)
		q.logger.Debug("token missing from batch response", zap.Uint64("token", uint64(token)))
		delete(r.events, token)
	}

	r.tokens = r.tokens[:0]
	return nil
}

func (q *Queue) drainLocked(filter *Device, dst []*Event) int {
	n := 0
	for el := q.events.Front(); el != nil; {
		next := el.Next()
		ev := el.Value.(*Event)
		typ, dev, _, done := ev.snapshot()
		if done && typ.IsAsync() && (filter == nil || dev == filter) {
			if dst != nil {
				if n >= len(dst) {
					break
				}
				dst[n] = ev
			}
			q.events.Remove(el)
			ev.elem = nil
			ev.queue = nil
			ev.owner.Store(nil)
			q.stats.removes.Add(1)
			q.stats.drained.Add(1)
			n++
		}
		el = next
	}
	return n
}
