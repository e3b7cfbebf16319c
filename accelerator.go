// accelerator.go: In-process accelerator with request ids and a bounded ring
//
// The accelerator behaves like an offload card: each engine owns a ring of
// at most MaxPending requests processed by worker goroutines, a full ring
// answers SubmitRetry, and completions are either queried (one request or a
// batch per call) or pushed through a completion callback from a worker
// goroutine. NewAccelerator returns a view exposing exactly one of those
// completion models.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	maxEngines  = 256
	engineShift = 8
)

type accelJob struct {
	token      Token
	op         Operation
	done       CompletionFunc
	finished   bool
	completion Completion
}

type engine struct {
	idx      int
	mu       sync.Mutex
	jobs     map[Token]*accelJob
	inflight int
	work     chan *accelJob
}

type accelSession struct {
	engine int
	marker Marker
}

// accelerator is the shared core behind every completion model.
type accelerator struct {
	cfg     AcceleratorConfig
	engines []*engine
	ciphers *cipherCache
	logger  *zap.Logger
	seq     atomic.Uint64
	started atomic.Bool
	wg      sync.WaitGroup
	mu      sync.Mutex

	submitted atomic.Uint64
	retries   atomic.Uint64
	completed atomic.Uint64
}

// AcceleratorStats is a snapshot of accelerator counters.
type AcceleratorStats struct {
	Submitted uint64 `json:"submitted" yaml:"submitted"`
	Retries   uint64 `json:"retries" yaml:"retries"`
	Completed uint64 `json:"completed" yaml:"completed"`
	InFlight  int    `json:"in_flight" yaml:"in_flight"`
}

// NewAccelerator builds an accelerator whose completion model follows
// cfg.Accelerator.Mode.
func NewAccelerator(cfg *Config) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ac := cfg.Accelerator
	if ac.Instances <= 0 || ac.Instances > maxEngines {
		return nil, invalidArgument("accelerator instances must be in 1..%d (got %d)", maxEngines, ac.Instances)
	}
	if ac.Workers <= 0 || ac.MaxPending <= 0 {
		return nil, invalidArgument("accelerator workers and max_pending must be positive")
	}

	a := &accelerator{
		cfg:     ac,
		ciphers: newCipherCache(defaultCipherEntries),
		logger:  zap.NewNop(),
	}
	switch ac.Mode {
	case KindSingle:
		return &SingleAccelerator{a}, nil
	case KindBatch:
		return &BatchAccelerator{a}, nil
	case KindCallback:
		return &CallbackAccelerator{a}, nil
	}
	return nil, invalidArgument("unknown accelerator mode %q", ac.Mode)
}

// SingleAccelerator answers one status query per request.
type SingleAccelerator struct{ *accelerator }

// BatchAccelerator answers up to BatchCapacity status queries per call.
type BatchAccelerator struct{ *accelerator }

// CallbackAccelerator pushes completions from its worker goroutines.
type CallbackAccelerator struct{ *accelerator }

// Kind reports the single-request status model.
func (s *SingleAccelerator) Kind() BackendKind { return KindSingle }

// Kind reports the batched status model.
func (b *BatchAccelerator) Kind() BackendKind { return KindBatch }

// Kind reports the callback completion model.
func (c *CallbackAccelerator) Kind() BackendKind { return KindCallback }

// CheckStatus reports the state of one request.
func (s *SingleAccelerator) CheckStatus(_ Session, t Token) (Completion, error) {
	return s.check(t), nil
}

// CheckStatusBatch reports the state of every known token in one call.
func (b *BatchAccelerator) CheckStatusBatch(tokens []Token) ([]Completion, error) {
	if len(tokens) > b.cfg.BatchCapacity {
		return nil, invalidArgument("batch of %d exceeds capacity %d", len(tokens), b.cfg.BatchCapacity)
	}
	out := make([]Completion, 0, len(tokens))
	for _, t := range tokens {
		c := b.check(t)
		if c.Status == StatusUnknownRequest {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// BatchCapacity is the largest token slice CheckStatusBatch answers in one call.
func (b *BatchAccelerator) BatchCapacity() int { return b.cfg.BatchCapacity }

// Submit rejects callback-less submissions; the callback is the only
// completion path of this model.
func (c *CallbackAccelerator) Submit(s Session, op Operation, done CompletionFunc) (Token, SubmitStatus, error) {
	if done == nil {
		return 0, SubmitAccepted, invalidArgument("callback accelerator requires a completion callback")
	}
	return c.accelerator.Submit(s, op, done)
}

// Name returns the registry name of the accelerator.
func (a *accelerator) Name() string { return BackendAccelerator }

// Start spawns the workers of every engine. Calling it on a started
// accelerator is a no-op.
func (a *accelerator) Start(ctx context.Context, logger *zap.Logger) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if logger != nil {
		a.logger = logger
	}

	a.engines = make([]*engine, a.cfg.Instances)
	for i := range a.engines {
		e := &engine{
			idx:  i,
			jobs: make(map[Token]*accelJob, a.cfg.MaxPending),
			work: make(chan *accelJob, a.cfg.MaxPending),
		}
		a.engines[i] = e
		for w := 0; w < a.cfg.Workers; w++ {
			a.wg.Add(1)
			go a.worker(e)
		}
	}
	a.started.Store(true)

	a.logger.Info("accelerator started",
		zap.String("mode", string(a.cfg.Mode)),
		zap.Int("instances", a.cfg.Instances),
		zap.Int("workers", a.cfg.Workers),
		zap.Int("max_pending", a.cfg.MaxPending),
		zap.Duration("latency", a.cfg.Latency))
	return nil
}

// Close stops accepting work and waits until every accepted request has
// been processed.
func (a *accelerator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started.Swap(false) {
		return nil
	}
	for _, e := range a.engines {
		e.mu.Lock()
		close(e.work)
		e.mu.Unlock()
	}
	a.wg.Wait()
	a.ciphers.purge()
	a.logger.Info("accelerator stopped", zap.Uint64("completed", a.completed.Load()))
	return nil
}

// IsHealthy reports whether the accelerator is started.
func (a *accelerator) IsHealthy() bool { return a.started.Load() }

// Instances returns the number of engines.
func (a *accelerator) Instances() int { return a.cfg.Instances }

// OpenSession binds a session to engine instance modulo the engine count.
func (a *accelerator) OpenSession(instance int, marker Marker) (Session, error) {
	if !a.started.Load() {
		return nil, newError(ErrInit, ErrCodeInit, "accelerator not started")
	}
	if instance < 0 {
		return nil, invalidArgument("negative instance %d", instance)
	}
	return &accelSession{engine: instance % len(a.engines), marker: marker}, nil
}

// CloseSession releases s. Sessions from another backend are rejected.
func (a *accelerator) CloseSession(s Session) error {
	if _, ok := s.(*accelSession); !ok && s != nil {
		return invalidArgument("foreign session %T", s)
	}
	return nil
}

// Submit queues op on the engine of s. When the engine already holds
// MaxPending requests it returns SubmitRetry and no token.
func (a *accelerator) Submit(s Session, op Operation, done CompletionFunc) (Token, SubmitStatus, error) {
	sess, ok := s.(*accelSession)
	if !ok {
		return 0, SubmitAccepted, invalidArgument("foreign session %T", s)
	}
	if op == nil {
		return 0, SubmitAccepted, invalidArgument("nil operation")
	}

	e := a.engines[sess.engine]
	e.mu.Lock()
	defer e.mu.Unlock()

	// Checked under the engine lock so Close cannot close the ring mid-send.
	if !a.started.Load() {
		return 0, SubmitAccepted, newError(ErrInit, ErrCodeInit, "accelerator not started")
	}
	if e.inflight >= a.cfg.MaxPending {
		a.retries.Add(1)
		return 0, SubmitRetry, nil
	}

	j := &accelJob{
		token: Token(a.seq.Add(1)<<engineShift | uint64(e.idx)),
		op:    op,
		done:  done,
	}
	if done == nil {
		e.jobs[j.token] = j
	}
	e.inflight++
	e.work <- j
	a.submitted.Add(1)
	return j.token, SubmitAccepted, nil
}

func (a *accelerator) worker(e *engine) {
	defer a.wg.Done()

	for j := range e.work {
		if a.cfg.Latency > 0 {
			time.Sleep(a.cfg.Latency)
		}

		c := Completion{Token: j.token, Status: StatusSuccess}
		out, err := j.op.run(a.ciphers)
		if err != nil {
			c.Status = statusFor(err)
			a.logger.Debug("accelerator request failed",
				zap.Uint64("token", uint64(j.token)),
				zap.String("op", j.op.Name()),
				zap.Error(err))
		} else {
			c.Output = out
		}
		a.completed.Add(1)

		e.mu.Lock()
		if j.done != nil {
			e.inflight--
			e.mu.Unlock()
			j.done(c)
			continue
		}
		j.finished = true
		j.completion = c
		e.mu.Unlock()
	}
}

// check answers a status query for one token and retires finished requests.
func (a *accelerator) check(t Token) Completion {
	idx := int(uint64(t) & (1<<engineShift - 1))
	if t == 0 || idx >= len(a.engines) {
		return Completion{Token: t, Status: StatusUnknownRequest}
	}

	e := a.engines[idx]
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[t]
	if !ok {
		return Completion{Token: t, Status: StatusUnknownRequest}
	}
	if !j.finished {
		return Completion{Token: t, Status: StatusPending}
	}
	delete(e.jobs, t)
	e.inflight--
	return j.completion
}

// Stats returns a snapshot of the accelerator counters.
func (a *accelerator) Stats() AcceleratorStats {
	st := AcceleratorStats{
		Submitted: a.submitted.Load(),
		Retries:   a.retries.Load(),
		Completed: a.completed.Load(),
	}
	for _, e := range a.engines {
		e.mu.Lock()
		st.InFlight += e.inflight
		e.mu.Unlock()
	}
	return st
}

func statusFor(err error) Status {
	if errors.Is(err, ErrInvalidArgument) {
		return StatusInvalidLength
	}
	return StatusOpFailed
}

// String summarizes the accelerator for logs.
func (a *accelerator) String() string {
	return fmt.Sprintf("accelerator(%s, %d engines)", a.cfg.Mode, a.cfg.Instances)
}
