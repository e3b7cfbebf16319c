// helpers_test.go: Scripted backends and fixtures shared by the test suite
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
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedBackend implements Backend with fully scripted behavior.
type scriptedBackend struct {
	mu   sync.Mutex
	name string
	kind BackendKind

	started   bool
	failStart bool
	failOpen  bool
	instances int

	submitScript []SubmitStatus // consumed one per Submit, then Accepted
	submitErr    error
	submitCalls  int
	nextToken    Token

	completeAfter int              // checks answered pending before the final status
	final         map[Token]Status // final status per token (default success)
	omit          map[Token]bool   // tokens left out of batch responses
	checks        map[Token]int
	checkCalls    int
	checkErrAt    int // CheckStatus call number that fails (0 = never)
	batchCalls    int
	batchSizes    []int

	opened        int
	closed        int
	onCloseSess   func()
	lastDone      CompletionFunc
	submittedOps  []Operation
	sessionTokens Token
}

func newScriptedBackend(kind BackendKind) *scriptedBackend {
	return &scriptedBackend{
		name:      "scripted",
		kind:      kind,
		instances: 1,
		final:     make(map[Token]Status),
		omit:      make(map[Token]bool),
		checks:    make(map[Token]int),
	}
}

type scriptedSession struct {
	instance int
	preset   Token
}

func (s *scriptedSession) PresetToken() Token { return s.preset }

func (b *scriptedBackend) Name() string      { return b.name }
func (b *scriptedBackend) Kind() BackendKind { return b.kind }

func (b *scriptedBackend) Start(ctx context.Context, _ *zap.Logger) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failStart {
		return errors.New("device not present")
	}
	b.started = true
	return ctx.Err()
}

func (b *scriptedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	return nil
}

func (b *scriptedBackend) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *scriptedBackend) Instances() int { return b.instances }

func (b *scriptedBackend) OpenSession(instance int, _ Marker) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOpen {
		return nil, errors.New("no free hardware context")
	}
	b.opened++
	return &scriptedSession{instance: instance, preset: b.sessionTokens}, nil
}

func (b *scriptedBackend) CloseSession(Session) error {
	b.mu.Lock()
	hook := b.onCloseSess
	b.closed++
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (b *scriptedBackend) Submit(_ Session, op Operation, done CompletionFunc) (Token, SubmitStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.submitCalls++
	if b.submitErr != nil {
		return 0, SubmitAccepted, b.submitErr
	}
	if len(b.submitScript) > 0 {
		st := b.submitScript[0]
		b.submitScript = b.submitScript[1:]
		if st == SubmitRetry {
			return 0, SubmitRetry, nil
		}
	}
	b.nextToken++
	b.lastDone = done
	b.submittedOps = append(b.submittedOps, op)
	return b.nextToken, SubmitAccepted, nil
}

// answer produces the scripted status of one token; b.mu must be held.
func (b *scriptedBackend) answer(t Token) Completion {
	b.checks[t]++
	if b.checks[t] <= b.completeAfter {
		return Completion{Token: t, Status: StatusPending}
	}
	st, ok := b.final[t]
	if !ok {
		st = StatusSuccess
	}
	c := Completion{Token: t, Status: st}
	if st == StatusSuccess {
		c.Output = []byte(fmt.Sprintf("out-%d", t))
	}
	return c
}

// scriptedSingle answers one status query per call.
type scriptedSingle struct{ *scriptedBackend }

func (s scriptedSingle) CheckStatus(_ Session, t Token) (Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkCalls++
	if s.checkErrAt > 0 && s.checkCalls == s.checkErrAt {
		return Completion{}, errors.New("status register read failed")
	}
	return s.answer(t), nil
}

// scriptedBatch answers up to capacity queries per call.
type scriptedBatch struct {
	*scriptedBackend
	capacity int
}

func (s scriptedBatch) CheckStatusBatch(tokens []Token) ([]Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	s.batchSizes = append(s.batchSizes, len(tokens))
	if len(tokens) > s.capacity {
		return nil, fmt.Errorf("batch of %d over capacity", len(tokens))
	}
	out := make([]Completion, 0, len(tokens))
	for i := len(tokens) - 1; i >= 0; i-- { // answer out of order
		t := tokens[i]
		if s.omit[t] {
			continue
		}
		out = append(out, s.answer(t))
	}
	return out, nil
}

func (s scriptedBatch) BatchCapacity() int { return s.capacity }

// startWith starts backend b on a fresh registry. mutate may adjust the
// configuration before start.
func startWith(t *testing.T, b Backend, mutate func(*Config)) (*Registry, *Handle) {
	t.Helper()

	reg := NewRegistry(nil)
	require.NoError(t, reg.RegisterBackend("scripted", func(*Config) (Backend, error) { return b, nil }))

	cfg := DefaultConfig()
	cfg.Backend = "scripted"
	cfg.Thresholds = nil
	if mutate != nil {
		mutate(cfg)
	}
	h, err := reg.Start(cfg)
	require.NoError(t, err)
	return reg, h
}

// startSoftware starts the software backend with no offload thresholds.
func startSoftware(t *testing.T, mutate func(*Config)) (*Registry, *Handle) {
	t.Helper()

	reg := NewRegistry(nil)
	cfg := DefaultConfig()
	cfg.Thresholds = nil
	if mutate != nil {
		mutate(cfg)
	}
	h, err := reg.Start(cfg)
	require.NoError(t, err)
	return reg, h
}

// startAccelerator starts the accelerator in the given mode.
func startAccelerator(t *testing.T, mode BackendKind, mutate func(*Config)) (*Registry, *Handle) {
	t.Helper()

	reg := NewRegistry(nil)
	cfg := DefaultConfig()
	cfg.Backend = BackendAccelerator
	cfg.Thresholds = nil
	cfg.Accelerator.Mode = mode
	cfg.Accelerator.Latency = 0
	if mutate != nil {
		mutate(cfg)
	}
	h, err := reg.Start(cfg)
	require.NoError(t, err)
	return reg, h
}

func openDevice(t *testing.T, h *Handle, m Marker, cfg *DeviceConfig) *Device {
	t.Helper()
	d, err := h.NewDevice(m, cfg)
	require.NoError(t, err)
	return d
}

// failingHeap refuses allocations once its budget is spent.
type failingHeap struct {
	mu        sync.Mutex
	budget    int
	allocs    int
	frees     int
	heldBytes int
}

func (h *failingHeap) Alloc(size int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.budget <= 0 {
		return nil, errors.New("dma pool exhausted")
	}
	h.budget--
	h.allocs++
	h.heldBytes += size
	return make([]byte, size), nil
}

func (h *failingHeap) Free(buf []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frees++
	h.heldBytes -= len(buf)
}

func (h *failingHeap) outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocs - h.frees
}

var testKey32 = []byte("0123456789abcdef0123456789abcdef")
