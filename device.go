// device.go: Device context binding a crypto object to a backend session
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
)

// DeviceConfig selects where a device queues its events.
type DeviceConfig struct {
	Queue     *Queue    // Queue events are pushed to (nil = handle default)
	EventType EventType // Type stamped on events (zero = EventTypeCrypto)
	Heap      Heap      // Scratch allocator (nil = handle heap)
}

type deviceState int

const (
	stateUninitialized deviceState = iota
	stateOpen
	stateClosed
)

func (s deviceState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	}
	return "uninitialized"
}

// Device couples one crypto object to a backend session. At most one
// operation is in flight per device; its Event is embedded.
//
// A Device is owned by one goroutine at a time. Only the embedded Event is
// touched by pollers and backend callbacks.
type Device struct {
	marker   Marker
	state    deviceState
	handle   *Handle
	backend  Backend
	instance int
	session  Session
	heap     Heap
	queue    *Queue
	evType   EventType
	cfg      *Config
	logger   *zap.Logger

	event    Event
	inflight Operation
	scratch  [][]byte
	stream   *hashStream
	output   []byte

	stats deviceCounters
}

type deviceCounters struct {
	submits     atomic.Uint64
	retries     atomic.Uint64
	yields      atomic.Uint64
	inline      atomic.Uint64
	completions atomic.Uint64
	lastRetries atomic.Uint64
}

// DeviceStats is a snapshot of device counters.
type DeviceStats struct {
	Submits     uint64 `json:"submits" yaml:"submits"`
	Retries     uint64 `json:"retries" yaml:"retries"`
	LastRetries uint64 `json:"last_retries" yaml:"last_retries"`
	Yields      uint64 `json:"yields" yaml:"yields"`
	Inline      uint64 `json:"inline" yaml:"inline"`
	Completions uint64 `json:"completions" yaml:"completions"`
}

// hashStream is the carry-over of a streaming digest: bytes short of a
// full block and the midstate of everything submitted so far.
type hashStream struct {
	partial []byte
	state   []byte
}

// NewDevice opens a device for marker on the handle's backend.
func (h *Handle) NewDevice(marker Marker, cfg *DeviceConfig) (*Device, error) {
	d := &Device{}
	if err := d.Init(h, marker, cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Init opens d in place. d must be zero or closed.
func (d *Device) Init(h *Handle, marker Marker, cfg *DeviceConfig) error {
	if d == nil || h == nil {
		return invalidArgument("nil device or handle")
	}
	if !marker.Valid() {
		return invalidArgument("unknown marker %#x", uint32(marker))
	}
	if d.state == stateOpen {
		return invalidArgument("device already open")
	}
	if cfg == nil {
		cfg = &DeviceConfig{}
	}

	instance, err := h.acquire()
	if err != nil {
		return err
	}
	d.attach(h, marker, instance, cfg.Queue, cfg.EventType, cfg.Heap)

	session, err := d.backend.OpenSession(instance, marker)
	if err != nil {
		h.release()
		d.state = stateUninitialized
		d.marker = 0
		return wrapError(ErrInit, err, ErrCodeInit, fmt.Sprintf("failed to open %s session on %s", marker, d.backend.Name()))
	}
	d.session = session

	d.logger.Debug("device opened", zap.Int("instance", instance))
	return nil
}

func (d *Device) attach(h *Handle, marker Marker, instance int, q *Queue, t EventType, heap Heap) {
	if q == nil {
		q = h.queue
	}
	if t == EventTypeNone {
		t = EventTypeCrypto
	}
	if heap == nil {
		heap = h.heap
	}

	d.marker = marker
	d.state = stateOpen
	d.handle = h
	d.backend = h.backend
	d.instance = instance
	d.session = nil
	d.heap = heap
	d.queue = q
	d.evType = t
	d.cfg = h.cfg
	d.logger = h.logger.With(zap.Stringer("marker", marker))
	d.event.reset()
	d.inflight = nil
	d.scratch = nil
	d.stream = nil
	d.output = nil
}

// Marker returns the device marker; zero once closed.
func (d *Device) Marker() Marker { return d.marker }

// Event returns the embedded event of the current operation.
func (d *Device) Event() *Event { return &d.event }

// Queue returns the queue the device pushes to.
func (d *Device) Queue() *Queue { return d.queue }

// Output returns the result of the last retrieved operation.
func (d *Device) Output() []byte { return d.output }

// IsOpen reports whether the device is open.
func (d *Device) IsOpen() bool { return d != nil && d.state == stateOpen }

// HasSession reports whether a backend session is currently bound.
func (d *Device) HasSession() bool { return d.session != nil }

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() DeviceStats {
	return DeviceStats{
		Submits:     d.stats.submits.Load(),
		Retries:     d.stats.retries.Load(),
		LastRetries: d.stats.lastRetries.Load(),
		Yields:      d.stats.yields.Load(),
		Inline:      d.stats.inline.Load(),
		Completions: d.stats.completions.Load(),
	}
}

// Submit stages op and hands it to the backend.
//
// It returns ErrPending once the operation is in flight; retrieve the
// result with Pop after polling or waiting. A nil return means the
// operation completed inline (below the offload threshold, or a hash update
// that did not fill a block) and Output already holds its result.
func (d *Device) Submit(op Operation) error {
	if d == nil || op == nil {
		return invalidArgument("nil device or operation")
	}
	switch d.state {
	case stateUninitialized:
		return invalidArgument("device not initialized")
	case stateClosed:
		return newError(ErrDeviceClosed, ErrCodeDeviceClosed, "device is closed")
	}
	if d.event.Pending() {
		return newError(ErrInFlight, ErrCodeInFlight, "previous operation not retrieved")
	}
	if !op.accepts(d.marker) {
		return invalidArgument("%s cannot run on a %s device", op.Name(), d.marker)
	}
	if err := op.validate(); err != nil {
		return err
	}
	d.output = nil

	if h, ok := op.(HashOp); ok {
		return d.submitHash(h)
	}
	if c, ok := op.(CipherOp); ok && (c.Mode == ModeEncrypt || c.Mode == ModeDecrypt) && len(c.Input) > MaxChunk {
		return invalidArgument("cbc input of %d bytes exceeds %d; use Do to chunk it", len(c.Input), MaxChunk)
	}
	if t := d.cfg.Threshold(d.marker); t > 0 && op.inputLen() < t {
		d.stats.inline.Add(1)
		out, err := op.run(nil)
		if err != nil {
			return err
		}
		d.output = out
		return nil
	}

	staged, err := d.stage(op)
	if err != nil {
		d.releaseScratch()
		return err
	}
	return d.offload(staged, nil)
}

// submitHash buffers bytes short of a block and offloads whole blocks.
func (d *Device) submitHash(op HashOp) error {
	bs := d.marker.BlockSize()
	if d.stream == nil {
		d.stream = &hashStream{}
	}
	s := d.stream

	total := len(s.partial) + len(op.Data)
	size := total
	if !op.Final {
		size = total - total%bs
	}

	if size == 0 && !op.Final {
		if err := d.carry(op.Data); err != nil {
			return err
		}
		d.stats.inline.Add(1)
		return nil
	}

	payload, err := d.scratchAlloc(size)
	if err != nil {
		return err
	}
	n := copy(payload, s.partial)
	used := copy(payload[n:], op.Data)
	rest := op.Data[used:]

	// Reserve the carry-over buffer now so nothing can fail after submit.
	if len(rest) > 0 && s.partial == nil {
		if err := d.carry(nil); err != nil {
			d.releaseScratch()
			return err
		}
	}

	staged := HashOp{Data: payload, Final: op.Final, alg: d.marker, state: s.state}
	err = d.offload(staged, func(out []byte, result error) {
		if result != nil {
			// The stream lost the submitted blocks; start over.
			d.resetStream()
			return
		}
		if staged.Final {
			d.resetStream()
			d.output = out
			return
		}
		s.state = out
	})
	if !IsPending(err) {
		return err
	}

	// The submitted bytes now live in the payload; keep only the tail.
	if s.partial != nil {
		Zeroize(s.partial)
		s.partial = append(s.partial[:0], rest...)
	}
	return err
}

// carry appends b to the partial block, allocating it on first use.
func (d *Device) carry(b []byte) error {
	s := d.stream
	if s.partial == nil {
		buf, err := d.heap.Alloc(d.marker.BlockSize())
		if err != nil {
			return outOfMemory(err, "hash carry-over")
		}
		s.partial = buf[:0]
	}
	s.partial = append(s.partial, b...)
	return nil
}

func (d *Device) freePartial() {
	if d.stream == nil || d.stream.partial == nil {
		return
	}
	d.heap.Free(d.stream.partial)
	d.stream.partial = nil
}

func (d *Device) resetStream() {
	if d.stream == nil {
		return
	}
	d.freePartial()
	Zeroize(d.stream.state)
	d.stream = nil
}

// stage copies caller inputs into scratch memory for backends that read
// them after Submit returns.
func (d *Device) stage(op Operation) (Operation, error) {
	if d.backend.Kind() == KindSoftware {
		return op, nil
	}

	var err error
	switch o := op.(type) {
	case CipherOp:
		o.Input, err = d.scratchCopy(o.Input)
		return o, err
	case HMACOp:
		o.Data, err = d.scratchCopy(o.Data)
		return o, err
	case RSAOp:
		o.Input, err = d.scratchCopy(o.Input)
		return o, err
	case ECDSAOp:
		o.Digest, err = d.scratchCopy(o.Digest)
		return o, err
	case KDFOp:
		o.Secret, err = d.scratchCopy(o.Secret)
		return o, err
	}
	return op, nil
}

func (d *Device) scratchAlloc(size int) ([]byte, error) {
	buf, err := d.heap.Alloc(size)
	if err != nil {
		return nil, outOfMemory(err, "scratch buffer")
	}
	d.scratch = append(d.scratch, buf)
	return buf, nil
}

func (d *Device) scratchCopy(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return b, nil
	}
	buf, err := d.scratchAlloc(len(b))
	if err != nil {
		return nil, err
	}
	copy(buf, b)
	return buf, nil
}

func (d *Device) releaseScratch() {
	for _, buf := range d.scratch {
		d.heap.Free(buf)
	}
	d.scratch = d.scratch[:0]
}

func outOfMemory(err error, what string) error {
	if errors.Is(err, ErrOutOfMemory) {
		return err
	}
	return wrapError(ErrOutOfMemory, err, ErrCodeOutOfMemory, what+" allocation failed")
}

// offload pushes the event and submits op. hook, when set, replaces the
// default "Output = result bytes" handling on retrieval.
func (d *Device) offload(op Operation, hook func(out []byte, result error)) error {
	if err := d.ensureSession(); err != nil {
		d.releaseScratch()
		return err
	}
	if err := d.event.Init(d.evType, d); err != nil {
		d.releaseScratch()
		return err
	}
	d.inflight = op
	d.event.setRetrieve(func(ev *Event) { d.finish(ev, hook) })

	if err := d.queue.Push(&d.event); err != nil {
		d.abort()
		return err
	}

	var done CompletionFunc
	if d.backend.Kind() == KindCallback {
		ev, logger := &d.event, d.logger
		done = func(c Completion) {
			ev.complete(TranslateStatus(c.Status, logger), c.Output)
		}
	}

	token, err := d.submitWithRetry(op, done)
	if err != nil {
		if rerr := d.queue.Remove(&d.event); rerr != nil && !errors.Is(rerr, ErrNotQueued) {
			d.logger.Warn("failed to unlink rejected event", zap.Error(rerr))
		}
		d.abort()
		return err
	}
	if token != 0 {
		d.event.setToken(token)
	}
	d.stats.submits.Add(1)
	return ErrPending
}

// submitWithRetry repeats a submission the backend answered with retry.
// Every YieldAfter consecutive retries it yields the processor.
func (d *Device) submitWithRetry(op Operation, done CompletionFunc) (Token, error) {
	retries := 0
	defer func() { d.stats.lastRetries.Store(uint64(retries)) }()

	for {
		token, status, err := d.backend.Submit(d.session, op, done)
		if err != nil {
			return 0, classify(err, "submit rejected")
		}
		if status == SubmitAccepted {
			if retries > 0 {
				d.logger.Debug("submit accepted after retries", zap.Int("retries", retries))
			}
			return token, nil
		}

		retries++
		d.stats.retries.Add(1)
		if limit := d.cfg.Submit.MaxRetries; limit > 0 && retries > limit {
			return 0, newError(ErrBackendBusy, ErrCodeBackendBusy, fmt.Sprintf("backend still busy after %d retries", limit))
		}
		if retries%d.cfg.Submit.YieldAfter == 0 {
			d.stats.yields.Add(1)
			d.logger.Debug("submit retry limit reached, yielding", zap.Int("retries", retries))
			runtime.Gosched()
		}
	}
}

// classify keeps taxonomy errors as they are and marks anything else as a
// backend failure.
func classify(err error, msg string) error {
	for _, sentinel := range []error{
		ErrInvalidArgument, ErrBackendBusy, ErrBackendTimeout, ErrBackendFailure,
		ErrOutOfMemory, ErrInit, ErrPending,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return wrapError(ErrBackendFailure, err, ErrCodeBackendFailure, msg)
}

// abort unwinds a submission that never reached the backend.
func (d *Device) abort() {
	d.inflight = nil
	d.releaseScratch()
	d.event.unlink()
	d.event.reset()
}

// finish runs when the event is popped.
func (d *Device) finish(ev *Event, hook func(out []byte, result error)) {
	out, result := ev.Output(), ev.Result()
	d.inflight = nil
	d.releaseScratch()
	d.stats.completions.Add(1)

	if hook != nil {
		hook(out, result)
		return
	}
	if result == nil {
		d.output = out
	}
}

func (d *Device) ensureSession() error {
	if d.session != nil {
		return nil
	}
	session, err := d.backend.OpenSession(d.instance, d.marker)
	if err != nil {
		return wrapError(ErrInit, err, ErrCodeInit, "failed to reopen session")
	}
	d.session = session
	return nil
}

// Pop retrieves the result of the current operation.
func (d *Device) Pop() error {
	if d == nil {
		return invalidArgument("nil device")
	}
	return d.event.Pop(d.evType)
}

// Poll runs one poll pass over the device's queue restricted to this
// device and returns how many of its events were harvested.
func (d *Device) Poll() (int, error) {
	if d == nil || d.queue == nil {
		return 0, invalidArgument("device not initialized")
	}
	return d.queue.Poll(d, nil, PollCheckHW)
}

// Close releases the backend session. It first polls until any operation
// in flight has completed, so the backend never writes into released
// state. Closing a closed or never-opened device does nothing.
func (d *Device) Close() error {
	return d.CloseContext(context.Background())
}

// CloseContext is Close with a bound on how long to wait for an operation
// in flight. If ctx ends first the device stays open.
func (d *Device) CloseContext(ctx context.Context) error {
	if d == nil || d.marker == 0 {
		return nil
	}

	if d.event.Pending() {
		if err := d.quiesce(ctx); err != nil {
			return err
		}
	}

	var errs []error
	if d.session != nil {
		if err := d.backend.CloseSession(d.session); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s session: %w", d.marker, err))
		}
		d.session = nil
	}
	d.inflight = nil
	d.releaseScratch()
	d.resetStream()
	d.event.reset()
	d.handle.release()

	d.logger.Debug("device closed")
	d.marker = 0
	d.state = stateClosed
	return errors.Join(errs...)
}

// quiesce waits for the in-flight operation to finish and unlinks it.
func (d *Device) quiesce(ctx context.Context) error {
	w := newWaiter(d.cfg.Wait)
	for !d.event.Done() {
		if _, err := d.queue.Poll(d, nil, PollCheckHW|PollNoDrain); err != nil {
			d.logger.Debug("poll while closing failed", zap.Error(err))
		}
		if d.event.Done() {
			break
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("asyncrypt: close abandoned with operation in flight: %w", err)
		}
		w.pause(d.backend.Kind() != KindSoftware)
	}
	if err := d.queue.Remove(&d.event); err != nil && !errors.Is(err, ErrNotQueued) {
		return err
	}
	return nil
}

// CopyTo initializes dst as an independent copy of d. dst gets no backend
// session (it opens one on first use) and a deep copy of any carry-over
// state of a streaming operation.
func (d *Device) CopyTo(dst *Device) error {
	if d == nil || dst == nil || d == dst {
		return invalidArgument("copy needs two distinct devices")
	}
	if d.state != stateOpen {
		return newError(ErrDeviceClosed, ErrCodeDeviceClosed, "source device is not open")
	}
	if dst.state == stateOpen {
		return invalidArgument("destination device is open")
	}
	if d.event.Pending() {
		return newError(ErrInFlight, ErrCodeInFlight, "source has an operation in flight")
	}

	var stream *hashStream
	if d.stream != nil {
		stream = &hashStream{}
		if d.stream.partial != nil {
			buf, err := d.heap.Alloc(d.marker.BlockSize())
			if err != nil {
				return outOfMemory(err, "hash carry-over copy")
			}
			stream.partial = append(buf[:0], d.stream.partial...)
		}
		if d.stream.state != nil {
			stream.state = append([]byte(nil), d.stream.state...)
		}
	}

	instance, err := d.handle.acquire()
	if err != nil {
		if stream != nil && stream.partial != nil {
			d.heap.Free(stream.partial)
		}
		return err
	}
	dst.attach(d.handle, d.marker, instance, d.queue, d.evType, d.heap)
	dst.stream = stream
	return nil
}

// Clone returns an independent copy of d.
func (d *Device) Clone() (*Device, error) {
	dst := &Device{}
	if err := d.CopyTo(dst); err != nil {
		return nil, err
	}
	return dst, nil
}
