// wait.go: Blocking adapter over the poll/pop protocol
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// waiter paces a cooperative poll loop: it yields for the first
// SpinIterations rounds, then sleeps with a doubling backoff.
type waiter struct {
	spin    int
	max     time.Duration
	round   int
	backoff time.Duration
}

func newWaiter(cfg WaitConfig) *waiter {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Millisecond
	}
	return &waiter{spin: cfg.SpinIterations, max: cfg.MaxBackoff, backoff: time.Microsecond}
}

// pause yields the processor. With sleep set and the spin budget spent it
// sleeps instead.
func (w *waiter) pause(sleep bool) {
	w.round++
	if !sleep || w.round <= w.spin {
		runtime.Gosched()
		return
	}
	time.Sleep(w.backoff)
	if w.backoff < w.max {
		w.backoff *= 2
		if w.backoff > w.max {
			w.backoff = w.max
		}
	}
}

// Wait polls ev's device until the event has a final result and returns
// it. It does not pop the event.
func Wait(ev *Event) error {
	return WaitContext(context.Background(), ev)
}

// WaitContext is Wait bounded by ctx. The deadline is checked between
// poll rounds; when it expires the operation stays in flight.
func WaitContext(ctx context.Context, ev *Event) error {
	if ev == nil {
		return invalidArgument("nil event")
	}
	if r := ev.Result(); r != ErrPending {
		return r
	}
	dev := ev.Device()
	if dev == nil || dev.queue == nil {
		return invalidArgument("event has no device to poll")
	}

	w := newWaiter(dev.cfg.Wait)
	hardware := dev.backend.Kind() != KindSoftware
	for {
		if _, err := dev.queue.Poll(dev, nil, PollCheckHW); err != nil {
			dev.logger.Debug("poll during wait failed", zap.Error(err))
			return err
		}
		if r := ev.Result(); r != ErrPending {
			return r
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("asyncrypt: wait abandoned: %w", err)
		}
		w.pause(hardware)
	}
}

// Wait blocks until the device's current operation finishes and returns
// its result without popping it.
func (d *Device) Wait(ctx context.Context) error {
	if d == nil {
		return invalidArgument("nil device")
	}
	return WaitContext(ctx, &d.event)
}

// Do submits op, waits for it and returns its output. CBC payloads larger
// than MaxChunk are processed in chunks with the IV carried over.
func (d *Device) Do(ctx context.Context, op Operation) ([]byte, error) {
	if c, ok := op.(CipherOp); ok && (c.Mode == ModeEncrypt || c.Mode == ModeDecrypt) && len(c.Input) > MaxChunk {
		return d.doChunked(ctx, c)
	}
	return d.do(ctx, op)
}

func (d *Device) do(ctx context.Context, op Operation) ([]byte, error) {
	err := d.Submit(op)
	if err == nil {
		return d.output, nil
	}
	if !IsPending(err) {
		return nil, err
	}
	if err := d.Wait(ctx); err != nil && !d.event.Done() {
		return nil, err
	}
	if err := d.Pop(); err != nil {
		return nil, err
	}
	return d.output, nil
}

func (d *Device) doChunked(ctx context.Context, op CipherOp) ([]byte, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(op.Input))
	chunk := op
	for off := 0; off < len(op.Input); off += MaxChunk {
		end := min(off+MaxChunk, len(op.Input))
		chunk.Input = op.Input[off:end]
		res, err := d.do(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
		chunk.IV = chunk.nextIV(res)
	}
	return out, nil
}
