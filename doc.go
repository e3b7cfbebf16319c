// Package asyncrypt is an asynchronous offload core for cryptographic
// operations.
//
// It lets a crypto library hand expensive public-key, symmetric and hash
// operations to an accelerator while the caller keeps working, and tracks
// each operation until its result is retrieved:
//   - Event: one outstanding operation with a tri-state Pop
//     (ErrNotPending / ErrPending / final result)
//   - Queue: an ordered set of in-flight events shared by many devices,
//     with a two-pass Poll (scan backends, then drain finished events)
//   - Device: binds a crypto object (identified by a Marker) to a backend
//     session, with idempotent Close and a deep-copying CopyTo
//   - Wait and Device.Do: a cooperative blocking adapter over poll and pop
//   - Registry: explicit Start/Stop lifecycle for backend instances
//
// # Quick Start
//
//	reg := asyncrypt.NewRegistry(nil)
//	h, err := reg.Start(asyncrypt.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer reg.Stop(h)
//
//	dev, err := h.NewDevice(asyncrypt.MarkerSHA256, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	if _, err := dev.Do(ctx, asyncrypt.HashOp{Data: data}); err != nil {
//		log.Fatal(err)
//	}
//	digest, err := dev.Do(ctx, asyncrypt.HashOp{Final: true})
//
// # Asynchronous Use
//
// Submit returns ErrPending once an operation is in flight. The caller (or
// a BackgroundPoller) polls the queue and pops the result later:
//
//	if err := dev.Submit(op); asyncrypt.IsPending(err) {
//		// ... other work ...
//		events, _ := dev.Queue().Drain(nil, 16)
//		for _, ev := range events {
//			result := ev.Pop(asyncrypt.EventTypeAny)
//			_ = result
//		}
//	}
//
// ErrPending is flow control, never a failure. A caller that only uses
// Wait or Do never observes it.
//
// # Backends
//
// The software backend executes operations inline while the queue is
// polled. The accelerator backend runs them on worker goroutines and
// reports completion one request at a time, in batches, or through
// completion callbacks, depending on its mode.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package asyncrypt
