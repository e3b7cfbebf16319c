// pool.go: Scratch buffer heaps for backend staging and carry-over state
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"sync"
	"sync/atomic"
)

// Heap allocates backend-private scratch buffers. A buffer must be freed
// through the same heap that allocated it.
type Heap interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte)
}

// Tier sizes, sized for hash blocks, IVs and typical TLS records.
const (
	smallTier  = 128
	mediumTier = 1024
	largeTier  = MaxChunk
)

// PoolHeap is a Heap backed by tiered sync.Pools. Freed buffers are zeroed
// before they go back to a pool. Requests above the largest tier are plain
// allocations.
type PoolHeap struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool

	allocs atomic.Int64
	frees  atomic.Int64
}

// NewPoolHeap creates a heap and pre-warms each tier with count buffers.
func NewPoolHeap(count int) *PoolHeap {
	h := &PoolHeap{}
	h.small.New = func() interface{} {
		buf := make([]byte, smallTier)
		return &buf
	}
	h.medium.New = func() interface{} {
		buf := make([]byte, mediumTier)
		return &buf
	}
	h.large.New = func() interface{} {
		buf := make([]byte, largeTier)
		return &buf
	}
	h.warmup(count)
	return h
}

func (h *PoolHeap) warmup(count int) {
	bufs := make([][]byte, 0, 3*count)
	for i := 0; i < count; i++ {
		for _, size := range []int{smallTier, mediumTier, largeTier} {
			if b, err := h.Alloc(size); err == nil {
				bufs = append(bufs, b)
			}
		}
	}
	for _, b := range bufs {
		h.Free(b)
	}
}

func (h *PoolHeap) tier(size int) *sync.Pool {
	switch {
	case size <= smallTier:
		return &h.small
	case size <= mediumTier:
		return &h.medium
	case size <= largeTier:
		return &h.large
	}
	return nil
}

// Alloc returns a zeroed buffer of length size.
func (h *PoolHeap) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, invalidArgument("negative allocation size %d", size)
	}
	h.allocs.Add(1)
	if p := h.tier(size); p != nil {
		buf := p.Get().(*[]byte)
		return (*buf)[:size], nil
	}
	return make([]byte, size), nil
}

// Free zeroes buf and returns it to its tier.
func (h *PoolHeap) Free(buf []byte) {
	if buf == nil {
		return
	}
	h.frees.Add(1)
	full := buf[:cap(buf)]
	Zeroize(full)

	var p *sync.Pool
	switch cap(buf) {
	case smallTier:
		p = &h.small
	case mediumTier:
		p = &h.medium
	case largeTier:
		p = &h.large
	}
	if p != nil {
		p.Put(&full)
	}
}

// Outstanding returns allocations not yet freed.
func (h *PoolHeap) Outstanding() int64 {
	return h.allocs.Load() - h.frees.Load()
}

// Zeroize overwrites b with zeros.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
