// background_test.go: Tests for the dedicated polling goroutine
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundPollerCompletesEvents(t *testing.T) {
	reg, h := startAccelerator(t, KindSingle, nil)
	defer reg.Close()

	p := NewBackgroundPoller(h.Queue(), 50*time.Microsecond, h.Logger())
	require.NoError(t, p.Start())
	defer p.Stop()

	devices := submitAll(t, h, 4, nil)
	require.Eventually(t, func() bool {
		for _, d := range devices {
			if !d.Event().Done() {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)

	// The poller never removes events.
	assert.Equal(t, 4, h.Queue().Len())
	assert.NotZero(t, p.Passes())

	events, err := h.Queue().Drain(nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, 4)
	for _, d := range devices {
		require.NoError(t, d.Pop())
		require.NoError(t, d.Close())
	}
}

func TestBackgroundPollerPopAndResubmit(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()

	p := NewBackgroundPoller(h.Queue(), 50*time.Microsecond, h.Logger())
	require.NoError(t, p.Start())
	defer p.Stop()

	dev := openDevice(t, h, MarkerRNG, nil)
	for round := 0; round < 3; round++ {
		require.ErrorIs(t, dev.Submit(RandomOp{Size: 16}), ErrPending)
		require.Eventually(t, dev.Event().Done, 2*time.Second, time.Millisecond)

		require.NoError(t, dev.Pop(), "round %d", round)
		assert.Len(t, dev.Output(), 16)
		assert.Zero(t, h.Queue().Len(), "pop unlinks what the poller left queued")
	}

	p.Stop()
	require.NoError(t, dev.Close())
	require.NoError(t, reg.Stop(h))
}

func TestBackgroundPollerLifecycle(t *testing.T) {
	q := NewQueue(nil)
	p := NewBackgroundPoller(q, 0, nil)
	assert.False(t, p.Running())

	require.NoError(t, p.Start())
	require.NoError(t, p.Start())
	assert.True(t, p.Running())

	p.Stop()
	p.Stop()
	assert.False(t, p.Running())

	require.NoError(t, p.Start(), "a stopped poller can be restarted")
	p.Stop()

	assert.ErrorIs(t, NewBackgroundPoller(nil, 0, nil).Start(), ErrInvalidArgument)
}
