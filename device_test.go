// device_test.go: Tests for device lifecycle, submission and copying
//
// This test suite covers:
// - Offloaded and inline submissions on the software backend
// - Busy-retry accounting and the retry cap
// - Allocation failures and submission errors leaving no trace
// - Close waiting for in-flight work, and close idempotence
// - Independent copies of streaming digest state
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gcmSeal(t *testing.T, key, nonce, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)
	return aead.Seal(nil, nonce, plaintext, nil)
}

func TestDeviceOffloadedSeal(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerAES, nil)
	nonce := bytes.Repeat([]byte{7}, 12)
	plaintext := []byte("ten bytes!")

	err := dev.Submit(CipherOp{Alg: MarkerAES, Mode: ModeSeal, Key: testKey32, IV: nonce, Input: plaintext})
	require.ErrorIs(t, err, ErrPending)
	assert.Equal(t, uint64(1), h.Queue().Stats().Pushes)
	assert.True(t, dev.Event().Pending())

	ev := dev.Event()
	require.NoError(t, Wait(ev))
	assert.Equal(t, gcmSeal(t, testKey32, nonce, plaintext), ev.Output())
	assert.False(t, h.Queue().Contains(ev), "wait harvests the event")

	require.NoError(t, dev.Pop())
	assert.Equal(t, ev.Output(), dev.Output())
	assert.False(t, dev.Event().Pending())
	assert.Equal(t, uint64(1), dev.Stats().Completions)

	require.NoError(t, dev.Close())
	require.NoError(t, reg.Stop(h))
}

func TestDeviceThresholdRunsInline(t *testing.T) {
	reg, h := startSoftware(t, func(c *Config) {
		c.Thresholds = map[string]int{"aes": 128}
	})
	defer reg.Close()

	dev := openDevice(t, h, MarkerAES, nil)
	defer dev.Close()

	nonce := make([]byte, 12)
	small := []byte("short")
	err := dev.Submit(CipherOp{Alg: MarkerAES, Mode: ModeSeal, Key: testKey32, IV: nonce, Input: small})
	require.NoError(t, err)
	assert.Equal(t, gcmSeal(t, testKey32, nonce, small), dev.Output())
	assert.Zero(t, h.Queue().Stats().Pushes)
	assert.Equal(t, uint64(1), dev.Stats().Inline)

	large := make([]byte, 256)
	err = dev.Submit(CipherOp{Alg: MarkerAES, Mode: ModeSeal, Key: testKey32, IV: nonce, Input: large})
	require.ErrorIs(t, err, ErrPending)
	require.NoError(t, dev.Wait(context.Background()))
	require.NoError(t, dev.Pop())
	assert.Equal(t, gcmSeal(t, testKey32, nonce, large), dev.Output())
}

func TestDeviceSubmitValidation(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerAES, nil)
	defer dev.Close()

	tests := []struct {
		name string
		op   Operation
	}{
		{"WrongMarker", HMACOp{Key: testKey32}},
		{"ShortKey", CipherOp{Alg: MarkerAES, Mode: ModeSeal, Key: []byte("short"), IV: make([]byte, 12)}},
		{"BadNonce", CipherOp{Alg: MarkerAES, Mode: ModeSeal, Key: testKey32, IV: make([]byte, 8)}},
		{"UnalignedCBC", CipherOp{Alg: MarkerAES, Mode: ModeEncrypt, Key: testKey32, IV: make([]byte, 16), Input: make([]byte, 17)}},
		{"OversizedCBC", CipherOp{Alg: MarkerAES, Mode: ModeEncrypt, Key: testKey32, IV: make([]byte, 16), Input: make([]byte, MaxChunk+16)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dev.Submit(tt.op)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.False(t, dev.Event().Pending())
			assert.Zero(t, h.Queue().Len())
		})
	}

	assert.ErrorIs(t, dev.Submit(nil), ErrInvalidArgument)
	var zero Device
	assert.ErrorIs(t, zero.Submit(RandomOp{Size: 8}), ErrInvalidArgument)
}

func TestDeviceRejectsSecondSubmission(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerRNG, nil)
	defer dev.Close()

	require.ErrorIs(t, dev.Submit(RandomOp{Size: 16}), ErrPending)
	assert.ErrorIs(t, dev.Submit(RandomOp{Size: 16}), ErrInFlight)
	assert.Equal(t, 1, h.Queue().Len())

	require.NoError(t, dev.Wait(context.Background()))
	// Done but not yet popped is still in flight.
	assert.ErrorIs(t, dev.Submit(RandomOp{Size: 16}), ErrInFlight)
	require.NoError(t, dev.Pop())
	assert.Len(t, dev.Output(), 16)

	require.ErrorIs(t, dev.Submit(RandomOp{Size: 16}), ErrPending)
	require.NoError(t, dev.Wait(context.Background()))
	require.NoError(t, dev.Pop())
}

func TestDeviceSubmitRetryAccounting(t *testing.T) {
	sb := newScriptedBackend(KindSingle)
	sb.submitScript = []SubmitStatus{SubmitRetry, SubmitRetry, SubmitAccepted}
	reg, h := startWith(t, scriptedSingle{sb}, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerHMAC, nil)
	err := dev.Submit(HMACOp{Key: testKey32, Data: []byte("retry me")})
	require.ErrorIs(t, err, ErrPending)

	st := dev.Stats()
	assert.Equal(t, uint64(2), st.LastRetries)
	assert.Equal(t, uint64(2), st.Retries)
	assert.Equal(t, uint64(1), st.Submits)
	assert.Zero(t, st.Yields)
	assert.Equal(t, 3, sb.submitCalls)
	assert.Equal(t, Token(1), dev.Event().Token())

	require.NoError(t, dev.Wait(context.Background()))
	require.NoError(t, dev.Pop())
	assert.Equal(t, []byte("out-1"), dev.Output())
	require.NoError(t, dev.Close())
}

func TestDeviceSubmitYieldsAfterRetries(t *testing.T) {
	sb := newScriptedBackend(KindSingle)
	sb.submitScript = []SubmitStatus{SubmitRetry, SubmitRetry, SubmitRetry, SubmitRetry, SubmitRetry}
	reg, h := startWith(t, scriptedSingle{sb}, func(c *Config) { c.Submit.YieldAfter = 2 })
	defer reg.Close()

	dev := openDevice(t, h, MarkerHMAC, nil)
	require.ErrorIs(t, dev.Submit(HMACOp{Key: testKey32}), ErrPending)

	st := dev.Stats()
	assert.Equal(t, uint64(5), st.LastRetries)
	assert.Equal(t, uint64(2), st.Yields)

	require.NoError(t, dev.Wait(context.Background()))
	require.NoError(t, dev.Pop())
	require.NoError(t, dev.Close())
}

func TestDeviceSubmitGivesUpWhenBusy(t *testing.T) {
	sb := newScriptedBackend(KindSingle)
	sb.submitScript = make([]SubmitStatus, 100)
	for i := range sb.submitScript {
		sb.submitScript[i] = SubmitRetry
	}
	reg, h := startWith(t, scriptedSingle{sb}, func(c *Config) { c.Submit.MaxRetries = 3 })
	defer reg.Close()

	heap := &failingHeap{budget: 10}
	dev := openDevice(t, h, MarkerHMAC, &DeviceConfig{Heap: heap})

	err := dev.Submit(HMACOp{Key: testKey32, Data: []byte("payload")})
	require.ErrorIs(t, err, ErrBackendBusy)
	assert.Equal(t, 4, sb.submitCalls)
	assert.Equal(t, uint64(4), dev.Stats().LastRetries)
	assert.Zero(t, h.Queue().Len())
	assert.False(t, dev.Event().Pending())
	assert.Zero(t, heap.outstanding(), "staged input is released")

	require.NoError(t, dev.Close())
}

func TestDeviceOutOfMemoryLeavesNoTrace(t *testing.T) {
	sb := newScriptedBackend(KindSingle)
	reg, h := startWith(t, scriptedSingle{sb}, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerAES, &DeviceConfig{Heap: &failingHeap{}})
	defer dev.Close()

	err := dev.Submit(CipherOp{Alg: MarkerAES, Mode: ModeEncrypt, Key: testKey32, IV: make([]byte, 16), Input: make([]byte, 64)})
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Zero(t, h.Queue().Len())
	assert.Zero(t, sb.submitCalls)
	assert.False(t, dev.Event().Pending())
}

func TestDeviceSubmitErrorUnwinds(t *testing.T) {
	sb := newScriptedBackend(KindSingle)
	sb.submitErr = errors.New("doorbell write failed")
	reg, h := startWith(t, scriptedSingle{sb}, nil)
	defer reg.Close()

	heap := &failingHeap{budget: 10}
	dev := openDevice(t, h, MarkerHMAC, &DeviceConfig{Heap: heap})
	defer dev.Close()

	err := dev.Submit(HMACOp{Key: testKey32, Data: []byte("payload")})
	require.ErrorIs(t, err, ErrBackendFailure)
	assert.Zero(t, h.Queue().Len())
	assert.Zero(t, heap.outstanding())
	assert.False(t, dev.Event().Pending())
	assert.Zero(t, dev.Stats().Submits)
}

func TestDeviceCloseWaitsForInFlight(t *testing.T) {
	sb := newScriptedBackend(KindSingle)
	sb.completeAfter = 3
	reg, h := startWith(t, scriptedSingle{sb}, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerHMAC, nil)
	var doneAtClose, queuedAtClose bool
	sb.onCloseSess = func() {
		doneAtClose = dev.Event().Done()
		queuedAtClose = h.Queue().Contains(dev.Event())
	}

	require.ErrorIs(t, dev.Submit(HMACOp{Key: testKey32, Data: []byte("slow")}), ErrPending)
	require.NoError(t, dev.Close())

	assert.True(t, doneAtClose, "session released only after the operation finished")
	assert.False(t, queuedAtClose)
	assert.Equal(t, 4, sb.checks[1])
	assert.Equal(t, 1, sb.closed)
	assert.Zero(t, h.Queue().Len())
	assert.False(t, dev.IsOpen())
	require.NoError(t, reg.Stop(h))
}

func TestDeviceCloseDeadline(t *testing.T) {
	sb := newScriptedBackend(KindSingle)
	sb.completeAfter = 1 << 30
	reg, h := startWith(t, scriptedSingle{sb}, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerHMAC, nil)
	require.ErrorIs(t, dev.Submit(HMACOp{Key: testKey32}), ErrPending)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := dev.CloseContext(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, dev.IsOpen())
	assert.Zero(t, sb.closed)
	assert.Equal(t, 1, h.OpenDevices())

	sb.mu.Lock()
	sb.completeAfter = 0
	sb.mu.Unlock()
	require.NoError(t, dev.Close())
	assert.Equal(t, 1, sb.closed)
	assert.Zero(t, h.OpenDevices())
}

func TestDeviceCloseIdempotent(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerSHA256, nil)
	assert.Equal(t, 1, h.OpenDevices())

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
	assert.Zero(t, h.OpenDevices())
	assert.Zero(t, dev.Marker())
	assert.ErrorIs(t, dev.Submit(HashOp{Data: []byte("x")}), ErrDeviceClosed)

	var zero Device
	assert.NoError(t, zero.Close())
	var nilDev *Device
	assert.NoError(t, nilDev.Close())
	assert.Zero(t, h.OpenDevices())
}

func TestDeviceReinitAfterClose(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()

	var dev Device
	require.NoError(t, dev.Init(h, MarkerSHA256, nil))
	assert.ErrorIs(t, dev.Init(h, MarkerSHA256, nil), ErrInvalidArgument)
	require.NoError(t, dev.Close())

	require.NoError(t, dev.Init(h, MarkerSHA1, nil))
	assert.Equal(t, MarkerSHA1, dev.Marker())
	require.NoError(t, dev.Close())
}

func TestDeviceInitFailures(t *testing.T) {
	t.Run("UnknownMarker", func(t *testing.T) {
		reg, h := startSoftware(t, nil)
		defer reg.Close()
		_, err := h.NewDevice(Marker(0x1234), nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Zero(t, h.OpenDevices())
	})

	t.Run("SessionRefused", func(t *testing.T) {
		sb := newScriptedBackend(KindSingle)
		sb.failOpen = true
		reg, h := startWith(t, scriptedSingle{sb}, nil)
		defer reg.Close()

		_, err := h.NewDevice(MarkerAES, nil)
		assert.ErrorIs(t, err, ErrInit)
		assert.Zero(t, h.OpenDevices())
	})
}

func TestDeviceCopyIndependence(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()
	ctx := context.Background()

	prefix := bytes.Repeat([]byte("p"), 100)
	src := openDevice(t, h, MarkerSHA256, nil)
	_, err := src.Do(ctx, HashOp{Data: prefix})
	require.NoError(t, err)

	dst, err := src.Clone()
	require.NoError(t, err)
	assert.False(t, dst.HasSession(), "copies open their session lazily")
	assert.Equal(t, 2, h.OpenDevices())

	suffixA := bytes.Repeat([]byte("a"), 50)
	suffixB := bytes.Repeat([]byte("b"), 70)

	_, err = src.Do(ctx, HashOp{Data: suffixA})
	require.NoError(t, err)
	_, err = dst.Do(ctx, HashOp{Data: suffixB})
	require.NoError(t, err)
	assert.True(t, dst.HasSession())

	sumA, err := src.Do(ctx, HashOp{Final: true})
	require.NoError(t, err)
	sumB, err := dst.Do(ctx, HashOp{Final: true})
	require.NoError(t, err)

	wantA := sha256.Sum256(append(append([]byte{}, prefix...), suffixA...))
	wantB := sha256.Sum256(append(append([]byte{}, prefix...), suffixB...))
	assert.Equal(t, wantA[:], sumA)
	assert.Equal(t, wantB[:], sumB)

	require.NoError(t, src.Close())
	require.NoError(t, dst.Close())
	assert.Zero(t, h.OpenDevices())
}

func TestDeviceCopyPreconditions(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()

	src := openDevice(t, h, MarkerSHA256, nil)
	defer src.Close()

	assert.ErrorIs(t, src.CopyTo(src), ErrInvalidArgument)
	assert.ErrorIs(t, src.CopyTo(nil), ErrInvalidArgument)

	open := openDevice(t, h, MarkerSHA256, nil)
	defer open.Close()
	assert.ErrorIs(t, src.CopyTo(open), ErrInvalidArgument)

	require.ErrorIs(t, src.Submit(HashOp{Data: make([]byte, 64)}), ErrPending)
	_, err := src.Clone()
	assert.ErrorIs(t, err, ErrInFlight)
	require.NoError(t, src.Wait(context.Background()))
	require.NoError(t, src.Pop())

	var closed Device
	require.NoError(t, closed.Init(h, MarkerSHA256, nil))
	require.NoError(t, closed.Close())
	_, err = closed.Clone()
	assert.ErrorIs(t, err, ErrDeviceClosed)
}

func TestDeviceCopyOutOfMemory(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()

	// One block payload and the carry-over buffer.
	heap := &failingHeap{budget: 2}
	src := openDevice(t, h, MarkerSHA256, &DeviceConfig{Heap: heap})
	defer src.Close()

	_, err := src.Do(context.Background(), HashOp{Data: make([]byte, 70)})
	require.NoError(t, err)
	before := h.OpenDevices()

	_, err = src.Clone()
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, before, h.OpenDevices(), "failed copy holds no device slot")
}

func TestDeviceHashStreaming(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i * 31)
	}

	for _, m := range []Marker{MarkerSHA1, MarkerSHA224, MarkerSHA256, MarkerSHA384, MarkerSHA512, MarkerMD5, MarkerBLAKE2b} {
		t.Run(m.String(), func(t *testing.T) {
			reg, h := startSoftware(t, nil)
			defer reg.Close()

			dev := openDevice(t, h, m, nil)
			defer dev.Close()

			ctx := context.Background()
			for off := 0; off < len(data); off += 37 {
				end := min(off+37, len(data))
				_, err := dev.Do(ctx, HashOp{Data: data[off:end]})
				require.NoError(t, err)
			}
			sum, err := dev.Do(ctx, HashOp{Final: true})
			require.NoError(t, err)

			ref := m.newHash()
			ref.Write(data)
			assert.Equal(t, ref.Sum(nil), sum)

			// The stream restarts after Final.
			sum, err = dev.Do(ctx, HashOp{Data: []byte("abc"), Final: true})
			require.NoError(t, err)
			ref.Reset()
			ref.Write([]byte("abc"))
			assert.Equal(t, ref.Sum(nil), sum)
		})
	}
}

func TestDeviceHashShortUpdateStaysInline(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerSHA256, nil)
	defer dev.Close()

	require.NoError(t, dev.Submit(HashOp{Data: []byte("short")}))
	assert.Zero(t, h.Queue().Stats().Pushes)
	assert.False(t, dev.Event().Pending())
}

func TestDeviceDoChunksLargeCBC(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerAES, nil)
	defer dev.Close()

	plaintext := make([]byte, 2*MaxChunk+4096)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	iv := bytes.Repeat([]byte{0x42}, aes.BlockSize)

	ctx := context.Background()
	ciphertext, err := dev.Do(ctx, CipherOp{Alg: MarkerAES, Mode: ModeEncrypt, Key: testKey32, IV: iv, Input: plaintext})
	require.NoError(t, err)

	block, err := aes.NewCipher(testKey32)
	require.NoError(t, err)
	want := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(want, plaintext)
	assert.Equal(t, want, ciphertext)
	assert.Equal(t, uint64(3), h.Queue().Stats().Pushes)

	roundTrip, err := dev.Do(ctx, CipherOp{Alg: MarkerAES, Mode: ModeDecrypt, Key: testKey32, IV: iv, Input: ciphertext})
	require.NoError(t, err)
	assert.Equal(t, plaintext, roundTrip)
}

func TestDeviceTLSEventType(t *testing.T) {
	reg, h := startSoftware(t, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerRNG, &DeviceConfig{EventType: EventTypeTLS})
	defer dev.Close()

	require.ErrorIs(t, dev.Submit(RandomOp{Size: 8}), ErrPending)
	require.NoError(t, dev.Wait(context.Background()))

	assert.Same(t, ErrNotPending, dev.Event().Pop(EventTypeCrypto))
	assert.True(t, dev.Event().Pending())
	require.NoError(t, dev.Pop())
	assert.Len(t, dev.Output(), 8)
}

func TestDeviceCallbackCompletion(t *testing.T) {
	sb := newScriptedBackend(KindCallback)
	reg, h := startWith(t, sb, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerHMAC, nil)
	defer dev.Close()

	require.ErrorIs(t, dev.Submit(HMACOp{Key: testKey32, Data: []byte("cb")}), ErrPending)
	require.NotNil(t, sb.lastDone)

	sb.lastDone(Completion{Token: 1, Status: StatusPending})
	assert.False(t, dev.Event().Done(), "pending callbacks are ignored")

	sb.lastDone(Completion{Token: 1, Status: StatusSuccess, Output: []byte("mac")})
	assert.True(t, dev.Event().Done())

	n, err := dev.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, dev.Pop())
	assert.Equal(t, []byte("mac"), dev.Output())
}

func TestDeviceCallbackPopWithoutPoll(t *testing.T) {
	sb := newScriptedBackend(KindCallback)
	reg, h := startWith(t, sb, nil)
	defer reg.Close()

	dev := openDevice(t, h, MarkerHMAC, nil)
	for round := 0; round < 3; round++ {
		require.ErrorIs(t, dev.Submit(HMACOp{Key: testKey32, Data: []byte("cb")}), ErrPending)

		sb.mu.Lock()
		done := sb.lastDone
		sb.mu.Unlock()
		done(Completion{Status: StatusSuccess, Output: []byte("mac")})

		require.NoError(t, dev.Pop(), "round %d", round)
		assert.Equal(t, []byte("mac"), dev.Output())
		assert.False(t, h.Queue().Contains(dev.Event()))
		assert.Zero(t, h.Queue().Len())
	}

	require.NoError(t, dev.Close())
	require.NoError(t, reg.Stop(h), "nothing is left queued")
}
