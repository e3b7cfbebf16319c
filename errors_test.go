// errors_test.go: Tests for status translation and the error taxonomy
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"errors"
	"fmt"
	"testing"

	goerrors "github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTranslateStatus(t *testing.T) {
	tests := []struct {
		status  Status
		want    error
		wantLog bool
	}{
		{StatusSuccess, nil, false},
		{StatusPending, ErrPending, false},
		{StatusRetry, ErrPending, false},
		{StatusTimeout, ErrBackendTimeout, false},
		{StatusInvalidLength, ErrInvalidArgument, false},
		{StatusOpFailed, ErrBackendFailure, false},
		{StatusUnknownRequest, ErrBackendFailure, false},
		{Status(0x7f), ErrBackendFailure, true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			err := TranslateStatus(tt.status, zap.New(core))

			switch tt.want {
			case nil:
				assert.NoError(t, err)
			case ErrPending:
				assert.Same(t, ErrPending, err, "pending is returned by identity")
			default:
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Equal(t, tt.wantLog, logs.Len() == 1)
		})
	}

	assert.ErrorIs(t, TranslateStatus(Status(-1), nil), ErrBackendFailure)
}

func TestErrorCodes(t *testing.T) {
	err := newError(ErrQueueFull, ErrCodeQueueFull, "full")
	assert.ErrorIs(t, err, ErrQueueFull)

	assert.Len(t, err.(interface{ Unwrap() []error }).Unwrap(), 2, "sentinel and coded cause")

	var rich *goerrors.Error
	require.True(t, errors.As(err, &rich))
	assert.Equal(t, ErrCodeQueueFull, rich.ErrorCode())

	cause := errors.New("bus fault")
	wrapped := wrapError(ErrBackendFailure, cause, ErrCodeBackendFailure, "submit failed")
	assert.ErrorIs(t, wrapped, ErrBackendFailure)
	assert.Contains(t, wrapped.Error(), "submit failed")
	require.True(t, errors.As(wrapped, &rich))
	assert.Equal(t, ErrCodeBackendFailure, rich.ErrorCode())
	assert.ErrorIs(t, wrapped, cause)

	assert.True(t, IsPending(ErrPending))
	assert.True(t, IsPending(fmt.Errorf("wrapped: %w", ErrPending)))
	assert.False(t, IsPending(ErrBackendBusy))
	assert.False(t, IsPending(nil))
}

func TestClassify(t *testing.T) {
	busy := newError(ErrBackendBusy, ErrCodeBackendBusy, "busy")
	assert.Same(t, busy, classify(busy, "x"))

	other := classify(errors.New("register parity"), "submit rejected")
	assert.ErrorIs(t, other, ErrBackendFailure)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "op-failed", StatusOpFailed.String())
	assert.Equal(t, "status(0x7f)", Status(0x7f).String())
}

func TestMarkers(t *testing.T) {
	m, err := ParseMarker(" SHA256 ")
	assert.NoError(t, err)
	assert.Equal(t, MarkerSHA256, m)

	_, err = ParseMarker("rot13")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	for m := range markerNames {
		parsed, err := ParseMarker(m.String())
		assert.NoError(t, err)
		assert.Equal(t, m, parsed)
		assert.True(t, m.Valid())
	}
	assert.False(t, Marker(0).Valid())
	assert.Equal(t, "marker(0x1)", Marker(1).String())

	assert.True(t, MarkerBLAKE2b.IsHash())
	assert.False(t, MarkerAES.IsHash())
	assert.Equal(t, 64, MarkerSHA256.BlockSize())
	assert.Equal(t, 128, MarkerSHA512.BlockSize())
	assert.Equal(t, 128, MarkerBLAKE2b.BlockSize())
	assert.Zero(t, MarkerRSA.BlockSize())
}

func TestEventTypes(t *testing.T) {
	assert.True(t, EventTypeCrypto.IsAsync())
	assert.True(t, EventTypeTLS.IsAsync())
	assert.False(t, EventTypeNone.IsAsync())
	assert.False(t, EventTypeAny.IsAsync())

	assert.True(t, EventTypeTLS.matches(EventTypeAny))
	assert.True(t, EventTypeCrypto.matches(EventTypeCrypto))
	assert.False(t, EventTypeCrypto.matches(EventTypeTLS))
	assert.Equal(t, "tls", EventTypeTLS.String())
	assert.Equal(t, "event-type(9)", EventType(9).String())
}
