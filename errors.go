// errors.go: Error taxonomy and backend status translation for asyncrypt
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"errors"
	"fmt"

	goerrors "github.com/agilira/go-errors"
	"go.uber.org/zap"
)

// Public sentinel errors. Every error returned by this package wraps one of
// these, so callers can branch with errors.Is.
var (
	// ErrInvalidArgument is returned for nil or malformed parameters. It is
	// always reported synchronously and never through an Event.
	ErrInvalidArgument = errors.New("asyncrypt: invalid argument")

	// ErrPending means the operation has not completed yet. It is flow
	// control, not a failure: poll or wait and call again.
	ErrPending = errors.New("asyncrypt: operation pending")

	// ErrNotPending is returned by Pop when the event does not carry an
	// operation of the requested type.
	ErrNotPending = errors.New("asyncrypt: no pending operation of requested type")

	// ErrBackendBusy is returned when the backend kept refusing a submission
	// past the configured retry cap.
	ErrBackendBusy = errors.New("asyncrypt: backend busy")

	// ErrBackendTimeout is a final result reported by the backend itself.
	ErrBackendTimeout = errors.New("asyncrypt: backend timeout")

	// ErrBackendFailure covers any backend status that is not success,
	// pending, retry or timeout.
	ErrBackendFailure = errors.New("asyncrypt: backend failure")

	// ErrOutOfMemory is returned when a scratch buffer cannot be allocated.
	ErrOutOfMemory = errors.New("asyncrypt: out of memory")

	// ErrInit is returned when a backend cannot be reached or started.
	ErrInit = errors.New("asyncrypt: backend initialization failed")

	// ErrInFlight is returned when an operation is submitted on a device
	// whose previous operation has not been retrieved.
	ErrInFlight = errors.New("asyncrypt: operation already in flight")

	// ErrDeviceClosed is returned when a closed device is used.
	ErrDeviceClosed = errors.New("asyncrypt: device closed")

	// ErrQueueFull is returned when a queue holds its configured maximum.
	ErrQueueFull = errors.New("asyncrypt: event queue full")

	// ErrQueueClosed is returned when pushing onto a closed queue.
	ErrQueueClosed = errors.New("asyncrypt: event queue closed")

	// ErrNotQueued is returned when removing an event that is not a member
	// of the queue.
	ErrNotQueued = errors.New("asyncrypt: event not in queue")

	// ErrRegistryStopped is returned when a stopped handle is used.
	ErrRegistryStopped = errors.New("asyncrypt: registry handle stopped")

	// ErrDevicesOpen is returned by Stop while devices are still open.
	ErrDevicesOpen = errors.New("asyncrypt: devices still open")
)

// Error codes for rich error handling
const (
	ErrCodeInvalidArgument goerrors.ErrorCode = "ASYNC_INVALID_ARGUMENT"
	ErrCodeBackendBusy     goerrors.ErrorCode = "ASYNC_BACKEND_BUSY"
	ErrCodeBackendTimeout  goerrors.ErrorCode = "ASYNC_BACKEND_TIMEOUT"
	ErrCodeBackendFailure  goerrors.ErrorCode = "ASYNC_BACKEND_FAILURE"
	ErrCodeOutOfMemory     goerrors.ErrorCode = "ASYNC_OUT_OF_MEMORY"
	ErrCodeInit            goerrors.ErrorCode = "ASYNC_INIT"
	ErrCodeInFlight        goerrors.ErrorCode = "ASYNC_IN_FLIGHT"
	ErrCodeDeviceClosed    goerrors.ErrorCode = "ASYNC_DEVICE_CLOSED"
	ErrCodeQueueFull       goerrors.ErrorCode = "ASYNC_QUEUE_FULL"
	ErrCodeQueueClosed     goerrors.ErrorCode = "ASYNC_QUEUE_CLOSED"
	ErrCodeNotQueued       goerrors.ErrorCode = "ASYNC_NOT_QUEUED"
	ErrCodeRegistry        goerrors.ErrorCode = "ASYNC_REGISTRY"
	ErrCodeOperation       goerrors.ErrorCode = "ASYNC_OPERATION"
)

// newError joins a sentinel with a coded rich error.
func newError(sentinel error, code goerrors.ErrorCode, msg string) error {
	return fmt.Errorf("%w: %w", sentinel, goerrors.New(code, msg))
}

// wrapError joins a sentinel with a coded rich error wrapping cause.
func wrapError(sentinel error, cause error, code goerrors.ErrorCode, msg string) error {
	return fmt.Errorf("%w: %w", sentinel, goerrors.Wrap(cause, code, msg))
}

func invalidArgument(format string, args ...interface{}) error {
	return newError(ErrInvalidArgument, ErrCodeInvalidArgument, fmt.Sprintf(format, args...))
}

// Status is a raw completion code reported by a backend.
type Status int

// Backend status codes. Values outside this set are treated as fatal.
const (
	StatusSuccess        Status = 0
	StatusPending        Status = 1
	StatusRetry          Status = 2
	StatusTimeout        Status = 3
	StatusInvalidLength  Status = 4
	StatusOpFailed       Status = 0x100
	StatusUnknownRequest Status = 0x101
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPending:
		return "pending"
	case StatusRetry:
		return "retry"
	case StatusTimeout:
		return "timeout"
	case StatusInvalidLength:
		return "invalid-length"
	case StatusOpFailed:
		return "op-failed"
	case StatusUnknownRequest:
		return "unknown-request"
	default:
		return fmt.Sprintf("status(%#x)", int(s))
	}
}

// TranslateStatus maps a backend completion status onto the error taxonomy.
// A retry reported at completion time means the request is still queued in
// the device, so it reads as pending. Unrecognized codes are logged with the
// raw value and surface as ErrBackendFailure.
func TranslateStatus(s Status, logger *zap.Logger) error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusPending, StatusRetry:
		return ErrPending
	case StatusTimeout:
		return newError(ErrBackendTimeout, ErrCodeBackendTimeout, "backend reported timeout")
	case StatusInvalidLength:
		return invalidArgument("backend rejected data length")
	case StatusOpFailed, StatusUnknownRequest:
		return newError(ErrBackendFailure, ErrCodeBackendFailure, fmt.Sprintf("backend status %s", s))
	}
	if logger != nil {
		logger.Warn("unrecognized backend status", zap.Int("status", int(s)), zap.Stringer("name", s))
	}
	return newError(ErrBackendFailure, ErrCodeBackendFailure, fmt.Sprintf("backend status %s", s))
}

// IsPending reports whether err is the pending signal.
func IsPending(err error) bool {
	return errors.Is(err, ErrPending)
}
