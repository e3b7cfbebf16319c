// backend.go: Contract between the async core and offload backends
//
// A backend is anything that can accept an Operation and later report its
// completion: an inline software executor, a co-processor that answers one
// status query per request, one that answers a batch of queries in a single
// call, or one that calls back when work finishes. The core discovers which
// of these a backend is through the optional interfaces below.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"context"

	"go.uber.org/zap"
)

// BackendKind names the completion model of a backend.
type BackendKind string

const (
	KindSoftware BackendKind = "software" // Inline execution during poll
	KindSingle   BackendKind = "single"   // One status check per request
	KindBatch    BackendKind = "batch"    // Many status checks per call
	KindCallback BackendKind = "callback" // Completion pushed by the backend
)

// SubmitStatus is the backend's answer to a submission.
type SubmitStatus int

const (
	// SubmitAccepted means the operation was taken.
	SubmitAccepted SubmitStatus = iota
	// SubmitRetry means the backend is busy; submit the same operation again.
	SubmitRetry
)

// Session is an opaque backend session bound to one Device.
type Session interface{}

// PresetTokenSession is implemented by sessions that carry a correlation
// token assigned when the session was opened.
type PresetTokenSession interface {
	PresetToken() Token
}

// Completion is a finished (or still pending) request as seen by a backend.
type Completion struct {
	Token  Token
	Status Status
	Output []byte
}

// CompletionFunc receives a completion on a backend goroutine. It must only
// publish the result.
type CompletionFunc func(Completion)

// Backend is the minimum every offload provider implements.
type Backend interface {
	Name() string
	Kind() BackendKind

	Start(ctx context.Context, logger *zap.Logger) error
	Close() error
	IsHealthy() bool

	// Instances reports how many engines devices are spread over.
	Instances() int
	OpenSession(instance int, marker Marker) (Session, error)
	CloseSession(s Session) error

	// Submit hands op to the backend. done is non-nil only for callback
	// backends.
	Submit(s Session, op Operation, done CompletionFunc) (Token, SubmitStatus, error)
}

// Executor is implemented by backends that run operations inline during
// the poller's scan pass.
type Executor interface {
	Execute(s Session, op Operation) ([]byte, error)
	// SkipMod makes every SkipMod-th scanned event report "not done" for
	// one pass. Zero disables skipping.
	SkipMod() int
}

// StatusChecker is implemented by backends answering one query per request.
type StatusChecker interface {
	CheckStatus(s Session, t Token) (Completion, error)
}

// BatchChecker is implemented by backends answering many queries per call.
// Completions may come back in any order; tokens the backend does not know
// are left out of the response.
type BatchChecker interface {
	CheckStatusBatch(tokens []Token) ([]Completion, error)
	BatchCapacity() int
}

// BackendFactory builds a backend from configuration.
type BackendFactory func(cfg *Config) (Backend, error)
