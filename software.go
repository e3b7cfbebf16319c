// software.go: Inline software backend used for testing and as fallback
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"context"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

// Features describes acceleration available on the host CPU.
type Features struct {
	Arch   string `json:"arch" yaml:"arch"`
	AES    bool   `json:"aes" yaml:"aes"`
	CLMUL  bool   `json:"clmul" yaml:"clmul"`
	SHA2   bool   `json:"sha2" yaml:"sha2"`
	AVX2   bool   `json:"avx2" yaml:"avx2"`
	SHA512 bool   `json:"sha512" yaml:"sha512"`
}

// HostFeatures reports the CPU features of the host the process runs on.
func HostFeatures() Features {
	f := Features{Arch: runtime.GOARCH}
	switch runtime.GOARCH {
	case "amd64", "386":
		f.AES = cpu.X86.HasAES
		f.CLMUL = cpu.X86.HasPCLMULQDQ
		f.AVX2 = cpu.X86.HasAVX2
	case "arm64":
		f.AES = cpu.ARM64.HasAES
		f.CLMUL = cpu.ARM64.HasPMULL
		f.SHA2 = cpu.ARM64.HasSHA2
		f.SHA512 = cpu.ARM64.HasSHA512
	}
	return f
}

// SoftwareBackend runs each operation inline when the poller scans its
// event. There is no hardware; polling is the work.
type SoftwareBackend struct {
	skipMod  int
	ciphers  *cipherCache
	logger   *zap.Logger
	started  atomic.Bool
	sessions atomic.Int64
}

type softwareSession struct {
	marker Marker
}

// NewSoftwareBackend builds the backend from cfg.Software.
func NewSoftwareBackend(cfg *Config) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &SoftwareBackend{
		skipMod: cfg.Software.SkipMod,
		ciphers: newCipherCache(defaultCipherEntries),
		logger:  zap.NewNop(),
	}, nil
}

// Name returns the registry name of the software backend.
func (s *SoftwareBackend) Name() string { return BackendSoftware }

// Kind reports KindSoftware.
func (s *SoftwareBackend) Kind() BackendKind { return KindSoftware }

// Start logs the host features and marks the backend started.
func (s *SoftwareBackend) Start(ctx context.Context, logger *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if logger != nil {
		s.logger = logger
	}
	f := HostFeatures()
	s.logger.Info("software backend started",
		zap.String("arch", f.Arch),
		zap.Bool("aes", f.AES),
		zap.Bool("clmul", f.CLMUL),
		zap.Int("skip_mod", s.skipMod))
	s.started.Store(true)
	return nil
}

// Close marks the backend stopped and drops cached cipher instances.
func (s *SoftwareBackend) Close() error {
	s.started.Store(false)
	s.ciphers.purge()
	return nil
}

// IsHealthy reports whether the backend is started.
func (s *SoftwareBackend) IsHealthy() bool { return s.started.Load() }

// Instances is always 1.
func (s *SoftwareBackend) Instances() int { return 1 }

// OpenSession returns a session for marker; instance is ignored.
func (s *SoftwareBackend) OpenSession(_ int, marker Marker) (Session, error) {
	s.sessions.Add(1)
	return &softwareSession{marker: marker}, nil
}

// CloseSession releases a session opened by OpenSession.
func (s *SoftwareBackend) CloseSession(Session) error {
	s.sessions.Add(-1)
	return nil
}

// Submit only accepts: the staged operation runs on the next scan.
func (s *SoftwareBackend) Submit(Session, Operation, CompletionFunc) (Token, SubmitStatus, error) {
	if !s.started.Load() {
		return 0, SubmitAccepted, newError(ErrInit, ErrCodeInit, "software backend not started")
	}
	return 0, SubmitAccepted, nil
}

// Execute runs op in the calling goroutine.
func (s *SoftwareBackend) Execute(_ Session, op Operation) ([]byte, error) {
	if op == nil {
		return nil, invalidArgument("no staged operation")
	}
	return op.run(s.ciphers)
}

// SkipMod returns the configured skip interval; zero disables skipping.
func (s *SoftwareBackend) SkipMod() int { return s.skipMod }

// OpenSessions returns the number of sessions not yet closed.
func (s *SoftwareBackend) OpenSessions() int64 { return s.sessions.Load() }
