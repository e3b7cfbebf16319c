// registry.go: Backend registry with explicit start/stop lifecycle
//
// A Registry owns backend factories and every backend instance started
// from them. There is no package-level backend state: tests and
// applications may run several isolated registries side by side. Backends
// living outside the process can be bridged through a go-plugins manager.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goplugins "github.com/agilira/go-plugins"
	timecache "github.com/agilira/go-timecache"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OffloadRequest represents a request to an out-of-process backend plugin
type OffloadRequest struct {
	Operation  string                 `json:"operation"`  // Operation name (aes-seal, rsa-sign, ...)
	Marker     string                 `json:"marker"`     // Marker of the submitting device
	Token      uint64                 `json:"token"`      // Correlation token, zero on submit
	Data       []byte                 `json:"data"`       // Primary input
	Parameters map[string]interface{} `json:"parameters"` // Operation parameters
}

// OffloadResponse represents a response from an out-of-process backend plugin
type OffloadResponse struct {
	Token    uint64                 `json:"token"`    // Correlation token
	Status   int                    `json:"status"`   // Raw backend status
	Data     []byte                 `json:"data"`     // Output
	Error    string                 `json:"error"`    // Error message (if any)
	Metadata map[string]interface{} `json:"metadata"` // Response metadata
}

// RegistryConfig provides configuration for a registry
type RegistryConfig struct {
	Logger        *zap.Logger                                         // Structured logger (nil = no-op)
	PluginManager *goplugins.Manager[OffloadRequest, OffloadResponse] // Enables the plugin backend when set
}

// Registry creates, tracks and stops backend instances.
type Registry struct {
	mu            sync.RWMutex
	factories     map[string]BackendFactory
	handles       map[string]*Handle
	refs          map[string]int
	pluginManager *goplugins.Manager[OffloadRequest, OffloadResponse]
	logger        *zap.Logger
}

// NewRegistry creates a registry with the software and accelerator
// backends registered. When config carries a plugin manager the plugin
// backend is registered as well.
func NewRegistry(config *RegistryConfig) *Registry {
	if config == nil {
		config = &RegistryConfig{}
	}

	r := &Registry{
		factories:     make(map[string]BackendFactory),
		handles:       make(map[string]*Handle),
		refs:          make(map[string]int),
		pluginManager: config.PluginManager,
		logger:        config.Logger,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.factories[BackendSoftware] = NewSoftwareBackend
	r.factories[BackendAccelerator] = NewAccelerator
	if manager := config.PluginManager; manager != nil {
		r.factories[BackendPlugin] = func(cfg *Config) (Backend, error) {
			return NewPluginBackend(cfg, manager)
		}
	}
	return r
}

// RegisterBackend adds or replaces a backend factory.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) error {
	if name == "" || factory == nil {
		return invalidArgument("backend name and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	return nil
}

// Backends lists the registered backend names.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PluginManager returns the plugin bridge, which may be nil.
func (r *Registry) PluginManager() *goplugins.Manager[OffloadRequest, OffloadResponse] {
	return r.pluginManager
}

// Start builds and starts the backend selected by cfg. A nil cfg uses
// DefaultConfig. The returned handle is the only way to reach the backend.
func (r *Registry) Start(cfg *Config) (*Handle, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		copied := *cfg
		cfg = &copied
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.factories[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, newError(ErrInit, ErrCodeInit, fmt.Sprintf("backend %q is not registered", cfg.Backend))
	}

	backend, err := factory(cfg)
	if err != nil {
		return nil, wrapError(ErrInit, err, ErrCodeInit, fmt.Sprintf("failed to build backend %s", cfg.Backend))
	}

	id := uuid.Must(uuid.NewV7()).String()
	logger := r.logger.With(zap.String("backend", cfg.Backend), zap.String("handle", id))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StartTimeout)
	defer cancel()
	if err := backend.Start(ctx, logger); err != nil {
		return nil, wrapError(ErrInit, err, ErrCodeInit, fmt.Sprintf("failed to start backend %s", cfg.Backend))
	}
	if !backend.IsHealthy() {
		_ = backend.Close()
		return nil, newError(ErrInit, ErrCodeInit, fmt.Sprintf("backend %s failed its health check", cfg.Backend))
	}

	queueCfg := cfg.Queue
	queueCfg.Logger = logger
	h := &Handle{
		id:       id,
		registry: r,
		cfg:      cfg,
		backend:  backend,
		heap:     NewPoolHeap(4),
		logger:   logger,
		started:  timecache.CachedTime().UTC(),
	}
	h.queue = NewQueue(&queueCfg)

	r.mu.Lock()
	r.handles[id] = h
	r.refs[cfg.Backend]++
	refs := r.refs[cfg.Backend]
	r.mu.Unlock()

	logger.Info("backend handle started", zap.Int("refs", refs), zap.Int("instances", backend.Instances()))
	return h, nil
}

// Stop shuts down the backend behind h. Every device opened through h must
// be closed first. Stopping a handle twice is a no-op.
func (r *Registry) Stop(h *Handle) error {
	if h == nil {
		return invalidArgument("nil handle")
	}
	if h.registry != r {
		return invalidArgument("handle %s belongs to another registry", h.id)
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	if h.devices > 0 {
		n := h.devices
		h.mu.Unlock()
		return newError(ErrDevicesOpen, ErrCodeRegistry, fmt.Sprintf("%d devices still open on handle %s", n, h.id))
	}
	h.stopped = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StartTimeout)
	defer cancel()

	var errs []error
	if err := h.queue.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := h.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close backend %s: %w", h.cfg.Backend, err))
	}

	r.mu.Lock()
	delete(r.handles, h.id)
	r.refs[h.cfg.Backend]--
	if r.refs[h.cfg.Backend] <= 0 {
		delete(r.refs, h.cfg.Backend)
	}
	r.mu.Unlock()

	h.logger.Info("backend handle stopped", zap.Duration("uptime", timecache.CachedTime().Sub(h.started)))
	return errors.Join(errs...)
}

// Refs returns how many started handles use the named backend.
func (r *Registry) Refs(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[name]
}

// Close stops every handle still running.
func (r *Registry) Close() error {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	var errs []error
	for _, h := range handles {
		if err := r.Stop(h); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop handle %s: %w", h.id, err))
		}
	}
	return errors.Join(errs...)
}

// Handle is a started backend instance.
type Handle struct {
	id       string
	registry *Registry
	cfg      *Config
	backend  Backend
	queue    *Queue
	heap     Heap
	logger   *zap.Logger
	started  time.Time

	mu      sync.Mutex
	stopped bool
	devices int

	instance atomic.Uint64
}

// ID returns the handle identifier.
func (h *Handle) ID() string { return h.id }

// Backend returns the backend instance.
func (h *Handle) Backend() Backend { return h.backend }

// Config returns the validated configuration the handle was started with.
func (h *Handle) Config() Config { return *h.cfg }

// Queue returns the handle's default event queue.
func (h *Handle) Queue() *Queue { return h.queue }

// Heap returns the handle's default scratch heap.
func (h *Handle) Heap() Heap { return h.heap }

// Logger returns the handle logger.
func (h *Handle) Logger() *zap.Logger { return h.logger }

// StartedAt returns when the handle was started.
func (h *Handle) StartedAt() time.Time { return h.started }

// NewQueue creates a queue configured like the default one.
func (h *Handle) NewQueue() *Queue {
	cfg := h.cfg.Queue
	cfg.Logger = h.logger
	return NewQueue(&cfg)
}

// OpenDevices returns the number of devices not yet closed.
func (h *Handle) OpenDevices() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices
}

// acquire registers a new device and returns its engine index.
func (h *Handle) acquire() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return 0, newError(ErrRegistryStopped, ErrCodeRegistry, "handle "+h.id+" is stopped")
	}
	if !h.backend.IsHealthy() {
		return 0, newError(ErrInit, ErrCodeInit, "backend "+h.backend.Name()+" is not healthy")
	}
	h.devices++
	n := h.backend.Instances()
	if n <= 0 {
		n = 1
	}
	return int((h.instance.Add(1) - 1) % uint64(n)), nil
}

func (h *Handle) release() {
	h.mu.Lock()
	if h.devices > 0 {
		h.devices--
	}
	h.mu.Unlock()
}
