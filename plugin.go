// plugin.go: Backend bridging offload requests to a go-plugins manager
//
// The plugin backend forwards every submission as an OffloadRequest to a
// named plugin and asks the same plugin for the state of each token during
// the poller's scan, like a single-status accelerator would.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	goplugins "github.com/agilira/go-plugins"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OffloadStatus is the Operation of a request asking for the state of
// OffloadRequest.Token.
const OffloadStatus = "status"

// Parameter keys of an OffloadRequest
const (
	ParamKind   = "kind"   // cipher | hash | hmac | rng | hkdf
	ParamAlg    = "alg"    // marker name of the cipher or digest
	ParamMode   = "mode"   // CipherMode as an integer
	ParamKey    = "key"    // key bytes
	ParamIV     = "iv"     // cipher IV or nonce
	ParamAAD    = "aad"    // AEAD additional data
	ParamFinal  = "final"  // last hash update
	ParamState  = "state"  // hash midstate
	ParamSize   = "size"   // random byte count
	ParamSalt   = "salt"   // hkdf salt
	ParamInfo   = "info"   // hkdf info
	ParamLength = "length" // hkdf output length
)

type pluginSession struct {
	marker Marker
}

// PluginBackend submits operations to a plugin registered with a go-plugins
// manager. It reports KindSingle: completions are collected one token at
// a time through CheckStatus.
type PluginBackend struct {
	manager *goplugins.Manager[OffloadRequest, OffloadResponse]
	name    string
	timeout time.Duration
	logger  *zap.Logger

	started   atomic.Bool
	submitted atomic.Uint64
	checks    atomic.Uint64
}

// NewPluginBackend builds a backend bound to cfg.Plugin.Name on manager.
func NewPluginBackend(cfg *Config, manager *goplugins.Manager[OffloadRequest, OffloadResponse]) (Backend, error) {
	if manager == nil {
		return nil, newError(ErrInit, ErrCodeInit, "plugin backend needs a plugin manager")
	}
	if cfg.Plugin.Name == "" {
		return nil, invalidArgument("plugin.name is required")
	}
	timeout := cfg.Plugin.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Plugin.Timeout
	}
	return &PluginBackend{
		manager: manager,
		name:    cfg.Plugin.Name,
		timeout: timeout,
		logger:  zap.NewNop(),
	}, nil
}

// Name returns the registry name of the plugin backend.
func (p *PluginBackend) Name() string { return BackendPlugin }

// Kind reports KindSingle.
func (p *PluginBackend) Kind() BackendKind { return KindSingle }

// Start checks that the plugin is registered with the manager.
func (p *PluginBackend) Start(ctx context.Context, logger *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if logger != nil {
		p.logger = logger
	}
	plugin, err := p.manager.GetPlugin(p.name)
	if err != nil {
		return wrapError(ErrInit, err, ErrCodeInit, "plugin "+p.name+" is not registered")
	}
	info := plugin.Info()
	p.started.Store(true)
	p.logger.Info("plugin backend started",
		zap.String("plugin", info.Name),
		zap.String("version", info.Version),
		zap.Duration("timeout", p.timeout))
	return nil
}

// Close marks the backend stopped. The plugin stays registered: its
// lifecycle belongs to the manager.
func (p *PluginBackend) Close() error {
	if p.started.Swap(false) {
		p.logger.Info("plugin backend stopped",
			zap.Uint64("submitted", p.submitted.Load()),
			zap.Uint64("checks", p.checks.Load()))
	}
	return nil
}

// IsHealthy reports whether the backend is started and the manager last
// saw the plugin healthy.
func (p *PluginBackend) IsHealthy() bool {
	if !p.started.Load() {
		return false
	}
	h, ok := p.manager.Health()[p.name]
	return ok && h.Status == goplugins.StatusHealthy
}

// Instances is always 1.
func (p *PluginBackend) Instances() int { return 1 }

// OpenSession returns a session for marker; instance is ignored.
func (p *PluginBackend) OpenSession(_ int, marker Marker) (Session, error) {
	if !p.started.Load() {
		return nil, newError(ErrInit, ErrCodeInit, "plugin backend not started")
	}
	return &pluginSession{marker: marker}, nil
}

// CloseSession releases s. Sessions from another backend are rejected.
func (p *PluginBackend) CloseSession(s Session) error {
	if _, ok := s.(*pluginSession); !ok && s != nil {
		return invalidArgument("foreign session %T", s)
	}
	return nil
}

// Submit sends op to the plugin. A response with StatusRetry maps to
// SubmitRetry; any other accepted response must carry a non-zero token.
func (p *PluginBackend) Submit(s Session, op Operation, _ CompletionFunc) (Token, SubmitStatus, error) {
	sess, ok := s.(*pluginSession)
	if !ok {
		return 0, SubmitAccepted, invalidArgument("foreign session %T", s)
	}
	if !p.started.Load() {
		return 0, SubmitAccepted, newError(ErrInit, ErrCodeInit, "plugin backend not started")
	}
	req, err := EncodeOffloadRequest(op)
	if err != nil {
		return 0, SubmitAccepted, err
	}
	req.Marker = sess.marker.String()

	resp, err := p.execute(req)
	if err != nil {
		return 0, SubmitAccepted, wrapError(ErrBackendFailure, err, ErrCodeBackendFailure, "plugin submit failed")
	}
	if Status(resp.Status) == StatusRetry {
		return 0, SubmitRetry, nil
	}
	if resp.Error != "" {
		return 0, SubmitAccepted, newError(ErrBackendFailure, ErrCodeBackendFailure, "plugin rejected "+req.Operation+": "+resp.Error)
	}
	if resp.Token == 0 {
		return 0, SubmitAccepted, newError(ErrBackendFailure, ErrCodeBackendFailure, "plugin returned no token")
	}
	p.submitted.Add(1)
	return Token(resp.Token), SubmitAccepted, nil
}

// CheckStatus asks the plugin for the state of t. Only transport failures
// are returned as errors; a failed operation comes back as its status.
func (p *PluginBackend) CheckStatus(s Session, t Token) (Completion, error) {
	req := OffloadRequest{Operation: OffloadStatus, Token: uint64(t)}
	if sess, ok := s.(*pluginSession); ok {
		req.Marker = sess.marker.String()
	}
	p.checks.Add(1)

	resp, err := p.execute(req)
	if err != nil {
		return Completion{}, err
	}
	status := Status(resp.Status)
	if resp.Error != "" {
		p.logger.Debug("plugin operation failed",
			zap.Uint64("token", uint64(t)),
			zap.Stringer("status", status),
			zap.String("error", resp.Error))
		if status == StatusSuccess {
			status = StatusOpFailed
		}
	}
	return Completion{Token: t, Status: status, Output: resp.Data}, nil
}

// execute runs one request without manager-side retries: busy plugins
// answer StatusRetry and the device loop owns the retry policy.
func (p *PluginBackend) execute(req OffloadRequest) (OffloadResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.manager.ExecuteWithOptions(ctx, p.name, goplugins.ExecutionContext{
		RequestID: uuid.Must(uuid.NewV7()).String(),
		Timeout:   p.timeout,
	}, req)
}

// EncodeOffloadRequest describes op as a plugin request. Asymmetric
// operations carry live key objects and cannot be encoded.
func EncodeOffloadRequest(op Operation) (OffloadRequest, error) {
	req := OffloadRequest{Parameters: make(map[string]interface{})}
	if op == nil {
		return req, invalidArgument("nil operation")
	}
	req.Operation = op.Name()
	params := req.Parameters

	switch o := op.(type) {
	case CipherOp:
		params[ParamKind] = "cipher"
		params[ParamAlg] = o.Alg.String()
		params[ParamMode] = int(o.Mode)
		params[ParamKey] = o.Key
		params[ParamIV] = o.IV
		params[ParamAAD] = o.AAD
		req.Data = o.Input
	case HashOp:
		params[ParamKind] = "hash"
		params[ParamAlg] = o.alg.String()
		params[ParamFinal] = o.Final
		params[ParamState] = o.state
		req.Data = o.Data
	case HMACOp:
		params[ParamKind] = "hmac"
		if o.Digest != 0 {
			params[ParamAlg] = o.Digest.String()
		}
		params[ParamKey] = o.Key
		req.Data = o.Data
	case RandomOp:
		params[ParamKind] = "rng"
		params[ParamSize] = o.Size
	case KDFOp:
		params[ParamKind] = "hkdf"
		if o.Digest != 0 {
			params[ParamAlg] = o.Digest.String()
		}
		params[ParamSalt] = o.Salt
		params[ParamInfo] = o.Info
		params[ParamLength] = o.Length
		req.Data = o.Secret
	default:
		return req, invalidArgument("%s cannot be sent to a plugin", op.Name())
	}
	return req, nil
}

// DecodeOffloadRequest rebuilds the operation carried by req. Byte
// parameters may be raw or base64 strings and numbers may be any numeric
// type, so requests that went through JSON decode as well.
func DecodeOffloadRequest(req OffloadRequest) (Operation, error) {
	params := req.Parameters
	kind, err := paramString(params, ParamKind)
	if err != nil {
		return nil, err
	}

	var op Operation
	switch kind {
	case "cipher":
		o := CipherOp{Input: req.Data}
		if o.Alg, err = paramMarker(params, ParamAlg); err != nil {
			return nil, err
		}
		mode, err := paramInt(params, ParamMode)
		if err != nil {
			return nil, err
		}
		o.Mode = CipherMode(mode)
		if o.Key, err = paramBytes(params, ParamKey); err != nil {
			return nil, err
		}
		if o.IV, err = paramBytes(params, ParamIV); err != nil {
			return nil, err
		}
		if o.AAD, err = paramBytes(params, ParamAAD); err != nil {
			return nil, err
		}
		op = o
	case "hash":
		o := HashOp{Data: req.Data}
		if o.alg, err = paramMarker(params, ParamAlg); err != nil {
			return nil, err
		}
		if !o.alg.IsHash() {
			return nil, invalidArgument("%s is not a digest", o.alg)
		}
		if o.Final, err = paramBool(params, ParamFinal); err != nil {
			return nil, err
		}
		if o.state, err = paramBytes(params, ParamState); err != nil {
			return nil, err
		}
		op = o
	case "hmac":
		o := HMACOp{Data: req.Data}
		if o.Digest, err = paramMarker(params, ParamAlg); err != nil {
			return nil, err
		}
		if o.Key, err = paramBytes(params, ParamKey); err != nil {
			return nil, err
		}
		op = o
	case "rng":
		size, err := paramInt(params, ParamSize)
		if err != nil {
			return nil, err
		}
		op = RandomOp{Size: size}
	case "hkdf":
		o := KDFOp{Secret: req.Data}
		if o.Digest, err = paramMarker(params, ParamAlg); err != nil {
			return nil, err
		}
		if o.Salt, err = paramBytes(params, ParamSalt); err != nil {
			return nil, err
		}
		if o.Info, err = paramBytes(params, ParamInfo); err != nil {
			return nil, err
		}
		if o.Length, err = paramInt(params, ParamLength); err != nil {
			return nil, err
		}
		op = o
	default:
		return nil, invalidArgument("unknown offload kind %q", kind)
	}

	if err := op.validate(); err != nil {
		return nil, err
	}
	return op, nil
}

// ExecuteOffloadRequest decodes req and runs it in the calling goroutine.
// Plugins serving this package can answer status queries with the result.
func ExecuteOffloadRequest(req OffloadRequest) OffloadResponse {
	resp := OffloadResponse{Token: req.Token, Status: int(StatusSuccess)}
	op, err := DecodeOffloadRequest(req)
	if err == nil {
		resp.Data, err = op.run(nil)
	}
	if err != nil {
		resp.Status = int(statusFor(err))
		resp.Error = err.Error()
		resp.Data = nil
	}
	return resp
}

func paramString(params map[string]interface{}, key string) (string, error) {
	switch v := params[key].(type) {
	case string:
		return v, nil
	case nil:
		return "", invalidArgument("missing parameter %q", key)
	default:
		return "", invalidArgument("parameter %q is %T, not a string", key, v)
	}
}

// paramMarker resolves a marker name; a missing parameter yields zero.
func paramMarker(params map[string]interface{}, key string) (Marker, error) {
	if _, ok := params[key]; !ok {
		return 0, nil
	}
	name, err := paramString(params, key)
	if err != nil {
		return 0, err
	}
	return ParseMarker(name)
}

// paramBytes accepts raw bytes or base64 text; a missing parameter is nil.
func paramBytes(params map[string]interface{}, key string) ([]byte, error) {
	switch v := params[key].(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, wrapError(ErrInvalidArgument, err, ErrCodeInvalidArgument, fmt.Sprintf("parameter %q is not base64", key))
		}
		return b, nil
	default:
		return nil, invalidArgument("parameter %q is %T, not bytes", key, v)
	}
}

func paramInt(params map[string]interface{}, key string) (int, error) {
	switch v := params[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint32:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, invalidArgument("parameter %q is not an integer", key)
		}
		return int(v), nil
	case nil:
		return 0, invalidArgument("missing parameter %q", key)
	default:
		return 0, invalidArgument("parameter %q is %T, not a number", key, v)
	}
}

func paramBool(params map[string]interface{}, key string) (bool, error) {
	switch v := params[key].(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, invalidArgument("parameter %q is %T, not a bool", key, v)
	}
}
