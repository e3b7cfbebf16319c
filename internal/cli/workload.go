// workload.go: Operation generators for the benchmark workloads
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/agilira/asyncrypt"
)

// Workloads lists the accepted --workload values.
var Workloads = []string{"aes-gcm", "aes-cbc", "chacha20", "sha256", "hmac", "hkdf", "rsa", "ecdsa", "rng"}

// workload produces a fresh operation per call for one device marker.
type workload struct {
	name   string
	marker asyncrypt.Marker
	next   func() (asyncrypt.Operation, error)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// newWorkload prepares keys and a payload of size bytes for name.
func newWorkload(name string, size int) (*workload, error) {
	if size <= 0 {
		return nil, fmt.Errorf("payload size must be positive (got %d)", size)
	}
	payload, err := randomBytes(size)
	if err != nil {
		return nil, err
	}
	key, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)

	w := &workload{name: name}
	switch name {
	case "aes-gcm":
		w.marker = asyncrypt.MarkerAES
		w.next = func() (asyncrypt.Operation, error) {
			nonce, err := randomBytes(12)
			if err != nil {
				return nil, err
			}
			return asyncrypt.CipherOp{Alg: asyncrypt.MarkerAES, Mode: asyncrypt.ModeSeal, Key: key, IV: nonce, Input: payload}, nil
		}
	case "aes-cbc":
		// CBC needs whole blocks.
		if rem := len(payload) % 16; rem != 0 {
			payload = append(payload, make([]byte, 16-rem)...)
		}
		w.marker = asyncrypt.MarkerAES
		w.next = func() (asyncrypt.Operation, error) {
			iv, err := randomBytes(16)
			if err != nil {
				return nil, err
			}
			return asyncrypt.CipherOp{Alg: asyncrypt.MarkerAES, Mode: asyncrypt.ModeEncrypt, Key: key, IV: iv, Input: payload}, nil
		}
	case "chacha20":
		w.marker = asyncrypt.MarkerChaCha20
		w.next = func() (asyncrypt.Operation, error) {
			nonce, err := randomBytes(24)
			if err != nil {
				return nil, err
			}
			return asyncrypt.CipherOp{Alg: asyncrypt.MarkerChaCha20, Mode: asyncrypt.ModeSeal, Key: key, IV: nonce, Input: payload}, nil
		}
	case "sha256":
		w.marker = asyncrypt.MarkerSHA256
		w.next = func() (asyncrypt.Operation, error) {
			return asyncrypt.HashOp{Data: payload, Final: true}, nil
		}
	case "hmac":
		w.marker = asyncrypt.MarkerHMAC
		w.next = func() (asyncrypt.Operation, error) {
			return asyncrypt.HMACOp{Digest: asyncrypt.MarkerSHA256, Key: key, Data: payload}, nil
		}
	case "hkdf":
		w.marker = asyncrypt.MarkerKDF
		w.next = func() (asyncrypt.Operation, error) {
			return asyncrypt.KDFOp{Digest: asyncrypt.MarkerSHA256, Secret: key, Salt: digest[:], Info: []byte("offloadbench"), Length: 32}, nil
		}
	case "rsa":
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate rsa key: %w", err)
		}
		w.marker = asyncrypt.MarkerRSA
		w.next = func() (asyncrypt.Operation, error) {
			return asyncrypt.RSAOp{Mode: asyncrypt.RSASign, PrivateKey: priv, Hash: crypto.SHA256, Input: digest[:]}, nil
		}
	case "ecdsa":
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ecdsa key: %w", err)
		}
		w.marker = asyncrypt.MarkerECC
		w.next = func() (asyncrypt.Operation, error) {
			return asyncrypt.ECDSAOp{PrivateKey: priv, Digest: digest[:]}, nil
		}
	case "rng":
		w.marker = asyncrypt.MarkerRNG
		w.next = func() (asyncrypt.Operation, error) {
			return asyncrypt.RandomOp{Size: size}, nil
		}
	default:
		return nil, fmt.Errorf("unknown workload %q: must be one of %v", name, Workloads)
	}
	return w, nil
}
