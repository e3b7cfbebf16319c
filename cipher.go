// cipher.go: Per-backend cache of keyed cipher instances
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" // #nosec G502
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

type cipherKey struct {
	alg      Marker
	aead     bool
	nonceLen int
	digest   [sha256.Size]byte
}

// defaultCipherEntries bounds each map of a backend's cipher cache.
const defaultCipherEntries = 256

// cipherCache avoids re-running key schedules for repeated keys. Each map
// holds at most limit entries and evicts the oldest insert first; a limit
// of zero means unbounded. A nil cache is valid and simply never caches.
type cipherCache struct {
	mu         sync.RWMutex
	limit      int
	blocks     map[cipherKey]cipher.Block
	aeads      map[cipherKey]cipher.AEAD
	blockOrder []cipherKey
	aeadOrder  []cipherKey
}

func newCipherCache(limit int) *cipherCache {
	return &cipherCache{
		limit:  limit,
		blocks: make(map[cipherKey]cipher.Block),
		aeads:  make(map[cipherKey]cipher.AEAD),
	}
}

// storeBounded inserts v under k, evicting the oldest key once m is full.
func storeBounded[V any](m map[cipherKey]V, order *[]cipherKey, limit int, k cipherKey, v V) {
	if _, ok := m[k]; ok {
		return
	}
	for limit > 0 && len(m) >= limit && len(*order) > 0 {
		oldest := (*order)[0]
		*order = (*order)[1:]
		delete(m, oldest)
	}
	m[k] = v
	*order = append(*order, k)
}

func (c *cipherCache) block(alg Marker, key []byte) (cipher.Block, error) {
	k := cipherKey{alg: alg, digest: sha256.Sum256(key)}

	if c != nil {
		c.mu.RLock()
		b, ok := c.blocks[k]
		c.mu.RUnlock()
		if ok {
			return b, nil
		}
	}

	var (
		b   cipher.Block
		err error
	)
	switch alg {
	case MarkerAES:
		b, err = aes.NewCipher(key)
	case Marker3DES:
		b, err = des.NewTripleDESCipher(key)
	default:
		err = fmt.Errorf("%s has no block cipher", alg)
	}
	if err != nil {
		return nil, wrapError(ErrInvalidArgument, err, ErrCodeInvalidArgument, "cipher init failed")
	}

	if c != nil {
		c.mu.Lock()
		storeBounded(c.blocks, &c.blockOrder, c.limit, k, b)
		c.mu.Unlock()
	}
	return b, nil
}

func (c *cipherCache) aead(alg Marker, key []byte, nonceLen int) (cipher.AEAD, error) {
	k := cipherKey{alg: alg, aead: true, nonceLen: nonceLen, digest: sha256.Sum256(key)}

	if c != nil {
		c.mu.RLock()
		a, ok := c.aeads[k]
		c.mu.RUnlock()
		if ok {
			return a, nil
		}
	}

	var (
		a   cipher.AEAD
		err error
	)
	switch alg {
	case MarkerAES:
		var b cipher.Block
		if b, err = c.block(alg, key); err == nil {
			a, err = cipher.NewGCM(b)
		}
	case MarkerChaCha20:
		if nonceLen == chacha20poly1305.NonceSizeX {
			a, err = chacha20poly1305.NewX(key)
		} else {
			a, err = chacha20poly1305.New(key)
		}
	default:
		err = fmt.Errorf("%s has no aead construction", alg)
	}
	if err != nil {
		return nil, wrapError(ErrInvalidArgument, err, ErrCodeInvalidArgument, "aead init failed")
	}

	if c != nil {
		c.mu.Lock()
		storeBounded(c.aeads, &c.aeadOrder, c.limit, k, a)
		c.mu.Unlock()
	}
	return a, nil
}

// purge drops every cached instance.
func (c *cipherCache) purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	clear(c.blocks)
	clear(c.aeads)
	c.blockOrder = nil
	c.aeadOrder = nil
	c.mu.Unlock()
}

func (c *cipherCache) size() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks) + len(c.aeads)
}
