// marker.go: Algorithm markers and event types
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"crypto/md5"  // #nosec G501 -- offered as a legacy digest, caller's choice
	"crypto/sha1" // #nosec G505 -- offered as a legacy digest, caller's choice
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Marker identifies which algorithm or object kind a Device backs.
// The zero value means "no device" and is what a closed Device carries.
type Marker uint32

const (
	MarkerAES      Marker = 0xBEEF0002
	Marker3DES     Marker = 0xBEEF0003
	MarkerRNG      Marker = 0xBEEF0004
	MarkerHMAC     Marker = 0xBEEF0005
	MarkerRSA      Marker = 0xBEEF0006
	MarkerECC      Marker = 0xBEEF0007
	MarkerDH       Marker = 0xBEEF0008
	MarkerSHA512   Marker = 0xBEEF0009
	MarkerSHA384   Marker = 0xBEEF000A
	MarkerSHA256   Marker = 0xBEEF000B
	MarkerSHA224   Marker = 0xBEEF000C
	MarkerSHA1     Marker = 0xBEEF000D
	MarkerMD5      Marker = 0xBEEF000E
	MarkerChaCha20 Marker = 0xBEEF000F
	MarkerBLAKE2b  Marker = 0xBEEF0010
	MarkerKDF      Marker = 0xBEEF0011
)

var markerNames = map[Marker]string{
	MarkerAES:      "aes",
	Marker3DES:     "3des",
	MarkerRNG:      "rng",
	MarkerHMAC:     "hmac",
	MarkerRSA:      "rsa",
	MarkerECC:      "ecc",
	MarkerDH:       "dh",
	MarkerSHA512:   "sha512",
	MarkerSHA384:   "sha384",
	MarkerSHA256:   "sha256",
	MarkerSHA224:   "sha224",
	MarkerSHA1:     "sha1",
	MarkerMD5:      "md5",
	MarkerChaCha20: "chacha20",
	MarkerBLAKE2b:  "blake2b",
	MarkerKDF:      "hkdf",
}

func (m Marker) String() string {
	if name, ok := markerNames[m]; ok {
		return name
	}
	return fmt.Sprintf("marker(%#x)", uint32(m))
}

// Valid reports whether m is a known marker.
func (m Marker) Valid() bool {
	_, ok := markerNames[m]
	return ok
}

// ParseMarker resolves a marker from its name, case-insensitively.
func ParseMarker(name string) (Marker, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for m, n := range markerNames {
		if n == name {
			return m, nil
		}
	}
	return 0, invalidArgument("unknown marker %q", name)
}

// IsHash reports whether m backs a streaming digest.
func (m Marker) IsHash() bool {
	return m.newHash() != nil
}

// newHash returns a fresh digest for hash markers, nil otherwise.
func (m Marker) newHash() hash.Hash {
	switch m {
	case MarkerSHA512:
		return sha512.New()
	case MarkerSHA384:
		return sha512.New384()
	case MarkerSHA256:
		return sha256.New()
	case MarkerSHA224:
		return sha256.New224()
	case MarkerSHA1:
		return sha1.New() // #nosec G401
	case MarkerMD5:
		return md5.New() // #nosec G401
	case MarkerBLAKE2b:
		h, err := blake2b.New512(nil)
		if err != nil {
			return nil
		}
		return h
	}
	return nil
}

// BlockSize returns the digest block size for hash markers and 0 otherwise.
func (m Marker) BlockSize() int {
	if h := m.newHash(); h != nil {
		return h.BlockSize()
	}
	return 0
}

// EventType tags the kind of asynchronous operation an Event carries.
type EventType int

const (
	// EventTypeNone marks an event with no asynchronous operation.
	EventTypeNone EventType = iota
	// EventTypeCrypto is an operation issued by the primitive layer.
	EventTypeCrypto
	// EventTypeTLS is an operation issued on behalf of the TLS layer.
	EventTypeTLS
	// EventTypeAny is a wildcard that matches every asynchronous type.
	EventTypeAny
)

const (
	eventTypeAsyncFirst = EventTypeCrypto
	eventTypeAsyncLast  = EventTypeTLS
)

func (t EventType) String() string {
	switch t {
	case EventTypeNone:
		return "none"
	case EventTypeCrypto:
		return "crypto"
	case EventTypeTLS:
		return "tls"
	case EventTypeAny:
		return "any"
	default:
		return fmt.Sprintf("event-type(%d)", int(t))
	}
}

// IsAsync reports whether t falls in the asynchronous range.
func (t EventType) IsAsync() bool {
	return t >= eventTypeAsyncFirst && t <= eventTypeAsyncLast
}

// matches reports whether an event of type t satisfies the expected type.
func (t EventType) matches(expected EventType) bool {
	if expected == EventTypeAny {
		return t.IsAsync()
	}
	return t == expected
}
