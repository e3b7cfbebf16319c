// ops.go: Offloadable operations
//
// Every operation kind a Device can carry is one variant of the sealed
// Operation interface. A variant holds only the parameters its kind needs;
// the transform itself lives in run and is shared by every backend that
// executes work in process.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package asyncrypt

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" // #nosec G502 -- 3DES is an offload target, not a default
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding"
	"fmt"
	"hash"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MaxChunk is the largest CBC payload submitted in a single request. Do
// splits larger payloads and carries the IV across chunks.
const MaxChunk = 16384

// Operation is one offloadable request. The set of variants is closed.
type Operation interface {
	// Name is a short label used in logs.
	Name() string
	accepts(m Marker) bool
	validate() error
	inputLen() int
	run(cc *cipherCache) ([]byte, error)
}

// CipherMode selects the direction and construction of a CipherOp.
type CipherMode int

const (
	ModeEncrypt CipherMode = iota + 1 // CBC encrypt
	ModeDecrypt                       // CBC decrypt
	ModeSeal                          // AEAD seal (GCM or Poly1305)
	ModeOpen                          // AEAD open
)

func (m CipherMode) String() string {
	switch m {
	case ModeEncrypt:
		return "encrypt"
	case ModeDecrypt:
		return "decrypt"
	case ModeSeal:
		return "seal"
	case ModeOpen:
		return "open"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// CipherOp is a symmetric transform. Alg is MarkerAES, Marker3DES or
// MarkerChaCha20; ChaCha20 supports only the AEAD modes. IV holds the CBC
// IV or the AEAD nonce.
type CipherOp struct {
	Alg   Marker
	Mode  CipherMode
	Key   []byte
	IV    []byte
	AAD   []byte
	Input []byte
}

func (o CipherOp) Name() string { return o.Alg.String() + "-" + o.Mode.String() }

func (o CipherOp) accepts(m Marker) bool { return o.Alg == m }

func (o CipherOp) inputLen() int { return len(o.Input) }

func (o CipherOp) validate() error {
	switch o.Alg {
	case MarkerAES:
		if n := len(o.Key); n != 16 && n != 24 && n != 32 {
			return invalidArgument("aes key must be 16, 24 or 32 bytes (got %d)", n)
		}
	case Marker3DES:
		if len(o.Key) != 24 {
			return invalidArgument("3des key must be 24 bytes (got %d)", len(o.Key))
		}
		if o.Mode == ModeSeal || o.Mode == ModeOpen {
			return invalidArgument("3des supports cbc only")
		}
	case MarkerChaCha20:
		if len(o.Key) != chacha20poly1305.KeySize {
			return invalidArgument("chacha20 key must be %d bytes", chacha20poly1305.KeySize)
		}
		if o.Mode != ModeSeal && o.Mode != ModeOpen {
			return invalidArgument("chacha20 supports aead modes only")
		}
	default:
		return invalidArgument("%s is not a cipher", o.Alg)
	}

	switch o.Mode {
	case ModeEncrypt, ModeDecrypt:
		bs := o.blockSize()
		if len(o.IV) != bs {
			return invalidArgument("iv must be %d bytes (got %d)", bs, len(o.IV))
		}
		if len(o.Input)%bs != 0 {
			return invalidArgument("cbc input must be a multiple of %d bytes", bs)
		}
	case ModeSeal, ModeOpen:
		if o.Alg == MarkerAES && len(o.IV) != 12 {
			return invalidArgument("gcm nonce must be 12 bytes (got %d)", len(o.IV))
		}
		if o.Alg == MarkerChaCha20 && len(o.IV) != chacha20poly1305.NonceSize && len(o.IV) != chacha20poly1305.NonceSizeX {
			return invalidArgument("chacha20 nonce must be %d or %d bytes", chacha20poly1305.NonceSize, chacha20poly1305.NonceSizeX)
		}
	default:
		return invalidArgument("unknown cipher mode %d", int(o.Mode))
	}
	return nil
}

func (o CipherOp) blockSize() int {
	if o.Alg == Marker3DES {
		return des.BlockSize
	}
	return aes.BlockSize
}

func (o CipherOp) run(cc *cipherCache) ([]byte, error) {
	switch o.Mode {
	case ModeEncrypt, ModeDecrypt:
		block, err := cc.block(o.Alg, o.Key)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(o.Input))
		if o.Mode == ModeEncrypt {
			cipher.NewCBCEncrypter(block, o.IV).CryptBlocks(out, o.Input)
		} else {
			cipher.NewCBCDecrypter(block, o.IV).CryptBlocks(out, o.Input)
		}
		return out, nil
	default:
		aead, err := cc.aead(o.Alg, o.Key, len(o.IV))
		if err != nil {
			return nil, err
		}
		if o.Mode == ModeSeal {
			return aead.Seal(nil, o.IV, o.Input, o.AAD), nil
		}
		out, err := aead.Open(nil, o.IV, o.Input, o.AAD)
		if err != nil {
			return nil, wrapError(ErrBackendFailure, err, ErrCodeOperation, "aead authentication failed")
		}
		return out, nil
	}
}

// nextIV returns the IV that continues a CBC stream after this chunk.
func (o CipherOp) nextIV(out []byte) []byte {
	bs := o.blockSize()
	last := o.Input
	if o.Mode == ModeEncrypt {
		last = out
	}
	iv := make([]byte, bs)
	copy(iv, last[len(last)-bs:])
	return iv
}

// HashOp feeds data to the streaming digest backing the device. The
// device keeps the partial block and midstate between operations.
type HashOp struct {
	Data  []byte
	Final bool

	alg   Marker
	state []byte
}

func (o HashOp) Name() string {
	if o.Final {
		return "hash-final"
	}
	return "hash-update"
}

func (o HashOp) accepts(m Marker) bool { return m.IsHash() }

func (o HashOp) inputLen() int { return len(o.Data) }

func (o HashOp) validate() error { return nil }

func (o HashOp) run(*cipherCache) ([]byte, error) {
	h := o.alg.newHash()
	if h == nil {
		return nil, invalidArgument("%s is not a hash", o.alg)
	}
	if len(o.state) > 0 {
		u, ok := h.(encoding.BinaryUnmarshaler)
		if !ok {
			return nil, newError(ErrBackendFailure, ErrCodeOperation, "digest state cannot be restored")
		}
		if err := u.UnmarshalBinary(o.state); err != nil {
			return nil, wrapError(ErrBackendFailure, err, ErrCodeOperation, "restore digest state")
		}
	}
	h.Write(o.Data)
	if o.Final {
		return h.Sum(nil), nil
	}
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, newError(ErrBackendFailure, ErrCodeOperation, "digest state cannot be saved")
	}
	return m.MarshalBinary()
}

// HMACOp computes a one-shot MAC. Digest defaults to SHA-256.
type HMACOp struct {
	Digest Marker
	Key    []byte
	Data   []byte
}

func (o HMACOp) Name() string { return "hmac" }

func (o HMACOp) accepts(m Marker) bool { return m == MarkerHMAC }

func (o HMACOp) inputLen() int { return len(o.Data) }

func (o HMACOp) validate() error {
	if len(o.Key) == 0 {
		return invalidArgument("hmac key cannot be empty")
	}
	if o.Digest != 0 && !o.Digest.IsHash() {
		return invalidArgument("%s is not a digest", o.Digest)
	}
	return nil
}

func (o HMACOp) run(*cipherCache) ([]byte, error) {
	mac := hmac.New(digestFunc(o.Digest), o.Key)
	mac.Write(o.Data)
	return mac.Sum(nil), nil
}

// RandomOp draws Size bytes from the generator.
type RandomOp struct {
	Size int
}

func (o RandomOp) Name() string { return "rng" }

func (o RandomOp) accepts(m Marker) bool { return m == MarkerRNG }

func (o RandomOp) inputLen() int { return 0 }

func (o RandomOp) validate() error {
	if o.Size <= 0 {
		return invalidArgument("random size must be positive")
	}
	return nil
}

func (o RandomOp) run(*cipherCache) ([]byte, error) {
	out := make([]byte, o.Size)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, wrapError(ErrBackendFailure, err, ErrCodeOperation, "random generation failed")
	}
	return out, nil
}

// RSAMode selects an RSA operation.
type RSAMode int

const (
	RSASign    RSAMode = iota + 1 // PKCS#1 v1.5 signature over Input (a digest)
	RSAVerify                     // verify Signature over Input; output is {1} or {0}
	RSAEncrypt                    // OAEP-SHA256 encrypt Input
	RSADecrypt                    // OAEP-SHA256 decrypt Input
)

// RSAOp is an RSA public or private key operation.
type RSAOp struct {
	Mode       RSAMode
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	Hash       crypto.Hash
	Input      []byte
	Signature  []byte
	Label      []byte
}

func (o RSAOp) Name() string {
	switch o.Mode {
	case RSASign:
		return "rsa-sign"
	case RSAVerify:
		return "rsa-verify"
	case RSAEncrypt:
		return "rsa-encrypt"
	case RSADecrypt:
		return "rsa-decrypt"
	}
	return "rsa"
}

func (o RSAOp) accepts(m Marker) bool { return m == MarkerRSA }

func (o RSAOp) inputLen() int { return len(o.Input) }

func (o RSAOp) validate() error {
	switch o.Mode {
	case RSASign, RSADecrypt:
		if o.PrivateKey == nil {
			return invalidArgument("%s requires a private key", o.Name())
		}
	case RSAVerify, RSAEncrypt:
		if o.publicKey() == nil {
			return invalidArgument("%s requires a public key", o.Name())
		}
	default:
		return invalidArgument("unknown rsa mode %d", int(o.Mode))
	}
	if len(o.Input) == 0 {
		return invalidArgument("rsa input cannot be empty")
	}
	if o.Mode == RSAVerify && len(o.Signature) == 0 {
		return invalidArgument("rsa verify requires a signature")
	}
	return nil
}

func (o RSAOp) publicKey() *rsa.PublicKey {
	if o.PublicKey != nil {
		return o.PublicKey
	}
	if o.PrivateKey != nil {
		return &o.PrivateKey.PublicKey
	}
	return nil
}

func (o RSAOp) run(*cipherCache) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch o.Mode {
	case RSASign:
		out, err = rsa.SignPKCS1v15(rand.Reader, o.PrivateKey, o.Hash, o.Input)
	case RSAVerify:
		if rsa.VerifyPKCS1v15(o.publicKey(), o.Hash, o.Input, o.Signature) != nil {
			return []byte{0}, nil
		}
		return []byte{1}, nil
	case RSAEncrypt:
		out, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, o.publicKey(), o.Input, o.Label)
	case RSADecrypt:
		out, err = rsa.DecryptOAEP(sha256.New(), rand.Reader, o.PrivateKey, o.Input, o.Label)
	}
	if err != nil {
		return nil, wrapError(ErrBackendFailure, err, ErrCodeOperation, o.Name()+" failed")
	}
	return out, nil
}

// ECDSAOp signs or verifies a digest. Verify outputs {1} or {0}.
type ECDSAOp struct {
	Verify     bool
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
	Digest     []byte
	Signature  []byte
}

func (o ECDSAOp) Name() string {
	if o.Verify {
		return "ecdsa-verify"
	}
	return "ecdsa-sign"
}

func (o ECDSAOp) accepts(m Marker) bool { return m == MarkerECC }

func (o ECDSAOp) inputLen() int { return len(o.Digest) }

func (o ECDSAOp) validate() error {
	if len(o.Digest) == 0 {
		return invalidArgument("ecdsa digest cannot be empty")
	}
	if o.Verify {
		if o.publicKey() == nil || len(o.Signature) == 0 {
			return invalidArgument("ecdsa verify requires a public key and signature")
		}
		return nil
	}
	if o.PrivateKey == nil {
		return invalidArgument("ecdsa sign requires a private key")
	}
	return nil
}

func (o ECDSAOp) publicKey() *ecdsa.PublicKey {
	if o.PublicKey != nil {
		return o.PublicKey
	}
	if o.PrivateKey != nil {
		return &o.PrivateKey.PublicKey
	}
	return nil
}

func (o ECDSAOp) run(*cipherCache) ([]byte, error) {
	if o.Verify {
		if ecdsa.VerifyASN1(o.publicKey(), o.Digest, o.Signature) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	}
	sig, err := ecdsa.SignASN1(rand.Reader, o.PrivateKey, o.Digest)
	if err != nil {
		return nil, wrapError(ErrBackendFailure, err, ErrCodeOperation, "ecdsa sign failed")
	}
	return sig, nil
}

// ECDHOp computes an elliptic-curve shared secret.
type ECDHOp struct {
	PrivateKey *ecdh.PrivateKey
	PeerKey    *ecdh.PublicKey
}

func (o ECDHOp) Name() string { return "ecdh" }

func (o ECDHOp) accepts(m Marker) bool { return m == MarkerECC }

func (o ECDHOp) inputLen() int { return 0 }

func (o ECDHOp) validate() error {
	if o.PrivateKey == nil || o.PeerKey == nil {
		return invalidArgument("ecdh requires a private key and a peer key")
	}
	if o.PrivateKey.Curve() != o.PeerKey.Curve() {
		return invalidArgument("ecdh keys are on different curves")
	}
	return nil
}

func (o ECDHOp) run(*cipherCache) ([]byte, error) {
	secret, err := o.PrivateKey.ECDH(o.PeerKey)
	if err != nil {
		return nil, wrapError(ErrBackendFailure, err, ErrCodeOperation, "ecdh failed")
	}
	return secret, nil
}

// DHOp is a finite-field Diffie-Hellman step. With Agree unset it outputs
// the public value G^Private mod P; with Agree set it outputs
// PeerPublic^Private mod P. Outputs are left-padded to the size of P.
type DHOp struct {
	Agree      bool
	P          *big.Int
	G          *big.Int
	Private    []byte
	PeerPublic []byte
}

func (o DHOp) Name() string {
	if o.Agree {
		return "dh-agree"
	}
	return "dh-generate"
}

func (o DHOp) accepts(m Marker) bool { return m == MarkerDH }

func (o DHOp) inputLen() int { return len(o.Private) }

func (o DHOp) validate() error {
	if o.P == nil || o.P.Sign() <= 0 || o.G == nil || o.G.Sign() <= 0 {
		return invalidArgument("dh requires positive p and g")
	}
	if len(o.Private) == 0 {
		return invalidArgument("dh private value cannot be empty")
	}
	if o.Agree {
		y := new(big.Int).SetBytes(o.PeerPublic)
		pMinus1 := new(big.Int).Sub(o.P, big.NewInt(1))
		if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(pMinus1) >= 0 {
			return invalidArgument("dh peer public value out of range")
		}
	}
	return nil
}

func (o DHOp) run(*cipherCache) ([]byte, error) {
	x := new(big.Int).SetBytes(o.Private)
	base := o.G
	if o.Agree {
		base = new(big.Int).SetBytes(o.PeerPublic)
	}
	z := new(big.Int).Exp(base, x, o.P)
	return z.FillBytes(make([]byte, (o.P.BitLen()+7)/8)), nil
}

// KDFOp derives Length bytes with HKDF. Digest defaults to SHA-256.
type KDFOp struct {
	Digest Marker
	Secret []byte
	Salt   []byte
	Info   []byte
	Length int
}

func (o KDFOp) Name() string { return "hkdf" }

func (o KDFOp) accepts(m Marker) bool { return m == MarkerKDF }

func (o KDFOp) inputLen() int { return len(o.Secret) }

func (o KDFOp) validate() error {
	if len(o.Secret) == 0 {
		return invalidArgument("hkdf secret cannot be empty")
	}
	if o.Digest != 0 && !o.Digest.IsHash() {
		return invalidArgument("%s is not a digest", o.Digest)
	}
	size := digestFunc(o.Digest)().Size()
	if o.Length <= 0 || o.Length > 255*size {
		return invalidArgument("hkdf length must be in 1..%d", 255*size)
	}
	return nil
}

func (o KDFOp) run(*cipherCache) ([]byte, error) {
	out := make([]byte, o.Length)
	if _, err := io.ReadFull(hkdf.New(digestFunc(o.Digest), o.Secret, o.Salt, o.Info), out); err != nil {
		return nil, wrapError(ErrBackendFailure, err, ErrCodeOperation, "hkdf failed")
	}
	return out, nil
}

// digestFunc returns the constructor for a hash marker, SHA-256 for zero.
func digestFunc(m Marker) func() hash.Hash {
	if m == 0 || !m.IsHash() {
		return sha256.New
	}
	return m.newHash
}
