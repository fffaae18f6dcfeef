// Package keys defines strongly typed, fixed-size wrappers around the
// byte blobs that flow through the session engine. PublicKey32, Nonce16
// and Tag16 offer constant-time equality; the secret-key types
// (PrivateKey32, IdentityPrivate, RootKey, ChainKey, MessageKey) offer a
// Zeroize method for key hygiene.
package keys

import "github.com/relaywire/securemsg/internal/primitives"

// PublicKey32 is a 32-byte Ed25519 or X25519 public key.
type PublicKey32 [32]byte

func (k PublicKey32) Equal(other PublicKey32) bool {
	return primitives.ConstantTimeEqual(k[:], other[:])
}

func (k PublicKey32) Bytes() []byte { return k[:] }

// PrivateKey32 is a 32-byte X25519 private scalar.
type PrivateKey32 [32]byte

func (k *PrivateKey32) Zeroize() {
	primitives.Zeroize(k[:])
}

func (k PrivateKey32) Bytes() []byte { return k[:] }

// IdentityPrivate is the 64-byte Ed25519 identity private blob:
// seed(32) || public(32).
type IdentityPrivate [64]byte

func (k *IdentityPrivate) Zeroize() {
	primitives.Zeroize(k[:])
}

func (k IdentityPrivate) Seed() []byte { return k[:32] }
func (k IdentityPrivate) Public() PublicKey32 {
	var pub PublicKey32
	copy(pub[:], k[32:])
	return pub
}
func (k IdentityPrivate) Bytes() []byte { return k[:] }

// RootKey is the 32-byte Double-Ratchet root key.
type RootKey [32]byte

func (k *RootKey) Zeroize() { primitives.Zeroize(k[:]) }
func (k RootKey) Bytes() []byte { return k[:] }

// ChainKey pairs a 32-byte chain key with its next-message index.
type ChainKey struct {
	Key   [32]byte
	Index uint32
}

func (c *ChainKey) Zeroize() {
	primitives.Zeroize(c.Key[:])
	c.Index = 0
}

// MessageKey is single-use: a 32-byte encryption key, a 32-byte MAC
// subkey, a 12-byte AEAD nonce, and the chain index it was derived at.
// MUST be zeroized immediately after one use.
type MessageKey struct {
	EncKey [32]byte
	MACKey [32]byte
	Nonce  [12]byte
	Index  uint32
}

func (m *MessageKey) Zeroize() {
	primitives.Zeroize(m.EncKey[:])
	primitives.Zeroize(m.MACKey[:])
	primitives.Zeroize(m.Nonce[:])
	m.Index = 0
}

// Nonce16 is a 16-byte handshake anti-replay nonce.
type Nonce16 [16]byte

func (n Nonce16) Equal(other Nonce16) bool {
	return primitives.ConstantTimeEqual(n[:], other[:])
}

// Iv12 is a 12-byte AES-GCM IV.
type Iv12 [12]byte

// Tag16 is a 16-byte AES-GCM authentication tag.
type Tag16 [16]byte

func (t Tag16) Equal(other Tag16) bool {
	return primitives.ConstantTimeEqual(t[:], other[:])
}

// NewNonce16 returns a fresh random handshake nonce.
func NewNonce16() Nonce16 {
	var n Nonce16
	copy(n[:], primitives.RandomBytes(16))
	return n
}

// NewIv12 returns a fresh random AES-GCM IV.
func NewIv12() Iv12 {
	var iv Iv12
	copy(iv[:], primitives.RandomBytes(12))
	return iv
}
