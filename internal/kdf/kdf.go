// Package kdf implements the protocol's named HKDF-SHA-256 derivations.
// The salt is a 32-byte zero block unless a caller supplies one.
package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Info strings are part of the wire-visible agreement; they MUST match
// byte-for-byte between interoperating implementations.
const (
	InfoRoot    = "SecureMessenger-RootKey"
	InfoChain   = "SecureMessenger-ChainKey"
	InfoMessage = "SecureMessenger-MessageKey"
	InfoMAC     = "mac-key"

	// InfoMessageNonce derives a MessageKey's deterministic AEAD nonce
	// from its encryption key. Both sides must derive the same nonce
	// for the same chain position, so it cannot be random.
	InfoMessageNonce = "SecureMessenger-MessageNonce"
)

var zeroSalt32 = make([]byte, 32)

// Derive runs HKDF-Extract-then-Expand over SHA-256, producing outLen
// bytes. salt defaults to a 32-byte zero block when nil.
func Derive(ikm, salt, info []byte, outLen int) []byte {
	if salt == nil {
		salt = zeroSalt32
	}
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-Expand only fails when outLen exceeds 255*HashLen; every
		// caller in this module requests far less, so this is an
		// unreachable invariant break, not a runtime condition to
		// recover from.
		panic("kdf: hkdf expand failed: " + err.Error())
	}
	return out
}

// DeriveRootKey derives a new 32-byte root key. ikm is the
// concatenation root_key||shared_secret for a DH ratchet step, or the
// bare ECDH shared secret for the initial handshake derivation.
func DeriveRootKey(ikm []byte) []byte {
	return Derive(ikm, nil, []byte(InfoRoot), 32)
}

// DeriveChainKey derives a new 32-byte chain key from a root key, using
// either the fixed chain info or a caller-supplied deterministic info
// string for a ratchet-step transition. The info must never depend on
// wall-clock time or anything else the two peers cannot reproduce.
func DeriveChainKey(rootKey []byte, info string) []byte {
	return Derive(rootKey, nil, []byte(info), 32)
}

// DeriveMessageAndNextChain derives 64 bytes from a chain key and
// splits them into a 32-byte message encryption key and the 32-byte
// next chain key.
func DeriveMessageAndNextChain(chainKey []byte) (encKey, nextChainKey []byte) {
	out := Derive(chainKey, nil, []byte(InfoMessage), 64)
	return out[:32], out[32:]
}

// DeriveMACSubkey derives the 32-byte outer-MAC subkey from a message
// encryption key.
func DeriveMACSubkey(encKey []byte) []byte {
	return Derive(encKey, nil, []byte(InfoMAC), 32)
}
