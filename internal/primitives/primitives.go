// Package primitives wraps the core cryptographic building blocks used
// throughout the session engine: Ed25519 signatures, X25519 key
// agreement, AES-256-GCM AEAD, HMAC-SHA-256, a CSPRNG, constant-time
// comparison, and best-effort key zeroization. Every size check here is
// enforced at the boundary. A wrong-length key, seed or IV panics, since
// that is a programming error, not a condition a caller can recover
// from; a wrong-length signature, verification public key or GCM tag is
// reported as a failed verification instead (false from Ed25519Verify,
// errs.KindAuthFailure from AESGCMDecrypt).
package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/relaywire/securemsg/internal/errs"
)

const (
	GCMTagSize   = 16
	GCMNonceSize = 12
	AESKeySize   = 32

	Ed25519SeedSize = 32
	Ed25519PubSize  = 32
	Ed25519SigSize  = 64
	Ed25519PrivBlob = 64 // seed(32) || pub(32)

	X25519KeySize = 32
)

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("primitives: csprng failure: %v", err))
	}
	return b
}

// ConstantTimeEqual reports whether a and b are byte-for-byte equal,
// without leaking timing information about where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites buf with random bytes and then zero, best-effort.
// It cannot guarantee the Go runtime never copied the underlying bytes
// elsewhere (e.g. during a GC move or an earlier append); it is a
// mitigation, not a guarantee.
func Zeroize(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_, _ = rand.Read(buf)
	for i := range buf {
		buf[i] = 0
	}
}

// Ed25519GenerateSeed returns a fresh 32-byte Ed25519 seed.
func Ed25519GenerateSeed() []byte {
	return RandomBytes(Ed25519SeedSize)
}

// Ed25519PublicFromSeed derives the 32-byte public key for a seed.
func Ed25519PublicFromSeed(seed []byte) []byte {
	if len(seed) != Ed25519SeedSize {
		panic("primitives: bad ed25519 seed length")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := make([]byte, Ed25519PubSize)
	copy(pub, priv[Ed25519SeedSize:])
	return pub
}

// Ed25519Sign signs message with the identity private key material,
// the 64-byte seed||pub blob.
func Ed25519Sign(privBlob, message []byte) []byte {
	if len(privBlob) != Ed25519PrivBlob {
		panic("primitives: bad ed25519 private key length")
	}
	priv := ed25519.NewKeyFromSeed(privBlob[:Ed25519SeedSize])
	return ed25519.Sign(priv, message)
}

// Ed25519Verify verifies sig over message against a 32-byte public key.
func Ed25519Verify(pub, message, sig []byte) bool {
	if len(pub) != Ed25519PubSize || len(sig) != Ed25519SigSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// X25519GeneratePrivate returns a fresh X25519 private scalar.
// Clamping is left to curve25519.X25519, which clamps internally.
func X25519GeneratePrivate() []byte {
	return RandomBytes(X25519KeySize)
}

// X25519DerivePublic computes the public key for a private scalar.
func X25519DerivePublic(priv []byte) ([]byte, error) {
	if len(priv) != X25519KeySize {
		panic("primitives: bad x25519 private key length")
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "x25519 derive public: %v", err)
	}
	return pub, nil
}

// X25519SharedSecret computes the ECDH shared secret between a private
// scalar and a peer's public key.
func X25519SharedSecret(priv, peerPub []byte) ([]byte, error) {
	if len(priv) != X25519KeySize || len(peerPub) != X25519KeySize {
		panic("primitives: bad x25519 key length")
	}
	ss, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "x25519 shared secret: %v", err)
	}
	return ss, nil
}

// AESGCMEncrypt encrypts plaintext under key with a 12-byte iv and the
// given associated data, returning the ciphertext and its 16-byte tag
// separately (the caller is responsible for their wire placement).
func AESGCMEncrypt(key, iv, plaintext, aad []byte) (ct, tag []byte, err error) {
	if len(key) != AESKeySize {
		panic("primitives: bad aes-256 key length")
	}
	if len(iv) != GCMNonceSize {
		panic("primitives: bad gcm iv length")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	ctLen := len(sealed) - GCMTagSize
	return sealed[:ctLen], sealed[ctLen:], nil
}

// AESGCMDecrypt decrypts ct (with its trailing-separated tag) under key,
// iv, and aad, returning errs.KindAuthFailure on tag mismatch.
func AESGCMDecrypt(key, iv, ct, tag, aad []byte) ([]byte, error) {
	if len(key) != AESKeySize {
		panic("primitives: bad aes-256 key length")
	}
	if len(iv) != GCMNonceSize {
		panic("primitives: bad gcm iv length")
	}
	if len(tag) != GCMTagSize {
		return nil, errs.New(errs.KindAuthFailure, "bad gcm tag length")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	pt, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthFailure, "gcm open: %v", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "aes cipher: %v", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, GCMTagSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "gcm init: %v", err)
	}
	return gcm, nil
}

// HMACSHA256 computes HMAC-SHA-256 over data with key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACEqual constant-time compares a MAC against data recomputed under key.
func HMACEqual(key, data, mac []byte) bool {
	want := HMACSHA256(key, data)
	return ConstantTimeEqual(want, mac)
}
