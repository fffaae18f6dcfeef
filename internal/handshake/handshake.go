// Package handshake implements the byte-exact three-message bootstrap:
// an authenticated X25519 exchange producing the initial root key. Only
// two messages cross the wire: a signed client ephemeral and a server
// ephemeral carrying an encrypted prekey; the third message is
// implicit, confirmed by the first sequence-0 encrypted message.
package handshake

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/relaywire/securemsg/internal/errs"
	"github.com/relaywire/securemsg/internal/kdf"
	"github.com/relaywire/securemsg/internal/keys"
	"github.com/relaywire/securemsg/internal/noncetracker"
	"github.com/relaywire/securemsg/internal/primitives"
)

const (
	InitiatorInitSize  = 152
	ResponderReplySize = 116

	maxClockSkew = 5 * time.Minute

	prekeyAAD = "handshake-prekey"
)

// InitiatorInit is Message 1 of the handshake.
type InitiatorInit struct {
	ClientEphemeralPub keys.PublicKey32
	ClientIdentityPub  keys.PublicKey32
	Signature          [64]byte
	TimestampMs        uint64
	Nonce              keys.Nonce16
}

// Encode serializes m into its 152-byte wire form.
func (m *InitiatorInit) Encode() []byte {
	out := make([]byte, InitiatorInitSize)
	off := 0
	off += copy(out[off:], m.ClientEphemeralPub[:])
	off += copy(out[off:], m.ClientIdentityPub[:])
	off += copy(out[off:], m.Signature[:])
	binary.BigEndian.PutUint64(out[off:], m.TimestampMs)
	off += 8
	copy(out[off:], m.Nonce[:])
	return out
}

// DecodeInitiatorInit parses the 152-byte Message 1.
func DecodeInitiatorInit(b []byte) (*InitiatorInit, error) {
	if len(b) != InitiatorInitSize {
		return nil, errs.Wrap(errs.KindSizeViolation, "initiator init length = %d, want %d", len(b), InitiatorInitSize)
	}
	m := &InitiatorInit{}
	off := 0
	copy(m.ClientEphemeralPub[:], b[off:off+32])
	off += 32
	copy(m.ClientIdentityPub[:], b[off:off+32])
	off += 32
	copy(m.Signature[:], b[off:off+64])
	off += 64
	m.TimestampMs = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(m.Nonce[:], b[off:off+16])
	return m, nil
}

func signedTranscript(ephPub, idPub keys.PublicKey32, timestampMs uint64, nonce keys.Nonce16) []byte {
	buf := make([]byte, 0, 32+32+8+16)
	buf = append(buf, ephPub[:]...)
	buf = append(buf, idPub[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestampMs)
	buf = append(buf, ts[:]...)
	buf = append(buf, nonce[:]...)
	return buf
}

// BuildInitiatorInit signs and assembles Message 1. now is injected so
// tests can pin the transcript to a fixed clock.
func BuildInitiatorInit(clientIdentityPriv keys.IdentityPrivate, clientEphemeralPub keys.PublicKey32, now time.Time) *InitiatorInit {
	m := &InitiatorInit{
		ClientEphemeralPub: clientEphemeralPub,
		ClientIdentityPub:  clientIdentityPriv.Public(),
		TimestampMs:        uint64(now.UnixMilli()),
		Nonce:              keys.NewNonce16(),
	}
	sig := primitives.Ed25519Sign(clientIdentityPriv.Bytes(), signedTranscript(m.ClientEphemeralPub, m.ClientIdentityPub, m.TimestampMs, m.Nonce))
	copy(m.Signature[:], sig)
	return m
}

// VerifyInitiatorInit performs the responder's checks on Message 1:
// signature, timestamp skew, and nonce uniqueness. The exact message
// length is enforced by DecodeInitiatorInit.
func VerifyInitiatorInit(m *InitiatorInit, tracker *noncetracker.Tracker, now time.Time) error {
	transcript := signedTranscript(m.ClientEphemeralPub, m.ClientIdentityPub, m.TimestampMs, m.Nonce)
	if !primitives.Ed25519Verify(m.ClientIdentityPub[:], transcript, m.Signature[:]) {
		return errs.New(errs.KindSignatureInvalid, "initiator signature verification failed")
	}
	if !withinSkew(m.TimestampMs, now) {
		return errs.New(errs.KindTimestampOutOfRange, "initiator timestamp outside ±5m skew")
	}
	if tracker.Check(m.Nonce, now) == noncetracker.Replay {
		return errs.New(errs.KindReplayDetected, "initiator nonce already seen")
	}
	return nil
}

func withinSkew(timestampMs uint64, now time.Time) bool {
	t := time.UnixMilli(int64(timestampMs))
	delta := now.Sub(t)
	if delta < 0 {
		delta = -delta
	}
	return delta <= maxClockSkew
}

// ResponderReply is Message 2 of the handshake.
type ResponderReply struct {
	ServerEphemeralPub keys.PublicKey32
	EncryptedPrekey    [32]byte
	GCMTag             keys.Tag16
	GCMIv              keys.Iv12
	TimestampMs        uint64
	Nonce              keys.Nonce16
}

func (m *ResponderReply) Encode() []byte {
	out := make([]byte, ResponderReplySize)
	off := 0
	off += copy(out[off:], m.ServerEphemeralPub[:])
	off += copy(out[off:], m.EncryptedPrekey[:])
	off += copy(out[off:], m.GCMTag[:])
	off += copy(out[off:], m.GCMIv[:])
	binary.BigEndian.PutUint64(out[off:], m.TimestampMs)
	off += 8
	copy(out[off:], m.Nonce[:])
	return out
}

func DecodeResponderReply(b []byte) (*ResponderReply, error) {
	if len(b) != ResponderReplySize {
		return nil, errs.Wrap(errs.KindSizeViolation, "responder reply length = %d, want %d", len(b), ResponderReplySize)
	}
	m := &ResponderReply{}
	off := 0
	copy(m.ServerEphemeralPub[:], b[off:off+32])
	off += 32
	copy(m.EncryptedPrekey[:], b[off:off+32])
	off += 32
	copy(m.GCMTag[:], b[off:off+16])
	off += 16
	copy(m.GCMIv[:], b[off:off+12])
	off += 12
	m.TimestampMs = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(m.Nonce[:], b[off:off+16])
	return m, nil
}

// ResponderResult is what the responder retains once it has replied:
// the derived root key and its own fresh ephemeral keypair, ready to
// seed a ratchet.State via ratchet.Initialize.
type ResponderResult struct {
	RootKey            keys.RootKey
	ServerEphemeral    keys.PrivateKey32
	ServerEphemeralPub keys.PublicKey32
	Reply              *ResponderReply
	Prekey             [32]byte
}

// BuildResponderReply performs the responder's half of the handshake:
// it generates a fresh server ephemeral keypair, computes the shared
// secret with the client's ephemeral public key, derives the root key,
// and AEAD-encrypts a fresh random prekey under it.
func BuildResponderReply(clientEphemeralPub keys.PublicKey32, now time.Time) (*ResponderResult, error) {
	serverPriv := primitives.X25519GeneratePrivate()
	serverPub, err := primitives.X25519DerivePublic(serverPriv)
	if err != nil {
		return nil, err
	}

	ss, err := primitives.X25519SharedSecret(serverPriv, clientEphemeralPub[:])
	if err != nil {
		return nil, err
	}
	rootKeyBytes := kdf.DeriveRootKey(ss)
	primitives.Zeroize(ss)

	prekey := primitives.RandomBytes(32)
	iv := keys.NewIv12()
	ct, tag, err := primitives.AESGCMEncrypt(rootKeyBytes, iv[:], prekey, []byte(prekeyAAD))
	if err != nil {
		return nil, err
	}

	res := &ResponderResult{
		Reply: &ResponderReply{
			GCMIv:       iv,
			TimestampMs: uint64(now.UnixMilli()),
			Nonce:       keys.NewNonce16(),
		},
	}
	copy(res.RootKey[:], rootKeyBytes)
	copy(res.ServerEphemeral[:], serverPriv)
	copy(res.ServerEphemeralPub[:], serverPub)
	copy(res.Prekey[:], prekey)
	copy(res.Reply.ServerEphemeralPub[:], serverPub)
	copy(res.Reply.EncryptedPrekey[:], ct)
	copy(res.Reply.GCMTag[:], tag)

	primitives.Zeroize(rootKeyBytes)
	primitives.Zeroize(prekey)
	return res, nil
}

// InitiatorResult is what the initiator retains after processing
// Message 2: the derived root key, matching the responder's.
type InitiatorResult struct {
	RootKey keys.RootKey
	Prekey  [32]byte
}

// ProcessResponderReply is the initiator's half: it recomputes the
// shared secret and root key, decrypts the prekey, and checks the
// timestamp skew.
func ProcessResponderReply(clientEphemeralPriv keys.PrivateKey32, reply *ResponderReply, now time.Time) (*InitiatorResult, error) {
	if !withinSkew(reply.TimestampMs, now) {
		return nil, errs.New(errs.KindTimestampOutOfRange, "responder timestamp outside ±5m skew")
	}

	ss, err := primitives.X25519SharedSecret(clientEphemeralPriv[:], reply.ServerEphemeralPub[:])
	if err != nil {
		return nil, err
	}
	rootKeyBytes := kdf.DeriveRootKey(ss)
	primitives.Zeroize(ss)

	prekey, err := primitives.AESGCMDecrypt(rootKeyBytes, reply.GCMIv[:], reply.EncryptedPrekey[:], reply.GCMTag[:], []byte(prekeyAAD))
	if err != nil {
		primitives.Zeroize(rootKeyBytes)
		return nil, errs.New(errs.KindAuthFailure, "prekey decryption failed")
	}

	res := &InitiatorResult{}
	copy(res.RootKey[:], rootKeyBytes)
	copy(res.Prekey[:], prekey)
	primitives.Zeroize(rootKeyBytes)
	primitives.Zeroize(prekey)
	return res, nil
}

// NewMessageID returns a fresh 16-byte message identifier (a v4 UUID).
func NewMessageID() [16]byte {
	var id [16]byte
	u := uuid.New()
	copy(id[:], u[:])
	return id
}
