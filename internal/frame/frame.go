// Package frame implements the deterministic wire encoding/decoding of
// encrypted messages and acknowledgments. The header is encrypted under
// the same message key as the body, with a distinct IV and the body
// ciphertext as AAD, so a receiver can open the header as soon as it
// has derived the body's key.
//
// The outer frame carries a plaintext sequence(4) field immediately
// after message_id. The relay cannot decrypt anything, yet must enforce
// contiguous sequence numbers per channel, so the sequence has to exist
// in the clear. The encrypted header carries its own sequence copy and
// Open rejects any mismatch, so a relay that rewrites the plaintext
// field is detected by the receiving party.
package frame

import (
	"encoding/binary"

	"github.com/relaywire/securemsg/internal/errs"
	"github.com/relaywire/securemsg/internal/keys"
	"github.com/relaywire/securemsg/internal/primitives"
)

const (
	PlaintextHeaderSize = 44
	EncryptedHeaderSize = PlaintextHeaderSize + primitives.GCMTagSize // 60
	AckFrameSize        = 16 + 8 + 1                                  // 25

	// outerFixedSize is every fixed-width field of EncryptedMessage's
	// wire form: message_id, sequence, hdr_len, ct_len, mac_len,
	// timestamp_ms, version, excluding the three variable-length
	// payloads themselves.
	outerFixedSize = 16 + 4 + 4 + 4 + 4 + 8 + 4
)

// PlaintextHeader is the 44-byte header encrypted into every message
// frame.
type PlaintextHeader struct {
	Sequence      uint32
	DHPub         keys.PublicKey32
	MessageNumber uint32
	PrevChainLen  uint32
}

func (h *PlaintextHeader) encode() []byte {
	out := make([]byte, PlaintextHeaderSize)
	binary.BigEndian.PutUint32(out[0:4], h.Sequence)
	copy(out[4:36], h.DHPub[:])
	binary.BigEndian.PutUint32(out[36:40], h.MessageNumber)
	binary.BigEndian.PutUint32(out[40:44], h.PrevChainLen)
	return out
}

func decodePlaintextHeader(b []byte) (*PlaintextHeader, error) {
	if len(b) != PlaintextHeaderSize {
		return nil, errs.Wrap(errs.KindSizeViolation, "plaintext header length = %d, want %d", len(b), PlaintextHeaderSize)
	}
	h := &PlaintextHeader{}
	h.Sequence = binary.BigEndian.Uint32(b[0:4])
	copy(h.DHPub[:], b[4:36])
	h.MessageNumber = binary.BigEndian.Uint32(b[36:40])
	h.PrevChainLen = binary.BigEndian.Uint32(b[40:44])
	return h, nil
}

// headerIV derives the header's AEAD IV from a message key's nonce,
// distinct from the body's IV (both keyed by the same message key);
// see internal/ratchet's deriveMessageKey doc comment.
func headerIV(mk keys.MessageKey) keys.Iv12 {
	iv := mk.Nonce
	iv[11] ^= 0x01
	return iv
}

// EncryptedMessage is the full on-the-wire message frame. Sequence is
// the plaintext outer sequence number described in the package doc
// comment; it duplicates the value sealed inside EncryptedHeader so
// the relay can sequence-check without decrypting.
type EncryptedMessage struct {
	MessageID       [16]byte
	Sequence        uint32
	EncryptedHeader []byte // PlaintextHeaderSize + GCMTagSize
	Ciphertext      []byte
	MAC             []byte
	TimestampMs     uint64
	Version         uint32
}

// Encode serializes m into its variable-length wire form.
func (m *EncryptedMessage) Encode() []byte {
	out := make([]byte, 0, 16+4+4+len(m.EncryptedHeader)+4+len(m.Ciphertext)+4+len(m.MAC)+8+4)
	out = append(out, m.MessageID[:]...)
	out = appendU32(out, m.Sequence)
	out = appendU32(out, uint32(len(m.EncryptedHeader)))
	out = append(out, m.EncryptedHeader...)
	out = appendU32(out, uint32(len(m.Ciphertext)))
	out = append(out, m.Ciphertext...)
	out = appendU32(out, uint32(len(m.MAC)))
	out = append(out, m.MAC...)
	out = appendU64(out, m.TimestampMs)
	out = appendU32(out, m.Version)
	return out
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// DecodeEncryptedMessage parses the variable-length wire form,
// enforcing that every declared length field matches the remaining
// buffer exactly.
func DecodeEncryptedMessage(b []byte) (*EncryptedMessage, error) {
	const fixedTail = 8 + 4
	if len(b) < 16+4+4 {
		return nil, errs.New(errs.KindSizeViolation, "frame too short for message_id+sequence+hdr_len")
	}
	m := &EncryptedMessage{}
	off := 0
	copy(m.MessageID[:], b[off:off+16])
	off += 16

	m.Sequence = binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	hdrLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if uint64(off)+uint64(hdrLen) > uint64(len(b)) {
		return nil, errs.New(errs.KindSizeViolation, "encrypted_header length out of range")
	}
	m.EncryptedHeader = append([]byte{}, b[off:off+int(hdrLen)]...)
	off += int(hdrLen)

	if off+4 > len(b) {
		return nil, errs.New(errs.KindSizeViolation, "frame too short for ct_len")
	}
	ctLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if uint64(off)+uint64(ctLen) > uint64(len(b)) {
		return nil, errs.New(errs.KindSizeViolation, "ciphertext length out of range")
	}
	m.Ciphertext = append([]byte{}, b[off:off+int(ctLen)]...)
	off += int(ctLen)

	if off+4 > len(b) {
		return nil, errs.New(errs.KindSizeViolation, "frame too short for mac_len")
	}
	macLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if uint64(off)+uint64(macLen) > uint64(len(b)) {
		return nil, errs.New(errs.KindSizeViolation, "mac length out of range")
	}
	m.MAC = append([]byte{}, b[off:off+int(macLen)]...)
	off += int(macLen)

	if len(b)-off != fixedTail {
		return nil, errs.New(errs.KindSizeViolation, "trailing timestamp/version length mismatch")
	}
	m.TimestampMs = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	m.Version = binary.BigEndian.Uint32(b[off : off+4])
	return m, nil
}

// Seal encrypts plaintext under mk into a full EncryptedMessage: the
// body is sealed first, then the header is sealed with the body
// ciphertext as AAD, then the outer HMAC is computed over
// sequence||encrypted_header||ciphertext||body_tag.
func Seal(mk keys.MessageKey, messageID [16]byte, seq uint32, dhPub keys.PublicKey32, prevChainLen uint32, plaintext []byte, timestampMs uint64, version uint32) (*EncryptedMessage, error) {
	hdr := &PlaintextHeader{
		Sequence:      seq,
		DHPub:         dhPub,
		MessageNumber: mk.Index,
		PrevChainLen:  prevChainLen,
	}

	bodyCT, bodyTag, err := primitives.AESGCMEncrypt(mk.EncKey[:], mk.Nonce[:], plaintext, nil)
	if err != nil {
		return nil, err
	}
	bodySealed := append(append([]byte{}, bodyCT...), bodyTag...)

	hIV := headerIV(mk)
	hdrCT, hdrTag, err := primitives.AESGCMEncrypt(mk.EncKey[:], hIV[:], hdr.encode(), bodySealed)
	if err != nil {
		return nil, err
	}
	encHeader := append(append([]byte{}, hdrCT...), hdrTag...)

	var seqBE [4]byte
	binary.BigEndian.PutUint32(seqBE[:], seq)
	macInput := make([]byte, 0, 4+len(encHeader)+len(bodySealed))
	macInput = append(macInput, seqBE[:]...)
	macInput = append(macInput, encHeader...)
	macInput = append(macInput, bodySealed...)
	mac := primitives.HMACSHA256(mk.MACKey[:], macInput)

	return &EncryptedMessage{
		MessageID:       messageID,
		Sequence:        seq,
		EncryptedHeader: encHeader,
		Ciphertext:      bodySealed,
		MAC:             mac,
		TimestampMs:     timestampMs,
		Version:         version,
	}, nil
}

// Open verifies the outer MAC, decrypts the header, checks the
// sequence and message-number invariants, and decrypts the body. The
// caller supplies mk already derived for m.Sequence's chain position
// (the relay never calls Open; internal/session does, after its own
// ratchet step derives the matching key).
func Open(mk keys.MessageKey, m *EncryptedMessage) ([]byte, *PlaintextHeader, error) {
	var seqBE [4]byte
	binary.BigEndian.PutUint32(seqBE[:], m.Sequence)
	macInput := make([]byte, 0, 4+len(m.EncryptedHeader)+len(m.Ciphertext))
	macInput = append(macInput, seqBE[:]...)
	macInput = append(macInput, m.EncryptedHeader...)
	macInput = append(macInput, m.Ciphertext...)
	if !primitives.HMACEqual(mk.MACKey[:], macInput, m.MAC) {
		return nil, nil, errs.New(errs.KindAuthFailure, "outer mac mismatch")
	}

	if len(m.EncryptedHeader) != EncryptedHeaderSize {
		return nil, nil, errs.Wrap(errs.KindSizeViolation, "encrypted header length = %d, want %d", len(m.EncryptedHeader), EncryptedHeaderSize)
	}
	hdrCT := m.EncryptedHeader[:PlaintextHeaderSize]
	hdrTag := m.EncryptedHeader[PlaintextHeaderSize:]
	hIV := headerIV(mk)
	hdrPlain, err := primitives.AESGCMDecrypt(mk.EncKey[:], hIV[:], hdrCT, hdrTag, m.Ciphertext)
	if err != nil {
		return nil, nil, errs.New(errs.KindAuthFailure, "header decryption failed")
	}
	hdr, err := decodePlaintextHeader(hdrPlain)
	if err != nil {
		return nil, nil, err
	}

	if hdr.Sequence != m.Sequence {
		return nil, nil, errs.New(errs.KindSequenceError, "outer/inner sequence mismatch")
	}
	if hdr.MessageNumber != mk.Index {
		return nil, nil, errs.New(errs.KindSequenceError, "message key index does not match header message_number")
	}

	if len(m.Ciphertext) < primitives.GCMTagSize {
		return nil, nil, errs.New(errs.KindSizeViolation, "ciphertext shorter than gcm tag")
	}
	bodyCT := m.Ciphertext[:len(m.Ciphertext)-primitives.GCMTagSize]
	bodyTag := m.Ciphertext[len(m.Ciphertext)-primitives.GCMTagSize:]
	plaintext, err := primitives.AESGCMDecrypt(mk.EncKey[:], mk.Nonce[:], bodyCT, bodyTag, nil)
	if err != nil {
		return nil, nil, errs.New(errs.KindAuthFailure, "body decryption failed")
	}
	return plaintext, hdr, nil
}

// AckFrame is the 25-byte acknowledgment frame.
type AckFrame struct {
	MessageID    [16]byte
	ReceivedAtMs uint64
	Success      bool
}

func (a *AckFrame) Encode() []byte {
	out := make([]byte, AckFrameSize)
	copy(out[0:16], a.MessageID[:])
	binary.BigEndian.PutUint64(out[16:24], a.ReceivedAtMs)
	if a.Success {
		out[24] = 1
	}
	return out
}

func DecodeAckFrame(b []byte) (*AckFrame, error) {
	if len(b) != AckFrameSize {
		return nil, errs.Wrap(errs.KindSizeViolation, "ack frame length = %d, want %d", len(b), AckFrameSize)
	}
	a := &AckFrame{}
	copy(a.MessageID[:], b[0:16])
	a.ReceivedAtMs = binary.BigEndian.Uint64(b[16:24])
	a.Success = b[24] != 0
	return a, nil
}

// IsAckFrame reports whether a raw inbound frame should be interpreted
// as an acknowledgment. Acks are the only fixed-25-byte frame on the
// wire.
func IsAckFrame(b []byte) bool {
	return len(b) == AckFrameSize
}
