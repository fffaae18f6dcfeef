// Package ratchet implements the symmetric Double-Ratchet-style keying
// state machine: a root key, one sending and one receiving chain, and
// a bounded skipped-key cache for out-of-order delivery.
//
// A DH ratchet step only ever happens on the receive path, triggered by
// a previously unseen ratchet public key in a message header. Send
// derives its chain directly from the current root key and never mints
// a fresh ephemeral key, so within one session a party's header always
// carries the same DH public key.
package ratchet

import (
	"github.com/relaywire/securemsg/internal/errs"
	"github.com/relaywire/securemsg/internal/kdf"
	"github.com/relaywire/securemsg/internal/keys"
	"github.com/relaywire/securemsg/internal/primitives"
)

const maxSkippedKeys = 1000

// EphemeralKeyPair is a short-lived X25519 keypair.
type EphemeralKeyPair struct {
	Priv keys.PrivateKey32
	Pub  keys.PublicKey32
}

// NewEphemeralKeyPair generates a fresh X25519 keypair.
func NewEphemeralKeyPair() (*EphemeralKeyPair, error) {
	priv := primitives.X25519GeneratePrivate()
	pub, err := primitives.X25519DerivePublic(priv)
	if err != nil {
		return nil, err
	}
	kp := &EphemeralKeyPair{}
	copy(kp.Priv[:], priv)
	copy(kp.Pub[:], pub)
	return kp, nil
}

func (kp *EphemeralKeyPair) Zeroize() {
	if kp == nil {
		return
	}
	kp.Priv.Zeroize()
}

type skippedEntry struct {
	id [36]byte // peer ratchet pub (32) || big-endian index (4)
	mk keys.MessageKey
}

// State holds one session's Double-Ratchet keying material. It is
// owned by exactly one client session and is never shared across
// sessions; callers serialize access.
type State struct {
	RootKey keys.RootKey

	SendingChainKey   *keys.ChainKey
	ReceivingChainKey *keys.ChainKey

	SendingEphemeralKey      *EphemeralKeyPair
	ReceivingEphemeralPublic *keys.PublicKey32

	SendCounter    uint32
	ReceiveCounter uint32

	PreviousChainLength uint32

	// skipped preserves insertion order for oldest-first eviction once
	// the cache reaches maxSkippedKeys.
	skipped []skippedEntry
}

// Initialize seeds a fresh ratchet state. localEph and remoteEph may
// each be nil; the handshake supplies both for the initiator and the
// responder.
//
// When remoteEph is known up front, its receiving chain is derived
// immediately from the shared root key, mirroring the lazy derivation
// Send performs for the sending chain on first use, so both sides derive
// the same chain key from the same unstepped root key, so the first
// Recv call matches the first Send call without a DH step.
func Initialize(rootKey []byte, localEph *EphemeralKeyPair, remoteEph *keys.PublicKey32) *State {
	st := &State{}
	copy(st.RootKey[:], rootKey)
	st.SendingEphemeralKey = localEph
	if remoteEph != nil {
		pub := *remoteEph
		st.ReceivingEphemeralPublic = &pub
		ck := kdf.DeriveChainKey(st.RootKey[:], kdf.InfoChain)
		st.ReceivingChainKey = &keys.ChainKey{Index: 0}
		copy(st.ReceivingChainKey.Key[:], ck)
	}
	return st
}

// Destroy zeroizes every key byte reachable from the state.
func (st *State) Destroy() {
	st.RootKey.Zeroize()
	if st.SendingChainKey != nil {
		st.SendingChainKey.Zeroize()
	}
	if st.ReceivingChainKey != nil {
		st.ReceivingChainKey.Zeroize()
	}
	st.SendingEphemeralKey.Zeroize()
	for i := range st.skipped {
		st.skipped[i].mk.Zeroize()
	}
	st.skipped = nil
}

func skipID(peer keys.PublicKey32, index uint32) [36]byte {
	var id [36]byte
	copy(id[:32], peer[:])
	id[32] = byte(index >> 24)
	id[33] = byte(index >> 16)
	id[34] = byte(index >> 8)
	id[35] = byte(index)
	return id
}

// Send performs one symmetric ratchet step on the sending chain,
// deriving the chain from the current root key on first use. It fails
// with ChainExhausted when the chain index would reach 2^32-1; the
// caller must run a new handshake.
func (st *State) Send() (keys.MessageKey, error) {
	if st.SendingChainKey == nil {
		if st.SendingEphemeralKey == nil {
			return keys.MessageKey{}, errs.New(errs.KindInternal, "ratchet: no sending ephemeral key")
		}
		ck := kdf.DeriveChainKey(st.RootKey[:], kdf.InfoChain)
		st.SendingChainKey = &keys.ChainKey{Index: 0}
		copy(st.SendingChainKey.Key[:], ck)
	}

	if st.SendingChainKey.Index == 0xFFFFFFFE {
		return keys.MessageKey{}, errs.New(errs.KindChainExhausted, "sending chain reached 2^32-1")
	}

	mk, nextChain := deriveMessageKey(st.SendingChainKey.Key[:], st.SendingChainKey.Index)
	copy(st.SendingChainKey.Key[:], nextChain)
	primitives.Zeroize(nextChain)
	st.SendingChainKey.Index++
	st.SendCounter = st.SendingChainKey.Index
	return mk, nil
}

// Recv performs a receive-side ratchet step, handling DH-step
// detection, old-chain skipped-key lookup, and forward-skip derivation.
// prevChainLen is the sender's view of the superseded chain's length;
// it is carried in the header for cross-step catch-up but the skipped
// cache is authoritative here, so it is not consulted.
func (st *State) Recv(remoteDHPub keys.PublicKey32, msgIndex, prevChainLen uint32) (keys.MessageKey, error) {
	if err := st.maybeStepDH(remoteDHPub); err != nil {
		return keys.MessageKey{}, err
	}

	if msgIndex < st.ReceivingChainKey.Index {
		return st.takeSkipped(remoteDHPub, msgIndex)
	}

	if msgIndex > st.ReceivingChainKey.Index {
		if err := st.skipUpTo(remoteDHPub, msgIndex); err != nil {
			return keys.MessageKey{}, err
		}
	}

	mk, nextChain := deriveMessageKey(st.ReceivingChainKey.Key[:], st.ReceivingChainKey.Index)
	copy(st.ReceivingChainKey.Key[:], nextChain)
	primitives.Zeroize(nextChain)
	st.ReceivingChainKey.Index++
	st.ReceiveCounter = st.ReceivingChainKey.Index
	return mk, nil
}

// maybeStepDH advances the root key and starts a fresh receiving chain
// when the header carries a ratchet public key we have not yet seen.
func (st *State) maybeStepDH(remoteDHPub keys.PublicKey32) error {
	if st.ReceivingEphemeralPublic != nil && st.ReceivingEphemeralPublic.Equal(remoteDHPub) {
		return nil
	}

	if st.ReceivingChainKey != nil {
		st.PreviousChainLength = st.ReceivingChainKey.Index
	} else {
		st.PreviousChainLength = 0
	}

	if st.SendingEphemeralKey == nil {
		return errs.New(errs.KindInternal, "ratchet: no sending ephemeral key for dh step")
	}
	ss, err := primitives.X25519SharedSecret(st.SendingEphemeralKey.Priv[:], remoteDHPub[:])
	if err != nil {
		return err
	}
	ikm := append(append([]byte{}, st.RootKey[:]...), ss...)
	newRoot := kdf.DeriveRootKey(ikm)
	primitives.Zeroize(ss)
	primitives.Zeroize(ikm)

	copy(st.RootKey[:], newRoot)
	recvKey := kdf.DeriveChainKey(st.RootKey[:], kdf.InfoChain)
	st.ReceivingChainKey = &keys.ChainKey{Index: 0}
	copy(st.ReceivingChainKey.Key[:], recvKey)

	pub := remoteDHPub
	st.ReceivingEphemeralPublic = &pub
	return nil
}

func (st *State) takeSkipped(peer keys.PublicKey32, index uint32) (keys.MessageKey, error) {
	id := skipID(peer, index)
	for i, e := range st.skipped {
		if e.id == id {
			mk := e.mk
			st.skipped = append(st.skipped[:i], st.skipped[i+1:]...)
			return mk, nil
		}
	}
	return keys.MessageKey{}, errs.New(errs.KindOldChainKeyMissing, "skipped key not found")
}

func (st *State) skipUpTo(peer keys.PublicKey32, targetIndex uint32) error {
	toSkip := targetIndex - st.ReceivingChainKey.Index
	if uint64(len(st.skipped))+uint64(toSkip) > maxSkippedKeys {
		return errs.New(errs.KindTooManySkipped, "skip would exceed cap of 1000")
	}
	for st.ReceivingChainKey.Index < targetIndex {
		mk, nextChain := deriveMessageKey(st.ReceivingChainKey.Key[:], st.ReceivingChainKey.Index)
		st.storeSkipped(peer, st.ReceivingChainKey.Index, mk)
		copy(st.ReceivingChainKey.Key[:], nextChain)
		primitives.Zeroize(nextChain)
		st.ReceivingChainKey.Index++
	}
	return nil
}

func (st *State) storeSkipped(peer keys.PublicKey32, index uint32, mk keys.MessageKey) {
	if len(st.skipped) >= maxSkippedKeys {
		oldest := st.skipped[0]
		oldest.mk.Zeroize()
		st.skipped = st.skipped[1:]
	}
	st.skipped = append(st.skipped, skippedEntry{id: skipID(peer, index), mk: mk})
}

// SkippedCount reports the current skipped-key cache size.
func (st *State) SkippedCount() int { return len(st.skipped) }

// deriveMessageKey expands a chain key into a single-use MessageKey and
// the next chain key. The nonce is derived deterministically from the
// encryption key rather than generated at random: both peers must
// compute the identical value, and since each MessageKey is used
// exactly once a deterministic nonce never repeats under the same key.
// internal/frame derives the header's IV from this same value with a
// fixed one-bit perturbation so header and body never share a nonce.
func deriveMessageKey(chainKey []byte, index uint32) (keys.MessageKey, []byte) {
	encKey, nextChain := kdf.DeriveMessageAndNextChain(chainKey)
	macKey := kdf.DeriveMACSubkey(encKey)
	nonce := kdf.Derive(encKey, nil, []byte(kdf.InfoMessageNonce), 12)
	mk := keys.MessageKey{Index: index}
	copy(mk.EncKey[:], encKey)
	copy(mk.MACKey[:], macKey)
	copy(mk.Nonce[:], nonce)
	primitives.Zeroize(encKey)
	primitives.Zeroize(macKey)
	primitives.Zeroize(nonce)
	return mk, nextChain
}
