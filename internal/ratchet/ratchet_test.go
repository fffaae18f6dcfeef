package ratchet

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/relaywire/securemsg/internal/errs"
	"github.com/relaywire/securemsg/internal/keys"
)

// pairedStates builds two ratchet states sharing a root key, the way
// the handshake initializes both ends: the initiator's sending
// ephemeral is the responder's receiving-peer public key and vice
// versa.
func pairedStates(t *testing.T) (a, b *State) {
	t.Helper()
	rootKey := make([]byte, 32)
	for i := range rootKey {
		rootKey[i] = byte(i)
	}

	aEph, err := NewEphemeralKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bEph, err := NewEphemeralKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	a = Initialize(rootKey, aEph, &bEph.Pub)
	b = Initialize(rootKey, bEph, &aEph.Pub)
	return a, b
}

func TestRoundTrip(t *testing.T) {
	a, b := pairedStates(t)

	mk, err := a.Send()
	if err != nil {
		t.Fatal(err)
	}

	got, err := b.Recv(a.SendingEphemeralKey.Pub, mk.Index, a.PreviousChainLength)
	if err != nil {
		t.Fatal(err)
	}
	if got.EncKey != mk.EncKey {
		t.Fatal("derived message keys diverge between sender and receiver")
	}
}

func TestSendCounterInvariant(t *testing.T) {
	a, _ := pairedStates(t)
	for i := 0; i < 5; i++ {
		mk, err := a.Send()
		if err != nil {
			t.Fatal(err)
		}
		if mk.Index != uint32(i) {
			t.Fatalf("message %d got index %d", i, mk.Index)
		}
		if a.SendCounter != a.SendingChainKey.Index {
			t.Fatalf("sendCounter %d != chain index %d", a.SendCounter, a.SendingChainKey.Index)
		}
	}
}

func TestOutOfOrderToleranceWithinSingleChain(t *testing.T) {
	a, b := pairedStates(t)

	const n = 20
	var keysSent [n]keys.MessageKey
	for i := 0; i < n; i++ {
		mk, err := a.Send()
		if err != nil {
			t.Fatal(err)
		}
		keysSent[i] = mk
	}

	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range order {
		got, err := b.Recv(a.SendingEphemeralKey.Pub, uint32(i), 0)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if got.EncKey != keysSent[i].EncKey {
			t.Fatalf("message %d: key mismatch", i)
		}
	}
	if b.SkippedCount() != 0 {
		t.Fatalf("skipped cache not drained: %d entries remain", b.SkippedCount())
	}
}

func TestSkipAndRecoverPeaksAtThreeEntries(t *testing.T) {
	// Sender sends 0..4; receiver sees 0, then 4, then 1, 2, 3.
	a, b := pairedStates(t)

	var sent [5]keys.MessageKey
	for i := 0; i < 5; i++ {
		mk, err := a.Send()
		if err != nil {
			t.Fatal(err)
		}
		sent[i] = mk
	}

	order := []int{0, 4, 1, 2, 3}
	peak := 0
	for _, i := range order {
		got, err := b.Recv(a.SendingEphemeralKey.Pub, uint32(i), 0)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if got.EncKey != sent[i].EncKey {
			t.Fatalf("message %d: key mismatch", i)
		}
		if c := b.SkippedCount(); c > peak {
			peak = c
		}
	}
	if peak != 3 {
		t.Fatalf("peak skipped count = %d, want 3", peak)
	}
	if b.SkippedCount() != 0 {
		t.Fatalf("skipped cache not drained: %d entries remain", b.SkippedCount())
	}
}

func TestTooManySkippedRejected(t *testing.T) {
	a, b := pairedStates(t)
	for i := 0; i < 1002; i++ {
		if _, err := a.Send(); err != nil {
			t.Fatal(err)
		}
	}
	_, err := b.Recv(a.SendingEphemeralKey.Pub, 1001, 0)
	var e *errs.Error
	if err == nil {
		t.Fatal("expected TooManySkipped error")
	}
	if !errors.As(err, &e) || e.Kind != errs.KindTooManySkipped {
		t.Fatalf("got %v, want TooManySkipped", err)
	}
}

func TestOldChainKeyMissingOnReplay(t *testing.T) {
	a, b := pairedStates(t)

	if _, err := a.Send(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Send(); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Recv(a.SendingEphemeralKey.Pub, 0, 0); err != nil {
		t.Fatal(err)
	}

	// Index 0 has already been consumed and was never skipped, so a
	// replay has nothing left to recover from the skipped cache.
	_, err := b.Recv(a.SendingEphemeralKey.Pub, 0, 0)
	var e *errs.Error
	if err == nil {
		t.Fatal("expected OldChainKeyMissing error")
	}
	if !errors.As(err, &e) || e.Kind != errs.KindOldChainKeyMissing {
		t.Fatalf("got %v, want OldChainKeyMissing", err)
	}
}

func TestDestroyZeroizesRootKey(t *testing.T) {
	a, _ := pairedStates(t)
	a.Destroy()
	var zero keys.RootKey
	if a.RootKey != zero {
		t.Fatal("root key not zeroized after Destroy")
	}
}
