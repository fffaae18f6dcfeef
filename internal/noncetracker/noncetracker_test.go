package noncetracker

import (
	"testing"
	"time"

	"github.com/relaywire/securemsg/internal/keys"
)

func TestCheckAcceptsThenRejectsReplay(t *testing.T) {
	tr := New(5*time.Minute, 100, time.Hour)
	defer tr.Close()

	n := keys.NewNonce16()
	now := time.Now()

	if tr.Check(n, now) != Accepted {
		t.Fatal("first check should accept")
	}
	if tr.Size() != 1 {
		t.Fatalf("size = %d, want 1", tr.Size())
	}
	if tr.Check(n, now.Add(time.Minute)) != Replay {
		t.Fatal("second check within TTL should replay")
	}
	if tr.Size() != 1 {
		t.Fatalf("size after replay = %d, want 1 (no growth)", tr.Size())
	}
}

func TestCheckAcceptsAgainAfterTTL(t *testing.T) {
	tr := New(5*time.Minute, 100, time.Hour)
	defer tr.Close()

	n := keys.NewNonce16()
	now := time.Now()
	tr.Check(n, now)
	if tr.Check(n, now.Add(6*time.Minute)) != Accepted {
		t.Fatal("check after TTL expiry should accept")
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	tr := New(time.Hour, 3, time.Hour)
	defer tr.Close()

	now := time.Now()
	var nonces [4]keys.Nonce16
	for i := range nonces {
		nonces[i] = keys.NewNonce16()
		tr.Check(nonces[i], now.Add(time.Duration(i)*time.Second))
	}
	if tr.Size() != 3 {
		t.Fatalf("size = %d, want 3 after eviction", tr.Size())
	}
	// The oldest nonce should have been evicted and is now treated as fresh.
	if tr.Check(nonces[0], now.Add(10*time.Second)) != Accepted {
		t.Fatal("evicted nonce should be accepted again")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	tr := New(50*time.Millisecond, 100, 10*time.Millisecond)
	defer tr.Close()

	tr.Check(keys.NewNonce16(), time.Now())
	time.Sleep(200 * time.Millisecond)
	if got := tr.Size(); got != 0 {
		t.Fatalf("size after sweep = %d, want 0", got)
	}
}
