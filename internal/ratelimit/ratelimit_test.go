package ratelimit

import (
	"testing"
	"time"
)

func TestAllowUnderLimit(t *testing.T) {
	l := New(time.Minute, 10)
	now := time.Now()
	for i := 0; i < 10; i++ {
		if !l.Allow("client-a", now) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("client-a", now) {
		t.Fatal("11th request within window should be denied")
	}
}

func TestHandshakeFloodRejected(t *testing.T) {
	l := New(60*time.Second, 10)
	now := time.Now()
	for i := 0; i < 10; i++ {
		if !l.Allow("203.0.113.1", now.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("handshake %d should be allowed", i+1)
		}
	}
	if l.Allow("203.0.113.1", now.Add(10*time.Second)) {
		t.Fatal("11th handshake within 60s should be rejected")
	}
}

func TestAllowAfterWindowExpires(t *testing.T) {
	l := New(time.Minute, 1)
	now := time.Now()
	if !l.Allow("k", now) {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("k", now.Add(30*time.Second)) {
		t.Fatal("second request within window should be denied")
	}
	if !l.Allow("k", now.Add(61*time.Second)) {
		t.Fatal("request after window expiry should be allowed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(time.Minute, 1)
	now := time.Now()
	if !l.Allow("a", now) {
		t.Fatal("client a should be allowed")
	}
	if !l.Allow("b", now) {
		t.Fatal("client b should be independent of a")
	}
}

func TestPruneDropsIdleKeys(t *testing.T) {
	l := New(time.Minute, 5)
	now := time.Now()
	l.Allow("idle", now)
	l.Allow("active", now)

	dropped := l.Prune(now.Add(3*time.Minute), 2*time.Minute)
	if dropped != 2 {
		t.Fatalf("expected both keys pruned once their window+idle elapsed, got %d", dropped)
	}
	if l.Size() != 0 {
		t.Fatalf("size after prune = %d, want 0", l.Size())
	}
}

func TestDeniedAttemptsNotRecorded(t *testing.T) {
	l := New(time.Minute, 1)
	now := time.Now()
	l.Allow("k", now)
	l.Allow("k", now.Add(time.Second)) // denied, should not grow bucket
	if got := l.Count("k", now.Add(time.Second)); got != 1 {
		t.Fatalf("count = %d, want 1 (denied attempt should not be recorded)", got)
	}
}
