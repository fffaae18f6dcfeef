// Package noncetracker implements the TTL-bounded handshake-nonce
// replay cache. Its periodic sweep is an owned goroutine started in New
// and stopped in Close, never a package-level global.
package noncetracker

import (
	"context"
	"sync"
	"time"

	"github.com/relaywire/securemsg/internal/keys"
)

// Result is the outcome of a Check call.
type Result int

const (
	Accepted Result = iota
	Replay
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 100_000
	DefaultSweep    = 60 * time.Second
)

type entry struct {
	nonce     keys.Nonce16
	firstSeen time.Time
}

// Tracker is a map from a 16-byte nonce to its first-seen time, capped
// at a fixed capacity with oldest-first eviction, plus a periodic sweep
// that drops entries older than ttl.
type Tracker struct {
	mu       sync.Mutex
	byNonce  map[keys.Nonce16]uint64 // absolute insertion position
	order    []entry                 // insertion order, oldest first
	base     uint64                  // absolute position of order[0]
	ttl      time.Duration
	capacity int

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Tracker and starts its sweep goroutine at the given
// interval. Callers MUST call Close to stop the goroutine.
func New(ttl time.Duration, capacity int, sweepInterval time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweep
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		byNonce:  make(map[keys.Nonce16]uint64),
		ttl:      ttl,
		capacity: capacity,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go t.sweepLoop(ctx, sweepInterval)
	return t
}

// Check consults and updates the tracker for nonce at time now. It
// returns Replay if nonce was already seen within ttl, otherwise it
// records nonce as seen and returns Accepted.
func (t *Tracker) Check(nonce keys.Nonce16, now time.Time) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos, ok := t.byNonce[nonce]; ok {
		if now.Sub(t.order[pos-t.base].firstSeen) < t.ttl {
			return Replay
		}
		// A stale entry is indistinguishable from fresh; the
		// handshake's own timestamp check rejects genuinely stale
		// traffic, so re-accept and record the nonce again.
	}

	if len(t.order) >= t.capacity {
		t.evictOldestLocked()
	}

	t.order = append(t.order, entry{nonce: nonce, firstSeen: now})
	t.byNonce[nonce] = t.base + uint64(len(t.order)) - 1
	return Accepted
}

// Size reports the number of entries in the insertion-order queue. A
// nonce re-accepted after its TTL counts twice until its older entry is
// evicted or swept.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// evictOldestLocked drops order[0] in O(1). A re-accepted nonce can
// appear twice in order; the map only points at the newest occurrence,
// so an older duplicate must not delete the newer mapping.
func (t *Tracker) evictOldestLocked() {
	if len(t.order) == 0 {
		return
	}
	oldest := t.order[0]
	if pos, ok := t.byNonce[oldest.nonce]; ok && pos == t.base {
		delete(t.byNonce, oldest.nonce)
	}
	t.order = t.order[1:]
	t.base++
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.order) > 0 && now.Sub(t.order[0].firstSeen) >= t.ttl {
		t.evictOldestLocked()
	}
}

func (t *Tracker) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

// Close stops the sweep goroutine and clears the map.
func (t *Tracker) Close() {
	t.cancel()
	<-t.done
	t.mu.Lock()
	t.byNonce = make(map[keys.Nonce16]uint64)
	t.order = nil
	t.base = 0
	t.mu.Unlock()
}
