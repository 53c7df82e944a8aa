package risk

import (
	"sync"
	"time"
)

// velocityTracker counts approved decisions per instrument inside a rolling
// window. Old entries are pruned on every touch so the slices stay bounded
// by the velocity limit itself.
type velocityTracker struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

func newVelocityTracker() *velocityTracker {
	return &velocityTracker{events: make(map[string][]time.Time)}
}

// countRecent returns how many approvals fall inside the window ending now.
func (t *velocityTracker) countRecent(instrument string, now time.Time, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-window)
	kept := t.events[instrument][:0]
	for _, at := range t.events[instrument] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(t.events, instrument)
	} else {
		t.events[instrument] = kept
	}
	return len(kept)
}

// record notes an approved decision for the instrument.
func (t *velocityTracker) record(instrument string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[instrument] = append(t.events[instrument], now)
}
