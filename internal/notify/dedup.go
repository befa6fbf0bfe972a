package notify

import (
	"sync"
	"time"
)

// Dedup suppresses repeats of the same fingerprint inside a sliding window.
type Dedup struct {
	mu     sync.Mutex
	window time.Duration
	sent   map[string]time.Time
}

// NewDedup creates a filter with the given suppression window.
func NewDedup(window time.Duration) *Dedup {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Dedup{window: window, sent: make(map[string]time.Time)}
}

// ShouldSuppress reports whether fp was delivered within the window. An expired
// entry found on lookup is dropped.
func (d *Dedup) ShouldSuppress(fp string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.sent[fp]
	if !ok {
		return false
	}
	if now.Sub(last) >= d.window {
		delete(d.sent, fp)
		return false
	}
	return true
}

// Record marks fp as delivered at now.
func (d *Dedup) Record(fp string, now time.Time) {
	d.mu.Lock()
	d.sent[fp] = now
	d.mu.Unlock()
}

// Reserve claims fp for one delivery attempt. It returns false when fp was
// delivered or is being delivered within the window. The claim behaves like a
// delivery at now until Release drops it.
func (d *Dedup) Reserve(fp string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.sent[fp]; ok && now.Sub(last) < d.window {
		return false
	}
	d.sent[fp] = now
	return true
}

// Release drops a claim made by Reserve at now when nothing was delivered. A
// newer entry for fp is left alone.
func (d *Dedup) Release(fp string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.sent[fp]; ok && last.Equal(now) {
		delete(d.sent, fp)
	}
}

// Prune removes every expired entry and returns how many were dropped.
func (d *Dedup) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	dropped := 0
	for fp, last := range d.sent {
		if now.Sub(last) >= d.window {
			delete(d.sent, fp)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of tracked fingerprints.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}
