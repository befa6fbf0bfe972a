package notify

import (
	"sync"
	"time"
)

// RateLimitOptions configures caps for the sliding window.
type RateLimitOptions struct {
	Window       time.Duration
	GlobalCap    int
	DefaultCap   int
	CategoryCaps map[string]int
}

// DefaultRateLimitOptions returns the stock caps.
func DefaultRateLimitOptions() RateLimitOptions {
	return RateLimitOptions{
		Window:     time.Hour,
		GlobalCap:  50,
		DefaultCap: 20,
		CategoryCaps: map[string]int{
			"price":          10,
			"info":           20,
			"portfolio_risk": 5,
		},
	}
}

// RateLimiter enforces per-category and global caps over a sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	opts     RateLimitOptions
	category map[string][]time.Time
	global   []time.Time
}

// NewRateLimiter builds a limiter; zero values fall back to the defaults.
func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	def := DefaultRateLimitOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.GlobalCap <= 0 {
		opts.GlobalCap = def.GlobalCap
	}
	if opts.DefaultCap <= 0 {
		opts.DefaultCap = def.DefaultCap
	}
	if opts.CategoryCaps == nil {
		opts.CategoryCaps = def.CategoryCaps
	}
	return &RateLimiter{opts: opts, category: make(map[string][]time.Time)}
}

// Admit reports whether one more notification of category fits under both caps.
func (l *RateLimiter) Admit(category string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fits(category, now)
}

// Reserve takes one slot of category and of the global window if both have
// room. Check and take happen under one lock, so concurrent callers sharing
// the limiter cannot overshoot a cap. A slot that ends up unused is handed
// back with Release.
func (l *RateLimiter) Reserve(category string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.fits(category, now) {
		return false
	}
	l.category[category] = append(l.category[category], now)
	l.global = append(l.global, now)
	return true
}

// Release returns a slot taken by Reserve at now.
func (l *RateLimiter) Release(category string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if stamps := removeStamp(l.category[category], now); len(stamps) == 0 {
		delete(l.category, category)
	} else {
		l.category[category] = stamps
	}
	l.global = removeStamp(l.global, now)
}

// Record counts a delivery against category and the global window.
func (l *RateLimiter) Record(category string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.category[category] = append(l.category[category], now)
	l.global = append(l.global, now)
}

// fits prunes both windows and checks the caps. Caller holds l.mu.
func (l *RateLimiter) fits(category string, now time.Time) bool {
	l.global = l.prune(l.global, now)
	stamps := l.prune(l.category[category], now)
	if len(stamps) == 0 {
		delete(l.category, category)
	} else {
		l.category[category] = stamps
	}

	return len(stamps) < l.capFor(category) && len(l.global) < l.opts.GlobalCap
}

func removeStamp(stamps []time.Time, at time.Time) []time.Time {
	for i := len(stamps) - 1; i >= 0; i-- {
		if stamps[i].Equal(at) {
			return append(stamps[:i], stamps[i+1:]...)
		}
	}
	return stamps
}

func (l *RateLimiter) capFor(category string) int {
	if limit, ok := l.opts.CategoryCaps[category]; ok && limit > 0 {
		return limit
	}
	return l.opts.DefaultCap
}

func (l *RateLimiter) prune(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.opts.Window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}
