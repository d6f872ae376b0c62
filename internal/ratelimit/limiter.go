// Package ratelimit implements per-key sliding-window rate limiting.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/hostguard/internal/clock"
)

// Limiter manages sliding windows for multiple keys. Each key's window has
// its own lock, so different keys never contend beyond the map lookup.
type Limiter struct {
	windows map[string]*window
	mu      sync.RWMutex
	clock   clock.Clock
}

// window holds event timestamps for one key, oldest first.
type window struct {
	events   []time.Time
	lastSeen time.Time
	mu       sync.Mutex
}

// NewLimiter creates a new rate limiter. A nil clock uses wall time.
func NewLimiter(clk clock.Clock) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		clock:   clock.OrReal(clk),
	}
}

// Key builds the window key for a source address and optional endpoint.
func Key(source, endpoint string) string {
	if endpoint == "" {
		return source
	}
	return source + "|" + endpoint
}

// Allow records an event for key and reports whether it is admitted:
// fewer than limit events fall inside the trailing interval. Rejected
// events are recorded too, so sustained abuse keeps the key blocked.
func (l *Limiter) Allow(key string, limit int, interval time.Duration) bool {
	return l.AllowAt(key, limit, interval, l.clock.Now())
}

// AllowAt is Allow for an event observed at now.
func (l *Limiter) AllowAt(key string, limit int, interval time.Duration, now time.Time) bool {
	if limit <= 0 {
		return false
	}
	return l.get(key).record(now, limit, interval)
}

// Count returns the number of events for key inside the trailing interval.
func (l *Limiter) Count(key string, interval time.Duration) int {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(l.clock.Now().Add(-interval))
	return len(w.events)
}

func (l *Limiter) get(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

func (w *window) record(now time.Time, limit int, interval time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Keep the window ordered when observations arrive slightly out of order.
	if n := len(w.events); n > 0 && now.Before(w.events[n-1]) {
		now = w.events[n-1]
	}

	w.prune(now.Add(-interval))
	allowed := len(w.events) < limit

	w.events = append(w.events, now)
	if over := len(w.events) - (limit + 1); over > 0 {
		w.events = append(w.events[:0], w.events[over:]...)
	}
	w.lastSeen = now
	return allowed
}

// prune drops events at or before cutoff. Caller holds w.mu.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// Reset clears the window for a specific key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// CleanupExpired removes windows that have not seen an event within maxAge.
func (l *Limiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		if now.Sub(w.lastSeen) > maxAge {
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}
