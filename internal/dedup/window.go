// Package dedup provides a bounded, time-keyed set used to suppress
// repeated deliveries within a short window.
package dedup

import (
	"sync"
	"time"
)

// DefaultMaxEntries caps the window size when none is configured.
const DefaultMaxEntries = 4096

// Window remembers keys for a fixed TTL. Entries older than the TTL are
// evicted lazily on every call, and the oldest entry is evicted when the
// window is full. Window is safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	entries map[string]time.Time
	order   []string
}

// Option configures a Window.
type Option func(*Window)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// WithMaxEntries bounds the number of remembered keys.
func WithMaxEntries(n int) Option {
	return func(w *Window) {
		if n > 0 {
			w.max = n
		}
	}
}

// New creates a window that remembers keys for ttl.
func New(ttl time.Duration, opts ...Option) *Window {
	w := &Window{
		ttl:     ttl,
		max:     DefaultMaxEntries,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Seen records key and reports whether it was already present within the
// TTL. A repeat does not extend the original entry.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.evictLocked(now)
	if _, ok := w.entries[key]; ok {
		return true
	}
	w.addLocked(key, now)
	return false
}

// Add records key at the current time, replacing any earlier entry.
func (w *Window) Add(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.evictLocked(now)
	if _, ok := w.entries[key]; ok {
		w.removeLocked(key)
	}
	w.addLocked(key, now)
}

// Recorded returns when key was recorded, if it is still inside the window.
func (w *Window) Recorded(key string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(w.now())
	at, ok := w.entries[key]
	return at, ok
}

// Contains reports whether key is inside the window.
func (w *Window) Contains(key string) bool {
	_, ok := w.Recorded(key)
	return ok
}

// Len returns the number of live entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(w.now())
	return len(w.entries)
}

func (w *Window) addLocked(key string, now time.Time) {
	if len(w.order) >= w.max {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.entries, oldest)
	}
	w.entries[key] = now
	w.order = append(w.order, key)
}

func (w *Window) removeLocked(key string) {
	delete(w.entries, key)
	for i, k := range w.order {
		if k == key {
			w.order = append(w.order[:i], w.order[i+1:]...)
			return
		}
	}
}

// evictLocked drops expired entries. order is insertion-sorted, so the scan
// stops at the first live entry.
func (w *Window) evictLocked(now time.Time) {
	cut := 0
	for _, k := range w.order {
		if now.Sub(w.entries[k]) < w.ttl {
			break
		}
		delete(w.entries, k)
		cut++
	}
	if cut > 0 {
		w.order = w.order[cut:]
	}
}
