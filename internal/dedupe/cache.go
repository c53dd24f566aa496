// Package dedupe suppresses run requests repeated inside a time window.
package dedupe

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Window remembers recently completed request keys, bounded by capacity and ttl.
type Window struct {
	seen *expirable.LRU[string, time.Time]
}

// NewWindow creates a window with the provided capacity and ttl.
func NewWindow(capacity int, ttl time.Duration) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Window{seen: expirable.NewLRU[string, time.Time](capacity, nil, ttl)}
}

// IsSeen reports whether key was marked inside the ttl window.
// It does not mark the key; use MarkSeen for that.
func (w *Window) IsSeen(key string) bool {
	_, ok := w.seen.Peek(key)
	return ok
}

// MarkSeen records key as handled now. Marking an existing key refreshes it.
func (w *Window) MarkSeen(key string) {
	w.seen.Add(key, time.Now())
}

// Forget drops key so the next request for it runs again.
func (w *Window) Forget(key string) {
	w.seen.Remove(key)
}

// Len returns the number of remembered keys.
func (w *Window) Len() int {
	return w.seen.Len()
}
