// ABOUTME: In-memory sliding-window rate limiter keyed by embed key id
// ABOUTME: Lazy per-check pruning plus a periodic sweep to bound memory

package access

import (
	"sync"
	"time"
)

const (
	// DefaultLimit is the number of requests allowed per rolling window.
	DefaultLimit = 100
	// DefaultWindow is the rolling window length.
	DefaultWindow = 60 * time.Second

	sweepInterval = time.Minute
)

// window holds the request timestamps for one key, guarded by its own lock so
// hot keys don't contend with each other.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Limiter is a sliding-window rate limiter. The window is keyed on the embed
// key id, not the raw secret, so limiter state can't leak key material.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	span    time.Duration
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewLimiter creates a limiter allowing limit requests per rolling span.
// A background goroutine sweeps idle windows periodically.
func NewLimiter(limit int, span time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if span <= 0 {
		span = DefaultWindow
	}
	l := &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		span:    span,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow records a request for keyID if the window has room. When the window is
// full it returns false and the seconds until the oldest in-window timestamp
// ages out.
func (l *Limiter) Allow(keyID string) (ok bool, resetIn int) {
	w := l.window(keyID)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.span)

	// Drop timestamps that fell out of the window.
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= l.limit {
		oldest := w.stamps[0]
		reset := int(oldest.Add(l.span).Sub(now).Seconds())
		if reset < 1 {
			reset = 1
		}
		return false, reset
	}

	w.stamps = append(w.stamps, now)
	return true, 0
}

// window returns the window for keyID, creating it if needed.
func (l *Limiter) window(keyID string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[keyID]
	if !ok {
		w = &window{}
		l.windows[keyID] = w
	}
	return w
}

// sweep runs in a background goroutine, dropping windows with no live entries.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runSweep()
		case <-l.done:
			return
		}
	}
}

// runSweep removes windows whose every timestamp has aged out.
func (l *Limiter) runSweep() {
	cutoff := l.now().Add(-l.span)

	l.mu.Lock()
	defer l.mu.Unlock()

	for keyID, w := range l.windows {
		w.mu.Lock()
		live := false
		for _, ts := range w.stamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		w.mu.Unlock()
		if !live {
			delete(l.windows, keyID)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
