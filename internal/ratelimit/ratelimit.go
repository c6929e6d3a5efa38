// Package ratelimit counts failed attempts per client and action in fixed
// windows, and throttles request rates per client.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// ExceededError is returned by Check when the window is exhausted.
type ExceededError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("too many %s attempts, retry in %s", e.Action, e.RetryAfter.Round(time.Second))
}

// window is the counter for one (client, action) pair.
type window struct {
	mu       sync.Mutex
	start    time.Time
	attempts int
	// retired is set, under mu, once prune has unmapped the window.
	retired bool
}

// Limiter tracks fixed windows keyed by client and action. Windows start at
// the first recorded failure and are only reset by elapsing; a successful
// attempt leaves the count alone.
type Limiter struct {
	now     func() time.Time
	windows sync.Map // key -> *window

	pruneMu   sync.Mutex
	lastPrune time.Time
	maxAge    time.Duration
}

// New returns a Limiter. now may be nil.
func New(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{now: now}
}

func key(client, action string) string { return action + "\x00" + client }

// Check reports whether another attempt is allowed for client and action.
// It returns *ExceededError once max failures were recorded inside window.
func (l *Limiter) Check(client, action string, max int, win time.Duration) error {
	l.prune(win)
	v, ok := l.windows.Load(key(client, action))
	if !ok {
		return nil
	}
	w := v.(*window)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	elapsed := now.Sub(w.start)
	if elapsed > win {
		w.start = time.Time{}
		w.attempts = 0
		return nil
	}
	if w.attempts >= max {
		retry := win - elapsed
		if retry < time.Second {
			retry = time.Second
		}
		return &ExceededError{Action: action, RetryAfter: retry}
	}
	return nil
}

// RecordFailure counts one failed attempt. A window that has lapsed (or was
// never started) starts over at now.
func (l *Limiter) RecordFailure(client, action string, win time.Duration) {
	k := key(client, action)
	for {
		v, _ := l.windows.LoadOrStore(k, &window{})
		w := v.(*window)
		now := l.now()

		w.mu.Lock()
		if w.retired {
			// pruned between lookup and lock; count on the live window
			w.mu.Unlock()
			continue
		}
		if w.start.IsZero() || now.Sub(w.start) > win {
			w.start = now
			w.attempts = 0
		}
		w.attempts++
		w.mu.Unlock()
		return
	}
}

// Attempts returns the failures counted in the current window.
func (l *Limiter) Attempts(client, action string) int {
	v, ok := l.windows.Load(key(client, action))
	if !ok {
		return 0
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts
}

// prune drops windows older than the longest window seen so far. It runs at
// most once per such window.
func (l *Limiter) prune(win time.Duration) {
	now := l.now()
	l.pruneMu.Lock()
	if win > l.maxAge {
		l.maxAge = win
	}
	maxAge := l.maxAge
	if l.lastPrune.IsZero() {
		l.lastPrune = now
	}
	if now.Sub(l.lastPrune) < maxAge {
		l.pruneMu.Unlock()
		return
	}
	l.lastPrune = now
	l.pruneMu.Unlock()

	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		if w.start.IsZero() || now.Sub(w.start) > maxAge {
			w.retired = true
			l.windows.CompareAndDelete(k, v)
		}
		w.mu.Unlock()
		return true
	})
}
