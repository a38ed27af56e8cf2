// Package ratelimit implements per-caller request limiters. Every limiter
// decides immediately and never blocks the caller.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome for one request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is the time until the caller's quota refills.
	Reset time.Duration
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type window struct {
	start time.Time
	count int
}

// Window is an in-process fixed-window counter. Each key's window resets
// once its period has elapsed since the first request in it.
type Window struct {
	max    int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewWindow allows max requests per key in every period.
func NewWindow(max int, period time.Duration) *Window {
	return &Window{max: max, period: period, now: time.Now, windows: make(map[string]*window)}
}

// WithClock overrides the time source.
func (l *Window) WithClock(now func() time.Time) *Window {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *Window) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.period)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++
	d := Decision{
		Allowed: w.count <= l.max,
		Limit:   l.max,
		Reset:   w.start.Add(l.period).Sub(now),
	}
	if rem := l.max - w.count; rem > 0 {
		d.Remaining = rem
	}
	return d, nil
}

// Sweep drops windows that have already expired and returns how many were removed.
func (l *Window) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.windows {
		if !now.Before(w.start.Add(l.period)) {
			delete(l.windows, k)
			n++
		}
	}
	return n
}

// Len reports the number of tracked keys.
func (l *Window) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Sweeper is implemented by limiters holding per-key state in memory.
type Sweeper interface {
	Sweep() int
}

// RunSweeper calls s.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
