package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Bucket is a per-key token bucket refilling max tokens every period.
type Bucket struct {
	max    int
	period time.Duration
	idle   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewBucket allows bursts of max and a sustained rate of max per period.
func NewBucket(max int, period time.Duration) *Bucket {
	return &Bucket{
		max:     max,
		period:  period,
		idle:    5 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock overrides the time source.
func (l *Bucket) WithClock(now func() time.Time) *Bucket {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *Bucket) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		every := rate.Every(l.period / time.Duration(max(l.max, 1)))
		b = &bucket{lim: rate.NewLimiter(every, l.max)}
		l.buckets[key] = b
	}
	b.seen = now
	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)

	d := Decision{Allowed: allowed, Limit: l.max, Remaining: int(math.Floor(tokens))}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if tokens < 1 {
		perToken := float64(time.Second) / float64(b.lim.Limit())
		d.Reset = time.Duration((1 - tokens) * perToken)
	}
	return d, nil
}

// Sweep drops buckets idle for longer than five minutes.
func (l *Bucket) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.idle {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}
