// Package ratelimit enforces a minimum gap between successive requests that
// share a key, typically one grading authority or one outbound host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
	"github.com/JakeFAU/gradepop-crawler/internal/metrics"
)

// Limiter tracks one token bucket per key. Each bucket refills one token
// every delay, with a burst of one, so the first call for a key never waits.
// A bucket is rebuilt when its key's delay changes, so the new delay is
// measured from the previous request rather than prorated.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*keyLimiter
	clock    crawler.Clock
}

type keyLimiter struct {
	limiter *rate.Limiter
	delay   time.Duration
	// last is when the previous request on the key was released.
	last time.Time
}

// New creates a Limiter that reads time from clock.
func New(clock crawler.Clock) *Limiter {
	return &Limiter{
		limiters: make(map[string]*keyLimiter),
		clock:    clock,
	}
}

// RespectDelay blocks until at least delay has elapsed since the previous
// call for key returned. Calls for different keys do not interact.
func (l *Limiter) RespectDelay(ctx context.Context, key string, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	now := l.clock.Now()
	kl, reservation := l.reserve(key, delay, now)
	if !reservation.OK() {
		return fmt.Errorf("rate limit %s: reservation refused", key)
	}
	wait := reservation.DelayFrom(now)
	if wait > 0 {
		if err := l.clock.Sleep(ctx, wait); err != nil {
			reservation.CancelAt(l.clock.Now())
			return fmt.Errorf("rate limit wait %s: %w", key, err)
		}
		metrics.ObserveRateLimitDelay(key, wait)
	}
	l.mu.Lock()
	if at := now.Add(wait); at.After(kl.last) {
		kl.last = at
	}
	l.mu.Unlock()
	return nil
}

// Forget drops the bucket for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

func (l *Limiter) reserve(key string, delay time.Duration, now time.Time) (*keyLimiter, *rate.Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.limiters[key]
	if !ok {
		kl = &keyLimiter{limiter: rate.NewLimiter(rate.Every(delay), 1), delay: delay}
		l.limiters[key] = kl
	} else if kl.delay != delay {
		// The token spent by the previous request is taken at last, so the
		// next one waits delay minus the time since then.
		kl.limiter = rate.NewLimiter(rate.Every(delay), 1)
		kl.limiter.AllowN(kl.last, 1)
		kl.delay = delay
	}
	return kl, kl.limiter.ReserveN(now, 1)
}

// HostKey returns the lowercase hostname of rawURL, or "unknown".
func HostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
