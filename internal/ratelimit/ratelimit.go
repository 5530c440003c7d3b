// Package ratelimit implements the Rate Limiter (spec C8): sliding-window
// counters keyed by (tenant, identity, bucket). Grounded on the teacher's
// options-pattern constructors and mutex-guarded map idiom used throughout
// internal/persistence/databases' in-memory stores, specialized here to a
// single counting responsibility instead of a general KV store.
package ratelimit

import (
	"sync"
	"time"

	"github.com/manifold-labs/docsearch/internal/clock"
	"github.com/manifold-labs/docsearch/internal/docerr"
)

// Policy bounds a bucket to MaxRequests within Window.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// Limiter enforces sliding-window policies per (tenant, identity, bucket).
// Safe for concurrent use; Allow runs in amortised O(1) by lazily pruning
// only the calling key's expired timestamps.
type Limiter struct {
	clock clock.Clock

	mu      sync.Mutex
	windows map[string][]time.Time
}

// New builds a Limiter using c as its time source (clock.System{} if nil).
func New(c clock.Clock) *Limiter {
	if c == nil {
		c = clock.System{}
	}
	return &Limiter{clock: c, windows: make(map[string][]time.Time)}
}

func bucketKey(tenant, identity, bucket string) string {
	return bucket + ":" + tenant + ":" + identity
}

// Allow records one request against (tenant, identity, bucket) under
// policy, returning docerr.RateLimited if the policy's limit within its
// window would be exceeded (spec §4.6).
func (l *Limiter) Allow(tenant, identity, bucket string, policy Policy) error {
	now := l.clock.Now()
	cutoff := now.Add(-policy.Window)
	key := bucketKey(tenant, identity, bucket)

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.windows[key]
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= policy.MaxRequests {
		l.windows[key] = kept
		retryAfter := kept[0].Add(policy.Window).Sub(now)
		return docerr.New(docerr.RateLimited, "ratelimit.Allow", nil).WithRetryAfter(retryAfter.String())
	}
	kept = append(kept, now)
	l.windows[key] = kept
	return nil
}
