package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time       { return f.now }
func (f *fakeClock) Sleep(d time.Duration) {}
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}

func TestLimiter_AllowsWithinLimit(t *testing.T) {
	l := New(&fakeClock{now: time.Now()})
	policy := Policy{MaxRequests: 3, Window: time.Minute}
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("acme", "user1", "default", policy))
	}
}

func TestLimiter_RejectsOverLimit(t *testing.T) {
	l := New(&fakeClock{now: time.Now()})
	policy := Policy{MaxRequests: 2, Window: time.Minute}
	require.NoError(t, l.Allow("acme", "user1", "default", policy))
	require.NoError(t, l.Allow("acme", "user1", "default", policy))
	err := l.Allow("acme", "user1", "default", policy)
	require.Error(t, err)
	assert.Equal(t, docerr.RateLimited, docerr.KindOf(err))
}

func TestLimiter_WindowSlidesOverTime(t *testing.T) {
	fc := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(fc)
	policy := Policy{MaxRequests: 1, Window: time.Minute}
	require.NoError(t, l.Allow("acme", "user1", "default", policy))
	require.Error(t, l.Allow("acme", "user1", "default", policy))

	fc.now = fc.now.Add(2 * time.Minute)
	require.NoError(t, l.Allow("acme", "user1", "default", policy), "window should have slid past the first request")
}

func TestLimiter_TenantsAreIndependent(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	l := New(fc)
	policy := Policy{MaxRequests: 1, Window: time.Minute}
	require.NoError(t, l.Allow("acme", "user1", "default", policy))
	require.NoError(t, l.Allow("globex", "user1", "default", policy), "a different tenant must have its own counter")
}
