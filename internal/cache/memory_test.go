package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time       { return f.now }
func (f *fakeClock) Sleep(d time.Duration) {}
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}

func TestMemoryCache_MissOnAbsentKey(t *testing.T) {
	c := NewMemoryCache(1<<20, nil)
	_, ok := c.Get(context.Background(), "acme", KindSearch, "fp1")
	assert.False(t, ok)
}

func TestMemoryCache_SetThenGetHits(t *testing.T) {
	c := NewMemoryCache(1<<20, nil)
	c.Set(context.Background(), "acme", KindSearch, "fp1", Entry{Format: FormatJSON, Value: []byte(`{"a":1}`)}, time.Hour)
	got, ok := c.Get(context.Background(), "acme", KindSearch, "fp1")
	require.True(t, ok)
	assert.Equal(t, FormatJSON, got.Format)
	assert.Equal(t, []byte(`{"a":1}`), got.Value)
}

func TestMemoryCache_TenantIsolation(t *testing.T) {
	c := NewMemoryCache(1<<20, nil)
	c.Set(context.Background(), "acme", KindSearch, "fp1", Entry{Value: []byte("x")}, time.Hour)
	_, ok := c.Get(context.Background(), "globex", KindSearch, "fp1")
	assert.False(t, ok, "a cache entry must not be visible under a different tenant")
}

func TestMemoryCache_ExpiresAfterTTL(t *testing.T) {
	fc := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(1<<20, fc)
	c.Set(context.Background(), "acme", KindSearch, "fp1", Entry{Value: []byte("x")}, time.Minute)

	fc.now = fc.now.Add(2 * time.Minute)
	_, ok := c.Get(context.Background(), "acme", KindSearch, "fp1")
	assert.False(t, ok)
}

func TestMemoryCache_EvictsLeastRecentlyUsedOverBudget(t *testing.T) {
	c := NewMemoryCache(10, nil) // tiny budget forces eviction
	c.Set(context.Background(), "acme", KindSearch, "a", Entry{Value: []byte("1234")}, time.Hour)
	c.Set(context.Background(), "acme", KindSearch, "b", Entry{Value: []byte("1234")}, time.Hour)
	// touch "a" so "b" becomes the least-recently-used entry
	_, _ = c.Get(context.Background(), "acme", KindSearch, "a")
	c.Set(context.Background(), "acme", KindSearch, "c", Entry{Value: []byte("1234")}, time.Hour)

	_, aOK := c.Get(context.Background(), "acme", KindSearch, "a")
	_, bOK := c.Get(context.Background(), "acme", KindSearch, "b")
	_, cOK := c.Get(context.Background(), "acme", KindSearch, "c")
	assert.True(t, aOK, "recently-touched entry should survive eviction")
	assert.False(t, bOK, "least-recently-used entry should be evicted first")
	assert.True(t, cOK)
}
