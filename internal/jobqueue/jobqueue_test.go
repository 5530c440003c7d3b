package jobqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}
func (f *fakeClock) Sleep(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.Sleep(d)
	ch <- f.Now()
	return ch
}

func TestQueue_Enqueue_RejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	q := New(1, func(ctx context.Context, tenant, doc string) error {
		<-block
		return nil
	}, WithWorkers(1), WithClock(&fakeClock{now: time.Now()}))
	q.Start(context.Background())
	defer func() { close(block); q.Stop(time.Second) }()

	require.NoError(t, q.Enqueue(context.Background(), Job{Tenant: "acme", Document: "d1"}))
	time.Sleep(20 * time.Millisecond) // let the worker pick up d1 and block

	require.NoError(t, q.Enqueue(context.Background(), Job{Tenant: "acme", Document: "d2"}))
	err := q.Enqueue(context.Background(), Job{Tenant: "acme", Document: "d3"})
	require.Error(t, err)
	assert.Equal(t, docerr.RateLimited, docerr.KindOf(err))
}

func TestQueue_RetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts int32
	var completed atomic.Bool
	process := func(ctx context.Context, tenant, doc string) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return docerr.New(docerr.TransientUpstream, "test", nil)
		}
		completed.Store(true)
		return nil
	}
	q := New(8, process, WithWorkers(1), WithMaxRetries(5), WithRetryBackoff(time.Millisecond), WithClock(&fakeClock{now: time.Now()}))
	q.Start(context.Background())
	defer q.Stop(time.Second)

	require.NoError(t, q.Enqueue(context.Background(), Job{Tenant: "acme", Document: "d1"}))

	require.Eventually(t, func() bool { return completed.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestQueue_DropsPermanentFailureAndInvokesOnDrop(t *testing.T) {
	var dropped atomic.Bool
	var droppedJob Job
	var mu sync.Mutex
	process := func(ctx context.Context, tenant, doc string) error {
		return docerr.New(docerr.PermanentUpstream, "test", nil)
	}
	q := New(8, process, WithWorkers(1), WithClock(&fakeClock{now: time.Now()}), WithOnDrop(func(ctx context.Context, job Job, cause error) {
		mu.Lock()
		droppedJob = job
		mu.Unlock()
		dropped.Store(true)
	}))
	q.Start(context.Background())
	defer q.Stop(time.Second)

	require.NoError(t, q.Enqueue(context.Background(), Job{Tenant: "acme", Document: "d1"}))

	require.Eventually(t, func() bool { return dropped.Load() }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "d1", droppedJob.Document)
}

func TestQueue_DropsAfterRetryBudgetExhausted(t *testing.T) {
	var attempts int32
	var dropped atomic.Bool
	process := func(ctx context.Context, tenant, doc string) error {
		atomic.AddInt32(&attempts, 1)
		return docerr.New(docerr.TransientUpstream, "test", nil)
	}
	q := New(8, process, WithWorkers(1), WithMaxRetries(2), WithRetryBackoff(time.Millisecond), WithClock(&fakeClock{now: time.Now()}), WithOnDrop(func(ctx context.Context, job Job, cause error) {
		dropped.Store(true)
	}))
	q.Start(context.Background())
	defer q.Stop(time.Second)

	require.NoError(t, q.Enqueue(context.Background(), Job{Tenant: "acme", Document: "d1"}))

	require.Eventually(t, func() bool { return dropped.Load() }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 3)
}
