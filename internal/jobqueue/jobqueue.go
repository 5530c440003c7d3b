// Package jobqueue implements the Worker Pool / Job Queue (spec C13): a
// bounded queue of ingestion jobs drained by a fixed worker pool, with
// back-pressure on a full queue and re-enqueue-with-backoff on transient
// failure. Grounded on the teacher's internal/orchestrator/kafka.go
// StartKafkaConsumer (bounded jobs channel, fixed worker goroutines,
// attempt-bounded retry with exponential backoff, drain-on-shutdown via
// WaitGroup), generalized here to an in-process default with an optional
// Kafka-backed durable alternative for the same shape.
package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manifold-labs/docsearch/internal/clock"
	"github.com/manifold-labs/docsearch/internal/docerr"
	"github.com/manifold-labs/docsearch/internal/obs"
)

// Job carries one ingestion unit of work (spec §4.11).
type Job struct {
	Tenant     string
	Document   string
	Attempt    int
	EnqueuedAt time.Time
}

// Processor runs the pipeline for one job, returning a classified error the
// queue uses to decide between re-enqueue and drop (spec §4.11). It mirrors
// ingest.Coordinator.Process's signature so a Queue can wrap a Coordinator
// directly.
type Processor func(ctx context.Context, tenant, documentID string) error

const (
	// DefaultMaxRetries bounds re-enqueue attempts before a job is dropped
	// and its document marked failed (spec §4.11).
	DefaultMaxRetries = 3
	// DefaultRetryBackoff is the base delay before a re-enqueued job's next
	// attempt; actual delay scales by 2^attempt (spec §4.11).
	DefaultRetryBackoff = 2 * time.Second
	// DefaultShutdownDeadline bounds how long Stop waits for in-flight jobs
	// to finish draining before returning with work still queued.
	DefaultShutdownDeadline = 30 * time.Second
)

// onDrop is called when a job exhausts its retry budget, so the caller can
// mark the owning document failed without the queue depending on metadata.Store.
type onDrop func(ctx context.Context, job Job, cause error)

// Queue is a bounded in-process worker pool draining Jobs via a Processor.
type Queue struct {
	jobs     chan Job
	process  Processor
	onDrop   onDrop
	workers  int
	maxRetry int
	backoff  time.Duration

	log     zerolog.Logger
	clock   clock.Clock
	metrics obs.Metrics

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Option configures a Queue.
type Option func(*Queue)

func WithLogger(l zerolog.Logger) Option        { return func(q *Queue) { q.log = l } }
func WithClock(c clock.Clock) Option            { return func(q *Queue) { q.clock = c } }
func WithMetrics(m obs.Metrics) Option          { return func(q *Queue) { q.metrics = m } }
func WithWorkers(n int) Option                  { return func(q *Queue) { q.workers = n } }
func WithMaxRetries(n int) Option               { return func(q *Queue) { q.maxRetry = n } }
func WithRetryBackoff(d time.Duration) Option   { return func(q *Queue) { q.backoff = d } }
func WithOnDrop(f func(ctx context.Context, job Job, cause error)) Option {
	return func(q *Queue) { q.onDrop = f }
}

// New builds a Queue with the given capacity and worker count, draining via
// process. workers defaults to 8 if n <= 0 (spec §4.11: "min(8, cpu)",
// generalized here since the runtime cpu count is an environment property
// callers can pass explicitly via WithWorkers).
func New(capacity int, process Processor, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	q := &Queue{
		jobs: make(chan Job, capacity), process: process,
		workers: 8, maxRetry: DefaultMaxRetries, backoff: DefaultRetryBackoff,
		log: zerolog.Nop(), clock: clock.System{}, metrics: obs.NoopMetrics{},
	}
	for _, o := range opts {
		o(q)
	}
	if q.workers <= 0 {
		q.workers = 8
	}
	return q
}

// Start launches the worker pool. Once Stop cancels the workers' context,
// each worker processes the jobs already buffered before it exits.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go q.runWorker(ctx, i)
	}
}

// Enqueue submits a job, returning docerr.RateLimited (QueueFull) if the
// queue is at capacity rather than blocking the caller indefinitely (spec
// §4.11: bounded queue, caller-visible back-pressure).
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.clock.Now()
	}
	select {
	case q.jobs <- job:
		q.metrics.IncCounter("jobqueue_enqueued_total", map[string]string{"tenant": job.Tenant})
		return nil
	default:
		q.metrics.IncCounter("jobqueue_rejected_total", map[string]string{"tenant": job.Tenant})
		return docerr.New(docerr.RateLimited, "jobqueue.Enqueue", nil)
	}
}

// Stop cancels worker context and waits up to deadline for the workers to
// exit. Before exiting, the workers process every job still buffered in the
// channel (drainRemaining); if the deadline passes first, Stop returns while
// they are still draining (spec §4.11).
func (q *Queue) Stop(deadline time.Duration) {
	q.stopOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
	})
	if deadline <= 0 {
		deadline = DefaultShutdownDeadline
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		q.log.Warn().Msg("jobqueue shutdown deadline exceeded, workers still draining")
	}
}

func (q *Queue) runWorker(ctx context.Context, workerID int) {
	defer q.wg.Done()
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handle(ctx, job)
		case <-ctx.Done():
			q.drainRemaining(ctx)
			return
		}
	}
}

// drainRemaining processes whatever is already buffered in the channel
// without blocking, so a cancelled Stop still finishes work accepted before
// shutdown began.
func (q *Queue) drainRemaining(ctx context.Context) {
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handle(context.Background(), job)
		default:
			return
		}
	}
}

func (q *Queue) handle(ctx context.Context, job Job) {
	log := q.log.With().Str("tenant", job.Tenant).Str("document", job.Document).Int("attempt", job.Attempt).Logger()
	start := q.clock.Now()
	err := q.process(ctx, job.Tenant, job.Document)
	q.metrics.ObserveHistogram("jobqueue_job_duration_ms", float64(q.clock.Now().Sub(start).Milliseconds()), map[string]string{"tenant": job.Tenant})
	if err == nil {
		q.metrics.IncCounter("jobqueue_completed_total", map[string]string{"tenant": job.Tenant})
		return
	}

	if !docerr.Retryable(err) || job.Attempt >= q.maxRetry {
		q.metrics.IncCounter("jobqueue_dropped_total", map[string]string{"tenant": job.Tenant})
		log.Error().Err(err).Msg("job exhausted retry budget, dropping")
		if q.onDrop != nil {
			q.onDrop(ctx, job, err)
		}
		return
	}

	backoff := q.backoff * time.Duration(1<<uint(job.Attempt))
	log.Warn().Err(err).Dur("backoff", backoff).Msg("job failed transiently, re-enqueueing")
	q.clock.Sleep(backoff)
	job.Attempt++
	if reErr := q.Enqueue(ctx, job); reErr != nil {
		q.metrics.IncCounter("jobqueue_dropped_total", map[string]string{"tenant": job.Tenant})
		log.Error().Err(reErr).Msg("re-enqueue failed, queue full, dropping")
		if q.onDrop != nil {
			q.onDrop(ctx, job, err)
		}
	}
}
