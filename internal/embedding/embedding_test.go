package embedding

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopSleep(ctx context.Context, d time.Duration) error { return nil }

func vecNorm(v []float32) float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	return math.Sqrt(sumSq)
}

func TestBatchRunner_NormalizesVectors(t *testing.T) {
	r := &BatchRunner{Adapter: NewFakeAdapter(Dimensions), BatchSize: 32, Sleep: noopSleep}
	results := r.Run(context.Background(), []string{"pump flow rate", "pressure valve"})
	require.Len(t, results, 2)
	for _, res := range results {
		require.NoError(t, res.Err)
		n := vecNorm(res.Vector)
		assert.InDelta(t, 1.0, n, 0.01)
	}
}

func TestBatchRunner_RetriesTransientThenSucceeds(t *testing.T) {
	r := &BatchRunner{Adapter: NewFlakyFakeAdapter(Dimensions, 2), BatchSize: 16, MaxRetries: 3, RetryDelay: time.Millisecond, Sleep: noopSleep}
	results := r.Run(context.Background(), []string{"a"})
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
}

func TestBatchRunner_PermanentFailureMarksOnlyThatBatch(t *testing.T) {
	// MaxConcurrency 1 runs the batches in order: the first batch uses up all
	// three failures (one attempt plus two retries), the second succeeds.
	r := &BatchRunner{Adapter: NewFlakyFakeAdapter(Dimensions, 3), BatchSize: 2, MaxRetries: 2, RetryDelay: time.Millisecond, MaxConcurrency: 1, Sleep: noopSleep}
	results := r.Run(context.Background(), []string{"a", "b", "c", "d"})
	require.Len(t, results, 4)
	for _, res := range results[:2] {
		require.Error(t, res.Err)
	}
	for _, res := range results[2:] {
		require.NoError(t, res.Err)
	}
}

func TestBatchRunner_BatchesBySize(t *testing.T) {
	counting := &countingAdapter{dim: 8}
	r := &BatchRunner{Adapter: counting, BatchSize: 2, Sleep: noopSleep}
	_ = r.Run(context.Background(), []string{"a", "b", "c", "d", "e"})
	assert.Equal(t, int32(3), counting.calls.Load(), "5 texts at batch size 2 should take 3 calls")
}

func TestBatchRunner_RejectsWrongDimensionVector(t *testing.T) {
	r := &BatchRunner{Adapter: &fixedVectorAdapter{dim: Dimensions - 1}, BatchSize: 32, Sleep: noopSleep}
	results := r.Run(context.Background(), []string{"a"})
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Nil(t, results[0].Vector)
}

func TestBatchRunner_RejectsZeroVector(t *testing.T) {
	r := &BatchRunner{Adapter: &fixedVectorAdapter{dim: Dimensions, allZero: true}, BatchSize: 32, Sleep: noopSleep}
	results := r.Run(context.Background(), []string{"a"})
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Nil(t, results[0].Vector)
}

// fixedVectorAdapter returns a fixed-shape vector for every text, used to
// drive the malformed-vector rejection paths in BatchRunner.Run.
type fixedVectorAdapter struct {
	dim     int
	allZero bool
}

func (f *fixedVectorAdapter) Name() string   { return "fixed" }
func (f *fixedVectorAdapter) Dimension() int { return f.dim }
func (f *fixedVectorAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		if !f.allZero {
			v[0] = 1
		}
		out[i] = v
	}
	return out, nil
}

type countingAdapter struct {
	dim   int
	calls atomic.Int32
}

func (c *countingAdapter) Name() string   { return "counting" }
func (c *countingAdapter) Dimension() int { return c.dim }
func (c *countingAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, c.dim)
		out[i][0] = 1
	}
	return out, nil
}
