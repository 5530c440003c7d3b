package ocr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

func TestFakeEngine_SplitsParagraphs(t *testing.T) {
	e := NewFakeEngine()
	blocks, err := e.Process(context.Background(), []byte("first para\n\nsecond para"), "pdf")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "first para", blocks[0].Text)
	assert.Equal(t, "second para", blocks[1].Text)
}

func TestFakeEngine_EmptyContentIsPermanentFailure(t *testing.T) {
	e := NewFakeEngine()
	_, err := e.Process(context.Background(), nil, "pdf")
	require.Error(t, err)
	assert.Equal(t, docerr.PermanentUpstream, docerr.KindOf(err))
}

func TestFlakyFakeEngine_FailsThenSucceeds(t *testing.T) {
	e := NewFlakyFakeEngine(2)
	_, err := e.Process(context.Background(), []byte("x"), "pdf")
	require.Error(t, err)
	assert.True(t, docerr.Retryable(err))

	_, err = e.Process(context.Background(), []byte("x"), "pdf")
	require.Error(t, err)

	blocks, err := e.Process(context.Background(), []byte("x"), "pdf")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
}
