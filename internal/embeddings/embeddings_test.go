package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedIsDeterministic(t *testing.T) {
	e, err := NewLocalHashEmbedder("test-model", 64)
	require.NoError(t, err)

	a, err := e.Embed(context.Background(), "the cache invalidation bug")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "the cache invalidation bug")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEmbedIsNormalised(t *testing.T) {
	e, err := NewLocalHashEmbedder("test-model", 128)
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "vectors must be unit length for cosine scoring")
	require.NoError(t, err)
	require.Len(t, vec, 128)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestEmbedSimilarTextsScoreHigher(t *testing.T) {
	e, err := NewLocalHashEmbedder("test-model", 256)
	require.NoError(t, err)

	base, err := e.Embed(context.Background(), "postgres connection pool exhausted under load")
	require.NoError(t, err)
	near, err := e.Embed(context.Background(), "postgres connection pool settings under heavy load")
	require.NoError(t, err)
	far, err := e.Embed(context.Background(), "quarterly marketing newsletter draft")
	require.NoError(t, err)

	assert.Greater(t, dot(base, near), dot(base, far))
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	e, err := NewLocalHashEmbedder("test-model", 32)
	require.NoError(t, err)

	texts := []string{"first text", "second text", "third text"}
	batch, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, text := range texts {
		single, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestEmbedEmptyText(t *testing.T) {
	e, err := NewLocalHashEmbedder("test-model", 16)
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, vec, 16)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestNewRejectsBadDimension(t *testing.T) {
	_, err := NewLocalHashEmbedder("test-model", 0)
	assert.Error(t, err)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
