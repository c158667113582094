package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldnordic/ltmc/internal/chunking"
	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/coordinator"
	"github.com/oldnordic/ltmc/internal/embeddings"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/retry"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/pkg/types"
)

type fixture struct {
	svc   *Service
	sql   *storage.MemTransactionalStore
	vec   *storage.MemVectorIndex
	graph *storage.MemGraphStore
	cache *storage.MemCacheStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.Default()
	set, sql, vec, graph, cache := storage.NewMemSet(32)

	fast := func(kind storage.Kind) *storage.Guard {
		return storage.NewGuard(kind, &retry.Config{MaxAttempts: 1}, nil, logger)
	}
	guards := &storage.GuardSet{
		Transactional: fast(storage.KindTransactional),
		Vector:        fast(storage.KindVector),
		Graph:         fast(storage.KindGraph),
		Cache:         fast(storage.KindCache),
	}
	coord := coordinator.New(guards, config.Default().Coordinator, logger)
	t.Cleanup(coord.Close)

	embedder, err := embeddings.NewLocalHashEmbedder("test-model", 32)
	require.NoError(t, err)

	svc := New(set, coord, chunking.New(chunking.DefaultConfig()), embedder, logger)
	return &fixture{svc: svc, sql: sql, vec: vec, graph: graph, cache: cache}
}

func TestAddResourceChunksAndStores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.AddResource(ctx, &AddRequest{
		FileName: "notes.md",
		Content:  "Machine learning is a subset of AI. It trains models on data.",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ChunkCount)
	require.Len(t, result.VectorIDs, 2)
	assert.Equal(t, result.VectorIDs[0]+1, result.VectorIDs[1], "vector ids are sequential")

	res, err := f.sql.GetResource(ctx, result.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, "notes.md", res.FileName)
	assert.Equal(t, types.TypeDocument, res.Type)

	chunks, err := f.sql.GetChunksByVectorIDs(ctx, result.VectorIDs)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestAddResourceVectorsAreSearchable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.AddResource(ctx, &AddRequest{
		FileName: "db.md",
		Content:  "Postgres connection pooling reduces latency under load.",
	})
	require.NoError(t, err)

	embedder, err := embeddings.NewLocalHashEmbedder("test-model", 32)
	require.NoError(t, err)
	query, err := embedder.Embed(ctx, "postgres connection pooling")
	require.NoError(t, err)

	matches, err := f.vec.SearchVectors(ctx, query, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, result.VectorIDs[0], matches[0].VectorID)
}

func TestAddResourceRollsBackOnVectorFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.vec.FailOn("upsert", errors.Internal("vector index down"))

	_, err := f.svc.AddResource(ctx, &AddRequest{
		ID:       "res-doomed",
		FileName: "doomed.md",
		Content:  "This write should leave nothing behind.",
	})
	require.Error(t, err)

	_, err = f.sql.GetResource(ctx, "res-doomed")
	assert.True(t, errors.IsNotFound(err), "resource row must be rolled back")

	// vector id may have been consumed; the sequence keeps gaps
	last, err := f.sql.LastVectorID(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, last, int64(0))
}

func TestAddResourceGapsNeverReuseVectorIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.graph.FailOn("upsert_node", errors.Internal("graph down"))
	_, err := f.svc.AddResource(ctx, &AddRequest{FileName: "a.md", Content: "First doomed write."})
	require.Error(t, err)
	burned, err := f.sql.LastVectorID(ctx)
	require.NoError(t, err)

	f.graph.ClearFailures()
	result, err := f.svc.AddResource(ctx, &AddRequest{FileName: "b.md", Content: "Second successful write."})
	require.NoError(t, err)
	assert.Greater(t, result.VectorIDs[0], burned, "ids from aborted transactions are never reused")
}

func TestAddResourceValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddResource(ctx, &AddRequest{Content: "no file name"})
	assert.True(t, errors.Is(err, errors.KindValidation))

	_, err = f.svc.AddResource(ctx, &AddRequest{FileName: "x.md"})
	assert.True(t, errors.Is(err, errors.KindValidation))

	_, err = f.svc.AddResource(ctx, &AddRequest{FileName: "x.md", Content: "ok", Type: "bogus"})
	assert.True(t, errors.Is(err, errors.KindValidation))
}

func TestDeleteResourceCleansEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.AddResource(ctx, &AddRequest{
		FileName: "gone.md",
		Content:  "Here today. Gone tomorrow, as they say.",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteResource(ctx, result.ResourceID))

	_, err = f.sql.GetResource(ctx, result.ResourceID)
	assert.True(t, errors.IsNotFound(err))

	embedder, err := embeddings.NewLocalHashEmbedder("test-model", 32)
	require.NoError(t, err)
	query, err := embedder.Embed(ctx, "gone tomorrow")
	require.NoError(t, err)
	matches, err := f.vec.SearchVectors(ctx, query, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDeleteUnknownResource(t *testing.T) {
	f := newFixture(t)
	err := f.svc.DeleteResource(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}
