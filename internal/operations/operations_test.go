package operations

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldnordic/ltmc/internal/chunking"
	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/consistency"
	"github.com/oldnordic/ltmc/internal/coordinator"
	"github.com/oldnordic/ltmc/internal/documents"
	"github.com/oldnordic/ltmc/internal/embeddings"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/ingest"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/retrieval"
	"github.com/oldnordic/ltmc/internal/retry"
	"github.com/oldnordic/ltmc/internal/safety"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/internal/thoughts"
	"github.com/oldnordic/ltmc/pkg/types"

	"github.com/oldnordic/ltmc/internal/contextinfer"
)

type fixture struct {
	core  *Core
	sql   *storage.MemTransactionalStore
	vec   *storage.MemVectorIndex
	graph *storage.MemGraphStore
	cache *storage.MemCacheStore
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}
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
	coord := coordinator.New(guards, cfg.Coordinator, logger)
	t.Cleanup(coord.Close)

	embedder, err := embeddings.NewLocalHashEmbedder("test-model", 32)
	require.NoError(t, err)

	docs := documents.New(set, coord, embedder, 15*time.Minute, "test:events", logger)
	ing := ingest.New(set, coord, chunking.New(chunking.Config{}), embedder, logger)
	ret := retrieval.New(set, embedder, logger)
	th := thoughts.New(set, coord, embedder, logger)
	cons := consistency.New(set, coord, embedder, logger)
	guard := safety.New(cfg.Safety, logger)
	contexts := contextinfer.New(sql, logger)

	core := New(set, docs, ing, ret, th, cons, guard, contexts, logger)
	return &fixture{core: core, sql: sql, vec: vec, graph: graph, cache: cache}
}

func TestIngestAndRetrieveEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored, err := f.core.StoreMemory(ctx, "ml.md",
		"Machine learning is a subset of AI. It trains models on data.", types.TypeDocument)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ChunkCount)

	resp, err := f.core.RetrieveMemory(ctx, "conv-1", "What is machine learning?", 2)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Chunks)
	require.Positive(t, resp.MessageID)

	msgs, err := f.sql.GetChatsByTool(ctx, "", 10, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.RoleUser, msgs[0].Role)

	links, err := f.core.GetContextLinks(ctx, resp.MessageID)
	require.NoError(t, err)
	assert.Equal(t, len(resp.Chunks), len(links))
}

func TestChainBuildAndAnalyze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ulids []string
	for _, content := range []string{
		"the cache hit rate dropped after the deploy",
		"the deploy changed the key prefix",
		"revert the key prefix change",
	} {
		res, err := f.core.ThoughtCreate(ctx, &ThoughtCreateRequest{
			SessionID: "sess-1",
			Content:   content,
		})
		require.NoError(t, err)
		ulids = append(ulids, res.ULID)
		assert.Equal(t, []string{"transactional", "vector", "graph", "cache"}, res.DatabasesAffected)
	}

	result, err := f.core.ThoughtAnalyzeChain(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, result.Thoughts, 3)
	for i, th := range result.Thoughts {
		assert.Equal(t, ulids[i], th.ULID)
		assert.Equal(t, i+1, th.StepNumber)
	}
	assert.True(t, result.Analysis.IntegrityOK)

	// FOLLOWS edges point from each thought to its predecessor
	paths, err := f.graph.Traverse(ctx, ulids[2], "FOLLOWS", storage.DirectionOut, 5)
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	longest := paths[len(paths)-1]
	assert.Equal(t, []string{ulids[2], ulids[1], ulids[0]}, longest.NodeIDs)
}

func TestRecursionBlocksEleventhThought(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		_, err := f.core.ThoughtCreate(ctx, &ThoughtCreateRequest{
			SessionID: "sess-deep",
			Content:   fmt.Sprintf("distinct reasoning step %d", i),
		})
		require.NoError(t, err, "thought %d", i)
	}

	_, err := f.core.ThoughtCreate(ctx, &ThoughtCreateRequest{
		SessionID: "sess-deep",
		Content:   "the eleventh step",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindRecursionBlocked))

	var ce *errors.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 10, ce.Details["depth"])
	assert.Equal(t, string(safety.StrategyResetChain), ce.Details["recovery_strategy"])
}

func TestLoopDetectionBlocksRepeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.core.ThoughtCreate(ctx, &ThoughtCreateRequest{
		SessionID: "sess-loop",
		Content:   "the exact same idea",
	})
	require.NoError(t, err)

	_, err = f.core.ThoughtCreate(ctx, &ThoughtCreateRequest{
		SessionID: "sess-loop",
		Content:   "the exact same idea",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindRecursionBlocked))

	// the chain is intact, only the repeat was rejected
	result, err := f.core.ThoughtAnalyzeChain(ctx, "sess-loop")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Analysis.Length)
}

func TestThoughtCreateResolvesContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.core.ThoughtCreate(ctx, &ThoughtCreateRequest{
		Content: "fix the failing integration test",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Context)
	assert.Regexp(t, `^session_\d+_[0-9a-f]{8}$`, res.Context.SessionID)
	assert.Equal(t, contextinfer.IntentProblemSolving, res.Context.Intent)
	assert.Equal(t, res.Context.SessionID, res.Thought.SessionID)
}

func TestThoughtCreateCarriesResolvedChainLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.core.ThoughtCreate(ctx, &ThoughtCreateRequest{
		SessionID: "sess-1",
		Content:   "establish the baseline",
	})
	require.NoError(t, err)

	second, err := f.core.ThoughtCreate(ctx, &ThoughtCreateRequest{
		SessionID:         "sess-1",
		Content:           "measure against it",
		PreviousThoughtID: first.ULID,
		StepNumber:        2,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ULID, second.Thought.PreviousThoughtID)
	assert.Equal(t, 2, second.Thought.StepNumber)
	assert.Equal(t, first.ULID, second.Context.PreviousThoughtID)

	_, err = f.core.ThoughtCreate(ctx, &ThoughtCreateRequest{
		SessionID:         "sess-1",
		Content:           "points at nothing",
		PreviousThoughtID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
	})
	assert.True(t, errors.Is(err, errors.KindValidation))
}

func TestFindSimilarThoughts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.core.ThoughtCreate(ctx, &ThoughtCreateRequest{
		SessionID: "sess-1",
		Content:   "the connection pool exhausts under load",
	})
	require.NoError(t, err)

	hits, err := f.core.ThoughtFindSimilar(ctx, "connection pool exhaustion", 3, "")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "sess-1", hits[0].Thought.SessionID)
}

func TestTodoLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.core.AddTodo(ctx, &types.Todo{Title: "rotate the api keys"})
	require.NoError(t, err)

	todos, err := f.core.ListTodos(ctx, "open", 10)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, "medium", todos[0].Priority)

	require.NoError(t, f.core.CompleteTodo(ctx, id))

	open, err := f.core.ListTodos(ctx, "open", 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	found, err := f.core.SearchTodos(ctx, "api keys", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0].Completed)

	_, err = f.core.AddTodo(ctx, &types.Todo{})
	assert.True(t, errors.Is(err, errors.KindValidation))
}

func TestCodePatternValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.core.LogCodePattern(ctx, &types.CodePattern{
		InputPrompt:   "write a binary search",
		GeneratedCode: "func search() {}",
		Result:        types.PatternPass,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = f.core.LogCodePattern(ctx, &types.CodePattern{InputPrompt: "x", Result: "maybe"})
	assert.True(t, errors.Is(err, errors.KindValidation))

	found, err := f.core.SearchCodePatterns(ctx, "binary", types.PatternPass, 5)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestSummaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored, err := f.core.StoreMemory(ctx, "notes.md", "A fairly long note about the release process.", types.TypeNote)
	require.NoError(t, err)

	_, err = f.core.AttachSummary(ctx, &types.Summary{
		ResourceID:  stored.ResourceID,
		SummaryText: "release process note",
	})
	require.NoError(t, err)

	got, err := f.core.GetSummaries(ctx, stored.ResourceID, "")
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = f.core.AttachSummary(ctx, &types.Summary{SummaryText: "dangling"})
	assert.True(t, errors.Is(err, errors.KindValidation))
}

func TestLinkAndQueryGraph(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.core.StoreDocument(ctx, &documents.StoreRequest{ID: "doc-a", Content: "module a"})
	require.NoError(t, err)
	_, err = f.core.StoreDocument(ctx, &documents.StoreRequest{ID: "doc-b", Content: "module b"})
	require.NoError(t, err)

	require.NoError(t, f.core.LinkResources(ctx, "doc-a", "doc-b", "DEPENDS_ON"))

	rels, err := f.core.QueryGraph(ctx, "doc-a", "DEPENDS_ON")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "doc-a", rels[0].SourceID)
	assert.Equal(t, "doc-b", rels[0].TargetID)
	assert.Equal(t, "DEPENDS_ON", rels[0].Type)
}

func TestConsistencyRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.core.StoreDocument(ctx, &documents.StoreRequest{ID: "doc-1", Content: "stable content"})
	require.NoError(t, err)

	report, err := f.core.CheckConsistency(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)

	// diverge the cache copy
	divergent := &types.DocumentPayload{
		ID:          "doc-1",
		Content:     "stale content",
		ContentHash: types.HashContent("stale content"),
		UpdatedAt:   time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.cache.Store(ctx, "doc-1", divergent))

	report, err = f.core.CheckConsistency(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)

	repair, err := f.core.SynchronizeDocument(ctx, "doc-1", consistency.PolicyPrimary)
	require.NoError(t, err)
	assert.NotEmpty(t, repair.Repaired)

	report, err = f.core.CheckConsistency(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestStoreContextLinksValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.core.StoreContextLinks(ctx, 0, []int64{1})
	assert.True(t, errors.Is(err, errors.KindValidation))

	_, err = f.core.StoreContextLinks(ctx, 1, nil)
	assert.True(t, errors.Is(err, errors.KindValidation))
}
