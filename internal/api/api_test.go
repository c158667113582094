package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldnordic/ltmc/internal/chunking"
	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/consistency"
	"github.com/oldnordic/ltmc/internal/contextinfer"
	"github.com/oldnordic/ltmc/internal/coordinator"
	"github.com/oldnordic/ltmc/internal/documents"
	"github.com/oldnordic/ltmc/internal/embeddings"
	"github.com/oldnordic/ltmc/internal/ingest"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/operations"
	"github.com/oldnordic/ltmc/internal/retrieval"
	"github.com/oldnordic/ltmc/internal/retry"
	"github.com/oldnordic/ltmc/internal/safety"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/internal/thoughts"
)

type fixture struct {
	server *httptest.Server
	graph  *storage.MemGraphStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	logger := logging.Default()
	set, sql, _, graph, _ := storage.NewMemSet(32)

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

	core := operations.New(set,
		documents.New(set, coord, embedder, 15*time.Minute, "test:events", logger),
		ingest.New(set, coord, chunking.New(chunking.Config{}), embedder, logger),
		retrieval.New(set, embedder, logger),
		thoughts.New(set, coord, embedder, logger),
		consistency.New(set, coord, embedder, logger),
		safety.New(cfg.Safety, logger),
		contextinfer.New(sql, logger),
		logger)

	srv := httptest.NewServer(NewServer(cfg, core, set, logger).Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, graph: graph}
}

type apiEnvelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	ErrorKind string          `json:"error_kind"`
	Message   string          `json:"message"`
	Details   map[string]any  `json:"details"`
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, *apiEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env apiEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, &env
}

func TestHealthReportsAllBackends(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)

	var data struct {
		Status   string                     `json:"status"`
		Backends map[string]json.RawMessage `json:"backends"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "healthy", data.Status)
	assert.Len(t, data.Backends, 4)
}

func TestHealthDegradesWhenBackendDown(t *testing.T) {
	f := newFixture(t)
	f.graph.SetDown(true)

	resp, env := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var data struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "degraded", data.Status)
}

func TestStoreAndRetrieveMemory(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodPost, "/api/v1/memory", map[string]any{
		"file_name": "ml.md",
		"content":   "Machine learning is a subset of AI. It trains models on data.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.Success)

	var stored struct {
		ResourceID string `json:"resource_id"`
		ChunkCount int    `json:"chunk_count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stored))
	assert.Equal(t, 2, stored.ChunkCount)

	resp, env = f.do(t, http.MethodPost, "/api/v1/memory/retrieve", map[string]any{
		"conversation_id": "conv-1",
		"query":           "What is machine learning?",
		"top_k":           2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var retrieved struct {
		Context string            `json:"context"`
		Chunks  []json.RawMessage `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &retrieved))
	assert.NotEmpty(t, retrieved.Chunks)
	assert.NotEmpty(t, retrieved.Context)
}

func TestQueryGraphWithoutRelationTypeListsAllEdges(t *testing.T) {
	f := newFixture(t)

	for _, doc := range []string{"doc-a", "doc-b", "doc-c"} {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/documents", map[string]any{
			"id": doc, "content": "body of " + doc,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, _ := f.do(t, http.MethodPost, "/api/v1/graph/link", map[string]any{
		"source_id": "doc-a", "target_id": "doc-b", "relation": "REFERENCES",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/graph/link", map[string]any{
		"source_id": "doc-a", "target_id": "doc-c", "relation": "SUPERSEDES",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// no relation_type: every edge around the entity comes back
	resp, env := f.do(t, http.MethodGet, "/api/v1/graph/doc-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all struct {
		Relationships []struct {
			Type string `json:"type"`
		} `json:"relationships"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &all))
	assert.Len(t, all.Relationships, 2)

	resp, env = f.do(t, http.MethodGet, "/api/v1/graph/doc-a?relation_type=REFERENCES", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var filtered struct {
		Relationships []struct {
			Type string `json:"type"`
		} `json:"relationships"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &filtered))
	require.Len(t, filtered.Relationships, 1)
	assert.Equal(t, "REFERENCES", filtered.Relationships[0].Type)
}

func TestValidationErrorEnvelope(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodPost, "/api/v1/memory", map[string]any{
		"file_name": "",
		"content":   "body without a name",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, env.Success)
	assert.Equal(t, "VALIDATION", env.ErrorKind)
	assert.NotEmpty(t, env.Message)
}

func TestRecursionBlockedMapsTo429(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 10; i++ {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/thoughts", map[string]any{
			"session_id": "sess-deep",
			"content":    fmt.Sprintf("distinct reasoning step %d", i),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, "thought %d", i)
	}

	resp, env := f.do(t, http.MethodPost, "/api/v1/thoughts", map[string]any{
		"session_id": "sess-deep",
		"content":    "the eleventh step",
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RECURSION_BLOCKED", env.ErrorKind)
	assert.EqualValues(t, 10, env.Details["depth"])
	assert.Equal(t, "reset-chain", env.Details["recovery_strategy"])
}

func TestGraphQueryRejectsWriteClause(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodPost, "/api/v1/graph/query", map[string]any{
		"expression": "MATCH (n) DELETE n",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", env.ErrorKind)
}

func TestDocumentRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/documents", map[string]any{
		"id":      "doc-1",
		"content": "document body",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, env := f.do(t, http.MethodGet, "/api/v1/documents/doc-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "document body", payload.Content)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/documents/doc-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = f.do(t, http.MethodGet, "/api/v1/documents/doc-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", env.ErrorKind)
}

func TestChainEndpoints(t *testing.T) {
	f := newFixture(t)

	for _, content := range []string{"first observation", "second observation"} {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/thoughts", map[string]any{
			"session_id": "sess-1",
			"content":    content,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, env := f.do(t, http.MethodGet, "/api/v1/thoughts/chain/sess-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Thoughts []json.RawMessage `json:"thoughts"`
		Analysis struct {
			Length      int  `json:"length"`
			IntegrityOK bool `json:"integrity_ok"`
		} `json:"analysis"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Len(t, result.Thoughts, 2)
	assert.Equal(t, 2, result.Analysis.Length)
	assert.True(t, result.Analysis.IntegrityOK)
}

func TestUnknownFieldRejected(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodPost, "/api/v1/memory", map[string]any{
		"file_name": "x.md",
		"content":   "ok",
		"surprise":  true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", env.ErrorKind)
}
