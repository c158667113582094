// Package storage provides the four backend adapters of the memory
// coordinator: the SQL transactional store, the Qdrant vector index, the
// Neo4j graph store and the Redis cache, plus decorators (retry, circuit
// breaker) and in-memory implementations for tests.
package storage

import (
	"context"
	"regexp"
	"time"

	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/pkg/types"
)

// Kind identifies one of the four backends.
type Kind string

const (
	KindTransactional Kind = "transactional"
	KindVector        Kind = "vector"
	KindGraph         Kind = "graph"
	KindCache         Kind = "cache"
)

// CommitOrder is the canonical forward order for multi-store transactions.
// Rollback runs in the reverse order of successful forward operations.
var CommitOrder = []Kind{KindTransactional, KindVector, KindGraph, KindCache}

// OrderIndex returns the position of a kind in the canonical commit order.
func OrderIndex(k Kind) int {
	for i, kind := range CommitOrder {
		if kind == k {
			return i
		}
	}
	return len(CommitOrder)
}

// Adapter is the uniform operation surface every backend exposes to the
// coordinator. Every operation either succeeds fully or fails with a
// classified error; no partial mutation is visible through the same
// adapter afterwards.
type Adapter interface {
	Kind() Kind

	// Store upserts the document payload under the entity id.
	Store(ctx context.Context, entityID string, payload *types.DocumentPayload) error
	// Retrieve returns the payload for the entity id, or a NotFound error.
	Retrieve(ctx context.Context, entityID string) (*types.DocumentPayload, error)
	// Delete removes the entity; deleting an absent entity is not an error.
	Delete(ctx context.Context, entityID string) error
	// IsAvailable is a cheap liveness probe. When it reports false,
	// subsequent operations fail fast with Unavailable.
	IsAvailable(ctx context.Context) bool
}

// TransactionalStore is the source-of-truth adapter over the SQL schema.
type TransactionalStore interface {
	Adapter

	// AllocateVectorID atomically increments the single-row sequence and
	// returns the new value. Allocation is strictly increasing; gaps from
	// aborted transactions are permitted.
	AllocateVectorID(ctx context.Context) (int64, error)
	// LastVectorID reports the highest id allocated so far.
	LastVectorID(ctx context.Context) (int64, error)

	// InsertResourceWithChunks writes the resource row and all chunk rows,
	// allocating one vector id per chunk, inside a single local
	// transaction.
	InsertResourceWithChunks(ctx context.Context, res *types.Resource, chunkTexts []string) ([]types.Chunk, error)
	// GetResource loads a resource row by id.
	GetResource(ctx context.Context, id string) (*types.Resource, error)
	// DeleteResource removes the resource and its chunks, returning the
	// vector ids that must be removed from the vector index.
	DeleteResource(ctx context.Context, id string) ([]int64, error)
	// GetChunksByVectorIDs bulk-loads chunks with their owning resources.
	GetChunksByVectorIDs(ctx context.Context, vectorIDs []int64) ([]types.ChunkWithResource, error)
	// ChunkVectorIDs lists the vector ids of a resource's chunks.
	ChunkVectorIDs(ctx context.Context, resourceID string) ([]int64, error)

	LogChat(ctx context.Context, msg *types.ChatMessage) (int64, error)
	GetChatsByTool(ctx context.Context, sourceTool string, limit int, conversationID string) ([]types.ChatMessage, error)
	CreateContextLinks(ctx context.Context, messageID int64, chunkIDs []int64) (int, error)
	GetContextLinks(ctx context.Context, messageID int64) ([]types.ContextLink, error)
	// ConversationChunkIDs returns the chunk ids already linked to any
	// message of the conversation, for locality scoring.
	ConversationChunkIDs(ctx context.Context, conversationID string) (map[int64]bool, error)

	AddTodo(ctx context.Context, todo *types.Todo) (int64, error)
	ListTodos(ctx context.Context, status string, limit int) ([]types.Todo, error)
	CompleteTodo(ctx context.Context, id int64) error
	SearchTodos(ctx context.Context, query string, limit int) ([]types.Todo, error)

	LogCodePattern(ctx context.Context, p *types.CodePattern) (int64, error)
	SearchCodePatterns(ctx context.Context, query string, result types.PatternResult, limit int) ([]types.CodePattern, error)

	AttachSummary(ctx context.Context, s *types.Summary) (int64, error)
	GetSummaries(ctx context.Context, resourceID, docID string) ([]types.Summary, error)

	InsertThought(ctx context.Context, t *types.Thought) error
	// DeleteThought exists for transaction rollback only; committed
	// thoughts are immutable.
	DeleteThought(ctx context.Context, ulid string) error
	GetThought(ctx context.Context, ulid string) (*types.Thought, error)
	GetThoughtByStep(ctx context.Context, sessionID string, step int) (*types.Thought, error)
	LatestThought(ctx context.Context, sessionID string) (*types.Thought, error)
	ListSessionThoughts(ctx context.Context, sessionID string, limit int) ([]types.Thought, error)
	// LatestSessionSince returns the most recent session id with a thought
	// inside the window, for autonomous context recovery.
	LatestSessionSince(ctx context.Context, window time.Duration) (string, error)

	GetSearchWeights(ctx context.Context) (types.SearchWeights, error)

	// GetDocumentsByVectorIDs bulk-loads composite documents by vector id.
	GetDocumentsByVectorIDs(ctx context.Context, vectorIDs []int64) ([]types.DocumentPayload, error)

	// ListDocumentIDs pages document ids for the consistency batch scan.
	ListDocumentIDs(ctx context.Context, afterID string, limit int) ([]string, error)

	Close() error
}

// VectorMatch is one nearest-neighbour hit with the point's payload.
type VectorMatch struct {
	VectorID int64          `json:"vector_id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VectorIndex is the dense-embedding adapter. The external key is the
// sequential vector id; the metric is cosine over L2-normalised vectors,
// fixed system-wide.
type VectorIndex interface {
	Adapter

	Upsert(ctx context.Context, vectorID int64, vector []float32, metadata map[string]any) error
	SearchVectors(ctx context.Context, query []float32, k int, filter map[string]string) ([]VectorMatch, error)
	Remove(ctx context.Context, vectorID int64) error
	// Dimension is fixed at init; mixed-dimension vectors are rejected.
	Dimension() int
	Close() error
}

// Direction selects edge traversal direction.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// GraphEdge is one traversed relationship.
type GraphEdge struct {
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// GraphPath is a sequence of node ids with the edges between them.
type GraphPath struct {
	NodeIDs []string    `json:"node_ids"`
	Edges   []GraphEdge `json:"edges"`
}

// GraphStore is the typed-relationship adapter.
type GraphStore interface {
	Adapter

	UpsertNode(ctx context.Context, id string, labels []string, properties map[string]any) error
	UpsertEdge(ctx context.Context, srcID, dstID, relType string, properties map[string]any) error
	DeleteEdge(ctx context.Context, srcID, dstID, relType string) error
	DeleteNode(ctx context.Context, id string) error
	// Traverse walks edges from the start node; an empty edge type is
	// unfiltered.
	Traverse(ctx context.Context, startID, edgeType string, dir Direction, maxDepth int) ([]GraphPath, error)
	// ReadQuery executes a read-only expression; write expressions are
	// rejected with a Validation error before any backend invocation.
	ReadQuery(ctx context.Context, expr string, params map[string]any) ([]map[string]any, error)
	Close() error
}

// CacheStore is the TTL key-value adapter. The cache is advisory: losing an
// entry never causes incorrectness, only extra reads.
type CacheStore interface {
	Adapter

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	DeleteKey(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Publish(ctx context.Context, channel string, message []byte) error
	Close() error
}

// Set is the handle record of all four adapters, constructed at process
// init and passed explicitly through the coordinator.
type Set struct {
	Transactional TransactionalStore
	Vector        VectorIndex
	Graph         GraphStore
	Cache         CacheStore
}

// ByKind returns the uniform adapter for a backend kind.
func (s *Set) ByKind(k Kind) Adapter {
	switch k {
	case KindTransactional:
		return s.Transactional
	case KindVector:
		return s.Vector
	case KindGraph:
		return s.Graph
	case KindCache:
		return s.Cache
	}
	return nil
}

// DocCacheKey is the cache key for a composite document.
func DocCacheKey(id string) string { return "doc:" + id }

// SessionHeadKey is the cache key of a session's latest-thought pointer.
func SessionHeadKey(sessionID string) string { return "session:" + sessionID + ":head" }

var writeClausePattern = regexp.MustCompile(`(?i)\b(CREATE|DELETE|DETACH|MERGE|SET|REMOVE|DROP|CALL\s+db\.|FOREACH|LOAD\s+CSV)\b`)

// ValidateReadOnlyExpr rejects graph expressions containing write clauses.
// The check runs before any backend invocation.
func ValidateReadOnlyExpr(expr string) error {
	if m := writeClausePattern.FindString(expr); m != "" {
		return errors.Validation("graph expression contains write clause %q", m).
			WithAdapter(string(KindGraph))
	}
	return nil
}
