// Package documents implements the unified document surface: one store,
// retrieve or delete call fans out across all four backends through the
// coordinator.
package documents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oldnordic/ltmc/internal/coordinator"
	"github.com/oldnordic/ltmc/internal/embeddings"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/pkg/types"
)

// Relationship is one typed outgoing edge written together with the
// document.
type Relationship struct {
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// StoreRequest describes one document write.
type StoreRequest struct {
	ID            string                 `json:"id"`
	Content       string                 `json:"content"`
	Tags          []string               `json:"tags,omitempty"`
	Metadata      map[string]any         `json:"metadata,omitempty"`
	Relationships []Relationship         `json:"relationships,omitempty"`
	CacheTTL      time.Duration          `json:"cache_ttl,omitempty"`
	Level         types.ConsistencyLevel `json:"level,omitempty"`
}

// SearchResult is one semantic search hit.
type SearchResult struct {
	Document types.DocumentPayload `json:"document"`
	Score    float64               `json:"score"`
}

// Service coordinates document operations across the backends.
type Service struct {
	stores       *storage.Set
	coord        *coordinator.Coordinator
	embedder     embeddings.Service
	defaultTTL   time.Duration
	eventChannel string
	logger       logging.Logger
}

// New creates the document service.
func New(stores *storage.Set, coord *coordinator.Coordinator, embedder embeddings.Service,
	defaultTTL time.Duration, eventChannel string, logger logging.Logger) *Service {
	return &Service{
		stores:       stores,
		coord:        coord,
		embedder:     embedder,
		defaultTTL:   defaultTTL,
		eventChannel: eventChannel,
		logger:       logger.WithComponent("documents"),
	}
}

// Store writes the document to every backend under the requested
// consistency level. Storing an existing id is an update; on rollback the
// previous version is restored.
func (s *Service) Store(ctx context.Context, req *StoreRequest) (*coordinator.Outcome, error) {
	if err := types.ValidateIdentifier("document id", req.ID); err != nil {
		return nil, err
	}
	if req.Content == "" {
		return nil, errors.Validation("document content must not be empty")
	}
	for _, rel := range req.Relationships {
		if err := types.ValidateIdentifier("relationship target", rel.TargetID); err != nil {
			return nil, err
		}
		if rel.Type == "" {
			return nil, errors.Validation("relationship type must not be empty")
		}
	}
	level := req.Level
	if level == "" {
		level = types.LevelStrong
	}

	payload, err := s.buildPayload(ctx, req)
	if err != nil {
		return nil, err
	}

	tx := coordinator.NewTransaction(level, req.ID)
	for _, op := range s.StoreOps(ctx, req.ID, payload) {
		tx.Add(op)
	}
	if len(req.Relationships) > 0 {
		// Runs after the graph store_document op: same target kind, and
		// ordering is stable for equal kinds.
		rels := req.Relationships
		srcID := req.ID
		tx.Add(coordinator.Operation{
			Target: storage.KindGraph,
			Name:   "link_document",
			Forward: func(ctx context.Context) error {
				for _, rel := range rels {
					if err := s.stores.Graph.UpsertEdge(ctx, srcID, rel.TargetID, rel.Type, rel.Properties); err != nil {
						return err
					}
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				for _, rel := range rels {
					if err := s.stores.Graph.DeleteEdge(ctx, srcID, rel.TargetID, rel.Type); err != nil {
						return err
					}
				}
				return nil
			},
		})
	}

	outcome := s.coord.Execute(ctx, tx)
	if outcome.Err != nil && outcome.Status == coordinator.OutcomeError {
		return outcome, outcome.Err
	}
	s.publishEvent(ctx, "document.stored", req.ID)
	return outcome, nil
}

// StoreOps builds the four store operations for a payload, capturing the
// prior version of each backend for compensation. Shared with the thought
// engine, which embeds document writes inside its own transactions.
func (s *Service) StoreOps(ctx context.Context, entityID string, payload *types.DocumentPayload) []coordinator.Operation {
	ops := make([]coordinator.Operation, 0, len(storage.CommitOrder))
	for _, kind := range storage.CommitOrder {
		adapter := s.stores.ByKind(kind)
		prev := s.priorVersion(ctx, adapter, entityID)
		a := adapter
		ops = append(ops, coordinator.Operation{
			Target: kind,
			Name:   "store_document",
			Forward: func(ctx context.Context) error {
				return a.Store(ctx, entityID, payload)
			},
			Compensate: func(ctx context.Context) error {
				if prev != nil {
					return a.Store(ctx, entityID, prev)
				}
				return a.Delete(ctx, entityID)
			},
		})
	}
	return ops
}

// priorVersion snapshots the backend's current payload for rollback. A
// missing document means rollback deletes.
func (s *Service) priorVersion(ctx context.Context, adapter storage.Adapter, entityID string) *types.DocumentPayload {
	prev, err := adapter.Retrieve(ctx, entityID)
	if err != nil {
		return nil
	}
	return prev
}

func (s *Service) buildPayload(ctx context.Context, req *StoreRequest) (*types.DocumentPayload, error) {
	now := time.Now().UTC()
	payload := types.NewDocumentPayload(req.ID, req.Content)
	payload.Tags = req.Tags
	payload.Metadata = req.Metadata
	payload.CreatedAt = now
	payload.UpdatedAt = now
	payload.CacheTTL = req.CacheTTL
	if payload.CacheTTL <= 0 {
		payload.CacheTTL = s.defaultTTL
	}

	// Updates keep the original creation time and vector id.
	if existing, err := s.stores.Transactional.Retrieve(ctx, req.ID); err == nil {
		payload.CreatedAt = existing.CreatedAt
		payload.VectorID = existing.VectorID
	}
	if payload.VectorID == 0 {
		vectorID, err := s.stores.Transactional.AllocateVectorID(ctx)
		if err != nil {
			return nil, err
		}
		payload.VectorID = vectorID
	}

	vector, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		return nil, err
	}
	payload.Vector = vector
	return payload, nil
}

// Retrieve reads the document, cache first, falling back to the source of
// truth and re-warming the cache on a miss.
func (s *Service) Retrieve(ctx context.Context, id string) (*types.DocumentPayload, error) {
	if err := types.ValidateIdentifier("document id", id); err != nil {
		return nil, err
	}
	if cached, err := s.stores.Cache.Retrieve(ctx, id); err == nil {
		return cached, nil
	}
	payload, err := s.stores.Transactional.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.stores.Cache.Store(ctx, id, payload); err != nil {
		s.logger.Debug("cache re-warm failed", "id", id, "error", err.Error())
	}
	return payload, nil
}

// Delete removes the document from every backend, cache first so stale
// reads cannot be served while the delete is in flight. The captured
// payloads allow full restore on rollback.
func (s *Service) Delete(ctx context.Context, id string, level types.ConsistencyLevel) (*coordinator.Outcome, error) {
	if err := types.ValidateIdentifier("document id", id); err != nil {
		return nil, err
	}
	if level == "" {
		level = types.LevelStrong
	}

	tx := coordinator.NewTransaction(level, id)
	tx.Reverse = true
	for _, kind := range storage.CommitOrder {
		adapter := s.stores.ByKind(kind)
		prev := s.priorVersion(ctx, adapter, id)
		a := adapter
		tx.Add(coordinator.Operation{
			Target: kind,
			Name:   "delete_document",
			Forward: func(ctx context.Context) error {
				return a.Delete(ctx, id)
			},
			Compensate: func(ctx context.Context) error {
				if prev == nil {
					return nil
				}
				return a.Store(ctx, id, prev)
			},
		})
	}

	outcome := s.coord.Execute(ctx, tx)
	if outcome.Err != nil && outcome.Status == coordinator.OutcomeError {
		return outcome, outcome.Err
	}
	s.publishEvent(ctx, "document.deleted", id)
	return outcome, nil
}

// SemanticSearch embeds the query and returns the k nearest documents by
// cosine similarity. Tag filtering happens after hydration, so the vector
// search overfetches 2k candidates to leave room for filtered-out hits.
// An empty index yields an empty slice.
func (s *Service) SemanticSearch(ctx context.Context, query string, k int, filterTags []string) ([]SearchResult, error) {
	if query == "" {
		return nil, errors.Validation("search query must not be empty")
	}
	if k <= 0 {
		k = 10
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := s.stores.Vector.SearchVectors(ctx, vector, k*2, nil)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return []SearchResult{}, nil
	}

	vectorIDs := make([]int64, len(matches))
	scoreByVector := make(map[int64]float64, len(matches))
	for i, m := range matches {
		vectorIDs[i] = m.VectorID
		scoreByVector[m.VectorID] = m.Score
	}
	docs, err := s.stores.Transactional.GetDocumentsByVectorIDs(ctx, vectorIDs)
	if err != nil {
		return nil, err
	}

	byVector := make(map[int64]types.DocumentPayload, len(docs))
	for _, d := range docs {
		byVector[d.VectorID] = d
	}
	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		doc, ok := byVector[m.VectorID]
		if !ok {
			// vector hit without a source-of-truth row; reconciliation
			// will remove the orphan
			continue
		}
		if !hasAllTags(doc.Tags, filterTags) {
			continue
		}
		results = append(results, SearchResult{Document: doc, Score: m.Score})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// hasAllTags reports whether every wanted tag is present.
func hasAllTags(tags, wanted []string) bool {
	for _, w := range wanted {
		found := false
		for _, t := range tags {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Link creates a typed relationship between two documents.
func (s *Service) Link(ctx context.Context, srcID, dstID, relType string, properties map[string]any) error {
	if err := types.ValidateIdentifier("source id", srcID); err != nil {
		return err
	}
	if err := types.ValidateIdentifier("target id", dstID); err != nil {
		return err
	}
	return s.stores.Graph.UpsertEdge(ctx, srcID, dstID, relType, properties)
}

// Traverse walks typed relationships from a start document.
func (s *Service) Traverse(ctx context.Context, startID, edgeType string, dir storage.Direction, maxDepth int) ([]storage.GraphPath, error) {
	if err := types.ValidateIdentifier("start id", startID); err != nil {
		return nil, err
	}
	return s.stores.Graph.Traverse(ctx, startID, edgeType, dir, maxDepth)
}

// GraphQuery runs a read-only graph expression.
func (s *Service) GraphQuery(ctx context.Context, expr string, params map[string]any) ([]map[string]any, error) {
	return s.stores.Graph.ReadQuery(ctx, expr, params)
}

// publishEvent emits an advisory notification; failures are logged only.
func (s *Service) publishEvent(ctx context.Context, event, id string) {
	msg, _ := json.Marshal(map[string]string{"event": event, "id": id, "at": time.Now().UTC().Format(time.RFC3339)})
	if err := s.stores.Cache.Publish(ctx, s.eventChannel, msg); err != nil {
		s.logger.Debug("event publish failed", "event", event, "error", err.Error())
	}
}
