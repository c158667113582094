// Package ingest stores resources: content is chunked, each chunk gets a
// sequential vector id and an embedding, and the resource lands in the
// transactional store, the vector index and the graph in one transaction.
package ingest

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oldnordic/ltmc/internal/chunking"
	"github.com/oldnordic/ltmc/internal/coordinator"
	"github.com/oldnordic/ltmc/internal/embeddings"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/pkg/types"
)

// queryCachePrefix is where retrieval caches search results; ingestion
// invalidates it because new chunks change what queries should return.
const queryCachePrefix = "query:"

// AddRequest describes one resource to ingest.
type AddRequest struct {
	ID       string             `json:"id,omitempty"`
	FileName string             `json:"file_name"`
	Type     types.ResourceType `json:"type,omitempty"`
	Content  string             `json:"content"`
}

// AddResult reports what was stored.
type AddResult struct {
	ResourceID string  `json:"resource_id"`
	ChunkCount int     `json:"chunk_count"`
	VectorIDs  []int64 `json:"vector_ids"`
}

// Service is the ingestion pipeline.
type Service struct {
	stores   *storage.Set
	coord    *coordinator.Coordinator
	chunker  *chunking.Chunker
	embedder embeddings.Service
	logger   logging.Logger
}

// New creates the pipeline.
func New(stores *storage.Set, coord *coordinator.Coordinator, chunker *chunking.Chunker,
	embedder embeddings.Service, logger logging.Logger) *Service {
	return &Service{
		stores:   stores,
		coord:    coord,
		chunker:  chunker,
		embedder: embedder,
		logger:   logger.WithComponent("ingest"),
	}
}

// AddResource chunks, embeds and stores the resource. The whole pipeline
// is one strong transaction: a failure at any stage leaves no partial
// resource behind.
func (s *Service) AddResource(ctx context.Context, req *AddRequest) (*AddResult, error) {
	if req.FileName == "" {
		return nil, errors.Validation("file name must not be empty")
	}
	if req.Content == "" {
		return nil, errors.Validation("resource content must not be empty")
	}
	resourceType := req.Type
	if resourceType == "" {
		resourceType = types.TypeDocument
	}
	if !resourceType.Valid() {
		return nil, errors.Validation("unknown resource type %q", resourceType)
	}
	resourceID := req.ID
	if resourceID == "" {
		resourceID = "res_" + ulid.Make().String()
	}
	if err := types.ValidateIdentifier("resource id", resourceID); err != nil {
		return nil, err
	}

	chunkTexts := s.chunker.Split(req.Content)
	if len(chunkTexts) == 0 {
		return nil, errors.Validation("content produced no chunks")
	}
	vectors, err := s.embedder.EmbedBatch(ctx, chunkTexts)
	if err != nil {
		return nil, err
	}

	res := &types.Resource{
		ID:        resourceID,
		FileName:  req.FileName,
		Type:      resourceType,
		CreatedAt: time.Now().UTC(),
		Content:   req.Content,
	}

	// filled by the transactional operation, consumed by the vector one;
	// strong transactions run operations sequentially in commit order
	var chunks []types.Chunk

	tx := coordinator.NewTransaction(types.LevelStrong, resourceID)
	tx.Add(coordinator.Operation{
		Target: storage.KindTransactional,
		Name:   "insert_resource",
		Forward: func(ctx context.Context) error {
			inserted, err := s.stores.Transactional.InsertResourceWithChunks(ctx, res, chunkTexts)
			if err != nil {
				return err
			}
			chunks = inserted
			return nil
		},
		Compensate: func(ctx context.Context) error {
			_, err := s.stores.Transactional.DeleteResource(ctx, resourceID)
			return err
		},
	})
	tx.Add(coordinator.Operation{
		Target: storage.KindVector,
		Name:   "upsert_chunk_vectors",
		Forward: func(ctx context.Context) error {
			for i, chunk := range chunks {
				metadata := map[string]any{
					"resource_id": resourceID,
					"chunk_id":    chunk.ID,
					"type":        string(resourceType),
				}
				if err := s.stores.Vector.Upsert(ctx, chunk.VectorID, vectors[i], metadata); err != nil {
					return err
				}
			}
			return nil
		},
		Compensate: func(ctx context.Context) error {
			for _, chunk := range chunks {
				if err := s.stores.Vector.Remove(ctx, chunk.VectorID); err != nil {
					return err
				}
			}
			return nil
		},
	})
	tx.Add(coordinator.Operation{
		Target: storage.KindGraph,
		Name:   "upsert_resource_node",
		Forward: func(ctx context.Context) error {
			return s.stores.Graph.UpsertNode(ctx, resourceID, []string{"Resource"}, map[string]any{
				"file_name":  req.FileName,
				"type":       string(resourceType),
				"created_at": res.CreatedAt.UnixNano(),
			})
		},
		Compensate: func(ctx context.Context) error {
			return s.stores.Graph.DeleteNode(ctx, resourceID)
		},
	})
	tx.Add(coordinator.Operation{
		Target: storage.KindCache,
		Name:   "invalidate_query_cache",
		Forward: func(ctx context.Context) error {
			return s.stores.Cache.DeletePrefix(ctx, queryCachePrefix)
		},
	})

	outcome := s.coord.Execute(ctx, tx)
	if outcome.Status != coordinator.OutcomeSuccess {
		return nil, outcome.Err
	}

	result := &AddResult{ResourceID: resourceID, ChunkCount: len(chunks)}
	for _, chunk := range chunks {
		result.VectorIDs = append(result.VectorIDs, chunk.VectorID)
	}
	s.logger.InfoContext(ctx, "resource ingested",
		"resource_id", resourceID, "chunks", len(chunks), "type", string(resourceType))
	return result, nil
}

// DeleteResource removes the resource, its chunk vectors, its graph node
// and any stale query cache entries.
func (s *Service) DeleteResource(ctx context.Context, resourceID string) error {
	if err := types.ValidateIdentifier("resource id", resourceID); err != nil {
		return err
	}
	if _, err := s.stores.Transactional.GetResource(ctx, resourceID); err != nil {
		return err
	}

	var vectorIDs []int64
	tx := coordinator.NewTransaction(types.LevelStrong, resourceID)
	tx.Reverse = true
	tx.Add(coordinator.Operation{
		Target: storage.KindCache,
		Name:   "invalidate_query_cache",
		Forward: func(ctx context.Context) error {
			return s.stores.Cache.DeletePrefix(ctx, queryCachePrefix)
		},
	})
	tx.Add(coordinator.Operation{
		Target: storage.KindGraph,
		Name:   "delete_resource_node",
		Forward: func(ctx context.Context) error {
			return s.stores.Graph.DeleteNode(ctx, resourceID)
		},
	})
	tx.Add(coordinator.Operation{
		Target: storage.KindVector,
		Name:   "remove_chunk_vectors",
		Forward: func(ctx context.Context) error {
			// vector ids come from the transactional store, read before
			// its own delete runs last
			ids, err := s.stores.Transactional.ChunkVectorIDs(ctx, resourceID)
			if err != nil {
				return err
			}
			vectorIDs = ids
			for _, id := range ids {
				if err := s.stores.Vector.Remove(ctx, id); err != nil {
					return err
				}
			}
			return nil
		},
	})
	tx.Add(coordinator.Operation{
		Target: storage.KindTransactional,
		Name:   "delete_resource",
		Forward: func(ctx context.Context) error {
			_, err := s.stores.Transactional.DeleteResource(ctx, resourceID)
			return err
		},
	})

	outcome := s.coord.Execute(ctx, tx)
	if outcome.Status != coordinator.OutcomeSuccess {
		return outcome.Err
	}
	s.logger.InfoContext(ctx, "resource deleted", "resource_id", resourceID, "vectors", len(vectorIDs))
	return nil
}
