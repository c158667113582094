// Package thoughts implements sequential reasoning chains: immutable
// ULID-identified thoughts linked by FOLLOWS edges, with a cached session
// head pointer and integrity-verified chain walks.
package thoughts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oldnordic/ltmc/internal/coordinator"
	"github.com/oldnordic/ltmc/internal/embeddings"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/pkg/types"
)

const (
	// followsEdge links a thought to its predecessor in the graph.
	followsEdge = "FOLLOWS"
	headTTL     = 24 * time.Hour
	// maxChainWalk bounds GetChain against pathological chains.
	maxChainWalk = 10000
)

// CreateRequest describes one new thought. PreviousThoughtID and
// StepNumber are the caller's view of the chain; the committed link always
// points at the actual head, and a stale view is recorded in metadata
// rather than rejected.
type CreateRequest struct {
	SessionID         string            `json:"session_id"`
	Content           string            `json:"content"`
	Type              types.ThoughtType `json:"type,omitempty"`
	PreviousThoughtID string            `json:"previous_thought_id,omitempty"`
	StepNumber        int               `json:"step_number,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// head is the cached session head pointer.
type head struct {
	ULID string `json:"ulid"`
	Step int    `json:"step"`
}

// SimilarThought is one semantic hit over past thoughts.
type SimilarThought struct {
	Thought types.Thought `json:"thought"`
	Score   float64       `json:"score"`
}

// ChainAnalysis summarises a session's chain.
type ChainAnalysis struct {
	SessionID     string                    `json:"session_id"`
	Length        int                       `json:"length"`
	TypeCounts    map[types.ThoughtType]int `json:"type_counts"`
	FirstAt       time.Time                 `json:"first_at"`
	LastAt        time.Time                 `json:"last_at"`
	IntegrityOK   bool                      `json:"integrity_ok"`
	BrokenLinks   []string                  `json:"broken_links,omitempty"`
	HasConclusion bool                      `json:"has_conclusion"`
}

// Service is the thought-chain engine.
type Service struct {
	stores   *storage.Set
	coord    *coordinator.Coordinator
	embedder embeddings.Service
	logger   logging.Logger
}

// New creates the engine.
func New(stores *storage.Set, coord *coordinator.Coordinator, embedder embeddings.Service, logger logging.Logger) *Service {
	return &Service{
		stores:   stores,
		coord:    coord,
		embedder: embedder,
		logger:   logger.WithComponent("thoughts"),
	}
}

// createAttempts bounds the retry loop when a concurrent append takes the
// step this attempt derived.
const createAttempts = 3

// CreateThought appends a thought to the session chain in one strong
// transaction: the immutable row, its embedding, the FOLLOWS edge and the
// cached head pointer all commit or none do. The head is read before the
// transaction acquires the session lock, so a unique (session, step)
// constraint in the transactional store catches the race; a conflicting
// append re-reads the head and retries.
func (s *Service) CreateThought(ctx context.Context, req *CreateRequest) (*types.Thought, error) {
	if err := types.ValidateIdentifier("session id", req.SessionID); err != nil {
		return nil, err
	}
	if req.Content == "" {
		return nil, errors.Validation("thought content must not be empty")
	}
	if req.PreviousThoughtID != "" {
		claimed, err := s.stores.Transactional.GetThought(ctx, req.PreviousThoughtID)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, errors.Validation("previous thought %s does not exist", req.PreviousThoughtID)
			}
			return nil, err
		}
		if claimed.SessionID != req.SessionID {
			return nil, errors.Validation("previous thought %s belongs to session %s, not %s",
				req.PreviousThoughtID, claimed.SessionID, req.SessionID)
		}
	}

	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		thought, err := s.appendThought(ctx, req)
		if err == nil {
			return thought, nil
		}
		if !errors.Is(err, errors.KindConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Service) appendThought(ctx context.Context, req *CreateRequest) (*types.Thought, error) {
	thoughtType := req.Type
	step := 1
	prevULID := ""
	prev, err := s.stores.Transactional.LatestThought(ctx, req.SessionID)
	switch {
	case err == nil:
		step = prev.StepNumber + 1
		prevULID = prev.ULID
		if thoughtType == "" {
			thoughtType = types.ThoughtTypeIntermediate
		}
	case errors.IsNotFound(err):
		if thoughtType == "" {
			thoughtType = types.ThoughtTypeProblem
		}
	default:
		return nil, err
	}
	if !thoughtType.Valid() {
		return nil, errors.Validation("unknown thought type %q", thoughtType)
	}

	vectorID, err := s.stores.Transactional.AllocateVectorID(ctx)
	if err != nil {
		return nil, err
	}
	vector, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["vector_id"] = vectorID
	// A stale caller view is recorded, not rejected: duplicate submissions
	// must both append without forking the chain.
	if req.PreviousThoughtID != "" && req.PreviousThoughtID != prevULID {
		metadata["superseded_previous_id"] = req.PreviousThoughtID
	}
	if req.StepNumber > 0 && req.StepNumber != step {
		metadata["requested_step"] = req.StepNumber
	}

	thought := &types.Thought{
		ULID:              ulid.Make().String(),
		SessionID:         req.SessionID,
		Content:           req.Content,
		ContentHash:       types.HashContent(req.Content),
		PreviousThoughtID: prevULID,
		StepNumber:        step,
		Type:              thoughtType,
		CreatedAt:         time.Now().UTC(),
		Metadata:          metadata,
	}
	if err := thought.Validate(); err != nil {
		return nil, err
	}

	prevHead := s.readHead(ctx, req.SessionID)

	tx := coordinator.NewTransaction(types.LevelStrong, req.SessionID)
	tx.Add(coordinator.Operation{
		Target: storage.KindTransactional,
		Name:   "insert_thought",
		Forward: func(ctx context.Context) error {
			return s.stores.Transactional.InsertThought(ctx, thought)
		},
		Compensate: func(ctx context.Context) error {
			return s.stores.Transactional.DeleteThought(ctx, thought.ULID)
		},
	})
	tx.Add(coordinator.Operation{
		Target: storage.KindVector,
		Name:   "upsert_thought_vector",
		Forward: func(ctx context.Context) error {
			return s.stores.Vector.Upsert(ctx, vectorID, vector, map[string]any{
				"kind":         "thought",
				"thought_ulid": thought.ULID,
				"session_id":   thought.SessionID,
			})
		},
		Compensate: func(ctx context.Context) error {
			return s.stores.Vector.Remove(ctx, vectorID)
		},
	})
	tx.Add(coordinator.Operation{
		Target: storage.KindGraph,
		Name:   "link_thought",
		Forward: func(ctx context.Context) error {
			props := map[string]any{
				"session_id": thought.SessionID,
				"step":       thought.StepNumber,
				"type":       string(thought.Type),
				"hash":       thought.ContentHash,
			}
			if err := s.stores.Graph.UpsertNode(ctx, thought.ULID, []string{"Thought"}, props); err != nil {
				return err
			}
			if prevULID == "" {
				return nil
			}
			return s.stores.Graph.UpsertEdge(ctx, thought.ULID, prevULID, followsEdge, nil)
		},
		Compensate: func(ctx context.Context) error {
			return s.stores.Graph.DeleteNode(ctx, thought.ULID)
		},
	})
	tx.Add(coordinator.Operation{
		Target: storage.KindCache,
		Name:   "advance_head",
		Forward: func(ctx context.Context) error {
			return s.writeHead(ctx, req.SessionID, &head{ULID: thought.ULID, Step: thought.StepNumber})
		},
		Compensate: func(ctx context.Context) error {
			if prevHead == nil {
				return s.stores.Cache.DeleteKey(ctx, storage.SessionHeadKey(req.SessionID))
			}
			return s.writeHead(ctx, req.SessionID, prevHead)
		},
	})

	outcome := s.coord.Execute(ctx, tx)
	if outcome.Status != coordinator.OutcomeSuccess {
		return nil, outcome.Err
	}
	s.logger.InfoContext(ctx, "thought appended",
		"session_id", req.SessionID, "ulid", thought.ULID, "step", step, "type", string(thoughtType))
	return thought, nil
}

// GetThought loads one thought and verifies its content hash.
func (s *Service) GetThought(ctx context.Context, thoughtULID string) (*types.Thought, error) {
	if _, err := ulid.ParseStrict(thoughtULID); err != nil {
		return nil, errors.Validation("invalid thought ulid %q", thoughtULID)
	}
	t, err := s.stores.Transactional.GetThought(ctx, thoughtULID)
	if err != nil {
		return nil, err
	}
	if !t.VerifyIntegrity() {
		return nil, errors.New(errors.KindIntegrityFailure,
			"thought %s content does not match its hash", thoughtULID)
	}
	return t, nil
}

// GetChain walks the session chain head-first and returns it in
// chronological order. A visited set makes accidental cycles terminate
// with an integrity error instead of looping.
func (s *Service) GetChain(ctx context.Context, sessionID string) ([]types.Thought, error) {
	if err := types.ValidateIdentifier("session id", sessionID); err != nil {
		return nil, err
	}

	headULID := ""
	if h := s.readHead(ctx, sessionID); h != nil {
		headULID = h.ULID
	}
	if headULID == "" {
		latest, err := s.stores.Transactional.LatestThought(ctx, sessionID)
		if err != nil {
			if errors.IsNotFound(err) {
				return []types.Thought{}, nil
			}
			return nil, err
		}
		headULID = latest.ULID
	}

	visited := make(map[string]bool)
	var reversed []types.Thought
	current := headULID
	for current != "" && len(reversed) < maxChainWalk {
		if visited[current] {
			return nil, errors.New(errors.KindIntegrityFailure,
				"chain of session %s contains a cycle at %s", sessionID, current)
		}
		visited[current] = true

		t, err := s.stores.Transactional.GetThought(ctx, current)
		if err != nil {
			return nil, errors.Wrap(errors.KindIntegrityFailure, err,
				"chain of session %s has a broken link at %s", sessionID, current)
		}
		if !t.VerifyIntegrity() {
			return nil, errors.New(errors.KindIntegrityFailure,
				"thought %s content does not match its hash", current)
		}
		reversed = append(reversed, *t)
		current = t.PreviousThoughtID
	}

	chain := make([]types.Thought, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		chain = append(chain, reversed[i])
	}
	return chain, nil
}

// FindSimilar searches past thoughts semantically. With a session id, same
// session hits get the chain locality bonus.
func (s *Service) FindSimilar(ctx context.Context, query, sessionID string, k int) ([]SimilarThought, error) {
	if query == "" {
		return nil, errors.Validation("query must not be empty")
	}
	if k <= 0 {
		k = 5
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := s.stores.Vector.SearchVectors(ctx, vector, k*2, map[string]string{"kind": "thought"})
	if err != nil {
		return nil, err
	}

	weights, err := s.stores.Transactional.GetSearchWeights(ctx)
	if err != nil {
		weights = types.DefaultSearchWeights()
	}

	out := make([]SimilarThought, 0, len(matches))
	for _, m := range matches {
		thoughtULID, _ := m.Metadata["thought_ulid"].(string)
		if thoughtULID == "" {
			continue
		}
		t, err := s.stores.Transactional.GetThought(ctx, thoughtULID)
		if err != nil {
			continue // stale vector entry; reconciliation will remove it
		}
		score := m.Score
		if sessionID != "" && t.SessionID == sessionID {
			score += weights.Epsilon
		}
		out = append(out, SimilarThought{Thought: *t, Score: score})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// AnalyzeChain walks the chain and reports its shape and integrity.
func (s *Service) AnalyzeChain(ctx context.Context, sessionID string) (*ChainAnalysis, error) {
	analysis := &ChainAnalysis{
		SessionID:   sessionID,
		TypeCounts:  make(map[types.ThoughtType]int),
		IntegrityOK: true,
	}
	chain, err := s.GetChain(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errors.KindIntegrityFailure) {
			analysis.IntegrityOK = false
			analysis.BrokenLinks = append(analysis.BrokenLinks, err.Error())
			return analysis, nil
		}
		return nil, err
	}
	analysis.Length = len(chain)
	for _, t := range chain {
		analysis.TypeCounts[t.Type]++
		if t.Type == types.ThoughtTypeConclusion {
			analysis.HasConclusion = true
		}
	}
	if len(chain) > 0 {
		analysis.FirstAt = chain[0].CreatedAt
		analysis.LastAt = chain[len(chain)-1].CreatedAt
	}
	return analysis, nil
}

// Depth reports the session's current chain depth: zero for a fresh
// session, otherwise the head's step number.
func (s *Service) Depth(ctx context.Context, sessionID string) (int, error) {
	if h := s.readHead(ctx, sessionID); h != nil {
		return h.Step, nil
	}
	latest, err := s.stores.Transactional.LatestThought(ctx, sessionID)
	if err != nil {
		if errors.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return latest.StepNumber, nil
}

func (s *Service) readHead(ctx context.Context, sessionID string) *head {
	data, err := s.stores.Cache.Get(ctx, storage.SessionHeadKey(sessionID))
	if err != nil {
		return nil
	}
	var h head
	if err := json.Unmarshal(data, &h); err != nil {
		return nil
	}
	return &h
}

func (s *Service) writeHead(ctx context.Context, sessionID string, h *head) error {
	data, err := json.Marshal(h)
	if err != nil {
		return errors.Internal("encoding head pointer: %v", err)
	}
	return s.stores.Cache.Set(ctx, storage.SessionHeadKey(sessionID), data, headTTL)
}
