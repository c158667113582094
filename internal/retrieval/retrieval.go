// Package retrieval answers queries with context: vector search over
// chunks, weighted re-ranking, chat logging and message-to-chunk context
// links.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/oldnordic/ltmc/internal/embeddings"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/pkg/types"
)

const (
	defaultTopK = 5
	// overfetchFactor widens the vector search so re-ranking has
	// candidates to promote.
	overfetchFactor = 3
	queryCacheTTL   = 2 * time.Minute
)

// typeBoost orders resource types by how often agents want them back.
var typeBoost = map[types.ResourceType]float64{
	types.TypeCode:     1.0,
	types.TypeSummary:  0.9,
	types.TypeDocument: 0.8,
	types.TypeNote:     0.6,
}

// Request is one contextual query.
type Request struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	SourceTool     string `json:"source_tool,omitempty"`
	AgentName      string `json:"agent_name,omitempty"`
	TopK           int    `json:"top_k,omitempty"`
}

// ScoredChunk is one ranked hit with its score decomposition.
type ScoredChunk struct {
	types.RetrievedChunk
	Similarity float64 `json:"similarity"`
	Recency    float64 `json:"recency"`
	TypeBoost  float64 `json:"type_boost"`
	Locality   float64 `json:"locality"`
}

// Response is the full answer. Context is the chunk texts joined in rank
// order, ready to paste into a prompt; it is empty when nothing matched.
type Response struct {
	Query        string        `json:"query"`
	Context      string        `json:"context"`
	Chunks       []ScoredChunk `json:"chunks"`
	MessageID    int64         `json:"message_id,omitempty"`
	LinksCreated int           `json:"links_created"`
}

// assembleContext concatenates chunk texts in rank order, newline separated.
func assembleContext(chunks []ScoredChunk) string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return strings.Join(texts, "\n")
}

// Service executes contextual retrieval.
type Service struct {
	stores   *storage.Set
	embedder embeddings.Service
	logger   logging.Logger
}

// New creates the service.
func New(stores *storage.Set, embedder embeddings.Service, logger logging.Logger) *Service {
	return &Service{stores: stores, embedder: embedder, logger: logger.WithComponent("retrieval")}
}

// AskWithContext runs the full pipeline: search, re-rank, log the query
// as a chat turn and link the returned chunks to it. An empty index gives
// a deterministic empty answer; the chat turn is still logged.
func (s *Service) AskWithContext(ctx context.Context, req *Request) (*Response, error) {
	if req.Query == "" {
		return nil, errors.Validation("query must not be empty")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	chunks, err := s.search(ctx, req, topK)
	if err != nil {
		return nil, err
	}

	resp := &Response{Query: req.Query, Context: assembleContext(chunks), Chunks: chunks}
	if req.ConversationID != "" {
		messageID, links, err := s.logQuery(ctx, req, chunks)
		if err != nil {
			return nil, err
		}
		resp.MessageID = messageID
		resp.LinksCreated = links
	}
	return resp, nil
}

// Search runs vector search and weighted re-ranking without the chat side
// effects.
func (s *Service) Search(ctx context.Context, query, conversationID string, topK int) ([]ScoredChunk, error) {
	if query == "" {
		return nil, errors.Validation("query must not be empty")
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	return s.search(ctx, &Request{Query: query, ConversationID: conversationID}, topK)
}

func (s *Service) search(ctx context.Context, req *Request, topK int) ([]ScoredChunk, error) {
	if cached, ok := s.cachedResult(ctx, req, topK); ok {
		return cached, nil
	}

	vector, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	matches, err := s.stores.Vector.SearchVectors(ctx, vector, topK*overfetchFactor, nil)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return []ScoredChunk{}, nil
	}

	vectorIDs := make([]int64, len(matches))
	simByVector := make(map[int64]float64, len(matches))
	for i, m := range matches {
		vectorIDs[i] = m.VectorID
		simByVector[m.VectorID] = m.Score
	}
	rows, err := s.stores.Transactional.GetChunksByVectorIDs(ctx, vectorIDs)
	if err != nil {
		return nil, err
	}

	weights, err := s.stores.Transactional.GetSearchWeights(ctx)
	if err != nil {
		weights = types.DefaultSearchWeights()
	}

	var conversationChunks map[int64]bool
	if req.ConversationID != "" {
		conversationChunks, err = s.stores.Transactional.ConversationChunkIDs(ctx, req.ConversationID)
		if err != nil {
			s.logger.Debug("conversation locality unavailable", "error", err.Error())
		}
	}

	now := time.Now().UTC()
	scored := make([]ScoredChunk, 0, len(rows))
	for _, row := range rows {
		sc := ScoredChunk{
			RetrievedChunk: types.RetrievedChunk{
				ChunkID:    row.ID,
				ResourceID: row.ResourceID,
				FileName:   row.FileName,
				VectorID:   row.VectorID,
				Text:       row.Text,
			},
			Similarity: simByVector[row.VectorID],
			Recency:    recencyScore(now, row.CreatedAt),
			TypeBoost:  typeBoost[row.ResourceType],
		}
		if conversationChunks[row.ID] {
			sc.Locality = 1
		}
		sc.Score = weights.Alpha*sc.Similarity +
			weights.Beta*sc.Recency +
			weights.Gamma*sc.TypeBoost +
			weights.Delta*sc.Locality
		scored = append(scored, sc)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			return scored[i].VectorID < scored[j].VectorID
		}
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}

	s.cacheResult(ctx, req, topK, scored)
	return scored, nil
}

// logQuery records the query as a chat turn and links the answer chunks
// to it.
func (s *Service) logQuery(ctx context.Context, req *Request, chunks []ScoredChunk) (int64, int, error) {
	messageID, err := s.stores.Transactional.LogChat(ctx, &types.ChatMessage{
		ConversationID: req.ConversationID,
		Role:           types.RoleUser,
		Content:        req.Query,
		Timestamp:      time.Now().UTC(),
		AgentName:      req.AgentName,
		SourceTool:     req.SourceTool,
	})
	if err != nil {
		return 0, 0, err
	}
	if len(chunks) == 0 {
		return messageID, 0, nil
	}
	chunkIDs := make([]int64, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = c.ChunkID
	}
	links, err := s.stores.Transactional.CreateContextLinks(ctx, messageID, chunkIDs)
	if err != nil {
		return messageID, 0, err
	}
	return messageID, links, nil
}

// LogChat records a conversation turn directly.
func (s *Service) LogChat(ctx context.Context, msg *types.ChatMessage) (int64, error) {
	if msg.ConversationID == "" {
		return 0, errors.Validation("conversation id must not be empty")
	}
	if !msg.Role.Valid() {
		return 0, errors.Validation("unknown role %q", msg.Role)
	}
	if msg.Content == "" {
		return 0, errors.Validation("message content must not be empty")
	}
	return s.stores.Transactional.LogChat(ctx, msg)
}

// GetChatsByTool lists logged turns for one source tool.
func (s *Service) GetChatsByTool(ctx context.Context, sourceTool string, limit int, conversationID string) ([]types.ChatMessage, error) {
	if sourceTool == "" {
		return nil, errors.Validation("source tool must not be empty")
	}
	if limit <= 0 {
		limit = 50
	}
	return s.stores.Transactional.GetChatsByTool(ctx, sourceTool, limit, conversationID)
}

// recencyScore decays with age; a chunk from right now scores 1, one a
// week old roughly 0.5.
func recencyScore(now, createdAt time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / 10)
}

func (s *Service) queryCacheKey(req *Request, topK int) string {
	return "query:" + types.HashContent(fmt.Sprintf("%s|%s|%d", req.Query, req.ConversationID, topK))
}

func (s *Service) cachedResult(ctx context.Context, req *Request, topK int) ([]ScoredChunk, bool) {
	data, err := s.stores.Cache.Get(ctx, s.queryCacheKey(req, topK))
	if err != nil {
		return nil, false
	}
	var chunks []ScoredChunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, false
	}
	return chunks, true
}

func (s *Service) cacheResult(ctx context.Context, req *Request, topK int, chunks []ScoredChunk) {
	data, err := json.Marshal(chunks)
	if err != nil {
		return
	}
	if err := s.stores.Cache.Set(ctx, s.queryCacheKey(req, topK), data, queryCacheTTL); err != nil {
		s.logger.Debug("query cache write failed", "error", err.Error())
	}
}
