// Package operations is the public surface of the memory core. It composes
// the document, ingestion, retrieval, thought, consistency and safety
// components behind the operation families callers invoke; transports wrap
// these methods without adding coordination logic of their own.
package operations

import (
	"context"
	"time"

	"github.com/oldnordic/ltmc/internal/consistency"
	"github.com/oldnordic/ltmc/internal/contextinfer"
	"github.com/oldnordic/ltmc/internal/coordinator"
	"github.com/oldnordic/ltmc/internal/documents"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/ingest"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/retrieval"
	"github.com/oldnordic/ltmc/internal/safety"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/internal/thoughts"
	"github.com/oldnordic/ltmc/pkg/types"
)

// Core is the assembled operation surface.
type Core struct {
	stores      *storage.Set
	docs        *documents.Service
	ingest      *ingest.Service
	retrieval   *retrieval.Service
	thoughts    *thoughts.Service
	consistency *consistency.Manager
	guard       *safety.Guard
	contexts    *contextinfer.Extractor
	logger      logging.Logger
}

// New wires the operation surface from its components.
func New(stores *storage.Set, docs *documents.Service, ing *ingest.Service,
	ret *retrieval.Service, th *thoughts.Service, cons *consistency.Manager,
	guard *safety.Guard, contexts *contextinfer.Extractor, logger logging.Logger) *Core {
	return &Core{
		stores:      stores,
		docs:        docs,
		ingest:      ing,
		retrieval:   ret,
		thoughts:    th,
		consistency: cons,
		guard:       guard,
		contexts:    contexts,
		logger:      logger.WithComponent("operations"),
	}
}

// --- memory ---

// StoreMemory ingests a resource: chunked, embedded and committed across
// the backends in one strong transaction.
func (c *Core) StoreMemory(ctx context.Context, fileName, content string, resourceType types.ResourceType) (*ingest.AddResult, error) {
	return c.ingest.AddResource(ctx, &ingest.AddRequest{
		FileName: fileName,
		Content:  content,
		Type:     resourceType,
	})
}

// DeleteMemory removes a resource and everything derived from it.
func (c *Core) DeleteMemory(ctx context.Context, resourceID string) error {
	return c.ingest.DeleteResource(ctx, resourceID)
}

// RetrieveMemory answers a contextual query, logging the chat turn and
// context links when a conversation id is supplied.
func (c *Core) RetrieveMemory(ctx context.Context, conversationID, query string, topK int) (*retrieval.Response, error) {
	return c.retrieval.AskWithContext(ctx, &retrieval.Request{
		Query:          query,
		ConversationID: conversationID,
		TopK:           topK,
	})
}

// --- chat ---

// LogChat records one conversation turn.
func (c *Core) LogChat(ctx context.Context, msg *types.ChatMessage) (int64, error) {
	return c.retrieval.LogChat(ctx, msg)
}

// GetChatsByTool lists recent messages tagged with a source tool.
func (c *Core) GetChatsByTool(ctx context.Context, sourceTool string, limit int, conversationID string) ([]types.ChatMessage, error) {
	return c.retrieval.GetChatsByTool(ctx, sourceTool, limit, conversationID)
}

// StoreContextLinks associates retrieved chunks with a logged message.
func (c *Core) StoreContextLinks(ctx context.Context, messageID int64, chunkIDs []int64) (int, error) {
	if messageID <= 0 {
		return 0, errors.Validation("message id must be positive")
	}
	if len(chunkIDs) == 0 {
		return 0, errors.Validation("chunk ids must not be empty")
	}
	return c.stores.Transactional.CreateContextLinks(ctx, messageID, chunkIDs)
}

// GetContextLinks lists the chunks linked to a message.
func (c *Core) GetContextLinks(ctx context.Context, messageID int64) ([]types.ContextLink, error) {
	return c.stores.Transactional.GetContextLinks(ctx, messageID)
}

// --- todos ---

// AddTodo records a work item, defaulting priority and status.
func (c *Core) AddTodo(ctx context.Context, todo *types.Todo) (int64, error) {
	if todo.Title == "" {
		return 0, errors.Validation("todo title must not be empty")
	}
	if todo.Priority == "" {
		todo.Priority = "medium"
	}
	if todo.Status == "" {
		todo.Status = "open"
	}
	return c.stores.Transactional.AddTodo(ctx, todo)
}

// ListTodos lists work items, optionally filtered by status.
func (c *Core) ListTodos(ctx context.Context, status string, limit int) ([]types.Todo, error) {
	return c.stores.Transactional.ListTodos(ctx, status, limit)
}

// CompleteTodo marks a work item done.
func (c *Core) CompleteTodo(ctx context.Context, id int64) error {
	return c.stores.Transactional.CompleteTodo(ctx, id)
}

// SearchTodos matches work items by title or description substring.
func (c *Core) SearchTodos(ctx context.Context, query string, limit int) ([]types.Todo, error) {
	if query == "" {
		return nil, errors.Validation("search query must not be empty")
	}
	return c.stores.Transactional.SearchTodos(ctx, query, limit)
}

// --- code patterns ---

// LogCodePattern records one code-generation attempt.
func (c *Core) LogCodePattern(ctx context.Context, p *types.CodePattern) (int64, error) {
	if p.InputPrompt == "" {
		return 0, errors.Validation("input prompt must not be empty")
	}
	if p.Result == "" {
		return 0, errors.Validation("pattern result must be set")
	}
	switch p.Result {
	case types.PatternPass, types.PatternFail, types.PatternPartial:
	default:
		return 0, errors.Validation("unknown pattern result %q", p.Result)
	}
	return c.stores.Transactional.LogCodePattern(ctx, p)
}

// SearchCodePatterns looks up past generation attempts.
func (c *Core) SearchCodePatterns(ctx context.Context, query string, result types.PatternResult, limit int) ([]types.CodePattern, error) {
	return c.stores.Transactional.SearchCodePatterns(ctx, query, result, limit)
}

// --- summaries ---

// AttachSummary stores a condensed description for a resource or document.
func (c *Core) AttachSummary(ctx context.Context, s *types.Summary) (int64, error) {
	if s.SummaryText == "" {
		return 0, errors.Validation("summary text must not be empty")
	}
	if s.ResourceID == "" && s.DocID == "" {
		return 0, errors.Validation("summary must reference a resource or a document")
	}
	return c.stores.Transactional.AttachSummary(ctx, s)
}

// GetSummaries lists summaries for a resource or document.
func (c *Core) GetSummaries(ctx context.Context, resourceID, docID string) ([]types.Summary, error) {
	return c.stores.Transactional.GetSummaries(ctx, resourceID, docID)
}

// --- documents ---

// StoreDocument writes a composite document across the four backends.
func (c *Core) StoreDocument(ctx context.Context, req *documents.StoreRequest) (*coordinator.Outcome, error) {
	return c.docs.Store(ctx, req)
}

// RetrieveDocument reads a composite document, cache first.
func (c *Core) RetrieveDocument(ctx context.Context, id string) (*types.DocumentPayload, error) {
	return c.docs.Retrieve(ctx, id)
}

// DeleteDocument removes a composite document from every backend.
func (c *Core) DeleteDocument(ctx context.Context, id string, level types.ConsistencyLevel) (*coordinator.Outcome, error) {
	return c.docs.Delete(ctx, id, level)
}

// SemanticSearch ranks documents against a free-text query, optionally
// restricted to documents carrying every filter tag.
func (c *Core) SemanticSearch(ctx context.Context, query string, k int, filterTags []string) ([]documents.SearchResult, error) {
	return c.docs.SemanticSearch(ctx, query, k, filterTags)
}

// --- graph ---

// LinkResources creates a typed relationship between two entities.
func (c *Core) LinkResources(ctx context.Context, sourceID, targetID, relation string) error {
	return c.docs.Link(ctx, sourceID, targetID, relation, nil)
}

// QueryGraph lists the relationships around an entity, optionally filtered
// by relation type.
func (c *Core) QueryGraph(ctx context.Context, entity, relationType string) ([]types.Relationship, error) {
	if err := types.ValidateIdentifier("entity", entity); err != nil {
		return nil, err
	}
	paths, err := c.docs.Traverse(ctx, entity, relationType, storage.DirectionBoth, 1)
	if err != nil {
		return nil, err
	}
	var rels []types.Relationship
	seen := make(map[string]bool)
	for _, path := range paths {
		for _, edge := range path.Edges {
			key := edge.SourceID + "|" + edge.Type + "|" + edge.TargetID
			if seen[key] {
				continue
			}
			seen[key] = true
			rels = append(rels, types.Relationship{
				SourceID:   edge.SourceID,
				TargetID:   edge.TargetID,
				Type:       edge.Type,
				Properties: edge.Properties,
			})
		}
	}
	return rels, nil
}

// GraphQuery executes a read-only graph expression.
func (c *Core) GraphQuery(ctx context.Context, expr string, params map[string]any) ([]map[string]any, error) {
	return c.docs.GraphQuery(ctx, expr, params)
}

// --- consistency ---

// CheckConsistency compares an entity across the four backends.
func (c *Core) CheckConsistency(ctx context.Context, entityID string) (*consistency.Report, error) {
	return c.consistency.Check(ctx, entityID)
}

// SynchronizeDocument repairs a divergent entity under a policy.
func (c *Core) SynchronizeDocument(ctx context.Context, entityID string, policy consistency.Policy) (*consistency.RepairResult, error) {
	return c.consistency.Synchronize(ctx, entityID, policy)
}

// CheckConsistencyRange scans a page of documents for divergence.
func (c *Core) CheckConsistencyRange(ctx context.Context, afterID string, limit int) (*consistency.BatchReport, error) {
	return c.consistency.CheckRange(ctx, afterID, limit)
}

// ConsistencyStats reports the reconciliation counters.
func (c *Core) ConsistencyStats() consistency.Stats {
	return c.consistency.GetStats()
}

// --- thoughts ---

// ThoughtCreateRequest is one reasoning write. Identifier fields may be
// omitted; the context extractor fills them.
type ThoughtCreateRequest struct {
	SessionID         string            `json:"session_id,omitempty"`
	Content           string            `json:"content"`
	PreviousThoughtID string            `json:"previous_thought_id,omitempty"`
	Type              types.ThoughtType `json:"thought_type,omitempty"`
	StepNumber        int               `json:"step_number,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`

	Transport contextinfer.Hints      `json:"transport,omitempty"`
	Host      *contextinfer.HostState `json:"host,omitempty"`
}

// ThoughtCreateResult reports the committed thought, the resolved context
// and the write timings.
type ThoughtCreateResult struct {
	ULID              string                 `json:"ulid"`
	Thought           *types.Thought         `json:"thought"`
	Context           *contextinfer.Resolved `json:"context"`
	DatabasesAffected []string               `json:"databases_affected"`
	ElapsedMS         int64                  `json:"elapsed_ms"`
}

// ThoughtCreate resolves the context, passes the safety gate and appends
// the thought. Failures carry an advisory recovery strategy in the error
// details.
func (c *Core) ThoughtCreate(ctx context.Context, req *ThoughtCreateRequest) (*ThoughtCreateResult, error) {
	started := time.Now()

	resolved, err := c.contexts.Resolve(ctx, &contextinfer.Request{
		SessionID:         req.SessionID,
		PreviousThoughtID: req.PreviousThoughtID,
		StepNumber:        req.StepNumber,
		Transport:         req.Transport,
		Host:              req.Host,
		Content:           req.Content,
	})
	if err != nil {
		return nil, withStrategy(err)
	}

	admission, err := c.guard.Admit(&safety.WriteRequest{
		SessionID: resolved.SessionID,
		ParentID:  resolved.PreviousThoughtID,
		Content:   req.Content,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return nil, withStrategy(err)
	}

	metadata := map[string]any{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["context"] = resolved

	thought, err := c.thoughts.CreateThought(ctx, &thoughts.CreateRequest{
		SessionID:         resolved.SessionID,
		Content:           req.Content,
		Type:              req.Type,
		PreviousThoughtID: resolved.PreviousThoughtID,
		StepNumber:        resolved.StepNumber,
		Metadata:          metadata,
	})
	if err != nil {
		admission.Abandon(err)
		return nil, withStrategy(err)
	}
	admission.Commit(thought.ULID, len(req.Content))

	affected := make([]string, 0, len(storage.CommitOrder))
	for _, kind := range storage.CommitOrder {
		affected = append(affected, string(kind))
	}
	return &ThoughtCreateResult{
		ULID:              thought.ULID,
		Thought:           thought,
		Context:           resolved,
		DatabasesAffected: affected,
		ElapsedMS:         time.Since(started).Milliseconds(),
	}, nil
}

// ThoughtChainResult pairs a chain with its analysis.
type ThoughtChainResult struct {
	Thoughts []types.Thought         `json:"thoughts"`
	Analysis *thoughts.ChainAnalysis `json:"analysis"`
}

// ThoughtAnalyzeChain returns the session chain in order plus its shape
// and integrity report.
func (c *Core) ThoughtAnalyzeChain(ctx context.Context, sessionID string) (*ThoughtChainResult, error) {
	analysis, err := c.thoughts.AnalyzeChain(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var chain []types.Thought
	if analysis.IntegrityOK {
		chain, err = c.thoughts.GetChain(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}
	return &ThoughtChainResult{Thoughts: chain, Analysis: analysis}, nil
}

// ThoughtFindSimilar searches past thoughts semantically.
func (c *Core) ThoughtFindSimilar(ctx context.Context, query string, k int, sessionID string) ([]thoughts.SimilarThought, error) {
	return c.thoughts.FindSimilar(ctx, query, sessionID, k)
}

// SessionSafetyStats exposes the guard counters for a session.
func (c *Core) SessionSafetyStats(sessionID string) safety.Stats {
	return c.guard.SessionStats(sessionID)
}

// withStrategy attaches the advisory recovery strategy to a failure.
func withStrategy(err error) error {
	if err == nil {
		return nil
	}
	var ce *errors.CoreError
	if errors.As(err, &ce) {
		return ce.WithDetail("recovery_strategy", string(safety.RecoveryStrategy(err)))
	}
	return err
}
