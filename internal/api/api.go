// Package api is the HTTP transport over the memory core. Handlers decode,
// call one core operation and encode the discriminated success/error
// envelope; no coordination logic lives here.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/consistency"
	"github.com/oldnordic/ltmc/internal/documents"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/operations"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/pkg/types"
)

const maxRequestBytes = 10 * 1024 * 1024

// Server is the assembled HTTP surface.
type Server struct {
	cfg       *config.Config
	core      *operations.Core
	stores    *storage.Set
	mux       *chi.Mux
	logger    logging.Logger
	startTime time.Time
}

// NewServer wires middleware and routes.
func NewServer(cfg *config.Config, core *operations.Core, stores *storage.Set, logger logging.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		core:      core,
		stores:    stores,
		mux:       chi.NewRouter(),
		logger:    logger.WithComponent("api"),
		startTime: time.Now(),
	}
	s.mux.Use(chimiddleware.Recoverer)
	s.mux.Use(chimiddleware.RequestSize(maxRequestBytes))
	s.mux.Use(chimiddleware.Heartbeat("/ping"))
	s.mux.Use(s.traceMiddleware)
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		ctx := logging.WithTrace(r.Context(), traceID)
		w.Header().Set("X-Trace-Id", logging.TraceID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) routes() {
	s.mux.Get("/health", s.handleHealth)

	s.mux.Route("/api/v1", func(r chi.Router) {
		r.Post("/memory", s.handleStoreMemory)
		r.Post("/memory/retrieve", s.handleRetrieveMemory)
		r.Delete("/memory/{id}", s.handleDeleteMemory)

		r.Post("/chat", s.handleLogChat)
		r.Get("/chat", s.handleGetChats)

		r.Post("/todos", s.handleAddTodo)
		r.Get("/todos", s.handleListTodos)
		r.Get("/todos/search", s.handleSearchTodos)
		r.Post("/todos/{id}/complete", s.handleCompleteTodo)

		r.Post("/context-links", s.handleStoreContextLinks)
		r.Get("/context-links/{messageID}", s.handleGetContextLinks)

		r.Post("/patterns", s.handleLogPattern)
		r.Get("/patterns", s.handleSearchPatterns)

		r.Post("/summaries", s.handleAttachSummary)
		r.Get("/summaries", s.handleGetSummaries)

		r.Post("/documents", s.handleStoreDocument)
		r.Get("/documents/{id}", s.handleRetrieveDocument)
		r.Delete("/documents/{id}", s.handleDeleteDocument)
		r.Post("/documents/search", s.handleSemanticSearch)

		r.Post("/graph/link", s.handleLinkResources)
		r.Get("/graph/{entity}", s.handleQueryGraph)
		r.Post("/graph/query", s.handleGraphQuery)

		r.Post("/thoughts", s.handleThoughtCreate)
		r.Get("/thoughts/chain/{sessionID}", s.handleAnalyzeChain)
		r.Post("/thoughts/similar", s.handleFindSimilar)

		r.Get("/consistency/{id}", s.handleCheckConsistency)
		r.Post("/consistency/{id}/sync", s.handleSynchronize)
		r.Get("/consistency/stats", s.handleConsistencyStats)
	})
}

// envelope is the discriminated response record.
type envelope struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := errors.KindOf(err)
	env := envelope{
		Success:   false,
		ErrorKind: string(kind),
		Message:   err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	var ce *errors.CoreError
	if errors.As(err, &ce) {
		env.Message = ce.Message
		env.Details = ce.Details
	}
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "kind", string(kind), "error", err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Validation("invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// --- health ---

type backendCheck struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := make(map[string]backendCheck, len(storage.CommitOrder))
	healthy := true
	for _, kind := range storage.CommitOrder {
		started := time.Now()
		up := s.stores.ByKind(kind).IsAvailable(ctx)
		check := backendCheck{Status: "up", LatencyMS: time.Since(started).Milliseconds()}
		if !up {
			check.Status = "down"
			healthy = false
		}
		checks[string(kind)] = check
	}
	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	s.writeData(w, status, map[string]any{
		"status":   overall,
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"backends": checks,
	})
}

// --- memory ---

type storeMemoryRequest struct {
	FileName string             `json:"file_name"`
	Content  string             `json:"content"`
	Type     types.ResourceType `json:"resource_type,omitempty"`
}

func (s *Server) handleStoreMemory(w http.ResponseWriter, r *http.Request) {
	var req storeMemoryRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	result, err := s.core.StoreMemory(r.Context(), req.FileName, req.Content, req.Type)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, result)
}

type retrieveMemoryRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Query          string `json:"query"`
	TopK           int    `json:"top_k,omitempty"`
}

func (s *Server) handleRetrieveMemory(w http.ResponseWriter, r *http.Request) {
	var req retrieveMemoryRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp, err := s.core.RetrieveMemory(r.Context(), req.ConversationID, req.Query, req.TopK)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.core.DeleteMemory(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"deleted": true})
}

// --- chat ---

func (s *Server) handleLogChat(w http.ResponseWriter, r *http.Request) {
	var msg types.ChatMessage
	if err := decode(r, &msg); err != nil {
		s.writeErr(w, r, err)
		return
	}
	id, err := s.core.LogChat(r.Context(), &msg)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, map[string]any{"message_id": id})
}

func (s *Server) handleGetChats(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.core.GetChatsByTool(r.Context(),
		r.URL.Query().Get("source_tool"),
		queryInt(r, "limit", 50),
		r.URL.Query().Get("conversation_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"messages": msgs})
}

// --- todos ---

func (s *Server) handleAddTodo(w http.ResponseWriter, r *http.Request) {
	var todo types.Todo
	if err := decode(r, &todo); err != nil {
		s.writeErr(w, r, err)
		return
	}
	id, err := s.core.AddTodo(r.Context(), &todo)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, map[string]any{"todo_id": id})
}

func (s *Server) handleListTodos(w http.ResponseWriter, r *http.Request) {
	todos, err := s.core.ListTodos(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"todos": todos})
}

func (s *Server) handleSearchTodos(w http.ResponseWriter, r *http.Request) {
	todos, err := s.core.SearchTodos(r.Context(), r.URL.Query().Get("query"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"todos": todos})
}

func (s *Server) handleCompleteTodo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeErr(w, r, errors.Validation("invalid todo id"))
		return
	}
	if err := s.core.CompleteTodo(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"completed": true})
}

// --- context links ---

type contextLinksRequest struct {
	MessageID int64   `json:"message_id"`
	ChunkIDs  []int64 `json:"chunk_ids"`
}

func (s *Server) handleStoreContextLinks(w http.ResponseWriter, r *http.Request) {
	var req contextLinksRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	created, err := s.core.StoreContextLinks(r.Context(), req.MessageID, req.ChunkIDs)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, map[string]any{"links_created": created})
}

func (s *Server) handleGetContextLinks(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		s.writeErr(w, r, errors.Validation("invalid message id"))
		return
	}
	links, err := s.core.GetContextLinks(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"links": links})
}

// --- code patterns ---

func (s *Server) handleLogPattern(w http.ResponseWriter, r *http.Request) {
	var p types.CodePattern
	if err := decode(r, &p); err != nil {
		s.writeErr(w, r, err)
		return
	}
	id, err := s.core.LogCodePattern(r.Context(), &p)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, map[string]any{"pattern_id": id})
}

func (s *Server) handleSearchPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.core.SearchCodePatterns(r.Context(),
		r.URL.Query().Get("query"),
		types.PatternResult(r.URL.Query().Get("result")),
		queryInt(r, "limit", 50))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"patterns": patterns})
}

// --- summaries ---

func (s *Server) handleAttachSummary(w http.ResponseWriter, r *http.Request) {
	var sum types.Summary
	if err := decode(r, &sum); err != nil {
		s.writeErr(w, r, err)
		return
	}
	id, err := s.core.AttachSummary(r.Context(), &sum)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, map[string]any{"summary_id": id})
}

func (s *Server) handleGetSummaries(w http.ResponseWriter, r *http.Request) {
	sums, err := s.core.GetSummaries(r.Context(),
		r.URL.Query().Get("resource_id"), r.URL.Query().Get("doc_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"summaries": sums})
}

// --- documents ---

func (s *Server) handleStoreDocument(w http.ResponseWriter, r *http.Request) {
	var req documents.StoreRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	outcome, err := s.core.StoreDocument(r.Context(), &req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, outcome)
}

func (s *Server) handleRetrieveDocument(w http.ResponseWriter, r *http.Request) {
	payload, err := s.core.RetrieveDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, payload)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	level := types.ConsistencyLevel(r.URL.Query().Get("level"))
	if level == "" {
		level = types.LevelStrong
	}
	outcome, err := s.core.DeleteDocument(r.Context(), chi.URLParam(r, "id"), level)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, outcome)
}

type semanticSearchRequest struct {
	Query      string   `json:"query"`
	K          int      `json:"k,omitempty"`
	FilterTags []string `json:"filter_tags,omitempty"`
}

func (s *Server) handleSemanticSearch(w http.ResponseWriter, r *http.Request) {
	var req semanticSearchRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	results, err := s.core.SemanticSearch(r.Context(), req.Query, req.K, req.FilterTags)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"results": results})
}

// --- graph ---

type linkRequest struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Relation string `json:"relation"`
}

func (s *Server) handleLinkResources(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.core.LinkResources(r.Context(), req.SourceID, req.TargetID, req.Relation); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, map[string]any{"linked": true})
}

func (s *Server) handleQueryGraph(w http.ResponseWriter, r *http.Request) {
	rels, err := s.core.QueryGraph(r.Context(),
		chi.URLParam(r, "entity"), r.URL.Query().Get("relation_type"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"relationships": rels})
}

type graphQueryRequest struct {
	Expression string         `json:"expression"`
	Params     map[string]any `json:"params,omitempty"`
}

func (s *Server) handleGraphQuery(w http.ResponseWriter, r *http.Request) {
	var req graphQueryRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	rows, err := s.core.GraphQuery(r.Context(), req.Expression, req.Params)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"rows": rows})
}

// --- thoughts ---

func (s *Server) handleThoughtCreate(w http.ResponseWriter, r *http.Request) {
	var req operations.ThoughtCreateRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	result, err := s.core.ThoughtCreate(r.Context(), &req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, result)
}

func (s *Server) handleAnalyzeChain(w http.ResponseWriter, r *http.Request) {
	result, err := s.core.ThoughtAnalyzeChain(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, result)
}

type findSimilarRequest struct {
	Query     string `json:"query"`
	K         int    `json:"k,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleFindSimilar(w http.ResponseWriter, r *http.Request) {
	var req findSimilarRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	hits, err := s.core.ThoughtFindSimilar(r.Context(), req.Query, req.K, req.SessionID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"similar_thoughts": hits})
}

// --- consistency ---

func (s *Server) handleCheckConsistency(w http.ResponseWriter, r *http.Request) {
	report, err := s.core.CheckConsistency(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, report)
}

type synchronizeRequest struct {
	Policy consistency.Policy `json:"policy"`
}

func (s *Server) handleSynchronize(w http.ResponseWriter, r *http.Request) {
	var req synchronizeRequest
	if err := decode(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.Policy == "" {
		req.Policy = consistency.PolicyPrimary
	}
	result, err := s.core.SynchronizeDocument(r.Context(), chi.URLParam(r, "id"), req.Policy)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, result)
}

func (s *Server) handleConsistencyStats(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, s.core.ConsistencyStats())
}
