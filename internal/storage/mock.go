package storage

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/pkg/types"
)

// failureHook lets tests inject per-operation failures into the in-memory
// adapters. The key is the operation name ("store", "delete", ...).
type failureHook struct {
	mu    sync.Mutex
	fails map[string]error
	down  bool
}

// FailOn makes the named operation return err until cleared.
func (h *failureHook) FailOn(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fails == nil {
		h.fails = make(map[string]error)
	}
	h.fails[op] = err
}

// ClearFailures removes all injected failures.
func (h *failureHook) ClearFailures() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fails = nil
}

// SetDown toggles the availability probe.
func (h *failureHook) SetDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = down
}

func (h *failureHook) check(op string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return errors.Unavailable("backend is down")
	}
	if err, ok := h.fails[op]; ok {
		return err
	}
	return nil
}

func (h *failureHook) available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.down
}

// MemTransactionalStore is an in-memory TransactionalStore for tests.
type MemTransactionalStore struct {
	failureHook
	mu sync.Mutex

	documents map[string]*types.DocumentPayload
	resources map[string]*types.Resource
	chunks    []types.Chunk
	chats     []types.ChatMessage
	links     []types.ContextLink
	todos     []types.Todo
	patterns  []types.CodePattern
	summaries []types.Summary
	thoughts  map[string]*types.Thought
	weights   *types.SearchWeights

	lastVectorID int64
	nextRowID    int64
}

// NewMemTransactionalStore creates an empty store.
func NewMemTransactionalStore() *MemTransactionalStore {
	return &MemTransactionalStore{
		documents: make(map[string]*types.DocumentPayload),
		resources: make(map[string]*types.Resource),
		thoughts:  make(map[string]*types.Thought),
	}
}

func (m *MemTransactionalStore) Kind() Kind                       { return KindTransactional }
func (m *MemTransactionalStore) IsAvailable(context.Context) bool { return m.available() }
func (m *MemTransactionalStore) Close() error                     { return nil }

func (m *MemTransactionalStore) rowID() int64 {
	m.nextRowID++
	return m.nextRowID
}

func (m *MemTransactionalStore) Store(_ context.Context, entityID string, p *types.DocumentPayload) error {
	if err := m.check("store"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	clone.ID = entityID
	m.documents[entityID] = &clone
	return nil
}

func (m *MemTransactionalStore) Retrieve(_ context.Context, entityID string) (*types.DocumentPayload, error) {
	if err := m.check("retrieve"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.documents[entityID]
	if !ok {
		return nil, errors.NotFound("document %s not found", entityID)
	}
	clone := *p
	return &clone, nil
}

func (m *MemTransactionalStore) Delete(_ context.Context, entityID string) error {
	if err := m.check("delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, entityID)
	return nil
}

func (m *MemTransactionalStore) AllocateVectorID(_ context.Context) (int64, error) {
	if err := m.check("allocate"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastVectorID++
	return m.lastVectorID, nil
}

func (m *MemTransactionalStore) LastVectorID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastVectorID, nil
}

func (m *MemTransactionalStore) InsertResourceWithChunks(_ context.Context, res *types.Resource, chunkTexts []string) ([]types.Chunk, error) {
	if err := m.check("insert_resource"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.resources[res.ID]; exists {
		return nil, errors.Conflict("resource %s already exists", res.ID)
	}
	clone := *res
	m.resources[res.ID] = &clone
	out := make([]types.Chunk, 0, len(chunkTexts))
	for _, text := range chunkTexts {
		m.lastVectorID++
		chunk := types.Chunk{
			ID:               m.rowID(),
			ResourceID:       res.ID,
			Text:             text,
			VectorID:         m.lastVectorID,
			GenerationMethod: "sequential",
		}
		m.chunks = append(m.chunks, chunk)
		out = append(out, chunk)
	}
	return out, nil
}

func (m *MemTransactionalStore) GetResource(_ context.Context, id string) (*types.Resource, error) {
	if err := m.check("get_resource"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[id]
	if !ok {
		return nil, errors.NotFound("resource %s not found", id)
	}
	clone := *res
	return &clone, nil
}

func (m *MemTransactionalStore) DeleteResource(_ context.Context, id string) ([]int64, error) {
	if err := m.check("delete_resource"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var vectorIDs []int64
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if c.ResourceID == id {
			vectorIDs = append(vectorIDs, c.VectorID)
			continue
		}
		kept = append(kept, c)
	}
	m.chunks = kept
	delete(m.resources, id)
	return vectorIDs, nil
}

func (m *MemTransactionalStore) ChunkVectorIDs(_ context.Context, resourceID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, c := range m.chunks {
		if c.ResourceID == resourceID {
			out = append(out, c.VectorID)
		}
	}
	return out, nil
}

func (m *MemTransactionalStore) GetChunksByVectorIDs(_ context.Context, vectorIDs []int64) ([]types.ChunkWithResource, error) {
	if err := m.check("get_chunks"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]bool, len(vectorIDs))
	for _, v := range vectorIDs {
		want[v] = true
	}
	var out []types.ChunkWithResource
	for _, c := range m.chunks {
		if !want[c.VectorID] {
			continue
		}
		cw := types.ChunkWithResource{Chunk: c}
		if res, ok := m.resources[c.ResourceID]; ok {
			cw.FileName = res.FileName
			cw.ResourceType = res.Type
			cw.CreatedAt = res.CreatedAt
		}
		out = append(out, cw)
	}
	return out, nil
}

func (m *MemTransactionalStore) LogChat(_ context.Context, msg *types.ChatMessage) (int64, error) {
	if err := m.check("log_chat"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *msg
	clone.ID = m.rowID()
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}
	m.chats = append(m.chats, clone)
	return clone.ID, nil
}

func (m *MemTransactionalStore) GetChatsByTool(_ context.Context, sourceTool string, limit int, conversationID string) ([]types.ChatMessage, error) {
	if err := m.check("get_chats"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ChatMessage
	for i := len(m.chats) - 1; i >= 0 && len(out) < limit; i-- {
		msg := m.chats[i]
		if msg.SourceTool != sourceTool {
			continue
		}
		if conversationID != "" && msg.ConversationID != conversationID {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *MemTransactionalStore) CreateContextLinks(_ context.Context, messageID int64, chunkIDs []int64) (int, error) {
	if err := m.check("create_links"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chunkID := range chunkIDs {
		m.links = append(m.links, types.ContextLink{ID: m.rowID(), MessageID: messageID, ChunkID: chunkID})
	}
	return len(chunkIDs), nil
}

func (m *MemTransactionalStore) GetContextLinks(_ context.Context, messageID int64) ([]types.ContextLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ContextLink
	for _, l := range m.links {
		if l.MessageID == messageID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemTransactionalStore) ConversationChunkIDs(_ context.Context, conversationID string) (map[int64]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	messages := make(map[int64]bool)
	for _, msg := range m.chats {
		if msg.ConversationID == conversationID {
			messages[msg.ID] = true
		}
	}
	out := make(map[int64]bool)
	for _, l := range m.links {
		if messages[l.MessageID] {
			out[l.ChunkID] = true
		}
	}
	return out, nil
}

func (m *MemTransactionalStore) AddTodo(_ context.Context, todo *types.Todo) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *todo
	clone.ID = m.rowID()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	if clone.Status == "" {
		clone.Status = "open"
	}
	m.todos = append(m.todos, clone)
	return clone.ID, nil
}

func (m *MemTransactionalStore) ListTodos(_ context.Context, status string, limit int) ([]types.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Todo
	for i := len(m.todos) - 1; i >= 0 && len(out) < limit; i-- {
		if status == "" || m.todos[i].Status == status {
			out = append(out, m.todos[i])
		}
	}
	return out, nil
}

func (m *MemTransactionalStore) CompleteTodo(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.todos {
		if m.todos[i].ID == id {
			now := time.Now().UTC()
			m.todos[i].Completed = true
			m.todos[i].Status = "done"
			m.todos[i].CompletedAt = &now
			return nil
		}
	}
	return errors.NotFound("todo %d not found", id)
}

func (m *MemTransactionalStore) SearchTodos(_ context.Context, query string, limit int) ([]types.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Todo
	for i := len(m.todos) - 1; i >= 0 && len(out) < limit; i-- {
		t := m.todos[i]
		if strings.Contains(t.Title, query) || strings.Contains(t.Description, query) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemTransactionalStore) LogCodePattern(_ context.Context, p *types.CodePattern) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	clone.ID = m.rowID()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	m.patterns = append(m.patterns, clone)
	return clone.ID, nil
}

func (m *MemTransactionalStore) SearchCodePatterns(_ context.Context, query string, result types.PatternResult, limit int) ([]types.CodePattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.CodePattern
	for i := len(m.patterns) - 1; i >= 0 && len(out) < limit; i-- {
		p := m.patterns[i]
		if !strings.Contains(p.InputPrompt, query) {
			continue
		}
		if result != "" && p.Result != result {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *MemTransactionalStore) AttachSummary(_ context.Context, s *types.Summary) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *s
	clone.ID = m.rowID()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	m.summaries = append(m.summaries, clone)
	return clone.ID, nil
}

func (m *MemTransactionalStore) GetSummaries(_ context.Context, resourceID, docID string) ([]types.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Summary
	for i := len(m.summaries) - 1; i >= 0; i-- {
		s := m.summaries[i]
		if resourceID != "" && s.ResourceID != resourceID {
			continue
		}
		if docID != "" && s.DocID != docID {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *MemTransactionalStore) InsertThought(_ context.Context, t *types.Thought) error {
	if err := m.check("insert_thought"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.thoughts[t.ULID]; exists {
		return errors.Conflict("thought %s already exists", t.ULID)
	}
	for _, existing := range m.thoughts {
		if existing.SessionID == t.SessionID && existing.StepNumber == t.StepNumber {
			return errors.Conflict("step %d of session %s is already taken", t.StepNumber, t.SessionID)
		}
	}
	clone := *t
	m.thoughts[t.ULID] = &clone
	return nil
}

func (m *MemTransactionalStore) DeleteThought(_ context.Context, ulid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.thoughts, ulid)
	return nil
}

func (m *MemTransactionalStore) GetThought(_ context.Context, ulid string) (*types.Thought, error) {
	if err := m.check("get_thought"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thoughts[ulid]
	if !ok {
		return nil, errors.NotFound("thought %s not found", ulid)
	}
	clone := *t
	return &clone, nil
}

func (m *MemTransactionalStore) GetThoughtByStep(_ context.Context, sessionID string, step int) (*types.Thought, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *types.Thought
	for _, t := range m.thoughts {
		if t.SessionID == sessionID && t.StepNumber == step {
			if best == nil || t.ULID > best.ULID {
				best = t
			}
		}
	}
	if best == nil {
		return nil, errors.NotFound("no thought at step %d of %s", step, sessionID)
	}
	clone := *best
	return &clone, nil
}

func (m *MemTransactionalStore) LatestThought(_ context.Context, sessionID string) (*types.Thought, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *types.Thought
	for _, t := range m.thoughts {
		if t.SessionID != sessionID {
			continue
		}
		if best == nil || t.ULID > best.ULID {
			best = t
		}
	}
	if best == nil {
		return nil, errors.NotFound("session %s has no thoughts", sessionID)
	}
	clone := *best
	return &clone, nil
}

func (m *MemTransactionalStore) ListSessionThoughts(_ context.Context, sessionID string, limit int) ([]types.Thought, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Thought
	for _, t := range m.thoughts {
		if t.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ULID < out[j].ULID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemTransactionalStore) LatestSessionSince(_ context.Context, window time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-window)
	var best *types.Thought
	for _, t := range m.thoughts {
		if t.CreatedAt.Before(cutoff) {
			continue
		}
		if best == nil || t.ULID > best.ULID {
			best = t
		}
	}
	if best == nil {
		return "", errors.NotFound("no recent session")
	}
	return best.SessionID, nil
}

func (m *MemTransactionalStore) GetSearchWeights(context.Context) (types.SearchWeights, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.weights != nil {
		return *m.weights, nil
	}
	return types.DefaultSearchWeights(), nil
}

// SetSearchWeights overrides the weights row for tests.
func (m *MemTransactionalStore) SetSearchWeights(w types.SearchWeights) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weights = &w
}

func (m *MemTransactionalStore) GetDocumentsByVectorIDs(_ context.Context, vectorIDs []int64) ([]types.DocumentPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]bool, len(vectorIDs))
	for _, v := range vectorIDs {
		want[v] = true
	}
	var out []types.DocumentPayload
	for _, p := range m.documents {
		if want[p.VectorID] {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VectorID < out[j].VectorID })
	return out, nil
}

func (m *MemTransactionalStore) ListDocumentIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.documents {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// memVectorEntry is one stored point.
type memVectorEntry struct {
	vector   []float32
	metadata map[string]any
}

// MemVectorIndex is an in-memory VectorIndex with brute-force cosine
// search.
type MemVectorIndex struct {
	failureHook
	mu        sync.Mutex
	dimension int
	points    map[int64]memVectorEntry
	docs      map[string]*types.DocumentPayload
}

// NewMemVectorIndex creates an empty index of the given dimension.
func NewMemVectorIndex(dimension int) *MemVectorIndex {
	return &MemVectorIndex{
		dimension: dimension,
		points:    make(map[int64]memVectorEntry),
		docs:      make(map[string]*types.DocumentPayload),
	}
}

func (m *MemVectorIndex) Kind() Kind                       { return KindVector }
func (m *MemVectorIndex) Dimension() int                   { return m.dimension }
func (m *MemVectorIndex) IsAvailable(context.Context) bool { return m.available() }
func (m *MemVectorIndex) Close() error                     { return nil }

func (m *MemVectorIndex) Store(_ context.Context, entityID string, p *types.DocumentPayload) error {
	if err := m.check("store"); err != nil {
		return err
	}
	if len(p.Vector) != m.dimension {
		return errors.Validation("vector dimension %d does not match index dimension %d",
			len(p.Vector), m.dimension)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	clone.ID = entityID
	m.docs[entityID] = &clone
	m.points[p.VectorID] = memVectorEntry{
		vector:   append([]float32(nil), p.Vector...),
		metadata: map[string]any{"doc_id": entityID, "content_hash": p.ContentHash},
	}
	return nil
}

func (m *MemVectorIndex) Retrieve(_ context.Context, entityID string) (*types.DocumentPayload, error) {
	if err := m.check("retrieve"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.docs[entityID]
	if !ok {
		return nil, errors.NotFound("document %s not in vector index", entityID)
	}
	clone := *p
	return &clone, nil
}

func (m *MemVectorIndex) Delete(_ context.Context, entityID string) error {
	if err := m.check("delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.docs[entityID]; ok {
		delete(m.points, p.VectorID)
		delete(m.docs, entityID)
	}
	return nil
}

func (m *MemVectorIndex) Upsert(_ context.Context, vectorID int64, vector []float32, metadata map[string]any) error {
	if err := m.check("upsert"); err != nil {
		return err
	}
	if len(vector) != m.dimension {
		return errors.Validation("vector dimension %d does not match index dimension %d",
			len(vector), m.dimension)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[vectorID] = memVectorEntry{
		vector:   append([]float32(nil), vector...),
		metadata: metadata,
	}
	return nil
}

func (m *MemVectorIndex) SearchVectors(_ context.Context, query []float32, k int, filter map[string]string) ([]VectorMatch, error) {
	if err := m.check("search"); err != nil {
		return nil, err
	}
	if len(query) != m.dimension {
		return nil, errors.Validation("query dimension %d does not match index dimension %d",
			len(query), m.dimension)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []VectorMatch
	for id, entry := range m.points {
		if !matchesFilter(entry.metadata, filter) {
			continue
		}
		matches = append(matches, VectorMatch{VectorID: id, Score: cosine(query, entry.vector), Metadata: entry.metadata})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].VectorID < matches[j].VectorID
		}
		return matches[i].Score > matches[j].Score
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *MemVectorIndex) Remove(_ context.Context, vectorID int64) error {
	if err := m.check("remove"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, vectorID)
	return nil
}

func matchesFilter(metadata map[string]any, filter map[string]string) bool {
	for key, want := range filter {
		got, ok := metadata[key].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// memEdge is one stored relationship.
type memEdge struct {
	src, dst, relType string
	properties        map[string]any
}

// MemGraphStore is an in-memory GraphStore with BFS traversal.
type MemGraphStore struct {
	failureHook
	mu    sync.Mutex
	nodes map[string]map[string]any
	edges []memEdge
	docs  map[string]*types.DocumentPayload
}

// NewMemGraphStore creates an empty graph.
func NewMemGraphStore() *MemGraphStore {
	return &MemGraphStore{
		nodes: make(map[string]map[string]any),
		docs:  make(map[string]*types.DocumentPayload),
	}
}

func (m *MemGraphStore) Kind() Kind                       { return KindGraph }
func (m *MemGraphStore) IsAvailable(context.Context) bool { return m.available() }
func (m *MemGraphStore) Close() error                     { return nil }

func (m *MemGraphStore) Store(_ context.Context, entityID string, p *types.DocumentPayload) error {
	if err := m.check("store"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	clone.ID = entityID
	m.docs[entityID] = &clone
	if m.nodes[entityID] == nil {
		m.nodes[entityID] = make(map[string]any)
	}
	m.nodes[entityID]["content_hash"] = p.ContentHash
	m.nodes[entityID]["updated_at"] = p.UpdatedAt.UTC().UnixNano()
	return nil
}

func (m *MemGraphStore) Retrieve(_ context.Context, entityID string) (*types.DocumentPayload, error) {
	if err := m.check("retrieve"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.docs[entityID]
	if !ok {
		return nil, errors.NotFound("document %s not in graph", entityID)
	}
	clone := *p
	return &clone, nil
}

func (m *MemGraphStore) Delete(_ context.Context, entityID string) error {
	if err := m.check("delete"); err != nil {
		return err
	}
	return m.DeleteNode(context.Background(), entityID)
}

func (m *MemGraphStore) UpsertNode(_ context.Context, id string, _ []string, properties map[string]any) error {
	if err := m.check("upsert_node"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[id] == nil {
		m.nodes[id] = make(map[string]any)
	}
	for k, v := range properties {
		m.nodes[id][k] = v
	}
	return nil
}

func (m *MemGraphStore) UpsertEdge(_ context.Context, srcID, dstID, relType string, properties map[string]any) error {
	if err := m.check("upsert_edge"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[srcID] == nil {
		m.nodes[srcID] = make(map[string]any)
	}
	if m.nodes[dstID] == nil {
		m.nodes[dstID] = make(map[string]any)
	}
	for i := range m.edges {
		e := &m.edges[i]
		if e.src == srcID && e.dst == dstID && e.relType == relType {
			e.properties = properties
			return nil
		}
	}
	m.edges = append(m.edges, memEdge{src: srcID, dst: dstID, relType: relType, properties: properties})
	return nil
}

func (m *MemGraphStore) DeleteEdge(_ context.Context, srcID, dstID, relType string) error {
	if err := m.check("delete_edge"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.edges[:0]
	for _, e := range m.edges {
		if e.src == srcID && e.dst == dstID && e.relType == relType {
			continue
		}
		kept = append(kept, e)
	}
	m.edges = kept
	return nil
}

func (m *MemGraphStore) DeleteNode(_ context.Context, id string) error {
	if err := m.check("delete_node"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	delete(m.docs, id)
	kept := m.edges[:0]
	for _, e := range m.edges {
		if e.src == id || e.dst == id {
			continue
		}
		kept = append(kept, e)
	}
	m.edges = kept
	return nil
}

func (m *MemGraphStore) Traverse(_ context.Context, startID, edgeType string, dir Direction, maxDepth int) ([]GraphPath, error) {
	if err := m.check("traverse"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	type frame struct {
		nodeID string
		path   GraphPath
		depth  int
	}
	var paths []GraphPath
	visited := map[string]bool{startID: true}
	queue := []frame{{nodeID: startID, path: GraphPath{NodeIDs: []string{startID}}}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, e := range m.edges {
			if edgeType != "" && e.relType != edgeType {
				continue
			}
			var next string
			switch {
			case (dir == DirectionOut || dir == DirectionBoth) && e.src == cur.nodeID:
				next = e.dst
			case (dir == DirectionIn || dir == DirectionBoth) && e.dst == cur.nodeID:
				next = e.src
			default:
				continue
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			path := GraphPath{
				NodeIDs: append(append([]string(nil), cur.path.NodeIDs...), next),
				Edges: append(append([]GraphEdge(nil), cur.path.Edges...), GraphEdge{
					SourceID: e.src, TargetID: e.dst, Type: e.relType, Properties: e.properties,
				}),
			}
			paths = append(paths, path)
			queue = append(queue, frame{nodeID: next, path: path, depth: cur.depth + 1})
		}
	}
	return paths, nil
}

func (m *MemGraphStore) ReadQuery(_ context.Context, expr string, _ map[string]any) ([]map[string]any, error) {
	if err := ValidateReadOnlyExpr(expr); err != nil {
		return nil, err
	}
	if err := m.check("read_query"); err != nil {
		return nil, err
	}
	return nil, nil
}

// memCacheEntry is one cached value with its expiry.
type memCacheEntry struct {
	value   []byte
	expires time.Time
}

// MemCacheStore is an in-memory CacheStore honouring TTLs.
type MemCacheStore struct {
	failureHook
	mu       sync.Mutex
	entries  map[string]memCacheEntry
	Messages []string // published events, for assertions
}

// NewMemCacheStore creates an empty cache.
func NewMemCacheStore() *MemCacheStore {
	return &MemCacheStore{entries: make(map[string]memCacheEntry)}
}

func (m *MemCacheStore) Kind() Kind                       { return KindCache }
func (m *MemCacheStore) IsAvailable(context.Context) bool { return m.available() }
func (m *MemCacheStore) Close() error                     { return nil }

func (m *MemCacheStore) Store(_ context.Context, entityID string, p *types.DocumentPayload) error {
	if err := m.check("store"); err != nil {
		return err
	}
	data, err := jsonMarshal(p)
	if err != nil {
		return err
	}
	ttl := p.CacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return m.Set(context.Background(), DocCacheKey(entityID), data, ttl)
}

func (m *MemCacheStore) Retrieve(_ context.Context, entityID string) (*types.DocumentPayload, error) {
	if err := m.check("retrieve"); err != nil {
		return nil, err
	}
	data, err := m.Get(context.Background(), DocCacheKey(entityID))
	if err != nil {
		return nil, err
	}
	return jsonUnmarshalPayload(data)
}

func (m *MemCacheStore) Delete(_ context.Context, entityID string) error {
	if err := m.check("delete"); err != nil {
		return err
	}
	return m.DeleteKey(context.Background(), DocCacheKey(entityID))
}

func (m *MemCacheStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.check("set"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memCacheEntry{
		value:   append([]byte(nil), value...),
		expires: time.Now().Add(ttl),
	}
	return nil
}

func (m *MemCacheStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := m.check("get"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || time.Now().After(entry.expires) {
		delete(m.entries, key)
		return nil, errors.NotFound("key %s not cached", key)
	}
	return append([]byte(nil), entry.value...), nil
}

func (m *MemCacheStore) DeleteKey(_ context.Context, key string) error {
	if err := m.check("delete_key"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemCacheStore) DeletePrefix(_ context.Context, prefix string) error {
	if err := m.check("delete_prefix"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *MemCacheStore) Publish(_ context.Context, channel string, message []byte) error {
	if err := m.check("publish"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, channel+":"+string(message))
	return nil
}

func jsonMarshal(p *types.DocumentPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Validation("document is not serialisable: %v", err)
	}
	return data, nil
}

func jsonUnmarshalPayload(data []byte) (*types.DocumentPayload, error) {
	var p types.DocumentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "decoding cached document")
	}
	return &p, nil
}

// NewMemSet wires all four in-memory adapters for tests.
func NewMemSet(dimension int) (*Set, *MemTransactionalStore, *MemVectorIndex, *MemGraphStore, *MemCacheStore) {
	sql := NewMemTransactionalStore()
	vec := NewMemVectorIndex(dimension)
	graph := NewMemGraphStore()
	cache := NewMemCacheStore()
	return &Set{Transactional: sql, Vector: vec, Graph: graph, Cache: cache}, sql, vec, graph, cache
}
