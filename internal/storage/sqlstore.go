package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Transactional store drivers. Provider selection happens in config.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/pkg/types"
)

// SQLStore implements TransactionalStore over database/sql with either the
// sqlite3 or the postgres driver.
type SQLStore struct {
	db       *sql.DB
	provider string
	logger   logging.Logger
}

// NewSQLStore opens the transactional store and applies migrations.
func NewSQLStore(cfg *config.SQLConfig, logger logging.Logger) (*SQLStore, error) {
	dsn := cfg.DSN
	if cfg.Provider == "sqlite3" {
		dsn = cfg.Path + "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open(cfg.Provider, dsn)
	if err != nil {
		return nil, errors.Wrap(errors.KindUnavailable, err, "opening %s store", cfg.Provider).
			WithAdapter(string(KindTransactional))
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	s := &SQLStore{db: db, provider: cfg.Provider, logger: logger.WithComponent("sqlstore")}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrations run in order; each statement must be idempotent or guarded.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS Resources (
		id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		content TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS ResourceChunks (
		id INTEGER PRIMARY KEY,
		resource_id TEXT NOT NULL REFERENCES Resources(id) ON DELETE CASCADE,
		chunk_text TEXT NOT NULL,
		vector_id INTEGER NOT NULL UNIQUE,
		generation_method TEXT NOT NULL DEFAULT 'sequential'
	)`,
	`CREATE TABLE IF NOT EXISTS ChatHistory (
		id INTEGER PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		agent_name TEXT,
		metadata TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ContextLinks (
		id INTEGER PRIMARY KEY,
		message_id INTEGER NOT NULL REFERENCES ChatHistory(id) ON DELETE CASCADE,
		chunk_id INTEGER NOT NULL REFERENCES ResourceChunks(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS Summaries (
		id INTEGER PRIMARY KEY,
		resource_id TEXT REFERENCES Resources(id) ON DELETE SET NULL,
		doc_id TEXT,
		summary_text TEXT NOT NULL,
		model TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS todos (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'open',
		completed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS CodePatterns (
		id INTEGER PRIMARY KEY,
		function_name TEXT,
		file_name TEXT,
		module_name TEXT,
		input_prompt TEXT NOT NULL,
		generated_code TEXT NOT NULL,
		result TEXT NOT NULL CHECK (result IN ('pass','fail','partial')),
		execution_time_ms INTEGER,
		error_message TEXT,
		tags TEXT,
		created_at TIMESTAMP NOT NULL,
		vector_id INTEGER UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS VectorIdSequence (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_vector_id INTEGER NOT NULL
	)`,
	`INSERT INTO VectorIdSequence (id, last_vector_id)
		SELECT 1, 0 WHERE NOT EXISTS (SELECT 1 FROM VectorIdSequence WHERE id = 1)`,
	`CREATE TABLE IF NOT EXISTS Thoughts (
		ulid TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		previous_thought_id TEXT,
		step_number INTEGER NOT NULL CHECK (step_number >= 1),
		thought_type TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_thoughts_session ON Thoughts(session_id, step_number)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_thoughts_session_step ON Thoughts(session_id, step_number)`,
	`CREATE TABLE IF NOT EXISTS Documents (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		tags TEXT,
		metadata TEXT,
		vector_id INTEGER UNIQUE,
		cache_ttl_seconds INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS SearchWeights (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		alpha REAL NOT NULL,
		beta REAL NOT NULL,
		gamma REAL NOT NULL,
		delta REAL NOT NULL,
		epsilon REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_conversation ON ChatHistory(conversation_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_resource ON ResourceChunks(resource_id)`,
}

// Migrate applies the schema, including the additive source_tool column on
// ChatHistory. Pre-existing rows keep a null source_tool.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, s.rebind(stmt)); err != nil {
			return errors.Wrap(errors.KindInternal, err, "applying migration").
				WithAdapter(string(KindTransactional))
		}
	}
	// Additive column; duplicate-column failure means it already exists.
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE ChatHistory ADD COLUMN source_tool TEXT`); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "duplicate") &&
			!strings.Contains(strings.ToLower(err.Error()), "exists") {
			return errors.Wrap(errors.KindInternal, err, "adding source_tool column").
				WithAdapter(string(KindTransactional))
		}
	}
	return nil
}

// rebind converts ?-style placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.provider != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execer covers *sql.DB and *sql.Tx for inserts that report their id.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertReturningID runs an INSERT and reports the generated row id. The
// postgres driver does not implement LastInsertId, so that path appends
// RETURNING id instead.
func (s *SQLStore) insertReturningID(ctx context.Context, q execer, query string, args ...any) (int64, error) {
	if s.provider == "postgres" {
		var id int64
		if err := q.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	result, err := q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLStore) Kind() Kind { return KindTransactional }

// IsAvailable pings the database with a short deadline.
func (s *SQLStore) IsAvailable(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(pingCtx) == nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

func wrapSQL(err error, op string) error {
	if err == nil {
		return nil
	}
	kind := errors.KindInternal
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate"):
		kind = errors.KindConflict
	case strings.Contains(msg, "no such") || err == sql.ErrNoRows:
		kind = errors.KindNotFound
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "connection"):
		kind = errors.KindUnavailable
	}
	return errors.Wrap(kind, err, "%s", op).WithAdapter(string(KindTransactional))
}

// --- uniform document surface ---

// Store upserts the composite document row.
func (s *SQLStore) Store(ctx context.Context, entityID string, p *types.DocumentPayload) error {
	tags, _ := json.Marshal(p.Tags)
	meta, _ := json.Marshal(p.Metadata)
	var vectorID any
	if p.VectorID > 0 {
		vectorID = p.VectorID
	}
	query := `INSERT INTO Documents (id, content, content_hash, tags, metadata, vector_id, cache_ttl_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			tags = excluded.tags,
			metadata = excluded.metadata,
			vector_id = excluded.vector_id,
			cache_ttl_seconds = excluded.cache_ttl_seconds,
			updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		entityID, p.Content, p.ContentHash, string(tags), string(meta),
		vectorID, int64(p.CacheTTL.Seconds()), p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return wrapSQL(err, "storing document "+entityID)
}

// Retrieve loads the composite document row.
func (s *SQLStore) Retrieve(ctx context.Context, entityID string) (*types.DocumentPayload, error) {
	query := `SELECT content, content_hash, tags, metadata, vector_id, cache_ttl_seconds, created_at, updated_at
		FROM Documents WHERE id = ?`
	row := s.db.QueryRowContext(ctx, s.rebind(query), entityID)

	p := &types.DocumentPayload{ID: entityID}
	var tags, meta sql.NullString
	var vectorID sql.NullInt64
	var ttlSeconds int64
	err := row.Scan(&p.Content, &p.ContentHash, &tags, &meta, &vectorID, &ttlSeconds, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("document %s not found", entityID).WithAdapter(string(KindTransactional))
	}
	if err != nil {
		return nil, wrapSQL(err, "retrieving document "+entityID)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &p.Tags)
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &p.Metadata)
	}
	if vectorID.Valid {
		p.VectorID = vectorID.Int64
	}
	p.CacheTTL = time.Duration(ttlSeconds) * time.Second
	return p, nil
}

// Delete removes the composite document row.
func (s *SQLStore) Delete(ctx context.Context, entityID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM Documents WHERE id = ?`), entityID)
	return wrapSQL(err, "deleting document "+entityID)
}

// --- vector id sequence ---

// AllocateVectorID increments the single-row sequence inside a local
// transaction; the row lock serialises concurrent allocations.
func (s *SQLStore) AllocateVectorID(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapSQL(err, "beginning sequence transaction")
	}
	defer func() { _ = tx.Rollback() }()

	id, err := allocateVectorIDTx(ctx, tx, s.rebind)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapSQL(err, "committing sequence transaction")
	}
	return id, nil
}

func allocateVectorIDTx(ctx context.Context, tx *sql.Tx, rebind func(string) string) (int64, error) {
	if _, err := tx.ExecContext(ctx, rebind(
		`UPDATE VectorIdSequence SET last_vector_id = last_vector_id + 1 WHERE id = 1`)); err != nil {
		return 0, wrapSQL(err, "incrementing vector id sequence")
	}
	var id int64
	if err := tx.QueryRowContext(ctx, rebind(
		`SELECT last_vector_id FROM VectorIdSequence WHERE id = 1`)).Scan(&id); err != nil {
		return 0, wrapSQL(err, "reading vector id sequence")
	}
	return id, nil
}

// LastVectorID reports the highest allocated id.
func (s *SQLStore) LastVectorID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT last_vector_id FROM VectorIdSequence WHERE id = 1`)).Scan(&id)
	if err != nil {
		return 0, wrapSQL(err, "reading vector id sequence")
	}
	return id, nil
}

// --- resources and chunks ---

// InsertResourceWithChunks writes the resource and its chunk rows in one
// local transaction, allocating a strictly increasing vector id per chunk.
func (s *SQLStore) InsertResourceWithChunks(ctx context.Context, res *types.Resource, chunkTexts []string) ([]types.Chunk, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapSQL(err, "beginning ingest transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO Resources (id, file_name, type, created_at, content) VALUES (?, ?, ?, ?, ?)`),
		res.ID, res.FileName, string(res.Type), res.CreatedAt.UTC(), res.Content); err != nil {
		return nil, wrapSQL(err, "inserting resource "+res.ID)
	}

	chunks := make([]types.Chunk, 0, len(chunkTexts))
	for _, text := range chunkTexts {
		vectorID, err := allocateVectorIDTx(ctx, tx, s.rebind)
		if err != nil {
			return nil, err
		}
		chunkID, err := s.insertReturningID(ctx, tx,
			`INSERT INTO ResourceChunks (resource_id, chunk_text, vector_id, generation_method) VALUES (?, ?, ?, 'sequential')`,
			res.ID, text, vectorID)
		if err != nil {
			return nil, wrapSQL(err, "inserting chunk")
		}
		chunks = append(chunks, types.Chunk{
			ID:               chunkID,
			ResourceID:       res.ID,
			Text:             text,
			VectorID:         vectorID,
			GenerationMethod: "sequential",
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapSQL(err, "committing ingest transaction")
	}
	return chunks, nil
}

// GetResource loads a resource row by id.
func (s *SQLStore) GetResource(ctx context.Context, id string) (*types.Resource, error) {
	res := &types.Resource{ID: id}
	var rtype string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT file_name, type, created_at, content FROM Resources WHERE id = ?`), id).
		Scan(&res.FileName, &rtype, &res.CreatedAt, &res.Content)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("resource %s not found", id).WithAdapter(string(KindTransactional))
	}
	if err != nil {
		return nil, wrapSQL(err, "loading resource "+id)
	}
	res.Type = types.ResourceType(rtype)
	return res, nil
}

// DeleteResource removes the resource and cascades to its chunks,
// returning the orphaned vector ids.
func (s *SQLStore) DeleteResource(ctx context.Context, id string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT vector_id FROM ResourceChunks WHERE resource_id = ?`), id)
	if err != nil {
		return nil, wrapSQL(err, "listing chunk vector ids")
	}
	var vectorIDs []int64
	for rows.Next() {
		var vid int64
		if err := rows.Scan(&vid); err != nil {
			_ = rows.Close()
			return nil, wrapSQL(err, "scanning vector id")
		}
		vectorIDs = append(vectorIDs, vid)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapSQL(err, "iterating vector ids")
	}

	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM Resources WHERE id = ?`), id); err != nil {
		return nil, wrapSQL(err, "deleting resource "+id)
	}
	return vectorIDs, nil
}

// ChunkVectorIDs lists the vector ids of a resource's chunks.
func (s *SQLStore) ChunkVectorIDs(ctx context.Context, resourceID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT vector_id FROM ResourceChunks WHERE resource_id = ? ORDER BY vector_id ASC`), resourceID)
	if err != nil {
		return nil, wrapSQL(err, "listing chunk vector ids")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapSQL(err, "scanning vector id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetChunksByVectorIDs bulk-loads chunks joined with their resources,
// preserving no particular order.
func (s *SQLStore) GetChunksByVectorIDs(ctx context.Context, vectorIDs []int64) ([]types.ChunkWithResource, error) {
	if len(vectorIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vectorIDs)), ",")
	args := make([]any, len(vectorIDs))
	for i, v := range vectorIDs {
		args[i] = v
	}
	query := fmt.Sprintf(`SELECT c.id, c.resource_id, c.chunk_text, c.vector_id, c.generation_method,
			r.file_name, r.type, r.created_at
		FROM ResourceChunks c JOIN Resources r ON r.id = c.resource_id
		WHERE c.vector_id IN (%s)`, placeholders)
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrapSQL(err, "loading chunks by vector id")
	}
	defer rows.Close()

	var out []types.ChunkWithResource
	for rows.Next() {
		var cw types.ChunkWithResource
		var rtype string
		if err := rows.Scan(&cw.ID, &cw.ResourceID, &cw.Text, &cw.VectorID, &cw.GenerationMethod,
			&cw.FileName, &rtype, &cw.CreatedAt); err != nil {
			return nil, wrapSQL(err, "scanning chunk")
		}
		cw.ResourceType = types.ResourceType(rtype)
		out = append(out, cw)
	}
	return out, rows.Err()
}

// --- chat history ---

// LogChat appends a conversation turn and returns the message id.
func (s *SQLStore) LogChat(ctx context.Context, msg *types.ChatMessage) (int64, error) {
	var meta any
	if msg.Metadata != nil {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return 0, errors.Validation("chat metadata is not serialisable: %v", err)
		}
		meta = string(data)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	id, err := s.insertReturningID(ctx, s.db,
		`INSERT INTO ChatHistory (conversation_id, role, content, timestamp, agent_name, metadata, source_tool)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, string(msg.Role), msg.Content, ts.UTC(),
		nullable(msg.AgentName), meta, nullable(msg.SourceTool))
	if err != nil {
		return 0, wrapSQL(err, "logging chat message")
	}
	return id, nil
}

// GetChatsByTool lists messages tagged with a source tool, newest first.
// Rows from before the source_tool migration have a null tag and never
// match.
func (s *SQLStore) GetChatsByTool(ctx context.Context, sourceTool string, limit int, conversationID string) ([]types.ChatMessage, error) {
	query := `SELECT id, conversation_id, role, content, timestamp, agent_name, metadata, source_tool
		FROM ChatHistory WHERE source_tool = ?`
	args := []any{sourceTool}
	if conversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrapSQL(err, "listing chats by tool")
	}
	defer rows.Close()

	var out []types.ChatMessage
	for rows.Next() {
		msg, err := scanChatMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func scanChatMessage(rows *sql.Rows) (*types.ChatMessage, error) {
	var msg types.ChatMessage
	var role string
	var agent, meta, tool sql.NullString
	if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.Timestamp,
		&agent, &meta, &tool); err != nil {
		return nil, wrapSQL(err, "scanning chat message")
	}
	msg.Role = types.Role(role)
	msg.AgentName = agent.String
	msg.SourceTool = tool.String
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &msg.Metadata)
	}
	return &msg, nil
}

// --- context links ---

// CreateContextLinks associates the chunks with the message and reports how
// many links were created.
func (s *SQLStore) CreateContextLinks(ctx context.Context, messageID int64, chunkIDs []int64) (int, error) {
	if len(chunkIDs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapSQL(err, "beginning link transaction")
	}
	defer func() { _ = tx.Rollback() }()

	created := 0
	for _, chunkID := range chunkIDs {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO ContextLinks (message_id, chunk_id) VALUES (?, ?)`), messageID, chunkID); err != nil {
			return 0, wrapSQL(err, "inserting context link")
		}
		created++
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapSQL(err, "committing link transaction")
	}
	return created, nil
}

// GetContextLinks lists the links for a message.
func (s *SQLStore) GetContextLinks(ctx context.Context, messageID int64) ([]types.ContextLink, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, message_id, chunk_id FROM ContextLinks WHERE message_id = ?`), messageID)
	if err != nil {
		return nil, wrapSQL(err, "listing context links")
	}
	defer rows.Close()

	var out []types.ContextLink
	for rows.Next() {
		var l types.ContextLink
		if err := rows.Scan(&l.ID, &l.MessageID, &l.ChunkID); err != nil {
			return nil, wrapSQL(err, "scanning context link")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ConversationChunkIDs returns the set of chunk ids linked to any message
// of the conversation.
func (s *SQLStore) ConversationChunkIDs(ctx context.Context, conversationID string) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT DISTINCT l.chunk_id FROM ContextLinks l
		 JOIN ChatHistory m ON m.id = l.message_id
		 WHERE m.conversation_id = ?`), conversationID)
	if err != nil {
		return nil, wrapSQL(err, "listing conversation chunks")
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapSQL(err, "scanning chunk id")
		}
		out[id] = true
	}
	return out, rows.Err()
}

// --- todos ---

// AddTodo inserts a work item.
func (s *SQLStore) AddTodo(ctx context.Context, todo *types.Todo) (int64, error) {
	if todo.Priority == "" {
		todo.Priority = "medium"
	}
	if todo.Status == "" {
		todo.Status = "open"
	}
	created := todo.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	id, err := s.insertReturningID(ctx, s.db,
		`INSERT INTO todos (title, description, priority, status, completed, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		todo.Title, todo.Description, todo.Priority, todo.Status, created)
	if err != nil {
		return 0, wrapSQL(err, "inserting todo")
	}
	return id, nil
}

// ListTodos lists items, optionally filtered by status.
func (s *SQLStore) ListTodos(ctx context.Context, status string, limit int) ([]types.Todo, error) {
	query := `SELECT id, title, description, priority, status, completed, created_at, completed_at FROM todos`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryTodos(ctx, query, args...)
}

// CompleteTodo marks an item done.
func (s *SQLStore) CompleteTodo(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE todos SET completed = 1, status = 'done', completed_at = ? WHERE id = ?`),
		time.Now().UTC(), id)
	if err != nil {
		return wrapSQL(err, "completing todo")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NotFound("todo %d not found", id).WithAdapter(string(KindTransactional))
	}
	return nil
}

// SearchTodos matches title and description substrings.
func (s *SQLStore) SearchTodos(ctx context.Context, query string, limit int) ([]types.Todo, error) {
	like := "%" + query + "%"
	return s.queryTodos(ctx,
		`SELECT id, title, description, priority, status, completed, created_at, completed_at
		 FROM todos WHERE title LIKE ? OR description LIKE ? ORDER BY created_at DESC LIMIT ?`,
		like, like, limit)
}

func (s *SQLStore) queryTodos(ctx context.Context, query string, args ...any) ([]types.Todo, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrapSQL(err, "querying todos")
	}
	defer rows.Close()

	var out []types.Todo
	for rows.Next() {
		var t types.Todo
		var completed int
		var completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Priority, &t.Status,
			&completed, &t.CreatedAt, &completedAt); err != nil {
			return nil, wrapSQL(err, "scanning todo")
		}
		t.Completed = completed != 0
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- code patterns ---

// LogCodePattern records a code-generation attempt.
func (s *SQLStore) LogCodePattern(ctx context.Context, p *types.CodePattern) (int64, error) {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var vectorID any
	if p.VectorID > 0 {
		vectorID = p.VectorID
	}
	id, err := s.insertReturningID(ctx, s.db,
		`INSERT INTO CodePatterns (function_name, file_name, module_name, input_prompt, generated_code,
			result, execution_time_ms, error_message, tags, created_at, vector_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullable(p.FunctionName), nullable(p.FileName), nullable(p.ModuleName),
		p.InputPrompt, p.GeneratedCode, string(p.Result),
		p.ExecutionTimeMS, nullable(p.ErrorMessage), nullable(p.Tags), created, vectorID)
	if err != nil {
		return 0, wrapSQL(err, "logging code pattern")
	}
	return id, nil
}

// SearchCodePatterns matches prompt text, optionally filtered by result.
func (s *SQLStore) SearchCodePatterns(ctx context.Context, query string, result types.PatternResult, limit int) ([]types.CodePattern, error) {
	q := `SELECT id, function_name, file_name, module_name, input_prompt, generated_code,
			result, execution_time_ms, error_message, tags, created_at, vector_id
		FROM CodePatterns WHERE input_prompt LIKE ?`
	args := []any{"%" + query + "%"}
	if result != "" {
		q += ` AND result = ?`
		args = append(args, string(result))
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, wrapSQL(err, "searching code patterns")
	}
	defer rows.Close()

	var out []types.CodePattern
	for rows.Next() {
		var p types.CodePattern
		var fn, file, module, errMsg, tags sql.NullString
		var execMS, vectorID sql.NullInt64
		var res string
		if err := rows.Scan(&p.ID, &fn, &file, &module, &p.InputPrompt, &p.GeneratedCode,
			&res, &execMS, &errMsg, &tags, &p.CreatedAt, &vectorID); err != nil {
			return nil, wrapSQL(err, "scanning code pattern")
		}
		p.FunctionName, p.FileName, p.ModuleName = fn.String, file.String, module.String
		p.Result = types.PatternResult(res)
		p.ExecutionTimeMS = execMS.Int64
		p.ErrorMessage, p.Tags = errMsg.String, tags.String
		p.VectorID = vectorID.Int64
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- summaries ---

// AttachSummary stores a summary row.
func (s *SQLStore) AttachSummary(ctx context.Context, sum *types.Summary) (int64, error) {
	created := sum.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	id, err := s.insertReturningID(ctx, s.db,
		`INSERT INTO Summaries (resource_id, doc_id, summary_text, model, created_at) VALUES (?, ?, ?, ?, ?)`,
		nullable(sum.ResourceID), nullable(sum.DocID), sum.SummaryText, nullable(sum.Model), created)
	if err != nil {
		return 0, wrapSQL(err, "attaching summary")
	}
	return id, nil
}

// GetSummaries lists summaries for a resource or a composite document.
func (s *SQLStore) GetSummaries(ctx context.Context, resourceID, docID string) ([]types.Summary, error) {
	query := `SELECT id, resource_id, doc_id, summary_text, model, created_at FROM Summaries WHERE 1=1`
	var args []any
	if resourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, resourceID)
	}
	if docID != "" {
		query += ` AND doc_id = ?`
		args = append(args, docID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrapSQL(err, "listing summaries")
	}
	defer rows.Close()

	var out []types.Summary
	for rows.Next() {
		var sum types.Summary
		var res, doc, model sql.NullString
		if err := rows.Scan(&sum.ID, &res, &doc, &sum.SummaryText, &model, &sum.CreatedAt); err != nil {
			return nil, wrapSQL(err, "scanning summary")
		}
		sum.ResourceID, sum.DocID, sum.Model = res.String, doc.String, model.String
		out = append(out, sum)
	}
	return out, rows.Err()
}

// --- thoughts ---

// InsertThought writes an immutable thought row.
func (s *SQLStore) InsertThought(ctx context.Context, t *types.Thought) error {
	if err := t.Validate(); err != nil {
		return errors.Validation("invalid thought: %v", err)
	}
	var meta any
	if t.Metadata != nil {
		data, err := json.Marshal(t.Metadata)
		if err != nil {
			return errors.Validation("thought metadata is not serialisable: %v", err)
		}
		meta = string(data)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO Thoughts (ulid, session_id, content, content_hash, previous_thought_id,
			step_number, thought_type, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ULID, t.SessionID, t.Content, t.ContentHash, nullable(t.PreviousThoughtID),
		t.StepNumber, string(t.Type), t.CreatedAt.UTC(), meta)
	return wrapSQL(err, "inserting thought "+t.ULID)
}

// DeleteThought removes a thought row during transaction rollback.
func (s *SQLStore) DeleteThought(ctx context.Context, ulid string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM Thoughts WHERE ulid = ?`), ulid)
	return wrapSQL(err, "deleting thought "+ulid)
}

const thoughtColumns = `ulid, session_id, content, content_hash, previous_thought_id, step_number, thought_type, created_at, metadata`

// GetThought loads one thought by ULID.
func (s *SQLStore) GetThought(ctx context.Context, ulid string) (*types.Thought, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+thoughtColumns+` FROM Thoughts WHERE ulid = ?`), ulid)
	return scanThoughtRow(row, "thought "+ulid)
}

// GetThoughtByStep loads the thought at a given step in a session.
func (s *SQLStore) GetThoughtByStep(ctx context.Context, sessionID string, step int) (*types.Thought, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+thoughtColumns+` FROM Thoughts WHERE session_id = ? AND step_number = ?
		 ORDER BY ulid DESC LIMIT 1`), sessionID, step)
	return scanThoughtRow(row, fmt.Sprintf("thought at step %d of %s", step, sessionID))
}

// LatestThought loads the most recent thought in a session. ULIDs sort
// chronologically, so ordering by ULID is ordering by time.
func (s *SQLStore) LatestThought(ctx context.Context, sessionID string) (*types.Thought, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+thoughtColumns+` FROM Thoughts WHERE session_id = ? ORDER BY ulid DESC LIMIT 1`), sessionID)
	return scanThoughtRow(row, "latest thought of "+sessionID)
}

// ListSessionThoughts lists a session's thoughts in chronological order.
func (s *SQLStore) ListSessionThoughts(ctx context.Context, sessionID string, limit int) ([]types.Thought, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+thoughtColumns+` FROM Thoughts WHERE session_id = ? ORDER BY ulid ASC LIMIT ?`),
		sessionID, limit)
	if err != nil {
		return nil, wrapSQL(err, "listing session thoughts")
	}
	defer rows.Close()

	var out []types.Thought
	for rows.Next() {
		t, err := scanThought(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// LatestSessionSince returns the session id of the most recent thought
// created inside the window, or NotFound.
func (s *SQLStore) LatestSessionSince(ctx context.Context, window time.Duration) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT session_id FROM Thoughts WHERE created_at >= ? ORDER BY ulid DESC LIMIT 1`),
		time.Now().UTC().Add(-window)).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", errors.NotFound("no recent session").WithAdapter(string(KindTransactional))
	}
	if err != nil {
		return "", wrapSQL(err, "looking up recent session")
	}
	return sessionID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThoughtRow(row *sql.Row, what string) (*types.Thought, error) {
	t, err := scanThoughtFrom(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("%s not found", what).WithAdapter(string(KindTransactional))
	}
	if err != nil {
		return nil, wrapSQL(err, "loading "+what)
	}
	return t, nil
}

func scanThought(rows *sql.Rows) (*types.Thought, error) {
	t, err := scanThoughtFrom(rows)
	if err != nil {
		return nil, wrapSQL(err, "scanning thought")
	}
	return t, nil
}

func scanThoughtFrom(sc rowScanner) (*types.Thought, error) {
	var t types.Thought
	var prev, meta sql.NullString
	var ttype string
	if err := sc.Scan(&t.ULID, &t.SessionID, &t.Content, &t.ContentHash, &prev,
		&t.StepNumber, &ttype, &t.CreatedAt, &meta); err != nil {
		return nil, err
	}
	t.PreviousThoughtID = prev.String
	t.Type = types.ThoughtType(ttype)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &t.Metadata)
	}
	return &t, nil
}

// --- search weights ---

// GetSearchWeights reads the single weights row; absence implies defaults.
func (s *SQLStore) GetSearchWeights(ctx context.Context) (types.SearchWeights, error) {
	var w types.SearchWeights
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT alpha, beta, gamma, delta, epsilon FROM SearchWeights WHERE id = 1`)).
		Scan(&w.Alpha, &w.Beta, &w.Gamma, &w.Delta, &w.Epsilon)
	if err == sql.ErrNoRows {
		return types.DefaultSearchWeights(), nil
	}
	if err != nil {
		return types.DefaultSearchWeights(), wrapSQL(err, "reading search weights")
	}
	return w, nil
}

// GetDocumentsByVectorIDs bulk-loads composite documents by vector id.
func (s *SQLStore) GetDocumentsByVectorIDs(ctx context.Context, vectorIDs []int64) ([]types.DocumentPayload, error) {
	if len(vectorIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vectorIDs)), ",")
	args := make([]any, len(vectorIDs))
	for i, v := range vectorIDs {
		args[i] = v
	}
	query := fmt.Sprintf(`SELECT id, content, content_hash, tags, metadata, vector_id, cache_ttl_seconds, created_at, updated_at
		FROM Documents WHERE vector_id IN (%s)`, placeholders)
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrapSQL(err, "loading documents by vector id")
	}
	defer rows.Close()

	var out []types.DocumentPayload
	for rows.Next() {
		var p types.DocumentPayload
		var tags, meta sql.NullString
		var vectorID sql.NullInt64
		var ttlSeconds int64
		if err := rows.Scan(&p.ID, &p.Content, &p.ContentHash, &tags, &meta, &vectorID,
			&ttlSeconds, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, wrapSQL(err, "scanning document")
		}
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &p.Tags)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &p.Metadata)
		}
		if vectorID.Valid {
			p.VectorID = vectorID.Int64
		}
		p.CacheTTL = time.Duration(ttlSeconds) * time.Second
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- consistency scan ---

// ListDocumentIDs pages document ids in lexicographic order for the batch
// reconciliation scan.
func (s *SQLStore) ListDocumentIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id FROM Documents WHERE id > ? ORDER BY id ASC LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, wrapSQL(err, "listing document ids")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapSQL(err, "scanning document id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
