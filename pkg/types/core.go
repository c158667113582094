// Package types defines the core entities shared across the LTMC memory
// coordinator: resources, chunks, chat history, thoughts and the composite
// document payload that travels through the backend adapters.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"

	"github.com/oldnordic/ltmc/internal/errors"
)

// ResourceType categorises an ingested resource.
type ResourceType string

const (
	TypeDocument ResourceType = "document"
	TypeCode     ResourceType = "code"
	TypeNote     ResourceType = "note"
	TypeSummary  ResourceType = "summary"
)

// Valid reports whether the resource type is one of the known values.
func (rt ResourceType) Valid() bool {
	switch rt {
	case TypeDocument, TypeCode, TypeNote, TypeSummary:
		return true
	}
	return false
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// ConsistencyLevel selects the coordinator's commit and rollback policy.
type ConsistencyLevel string

const (
	// LevelPrimary requires the transactional store to commit; other
	// participants are fire-and-forget.
	LevelPrimary ConsistencyLevel = "primary"
	// LevelQuorum requires at least three of four participants to commit.
	LevelQuorum ConsistencyLevel = "quorum"
	// LevelStrong requires every participant to commit; any failure rolls
	// back everything committed so far.
	LevelStrong ConsistencyLevel = "strong"
	// LevelEventual dispatches participants asynchronously and returns
	// immediately; reconciliation repairs divergence later.
	LevelEventual ConsistencyLevel = "eventual"
)

// Valid reports whether the level is one of the known values.
func (l ConsistencyLevel) Valid() bool {
	switch l {
	case LevelPrimary, LevelQuorum, LevelStrong, LevelEventual:
		return true
	}
	return false
}

// Resource is an ingested unit of text. It owns its chunks: deleting a
// resource cascades to every chunk and their vector entries.
type Resource struct {
	ID        string       `json:"id"`
	FileName  string       `json:"file_name"`
	Type      ResourceType `json:"type"`
	CreatedAt time.Time    `json:"created_at"`
	Content   string       `json:"content,omitempty"`
}

// Chunk is a contiguous slice of a resource's text. VectorID is globally
// unique over the lifetime of the system and never reused.
type Chunk struct {
	ID               int64  `json:"id"`
	ResourceID       string `json:"resource_id"`
	Text             string `json:"chunk_text"`
	VectorID         int64  `json:"vector_id"`
	GenerationMethod string `json:"generation_method"`
}

// RetrievedChunk is a chunk hydrated for a retrieval result, carrying its
// owning resource's file name and the final similarity score.
type RetrievedChunk struct {
	ChunkID    int64   `json:"chunk_id"`
	ResourceID string  `json:"resource_id"`
	FileName   string  `json:"file_name"`
	VectorID   int64   `json:"vector_id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// ChunkWithResource pairs a chunk with metadata from its owning resource,
// used when bulk-loading retrieval candidates.
type ChunkWithResource struct {
	Chunk
	FileName     string       `json:"file_name"`
	ResourceType ResourceType `json:"resource_type"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ChatMessage is one turn in a conversation.
type ChatMessage struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	AgentName      string         `json:"agent_name,omitempty"`
	SourceTool     string         `json:"source_tool,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ContextLink records that a chunk was supplied as context for a message.
type ContextLink struct {
	ID        int64 `json:"id"`
	MessageID int64 `json:"message_id"`
	ChunkID   int64 `json:"chunk_id"`
}

// Relationship is a typed directed edge between two entity ids in the
// graph store.
type Relationship struct {
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Todo is a tracked work item.
type Todo struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PatternResult classifies the outcome of a code-generation attempt.
type PatternResult string

const (
	PatternPass    PatternResult = "pass"
	PatternFail    PatternResult = "fail"
	PatternPartial PatternResult = "partial"
)

// CodePattern records one code-generation attempt and its outcome.
type CodePattern struct {
	ID              int64         `json:"id"`
	FunctionName    string        `json:"function_name,omitempty"`
	FileName        string        `json:"file_name,omitempty"`
	ModuleName      string        `json:"module_name,omitempty"`
	InputPrompt     string        `json:"input_prompt"`
	GeneratedCode   string        `json:"generated_code"`
	Result          PatternResult `json:"result"`
	ExecutionTimeMS int64         `json:"execution_time_ms,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	Tags            string        `json:"tags,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	VectorID        int64         `json:"vector_id,omitempty"`
}

// Summary is a condensed description attached to a resource or document.
type Summary struct {
	ID          int64     `json:"id"`
	ResourceID  string    `json:"resource_id,omitempty"`
	DocID       string    `json:"doc_id,omitempty"`
	SummaryText string    `json:"summary_text"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HashContent returns the hex-encoded SHA-256 digest of content. It is the
// canonical content hash used for thought integrity and cross-store
// consistency comparison.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,255}$`)

// ValidateIdentifier checks an entity/session/conversation identifier
// against the safe character class and length limit.
func ValidateIdentifier(field, id string) error {
	if id == "" {
		return errors.Validation("%s must not be empty", field)
	}
	if !identifierPattern.MatchString(id) {
		return errors.Validation("%s contains invalid characters or exceeds 255 bytes", field)
	}
	return nil
}
