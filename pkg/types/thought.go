package types

import (
	"time"

	"github.com/oldnordic/ltmc/internal/errors"
)

// ThoughtType classifies an entry in a reasoning chain.
type ThoughtType string

const (
	ThoughtTypeProblem      ThoughtType = "problem"
	ThoughtTypeIntermediate ThoughtType = "intermediate"
	ThoughtTypeConclusion   ThoughtType = "conclusion"
)

// Valid reports whether the thought type is one of the known values.
func (tt ThoughtType) Valid() bool {
	switch tt {
	case ThoughtTypeProblem, ThoughtTypeIntermediate, ThoughtTypeConclusion:
		return true
	}
	return false
}

// Thought is an immutable entry in a reasoning chain. Identity is a ULID,
// which is lexicographically time-ordered, and the content hash is fixed at
// insert time.
type Thought struct {
	ULID              string         `json:"ulid"`
	SessionID         string         `json:"session_id"`
	Content           string         `json:"content"`
	ContentHash       string         `json:"content_hash"`
	PreviousThoughtID string         `json:"previous_thought_id,omitempty"`
	StepNumber        int            `json:"step_number"`
	Type              ThoughtType    `json:"thought_type"`
	CreatedAt         time.Time      `json:"created_at"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Validate checks structural invariants of a thought before insert.
func (t *Thought) Validate() error {
	if t.ULID == "" {
		return errors.Validation("thought ulid must not be empty")
	}
	if err := ValidateIdentifier("session_id", t.SessionID); err != nil {
		return err
	}
	if t.Content == "" {
		return errors.Validation("thought content must not be empty")
	}
	if t.StepNumber < 1 {
		return errors.Validation("step_number must be >= 1, got %d", t.StepNumber)
	}
	if !t.Type.Valid() {
		return errors.Validation("unknown thought type %q", t.Type)
	}
	if t.ContentHash != HashContent(t.Content) {
		return errors.Validation("content_hash does not match content")
	}
	return nil
}

// VerifyIntegrity re-computes the content hash and reports whether it
// matches the stored hash. Used on every read path.
func (t *Thought) VerifyIntegrity() bool {
	return t.ContentHash == HashContent(t.Content)
}
