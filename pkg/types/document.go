package types

import (
	"time"
)

// DocumentPayload is the opaque payload exchanged between the coordinator
// and the backend adapters for composite documents. The transactional store
// is authoritative for existence; the vector, graph and cache stores hold
// derived copies keyed by the same entity id.
type DocumentPayload struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// VectorID is the external key in the vector index. Zero means no
	// vector has been allocated for this document yet.
	VectorID int64 `json:"vector_id,omitempty"`
	// Vector carries the embedding on the write path; it is not persisted
	// in the transactional store.
	Vector []float32 `json:"-"`

	CacheTTL  time.Duration `json:"cache_ttl,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewDocumentPayload builds a payload with the content hash and timestamps
// filled in.
func NewDocumentPayload(id, content string) *DocumentPayload {
	now := time.Now().UTC()
	return &DocumentPayload{
		ID:          id,
		Content:     content,
		ContentHash: HashContent(content),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// HasTag reports whether the payload carries the given tag.
func (p *DocumentPayload) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// DataVersion identifies one backend's view of an entity for consistency
// comparison. Two backends agree iff their content hashes match.
type DataVersion struct {
	ContentHash string    `json:"content_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SearchWeights tunes the retrieval scoring formula. The record is stored
// as a single row in the transactional store and read at query time;
// absence implies the defaults.
type SearchWeights struct {
	Alpha   float64 `json:"alpha"`   // raw vector similarity
	Beta    float64 `json:"beta"`    // recency
	Gamma   float64 `json:"gamma"`   // resource-type bias
	Delta   float64 `json:"delta"`   // conversation locality
	Epsilon float64 `json:"epsilon"` // chain locality
}

// DefaultSearchWeights returns the system defaults.
func DefaultSearchWeights() SearchWeights {
	return SearchWeights{Alpha: 1.0, Beta: 0.2, Gamma: 0.1, Delta: 0.05, Epsilon: 0.1}
}
