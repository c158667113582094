// Package embeddings produces dense vectors for chunk and query text. The
// model and dimension are fixed at process init; every produced vector is
// L2-normalised so cosine similarity reduces to a dot product.
package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/oldnordic/ltmc/internal/errors"
)

// Service turns text into fixed-dimension vectors.
type Service interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns vectors in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the fixed output dimension.
	Dimension() int
	// Model names the embedding model.
	Model() string
}

// LocalHashEmbedder is a deterministic token-hashing embedder. It needs no
// network and gives identical text identical vectors, which is what the
// coordination layer requires of any embedding backend. Semantically it is
// a bag-of-words projection: texts sharing tokens land near each other.
type LocalHashEmbedder struct {
	model     string
	dimension int
}

// NewLocalHashEmbedder creates the embedder.
func NewLocalHashEmbedder(model string, dimension int) (*LocalHashEmbedder, error) {
	if dimension <= 0 {
		return nil, errors.Validation("embedding dimension must be positive, got %d", dimension)
	}
	return &LocalHashEmbedder{model: model, dimension: dimension}, nil
}

func (e *LocalHashEmbedder) Dimension() int { return e.dimension }
func (e *LocalHashEmbedder) Model() string  { return e.model }

// Embed hashes each token into a dimension bucket with a signed weight,
// then L2-normalises the result.
func (e *LocalHashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindTimeout, err, "embedding cancelled")
	}
	vec := make([]float32, e.dimension)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dimension))
		// High bit picks the sign so buckets do not only accumulate.
		if sum&(1<<63) != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}
	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (e *LocalHashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
