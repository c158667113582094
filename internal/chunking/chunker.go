// Package chunking splits resource content into retrievable chunks.
// Splitting is deterministic: the same content always yields the same
// chunk sequence.
package chunking

import (
	"strings"
	"unicode"
)

// Config tunes the splitter.
type Config struct {
	// MaxChunkChars caps a single chunk; longer sentences are hard-split
	// on word boundaries.
	MaxChunkChars int
	// MinSentenceChars merges very short sentences into the previous
	// chunk instead of emitting a fragment of their own.
	MinSentenceChars int
}

// DefaultConfig returns the splitter defaults.
func DefaultConfig() Config {
	return Config{
		MaxChunkChars:    1200,
		MinSentenceChars: 15,
	}
}

// Chunker splits text into sentence-aligned chunks.
type Chunker struct {
	cfg Config
}

// New creates a chunker, normalising out-of-range configuration.
func New(cfg Config) *Chunker {
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = DefaultConfig().MaxChunkChars
	}
	if cfg.MinSentenceChars < 0 {
		cfg.MinSentenceChars = 0
	}
	return &Chunker{cfg: cfg}
}

// Split breaks content into chunks. Empty or whitespace-only content
// yields no chunks.
func (c *Chunker) Split(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	var chunks []string
	for _, sentence := range splitSentences(content) {
		if len(sentence) > c.cfg.MaxChunkChars {
			chunks = append(chunks, hardSplit(sentence, c.cfg.MaxChunkChars)...)
			continue
		}
		// Merge fragments shorter than the threshold into the previous
		// chunk so trailing "Yes." style sentences do not become chunks
		// of their own.
		if len(sentence) < c.cfg.MinSentenceChars && len(chunks) > 0 &&
			len(chunks[len(chunks)-1])+1+len(sentence) <= c.cfg.MaxChunkChars {
			chunks[len(chunks)-1] += " " + sentence
			continue
		}
		chunks = append(chunks, sentence)
	}
	return chunks
}

// splitSentences cuts on terminal punctuation followed by whitespace, and
// on blank lines. Abbreviation handling is intentionally minimal; chunk
// boundaries need to be stable, not linguistically perfect.
func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		b.WriteRune(r)
		terminal := r == '.' || r == '!' || r == '?'
		if terminal && (i+1 >= len(runes) || unicode.IsSpace(runes[i+1])) {
			if s := strings.TrimSpace(b.String()); s != "" {
				sentences = append(sentences, s)
			}
			b.Reset()
			continue
		}
		if r == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			if s := strings.TrimSpace(b.String()); s != "" {
				sentences = append(sentences, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// hardSplit cuts an over-long sentence on word boundaries.
func hardSplit(sentence string, maxChars int) []string {
	words := strings.Fields(sentence)
	var out []string
	var b strings.Builder
	for _, word := range words {
		if b.Len() > 0 && b.Len()+1+len(word) > maxChars {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
