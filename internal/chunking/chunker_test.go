package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmptyContent(t *testing.T) {
	c := New(DefaultConfig())
	assert.Nil(t, c.Split(""))
	assert.Nil(t, c.Split("   \n\t  "))
}

func TestSplitSentences(t *testing.T) {
	c := New(DefaultConfig())
	chunks := c.Split("Machine learning is a subset of AI. It trains models on data.")
	require.Len(t, chunks, 2)
	assert.Equal(t, "Machine learning is a subset of AI.", chunks[0])
	assert.Equal(t, "It trains models on data.", chunks[1])
}

func TestSplitMergesShortFragments(t *testing.T) {
	c := New(DefaultConfig())
	chunks := c.Split("The deployment failed because of a missing env var. Yes.")
	require.Len(t, chunks, 1)
	assert.True(t, strings.HasSuffix(chunks[0], "Yes."))
}

func TestSplitIsDeterministic(t *testing.T) {
	c := New(DefaultConfig())
	content := "First sentence here. Second sentence here. Third one follows!"
	first := c.Split(content)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Split(content))
	}
}

func TestSplitParagraphBoundary(t *testing.T) {
	c := New(DefaultConfig())
	chunks := c.Split("A paragraph without terminal punctuation\n\nAnother paragraph follows here")
	require.Len(t, chunks, 2)
	assert.Equal(t, "A paragraph without terminal punctuation", chunks[0])
}

func TestSplitHardSplitsLongSentences(t *testing.T) {
	c := New(Config{MaxChunkChars: 40, MinSentenceChars: 15})
	long := strings.Repeat("word ", 30) + "end."
	chunks := c.Split(long)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 40)
	}
}

func TestSplitQuestionAndExclamation(t *testing.T) {
	c := New(DefaultConfig())
	chunks := c.Split("Does the cache invalidate correctly? The answer surprised everyone!")
	require.Len(t, chunks, 2)
}
