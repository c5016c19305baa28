package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFixedChar_DenseIndexing(t *testing.T) {
	text := strings.Repeat("word ", 400)
	chunks := Split(text, Options{Strategy: StrategyFixedChar, ChunkSize: 100, OverlapPercent: 10})
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}

func TestSplitFixedChar_SizeBound(t *testing.T) {
	text := strings.Repeat("abcdefghij", 200)
	chunks := Split(text, Options{Strategy: StrategyFixedChar, ChunkSize: 50})
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 75)
	}
}

func TestSplitFixedChar_Deterministic(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog repeatedly and again and again"
	opt := Options{Strategy: StrategyFixedChar, ChunkSize: 20, OverlapPercent: 20}
	a := Split(text, opt)
	b := Split(text, opt)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Text, b[i].Text)
	}
}

func TestSplitTokenAware(t *testing.T) {
	text := strings.Join(make([]string, 50), "word ")
	text = strings.TrimSpace(strings.Repeat("word ", 50))
	chunks := Split(text, Options{Strategy: StrategyTokenAware, ChunkSize: 10, OverlapPercent: 20})
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Text)
	}
}

func TestSplitRecursiveSeparator_PrefersParagraphs(t *testing.T) {
	text := "Paragraph one is short.\n\nParagraph two is also short.\n\nParagraph three closes things out."
	chunks := Split(text, Options{Strategy: StrategyRecursiveSeparator, ChunkSize: 40, OverlapPercent: 0})
	require.NotEmpty(t, chunks)
	joined := strings.Join(chunkTexts(chunks), "")
	assert.Contains(t, joined, "Paragraph one")
	assert.Contains(t, joined, "Paragraph three")
}

func TestSplitSemanticParagraph_NeverSplitsMidParagraph(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph, a bit longer than the first one honestly.\n\nThird."
	chunks := Split(text, Options{Strategy: StrategySemanticParagraph, ChunkSize: 30})
	for _, c := range chunks {
		assert.NotContains(t, c.Text, "\n\n\n")
	}
	joined := strings.Join(chunkTexts(chunks), " ")
	assert.Contains(t, joined, "First paragraph")
	assert.Contains(t, joined, "Third")
}

func TestSplitEmptyInput(t *testing.T) {
	assert.Empty(t, Split("", Options{Strategy: StrategyFixedChar, ChunkSize: 10}))
	assert.Empty(t, Split("   \n  ", Options{Strategy: StrategySemanticParagraph, ChunkSize: 10}))
}

func chunkTexts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
