package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-labs/docsearch/internal/ocr"
)

func TestSplit_DiscardsEmptyBlocks(t *testing.T) {
	blocks := []ocr.Block{{Text: "   "}, {Text: "real content here."}}
	got := Split(blocks, Options{})
	require.Len(t, got, 1)
	assert.Equal(t, "real content here.", got[0].Content)
}

func TestSplit_SequenceIsMonotonicFromZero(t *testing.T) {
	longText := strings.Repeat("Pump A123 flow rate 500 GPM. ", 100)
	blocks := []ocr.Block{{Text: longText, Page: 1, Confidence: 0.9}}
	got := Split(blocks, Options{ChunkSize: 200, ChunkOverlap: 40})
	require.Greater(t, len(got), 1)
	for i, c := range got {
		assert.Equal(t, i, c.Sequence)
		assert.LessOrEqual(t, len(c.Content), 260, "chunk must stay within roughly ChunkSize+overlap bound")
	}
}

func TestSplit_NeverSplitsMidSentenceWhenPreservingLayout(t *testing.T) {
	text := "First sentence is short. Second sentence is also fairly short. Third one finishes it."
	blocks := []ocr.Block{{Text: text, Layout: "paragraph"}}
	got := Split(blocks, Options{ChunkSize: 40, ChunkOverlap: 10, PreserveLayout: true})
	for _, c := range got {
		trimmed := strings.TrimSpace(c.Content)
		assert.True(t, strings.HasSuffix(trimmed, ".") || trimmed == "", "chunk %q must end at a sentence boundary", trimmed)
	}
}

func TestSplit_AtomicTableKeptWholeWhenItFits(t *testing.T) {
	table := "Row1 | a | b\nRow2 | c | d"
	blocks := []ocr.Block{{Text: table, Layout: "table", Confidence: 0.95}}
	got := Split(blocks, Options{ChunkSize: 1000, PreserveLayout: true})
	require.Len(t, got, 1)
	assert.Equal(t, table, got[0].Content)
	assert.True(t, got[0].PreservingLayout)
}

func TestSplit_NormalizesHTMLBlocksToMarkdownTable(t *testing.T) {
	blocks := []ocr.Block{{Text: "<table><tr><td>a</td><td>b</td></tr></table>", Layout: LayoutHTML, Confidence: 0.8}}
	got := Split(blocks, Options{ChunkSize: 1000, PreserveLayout: true})
	require.Len(t, got, 1)
	assert.NotContains(t, got[0].Content, "<table>")
	assert.Equal(t, "table", got[0].Layout)
}

func TestSplit_ConsecutiveChunksOverlap(t *testing.T) {
	longText := strings.Repeat("Sentence number filler text here. ", 60)
	blocks := []ocr.Block{{Text: longText}}
	got := Split(blocks, Options{ChunkSize: 150, ChunkOverlap: 50})
	require.Greater(t, len(got), 1)

	first := strings.Fields(got[0].Content)
	second := strings.Fields(got[1].Content)
	overlapFound := false
	for _, w := range first[len(first)/2:] {
		for _, w2 := range second[:len(second)/2+1] {
			if w == w2 {
				overlapFound = true
			}
		}
	}
	assert.True(t, overlapFound, "expected shared words between consecutive chunks from sentence-carry overlap")
}
