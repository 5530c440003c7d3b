// Package chunk implements the Chunker (spec C4): turning OCR output into a
// finite, ordered sequence of overlapping chunks. Grounded on the teacher's
// internal/rag/chunker.SimpleChunker strategy-by-content-shape approach
// (fixed/markdown/code), generalized here to the spec's single contract:
// size-bounded, sentence-boundary overlap, atomic preservation of tables,
// lists and headings when they fit.
package chunk

import (
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/manifold-labs/docsearch/internal/ocr"
)

// LayoutHTML tags an OCR block whose Text is raw markup rather than plain
// text (e.g. table-like DOCX/XLSX extraction output) so Split can normalize
// it to markdown before chunking, the same html-to-markdown conversion step
// the teacher's web fetch tool runs ahead of indexing fetched pages.
const LayoutHTML = "html"

// Options configures chunking. Zero values fall back to spec defaults.
type Options struct {
	ChunkSize      int // max chars per chunk, default 1000
	ChunkOverlap   int // approximate overlap chars, default 100
	PreserveLayout bool
}

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 100
)

// Chunked is one produced chunk, independent of any persistence shape.
type Chunked struct {
	Sequence         int
	Content          string
	Page             int
	Layout           string
	Confidence       float64
	PreservingLayout bool
}

var sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)

// Split produces an ordered sequence of Chunked from OCR blocks (spec §4.2).
// Empty or whitespace-only content is discarded. Atomic blocks (tables,
// lists, headings) are kept whole when they fit within ChunkSize; otherwise
// they are split on their own row/item boundaries rather than mid-sentence.
func Split(blocks []ocr.Block, opt Options) []Chunked {
	size := opt.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	overlap := opt.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = defaultChunkOverlap
	}

	blocks = normalizeHTML(blocks)

	var out []Chunked
	seq := 0
	var carry string // sentence(s) carried forward from the previous chunk as overlap

	flush := func(content string, page int, layout string, confidence float64) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		out = append(out, Chunked{
			Sequence: seq, Content: content, Page: page, Layout: layout,
			Confidence: confidence, PreservingLayout: opt.PreserveLayout,
		})
		seq++
		carry = lastSentences(content, overlap)
	}

	for _, b := range blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}

		isAtomic := opt.PreserveLayout && (b.Layout == "table" || b.Layout == "list" || b.Layout == "heading")
		if isAtomic && len(carry)+len(text) <= size {
			flush(joinCarry(carry, text), b.Page, b.Layout, b.Confidence)
			continue
		}
		if isAtomic {
			// doesn't fit even alone: split on its own row/item boundaries.
			for _, piece := range splitAtomicRows(text) {
				for _, sub := range splitBySentenceWindow(piece, size, overlap, &carry) {
					flush(sub, b.Page, b.Layout, b.Confidence)
				}
			}
			continue
		}

		for _, sub := range splitBySentenceWindow(text, size, overlap, &carry) {
			flush(sub, b.Page, b.Layout, b.Confidence)
		}
	}
	return out
}

// normalizeHTML converts LayoutHTML blocks to markdown, re-tagging them as
// tables so downstream atomic-block preservation still keeps their row
// structure whole when it fits; blocks that fail to convert pass through
// untouched rather than dropping content.
func normalizeHTML(blocks []ocr.Block) []ocr.Block {
	out := make([]ocr.Block, len(blocks))
	for i, b := range blocks {
		if b.Layout != LayoutHTML {
			out[i] = b
			continue
		}
		md, err := htmltomarkdown.ConvertString(b.Text)
		if err != nil {
			out[i] = b
			continue
		}
		out[i] = ocr.Block{Text: md, Page: b.Page, Layout: "table", Confidence: b.Confidence}
	}
	return out
}

func joinCarry(carry, text string) string {
	if carry == "" {
		return text
	}
	return carry + " " + text
}

// splitBySentenceWindow greedily packs sentences into windows of at most
// size chars, carrying the trailing sentence(s) of each window forward as
// the start of the next so boundaries never fall mid-sentence.
func splitBySentenceWindow(text string, size, overlap int, carry *string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var windows []string
	var buf strings.Builder
	if *carry != "" {
		buf.WriteString(*carry)
	}

	for _, s := range sentences {
		if buf.Len() > 0 && buf.Len()+1+len(s) > size {
			windows = append(windows, buf.String())
			tail := lastSentences(buf.String(), overlap)
			buf.Reset()
			if tail != "" && len(tail)+1+len(s) <= size {
				buf.WriteString(tail)
			}
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(s)
	}
	if strings.TrimSpace(buf.String()) != "" {
		windows = append(windows, buf.String())
	}
	*carry = ""
	return windows
}

func splitSentences(text string) []string {
	idxs := sentenceBoundary.FindAllStringIndex(text, -1)
	if len(idxs) == 0 {
		return []string{text}
	}
	var out []string
	prev := 0
	for _, loc := range idxs {
		out = append(out, strings.TrimSpace(text[prev:loc[1]]))
		prev = loc[1]
	}
	if prev < len(text) {
		out = append(out, strings.TrimSpace(text[prev:]))
	}
	return out
}

// lastSentences returns the trailing sentences of text whose combined
// length stays within budget chars — the overlap carried into the next
// chunk. The final sentence is always kept, even when it alone exceeds
// budget.
func lastSentences(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	sentences := splitSentences(text)
	var kept []string
	total := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		s := sentences[i]
		if total+len(s) > budget && len(kept) > 0 {
			break
		}
		kept = append([]string{s}, kept...)
		total += len(s)
		if total >= budget {
			break
		}
	}
	return strings.Join(kept, " ")
}

// splitAtomicRows splits a table/list block on row or item boundaries
// (newlines) rather than mid-sentence, used only when the whole block
// doesn't fit in one chunk.
func splitAtomicRows(text string) []string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}
