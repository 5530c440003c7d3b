package ocr

import (
	"context"
	"strings"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

// fakeEngine is a deterministic stand-in for a real OCR vendor, grounded on
// the teacher's deterministicEmbedder pattern (internal/rag/embedder): no
// network call, same shape contract, useful for tests and for running the
// pipeline without a configured OCR backend.
type fakeEngine struct {
	failNext int // number of subsequent calls to fail transiently, for retry tests
}

// NewFakeEngine returns an Engine that splits content on blank lines into
// paragraph blocks with a fixed confidence.
func NewFakeEngine() Engine {
	return &fakeEngine{}
}

// NewFlakyFakeEngine returns an Engine whose first failCount calls fail with
// docerr.TransientUpstream, then succeeds like NewFakeEngine — grounded on
// spec Testable Property S2 (OCR transient failure then success).
func NewFlakyFakeEngine(failCount int) Engine {
	return &fakeEngine{failNext: failCount}
}

func (f *fakeEngine) Process(ctx context.Context, content []byte, format string) ([]Block, error) {
	if f.failNext > 0 {
		f.failNext--
		return nil, docerr.New(docerr.TransientUpstream, "ocr.Process", nil)
	}
	if len(content) == 0 {
		return nil, docerr.New(docerr.PermanentUpstream, "ocr.Process", nil)
	}

	text := string(content)
	paras := strings.Split(text, "\n\n")
	blocks := make([]Block, 0, len(paras))
	page := 1
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		layout := "paragraph"
		switch {
		case strings.HasPrefix(p, "#"):
			layout = "heading"
		case strings.HasPrefix(p, "-") || strings.HasPrefix(p, "*"):
			layout = "list"
		case strings.Contains(p, "\t") || strings.Count(p, "|") > 2:
			layout = "table"
		}
		blocks = append(blocks, Block{Text: p, Page: page, Layout: layout, Confidence: 0.97})
	}
	return blocks, nil
}
