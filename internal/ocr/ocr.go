// Package ocr defines the OCR Adapter (spec C3): producing ordered text
// blocks with layout and confidence from raw document bytes. The concrete
// OCR vendor is out of scope (spec §1 Non-goals); the GPU-resource
// semaphore gating concurrent calls belongs to the ingestion coordinator
// (internal/ingest), not this package, since the permit must be released on
// every coordinator exit path, not just a successful Process call.
package ocr

import "context"

// Block is one unit of recognized text with its layout classification.
type Block struct {
	Text       string
	Page       int
	Layout     string // "paragraph" | "table" | "list" | "heading"
	Confidence float64
}

// Engine produces an ordered sequence of Blocks for a document's raw bytes.
// Implementations classify failures with docerr: TransientUpstream for
// retriable backend errors, PermanentUpstream for content the engine will
// never be able to process (spec §4.7 step 3).
type Engine interface {
	Process(ctx context.Context, content []byte, format string) ([]Block, error)
}
