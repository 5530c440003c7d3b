package obs

import "testing"

func TestMockMetrics_RecordsCountsAndHistograms(t *testing.T) {
	m := NewMockMetrics()
	m.IncCounter("ingest_docs_total", map[string]string{"tenant": "acme"})
	m.IncCounter("ingest_docs_total", map[string]string{"tenant": "acme"})
	m.ObserveHistogram("ingest_stage_ms", 12, map[string]string{"stage": "ocr"})
	m.ObserveHistogram("ingest_stage_ms", 34, map[string]string{"stage": "chunk"})

	if m.Counters["ingest_docs_total"] != 2 {
		t.Fatalf("expected 2 docs, got %d", m.Counters["ingest_docs_total"])
	}
	if len(m.Hists["ingest_stage_ms"]) != 2 {
		t.Fatalf("expected 2 histogram records, got %d", len(m.Hists["ingest_stage_ms"]))
	}
}

func TestNoopMetrics_DoesNotPanic(t *testing.T) {
	var m NoopMetrics
	m.IncCounter("x", nil)
	m.ObserveHistogram("y", 1, nil)
}
