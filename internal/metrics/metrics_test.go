package metrics

import "testing"

func TestMock_RecordsCountsAndHists(t *testing.T) {
	m := NewMock()
	m.IncCounter("documents_indexed_total", map[string]string{"tenant": "t1"})
	m.IncCounter("documents_indexed_total", map[string]string{"tenant": "t1"})
	m.ObserveHistogram("retrieval_stage_ms", 12, map[string]string{"stage": "embed"})
	m.ObserveHistogram("retrieval_stage_ms", 34, map[string]string{"stage": "search"})

	if m.Counters["documents_indexed_total"] != 2 {
		t.Fatalf("expected 2, got %d", m.Counters["documents_indexed_total"])
	}
	if len(m.Hists["retrieval_stage_ms"]) != 2 {
		t.Fatalf("expected 2 histogram records, got %d", len(m.Hists["retrieval_stage_ms"]))
	}
}
