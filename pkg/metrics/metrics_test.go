package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecordOperations(t *testing.T) {
	m := New()

	m.RecordPut(20)
	m.RecordPut(30)
	m.RecordDelete(10)
	m.RecordGet(true)
	m.RecordGet(false)

	snap := m.Snapshot()
	if snap.Puts != 2 || snap.Deletes != 1 {
		t.Errorf("expected 2 puts and 1 delete, got %d and %d", snap.Puts, snap.Deletes)
	}
	if snap.WALBytes != 60 {
		t.Errorf("expected 60 wal bytes, got %d", snap.WALBytes)
	}
	if snap.Gets != 2 || snap.GetHits != 1 {
		t.Errorf("expected 2 gets with 1 hit, got %d/%d", snap.Gets, snap.GetHits)
	}
}

func TestRecordBackgroundWork(t *testing.T) {
	m := New()

	m.RecordFlush(4096)
	m.RecordCompaction(8192, 4096, 3)
	m.RecordCompaction(100, 50, 0)

	snap := m.Snapshot()
	if snap.Flushes != 1 || snap.FlushedBytes != 4096 {
		t.Errorf("unexpected flush counters %+v", snap)
	}
	if snap.Compactions != 2 || snap.CompactionBytesIn != 8292 || snap.TombstonesDropped != 3 {
		t.Errorf("unexpected compaction counters %+v", snap)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordPut(10)

	handler := m.Handler(func() []Gauge {
		return []Gauge{{Name: "lsmkv_memtable_bytes", Help: "Active memtable size", Value: 123}}
	})
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	body := w.Body.String()
	for _, want := range []string{
		"lsmkv_puts_total 1",
		"# TYPE lsmkv_puts_total counter",
		"lsmkv_memtable_bytes 123",
		"# TYPE lsmkv_memtable_bytes gauge",
		"lsmkv_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}
