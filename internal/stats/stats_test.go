package stats

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{502, "5xx"},
		{100, "1xx"},
	}
	for _, tt := range tests {
		if got := statusClass(tt.status); got != tt.want {
			t.Errorf("statusClass(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestObserveWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r.Observe(Record{
		RequestID: "req-1",
		Timestamp: now,
		ClientIP:  "198.51.100.7",
		Method:    "GET",
		Path:      "/api/users",
		Route:     "api",
		Kind:      "proxy",
		Status:    200,
		Bytes:     512,
	})
	r.Observe(Record{
		RequestID: "req-2",
		Timestamp: now.Add(time.Minute),
		Route:     "api",
		Kind:      "proxy",
		Status:    502,
	})

	f, err := os.Open(filepath.Join(dir, "requests-2026-03-14.jsonl"))
	if err != nil {
		t.Fatalf("daily file missing: %v", err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].RequestID != "req-1" || records[0].Bytes != 512 {
		t.Errorf("record 0 = %+v", records[0])
	}
}

func TestObserveRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	day1 := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	r.Observe(Record{Timestamp: day1, Route: "a", Kind: "proxy", Status: 200})
	r.Observe(Record{Timestamp: day1.Add(2 * time.Minute), Route: "a", Kind: "proxy", Status: 200})

	for _, name := range []string{"requests-2026-03-14.jsonl", "requests-2026-03-15.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}

func TestMetricsCounting(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder("", reg)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.Observe(Record{Route: "api", Kind: "proxy", Status: 200})
	r.Observe(Record{Route: "api", Kind: "proxy", Status: 200})
	r.Observe(Record{Route: "api", Kind: "proxy", Status: 502})

	got := testutil.ToFloat64(r.requestsTotal.WithLabelValues("api", "proxy", "2xx"))
	if got != 2 {
		t.Errorf("2xx count = %v, want 2", got)
	}
	got = testutil.ToFloat64(r.requestsTotal.WithLabelValues("api", "proxy", "5xx"))
	if got != 1 {
		t.Errorf("5xx count = %v, want 1", got)
	}
}

func TestUnmatchedRecordsAs404(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder("", reg)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.Unmatched(NewRequestID(), "198.51.100.7", "GET", "/nope", 3)

	got := testutil.ToFloat64(r.requestsTotal.WithLabelValues("unmatched", "unmatched", "4xx"))
	if got != 1 {
		t.Errorf("unmatched count = %v, want 1", got)
	}
}

func TestEmptyStatsDirDisablesJSONL(t *testing.T) {
	r, err := NewRecorder("", prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	r.Observe(Record{Route: "a", Kind: "static", Status: 200})
}
