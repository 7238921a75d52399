package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"", "/"},
		{"/healthz", "/healthz"},
		{"/api/uploads", "/api/uploads"},
		{"/api/uploads/sess-123", "/api/uploads/:session_id"},
		{"/api/uploads/sess-123/chunks/4", "/api/uploads/:session_id/chunks/:index"},
		{"/api/uploads/sess-123/complete", "/api/uploads/:session_id/complete"},
		{"/api/merges/job-9", "/api/merges/:job_id"},
		{"/api/assets/asset-7/segments/2", "/api/assets/:asset_id/segments/:index"},
		{"/media/asset-7", "/media/:token"},
	}
	for _, tc := range tests {
		if got := normalizePath(tc.path); got != tc.want {
			t.Fatalf("normalizePath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestSessionGaugeNeverNegative(t *testing.T) {
	recorder := New()
	recorder.SessionFinished("failed")
	if got := recorder.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions = %d, want 0", got)
	}

	recorder.SessionStarted()
	recorder.SessionStarted()
	recorder.SessionFinished("completed")
	if got := recorder.ActiveSessions(); got != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", got)
	}
}

func TestMergeJobCounts(t *testing.T) {
	recorder := New()
	recorder.MergeJobStarted()
	recorder.MergeJobFinished("completed")
	recorder.MergeJobStarted()
	recorder.MergeJobFinished("failed")
	recorder.MergeJobRejected()

	events, active := recorder.MergeJobCounts()
	if active != 0 {
		t.Fatalf("active = %d, want 0", active)
	}
	if events[MergeJobLabel{Status: "completed"}] != 1 {
		t.Fatalf("completed = %d, want 1", events[MergeJobLabel{Status: "completed"}])
	}
	if events[MergeJobLabel{Status: "failed"}] != 1 {
		t.Fatalf("failed = %d, want 1", events[MergeJobLabel{Status: "failed"}])
	}
	if events[MergeJobLabel{Status: "rejected"}] != 1 {
		t.Fatalf("rejected = %d, want 1", events[MergeJobLabel{Status: "rejected"}])
	}
}

func TestHandlerExposition(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("GET", "/api/assets/asset-1", 200, 25*time.Millisecond)
	recorder.SessionStarted()
	recorder.ObserveChunk(2048)
	recorder.ObserveStreamRead(4096)

	resp := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(resp, httptest.NewRequest("GET", "/metrics", nil))

	if got := resp.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("Content-Type = %q", got)
	}

	body := resp.Body.String()
	wantLines := []string{
		`clipforge_http_requests_total{method="GET",path="/api/assets/:asset_id",status="200"} 1`,
		`clipforge_upload_sessions_total{event="initiated"} 1`,
		"clipforge_active_upload_sessions 1",
		"clipforge_chunks_received_total 1",
		"clipforge_chunk_bytes_total 2048",
		"clipforge_stream_reads_total 1",
		"clipforge_stream_bytes_total 4096",
	}
	for _, line := range wantLines {
		if !strings.Contains(body, line) {
			t.Fatalf("exposition missing %q in:\n%s", line, body)
		}
	}
}

func TestReset(t *testing.T) {
	recorder := New()
	recorder.SessionStarted()
	recorder.ObserveChunk(10)
	recorder.Reset()

	if got := recorder.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions = %d after reset", got)
	}
	if counts := recorder.SessionCounts(); len(counts) != 0 {
		t.Fatalf("SessionCounts = %v after reset", counts)
	}
}
