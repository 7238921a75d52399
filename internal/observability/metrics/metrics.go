package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// MergeJobLabel identifies merge job lifecycle counters by outcome.
type MergeJobLabel struct {
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, upload session lifecycle events, chunk throughput, merge job
// outcomes, and streaming reads. It coordinates concurrent writers via a
// RWMutex while exposing thread-safe gauges for in-flight work.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	chunkCount      uint64
	chunkBytes      uint64
	mergeEvents     map[MergeJobLabel]uint64
	activeSessions  atomic.Int64
	activeMerges    atomic.Int64
	streamRequests  uint64
	streamBytes     uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		mergeEvents:     make(map[MergeJobLabel]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records an initiated upload session and increments the
// active session gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("initiated")
	r.activeSessions.Add(1)
}

// SessionFinished records a terminal upload session event ("completed",
// "expired", or "failed") and decrements the active session gauge.
func (r *Recorder) SessionFinished(outcome string) {
	r.incrementSessionEvent(outcome)
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ObserveChunk accumulates received chunk counts and byte totals.
func (r *Recorder) ObserveChunk(size int64) {
	if size < 0 {
		size = 0
	}
	r.mu.Lock()
	r.chunkCount++
	r.chunkBytes += uint64(size)
	r.mu.Unlock()
}

// MergeJobStarted records a merge job claiming a worker and increments the
// active merge gauge.
func (r *Recorder) MergeJobStarted() {
	r.recordMergeEvent("running")
	r.activeMerges.Add(1)
}

// MergeJobFinished records a terminal merge job outcome ("succeeded",
// "failed", "timed_out", or "cancelled") and decrements the active merge
// gauge.
func (r *Recorder) MergeJobFinished(status string) {
	r.recordMergeEvent(status)
	r.decrementGauge(&r.activeMerges)
}

// MergeJobRejected records a submission rejected by queue backpressure.
func (r *Recorder) MergeJobRejected() {
	r.recordMergeEvent("rejected")
}

func (r *Recorder) recordMergeEvent(status string) {
	label := MergeJobLabel{Status: normalizeName(status)}
	r.mu.Lock()
	r.mergeEvents[label]++
	r.mu.Unlock()
}

// ObserveStreamRead accumulates streaming read requests and bytes served.
func (r *Recorder) ObserveStreamRead(bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	r.mu.Lock()
	r.streamRequests++
	r.streamBytes += uint64(bytes)
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of in-flight upload sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ActiveMergeJobs exposes the current number of merge jobs holding a worker.
func (r *Recorder) ActiveMergeJobs() int64 {
	return r.activeMerges.Load()
}

// MergeJobCounts returns a copy of the merge event counters and the current
// active gauge value for tests and reporting.
func (r *Recorder) MergeJobCounts() (events map[MergeJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[MergeJobLabel]uint64, len(r.mergeEvents))
	for k, v := range r.mergeEvents {
		events[k] = v
	}
	return events, r.activeMerges.Load()
}

// SessionCounts returns a copy of the session event counters.
func (r *Recorder) SessionCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		events[k] = v
	}
	return events
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.mergeEvents = make(map[MergeJobLabel]uint64)
	r.chunkCount = 0
	r.chunkBytes = 0
	r.streamRequests = 0
	r.streamBytes = 0
	r.activeSessions.Store(0)
	r.activeMerges.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := r.sortedSessionEvents()
	mergeLabels := r.sortedMergeLabels()

	fmt.Fprintln(w, "# HELP clipforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE clipforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "clipforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP clipforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE clipforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "clipforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP clipforge_upload_sessions_total Upload session lifecycle events by outcome")
	fmt.Fprintln(w, "# TYPE clipforge_upload_sessions_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "clipforge_upload_sessions_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP clipforge_active_upload_sessions Current number of in-flight upload sessions")
	fmt.Fprintln(w, "# TYPE clipforge_active_upload_sessions gauge")
	fmt.Fprintf(w, "clipforge_active_upload_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP clipforge_chunks_received_total Total chunks accepted across all sessions")
	fmt.Fprintln(w, "# TYPE clipforge_chunks_received_total counter")
	fmt.Fprintf(w, "clipforge_chunks_received_total %d\n", r.chunkCount)

	fmt.Fprintln(w, "# HELP clipforge_chunk_bytes_total Total chunk payload bytes accepted")
	fmt.Fprintln(w, "# TYPE clipforge_chunk_bytes_total counter")
	fmt.Fprintf(w, "clipforge_chunk_bytes_total %d\n", r.chunkBytes)

	fmt.Fprintln(w, "# HELP clipforge_merge_jobs_total Merge job events by status")
	fmt.Fprintln(w, "# TYPE clipforge_merge_jobs_total counter")
	for _, label := range mergeLabels {
		fmt.Fprintf(w, "clipforge_merge_jobs_total{status=\"%s\"} %d\n", label.Status, r.mergeEvents[label])
	}

	fmt.Fprintln(w, "# HELP clipforge_active_merge_jobs Current number of merge jobs holding a worker")
	fmt.Fprintln(w, "# TYPE clipforge_active_merge_jobs gauge")
	fmt.Fprintf(w, "clipforge_active_merge_jobs %d\n", r.activeMerges.Load())

	fmt.Fprintln(w, "# HELP clipforge_stream_reads_total Total streaming read requests served")
	fmt.Fprintln(w, "# TYPE clipforge_stream_reads_total counter")
	fmt.Fprintf(w, "clipforge_stream_reads_total %d\n", r.streamRequests)

	fmt.Fprintln(w, "# HELP clipforge_stream_bytes_total Total bytes served to streaming readers")
	fmt.Fprintln(w, "# TYPE clipforge_stream_bytes_total counter")
	fmt.Fprintf(w, "clipforge_stream_bytes_total %d\n", r.streamBytes)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedSessionEvents() []string {
	events := make([]string, 0, len(r.sessionEvents))
	for event := range r.sessionEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedMergeLabels() []MergeJobLabel {
	labels := make([]MergeJobLabel, 0, len(r.mergeEvents))
	for label := range r.mergeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Status < labels[j].Status })
	return labels
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// normalizePath collapses resource identifiers embedded in request paths so
// the label cardinality stays bounded no matter how many sessions, jobs, or
// assets the server handles.
func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "/" {
		return "/"
	}
	segments := strings.Split(strings.Trim(trimmed, "/"), "/")
	collapsible := map[string]string{
		"uploads":  ":session_id",
		"merges":   ":job_id",
		"assets":   ":asset_id",
		"chunks":   ":index",
		"segments": ":index",
		"media":    ":token",
	}
	for i := 0; i < len(segments)-1; i++ {
		if placeholder, ok := collapsible[segments[i]]; ok {
			segments[i+1] = placeholder
			if segments[i] == "media" && i+2 < len(segments) {
				segments[i+2] = ":asset_id"
			}
		}
	}
	return "/" + strings.Join(segments, "/")
}
