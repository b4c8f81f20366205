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

// Recorder aggregates in-memory counters and gauges for HTTP requests, room
// activity, and conversion job lifecycle events. It coordinates concurrent
// writers via a RWMutex while exposing thread-safe gauges for connected
// viewers and running jobs.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	roomMessages    map[string]uint64
	convertJobs     map[string]uint64
	viewers         atomic.Int64
	activeJobs      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		roomMessages:    make(map[string]uint64),
		convertJobs:     make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across packages that do not
// require a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
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

// ViewerConnected increments the connected viewer gauge.
func (r *Recorder) ViewerConnected() {
	r.viewers.Add(1)
}

// ViewerDisconnected decrements the connected viewer gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) ViewerDisconnected() {
	decrementGauge(&r.viewers)
}

// ObserveRoomMessage records a room protocol message by type.
func (r *Recorder) ObserveRoomMessage(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.roomMessages[normalized]++
	r.mu.Unlock()
}

// ConvertJobStarted records the launch of a conversion job and increments the
// running job gauge.
func (r *Recorder) ConvertJobStarted() {
	r.recordConvertEvent("started")
	r.activeJobs.Add(1)
}

// ConvertJobCompleted records a successful conversion and decrements the
// running job gauge.
func (r *Recorder) ConvertJobCompleted() {
	r.recordConvertEvent("completed")
	decrementGauge(&r.activeJobs)
}

// ConvertJobFailed records a failed conversion and decrements the running job
// gauge.
func (r *Recorder) ConvertJobFailed() {
	r.recordConvertEvent("failed")
	decrementGauge(&r.activeJobs)
}

func (r *Recorder) recordConvertEvent(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.convertJobs[normalized]++
	r.mu.Unlock()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.roomMessages = make(map[string]uint64)
	r.convertJobs = make(map[string]uint64)
	r.viewers.Store(0)
	r.activeJobs.Store(0)
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
	roomMessages := sortedKeys(r.roomMessages)
	convertJobs := sortedKeys(r.convertJobs)

	fmt.Fprintln(w, "# HELP watchparty_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE watchparty_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "watchparty_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP watchparty_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE watchparty_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "watchparty_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP watchparty_room_messages_total Room protocol messages by type")
	fmt.Fprintln(w, "# TYPE watchparty_room_messages_total counter")
	for _, kind := range roomMessages {
		fmt.Fprintf(w, "watchparty_room_messages_total{type=%q} %d\n", kind, r.roomMessages[kind])
	}

	fmt.Fprintln(w, "# HELP watchparty_connected_viewers Current number of connected room clients")
	fmt.Fprintln(w, "# TYPE watchparty_connected_viewers gauge")
	fmt.Fprintf(w, "watchparty_connected_viewers %d\n", r.viewers.Load())

	fmt.Fprintln(w, "# HELP watchparty_convert_jobs_total Conversion job lifecycle events by status")
	fmt.Fprintln(w, "# TYPE watchparty_convert_jobs_total counter")
	for _, status := range convertJobs {
		fmt.Fprintf(w, "watchparty_convert_jobs_total{status=%q} %d\n", status, r.convertJobs[status])
	}

	fmt.Fprintln(w, "# HELP watchparty_convert_active_jobs Current number of running conversion jobs")
	fmt.Fprintln(w, "# TYPE watchparty_convert_active_jobs gauge")
	fmt.Fprintf(w, "watchparty_convert_active_jobs %d\n", r.activeJobs.Load())
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

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func decrementGauge(gauge *atomic.Int64) {
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

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// normalizePath keeps the metric label cardinality bounded by collapsing the
// job ID suffix on status poll paths.
func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "/"
	}
	const statusPrefix = "/api/convert/status/"
	if strings.HasPrefix(trimmed, statusPrefix) && len(trimmed) > len(statusPrefix) {
		return statusPrefix + ":id"
	}
	return trimmed
}
