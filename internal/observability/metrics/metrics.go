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

// ConversionLabel identifies a conversion counter by operation name and
// terminal status ("success", "failure", "timeout", "rejected").
type ConversionLabel struct {
	Operation string
	Status    string
}

// Terminal conversion statuses.
const (
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusTimeout  = "timeout"
	StatusRejected = "rejected"
)

// Recorder aggregates in-memory counters for HTTP requests and conversion
// outcomes. The process-wide totals the stats endpoint exposes are plain
// atomics; the labelled breakdowns are coordinated via a RWMutex. Counters are
// monotonically increasing for the life of the process and never reset outside
// of tests.
type Recorder struct {
	startTime time.Time

	requestsTotal        atomic.Uint64
	conversionsAttempted atomic.Uint64
	conversionsSucceeded atomic.Uint64
	activeConversions    atomic.Int64

	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	conversionEvents   map[ConversionLabel]uint64
	conversionDuration map[string]time.Duration
	admissionRejected  uint64
}

// Snapshot is a point-in-time copy of the process-wide counters. SuccessRate
// is successes over attempts in [0, 1], defined as 0 before the first attempt.
type Snapshot struct {
	TotalRequests        uint64    `json:"totalRequests"`
	ConversionsAttempted uint64    `json:"conversionsAttempted"`
	ConversionsSucceeded uint64    `json:"conversionsSucceeded"`
	ConversionsFailed    uint64    `json:"conversionsFailed"`
	SuccessRate          float64   `json:"successRate"`
	ActiveConversions    int64     `json:"activeConversions"`
	UptimeSeconds        int64     `json:"uptimeSeconds"`
	StartTime            time.Time `json:"startTime"`
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		startTime:          time.Now().UTC(),
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		conversionEvents:   make(map[ConversionLabel]uint64),
		conversionDuration: make(map[string]time.Duration),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// RecordRequest counts one inbound API request.
func (r *Recorder) RecordRequest() {
	r.requestsTotal.Add(1)
}

// ConversionStarted increments the active conversion gauge. The caller must
// pair it with ObserveConversion which decrements the gauge on completion.
func (r *Recorder) ConversionStarted() {
	r.activeConversions.Add(1)
}

// ObserveConversion records the terminal outcome of one conversion attempt and
// decrements the active gauge. Status should be one of "success", "failure",
// or "timeout".
func (r *Recorder) ObserveConversion(operation, status string, duration time.Duration) {
	op := normalizeName(operation)
	st := normalizeName(status)
	r.conversionsAttempted.Add(1)
	if st == "success" {
		r.conversionsSucceeded.Add(1)
	}
	r.decrementGauge(&r.activeConversions)

	r.mu.Lock()
	r.conversionEvents[ConversionLabel{Operation: op, Status: st}]++
	r.conversionDuration[op] += duration
	r.mu.Unlock()
}

// ObserveAdmissionRejected counts a request shed because no conversion slot
// became free within the admission wait timeout. Rejected requests are not
// conversion attempts.
func (r *Recorder) ObserveAdmissionRejected(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.admissionRejected++
	r.conversionEvents[ConversionLabel{Operation: op, Status: "rejected"}]++
	r.mu.Unlock()
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

// ActiveConversions exposes the current gauge of conversions holding a slot.
func (r *Recorder) ActiveConversions() int64 {
	return r.activeConversions.Load()
}

// Snapshot copies the process-wide counters. Two snapshots taken without
// intervening activity are identical apart from UptimeSeconds.
func (r *Recorder) Snapshot() Snapshot {
	attempted := r.conversionsAttempted.Load()
	succeeded := r.conversionsSucceeded.Load()
	rate := 0.0
	if attempted > 0 {
		rate = float64(succeeded) / float64(attempted)
	}
	return Snapshot{
		TotalRequests:        r.requestsTotal.Load(),
		ConversionsAttempted: attempted,
		ConversionsSucceeded: succeeded,
		ConversionsFailed:    attempted - succeeded,
		SuccessRate:          rate,
		ActiveConversions:    r.activeConversions.Load(),
		UptimeSeconds:        int64(time.Since(r.startTime).Seconds()),
		StartTime:            r.startTime,
	}
}

// ConversionCounts returns copies of the labelled conversion counters for
// testing and reporting purposes.
func (r *Recorder) ConversionCounts() map[ConversionLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[ConversionLabel]uint64, len(r.conversionEvents))
	for k, v := range r.conversionEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.conversionEvents = make(map[ConversionLabel]uint64)
	r.conversionDuration = make(map[string]time.Duration)
	r.admissionRejected = 0
	r.requestsTotal.Store(0)
	r.conversionsAttempted.Store(0)
	r.conversionsSucceeded.Store(0)
	r.activeConversions.Store(0)
	r.startTime = time.Now().UTC()
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
	conversionLabels := r.sortedConversionLabels()
	operations := r.sortedOperations()

	fmt.Fprintln(w, "# HELP kitsapi_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE kitsapi_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "kitsapi_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP kitsapi_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE kitsapi_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "kitsapi_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP kitsapi_conversions_total Conversion attempts by operation and terminal status")
	fmt.Fprintln(w, "# TYPE kitsapi_conversions_total counter")
	for _, label := range conversionLabels {
		count := r.conversionEvents[label]
		fmt.Fprintf(w, "kitsapi_conversions_total{operation=\"%s\",status=\"%s\"} %d\n", label.Operation, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP kitsapi_conversion_duration_seconds_sum Cumulative conversion wall time by operation")
	fmt.Fprintln(w, "# TYPE kitsapi_conversion_duration_seconds_sum counter")
	for _, op := range operations {
		duration := r.conversionDuration[op].Seconds()
		fmt.Fprintf(w, "kitsapi_conversion_duration_seconds_sum{operation=\"%s\"} %f\n", op, duration)
	}

	fmt.Fprintln(w, "# HELP kitsapi_active_conversions Current number of conversions holding an admission slot")
	fmt.Fprintln(w, "# TYPE kitsapi_active_conversions gauge")
	fmt.Fprintf(w, "kitsapi_active_conversions %d\n", r.activeConversions.Load())

	fmt.Fprintln(w, "# HELP kitsapi_admission_rejected_total Requests shed because no slot freed within the admission timeout")
	fmt.Fprintln(w, "# TYPE kitsapi_admission_rejected_total counter")
	fmt.Fprintf(w, "kitsapi_admission_rejected_total %d\n", r.admissionRejected)

	fmt.Fprintln(w, "# HELP kitsapi_uptime_seconds Seconds since process start")
	fmt.Fprintln(w, "# TYPE kitsapi_uptime_seconds gauge")
	fmt.Fprintf(w, "kitsapi_uptime_seconds %d\n", int64(time.Since(r.startTime).Seconds()))
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

func (r *Recorder) sortedConversionLabels() []ConversionLabel {
	labels := make([]ConversionLabel, 0, len(r.conversionEvents))
	for label := range r.conversionEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Operation != labels[j].Operation {
			return labels[i].Operation < labels[j].Operation
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedOperations() []string {
	ops := make([]string, 0, len(r.conversionDuration))
	for op := range r.conversionDuration {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 24 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
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

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// RecordRequest counts a request on the default recorder.
func RecordRequest() {
	defaultRecorder.RecordRequest()
}

// ConversionStarted increments the active gauge on the default recorder.
func ConversionStarted() {
	defaultRecorder.ConversionStarted()
}

// ObserveConversion records a conversion outcome on the default recorder.
func ObserveConversion(operation, status string, duration time.Duration) {
	defaultRecorder.ObserveConversion(operation, status, duration)
}

// ObserveAdmissionRejected records a shed request on the default recorder.
func ObserveAdmissionRejected(operation string) {
	defaultRecorder.ObserveAdmissionRejected(operation)
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
