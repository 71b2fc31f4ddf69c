// Package stats records per-request statistics, exported both as prometheus
// metrics and as JSONL files on disk.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/logging"
)

// Record is one served request.
type Record struct {
	RequestID  string    `json:"requestId"`
	Timestamp  time.Time `json:"timestamp"`
	ClientIP   string    `json:"clientIp"`
	Country    string    `json:"country,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Route      string    `json:"route"`
	Kind       string    `json:"kind"` // proxy, static, redirect, forward, unmatched
	Status     int       `json:"status"`
	DurationMs int64     `json:"durationMs"`
	Bytes      int64     `json:"bytes"`
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// Recorder persists Records and maintains the prometheus counters. JSONL
// output rotates by day: ${statsDir}/requests-YYYY-MM-DD.jsonl.
type Recorder struct {
	statsDir string

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	responseBytes   *prometheus.CounterVec

	mu       sync.Mutex
	file     *os.File
	fileDate string
}

// NewRecorder creates a Recorder and registers its metrics. An empty statsDir
// disables the JSONL sink.
func NewRecorder(statsDir string, reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		statsDir: statsDir,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Requests served, by route, dispatch kind, and status class.",
		}, []string{"route", "kind", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "Request duration from receipt to final byte.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "kind"}),
		responseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_response_bytes_total",
			Help: "Response body bytes written, by route.",
		}, []string{"route"}),
	}

	for _, c := range []prometheus.Collector{r.requestsTotal, r.requestDuration, r.responseBytes} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering stats metrics: %w", err)
		}
	}

	if statsDir != "" {
		if err := os.MkdirAll(statsDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating stats dir: %w", err)
		}
	}

	return r, nil
}

// Observe records one request.
func (r *Recorder) Observe(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	r.requestsTotal.WithLabelValues(rec.Route, rec.Kind, statusClass(rec.Status)).Inc()
	r.requestDuration.WithLabelValues(rec.Route, rec.Kind).Observe(float64(rec.DurationMs) / 1000)
	r.responseBytes.WithLabelValues(rec.Route).Add(float64(rec.Bytes))

	if r.statsDir == "" {
		return
	}
	if err := r.append(rec); err != nil {
		logging.Warn("stats append failed", zap.Error(err))
	}
}

// Unmatched records a request that resolved to no route.
func (r *Recorder) Unmatched(requestID, clientIP, method, path string, durationMs int64) {
	r.Observe(Record{
		RequestID:  requestID,
		ClientIP:   clientIP,
		Method:     method,
		Path:       path,
		Route:      "unmatched",
		Kind:       "unmatched",
		Status:     404,
		DurationMs: durationMs,
	})
}

// Close flushes and closes the current JSONL file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

func (r *Recorder) append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	date := rec.Timestamp.Format("2006-01-02")
	if r.file == nil || date != r.fileDate {
		if r.file != nil {
			r.file.Close()
		}
		path := filepath.Join(r.statsDir, "requests-"+date+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		r.file = f
		r.fileDate = date
	}

	_, err = r.file.Write(line)
	return err
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
