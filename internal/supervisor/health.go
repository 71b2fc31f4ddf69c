package supervisor

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/logging"
)

// healthMonitor probes one process over HTTP. After `retries` consecutive
// failures it invokes onFailure, the only path in the supervisor that kills
// a child.
type healthMonitor struct {
	id        string
	url       string
	interval  time.Duration
	timeout   time.Duration
	retries   int
	onFailure func()

	client *http.Client
	done   chan struct{}
}

// healthURL resolves the probe URL: absolute http(s) paths bypass target
// concatenation.
func healthURL(cfg config.HealthCheckConfig, target string) string {
	path := cfg.Path
	if path == "" {
		path = "/health"
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if target == "" {
		return ""
	}
	return strings.TrimSuffix(target, "/") + "/" + strings.TrimPrefix(path, "/")
}

func newHealthMonitor(id string, cfg config.HealthCheckConfig, target string, onFailure func()) *healthMonitor {
	url := healthURL(cfg, target)
	if url == "" {
		return nil
	}

	timeout := time.Duration(cfg.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	interval := time.Duration(cfg.Interval) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}

	return &healthMonitor{
		id:        id,
		url:       url,
		interval:  interval,
		timeout:   timeout,
		retries:   retries,
		onFailure: onFailure,
		client:    &http.Client{Timeout: timeout},
		done:      make(chan struct{}),
	}
}

func (h *healthMonitor) start() {
	go h.run()
}

func (h *healthMonitor) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *healthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			if h.probe() {
				failures = 0
				continue
			}
			failures++
			logging.Warn("health check failed",
				zap.String("process", h.id),
				zap.String("url", h.url),
				zap.Int("failures", failures),
				zap.Int("retries", h.retries),
			)
			if failures >= h.retries {
				h.onFailure()
				failures = 0
			}
		case <-h.done:
			return
		}
	}
}

// probe reports whether one GET returned a 2xx.
func (h *healthMonitor) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
