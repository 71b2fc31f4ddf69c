package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// TransportConfig configures an upstream HTTP transport.
type TransportConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultTransportConfig provides the default transport settings.
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 0, // bounded per route
	ExpectContinueTimeout: 1 * time.Second,
}

// NewTransport builds an *http.Transport from cfg.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// TransportPool manages transports keyed by route name, so per-route proxy
// timeouts get their own connection pools and reloads can reuse them.
type TransportPool struct {
	mu         sync.RWMutex
	defaultTr  *http.Transport
	transports map[string]*http.Transport
}

// NewTransportPool creates a pool with a default transport.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		defaultTr:  NewTransport(DefaultTransportConfig),
		transports: make(map[string]*http.Transport),
	}
}

// Get returns the transport for a route. A zero timeout uses the shared
// default transport; a route-specific timeout gets a dedicated transport with
// ResponseHeaderTimeout set.
func (tp *TransportPool) Get(routeName string, responseHeaderTimeout time.Duration) *http.Transport {
	if responseHeaderTimeout <= 0 {
		return tp.defaultTr
	}

	tp.mu.RLock()
	t, ok := tp.transports[routeName]
	tp.mu.RUnlock()
	if ok && t.ResponseHeaderTimeout == responseHeaderTimeout {
		return t
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if t, ok := tp.transports[routeName]; ok && t.ResponseHeaderTimeout == responseHeaderTimeout {
		return t
	}

	cfg := DefaultTransportConfig
	cfg.ResponseHeaderTimeout = responseHeaderTimeout
	t = NewTransport(cfg)
	tp.transports[routeName] = t
	return t
}

// CloseIdleConnections closes idle connections on all transports.
func (tp *TransportPool) CloseIdleConnections() {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	tp.defaultTr.CloseIdleConnections()
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}
