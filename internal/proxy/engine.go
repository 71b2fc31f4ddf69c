// Package proxy forwards requests to upstream targets. Outbound requests are
// built by hand rather than through httputil.ReverseProxy so hop-by-hop
// handling, forwarded headers, and error mapping stay explicit.
package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/errors"
	"github.com/turpault/proxy/internal/logging"
	"github.com/turpault/proxy/internal/realip"
	"github.com/turpault/proxy/internal/router"
)

// Engine proxies requests for proxy and forward routes.
type Engine struct {
	pool           *TransportPool
	defaultTimeout time.Duration
	ws             *WebSocketProxy
}

// NewEngine creates an Engine with the given overall request timeout.
func NewEngine(defaultTimeout time.Duration) *Engine {
	return &Engine{
		pool:           NewTransportPool(),
		defaultTimeout: defaultTimeout,
		ws:             NewWebSocketProxy(),
	}
}

// Close releases pooled connections.
func (e *Engine) Close() {
	e.pool.CloseIdleConnections()
}

// ServeRoute proxies the request to the route's target. The caller has
// already applied path rewrites to r.URL. Returns the upstream status and
// bytes written for recording.
func (e *Engine) ServeRoute(w http.ResponseWriter, r *http.Request, route *router.Route) (status int, bytes int64) {
	target, err := url.Parse(route.Target)
	if err != nil || target.Host == "" {
		logging.Error("invalid route target",
			zap.String("route", route.Name),
			zap.String("target", route.Target),
		)
		errors.ErrBadGateway.WithDetails("invalid upstream target").WriteJSON(w)
		return http.StatusBadGateway, 0
	}

	if IsUpgradeRequest(r) {
		e.ws.Serve(w, r, target)
		return http.StatusSwitchingProtocols, 0
	}

	return e.exchange(w, r, target, route.Name, route.Headers, route.ProxyTimeout)
}

// ServeTarget proxies to an explicit target URL (used by the forward proxy).
func (e *Engine) ServeTarget(w http.ResponseWriter, r *http.Request, target *url.URL, routeName string) (status int, bytes int64) {
	if IsUpgradeRequest(r) {
		e.ws.Serve(w, r, target)
		return http.StatusSwitchingProtocols, 0
	}
	return e.exchange(w, r, target, routeName, nil, 0)
}

func (e *Engine) exchange(w http.ResponseWriter, r *http.Request, target *url.URL, routeName string, injectHeaders map[string]string, proxyTimeout time.Duration) (int, int64) {
	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && e.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.defaultTimeout)
		defer cancel()
	}

	proxyReq := e.createProxyRequest(ctx, r, target)
	transport := e.pool.Get(routeName, proxyTimeout)

	resp, err := transport.RoundTrip(proxyReq)
	if err != nil {
		return e.writeError(w, routeName, err), 0
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	for k, v := range injectHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)

	n, copyErr := copyBody(w, resp.Body)
	if copyErr != nil {
		// Headers are gone; abort the downstream connection instead of
		// serving a truncated body as success.
		logging.Debug("upstream body copy interrupted",
			zap.String("route", routeName),
			zap.Error(copyErr),
		)
		http.NewResponseController(w).SetWriteDeadline(time.Now())
	}
	return resp.StatusCode, n
}

// createProxyRequest hand-builds the outbound request: joined target path,
// copied headers minus hop-by-hop, appended forwarding headers.
func (e *Engine) createProxyRequest(ctx context.Context, r *http.Request, target *url.URL) *http.Request {
	// An empty inbound path or query means the target URL carries its own;
	// forward routes rely on both passing through verbatim.
	outURL := *target
	if r.URL.Path != "" {
		outURL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	}
	if r.URL.RawQuery != "" {
		outURL.RawQuery = r.URL.RawQuery
	}

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &outURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	proxyReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}

	if clientIP := realip.FromRequest(r); clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	removeHopHeaders(proxyReq.Header)
	return proxyReq
}

func (e *Engine) writeError(w http.ResponseWriter, routeName string, err error) int {
	if isTimeout(err) {
		logging.Warn("upstream timed out", zap.String("route", routeName), zap.Error(err))
		errors.ErrGatewayTimeout.WriteJSON(w)
		return http.StatusGatewayTimeout
	}
	logging.Warn("upstream request failed", zap.String("route", routeName), zap.Error(err))
	errors.ErrBadGateway.WithDetails(err.Error()).WriteJSON(w)
	return http.StatusBadGateway
}

// isTimeout covers both context deadlines and transport-level timeouts such
// as ResponseHeaderTimeout, which surface as net.Error rather than
// context.DeadlineExceeded.
func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}

// copyHeaders copies response headers, dropping hop-by-hop entries.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// copyBody streams the body downstream, flushing every chunk so SSE and
// long-poll responses are not buffered.
func copyBody(w http.ResponseWriter, body io.Reader) (int64, error) {
	flusher, canFlush := w.(http.Flusher)
	var total int64
	for {
		n, err := io.CopyN(w, body, 32*1024)
		total += n
		if canFlush && n > 0 {
			flusher.Flush()
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

// Hop-by-hop headers stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
