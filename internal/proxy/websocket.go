package proxy

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/logging"
)

// WebSocketProxy splices upgraded connections between client and upstream.
// The handshake is forwarded verbatim over a hijacked connection; no framing
// is interpreted.
type WebSocketProxy struct {
	dialTimeout    time.Duration
	readBufferSize int
}

// NewWebSocketProxy creates a WebSocketProxy with default timeouts.
func NewWebSocketProxy() *WebSocketProxy {
	return &WebSocketProxy{
		dialTimeout:    10 * time.Second,
		readBufferSize: 4096,
	}
}

// IsUpgradeRequest reports whether the request asks for a WebSocket upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	connection := strings.ToLower(r.Header.Get("Connection"))
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	return strings.Contains(connection, "upgrade") && upgrade == "websocket"
}

// Serve hijacks the client connection, dials the upstream, forwards the
// upgrade handshake, and splices both directions until either side closes.
func (p *WebSocketProxy) Serve(w http.ResponseWriter, r *http.Request, target *url.URL) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "WebSocket upgrade not supported", http.StatusInternalServerError)
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "Failed to hijack connection", http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	backendConn, err := p.dial(target)
	if err != nil {
		logging.Warn("websocket upstream dial failed",
			zap.String("target", target.Host),
			zap.Error(err),
		)
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return
	}
	defer backendConn.Close()

	// Forward the original upgrade request.
	reqPath := r.URL.Path
	if r.URL.RawQuery != "" {
		reqPath += "?" + r.URL.RawQuery
	}
	backendConn.Write([]byte(r.Method + " " + reqPath + " HTTP/1.1\r\n"))
	backendConn.Write([]byte("Host: " + target.Host + "\r\n"))
	for key, values := range r.Header {
		if key == "Host" {
			continue
		}
		for _, v := range values {
			backendConn.Write([]byte(key + ": " + v + "\r\n"))
		}
	}
	backendConn.Write([]byte("\r\n"))

	// Relay the upstream's handshake response (101 or a refusal).
	buf := make([]byte, p.readBufferSize)
	n, err := backendConn.Read(buf)
	if err != nil {
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return
	}
	if _, err := clientConn.Write(buf[:n]); err != nil {
		return
	}

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(backendConn, clientConn)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(clientConn, backendConn)
		errCh <- err
	}()

	<-errCh

	// Give the other direction a moment to drain, then tear down.
	clientConn.SetDeadline(time.Now().Add(1 * time.Second))
	backendConn.SetDeadline(time.Now().Add(1 * time.Second))
}

func (p *WebSocketProxy) dial(target *url.URL) (net.Conn, error) {
	addr := target.Host
	secure := target.Scheme == "https" || target.Scheme == "wss"
	if !strings.Contains(addr, ":") {
		if secure {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}

	if secure {
		return tls.DialWithDialer(&net.Dialer{Timeout: p.dialTimeout}, "tcp", addr, &tls.Config{
			ServerName: target.Hostname(),
		})
	}
	return net.DialTimeout("tcp", addr, p.dialTimeout)
}
