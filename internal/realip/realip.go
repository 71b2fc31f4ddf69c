// Package realip derives the client IP address for a request.
package realip

import (
	"net"
	"net/http"
	"strings"
)

// FromRequest returns the client IP: the first X-Forwarded-For token, then
// X-Real-IP, then X-Client-IP, else the socket peer address.
func FromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if xci := r.Header.Get("X-Client-IP"); xci != "" {
		return xci
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
