package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/router"
)

func forwardRoute(allowed []string, httpsOnly bool) *router.Route {
	return &router.Route{
		Name: "fw",
		Type: config.RouteForward,
		Forward: config.ForwardConfig{
			AllowedDomains: allowed,
			HTTPSOnly:      &httpsOnly,
		},
	}
}

func newTestForwarder() *Forwarder {
	f := NewForwarder(NewEngine(5 * time.Second))
	// Public-looking answers so the internal-address check passes.
	f.lookupIP = func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	return f
}

func TestForwardMissingParamIs400(t *testing.T) {
	f := newTestForwarder()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/fetch", nil)

	status, _ := f.Serve(w, r, forwardRoute([]string{"example.com"}, false))
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestForwardMalformedTargetIs400(t *testing.T) {
	f := newTestForwarder()
	for _, target := range []string{"not-a-url", "ftp://example.com/x", "//missing-scheme"} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/fetch?url="+url.QueryEscape(target), nil)
		status, _ := f.Serve(w, r, forwardRoute([]string{"example.com"}, false))
		if status != http.StatusBadRequest {
			t.Errorf("target %q: status = %d, want 400", target, status)
		}
	}
}

func TestForwardDisallowedDomainIs403(t *testing.T) {
	f := newTestForwarder()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/fetch?url="+url.QueryEscape("https://evil.test/x"), nil)

	status, _ := f.Serve(w, r, forwardRoute([]string{"example.com"}, false))
	if status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", status)
	}
}

func TestForwardDomainSuffixMatching(t *testing.T) {
	tests := []struct {
		host    string
		allowed bool
	}{
		{"example.com", true},
		{"api.example.com", true},
		{"deep.api.example.com", true},
		{"notexample.com", false},
		{"example.com.evil.test", false},
	}
	for _, tt := range tests {
		if got := domainAllowed(tt.host, []string{"example.com"}); got != tt.allowed {
			t.Errorf("domainAllowed(%q) = %v, want %v", tt.host, got, tt.allowed)
		}
	}
}

func TestForwardHTTPSOnly(t *testing.T) {
	f := newTestForwarder()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/fetch?url="+url.QueryEscape("http://example.com/x"), nil)

	status, _ := f.Serve(w, r, forwardRoute([]string{"example.com"}, true))
	if status != http.StatusForbidden {
		t.Errorf("http target with httpsOnly: status = %d, want 403", status)
	}
}

func TestForwardRejectsInternalTargets(t *testing.T) {
	f := newTestForwarder()
	f.lookupIP = func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("10.0.0.8")}, nil
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/fetch?url="+url.QueryEscape("https://internal.example.com/x"), nil)
	status, _ := f.Serve(w, r, forwardRoute([]string{"example.com"}, true))
	if status != http.StatusForbidden {
		t.Errorf("internal target: status = %d, want 403", status)
	}
}

func TestForwardRejectsLiteralPrivateIP(t *testing.T) {
	f := newTestForwarder()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/fetch?url="+url.QueryEscape("https://192.168.0.10/x"), nil)

	status, _ := f.Serve(w, r, forwardRoute([]string{"192.168.0.10"}, true))
	if status != http.StatusForbidden {
		t.Errorf("literal private IP: status = %d, want 403", status)
	}
}

func TestForwardDeliversTargetPathAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte("found"))
	}))
	defer upstream.Close()

	f := newTestForwarder()
	defer f.engine.Close()
	// The upstream listens on loopback; lift the internal-address check so
	// the request actually reaches it.
	f.checkIP = func(net.IP) error { return nil }

	target := upstream.URL + "/search?q=proxies&page=2"
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/fetch?url="+url.QueryEscape(target), nil)

	status, _ := f.Serve(w, r, forwardRoute([]string{"127.0.0.1"}, false))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if gotPath != "/search" {
		t.Errorf("upstream path = %q, want /search", gotPath)
	}
	if gotQuery != "q=proxies&page=2" {
		t.Errorf("upstream query = %q, want q=proxies&page=2", gotQuery)
	}
	if w.Body.String() != "found" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestForwardRejectsLoopbackLiteral(t *testing.T) {
	f := newTestForwarder()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/fetch?url="+url.QueryEscape("https://127.0.0.1:9000/data"), nil)

	status, _ := f.Serve(w, r, forwardRoute([]string{"127.0.0.1"}, true))
	if status != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for loopback literal", status)
	}
}
