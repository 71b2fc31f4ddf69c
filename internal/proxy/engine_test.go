package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/router"
)

func testRoute(name, target string) *router.Route {
	return &router.Route{Name: name, Type: config.RouteProxy, Target: target}
}

func TestProxyForwardsRequest(t *testing.T) {
	var gotPath, gotXFF, gotProto, gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotProto = r.Header.Get("X-Forwarded-Proto")
		gotHost = r.Header.Get("X-Forwarded-Host")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	engine := NewEngine(5 * time.Second)
	defer engine.Close()

	r := httptest.NewRequest(http.MethodGet, "http://front.example.com/api/users?x=1", nil)
	r.RemoteAddr = "198.51.100.7:1234"
	w := httptest.NewRecorder()

	status, bytes := engine.ServeRoute(w, r, testRoute("api", upstream.URL))

	if status != http.StatusCreated {
		t.Errorf("status = %d, want 201", status)
	}
	if bytes != int64(len("hello")) {
		t.Errorf("bytes = %d, want %d", bytes, len("hello"))
	}
	if gotPath != "/api/users" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotXFF != "198.51.100.7" {
		t.Errorf("X-Forwarded-For = %q", gotXFF)
	}
	if gotProto != "http" {
		t.Errorf("X-Forwarded-Proto = %q", gotProto)
	}
	if gotHost != "front.example.com" {
		t.Errorf("X-Forwarded-Host = %q", gotHost)
	}
	if w.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream response header not copied")
	}
	if w.Body.String() != "hello" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestProxyAppendsToExistingXFF(t *testing.T) {
	var gotXFF string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
	}))
	defer upstream.Close()

	engine := NewEngine(5 * time.Second)
	defer engine.Close()

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.RemoteAddr = "198.51.100.7:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	engine.ServeRoute(httptest.NewRecorder(), r, testRoute("api", upstream.URL))

	// First XFF token is the original client; the peer is appended.
	if !strings.HasPrefix(gotXFF, "203.0.113.9, ") {
		t.Errorf("X-Forwarded-For = %q, want prefix %q", gotXFF, "203.0.113.9, ")
	}
}

func TestProxyStripsHopByHopHeaders(t *testing.T) {
	var sawConnection, sawKeepAlive string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawConnection = r.Header.Get("Proxy-Connection")
		sawKeepAlive = r.Header.Get("Keep-Alive")
	}))
	defer upstream.Close()

	engine := NewEngine(5 * time.Second)
	defer engine.Close()

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Proxy-Connection", "keep-alive")
	r.Header.Set("Keep-Alive", "timeout=5")
	engine.ServeRoute(httptest.NewRecorder(), r, testRoute("api", upstream.URL))

	if sawConnection != "" || sawKeepAlive != "" {
		t.Errorf("hop-by-hop headers leaked: Proxy-Connection=%q Keep-Alive=%q", sawConnection, sawKeepAlive)
	}
}

func TestProxyConnectErrorIs502(t *testing.T) {
	engine := NewEngine(5 * time.Second)
	defer engine.Close()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	// Reserved TEST-NET-1 address; nothing listens there.
	status, _ := engine.ServeRoute(w, r, testRoute("down", "http://127.0.0.1:1"))

	if status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", status)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body["message"] != "Bad Gateway" {
		t.Errorf("body = %v", body)
	}
}

func TestProxySlowUpstreamIs504(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	engine := NewEngine(5 * time.Second)
	defer engine.Close()

	route := testRoute("slow", upstream.URL)
	route.ProxyTimeout = 50 * time.Millisecond

	w := httptest.NewRecorder()
	status, _ := engine.ServeRoute(w, httptest.NewRequest(http.MethodGet, "/x", nil), route)

	// ResponseHeaderTimeout surfaces as a net.Error, not a context deadline;
	// both must map to 504.
	if status != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", status)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body["message"] != "Gateway Timeout" {
		t.Errorf("body = %v", body)
	}
}

func TestProxyInvalidTargetIs502(t *testing.T) {
	engine := NewEngine(5 * time.Second)
	defer engine.Close()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	status, _ := engine.ServeRoute(w, r, testRoute("broken", "::not-a-url"))
	if status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", status)
	}
}

func TestProxyInjectsRouteHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Powered-By", "upstream")
	}))
	defer upstream.Close()

	engine := NewEngine(5 * time.Second)
	defer engine.Close()

	route := testRoute("api", upstream.URL)
	route.Headers = map[string]string{"X-Powered-By": "proxy"}

	w := httptest.NewRecorder()
	engine.ServeRoute(w, httptest.NewRequest(http.MethodGet, "/x", nil), route)

	// Route header injection overrides the upstream's value.
	if got := w.Header().Get("X-Powered-By"); got != "proxy" {
		t.Errorf("X-Powered-By = %q, want proxy", got)
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/x", "/x"},
		{"/base", "/x", "/base/x"},
		{"/base/", "/x", "/base/x"},
		{"/base", "x", "/base/x"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if IsUpgradeRequest(r) {
		t.Error("plain request flagged as upgrade")
	}
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	if !IsUpgradeRequest(r) {
		t.Error("upgrade request not detected")
	}
}
