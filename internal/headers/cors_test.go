package headers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/turpault/proxy/internal/config"
)

func preflightRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodOptions, "/api/data", nil)
	r.Header.Set("Origin", origin)
	r.Header.Set("Access-Control-Request-Method", "POST")
	return r
}

func TestPreflightWithDefaults(t *testing.T) {
	h := NewCORS(config.CORSConfig{Enabled: true})
	r := preflightRequest("https://app.example.com")
	if !h.IsPreflight(r) {
		t.Fatal("preflight not detected")
	}

	w := httptest.NewRecorder()
	if !h.HandlePreflight(w, r) {
		t.Fatal("preflight rejected")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Allow-Methods missing")
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("Max-Age = %q, want 86400", got)
	}
}

func TestPreflightDisallowedOrigin(t *testing.T) {
	h := NewCORS(config.CORSConfig{
		Enabled:      true,
		AllowOrigins: []string{"https://app.example.com"},
	})

	w := httptest.NewRecorder()
	if h.HandlePreflight(w, preflightRequest("https://evil.test")) {
		t.Error("disallowed origin handled as preflight")
	}
}

func TestCredentialsEchoOriginInsteadOfWildcard(t *testing.T) {
	h := NewCORS(config.CORSConfig{Enabled: true, AllowCredentials: true})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	r.Header.Set("Origin", "https://app.example.com")
	h.Apply(w, r)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q, want echoed origin", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("Allow-Credentials missing")
	}
	if w.Header().Get("Vary") != "Origin" {
		t.Error("Vary: Origin missing when echoing the origin")
	}
}

func TestApplySkipsRequestsWithoutOrigin(t *testing.T) {
	h := NewCORS(config.CORSConfig{Enabled: true})

	w := httptest.NewRecorder()
	h.Apply(w, httptest.NewRequest(http.MethodGet, "/api/data", nil))
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers set for same-origin request")
	}
}

func TestExposeHeaders(t *testing.T) {
	h := NewCORS(config.CORSConfig{
		Enabled:       true,
		ExposeHeaders: []string{"X-Request-Id", "X-RateLimit-Remaining"},
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	r.Header.Set("Origin", "https://app.example.com")
	h.Apply(w, r)

	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "X-Request-Id, X-RateLimit-Remaining" {
		t.Errorf("Expose-Headers = %q", got)
	}
}

func TestCustomPreflightStatus(t *testing.T) {
	h := NewCORS(config.CORSConfig{Enabled: true, PreflightStatus: http.StatusOK})

	w := httptest.NewRecorder()
	h.HandlePreflight(w, preflightRequest("https://app.example.com"))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestDisabledCORSIsInert(t *testing.T) {
	h := NewCORS(config.CORSConfig{})
	if h.Enabled() {
		t.Error("disabled config reports enabled")
	}
	if h.IsPreflight(preflightRequest("https://app.example.com")) {
		t.Error("disabled CORS detected a preflight")
	}
}
