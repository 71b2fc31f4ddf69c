package headers

import "testing"

func TestBuildCSPMergesDirectives(t *testing.T) {
	global := map[string]string{
		"default-src": "'self'",
		"script-src":  "'self'",
	}
	route := map[string]string{
		"script-src": "'self' https://cdn.example.com",
		"img-src":    "*",
	}

	got := BuildCSP(global, route)
	want := "default-src 'self'; script-src 'self' https://cdn.example.com; img-src *"
	if got != want {
		t.Errorf("BuildCSP = %q, want %q", got, want)
	}
}

func TestBuildCSPDeduplicatesTokens(t *testing.T) {
	a := map[string]string{"default-src": "'self' data:"}
	b := map[string]string{"default-src": "data: blob:"}

	got := BuildCSP(a, b)
	want := "default-src 'self' data: blob:"
	if got != want {
		t.Errorf("BuildCSP = %q, want %q", got, want)
	}
}

func TestBuildCSPEmpty(t *testing.T) {
	if got := BuildCSP(nil, nil); got != "" {
		t.Errorf("BuildCSP with no sources = %q, want empty", got)
	}
}
