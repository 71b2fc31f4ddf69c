package static

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newStaticRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"index.html":     "<html>app</html>",
		"assets/app.js":  "console.log('x')",
		"docs/guide.txt": "guide",
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestServesExistingFile(t *testing.T) {
	h, err := New(newStaticRoot(t), false)
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/assets/app.js", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if w.Body.String() != "console.log('x')" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestMissingFileWithoutFallbackIs404(t *testing.T) {
	h, err := New(newStaticRoot(t), false)
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSPAFallbackServesIndexWith200(t *testing.T) {
	h, err := New(newStaticRoot(t), true)
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/settings/profile", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "<html>app</html>" {
		t.Errorf("body = %q, want index.html contents", w.Body.String())
	}
}

func TestTraversalRejected(t *testing.T) {
	h, err := New(newStaticRoot(t), true)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodGet, "/assets/app.js", nil)
	r.URL.Path = "/../../etc/passwd"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestMissingRootFails(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "absent"), false); err == nil {
		t.Error("expected error for missing root")
	}
}
