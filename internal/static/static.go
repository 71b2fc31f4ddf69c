// Package static serves route-local files, with an optional SPA fallback to
// index.html for paths that do not exist on disk.
package static

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Handler serves files for one static route.
type Handler struct {
	root        string
	spaFallback bool
	fileServer  http.Handler
}

// New creates a Handler rooted at root. With spaFallback, unknown paths serve
// the root index.html with status 200 so client-side routers keep working.
func New(root string, spaFallback bool) (*Handler, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving static root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("static root %q: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static root %q is not a directory", absRoot)
	}

	return &Handler{
		root:        absRoot,
		spaFallback: spaFallback,
		fileServer:  http.FileServer(http.Dir(absRoot)),
	}, nil
}

// ServeHTTP serves the file at the request path. Returns are recorded by the
// dispatcher through its response writer wrapper.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "..") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	cleanPath := filepath.Clean(r.URL.Path)
	if cleanPath == "." {
		cleanPath = "/"
	}
	fullPath := filepath.Join(h.root, cleanPath)

	if _, err := os.Stat(fullPath); err != nil {
		if h.spaFallback {
			http.ServeFile(w, r, filepath.Join(h.root, "index.html"))
			return
		}
		http.NotFound(w, r)
		return
	}

	h.fileServer.ServeHTTP(w, r)
}
