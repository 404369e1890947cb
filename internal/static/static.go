// Package static serves files from a fixed root directory. Requests that try
// to escape the root are rejected outright.
package static

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Handler serves read-only files under Root. Directory requests fall back to
// index.html; listings are never generated.
type Handler struct {
	root string
}

func New(root string) *Handler {
	return &Handler{root: filepath.Clean(root)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	// A ".." segment in the raw path is a traversal attempt, not a request
	// for a real file. Close the connection after responding.
	if containsDotDot(r.URL.Path) {
		w.Header().Set("Connection", "close")
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	fp := filepath.Join(h.root, filepath.FromSlash(clean))
	if fp != h.root && !strings.HasPrefix(fp, h.root+string(filepath.Separator)) {
		w.Header().Set("Connection", "close")
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	fi, err := os.Stat(fp)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if fi.IsDir() {
		fp = filepath.Join(fp, "index.html")
		if fi, err = os.Stat(fp); err != nil || fi.IsDir() {
			http.NotFound(w, r)
			return
		}
	}

	http.ServeFile(w, r, fp)
}

func containsDotDot(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}
