package api

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Build outputs carry a content hash in the filename, so they can be
// cached forever; everything else (index.html above all) must not be.
var hashedAssetPattern = regexp.MustCompile(`\.[0-9a-f]{8,}\.`)

// serveStatic serves the web app build with a single-page-app fallback:
// any path that does not resolve to a real file gets index.html.
func (a *API) serveStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rel := strings.TrimPrefix(filepath.Clean("/"+r.URL.Path), "/")
	path := filepath.Join(a.Cfg.StaticDir, rel)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		path = filepath.Join(a.Cfg.StaticDir, "index.html")
		rel = "index.html"
	}

	if hashedAssetPattern.MatchString(filepath.Base(rel)) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	http.ServeFile(w, r, path)
}
