package frontend

import (
	"net/http"
	"path"
)

// Dir serves the terminal page from a directory on disk.
func Dir(dir string) http.Handler {
	return withCacheHeaders(http.FileServer(http.Dir(dir)))
}

// cacheControl returns the Cache-Control value for a request path. The page
// itself is always revalidated so a rebuilt binary picks up new script
// names; scripts and styles may be cached briefly.
func cacheControl(p string) string {
	switch path.Ext(p) {
	case ".js", ".css":
		return "public, max-age=300"
	default:
		return "no-cache"
	}
}

func withCacheHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", cacheControl(r.URL.Path))
		next.ServeHTTP(w, r)
	})
}
