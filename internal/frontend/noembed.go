//go:build !embed

package frontend

import "net/http"

// Handler returns nil when the binary was built without the embed tag; the
// server then falls back to a frontend directory on disk.
func Handler() http.Handler {
	return nil
}
