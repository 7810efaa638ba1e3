package ws

import (
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// skippedDirs never hold a project root worth picking.
var skippedDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"venv":         true,
}

type browseItem struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

type browseResult struct {
	Current string       `json:"current"`
	Items   []browseItem `json:"items"`
}

var errNotDir = errors.New("not a directory")

// expandHome resolves a leading "~" against the user's home directory.
func expandHome(path string) (string, error) {
	if path == "" {
		path = "~"
	}
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// browseDir lists the visible subdirectories of path, preceded by a ".."
// entry unless path is the filesystem root. It backs the cwd picker.
func browseDir(path string) (browseResult, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return browseResult{}, err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return browseResult{}, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	info, err := os.Stat(abs)
	if err != nil {
		return browseResult{}, err
	}
	if !info.IsDir() {
		return browseResult{}, errNotDir
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return browseResult{}, err
	}

	res := browseResult{Current: abs, Items: []browseItem{}}
	if parent := filepath.Dir(abs); parent != abs {
		res.Items = append(res.Items, browseItem{Name: "..", Path: parent, IsDir: true})
	}

	var dirs []browseItem
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || skippedDirs[name] {
			continue
		}
		full := filepath.Join(abs, name)
		isDir := e.IsDir()
		if e.Type()&fs.ModeSymlink != 0 {
			if st, err := os.Stat(full); err == nil {
				isDir = st.IsDir()
			}
		}
		if !isDir {
			continue
		}
		dirs = append(dirs, browseItem{Name: name, Path: full, IsDir: true})
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.ToLower(dirs[i].Name) < strings.ToLower(dirs[j].Name)
	})
	res.Items = append(res.Items, dirs...)
	return res, nil
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	res, err := browseDir(r.URL.Query().Get("path"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "Path not found")
	case errors.Is(err, errNotDir):
		writeError(w, http.StatusBadRequest, "Not a directory")
	case errors.Is(err, fs.ErrPermission):
		writeError(w, http.StatusForbidden, "Permission denied")
	default:
		log.Printf("browsing %q: %v", r.URL.Query().Get("path"), err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
