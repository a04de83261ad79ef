package server

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadSize = 100 * 1024 * 1024 // 100 MiB

// transferDirName is where bare-filename writes land, under $HOME.
const transferDirName = "CyberdeskTransfers"

// expandPath replaces a leading ~ with the caller's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

type fsEntry struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	IsDir    bool     `json:"is_dir"`
	Size     *int64   `json:"size"`
	Modified *float64 `json:"modified"`
}

func (s *Server) handleFsList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	safePath := expandPath(path)

	info, err := os.Stat(safePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "Directory not found")
		return
	}
	if !info.IsDir() {
		writeError(w, http.StatusBadRequest, "Path is not a directory")
		return
	}
	dirEntries, err := os.ReadDir(safePath)
	if err != nil {
		writeError(w, http.StatusForbidden, "Permission denied to list directory")
		return
	}

	entries := make([]fsEntry, 0, len(dirEntries))
	for _, item := range dirEntries {
		entry := fsEntry{
			Name:  item.Name(),
			Path:  filepath.Join(safePath, item.Name()),
			IsDir: item.IsDir(),
		}
		if meta, err := item.Info(); err == nil {
			if meta.Mode().IsRegular() {
				size := meta.Size()
				entry.Size = &size
			}
			modified := float64(meta.ModTime().UnixNano()) / 1e9
			entry.Modified = &modified
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"path":    safePath,
		"entries": entries,
	})
}

func (s *Server) handleFsRead(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "Missing 'path' parameter")
		return
	}
	safePath := expandPath(path)

	info, err := os.Stat(safePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	if !info.Mode().IsRegular() {
		writeError(w, http.StatusBadRequest, "Path is not a file")
		return
	}
	if info.Size() > maxReadSize {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large (>100MB)")
		return
	}
	content, err := os.ReadFile(safePath)
	if err != nil {
		writeError(w, http.StatusForbidden, "Permission denied to read file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    safePath,
		"content": base64.StdEncoding.EncodeToString(content),
		"size":    info.Size(),
	})
}

type fsWritePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode"`
}

func (s *Server) handleFsWrite(w http.ResponseWriter, r *http.Request) {
	var payload fsWritePayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if payload.Path == "" {
		writeError(w, http.StatusBadRequest, "Missing 'path' field")
		return
	}
	if payload.Content == "" {
		writeError(w, http.StatusBadRequest, "Missing 'content' field")
		return
	}
	data, err := base64.StdEncoding.DecodeString(payload.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid base64 content")
		return
	}

	safePath := expandPath(payload.Path)
	// Bare filenames land in the transfer directory rather than whatever
	// the process working directory happens to be.
	if filepath.Dir(safePath) == "." {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		safePath = filepath.Join(home, transferDirName, filepath.Base(safePath))
	}
	if parent := filepath.Dir(safePath); parent != "" {
		_ = os.MkdirAll(parent, 0o755)
	}

	if payload.Mode == "append" {
		file, err := os.OpenFile(safePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			writeError(w, http.StatusForbidden, "Permission denied to write file")
			return
		}
		defer file.Close()
		if _, err := file.Write(data); err != nil {
			writeError(w, http.StatusForbidden, "Permission denied to write file")
			return
		}
	} else {
		if err := os.WriteFile(safePath, data, 0o644); err != nil {
			writeError(w, http.StatusForbidden, "Permission denied to write file")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}
