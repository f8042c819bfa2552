package broker

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/cloudide/cloudide/internal/apierr"
	"github.com/cloudide/cloudide/internal/auth"
	"github.com/cloudide/cloudide/internal/pathsafe"
)

type fileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// resolveWorkspacePath runs the containment check and writes PATH_ESCAPE on
// failure. No filesystem I/O happens for a rejected path.
func (s *Server) resolveWorkspacePath(w http.ResponseWriter, workspaceID, rel string) (string, bool) {
	abs, err := pathsafe.Resolve(s.workspaceRoot(workspaceID), rel)
	if err != nil {
		if errors.Is(err, pathsafe.ErrPathEscape) {
			apierr.WriteKind(w, apierr.KindPathEscape, "path escapes workspace root")
		} else {
			apierr.Write(w, err)
		}
		return "", false
	}
	return abs, true
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}
	abs, ok := s.resolveWorkspacePath(w, ws.ID, r.URL.Query().Get("path"))
	if !ok {
		return
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			apierr.WriteKind(w, apierr.KindNotFound, "directory not found")
			return
		}
		apierr.Write(w, err)
		return
	}

	root := s.workspaceRoot(ws.ID)
	files := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{
			Name:  entry.Name(),
			Path:  pathsafe.ToPosixRel(root, filepath.Join(abs, entry.Name())),
			IsDir: entry.IsDir(),
			Size:  info.Size(),
		})
	}
	// Directories first, then lexicographic.
	sort.Slice(files, func(i, j int) bool {
		if files[i].IsDir != files[j].IsDir {
			return files[i].IsDir
		}
		return files[i].Name < files[j].Name
	})
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}
	abs, ok := s.resolveWorkspacePath(w, ws.ID, r.URL.Query().Get("path"))
	if !ok {
		return
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			apierr.WriteKind(w, apierr.KindNotFound, "file not found")
			return
		}
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"content": string(data)})
}

func (s *Server) handleFileWrite(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	abs, ok := s.resolveWorkspacePath(w, ws.ID, req.Path)
	if !ok {
		return
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := os.WriteFile(abs, []byte(req.Content), 0o644); err != nil {
		apierr.Write(w, err)
		return
	}
	s.dropFileListCache(ws.ID)
	apierr.WriteJSON(w, http.StatusOK, map[string]bool{"written": true})
}

func (s *Server) handleFileCreate(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}
	var req struct {
		Path string `json:"path"`
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	if req.Type != "file" && req.Type != "dir" {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "type must be file or dir")
		return
	}
	abs, ok := s.resolveWorkspacePath(w, ws.ID, req.Path)
	if !ok {
		return
	}

	if req.Type == "dir" {
		if err := os.MkdirAll(abs, 0o755); err != nil {
			apierr.Write(w, err)
			return
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			apierr.Write(w, err)
			return
		}
		f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				apierr.WriteKind(w, apierr.KindConflict, "file already exists")
				return
			}
			apierr.Write(w, err)
			return
		}
		f.Close()
	}
	s.dropFileListCache(ws.ID)
	apierr.WriteJSON(w, http.StatusCreated, map[string]bool{"created": true})
}

func (s *Server) handleFileRename(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}
	var req struct {
		Path    string `json:"path"`
		NewPath string `json:"newPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	from, ok := s.resolveWorkspacePath(w, ws.ID, req.Path)
	if !ok {
		return
	}
	to, ok := s.resolveWorkspacePath(w, ws.ID, req.NewPath)
	if !ok {
		return
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		apierr.Write(w, err)
		return
	}
	if err := os.Rename(from, to); err != nil {
		if os.IsNotExist(err) {
			apierr.WriteKind(w, apierr.KindNotFound, "file not found")
			return
		}
		apierr.Write(w, err)
		return
	}
	s.dropFileListCache(ws.ID)
	apierr.WriteJSON(w, http.StatusOK, map[string]bool{"renamed": true})
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}
	rel := r.URL.Query().Get("path")
	if rel == "" {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "path is required")
		return
	}
	abs, ok := s.resolveWorkspacePath(w, ws.ID, rel)
	if !ok {
		return
	}
	if rootAbs, err := pathsafe.Resolve(s.workspaceRoot(ws.ID), ""); err == nil && abs == rootAbs {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "cannot delete the workspace root")
		return
	}
	if _, err := os.Lstat(abs); err != nil {
		if os.IsNotExist(err) {
			apierr.WriteKind(w, apierr.KindNotFound, "file not found")
			return
		}
		apierr.Write(w, err)
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		apierr.Write(w, err)
		return
	}
	s.dropFileListCache(ws.ID)
	apierr.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
