package broker

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/cloudide/cloudide/internal/apierr"
	"github.com/cloudide/cloudide/internal/ids"
	"github.com/cloudide/cloudide/internal/pathsafe"
	"github.com/cloudide/cloudide/internal/store"
)

// maxWatchDepth bounds recursive watch registration below the workspace root.
const maxWatchDepth = 16

// fileEvent is one change notification pushed to the files WebSocket.
type fileEvent struct {
	Event string `json:"event"`
	Path  string `json:"path"`
}

// workspaceForToken authenticates a WebSocket or preview request. Browsers
// cannot set an Authorization header on these, so the token travels as
// ?token=; the workspace id comes from wherever the route carries it.
func (s *Server) workspaceForToken(w http.ResponseWriter, r *http.Request, id string) (*store.Workspace, bool) {
	claims, err := s.tokens.Verify(r.URL.Query().Get("token"))
	if err != nil {
		apierr.WriteKind(w, apierr.KindUnauthorized, "invalid token")
		return nil, false
	}
	if err := ids.Validate(id); err != nil {
		apierr.Write(w, err)
		return nil, false
	}
	ws, err := s.store.GetWorkspace(id, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.WriteKind(w, apierr.KindNotFound, "workspace not found")
		} else {
			apierr.Write(w, err)
		}
		return nil, false
	}
	return ws, true
}

// handleFilesWS streams filesystem change events for one workspace until the
// client disconnects.
func (s *Server) handleFilesWS(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceForToken(w, r, r.URL.Query().Get("workspaceId"))
	if !ok {
		return
	}
	root := s.workspaceRoot(ws.ID)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		apierr.Write(w, err)
		return
	}

	// Directories currently under watch; used to classify removals.
	watched := make(map[string]bool)
	if err := addWatchTree(watcher, watched, root, 0); err != nil {
		watcher.Close()
		apierr.Write(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		watcher.Close()
		return
	}
	defer conn.Close()
	defer watcher.Close()

	var writeMu sync.Mutex
	send := func(ev fileEvent) bool {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(ev) == nil
	}

	// Reader goroutine only detects client disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, open := <-watcher.Events:
			if !open {
				return
			}
			ev, ok := s.classifyEvent(watcher, watched, root, event)
			if !ok {
				continue
			}
			s.dropFileListCache(ws.ID)
			if !send(ev) {
				return
			}
		case werr, open := <-watcher.Errors:
			if !open {
				return
			}
			slog.Warn("File watcher error", "workspaceId", ws.ID, "error", werr)
		}
	}
}

// classifyEvent maps an fsnotify event onto the wire vocabulary and keeps the
// recursive watch set current.
func (s *Server) classifyEvent(watcher *fsnotify.Watcher, watched map[string]bool, root string, event fsnotify.Event) (fileEvent, bool) {
	rel := pathsafe.ToPosixRel(root, event.Name)
	if rel == "" || rel == "." {
		return fileEvent{}, false
	}

	switch {
	case event.Op.Has(fsnotify.Create):
		info, err := os.Lstat(event.Name)
		if err != nil {
			return fileEvent{}, false
		}
		if info.IsDir() {
			if err := addWatchTree(watcher, watched, event.Name, watchDepth(root, event.Name)); err != nil {
				slog.Warn("Watch registration failed", "path", rel, "error", err)
			}
			return fileEvent{Event: "addDir", Path: rel}, true
		}
		return fileEvent{Event: "add", Path: rel}, true
	case event.Op.Has(fsnotify.Write):
		return fileEvent{Event: "change", Path: rel}, true
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		if watched[event.Name] {
			delete(watched, event.Name)
			return fileEvent{Event: "unlinkDir", Path: rel}, true
		}
		return fileEvent{Event: "unlink", Path: rel}, true
	}
	return fileEvent{}, false
}

// addWatchTree registers dir and its subdirectories up to maxWatchDepth.
// WalkDir does not follow symlinks, so a symlinked directory is never
// descended into.
func addWatchTree(watcher *fsnotify.Watcher, watched map[string]bool, dir string, baseDepth int) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if baseDepth+watchDepth(dir, path) > maxWatchDepth {
			return filepath.SkipDir
		}
		if searchExcludes[d.Name()] && path != dir {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return nil
		}
		watched[path] = true
		return nil
	})
}

// watchDepth counts path separators between root and path.
func watchDepth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
