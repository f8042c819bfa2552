package broker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudide/cloudide/internal/apierr"
	"github.com/cloudide/cloudide/internal/auth"
)

const (
	fileListCacheTTL  = 10 * time.Second
	maxSearchFileSize = 2 * 1024 * 1024
	defaultMaxResults = 500
	hardMaxResults    = 5000
	defaultFileLimit  = 50
	maxFileLimit      = 500
)

// searchExcludes is the default exclude set for enumeration and the
// fallback scanner.
var searchExcludes = map[string]bool{
	".git":         true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"coverage":     true,
}

type cachedFileList struct {
	paths     []string
	expiresAt time.Time
}

// fileList enumerates workspace files, POSIX-relative, cached per
// workspace. Prefers rg --files, falls back to a filesystem walk.
func (s *Server) fileList(workspaceID string) ([]string, error) {
	s.searchMu.Lock()
	if cached, ok := s.searchCache[workspaceID]; ok && time.Now().Before(cached.expiresAt) {
		paths := cached.paths
		s.searchMu.Unlock()
		return paths, nil
	}
	s.searchMu.Unlock()

	root := s.workspaceRoot(workspaceID)
	paths, err := enumerateWithRipgrep(root)
	if err != nil {
		paths, err = enumerateWithWalk(root)
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(paths)

	s.searchMu.Lock()
	s.searchCache[workspaceID] = cachedFileList{paths: paths, expiresAt: time.Now().Add(fileListCacheTTL)}
	s.searchMu.Unlock()
	return paths, nil
}

func (s *Server) dropFileListCache(workspaceID string) {
	s.searchMu.Lock()
	delete(s.searchCache, workspaceID)
	s.searchMu.Unlock()
}

func enumerateWithRipgrep(root string) ([]string, error) {
	out, err := exec.Command("rg", "--files", root).Output()
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		rel, err := filepath.Rel(root, line)
		if err != nil {
			continue
		}
		paths = append(paths, filepath.ToSlash(rel))
	}
	return paths, nil
}

func enumerateWithWalk(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if searchExcludes[d.Name()] && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// scoredPath pairs a candidate with its ranking score.
type scoredPath struct {
	Path  string `json:"path"`
	Score int    `json:"score"`
}

// scoreFileName ranks path against query. Exact substring matches dominate;
// otherwise an in-order character scan scores by span and gaps. Returns
// ok=false when the query characters do not appear in order.
func scoreFileName(path, query string) (int, bool) {
	lowerPath := strings.ToLower(path)
	lowerQuery := strings.ToLower(query)

	if pos := strings.Index(lowerPath, lowerQuery); pos >= 0 {
		return 10000 - pos*10 - min(len(path), 500), true
	}

	first, last := -1, -1
	gaps := 0
	prev := -2
	idx := 0
	for _, qc := range lowerQuery {
		found := false
		for idx < len(lowerPath) {
			pc, size := utf8.DecodeRuneInString(lowerPath[idx:])
			if pc == qc {
				if first < 0 {
					first = idx
				}
				if prev >= 0 && idx != prev+1 {
					gaps++
				}
				last = idx
				prev = idx
				idx += size
				found = true
				break
			}
			idx += size
		}
		if !found {
			return 0, false
		}
	}
	span := last - first
	return 2000 - span*5 - gaps*3 - min(len(path), 500), true
}

func (s *Server) handleFileSearch(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "q is required")
		return
	}
	limit := defaultFileLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, maxFileLimit)
		}
	}

	paths, err := s.fileList(ws.ID)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	results := make([]scoredPath, 0, 64)
	for _, path := range paths {
		if score, ok := scoreFileName(path, query); ok {
			results = append(results, scoredPath{Path: path, Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})
	if len(results) > limit {
		results = results[:limit]
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

type textSearchRequest struct {
	Query         string   `json:"query"`
	IsRegex       bool     `json:"isRegex"`
	CaseSensitive bool     `json:"caseSensitive"`
	WholeWord     bool     `json:"wholeWord"`
	Include       []string `json:"include"`
	Exclude       []string `json:"exclude"`
	MaxResults    int      `json:"maxResults"`
}

type textMatch struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Text   string `json:"text"`
	Match  string `json:"match"`
}

func (s *Server) handleTextSearch(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}
	var req textSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	if req.Query == "" {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "query is required")
		return
	}
	if req.IsRegex {
		if _, err := regexp.Compile(req.Query); err != nil {
			apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid regex: %v", err)
			return
		}
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	maxResults = min(maxResults, hardMaxResults)

	root := s.workspaceRoot(ws.ID)
	matches, truncated, err := searchWithRipgrep(root, req, maxResults)
	if err != nil {
		matches, truncated, err = searchWithScanner(root, req, maxResults)
		if err != nil {
			apierr.Write(w, err)
			return
		}
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"results":   matches,
		"truncated": truncated,
	})
}

// rgMatch is the subset of an rg --json "match" frame we consume.
type rgMatch struct {
	Type string `json:"type"`
	Data struct {
		Path struct {
			Text string `json:"text"`
		} `json:"path"`
		Lines struct {
			Text string `json:"text"`
		} `json:"lines"`
		LineNumber int `json:"line_number"`
		Submatches []struct {
			Match struct {
				Text string `json:"text"`
			} `json:"match"`
			Start int `json:"start"`
			End   int `json:"end"`
		} `json:"submatches"`
	} `json:"data"`
}

func searchWithRipgrep(root string, req textSearchRequest, maxResults int) ([]textMatch, bool, error) {
	args := []string{"--json", "--max-filesize", "2M"}
	if !req.CaseSensitive {
		args = append(args, "-i")
	}
	if req.WholeWord {
		args = append(args, "-w")
	}
	if !req.IsRegex {
		args = append(args, "-F")
	}
	for _, glob := range req.Include {
		args = append(args, "-g", glob)
	}
	for _, glob := range req.Exclude {
		args = append(args, "-g", "!"+glob)
	}
	args = append(args, "--", req.Query, root)

	cmd := exec.Command("rg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, false, err
	}
	if err := cmd.Start(); err != nil {
		return nil, false, err
	}

	matches := make([]textMatch, 0, 64)
	truncated := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var frame rgMatch
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil || frame.Type != "match" {
			continue
		}
		rel, rerr := filepath.Rel(root, frame.Data.Path.Text)
		if rerr != nil {
			rel = frame.Data.Path.Text
		}
		lineText := strings.TrimRight(frame.Data.Lines.Text, "\n")
		for _, sub := range frame.Data.Submatches {
			if len(matches) >= maxResults {
				truncated = true
				break
			}
			// Submatch offsets are bytes; clients address characters.
			column := sub.Start
			if sub.Start <= len(lineText) {
				column = utf8.RuneCountInString(lineText[:sub.Start])
			}
			matches = append(matches, textMatch{
				Path:   filepath.ToSlash(rel),
				Line:   frame.Data.LineNumber,
				Column: column,
				Text:   lineText,
				Match:  sub.Match.Text,
			})
		}
		if truncated {
			break
		}
	}
	if truncated {
		_ = cmd.Process.Kill()
	}
	// rg exits 1 on no matches, which is not a failure here.
	if err := cmd.Wait(); err != nil && len(matches) == 0 {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			return nil, false, err
		}
	}
	return matches, truncated, nil
}

// searchWithScanner is the in-process fallback when ripgrep is unavailable.
// Binary files (null byte in the first 8 KB) and files over the size cap are
// skipped.
func searchWithScanner(root string, req textSearchRequest, maxResults int) ([]textMatch, bool, error) {
	pattern := req.Query
	if !req.IsRegex {
		pattern = regexp.QuoteMeta(pattern)
	}
	if req.WholeWord {
		pattern = `\b(?:` + pattern + `)\b`
	}
	if !req.CaseSensitive {
		pattern = `(?i)` + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false, apierr.New(apierr.KindInvalidPayload, "invalid regex: %v", err)
	}

	paths, err := enumerateWithWalk(root)
	if err != nil {
		return nil, false, err
	}

	matches := make([]textMatch, 0, 64)
	truncated := false
	for _, rel := range paths {
		if truncated {
			break
		}
		if !globsAllow(rel, req.Include, req.Exclude) {
			continue
		}
		abs := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil || info.Size() > maxSearchFileSize {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		if isBinary(data) {
			continue
		}
		for lineNo, line := range strings.Split(string(data), "\n") {
			locs := re.FindAllStringIndex(line, -1)
			for _, loc := range locs {
				if len(matches) >= maxResults {
					truncated = true
					break
				}
				matches = append(matches, textMatch{
					Path:   rel,
					Line:   lineNo + 1,
					Column: utf8.RuneCountInString(line[:loc[0]]),
					Text:   line,
					Match:  line[loc[0]:loc[1]],
				})
			}
			if truncated {
				break
			}
		}
	}
	return matches, truncated, nil
}

func globsAllow(rel string, include, exclude []string) bool {
	base := filepath.Base(rel)
	for _, glob := range exclude {
		if matched, _ := filepath.Match(glob, base); matched {
			return false
		}
		if matched, _ := filepath.Match(glob, rel); matched {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, glob := range include {
		if matched, _ := filepath.Match(glob, base); matched {
			return true
		}
		if matched, _ := filepath.Match(glob, rel); matched {
			return true
		}
	}
	return false
}

func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
