package broker

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/cloudide/cloudide/internal/apierr"
	"github.com/cloudide/cloudide/internal/auth"
	"github.com/cloudide/cloudide/internal/runnerclient"
	"github.com/cloudide/cloudide/internal/secrets"
	"github.com/cloudide/cloudide/internal/shellquote"
	"github.com/cloudide/cloudide/internal/store"
)

// GitFileStatus is one entry of a parsed porcelain status.
type GitFileStatus struct {
	Path    string `json:"path"`
	Status  string `json:"status"`
	OldPath string `json:"oldPath,omitempty"`
}

// gitExec runs one git invocation inside the workspace container. Arguments
// are single-quote escaped; nothing from the request reaches the shell
// unquoted.
func (s *Server) gitExec(r *http.Request, workspaceID string, args ...string) (*runnerclient.ExecResult, error) {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, "git")
	for _, arg := range args {
		quoted = append(quoted, shellquote.Quote(arg))
	}
	return s.runner.Exec(r.Context(), runnerclient.ExecRequest{
		WorkspaceID: workspaceID,
		Cmd:         strings.Join(quoted, " "),
	})
}

// writeGitResult maps a git exit status onto the response.
func writeGitResult(w http.ResponseWriter, result *runnerclient.ExecResult) {
	if result.ExitCode != 0 {
		apierr.WriteKind(w, apierr.KindContainerExec, "git failed: %s", firstLine(result.Stderr))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"stdout":   result.Stdout,
		"exitCode": result.ExitCode,
	})
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func (s *Server) handleGitCommand(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}

	switch r.PathValue("op") {
	case "init":
		s.gitInit(w, r, ws.ID)
	case "clone":
		s.gitClone(w, r, ws.ID)
	case "stage":
		s.gitStage(w, r, ws.ID)
	case "unstage":
		s.gitUnstage(w, r, ws.ID)
	case "commit":
		s.gitCommit(w, r, ws.ID)
	case "checkout":
		s.gitCheckout(w, r, ws.ID)
	case "pull":
		s.gitPullPush(w, r, ws.ID, "pull")
	case "push":
		s.gitPullPush(w, r, ws.ID, "push")
	case "credentials":
		s.putGitCredential(w, r, ws.ID)
	default:
		apierr.WriteKind(w, apierr.KindNotFound, "unknown git operation")
	}
}

func (s *Server) handleGitQuery(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}

	switch r.PathValue("op") {
	case "status":
		s.gitStatus(w, r, ws.ID)
	case "diff":
		s.gitDiff(w, r, ws.ID)
	case "branches":
		s.gitBranches(w, r, ws.ID)
	default:
		apierr.WriteKind(w, apierr.KindNotFound, "unknown git operation")
	}
}

func (s *Server) gitInit(w http.ResponseWriter, r *http.Request, workspaceID string) {
	result, err := s.gitExec(r, workspaceID, "init")
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeGitResult(w, result)
}

func (s *Server) gitClone(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var req struct {
		URL string `json:"url"`
		Dir string `json:"dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "url is required")
		return
	}
	cloneURL := s.withCredential(workspaceID, req.URL)

	args := []string{"clone", cloneURL}
	if req.Dir != "" {
		args = append(args, req.Dir)
	}
	result, err := s.gitExec(r, workspaceID, args...)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeGitResult(w, result)
}

func (s *Server) gitStage(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	args := []string{"add", "--"}
	if len(req.Paths) == 0 {
		args = append(args, ".")
	} else {
		args = append(args, req.Paths...)
	}
	result, err := s.gitExec(r, workspaceID, args...)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeGitResult(w, result)
}

func (s *Server) gitUnstage(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "invalid JSON body")
		return
	}
	args := []string{"reset", "HEAD", "--"}
	if len(req.Paths) == 0 {
		args = append(args, ".")
	} else {
		args = append(args, req.Paths...)
	}
	result, err := s.gitExec(r, workspaceID, args...)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeGitResult(w, result)
}

func (s *Server) gitCommit(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "message is required")
		return
	}
	result, err := s.gitExec(r, workspaceID, "commit", "-m", req.Message)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeGitResult(w, result)
}

func (s *Server) gitCheckout(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var req struct {
		Branch string `json:"branch"`
		Create bool   `json:"create"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Branch == "" {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "branch is required")
		return
	}
	args := []string{"checkout"}
	if req.Create {
		args = append(args, "-b")
	}
	args = append(args, req.Branch)
	result, err := s.gitExec(r, workspaceID, args...)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeGitResult(w, result)
}

// gitPullPush injects the stored credential for the remote host into a
// transient URL for this single invocation. The remote configured on disk is
// never rewritten.
func (s *Server) gitPullPush(w http.ResponseWriter, r *http.Request, workspaceID, verb string) {
	var req struct {
		Remote string `json:"remote"`
		Branch string `json:"branch"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	remote := req.Remote
	if remote == "" {
		remote = "origin"
	}

	target := remote
	urlResult, err := s.gitExec(r, workspaceID, "remote", "get-url", remote)
	if err == nil && urlResult.ExitCode == 0 {
		if withCred := s.withCredential(workspaceID, strings.TrimSpace(urlResult.Stdout)); withCred != strings.TrimSpace(urlResult.Stdout) {
			target = withCred
		}
	}

	args := []string{verb, target}
	if req.Branch != "" {
		args = append(args, req.Branch)
	}
	result, err := s.gitExec(r, workspaceID, args...)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	writeGitResult(w, result)
}

func (s *Server) gitStatus(w http.ResponseWriter, r *http.Request, workspaceID string) {
	result, err := s.gitExec(r, workspaceID, "status", "-b", "--porcelain=v1")
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if result.ExitCode != 0 {
		apierr.WriteKind(w, apierr.KindContainerExec, "git failed: %s", firstLine(result.Stderr))
		return
	}
	branch, staged, unstaged, untracked := parseGitStatus(result.Stdout)
	apierr.WriteJSON(w, http.StatusOK, map[string]any{
		"branch":    branch,
		"staged":    staged,
		"unstaged":  unstaged,
		"untracked": untracked,
	})
}

func (s *Server) gitDiff(w http.ResponseWriter, r *http.Request, workspaceID string) {
	args := []string{"diff"}
	if path := r.URL.Query().Get("path"); path != "" {
		args = append(args, "--", path)
	}
	result, err := s.gitExec(r, workspaceID, args...)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if result.ExitCode != 0 {
		apierr.WriteKind(w, apierr.KindContainerExec, "git failed: %s", firstLine(result.Stderr))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"diff": result.Stdout})
}

func (s *Server) gitBranches(w http.ResponseWriter, r *http.Request, workspaceID string) {
	result, err := s.gitExec(r, workspaceID, "branch", "-av")
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if result.ExitCode != 0 {
		apierr.WriteKind(w, apierr.KindContainerExec, "git failed: %s", firstLine(result.Stderr))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"branches": result.Stdout})
}

func (s *Server) putGitCredential(w http.ResponseWriter, r *http.Request, workspaceID string) {
	var req struct {
		Host     string `json:"host"`
		Username string `json:"username"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" || req.Token == "" {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "host and token are required")
		return
	}
	ct, err := s.box.Encrypt(req.Token)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if err := s.store.PutGitCredential(store.GitCredential{
		WorkspaceID: workspaceID,
		Host:        req.Host,
		Username:    req.Username,
		TokenData:   ct.Data,
		TokenIV:     ct.IV,
		TokenTag:    ct.Tag,
	}); err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusCreated, map[string]bool{"stored": true})
}

func (s *Server) handleDeleteGitCredential(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ws, ok := s.requireWorkspace(w, r, claims, "ws")
	if !ok {
		return
	}
	host := r.URL.Query().Get("host")
	if host == "" {
		apierr.WriteKind(w, apierr.KindInvalidPayload, "host is required")
		return
	}
	if err := s.store.DeleteGitCredential(ws.ID, host); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.WriteKind(w, apierr.KindNotFound, "credential not found")
			return
		}
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// withCredential returns rawURL with the stored credential for its host
// injected as userinfo, or rawURL unchanged when no credential exists or the
// stored one cannot be decrypted.
func (s *Server) withCredential(workspaceID, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return rawURL
	}
	cred, err := s.store.GetGitCredential(workspaceID, u.Hostname())
	if err != nil {
		return rawURL
	}
	token, err := s.box.Decrypt(secrets.Ciphertext{
		Data: cred.TokenData,
		IV:   cred.TokenIV,
		Tag:  cred.TokenTag,
	})
	if err != nil {
		// Treated as credential unavailable; details never surface.
		return rawURL
	}
	if cred.Username != "" {
		u.User = url.UserPassword(cred.Username, token)
	} else {
		u.User = url.User(token)
	}
	return u.String()
}

// parseGitStatus splits porcelain v1 output (with -b) into the branch line
// and staged/unstaged/untracked lists.
func parseGitStatus(output string) (branch string, staged, unstaged, untracked []GitFileStatus) {
	staged = []GitFileStatus{}
	unstaged = []GitFileStatus{}
	untracked = []GitFileStatus{}

	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "## ") {
			branch = strings.TrimPrefix(line, "## ")
			continue
		}
		if len(line) < 3 {
			continue
		}

		indexStatus := line[0]
		worktreeStatus := line[1]
		rest := line[3:]

		var filePath, oldPath string
		if arrowIdx := strings.Index(rest, " -> "); arrowIdx >= 0 {
			oldPath = strings.TrimSpace(rest[:arrowIdx])
			filePath = strings.TrimSpace(rest[arrowIdx+4:])
		} else {
			filePath = strings.TrimSpace(rest)
		}
		if filePath == "" {
			continue
		}

		if indexStatus == '?' && worktreeStatus == '?' {
			untracked = append(untracked, GitFileStatus{Path: filePath, Status: "??"})
			continue
		}
		if indexStatus == '!' && worktreeStatus == '!' {
			continue
		}

		if indexStatus != ' ' && indexStatus != '?' {
			entry := GitFileStatus{Path: filePath, Status: string(indexStatus)}
			if oldPath != "" {
				entry.OldPath = oldPath
			}
			staged = append(staged, entry)
		}
		if worktreeStatus != ' ' && worktreeStatus != '?' {
			unstaged = append(unstaged, GitFileStatus{Path: filePath, Status: string(worktreeStatus)})
		}
	}
	return branch, staged, unstaged, untracked
}
