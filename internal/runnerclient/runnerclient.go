// Package runnerclient is the broker's client for the runner tier. Every
// request carries the shared-secret header; the runner rejects anything
// without it.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudide/cloudide/internal/apierr"
)

// SecretHeader authenticates broker traffic at the runner.
const SecretHeader = "X-Runner-Secret"

// maxErrorBody caps how much of a runner error response the broker reads
// back and surfaces to callers.
const maxErrorBody = 8 * 1024

// StartRequest asks the runner to ensure a workspace container is running.
type StartRequest struct {
	WorkspaceID string            `json:"workspaceId"`
	AllowEgress bool              `json:"allowEgress"`
	Env         map[string]string `json:"env,omitempty"`
	CPULimit    string            `json:"cpuLimit,omitempty"`
	MemLimit    string            `json:"memLimit,omitempty"`
	PidsLimit   int               `json:"pidsLimit,omitempty"`
}

// ExecRequest runs one command inside a workspace container.
type ExecRequest struct {
	WorkspaceID string            `json:"workspaceId"`
	Cmd         string            `json:"cmd"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// ExecResult is the buffered output of a non-streaming exec.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Client talks to one runner instance.
type Client struct {
	baseURL string
	wsURL   string
	secret  string
	http    *http.Client
	dialer  *websocket.Dialer
}

// New creates a client for the runner at baseURL (http) and wsURL (ws).
func New(baseURL, wsURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		wsURL:   strings.TrimRight(wsURL, "/"),
		secret:  secret,
		http:    &http.Client{},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Start is the idempotent ensure-running call.
func (c *Client) Start(ctx context.Context, req StartRequest) error {
	return c.post(ctx, "/containers/start", req, nil)
}

// Exec runs a command and returns its buffered output.
func (c *Client) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	var result ExecResult
	if err := c.post(ctx, "/containers/exec", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stop force-removes the workspace container.
func (c *Client) Stop(ctx context.Context, workspaceID string) error {
	return c.post(ctx, "/containers/stop", map[string]string{"workspaceId": workspaceID}, nil)
}

// Status returns the derived container state.
func (c *Client) Status(ctx context.Context, workspaceID string) (string, error) {
	u := c.baseURL + "/containers/status?workspaceId=" + url.QueryEscape(workspaceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.do(req, &body); err != nil {
		return "", err
	}
	return body.Status, nil
}

// PortOpen reports whether the container currently listens on port.
func (c *Client) PortOpen(ctx context.Context, workspaceID string, port int) (bool, error) {
	var body struct {
		Open bool `json:"open"`
	}
	err := c.post(ctx, "/containers/port/open", map[string]any{
		"workspaceId": workspaceID,
		"port":        port,
	}, &body)
	if err != nil {
		return false, err
	}
	return body.Open, nil
}

// DialWS opens a runner WebSocket (path like "/ws/pty") with the given
// query values, authenticating with the shared secret.
func (c *Client) DialWS(ctx context.Context, path string, query url.Values) (*websocket.Conn, error) {
	u := c.wsURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	header := http.Header{SecretHeader: []string{c.secret}}
	conn, resp, err := c.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, apierr.New(apierr.KindUpstreamFailed, "runner websocket refused: %s", resp.Status)
		}
		return nil, apierr.Wrap(apierr.KindUpstreamFailed, err, "runner websocket unreachable")
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn, nil
}

// Forward streams an incoming preview request through to the runner,
// mirroring the response. Used by the broker preview front door.
func (c *Client) Forward(w http.ResponseWriter, r *http.Request, path string) {
	u := c.baseURL + path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, u, r.Body)
	if err != nil {
		apierr.WriteKind(w, apierr.KindUpstreamFailed, "build upstream request failed")
		return
	}
	req.Header.Set(SecretHeader, c.secret)
	for _, h := range []string{"Accept", "User-Agent", "Content-Type"} {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		apierr.WriteKind(w, apierr.KindUpstreamFailed, "runner unreachable")
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstreamFailed, err, "runner unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return apierr.New(apierr.KindUpstreamFailed, "runner returned %d: %s", resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apierr.Wrap(apierr.KindUpstreamFailed, err, "decode runner response")
		}
	}
	return nil
}
