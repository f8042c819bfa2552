package runner

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, docker Docker) *Server {
	t.Helper()
	if docker == nil {
		docker = newFakeDocker()
	}
	return New(testRunnerConfig(), docker)
}

func doRequest(s *Server, method, target, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestSecretMiddleware(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"correct", "test-secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, "GET", "/containers/status?workspaceId="+testWorkspaceID, tt.secret, "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestHealthzIsOpen(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doRequest(s, "GET", "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
}

func TestStartRejectsBadWorkspaceID(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doRequest(s, "POST", "/containers/start", "test-secret",
		`{"workspaceId":"../../etc","allowEgress":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "INVALID_ID" {
		t.Errorf("code = %q, want INVALID_ID", body["code"])
	}
}

func TestExecRequiresCmd(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doRequest(s, "POST", "/containers/exec", "test-secret",
		`{"workspaceId":"`+testWorkspaceID+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPortOpenValidatesRange(t *testing.T) {
	s := newTestServer(t, nil)
	for _, port := range []int{0, -1, 70000} {
		rec := doRequest(s, "POST", "/containers/port/open", "test-secret",
			`{"workspaceId":"`+testWorkspaceID+`","port":`+strconv.Itoa(port)+`}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("port %d: status = %d, want 400", port, rec.Code)
		}
	}
}

func TestPreviewValidatesPort(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doRequest(s, "GET", "/preview/"+testWorkspaceID+"/notaport/index.html", "test-secret", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

