package broker

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestScoreFileName(t *testing.T) {
	t.Run("substring dominates fuzzy", func(t *testing.T) {
		sub, ok := scoreFileName("src/main.py", "main")
		if !ok {
			t.Fatal("substring match rejected")
		}
		fuzzy, ok := scoreFileName("models/training.py", "main")
		if !ok {
			t.Fatal("fuzzy match rejected")
		}
		if sub <= fuzzy {
			t.Errorf("substring score %d not above fuzzy score %d", sub, fuzzy)
		}
	})

	t.Run("earlier substring scores higher", func(t *testing.T) {
		early, _ := scoreFileName("main.py", "main")
		late, _ := scoreFileName("src/main.py", "main")
		if early <= late {
			t.Errorf("early %d <= late %d", early, late)
		}
	})

	t.Run("substring formula", func(t *testing.T) {
		// Position 4, length 11.
		got, ok := scoreFileName("src/main.py", "main")
		if !ok {
			t.Fatal("rejected")
		}
		want := 10000 - 4*10 - 11
		if got != want {
			t.Errorf("score = %d, want %d", got, want)
		}
	})

	t.Run("case insensitive", func(t *testing.T) {
		a, _ := scoreFileName("src/Main.py", "main")
		b, _ := scoreFileName("src/main.py", "MAIN")
		if a != b {
			t.Errorf("case variants scored %d vs %d", a, b)
		}
	})

	t.Run("out of order rejected", func(t *testing.T) {
		if _, ok := scoreFileName("abc.txt", "cba"); ok {
			t.Error("out-of-order query matched")
		}
	})

	t.Run("long path penalty caps at 500", func(t *testing.T) {
		long := strings.Repeat("d/", 400) + "main.py"
		short := "dirs/main.py"
		a, _ := scoreFileName(long, "main")
		b, _ := scoreFileName(short, "main")
		if a >= b {
			t.Errorf("long path %d not below short path %d", a, b)
		}
	})
}

func TestFileSearchEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	token := registerUser(t, s, "fsearch@example.com")
	id := createWorkspace(t, s, token, "fsearch ws", "python")

	for _, f := range []string{"main.go", "src/main.rs", "docs/manual.md"} {
		doJSON(t, s, http.MethodPut, "/api/files/"+id+"/write", token, map[string]string{
			"path": f, "content": "x",
		})
	}

	rec := doJSON(t, s, http.MethodGet, "/api/search/"+id+"/files?q=main", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: status = %d body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Results []scoredPath `json:"results"`
	}
	decodeBody(t, rec, &body)
	if len(body.Results) < 3 {
		t.Fatalf("got %d results", len(body.Results))
	}
	// Ranked best-first; a root-level exact name beats nested ones.
	if body.Results[0].Path != "main.go" {
		t.Errorf("top result = %q, want main.go", body.Results[0].Path)
	}
	for i := 1; i < len(body.Results); i++ {
		prev, cur := body.Results[i-1], body.Results[i]
		if cur.Score > prev.Score || (cur.Score == prev.Score && cur.Path < prev.Path) {
			t.Errorf("results out of order at %d: %+v before %+v", i, prev, cur)
		}
	}

	rec = doJSON(t, s, http.MethodGet, "/api/search/"+id+"/files?q=main&limit=2", token, nil)
	decodeBody(t, rec, &body)
	if len(body.Results) != 2 {
		t.Errorf("limit ignored: got %d results", len(body.Results))
	}

	rec = doJSON(t, s, http.MethodGet, "/api/search/"+id+"/files", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing q: status = %d, want 400", rec.Code)
	}
}

func TestTextSearch(t *testing.T) {
	s := newTestServer(t, "")
	token := registerUser(t, s, "tsearch@example.com")
	id := createWorkspace(t, s, token, "tsearch ws", "python")

	doJSON(t, s, http.MethodPut, "/api/files/"+id+"/write", token, map[string]string{
		"path":    "app.py",
		"content": "import os\nTODO_MARKER = 1\nprint(TODO_MARKER)\n",
	})

	rec := doJSON(t, s, http.MethodPost, "/api/search/"+id+"/text", token, textSearchRequest{
		Query: "TODO_MARKER",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("search: status = %d body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Results   []textMatch `json:"results"`
		Truncated bool        `json:"truncated"`
	}
	decodeBody(t, rec, &body)
	if len(body.Results) != 2 {
		t.Fatalf("got %d matches, want 2: %+v", len(body.Results), body.Results)
	}
	first := body.Results[0]
	if first.Path != "app.py" || first.Line != 2 || first.Column != 0 {
		t.Errorf("first match = %+v", first)
	}
	if body.Results[1].Line != 3 || body.Results[1].Column != 6 {
		t.Errorf("second match = %+v", body.Results[1])
	}
}

func TestTextSearchMaxResultsTruncates(t *testing.T) {
	s := newTestServer(t, "")
	token := registerUser(t, s, "trunc@example.com")
	id := createWorkspace(t, s, token, "trunc ws", "python")

	doJSON(t, s, http.MethodPut, "/api/files/"+id+"/write", token, map[string]string{
		"path":    "many.txt",
		"content": strings.Repeat("needle\n", 10),
	})

	rec := doJSON(t, s, http.MethodPost, "/api/search/"+id+"/text", token, textSearchRequest{
		Query:      "needle",
		MaxResults: 3,
	})
	var body struct {
		Results   []textMatch `json:"results"`
		Truncated bool        `json:"truncated"`
	}
	decodeBody(t, rec, &body)
	if len(body.Results) != 3 || !body.Truncated {
		t.Errorf("results = %d truncated = %v, want 3/true", len(body.Results), body.Truncated)
	}
}

func TestTextSearchInvalidRegex(t *testing.T) {
	s := newTestServer(t, "")
	token := registerUser(t, s, "badre@example.com")
	id := createWorkspace(t, s, token, "badre ws", "python")

	rec := doJSON(t, s, http.MethodPost, "/api/search/"+id+"/text", token, textSearchRequest{
		Query:   "[unclosed",
		IsRegex: true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSearchScannerFallback(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "a.txt", "alpha beta\nbeta gamma\n")
	writeTestFile(t, root, "skip.bin", "header\x00binary")
	writeTestFile(t, root, "sub/b.txt", "Beta here\n")

	matches, truncated, err := searchWithScanner(root, textSearchRequest{Query: "beta"}, 100)
	if err != nil {
		t.Fatalf("searchWithScanner: %v", err)
	}
	if truncated {
		t.Error("unexpected truncation")
	}
	// Case-insensitive by default; the binary file is skipped.
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3: %+v", len(matches), matches)
	}
	for _, m := range matches {
		if m.Path == "skip.bin" {
			t.Error("binary file was scanned")
		}
	}

	matches, _, err = searchWithScanner(root, textSearchRequest{Query: "beta", CaseSensitive: true}, 100)
	if err != nil {
		t.Fatalf("case sensitive: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("case sensitive: got %d matches, want 2", len(matches))
	}

	matches, _, err = searchWithScanner(root, textSearchRequest{Query: "beta", Include: []string{"a.txt"}}, 100)
	if err != nil {
		t.Fatalf("include glob: %v", err)
	}
	for _, m := range matches {
		if m.Path != "a.txt" {
			t.Errorf("include glob leaked %q", m.Path)
		}
	}
}

func TestGlobsAllow(t *testing.T) {
	tests := []struct {
		rel     string
		include []string
		exclude []string
		want    bool
	}{
		{"main.go", nil, nil, true},
		{"main.go", []string{"*.go"}, nil, true},
		{"main.py", []string{"*.go"}, nil, false},
		{"main.go", nil, []string{"*.go"}, false},
		{"sub/main.go", []string{"*.go"}, nil, true},
		{"main.go", []string{"*.go"}, []string{"main.go"}, false},
	}
	for _, tt := range tests {
		if got := globsAllow(tt.rel, tt.include, tt.exclude); got != tt.want {
			t.Errorf("globsAllow(%q, %v, %v) = %v, want %v", tt.rel, tt.include, tt.exclude, got, tt.want)
		}
	}
}
