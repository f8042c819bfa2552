package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, id, email string) {
	t.Helper()
	if err := s.CreateUser(User{ID: id, Email: email, PasswordHash: "x"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
}

func seedWorkspace(t *testing.T, s *Store, id, userID string) {
	t.Helper()
	w := Workspace{ID: id, UserID: userID, Name: "demo", Template: "python"}
	if err := s.CreateWorkspace(w, DefaultSettings(true)); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s := openTestStore(t)
	seedUser(t, s, "u1", "a@example.com")

	err := s.CreateUser(User{ID: "u2", Email: "a@example.com", PasswordHash: "y"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email err = %v, want ErrConflict", err)
	}
}

func TestGetUserByEmail(t *testing.T) {
	s := openTestStore(t)
	seedUser(t, s, "u1", "a@example.com")

	u, err := s.GetUserByEmail("a@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if u.ID != "u1" || u.PasswordHash != "x" {
		t.Errorf("got %+v", u)
	}

	if _, err := s.GetUserByEmail("missing@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing email err = %v, want ErrNotFound", err)
	}
}

func TestWorkspaceOwnershipScoping(t *testing.T) {
	s := openTestStore(t)
	seedUser(t, s, "owner", "o@example.com")
	seedUser(t, s, "other", "x@example.com")
	seedWorkspace(t, s, "ws-1", "owner")

	if _, err := s.GetWorkspace("ws-1", "owner"); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}

	// Another user's lookup is indistinguishable from absence.
	if _, err := s.GetWorkspace("ws-1", "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign lookup err = %v, want ErrNotFound", err)
	}
	if err := s.RenameWorkspace("ws-1", "other", "stolen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign rename err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteWorkspace("ws-1", "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign delete err = %v, want ErrNotFound", err)
	}
}

func TestCreateWorkspaceWritesSettings(t *testing.T) {
	s := openTestStore(t)
	seedUser(t, s, "u1", "a@example.com")
	seedWorkspace(t, s, "ws-1", "u1")

	settings, err := s.GetSettings("ws-1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if !settings.AllowEgress {
		t.Error("default settings lost allowEgress")
	}
	if settings.Env == nil || settings.Commands == nil || settings.LanguageServers == nil {
		t.Error("settings maps came back nil")
	}
}

func TestListWorkspacesOnlyOwn(t *testing.T) {
	s := openTestStore(t)
	seedUser(t, s, "u1", "a@example.com")
	seedUser(t, s, "u2", "b@example.com")
	seedWorkspace(t, s, "ws-1", "u1")
	seedWorkspace(t, s, "ws-2", "u2")

	list, err := s.ListWorkspaces("u1")
	if err != nil {
		t.Fatalf("ListWorkspaces: %v", err)
	}
	if len(list) != 1 || list[0].ID != "ws-1" {
		t.Errorf("ListWorkspaces = %+v, want just ws-1", list)
	}
}

func TestPutSettingsReplacesDocument(t *testing.T) {
	s := openTestStore(t)
	seedUser(t, s, "u1", "a@example.com")
	seedWorkspace(t, s, "ws-1", "u1")

	next := Settings{
		Env:             map[string]string{"DEBUG": "1"},
		Commands:        map[string]string{"dev": "npm run dev"},
		PreviewPort:     3000,
		LanguageServers: map[string]bool{"python": true},
		AllowEgress:     false,
	}
	if err := s.PutSettings("ws-1", next); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}

	got, err := s.GetSettings("ws-1")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.Env["DEBUG"] != "1" || got.Commands["dev"] != "npm run dev" {
		t.Errorf("settings not replaced: %+v", got)
	}
	if got.PreviewPort != 3000 || got.AllowEgress {
		t.Errorf("scalar fields not replaced: %+v", got)
	}

	if err := s.PutSettings("missing", next); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing workspace err = %v, want ErrNotFound", err)
	}
}

func TestDeleteWorkspaceCascades(t *testing.T) {
	s := openTestStore(t)
	seedUser(t, s, "u1", "a@example.com")
	seedWorkspace(t, s, "ws-1", "u1")

	cred := GitCredential{
		WorkspaceID: "ws-1", Host: "github.com", Username: "me",
		TokenData: "d", TokenIV: "i", TokenTag: "t",
	}
	if err := s.PutGitCredential(cred); err != nil {
		t.Fatalf("PutGitCredential: %v", err)
	}

	if err := s.DeleteWorkspace("ws-1", "u1"); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}

	if _, err := s.GetGitCredential("ws-1", "github.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("credential survived cascade: %v", err)
	}
}

func TestGitCredentialUpsert(t *testing.T) {
	s := openTestStore(t)
	seedUser(t, s, "u1", "a@example.com")
	seedWorkspace(t, s, "ws-1", "u1")

	first := GitCredential{WorkspaceID: "ws-1", Host: "github.com", Username: "me", TokenData: "d1", TokenIV: "i1", TokenTag: "t1"}
	second := GitCredential{WorkspaceID: "ws-1", Host: "github.com", Username: "me2", TokenData: "d2", TokenIV: "i2", TokenTag: "t2"}

	if err := s.PutGitCredential(first); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := s.PutGitCredential(second); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err := s.GetGitCredential("ws-1", "github.com")
	if err != nil {
		t.Fatalf("GetGitCredential: %v", err)
	}
	if got.Username != "me2" || got.TokenData != "d2" {
		t.Errorf("upsert did not replace: %+v", got)
	}

	if err := s.DeleteGitCredential("ws-1", "github.com"); err != nil {
		t.Fatalf("DeleteGitCredential: %v", err)
	}
	if err := s.DeleteGitCredential("ws-1", "github.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	seedUser(t, s, "u1", "a@example.com")
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if _, err := s2.GetUser("u1"); err != nil {
		t.Errorf("user lost across reopen: %v", err)
	}
}
