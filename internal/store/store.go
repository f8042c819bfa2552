// Package store provides the broker's SQLite-backed persistence: users,
// workspaces, per-workspace settings, and encrypted git credentials.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors for callers mapping to API error kinds.
var (
	ErrNotFound = fmt.Errorf("not found")
	ErrConflict = fmt.Errorf("conflict")
)

// User is a registered account. PasswordHash never serialises.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"createdAt"`
}

// Workspace is a user-owned development workspace record.
type Workspace struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Template  string `json:"template"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Settings is the one-to-one settings document for a workspace.
type Settings struct {
	Env             map[string]string `json:"env"`
	Commands        map[string]string `json:"commands"`
	PreviewPort     int               `json:"previewPort"`
	LanguageServers map[string]bool   `json:"languageServers"`
	AllowEgress     bool              `json:"allowEgress"`
}

// GitCredential is a stored credential for one (workspace, host) pair.
// Token fields hold the AES-GCM ciphertext parts, base64 encoded.
type GitCredential struct {
	WorkspaceID string
	Host        string
	Username    string
	TokenData   string
	TokenIV     string
	TokenTag    string
}

// DefaultSettings returns the settings written at workspace creation.
func DefaultSettings(allowEgress bool) Settings {
	return Settings{
		Env:             map[string]string{},
		Commands:        map[string]string{},
		PreviewPort:     0,
		LanguageServers: map[string]bool{},
		AllowEgress:     allowEgress,
	}
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the database at dbPath, applies pragmas and
// migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the initial schema.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			template TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workspaces_user ON workspaces(user_id);
		CREATE TABLE IF NOT EXISTS workspace_settings (
			workspace_id TEXT PRIMARY KEY REFERENCES workspaces(id) ON DELETE CASCADE,
			env_json TEXT NOT NULL DEFAULT '{}',
			commands_json TEXT NOT NULL DEFAULT '{}',
			preview_port INTEGER NOT NULL DEFAULT 0,
			language_servers_json TEXT NOT NULL DEFAULT '{}',
			allow_egress INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS git_credentials (
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			host TEXT NOT NULL,
			username TEXT NOT NULL,
			token_data TEXT NOT NULL,
			token_iv TEXT NOT NULL,
			token_tag TEXT NOT NULL,
			PRIMARY KEY (workspace_id, host)
		);
	`)
	return err
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---------- Users ----------

// CreateUser inserts a new user. Email must already be case-folded by the
// caller. Returns ErrConflict on duplicate email.
func (s *Store) CreateUser(u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.CreatedAt == "" {
		u.CreatedAt = nowRFC3339()
	}
	_, err := s.db.Exec(
		"INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)",
		u.ID, u.Email, u.PasswordHash, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("email %s: %w", u.Email, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByEmail looks a user up by case-folded email.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u User
	err := s.db.QueryRow(
		"SELECT id, email, password_hash, created_at FROM users WHERE email = ?",
		email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// GetUser looks a user up by id.
func (s *Store) GetUser(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u User
	err := s.db.QueryRow(
		"SELECT id, email, password_hash, created_at FROM users WHERE id = ?",
		id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ---------- Workspaces ----------

// CreateWorkspace atomically inserts the workspace row and its settings row.
func (s *Store) CreateWorkspace(w Workspace, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowRFC3339()
	if w.CreatedAt == "" {
		w.CreatedAt = now
	}
	if w.UpdatedAt == "" {
		w.UpdatedAt = now
	}

	envJSON, commandsJSON, lsJSON, err := marshalSettings(settings)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO workspaces (id, user_id, name, template, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		w.ID, w.UserID, w.Name, w.Template, w.CreatedAt, w.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("workspace %s: %w", w.ID, ErrConflict)
		}
		return fmt.Errorf("insert workspace: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO workspace_settings (workspace_id, env_json, commands_json, preview_port, language_servers_json, allow_egress) VALUES (?, ?, ?, ?, ?, ?)",
		w.ID, envJSON, commandsJSON, settings.PreviewPort, lsJSON, boolToInt(settings.AllowEgress),
	); err != nil {
		return fmt.Errorf("insert settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetWorkspace loads a workspace by (id, userID). Ownership mismatch and
// absence are indistinguishable: both return ErrNotFound.
func (s *Store) GetWorkspace(id, userID string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w Workspace
	err := s.db.QueryRow(
		"SELECT id, user_id, name, template, created_at, updated_at FROM workspaces WHERE id = ? AND user_id = ?",
		id, userID,
	).Scan(&w.ID, &w.UserID, &w.Name, &w.Template, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &w, nil
}

// ListWorkspaces returns all workspaces owned by a user, newest first.
func (s *Store) ListWorkspaces(userID string) ([]Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, user_id, name, template, created_at, updated_at FROM workspaces WHERE user_id = ? ORDER BY created_at DESC, id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	workspaces := []Workspace{}
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.UserID, &w.Name, &w.Template, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		workspaces = append(workspaces, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return workspaces, nil
}

// RenameWorkspace updates the display name and bumps updated_at.
func (s *Store) RenameWorkspace(id, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE workspaces SET name = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		name, nowRFC3339(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("rename workspace: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkspace removes the workspace row; settings and credentials cascade.
func (s *Store) DeleteWorkspace(id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM workspaces WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------- Settings ----------

// GetSettings loads the settings document for an existing workspace.
// A missing row for an existing workspace is a programmer error surfaced as
// a plain error, not ErrNotFound.
func (s *Store) GetSettings(workspaceID string) (*Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var envJSON, commandsJSON, lsJSON string
	var previewPort, allowEgress int
	err := s.db.QueryRow(
		"SELECT env_json, commands_json, preview_port, language_servers_json, allow_egress FROM workspace_settings WHERE workspace_id = ?",
		workspaceID,
	).Scan(&envJSON, &commandsJSON, &previewPort, &lsJSON, &allowEgress)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("settings row missing for workspace %s", workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	settings := Settings{PreviewPort: previewPort, AllowEgress: allowEgress != 0}
	if err := json.Unmarshal([]byte(envJSON), &settings.Env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if err := json.Unmarshal([]byte(commandsJSON), &settings.Commands); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	if err := json.Unmarshal([]byte(lsJSON), &settings.LanguageServers); err != nil {
		return nil, fmt.Errorf("decode language servers: %w", err)
	}
	return &settings, nil
}

// PutSettings replaces the settings document and bumps the workspace's
// updated_at.
func (s *Store) PutSettings(workspaceID string, settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	envJSON, commandsJSON, lsJSON, err := marshalSettings(settings)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"UPDATE workspace_settings SET env_json = ?, commands_json = ?, preview_port = ?, language_servers_json = ?, allow_egress = ? WHERE workspace_id = ?",
		envJSON, commandsJSON, settings.PreviewPort, lsJSON, boolToInt(settings.AllowEgress), workspaceID,
	)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(
		"UPDATE workspaces SET updated_at = ? WHERE id = ?",
		nowRFC3339(), workspaceID,
	); err != nil {
		return fmt.Errorf("touch workspace: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ---------- Git credentials ----------

// PutGitCredential upserts a credential for (workspace, host).
func (s *Store) PutGitCredential(c GitCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO git_credentials
			(workspace_id, host, username, token_data, token_iv, token_tag)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.WorkspaceID, c.Host, c.Username, c.TokenData, c.TokenIV, c.TokenTag,
	)
	if err != nil {
		return fmt.Errorf("put git credential: %w", err)
	}
	return nil
}

// GetGitCredential loads the credential for (workspace, host).
func (s *Store) GetGitCredential(workspaceID, host string) (*GitCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c GitCredential
	err := s.db.QueryRow(
		"SELECT workspace_id, host, username, token_data, token_iv, token_tag FROM git_credentials WHERE workspace_id = ? AND host = ?",
		workspaceID, host,
	).Scan(&c.WorkspaceID, &c.Host, &c.Username, &c.TokenData, &c.TokenIV, &c.TokenTag)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get git credential: %w", err)
	}
	return &c, nil
}

// DeleteGitCredential removes the credential for (workspace, host).
func (s *Store) DeleteGitCredential(workspaceID, host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"DELETE FROM git_credentials WHERE workspace_id = ? AND host = ?",
		workspaceID, host,
	)
	if err != nil {
		return fmt.Errorf("delete git credential: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalSettings(settings Settings) (envJSON, commandsJSON, lsJSON string, err error) {
	env, err := json.Marshal(orEmptyMap(settings.Env))
	if err != nil {
		return "", "", "", fmt.Errorf("encode env: %w", err)
	}
	commands, err := json.Marshal(orEmptyMap(settings.Commands))
	if err != nil {
		return "", "", "", fmt.Errorf("encode commands: %w", err)
	}
	ls, err := json.Marshal(orEmptyBoolMap(settings.LanguageServers))
	if err != nil {
		return "", "", "", fmt.Errorf("encode language servers: %w", err)
	}
	return string(env), string(commands), string(ls), nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
