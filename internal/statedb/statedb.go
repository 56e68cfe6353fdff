package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/termdeck/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("statedb: not found")

// StateDB wraps the SQLite database holding preferences, detected
// conversation ids and web-push subscriptions. Safe for concurrent use;
// multiple processes can share the file through WAL mode and the busy
// timeout.
type StateDB struct {
	db *sql.DB
}

// ConversationRow records the tool conversation behind a session so a later
// session can resume it.
type ConversationRow struct {
	SessionID      string
	Mode           string
	ConversationID string
	Cwd            string
	DetectedAt     time.Time
}

// PushSubscriptionRow is a browser push endpoint.
type PushSubscriptionRow struct {
	Endpoint  string
	P256DH    string
	Auth      string
	CreatedAt time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	// PRAGMAs below are per connection.
	db.SetMaxOpenConns(1)

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: foreign keys: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for tests.
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and records the schema version.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct{ name, sql string }{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"preferences", `
			CREATE TABLE IF NOT EXISTS preferences (
				key        TEXT PRIMARY KEY,
				value      TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			)`},
		{"conversations", `
			CREATE TABLE IF NOT EXISTS conversations (
				session_id      TEXT PRIMARY KEY,
				mode            TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				cwd             TEXT NOT NULL DEFAULT '',
				detected_at     INTEGER NOT NULL
			)`},
		{"push_subscriptions", `
			CREATE TABLE IF NOT EXISTS push_subscriptions (
				endpoint   TEXT PRIMARY KEY,
				p256dh     TEXT NOT NULL,
				auth       TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.sql); err != nil {
			return fmt.Errorf("statedb: create %s: %w", st.name, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Metadata ---

// SetMeta sets a metadata key.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta returns a metadata value or ErrNotFound.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// --- Preferences ---

// SetPreference stores a user preference.
func (s *StateDB) SetPreference(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("statedb: set preference %s: %w", key, err)
	}
	return nil
}

// GetPreference returns a preference or ErrNotFound.
func (s *StateDB) GetPreference(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM preferences WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("statedb: get preference %s: %w", key, err)
	}
	return value, nil
}

// BoolPreference returns a boolean preference, or def when unset or
// unparseable.
func (s *StateDB) BoolPreference(key string, def bool) bool {
	v, err := s.GetPreference(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			storeLog.Warn("preference_read_failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		storeLog.Warn("preference_unparseable", slog.String("key", key), slog.String("value", v))
		return def
	}
	return b
}

// SetBoolPreference stores a boolean preference.
func (s *StateDB) SetBoolPreference(key string, v bool) error {
	return s.SetPreference(key, strconv.FormatBool(v))
}

// --- Conversations ---

// SaveConversation inserts or replaces the conversation for a session.
func (s *StateDB) SaveConversation(row ConversationRow) error {
	if row.DetectedAt.IsZero() {
		row.DetectedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO conversations (session_id, mode, conversation_id, cwd, detected_at)
		VALUES (?, ?, ?, ?, ?)
	`, row.SessionID, row.Mode, row.ConversationID, row.Cwd, row.DetectedAt.Unix())
	if err != nil {
		return fmt.Errorf("statedb: save conversation %s: %w", row.SessionID, err)
	}
	return nil
}

// GetConversation returns the conversation recorded for sessionID.
func (s *StateDB) GetConversation(sessionID string) (*ConversationRow, error) {
	row := &ConversationRow{}
	var detected int64
	err := s.db.QueryRow(`
		SELECT session_id, mode, conversation_id, cwd, detected_at
		FROM conversations WHERE session_id = ?
	`, sessionID).Scan(&row.SessionID, &row.Mode, &row.ConversationID, &row.Cwd, &detected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: get conversation %s: %w", sessionID, err)
	}
	row.DetectedAt = time.Unix(detected, 0)
	return row, nil
}

// ListConversations returns all rows, most recently detected first.
func (s *StateDB) ListConversations() ([]*ConversationRow, error) {
	rows, err := s.db.Query(`
		SELECT session_id, mode, conversation_id, cwd, detected_at
		FROM conversations ORDER BY detected_at DESC, session_id
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: list conversations: %w", err)
	}
	defer rows.Close()

	var result []*ConversationRow
	for rows.Next() {
		r := &ConversationRow{}
		var detected int64
		if err := rows.Scan(&r.SessionID, &r.Mode, &r.ConversationID, &r.Cwd, &detected); err != nil {
			return nil, err
		}
		r.DetectedAt = time.Unix(detected, 0)
		result = append(result, r)
	}
	return result, rows.Err()
}

// DeleteConversation forgets a session's conversation. Used when the tool
// reports the conversation no longer exists.
func (s *StateDB) DeleteConversation(sessionID string) error {
	_, err := s.db.Exec("DELETE FROM conversations WHERE session_id = ?", sessionID)
	return err
}

// --- Push subscriptions ---

// UpsertPushSubscription stores or refreshes a subscription by endpoint.
func (s *StateDB) UpsertPushSubscription(sub PushSubscriptionRow) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO push_subscriptions (endpoint, p256dh, auth, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth
	`, sub.Endpoint, sub.P256DH, sub.Auth, sub.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("statedb: upsert push subscription: %w", err)
	}
	return nil
}

// ListPushSubscriptions returns all subscriptions, oldest first.
func (s *StateDB) ListPushSubscriptions() ([]PushSubscriptionRow, error) {
	rows, err := s.db.Query("SELECT endpoint, p256dh, auth, created_at FROM push_subscriptions ORDER BY created_at, endpoint")
	if err != nil {
		return nil, fmt.Errorf("statedb: list push subscriptions: %w", err)
	}
	defer rows.Close()

	var result []PushSubscriptionRow
	for rows.Next() {
		var r PushSubscriptionRow
		var created int64
		if err := rows.Scan(&r.Endpoint, &r.P256DH, &r.Auth, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		result = append(result, r)
	}
	return result, rows.Err()
}

// RemovePushSubscription deletes a subscription; removing an unknown
// endpoint is not an error.
func (s *StateDB) RemovePushSubscription(endpoint string) error {
	_, err := s.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	return err
}
