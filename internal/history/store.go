// Package history implements the History Store (HS, §4.6): a durable,
// append-only SQLite-backed transcript and session-metadata store.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/ace-cli/ace/internal/provider"
)

// defaultSessionName is the synthetic placeholder a new session is given;
// its presence (rather than a schema flag) is what triggers the
// first-user-message retitling per §4.6.
const defaultSessionName = "New session"

// SQLite busy-retry parameters: exponential backoff capped at 1s.
const (
	sqliteBusyMaxRetries   = 10
	sqliteBusyBackoffStep  = 50 * time.Millisecond
	sqliteBusyMaxBackoff   = 1 * time.Second
)

// Store is the SQLite-backed implementation of HS.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, running schema migrations
// and enabling WAL mode.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection so collaborators that need to share
// the same database (e.g. the delta/preview table) can do so.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			model TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			reasoning TEXT,
			reasoning_details TEXT,
			tool_calls TEXT,
			tool_call_id TEXT,
			name TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS file_deltas (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			turn_id INTEGER NOT NULL,
			file_path TEXT NOT NULL,
			op TEXT NOT NULL,
			old_content BLOB,
			created INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Session is one conversation's metadata.
type Session struct {
	ID        string
	Name      string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one stored transcript row.
type Message struct {
	ID               int64
	SessionID        string
	Role             provider.Role
	Content          string
	Reasoning        string
	ReasoningDetails json.RawMessage
	ToolCalls        []provider.ToolCall
	ToolCallID       string
	Name             string
	CreatedAt        time.Time
}

// CreateSession inserts a new session with a fresh UUID and the synthetic
// default name, per §3 "Session{id (UUID), display-name, ...}".
func (s *Store) CreateSession(model string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Name:      defaultSessionName,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, name, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.Model, sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// SessionExists reports whether a session with the given id exists.
func (s *Store) SessionExists(id string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT 1 FROM sessions WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LatestSessionID returns the most recently updated session's id, or "" if
// none exist.
func (s *Store) LatestSessionID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM sessions ORDER BY updated_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// AppendMessage persists one message and touches the session's updated_at.
// If this is the first User message in a still-unnamed session, the
// session is retitled to the first 50 characters with newlines collapsed
// to spaces, per §3/§4.6 (a detected condition, not a schema flag).
func (s *Store) AppendMessage(msg Message) (int64, error) {
	return s.appendWithRetry(msg)
}

func (s *Store) appendWithRetry(msg Message) (id int64, err error) {
	backoff := sqliteBusyBackoffStep
	for attempt := 0; attempt <= sqliteBusyMaxRetries; attempt++ {
		id, err = s.appendOnce(msg)
		if err == nil {
			return id, nil
		}
		if !isSQLiteBusy(err) {
			return 0, err
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("sqlite busy, retrying append")
		time.Sleep(backoff)
		backoff = min(backoff*2, sqliteBusyMaxBackoff)
	}
	return 0, err
}

func (s *Store) appendOnce(msg Message) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var toolCallsJSON, reasoningDetailsJSON any
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return 0, err
		}
		toolCallsJSON = string(b)
	}
	if len(msg.ReasoningDetails) > 0 {
		reasoningDetailsJSON = string(msg.ReasoningDetails)
	}

	now := time.Now()
	res, err := tx.Exec(
		`INSERT INTO messages (session_id, role, content, reasoning, reasoning_details, tool_calls, tool_call_id, name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, string(msg.Role), msg.Content, msg.Reasoning, reasoningDetailsJSON, toolCallsJSON, msg.ToolCallID, msg.Name, now.Unix(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now.Unix(), msg.SessionID); err != nil {
		return 0, err
	}

	if msg.Role == provider.RoleUser {
		if err := retitleIfDefault(tx, msg.SessionID, msg.Content); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func retitleIfDefault(tx *sql.Tx, sessionID, content string) error {
	var name string
	if err := tx.QueryRow(`SELECT name FROM sessions WHERE id = ?`, sessionID).Scan(&name); err != nil {
		return err
	}
	if name != defaultSessionName {
		return nil
	}
	title := strings.ReplaceAll(content, "\n", " ")
	if runes := []rune(title); len(runes) > 50 {
		title = string(runes[:50])
	}
	_, err := tx.Exec(`UPDATE sessions SET name = ? WHERE id = ?`, title, sessionID)
	return err
}

// LoadMessages returns every message for a session, ascending by id.
func (s *Store) LoadMessages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, reasoning, reasoning_details, tool_calls, tool_call_id, name, created_at
		 FROM messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                              Message
			reasoning, reasoningDetails    sql.NullString
			toolCallsStr, toolCallID, name sql.NullString
			createdAt                      int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &reasoning, &reasoningDetails, &toolCallsStr, &toolCallID, &name, &createdAt); err != nil {
			return nil, err
		}
		m.Reasoning = reasoning.String
		if reasoningDetails.Valid {
			m.ReasoningDetails = json.RawMessage(reasoningDetails.String)
		}
		m.ToolCallID = toolCallID.String
		m.Name = name.String
		m.CreatedAt = time.Unix(createdAt, 0)
		if toolCallsStr.Valid && toolCallsStr.String != "" {
			if err := json.Unmarshal([]byte(toolCallsStr.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool_calls for message %d: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ToProviderMessages converts stored rows back into provider.Message for
// replay into a ChatStream request.
func ToProviderMessages(msgs []Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, provider.Message{
			Role:             m.Role,
			Content:          m.Content,
			Reasoning:        m.Reasoning,
			ReasoningDetails: m.ReasoningDetails,
			ToolCalls:        m.ToolCalls,
			ToolCallID:       m.ToolCallID,
			Name:             m.Name,
			CreatedAt:        m.CreatedAt,
		})
	}
	return out
}

// SessionSummary is one row of ListSessions output.
type SessionSummary struct {
	Session
	Preview string
}

// ListSessions returns every session, most recently updated first, with a
// short preview of its first user message.
func (s *Store) ListSessions() ([]SessionSummary, error) {
	rows, err := s.db.Query(`SELECT id, name, model, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sess Session
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.Model, &created, &updated); err != nil {
			return nil, err
		}
		sess.CreatedAt = time.Unix(created, 0)
		sess.UpdatedAt = time.Unix(updated, 0)
		out = append(out, SessionSummary{Session: sess, Preview: sess.Name})
	}
	return out, rows.Err()
}

// isSQLiteBusy reports whether err indicates a transient SQLITE_BUSY
// condition worth retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked")
}
