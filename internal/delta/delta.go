// Package delta records the prior content of files that write_file/edit_file
// touch, keyed by (session, turn), into the History Store's file_deltas
// table. The engine does not itself expose an undo operation; this is
// storage only, recorded so one could be added without a schema change.
package delta

import (
	"database/sql"
	"sync"

	"github.com/rs/zerolog/log"
)

// Tracker records filesystem deltas for the currently active session/turn.
type Tracker struct {
	mu        sync.Mutex
	db        *sql.DB
	sessionID string
	turnID    int64 // 0 = no active turn
}

// New creates a Tracker that writes to the given database's file_deltas
// table (created by history.Store's migration).
func New(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// SetSession sets the active session ID.
func (t *Tracker) SetSession(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = id
}

// BeginTurn sets the current turn ID. Subsequent Record* calls are
// associated with this turn until the next BeginTurn.
func (t *Tracker) BeginTurn(turnID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turnID = turnID
}

// RecordModify stores the original content of a file before it is
// modified. Only the first snapshot per file per turn is kept.
func (t *Tracker) RecordModify(filePath string, oldContent []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil || t.turnID == 0 || t.sessionID == "" {
		return
	}
	var exists bool
	err := t.db.QueryRow(
		`SELECT 1 FROM file_deltas WHERE session_id = ? AND turn_id = ? AND file_path = ? LIMIT 1`,
		t.sessionID, t.turnID, filePath,
	).Scan(&exists)
	if err == nil && exists {
		return
	}
	_, err = t.db.Exec(
		`INSERT INTO file_deltas (session_id, turn_id, file_path, op, old_content, created)
		 VALUES (?, ?, ?, 'modify', ?, strftime('%s','now'))`,
		t.sessionID, t.turnID, filePath, oldContent,
	)
	if err != nil {
		log.Warn().Err(err).Str("file", filePath).Msg("failed to record modify delta")
	}
}

// RecordCreate records that a file was created (old_content is NULL).
func (t *Tracker) RecordCreate(filePath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil || t.turnID == 0 || t.sessionID == "" {
		return
	}
	_, err := t.db.Exec(
		`INSERT INTO file_deltas (session_id, turn_id, file_path, op, old_content, created)
		 VALUES (?, ?, ?, 'create', NULL, strftime('%s','now'))`,
		t.sessionID, t.turnID, filePath,
	)
	if err != nil {
		log.Warn().Err(err).Str("file", filePath).Msg("failed to record create delta")
	}
}
