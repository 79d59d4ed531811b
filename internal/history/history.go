// Package history keeps a queryable log of terminal job outcomes in
// SQLite. The durable job store only holds pending work; once a job
// completes, fails, or is abandoned its record moves here.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id          TEXT NOT NULL,
	queue_type      TEXT NOT NULL,
	kind            TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	error           TEXT,
	attempts        INTEGER NOT NULL,
	created_at      TEXT NOT NULL,
	finished_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_conversation ON job_history(conversation_id, id);
CREATE INDEX IF NOT EXISTS idx_history_outcome ON job_history(outcome);
`

// Entry is a single terminal outcome.
type Entry struct {
	JobID          string    `json:"jobId"`
	QueueType      string    `json:"queueType"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversationId"`
	Outcome        string    `json:"outcome"`
	Error          string    `json:"error,omitempty"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"createdAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

// DB is the outcome log. Writes are serialized on a single connection.
type DB struct {
	db *sql.DB
}

// Open creates or opens the history database at path, configures WAL mode,
// and creates the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Record appends an entry.
func (h *DB) Record(e Entry) error {
	var errText any
	if e.Error != "" {
		errText = e.Error
	}
	_, err := h.db.Exec(`INSERT INTO job_history
		(job_id, queue_type, kind, conversation_id, outcome, error, attempts, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.QueueType, e.Kind, e.ConversationID, e.Outcome, errText, e.Attempts,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record history entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (h *DB) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.Query(`SELECT job_id, queue_type, kind, conversation_id, outcome, error, attempts, created_at, finished_at
		FROM job_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return scanEntries(rows)
}

// ByConversation returns the newest entries for one conversation, most
// recent first.
func (h *DB) ByConversation(conversationID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.Query(`SELECT job_id, queue_type, kind, conversation_id, outcome, error, attempts, created_at, finished_at
		FROM job_history WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversation history: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var errText sql.NullString
		var created, finished string
		if err := rows.Scan(&e.JobID, &e.QueueType, &e.Kind, &e.ConversationID,
			&e.Outcome, &errText, &e.Attempts, &created, &finished); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Error = errText.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		e.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (h *DB) Close() error {
	return h.db.Close()
}

// payloadHeader is the slice of a job payload needed for history columns.
type payloadHeader struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// ParseHeader extracts the kind and conversation ID from a raw payload.
// Malformed payloads yield empty fields rather than an error; the log
// keeps the outcome either way.
func ParseHeader(raw json.RawMessage) (kind, conversationID string) {
	var h payloadHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", ""
	}
	return h.Type, h.ConversationID
}
