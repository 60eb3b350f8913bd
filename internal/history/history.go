// Package history persists the per-session AgentMessage audit trail to
// SQLite so a transport can replay a turn. If opening the database or
// executing queries fails, the log falls back to in-memory storage.
package history

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/genia-platform/nl2sql/internal/logger"
)

// Record is one audited pipeline message.
type Record struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Stage     string    `json:"stage"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Log is an append-only message store. Records are never mutated; replay
// order follows insertion order.
type Log struct {
	mu  sync.Mutex
	db  *sql.DB
	mem map[string][]Record
}

// Open initializes the SQLite-backed log at path, creating the table on
// first use. A failed open degrades to in-memory storage instead of erroring.
func Open(path string) *Log {
	l := &Log{mem: make(map[string][]Record)}

	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000")
	if err != nil {
		logger.L.Warn("sqlite open failed; using in-memory audit log", "error", err)
		return l
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS agent_messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id TEXT,
        stage TEXT,
        role TEXT,
        content TEXT,
        seq INTEGER,
        created_at DATETIME
    );`); err != nil {
		logger.L.Warn("sqlite table creation failed; using in-memory audit log", "error", err)
		_ = db.Close()
		return l
	}
	l.db = db
	logger.L.Info("sqlite audit log initialized", "path", path)
	return l
}

// Append stores one record. Failures degrade to memory, never to the caller.
func (l *Log) Append(rec Record) {
	if l.db != nil {
		_, err := l.db.Exec(
			`INSERT INTO agent_messages (session_id, stage, role, content, seq, created_at) VALUES (?,?,?,?,?,?);`,
			rec.SessionID, rec.Stage, rec.Role, rec.Content, rec.Seq, rec.CreatedAt,
		)
		if err == nil {
			return
		}
		logger.L.Error("failed to store audit record in sqlite; falling back to memory", "error", err)
	}

	l.mu.Lock()
	l.mem[rec.SessionID] = append(l.mem[rec.SessionID], rec)
	l.mu.Unlock()
}

// Replay returns all records of a session in emission order.
func (l *Log) Replay(sessionID string) []Record {
	if l.db != nil {
		rows, err := l.db.Query(
			`SELECT id, session_id, stage, role, content, seq, created_at FROM agent_messages WHERE session_id = ? ORDER BY id ASC;`,
			sessionID,
		)
		if err == nil {
			defer rows.Close()
			var out []Record
			for rows.Next() {
				var r Record
				if err := rows.Scan(&r.ID, &r.SessionID, &r.Stage, &r.Role, &r.Content, &r.Seq, &r.CreatedAt); err == nil {
					out = append(out, r)
				}
			}
			return out
		}
		logger.L.Error("failed to read audit records from sqlite; falling back to memory", "error", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.mem[sessionID]))
	copy(out, l.mem[sessionID])
	return out
}

// Close releases the underlying database, if any.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
