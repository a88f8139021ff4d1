// Package audit records control actions taken against the daemon (workflow
// starts, cancellations and resumes) in a SQLite table so operators can see
// who drove which instance and with what outcome.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/warden/internal/logging"
)

// Event represents a single audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"` // "api", "cli", ...
	Remote    string         `json:"remote,omitempty"`
	Action    string         `json:"action"`   // "workflow.start", ...
	Resource  string         `json:"resource"` // instance id or workflow name
	Details   map[string]any `json:"details,omitempty"`
	Status    int            `json:"status"` // HTTP status of the outcome
	Error     string         `json:"error,omitempty"`
}

// Query selects events. Zero fields do not filter.
type Query struct {
	Since    time.Time
	Until    time.Time
	Action   string
	Resource string
	Limit    int
}

// Store provides persistent storage for audit events.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
	logger        *logging.Logger
}

// NewStore creates a new audit store at the given path. A path of
// ":memory:" keeps events in memory.
func NewStore(dbPath string, retentionDays int, logger *logging.Logger) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			actor TEXT NOT NULL,
			remote TEXT,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			details TEXT,
			status INTEGER DEFAULT 0,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
		CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_events(resource);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90 // Default 90 days
	}

	return &Store{
		db:            db,
		retentionDays: retentionDays,
		logger:        logging.OrDefault(logger).WithComponent("audit"),
	}, nil
}

// Write persists an audit event.
func (s *Store) Write(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	var details sql.NullString
	if evt.Details != nil {
		b, err := json.Marshal(evt.Details)
		if err != nil {
			b = []byte("{}")
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO audit_events (timestamp, actor, remote, action, resource, details, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.Timestamp.UTC(), evt.Actor, evt.Remote, evt.Action, evt.Resource, details, evt.Status, evt.Error)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	s.logger.Info("audit",
		"actor", evt.Actor,
		"action", evt.Action,
		"resource", evt.Resource,
		"status", evt.Status,
	)
	return nil
}

// Query returns matching events, newest first.
func (s *Store) Query(q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.Until.UTC())
	}
	if q.Action != "" {
		where = append(where, "action = ?")
		args = append(args, q.Action)
	}
	if q.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, q.Resource)
	}

	query := `SELECT id, timestamp, actor, remote, action, resource, details, status, error FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			evt                   Event
			remote, details, errs sql.NullString
		)
		if err := rows.Scan(&evt.ID, &evt.Timestamp, &evt.Actor, &remote, &evt.Action,
			&evt.Resource, &details, &evt.Status, &errs); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Remote = remote.String
		evt.Error = errs.String
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &evt.Details)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune removes events older than the retention period.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).UTC()
	result, err := s.db.Exec("DELETE FROM audit_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of events in the store.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
