package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Standard bucket names
const (
	BucketWorkflowInstances = "workflow_instances"
	BucketCache             = "cache"
)

// ProcessStatus is the lifecycle state of a process record.
type ProcessStatus string

const (
	StatusSpawning ProcessStatus = "spawning"
	StatusRunning  ProcessStatus = "running"
	StatusStopped  ProcessStatus = "stopped"
	StatusCrashed  ProcessStatus = "crashed"
	StatusOrphaned ProcessStatus = "orphaned"
	StatusDead     ProcessStatus = "dead"
)

// Active reports whether a process in this status may still be alive.
func (s ProcessStatus) Active() bool {
	return s == StatusSpawning || s == StatusRunning || s == StatusOrphaned
}

// ProcessRecord is one spawned process instance.
type ProcessRecord struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	PID                 int             `json:"pid"`
	SocketPath          string          `json:"socket_path,omitempty"`
	TCPPort             int             `json:"tcp_port,omitempty"`
	Status              ProcessStatus   `json:"status"`
	Config              json.RawMessage `json:"config,omitempty"`
	Metadata            map[string]any  `json:"metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           time.Time       `json:"started_at,omitzero"`
	StoppedAt           time.Time       `json:"stopped_at,omitzero"`
	LastHeartbeat       time.Time       `json:"last_heartbeat,omitzero"`
	RestartCount        int             `json:"restart_count"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Error               string          `json:"error,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *ProcessRecord) Clone() *ProcessRecord {
	c := *r
	if r.Config != nil {
		c.Config = append(json.RawMessage(nil), r.Config...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

const processSchema = `
		CREATE TABLE IF NOT EXISTS processes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			socket_path TEXT,
			tcp_port INTEGER,
			status TEXT NOT NULL,
			config TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			stopped_at INTEGER,
			last_heartbeat INTEGER,
			restart_count INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_processes_name ON processes(name);
		CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(status);
`

const processColumns = `id, name, pid, socket_path, tcp_port, status, config, metadata,
	created_at, started_at, stopped_at, last_heartbeat, restart_count, consecutive_failures, error`

// InsertProcess persists a new process record.
func (s *SQLiteStore) InsertProcess(rec *ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	args, err := processArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO processes (`+processColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert process %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateProcess atomically loads a record, applies fn and writes it back.
// If fn returns an error the record is left unchanged. The updated record is returned.
func (s *SQLiteStore) UpdateProcess(id string, fn func(*ProcessRecord) error) (*ProcessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := scanProcess(tx.QueryRow(`SELECT `+processColumns+` FROM processes WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}

	args, err := processArgs(rec)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`UPDATE processes SET
		name = ?2, pid = ?3, socket_path = ?4, tcp_port = ?5, status = ?6, config = ?7, metadata = ?8,
		created_at = ?9, started_at = ?10, stopped_at = ?11, last_heartbeat = ?12,
		restart_count = ?13, consecutive_failures = ?14, error = ?15
		WHERE id = ?1`, args...)
	if err != nil {
		return nil, fmt.Errorf("update process %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetProcess returns a single record.
func (s *SQLiteStore) GetProcess(id string) (*ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return scanProcess(s.db.QueryRow(`SELECT `+processColumns+` FROM processes WHERE id = ?`, id))
}

// ProcessFilter narrows ListProcesses. Zero fields match everything.
type ProcessFilter struct {
	Name     string
	Statuses []ProcessStatus
}

// ListProcesses returns records matching the filter, oldest first.
func (s *SQLiteStore) ListProcesses(f ProcessFilter) ([]*ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		where []string
		args  []any
	)
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}

	query := `SELECT ` + processColumns + ` FROM processes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProcessRecord
	for rows.Next() {
		rec, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProcess(row scanner) (*ProcessRecord, error) {
	var (
		rec                                   ProcessRecord
		socketPath, config, metadata, errText sql.NullString
		tcpPort                               sql.NullInt64
		status                                string
		createdAt                             int64
		startedAt, stoppedAt, lastHeartbeat   sql.NullInt64
	)

	err := row.Scan(&rec.ID, &rec.Name, &rec.PID, &socketPath, &tcpPort, &status, &config, &metadata,
		&createdAt, &startedAt, &stoppedAt, &lastHeartbeat, &rec.RestartCount, &rec.ConsecutiveFailures, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.SocketPath = socketPath.String
	rec.TCPPort = int(tcpPort.Int64)
	rec.Status = ProcessStatus(status)
	rec.Error = errText.String
	if config.Valid && config.String != "" {
		rec.Config = json.RawMessage(config.String)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", rec.ID, err)
		}
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.StartedAt = fromNullNanos(startedAt)
	rec.StoppedAt = fromNullNanos(stoppedAt)
	rec.LastHeartbeat = fromNullNanos(lastHeartbeat)
	return &rec, nil
}

func processArgs(rec *ProcessRecord) ([]any, error) {
	var metadata any
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata for %s: %w", rec.ID, err)
		}
		metadata = string(b)
	}
	var config any
	if len(rec.Config) > 0 {
		config = string(rec.Config)
	}
	var tcpPort any
	if rec.TCPPort != 0 {
		tcpPort = rec.TCPPort
	}

	return []any{
		rec.ID, rec.Name, rec.PID, nullString(rec.SocketPath), tcpPort, string(rec.Status), config, metadata,
		rec.CreatedAt.UnixNano(), toNullNanos(rec.StartedAt), toNullNanos(rec.StoppedAt), toNullNanos(rec.LastHeartbeat),
		rec.RestartCount, rec.ConsecutiveFailures, nullString(rec.Error),
	}, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toNullNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNullNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64)
}
