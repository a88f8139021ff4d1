// Package state provides durable storage for warden.
//
// The store provides:
// - Persistent storage via SQLite (pure Go driver) with WAL mode
// - The process records table written by the supervisor
// - Typed key-value buckets with optional TTL for workflow instances and
//   the workflow cache service
//
// Every mutation runs inside a single transaction so readers never observe a
// half-applied update.
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/warden/internal/clock"
)

// Common errors
var (
	ErrNotFound      = errors.New("key not found")
	ErrBucketExists  = errors.New("bucket already exists")
	ErrBucketMissing = errors.New("bucket does not exist")
	ErrStoreClosed   = errors.New("store is closed")
)

// Entry represents a single stored value with metadata.
type Entry struct {
	Value     []byte    `json:"value"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"` // Zero means no expiry
}

// SQLiteStore is the SQLite-backed state store.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	version uint64
	closed  bool
	clock   clock.Clock

	stop chan struct{}
	done chan struct{}
}

// Options configures the SQLite store.
type Options struct {
	Path            string        // Database file path (":memory:" for in-memory)
	WALMode         bool          // Enable WAL mode for better concurrency
	CleanupInterval time.Duration // How often to purge expired entries; 0 disables
	Clock           clock.Clock   // Optional: time source (defaults to RealClock if nil)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:            path,
		WALMode:         true,
		CleanupInterval: 5 * time.Minute,
	}
}

// NewSQLiteStore opens (or creates) the database and applies the schema.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path
	memory := opts.Path == ":memory:"
	if opts.WALMode && !memory {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}

	s := &SQLiteStore{
		db:    db,
		clock: clk,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.loadVersion(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load version: %w", err)
	}

	if opts.CleanupInterval > 0 {
		go s.cleanupLoop(opts.CleanupInterval)
	} else {
		close(s.done)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER,
			PRIMARY KEY (bucket, key)
		);

		CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at) WHERE expires_at IS NOT NULL;
	` + processSchema

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) loadVersion() error {
	var version sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(version) FROM entries").Scan(&version); err != nil {
		return err
	}
	if version.Valid {
		s.version = uint64(version.Int64)
	}
	return nil
}

func (s *SQLiteStore) cleanupLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.PurgeExpired()
		}
	}
}

// PurgeExpired removes entries whose TTL has elapsed and returns how many were removed.
func (s *SQLiteStore) PurgeExpired() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	res, err := s.db.Exec(
		"DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at <= ?",
		s.clock.Now().UnixNano(),
	)
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}

// CreateBucket creates a new bucket.
func (s *SQLiteStore) CreateBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(
		"INSERT INTO buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING",
		name, s.clock.Now().UnixNano(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBucketExists
	}
	return nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *SQLiteStore) EnsureBucket(name string) error {
	if err := s.CreateBucket(name); err != nil && !errors.Is(err, ErrBucketExists) {
		return err
	}
	return nil
}

// DeleteBucket removes a bucket and all its entries.
func (s *SQLiteStore) DeleteBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM buckets WHERE name = ?", name)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrBucketMissing
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE bucket = ?", name); err != nil {
		return err
	}
	return tx.Commit()
}

// Get retrieves a value by bucket and key.
func (s *SQLiteStore) Get(bucket, key string) ([]byte, error) {
	entry, err := s.GetWithMeta(bucket, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// GetWithMeta retrieves a value with its metadata.
func (s *SQLiteStore) GetWithMeta(bucket, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.getEntry(s.db, bucket, key)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getEntry(q queryRower, bucket, key string) (*Entry, error) {
	var (
		entry     Entry
		updatedAt int64
		expiresAt sql.NullInt64
	)

	err := q.QueryRow(`
		SELECT value, version, updated_at, expires_at
		FROM entries
		WHERE bucket = ? AND key = ?
		  AND (expires_at IS NULL OR expires_at > ?)
	`, bucket, key, s.clock.Now().UnixNano()).Scan(&entry.Value, &entry.Version, &updatedAt, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	entry.UpdatedAt = time.Unix(0, updatedAt)
	if expiresAt.Valid {
		entry.ExpiresAt = time.Unix(0, expiresAt.Int64)
	}
	return &entry, nil
}

// Set stores a value.
func (s *SQLiteStore) Set(bucket, key string, value []byte) error {
	return s.setInternal(bucket, key, value, time.Time{})
}

// SetWithTTL stores a value with a time-to-live.
func (s *SQLiteStore) SetWithTTL(bucket, key string, value []byte, ttl time.Duration) error {
	return s.setInternal(bucket, key, value, s.clock.Now().Add(ttl))
}

func (s *SQLiteStore) setInternal(bucket, key string, value []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.putTx(tx, bucket, key, value, expiresAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		s.version--
		return err
	}
	return nil
}

// putTx upserts an entry and bumps the store version. Caller holds s.mu.
func (s *SQLiteStore) putTx(tx *sql.Tx, bucket, key string, value []byte, expiresAt time.Time) error {
	var expires any
	if !expiresAt.IsZero() {
		expires = expiresAt.UnixNano()
	}

	s.version++
	_, err := tx.Exec(`
		INSERT INTO entries (bucket, key, value, version, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`, bucket, key, value, s.version, s.clock.Now().UnixNano(), expires)
	if err != nil {
		s.version--
	}
	return err
}

// Delete removes a key.
func (s *SQLiteStore) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	result, err := s.db.Exec("DELETE FROM entries WHERE bucket = ? AND key = ?", bucket, key)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all live key-value pairs in a bucket.
func (s *SQLiteStore) List(bucket string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT key, value FROM entries
		WHERE bucket = ? AND (expires_at IS NULL OR expires_at > ?)
	`, bucket, s.clock.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}

// ListKeys returns all live keys in a bucket, sorted.
func (s *SQLiteStore) ListKeys(bucket string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT key FROM entries
		WHERE bucket = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key
	`, bucket, s.clock.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *SQLiteStore) GetJSON(bucket, key string, v any) error {
	data, err := s.Get(bucket, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetJSON marshals and stores a JSON value.
func (s *SQLiteStore) SetJSON(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(bucket, key, data)
}

// SetJSONWithTTL marshals and stores a JSON value with TTL.
func (s *SQLiteStore) SetJSONWithTTL(bucket, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SetWithTTL(bucket, key, data, ttl)
}

// UpdateJSON atomically loads key into v, calls fn, and writes v back.
// If fn returns an error nothing is written.
func (s *SQLiteStore) UpdateJSON(bucket, key string, v any, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entry, err := s.getEntry(tx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	if err := fn(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.putTx(tx, bucket, key, data, entry.ExpiresAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		s.version--
		return err
	}
	return nil
}

// CurrentVersion returns the current version number.
func (s *SQLiteStore) CurrentVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}
