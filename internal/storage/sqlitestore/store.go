// Package sqlitestore is a durable multi-version document store on SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/value"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store is a storage.Store backed by SQLite.
//
// Commits are linearized by a process-local mutex around one SQL
// transaction that validates and then appends. Only one process may open a
// database file for writing.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var got string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&got); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if got != expected {
		return fmt.Errorf("%s = %q, expected %q", name, got, expected)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func latestVersion(ctx context.Context, q querier) (storage.Version, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM commits`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return storage.Version(v), nil
}

// Snapshot pins the latest committed version.
func (s *Store) Snapshot(ctx context.Context) (storage.Snapshot, error) {
	v, err := latestVersion(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return &snapshot{db: s.db, version: v}, nil
}

// Commit validates req and appends its writes in one SQL transaction.
func (s *Store) Commit(ctx context.Context, req storage.CommitRequest) (storage.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	latest, err := latestVersion(ctx, tx)
	if err != nil {
		return 0, err
	}
	if req.Base > latest {
		return 0, fmt.Errorf("sqlitestore: base version %d is ahead of latest %d", req.Base, latest)
	}
	if req.Base < latest {
		if err := validate(ctx, tx, req); err != nil {
			return 0, err
		}
	}
	if req.Writes.IsEmpty() {
		return req.Base, nil
	}

	next := latest + 1
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO commits (version, committed_at, write_count) VALUES (?, ?, ?)`,
		int64(next), s.now().UnixMilli(), req.Writes.Len(),
	); err != nil {
		return 0, fmt.Errorf("insert commit %d: %w", next, err)
	}

	for _, w := range req.Writes.Writes() {
		var (
			deleted int
			body    sql.NullString
		)
		if w.IsDelete() {
			deleted = 1
		} else {
			data, err := value.MarshalCanonical(w.Value)
			if err != nil {
				return 0, fmt.Errorf("marshal %s: %w", w.Key, err)
			}
			body = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (table_name, doc_id, version, deleted, value)
			VALUES (?, ?, ?, ?, ?)
		`, w.Key.Table, w.Key.ID, int64(next), deleted, body); err != nil {
			return 0, fmt.Errorf("write %s: %w", w.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit version %d: %w", next, err)
	}
	return next, nil
}

func validate(ctx context.Context, tx *sql.Tx, req storage.CommitRequest) error {
	for _, key := range req.ValidationKeys() {
		var newest sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT MAX(version) FROM documents
			WHERE table_name = ? AND doc_id = ? AND version > ?
		`, key.Table, key.ID, int64(req.Base)).Scan(&newest)
		if err != nil {
			return fmt.Errorf("validate %s: %w", key, err)
		}
		if newest.Valid {
			return &storage.ConflictError{Base: req.Base, Conflicted: storage.Version(newest.Int64), Key: key}
		}
	}

	for _, r := range req.Reads.Ranges() {
		var (
			id      string
			version int64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT doc_id, version FROM documents
			WHERE table_name = ? AND doc_id >= ? AND (? = '' OR doc_id < ?) AND version > ?
			ORDER BY version, doc_id
			LIMIT 1
		`, r.Table, r.Start, r.End, r.End, int64(req.Base)).Scan(&id, &version)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("validate %s: %w", r, err)
		}
		rng := r
		return &storage.ConflictError{
			Base:       req.Base,
			Conflicted: storage.Version(version),
			Key:        storage.Key{Table: r.Table, ID: id},
			Range:      &rng,
		}
	}
	return nil
}

type snapshot struct {
	db      *sql.DB
	version storage.Version
}

func (sn *snapshot) Version() storage.Version {
	return sn.version
}

func (sn *snapshot) Get(ctx context.Context, key storage.Key) (*storage.Document, error) {
	var (
		version int64
		deleted bool
		body    sql.NullString
	)
	err := sn.db.QueryRowContext(ctx, `
		SELECT version, deleted, value FROM documents
		WHERE table_name = ? AND doc_id = ? AND version <= ?
		ORDER BY version DESC
		LIMIT 1
	`, key.Table, key.ID, int64(sn.version)).Scan(&version, &deleted, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if deleted {
		return nil, nil
	}
	obj, err := decodeObject(body.String)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &storage.Document{Key: key, Version: storage.Version(version), Value: obj}, nil
}

func (sn *snapshot) Scan(ctx context.Context, r storage.Range) ([]storage.Document, error) {
	rows, err := sn.db.QueryContext(ctx, `
		SELECT d.doc_id, d.version, d.deleted, d.value
		FROM documents d
		WHERE d.table_name = ? AND d.doc_id >= ? AND (? = '' OR d.doc_id < ?)
		  AND d.version = (
			SELECT MAX(i.version) FROM documents i
			WHERE i.table_name = d.table_name AND i.doc_id = d.doc_id AND i.version <= ?
		  )
		ORDER BY d.doc_id
	`, r.Table, r.Start, r.End, r.End, int64(sn.version))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", r, err)
	}
	defer rows.Close()

	var docs []storage.Document
	for rows.Next() {
		var (
			id      string
			version int64
			deleted bool
			body    sql.NullString
		)
		if err := rows.Scan(&id, &version, &deleted, &body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", r, err)
		}
		if deleted {
			continue
		}
		obj, err := decodeObject(body.String)
		if err != nil {
			return nil, fmt.Errorf("scan %s id %s: %w", r, id, err)
		}
		docs = append(docs, storage.Document{
			Key:     storage.Key{Table: r.Table, ID: id},
			Version: storage.Version(version),
			Value:   obj,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", r, err)
	}
	return docs, nil
}

func decodeObject(data string) (value.Object, error) {
	v, err := value.Parse([]byte(data))
	if err != nil {
		return nil, err
	}
	obj, ok := v.(value.Object)
	if !ok {
		return nil, fmt.Errorf("stored value is %s, want object", value.Kind(v))
	}
	return obj, nil
}
