package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	_ "modernc.org/sqlite"
)

var ErrNotFound = domain.ErrNotFound

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs typed statements against either the database handle or an
// open transaction.
type Queries struct {
	db dbtx
}

type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating when needed) the SQLite database at dbPath.
// The pool is pinned to one connection so every Write is serialized and a
// check-then-insert inside it is atomic for this process; busy_timeout covers
// other processes sharing the file.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Read runs fn outside a transaction.
func (s *Store) Read(ctx context.Context, fn func(q *Queries) error) error {
	return fn(&Queries{db: s.db})
}

// Write runs fn inside a single transaction; any error rolls it back.
func (s *Store) Write(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		graph TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		workflow_id TEXT,
		batch_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		total_iterations INTEGER NOT NULL DEFAULT 1,
		current_iteration INTEGER NOT NULL DEFAULT 1,
		graph TEXT NOT NULL,
		order_json TEXT NOT NULL,
		inputs TEXT,
		outputs TEXT,
		partial_output TEXT,
		error TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES executions(id),
		node_id TEXT NOT NULL,
		node_type TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		provider TEXT,
		external_id TEXT,
		result_ref TEXT,
		error TEXT,
		waiting TEXT,
		started_at INTEGER,
		completed_at INTEGER,
		UNIQUE(execution_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS flow_executions (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES executions(id),
		entry_node_id TEXT NOT NULL,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		node_ids TEXT NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS admission_slots (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		credential_hash TEXT NOT NULL,
		task_key TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL,
		execution_id TEXT,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS admission_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		provider TEXT NOT NULL,
		credential_hash TEXT NOT NULL,
		task_id TEXT NOT NULL,
		execution_id TEXT,
		node_id TEXT NOT NULL,
		node_type TEXT NOT NULL,
		input TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS work_items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		task_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		payload TEXT,
		run_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		claimed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS webhook_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		query TEXT,
		body BLOB,
		received_at INTEGER NOT NULL,
		outcome TEXT,
		external_id TEXT
	);

	CREATE TABLE IF NOT EXISTS credit_lots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		remaining INTEGER NOT NULL,
		expires_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_debits (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reference TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_batch ON executions(batch_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_execution ON tasks(execution_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_tasks_external ON tasks(external_id);
	CREATE INDEX IF NOT EXISTS idx_slots_pair ON admission_slots(provider, credential_hash, expires_at);
	CREATE INDEX IF NOT EXISTS idx_queue_pair ON admission_queue(provider, credential_hash, status);
	CREATE INDEX IF NOT EXISTS idx_work_due ON work_items(status, run_at);
	CREATE INDEX IF NOT EXISTS idx_webhook_external ON webhook_events(source, external_id);
	CREATE INDEX IF NOT EXISTS idx_credit_lots_user ON credit_lots(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rowsAffected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
