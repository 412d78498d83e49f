package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore is the multi-writer Store: database/sql over the
// pgx/v5/stdlib driver, pooled via *sql.DB rather than a bare
// pgxpool.Pool, wrapped in sqlx so it shares sqlStore's query layer with
// SQLiteStore through Rebind.
type PostgresStore struct {
	sqlStore
}

// postgresSchema is split into individual statements because pgx/v5/stdlib
// runs database/sql Exec calls through the extended query protocol, which
// (unlike go-sqlite3's Exec) rejects a single call containing more than one
// statement.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		project_path TEXT NOT NULL,
		terminal_session_name TEXT NOT NULL,
		agent_kind TEXT NOT NULL,
		autonomous INTEGER NOT NULL DEFAULT 0,
		initial_prompt TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		last_accessed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		runner_kind TEXT NOT NULL DEFAULT 'ralph',
		status TEXT NOT NULL DEFAULT 'pending',
		current_iteration INTEGER NOT NULL DEFAULT 0,
		max_iterations INTEGER NOT NULL DEFAULT 10,
		verification_prompt TEXT,
		last_verification_result TEXT,
		status_message TEXT,
		result TEXT,
		error TEXT,
		queue_position INTEGER,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		last_progress_at TIMESTAMPTZ,
		health_check_failures INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		archived_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_last_progress_at ON tasks(last_progress_at)`,
	`CREATE TABLE IF NOT EXISTS verifier_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		enabled INTEGER NOT NULL DEFAULT 0,
		api_url TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		max_tokens INTEGER NOT NULL DEFAULT 500
	)`,
}

// NewPostgresStore connects a pool using dsn (see DatabaseConfig.DSN) and
// applies the schema if it does not already exist.
func NewPostgresStore(ctx context.Context, dsn string, maxConns, minConns int) (*PostgresStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{sqlStore{db: db}}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) initSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO verifier_config (id, enabled, api_url, api_key, model, max_tokens)
		VALUES (1, 0, '', '', 'gpt-4o-mini', 500) ON CONFLICT (id) DO NOTHING`)
	return err
}

var _ Store = (*PostgresStore)(nil)
