package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the default Store: single-writer SQLite with WAL
// journaling (SetMaxOpenConns(1) since SQLite only supports one writer),
// wrapped in sqlx so its queries can share sqlStore with PostgresStore
// via Rebind.
type SQLiteStore struct {
	sqlStore
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	project_path TEXT NOT NULL,
	terminal_session_name TEXT NOT NULL,
	agent_kind TEXT NOT NULL,
	autonomous INTEGER NOT NULL DEFAULT 0,
	initial_prompt TEXT,
	created_at DATETIME NOT NULL,
	last_accessed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
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
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	last_progress_at DATETIME,
	health_check_failures INTEGER NOT NULL DEFAULT 0,
	archived INTEGER NOT NULL DEFAULT 0,
	archived_at DATETIME,
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_last_progress_at ON tasks(last_progress_at);

CREATE TABLE IF NOT EXISTS verifier_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	enabled INTEGER NOT NULL DEFAULT 0,
	api_url TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	max_tokens INTEGER NOT NULL DEFAULT 500
);
`

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{sqlStore{db: db}}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO verifier_config (id, enabled, api_url, api_key, model, max_tokens)
		VALUES (1, 0, '', '', 'gpt-4o-mini', 500)`)
	return err
}

var _ Store = (*SQLiteStore)(nil)
