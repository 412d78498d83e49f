package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/ralph/internal/models"
)

// sqlStore implements the shared SQL query surface for SQLiteStore and
// PostgresStore. Both dialects speak database/sql through a registered
// driver; sqlStore writes every query once with `?` placeholders and lets
// sqlx.Rebind translate them to the driver's native syntax instead of
// hand-duplicating a `$N`-flavored copy of every query.
type sqlStore struct {
	db *sqlx.DB
}

type sqlTxKey struct{}

// q returns the queryer bound to ctx's transaction if WithTx started one,
// otherwise the store's top-level *sqlx.DB. Both satisfy sqlx.ExtContext,
// which bundles Rebind alongside the Exec/Query methods.
func (s *sqlStore) q(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(sqlTxKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

func (s *sqlStore) rebind(ctx context.Context, query string) string {
	return s.q(ctx).Rebind(query)
}

// WithTx runs fn inside one transaction. Nested calls reuse the outer
// transaction rather than opening a second one.
func (s *sqlStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqlTxKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return WrapStoreError("failed to begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txCtx := context.WithValue(ctx, sqlTxKey{}, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return WrapStoreError(fmt.Sprintf("tx failed: %v, rollback failed", err), rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return WrapStoreError("failed to commit transaction", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const sessionColumns = `id, name, project_path, terminal_session_name, agent_kind, autonomous, initial_prompt, created_at, last_accessed_at`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var sess models.Session
	var autonomous int
	var agentKind string
	err := row.Scan(&sess.ID, &sess.Name, &sess.ProjectPath, &sess.TerminalSessionName, &agentKind,
		&autonomous, &sess.InitialPrompt, &sess.CreatedAt, &sess.LastAccessedAt)
	if err != nil {
		return nil, err
	}
	sess.AgentKind = models.AgentKind(agentKind)
	sess.Autonomous = autonomous != 0
	return &sess, nil
}

func (s *sqlStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.LastAccessedAt = now

	_, err := s.q(ctx).ExecContext(ctx, s.rebind(ctx, `
		INSERT INTO sessions (id, name, project_path, terminal_session_name, agent_kind, autonomous, initial_prompt, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.Name, sess.ProjectPath, sess.TerminalSessionName, string(sess.AgentKind), boolToInt(sess.Autonomous), sess.InitialPrompt, sess.CreatedAt, sess.LastAccessedAt)
	if err != nil {
		return WrapStoreError("failed to create session", err)
	}
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.q(ctx).QueryRowxContext(ctx, s.rebind(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, NotFoundError("session", id)
	}
	if err != nil {
		return nil, WrapStoreError("failed to get session", err)
	}
	return sess, nil
}

func (s *sqlStore) GetSessionByName(ctx context.Context, name string) (*models.Session, error) {
	row := s.q(ctx).QueryRowxContext(ctx, s.rebind(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE name = ?`), name)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, NotFoundError("session", name)
	}
	if err != nil {
		return nil, WrapStoreError("failed to get session by name", err)
	}
	return sess, nil
}

func (s *sqlStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, s.rebind(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`))
	if err != nil {
		return nil, WrapStoreError("failed to list sessions", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, WrapStoreError("failed to scan session", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, s.rebind(ctx, `DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return WrapStoreError("failed to delete session", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return NotFoundError("session", id)
	}
	_, _ = s.q(ctx).ExecContext(ctx, s.rebind(ctx, `DELETE FROM tasks WHERE session_id = ?`), id)
	return nil
}

func (s *sqlStore) MarkSessionAccessed(ctx context.Context, id string, at time.Time) error {
	res, err := s.q(ctx).ExecContext(ctx, s.rebind(ctx, `UPDATE sessions SET last_accessed_at = ? WHERE id = ?`), at, id)
	if err != nil {
		return WrapStoreError("failed to mark session accessed", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return NotFoundError("session", id)
	}
	return nil
}

func (s *sqlStore) UpdateSessionTerminal(ctx context.Context, id string, terminalSessionName string) error {
	res, err := s.q(ctx).ExecContext(ctx, s.rebind(ctx, `UPDATE sessions SET terminal_session_name = ? WHERE id = ?`), terminalSessionName, id)
	if err != nil {
		return WrapStoreError("failed to update session terminal", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return NotFoundError("session", id)
	}
	return nil
}

const taskColumns = `id, session_id, name, prompt, runner_kind, status, current_iteration, max_iterations,
	verification_prompt, last_verification_result, status_message, result, error, queue_position,
	created_at, started_at, completed_at, last_progress_at, health_check_failures, archived, archived_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var t models.Task
	var runnerKind, status string
	var archived int
	err := row.Scan(&t.ID, &t.SessionID, &t.Name, &t.Prompt, &runnerKind, &status, &t.CurrentIteration, &t.MaxIterations,
		&t.VerificationPrompt, &t.LastVerificationResult, &t.StatusMessage, &t.Result, &t.Error, &t.QueuePosition,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.LastProgressAt, &t.HealthCheckFailures, &archived, &t.ArchivedAt)
	if err != nil {
		return nil, err
	}
	t.RunnerKind = models.RunnerKind(runnerKind)
	t.Status = models.TaskStatus(status)
	t.Archived = archived != 0
	return &t, nil
}

func (s *sqlStore) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.RunnerKind == "" {
		t.RunnerKind = models.RunnerIterative
	}
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	if t.MaxIterations == 0 {
		t.MaxIterations = models.DefaultMaxIterations
	}

	_, err := s.q(ctx).ExecContext(ctx, s.rebind(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.SessionID, t.Name, t.Prompt, string(t.RunnerKind), string(t.Status), t.CurrentIteration, t.MaxIterations,
		t.VerificationPrompt, t.LastVerificationResult, t.StatusMessage, t.Result, t.Error, t.QueuePosition,
		t.CreatedAt, t.StartedAt, t.CompletedAt, t.LastProgressAt, t.HealthCheckFailures, boolToInt(t.Archived), t.ArchivedAt)
	if err != nil {
		return WrapStoreError("failed to create task", err)
	}
	return nil
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.q(ctx).QueryRowxContext(ctx, s.rebind(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, NotFoundError("task", id)
	}
	if err != nil {
		return nil, WrapStoreError("failed to get task", err)
	}
	return t, nil
}

func (s *sqlStore) UpdateTask(ctx context.Context, t *models.Task) error {
	res, err := s.q(ctx).ExecContext(ctx, s.rebind(ctx, `
		UPDATE tasks SET session_id = ?, name = ?, prompt = ?, runner_kind = ?, status = ?, current_iteration = ?,
			max_iterations = ?, verification_prompt = ?, last_verification_result = ?, status_message = ?,
			result = ?, error = ?, queue_position = ?, started_at = ?, completed_at = ?, last_progress_at = ?,
			health_check_failures = ?, archived = ?, archived_at = ?
		WHERE id = ?
	`), t.SessionID, t.Name, t.Prompt, string(t.RunnerKind), string(t.Status), t.CurrentIteration,
		t.MaxIterations, t.VerificationPrompt, t.LastVerificationResult, t.StatusMessage,
		t.Result, t.Error, t.QueuePosition, t.StartedAt, t.CompletedAt, t.LastProgressAt,
		t.HealthCheckFailures, boolToInt(t.Archived), t.ArchivedAt, t.ID)
	if err != nil {
		return WrapStoreError("failed to update task", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return NotFoundError("task", t.ID)
	}
	return nil
}

func (s *sqlStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, s.rebind(ctx, `DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return WrapStoreError("failed to delete task", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return NotFoundError("task", id)
	}
	return nil
}

func scanTasks(rows *sqlx.Rows) ([]*models.Task, error) {
	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, WrapStoreError("failed to scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListTasksBySession(ctx context.Context, sessionID string) ([]*models.Task, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, s.rebind(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = ? ORDER BY created_at`), sessionID)
	if err != nil {
		return nil, WrapStoreError("failed to list tasks by session", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqlStore) ListQueuedBySession(ctx context.Context, sessionID string) ([]*models.Task, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, s.rebind(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND status = ? ORDER BY queue_position ASC`),
		sessionID, string(models.StatusQueued))
	if err != nil {
		return nil, WrapStoreError("failed to list queued tasks", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqlStore) ActiveTaskForSession(ctx context.Context, sessionID string) (*models.Task, error) {
	row := s.q(ctx).QueryRowxContext(ctx, s.rebind(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND status IN (?, ?) LIMIT 1`),
		sessionID, string(models.StatusRunning), string(models.StatusPaused))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, WrapStoreError("failed to get active task for session", err)
	}
	return t, nil
}

func (s *sqlStore) ListTasksByStatuses(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	rows, err := s.q(ctx).QueryxContext(ctx, s.rebind(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN (`+placeholders+`) ORDER BY created_at`), args...)
	if err != nil {
		return nil, WrapStoreError("failed to list tasks by status", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqlStore) ListArchivable(ctx context.Context, cutoff time.Time) ([]*models.Task, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, s.rebind(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE archived = 0 AND completed_at IS NOT NULL AND completed_at < ?
		AND status IN (?, ?, ?)`),
		cutoff, string(models.StatusCompleted), string(models.StatusFailed), string(models.StatusCancelled))
	if err != nil {
		return nil, WrapStoreError("failed to list archivable tasks", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqlStore) NextQueuePosition(ctx context.Context, sessionID string) (int, error) {
	var max sql.NullInt64
	err := s.q(ctx).QueryRowxContext(ctx, s.rebind(ctx, `SELECT MAX(queue_position) FROM tasks WHERE session_id = ? AND status = ?`),
		sessionID, string(models.StatusQueued)).Scan(&max)
	if err != nil {
		return 0, WrapStoreError("failed to compute next queue position", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

func (s *sqlStore) GetVerifierConfig(ctx context.Context) (models.VerifierConfig, error) {
	var cfg models.VerifierConfig
	var enabled int
	err := s.q(ctx).QueryRowxContext(ctx, s.rebind(ctx, `SELECT enabled, api_url, api_key, model, max_tokens FROM verifier_config WHERE id = 1`)).
		Scan(&enabled, &cfg.APIURL, &cfg.APIKey, &cfg.Model, &cfg.MaxTokens)
	if err != nil {
		return models.VerifierConfig{}, WrapStoreError("failed to get verifier config", err)
	}
	cfg.Enabled = enabled != 0
	return cfg, nil
}

func (s *sqlStore) SetVerifierConfig(ctx context.Context, cfg models.VerifierConfig) error {
	_, err := s.q(ctx).ExecContext(ctx, s.rebind(ctx, `
		UPDATE verifier_config SET enabled = ?, api_url = ?, api_key = ?, model = ?, max_tokens = ? WHERE id = 1
	`), boolToInt(cfg.Enabled), cfg.APIURL, cfg.APIKey, cfg.Model, cfg.MaxTokens)
	if err != nil {
		return WrapStoreError("failed to set verifier config", err)
	}
	return nil
}
