package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/ralph/internal/models"
)

// MemoryStore is an in-memory Store used by tests that need a real Store
// contract without a SQL driver. WithTx is a coarse single-mutex critical
// section: correctness over concurrency, since tests care about
// determinism, not throughput.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	tasks    map[string]*models.Task
	verifier models.VerifierConfig
}

type memoryTxKey struct{}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		tasks:    make(map[string]*models.Task),
		verifier: models.VerifierConfig{Enabled: false, Model: "gpt-4o-mini", MaxTokens: 500},
	}
}

func (s *MemoryStore) Close() error { return nil }

// WithTx holds the store's single mutex for the duration of fn, so every
// call fn makes back into the store is free of further locking; it
// marks the context so nested Store calls skip re-locking. If fn returns
// an error, sessions, tasks and the verifier config are restored to the
// snapshot taken before fn ran.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make(map[string]*models.Session, len(s.sessions))
	for id, sess := range s.sessions {
		sessions[id] = sess.Clone()
	}
	tasks := make(map[string]*models.Task, len(s.tasks))
	for id, t := range s.tasks {
		tasks[id] = t.Clone()
	}
	verifier := s.verifier
	if err := fn(context.WithValue(ctx, memoryTxKey{}, true)); err != nil {
		s.sessions, s.tasks, s.verifier = sessions, tasks, verifier
		return err
	}
	return nil
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(memoryTxKey{}).(bool)
	return v
}

func (s *MemoryStore) lock() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) lockIfNeeded(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	return s.lock()
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess *models.Session) error {
	defer s.lockIfNeeded(ctx)()
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.LastAccessedAt = now
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	defer s.lockIfNeeded(ctx)()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, NotFoundError("session", id)
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) GetSessionByName(ctx context.Context, name string) (*models.Session, error) {
	defer s.lockIfNeeded(ctx)()
	for _, sess := range s.sessions {
		if sess.Name == name {
			return sess.Clone(), nil
		}
	}
	return nil, NotFoundError("session", name)
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	defer s.lockIfNeeded(ctx)()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	defer s.lockIfNeeded(ctx)()
	if _, ok := s.sessions[id]; !ok {
		return NotFoundError("session", id)
	}
	delete(s.sessions, id)
	for tid, t := range s.tasks {
		if t.SessionID == id {
			delete(s.tasks, tid)
		}
	}
	return nil
}

func (s *MemoryStore) MarkSessionAccessed(ctx context.Context, id string, at time.Time) error {
	defer s.lockIfNeeded(ctx)()
	sess, ok := s.sessions[id]
	if !ok {
		return NotFoundError("session", id)
	}
	sess.LastAccessedAt = at
	return nil
}

func (s *MemoryStore) UpdateSessionTerminal(ctx context.Context, id string, terminalSessionName string) error {
	defer s.lockIfNeeded(ctx)()
	sess, ok := s.sessions[id]
	if !ok {
		return NotFoundError("session", id)
	}
	sess.TerminalSessionName = terminalSessionName
	return nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, t *models.Task) error {
	defer s.lockIfNeeded(ctx)()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	defer s.lockIfNeeded(ctx)()
	t, ok := s.tasks[id]
	if !ok {
		return nil, NotFoundError("task", id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, t *models.Task) error {
	defer s.lockIfNeeded(ctx)()
	if _, ok := s.tasks[t.ID]; !ok {
		return NotFoundError("task", t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	defer s.lockIfNeeded(ctx)()
	if _, ok := s.tasks[id]; !ok {
		return NotFoundError("task", id)
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) ListTasksBySession(ctx context.Context, sessionID string) ([]*models.Task, error) {
	defer s.lockIfNeeded(ctx)()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.SessionID == sessionID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListQueuedBySession(ctx context.Context, sessionID string) ([]*models.Task, error) {
	defer s.lockIfNeeded(ctx)()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.SessionID == sessionID && t.Status == models.StatusQueued {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := 0, 0
		if out[i].QueuePosition != nil {
			pi = *out[i].QueuePosition
		}
		if out[j].QueuePosition != nil {
			pj = *out[j].QueuePosition
		}
		return pi < pj
	})
	return out, nil
}

func (s *MemoryStore) ActiveTaskForSession(ctx context.Context, sessionID string) (*models.Task, error) {
	defer s.lockIfNeeded(ctx)()
	for _, t := range s.tasks {
		if t.SessionID == sessionID && t.Status.Active() {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListTasksByStatuses(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error) {
	defer s.lockIfNeeded(ctx)()
	want := make(map[models.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*models.Task
	for _, t := range s.tasks {
		if want[t.Status] {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListArchivable(ctx context.Context, cutoff time.Time) ([]*models.Task, error) {
	defer s.lockIfNeeded(ctx)()
	var out []*models.Task
	for _, t := range s.tasks {
		if !t.Status.Terminal() || t.Archived || t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) NextQueuePosition(ctx context.Context, sessionID string) (int, error) {
	defer s.lockIfNeeded(ctx)()
	max := 0
	for _, t := range s.tasks {
		if t.SessionID == sessionID && t.Status == models.StatusQueued && t.QueuePosition != nil {
			if *t.QueuePosition > max {
				max = *t.QueuePosition
			}
		}
	}
	return max + 1, nil
}

func (s *MemoryStore) GetVerifierConfig(ctx context.Context) (models.VerifierConfig, error) {
	defer s.lockIfNeeded(ctx)()
	return s.verifier, nil
}

func (s *MemoryStore) SetVerifierConfig(ctx context.Context, cfg models.VerifierConfig) error {
	defer s.lockIfNeeded(ctx)()
	s.verifier = cfg
	return nil
}

var _ Store = (*MemoryStore)(nil)
