package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
	logger   *logging.Logger
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(logger *logging.Logger, opts ...Option) *MemoryStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	o := buildOptions(opts)
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      o.now,
		logger:   logger.Named("sessions"),
	}
}

func (m *MemoryStore) Create(ctx context.Context, title, userID string) (string, error) {
	m.mu.Lock()
	id := m.createLocked(title, userID)
	m.mu.Unlock()

	m.logger.Info(logging.WithSessionID(ctx, id), "session created")
	return id, nil
}

func (m *MemoryStore) createLocked(title, userID string) string {
	now := m.now()
	id := NewID()
	m.sessions[id] = &Session{
		ID:        id,
		Title:     titleOrDefault(title),
		UserID:    userID,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id
}

func (m *MemoryStore) AddMessage(ctx context.Context, id, role, content string, metadata map[string]any) (string, error) {
	m.mu.Lock()
	if !ValidID(id) {
		id = m.createLocked("", "")
		m.logger.Info(logging.WithSessionID(ctx, id), "session auto-created")
	}
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return "", ErrNotFound
	}
	now := m.now()
	s.Messages = append(s.Messages, newMessage(role, content, metadata, now))
	s.UpdatedAt = now
	m.mu.Unlock()

	m.logger.Debug(logging.WithSessionID(ctx, id), "message added",
		zap.String("role", role),
		zap.Int("chars", len(content)),
	)
	return id, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, userID string, limit int) ([]Summary, error) {
	m.mu.RLock()
	sums := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}
		sums = append(sums, s.Summary())
	}
	m.mu.RUnlock()
	return sortSummaries(sums, ClampLimit(limit)), nil
}

func (m *MemoryStore) UpdateTitle(_ context.Context, id, title string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Title = titleOrDefault(title)
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.logger.Info(logging.WithSessionID(ctx, id), "session deleted")
	return nil
}
