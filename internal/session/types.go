package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is used when a session is created without a title.
const DefaultTitle = "New Conversation"

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// Message roles written by the run service.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidID is returned for malformed session IDs. It matches
	// ErrNotFound since no such session can exist.
	ErrInvalidID = fmt.Errorf("invalid session id: %w", ErrNotFound)
)

// Message is one entry of a conversation.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Session is a conversation with its full message history.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    string    `json:"user_id,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary describes a session without its messages.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	UserID       string    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	LastMessage  string    `json:"last_message,omitempty"`
}

// Store persists sessions. Implementations are safe for concurrent use.
type Store interface {
	// Create starts an empty session and returns its ID. An empty title
	// becomes DefaultTitle.
	Create(ctx context.Context, title, userID string) (string, error)

	// AddMessage appends a message and bumps the session's UpdatedAt. When
	// id is empty or malformed a new session is created first. The ID of
	// the session written to is returned.
	AddMessage(ctx context.Context, id, role, content string, metadata map[string]any) (string, error)

	// Get returns the session with all messages.
	Get(ctx context.Context, id string) (*Session, error)

	// List returns summaries ordered by UpdatedAt, newest first. An empty
	// userID lists every session. limit is clamped to 1..MaxListLimit, with
	// values below 1 meaning DefaultListLimit.
	List(ctx context.Context, userID string, limit int) ([]Summary, error)

	// UpdateTitle renames a session.
	UpdateTitle(ctx context.Context, id, title string) error

	// Delete removes a session.
	Delete(ctx context.Context, id string) error
}

// NewID returns a new session ID.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id is a well-formed session ID.
func ValidID(id string) bool {
	return uuid.Validate(id) == nil
}

// ClampLimit applies the List limit rules.
func ClampLimit(limit int) int {
	switch {
	case limit < 1:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

func titleOrDefault(title string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return DefaultTitle
}

func newMessage(role, content string, metadata map[string]any, at time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: at,
		Metadata:  metadata,
	}
}

// Summary returns the session's summary.
func (s *Session) Summary() Summary {
	sum := Summary{
		ID:           s.ID,
		Title:        s.Title,
		UserID:       s.UserID,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: len(s.Messages),
	}
	if n := len(s.Messages); n > 0 {
		sum.LastMessage = s.Messages[n-1].Content
	}
	return sum
}

func (s *Session) clone() *Session {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.Metadata = maps.Clone(m.Metadata)
		c.Messages[i] = m
	}
	return &c
}

// sortSummaries orders newest update first, then newest creation, then ID,
// and truncates to limit.
func sortSummaries(sums []Summary, limit int) []Summary {
	slices.SortFunc(sums, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(sums) > limit {
		sums = sums[:limit]
	}
	return sums
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
