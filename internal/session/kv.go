package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
)

const maxUpdateAttempts = 64

// KVStore keeps sessions in a NATS JetStream key-value bucket, one JSON
// document per session keyed by session ID.
type KVStore struct {
	kv     jetstream.KeyValue
	now    func() time.Time
	logger *logging.Logger
}

// NewKVStore opens bucket, creating it when missing.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string, logger *logging.Logger, opts ...Option) (*KVStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "taskflow conversation sessions",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open session bucket %s: %w", bucket, err)
	}
	o := buildOptions(opts)
	return &KVStore{kv: kv, now: o.now, logger: logger.Named("sessions")}, nil
}

func (k *KVStore) Create(ctx context.Context, title, userID string) (string, error) {
	now := k.now()
	s := &Session{
		ID:        NewID(),
		Title:     titleOrDefault(title),
		UserID:    userID,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	if _, err := k.kv.Create(ctx, s.ID, data); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	k.logger.Info(logging.WithSessionID(ctx, s.ID), "session created")
	return s.ID, nil
}

func (k *KVStore) AddMessage(ctx context.Context, id, role, content string, metadata map[string]any) (string, error) {
	if !ValidID(id) {
		created, err := k.Create(ctx, "", "")
		if err != nil {
			return "", err
		}
		id = created
		k.logger.Info(logging.WithSessionID(ctx, id), "session auto-created")
	}

	err := k.update(ctx, id, func(s *Session) {
		now := k.now()
		s.Messages = append(s.Messages, newMessage(role, content, metadata, now))
		s.UpdatedAt = now
	})
	if err != nil {
		return "", err
	}
	k.logger.Debug(logging.WithSessionID(ctx, id), "message added",
		zap.String("role", role),
		zap.Int("chars", len(content)),
	)
	return id, nil
}

func (k *KVStore) Get(ctx context.Context, id string) (*Session, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	s, _, err := k.load(ctx, id)
	return s, err
}

func (k *KVStore) List(ctx context.Context, userID string, limit int) ([]Summary, error) {
	lister, err := k.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []Summary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list session keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	sums := []Summary{}
	for key := range lister.Keys() {
		s, _, err := k.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if userID != "" && s.UserID != userID {
			continue
		}
		sums = append(sums, s.Summary())
	}
	return sortSummaries(sums, ClampLimit(limit)), nil
}

func (k *KVStore) UpdateTitle(ctx context.Context, id, title string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	return k.update(ctx, id, func(s *Session) {
		s.Title = titleOrDefault(title)
		s.UpdatedAt = k.now()
	})
}

func (k *KVStore) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	_, rev, err := k.load(ctx, id)
	if err != nil {
		return err
	}
	if err := k.kv.Delete(ctx, id, jetstream.LastRevision(rev)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	k.logger.Info(logging.WithSessionID(ctx, id), "session deleted")
	return nil
}

func (k *KVStore) load(ctx context.Context, id string) (*Session, uint64, error) {
	entry, err := k.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return nil, 0, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &s, entry.Revision(), nil
}

// update applies fn to the stored session with optimistic concurrency,
// reloading and retrying when another writer won the revision.
func (k *KVStore) update(ctx context.Context, id string, fn func(*Session)) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		s, rev, err := k.load(ctx, id)
		if err != nil {
			return err
		}
		fn(s)
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = k.kv.Update(ctx, id, data, rev)
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) {
			return fmt.Errorf("update session: %w", err)
		}

		k.logger.Debug(logging.WithSessionID(ctx, id), "session revision conflict", zap.Int("attempt", attempt+1))
		select {
		case <-time.After(time.Duration(rand.IntN(5)+1) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("update session %s: too many concurrent writers", id)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
