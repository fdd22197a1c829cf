package demo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const sessionPrefix = "session:"

// Session is one logged-in user's state.
type Session struct {
	Username   string            `json:"username"`
	CreatedAt  time.Time         `json:"created_at"`
	LastAccess time.Time         `json:"last_access"`
	Data       map[string]string `json:"data,omitempty"`
}

// SessionStore keeps sessions under a TTL; reading a session refreshes it.
type SessionStore struct {
	exec Executor
	ttl  time.Duration
}

// NewSessionStore creates a session store with the given TTL (1h when zero).
func NewSessionStore(exec Executor, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionStore{exec: exec, ttl: ttl}
}

// Create stores a new session and returns its ID.
func (s *SessionStore) Create(ctx context.Context, username string, data map[string]string) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	payload, err := json.Marshal(Session{
		Username:   username,
		CreatedAt:  now,
		LastAccess: now,
		Data:       data,
	})
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	err = s.exec.Execute(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.Set(ctx, sessionPrefix+id, payload, s.ttl).Err()
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get loads a session, refreshing its last-access time and TTL.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.exec.Execute(ctx, func(ctx context.Context, client *redis.Client) error {
		raw, err := client.Get(ctx, sessionPrefix+id).Bytes()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &sess); err != nil {
			return fmt.Errorf("decode session %s: %w", id, err)
		}
		sess.LastAccess = time.Now()
		refreshed, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("marshal session %s: %w", id, err)
		}
		return client.Set(ctx, sessionPrefix+id, refreshed, s.ttl).Err()
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Delete removes a session. Missing sessions return ErrNotFound.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	var removed int64
	err := s.exec.Execute(ctx, func(ctx context.Context, client *redis.Client) error {
		n, err := client.Del(ctx, sessionPrefix+id).Result()
		removed = n
		return err
	})
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the IDs of all live sessions.
func (s *SessionStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.exec.Execute(ctx, func(ctx context.Context, client *redis.Client) error {
		keys, err := client.Keys(ctx, sessionPrefix+"*").Result()
		if err != nil {
			return err
		}
		ids = make([]string, 0, len(keys))
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, sessionPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
