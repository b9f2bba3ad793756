package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	goredis "github.com/redis/go-redis/v9"
)

const scopeKeySuffix = "/selected-file-pathnames"

// maxWatchAttempts bounds optimistic retries when another writer changes
// the key between WATCH and EXEC.
const maxWatchAttempts = 8

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

type kv interface {
	getter
	Watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error
}

// ScopeStore keeps each user's retrieval scope as a JSON array under
// "<user>/selected-file-pathnames".
type ScopeStore struct {
	client kv
	prefix string
}

func NewScopeStore(client kv, prefix string) *ScopeStore {
	return &ScopeStore{client: client, prefix: prefix}
}

// NewClient builds a client from a redis:// URL.
func NewClient(url string) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(opt), nil
}

func (s *ScopeStore) GetScope(ctx context.Context, userID string) ([]string, error) {
	return readScope(ctx, s.client, s.key(userID))
}

// UpdateScope is an optimistic WATCH/MULTI transaction on the user's key. A
// concurrent write aborts EXEC and the mutation is replayed on fresh data.
func (s *ScopeStore) UpdateScope(
	ctx context.Context,
	userID string,
	mutate func(current []string) ([]string, error),
) ([]string, error) {
	key := s.key(userID)
	for attempt := 1; attempt <= maxWatchAttempts; attempt++ {
		var next []string
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			var err error
			next, err = applyScope(ctx, tx, key, mutate, func(raw []byte) error {
				_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
					pipe.Set(ctx, key, raw, 0)
					return nil
				})
				return err
			})
			return err
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("redis update scope after %d attempts: %w", maxWatchAttempts, goredis.TxFailedErr)
}

func applyScope(
	ctx context.Context,
	g getter,
	key string,
	mutate func(current []string) ([]string, error),
	write func(raw []byte) error,
) ([]string, error) {
	current, err := readScope(ctx, g, key)
	if err != nil {
		return nil, err
	}
	next, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = []string{}
	}
	if slices.Equal(current, next) {
		return next, nil
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal scope: %w", err)
	}
	if err := write(raw); err != nil {
		return nil, fmt.Errorf("redis set scope: %w", err)
	}
	return next, nil
}

func readScope(ctx context.Context, g getter, key string) ([]string, error) {
	raw, err := g.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("redis get scope: %w", err)
	}
	ids := make([]string, 0)
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("unmarshal scope: %w", err)
	}
	return ids, nil
}

func (s *ScopeStore) key(userID string) string {
	return s.prefix + userID + scopeKeySuffix
}
