package kv

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 16

// RedisStore maps namespace/key onto "<prefix><namespace>:<key>". TTLs are
// native redis expirations.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func NewRedisStoreFromAddr(addr string, db int, opts ...RedisOption) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{Addr: addr, DB: db}), opts...)
}

func (s *RedisStore) key(namespace, key string) string {
	return s.prefix + namespace + ":" + key
}

func (s *RedisStore) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(namespace, key), value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s/%s", namespace, key)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get %s/%s", namespace, key)
	}
	return b, nil
}

func (s *RedisStore) GetAndDelete(ctx context.Context, namespace, key string) ([]byte, error) {
	b, err := s.client.GetDel(ctx, s.key(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis getdel %s/%s", namespace, key)
	}
	return b, nil
}

// Update runs fn inside WATCH/MULTI and retries when another client wrote the
// key in between.
func (s *RedisStore) Update(ctx context.Context, namespace, key string, ttl time.Duration, fn UpdateFunc) error {
	k := s.key(namespace, key)
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			current, exists = nil, false
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		var expiration time.Duration = redis.KeepTTL
		if !exists {
			expiration = ttl
			if expiration < 0 {
				expiration = 0
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, next, expiration)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.Errorf("redis update %s/%s: too much contention", namespace, key)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
