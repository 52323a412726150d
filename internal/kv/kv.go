// Package kv is the byte store under the verifier's repositories. Keys live in
// namespaces and expire after a per-write TTL.
package kv

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("kv: not found")

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store. Returning a nil value leaves the key untouched, returning an
// error aborts the update and is passed back to the caller.
type UpdateFunc func(current []byte) ([]byte, error)

type Store interface {
	// Put stores value under namespace/key. A zero ttl never expires.
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	// GetAndDelete atomically reads and removes a key; of two concurrent
	// callers exactly one gets the value.
	GetAndDelete(ctx context.Context, namespace, key string) ([]byte, error)
	// Update is an atomic read-modify-write. An existing key keeps its
	// remaining TTL, ttl applies to keys created by fn.
	Update(ctx context.Context, namespace, key string, ttl time.Duration, fn UpdateFunc) error
	Close() error
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

// Options selects and configures a backend for New.
type Options struct {
	Backend   string
	RedisAddr string
	RedisDB   int
	KeyPrefix string
	BoltPath  string
}

func New(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		if opts.RedisAddr == "" {
			return nil, errors.New("kv: redis backend needs an address")
		}
		return NewRedisStoreFromAddr(opts.RedisAddr, opts.RedisDB, WithKeyPrefix(opts.KeyPrefix)), nil
	case BackendBolt:
		if opts.BoltPath == "" {
			return nil, errors.New("kv: bolt backend needs a file path")
		}
		return NewBoltStore(opts.BoltPath)
	default:
		return nil, errors.Errorf("kv: unknown backend %q", opts.Backend)
	}
}

func expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

func expired(expireAt int64, now time.Time) bool {
	return expireAt != 0 && now.UnixNano() >= expireAt
}
