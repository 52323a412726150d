package kv

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// envelope is what a bolt value holds. ExpireAt is unix nanoseconds, 0 for
// no expiry.
type envelope struct {
	Value    []byte `json:"v"`
	ExpireAt int64  `json:"e,omitempty"`
}

// BoltStore uses one bucket per namespace in a single file.
type BoltStore struct {
	db    *bolt.DB
	clock func() time.Time
}

type BoltOption func(*BoltStore)

func WithBoltClock(now func() time.Time) BoltOption {
	return func(s *BoltStore) {
		s.clock = now
	}
}

func NewBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt file %s", path)
	}
	s := &BoltStore{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BoltStore) decode(raw []byte) (*envelope, bool, error) {
	if raw == nil {
		return nil, false, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, errors.Wrap(err, "corrupt bolt entry")
	}
	if expired(env.ExpireAt, s.clock()) {
		return nil, false, nil
	}
	return &env, true, nil
}

func (s *BoltStore) Put(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	raw, err := json.Marshal(envelope{Value: value, ExpireAt: expiry(s.clock(), ttl)})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), raw)
	})
}

func (s *BoltStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return ErrNotFound
		}
		env, ok, err := s.decode(bucket.Get([]byte(key)))
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		out = env.Value
		return nil
	})
	return out, err
}

func (s *BoltStore) GetAndDelete(_ context.Context, namespace, key string) ([]byte, error) {
	var out []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return ErrNotFound
		}
		env, ok, err := s.decode(bucket.Get([]byte(key)))
		if err != nil {
			return err
		}
		if err := bucket.Delete([]byte(key)); err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		out = env.Value
		return nil
	})
	return out, err
}

func (s *BoltStore) Update(_ context.Context, namespace, key string, ttl time.Duration, fn UpdateFunc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		env, ok, err := s.decode(bucket.Get([]byte(key)))
		if err != nil {
			return err
		}

		var current []byte
		expireAt := expiry(s.clock(), ttl)
		if ok {
			current = env.Value
			expireAt = env.ExpireAt
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		raw, err := json.Marshal(envelope{Value: next, ExpireAt: expireAt})
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), raw)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
