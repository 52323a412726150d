package kv

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backend struct {
	name    string
	store   Store
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	memClock := &fakeClock{now: time.Unix(1700000000, 0)}
	mem := NewMemoryStore(WithMemoryClock(memClock.Now))

	boltClock := &fakeClock{now: time.Unix(1700000000, 0)}
	bs, err := NewBoltStore(filepath.Join(t.TempDir(), "kv.db"), WithBoltClock(boltClock.Now))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rs := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), WithKeyPrefix("test:"))

	t.Cleanup(func() {
		bs.Close()
		rs.Close()
	})

	return []backend{
		{name: "memory", store: mem, advance: memClock.Advance},
		{name: "bolt", store: bs, advance: boltClock.Advance},
		{name: "redis", store: rs, advance: mr.FastForward},
	}
}

func TestStorePutGet(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, err := b.store.Get(ctx, "requests", "a")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.store.Put(ctx, "requests", "a", []byte("one"), time.Minute))
			got, err := b.store.Get(ctx, "requests", "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), got)

			_, err = b.store.Get(ctx, "responses", "a")
			assert.ErrorIs(t, err, ErrNotFound, "namespaces are separate")

			require.NoError(t, b.store.Put(ctx, "requests", "a", []byte("two"), time.Minute))
			got, err = b.store.Get(ctx, "requests", "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("two"), got)
		})
	}
}

func TestStoreTTL(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.Put(ctx, "ns", "short", []byte("x"), 10*time.Second))
			require.NoError(t, b.store.Put(ctx, "ns", "forever", []byte("y"), 0))

			b.advance(5 * time.Second)
			_, err := b.store.Get(ctx, "ns", "short")
			require.NoError(t, err)

			b.advance(6 * time.Second)
			_, err = b.store.Get(ctx, "ns", "short")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = b.store.GetAndDelete(ctx, "ns", "short")
			assert.ErrorIs(t, err, ErrNotFound)

			got, err := b.store.Get(ctx, "ns", "forever")
			require.NoError(t, err)
			assert.Equal(t, []byte("y"), got)
		})
	}
}

func TestStoreGetAndDelete(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.Put(ctx, "codes", "c", []byte("payload"), time.Minute))

			got, err := b.store.GetAndDelete(ctx, "codes", "c")
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), got)

			_, err = b.store.GetAndDelete(ctx, "codes", "c")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = b.store.Get(ctx, "codes", "c")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreGetAndDeleteConcurrent(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.Put(ctx, "codes", "race", []byte("v"), time.Minute))

			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := b.store.GetAndDelete(ctx, "codes", "race"); err == nil {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)
		})
	}
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	errStop := errors.New("stop")

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			// create
			err := b.store.Update(ctx, "states", "s", 10*time.Second, func(current []byte) ([]byte, error) {
				assert.Nil(t, current)
				return []byte("started"), nil
			})
			require.NoError(t, err)

			// an existing key keeps its TTL
			b.advance(6 * time.Second)
			err = b.store.Update(ctx, "states", "s", time.Hour, func(current []byte) ([]byte, error) {
				assert.Equal(t, []byte("started"), current)
				return []byte("committed"), nil
			})
			require.NoError(t, err)

			// nil leaves the value untouched
			err = b.store.Update(ctx, "states", "s", time.Hour, func([]byte) ([]byte, error) {
				return nil, nil
			})
			require.NoError(t, err)

			err = b.store.Update(ctx, "states", "s", time.Hour, func([]byte) ([]byte, error) {
				return []byte("ignored"), errStop
			})
			assert.ErrorIs(t, err, errStop)

			got, err := b.store.Get(ctx, "states", "s")
			require.NoError(t, err)
			assert.Equal(t, []byte("committed"), got)

			b.advance(5 * time.Second)
			_, err = b.store.Get(ctx, "states", "s")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreUpdateConcurrent(t *testing.T) {
	ctx := context.Background()
	errTaken := errors.New("taken")

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.Put(ctx, "verifier", "r", []byte("0"), time.Minute))

			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := b.store.Update(ctx, "verifier", "r", time.Minute, func(current []byte) ([]byte, error) {
						if string(current) != "0" {
							return nil, errTaken
						}
						return []byte("1"), nil
					})
					if err == nil {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)
		})
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "default", opts: Options{}},
		{name: "memory", opts: Options{Backend: BackendMemory}},
		{name: "bolt", opts: Options{Backend: BackendBolt, BoltPath: filepath.Join(t.TempDir(), "x.db")}},
		{name: "bolt without path", opts: Options{Backend: BackendBolt}, wantErr: true},
		{name: "redis without addr", opts: Options{Backend: BackendRedis}, wantErr: true},
		{name: "unknown", opts: Options{Backend: "sqlite"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}
}

func TestRedisUpdateExpiration(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rs := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), WithKeyPrefix("test:"))
	t.Cleanup(func() { rs.Close() })

	set := func(v string) func([]byte) ([]byte, error) {
		return func([]byte) ([]byte, error) { return []byte(v), nil }
	}

	// a new key takes the given ttl
	require.NoError(t, rs.Update(ctx, "states", "s", 30*time.Second, set("started")))
	assert.Equal(t, 30*time.Second, mr.TTL("test:states:s"))

	// a rewrite keeps the remaining ttl
	mr.FastForward(10 * time.Second)
	require.NoError(t, rs.Update(ctx, "states", "s", time.Hour, set("committed")))
	assert.Equal(t, 20*time.Second, mr.TTL("test:states:s"))

	// no ttl means no expiry
	require.NoError(t, rs.Update(ctx, "states", "n", 0, set("started")))
	assert.Equal(t, time.Duration(0), mr.TTL("test:states:n"))
}
