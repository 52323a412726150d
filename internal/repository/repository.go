// Package repository stores the verifier's records as JSON in a kv.Store.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kokukuma/oid4vp-verifier/internal/kv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	nsRequests         = "requests"
	nsResponseCodes    = "response_codes"
	nsVerifierRequests = "verifier_requests"
	nsPostStates       = "post_states"
	nsSessions         = "sessions"
	nsSessionByRequest = "session_by_request"
)

// DefaultRetention is how long a record outlives its own expiry so that
// readers can still tell expired from unknown.
const DefaultRetention = time.Hour

// DefaultExpiredIn is used for states and sessions stored without one.
const DefaultExpiredIn int64 = 600

type options struct {
	logger    *zap.Logger
	clock     func() time.Time
	retention time.Duration
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

func WithRetention(d time.Duration) Option {
	return func(o *options) {
		o.retention = d
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:    zap.NewNop(),
		clock:     time.Now,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) ttl(expiredIn int64) time.Duration {
	return time.Duration(expiredIn)*time.Second + o.retention
}

func putJSON(ctx context.Context, store kv.Store, ns, key string, v interface{}, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s/%s", ns, key)
	}
	return errors.Wrapf(store.Put(ctx, ns, key, b, ttl), "put %s/%s", ns, key)
}

// getJSON reports false when the key is absent.
func getJSON(ctx context.Context, store kv.Store, ns, key string, v interface{}) (bool, error) {
	b, err := store.Get(ctx, ns, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "get %s/%s", ns, key)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, errors.Wrapf(err, "unmarshal %s/%s", ns, key)
	}
	return true, nil
}
