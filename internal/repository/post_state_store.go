package repository

import (
	"context"
	"encoding/json"

	"github.com/kokukuma/oid4vp-verifier/internal/kv"
	"github.com/kokukuma/oid4vp-verifier/internal/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrTerminalState is returned when a write would move a state out of a
// terminal value.
var ErrTerminalState = errors.New("post state is terminal")

type PutStateOptions struct {
	TargetID  string
	ExpiredIn int64
}

type PostStateStore struct {
	store kv.Store
	opts  options
}

func NewPostStateStore(store kv.Store, opts ...Option) *PostStateStore {
	return &PostStateStore{store: store, opts: newOptions(opts)}
}

// PutState sets the value of a state. The first write fixes issuedAt and
// expiredIn, later ones keep them. Rewriting a terminal value with a different
// one fails with ErrTerminalState.
func (s *PostStateStore) PutState(ctx context.Context, requestID string, value model.PostStateValue, opts PutStateOptions) (*model.PostState, error) {
	expiredIn := opts.ExpiredIn
	if expiredIn <= 0 {
		expiredIn = DefaultExpiredIn
	}

	var out model.PostState
	err := s.store.Update(ctx, nsPostStates, requestID, s.opts.ttl(expiredIn), func(current []byte) ([]byte, error) {
		out = model.PostState{
			ID:        requestID,
			Value:     value,
			TargetID:  opts.TargetID,
			IssuedAt:  s.opts.clock().Unix(),
			ExpiredIn: expiredIn,
		}
		if current != nil {
			var prev model.PostState
			if err := json.Unmarshal(current, &prev); err != nil {
				return nil, errors.Wrap(err, "unmarshal post state")
			}
			if prev.Value.IsTerminal() && prev.Value != value {
				out = prev
				return nil, ErrTerminalState
			}
			out.IssuedAt = prev.IssuedAt
			out.ExpiredIn = prev.ExpiredIn
		}
		return json.Marshal(&out)
	})
	if errors.Is(err, ErrTerminalState) {
		s.opts.logger.Warn("refused post state transition",
			zap.String("request_id", requestID),
			zap.String("from", string(out.Value)),
			zap.String("to", string(value)))
		return &out, err
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetState returns nil when there is no state. A state past its lifetime that
// has not reached a terminal value is rewritten to expired on the way out.
func (s *PostStateStore) GetState(ctx context.Context, requestID string) (*model.PostState, error) {
	var state model.PostState
	ok, err := getJSON(ctx, s.store, nsPostStates, requestID, &state)
	if err != nil || !ok {
		return nil, err
	}
	if state.Value.IsTerminal() || !state.Expired(s.opts.clock().Unix()) {
		return &state, nil
	}
	expired, err := s.PutState(ctx, requestID, model.PostStateExpired, PutStateOptions{TargetID: state.TargetID})
	if errors.Is(err, ErrTerminalState) {
		// a concurrent writer got there first
		return expired, nil
	}
	return expired, err
}
