package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kokukuma/oid4vp-verifier/internal/kv"
	"github.com/kokukuma/oid4vp-verifier/internal/model"
	"github.com/pkg/errors"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

type sessionRecord struct {
	model.Session
	IssuedAt  int64 `json:"issuedAt"`
	ExpiredIn int64 `json:"expiredIn"`
}

// SessionStore keeps browser sessions keyed by an opaque session id, with an
// index from request id so the exchange can find the session to fill.
type SessionStore struct {
	store kv.Store
	opts  options
}

func NewSessionStore(store kv.Store, opts ...Option) *SessionStore {
	return &SessionStore{store: store, opts: newOptions(opts)}
}

// PutRequestID opens a new session for requestID and returns it.
func (s *SessionStore) PutRequestID(ctx context.Context, requestID, transactionID string, expiredIn int64) (*model.Session, error) {
	if expiredIn <= 0 {
		expiredIn = DefaultExpiredIn
	}
	rec := sessionRecord{
		Session:   model.Session{ID: uuid.NewString(), RequestID: requestID, TransactionID: transactionID},
		IssuedAt:  s.opts.clock().Unix(),
		ExpiredIn: expiredIn,
	}
	ttl := s.opts.ttl(expiredIn)
	if err := putJSON(ctx, s.store, nsSessions, rec.ID, &rec, ttl); err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, nsSessionByRequest, requestID, []byte(rec.ID), ttl); err != nil {
		return nil, errors.Wrap(err, "index session by request")
	}
	return &rec.Session, nil
}

// PutWaitCommitData attaches data to the session of requestID. A request
// without a session (e.g. started by another client) is not an error.
func (s *SessionStore) PutWaitCommitData(ctx context.Context, requestID string, data *model.WaitCommitData) error {
	sessionID, err := s.store.Get(ctx, nsSessionByRequest, requestID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "lookup session by request")
	}
	return s.store.Update(ctx, nsSessions, string(sessionID), 0, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		var rec sessionRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, errors.Wrap(err, "unmarshal session")
		}
		rec.WaitCommitData = data
		return json.Marshal(&rec)
	})
}

func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var rec sessionRecord
	ok, err := getJSON(ctx, s.store, nsSessions, sessionID, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	if rec.IssuedAt+rec.ExpiredIn < s.opts.clock().Unix() {
		return nil, ErrSessionExpired
	}
	return &rec.Session, nil
}

func (s *SessionStore) GetSessionByRequestID(ctx context.Context, requestID string) (*model.Session, error) {
	sessionID, err := s.store.Get(ctx, nsSessionByRequest, requestID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lookup session by request")
	}
	return s.GetSession(ctx, string(sessionID))
}
