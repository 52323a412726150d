package repository

import (
	"context"
	"encoding/json"

	"github.com/kokukuma/oid4vp-verifier/internal/kv"
	"github.com/kokukuma/oid4vp-verifier/verifier"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	errAlreadyConsumed = errors.New("already consumed")
	errRequestExists   = errors.New("request exists")
)

// VerifierStore is the Verifier's datastore. Consumption is a
// compare-and-swap on consumedAt.
type VerifierStore struct {
	store kv.Store
	opts  options
}

var (
	_ verifier.Datastore      = (*VerifierStore)(nil)
	_ verifier.AtomicConsumer = (*VerifierStore)(nil)
	_ verifier.RequestCreator = (*VerifierStore)(nil)
)

func NewVerifierStore(store kv.Store, opts ...Option) *VerifierStore {
	return &VerifierStore{store: store, opts: newOptions(opts)}
}

func (s *VerifierStore) SaveRequest(ctx context.Context, request *verifier.VpRequestAtVerifier) error {
	return putJSON(ctx, s.store, nsVerifierRequests, request.ID, request, s.opts.ttl(request.ExpiredIn))
}

// CreateRequest stores request unless a request with the same id exists.
func (s *VerifierStore) CreateRequest(ctx context.Context, request *verifier.VpRequestAtVerifier) (bool, error) {
	err := s.store.Update(ctx, nsVerifierRequests, request.ID, s.opts.ttl(request.ExpiredIn), func(current []byte) ([]byte, error) {
		if current != nil {
			return nil, errRequestExists
		}
		return json.Marshal(request)
	})
	if errors.Is(err, errRequestExists) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "create verifier request")
	}
	return true, nil
}

func (s *VerifierStore) GetRequest(ctx context.Context, requestID string) (*verifier.VpRequestAtVerifier, error) {
	var req verifier.VpRequestAtVerifier
	ok, err := getJSON(ctx, s.store, nsVerifierRequests, requestID, &req)
	if err != nil || !ok {
		return nil, err
	}
	return &req, nil
}

func (s *VerifierStore) ConsumeRequest(ctx context.Context, requestID string, consumedAt int64) (bool, error) {
	err := s.store.Update(ctx, nsVerifierRequests, requestID, 0, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errAlreadyConsumed
		}
		var req verifier.VpRequestAtVerifier
		if err := json.Unmarshal(current, &req); err != nil {
			return nil, errors.Wrap(err, "unmarshal verifier request")
		}
		if req.ConsumedAt != 0 {
			return nil, errAlreadyConsumed
		}
		req.ConsumedAt = consumedAt
		return json.Marshal(&req)
	})
	if errors.Is(err, errAlreadyConsumed) {
		s.opts.logger.Info("verifier request was consumed concurrently", zap.String("request_id", requestID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
