package repository

import (
	"context"
	"encoding/json"

	"github.com/kokukuma/oid4vp-verifier/internal/kv"
	"github.com/kokukuma/oid4vp-verifier/responseendpoint"
	"github.com/pkg/errors"
)

// RequestStore is the Response Endpoint's datastore.
type RequestStore struct {
	store kv.Store
	opts  options
}

var (
	_ responseendpoint.Datastore   = (*RequestStore)(nil)
	_ responseendpoint.KeyReleaser = (*RequestStore)(nil)
)

var errKeyReleased = errors.New("encryption key released")

func NewRequestStore(store kv.Store, opts ...Option) *RequestStore {
	return &RequestStore{store: store, opts: newOptions(opts)}
}

func (s *RequestStore) SaveRequest(ctx context.Context, request *responseendpoint.VpRequest) error {
	return putJSON(ctx, s.store, nsRequests, request.ID, request, s.opts.ttl(request.ExpiredIn))
}

func (s *RequestStore) GetRequest(ctx context.Context, requestID string) (*responseendpoint.VpRequest, error) {
	var req responseendpoint.VpRequest
	ok, err := getJSON(ctx, s.store, nsRequests, requestID, &req)
	if err != nil || !ok {
		return nil, err
	}
	return &req, nil
}

// ReleaseEncryptionKey clears the request's private key if it is still
// privateJWK.
func (s *RequestStore) ReleaseEncryptionKey(ctx context.Context, requestID, privateJWK string) (bool, error) {
	err := s.store.Update(ctx, nsRequests, requestID, 0, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errKeyReleased
		}
		var req responseendpoint.VpRequest
		if err := json.Unmarshal(current, &req); err != nil {
			return nil, errors.Wrap(err, "unmarshal request")
		}
		if req.EncryptionPrivateJWK == "" || req.EncryptionPrivateJWK != privateJWK {
			return nil, errKeyReleased
		}
		req.EncryptionPrivateJWK = ""
		return json.Marshal(&req)
	})
	if errors.Is(err, errKeyReleased) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "release encryption key")
	}
	return true, nil
}

func (s *RequestStore) SaveResponse(ctx context.Context, response *responseendpoint.AuthResponse) error {
	return putJSON(ctx, s.store, nsResponseCodes, response.ID, response, s.opts.ttl(response.ExpiredIn))
}

// GetResponse redeems a response code. The record is removed in the same
// operation, so a code yields its response once.
func (s *RequestStore) GetResponse(ctx context.Context, responseCode string) (*responseendpoint.AuthResponse, error) {
	b, err := s.store.GetAndDelete(ctx, nsResponseCodes, responseCode)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redeem response code")
	}
	var res responseendpoint.AuthResponse
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, errors.Wrap(err, "unmarshal auth response")
	}
	return &res, nil
}
