package verifier

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kokukuma/oid4vp-verifier/document"
	"github.com/kokukuma/oid4vp-verifier/internal/cryptoroot"
	"github.com/kokukuma/oid4vp-verifier/openid4vp"
	"github.com/kokukuma/oid4vp-verifier/pkg/jose"
	"github.com/kokukuma/oid4vp-verifier/responseendpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	requests map[string]VpRequestAtVerifier
}

func newMemStore() *memStore {
	return &memStore{requests: map[string]VpRequestAtVerifier{}}
}

func (s *memStore) SaveRequest(_ context.Context, r *VpRequestAtVerifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = *r
	return nil
}

func (s *memStore) GetRequest(_ context.Context, id string) (*VpRequestAtVerifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// casStore adds the compare-and-swap consumption.
type casStore struct {
	*memStore
}

func (s casStore) ConsumeRequest(_ context.Context, id string, consumedAt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok || r.ConsumedAt > 0 {
		return false, nil
	}
	r.ConsumedAt = consumedAt
	s.requests[id] = r
	return true, nil
}

// createStore stores a request only when its id is free.
type createStore struct {
	*memStore
}

func (s createStore) CreateRequest(_ context.Context, r *VpRequestAtVerifier) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return false, nil
	}
	s.requests[r.ID] = *r
	return true, nil
}

func requireRequestError(t *testing.T, err error, want ErrorType) {
	t.Helper()
	var rErr *GetRequestError
	require.ErrorAs(t, err, &rErr)
	assert.Equal(t, want, rErr.Type)
}

const (
	responseURI = "https://verifier.example.com/oid4vp/responses"
)

func TestStartRequestUnsigned(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	v := NewVerifier(store)

	request := &responseendpoint.VpRequest{ID: "req-1", TransactionID: "tx-1", ResponseType: openid4vp.ResponseTypeVPToken}
	clientID := "redirect_uri:" + responseURI
	dcql := v.GenerateDCQLQuery([]document.CredentialQuery{document.LearningCredentialQuery()})

	authReq, err := v.StartRequest(ctx, request, clientID, StartRequestOptions{
		RequestObject: openid4vp.RequestObjectOptions{
			ResponseURI:  responseURI,
			ResponseMode: openid4vp.ResponseModeDirectPost,
			DCQLQuery:    dcql,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, clientID, authReq.ClientID)
	assert.Empty(t, authReq.Request)

	stored, err := v.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", stored.TransactionID)
	assert.Zero(t, stored.ConsumedAt)
	assert.EqualValues(t, DefaultExpiredIn, stored.ExpiredIn)

	assert.Equal(t, stored.Nonce, authReq.Params["nonce"])
	assert.Equal(t, "req-1", authReq.Params["state"])
	assert.Equal(t, openid4vp.ResponseModeDirectPost, authReq.Params["response_mode"])

	var q document.DCQLQuery
	require.NoError(t, json.Unmarshal([]byte(authReq.Params["dcql_query"]), &q))
	assert.Equal(t, []string{document.LearningCredentialQueryID}, q.QueryIDs())
}

func TestStartRequestSigned(t *testing.T) {
	ctx := context.Background()
	chain, err := cryptoroot.NewChain("verifier.example.com")
	require.NoError(t, err)
	signer, err := jose.KeyFromRaw(chain.LeafKey)
	require.NoError(t, err)
	clientID := "x509_san_dns:verifier.example.com"

	tests := []struct {
		name    string
		scheme  string
		opts    StartRequestOptions
		wantErr interface{}
	}{
		{name: "x509_san_dns", scheme: "x509_san_dns", opts: StartRequestOptions{IssuerJWK: signer, X5C: chain.X5C()}},
		{name: "x509_san_uri", scheme: "x509_san_uri", opts: StartRequestOptions{IssuerJWK: signer, X5C: chain.X5C()}},
		{name: "x509_hash", scheme: "x509_hash", opts: StartRequestOptions{IssuerJWK: signer, X5C: chain.X5C()}},
		{name: "missing signer key", scheme: "x509_san_dns", wantErr: &openid4vp.MissingSignerKeyError{}},
		{name: "unsupported scheme", scheme: "did", wantErr: &openid4vp.UnsupportedClientIDSchemeError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			v := NewVerifier(store)
			opts := tt.opts
			opts.ClientIDScheme = tt.scheme
			opts.RequestObject = openid4vp.RequestObjectOptions{ResponseURI: responseURI, ResponseMode: openid4vp.ResponseModeDirectPost}

			authReq, err := v.StartRequest(ctx, &responseendpoint.VpRequest{ID: "req-1"}, clientID, opts)
			switch target := tt.wantErr.(type) {
			case *openid4vp.MissingSignerKeyError:
				assert.ErrorAs(t, err, &target)
				return
			case *openid4vp.UnsupportedClientIDSchemeError:
				assert.ErrorAs(t, err, &target)
				return
			}
			require.NoError(t, err)
			assert.Nil(t, authReq.Params)

			header, err := jose.DecodeProtectedHeader(authReq.Request)
			require.NoError(t, err)
			assert.Equal(t, chain.X5C(), header.X5C)

			claims, err := jose.DecodePayload(authReq.Request)
			require.NoError(t, err)
			stored, err := v.GetRequest(ctx, "req-1")
			require.NoError(t, err)
			assert.Equal(t, stored.Nonce, claims["nonce"])
			assert.Equal(t, "req-1", claims["state"])
		})
	}
}

func TestStartRequestEncryption(t *testing.T) {
	ctx := context.Background()
	pair, err := jose.GenerateEphemeralKeyPair()
	require.NoError(t, err)
	pub, err := jose.MarshalJWK(pair.PublicJWK)
	require.NoError(t, err)
	priv, err := jose.MarshalJWK(pair.PrivateJWK)
	require.NoError(t, err)

	store := newMemStore()
	v := NewVerifier(store)
	base := openid4vp.GenerateClientMetadata("redirect_uri:"+responseURI, openid4vp.ClientMetadataOptions{ClientName: "Verifier"})

	authReq, err := v.StartRequest(ctx, &responseendpoint.VpRequest{
		ID:                   "req-1",
		EncryptionPublicJWK:  string(pub),
		EncryptionPrivateJWK: string(priv),
	}, "redirect_uri:"+responseURI, StartRequestOptions{
		RequestObject: openid4vp.RequestObjectOptions{
			ResponseURI:    responseURI,
			ResponseMode:   openid4vp.ResponseModeDirectPost,
			ClientMetadata: base,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, openid4vp.ResponseModeDirectPostJWT, authReq.Params["response_mode"])

	var metadata openid4vp.ClientMetadata
	require.NoError(t, json.Unmarshal([]byte(authReq.Params["client_metadata"]), &metadata))
	assert.Equal(t, "Verifier", metadata.ClientName)
	assert.Equal(t, []string{"A128GCM"}, metadata.EncryptedResponseEncValuesSupported)
	require.Len(t, metadata.JWKS.Keys, 1)
	assert.JSONEq(t, string(pub), string(metadata.JWKS.Keys[0]))
	assert.Nil(t, base.JWKS)

	stored, err := store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, string(priv), stored.EncryptionPrivateJWK)
}

func TestStartRequestNonceGenerator(t *testing.T) {
	ctx := context.Background()
	v := NewVerifier(newMemStore())
	opts := StartRequestOptions{
		GenerateNonce: func() string { return "stable-nonce" },
		RequestObject: openid4vp.RequestObjectOptions{ResponseURI: responseURI},
	}

	for i := 0; i < 2; i++ {
		authReq, err := v.StartRequest(ctx, &responseendpoint.VpRequest{ID: "req-1"}, "redirect_uri:"+responseURI, opts)
		require.NoError(t, err)
		assert.Equal(t, "stable-nonce", authReq.Params["nonce"])
	}
	stored, err := v.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "stable-nonce", stored.Nonce)
}

func TestGetRequest(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name    string
		request *VpRequestAtVerifier
		wantErr ErrorType
	}{
		{name: "ok", request: &VpRequestAtVerifier{ID: "r", IssuedAt: now.Unix(), ExpiredIn: 60}},
		{name: "not found", wantErr: ErrNotFound},
		{name: "expired and never consumed", request: &VpRequestAtVerifier{ID: "r", IssuedAt: now.Unix() - 61, ExpiredIn: 60}, wantErr: ErrExpired},
		{name: "consumed", request: &VpRequestAtVerifier{ID: "r", IssuedAt: now.Unix(), ExpiredIn: 60, ConsumedAt: now.Unix()}, wantErr: ErrConsumed},
		{name: "expired wins over consumed", request: &VpRequestAtVerifier{ID: "r", IssuedAt: now.Unix() - 61, ExpiredIn: 60, ConsumedAt: now.Unix()}, wantErr: ErrExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			if tt.request != nil {
				require.NoError(t, store.SaveRequest(ctx, tt.request))
			}
			v := NewVerifier(store, WithClock(func() time.Time { return now }))

			got, err := v.GetRequest(ctx, "r")
			if tt.wantErr != "" {
				requireRequestError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.request, got)
		})
	}
}

func TestConsumeRequest(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	stores := map[string]func() Datastore{
		"save": func() Datastore { return newMemStore() },
		"cas":  func() Datastore { return casStore{newMemStore()} },
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			store := newStore()
			require.NoError(t, store.SaveRequest(ctx, &VpRequestAtVerifier{ID: "r", Nonce: "n", IssuedAt: now.Unix(), ExpiredIn: 60}))
			v := NewVerifier(store, WithClock(func() time.Time { return now }))

			consumed, err := v.ConsumeRequest(ctx, "r")
			require.NoError(t, err)
			assert.Equal(t, now.Unix(), consumed.ConsumedAt)

			_, err = v.ConsumeRequest(ctx, "r")
			requireRequestError(t, err, ErrConsumed)

			_, err = v.ConsumeRequest(ctx, "missing")
			requireRequestError(t, err, ErrNotFound)
		})
	}
}

func TestConsumeExpiredRequestDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	store := newMemStore()
	require.NoError(t, store.SaveRequest(ctx, &VpRequestAtVerifier{ID: "r", IssuedAt: now.Unix() - 100, ExpiredIn: 60}))
	v := NewVerifier(store, WithClock(func() time.Time { return now }))

	_, err := v.ConsumeRequest(ctx, "r")
	requireRequestError(t, err, ErrExpired)

	stored, err := store.GetRequest(ctx, "r")
	require.NoError(t, err)
	assert.Zero(t, stored.ConsumedAt)
}

func TestResumeRequest(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	clientID := "redirect_uri:" + responseURI
	request := &responseendpoint.VpRequest{ID: "r", ResponseType: openid4vp.ResponseTypeVPToken}
	opts := StartRequestOptions{
		GenerateNonce: func() string { return "fresh-nonce" },
		RequestObject: openid4vp.RequestObjectOptions{ResponseURI: responseURI},
	}

	store := newMemStore()
	v := NewVerifier(store, WithClock(func() time.Time { return now }))

	_, err := v.ResumeRequest(ctx, request, clientID, opts)
	requireRequestError(t, err, ErrNotFound)

	stored := VpRequestAtVerifier{ID: "r", Nonce: "stored-nonce", IssuedAt: now.Unix() - 10, ExpiredIn: 60}
	require.NoError(t, store.SaveRequest(ctx, &stored))

	authReq, err := v.ResumeRequest(ctx, request, clientID, opts)
	require.NoError(t, err)
	assert.Equal(t, "stored-nonce", authReq.Nonce)
	assert.Equal(t, "stored-nonce", authReq.Params["nonce"])

	got, err := store.GetRequest(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, stored, *got)

	_, err = v.ConsumeRequest(ctx, "r")
	require.NoError(t, err)
	_, err = v.ResumeRequest(ctx, request, clientID, opts)
	requireRequestError(t, err, ErrConsumed)
}

func TestStartRequestCreateOnly(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	clientID := "redirect_uri:" + responseURI
	request := &responseendpoint.VpRequest{ID: "r", ResponseType: openid4vp.ResponseTypeVPToken}
	nonce := "first"
	opts := StartRequestOptions{
		GenerateNonce: func() string { return nonce },
		RequestObject: openid4vp.RequestObjectOptions{ResponseURI: responseURI},
	}

	store := createStore{newMemStore()}
	v := NewVerifier(store, WithClock(func() time.Time { return now }))

	first, err := v.StartRequest(ctx, request, clientID, opts)
	require.NoError(t, err)
	assert.Equal(t, "first", first.Nonce)

	// a second start finds the stored request and keeps its nonce
	nonce = "second"
	second, err := v.StartRequest(ctx, request, clientID, opts)
	require.NoError(t, err)
	assert.Equal(t, "first", second.Nonce)

	_, err = v.ConsumeRequest(ctx, "r")
	require.NoError(t, err)
	_, err = v.StartRequest(ctx, request, clientID, opts)
	requireRequestError(t, err, ErrConsumed)

	stored, err := store.GetRequest(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), stored.ConsumedAt)
}
