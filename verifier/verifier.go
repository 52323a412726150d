// Package verifier manages the Verifier side of an OID4VP transaction: the
// nonce it issues, the authorization request it emits and the one-way
// consumption of the request once a presentation has been accepted.
package verifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/kokukuma/oid4vp-verifier/clientid"
	"github.com/kokukuma/oid4vp-verifier/document"
	"github.com/kokukuma/oid4vp-verifier/openid4vp"
	"github.com/kokukuma/oid4vp-verifier/pkg/jose"
	"github.com/kokukuma/oid4vp-verifier/responseendpoint"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultExpiredIn = 3600

	// ClientIDSchemeX509SanURI is accepted for signed requests although
	// clientid does not parse it as a prefix.
	ClientIDSchemeX509SanURI = "x509_san_uri"
)

type VpRequestAtVerifier struct {
	ID            string `json:"id"`
	Nonce         string `json:"nonce"`
	Session       string `json:"session,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	IssuedAt      int64  `json:"issuedAt"`
	ExpiredIn     int64  `json:"expiredIn"`
	// ConsumedAt is zero until the request is consumed.
	ConsumedAt           int64  `json:"consumedAt"`
	EncryptionPrivateJWK string `json:"encryptionPrivateJwk,omitempty"`
}

// Datastore returns nil, nil from GetRequest for unknown ids.
type Datastore interface {
	SaveRequest(ctx context.Context, request *VpRequestAtVerifier) error
	GetRequest(ctx context.Context, requestID string) (*VpRequestAtVerifier, error)
}

// AtomicConsumer is implemented by datastores that can set consumedAt with a
// compare-and-swap. ConsumeRequest returns false when the request was
// consumed concurrently.
type AtomicConsumer interface {
	ConsumeRequest(ctx context.Context, requestID string, consumedAt int64) (bool, error)
}

// RequestCreator is implemented by datastores that can store a request only
// when none exists under its id. CreateRequest returns false when one does.
type RequestCreator interface {
	CreateRequest(ctx context.Context, request *VpRequestAtVerifier) (bool, error)
}

type VerifierOption func(*Verifier)

func WithLogger(logger *zap.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

type Verifier struct {
	store  Datastore
	logger *zap.Logger
	now    func() time.Time
}

func NewVerifier(store Datastore, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type StartRequestOptions struct {
	// ExpiredIn is in seconds, 3600 when zero.
	ExpiredIn int64
	// ClientIDScheme selects unsigned (redirect_uri, the default) or signed
	// (x509_san_dns, x509_san_uri, x509_hash) requests.
	ClientIDScheme string
	IssuerJWK      jwk.Key
	X5C            []string
	X5U            string
	// GenerateNonce replaces the UUID nonce, e.g. to keep a nonce stable
	// while a request object is fetched more than once.
	GenerateNonce func() string
	RequestObject openid4vp.RequestObjectOptions
}

// AuthorizationRequest carries either unsigned Params or a signed Request.
type AuthorizationRequest struct {
	ClientID string
	Nonce    string
	Params   map[string]string
	Request  string
}

// StartRequest issues a nonce for request, stores the verifier side of the
// transaction and builds the authorization request.
func (v *Verifier) StartRequest(ctx context.Context, request *responseendpoint.VpRequest, clientID string, opts StartRequestOptions) (*AuthorizationRequest, error) {
	nonce := uuid.NewString()
	if opts.GenerateNonce != nil {
		nonce = opts.GenerateNonce()
	}
	vr := &VpRequestAtVerifier{
		ID:            request.ID,
		Nonce:         nonce,
		TransactionID: request.TransactionID,
		IssuedAt:      v.now().Unix(),
		ExpiredIn:     opts.ExpiredIn,
	}
	if vr.ExpiredIn == 0 {
		vr.ExpiredIn = DefaultExpiredIn
	}
	if request.EncryptionPublicJWK != "" {
		vr.EncryptionPrivateJWK = request.EncryptionPrivateJWK
	}
	if c, ok := v.store.(RequestCreator); ok {
		created, err := c.CreateRequest(ctx, vr)
		if err != nil {
			return nil, errors.Wrap(err, "failed to save verifier request")
		}
		if !created {
			v.logger.Info("verifier request already exists", zap.String("request_id", vr.ID))
			return v.ResumeRequest(ctx, request, clientID, opts)
		}
	} else if err := v.store.SaveRequest(ctx, vr); err != nil {
		return nil, errors.Wrap(err, "failed to save verifier request")
	}
	return v.authorizationRequest(request, vr, clientID, opts)
}

// ResumeRequest rebuilds the authorization request of a stored request with
// its original nonce. The stored request is not written, so its lifetime and
// consumedAt stay as they are. It fails like GetRequest.
func (v *Verifier) ResumeRequest(ctx context.Context, request *responseendpoint.VpRequest, clientID string, opts StartRequestOptions) (*AuthorizationRequest, error) {
	vr, err := v.GetRequest(ctx, request.ID)
	if err != nil {
		return nil, err
	}
	return v.authorizationRequest(request, vr, clientID, opts)
}

func (v *Verifier) authorizationRequest(request *responseendpoint.VpRequest, vr *VpRequestAtVerifier, clientID string, opts StartRequestOptions) (*AuthorizationRequest, error) {
	ro := opts.RequestObject
	if ro.State == "" {
		ro.State = vr.ID
	}
	if ro.Nonce == "" {
		ro.Nonce = vr.Nonce
	}
	if ro.Logger == nil {
		ro.Logger = v.logger
	}
	if request.EncryptionPublicJWK != "" {
		metadata, err := withEncryption(ro.ClientMetadata, request.EncryptionPublicJWK)
		if err != nil {
			return nil, err
		}
		ro.ResponseMode = openid4vp.ResponseModeDirectPostJWT
		ro.ClientMetadata = metadata
	}

	scheme := opts.ClientIDScheme
	if scheme == "" {
		scheme = string(clientid.RedirectURI)
	}
	switch scheme {
	case string(clientid.RedirectURI):
		payload, err := openid4vp.GenerateRequestObjectPayload(clientID, ro)
		if err != nil {
			return nil, err
		}
		params, err := payload.Params()
		if err != nil {
			return nil, err
		}
		return &AuthorizationRequest{ClientID: clientID, Nonce: vr.Nonce, Params: params}, nil

	case string(clientid.X509SanDNS), ClientIDSchemeX509SanURI, string(clientid.X509Hash):
		if opts.IssuerJWK == nil {
			return nil, &openid4vp.MissingSignerKeyError{Message: "The provided client_id_scheme needs to sign request object"}
		}
		ro.X509CertificateInfo = &openid4vp.X509CertificateInfo{X5U: opts.X5U, X5C: opts.X5C}
		signed, err := openid4vp.GenerateRequestObjectJWT(clientID, opts.IssuerJWK, ro)
		if err != nil {
			return nil, err
		}
		return &AuthorizationRequest{ClientID: clientID, Nonce: vr.Nonce, Request: signed}, nil
	}
	return nil, &openid4vp.UnsupportedClientIDSchemeError{
		Message: "The provided client_id_scheme is not supported in the current implementation.",
	}
}

// withEncryption copies metadata and adds the transaction's public key and
// the supported content encryption.
func withEncryption(metadata *openid4vp.ClientMetadata, publicJWK string) (*openid4vp.ClientMetadata, error) {
	if !json.Valid([]byte(publicJWK)) {
		return nil, errors.New("encryption public jwk is not json")
	}
	out := &openid4vp.ClientMetadata{}
	if metadata != nil {
		copied := *metadata
		out = &copied
	}
	out.JWKS = &openid4vp.JWKSet{Keys: []json.RawMessage{json.RawMessage(publicJWK)}}
	out.EncryptedResponseEncValuesSupported = []string{jose.ResponseEncryptionEnc}
	return out, nil
}

func (v *Verifier) isExpired(r *VpRequestAtVerifier) bool {
	return r.IssuedAt+r.ExpiredIn < v.now().Unix()
}

// GetRequest returns the request if it exists, has not expired and has not
// been consumed.
func (v *Verifier) GetRequest(ctx context.Context, requestID string) (*VpRequestAtVerifier, error) {
	r, err := v.store.GetRequest(ctx, requestID)
	if err != nil {
		v.logger.Error("failed to get verifier request", zap.String("request_id", requestID), zap.Error(err))
		return nil, &GetRequestError{Type: ErrUnexpected, Cause: err}
	}
	if r == nil {
		return nil, newGetRequestError(ErrNotFound, requestID)
	}
	if v.isExpired(r) {
		return nil, newGetRequestError(ErrExpired, requestID)
	}
	if r.ConsumedAt > 0 {
		return nil, newGetRequestError(ErrConsumed, requestID)
	}
	return r, nil
}

// ConsumeRequest marks the request consumed. It fails without any change
// when GetRequest fails.
func (v *Verifier) ConsumeRequest(ctx context.Context, requestID string) (*VpRequestAtVerifier, error) {
	r, err := v.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	consumedAt := v.now().Unix()

	if c, ok := v.store.(AtomicConsumer); ok {
		swapped, err := c.ConsumeRequest(ctx, requestID, consumedAt)
		if err != nil {
			return nil, &GetRequestError{Type: ErrUnexpected, Cause: err}
		}
		if !swapped {
			return nil, newGetRequestError(ErrConsumed, requestID)
		}
		r.ConsumedAt = consumedAt
		return r, nil
	}

	r.ConsumedAt = consumedAt
	if err := v.store.SaveRequest(ctx, r); err != nil {
		v.logger.Error("failed to consume request", zap.String("request_id", requestID), zap.Error(err))
		return nil, &GetRequestError{Type: ErrUnexpected, Cause: err}
	}
	return r, nil
}

func (v *Verifier) GenerateDCQLQuery(queries []document.CredentialQuery) *document.DCQLQuery {
	return document.GenerateDCQLQuery(queries)
}
