// Package responseendpoint implements the OID4VP Response Endpoint: it opens
// transactions, receives wallet responses and hands them out once in exchange
// for a response code.
package responseendpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/kokukuma/oid4vp-verifier/openid4vp"
	"github.com/kokukuma/oid4vp-verifier/pkg/jose"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultExpiredIn = 3600

type EndpointOption func(*Endpoint)

func WithLogger(logger *zap.Logger) EndpointOption {
	return func(e *Endpoint) {
		e.logger = logger
	}
}

// WithClock replaces time.Now for issuedAt and expiry checks.
func WithClock(now func() time.Time) EndpointOption {
	return func(e *Endpoint) {
		e.now = now
	}
}

// WithIDGenerator replaces the UUID generator for request and transaction ids.
func WithIDGenerator(generate func() string) EndpointOption {
	return func(e *Endpoint) {
		e.generateID = generate
	}
}

type Endpoint struct {
	store      Datastore
	logger     *zap.Logger
	now        func() time.Time
	generateID func() string
}

func NewEndpoint(store Datastore, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		store:      store,
		logger:     zap.NewNop(),
		now:        time.Now,
		generateID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Endpoint) isExpired(issuedAt, expiredIn int64) bool {
	return issuedAt+expiredIn < e.now().Unix()
}

// InitiateTransaction creates and stores a new VpRequest. With encryption
// enabled a fresh ephemeral key pair is stored on the request.
func (e *Endpoint) InitiateTransaction(ctx context.Context, config TransactionConfig) (*VpRequest, error) {
	req := &VpRequest{
		ID:                               e.generateID(),
		ResponseType:                     config.ResponseType,
		RedirectURIReturnedByResponseURI: config.RedirectURIReturnedByResponseURI,
		IssuedAt:                         e.now().Unix(),
		ExpiredIn:                        config.ExpiredIn,
	}
	if req.ExpiredIn == 0 {
		req.ExpiredIn = DefaultExpiredIn
	}
	if config.UseTransactionID {
		req.TransactionID = e.generateID()
	}

	if config.EnableEncryption {
		pair, err := jose.GenerateEphemeralKeyPair()
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate response encryption key")
		}
		pub, err := jose.MarshalJWK(pair.PublicJWK)
		if err != nil {
			return nil, err
		}
		priv, err := jose.MarshalJWK(pair.PrivateJWK)
		if err != nil {
			return nil, err
		}
		req.EncryptionPublicJWK = string(pub)
		req.EncryptionPrivateJWK = string(priv)
	}

	if err := e.store.SaveRequest(ctx, req); err != nil {
		return nil, errors.Wrap(err, "failed to save request")
	}
	e.logger.Info("transaction initiated",
		zap.String("request_id", req.ID),
		zap.String("response_type", req.ResponseType),
		zap.Bool("encryption", config.EnableEncryption))
	return req, nil
}

func (e *Endpoint) GetRequest(ctx context.Context, requestID string) (*VpRequest, error) {
	return e.store.GetRequest(ctx, requestID)
}

// SaveRequest overwrites a request, e.g. to back-fill nonce and DCQL query.
func (e *Endpoint) SaveRequest(ctx context.Context, req *VpRequest) error {
	return e.store.SaveRequest(ctx, req)
}

func decodeWalletPayload(raw map[string]interface{}) (*walletPayload, error) {
	var p walletPayload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		MatchName:        openid4vp.MatchWireName,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "malformed authorization response")
	}
	return &p, nil
}

// ReceiveAuthResponse handles a direct_post or direct_post.jwt body from the
// wallet and stores it under a new response code.
func (e *Endpoint) ReceiveAuthResponse(ctx context.Context, raw map[string]interface{}, opts ReceiveOptions) (*ReceiveResult, error) {
	payload, err := decodeWalletPayload(raw)
	if err != nil {
		return nil, invalidPayload(err)
	}

	if payload.Response != "" {
		if payload, err = e.decryptResponse(ctx, payload); err != nil {
			return nil, err
		}
	}

	if payload.State == "" {
		return nil, invalidPayload(errors.New("state is missing"))
	}
	req, err := e.store.GetRequest(ctx, payload.State)
	if err != nil {
		return nil, unexpected(err)
	}
	if req == nil {
		return nil, &EndpointError{Type: ErrRequestIDIsNotFound, Identifier: payload.State}
	}
	if e.isExpired(req.IssuedAt, req.ExpiredIn) {
		return nil, &EndpointError{Type: ErrRequestIDIsExpired, Identifier: payload.State}
	}
	if err := validateResponseType(req.ResponseType, payload.hasVPToken(), payload.IDToken != ""); err != nil {
		e.logger.Info("authorization response does not match response_type",
			zap.String("request_id", req.ID), zap.Error(err))
		return nil, invalidPayload(err)
	}

	generate := opts.GenerateID
	if generate == nil {
		generate = uuid.NewString
	}
	expiredIn := opts.ExpiredIn
	if expiredIn == 0 {
		expiredIn = DefaultExpiredIn
	}
	res := &AuthResponse{
		ID:        generate(),
		RequestID: payload.State,
		Payload: AuthResponsePayload{
			PresentationSubmission: payload.submission(),
			IDToken:                payload.IDToken,
		},
		IssuedAt:  e.now().Unix(),
		ExpiredIn: expiredIn,
	}
	if payload.hasVPToken() {
		res.Payload.VPToken = payload.VPToken
	}
	if err := e.store.SaveResponse(ctx, res); err != nil {
		return nil, unexpected(err)
	}

	result := &ReceiveResult{
		RedirectURI:  req.RedirectURIReturnedByResponseURI,
		ResponseCode: res.ID,
		RequestID:    req.ID,
	}
	if opts.VerificationCallback != nil && req.Nonce != "" && payload.hasVPToken() {
		e.logger.Info("starting vp_token verification", zap.String("request_id", req.ID))
		result.VerificationResult = e.verifyVPToken(ctx, payload.VPToken, req.Nonce, opts.VerificationCallback, req.ID)
		e.logger.Info("vp_token verification completed",
			zap.String("request_id", req.ID),
			zap.Any("statuses", result.VerificationResult.Statuses()))
	}
	return result, nil
}

// decryptResponse opens a direct_post.jwt body with the private key of the
// transaction named by state. Decryption failures are reported as an invalid
// payload.
func (e *Endpoint) decryptResponse(ctx context.Context, p *walletPayload) (*walletPayload, error) {
	if p.State == "" {
		return nil, invalidPayload(errors.New("state is missing"))
	}
	req, err := e.store.GetRequest(ctx, p.State)
	if err != nil {
		return nil, unexpected(err)
	}
	if req == nil {
		return nil, &EndpointError{Type: ErrRequestIDIsNotFound, Identifier: p.State}
	}
	if req.EncryptionPrivateJWK == "" {
		e.logger.Error("encrypted response received but no encryption key found", zap.String("request_id", p.State))
		return nil, invalidPayload(errors.New("transaction has no encryption key"))
	}

	key, err := jose.ParseJWK([]byte(req.EncryptionPrivateJWK))
	if err != nil {
		return nil, unexpected(err)
	}
	decrypted, err := jose.DecryptJWE(p.Response, key)
	if err != nil {
		e.logger.Error("jwe decryption failed", zap.String("request_id", p.State), zap.Error(err))
		return nil, invalidPayload(err)
	}
	e.logger.Info("jwe decryption successful", zap.String("request_id", p.State))
	if err := e.releaseEncryptionKey(ctx, req); err != nil {
		return nil, err
	}

	decrypted["state"] = p.State
	delete(decrypted, "response")
	out, err := decodeWalletPayload(decrypted)
	if err != nil {
		return nil, invalidPayload(err)
	}
	return out, nil
}

// releaseEncryptionKey removes the private key after its one decryption. A
// replayed response finds the key gone.
func (e *Endpoint) releaseEncryptionKey(ctx context.Context, req *VpRequest) error {
	if r, ok := e.store.(KeyReleaser); ok {
		released, err := r.ReleaseEncryptionKey(ctx, req.ID, req.EncryptionPrivateJWK)
		if err != nil {
			return unexpected(err)
		}
		if !released {
			e.logger.Warn("encryption key already used", zap.String("request_id", req.ID))
			return invalidPayload(errors.New("encryption key already used"))
		}
		return nil
	}

	current, err := e.store.GetRequest(ctx, req.ID)
	if err != nil {
		return unexpected(err)
	}
	if current == nil || current.EncryptionPrivateJWK != req.EncryptionPrivateJWK {
		e.logger.Warn("encryption key already used", zap.String("request_id", req.ID))
		return invalidPayload(errors.New("encryption key already used"))
	}
	current.EncryptionPrivateJWK = ""
	if err := e.store.SaveRequest(ctx, current); err != nil {
		return unexpected(err)
	}
	return nil
}

func validateResponseType(responseType string, hasVPToken, hasIDToken bool) error {
	switch responseType {
	case openid4vp.ResponseTypeVPToken:
		if !hasVPToken {
			return errors.New("vp_token is missing")
		}
	case openid4vp.ResponseTypeVPTokenIDToken:
		if !hasVPToken || !hasIDToken {
			return errors.New("vp_token or id_token is missing")
		}
	case openid4vp.ResponseTypeIDToken:
		if !hasIDToken {
			return errors.New("id_token is missing")
		}
	default:
		return errors.Errorf("unsupported response_type %q", responseType)
	}
	return nil
}

// ExchangeResponseCodeForAuthResponse redeems a response code. A code can be
// redeemed once; later calls return NOT_FOUND.
func (e *Endpoint) ExchangeResponseCodeForAuthResponse(ctx context.Context, responseCode, transactionID string) (*AuthResponse, error) {
	res, err := e.store.GetResponse(ctx, responseCode)
	if err != nil {
		return nil, unexpected(err)
	}
	if res == nil {
		return nil, &EndpointError{Type: ErrNotFound, Subject: "response-code"}
	}
	if e.isExpired(res.IssuedAt, res.ExpiredIn) {
		return nil, &EndpointError{Type: ErrExpired, Subject: "VpResponse", Identifier: responseCode}
	}

	req, err := e.store.GetRequest(ctx, res.RequestID)
	if err != nil {
		return nil, unexpected(err)
	}
	if req == nil {
		return nil, &EndpointError{Type: ErrNotFound, Subject: "request", Identifier: res.RequestID}
	}
	if req.TransactionID != "" && req.TransactionID != transactionID {
		return nil, &EndpointError{Type: ErrNotFound, Subject: "transaction-id"}
	}

	if err := validateResponseType(req.ResponseType, res.Payload.VPToken != nil, res.Payload.IDToken != ""); err != nil {
		return nil, invalidPayload(err)
	}

	if s, ok := res.Payload.VPToken.(string); ok {
		var parsed interface{}
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			res.Payload.VPToken = parsed
		}
	}
	return res, nil
}
