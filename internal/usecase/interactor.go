// Package usecase drives an OID4VP presentation from the authorization
// request to the committed credential.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kokukuma/oid4vp-verifier/clientid"
	"github.com/kokukuma/oid4vp-verifier/credential"
	"github.com/kokukuma/oid4vp-verifier/document"
	"github.com/kokukuma/oid4vp-verifier/internal/model"
	"github.com/kokukuma/oid4vp-verifier/internal/repository"
	"github.com/kokukuma/oid4vp-verifier/openid4vp"
	"github.com/kokukuma/oid4vp-verifier/responseendpoint"
	"github.com/kokukuma/oid4vp-verifier/verifier"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ExpiredIn holds lifetimes in seconds.
type ExpiredIn struct {
	RequestAtVerifier         int64
	RequestAtResponseEndpoint int64
	Response                  int64
	PostSession               int64
}

type Config struct {
	ClientID       string
	ClientIDScheme string
	// AuthorizeEndpoint prefixes the authorization request handed to the
	// wallet, e.g. openid4vp://.
	AuthorizeEndpoint                string
	RequestURI                       string
	ResponseURI                      string
	RedirectURIReturnedByResponseURI string
	EnableEncryption                 bool

	SignerKey jwk.Key
	X5C       []string
	X5U       string

	ClientMetadata openid4vp.ClientMetadataOptions
	ExpiredIn      ExpiredIn
}

type PostStateRepository interface {
	PutState(ctx context.Context, requestID string, value model.PostStateValue, opts repository.PutStateOptions) (*model.PostState, error)
	GetState(ctx context.Context, requestID string) (*model.PostState, error)
}

type SessionRepository interface {
	PutRequestID(ctx context.Context, requestID, transactionID string, expiredIn int64) (*model.Session, error)
	PutWaitCommitData(ctx context.Context, requestID string, data *model.WaitCommitData) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// CredentialVerifier verifies presentations both when they arrive and when
// they are exchanged.
type CredentialVerifier interface {
	credential.Verifier
	responseendpoint.VerificationCallback
}

type Option func(*Interactor)

func WithLogger(logger *zap.Logger) Option {
	return func(i *Interactor) {
		i.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Interactor) {
		i.clock = now
	}
}

type Interactor struct {
	cfg        Config
	endpoint   *responseendpoint.Endpoint
	verifier   *verifier.Verifier
	credential CredentialVerifier
	states     PostStateRepository
	sessions   SessionRepository
	logger     *zap.Logger
	clock      func() time.Time
}

func NewInteractor(cfg Config, endpoint *responseendpoint.Endpoint, v *verifier.Verifier, cv CredentialVerifier, states PostStateRepository, sessions SessionRepository, opts ...Option) *Interactor {
	i := &Interactor{
		cfg:        cfg,
		endpoint:   endpoint,
		verifier:   v,
		credential: cv,
		states:     states,
		sessions:   sessions,
		logger:     zap.NewNop(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Interactor) now() int64 {
	return i.clock().Unix()
}

func (i *Interactor) signed() bool {
	switch i.cfg.ClientIDScheme {
	case string(clientid.X509SanDNS), string(clientid.X509Hash), verifier.ClientIDSchemeX509SanURI:
		return true
	}
	return false
}

// StartupCheck fails when the client id does not match the configured
// certificate chain.
func (i *Interactor) StartupCheck() error {
	parsed := clientid.Parse(i.cfg.ClientID)
	if parsed == nil {
		return errors.Errorf("client id %q has no supported prefix", i.cfg.ClientID)
	}
	if i.cfg.ClientIDScheme != "" && i.cfg.ClientIDScheme != string(parsed.Prefix) {
		return errors.Errorf("client id prefix %s does not match client id scheme %s", parsed.Prefix, i.cfg.ClientIDScheme)
	}
	switch parsed.Prefix {
	case clientid.X509SanDNS, clientid.X509Hash:
		if i.cfg.SignerKey == nil {
			return errors.Errorf("%s needs a signer key", parsed.Prefix)
		}
		if len(i.cfg.X5C) == 0 {
			return errors.Errorf("%s needs an x5c certificate chain", parsed.Prefix)
		}
		if err := clientid.Validate(i.cfg.ClientID, i.cfg.X5C); err != nil {
			return errors.Wrap(err, "client id does not match the certificate chain")
		}
	case clientid.RedirectURI:
		if i.cfg.SignerKey != nil {
			i.logger.Warn("redirect_uri client id ignores the configured signer key", zap.String("client_id", i.cfg.ClientID))
		}
	}
	return nil
}

func (i *Interactor) clientMetadata() *openid4vp.ClientMetadata {
	return openid4vp.GenerateClientMetadata(i.cfg.ClientID, i.cfg.ClientMetadata)
}

func (i *Interactor) requestObjectOptions(query *document.DCQLQuery) openid4vp.RequestObjectOptions {
	return openid4vp.RequestObjectOptions{
		ResponseType:   openid4vp.ResponseTypeVPToken,
		ResponseMode:   openid4vp.ResponseModeDirectPost,
		ResponseURI:    i.cfg.ResponseURI,
		ClientMetadata: i.clientMetadata(),
		DCQLQuery:      query,
	}
}

type AuthRequestResult struct {
	AuthRequest   string `json:"authRequest"`
	RequestID     string `json:"requestId"`
	TransactionID string `json:"transactionId,omitempty"`
	SessionID     string `json:"-"`
}

// GenerateAuthRequest starts a transaction. queries default to every claim of
// the learning credential.
func (i *Interactor) GenerateAuthRequest(ctx context.Context, queries []document.CredentialQuery) (*AuthRequestResult, error) {
	i.logger.Info("generateAuthRequest start")

	request, err := i.endpoint.InitiateTransaction(ctx, responseendpoint.TransactionConfig{
		ResponseType:                     openid4vp.ResponseTypeVPToken,
		RedirectURIReturnedByResponseURI: i.cfg.RedirectURIReturnedByResponseURI,
		UseTransactionID:                 true,
		ExpiredIn:                        i.cfg.ExpiredIn.RequestAtResponseEndpoint,
		EnableEncryption:                 i.cfg.EnableEncryption,
	})
	if err != nil {
		return nil, unexpected(err)
	}

	if len(queries) == 0 {
		queries = []document.CredentialQuery{document.LearningCredentialQuery()}
	}
	query := i.verifier.GenerateDCQLQuery(queries)

	var authRequest string
	if i.signed() {
		// the request object, and with it the nonce, is made when the wallet
		// dereferences request_uri
		ref := &openid4vp.JWTSecuredAuthorizeRequest{
			AuthorizeEndpoint: i.cfg.AuthorizeEndpoint,
			ClientID:          i.cfg.ClientID,
			RequestURI:        openid4vp.RequestURIFor(i.cfg.RequestURI, request.ID),
		}
		authRequest = ref.String()
	} else {
		nonce := uuid.NewString()
		ar, err := i.verifier.StartRequest(ctx, request, i.cfg.ClientID, verifier.StartRequestOptions{
			ExpiredIn:      i.cfg.ExpiredIn.RequestAtVerifier,
			ClientIDScheme: string(clientid.RedirectURI),
			GenerateNonce:  func() string { return nonce },
			RequestObject:  i.requestObjectOptions(query),
		})
		if err != nil {
			return nil, unexpected(err)
		}
		request.Nonce = nonce
		authRequest = openid4vp.AuthorizationRequestString(i.cfg.AuthorizeEndpoint, ar.Params)
	}

	raw, err := json.Marshal(queries)
	if err != nil {
		return nil, unexpected(err)
	}
	request.DCQLQuery = string(raw)
	if err := i.endpoint.SaveRequest(ctx, request); err != nil {
		return nil, unexpected(err)
	}

	if _, err := i.states.PutState(ctx, request.ID, model.PostStateStarted, repository.PutStateOptions{
		ExpiredIn: i.cfg.ExpiredIn.PostSession,
	}); err != nil {
		return nil, unexpected(err)
	}
	session, err := i.sessions.PutRequestID(ctx, request.ID, request.TransactionID, i.cfg.ExpiredIn.PostSession)
	if err != nil {
		return nil, unexpected(err)
	}

	i.logger.Info("generateAuthRequest end", zap.String("request_id", request.ID))
	return &AuthRequestResult{
		AuthRequest:   authRequest,
		RequestID:     request.ID,
		TransactionID: request.TransactionID,
		SessionID:     session.ID,
	}, nil
}

func (i *Interactor) storedQueries(request *responseendpoint.VpRequest) []document.CredentialQuery {
	if request.DCQLQuery != "" {
		var queries []document.CredentialQuery
		err := json.Unmarshal([]byte(request.DCQLQuery), &queries)
		if err == nil {
			return queries
		}
		i.logger.Error("failed to parse stored dcql query", zap.String("request_id", request.ID), zap.Error(err))
	}
	return []document.CredentialQuery{document.LearningCredentialQuery()}
}

// GetRequestObject returns the signed request object for requestID. Fetching
// it again yields the same nonce.
func (i *Interactor) GetRequestObject(ctx context.Context, requestID string) (string, error) {
	if !i.signed() {
		return "", newError(ErrInvalidParameter, "request objects are only served for x509 client ids")
	}
	request, err := i.endpoint.GetRequest(ctx, requestID)
	if err != nil {
		return "", unexpected(err)
	}
	if request == nil {
		return "", newError(ErrNotFound, "request is not found")
	}
	if request.IssuedAt+request.ExpiredIn < i.now() {
		return "", newError(ErrExpired, "request is expired")
	}

	nonce := request.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}
	query := i.verifier.GenerateDCQLQuery(i.storedQueries(request))
	opts := verifier.StartRequestOptions{
		ExpiredIn:      i.cfg.ExpiredIn.RequestAtVerifier,
		ClientIDScheme: i.cfg.ClientIDScheme,
		IssuerJWK:      i.cfg.SignerKey,
		X5C:            i.cfg.X5C,
		X5U:            i.cfg.X5U,
		GenerateNonce:  func() string { return nonce },
		RequestObject:  i.requestObjectOptions(query),
	}

	// a stored verifier request is only read back, so a late fetch can neither
	// reopen a consumed transaction nor extend its lifetime
	ar, err := i.verifier.ResumeRequest(ctx, request, i.cfg.ClientID, opts)
	var gErr *verifier.GetRequestError
	if errors.As(err, &gErr) && gErr.Type == verifier.ErrNotFound {
		ar, err = i.verifier.StartRequest(ctx, request, i.cfg.ClientID, opts)
	}
	if err != nil {
		if errors.As(err, &gErr) {
			return "", fromRequestError(requestID, err)
		}
		return "", unexpected(err)
	}

	if request.Nonce == "" {
		request.Nonce = ar.Nonce
		if err := i.endpoint.SaveRequest(ctx, request); err != nil {
			return "", unexpected(err)
		}
	}
	return ar.Request, nil
}

type AuthResponseResult struct {
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// ReceiveAuthResponse stores a wallet response. Presentations that fail
// verification on arrival move the transaction to invalid_submission; the
// wallet still gets its redirect.
func (i *Interactor) ReceiveAuthResponse(ctx context.Context, payload map[string]interface{}) (*AuthResponseResult, error) {
	i.logger.Info("receiveAuthResponse start")

	res, err := i.endpoint.ReceiveAuthResponse(ctx, payload, responseendpoint.ReceiveOptions{
		ExpiredIn:            i.cfg.ExpiredIn.Response,
		VerificationCallback: i.credential,
	})
	if err != nil {
		i.logger.Info("authorization response rejected", zap.Error(err))
		return nil, fromReceiveError(err)
	}

	if vr := res.VerificationResult; vr != nil && !vr.AllVerified() {
		i.logger.Info("vp_token verification failed on receipt",
			zap.String("request_id", res.RequestID),
			zap.Any("statuses", vr.Statuses()))
		i.invalidSubmission(ctx, res.RequestID)
	}

	i.logger.Info("receiveAuthResponse end", zap.String("request_id", res.RequestID))
	out := &AuthResponseResult{}
	if res.RedirectURI != "" {
		out.RedirectURI = fmt.Sprintf("%s#response_code=%s", res.RedirectURI, res.ResponseCode)
	}
	return out, nil
}

func (i *Interactor) invalidSubmission(ctx context.Context, requestID string) {
	if _, err := i.states.PutState(ctx, requestID, model.PostStateInvalidSubmission, repository.PutStateOptions{}); err != nil {
		i.logger.Warn("failed to mark invalid submission", zap.String("request_id", requestID), zap.Error(err))
	}
}

type Claimer struct {
	IDToken            string                    `json:"id_token"`
	Sub                string                    `json:"sub"`
	LearningCredential *model.LearningCredential `json:"learningCredential,omitempty"`
}

type ExchangeResult struct {
	RequestID string  `json:"requestId"`
	Claimer   Claimer `json:"claimer"`
}

// ExchangeAuthResponse redeems a response code, verifies the learning
// credential in it and commits the transaction.
func (i *Interactor) ExchangeAuthResponse(ctx context.Context, responseCode, transactionID string) (*ExchangeResult, error) {
	i.logger.Info("exchangeAuthResponse start")

	exchanged, err := i.endpoint.ExchangeResponseCodeForAuthResponse(ctx, responseCode, transactionID)
	if err != nil {
		return nil, fromEndpointError(err)
	}
	requestID := exchanged.RequestID

	request, err := i.verifier.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fromRequestError(requestID, err)
	}

	cred, err := credential.ExtractCredentialFromVpToken(ctx, exchanged.Payload.VPToken,
		document.LearningCredentialQueryID, request.Nonce, i.credential)
	if err != nil {
		i.logger.Info("credential extraction failed", zap.String("request_id", requestID), zap.Error(err))
		i.invalidSubmission(ctx, requestID)
		var eErr *credential.ExtractError
		if errors.As(err, &eErr) {
			return nil, &Error{Type: ErrInvalidParameter, Message: eErr.Reason, Cause: err}
		}
		return nil, unexpected(err)
	}

	// a transaction that already ended is neither consumed nor published
	state, err := i.states.GetState(ctx, requestID)
	if err != nil {
		return nil, unexpected(err)
	}
	if state != nil && state.Value.IsTerminal() {
		i.logger.Info("transaction already ended",
			zap.String("request_id", requestID), zap.String("state", string(state.Value)))
		if state.Value == model.PostStateExpired {
			return nil, newError(ErrExpired, "transaction is expired")
		}
		return nil, newError(ErrConflict, "transaction already ended")
	}

	if _, err := i.verifier.ConsumeRequest(ctx, requestID); err != nil {
		i.logger.Info("consumeRequest is not ok", zap.String("request_id", requestID), zap.Error(err))
		return nil, fromRequestError(requestID, err)
	}

	if _, err := i.states.PutState(ctx, requestID, model.PostStateCommitted, repository.PutStateOptions{}); err != nil {
		if errors.Is(err, repository.ErrTerminalState) {
			return nil, &Error{Type: ErrConflict, Message: "transaction already ended", Cause: err}
		}
		return nil, unexpected(err)
	}

	learning := &model.LearningCredential{
		Raw:                      cred.Raw,
		Claims:                   cred.Claims,
		Icon:                     cred.Icon,
		KeySource:                string(cred.Metadata.KeySource),
		CertificateChainVerified: cred.Metadata.CertificateChainVerified,
	}
	if err := i.sessions.PutWaitCommitData(ctx, requestID, &model.WaitCommitData{
		IDToken:            exchanged.Payload.IDToken,
		LearningCredential: learning,
	}); err != nil {
		return nil, unexpected(err)
	}

	i.logger.Info("exchangeAuthResponse end", zap.String("request_id", requestID))
	return &ExchangeResult{
		RequestID: requestID,
		Claimer: Claimer{
			IDToken:            exchanged.Payload.IDToken,
			LearningCredential: learning,
		},
	}, nil
}

// GetEncryptionJWKS returns the public response encryption key of requestID
// as a JWK set.
func (i *Interactor) GetEncryptionJWKS(ctx context.Context, requestID string) (*openid4vp.JWKSet, error) {
	request, err := i.endpoint.GetRequest(ctx, requestID)
	if err != nil {
		return nil, unexpected(err)
	}
	if request == nil || request.EncryptionPublicJWK == "" {
		return nil, newError(ErrNotFound, "no encryption key for request")
	}
	return &openid4vp.JWKSet{Keys: []json.RawMessage{json.RawMessage(request.EncryptionPublicJWK)}}, nil
}

// GetStates returns nil when requestID has no state.
func (i *Interactor) GetStates(ctx context.Context, requestID string) (*model.PostState, error) {
	state, err := i.states.GetState(ctx, requestID)
	if err != nil {
		return nil, unexpected(err)
	}
	return state, nil
}

// GetSession returns the browser session opened by GenerateAuthRequest.
func (i *Interactor) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := i.sessions.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		return nil, newError(ErrNotFound, "session is not found")
	case errors.Is(err, repository.ErrSessionExpired):
		return nil, newError(ErrExpired, "session is expired")
	case err != nil:
		return nil, unexpected(err)
	}
	return session, nil
}

// GetCredentialData returns what the session's transaction committed.
func (i *Interactor) GetCredentialData(ctx context.Context, sessionID string) (*model.WaitCommitData, error) {
	session, err := i.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.WaitCommitData == nil {
		return nil, newError(ErrNotFound, "credential data is not committed")
	}
	return session.WaitCommitData, nil
}
