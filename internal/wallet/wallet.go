// Package wallet is a minimal holder used to exercise the verifier end to
// end: it answers an authorization request with an SD-JWT learning
// credential over direct_post or direct_post.jwt.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kokukuma/oid4vp-verifier/clientid"
	"github.com/kokukuma/oid4vp-verifier/document"
	"github.com/kokukuma/oid4vp-verifier/internal/cryptoroot"
	"github.com/kokukuma/oid4vp-verifier/openid4vp"
	"github.com/kokukuma/oid4vp-verifier/pkg/jose"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Option func(*Wallet)

func WithLogger(logger *zap.Logger) Option {
	return func(w *Wallet) {
		w.logger = logger
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(w *Wallet) {
		w.client = client
	}
}

// WithRequestObjectVerifier makes the wallet verify signed request objects
// against the given chain verifier instead of only checking that the client
// id matches the x5c leaf.
func WithRequestObjectVerifier(cv jose.CertificateChainVerifier) Option {
	return func(w *Wallet) {
		w.chainVerifier = cv
	}
}

type Wallet struct {
	holder        *ecdsa.PrivateKey
	credential    string
	client        *http.Client
	chainVerifier jose.CertificateChainVerifier
	logger        *zap.Logger
}

// New issues a learning credential for claims under issuer and binds it to a
// fresh holder key. Every claim except vct is selectively disclosable.
func New(issuer *cryptoroot.Chain, claims map[string]interface{}, opts ...Option) (*Wallet, error) {
	holder, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	holderJWK, err := jose.KeyFromRaw(&holder.PublicKey)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{"vct": document.LearningCredentialVCT}
	var frame []string
	for k, v := range claims {
		if k == "vct" {
			continue
		}
		payload[k] = v
		frame = append(frame, k)
	}

	issued, err := jose.IssueSDJWT(
		map[string]interface{}{"alg": "ES256", "typ": document.FormatSDJWT, "x5c": issuer.X5C()},
		payload, frame, issuer.LeafKey, holderJWK)
	if err != nil {
		return nil, errors.Wrap(err, "failed to issue credential")
	}

	w := &Wallet{
		holder:     holder,
		credential: issued,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Credential returns the issued SD-JWT without key binding.
func (w *Wallet) Credential() string {
	return w.credential
}

// Present discloses the named claims, all of them when disclose is nil.
func (w *Wallet) Present(aud, nonce string, disclose []string) (string, error) {
	return jose.PresentSDJWT(w.credential, disclose, w.holder, aud, nonce)
}

type Result struct {
	RequestID    string `json:"requestId"`
	ResponseMode string `json:"responseMode"`
	RedirectURI  string `json:"redirectUri,omitempty"`
	ResponseCode string `json:"responseCode,omitempty"`
}

// Respond resolves authRequest, by value or through request_uri, and posts a
// presentation for every credential query to its response_uri.
func (w *Wallet) Respond(ctx context.Context, authRequest string) (*Result, error) {
	ro, err := w.resolve(ctx, authRequest)
	if err != nil {
		return nil, err
	}
	if ro.ResponseURI == "" {
		return nil, errors.New("authorization request has no response_uri")
	}
	if ro.DCQLQuery == nil || len(ro.DCQLQuery.Credentials) == 0 {
		return nil, errors.New("authorization request has no dcql_query")
	}

	vpToken := make(map[string][]string, len(ro.DCQLQuery.Credentials))
	for _, q := range ro.DCQLQuery.Credentials {
		p, err := w.Present(ro.ClientID, ro.Nonce, claimNames(q))
		if err != nil {
			return nil, err
		}
		vpToken[q.ID] = []string{p}
	}

	form := url.Values{}
	form.Set("state", ro.State)
	switch ro.ResponseMode {
	case openid4vp.ResponseModeDirectPostJWT:
		jwe, err := encryptResponse(ro, vpToken)
		if err != nil {
			return nil, err
		}
		form.Set("response", jwe)
	default:
		b, err := json.Marshal(vpToken)
		if err != nil {
			return nil, err
		}
		form.Set("vp_token", string(b))
	}

	w.logger.Info("posting authorization response",
		zap.String("response_uri", ro.ResponseURI),
		zap.String("response_mode", ro.ResponseMode),
		zap.String("state", ro.State))

	var posted struct {
		RedirectURI string `json:"redirect_uri"`
	}
	if err := w.do(ctx, http.MethodPost, ro.ResponseURI, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &posted); err != nil {
		return nil, err
	}

	res := &Result{RequestID: ro.State, ResponseMode: ro.ResponseMode, RedirectURI: posted.RedirectURI}
	if u, err := url.Parse(posted.RedirectURI); err == nil {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			res.ResponseCode = frag.Get("response_code")
		}
	}
	return res, nil
}

func claimNames(q document.CredentialQuery) []string {
	if len(q.Claims) == 0 {
		return nil
	}
	names := make([]string, 0, len(q.Claims))
	for _, c := range q.Claims {
		if len(c.Path) > 0 {
			if name, ok := c.Path[0].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func encryptResponse(ro *openid4vp.RequestObject, vpToken map[string][]string) (string, error) {
	if ro.ClientMetadata == nil || ro.ClientMetadata.JWKS == nil || len(ro.ClientMetadata.JWKS.Keys) == 0 {
		return "", errors.New("direct_post.jwt without client_metadata.jwks")
	}
	key, err := jose.ParseJWK(ro.ClientMetadata.JWKS.Keys[0])
	if err != nil {
		return "", err
	}
	return jose.EncryptJWE(map[string]interface{}{
		"vp_token": vpToken,
		"state":    ro.State,
	}, key)
}

// resolve returns the request object behind authRequest.
func (w *Wallet) resolve(ctx context.Context, authRequest string) (*openid4vp.RequestObject, error) {
	u, err := url.Parse(authRequest)
	if err != nil {
		return nil, errors.Wrap(err, "invalid authorization request")
	}
	q := u.Query()

	if requestURI := q.Get("request_uri"); requestURI != "" {
		var jwt string
		if err := w.do(ctx, http.MethodGet, requestURI, nil, "", &jwt); err != nil {
			return nil, err
		}
		return w.decodeRequestObject(q.Get("client_id"), jwt)
	}

	params := make(map[string]interface{}, len(q))
	for k := range q {
		v := q.Get(k)
		switch k {
		case "client_metadata", "dcql_query":
			var nested interface{}
			if err := json.Unmarshal([]byte(v), &nested); err != nil {
				return nil, errors.Wrapf(err, "invalid %s", k)
			}
			params[k] = nested
		default:
			params[k] = v
		}
	}
	return decodeRequestObject(params)
}

func (w *Wallet) decodeRequestObject(clientID, jwt string) (*openid4vp.RequestObject, error) {
	var payload map[string]interface{}
	if w.chainVerifier != nil {
		verified, err := jose.VerifyJWT(jwt, jose.KeySetting{ChainVerifier: w.chainVerifier, Logger: w.logger})
		if err != nil {
			return nil, errors.Wrap(err, "request object verification failed")
		}
		payload = verified.Payload
	} else {
		header, err := jose.DecodeProtectedHeader(jwt)
		if err != nil {
			return nil, err
		}
		if err := clientid.Validate(clientID, header.X5C); err != nil {
			return nil, errors.Wrap(err, "client_id does not match the request object x5c")
		}
		if payload, err = jose.DecodePayload(jwt); err != nil {
			return nil, err
		}
	}

	ro, err := decodeRequestObject(payload)
	if err != nil {
		return nil, err
	}
	if ro.ClientID != clientID {
		return nil, errors.Errorf("request object client_id %q does not match %q", ro.ClientID, clientID)
	}
	return ro, nil
}

func decodeRequestObject(params map[string]interface{}) (*openid4vp.RequestObject, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var ro openid4vp.RequestObject
	if err := json.Unmarshal(b, &ro); err != nil {
		return nil, errors.Wrap(err, "invalid request object")
	}
	return &ro, nil
}

// do sends a request and decodes the reply into out. A *string out receives
// the raw body.
func (w *Wallet) do(ctx context.Context, method, target string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, target)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s %s: %d %s", method, target, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if s, ok := out.(*string); ok {
		*s = string(raw)
		return nil
	}
	return json.Unmarshal(raw, out)
}
