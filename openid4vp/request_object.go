package openid4vp

import (
	"fmt"

	"github.com/kokukuma/oid4vp-verifier/clientid"
	"github.com/kokukuma/oid4vp-verifier/document"
	"github.com/kokukuma/oid4vp-verifier/pkg/jose"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

// UnsupportedClientIDSchemeError is returned for a client_id without a known
// prefix or a scheme the verifier cannot serve.
type UnsupportedClientIDSchemeError struct {
	Message string
}

func (e *UnsupportedClientIDSchemeError) Error() string { return e.Message }

// MissingURIError is returned unless exactly one of redirect_uri and
// response_uri is given.
type MissingURIError struct {
	Message string
}

func (e *MissingURIError) Error() string { return e.Message }

// MissingSignerKeyError is returned when a signed request is required but no
// key was configured.
type MissingSignerKeyError struct {
	Message string
}

func (e *MissingSignerKeyError) Error() string { return e.Message }

type X509CertificateInfo struct {
	X5U string
	X5C []string
}

// header returns the certificate header parameter. x5u wins over x5c.
func (i *X509CertificateInfo) header() (string, interface{}) {
	if i == nil {
		return "", nil
	}
	if i.X5U != "" {
		return "x5u", i.X5U
	}
	if len(i.X5C) > 0 {
		return "x5c", i.X5C
	}
	return "", nil
}

type RequestObjectOptions struct {
	Iss          string
	Aud          string
	Nonce        string
	State        string
	Scope        string
	ResponseType string
	ResponseMode string
	RedirectURI  string
	ResponseURI  string

	ClientMetadata      *ClientMetadata
	DCQLQuery           *document.DCQLQuery
	X509CertificateInfo *X509CertificateInfo

	Logger *zap.Logger
}

func (o *RequestObjectOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// GenerateRequestObjectPayload builds the authorization request for
// clientID. nonce and state default to 32 random bytes.
func GenerateRequestObjectPayload(clientID string, opts RequestObjectOptions) (*RequestObject, error) {
	if opts.RedirectURI == "" && opts.ResponseURI == "" {
		return nil, &MissingURIError{Message: "Either redirectUri or responseUri must be provided."}
	}
	if opts.RedirectURI != "" && opts.ResponseURI != "" {
		return nil, &MissingURIError{Message: "Both redirectUri and responseUri cannot be provided simultaneously."}
	}

	parsed := clientid.Parse(clientID)
	if parsed == nil {
		return nil, &UnsupportedClientIDSchemeError{Message: fmt.Sprintf(
			"Client ID must include a valid prefix (redirect_uri:, x509_san_dns:, or x509_hash:). Got: %s", clientID)}
	}
	if parsed.Prefix == clientid.RedirectURI && opts.X509CertificateInfo != nil {
		opts.logger().Warn("redirect_uri prefix cannot be used with signed requests, the wallet will ignore the signature",
			zap.String("client_id", clientID))
	}

	ro := &RequestObject{
		ClientID:       clientID,
		Nonce:          opts.Nonce,
		State:          opts.State,
		ResponseType:   opts.ResponseType,
		ResponseMode:   opts.ResponseMode,
		Scope:          opts.Scope,
		ResponseURI:    opts.ResponseURI,
		ClientMetadata: opts.ClientMetadata,
		DCQLQuery:      opts.DCQLQuery,
	}
	if ro.ResponseURI == "" {
		ro.RedirectURI = opts.RedirectURI
	}
	if ro.ResponseType == "" {
		ro.ResponseType = ResponseTypeVPToken
	}
	if ro.ResponseMode == "" {
		ro.ResponseMode = ResponseModeFragment
	}

	var err error
	if ro.Nonce == "" {
		if ro.Nonce, err = RandomString(); err != nil {
			return nil, err
		}
	}
	if ro.State == "" {
		if ro.State, err = RandomString(); err != nil {
			return nil, err
		}
	}
	return ro, nil
}

// GenerateRequestObjectJWT signs the authorization request with issuerKey.
// The algorithm follows the key: ES256 for P-256, ES256K for other curves,
// EdDSA for OKP keys.
func GenerateRequestObjectJWT(clientID string, issuerKey jwk.Key, opts RequestObjectOptions) (string, error) {
	if issuerKey == nil {
		return "", &MissingSignerKeyError{Message: "The provided client_id_scheme needs to sign request object"}
	}
	alg, err := jose.SignatureAlgorithm(issuerKey)
	if err != nil {
		return "", err
	}

	header := map[string]interface{}{
		"alg": alg.String(),
		"typ": "JWT",
	}
	if name, value := opts.X509CertificateInfo.header(); name != "" {
		header[name] = value
	}

	ro, err := GenerateRequestObjectPayload(clientID, opts)
	if err != nil {
		return "", err
	}
	ro.Iss = opts.Iss
	if ro.Iss == "" {
		ro.Iss = clientID
	}
	ro.Aud = opts.Aud
	if ro.Aud == "" {
		ro.Aud = DefaultAudience
	}

	claims, err := ro.claims()
	if err != nil {
		return "", err
	}
	return jose.IssueJWT(header, claims, issuerKey)
}

type ClientMetadataOptions struct {
	ClientName string
	LogoURI    string
	PolicyURI  string
	TosURI     string
}

// GenerateClientMetadata returns metadata advertising jwt_vp with ES256.
func GenerateClientMetadata(clientID string, opts ClientMetadataOptions) *ClientMetadata {
	return &ClientMetadata{
		ClientID: clientID,
		VPFormats: VPFormats{
			"jwt_vp": {Alg: []string{"ES256"}},
		},
		ClientName: opts.ClientName,
		LogoURI:    opts.LogoURI,
		PolicyURI:  opts.PolicyURI,
		TosURI:     opts.TosURI,
	}
}
