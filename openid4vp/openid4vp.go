// Package openid4vp builds OpenID for Verifiable Presentations 1.0
// authorization requests.
//
// https://openid.net/specs/openid-4-verifiable-presentations-1_0.html
package openid4vp

import (
	"encoding/json"

	"github.com/kokukuma/oid4vp-verifier/document"
)

const (
	ResponseTypeVPToken        = "vp_token"
	ResponseTypeIDToken        = "id_token"
	ResponseTypeVPTokenIDToken = "vp_token id_token"

	ResponseModeDirectPost    = "direct_post"
	ResponseModeDirectPostJWT = "direct_post.jwt"
	ResponseModeFragment      = "fragment"
	ResponseModeQuery         = "query"

	// DefaultAudience is the static audience of a request object.
	DefaultAudience = "https://self-issued.me/v2"

	RequestObjectContentType = "application/oauth-authz-req+jwt"
)

// RequestObject is the authorization request, signed or sent as parameters.
type RequestObject struct {
	ClientID       string              `json:"client_id"`
	Nonce          string              `json:"nonce"`
	State          string              `json:"state"`
	ResponseType   string              `json:"response_type"`
	ResponseMode   string              `json:"response_mode"`
	Scope          string              `json:"scope,omitempty"`
	ResponseURI    string              `json:"response_uri,omitempty"`
	RedirectURI    string              `json:"redirect_uri,omitempty"`
	ClientMetadata *ClientMetadata     `json:"client_metadata,omitempty"`
	DCQLQuery      *document.DCQLQuery `json:"dcql_query,omitempty"`
	Iss            string              `json:"iss,omitempty"`
	Aud            string              `json:"aud,omitempty"`
}

// ClientMetadata is the Verifier metadata passed by value in the request.
type ClientMetadata struct {
	ClientID                            string    `json:"client_id,omitempty"`
	VPFormats                           VPFormats `json:"vp_formats"`
	ClientName                          string    `json:"client_name,omitempty"`
	LogoURI                             string    `json:"logo_uri,omitempty"`
	PolicyURI                           string    `json:"policy_uri,omitempty"`
	TosURI                              string    `json:"tos_uri,omitempty"`
	JWKS                                *JWKSet   `json:"jwks,omitempty"`
	EncryptedResponseEncValuesSupported []string  `json:"encrypted_response_enc_values_supported,omitempty"`
}

type VPFormats map[string]FormatAlgs

type FormatAlgs struct {
	Alg []string `json:"alg"`
}

// JWKSet holds the public encryption keys of a transaction.
type JWKSet struct {
	Keys []json.RawMessage `json:"keys"`
}

// Params returns the request as unsigned authorization request parameters.
// Nested objects are JSON-stringified so they survive a query string.
func (r *RequestObject) Params() (map[string]string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}

	params := make(map[string]string, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			params[k] = val
		default:
			enc, err := json.Marshal(val)
			if err != nil {
				return nil, err
			}
			params[k] = string(enc)
		}
	}
	return params, nil
}

// claims converts the request object into a JWT claim set.
func (r *RequestObject) claims() (map[string]interface{}, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(b, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}
