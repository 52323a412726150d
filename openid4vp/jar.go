package openid4vp

import (
	"fmt"
	"net/url"
)

// JWTSecuredAuthorizeRequest references a signed request object by URI.
// https://www.rfc-editor.org/rfc/rfc9101.html
type JWTSecuredAuthorizeRequest struct {
	AuthorizeEndpoint string
	ClientID          string `json:"client_id"`
	RequestURI        string `json:"request_uri"`
}

func (a *JWTSecuredAuthorizeRequest) String() string {
	return fmt.Sprintf(
		"%s?client_id=%s&request_uri=%s",
		a.AuthorizeEndpoint, url.QueryEscape(a.ClientID), url.QueryEscape(a.RequestURI))
}

// RequestURIFor is the request_uri of the request object for requestID.
func RequestURIFor(base, requestID string) string {
	return fmt.Sprintf("%s?id=%s", base, url.QueryEscape(requestID))
}

// AuthorizationRequestString renders unsigned parameters for the authorize
// endpoint. Encode sorts by key.
func AuthorizationRequestString(endpoint string, params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return endpoint + "?" + values.Encode()
}
