package responseendpoint

import (
	"context"
	"encoding/json"
)

// VpRequest is the transaction held by the Response Endpoint.
type VpRequest struct {
	ID                               string `json:"id"`
	Nonce                            string `json:"nonce,omitempty"`
	ResponseType                     string `json:"responseType"`
	RedirectURIReturnedByResponseURI string `json:"redirectUriReturnedByResponseUri,omitempty"`
	TransactionID                    string `json:"transactionId,omitempty"`
	IssuedAt                         int64  `json:"issuedAt"`
	ExpiredIn                        int64  `json:"expiredIn"`
	// Ephemeral response encryption key, JWK JSON.
	EncryptionPublicJWK  string `json:"encryptionPublicJwk,omitempty"`
	EncryptionPrivateJWK string `json:"encryptionPrivateJwk,omitempty"`
	// DCQL credential queries, JSON.
	DCQLQuery string `json:"dcqlQuery,omitempty"`
}

type AuthResponsePayload struct {
	// VPToken is the DCQL map of query id to presentations. It stays a string
	// when the wallet sent one that is not JSON.
	VPToken                interface{} `json:"vpToken,omitempty"`
	PresentationSubmission string      `json:"presentationSubmission,omitempty"`
	IDToken                string      `json:"idToken,omitempty"`
}

// AuthResponse is stored under its response code.
type AuthResponse struct {
	ID        string              `json:"id"`
	RequestID string              `json:"requestId"`
	Payload   AuthResponsePayload `json:"payload"`
	IssuedAt  int64               `json:"issuedAt"`
	ExpiredIn int64               `json:"expiredIn"`
}

// Datastore persists requests and responses. Getters return nil, nil for
// unknown ids. GetResponse must redeem the code atomically: once it has
// returned a response, every later call for the same code returns nil.
type Datastore interface {
	SaveRequest(ctx context.Context, request *VpRequest) error
	GetRequest(ctx context.Context, requestID string) (*VpRequest, error)
	SaveResponse(ctx context.Context, response *AuthResponse) error
	GetResponse(ctx context.Context, responseCode string) (*AuthResponse, error)
}

// KeyReleaser is implemented by datastores that can drop a request's
// encryption private key with a compare-and-swap. ReleaseEncryptionKey returns
// false when the stored key is no longer privateJWK.
type KeyReleaser interface {
	ReleaseEncryptionKey(ctx context.Context, requestID, privateJWK string) (bool, error)
}

// TransactionConfig configures InitiateTransaction.
type TransactionConfig struct {
	ResponseType                     string
	RedirectURIReturnedByResponseURI string
	UseTransactionID                 bool
	// ExpiredIn is in seconds, 3600 when zero.
	ExpiredIn        int64
	EnableEncryption bool
}

type ReceiveOptions struct {
	// ExpiredIn of the stored response in seconds, 3600 when zero.
	ExpiredIn int64
	// GenerateID overrides the response code generator.
	GenerateID           func() string
	VerificationCallback VerificationCallback
}

type ReceiveResult struct {
	RedirectURI        string
	ResponseCode       string
	RequestID          string
	VerificationResult *VPTokenVerificationResult
}

// walletPayload is a direct_post body, or the decrypted direct_post.jwt body.
type walletPayload struct {
	State                  string      `mapstructure:"state"`
	Response               string      `mapstructure:"response"`
	VPToken                interface{} `mapstructure:"vp_token"`
	IDToken                string      `mapstructure:"id_token"`
	PresentationSubmission interface{} `mapstructure:"presentation_submission"`
}

func (p *walletPayload) hasVPToken() bool {
	switch v := p.VPToken.(type) {
	case nil:
		return false
	case string:
		return v != ""
	}
	return true
}

func (p *walletPayload) submission() string {
	switch v := p.PresentationSubmission.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	b, err := json.Marshal(p.PresentationSubmission)
	if err != nil {
		return ""
	}
	return string(b)
}
