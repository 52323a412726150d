// Package jose wraps lestrrat-go/jwx for the JWT, SD-JWT and JWE operations
// a verifier needs.
package jose

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// KeySource records where the verification key of a JWT came from.
type KeySource string

const (
	KeySourceX5C    KeySource = "x5c"
	KeySourceJWK    KeySource = "jwk"
	KeySourceSecret KeySource = "secret"
)

var ErrUnsupportedPublicKeyType = errors.New("unsupported public key type")

// VerificationMetadata is kept for audit logging of every verified JWT.
type VerificationMetadata struct {
	KeySource                KeySource `json:"keySource"`
	Algorithm                string    `json:"algorithm,omitempty"`
	CertificateChainVerified *bool     `json:"certificateChainVerified,omitempty"`
}

// CertificateChainVerifier is satisfied by pki.ChainVerifier.
type CertificateChainVerifier interface {
	VerifyCertificateChain(certs []string) (*x509.Certificate, error)
}

// Header is the subset of JOSE protected header fields this package reads.
type Header struct {
	Alg string          `json:"alg,omitempty"`
	Enc string          `json:"enc,omitempty"`
	Typ string          `json:"typ,omitempty"`
	Kid string          `json:"kid,omitempty"`
	X5C []string        `json:"x5c,omitempty"`
	X5U string          `json:"x5u,omitempty"`
	JWK json.RawMessage `json:"jwk,omitempty"`
}

// DecodeProtectedHeader reads the first segment of a compact JWS or JWE
// without verifying anything.
func DecodeProtectedHeader(compact string) (*Header, error) {
	seg, err := segment(compact, 0)
	if err != nil {
		return nil, err
	}
	var h Header
	if err := json.Unmarshal(seg, &h); err != nil {
		return nil, errors.Wrap(err, "failed to parse protected header")
	}
	return &h, nil
}

// DecodePayload reads the payload segment of a compact JWS without verifying it.
func DecodePayload(compact string) (map[string]interface{}, error) {
	seg, err := segment(compact, 1)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(seg, &payload); err != nil {
		return nil, errors.Wrap(err, "failed to parse payload")
	}
	return payload, nil
}

func segment(compact string, i int) ([]byte, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 && len(parts) != 5 {
		return nil, errors.Errorf("invalid compact serialization: %d segments", len(parts))
	}
	b, err := base64.RawURLEncoding.DecodeString(parts[i])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode segment %d", i)
	}
	return b, nil
}

func boolPtr(b bool) *bool {
	return &b
}
