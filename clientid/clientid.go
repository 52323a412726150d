// Package clientid handles OpenID4VP 1.0 Client Identifier Prefixes.
//
// https://openid.net/specs/openid-4-verifiable-presentations-1_0.html#name-client-identifier-prefix-an
package clientid

import (
	"crypto/x509"
	"fmt"
	"net/url"
	"strings"

	"github.com/kokukuma/oid4vp-verifier/pkg/hash"
	"github.com/kokukuma/oid4vp-verifier/pkg/pki"
	"github.com/ory/go-convenience/stringslice"
)

type Prefix string

const (
	RedirectURI Prefix = "redirect_uri"
	X509SanDNS  Prefix = "x509_san_dns"
	X509Hash    Prefix = "x509_hash"
)

var prefixes = []Prefix{RedirectURI, X509SanDNS, X509Hash}

// ClientID is a parsed Client Identifier.
type ClientID struct {
	Prefix Prefix
	Value  string
	Raw    string
}

func (c ClientID) String() string {
	return c.Raw
}

// Parse returns nil when raw carries no recognized prefix.
func Parse(raw string) *ClientID {
	for _, prefix := range prefixes {
		p := string(prefix) + ":"
		if strings.HasPrefix(raw, p) {
			return &ClientID{
				Prefix: prefix,
				Value:  strings.TrimPrefix(raw, p),
				Raw:    raw,
			}
		}
	}
	return nil
}

func Format(prefix Prefix, value string) string {
	return fmt.Sprintf("%s:%s", prefix, value)
}

// CalculateX509Hash returns base64url(SHA-256(DER)) of cert, unpadded.
func CalculateX509Hash(cert *x509.Certificate) string {
	return hash.B64Digest(cert.Raw, "SHA-256")
}

// ValidationError explains why a client identifier does not fit its key material.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks clientID against the x5c chain the request object will be
// signed with. x5c is leaf-first; only x5c[0] is inspected.
func Validate(clientID string, x5c []string) error {
	parsed := Parse(clientID)
	if parsed == nil {
		return invalid("No valid Client Identifier Prefix found")
	}

	switch parsed.Prefix {
	case RedirectURI:
		u, err := url.Parse(parsed.Value)
		if err != nil || !u.IsAbs() {
			return invalid("Invalid URL in redirect_uri prefix")
		}
		return nil

	case X509SanDNS:
		if len(x5c) == 0 {
			return invalid("x5c header is required for x509_san_dns prefix")
		}
		cert, err := pki.ParseCertificate(x5c[0])
		if err != nil {
			return invalid("Failed to validate SAN DNS name: %v", err)
		}
		if !stringslice.Has(cert.DNSNames, parsed.Value) {
			return invalid("Client ID DNS name '%s' does not match SAN DNS names: %s",
				parsed.Value, strings.Join(cert.DNSNames, ", "))
		}
		return nil

	case X509Hash:
		if len(x5c) == 0 {
			return invalid("x5c header is required for x509_hash prefix")
		}
		cert, err := pki.ParseCertificate(x5c[0])
		if err != nil {
			return invalid("Failed to calculate certificate hash: %v", err)
		}
		calculated := CalculateX509Hash(cert)
		if calculated != parsed.Value {
			return invalid("Certificate hash mismatch. Expected: %s, Got: %s", parsed.Value, calculated)
		}
		return nil
	}

	return invalid("Unsupported Client Identifier Prefix: %s", parsed.Prefix)
}
