// Package credential verifies SD-JWT presentations found in a DCQL vp_token.
package credential

import (
	"context"
	"time"

	"github.com/kokukuma/oid4vp-verifier/pkg/jose"
	"github.com/kokukuma/oid4vp-verifier/responseendpoint"
	"go.uber.org/zap"
)

type SDJWTVerifierOption func(*SDJWTVerifier)

func WithLogger(logger *zap.Logger) SDJWTVerifierOption {
	return func(v *SDJWTVerifier) {
		v.logger = logger
	}
}

// WithAudience makes key binding JWTs carry aud, usually the client_id.
func WithAudience(aud string) SDJWTVerifierOption {
	return func(v *SDJWTVerifier) {
		v.audience = aud
	}
}

func WithClock(now func() time.Time) SDJWTVerifierOption {
	return func(v *SDJWTVerifier) {
		v.clock = now
	}
}

// SDJWTVerifier checks the issuer signature, certificate chain and key
// binding of SD-JWT presentations.
type SDJWTVerifier struct {
	chain    jose.CertificateChainVerifier
	logger   *zap.Logger
	audience string
	clock    func() time.Time
}

func NewSDJWTVerifier(chain jose.CertificateChainVerifier, opts ...SDJWTVerifierOption) *SDJWTVerifier {
	v := &SDJWTVerifier{
		chain:  chain,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify verifies credential and requires a key binding JWT for nonce.
func (v *SDJWTVerifier) Verify(_ context.Context, credential, nonce string) (*jose.VerifiedSDJWT, error) {
	return jose.VerifySDJWT(credential, jose.SDJWTVerifyOptions{
		KeySetting: jose.KeySetting{
			ChainVerifier: v.chain,
			Logger:        v.logger,
			Clock:         v.clock,
		},
		KeyBinding:        jose.ExpectKeyBinding(v.audience, nonce),
		RequireKeyBinding: true,
	})
}

// VerifyCredential lets the Response Endpoint verify presentations as they
// arrive.
func (v *SDJWTVerifier) VerifyCredential(ctx context.Context, credential, nonce string) (*responseendpoint.CredentialVerification, error) {
	verified, err := v.Verify(ctx, credential, nonce)
	if err != nil {
		return nil, err
	}
	meta := verified.Metadata
	return &responseendpoint.CredentialVerification{
		DecodedPayload: verified.Claims,
		Metadata:       &meta,
	}, nil
}
