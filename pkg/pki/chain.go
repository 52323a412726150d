package pki

import (
	"crypto/x509"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TrustStore supplies the custom trust anchors loaded at process start.
type TrustStore interface {
	TrustedCertificates() []*x509.Certificate
}

// StaticTrustStore is a fixed list of anchors.
type StaticTrustStore []*x509.Certificate

func (s StaticTrustStore) TrustedCertificates() []*x509.Certificate {
	return s
}

type ChainVerifierOption func(*ChainVerifier)

func WithCurrentTime(date time.Time) ChainVerifierOption {
	return func(v *ChainVerifier) {
		v.currentTime = date
	}
}

// WithoutSystemRoots restricts the anchors to the custom trust store.
func WithoutSystemRoots() ChainVerifierOption {
	return func(v *ChainVerifier) {
		v.skipSystemRoots = true
	}
}

func WithLogger(logger *zap.Logger) ChainVerifierOption {
	return func(v *ChainVerifier) {
		v.logger = logger
	}
}

// ChainVerifier validates leaf-first certificate chains against the system
// roots plus the custom trust store.
type ChainVerifier struct {
	trustStore      TrustStore
	skipSystemRoots bool
	currentTime     time.Time
	logger          *zap.Logger
}

func NewChainVerifier(trustStore TrustStore, opts ...ChainVerifierOption) *ChainVerifier {
	v := &ChainVerifier{
		trustStore: trustStore,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyCertificateChain builds a path from certs[0] through the remaining
// certificates to a trust anchor and returns the leaf on success.
func (v *ChainVerifier) VerifyCertificateChain(certs []string) (*x509.Certificate, error) {
	if len(certs) == 0 {
		return nil, errors.New("certificate chain is empty")
	}

	parsed, err := ParseCertificates(certs)
	if err != nil {
		return nil, err
	}
	leaf := parsed[0]

	intermediates := x509.NewCertPool()
	for _, cert := range parsed[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots(),
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if !v.currentTime.IsZero() {
		opts.CurrentTime = v.currentTime
	}

	if _, err := leaf.Verify(opts); err != nil {
		return nil, errors.Wrap(err, "certificate chain verification failed")
	}
	return leaf, nil
}

func (v *ChainVerifier) roots() *x509.CertPool {
	pool := x509.NewCertPool()
	if !v.skipSystemRoots {
		system, err := x509.SystemCertPool()
		if err != nil {
			v.logger.Warn("system root certificates are unavailable", zap.Error(err))
		} else {
			pool = system
		}
	}
	if v.trustStore != nil {
		for _, cert := range v.trustStore.TrustedCertificates() {
			pool.AddCert(cert)
		}
	}
	return pool
}
