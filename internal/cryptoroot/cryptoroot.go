package cryptoroot

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"hash"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Chain is a root CA plus one end-entity certificate issued by it.
type Chain struct {
	RootKey  *ecdsa.PrivateKey
	RootCert *x509.Certificate
	LeafKey  crypto.Signer
	LeafCert *x509.Certificate
}

// X5C returns the chain leaf-first as standard base64 DER, the x5c header form.
func (c *Chain) X5C() []string {
	return []string{
		base64.StdEncoding.EncodeToString(c.LeafCert.Raw),
		base64.StdEncoding.EncodeToString(c.RootCert.Raw),
	}
}

// NewChain creates a throwaway root and an ECDSA P-256 leaf with the given SANs.
func NewChain(dnsNames ...string) (*Chain, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	rootCert, err := createRootCertificate(rootKey, "OID4VP Verifier Root CA")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create root certificate")
	}
	return issueLeaf(rootKey, rootCert, dnsNames)
}

// NewChainWithKey is NewChain for a caller supplied leaf key (e.g. ed25519).
func NewChainWithKey(leafKey crypto.Signer, dnsNames ...string) (*Chain, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	rootCert, err := createRootCertificate(rootKey, "OID4VP Verifier Root CA")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create root certificate")
	}
	leafCert, err := createEndEntityCertificate(leafKey.Public(), dnsNames, rootCert, rootKey, 2)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create end-entity certificate")
	}
	return &Chain{RootKey: rootKey, RootCert: rootCert, LeafKey: leafKey, LeafCert: leafCert}, nil
}

// LoadOrCreateChain keeps the root key and certificate under dir so that a
// development verifier presents the same trust anchor across restarts. The
// leaf is issued fresh each time.
func LoadOrCreateChain(dir string, dnsNames ...string) (*Chain, error) {
	rootKeyPath := filepath.Join(dir, "rootKey.pem")
	rootCertPath := filepath.Join(dir, "rootCert.pem")

	if fileExists(rootKeyPath) && fileExists(rootCertPath) {
		rootKey, err := readPEMFile(rootKeyPath)
		if err != nil {
			return nil, err
		}
		rootCert, err := readCertificatePEM(rootCertPath)
		if err != nil {
			return nil, err
		}
		return issueLeaf(rootKey, rootCert, dnsNames)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", dir)
	}
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := writePEMFile(rootKey, rootKeyPath); err != nil {
		return nil, err
	}
	rootCert, err := createRootCertificate(rootKey, "OID4VP Verifier Root CA")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create root certificate")
	}
	if err := writeCertificatePEM(rootCert, rootCertPath); err != nil {
		return nil, err
	}
	return issueLeaf(rootKey, rootCert, dnsNames)
}

func issueLeaf(rootKey *ecdsa.PrivateKey, rootCert *x509.Certificate, dnsNames []string) (*Chain, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	leafCert, err := createEndEntityCertificate(&leafKey.PublicKey, dnsNames, rootCert, rootKey, 2)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create end-entity certificate")
	}
	return &Chain{RootKey: rootKey, RootCert: rootCert, LeafKey: leafKey, LeafCert: leafCert}, nil
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil
}

func CalcKID(pub *ecdsa.PublicKey, hashAlgo string) []byte {
	b := elliptic.Marshal(pub.Curve, pub.X, pub.Y)

	var h hash.Hash
	switch hashAlgo {
	case "sha1":
		h = sha1.New()
	default:
		h = sha256.New()
	}

	h.Write(b)
	return h.Sum(nil)
}
