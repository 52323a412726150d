package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// LoadPrivateKey reads an EC PRIVATE KEY (SEC 1) or PRIVATE KEY (PKCS#8) PEM file.
func LoadPrivateKey(dataPath string) (crypto.PrivateKey, error) {
	pemBytes, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(pemBytes)
}

func ParsePrivateKey(pemBytes []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, errors.Errorf("unsupported PEM block type %q", block.Type)
	}
}
