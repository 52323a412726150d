package pki

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	pemBegin = "-----BEGIN CERTIFICATE-----"
	pemEnd   = "-----END CERTIFICATE-----"
)

var trustedExtensions = []string{".pem", ".crt", ".cer"}

// ParseCertificate accepts a PEM block or a base64 (std or url, padded or not)
// encoded DER certificate, which are the two forms x5c values show up in.
func ParseCertificate(s string) (*x509.Certificate, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-----BEGIN") {
		block, _ := pem.Decode([]byte(s))
		if block == nil || block.Type != "CERTIFICATE" {
			return nil, errors.New("failed to decode PEM certificate")
		}
		return x509.ParseCertificate(block.Bytes)
	}

	der, err := decodeBase64(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode certificate")
	}
	return x509.ParseCertificate(der)
}

// ParseCertificates parses a leaf-first list of x5c values.
func ParseCertificates(certs []string) ([]*x509.Certificate, error) {
	parsed := make([]*x509.Certificate, 0, len(certs))
	for i, c := range certs {
		cert, err := ParseCertificate(c)
		if err != nil {
			return nil, errors.Wrapf(err, "certificate %d", i)
		}
		parsed = append(parsed, cert)
	}
	return parsed, nil
}

// CertificateStringToArray splits a PEM bundle into base64 DER strings.
// Literal "\n" sequences are accepted since bundles often come from env files.
func CertificateStringToArray(bundle string) []string {
	bundle = strings.ReplaceAll(bundle, `\n`, "\n")

	var certs []string
	for _, part := range strings.Split(bundle, pemEnd) {
		part = strings.ReplaceAll(part, pemBegin, "")
		part = strings.ReplaceAll(part, "\r", "")
		part = strings.ReplaceAll(part, "\n", "")
		part = strings.TrimSpace(part)
		if part != "" {
			certs = append(certs, part)
		}
	}
	return certs
}

// LoadTrustedCertificates reads every .pem, .crt and .cer file in dir. Files
// may hold several PEM blocks or a single DER certificate. Unreadable files
// are reported through skip and otherwise ignored.
func LoadTrustedCertificates(dir string, skip func(path string, err error)) ([]*x509.Certificate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read certificates directory")
	}

	var certs []*x509.Certificate
	for _, entry := range entries {
		if entry.IsDir() || !IsCertificateFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		loaded, err := ReadCertificateFile(path)
		if err != nil {
			if skip != nil {
				skip(path, err)
			}
			continue
		}
		certs = append(certs, loaded...)
	}
	return certs, nil
}

// ReadCertificateFile loads all certificates in a PEM bundle or a DER file.
func ReadCertificateFile(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeCertificates(data)
}

// DecodeCertificates decodes every CERTIFICATE block in data, falling back to
// DER when data is not PEM.
func DecodeCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "invalid certificate")
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, errors.Wrap(err, "no certificate found")
	}
	return []*x509.Certificate{cert}, nil
}

func IsCertificateFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range trustedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
