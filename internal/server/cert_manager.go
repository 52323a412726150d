package server

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kokukuma/oid4vp-verifier/pkg/hash"
	"github.com/kokukuma/oid4vp-verifier/pkg/pki"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrInvalidFilename = errors.New("invalid filename")

// CertManager keeps the trusted issuer roots loaded from a directory. It is
// the pki.TrustStore behind credential chain validation, so reloads take
// effect on the next verification.
type CertManager struct {
	mu      sync.RWMutex
	pemsDir string
	certs   []*x509.Certificate
	logger  *zap.Logger
}

type CertInfo struct {
	Filename    string `json:"filename"`
	Subject     string `json:"subject"`
	Issuer      string `json:"issuer"`
	ValidFrom   string `json:"valid_from"`
	ValidTo     string `json:"valid_to"`
	Fingerprint string `json:"fingerprint"`
}

func NewCertManager(pemsDir string, logger *zap.Logger) (*CertManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cm := &CertManager{
		pemsDir: pemsDir,
		logger:  logger,
	}
	if err := cm.ReloadCertificates(); err != nil {
		return nil, err
	}
	return cm, nil
}

// TrustedCertificates implements pki.TrustStore.
func (cm *CertManager) TrustedCertificates() []*x509.Certificate {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.certs
}

func (cm *CertManager) ReloadCertificates() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.reloadCertificatesNoLock()
}

// reloadCertificatesNoLock must be called with mu held.
func (cm *CertManager) reloadCertificatesNoLock() error {
	certs, err := pki.LoadTrustedCertificates(cm.pemsDir, func(path string, err error) {
		cm.logger.Warn("skipped certificate file", zap.String("path", path), zap.Error(err))
	})
	if err != nil {
		return err
	}
	cm.logger.Info("loaded trusted certificates", zap.String("dir", cm.pemsDir), zap.Int("count", len(certs)))
	cm.certs = certs
	return nil
}

func certInfo(filename string, cert *x509.Certificate) CertInfo {
	return CertInfo{
		Filename:    filename,
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		ValidFrom:   cert.NotBefore.Format("2006-01-02"),
		ValidTo:     cert.NotAfter.Format("2006-01-02"),
		Fingerprint: fmt.Sprintf("%X", hash.Digest(cert.Raw, "SHA-256")),
	}
}

// ListCertificates describes the first certificate of each file.
func (cm *CertManager) ListCertificates() ([]CertInfo, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	files, err := os.ReadDir(cm.pemsDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read certificates directory")
	}

	certs := []CertInfo{}
	for _, file := range files {
		if file.IsDir() || !pki.IsCertificateFile(file.Name()) {
			continue
		}
		loaded, err := pki.ReadCertificateFile(filepath.Join(cm.pemsDir, file.Name()))
		if err != nil {
			cm.logger.Warn("failed to read certificate", zap.String("file", file.Name()), zap.Error(err))
			continue
		}
		certs = append(certs, certInfo(file.Name(), loaded[0]))
	}
	return certs, nil
}

// cleanFilename rejects anything that would leave pemsDir.
func cleanFilename(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", ErrInvalidFilename
	}
	if !pki.IsCertificateFile(filename) {
		filename += ".pem"
	}
	return filename, nil
}

func (cm *CertManager) AddCertificate(filename string, certData []byte) error {
	filename, err := cleanFilename(filename)
	if err != nil {
		return err
	}
	if _, err := pki.DecodeCertificates(certData); err != nil {
		return errors.Wrap(err, "invalid certificate data")
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if err := os.WriteFile(filepath.Join(cm.pemsDir, filename), certData, 0o644); err != nil {
		return errors.Wrap(err, "failed to write certificate file")
	}
	return cm.reloadCertificatesNoLock()
}

func (cm *CertManager) DeleteCertificate(filename string) error {
	filename, err := cleanFilename(filename)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if err := os.Remove(filepath.Join(cm.pemsDir, filename)); err != nil {
		return errors.Wrap(err, "failed to delete certificate file")
	}
	return cm.reloadCertificatesNoLock()
}

func (cm *CertManager) GetCertificate(filename string) (*CertInfo, []byte, error) {
	filename, err := cleanFilename(filename)
	if err != nil {
		return nil, nil, err
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(cm.pemsDir, filename))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read certificate file")
	}
	certs, err := pki.DecodeCertificates(data)
	if err != nil {
		return nil, nil, err
	}
	info := certInfo(filename, certs[0])
	return &info, data, nil
}

var _ pki.TrustStore = (*CertManager)(nil)
