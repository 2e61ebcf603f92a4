package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// certRotationThreshold is how far ahead of expiry a certificate is
// reported as needing rotation.
const certRotationThreshold = 30 * 24 * time.Hour

// Config mirrors the SSLConfiguration block.
type Config struct {
	Enabled              bool
	CACertificatePath    string
	CertificateKeyPath   string
	CertificateStorePath string
	Password             string
}

// BuildServerTLSConfig loads the certificate/key pair named by cfg and,
// when CACertificatePath is set, configures client-certificate
// verification for mutual TLS. It returns nil, nil when cfg.Enabled is
// false, signaling that the caller should listen in plaintext.
func BuildServerTLSConfig(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := LoadCertFromFiles(cfg.CertificateStorePath, cfg.CertificateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("security: load server certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CACertificatePath != "" {
		caCert, err := LoadCACertFromFile(cfg.CACertificatePath)
		if err != nil {
			return nil, fmt.Errorf("security: load CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AddCert(caCert)
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsCfg, nil
}

// BuildClientTLSConfig builds a client-side *tls.Config trusting the CA
// named by cfg, for connections an endpoint or replication peer makes
// to a remote node.
func BuildClientTLSConfig(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACertificatePath != "" {
		caCert, err := LoadCACertFromFile(cfg.CACertificatePath)
		if err != nil {
			return nil, fmt.Errorf("security: load CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AddCert(caCert)
		tlsCfg.RootCAs = pool
	}

	if cfg.CertificateStorePath != "" && cfg.CertificateKeyPath != "" {
		cert, err := LoadCertFromFiles(cfg.CertificateStorePath, cfg.CertificateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("security: load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{*cert}
	}

	return tlsCfg, nil
}

// LoadCertFromFiles loads a PEM certificate/key pair from disk and
// populates the Leaf field so callers can inspect expiry without a
// second parse.
func LoadCertFromFiles(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load certificate pair: %w", err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}

	return &cert, nil
}

// LoadCACertFromFile loads a single PEM-encoded CA certificate.
func LoadCACertFromFile(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("no valid PEM certificate found in %s", path)
	}

	// Re-parse directly to return a single *x509.Certificate rather than a pool.
	block, err := firstPEMCertificate(raw)
	if err != nil {
		return nil, err
	}
	return block, nil
}

// NeedsRotation reports whether cert should be rotated, i.e. less than
// certRotationThreshold remains until expiry.
func NeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// TimeRemaining returns the duration until cert expires.
func TimeRemaining(cert *x509.Certificate) time.Duration {
	if cert == nil {
		return 0
	}
	return time.Until(cert.NotAfter)
}
