package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeSelfSignedCert(t *testing.T, dir string) (certPath, keyPath string, leaf *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "veloxdb-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err = x509.ParseCertificate(der)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "node.crt")
	keyPath = filepath.Join(dir, "node.key")

	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600))
	return certPath, keyPath, leaf
}

func TestLoadCertFromFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, leaf := writeSelfSignedCert(t, dir)

	cert, err := LoadCertFromFiles(certPath, keyPath)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	require.Equal(t, leaf.SerialNumber, cert.Leaf.SerialNumber)
}

func TestLoadCACertFromFile(t *testing.T) {
	dir := t.TempDir()
	certPath, _, leaf := writeSelfSignedCert(t, dir)

	ca, err := LoadCACertFromFile(certPath)
	require.NoError(t, err)
	require.Equal(t, leaf.SerialNumber, ca.SerialNumber)
}

func TestBuildServerTLSConfigDisabled(t *testing.T) {
	cfg, err := BuildServerTLSConfig(Config{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestBuildServerTLSConfigWithMutualTLS(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, _ := writeSelfSignedCert(t, dir)

	cfg, err := BuildServerTLSConfig(Config{
		Enabled:              true,
		CertificateStorePath: certPath,
		CertificateKeyPath:   keyPath,
		CACertificatePath:    certPath,
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Len(t, cfg.Certificates, 1)
	require.NotNil(t, cfg.ClientCAs)
}

func TestNeedsRotation(t *testing.T) {
	dir := t.TempDir()
	_, _, leaf := writeSelfSignedCert(t, dir)
	// Certificate expires 24h from now, well outside the 30-day threshold.
	require.True(t, NeedsRotation(leaf))
	require.True(t, TimeRemaining(leaf) > 0)
	require.True(t, NeedsRotation(nil))
}
