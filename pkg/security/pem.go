package security

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// firstPEMCertificate decodes the first CERTIFICATE block in raw.
func firstPEMCertificate(raw []byte) (*x509.Certificate, error) {
	for len(raw) > 0 {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse CA certificate: %w", err)
		}
		return cert, nil
	}
	return nil, fmt.Errorf("no CERTIFICATE PEM block found")
}
