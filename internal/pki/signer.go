package pki

import (
	"crypto/x509"
)

// CASigner signs certificate templates on behalf of a certificate authority.
// FileSigner holds the CA key in memory; other implementations may keep it in
// an HSM and only expose signing.
type CASigner interface {
	// SignCertificate signs a fully populated template and returns the DER-encoded certificate.
	// template.PublicKey must be set to the subject's public key.
	SignCertificate(template *x509.Certificate) ([]byte, error)

	// GetCACertificate returns the CA certificate used as issuer and trust anchor.
	GetCACertificate() (*x509.Certificate, error)
}
