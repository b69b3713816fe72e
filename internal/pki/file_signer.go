package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// FileSigner implements CASigner with a CA private key held in memory, loaded
// from a PEM file or generated by NewCA.
// This is intended for local development only - not for production use.
type FileSigner struct {
	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate
}

// NewFileSigner creates a new FileSigner from PEM-encoded key and certificate files.
// The key may be PKCS#8 or SEC1 encoded but must be ECDSA.
func NewFileSigner(caKeyPath, caCertPath string) (*FileSigner, error) {
	keyData, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key file: %w", err)
	}

	caKey, err := ParseECPrivateKeyPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA private key: %w", err)
	}

	certData, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert file: %w", err)
	}

	caCert, err := ParseCertificatePEM(certData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return NewSigner(caCert, caKey)
}

// NewSigner creates a FileSigner from an already parsed CA certificate and key.
func NewSigner(caCert *x509.Certificate, caKey *ecdsa.PrivateKey) (*FileSigner, error) {
	if err := verifyCertKeyPair(caCert, caKey); err != nil {
		return nil, fmt.Errorf("CA key and certificate do not match: %w", err)
	}

	return &FileSigner{
		caKey:  caKey,
		caCert: caCert,
	}, nil
}

// SignCertificate signs a certificate template using the CA private key.
// Returns DER-encoded certificate bytes.
func (s *FileSigner) SignCertificate(template *x509.Certificate) ([]byte, error) {
	return x509.CreateCertificate(rand.Reader, template, s.caCert, template.PublicKey, s.caKey)
}

// GetCACertificate returns the CA certificate.
func (s *FileSigner) GetCACertificate() (*x509.Certificate, error) {
	return s.caCert, nil
}

// Key returns the CA private key so it can be written out by bootstrap.
func (s *FileSigner) Key() *ecdsa.PrivateKey {
	return s.caKey
}

// ParseCertificatePEM parses the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no CERTIFICATE PEM block found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// ParseECPrivateKeyPEM parses a PKCS#8 or SEC1 encoded ECDSA private key.
func ParseECPrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode key PEM")
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not ECDSA (got %T)", key)
		}
		return ecKey, nil
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported key PEM type %q", block.Type)
	}
}

// verifyCertKeyPair checks that a certificate's public key matches a private key
func verifyCertKeyPair(cert *x509.Certificate, key crypto.PrivateKey) error {
	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("private key is not ECDSA")
	}

	certPubKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate public key is not ECDSA")
	}

	if !ecdsaKey.PublicKey.Equal(certPubKey) {
		return fmt.Errorf("public keys do not match")
	}

	return nil
}
