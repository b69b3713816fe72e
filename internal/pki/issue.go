// Package pki issues the certificates used to run and exercise the mTLS
// listener: a CA acting as trust anchor for client certificates, the server
// certificate, and client certificates whose commonName is the client identity.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 90 * 24 * time.Hour
)

// Bundle is an issued certificate with its private key.
type Bundle struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey

	// Chain holds the issuer certificates after the leaf, if any.
	Chain []*x509.Certificate
}

// CertPEM returns the leaf followed by the chain as PEM blocks.
func (b *Bundle) CertPEM() []byte {
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b.Cert.Raw})
	for _, c := range b.Chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// KeyPEM returns the private key as a PKCS#8 PEM block.
func (b *Bundle) KeyPEM() ([]byte, error) {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(b.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}), nil
}

// TLSCertificate returns the bundle as a tls.Certificate.
func (b *Bundle) TLSCertificate() tls.Certificate {
	chain := [][]byte{b.Cert.Raw}
	for _, c := range b.Chain {
		chain = append(chain, c.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  b.Key,
		Leaf:        b.Cert,
	}
}

// WriteFiles writes the certificate chain and PKCS#8 key to the given paths.
func (b *Bundle) WriteFiles(certPath, keyPath string) error {
	if err := os.WriteFile(certPath, b.CertPEM(), 0600); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyPEM, err := b.KeyPEM()
	if err != nil {
		return err
	}

	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}

	return nil
}

// NewCA generates a self-signed ECDSA P-256 CA and returns a signer for it.
func NewCA(commonName string) (*FileSigner, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"certgate"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return NewSigner(caCert, caKey)
}

// IssueServerCertificate issues a server certificate valid for hosts, which may
// be DNS names or IP addresses.
func IssueServerCertificate(signer CASigner, hosts ...string) (*Bundle, error) {
	template := &x509.Certificate{
		Subject: pkix.Name{
			Organization: []string{"certgate"},
		},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if len(hosts) > 0 {
		template.Subject.CommonName = hosts[0]
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	return Issue(signer, template)
}

// IssueClientCertificate issues a client certificate whose subject commonName
// is commonName. An empty commonName produces a subject without one.
func IssueClientCertificate(signer CASigner, commonName string) (*Bundle, error) {
	template := &x509.Certificate{
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"certgate"},
		},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	return Issue(signer, template)
}

// Issue generates a key for template, fills in the serial number and validity
// when unset, and signs it.
func Issue(signer CASigner, template *x509.Certificate) (*Bundle, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if template.SerialNumber == nil {
		if template.SerialNumber, err = newSerialNumber(); err != nil {
			return nil, err
		}
	}
	if template.NotBefore.IsZero() {
		template.NotBefore = time.Now().Add(-time.Minute)
	}
	if template.NotAfter.IsZero() {
		template.NotAfter = time.Now().Add(leafValidity)
	}
	template.PublicKey = &key.PublicKey

	der, err := signer.SignCertificate(template)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Bundle{Cert: cert, Key: key}, nil
}

// CABundle returns the CA certificate and key of a FileSigner as a Bundle.
func CABundle(signer *FileSigner) *Bundle {
	return &Bundle{Cert: signer.caCert, Key: signer.caKey}
}

func newSerialNumber() (*big.Int, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serialNumber, nil
}
