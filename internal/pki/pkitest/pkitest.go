// Package pkitest builds throwaway certificate authorities and TLS configs for tests.
package pkitest

import (
	"crypto/tls"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certgate/internal/pki"
)

// Authority is a test CA with a server certificate for localhost.
type Authority struct {
	Signer *pki.FileSigner
	CACert *x509.Certificate
	Server *pki.Bundle
}

// New creates an Authority, failing the test on error.
func New(t testing.TB) *Authority {
	t.Helper()

	signer, err := pki.NewCA("certgate test CA")
	require.NoError(t, err)

	caCert, err := signer.GetCACertificate()
	require.NoError(t, err)

	server, err := pki.IssueServerCertificate(signer, "localhost", "127.0.0.1")
	require.NoError(t, err)

	return &Authority{Signer: signer, CACert: caCert, Server: server}
}

// Pool returns a pool holding only the CA certificate.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.CACert)
	return pool
}

// ServerConfig returns a server config requiring client certificates issued by the CA.
func (a *Authority) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates:           []tls.Certificate{a.Server.TLSCertificate()},
		ClientAuth:             tls.RequireAndVerifyClientCert,
		ClientCAs:              a.Pool(),
		MinVersion:             tls.VersionTLS12,
		NextProtos:             []string{"http/1.1"},
		SessionTicketsDisabled: true,
	}
}

// Client issues a client certificate with the given commonName.
func (a *Authority) Client(t testing.TB, commonName string) *pki.Bundle {
	t.Helper()

	bundle, err := pki.IssueClientCertificate(a.Signer, commonName)
	require.NoError(t, err)
	return bundle
}

// ClientConfig returns a client config trusting the CA. With no bundles the
// client presents no certificate.
func (a *Authority) ClientConfig(bundles ...*pki.Bundle) *tls.Config {
	cfg := &tls.Config{
		RootCAs:    a.Pool(),
		ServerName: "localhost",
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}
	for _, b := range bundles {
		cfg.Certificates = append(cfg.Certificates, b.TLSCertificate())
	}
	return cfg
}
