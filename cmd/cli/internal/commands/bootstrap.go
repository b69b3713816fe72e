package commands

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/certgate/internal/certstore"
	"github.com/wolfeidau/certgate/internal/pki"
)

const (
	caRotationThreshold   = 365 * 24 * time.Hour
	leafRotationThreshold = 7 * 24 * time.Hour
)

var errInvalidClientName = errors.New("invalid client name")

// BootstrapCmd generates the development PKI used by certgate-server.
type BootstrapCmd struct {
	OutputDir string   `help:"output directory for certificates" default:"./ssl"`
	Hosts     []string `help:"DNS names and IP addresses in the server certificate" default:"localhost,127.0.0.1"`
	Clients   []string `help:"client commonNames to issue certificates for" default:"alice,bob"`
	Force     bool     `help:"force regeneration of all certificates" default:"false"`

	// Optional upload of the server material to SSM Parameter Store
	SSMTLSCert     string `name:"ssm-tls-cert" help:"SSM parameter to store the server certificate chain in" env:"CERTGATE_SSM_TLS_CERT"`
	SSMTLSKey      string `name:"ssm-tls-key" help:"SSM parameter to store the server private key in" env:"CERTGATE_SSM_TLS_KEY"`
	SSMTLSClientCA string `name:"ssm-tls-client-ca" help:"SSM parameter to store the client CA certificate in" env:"CERTGATE_SSM_TLS_CLIENT_CA"`

	out          io.Writer
	newSSMClient func(ctx context.Context) (certstore.SSMAPI, error)
}

// certificatePaths holds paths to generated certificates
type certificatePaths struct {
	caCert     string
	caKey      string
	serverCert string
	serverKey  string
}

// CertValidation holds certificate validation results
type CertValidation struct {
	Path          string
	Exists        bool
	Expired       bool
	NotBefore     time.Time
	NotAfter      time.Time
	DaysRemaining int
	ShouldRotate  bool
}

// Run executes the bootstrap command
func (cmd *BootstrapCmd) Run(ctx context.Context, globals *Globals) error {
	log := consoleLogger(globals.Debug)

	paths := cmd.certificatePaths()

	storeCfg := cmd.storeConfig(paths)
	publish := storeCfg.ClientCASSM != "" || storeCfg.ServerCertSSM != "" || storeCfg.ServerKeySSM != ""
	if publish {
		if err := storeCfg.Check(); err != nil {
			return err
		}
	}

	for _, name := range cmd.Clients {
		if err := checkClientName(name); err != nil {
			return err
		}
	}

	log.Info().
		Str("output_dir", cmd.OutputDir).
		Strs("hosts", cmd.Hosts).
		Strs("clients", cmd.Clients).
		Msg("Starting mTLS bootstrap")

	if err := os.MkdirAll(cmd.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	signer, rotated, err := cmd.ensureCA(log, paths)
	if err != nil {
		return err
	}

	// leaves issued by a replaced CA no longer verify
	force := cmd.Force || rotated

	err = ensureLeaf(log, "server", paths.serverCert, paths.serverKey, force, func() (*pki.Bundle, error) {
		return pki.IssueServerCertificate(signer, cmd.Hosts...)
	})
	if err != nil {
		return fmt.Errorf("failed to ensure server certificate: %w", err)
	}

	for _, name := range cmd.Clients {
		certPath, keyPath := cmd.clientPaths(name)
		err = ensureLeaf(log, name, certPath, keyPath, force, func() (*pki.Bundle, error) {
			return pki.IssueClientCertificate(signer, name)
		})
		if err != nil {
			return fmt.Errorf("failed to ensure client certificate for %s: %w", name, err)
		}
	}

	if publish {
		if err := cmd.uploadToSSM(ctx, log, paths, storeCfg); err != nil {
			return err
		}
	}

	cmd.printBootstrapSummary(paths)
	return nil
}

// ensureCA reuses a valid CA from disk or generates a new one. The boolean is
// true when a new CA was written.
func (cmd *BootstrapCmd) ensureCA(log zerolog.Logger, paths certificatePaths) (*pki.FileSigner, bool, error) {
	caValidation, err := validateCertificate(paths.caCert, caRotationThreshold)
	if err != nil {
		return nil, false, fmt.Errorf("failed to validate CA certificate: %w", err)
	}

	switch {
	case cmd.Force:
		log.Info().Msg("Force flag set, regenerating CA certificate...")
	case caValidation.ShouldRotate && caValidation.Expired:
		log.Error().
			Int("days_expired", -caValidation.DaysRemaining).
			Msg("CA certificate is expired, regenerating...")
	case caValidation.ShouldRotate && caValidation.Exists:
		log.Warn().
			Int("days_remaining", caValidation.DaysRemaining).
			Msg("CA certificate approaching expiry, regenerating...")
	case caValidation.Exists && fileExists(paths.caKey):
		log.Info().
			Int("days_remaining", caValidation.DaysRemaining).
			Msg("CA certificate is valid, using existing...")

		signer, err := pki.NewFileSigner(paths.caKey, paths.caCert)
		if err != nil {
			return nil, false, err
		}
		return signer, false, nil
	default:
		log.Info().Msg("Generating new CA certificate...")
	}

	signer, err := pki.NewCA("certgate development CA")
	if err != nil {
		return nil, false, err
	}

	if err := pki.CABundle(signer).WriteFiles(paths.caCert, paths.caKey); err != nil {
		return nil, false, fmt.Errorf("failed to save CA certificate: %w", err)
	}

	log.Info().
		Str("path_cert", paths.caCert).
		Str("path_key", paths.caKey).
		Msg("Generated and saved CA certificate")

	return signer, true, nil
}

// ensureLeaf issues a certificate unless a valid one outside the rotation
// window already exists at certPath.
func ensureLeaf(log zerolog.Logger, name, certPath, keyPath string, force bool, issue func() (*pki.Bundle, error)) error {
	validation, err := validateCertificate(certPath, leafRotationThreshold)
	if err != nil {
		return err
	}

	log = log.With().Str("certificate", name).Logger()

	switch {
	case force:
		log.Info().Msg("Regenerating certificate...")
	case validation.ShouldRotate && validation.Expired:
		log.Error().
			Int("days_expired", -validation.DaysRemaining).
			Msg("Certificate is expired, regenerating...")
	case validation.ShouldRotate && validation.Exists:
		log.Warn().
			Int("days_remaining", validation.DaysRemaining).
			Msg("Certificate within rotation window, regenerating...")
	case validation.Exists && fileExists(keyPath):
		log.Info().
			Int("days_remaining", validation.DaysRemaining).
			Msg("Certificate is valid, using existing...")
		return nil
	default:
		log.Info().Msg("Generating certificate...")
	}

	bundle, err := issue()
	if err != nil {
		return err
	}

	if err := bundle.WriteFiles(certPath, keyPath); err != nil {
		return err
	}

	log.Info().
		Str("path_cert", certPath).
		Str("path_key", keyPath).
		Msg("Generated and saved certificate")

	return nil
}

// uploadToSSM publishes the client CA and server material written to disk.
// The CA private key never leaves the output directory.
func (cmd *BootstrapCmd) uploadToSSM(ctx context.Context, log zerolog.Logger, paths certificatePaths, cfg certstore.Config) error {
	log.Info().Msg("Uploading certificates to AWS SSM Parameter Store...")

	certs, err := certstore.Load(ctx, certstore.Config{
		ClientCAPath:   paths.caCert,
		ServerCertPath: paths.serverCert,
		ServerKeyPath:  paths.serverKey,
	})
	if err != nil {
		return fmt.Errorf("failed to load generated certificates: %w", err)
	}

	newClient := cmd.newSSMClient
	if newClient == nil {
		newClient = func(ctx context.Context) (certstore.SSMAPI, error) {
			return certstore.NewSSMClient(ctx)
		}
	}

	client, err := newClient(ctx)
	if err != nil {
		return err
	}

	if err := certstore.Publish(ctx, client, cfg, certs); err != nil {
		return fmt.Errorf("failed to upload certificates: %w", err)
	}

	log.Info().
		Str("client_ca", cfg.ClientCASSM).
		Str("server_cert", cfg.ServerCertSSM).
		Str("server_key", cfg.ServerKeySSM).
		Msg("Successfully uploaded certificates to AWS SSM Parameter Store")

	return nil
}

func (cmd *BootstrapCmd) storeConfig(paths certificatePaths) certstore.Config {
	return certstore.Config{
		ClientCAPath:   paths.caCert,
		ServerCertPath: paths.serverCert,
		ServerKeyPath:  paths.serverKey,
		ClientCASSM:    cmd.SSMTLSClientCA,
		ServerCertSSM:  cmd.SSMTLSCert,
		ServerKeySSM:   cmd.SSMTLSKey,
	}
}

// certificatePaths follows the layout certgate-server reads by default.
func (cmd *BootstrapCmd) certificatePaths() certificatePaths {
	return certificatePaths{
		caCert:     filepath.Join(cmd.OutputDir, "inter.cert"),
		caKey:      filepath.Join(cmd.OutputDir, "inter.key"),
		serverCert: filepath.Join(cmd.OutputDir, "end.cert"),
		serverKey:  filepath.Join(cmd.OutputDir, "end.key"),
	}
}

func (cmd *BootstrapCmd) clientPaths(name string) (string, string) {
	return filepath.Join(cmd.OutputDir, "client-"+name+".cert"), filepath.Join(cmd.OutputDir, "client-"+name+".key")
}

// checkClientName rejects names that can not be used in a file name.
func checkClientName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", errInvalidClientName, name)
	}
	return nil
}

// printBootstrapSummary prints the generated paths and how to use them
func (cmd *BootstrapCmd) printBootstrapSummary(paths certificatePaths) {
	out := cmd.out
	if out == nil {
		out = os.Stdout
	}

	fmt.Fprintln(out, "\n"+strings.Repeat("=", 50))
	fmt.Fprintln(out, "Bootstrap Complete")
	fmt.Fprintln(out, strings.Repeat("=", 50))

	fmt.Fprintln(out, "\nCertificate paths:")
	fmt.Fprintf(out, "  CA Certificate:     %s\n", paths.caCert)
	fmt.Fprintf(out, "  CA Key:             %s\n", paths.caKey)
	fmt.Fprintf(out, "  Server Certificate: %s\n", paths.serverCert)
	fmt.Fprintf(out, "  Server Key:         %s\n", paths.serverKey)
	for _, name := range cmd.Clients {
		certPath, keyPath := cmd.clientPaths(name)
		fmt.Fprintf(out, "  Client %-12s %s, %s\n", name+":", certPath, keyPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Start the server:")
	fmt.Fprintf(out, "     ./bin/certgate-server serve \\\n")
	fmt.Fprintf(out, "       --tls-client-ca=%s \\\n", paths.caCert)
	fmt.Fprintf(out, "       --tls-cert=%s \\\n", paths.serverCert)
	fmt.Fprintf(out, "       --tls-key=%s\n\n", paths.serverKey)

	if len(cmd.Clients) > 0 {
		certPath, keyPath := cmd.clientPaths(cmd.Clients[0])
		fmt.Fprintln(out, "  2. Test connectivity:")
		fmt.Fprintf(out, "     curl --cacert %s \\\n", paths.caCert)
		fmt.Fprintf(out, "          --cert %s \\\n", certPath)
		fmt.Fprintf(out, "          --key %s \\\n", keyPath)
		fmt.Fprintf(out, "          https://localhost:3000/\n\n")
	}
}

func validateCertificate(path string, rotationThreshold time.Duration) (*CertValidation, error) {
	validation := &CertValidation{Path: path}

	if !fileExists(path) {
		validation.ShouldRotate = true
		return validation, nil
	}

	validation.Exists = true

	cert, err := loadCertificate(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	validation.NotBefore = cert.NotBefore
	validation.NotAfter = cert.NotAfter
	validation.DaysRemaining = int(time.Until(cert.NotAfter).Hours() / 24)

	if time.Now().After(cert.NotAfter) {
		validation.Expired = true
		validation.ShouldRotate = true
		return validation, nil
	}

	if time.Until(cert.NotAfter) < rotationThreshold {
		validation.ShouldRotate = true
	}

	return validation, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return pki.ParseCertificatePEM(data)
}
