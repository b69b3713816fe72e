// Package certstore loads the server certificate and the client trust anchors
// from PEM files or AWS SSM Parameter Store and builds the mutual TLS config.
package certstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

var (
	// ErrIncompleteConfig is returned when neither a full set of file paths
	// nor a full set of SSM parameter names is configured.
	ErrIncompleteConfig = errors.New("incomplete certificate configuration")

	// ErrInvalidCertificate is returned when loaded material does not parse.
	ErrInvalidCertificate = errors.New("invalid certificate material")
)

// SSMAPI is the subset of the SSM client used to read and publish certificates.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// Certificates holds certificate data in memory
type Certificates struct {
	ClientCA   []byte
	ServerCert []byte
	ServerKey  []byte
}

// Config for loading certificates
type Config struct {
	// File paths (for local development)
	ClientCAPath   string
	ServerCertPath string
	ServerKeyPath  string

	// SSM parameter names (for production)
	ClientCASSM   string
	ServerCertSSM string
	ServerKeySSM  string
}

// UsesSSM reports whether any SSM parameter name is set.
func (c Config) UsesSSM() bool {
	return c.ClientCASSM != "" || c.ServerCertSSM != "" || c.ServerKeySSM != ""
}

// Check reports whether the configuration names a complete source.
func (c Config) Check() error {
	if c.UsesSSM() {
		if c.ClientCASSM == "" || c.ServerCertSSM == "" || c.ServerKeySSM == "" {
			return fmt.Errorf("%w: client CA, server certificate and server key SSM parameters must all be set", ErrIncompleteConfig)
		}
		return nil
	}

	if c.ClientCAPath == "" || c.ServerCertPath == "" || c.ServerKeyPath == "" {
		return fmt.Errorf("%w: client CA, server certificate and server key paths must all be set", ErrIncompleteConfig)
	}
	return nil
}

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	client SSMAPI
}

// WithSSMClient uses client instead of one built from the default AWS config.
func WithSSMClient(client SSMAPI) Option {
	return func(o *loadOptions) {
		o.client = client
	}
}

// Load loads certificates from either SSM or files and validates them.
func Load(ctx context.Context, cfg Config, opts ...Option) (*Certificates, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	var (
		certs *Certificates
		err   error
	)

	if cfg.UsesSSM() {
		certs, err = loadFromSSM(ctx, cfg, opts...)
	} else {
		certs, err = loadFromFiles(cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := certs.Validate(); err != nil {
		return nil, err
	}

	return certs, nil
}

// NewSSMClient creates an SSM client from the default AWS config chain.
func NewSSMClient(ctx context.Context) (*ssm.Client, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ssm.NewFromConfig(awsConfig), nil
}

// loadFromSSM loads certificates from AWS SSM Parameter Store
func loadFromSSM(ctx context.Context, cfg Config, opts ...Option) (*Certificates, error) {
	o := &loadOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if o.client == nil {
		client, err := NewSSMClient(ctx)
		if err != nil {
			return nil, err
		}
		o.client = client
	}

	certs := &Certificates{}

	clientCA, err := getParameter(ctx, o.client, cfg.ClientCASSM)
	if err != nil {
		return nil, fmt.Errorf("failed to load client CA from SSM: %w", err)
	}
	certs.ClientCA = []byte(clientCA)

	serverCert, err := getParameter(ctx, o.client, cfg.ServerCertSSM)
	if err != nil {
		return nil, fmt.Errorf("failed to load server cert from SSM: %w", err)
	}
	certs.ServerCert = []byte(serverCert)

	serverKey, err := getParameter(ctx, o.client, cfg.ServerKeySSM)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key from SSM: %w", err)
	}
	certs.ServerKey = []byte(serverKey)

	return certs, nil
}

// loadFromFiles loads certificates from file paths
func loadFromFiles(cfg Config) (*Certificates, error) {
	certs := &Certificates{}

	clientCA, err := os.ReadFile(cfg.ClientCAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", err)
	}
	certs.ClientCA = clientCA

	serverCert, err := os.ReadFile(cfg.ServerCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read server cert: %w", err)
	}
	certs.ServerCert = serverCert

	serverKey, err := os.ReadFile(cfg.ServerKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read server key: %w", err)
	}
	certs.ServerKey = serverKey

	return certs, nil
}

// getParameter fetches a parameter from SSM
func getParameter(ctx context.Context, client SSMAPI, name string) (string, error) {
	output, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *output.Parameter.Value, nil
}

// Publish writes certs to the SSM parameters named by cfg, overwriting any
// existing values. The server key is stored as a SecureString.
func Publish(ctx context.Context, client SSMAPI, cfg Config, certs *Certificates) error {
	params := []struct {
		name  string
		value []byte
		typ   types.ParameterType
	}{
		{cfg.ClientCASSM, certs.ClientCA, types.ParameterTypeString},
		{cfg.ServerCertSSM, certs.ServerCert, types.ParameterTypeString},
		{cfg.ServerKeySSM, certs.ServerKey, types.ParameterTypeSecureString},
	}

	for _, p := range params {
		if p.name == "" {
			return fmt.Errorf("%w: SSM parameter name is empty", ErrIncompleteConfig)
		}

		_, err := client.PutParameter(ctx, &ssm.PutParameterInput{
			Name:      aws.String(p.name),
			Value:     aws.String(string(p.value)),
			Type:      p.typ,
			Overwrite: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("failed to put SSM parameter %s: %w", p.name, err)
		}
	}

	return nil
}

// TLSConfig creates the mutual TLS server config: client certificates are
// required and verified against the client CA, and session tickets are off.
func (c *Certificates) TLSConfig() (*tls.Config, error) {
	serverCert, err := tls.X509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse server certificate: %w", ErrInvalidCertificate, err)
	}

	clientCAs := x509.NewCertPool()
	if !clientCAs.AppendCertsFromPEM(c.ClientCA) {
		return nil, fmt.Errorf("%w: failed to parse client CA certificate", ErrInvalidCertificate)
	}

	return &tls.Config{
		Certificates:           []tls.Certificate{serverCert},
		ClientAuth:             tls.RequireAndVerifyClientCert,
		ClientCAs:              clientCAs,
		MinVersion:             tls.VersionTLS12,
		NextProtos:             []string{"http/1.1"},
		SessionTicketsDisabled: true,
	}, nil
}

// Validate validates that certificate data is valid PEM and the server key
// matches the server certificate.
func (c *Certificates) Validate() error {
	clientCAs := x509.NewCertPool()
	if !clientCAs.AppendCertsFromPEM(c.ClientCA) {
		return fmt.Errorf("%w: invalid client CA certificate PEM", ErrInvalidCertificate)
	}

	_, err := tls.X509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return fmt.Errorf("%w: invalid server certificate/key: %w", ErrInvalidCertificate, err)
	}

	return nil
}
