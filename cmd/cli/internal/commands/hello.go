package commands

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wolfeidau/certgate/internal/certstore"
)

// HelloCmd performs a GET against the server using a client certificate.
type HelloCmd struct {
	URL     string        `help:"server URL" default:"https://localhost:3000/"`
	Cert    string        `help:"client certificate (PEM)" default:"./ssl/client-alice.cert" type:"existingfile"`
	Key     string        `help:"client private key (PEM)" default:"./ssl/client-alice.key" type:"existingfile"`
	CA      string        `name:"ca" help:"CA certificate used to verify the server (PEM)" default:"./ssl/inter.cert" type:"existingfile"`
	Timeout time.Duration `help:"timeout for each attempt" default:"10s"`
	Tries   uint          `help:"connection attempts before giving up" default:"1"`

	out io.Writer
}

func (cmd *HelloCmd) Run(ctx context.Context, globals *Globals) error {
	log := consoleLogger(globals.Debug)

	out := cmd.out
	if out == nil {
		out = os.Stdout
	}

	tlsConfig, err := cmd.tlsConfig()
	if err != nil {
		return err
	}

	client := &http.Client{
		Timeout: cmd.Timeout,
		Transport: &http.Transport{
			TLSClientConfig:   tlsConfig,
			DisableKeepAlives: true,
		},
	}

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		body, err := cmd.get(ctx, client)
		if err != nil {
			log.Debug().Err(err).Str("url", cmd.URL).Msg("Request failed")
		}
		return body, err
	}, backoff.WithMaxTries(max(cmd.Tries, 1)))
	if err != nil {
		return err
	}

	_, err = out.Write(body)
	return err
}

var errUnexpectedStatus = errors.New("unexpected response status")

func (cmd *HelloCmd) get(ctx context.Context, client *http.Client) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cmd.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", errUnexpectedStatus, res.Status))
	}

	return body, nil
}

func (cmd *HelloCmd) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cmd.Cert, cmd.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caPEM, err := os.ReadFile(cmd.CA)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: no certificates in %s", certstore.ErrInvalidCertificate, cmd.CA)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}
