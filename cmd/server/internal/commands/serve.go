package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/wolfeidau/certgate/internal/certstore"
	certhttp "github.com/wolfeidau/certgate/internal/http"
	"github.com/wolfeidau/certgate/internal/logger"
	"github.com/wolfeidau/certgate/internal/pipeline"
	"github.com/wolfeidau/certgate/internal/server"
	"github.com/wolfeidau/certgate/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

type ServeCmd struct {
	// Listener configuration
	Listen         string `help:"mutual TLS listen address" default:"127.0.0.1:3000" env:"CERTGATE_LISTEN" validate:"required,hostname_port"`
	MaxConnections int    `help:"maximum concurrent connections, 0 is unlimited" default:"0" env:"CERTGATE_MAX_CONNECTIONS" validate:"gte=0"`
	HealthListen   string `help:"plain HTTP listen address for /healthz, empty disables it" default:"" env:"CERTGATE_HEALTH_LISTEN" validate:"omitempty,hostname_port"`

	// Certificate material from files
	TLSCert     string `name:"tls-cert" help:"path to the server certificate chain (PEM)" default:"./ssl/end.cert" env:"CERTGATE_TLS_CERT"`
	TLSKey      string `name:"tls-key" help:"path to the server private key (PEM, PKCS#8)" default:"./ssl/end.key" env:"CERTGATE_TLS_KEY"`
	TLSClientCA string `name:"tls-client-ca" help:"path to the CA certificates trusted for client certificates (PEM)" default:"./ssl/inter.cert" env:"CERTGATE_TLS_CLIENT_CA"`

	// Certificate material from SSM Parameter Store, takes precedence over files
	SSMTLSCert     string `name:"ssm-tls-cert" help:"SSM parameter holding the server certificate chain" default:"" env:"CERTGATE_SSM_TLS_CERT"`
	SSMTLSKey      string `name:"ssm-tls-key" help:"SSM parameter holding the server private key" default:"" env:"CERTGATE_SSM_TLS_KEY"`
	SSMTLSClientCA string `name:"ssm-tls-client-ca" help:"SSM parameter holding the client CA certificates" default:"" env:"CERTGATE_SSM_TLS_CLIENT_CA"`

	// Connection handling
	HandshakeTimeout  time.Duration `help:"maximum duration of a TLS handshake" default:"10s" env:"CERTGATE_HANDSHAKE_TIMEOUT" validate:"gt=0"`
	ReadHeaderTimeout time.Duration `help:"maximum duration to read HTTP request headers" default:"5s" env:"CERTGATE_READ_HEADER_TIMEOUT" validate:"gt=0"`
	IdleTimeout       time.Duration `help:"keep-alive idle timeout" default:"2m" env:"CERTGATE_IDLE_TIMEOUT" validate:"gt=0"`
	ShutdownGrace     time.Duration `help:"time allowed for connections to drain on shutdown" default:"10s" env:"CERTGATE_SHUTDOWN_GRACE" validate:"gt=0"`
	Compress          bool          `help:"gzip responses when the client accepts it" default:"false" env:"CERTGATE_COMPRESS"`

	// Telemetry
	Telemetry        bool    `help:"export traces and metrics over OTLP" default:"false" env:"CERTGATE_TELEMETRY"`
	TraceSampleRatio float64 `help:"fraction of connections traced" default:"1" env:"CERTGATE_TRACE_SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// Validate is called by kong once flags, environment and config file are resolved.
func (c *ServeCmd) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return c.certConfig().Check()
}

func (c *ServeCmd) certConfig() certstore.Config {
	return certstore.Config{
		ClientCAPath:   c.TLSClientCA,
		ServerCertPath: c.TLSCert,
		ServerKeyPath:  c.TLSKey,
		ClientCASSM:    c.SSMTLSClientCA,
		ServerCertSSM:  c.SSMTLSCert,
		ServerKeySSM:   c.SSMTLSKey,
	}
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	zlog.Logger = log

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Telemetry {
		log.Info().Msg("Telemetry is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "certgate-server",
			Version:     globals.Version,
			SampleRatio: c.TraceSampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	certCfg := c.certConfig()
	if certCfg.UsesSSM() {
		log.Info().Str("server_cert", c.SSMTLSCert).Str("client_ca", c.SSMTLSClientCA).Msg("Loading certificates from SSM")
	} else {
		log.Info().Str("server_cert", c.TLSCert).Str("client_ca", c.TLSClientCA).Msg("Loading certificates from files")
	}

	certs, err := certstore.Load(ctx, certCfg)
	if err != nil {
		return fmt.Errorf("failed to load certificates: %w", err)
	}

	tlsConfig, err := certs.TLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}

	dispatcher := certhttp.NewDispatcher(certhttp.GreetingHandler(),
		certhttp.WithReadHeaderTimeout(c.ReadHeaderTimeout),
		certhttp.WithIdleTimeout(c.IdleTimeout),
		certhttp.WithCompression(c.Compress),
		certhttp.WithErrorLog(logger.StdLogger(log)),
	)

	p, err := pipeline.New(tlsConfig, dispatcher,
		pipeline.WithHandshakeTimeout(c.HandshakeTimeout),
		pipeline.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("failed to create connection pipeline: %w", err)
	}

	srv := server.New(p, server.Config{
		MaxConnections: c.MaxConnections,
		ShutdownGrace:  c.ShutdownGrace,
	}, server.WithLogger(log))

	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.Listen, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})

	if c.HealthListen != "" {
		startHealthListener(gctx, g, log, c.HealthListen)
	}

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Msg("Server stopped")
	return nil
}

func startHealthListener(ctx context.Context, g *errgroup.Group, log zerolog.Logger, addr string) {
	health := configureHTTPServer(addr, certhttp.HealthHandler())

	g.Go(func() error {
		log.Info().Str("listen", addr).Msg("Listening for health checks")
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health listener failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return health.Shutdown(shutdownCtx)
	})
}
