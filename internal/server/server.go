// Package server runs the accept loop of the mutual TLS listener. Each
// accepted connection is handed to the pipeline on its own goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/certgate/internal/pipeline"
	"github.com/wolfeidau/certgate/internal/telemetry"
	"golang.org/x/net/netutil"
)

// DefaultShutdownGrace is how long in-flight connections may run after the
// listener stops before their contexts are cancelled.
const DefaultShutdownGrace = 10 * time.Second

// Handler processes one accepted connection to completion.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn) pipeline.Result
}

// Config controls the accept loop.
type Config struct {
	// MaxConnections caps concurrently served connections, zero is unlimited.
	MaxConnections int

	// ShutdownGrace bounds the drain after the listener stops.
	ShutdownGrace time.Duration

	// OnResult, if set, is called with the result of every connection.
	OnResult func(pipeline.Result)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for accept loop events.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the instruments accept loop events are recorded with.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Server accepts connections and hands them to a Handler.
type Server struct {
	handler Handler
	cfg     Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	wg      sync.WaitGroup
}

// New returns a Server handing connections to handler.
func New(handler Handler, cfg Config, opts ...Option) *Server {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	s := &Server{
		handler: handler,
		cfg:     cfg,
		logger:  log.Logger,
		metrics: telemetry.GetMetrics(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serve accepts connections on ln until ctx is cancelled or ln fails with a
// permanent error. ln is closed on return. Before returning Serve waits for
// in-flight connections, cancelling them once the shutdown grace period is
// exceeded.
//
// Temporary accept errors are retried with exponential backoff. A failing
// connection never stops the loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer ln.Close()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Listening for mutual TLS connections")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.drain(cancelConns)
				return nil
			}

			s.metrics.AcceptErrorsTotal.Add(ctx, 1)

			if !isTemporary(err) {
				s.drain(cancelConns)
				return fmt.Errorf("failed to accept connection: %w", err)
			}

			delay := bo.NextBackOff()
			s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Temporary accept error")

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				s.drain(cancelConns)
				return nil
			}
		}

		bo.Reset()
		s.metrics.ConnectionsAcceptedTotal.Add(ctx, 1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			res := s.handler.Handle(connCtx, conn)
			if s.cfg.OnResult != nil {
				s.cfg.OnResult(res)
			}
		}()
	}
}

func (s *Server) drain(cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info().Msg("All connections drained")
	case <-timer.C:
		s.logger.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("Shutdown grace period exceeded, closing connections")
		cancel()
		<-done
	}
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}
