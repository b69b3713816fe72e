// Package pipeline drives a single accepted connection through the mutual TLS
// handshake, peer identity extraction and dispatch to an application handler.
//
// Each connection moves through an explicit state machine:
//
//	Accepted -> Handshaking -> IdentityPending -> Serving -> Closed
//	                 |                |
//	                 +----------------+--> Aborted(reason)
//
// A connection is only handed to the Dispatcher once a non-empty identity has
// been extracted from a chain verified leaf certificate. The raw transport is
// closed on every exit path, including panics.
package pipeline

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/certgate/internal/identity"
	"github.com/wolfeidau/certgate/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/wolfeidau/certgate/internal/pipeline"

	// DefaultHandshakeTimeout bounds the TLS handshake of a single connection.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Dispatcher serves an authenticated connection. The identity is supplied once
// per connection and ServeConn returns when the connection is finished.
type Dispatcher interface {
	ServeConn(ctx context.Context, conn net.Conn, id identity.Identity) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, conn net.Conn, id identity.Identity) error

func (f DispatcherFunc) ServeConn(ctx context.Context, conn net.Conn, id identity.Identity) error {
	return f(ctx, conn, id)
}

// PeerChainFunc returns the DER encoded peer certificates of a completed
// handshake, leaf first.
type PeerChainFunc func(state tls.ConnectionState) [][]byte

// PeerChain returns the raw bytes of the certificates the peer presented.
func PeerChain(state tls.ConnectionState) [][]byte {
	chain := make([][]byte, 0, len(state.PeerCertificates))
	for _, cert := range state.PeerCertificates {
		chain = append(chain, cert.Raw)
	}
	return chain
}

// Result describes how a connection ended.
type Result struct {
	ConnID   string
	State    State
	Reason   Reason
	Err      error
	Identity identity.Identity
	Duration time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHandshakeTimeout bounds the TLS handshake, zero or negative values are ignored.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.handshakeTimeout = d
		}
	}
}

// WithLogger sets the logger connection loggers are derived from.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the instruments connections are recorded with.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithTracer sets the tracer used for connection spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithPeerChain overrides how the peer chain is read from a completed handshake.
func WithPeerChain(fn PeerChainFunc) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.peerChain = fn
		}
	}
}

// Pipeline handles accepted connections. It holds no per connection state and
// is safe for concurrent use.
type Pipeline struct {
	tlsConfig        *tls.Config
	dispatcher       Dispatcher
	handshakeTimeout time.Duration
	logger           zerolog.Logger
	metrics          *telemetry.Metrics
	tracer           trace.Tracer
	peerChain        PeerChainFunc
}

// New returns a Pipeline terminating TLS with tlsConfig and handing
// authenticated connections to dispatcher. The config must verify client
// certificates.
func New(tlsConfig *tls.Config, dispatcher Dispatcher, opts ...Option) (*Pipeline, error) {
	if tlsConfig == nil {
		return nil, errors.New("tls config is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if len(tlsConfig.Certificates) == 0 && tlsConfig.GetCertificate == nil {
		return nil, errors.New("tls config has no server certificate")
	}

	switch tlsConfig.ClientAuth {
	case tls.RequireAndVerifyClientCert, tls.VerifyClientCertIfGiven:
	default:
		return nil, fmt.Errorf("tls config must verify client certificates, got %s", tlsConfig.ClientAuth)
	}

	p := &Pipeline{
		tlsConfig:        tlsConfig,
		dispatcher:       dispatcher,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           log.Logger,
		metrics:          telemetry.GetMetrics(),
		tracer:           otel.Tracer(tracerName),
		peerChain:        PeerChain,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

type connContext struct {
	id       string
	raw      net.Conn
	tls      *tls.Conn
	state    State
	identity identity.Identity
	started  time.Time
	logger   zerolog.Logger
}

func (cc *connContext) transition(next State) error {
	if !cc.state.CanTransition(next) {
		return fmt.Errorf("%w: invalid connection state transition %s -> %s", ErrInternal, cc.state, next)
	}
	cc.logger.Debug().Stringer("from", cc.state).Stringer("to", next).Msg("Connection state changed")
	cc.state = next
	return nil
}

// end moves to the terminal state next and returns the result for err.
func (cc *connContext) end(next State, err error) Result {
	if terr := cc.transition(next); terr != nil {
		return cc.fail(terr)
	}
	return cc.result(err)
}

// fail forces a terminal state: Closed once the connection was being served,
// Aborted before that.
func (cc *connContext) fail(err error) Result {
	switch cc.state {
	case StateServing:
		cc.state = StateClosed
	case StateClosed, StateAborted:
	default:
		cc.state = StateAborted
	}
	return cc.result(err)
}

func (cc *connContext) result(err error) Result {
	return Result{
		ConnID:   cc.id,
		State:    cc.state,
		Reason:   Classify(err),
		Err:      err,
		Identity: cc.identity,
	}
}

// Handle runs conn through the pipeline and returns once it has reached a
// terminal state. conn is always closed when Handle returns.
func (p *Pipeline) Handle(ctx context.Context, conn net.Conn) (res Result) {
	cc := &connContext{
		id:      newConnID(),
		raw:     conn,
		state:   StateAccepted,
		started: time.Now(),
	}

	peer := remoteAddr(conn)
	cc.logger = p.logger.With().Str("conn_id", cc.id).Str("peer", peer).Logger()

	ctx, span := p.tracer.Start(ctx, "certgate.connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("certgate.conn_id", cc.id),
			attribute.String("network.peer.address", peer),
		),
	)
	ctx = cc.logger.WithContext(ctx)

	p.metrics.ConnectionsActive.Add(ctx, 1)

	defer func() {
		if r := recover(); r != nil {
			res = cc.fail(fmt.Errorf("%w: panic: %v", ErrInternal, r))
		}

		_ = conn.Close()

		res.Duration = time.Since(cc.started)
		p.report(ctx, cc.logger, span, res)

		span.End()
		p.metrics.ConnectionsActive.Add(ctx, -1)
	}()

	return p.handle(ctx, cc)
}

func (p *Pipeline) handle(ctx context.Context, cc *connContext) Result {
	if err := cc.transition(StateHandshaking); err != nil {
		return cc.fail(err)
	}

	cc.tls = tls.Server(cc.raw, p.tlsConfig)
	if err := p.handshake(ctx, cc.tls); err != nil {
		return cc.end(StateAborted, fmt.Errorf("%w: %w", ErrHandshake, err))
	}

	state := cc.tls.ConnectionState()
	cc.logger.Info().
		Str("tls_version", tls.VersionName(state.Version)).
		Str("cipher_suite", tls.CipherSuiteName(state.CipherSuite)).
		Msg("Received connection from peer")

	if err := cc.transition(StateIdentityPending); err != nil {
		return cc.fail(err)
	}

	chain := p.peerChain(state)
	id, err := identity.Extract(chain)
	if err != nil {
		return cc.end(StateAborted, err)
	}

	cc.identity = id
	cc.logger = cc.logger.With().Str("identity", id.String()).Logger()
	cc.logger.Info().Str("fingerprint", identity.Fingerprint(chain[0])).Msg("Peer authenticated")

	if err := cc.transition(StateServing); err != nil {
		return cc.fail(err)
	}

	if err := p.dispatcher.ServeConn(cc.logger.WithContext(ctx), cc.tls, id); err != nil {
		return cc.end(StateClosed, fmt.Errorf("%w: %w", ErrDispatch, err))
	}

	return cc.end(StateClosed, nil)
}

func (p *Pipeline) handshake(ctx context.Context, conn *tls.Conn) error {
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.handshakeTimeout)
	defer cancel()

	err := conn.HandshakeContext(ctx)

	p.metrics.HandshakeDuration.Record(ctx, milliseconds(time.Since(started)),
		metric.WithAttributes(attribute.Bool("success", err == nil)))

	return err
}

func (p *Pipeline) report(ctx context.Context, logger zerolog.Logger, span trace.Span, res Result) {
	attrs := metric.WithAttributes(
		attribute.String("state", res.State.String()),
		attribute.String("reason", res.Reason.String()),
	)

	switch res.State {
	case StateAborted:
		ev := logger.Warn()
		if res.Reason == ReasonInternal {
			ev = logger.Error()
		}
		ev.Err(res.Err).
			Str("reason", res.Reason.String()).
			Dur("duration", res.Duration).
			Msg("Connection aborted")

		p.metrics.ConnectionsAbortedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", res.Reason.String())))
	default:
		if res.Err != nil {
			logger.Warn().
				Err(res.Err).
				Str("reason", res.Reason.String()).
				Dur("duration", res.Duration).
				Msg("Connection closed with error")
		} else {
			logger.Info().Dur("duration", res.Duration).Msg("Connection closed")
		}

		p.metrics.ConnectionsClosedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", res.Reason.String())))
	}

	p.metrics.ConnectionDuration.Record(ctx, milliseconds(res.Duration), attrs)

	span.SetAttributes(
		attribute.String("certgate.state", res.State.String()),
		attribute.String("certgate.reason", res.Reason.String()),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Reason.String())
	}
}

func newConnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
