// Package http serves HTTP/1.1 over connections that have already been
// authenticated by the pipeline.
package http

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/certgate/internal/identity"
	"github.com/wolfeidau/certgate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReadHeaderTimeout bounds how long reading request headers may take.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.readHeaderTimeout = d
	}
}

// WithIdleTimeout bounds how long a keep-alive connection waits for the next request.
func WithIdleTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.idleTimeout = d
	}
}

// WithCompression enables gzip compression of responses the client accepts it for.
func WithCompression(enabled bool) Option {
	return func(disp *Dispatcher) {
		disp.compress = enabled
	}
}

// WithErrorLog sets the logger used for errors reported by net/http.
func WithErrorLog(l *log.Logger) Option {
	return func(disp *Dispatcher) {
		disp.errorLog = l
	}
}

// WithMetrics sets the instruments requests are counted with.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(disp *Dispatcher) {
		if m != nil {
			disp.metrics = m
		}
	}
}

// Dispatcher serves HTTP exchanges on a single authenticated connection at a time.
// It is safe for concurrent use, each ServeConn call runs its own http.Server.
type Dispatcher struct {
	handler           http.Handler
	readHeaderTimeout time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	idleTimeout       time.Duration
	maxHeaderBytes    int
	compress          bool
	errorLog          *log.Logger
	metrics           *telemetry.Metrics
}

// NewDispatcher returns a Dispatcher serving handler.
func NewDispatcher(handler http.Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler:           handler,
		readHeaderTimeout: 5 * time.Second,
		readTimeout:       5 * time.Minute,
		writeTimeout:      5 * time.Minute,
		idleTimeout:       2 * time.Minute,
		maxHeaderBytes:    8 * 1024, // 8KiB
		metrics:           telemetry.GetMetrics(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// ServeConn serves requests on conn until the peer closes it, the idle timeout
// elapses, the stream fails or ctx is cancelled. id is bound to the connection
// context once and is visible to handlers through identity.FromContext.
//
// Clean closes return nil; any other read or write failure on conn is returned.
func (d *Dispatcher) ServeConn(ctx context.Context, conn net.Conn, id identity.Identity) error {
	tracked := &trackedConn{Conn: conn}
	ln := newConnListener(tracked)
	served := make(chan struct{})

	var closeServed sync.Once

	srv := &http.Server{
		Handler:           d.wrap(d.handler),
		ReadHeaderTimeout: d.readHeaderTimeout,
		ReadTimeout:       d.readTimeout,
		WriteTimeout:      d.writeTimeout,
		IdleTimeout:       d.idleTimeout,
		MaxHeaderBytes:    d.maxHeaderBytes,
		ErrorLog:          d.errorLog,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return identity.WithIdentity(ctx, id)
		},
		ConnState: func(c net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				closeServed.Do(func() { close(served) })
				_ = ln.Close()
			}
		},
	}

	stop := context.AfterFunc(ctx, func() {
		_ = srv.Close()
	})
	defer stop()

	err := srv.Serve(ln)
	if ln.handedOut() {
		<-served
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return tracked.Err()
}

func (d *Dispatcher) wrap(next http.Handler) http.Handler {
	if d.compress {
		next = gzhttp.GzipHandler(next)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		next.ServeHTTP(w, r)

		d.metrics.RequestsTotal.Add(r.Context(), 1, metric.WithAttributes(attribute.String("method", r.Method)))

		zerolog.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("proto", r.Proto).
			Dur("duration", time.Since(started)).
			Msg("Served request")
	})
}

// connListener hands out a single connection then blocks until closed.
type connListener struct {
	mu        sync.Mutex
	conn      net.Conn
	handed    bool
	addr      net.Addr
	done      chan struct{}
	closeOnce sync.Once
}

func newConnListener(conn net.Conn) *connListener {
	return &connListener{
		conn: conn,
		addr: conn.LocalAddr(),
		done: make(chan struct{}),
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.conn != nil {
		conn := l.conn
		l.conn = nil
		l.handed = true
		l.mu.Unlock()
		return conn, nil
	}
	l.mu.Unlock()

	<-l.done
	return nil, net.ErrClosed
}

func (l *connListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}

func (l *connListener) handedOut() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handed
}

// trackedConn records the first read or write failure that is not part of
// an orderly close.
type trackedConn struct {
	net.Conn

	mu  sync.Mutex
	err error
}

func (c *trackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.record(err)
	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.record(err)
	return n, err
}

// Err returns the first recorded failure, if any.
func (c *trackedConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *trackedConn) record(err error) {
	if err == nil || isOrderlyClose(err) {
		return
	}

	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func isOrderlyClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
