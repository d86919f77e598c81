// Package server exposes endpointing over WebSocket.
//
// Each connection gets its own decoder, VAD session and [endpoint.Session].
// Binary messages carry exactly one encoded audio frame; text messages carry
// JSON control messages. When a turn is finalized the connection stops
// listening, hands the attempt to a [Processor] and replies with the result.
// Listening resumes when the client sends tts_complete or resume, or right
// after the reply when AutoResume is set.
//
// A disconnect force-finalizes whatever was buffered; the attempt is still
// processed and logged but no reply is sent.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/endpoint"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio/codec"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Processor handles finalized attempts. *turn.Processor implements it.
type Processor interface {
	Process(ctx context.Context, a endpoint.Attempt) turn.Result
}

var _ Processor = (*turn.Processor)(nil)

// Config is the per-connection configuration. It is captured when a
// connection opens; later updates apply to new connections only.
type Config struct {
	// Endpoint holds the endpointing thresholds and the decoded PCM format.
	Endpoint endpoint.Config

	// Encoding is the wire encoding of binary frames.
	Encoding codec.Encoding

	// Aggressiveness is forwarded to the VAD engine, in [0, 3].
	Aggressiveness int

	// AutoResume resumes listening right after each reply instead of waiting
	// for the client.
	AutoResume bool
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if err := c.Endpoint.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Endpoint.Format.BytesPerSample != 2 {
		errs = append(errs, fmt.Errorf("server: decoded PCM must be 16-bit, got %d bytes per sample", c.Endpoint.Format.BytesPerSample))
	}
	if _, err := codec.Parse(string(c.Encoding)); err != nil {
		errs = append(errs, err)
	}
	if err := c.vadConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) vadConfig() vad.Config {
	return vad.Config{
		SampleRate:     c.Endpoint.Format.SampleRate,
		FrameSizeMs:    int(c.Endpoint.FrameDuration / time.Millisecond),
		Channels:       c.Endpoint.Format.Channels,
		Aggressiveness: c.Aggressiveness,
	}
}

// Option is a functional option for [NewHandler].
type Option func(*Handler)

// WithMetrics records instruments on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithOriginPatterns allows cross-origin WebSocket upgrades from hosts
// matching the given patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.acceptOpts.OriginPatterns = patterns }
}

// WithReadLimit caps the size of a single client message. Default: 64 KiB.
func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

// WithWriteTimeout bounds each reply write. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) { h.writeTimeout = d }
}

// Handler is an [http.Handler] serving one WebSocket stream per request.
// It is safe for concurrent use.
type Handler struct {
	vad          vad.Engine
	proc         Processor
	metrics      *observe.Metrics
	acceptOpts   websocket.AcceptOptions
	readLimit    int64
	writeTimeout time.Duration

	cfg atomic.Pointer[Config]

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders connection registration against Close so that conns is
	// never added to after Wait has started.
	mu       sync.Mutex
	closed   bool
	conns    sync.WaitGroup
	inflight sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a Handler. cfg is validated.
func NewHandler(cfg Config, engine vad.Engine, proc Processor, opts ...Option) (*Handler, error) {
	if engine == nil || proc == nil {
		return nil, errors.New("server: vad engine and processor must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: invalid config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		vad:          engine,
		proc:         proc,
		readLimit:    64 << 10,
		writeTimeout: 5 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	h.cfg.Store(&cfg)
	return h, nil
}

// Config returns the configuration new connections will use.
func (h *Handler) Config() Config { return *h.cfg.Load() }

// UpdateConfig validates cfg and applies it to connections opened from now
// on. Open connections keep the configuration they started with.
func (h *Handler) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("server: invalid config: %w", err)
	}
	h.cfg.Store(&cfg)
	return nil
}

// ServeHTTP upgrades the request and runs the connection until the client
// disconnects or the handler is closed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.conns.Done()

	ws, err := websocket.Accept(w, r, &h.acceptOpts)
	if err != nil {
		observe.Logger(r.Context()).Warn("server: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(h.readLimit)

	ctx := r.Context()
	stop := context.AfterFunc(h.ctx, func() {
		ws.Close(websocket.StatusGoingAway, "server shutting down")
	})
	defer stop()

	c, err := h.newConn(ctx, ws, h.Config(), r.RemoteAddr)
	if err != nil {
		observe.Logger(ctx).Error("server: connection setup failed", "remote", r.RemoteAddr, "err", err)
		ws.Close(websocket.StatusInternalError, "connection setup failed")
		return
	}
	defer c.close()

	h.metrics.ActiveConnections.Add(ctx, 1)
	defer h.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	c.run()
}

// track registers a connection unless the handler is closed.
func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns.Add(1)
	return true
}

// Close disconnects every open connection and rejects new ones. Buffered
// turns are still finalized and processed; use [Handler.Wait] to wait for
// them.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
}

// Wait blocks until every connection has finished and every attempt it
// dispatched has been processed. Call it after [Handler.Close].
func (h *Handler) Wait() {
	h.conns.Wait()
	h.inflight.Wait()
}

// Shutdown closes all connections and waits for them and their in-flight
// attempts until ctx expires.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.Close()
	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: waiting for connections and in-flight attempts: %w", ctx.Err())
	}
}
