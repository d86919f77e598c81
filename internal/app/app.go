// Package app wires all Parley subsystems together and manages the
// application lifecycle.
//
// The typical usage pattern is:
//
//	a, err := app.New(ctx, cfg, providers)
//	if err != nil { ... }
//	go a.Run(ctx)
//	<-ctx.Done()
//	a.Shutdown(shutdownCtx)
//
// New builds the telemetry providers, the STT fallback chain, the audit sinks
// and the WebSocket handler. Tests can inject sinks and stores through
// [Option] values so no files or databases are touched.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/artifact"
	"github.com/MrWong99/parley/internal/auditlog"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/endpoint"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/server"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/internal/vocab"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/codec"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// NamedSTT pairs an STT provider with the name it was configured under.
type NamedSTT struct {
	Name     string
	Provider stt.Provider
}

// Providers holds the instantiated provider implementations. The VAD engine
// and the primary STT provider are required; fallbacks are tried in order
// when the primary fails or its circuit breaker is open.
type Providers struct {
	VAD          vad.Engine
	STT          NamedSTT
	STTFallbacks []NamedSTT
}

// App owns all subsystem lifetimes and orchestrates startup and shutdown.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Injected or created during New.
	sink     auditlog.Sink
	store    artifact.Store
	registry *prometheus.Registry
	logLevel *slog.LevelVar

	metrics     *observe.Metrics
	transcriber *resilience.TranscriberFallback
	processor   *turn.Processor
	handler     *server.Handler
	health      *health.Handler
	checkers    []health.Checker
	mux         *http.ServeMux
	srv         *http.Server

	mu       sync.Mutex
	listener net.Listener

	// closers are called in order during Shutdown.
	closers   []func(context.Context) error
	serveOnce sync.Once
	stopOnce  sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithAuditSink injects the metrics log sink instead of creating the CSV and
// PostgreSQL sinks from the storage config.
func WithAuditSink(s auditlog.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithArtifactStore injects the utterance store instead of creating a file
// store under storage.log_directory.
func WithArtifactStore(s artifact.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRegistry collects Prometheus metrics in r. A fresh registry is created
// when this option is not used.
func WithRegistry(r *prometheus.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLogLevel lets configuration reloads adjust lv at runtime.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates a new App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil || providers.STT.Provider == nil {
		return nil, errors.New("app: a VAD engine and an STT provider are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"telemetry", a.initTelemetry},
		{"storage", a.initStorage},
		{"transcriber", a.initTranscriber},
		{"server", a.initServer},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.runClosers(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	return a, nil
}

// initTelemetry sets up the OTel providers with a Prometheus bridge.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Registerer:  a.registry,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)

	a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
	return err
}

// initStorage creates the utterance store and the metrics log sinks unless
// they were injected.
func (a *App) initStorage(ctx context.Context) error {
	st := a.cfg.Storage
	if a.store == nil && !st.DisableAudio {
		fs, err := artifact.NewFileStore(st.LogDirectory)
		if err != nil {
			return err
		}
		a.store = fs
	}
	if a.sink != nil {
		return nil
	}

	csvPath := st.MetricsCSV
	if !filepath.IsAbs(csvPath) && st.LogDirectory != "" {
		csvPath = filepath.Join(st.LogDirectory, csvPath)
	}
	csvSink, err := auditlog.NewCSVSink(csvPath)
	if err != nil {
		return err
	}
	sinks := auditlog.Multi{csvSink}

	if st.PostgresDSN != "" {
		pg, err := auditlog.NewPostgresSink(ctx, st.PostgresDSN)
		if err != nil {
			return err
		}
		sinks = append(sinks, pg)
		a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: pg.Ping})
		a.closers = append(a.closers, func(context.Context) error {
			pg.Close()
			return nil
		})
	}
	a.sink = sinks
	return nil
}

// initTranscriber builds the circuit-broken STT chain.
func (a *App) initTranscriber(context.Context) error {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("app: transcriber breaker changed state", "provider", name, "from", from.String(), "to", to.String())
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}
	primary := a.providers.STT
	a.transcriber = resilience.NewTranscriberFallback(primary.Provider, primary.Name, fbCfg)
	a.addCloser(primary.Provider)
	for _, fb := range a.providers.STTFallbacks {
		a.transcriber.AddFallback(fb.Name, fb.Provider)
		a.addCloser(fb.Provider)
	}
	a.checkers = append(a.checkers, health.Flag("transcriber", a.transcriber.Healthy))

	procOpts := []turn.Option{
		turn.WithMetrics(a.metrics),
		turn.WithProviderName(primary.Name),
		turn.WithLanguage(config.OptString(a.cfg.Providers.STT.Options, "language")),
	}
	if a.store != nil {
		procOpts = append(procOpts, turn.WithArtifactStore(a.store))
	}
	if vc := a.cfg.Vocabulary; len(vc.Terms) > 0 {
		var vopts []vocab.Option
		if vc.PhoneticThreshold > 0 {
			vopts = append(vopts, vocab.WithPhoneticThreshold(vc.PhoneticThreshold))
		}
		if vc.FuzzyThreshold > 0 {
			vopts = append(vopts, vocab.WithFuzzyThreshold(vc.FuzzyThreshold))
		}
		v := vocab.New(vc.Terms, vopts...)
		procOpts = append(procOpts, turn.WithVocabulary(v))
		slog.Info("app: vocabulary loaded", "terms", v.Len())
	}
	a.processor = turn.New(a.transcriber, a.sink, procOpts...)
	return nil
}

// addCloser registers p for shutdown when it holds resources.
func (a *App) addCloser(p stt.Provider) {
	if c, ok := p.(io.Closer); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}
}

// initServer builds the WebSocket handler, the health endpoints and the HTTP
// server.
func (a *App) initServer(context.Context) error {
	scfg, err := ServerConfig(a.cfg)
	if err != nil {
		return err
	}
	var hopts []server.Option
	hopts = append(hopts, server.WithMetrics(a.metrics))
	if len(a.cfg.Server.AllowedOrigins) > 0 {
		hopts = append(hopts, server.WithOriginPatterns(a.cfg.Server.AllowedOrigins...))
	}
	a.handler, err = server.NewHandler(scfg, a.providers.VAD, a.processor, hopts...)
	if err != nil {
		return err
	}

	a.health = health.New(a.checkers...)
	a.mux = http.NewServeMux()
	a.mux.Handle("/ws", observe.Middleware(a.metrics)(a.handler))
	a.health.Register(a.mux)
	a.mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	a.srv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// ServerConfig converts the loaded configuration to the per-connection
// server configuration.
func ServerConfig(cfg *config.Config) (server.Config, error) {
	enc, err := codec.Parse(cfg.Audio.Encoding)
	if err != nil {
		return server.Config{}, err
	}
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return server.Config{
		Endpoint: endpoint.Config{
			Format: audio.Format{
				SampleRate:     cfg.Audio.SampleRate,
				Channels:       cfg.Audio.Channels,
				BytesPerSample: cfg.Audio.BytesPerSample,
			},
			FrameDuration:  cfg.Audio.FrameDuration(),
			InitialIdle:    ms(cfg.Endpoint.InitialIdleMs),
			SubsequentIdle: ms(cfg.Endpoint.SubsequentIdleMs),
			MinSpeech:      ms(cfg.Endpoint.MinSpeechDurationMs),
			MaxUtterance:   ms(cfg.Endpoint.MaxUtteranceMs),
		},
		Encoding:       enc,
		Aggressiveness: cfg.Endpoint.Aggressiveness(),
		AutoResume:     cfg.Server.AutoResume,
	}, nil
}

// Handler returns the root HTTP handler serving /ws, /healthz, /readyz and
// /metrics.
func (a *App) Handler() http.Handler { return a.mux }

// Addr returns the address the server listens on once Run has started, or
// the configured address before that.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.srv.Addr
}

// Run serves HTTP until ctx is cancelled or the server fails. It returns nil
// after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.listener == nil {
		l, err := net.Listen("tcp", a.srv.Addr)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("app: listen on %s: %w", a.srv.Addr, err)
		}
		a.listener = l
	}
	l := a.listener
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("app: serving", "addr", l.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ServeTLS(l, tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.Serve(l)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return a.stopServing(sctx)
	})
	return g.Wait()
}

// stopServing stops accepting requests and disconnects every WebSocket
// client. It runs at most once.
func (a *App) stopServing(ctx context.Context) error {
	var err error
	a.serveOnce.Do(func() {
		a.handler.Close()
		err = a.srv.Shutdown(ctx)
	})
	return err
}

// OnConfigChange applies a reloaded configuration given what changed. Its
// signature matches [config.ReloadFunc]. Connection settings take effect for
// new connections; the log level changes immediately; everything else is
// reported as requiring a restart.
func (a *App) OnConfigChange(cfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.ConnectionChanged {
		scfg, err := ServerConfig(cfg)
		if err == nil {
			err = a.handler.UpdateConfig(scfg)
		}
		if err != nil {
			slog.Error("app: cannot apply connection settings", "err", err)
		} else {
			slog.Info("app: connection settings updated for new connections")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: configuration changes require a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its [slog.Level].
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Shutdown tears down all subsystems. Open connections are closed, pending
// turns are processed, then closers run in order. It respects the context
// deadline: if ctx expires, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if err := a.stopServing(ctx); err != nil {
			slog.Warn("app: http shutdown error", "err", err)
		}
		if err := a.handler.Shutdown(ctx); err != nil {
			slog.Warn("app: pending turns not drained", "err", err)
			shutdownErr = err
			return
		}
		shutdownErr = a.runClosers(ctx)
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(ctx); err != nil {
			slog.Warn("app: closer error", "index", i, "err", err)
		}
	}
	return nil
}
