// Command parley is the main entry point for the Parley speech endpointing
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/deepgram"
	sttopenai "github.com/MrWong99/parley/pkg/provider/stt/openai"
	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
	"github.com/MrWong99/parley/pkg/provider/vad/silero"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload connection settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("parley starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(ctx, *configPath, application.OnConfigChange)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping, finishing pending turns")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if secs := config.OptInt(entry.Options, "timeout_seconds"); secs > 0 {
			opts = append(opts, whisper.WithTimeout(time.Duration(secs)*time.Second))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = config.OptString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := config.OptInt(entry.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, sttopenai.WithOrganization(org))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttopenai.WithLanguage(lang))
		}
		return sttopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if raw, ok := entry.Options["thresholds"]; ok {
			t, err := thresholds(raw)
			if err != nil {
				return nil, err
			}
			opts = append(opts, energy.WithThresholds(t))
		}
		return energy.New(opts...), nil
	})

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = config.OptString(entry.Options, "model_path")
		}
		var opts []silero.Option
		if lib := config.OptString(entry.Options, "library_path"); lib != "" {
			opts = append(opts, silero.WithLibraryPath(lib))
		}
		if raw, ok := entry.Options["thresholds"]; ok {
			t, err := thresholds(raw)
			if err != nil {
				return nil, err
			}
			opts = append(opts, silero.WithThresholds(t))
		}
		return silero.New(modelPath, opts...)
	})

	for _, kind := range []string{"stt", "vad"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// thresholds converts the YAML thresholds option to the four levels used by
// aggressiveness 0 through 3: RMS levels for energy, probabilities for silero.
func thresholds(raw any) ([4]float64, error) {
	var out [4]float64
	list, ok := raw.([]any)
	if !ok || len(list) != len(out) {
		return out, fmt.Errorf("vad: thresholds must be a list of %d numbers", len(out))
	}
	for i, v := range list {
		switch n := v.(type) {
		case int:
			out[i] = float64(n)
		case float64:
			out[i] = n
		default:
			return out, fmt.Errorf("vad: thresholds[%d] is not a number", i)
		}
	}
	return out, nil
}

// buildProviders instantiates all providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	v, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	ps.VAD = v
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	p, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = app.NamedSTT{Name: cfg.Providers.STT.Name, Provider: p}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	for _, entry := range cfg.Providers.STTFallbacks {
		p, err := reg.CreateSTT(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown fallback provider, skipping", "kind", "stt", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
		}
		ps.STTFallbacks = append(ps.STTFallbacks, app.NamedSTT{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "stt-fallback", "name", entry.Name)
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Parley startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", providerLabel(cfg.Providers.STT))
	for _, fb := range cfg.Providers.STTFallbacks {
		printRow("STT fallback", providerLabel(fb))
	}
	printRow("VAD", providerLabel(cfg.Providers.VAD))
	printRow("Audio", fmt.Sprintf("%s %dHz %dms", cfg.Audio.Encoding, cfg.Audio.SampleRate, cfg.Audio.FrameDurationMs))
	printRow("Idle (ms)", fmt.Sprintf("%d / %d", cfg.Endpoint.InitialIdleMs, cfg.Endpoint.SubsequentIdleMs))
	printRow("Min speech", fmt.Sprintf("%d ms", cfg.Endpoint.MinSpeechDurationMs))
	if cfg.Storage.PostgresDSN != "" {
		printRow("Postgres", "enabled")
	} else {
		printRow("Postgres", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
