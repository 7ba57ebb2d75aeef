// Command voxstream is the speech-synthesis delivery server. It accepts
// websocket conversations, synthesizes requested utterances through the
// configured TTS provider, and streams timed audio chunks with viseme
// timelines back to the client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fictive-reality/voxstream/internal/config"
	"github.com/fictive-reality/voxstream/internal/observe"
	"github.com/fictive-reality/voxstream/internal/server"
	"github.com/fictive-reality/voxstream/pkg/synth"
	"github.com/fictive-reality/voxstream/pkg/synth/elevenlabs"
	"github.com/fictive-reality/voxstream/pkg/synth/mock"
	oaisynth "github.com/fictive-reality/voxstream/pkg/synth/openai"
)

const defaultListenAddr = ":8000"

var version = "dev" // set via -ldflags at build time

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxstream: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxstream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config reloads can adjust it without
	// replacing the handler.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}
	slog.Info("voxstream starting",
		"version", version,
		"config", *configPath,
		"listen_addr", listenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxstream",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Conversation server ───────────────────────────────────────────────────
	srv := server.New(cfg, reg, metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", observe.Middleware(metrics)(srv.Handler()))

	httpSrv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config reload ─────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, updated *config.Config, diff config.ConfigDiff) {
		if !diff.Any() {
			return
		}
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "log_level", diff.NewLogLevel)
		}
		if diff.SynthesisChanged || diff.ProvidersChanged || diff.BreakerChanged {
			srv.UpdateConfig(updated)
			slog.Info("configuration reloaded; applies to new conversations",
				"synthesis", diff.SynthesisChanged,
				"providers", diff.ProvidersChanged,
				"breaker", diff.BreakerChanged,
			)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, listenAddr)

	// ── Serve ─────────────────────────────────────────────────────────────────
	errCh := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()
	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the synthesizer factories that ship with
// voxstream into reg. Each factory receives a [config.ProviderEntry] and the
// session's synthesis parameters.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("elevenlabs", func(entry config.ProviderEntry, cfg synth.Config) (synth.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Voice != "" {
			opts = append(opts, elevenlabs.WithVoice(entry.Voice))
		}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		stability, okStability := optFloat(entry.Options, "stability")
		boost, okBoost := optFloat(entry.Options, "similarity_boost")
		if okStability && okBoost {
			opts = append(opts, elevenlabs.WithVoiceSettings(stability, boost))
		}
		if lat, ok := optFloat(entry.Options, "optimize_streaming_latency"); ok {
			opts = append(opts, elevenlabs.WithOptimizeStreamingLatency(int(lat)))
		}
		return elevenlabs.New(entry.APIKey, cfg, opts...)
	})

	reg.Register("openai", func(entry config.ProviderEntry, cfg synth.Config) (synth.Synthesizer, error) {
		var opts []oaisynth.Option
		if entry.Model != "" {
			opts = append(opts, oaisynth.WithModel(oai.SpeechModel(entry.Model)))
		}
		if entry.Voice != "" {
			opts = append(opts, oaisynth.WithVoice(oai.AudioSpeechNewParamsVoice(entry.Voice)))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaisynth.WithBaseURL(entry.BaseURL))
		}
		if speed, ok := optFloat(entry.Options, "speed"); ok {
			opts = append(opts, oaisynth.WithSpeed(speed))
		}
		return oaisynth.New(entry.APIKey, cfg, opts...)
	})

	// mock speaks silence; useful for smoke tests and client development.
	reg.Register("mock", func(_ config.ProviderEntry, cfg synth.Config) (synth.Synthesizer, error) {
		return &mock.Synthesizer{Cfg: cfg}, nil
	})

	for _, name := range config.ValidProviderNames {
		slog.Debug("registered synthesizer provider", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, listenAddr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxstream — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Primary", cfg.Providers.Primary.Name, cfg.Providers.Primary.Voice)
	if fb := cfg.Providers.Fallback; fb != nil {
		printProvider("Fallback", fb.Name, fb.Voice)
	} else {
		printProvider("Fallback", "", "")
	}
	scfg := cfg.Synthesis.SynthConfig()
	fmt.Printf("║  Audio      : %-23s ║\n", fmt.Sprintf("%s @ %d Hz", scfg.Encoding, scfg.SampleRate))
	if cfg.Lipsync.Enabled() {
		fmt.Printf("║  Lipsync    : %-23s ║\n", "enabled")
	} else {
		fmt.Printf("║  Lipsync    : %-23s ║\n", "(disabled)")
	}
	if cfg.Synthesis.CacheDir != "" {
		fmt.Printf("║  Cache dir  : %-23s ║\n", truncate(cfg.Synthesis.CacheDir, 23))
	}
	fmt.Printf("║  Listen addr: %-23s ║\n", listenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, voice string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if voice != "" {
		value = name + " / " + voice
	}
	fmt.Printf("║  %-11s: %-23s ║\n", kind, truncate(value, 23))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-1] + "…"
	}
	return s
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
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

// optFloat extracts a numeric value from a provider Options map. YAML decodes
// numbers as either int or float64 depending on their spelling.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
