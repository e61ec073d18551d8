// Command voxpipe is the main entry point for the VoxPipe speech-to-speech
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

	"github.com/joho/godotenv"

	"github.com/voxpipe/voxpipe/internal/app"
	"github.com/voxpipe/voxpipe/internal/config"
	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/internal/transport/device"
	"github.com/voxpipe/voxpipe/pkg/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	useMic := flag.Bool("mic", false, "serve the local microphone and speakers instead of listening for WebSocket clients")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment")
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxpipe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxpipe: %v\n", err)
		}
		return 1
	}
	applyEnvOverrides(cfg)

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("voxpipe starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxpipe",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.ApplyConfig(config.Diff(old, new), new)
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Local microphone mode ─────────────────────────────────────────────────
	var mic *device.Device
	if *useMic {
		mic, err = device.New(application.Pipeline(), device.Config{
			ContextID:  "local",
			SampleRate: cfg.VAD.SampleRate,
			Channels:   cfg.VAD.Channels,
			VAD: vad.Config{
				VolumeDBThreshold: cfg.VAD.VolumeDBThreshold,
				SilenceDuration:   cfg.VAD.SilenceDuration.Std(),
				MinDuration:       cfg.VAD.MinDuration.Std(),
				MaxDuration:       cfg.VAD.MaxDuration.Std(),
				SampleRate:        cfg.VAD.SampleRate,
				Channels:          cfg.VAD.Channels,
			},
			Logger: logger,
		})
		if err != nil {
			slog.Error("failed to prepare audio device", "err", err)
			return 1
		}
		if err := mic.Start(ctx); err != nil {
			slog.Error("failed to start audio device", "err", err)
			return 1
		}
		slog.Info("listening on local microphone — press Ctrl+C to exit")
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if mic != nil {
		if err := mic.Stop(shutdownCtx); err != nil {
			slog.Warn("audio device stop error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyEnvOverrides fills provider API keys from the environment when the
// config leaves them empty, so secrets can stay out of the YAML file.
func applyEnvOverrides(cfg *config.Config) {
	if cfg.Providers.LLM.APIKey == "" {
		cfg.Providers.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Providers.STT.APIKey == "" {
		cfg.Providers.STT.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Providers.TTS.APIKey == "" {
		cfg.Providers.TTS.APIKey = os.Getenv("VOICEVOX_API_KEY")
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         VoxPipe — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  History         : %-19s ║\n", backendLabel(string(cfg.History.Backend), "memory"))
	fmt.Printf("║  Metrics         : %-19s ║\n", backendLabel(string(cfg.Metrics.Backend), "log"))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func backendLabel(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
