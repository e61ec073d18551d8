// Package app wires all VoxPipe subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects the
// history store, performance recorder, providers, pipeline, and HTTP
// surface; Run serves until the context is cancelled; Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithHistoryStore, WithLLMProvider, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxpipe/voxpipe/internal/config"
	"github.com/voxpipe/voxpipe/internal/health"
	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/internal/pipeline"
	"github.com/voxpipe/voxpipe/internal/resilience"
	"github.com/voxpipe/voxpipe/internal/transport/wsserver"
	"github.com/voxpipe/voxpipe/pkg/history"
	historypg "github.com/voxpipe/voxpipe/pkg/history/postgres"
	"github.com/voxpipe/voxpipe/pkg/llm"
	"github.com/voxpipe/voxpipe/pkg/metrics"
	metricspg "github.com/voxpipe/voxpipe/pkg/metrics/postgres"
	"github.com/voxpipe/voxpipe/pkg/stt"
	"github.com/voxpipe/voxpipe/pkg/tts"
	"github.com/voxpipe/voxpipe/pkg/vad"
)

// App owns all subsystem lifetimes for one VoxPipe server process.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	logger   *slog.Logger

	store    history.Store
	recorder metrics.Recorder
	provider llm.Provider
	stt      stt.Transcriber
	tts      tts.Synthesizer

	adapter  *llm.Adapter
	pipeline *pipeline.Pipeline
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from
// config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRecorder injects a performance recorder instead of creating one from
// config.
func WithRecorder(r metrics.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithLLMProvider injects an LLM provider instead of creating one via the
// registry.
func WithLLMProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithTranscriber injects an STT provider instead of creating one via the
// registry.
func WithTranscriber(t stt.Transcriber) Option {
	return func(a *App) { a.stt = t }
}

// WithSynthesizer injects a TTS provider instead of creating one via the
// registry.
func WithSynthesizer(s tts.Synthesizer) Option {
	return func(a *App) { a.tts = s }
}

// WithRegistry overrides the provider registry. Defaults to
// [config.DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: stores connect, providers construct, and the HTTP surface is
// assembled before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.DefaultRegistry()
	}

	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStores sets up the history store and performance recorder, or keeps
// injected ones.
func (a *App) initStores(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.History.Backend {
		case config.HistoryPostgres:
			store, err := historypg.NewStore(ctx, a.cfg.History.DSN,
				historypg.WithContextTimeout(a.cfg.History.ContextTimeout.Std()))
			if err != nil {
				return fmt.Errorf("connect history store: %w", err)
			}
			a.store = store
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
		default:
			var memOpts []history.MemoryOption
			if a.cfg.History.ContextTimeout != 0 {
				memOpts = append(memOpts, history.WithContextTimeout(a.cfg.History.ContextTimeout.Std()))
			}
			a.store = history.NewMemoryStore(memOpts...)
		}
	}

	if a.recorder == nil {
		switch a.cfg.Metrics.Backend {
		case config.MetricsPostgres:
			rec, err := metricspg.NewRecorder(ctx, a.cfg.Metrics.DSN)
			if err != nil {
				return fmt.Errorf("connect metrics recorder: %w", err)
			}
			a.recorder = rec
		default:
			a.recorder = metrics.NewLogRecorder(a.logger)
		}
	}
	return nil
}

// initProviders constructs the providers named in the config via the
// registry, wraps each in a failover group when fallbacks are configured,
// then wraps the LLM in the streaming adapter.
func (a *App) initProviders() error {
	if a.provider == nil {
		p, err := a.registry.CreateLLM(a.cfg.Providers.LLM)
		if err != nil {
			return fmt.Errorf("create llm provider %q: %w", a.cfg.Providers.LLM.Name, err)
		}
		if entries := a.cfg.Providers.LLM.Fallbacks; len(entries) > 0 {
			fallbacks := make([]llm.Provider, 0, len(entries))
			for _, e := range entries {
				f, err := a.registry.CreateLLM(e)
				if err != nil {
					return fmt.Errorf("create llm fallback %q: %w", e.Name, err)
				}
				fallbacks = append(fallbacks, f)
			}
			p = resilience.NewLLMFallback(p, fallbacks, a.fallbackConfig())
		}
		a.provider = p
		slog.Info("provider created", "kind", "llm", "name", p.Name())
	}

	if a.stt == nil && a.cfg.Providers.STT.Name != "" {
		t, err := a.registry.CreateSTT(a.cfg.Providers.STT)
		if err != nil {
			return fmt.Errorf("create stt provider %q: %w", a.cfg.Providers.STT.Name, err)
		}
		if entries := a.cfg.Providers.STT.Fallbacks; len(entries) > 0 {
			fallbacks := make([]stt.Transcriber, 0, len(entries))
			for _, e := range entries {
				f, err := a.registry.CreateSTT(e)
				if err != nil {
					return fmt.Errorf("create stt fallback %q: %w", e.Name, err)
				}
				fallbacks = append(fallbacks, f)
			}
			t = resilience.NewSTTFallback(t, fallbacks, a.fallbackConfig())
		}
		a.stt = t
		slog.Info("provider created", "kind", "stt", "name", t.Name())
	}

	if a.tts == nil && a.cfg.Providers.TTS.Name != "" {
		s, err := a.registry.CreateTTS(a.cfg.Providers.TTS)
		if err != nil {
			return fmt.Errorf("create tts provider %q: %w", a.cfg.Providers.TTS.Name, err)
		}
		if entries := a.cfg.Providers.TTS.Fallbacks; len(entries) > 0 {
			fallbacks := make([]tts.Synthesizer, 0, len(entries))
			for _, e := range entries {
				f, err := a.registry.CreateTTS(e)
				if err != nil {
					return fmt.Errorf("create tts fallback %q: %w", e.Name, err)
				}
				fallbacks = append(fallbacks, f)
			}
			s = resilience.NewTTSFallback(s, fallbacks, a.fallbackConfig())
		}
		a.tts = s
		slog.Info("provider created", "kind", "tts", "name", s.Name())
	}

	adapterOpts := []llm.Option{llm.WithHistory(a.store)}
	if a.cfg.Agent.SystemPrompt != "" {
		adapterOpts = append(adapterOpts, llm.WithSystemPrompt(a.cfg.Agent.SystemPrompt))
	}
	if a.cfg.Agent.Temperature != 0 {
		adapterOpts = append(adapterOpts, llm.WithTemperature(a.cfg.Agent.Temperature))
	}
	if a.cfg.Agent.VoiceTextTag != "" {
		adapterOpts = append(adapterOpts, llm.WithVoiceTextTag(a.cfg.Agent.VoiceTextTag))
	}
	a.adapter = llm.NewAdapter(a.provider, adapterOpts...)
	return nil
}

// fallbackConfig is the shared circuit breaker tuning for provider failover
// groups.
func (a *App) fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Logger: a.logger},
		Logger:         a.logger,
	}
}

// initPipeline assembles the turn orchestrator.
func (a *App) initPipeline() error {
	var mapper *tts.StyleMapper
	if len(a.cfg.Agent.StyleMap) > 0 {
		mapper = tts.NewStyleMapper(a.cfg.Agent.StyleMap, a.cfg.Agent.DefaultStyle)
	}

	p, err := pipeline.New(pipeline.Config{
		STT:         a.stt,
		LLM:         a.adapter,
		TTS:         a.tts,
		StyleMapper: mapper,
		Recorder:    a.recorder,
		SampleRate:  a.cfg.VAD.SampleRate,
		Channels:    a.cfg.VAD.Channels,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	a.pipeline = p
	return nil
}

// initHTTP assembles the mux: WebSocket endpoint, health probes, and the
// Prometheus scrape endpoint.
func (a *App) initHTTP() {
	vadCfg := vad.Config{
		VolumeDBThreshold: a.cfg.VAD.VolumeDBThreshold,
		SilenceDuration:   a.cfg.VAD.SilenceDuration.Std(),
		MinDuration:       a.cfg.VAD.MinDuration.Std(),
		MaxDuration:       a.cfg.VAD.MaxDuration.Std(),
		SampleRate:        a.cfg.VAD.SampleRate,
		Channels:          a.cfg.VAD.Channels,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsserver.New(a.pipeline, vadCfg, a.logger))
	mux.Handle("GET /metrics", promhttp.Handler())

	var checkers []health.Checker
	if pinger, ok := a.store.(health.Pinger); ok {
		checkers = append(checkers, health.Database("history", pinger))
	}
	if a.tts != nil {
		checkers = append(checkers, health.Synthesizer(a.tts))
	}
	health.New(checkers...).Register(mux)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Pipeline exposes the turn orchestrator, for transports constructed outside
// the App (e.g. the local audio device).
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Adapter exposes the LLM streaming adapter so callers can register tools
// before Run.
func (a *App) Adapter() *llm.Adapter {
	return a.adapter
}

// ApplyConfig applies hot-reloadable settings from a freshly loaded config.
// Invoked by the config watcher's onChange callback.
func (a *App) ApplyConfig(d config.ConfigDiff, cfg *config.Config) {
	if d.SystemPromptChanged {
		a.adapter.SetSystemPrompt(cfg.Agent.SystemPrompt)
		a.logger.Info("system prompt reloaded")
	}
	if d.TemperatureChanged {
		a.adapter.SetTemperature(cfg.Agent.Temperature)
		a.logger.Info("temperature reloaded", "temperature", cfg.Agent.Temperature)
	}
	if d.StyleChanged {
		a.logger.Info("style map change requires restart")
	}
	if d.LogLevelChanged {
		a.logger.Info("log level change requires restart", "new_level", d.NewLogLevel)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then drains in-flight turns.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.server.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, cancels in-flight turns, and closes stores
// in order. It respects the context deadline: if ctx expires, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown error", "err", err)
		}

		// Cancels turns and flushes the recorder.
		a.pipeline.Shutdown(ctx)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
