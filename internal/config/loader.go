package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai"},
	"stt": {"openai"},
	"tts": {"voicevox"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, fmt.Errorf("providers.llm.name is required"))
	}
	for kind, entry := range map[string]ProviderEntry{
		"llm": cfg.Providers.LLM,
		"stt": cfg.Providers.STT,
		"tts": cfg.Providers.TTS,
	} {
		for i, fb := range entry.Fallbacks {
			validateProviderName(kind, fb.Name)
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			}
		}
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; only text requests will be served")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; responses will be text-only")
	}

	// Agent
	if t := cfg.Agent.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Agent.DefaultStyle != "" && len(cfg.Agent.StyleMap) > 0 {
		if _, ok := cfg.Agent.StyleMap[cfg.Agent.DefaultStyle]; !ok {
			errs = append(errs, fmt.Errorf("agent.default_style %q is not a key of agent.style_map", cfg.Agent.DefaultStyle))
		}
	}

	// VAD
	if cfg.VAD.VolumeDBThreshold > 0 {
		errs = append(errs, fmt.Errorf("vad.volume_db_threshold %.1f must be negative (dBFS)", cfg.VAD.VolumeDBThreshold))
	}
	if cfg.VAD.SilenceDuration < 0 || cfg.VAD.MinDuration < 0 || cfg.VAD.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("vad durations must not be negative"))
	}
	if cfg.VAD.MaxDuration != 0 && cfg.VAD.MinDuration > cfg.VAD.MaxDuration {
		errs = append(errs, fmt.Errorf("vad.min_duration %s exceeds vad.max_duration %s", cfg.VAD.MinDuration, cfg.VAD.MaxDuration))
	}

	// History
	if cfg.History.Backend != "" && !cfg.History.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, postgres", cfg.History.Backend))
	}
	if cfg.History.Backend == HistoryPostgres && cfg.History.DSN == "" {
		errs = append(errs, fmt.Errorf("history.dsn is required when history.backend is postgres"))
	}
	if cfg.History.ContextTimeout < 0 {
		errs = append(errs, fmt.Errorf("history.context_timeout must not be negative"))
	}

	// Metrics
	if cfg.Metrics.Backend != "" && !cfg.Metrics.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("metrics.backend %q is invalid; valid values: log, postgres", cfg.Metrics.Backend))
	}
	if cfg.Metrics.Backend == MetricsPostgres && cfg.Metrics.DSN == "" {
		errs = append(errs, fmt.Errorf("metrics.dsn is required when metrics.backend is postgres"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
