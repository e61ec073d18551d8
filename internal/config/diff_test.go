package config_test

import (
	"testing"

	"github.com/voxpipe/voxpipe/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Agent: config.AgentConfig{
			SystemPrompt: "You are a helpful assistant.",
			Temperature:  0.7,
			DefaultStyle: "normal",
			StyleMap:     map[string]int{"normal": 3, "smile": 5},
		},
	}
}

func TestDiffNoChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	d := config.Diff(old, new)
	if d.Any() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiffLogLevel(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q", d.NewLogLevel)
	}
	if d.AgentChanged {
		t.Error("AgentChanged should be false")
	}
}

func TestDiffAgentFields(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Agent.SystemPrompt = "You are terse."
	new.Agent.StyleMap = map[string]int{"normal": 3}

	d := config.Diff(old, new)
	if !d.AgentChanged {
		t.Error("AgentChanged should be true")
	}
	if !d.SystemPromptChanged {
		t.Error("SystemPromptChanged should be true")
	}
	if !d.StyleChanged {
		t.Error("StyleChanged should be true")
	}
	if d.TemperatureChanged {
		t.Error("TemperatureChanged should be false")
	}
}

func TestDiffTemperature(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Agent.Temperature = 1.2

	d := config.Diff(old, new)
	if !d.TemperatureChanged || !d.AgentChanged {
		t.Errorf("expected temperature change flagged, got %+v", d)
	}
}
