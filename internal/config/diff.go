package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true when any of the agent fields below changed.
	AgentChanged        bool
	SystemPromptChanged bool
	TemperatureChanged  bool
	StyleChanged        bool
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.AgentChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; provider,
// history, and listener changes require one.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Agent.SystemPrompt != new.Agent.SystemPrompt {
		d.SystemPromptChanged = true
	}
	if old.Agent.Temperature != new.Agent.Temperature {
		d.TemperatureChanged = true
	}
	if old.Agent.DefaultStyle != new.Agent.DefaultStyle ||
		!maps.Equal(old.Agent.StyleMap, new.Agent.StyleMap) {
		d.StyleChanged = true
	}
	d.AgentChanged = d.SystemPromptChanged || d.TemperatureChanged || d.StyleChanged

	return d
}
