// Package config loads calyxd's YAML configuration file, following the
// same gopkg.in/yaml.v3 unmarshal pattern the coordinator's predecessor
// used for its resource manifests.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/stationcalyx/coordinator/pkg/domains"
	"gopkg.in/yaml.v3"
)

// Paths holds the on-disk locations components read from or write to.
// Default places all of them under Root; Load does not re-derive the other
// paths when a config file sets only root. EventsLog and HeartbeatFile are
// not read by any component: telemetry reads the heartbeat from
// <Root>/outgoing/cbo.lock.
type Paths struct {
	Root              string `yaml:"root"`
	StateFile         string `yaml:"state_file"`
	IntentsDir        string `yaml:"intents_dir"`
	ManifestsDir      string `yaml:"manifests_dir"`
	EventsLog         string `yaml:"events_log"`
	EvidenceLog       string `yaml:"evidence_log"`
	ConfidenceFile    string `yaml:"confidence_file"`
	HistoryLog        string `yaml:"history_log"`
	EscalationsDir    string `yaml:"escalations_dir"`
	DialogLog         string `yaml:"dialog_log"`
	DebugLog          string `yaml:"debug_log"`
	HeartbeatFile     string `yaml:"heartbeat_file"`
	IntentArtifactDir string `yaml:"intent_artifact_dir"`
}

// Config is calyxd's top-level configuration.
type Config struct {
	Paths Paths `yaml:"paths"`

	// PulseIntervalSeconds is how often `calyxd serve` runs a pulse.
	PulseIntervalSeconds int `yaml:"pulse_interval_seconds"`

	// ManifestClaimWindowSeconds is how long a claim on a manifest blocks
	// another claim of the same manifest; after it passes, a manifest still
	// marked claimed can be claimed again.
	ManifestClaimWindowSeconds int `yaml:"manifest_claim_window_seconds"`

	// StallThresholdSeconds is returned by StallThreshold. The Escalation
	// Manager does not read it: it reports a tracked execution as stalled
	// after a fixed 900 seconds.
	StallThresholdSeconds int `yaml:"stall_threshold_seconds"`

	// MaxExecutionsPerPulse caps how many prioritized intents a single
	// pulse attempts to execute; zero or below falls back to 2.
	MaxExecutionsPerPulse int `yaml:"max_executions_per_pulse"`

	// DefaultAutonomyMode is the mode a freshly initialized state starts
	// in when no state file exists yet. Only suggest, guide and execute
	// take effect; any other value leaves the state in suggest.
	DefaultAutonomyMode string `yaml:"default_autonomy_mode"`

	// SchemaValidationRules are optional JSONPath+gval assertions the
	// schema_validation domain checks against every parsed document,
	// beyond its default well-formed check.
	SchemaValidationRules []domains.Rule `yaml:"schema_validation_rules"`

	Log struct {
		Level      string `yaml:"level"`
		JSONOutput bool   `yaml:"json_output"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Default returns the configuration calyxd runs with when no config file
// is supplied: everything rooted under ./calyx-data.
func Default() Config {
	root := "calyx-data"
	cfg := Config{
		Paths: Paths{
			Root:              root,
			StateFile:         root + "/state.json",
			IntentsDir:        root + "/intents",
			ManifestsDir:      root + "/manifests",
			EventsLog:         root + "/events.jsonl",
			EvidenceLog:       root + "/evidence.jsonl",
			ConfidenceFile:    root + "/confidence.json",
			HistoryLog:        root + "/history.jsonl",
			EscalationsDir:    root + "/escalations",
			DialogLog:         root + "/outgoing/bridge/dialog.log",
			DebugLog:          root + "/outgoing/bridge/coord_debug.log",
			HeartbeatFile:     root + "/heartbeat.json",
			IntentArtifactDir: root + "/intent_artifacts",
		},
		PulseIntervalSeconds:       30,
		ManifestClaimWindowSeconds: 300,
		StallThresholdSeconds:      900,
		MaxExecutionsPerPulse: 2,
		DefaultAutonomyMode:   "suggest",
	}
	cfg.Log.Level = "info"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"
	return cfg
}

// PulseInterval returns the configured pulse cadence as a Duration.
func (c Config) PulseInterval() time.Duration {
	return time.Duration(c.PulseIntervalSeconds) * time.Second
}

// ManifestClaimWindow returns the configured claim window as a Duration.
func (c Config) ManifestClaimWindow() time.Duration {
	return time.Duration(c.ManifestClaimWindowSeconds) * time.Second
}

// StallThreshold returns the configured stall threshold as a Duration.
func (c Config) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdSeconds) * time.Second
}

// Load reads and parses a YAML config file, starting from Default() so an
// omitted field keeps its default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}
