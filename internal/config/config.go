// Package config provides the configuration schema, loader, and
// validation for a decode pipeline topology.
package config

import "time"

// Config is the root configuration structure for a decode pipeline
// process. It is typically loaded from a YAML file using [Load] or
// [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Feature FeatureConfig `yaml:"feature"`
	Stages  []StageConfig `yaml:"stages"`
	Links   []LinkConfig  `yaml:"links"`
}

// ServerConfig holds process-wide logging settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated slog level name.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised level names.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// FeatureConfig configures the shared feature buffer every stage reads
// frames from.
type FeatureConfig struct {
	// Dimension is the fixed per-frame feature vector length, identical
	// across every stage and fixed at pipeline construction.
	Dimension int `yaml:"dimension"`

	// PollIntervalMillis overrides the default polling interval of the
	// feature buffer's sync-seq waits and of each stage's wait for its
	// next frame. The arc buffer and the feature buffer's start gate poll
	// at a fixed interval that this setting does not change. Zero means
	// use the library default.
	PollIntervalMillis int `yaml:"poll_interval_millis"`
}

// PollInterval returns the configured poll interval as a [time.Duration],
// or zero if unset.
func (f FeatureConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalMillis) * time.Millisecond
}

// StageConfig describes one search stage to instantiate.
type StageConfig struct {
	// Name uniquely identifies this stage within the pipeline, and is
	// used as the key passed to pipeline.Create and to name links that
	// reference it.
	Name string `yaml:"name"`

	// Kind selects the search-stage variant ("state_align" is the only
	// kind this module implements a concrete Decoder for).
	Kind StageKind `yaml:"kind"`

	// Template, if set, names an earlier stage in Stages whose
	// configuration (bptbl capacity, word list) this stage's
	// unspecified fields are copied from.
	Template string `yaml:"template"`

	// Words is the known transcript a state_align stage aligns
	// against, as a flat list of vocabulary word IDs; the senone
	// expansion for each word is supplied by the host application's
	// dictionary, not by this config.
	Words []int32 `yaml:"words"`

	// BPInitialCapacity and BPInitialFrameCapacity are capacity hints
	// for the stage's back-pointer table. They apply as a pair: unless
	// both are set, both come from the template (or the defaults).
	BPInitialCapacity      int `yaml:"bp_initial_capacity"`
	BPInitialFrameCapacity int `yaml:"bp_initial_frame_capacity"`
}

// StageKind names a supported search-stage variant.
type StageKind string

const (
	StageKindStateAlign StageKind = "state_align"
)

// IsValid reports whether k is a recognised stage kind.
func (k StageKind) IsValid() bool {
	return k == StageKindStateAlign
}

// LinkConfig wires one stage's output arc buffer to another stage's
// input.
type LinkConfig struct {
	// Name identifies the arc buffer created by this link.
	Name string `yaml:"name"`

	// From/To name stages already declared in Stages.
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// KeepScores controls whether arcs carry the upstream stage's
	// back-pointer path score.
	KeepScores bool `yaml:"keep_scores"`
}
