package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// Validate checks that cfg contains a coherent pipeline topology. It returns
// a joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Feature.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("feature.dimension must be positive, got %d", cfg.Feature.Dimension))
	}
	if cfg.Feature.PollIntervalMillis < 0 {
		errs = append(errs, fmt.Errorf("feature.poll_interval_millis must not be negative, got %d", cfg.Feature.PollIntervalMillis))
	}

	stageNames := make(map[string]int, len(cfg.Stages))
	for i, st := range cfg.Stages {
		prefix := fmt.Sprintf("stages[%d]", i)
		if st.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := stageNames[st.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of stages[%d]", prefix, st.Name, prev))
			}
			stageNames[st.Name] = i
		}
		if st.Kind != "" && !st.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: state_align", prefix, st.Kind))
		}
		if st.Template != "" {
			if _, ok := stageNames[st.Template]; !ok {
				errs = append(errs, fmt.Errorf("%s.template %q does not name an earlier stage", prefix, st.Template))
			}
		}
		if st.BPInitialCapacity < 0 {
			errs = append(errs, fmt.Errorf("%s.bp_initial_capacity must not be negative, got %d", prefix, st.BPInitialCapacity))
		}
		if st.BPInitialFrameCapacity < 0 {
			errs = append(errs, fmt.Errorf("%s.bp_initial_frame_capacity must not be negative, got %d", prefix, st.BPInitialFrameCapacity))
		}
	}

	for i, link := range cfg.Links {
		prefix := fmt.Sprintf("links[%d]", i)
		if link.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if _, ok := stageNames[link.From]; !ok {
			errs = append(errs, fmt.Errorf("%s.from %q does not name a declared stage", prefix, link.From))
		}
		if _, ok := stageNames[link.To]; !ok {
			errs = append(errs, fmt.Errorf("%s.to %q does not name a declared stage", prefix, link.To))
		}
		if link.From == link.To && link.From != "" {
			errs = append(errs, fmt.Errorf("%s: from and to must differ, both are %q", prefix, link.From))
		}
	}

	return errors.Join(errs...)
}
