package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Options are export settings that may come from a YAML file. Zero values
// mean "not set" and leave the flag default in place.
type Options struct {
	Output      string   `yaml:"output"`
	Load        string   `yaml:"load"`
	Concurrent  int      `yaml:"concurrent"`
	Max         int      `yaml:"max"`
	Filter      []string `yaml:"filter"`
	MetricsFile string   `yaml:"metrics_file"`

	RateLimit RateLimitOptions `yaml:"rate_limit"`
	Retry     RetryOptions     `yaml:"retry"`
}

// RateLimitOptions tune the 429 handling.
type RateLimitOptions struct {
	Ceiling time.Duration `yaml:"ceiling"`
	Default time.Duration `yaml:"default"`
	Clamp   bool          `yaml:"clamp"`
}

// RetryOptions tune the transient-failure retries.
type RetryOptions struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Step        time.Duration `yaml:"step"`
}

// LoadOptions reads an options file. Unknown keys are rejected.
func LoadOptions(fs afero.Fs, path string) (Options, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Options{}, fmt.Errorf("read options file: %w", err)
	}

	var opts Options
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return Options{}, fmt.Errorf("parse options file %s: %w", path, err)
	}

	if opts.Concurrent < 0 {
		return Options{}, fmt.Errorf("options file %s: concurrent must not be negative", path)
	}
	if opts.Max < 0 {
		return Options{}, fmt.Errorf("options file %s: max must not be negative", path)
	}
	return opts, nil
}
