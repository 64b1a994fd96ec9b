/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for safe-chain.

Configuration is resolved in this order (highest priority first):
  1. CLI flags (explicitly passed)
  2. Config file values
  3. Built-in defaults
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for safe-chain.
type Config struct {
	Logging         string     `yaml:"logging"`
	DataDir         string     `yaml:"data_dir"`
	MalwareListURLs []string   `yaml:"malware_list_urls"`
	MinimumAge      MinimumAge `yaml:"minimum_age"`
	CA              CA         `yaml:"ca"`
	Timeouts        Timeouts   `yaml:"timeouts"`
	IncludePython   bool       `yaml:"include_python"`
}

// MinimumAge configures the npm packument age-filter.
type MinimumAge struct {
	Skip           bool     `yaml:"skip"`
	Hours          int      `yaml:"hours"`
	ExemptPackages []string `yaml:"exempt_packages"`
}

// CA holds persisted root CA material paths.
type CA struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Timeouts holds proxy and pre-scan timeout configuration. Connect and
// PreScan are passed to the proxy and the pre-scan; Shutdown is validated
// but not read anywhere — the proxy's stop timeout is a fixed one second.
type Timeouts struct {
	Shutdown Duration `yaml:"shutdown"`
	Connect  Duration `yaml:"connect"`
	PreScan  Duration `yaml:"pre_scan"`
}

// validLoggingLevels are the values accepted for Logging and for the
// --safe-chain-logging flag.
var validLoggingLevels = map[string]bool{
	"silent":  true,
	"normal":  true,
	"verbose": true,
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Logging: "silent",
		DataDir: "~/.safe-chain",
		MinimumAge: MinimumAge{
			Hours: 24,
		},
		CA: CA{
			Cert: "ca-cert.pem",
			Key:  "ca-key.pem",
		},
		Timeouts: Timeouts{
			Shutdown: Duration{time.Second},
			Connect:  Duration{10 * time.Second},
			PreScan:  Duration{30 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for safe-chain.yml or safe-chain.yaml in the working
// directory. Returns the parsed config and the path that was loaded
// (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"safe-chain.yml", "safe-chain.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags/env that should override
// config file values. A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	Logging               *string
	SkipMinimumPackageAge *bool
	MinimumPackageAgeHours *int
	IncludePython         *bool
}

// Merge applies CLI flag overrides to a loaded config. Only
// explicitly-set flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.Logging != nil {
		c.Logging = *o.Logging
	}
	if o.SkipMinimumPackageAge != nil {
		c.MinimumAge.Skip = *o.SkipMinimumPackageAge
	}
	if o.MinimumPackageAgeHours != nil {
		c.MinimumAge.Hours = *o.MinimumPackageAgeHours
	}
	if o.IncludePython != nil {
		c.IncludePython = *o.IncludePython
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	if !validLoggingLevels[c.Logging] {
		errs = append(errs, fmt.Sprintf("logging: must be one of silent|normal|verbose, got %q", c.Logging))
	}

	if c.MinimumAge.Hours < 0 {
		errs = append(errs, fmt.Sprintf("minimum_age.hours: must be non-negative, got %d", c.MinimumAge.Hours))
	}

	errs = append(errs, validateExemptPackages(c.MinimumAge.ExemptPackages)...)
	errs = append(errs, validateMalwareListURLs(c.MalwareListURLs)...)

	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}
	if c.Timeouts.Connect.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.connect: must be positive, got %s", c.Timeouts.Connect))
	}
	if c.Timeouts.PreScan.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.pre_scan: must be positive, got %s", c.Timeouts.PreScan))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

// validateExemptPackages checks that exemption entries look like package
// (or scope) names, not paths or globs.
func validateExemptPackages(entries []string) []string {
	var errs []string
	for i, entry := range entries {
		if entry == "" || strings.Contains(entry, "*") || strings.Contains(entry, " ") {
			errs = append(errs, fmt.Sprintf("minimum_age.exempt_packages[%d]: invalid entry %q", i, entry))
		}
	}
	return errs
}

// validateMalwareListURLs checks that all malware-list source URLs are
// valid HTTP(S) URLs.
func validateMalwareListURLs(urls []string) []string {
	var errs []string
	for i, raw := range urls {
		if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
			errs = append(errs, fmt.Sprintf("malware_list_urls[%d]: scheme must be http or https, got %q", i, raw))
		}
	}
	return errs
}

// Redacted returns a copy of the config with sensitive fields masked.
// safe-chain's config carries no secrets today, but the method is kept
// so Dump callers have one stable place to add redaction if that
// changes.
func (c *Config) Redacted() Config {
	return *c
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
