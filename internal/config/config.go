// Package config implements YAML configuration loading for the
// directory agent: goccy/go-yaml unmarshal into a defaulted struct,
// with fsnotify-backed hot-reload.
package config

import "time"

// Config is the full set of directory-agent configuration items.
type Config struct {
	// Addresses is the list of bind IP literals. "0.0.0.0" or "::"
	// expands to the host's interface addresses at start.
	Addresses []string `yaml:"addresses"`

	// Port is the SLP port for UDP and TCP.
	Port int `yaml:"port"`

	// Scopes is the DA-supported scope set.
	Scopes []string `yaml:"scopes"`

	// Attributes is the DA's attribute list in RFC 2608 §5.0 list-
	// expression form, merged with the tcp-port tag at start.
	Attributes string `yaml:"attributes"`

	// Language is the language tag of the DA's own boot, shutdown and
	// unsolicited DAAdverts. Replies to requests echo the request's
	// language tag instead, even when it is empty.
	Language string `yaml:"language"`

	// AdvertisementPeriodSeconds is the interval between unsolicited
	// DAAdverts; 0 disables it.
	AdvertisementPeriodSeconds int `yaml:"advertisementPeriodSeconds"`

	// ExpiredServicesPurgePeriodSeconds is the interval between purge
	// sweeps; 0 disables it.
	ExpiredServicesPurgePeriodSeconds int `yaml:"expiredServicesPurgePeriodSeconds"`

	// Logging configures the structured logger (internal/logging).
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"filePath"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// AdvertisementPeriod returns the configured period as a Duration, or
// zero if disabled.
func (c *Config) AdvertisementPeriod() time.Duration {
	if c.AdvertisementPeriodSeconds <= 0 {
		return 0
	}
	return time.Duration(c.AdvertisementPeriodSeconds) * time.Second
}

// PurgePeriod returns the configured purge period as a Duration, or
// zero if disabled.
func (c *Config) PurgePeriod() time.Duration {
	if c.ExpiredServicesPurgePeriodSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ExpiredServicesPurgePeriodSeconds) * time.Second
}

// Default returns the built-in configuration: scope DEFAULT, port 427,
// a 3-hour advertisement period (RFC 2608 §12.2), purge disabled.
func Default() *Config {
	return &Config{
		Addresses:                  []string{"0.0.0.0"},
		Port:                       427,
		Scopes:                     []string{"DEFAULT"},
		Language:                   "en",
		AdvertisementPeriodSeconds: 10800,
		Logging:                    LoggingConfig{Level: "info"},
	}
}
