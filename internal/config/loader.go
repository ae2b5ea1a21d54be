package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader reads and validates a Config from disk, expanding ${VAR}
// environment references before parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader builds a Loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads path and parses it.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses YAML bytes into a Config seeded with Default.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate rejects a Config that cannot be bound or would leave the DA
// with no identity.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if len(cfg.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	for _, s := range cfg.Scopes {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("scope names must not be blank")
		}
	}
	if len(cfg.Addresses) == 0 {
		return fmt.Errorf("at least one bind address is required")
	}
	for _, a := range cfg.Addresses {
		if net.ParseIP(a) == nil {
			return fmt.Errorf("invalid bind address: %q", a)
		}
	}
	if cfg.AdvertisementPeriodSeconds < 0 {
		return fmt.Errorf("advertisementPeriodSeconds must not be negative")
	}
	if cfg.ExpiredServicesPurgePeriodSeconds < 0 {
		return fmt.Errorf("expiredServicesPurgePeriodSeconds must not be negative")
	}
	return nil
}

// ExpandWildcards resolves any "0.0.0.0" or "::" entry in cfg.Addresses
// to the host's non-loopback interface addresses, leaving literal
// addresses untouched. It is called
// once at Agent construction, never after Start.
func ExpandWildcards(cfg *Config) ([]string, error) {
	wantsWildcard := false
	for _, a := range cfg.Addresses {
		if a == "0.0.0.0" || a == "::" {
			wantsWildcard = true
			break
		}
	}
	if !wantsWildcard {
		out := make([]string, len(cfg.Addresses))
		copy(out, cfg.Addresses)
		return out, nil
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interface addresses: %w", err)
	}

	var resolved []string
	for _, a := range cfg.Addresses {
		if a != "0.0.0.0" && a != "::" {
			resolved = append(resolved, a)
			continue
		}
		wantV6 := a == "::"
		for _, ifaceAddr := range ifaceAddrs {
			ipNet, ok := ifaceAddr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			ip4 := ipNet.IP.To4()
			if wantV6 && ip4 != nil {
				continue
			}
			if !wantV6 && ip4 == nil {
				continue
			}
			resolved = append(resolved, ipNet.IP.String())
		}
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("wildcard address %v matched no host interfaces", cfg.Addresses)
	}
	return resolved, nil
}
