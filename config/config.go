// Package config resolves dealbridge settings from defaults, an optional YAML
// file and the environment. Command-line flags are layered on top by the cli
// package.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "dealbridge.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".dealbridge"
)

// Defaults.
const (
	DefaultName              = "dealbridge"
	DefaultHost              = ""
	DefaultPort              = 3333
	DefaultWebhookURL        = "https://aitenders.app.n8n.cloud/webhook/hubspot-deal-summary"
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultCORSOrigin        = "*"
	DefaultMaxBody           = 1 << 20
	DefaultReadTimeout       = 30 * time.Second
	DefaultLogFormat         = "text"
)

// Environment variables read by Load.
const (
	EnvPort         = "PORT"
	EnvWebhookURL   = "DEAL_WEBHOOK_URL"
	EnvKeepalive    = "DEALBRIDGE_KEEPALIVE"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config is the resolved process configuration.
type Config struct {
	Name              string            `yaml:"name"`
	Version           string            `yaml:"version,omitempty"`
	Host              string            `yaml:"host"`
	Port              int               `yaml:"port"`
	WebhookURL        string            `yaml:"webhook_url"`
	WebhookHeaders    map[string]string `yaml:"webhook_headers,omitempty"`
	KeepaliveInterval time.Duration     `yaml:"keepalive_interval"`
	CORSOrigin        string            `yaml:"cors_origin"`
	MaxBody           int64             `yaml:"max_body"`
	ReadTimeout       time.Duration     `yaml:"read_timeout"`
	LogFormat         string            `yaml:"log_format"`
	OTLPEndpoint      string            `yaml:"otlp_endpoint,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Name:              DefaultName,
		Host:              DefaultHost,
		Port:              DefaultPort,
		WebhookURL:        DefaultWebhookURL,
		KeepaliveInterval: DefaultKeepaliveInterval,
		CORSOrigin:        DefaultCORSOrigin,
		MaxBody:           DefaultMaxBody,
		ReadTimeout:       DefaultReadTimeout,
		LogFormat:         DefaultLogFormat,
	}
}

// Addr is the listen address. Port 0 picks a free port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	u, err := url.Parse(c.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: webhook url %q must be an absolute http(s) url", c.WebhookURL)
	}
	if c.KeepaliveInterval <= 0 {
		return errors.New("config: keepalive interval must be positive")
	}
	if c.MaxBody <= 0 {
		return errors.New("config: max body must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q (want text or json)", c.LogFormat)
	}
	return nil
}

// LoadOptions controls Load. Zero values resolve to the process environment.
type LoadOptions struct {
	// ExplicitPath is the --config flag; when set the file must exist.
	ExplicitPath string
	Cwd          string
	HomeDir      string
	Getenv       func(string) string
}

// Load resolves configuration: defaults, then the discovered YAML file, then
// the environment. It returns the path of the file used, if any.
func Load(opts LoadOptions) (Config, string, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Cwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return Config{}, "", fmt.Errorf("resolve working directory: %w", err)
		}
		opts.Cwd = cwd
	}
	if opts.HomeDir == "" {
		// A missing home only disables the home candidate.
		opts.HomeDir, _ = os.UserHomeDir()
	}

	cfg := Default()
	path, found, err := DiscoverPathFrom(opts.ExplicitPath, opts.Cwd, opts.HomeDir)
	if err != nil {
		return Config{}, "", err
	}
	if found {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, "", err
		}
	}
	if err := applyEnv(&cfg, opts.Getenv); err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

// DiscoverPathFrom resolves the config file location with first-match
// semantics: the explicit path, else ./dealbridge.yaml, else
// ~/.dealbridge/config.yaml.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		if homeDir != "" {
			candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

func loadFile(path string, cfg *Config) error {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %q: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a port number", EnvPort, v)
		}
		cfg.Port = port
	}
	if v := strings.TrimSpace(getenv(EnvWebhookURL)); v != "" {
		cfg.WebhookURL = v
	}
	if v := strings.TrimSpace(getenv(EnvKeepalive)); v != "" {
		d, err := ParseInterval(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvKeepalive, err)
		}
		cfg.KeepaliveInterval = d
	}
	if v := strings.TrimSpace(getenv(EnvOTLPEndpoint)); v != "" {
		cfg.OTLPEndpoint = v
	}
	return nil
}

// ParseInterval accepts a Go duration ("15s") or a bare number of seconds.
func ParseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	return d, nil
}
