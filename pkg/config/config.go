// Package config loads the docqa configuration from YAML or TOML.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/docqa/pkg/log"
)

// DefaultAPIURL is where the backend listens in development
const DefaultAPIURL = "http://localhost:8000"

// Config is the client configuration
type Config struct {
	APIURL string `yaml:"api_url" toml:"api_url"`
	// Token is used as-is when set; otherwise TokenFile is watched
	Token          string   `yaml:"token,omitempty" toml:"token,omitempty"`
	TokenFile      string   `yaml:"token_file,omitempty" toml:"token_file,omitempty"`
	DataDir        string   `yaml:"data_dir,omitempty" toml:"data_dir,omitempty"`
	MetricsAddr    string   `yaml:"metrics_addr,omitempty" toml:"metrics_addr,omitempty"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
	// HealthInterval is how often the backend health endpoint is
	// probed by long-running commands; zero disables probing
	HealthInterval Duration `yaml:"health_interval" toml:"health_interval"`
	Log            Log      `yaml:"log" toml:"log"`
	Realtime       Realtime `yaml:"realtime" toml:"realtime"`
}

type Log struct {
	Level string `yaml:"level" toml:"level"`
	JSON  bool   `yaml:"json" toml:"json"`
}

type Realtime struct {
	// URL defaults to APIURL + "/ws"
	URL             string    `yaml:"url,omitempty" toml:"url,omitempty"`
	ResyncOnConnect bool      `yaml:"resync_on_connect" toml:"resync_on_connect"`
	Reconnect       Reconnect `yaml:"reconnect" toml:"reconnect"`
}

type Reconnect struct {
	Enabled     bool     `yaml:"enabled" toml:"enabled"`
	BaseDelay   Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay" toml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		APIURL:         DefaultAPIURL,
		RequestTimeout: Duration(30 * time.Second),
		HealthInterval: Duration(30 * time.Second),
		Log:            Log{Level: string(log.InfoLevel)},
		Realtime: Realtime{
			ResyncOnConnect: true,
			Reconnect: Reconnect{
				BaseDelay: Duration(time.Second),
				MaxDelay:  Duration(30 * time.Second),
			},
		},
	}
}

// DefaultPath returns ~/.docqa/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".docqa", "config.yaml"), nil
}

// Load reads path over the defaults. The format follows the extension:
// .yaml/.yml or .toml. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yaml, .yml or .toml)", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if err := checkURL("api_url", c.APIURL, "http", "https"); err != nil {
		return err
	}
	if c.Realtime.URL != "" {
		if err := checkURL("realtime.url", c.Realtime.URL, "http", "https", "ws", "wss"); err != nil {
			return err
		}
	}
	if c.Token != "" && c.TokenFile != "" {
		return errors.New("config: token and token_file are mutually exclusive")
	}
	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		return fmt.Errorf("config: invalid log level %q", c.Log.Level)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("config: request_timeout must be positive")
	}
	if c.HealthInterval < 0 {
		return errors.New("config: health_interval must not be negative")
	}
	rc := c.Realtime.Reconnect
	if rc.BaseDelay <= 0 || rc.MaxDelay <= 0 {
		return errors.New("config: reconnect delays must be positive")
	}
	if rc.BaseDelay > rc.MaxDelay {
		return fmt.Errorf("config: reconnect base_delay %s exceeds max_delay %s", rc.BaseDelay, rc.MaxDelay)
	}
	if rc.MaxAttempts < 0 {
		return errors.New("config: reconnect max_attempts must not be negative")
	}
	return nil
}

// RealtimeURL returns the push endpoint
func (c *Config) RealtimeURL() string {
	if c.Realtime.URL != "" {
		return c.Realtime.URL
	}
	return strings.TrimRight(c.APIURL, "/") + "/ws"
}

// Render returns the configuration as YAML
func (c *Config) Render() ([]byte, error) {
	return yaml.Marshal(c)
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("config: invalid %s %q", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("config: %s scheme must be one of %s", field, strings.Join(schemes, ", "))
}
