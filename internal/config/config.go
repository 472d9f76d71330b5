package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/QuadTriangle/wstap/internal/control"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultInspectorURL = "http://127.0.0.1:8787"
	DefaultListen       = "127.0.0.1:8787"

	dirName  = ".wstap"
	fileName = "config.yaml"
	idName   = "id"
)

// Environment overrides, applied after the file.
const (
	EnvInspectorURL = "WSTAP_INSPECTOR_URL"
	EnvAuthToken    = "WSTAP_AUTH_TOKEN"
	EnvLogLevel     = "WSTAP_LOG_LEVEL"
)

type Config struct {
	InspectorURL string        `yaml:"inspector_url"`
	Listen       string        `yaml:"listen"`
	AuthToken    string        `yaml:"auth_token,omitempty"`
	Log          LogConfig     `yaml:"log"`
	Control      control.State `yaml:"control"`
	Native       NativeConfig  `yaml:"native"`
	Tunnel       TunnelConfig  `yaml:"tunnel"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type NativeConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`
}

type TunnelConfig struct {
	RetryInterval     time.Duration `yaml:"retry_interval"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		InspectorURL: DefaultInspectorURL,
		Listen:       DefaultListen,
		Log:          LogConfig{Level: "info", Format: "json"},
		Control:      control.DefaultState(),
		Native: NativeConfig{
			HandshakeTimeout: 10 * time.Second,
			CloseTimeout:     5 * time.Second,
		},
		Tunnel: TunnelConfig{
			RetryInterval:     5 * time.Second,
			KeepaliveInterval: 30 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
	}
}

// Dir is ~/.wstap.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, dirName), nil
}

func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// Load reads path over the defaults. A missing file is not an error.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvInspectorURL); v != "" {
		c.InspectorURL = v
	}
	if v := getenv(EnvAuthToken); v != "" {
		c.AuthToken = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// May hold the auth token.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.InspectorURL)
	if err != nil {
		return fmt.Errorf("invalid inspector_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid inspector_url %q: scheme must be http or https", c.InspectorURL)
	}
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q: want json or console", c.Log.Format)
	}
	if c.Native.HandshakeTimeout < 0 || c.Native.CloseTimeout < 0 {
		return errors.New("native timeouts must not be negative")
	}
	if c.Tunnel.RetryInterval <= 0 || c.Tunnel.KeepaliveInterval <= 0 || c.Tunnel.WriteTimeout <= 0 {
		return errors.New("tunnel intervals must be positive")
	}
	return nil
}

// AgentID returns the agent id stored in dir, creating one on first use.
func AgentID(dir string) (string, error) {
	idFile := filepath.Join(dir, idName)

	data, err := os.ReadFile(idFile)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read id file: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(idFile, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("failed to write id file: %w", err)
	}
	return id, nil
}
