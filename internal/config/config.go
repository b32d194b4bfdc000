// Package config loads scopectl configuration from a YAML file, an
// optional .env file and SCOPE_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chronologos/scopelink/internal/acquisition"
	"github.com/chronologos/scopelink/internal/client"
	"github.com/chronologos/scopelink/internal/link"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Link    LinkConfig    `yaml:"link"`
	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

// ---- SERVER ----

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ConfigPath is the server-side microscope config sent in the handshake.
	ConfigPath string `yaml:"config_path"`
}

// ---- LINK ----

type LinkConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	HealthIdle        time.Duration `yaml:"health_idle"`
	// DisableHealth turns the idle probe off.
	DisableHealth bool `yaml:"disable_health"`
}

// ---- MONITOR ----

type MonitorConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`
	StartupGrace   time.Duration `yaml:"startup_grace"`
	StartupRetries int           `yaml:"startup_retries"`
}

// ---- LOG ----

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Environment overrides.
const (
	EnvHost         = "SCOPE_HOST"
	EnvPort         = "SCOPE_PORT"
	EnvConfigPath   = "SCOPE_CONFIG_PATH"
	EnvLogLevel     = "SCOPE_LOG_LEVEL"
	EnvStallTimeout = "SCOPE_STALL_TIMEOUT"
)

// Load reads path (optional), then envFile (optional, ".env" when empty),
// then the process environment. The result is normalized and validated.
// A missing .env file is not an error; a missing explicit path is.
func Load(path, envFile string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if envFile == "" {
		envFile = ".env"
	}
	// Load does not override variables already set in the environment.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvHost); ok {
		cfg.Server.Host = v
	}
	if v, ok := os.LookupEnv(EnvPort); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := os.LookupEnv(EnvConfigPath); ok {
		cfg.Server.ConfigPath = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv(EnvStallTimeout); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvStallTimeout, err)
		}
		cfg.Monitor.StallTimeout = d
	}
	return nil
}

// Normalize fills unset fields with defaults.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}

	def(&cfg.Link.ConnectTimeout, 5*time.Second)
	def(&cfg.Link.ReadTimeout, 30*time.Second)
	if cfg.Link.ReconnectAttempts == 0 {
		cfg.Link.ReconnectAttempts = 5
	}
	def(&cfg.Link.ReconnectDelay, 2*time.Second)
	def(&cfg.Link.HealthInterval, 10*time.Second)
	def(&cfg.Link.HealthIdle, 30*time.Second)

	def(&cfg.Monitor.PollInterval, 500*time.Millisecond)
	def(&cfg.Monitor.StallTimeout, 5*time.Minute)
	def(&cfg.Monitor.StartupGrace, 10*time.Second)
	if cfg.Monitor.StartupRetries == 0 {
		cfg.Monitor.StartupRetries = 3
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}

	for name, d := range map[string]time.Duration{
		"link.connect_timeout":  cfg.Link.ConnectTimeout,
		"link.read_timeout":     cfg.Link.ReadTimeout,
		"link.reconnect_delay":  cfg.Link.ReconnectDelay,
		"link.health_interval":  cfg.Link.HealthInterval,
		"link.health_idle":      cfg.Link.HealthIdle,
		"monitor.poll_interval": cfg.Monitor.PollInterval,
		"monitor.stall_timeout": cfg.Monitor.StallTimeout,
		"monitor.startup_grace": cfg.Monitor.StartupGrace,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if cfg.Link.ReconnectAttempts < 0 {
		return errors.New("link.reconnect_attempts must not be negative")
	}
	if cfg.Monitor.StartupRetries < 0 {
		return errors.New("monitor.startup_retries must not be negative")
	}
	if cfg.Monitor.StallTimeout <= cfg.Monitor.PollInterval {
		return fmt.Errorf("monitor.stall_timeout %v must exceed poll_interval %v",
			cfg.Monitor.StallTimeout, cfg.Monitor.PollInterval)
	}

	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", cfg.Log.Format)
	}
	return nil
}

// Addr is the server address as host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ClientOptions builds the client configuration.
func (c *Config) ClientOptions(log *slog.Logger) client.Config {
	health := link.HealthPolicy{Interval: c.Link.HealthInterval, IdleThreshold: c.Link.HealthIdle}
	if c.Link.DisableHealth {
		health = link.HealthPolicy{}
	}
	return client.Config{
		Addr:        c.Addr(),
		ConfigPath:  c.Server.ConfigPath,
		DialTimeout: c.Link.ConnectTimeout,
		ReadTimeout: c.Link.ReadTimeout,
		Reconnect:   link.ReconnectPolicy{MaxAttempts: c.Link.ReconnectAttempts, Delay: c.Link.ReconnectDelay},
		Health:      health,
		Logger:      log,
	}
}

// MonitorOptions builds the acquisition monitor configuration. Callbacks
// are left for the caller.
func (c *Config) MonitorOptions(log *slog.Logger) acquisition.Config {
	return acquisition.Config{
		PollInterval:   c.Monitor.PollInterval,
		StallTimeout:   c.Monitor.StallTimeout,
		StartupGrace:   c.Monitor.StartupGrace,
		StartupRetries: c.Monitor.StartupRetries,
		Logger:         log,
	}
}

// NewLogger builds the process logger writing to w.
func NewLogger(lc LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
	}
}
