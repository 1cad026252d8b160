package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration as stored in config.yaml. Duration
// fields are kept as strings in the file ("10m", "1h", "2d") and parsed into
// the matching time.Duration by Load.
type Config struct {
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"`
	HTTP      HTTPConfig   `yaml:"http"`
	Relay     RelayConfig  `yaml:"relay"`
	Reaper    ReaperConfig `yaml:"reaper"`
	Runs      RunsConfig   `yaml:"runs"`
	Worker    WorkerConfig `yaml:"worker"`
}

// HTTPConfig holds listener settings.
type HTTPConfig struct {
	Listen       string `yaml:"listen"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// RelayConfig holds per-session timing.
type RelayConfig struct {
	// TurnTimeout bounds each blocking wait; zero disables it.
	TurnTimeout  time.Duration `yaml:"-"`
	CleanupGrace time.Duration `yaml:"-"`

	TurnTimeoutRaw  string `yaml:"turn_timeout"`
	CleanupGraceRaw string `yaml:"cleanup_grace"`
}

// ReaperConfig controls the idle session sweep.
type ReaperConfig struct {
	Interval   time.Duration `yaml:"-"`
	StaleAfter time.Duration `yaml:"-"`

	IntervalRaw   string `yaml:"interval"`
	StaleAfterRaw string `yaml:"stale_after"`
}

// RunsConfig locates run records. An empty Dir means <data_dir>/results.
type RunsConfig struct {
	Dir string `yaml:"dir"`
}

// WorkerConfig describes the agent-driver process started per session.
type WorkerConfig struct {
	Command       string            `yaml:"command"`
	Dir           string            `yaml:"dir"`
	RelayURL      string            `yaml:"relay_url"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Routes        map[string]string `yaml:"routes"`

	// Env is added to every worker's environment, typically the agent
	// driver's model credentials. Secret-looking names are masked by
	// `config list`.
	Env map[string]string `yaml:"env"`
}

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".toolrelay"),
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.HTTP.Listen = ":3001"
	cfg.HTTP.MaxBodyBytes = 1 << 30
	cfg.Relay.TurnTimeoutRaw = "10m"
	cfg.Relay.CleanupGraceRaw = "5s"
	cfg.Reaper.IntervalRaw = "5m"
	cfg.Reaper.StaleAfterRaw = "1h"
	cfg.Relay.TurnTimeout = 10 * time.Minute
	cfg.Relay.CleanupGrace = 5 * time.Second
	cfg.Reaper.Interval = 5 * time.Minute
	cfg.Reaper.StaleAfter = time.Hour
	cfg.Worker.MaxConcurrent = 8
	cfg.Worker.Routes = map[string]string{}
	cfg.Worker.Env = map[string]string{}
	return cfg
}

// Load reads the config file at path, writing defaults there first if it
// does not exist. ${VAR} references in the file are expanded, then
// environment overrides are applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Override from env (highest precedence)
	if v := os.Getenv("TOOLRELAY_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	} else if port := os.Getenv("PORT"); port != "" {
		cfg.HTTP.Listen = ":" + port
	}
	if v := os.Getenv("TOOLRELAY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TOOLRELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TOOLRELAY_WORKER_COMMAND"); v != "" {
		cfg.Worker.Command = v
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parse durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be positive")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Relay.TurnTimeout < 0 || c.Relay.CleanupGrace < 0 {
		return fmt.Errorf("relay durations must not be negative")
	}
	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive")
	}
	if c.Reaper.StaleAfter <= 0 {
		return fmt.Errorf("reaper.stale_after must be positive")
	}
	if c.Worker.MaxConcurrent < 0 {
		return fmt.Errorf("worker.max_concurrent must not be negative")
	}
	for name := range c.Worker.Env {
		if name == "" || strings.ContainsAny(name, "= ") {
			return fmt.Errorf("worker.env: invalid variable name %q", name)
		}
	}
	return nil
}

// EnvPairs returns Worker.Env as sorted KEY=VALUE pairs.
func (c *WorkerConfig) EnvPairs() []string {
	names := make([]string, 0, len(c.Env))
	for name := range c.Env {
		names = append(names, name)
	}
	slices.Sort(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+c.Env[name])
	}
	return pairs
}

// RunsDir returns the directory run records are written to.
func (c *Config) RunsDir() string {
	if c.Runs.Dir != "" {
		return c.Runs.Dir
	}
	return filepath.Join(c.DataDir, "results")
}

// WorkerRelayURL returns the relay address handed to workers, derived from
// the listen address when not set explicitly.
func (c *Config) WorkerRelayURL() string {
	if c.Worker.RelayURL != "" {
		return c.Worker.RelayURL
	}
	host := c.HTTP.Listen
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the
// empty string when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"relay.turn_timeout", cfg.Relay.TurnTimeoutRaw, &cfg.Relay.TurnTimeout},
		{"relay.cleanup_grace", cfg.Relay.CleanupGraceRaw, &cfg.Relay.CleanupGrace},
		{"reaper.interval", cfg.Reaper.IntervalRaw, &cfg.Reaper.Interval},
		{"reaper.stale_after", cfg.Reaper.StaleAfterRaw, &cfg.Reaper.StaleAfter},
	}
	for _, f := range fields {
		d, err := parseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	return str2duration.ParseDuration(s)
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeDefaults(path string, cfg *Config) error {
	if err := Save(path, cfg); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
