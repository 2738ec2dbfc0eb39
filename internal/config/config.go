package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/gobwas/glob"
)

const (
	DefaultPort            = 3210
	DefaultLogLevel        = "info"
	DefaultTickInterval    = 50 * time.Millisecond
	DefaultShutdownTimeout = 10 * time.Second
	DefaultDebounce        = 100 * time.Millisecond
	DefaultConnectAttempts = 3
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig      `json:"server"`
	Runtime  RuntimeConfig     `json:"runtime"`
	Skills   SkillsConfig      `json:"skills"`
	Listing  map[string]string `json:"listing"`
	Database DatabaseConfig    `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type RuntimeConfig struct {
	TickInterval    Duration `json:"tick_interval"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// SkillsConfig lists the folders discovered at startup.
type SkillsConfig struct {
	Dirs     []string `json:"dirs"`
	Watch    bool     `json:"watch"`
	Debounce Duration `json:"debounce"`
	// Ignore holds glob patterns over unit paths relative to each dir.
	Ignore []string `json:"ignore"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	// ConnectAttempts bounds startup connection attempts per backend.
	ConnectAttempts int `json:"connect_attempts"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// Duration decodes from a Go duration string such as "50ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw config, substituting ${VAR} and ${VAR:default} with
// environment values and filling defaults.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = DefaultLogLevel
	}
	if c.Runtime.TickInterval == 0 {
		c.Runtime.TickInterval = Duration(DefaultTickInterval)
	}
	if c.Runtime.ShutdownTimeout == 0 {
		c.Runtime.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Skills.Debounce == 0 {
		c.Skills.Debounce = Duration(DefaultDebounce)
	}
	if len(c.Skills.Dirs) == 0 {
		c.Skills.Dirs = []string{"skills"}
	}
	if c.Database.ConnectAttempts == 0 {
		c.Database.ConnectAttempts = DefaultConnectAttempts
	}
	if c.Listing == nil {
		c.Listing = make(map[string]string)
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Runtime.TickInterval < 0 {
		return fmt.Errorf("runtime.tick_interval must be positive")
	}
	if c.Skills.Debounce < 0 {
		return fmt.Errorf("skills.debounce must be positive")
	}
	if c.Database.ConnectAttempts < 0 {
		return fmt.Errorf("database.connect_attempts must be positive")
	}
	for _, pattern := range c.Skills.Ignore {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			return fmt.Errorf("skills.ignore %q: %w", pattern, err)
		}
	}
	for command, key := range c.Listing {
		if key == "" {
			return fmt.Errorf("listing.%s has no schema key", command)
		}
	}
	return nil
}
