package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 8080
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Config is intentionally small and JSON/TOML-friendly.
type Config struct {
	// Root is the storage root every request path is resolved against.
	Root string `json:"root" toml:"root"`

	Host string `json:"host,omitempty" toml:"host,omitempty"`
	Port int    `json:"port,omitempty" toml:"port,omitempty"`

	// Username and one of Password / PasswordBcrypt form the single shared
	// credential. PasswordBcrypt wins when both are set.
	// Generate a hash with: personalcloud passwd -p <password>
	Username       string `json:"username" toml:"username"`
	Password       string `json:"password,omitempty" toml:"password,omitempty"`
	PasswordBcrypt string `json:"password_bcrypt,omitempty" toml:"password_bcrypt,omitempty"`

	// MaxConns bounds concurrently served connections. 0 means unbounded.
	MaxConns int `json:"max_conns,omitempty" toml:"max_conns,omitempty"`

	LogLevel  string `json:"log_level,omitempty" toml:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty" toml:"log_format,omitempty"` // console|json
}

// Load reads a config file. Files ending in .toml are decoded as TOML,
// anything else as JSON. Defaults are applied but the result is not validated.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return cfg, fmt.Errorf("parse toml config %s: %w", path, err)
		}
	} else if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse json config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
}

// Validate checks the fields the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Root) == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.Password == "" && c.PasswordBcrypt == "" {
		errs = append(errs, errors.New("password or password_bcrypt is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("max_conns %d must not be negative", c.MaxConns))
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be console or json", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr is the listen address built from Host and Port.
func (c Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
