package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// Config holds process configuration read from DASHTERM_* environment variables.
type Config struct {
	Port       string  `envconfig:"PORT" default:"8130"`
	Host       string  `envconfig:"HOST" default:"127.0.0.1"`
	DataDir    string  `envconfig:"DATA_DIR"`
	ConfigFile string  `envconfig:"CONFIG_FILE"`
	TokenFile  string  `envconfig:"TOKEN_FILE"`
	LogLevel   string  `envconfig:"LOG_LEVEL" default:"info"`
	LogDev     bool    `envconfig:"LOG_DEV" default:"false"`
	LogFile    string  `envconfig:"LOG_FILE"`
	SpawnRPS   float64 `envconfig:"SPAWN_RPS" default:"5"`
	SpawnBurst int     `envconfig:"SPAWN_BURST" default:"10"`
}

// Load reads the environment and fills in path defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("dashterm", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyPathDefaults()
	return &cfg, nil
}

func (c *Config) applyPathDefaults() {
	if c.DataDir == "" {
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			home, _ := os.UserHomeDir()
			dataHome = filepath.Join(home, ".local", "share")
		}
		c.DataDir = filepath.Join(dataHome, "dashterm")
	}
	if c.ConfigFile == "" {
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, _ := os.UserHomeDir()
			configHome = filepath.Join(home, ".config")
		}
		c.ConfigFile = filepath.Join(configHome, "dashterm", "config.toml")
	}
	if c.TokenFile == "" {
		c.TokenFile = filepath.Join(c.DataDir, "auth-token")
	}
}

// Address is the listen address of the host process.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// BaseURL is the URL display-side clients use to reach the host.
func (c *Config) BaseURL() string {
	return "http://" + c.Address()
}

// DBPath is the location of the preferences database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "prefs.db")
}
