package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"
)

// TerminalConfig controls how the host spawns and tears down sessions.
type TerminalConfig struct {
	Shell string            `toml:"shell"`
	Login bool              `toml:"login"`
	Cwd   string            `toml:"cwd"`
	Cols  int               `toml:"cols"`
	Rows  int               `toml:"rows"`
	Env   map[string]string `toml:"env"`

	// CloseGrace is how long a session with no attached stream survives.
	CloseGrace time.Duration `toml:"close_grace"`
	// KillTimeout is how long a closed session gets after SIGHUP before SIGKILL.
	KillTimeout time.Duration `toml:"kill_timeout"`
	// DrainTimeout bounds how long trailing output is read after the shell exits.
	DrainTimeout time.Duration `toml:"drain_timeout"`
	// BacklogLimit caps output retained while a session has no subscriber.
	BacklogLimit int `toml:"backlog_limit"`
}

// DisplayConfig seeds display-side preferences that have not been saved yet.
type DisplayConfig struct {
	FontSize int `toml:"font_size"`
}

// UserConfig is the contents of config.toml.
type UserConfig struct {
	Terminal TerminalConfig `toml:"terminal"`
	Display  DisplayConfig  `toml:"display"`
}

// DefaultUser returns the configuration used when no file exists.
func DefaultUser() UserConfig {
	return UserConfig{
		Terminal: DefaultTerminal(),
		Display:  DisplayConfig{FontSize: 14},
	}
}

// DefaultTerminal returns the built-in session defaults.
func DefaultTerminal() TerminalConfig {
	return TerminalConfig{
		Login:        true,
		Cols:         80,
		Rows:         24,
		CloseGrace:   30 * time.Second,
		KillTimeout:  2 * time.Second,
		DrainTimeout: 250 * time.Millisecond,
		BacklogLimit: 1 << 20,
	}
}

// LoadUser reads path on top of the defaults. A missing file is not an error.
func LoadUser(path string) (UserConfig, error) {
	cfg := DefaultUser()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultUser(), nil
		}
		return DefaultUser(), fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Terminal = cfg.Terminal.Normalize()
	return cfg, nil
}

// Normalize replaces out-of-range values with defaults.
func (t TerminalConfig) Normalize() TerminalConfig {
	def := DefaultTerminal()
	if t.Cols <= 0 {
		t.Cols = def.Cols
	}
	if t.Rows <= 0 {
		t.Rows = def.Rows
	}
	if t.CloseGrace <= 0 {
		t.CloseGrace = def.CloseGrace
	}
	if t.KillTimeout <= 0 {
		t.KillTimeout = def.KillTimeout
	}
	if t.DrainTimeout <= 0 {
		t.DrainTimeout = def.DrainTimeout
	}
	if t.BacklogLimit <= 0 {
		t.BacklogLimit = def.BacklogLimit
	}
	return t
}
