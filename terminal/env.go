package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"dashterm/models"
)

// parentTerminalVars are set by the emulator or multiplexer the host itself
// runs under. Leaking them makes programs inside our PTY believe they are
// inside tmux, kitty, etc.
var parentTerminalVars = []string{
	"TMUX",
	"TMUX_PANE",
	"TERM_PROGRAM",
	"TERM_PROGRAM_VERSION",
	"TERM_SESSION_ID",
	"STY",                // GNU Screen
	"WT_SESSION",         // Windows Terminal
	"WEZTERM_EXECUTABLE", // WezTerm
	"ALACRITTY_SOCKET",   // Alacritty
	"KITTY_WINDOW_ID",    // Kitty
	"ITERM_SESSION_ID",   // iTerm2
	"DASHTERM_SESSION_ID",
}

// buildEnv returns the environment for a new session. Later layers win:
// host environment, configured extras, per-request extras, then the
// variables the session itself owns.
func buildEnv(id models.SessionID, cols, rows int, layers ...map[string]string) []string {
	envMap := make(map[string]string, 64)
	for _, entry := range os.Environ() {
		if k, v, ok := strings.Cut(entry, "="); ok {
			envMap[k] = v
		}
	}
	for _, key := range parentTerminalVars {
		delete(envMap, key)
	}

	for _, layer := range layers {
		for k, v := range layer {
			envMap[k] = v
		}
	}

	envMap["DASHTERM"] = "1"
	envMap["DASHTERM_SESSION_ID"] = string(id)
	envMap["TERM"] = "xterm-256color"
	envMap["COLORTERM"] = "truecolor"
	envMap["COLUMNS"] = strconv.Itoa(cols)
	envMap["LINES"] = strconv.Itoa(rows)
	if envMap["LANG"] == "" {
		envMap["LANG"] = "en_US.UTF-8"
	}

	env := make([]string, 0, len(envMap))
	for k, v := range envMap {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// fallbackShells are tried in order when neither the request nor the
// configuration names a shell.
var fallbackShells = []string{"/bin/bash", "/bin/sh"}

// resolveShell picks the shell binary. An explicitly requested shell must
// exist; otherwise the first usable of configured, $SHELL and the fallbacks
// wins.
func resolveShell(requested, configured string) (string, error) {
	if requested != "" {
		return exec.LookPath(requested)
	}
	candidates := append([]string{configured, os.Getenv("SHELL")}, fallbackShells...)
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no usable shell among %v", candidates)
}

// resolveCwd validates the working directory. An explicit directory must
// exist; an empty one falls back to the configured directory and then home.
func resolveCwd(requested, configured string) (string, error) {
	if requested != "" {
		return requested, checkDir(requested)
	}
	if configured != "" && checkDir(configured) == nil {
		return configured, nil
	}
	if home, err := os.UserHomeDir(); err == nil && checkDir(home) == nil {
		return home, nil
	}
	return os.TempDir(), nil
}

func checkDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
