package terminal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, e := range env {
		k, v, _ := strings.Cut(e, "=")
		m[k] = v
	}
	return m
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("TMUX", "/tmp/tmux-1000/default,1,0")
	t.Setenv("KITTY_WINDOW_ID", "3")
	t.Setenv("EDITOR", "vi")

	env := envMap(buildEnv("term_abc", 120, 40,
		map[string]string{"EDITOR": "nano", "FOO": "config"},
		map[string]string{"FOO": "request"},
	))

	assert.NotContains(t, env, "TMUX")
	assert.NotContains(t, env, "KITTY_WINDOW_ID")
	assert.Equal(t, "nano", env["EDITOR"])
	assert.Equal(t, "request", env["FOO"])
	assert.Equal(t, "1", env["DASHTERM"])
	assert.Equal(t, "term_abc", env["DASHTERM_SESSION_ID"])
	assert.Equal(t, "xterm-256color", env["TERM"])
	assert.Equal(t, "truecolor", env["COLORTERM"])
	assert.Equal(t, "120", env["COLUMNS"])
	assert.Equal(t, "40", env["LINES"])
}

func TestBuildEnvSessionOwnsItsVariables(t *testing.T) {
	env := envMap(buildEnv("term_real", 80, 24, map[string]string{"DASHTERM_SESSION_ID": "spoofed", "TERM": "dumb"}))
	assert.Equal(t, "term_real", env["DASHTERM_SESSION_ID"])
	assert.Equal(t, "xterm-256color", env["TERM"])
}

func TestResolveShell(t *testing.T) {
	path, err := resolveShell("", "/nonexistent/zsh")
	require.NoError(t, err, "falls back past a bad configured shell")
	assert.NotEmpty(t, path)

	_, err = resolveShell("/nonexistent/fish", "/bin/sh")
	assert.Error(t, err, "an explicit request never falls back")
}

func TestResolveCwd(t *testing.T) {
	dir := t.TempDir()
	got, err := resolveCwd(dir, "")
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	_, err = resolveCwd("/nonexistent/dir", "")
	assert.Error(t, err)

	got, err = resolveCwd("", "/nonexistent/dir")
	require.NoError(t, err)
	assert.NotEqual(t, "/nonexistent/dir", got)
}

func TestNewSessionIDIsUniqueAndSortable(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := string(NewSessionID())
		require.True(t, strings.HasPrefix(id, "term_"))
		require.False(t, seen[id], "duplicate id %s", id)
		require.Greater(t, id, prev)
		seen[id] = true
		prev = id
	}
}
