package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashterm/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "dashterm "))
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "attach", "sessions", "font-size", "version"} {
		assert.Contains(t, names, want)
	}
}

func fakeHost(t *testing.T) *httptest.Server {
	t.Helper()
	var font = 14
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(models.APIError{Error: "unauthorized", Code: "UNAUTHORIZED"})
			return
		}
		switch r.URL.Path {
		case "/api/terminal/sessions":
			_ = json.NewEncoder(w).Encode([]models.SessionInfo{{
				ID: "term_01", State: models.SessionRunning, PID: 4242,
				Cols: 80, Rows: 24, Shell: "/bin/zsh", Cwd: "/tmp", StartedAt: time.Now(),
			}})
		case "/api/settings":
			if r.Method == http.MethodPut {
				var s models.Settings
				_ = json.NewDecoder(r.Body).Decode(&s)
				font = s.FontSize
			}
			_ = json.NewEncoder(w).Encode(models.Settings{FontSize: font})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionsCommand(t *testing.T) {
	srv := fakeHost(t)
	out, err := run(t, "sessions", "--url", srv.URL, "--token", "secret")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "term_01")
	assert.Contains(t, lines[1], "80x24")
	assert.Contains(t, lines[1], "/bin/zsh")
}

func TestFontSizeCommand(t *testing.T) {
	srv := fakeHost(t)
	out, err := run(t, "font-size", "--url", srv.URL, "--token", "secret")
	require.NoError(t, err)
	assert.Equal(t, "14\n", out)

	out, err = run(t, "font-size", "18", "--url", srv.URL, "--token", "secret")
	require.NoError(t, err)
	assert.Equal(t, "18\n", out)

	_, err = run(t, "font-size", "big", "--url", srv.URL, "--token", "secret")
	assert.ErrorContains(t, err, "invalid font size")

	_, err = run(t, "font-size", "--url", srv.URL, "--token", "wrong")
	assert.ErrorContains(t, err, "401")
}
