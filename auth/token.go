package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const tokenBytes = 32

// Token is the per-startup secret shared between the host and local clients.
type Token struct {
	value string
	path  string
}

// Generate creates a cryptographically random token and writes it to path
// with mode 0600 so only the current user can read it.
func Generate(path string) (*Token, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto/rand: %w", err)
	}
	t := &Token{value: hex.EncodeToString(b), path: path}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(t.value), 0o600); err != nil {
		return nil, fmt.Errorf("write token file: %w", err)
	}
	return t, nil
}

// Load reads a token written by a running host.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file (is the host running?): %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// String returns the token value.
func (t *Token) String() string {
	return t.value
}

// Path returns where the token was written.
func (t *Token) Path() string {
	return t.path
}

// Validate performs a constant-time comparison against the token.
func (t *Token) Validate(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(t.value), []byte(candidate)) == 1
}

// Cleanup removes the token file.
func (t *Token) Cleanup() error {
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// FromRequest extracts a token from the Authorization header or, for
// websocket upgrades that cannot set headers from a browser, ?token=.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests that do not carry the token.
func (t *Token) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Validate(FromRequest(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "code": "UNAUTHORIZED"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
