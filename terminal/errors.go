package terminal

import (
	"errors"
	"fmt"

	"dashterm/models"
)

var (
	// ErrSessionNotFound is returned for ids the manager has never issued or
	// has already forgotten.
	ErrSessionNotFound = errors.New("terminal: session not found")
	// ErrSessionClosed is returned when input arrives after close or exit.
	ErrSessionClosed = errors.New("terminal: session closed")
	// ErrManagerClosed is returned once Shutdown has started.
	ErrManagerClosed = errors.New("terminal: manager shut down")
)

// SpawnError reports a shell that could not be started. No process or PTY
// survives a SpawnError.
type SpawnError struct {
	Shell string
	Cwd   string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s in %s: %v", e.Shell, e.Cwd, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Wire converts the error to its transport form.
func (e *SpawnError) Wire() *models.SpawnError {
	return &models.SpawnError{Shell: e.Shell, Message: e.Err.Error()}
}
