package models

import (
	"fmt"
	"time"
)

// SessionID identifies a terminal session. Ids are opaque, issued by the
// session manager, and never reused.
type SessionID string

// SessionState is the lifecycle position of a session.
type SessionState string

const (
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionClosed   SessionState = "closed"
)

// SpawnOptions are the optional knobs for creating a session.
// Zero values fall back to the host's configured defaults.
type SpawnOptions struct {
	Shell string            `json:"shell,omitempty"`
	Cwd   string            `json:"cwd,omitempty"`
	Cols  int               `json:"cols,omitempty"`
	Rows  int               `json:"rows,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

// SessionInfo is the public view of a session.
type SessionInfo struct {
	ID        SessionID    `json:"id"`
	Shell     string       `json:"shell"`
	Cwd       string       `json:"cwd"`
	Cols      int          `json:"cols"`
	Rows      int          `json:"rows"`
	PID       int          `json:"pid"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"startedAt"`
}

// EventKind distinguishes output chunks from the terminal close notification.
type EventKind int

const (
	EventOutput EventKind = iota
	EventClosed
)

// CloseReason explains why a session reached the Closed state.
type CloseReason string

const (
	// ReasonExited means the shell terminated on its own.
	ReasonExited CloseReason = "exited"
	// ReasonClosed means close was requested.
	ReasonClosed CloseReason = "closed"
	// ReasonTransport means the channel carrying the session broke.
	ReasonTransport CloseReason = "transport"
)

// Event is one item of a session's ordered output stream. A stream carries
// any number of EventOutput items followed by exactly one EventClosed.
type Event struct {
	Kind      EventKind
	SessionID SessionID
	Data      []byte
	ExitCode  int
	Reason    CloseReason
}

// SpawnError reports that a shell or its PTY could not be created.
type SpawnError struct {
	Shell   string `json:"shell,omitempty"`
	Message string `json:"message"`
}

func (e *SpawnError) Error() string {
	if e.Shell == "" {
		return "spawn failed: " + e.Message
	}
	return fmt.Sprintf("spawn %s failed: %s", e.Shell, e.Message)
}

// LifecycleEvent is broadcast to dashboard listeners when sessions come and go.
type LifecycleEvent struct {
	Type     string      `json:"type"` // terminal-created, terminal-closed
	Session  SessionInfo `json:"session"`
	ExitCode int         `json:"exitCode,omitempty"`
	Reason   CloseReason `json:"reason,omitempty"`
}

// Settings is the display-side preference set shared by every terminal tab.
type Settings struct {
	FontSize int `json:"fontSize"`
}

// Stream message types exchanged on /ws/terminal/{id} text frames.
// Binary frames carry raw input (client to host) or output (host to client).
const (
	StreamAttached = "attached"
	StreamClosed   = "closed"
	StreamResize   = "resize"
	StreamClose    = "close"
	StreamPing     = "ping"
	StreamPong     = "pong"
	StreamError    = "error"
)

// StreamMessage is the JSON control envelope of a session stream.
type StreamMessage struct {
	Type      string      `json:"type"`
	SessionID SessionID   `json:"sessionId,omitempty"`
	Cols      int         `json:"cols,omitempty"`
	Rows      int         `json:"rows,omitempty"`
	ExitCode  int         `json:"exitCode,omitempty"`
	Reason    CloseReason `json:"reason,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// HubMessage is a broadcast on /ws.
type HubMessage struct {
	Type     string       `json:"type"`
	Session  *SessionInfo `json:"session,omitempty"`
	ExitCode int          `json:"exitCode,omitempty"`
	Reason   CloseReason  `json:"reason,omitempty"`
	Settings *Settings    `json:"settings,omitempty"`
	Path     string       `json:"path,omitempty"`
}

// APIError is the JSON body of a failed HTTP request.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
