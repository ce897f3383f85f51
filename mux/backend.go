package mux

import (
	"context"

	"dashterm/models"
)

// Backend is the session side of the multiplexer. *terminal.Manager
// satisfies it in-process and *websocket.Remote over the network.
//
// Write, Resize and Close must not block; Subscribe callbacks may run on
// any goroutine.
type Backend interface {
	Create(ctx context.Context, opts models.SpawnOptions) (models.SessionInfo, error)
	Write(id models.SessionID, data []byte) error
	Resize(id models.SessionID, cols, rows int) error
	Close(id models.SessionID)
	Subscribe(id models.SessionID, fn func(models.Event)) (cancel func(), err error)
}

// Attacher is implemented by backends that can bind to a session created
// by someone else, such as one left running by a detached client.
type Attacher interface {
	Attach(ctx context.Context, id models.SessionID) (models.SessionInfo, error)
}

// FontStore persists the shared font size.
type FontStore interface {
	FontSize(ctx context.Context) (int, error)
	SetFontSize(ctx context.Context, px int) error
}

// Widget is a terminal emulator surface. The multiplexer only calls it
// from its event loop.
type Widget interface {
	// Write feeds raw PTY output to the emulator.
	Write(data []byte)
	SetFontSize(px int)
	// Fit recomputes the grid for the current container and font and
	// returns it. Zero means the widget has no size yet.
	Fit() (cols, rows int)
	Dispose()
}

// Visibility is implemented by widgets that care whether their tab is the
// one on screen.
type Visibility interface {
	SetVisible(visible bool)
}

// WidgetEvents is how a widget reports user activity. Methods may be
// called from any goroutine.
type WidgetEvents interface {
	Input(data []byte)
	Resized(cols, rows int)
}

// WidgetFactory builds the widget for a tab once its container exists.
type WidgetFactory func(tab TabInfo, fontSize int, events WidgetEvents) (Widget, error)
