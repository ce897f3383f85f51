package mux

import (
	"dashterm/models"
	"dashterm/utils"
)

// TabState is the lifecycle of a tab's widget. Transitions only go forward.
type TabState int

const (
	// Uninitialized tabs have a session but no widget yet.
	Uninitialized TabState = iota
	// WidgetReady tabs have a live widget bound to their session.
	WidgetReady
	// Disposed tabs are gone; their ids are never reused.
	Disposed
)

func (s TabState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case WidgetReady:
		return "ready"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// TabInfo is a snapshot of a tab.
type TabInfo struct {
	ID       models.SessionID
	Title    string
	State    TabState
	Active   bool
	Exited   bool
	ExitCode int
	Cols     int
	Rows     int
}

// pendingLimit bounds output buffered for a tab whose widget does not exist
// yet.
const pendingLimit = 1 << 20

type tab struct {
	id       models.SessionID
	title    string
	titleSet bool
	command  string
	state    TabState

	widget      Widget
	events      *tabEvents
	pending     *utils.RingBuffer
	unsubscribe func()

	exited   bool
	exitCode int
	needsFit bool
	cols     int
	rows     int
}

func newTab(id models.SessionID, title, command string) *tab {
	return &tab{
		id:       id,
		title:    title,
		titleSet: title != "",
		command:  command,
		state:    Uninitialized,
		pending:  utils.NewRingBuffer(pendingLimit),
	}
}

func (t *tab) info(active bool) TabInfo {
	return TabInfo{
		ID:       t.id,
		Title:    t.title,
		State:    t.state,
		Active:   active,
		Exited:   t.exited,
		ExitCode: t.exitCode,
		Cols:     t.cols,
		Rows:     t.rows,
	}
}

// output routes a chunk by state: buffer until the widget exists, drop
// once disposed.
func (t *tab) output(data []byte) {
	switch t.state {
	case Uninitialized:
		t.pending.Write(data)
	case WidgetReady:
		t.widget.Write(data)
	}
}

func (t *tab) dispose() {
	if t.state == Disposed {
		return
	}
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
	if t.widget != nil {
		t.widget.Dispose()
		t.widget = nil
	}
	t.pending.Reset()
	t.state = Disposed
}

// tabEvents forwards widget activity onto the event loop.
type tabEvents struct {
	m  *Multiplexer
	id models.SessionID
}

func (e *tabEvents) Input(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	_ = e.m.post(func() { e.m.input(e.id, buf) })
}

func (e *tabEvents) Resized(cols, rows int) {
	_ = e.m.post(func() { e.m.resized(e.id, cols, rows) })
}
