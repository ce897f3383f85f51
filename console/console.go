// Package console renders multiplexer tabs on the controlling terminal.
// Only the active tab draws; the others keep a scrollback that is replayed
// when they come back on screen.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"dashterm/models"
	"dashterm/mux"
	"dashterm/utils"
)

// DefaultScrollback is the per-tab replay buffer size.
const DefaultScrollback = 256 * 1024

const (
	clearScreen = "\x1b[H\x1b[2J"
	resetAttrs  = "\x1b[0m"
)

// Console is the screen shared by every tab widget.
type Console struct {
	out        io.Writer
	size       func() (cols, rows int)
	scrollback int

	mu sync.Mutex
}

// New creates a console drawing on out. size reports the current grid.
func New(out io.Writer, size func() (cols, rows int), scrollback int) *Console {
	if scrollback <= 0 {
		scrollback = DefaultScrollback
	}
	return &Console{
		out:        out,
		size:       size,
		scrollback: scrollback,
	}
}

// SizeOf returns a size function for the terminal behind f.
func SizeOf(f *os.File) func() (int, int) {
	return func() (int, int) {
		cols, rows, err := term.GetSize(int(f.Fd()))
		if err != nil {
			return 0, 0
		}
		return cols, rows
	}
}

// MakeRaw puts f into raw mode and returns the function that restores it.
func MakeRaw(f *os.File) (func(), error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%s is not a terminal", f.Name())
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to set raw mode: %w", err)
	}
	return func() { _ = term.Restore(fd, old) }, nil
}

// NewWidget has the mux.WidgetFactory signature. Input reaches the
// multiplexer through Keys, so events is not kept.
func (c *Console) NewWidget(tab mux.TabInfo, fontSize int, _ mux.WidgetEvents) (mux.Widget, error) {
	return &widget{
		c:          c,
		id:         tab.ID,
		fontSize:   fontSize,
		scrollback: utils.NewRingBuffer(c.scrollback),
	}, nil
}

// SetTitle sets the terminal window title.
func (c *Console) SetTitle(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\x1b]0;%s\a", sanitize(title))
}

// Status prints a one-line message in reverse video below the current
// output.
func (c *Console) Status(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\r\n\x1b[7m %s %s\r\n", sanitize(msg), resetAttrs)
}

// TabList formats tabs for Status, marking the active one.
func TabList(tabs []mux.TabInfo) string {
	parts := make([]string, 0, len(tabs))
	for i, t := range tabs {
		mark := " "
		if t.Active {
			mark = "*"
		}
		label := fmt.Sprintf("%d%s%s", i+1, mark, t.Title)
		if t.Exited {
			label += fmt.Sprintf(" (exited %d)", t.ExitCode)
		}
		parts = append(parts, label)
	}
	if len(parts) == 0 {
		return "no tabs"
	}
	return strings.Join(parts, "  ")
}

// WindowTitle is the title shown while tabs are open.
func WindowTitle(tabs []mux.TabInfo) string {
	for i, t := range tabs {
		if t.Active {
			return fmt.Sprintf("[%d/%d] %s", i+1, len(tabs), t.Title)
		}
	}
	return "dashterm"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// widget is one tab's view. Methods are called from the multiplexer loop.
type widget struct {
	c          *Console
	id         models.SessionID
	scrollback *utils.RingBuffer

	// Guarded by c.mu.
	fontSize int
	visible  bool
	disposed bool
}

func (w *widget) Write(data []byte) {
	w.scrollback.Write(data)
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.visible && !w.disposed {
		_, _ = w.c.out.Write(data)
	}
}

// SetFontSize is recorded only; a text console has no font to change.
func (w *widget) SetFontSize(px int) {
	w.c.mu.Lock()
	w.fontSize = px
	w.c.mu.Unlock()
}

func (w *widget) Fit() (int, int) {
	return w.c.size()
}

func (w *widget) SetVisible(visible bool) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.disposed || w.visible == visible {
		return
	}
	w.visible = visible
	if visible {
		_, _ = io.WriteString(w.c.out, resetAttrs+clearScreen)
		_, _ = w.c.out.Write(w.scrollback.Bytes())
	}
}

func (w *widget) Dispose() {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	w.disposed = true
	w.visible = false
}
