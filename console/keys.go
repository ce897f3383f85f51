package console

import (
	"context"
	"errors"
	"io"

	"dashterm/models"
	"dashterm/mux"
)

// Prefix is the key that introduces a console command (Ctrl-B).
const Prefix byte = 0x02

// Tabs is the part of the multiplexer the keys drive.
type Tabs interface {
	Active() (models.SessionID, bool)
	Input(id models.SessionID, data []byte) error
	CloseTab(id models.SessionID) error
	CycleTab(delta int) error
	SelectTab(idx int) error
	SetFontSize(px int) (int, error)
	FontSize() int
	Tabs() []mux.TabInfo
}

// Keys splits console input into shell input and prefix commands:
//
//	c new tab, x close tab, n/p next/previous, 1-9 select,
//	+/- font size, d detach, l list tabs, Ctrl-B a literal Ctrl-B.
type Keys struct {
	tabs Tabs

	// NewTab, Detach and List are invoked for their keys. List receives
	// the current tabs.
	NewTab func()
	Detach func()
	List   func([]mux.TabInfo)

	prefixed bool
}

// NewKeys creates a key handler for tabs.
func NewKeys(tabs Tabs) *Keys {
	return &Keys{tabs: tabs}
}

// Feed processes one read from the terminal. Bytes for the shell are
// forwarded to the active tab in as few writes as possible.
func (k *Keys) Feed(data []byte) {
	start := 0
	for i, b := range data {
		if k.prefixed {
			k.prefixed = false
			start = i + 1
			if b == Prefix {
				k.send([]byte{Prefix})
				continue
			}
			k.command(b)
			continue
		}
		if b == Prefix {
			k.send(data[start:i])
			k.prefixed = true
			start = i + 1
		}
	}
	if !k.prefixed && start < len(data) {
		k.send(data[start:])
	}
}

func (k *Keys) send(data []byte) {
	if len(data) == 0 {
		return
	}
	id, ok := k.tabs.Active()
	if !ok {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	_ = k.tabs.Input(id, buf)
}

func (k *Keys) command(b byte) {
	switch {
	case b == 'c':
		if k.NewTab != nil {
			k.NewTab()
		}
	case b == 'x':
		if id, ok := k.tabs.Active(); ok {
			_ = k.tabs.CloseTab(id)
		}
	case b == 'n':
		_ = k.tabs.CycleTab(1)
	case b == 'p':
		_ = k.tabs.CycleTab(-1)
	case b >= '1' && b <= '9':
		_ = k.tabs.SelectTab(int(b - '1'))
	case b == '+' || b == '=':
		_, _ = k.tabs.SetFontSize(k.tabs.FontSize() + 1)
	case b == '-':
		_, _ = k.tabs.SetFontSize(k.tabs.FontSize() - 1)
	case b == 'd':
		if k.Detach != nil {
			k.Detach()
		}
	case b == 'l':
		if k.List != nil {
			k.List(k.tabs.Tabs())
		}
	}
}

// Pump feeds everything read from r into k until r fails or ctx is done.
// A read blocked on a terminal cannot be interrupted, so after ctx is done
// the last read is abandoned.
func (k *Keys) Pump(ctx context.Context, r io.Reader) error {
	reads := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case reads <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-reads:
			k.Feed(chunk)
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
