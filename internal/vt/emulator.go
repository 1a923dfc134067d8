// Package vt adapts a headless terminal emulator into two outputs: an
// ANSI reconnect payload (scrollback + grid, Emulator.ReconnectANSI) and
// the compact binary Viewport Snapshot, whose Text method backs the
// text view.
//
// The emulator itself (charmbracelet/x/vt) is an implementation
// detail — the snapshot codec is the stable contract the UI depends on,
// not the emulator's internals — so Emulator exposes a narrow surface
// (Write, Resize, Size, CursorPosition, CursorHidden, ReconnectANSI,
// ScrollbackLen, Close); everything else in this package is built on
// top of it.
package vt

import (
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// maxScrollbackLines bounds the ring buffer of lines scrolled off the top
// of the screen, kept for the ANSI reconnect stream.
const maxScrollbackLines = 50000

// Emulator wraps vt.Emulator with scrollback capture via its ScrollOut
// callback. All methods are safe for concurrent use; callbacks fire
// inside Write, so the lock is already held when they run.
type Emulator struct {
	emu        *vt.Emulator
	scrollback []string
	sbHead     int
	sbLen      int

	mu           sync.Mutex
	altScreen    bool
	cursorHidden bool
	cols, rows   int
}

// NewEmulator creates an Emulator sized to cols x rows.
func NewEmulator(cols, rows int) *Emulator {
	e := &Emulator{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, maxScrollbackLines),
		cols:       cols,
		rows:       rows,
	}
	e.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if e.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if e.sbLen == len(e.scrollback) {
					e.scrollback[e.sbHead] = ""
				}
				e.scrollback[e.sbHead] = rendered
				e.sbHead = (e.sbHead + 1) % len(e.scrollback)
				if e.sbLen < len(e.scrollback) {
					e.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range e.scrollback {
				e.scrollback[i] = ""
			}
			e.sbLen = 0
			e.sbHead = 0
		},
		AltScreen: func(on bool) {
			e.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			e.cursorHidden = !visible
		},
	})
	return e
}

// Write feeds PTY output into the emulator. It must be called with bytes
// in the same order the PTY produced them; resizes must be interleaved
// via Resize in their original position in that stream.
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu.Write(p)
}

// Resize changes the emulator's dimensions.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emu.Resize(cols, rows)
	e.cols, e.rows = cols, rows
}

// Size returns the emulator's current dimensions.
func (e *Emulator) Size() (cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}

// renderGrid returns the ANSI-styled current viewport (no scrollback),
// home-cursor and style-reset prefixed so it is replayable standalone.
func (e *Emulator) renderGrid() string {
	var buf strings.Builder
	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(e.emu.Render())
	return buf.String()
}

// CursorPosition returns the 0-based cursor column/row.
func (e *Emulator) CursorPosition() (x, y int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.emu.CursorPosition()
	return pos.X, pos.Y
}

// CursorHidden reports whether the last observed DECTCEM state hid the
// cursor.
func (e *Emulator) CursorHidden() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursorHidden
}

// ReconnectANSI renders a full reconnect payload: scrollback replay,
// screen-clearing padding, then a fresh grid paint and cursor restore —
// valid ANSI any terminal emulator (including xterm.js) can consume
// directly. The binary Viewport Snapshot (see snapshot.go) is the
// separate, versioned wire contract for the buffer subscription path.
func (e *Emulator) ReconnectANSI() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	var buf strings.Builder
	lines := e.scrollbackLinesLocked()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	if len(lines) > 0 {
		for range e.rows - 1 {
			buf.WriteByte('\n')
		}
	}
	buf.WriteString(e.renderGrid())
	x, y := e.emu.CursorPosition().X, e.emu.CursorPosition().Y
	buf.WriteString(cursorMove(x, y))
	if e.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}
	return []byte(buf.String())
}

func cursorMove(x, y int) string {
	return "\x1b[" + itoa(y+1) + ";" + itoa(x+1) + "H"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// ScrollbackLen returns the number of scrollback lines currently stored.
func (e *Emulator) ScrollbackLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sbLen
}

func (e *Emulator) scrollbackLinesLocked() []string {
	if e.sbLen == 0 {
		return nil
	}
	lines := make([]string, e.sbLen)
	start := (e.sbHead - e.sbLen + len(e.scrollback)) % len(e.scrollback)
	for i := range e.sbLen {
		lines[i] = e.scrollback[(start+i)%len(e.scrollback)]
	}
	return lines
}

// Close releases the underlying emulator's resources.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu.Close()
}
