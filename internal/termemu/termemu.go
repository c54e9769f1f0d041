// Package termemu adapts github.com/tonistiigi/vt100 into the terminal
// emulator a Managed Terminal feeds PTY output through: a fixed-size
// xterm-256color grid that can be fed raw bytes, resized, and rendered as
// plain text on demand.
package termemu

import (
	"regexp"
	"strings"
	"sync"

	"github.com/tonistiigi/vt100"
)

const (
	DefaultCols = 80
	DefaultRows = 24
)

// oscLinkRegex strips OSC 8 hyperlink sequences (ESC ] 8 ; params ; URI ST).
// vt100 has no handling for them and left unstripped they corrupt the grid
// by being interpreted character-by-character.
var oscLinkRegex = regexp.MustCompile(`\x1b\]8;[^;]*;[^\x1b\x07]*(?:\x1b\\|\x07)`)

// Emulator is a single managed terminal's screen state: everything a PTY
// reader goroutine feeds bytes into and an RPC handler reads a snapshot
// from. Safe for concurrent Feed/Snapshot/Resize calls.
type Emulator struct {
	mu   sync.RWMutex
	vt   *vt100.VT100
	cols int
	rows int
}

// New creates an emulator with the given grid size. Zero values fall back
// to DefaultCols/DefaultRows.
func New(cols, rows int) *Emulator {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return &Emulator{
		vt:   vt100.NewVT100(rows, cols),
		cols: cols,
		rows: rows,
	}
}

// Feed writes PTY output into the emulator. Callers are responsible for not
// splitting a multi-byte UTF-8 sequence across two Feed calls (see
// internal/ring.IncompleteTail); a split escape sequence is tolerated by
// vt100's parser across calls, but a split rune is not.
func (e *Emulator) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	cleaned := oscLinkRegex.ReplaceAll(data, nil)
	if len(cleaned) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vt.Write(cleaned)
}

// Resize changes the emulator's grid dimensions. A no-op if the dimensions
// are unchanged.
func (e *Emulator) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cols == e.cols && rows == e.rows {
		return
	}
	e.vt.Resize(rows, cols)
	e.cols = cols
	e.rows = rows
}

// Size returns the emulator's current grid dimensions.
func (e *Emulator) Size() (cols, rows int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cols, e.rows
}

// Snapshot renders the visible screen as plain text: rows joined by "\n",
// each row trimmed of trailing spaces, trailing blank rows trimmed from the
// bottom of the grid. Cell attributes and cursor position are not
// observable in this form.
func (e *Emulator) Snapshot() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	lines := make([]string, e.rows)
	for y := 0; y < e.rows; y++ {
		var sb strings.Builder
		lastNonSpace := -1
		for x := 0; x < e.cols; x++ {
			c := e.vt.Content[y][x]
			if c != 0 && c != ' ' {
				lastNonSpace = x
			}
		}
		for x := 0; x <= lastNonSpace; x++ {
			c := e.vt.Content[y][x]
			if c == 0 {
				c = ' '
			}
			sb.WriteRune(c)
		}
		lines[y] = sb.String()
	}

	last := len(lines) - 1
	for last >= 0 && lines[last] == "" {
		last--
	}
	return strings.Join(lines[:last+1], "\n")
}
