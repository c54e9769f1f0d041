// Package terminal implements the Managed Terminal and Terminal Manager:
// the registry of spawned PTY-backed child processes, their raw output
// rings and screen emulators, and the operations an IPC server dispatches
// requests into (start, stop, stdin, stdout, resize, list, term-size).
package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"terminalcp/internal/keys"
	"terminalcp/internal/ring"
	"terminalcp/internal/termemu"
)

// State is a Managed Terminal's position in its lifecycle.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateReaped   State = "reaped"
)

// Sentinel errors a caller can compare with errors.Is; the IPC server
// maps these to wire error codes.
var (
	ErrUnknownTerminal = errors.New("unknown terminal")
	ErrExited          = errors.New("terminal has exited")
)

// StopGracePeriod is how long Stop waits after SIGTERM before escalating
// to SIGKILL.
var StopGracePeriod = 3 * time.Second

// PostCRDelay is the settle delay applied after a Stdin write that
// contains a carriage return. Part of Stdin's contract, not incidental.
var PostCRDelay = 200 * time.Millisecond

// deadSessionMaxAge is how long an exited terminal's record is kept
// addressable before the sweeper reclaims it.
const deadSessionMaxAge = 5 * time.Minute

// Info is the read-only snapshot of a terminal's metadata returned by List.
type Info struct {
	ID       string
	Command  string
	Running  bool
	Cols     int
	Rows     int
	Pid      int
	ExitCode *int
}

// Terminal is one spawned process and everything the daemon tracks about
// it: child handle, PTY master, raw output ring, screen emulator, and the
// locks serializing access to them.
type Terminal struct {
	ID      string
	Command string
	Cwd     string
	Env     map[string]string

	cmd *exec.Cmd
	pty *os.File
	pid int

	ring *ring.Buffer
	emu  *termemu.Emulator

	createdAt time.Time
	exitedAt  time.Time
	exitCode  int

	inputLock sync.Mutex // serializes PTY writes
	stateLock sync.Mutex // guards cols/rows/state and ring+emulator update vs. reads

	cols  int
	rows  int
	state State
}

// Manager owns every Managed Terminal for the daemon's lifetime and is the
// single entry point the IPC server dispatches requests through.
type Manager struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal
	order     []string // creation order, for List

	onOutput func(terminalID string, data []byte)
	onExit   func(terminalID string, exitCode, pid int)

	defaultRingCapacity int
}

// NewManager creates a Manager. onOutput is called with each chunk of
// decoded PTY output as it's read (after the raw bytes land in the ring and
// are fed to the emulator); onExit is called once, when a terminal's child
// has been reaped.
func NewManager(onOutput func(string, []byte), onExit func(string, int, int)) *Manager {
	return &Manager{
		terminals: make(map[string]*Terminal),
		onOutput:  onOutput,
		onExit:    onExit,
	}
}

// SetDefaultRingCapacity sets the per-terminal raw-buffer size used when a
// Start call doesn't specify one.
func (m *Manager) SetDefaultRingCapacity(capacity int) {
	m.defaultRingCapacity = capacity
}

// StartParams are the inputs to Start.
type StartParams struct {
	Command string
	Cols    int
	Rows    int
	Cwd     string
	Env     map[string]string
	// RingCapacity overrides the default raw-buffer size in bytes. Zero
	// uses the Manager's default (SetDefaultRingCapacity), or
	// ring.DefaultCapacity if that is unset.
	RingCapacity int
}

// Start allocates a PTY, spawns Command as the argument to a login-less
// POSIX shell, and registers a reader that feeds output into the
// terminal's ring and emulator and invokes onOutput for each chunk.
func (m *Manager) Start(p StartParams) (string, error) {
	cols, rows := p.Cols, p.Rows
	if cols <= 0 {
		cols = termemu.DefaultCols
	}
	if rows <= 0 {
		rows = termemu.DefaultRows
	}

	ringCap := p.RingCapacity
	if ringCap <= 0 {
		ringCap = m.defaultRingCapacity
	}

	id := uuid.NewString()
	cmd := exec.Command("/bin/sh", "-c", p.Command)
	cmd.Dir = p.Cwd
	cmd.Env = buildChildEnv(p.Env)
	// Setsid puts the shell in its own process group so Stop can signal the
	// whole group (shell + any children it spawned), not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	winsize := &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
	ptmx, err := pty.StartWithSize(cmd, winsize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errSpawn, err)
	}

	t := &Terminal{
		ID:        id,
		Command:   p.Command,
		Cwd:       p.Cwd,
		Env:       p.Env,
		cmd:       cmd,
		pty:       ptmx,
		pid:       cmd.Process.Pid,
		cols:      cols,
		rows:      rows,
		state:     StateRunning,
		createdAt: time.Now(),
		ring:      ring.New(ringCap),
		emu:       termemu.New(cols, rows),
	}

	m.mu.Lock()
	m.terminals[id] = t
	m.order = append(m.order, id)
	m.mu.Unlock()

	go m.readLoop(t)

	return id, nil
}

// errSpawn is wrapped into the returned error so callers can match it with
// errors.Is without depending on pty's own error values.
var errSpawn = errors.New("spawn failed")

// ErrSpawn reports whether err originated from a PTY/process spawn failure.
func ErrSpawn(err error) bool { return errors.Is(err, errSpawn) }

func (m *Manager) readLoop(t *Terminal) {
	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if len(pending) > 0 {
				chunk = append(append([]byte{}, pending...), chunk...)
				pending = nil
			}
			if tail := ring.IncompleteTail(chunk); tail > 0 {
				pending = append([]byte{}, chunk[len(chunk)-tail:]...)
				chunk = chunk[:len(chunk)-tail]
			}
			if len(chunk) > 0 {
				t.stateLock.Lock()
				t.ring.Write(chunk)
				t.emu.Feed(chunk)
				t.stateLock.Unlock()
				if m.onOutput != nil {
					m.onOutput(t.ID, chunk)
				}
			}
		}
		if err != nil {
			if len(pending) > 0 {
				t.stateLock.Lock()
				t.ring.Write(pending)
				t.emu.Feed(pending)
				t.stateLock.Unlock()
				if m.onOutput != nil {
					m.onOutput(t.ID, pending)
				}
			}
			break
		}
	}

	state, _ := t.cmd.Process.Wait()
	exitCode := 0
	if state != nil {
		exitCode = state.ExitCode()
	}

	t.stateLock.Lock()
	t.state = StateExited
	t.exitCode = exitCode
	t.exitedAt = time.Now()
	t.stateLock.Unlock()

	if m.onExit != nil {
		m.onExit(t.ID, exitCode, t.pid)
	}
}

func (m *Manager) get(id string) (*Terminal, error) {
	m.mu.RLock()
	t, ok := m.terminals[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownTerminal
	}
	return t, nil
}

// Stop terminates a terminal's child (SIGTERM, escalating to SIGKILL after
// StopGracePeriod, or SIGKILL immediately if force), reaps it, closes the
// PTY master, and removes it from the registry. Idempotent: a second call
// on the same id fails with ErrUnknownTerminal.
func (m *Manager) Stop(id string, force bool) error {
	m.mu.Lock()
	t, ok := m.terminals[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownTerminal
	}
	delete(m.terminals, id)
	m.mu.Unlock()

	t.stateLock.Lock()
	alive := t.state == StateRunning || t.state == StateStarting
	t.stateLock.Unlock()

	if alive {
		sig := syscall.SIGTERM
		if force {
			sig = syscall.SIGKILL
		}
		signalGroup(t.pid, sig)

		if !force {
			deadline := time.After(StopGracePeriod)
			tick := time.NewTicker(20 * time.Millisecond)
			defer tick.Stop()
		waitLoop:
			for {
				select {
				case <-deadline:
					signalGroup(t.pid, syscall.SIGKILL)
					break waitLoop
				case <-tick.C:
					t.stateLock.Lock()
					exited := t.state == StateExited
					t.stateLock.Unlock()
					if exited {
						break waitLoop
					}
				}
			}
		}
	}

	_ = t.pty.Close()

	t.stateLock.Lock()
	t.state = StateReaped
	t.stateLock.Unlock()

	return nil
}

// Stdin writes data to the terminal's PTY master, translating it through
// the key notation translator first if isKey is set. Writes for a single
// call are atomic with respect to other Stdin calls on the same terminal.
func (m *Manager) Stdin(id string, data string, isKey bool) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}

	t.stateLock.Lock()
	state := t.state
	t.stateLock.Unlock()
	if state == StateExited || state == StateReaped {
		return ErrExited
	}

	payload := []byte(data)
	if isKey {
		translated, err := keys.Translate(data)
		if err != nil {
			return err
		}
		payload = translated
	}

	t.inputLock.Lock()
	_, err = t.pty.Write(payload)
	t.inputLock.Unlock()
	if err != nil {
		return fmt.Errorf("write to pty: %w", err)
	}

	if containsCR(payload) {
		time.Sleep(PostCRDelay)
	}
	return nil
}

// signalGroup signals every process in pid's process group (the shell
// spawned by Start and anything it forked), falling back to signaling pid
// alone if the group lookup fails.
func signalGroup(pid int, sig syscall.Signal) {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		_ = unix.Kill(pid, sig)
		return
	}
	_ = unix.Kill(-pgid, sig)
}

func containsCR(b []byte) bool {
	for _, c := range b {
		if c == '\r' {
			return true
		}
	}
	return false
}

// StreamResult is the decoded form of a raw-buffer read.
type StreamResult struct {
	Data string
}

// Stdout reads a terminal's current state. mode "screen" returns the
// emulator's rendered snapshot; mode "stream" returns the raw ring buffer
// decoded as UTF-8, optionally limited to the last n bytes or last n lines
// (bytes takes precedence if both are given).
func (m *Manager) Stdout(id, mode string, lines, bytesN int) (string, error) {
	t, err := m.get(id)
	if err != nil {
		return "", err
	}

	t.stateLock.Lock()
	defer t.stateLock.Unlock()

	switch mode {
	case "screen":
		return t.emu.Snapshot(), nil
	case "stream":
		var raw []byte
		switch {
		case bytesN > 0:
			raw = t.ring.LastBytes(bytesN)
		case lines > 0:
			raw = t.ring.LastLines(lines)
		default:
			raw = t.ring.Contents()
		}
		return decodeLossy(raw), nil
	default:
		return "", fmt.Errorf("unknown stdout mode: %q", mode)
	}
}

func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string([]rune(string(b)))
}

// Resize updates a terminal's dimensions: applies TIOCSWINSZ to the PTY
// master, resizes the emulator, and sends SIGWINCH to the child.
func (m *Manager) Resize(id string, cols, rows int) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}

	t.stateLock.Lock()
	t.cols = cols
	t.rows = rows
	t.stateLock.Unlock()

	if err := pty.Setsize(t.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	t.emu.Resize(cols, rows)
	signalGroup(t.pid, syscall.SIGWINCH)
	return nil
}

// List reports all known terminals in creation order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		t, ok := m.terminals[id]
		if !ok {
			continue // stopped and removed
		}
		t.stateLock.Lock()
		info := Info{
			ID:      t.ID,
			Command: t.Command,
			Running: t.state == StateRunning || t.state == StateStarting,
			Cols:    t.cols,
			Rows:    t.rows,
			Pid:     t.pid,
		}
		if t.state == StateExited {
			code := t.exitCode
			info.ExitCode = &code
		}
		t.stateLock.Unlock()
		out = append(out, info)
	}
	return out
}

// Buffered returns a terminal's current raw ring contents decoded as
// UTF-8, for replaying to a newly subscribed connection.
func (m *Manager) Buffered(id string) (string, error) {
	t, err := m.get(id)
	if err != nil {
		return "", err
	}
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	return decodeLossy(t.ring.Contents()), nil
}

// Has reports whether id names a currently registered terminal.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.terminals[id]
	return ok
}

// StopAll terminates every managed terminal. Used during daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Stop(id, false)
	}
}

// SweepReaped drops terminals that exited more than maxAge ago and were
// never explicitly stopped, so long-lived daemons don't accumulate exited
// records forever. Returns the number swept.
func (m *Manager) SweepReaped(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = deadSessionMaxAge
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for id, t := range m.terminals {
		t.stateLock.Lock()
		dead := t.state == StateExited && !t.exitedAt.IsZero() && now.Sub(t.exitedAt) > maxAge
		t.stateLock.Unlock()
		if dead {
			_ = t.pty.Close()
			delete(m.terminals, id)
			swept++
		}
	}
	return swept
}

// TermSize reports the dimensions of the daemon process's own controlling
// terminal, falling back to 80x24 when the daemon is detached.
func TermSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if w, h, err := term.GetSize(fd); err == nil {
		return w, h
	}
	return termemu.DefaultCols, termemu.DefaultRows
}

// buildChildEnv augments the daemon's own environment with TERM and the
// caller's overrides, stripping stale COLUMNS/LINES that would otherwise
// confuse a newly spawned program about its terminal size.
func buildChildEnv(overrides map[string]string) []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+len(overrides)+1)
	for _, kv := range base {
		if hasEnvKey(kv, "COLUMNS") || hasEnvKey(kv, "LINES") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "TERM=xterm-256color")
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func hasEnvKey(kv, key string) bool {
	return len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '='
}
