// Package ipcserver implements the daemon side of the wire protocol: a
// Unix-domain socket listener with single-instance semantics, per-connection
// line-delimited JSON request dispatch, and backpressure-aware event
// fan-out to subscribers.
package ipcserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"terminalcp/internal/keys"
	"terminalcp/internal/protocol"
	"terminalcp/internal/terminal"
)

// maxLineSize bounds a single incoming JSON frame (large env maps or
// stream reads embedded in a request are the realistic ceiling).
const maxLineSize = 2 * 1024 * 1024

// DefaultWriteQueueCap is the number of outbound frames queued per
// connection before the slowest subscriber is dropped.
const DefaultWriteQueueCap = 256

// bindRetries bounds the stale-socket unlink-and-rebind loop in Listen.
const bindRetries = 5

// Server dispatches requests from accepted connections into a
// terminal.Manager and fans output events out to subscribed connections.
type Server struct {
	mgr           *terminal.Manager
	socketPath    string
	writeQueueCap int
	logger        *log.Logger

	ln net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}

	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a Server. logger defaults to log.Default() if nil.
func New(mgr *terminal.Manager, socketPath string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		mgr:           mgr,
		socketPath:    socketPath,
		writeQueueCap: DefaultWriteQueueCap,
		logger:        logger,
		clients:       make(map[*client]struct{}),
		done:          make(chan struct{}),
	}
}

// SetWriteQueueCap overrides the per-connection outbound queue depth
// before the slowest subscriber is dropped.
func (s *Server) SetWriteQueueCap(n int) {
	if n > 0 {
		s.writeQueueCap = n
	}
}

// Listen implements the single-instance bind probe: try to bind the
// socket; on EADDRINUSE, connect as a client and issue a benign "list"
// request — if a live daemon answers, another instance owns the socket and
// we give up; if the connect fails (stale socket), unlink and retry, up to
// bindRetries times.
func Listen(socketPath string) (net.Listener, error) {
	var lastErr error
	for attempt := 0; attempt < bindRetries; attempt++ {
		ln, err := net.Listen("unix", socketPath)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
		if probeAlive(socketPath) {
			return nil, fmt.Errorf("daemon already running on %s", socketPath)
		}
		// Stale socket: nothing answered the probe. Unlink and retry.
		_ = os.Remove(socketPath)
	}
	return nil, fmt.Errorf("failed to bind %s after %d attempts: %w", socketPath, bindRetries, lastErr)
}

// probeAlive connects to an existing socket and issues a no-op "list"
// request; it returns true only if a well-formed response comes back
// within 500ms.
func probeAlive(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	defer conn.Close()

	req := protocol.Request{ID: "probe", Action: "list"}
	b, _ := json.Marshal(req)
	b = append(b, '\n')
	_ = conn.SetDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := conn.Write(b); err != nil {
		return false
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	if !scanner.Scan() {
		return false
	}
	var resp protocol.Response
	return json.Unmarshal(scanner.Bytes(), &resp) == nil && resp.Type == "response"
}

// Serve accepts connections until the listener is closed (by Shutdown or
// an external signal handler closing it).
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// Shutdown performs the kill-server sequence: stop accepting connections,
// terminate every managed terminal, close subscriber connections, and
// unlink the socket. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.done)
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.mgr.StopAll()

		s.mu.Lock()
		for c := range s.clients {
			c.close()
		}
		s.mu.Unlock()

		_ = os.Remove(s.socketPath)
		s.logger.Printf("daemon stopped")
	})
}

// client is one accepted connection: its subscriptions and an outbound
// frame queue drained by a dedicated writer goroutine, so a slow reader on
// the other end can't block the PTY readers that feed events into it.
type client struct {
	conn    net.Conn
	writeMu sync.Mutex // serializes every write to conn (writeLoop's and any direct write)
	out     chan []byte
	stopCh  chan struct{}

	mu         sync.Mutex
	subscribed map[string]bool
	closed     bool
}

func newClient(conn net.Conn, queueCap int) *client {
	return &client{
		conn:       conn,
		out:        make(chan []byte, queueCap),
		stopCh:     make(chan struct{}),
		subscribed: make(map[string]bool),
	}
}

// subscribe adds terminalID to this connection's subscriber set.
func (c *client) subscribe(terminalID string) {
	c.mu.Lock()
	c.subscribed[terminalID] = true
	c.mu.Unlock()
}

// unsubscribe removes terminalID from this connection's subscriber set.
func (c *client) unsubscribe(terminalID string) {
	c.mu.Lock()
	delete(c.subscribed, terminalID)
	c.mu.Unlock()
}

// isSubscribed reports whether this connection receives events for
// terminalID.
func (c *client) isSubscribed(terminalID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[terminalID]
}

// send enqueues a frame. If the queue is full the connection is closed —
// this is the "drop the slowest subscriber" backpressure policy.
func (c *client) send(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	b = append(b, '\n')

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	select {
	case c.out <- b:
	case <-c.stopCh:
	default:
		c.close()
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.stopCh)
	_ = c.conn.Close()
}

func (c *client) writeLoop() {
	for {
		select {
		case b := <-c.out:
			c.writeMu.Lock()
			_, err := c.conn.Write(b)
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-c.stopCh:
			return
		}
	}
}

// writeDirect writes a frame to conn outside the queue, for the one
// response (kill-server's) that must reach the client before this
// connection is torn down. Takes writeMu so it can never interleave with a
// frame writeLoop is draining concurrently.
func (c *client) writeDirect(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	b = append(b, '\n')
	c.writeMu.Lock()
	_, _ = c.conn.Write(b)
	c.writeMu.Unlock()
}

// checkPeerUID rejects connections from a different user than the daemon's
// own. The socket is already 0600 in its own directory, but a misconfigured
// shared state dir (TERMINALCP_HOME pointed at something group-writable)
// shouldn't let another user drive this daemon's terminals.
func checkPeerUID(conn net.Conn) bool {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return true
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return true
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil {
		return true
	}
	return int(cred.Uid) == os.Getuid()
}

func (s *Server) handleConn(conn net.Conn) {
	if !checkPeerUID(conn) {
		s.logger.Printf("rejected connection from mismatched uid")
		_ = conn.Close()
		return
	}

	c := newClient(conn, s.writeQueueCap)

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writeLoop()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			c.send(protocol.Fail("", protocol.CodeBadRequest, "malformed JSON"))
			continue
		}
		if s.dispatch(c, req) {
			return // kill-server: this connection and everything else is torn down
		}
	}
}

// dispatch handles one request. It returns true if the server is shutting
// down and this connection's read loop should stop; the accept loop itself
// ends when Shutdown closes the listener.
func (s *Server) dispatch(c *client, req protocol.Request) (shutdown bool) {
	switch req.Action {
	case "start":
		id, err := s.mgr.Start(terminal.StartParams{
			Command: req.Command,
			Cols:    req.Cols,
			Rows:    req.Rows,
			Cwd:     req.Cwd,
			Env:     req.Env,
		})
		if err != nil {
			s.fail(c, req.ID, err)
			return false
		}
		s.logger.Printf("terminal started: %s (cmd=%q)", id, req.Command)
		c.subscribe(id)
		c.send(protocol.OK(req.ID, protocol.StartResult{ID: id}))

	case "stdin":
		if err := s.mgr.Stdin(req.Terminal, req.Data, req.IsKey); err != nil {
			s.fail(c, req.ID, err)
			return false
		}
		c.send(protocol.OK(req.ID, nil))

	case "stdout":
		out, err := s.mgr.Stdout(req.Terminal, req.Mode, req.Lines, req.Bytes)
		if err != nil {
			s.fail(c, req.ID, err)
			return false
		}
		c.send(protocol.OK(req.ID, out))

	case "subscribe":
		if !s.mgr.Has(req.Terminal) {
			s.fail(c, req.ID, terminal.ErrUnknownTerminal)
			return false
		}
		c.subscribe(req.Terminal)
		buffered, _ := s.mgr.Buffered(req.Terminal)
		c.send(protocol.OK(req.ID, protocol.SubscribeResult{Buffered: buffered}))

	case "unsubscribe":
		c.unsubscribe(req.Terminal)
		c.send(protocol.OK(req.ID, nil))

	case "resize":
		if err := s.mgr.Resize(req.Terminal, req.Cols, req.Rows); err != nil {
			s.fail(c, req.ID, err)
			return false
		}
		c.send(protocol.OK(req.ID, nil))

	case "stop":
		if err := s.mgr.Stop(req.Terminal, req.Force); err != nil {
			s.fail(c, req.ID, err)
			return false
		}
		s.logger.Printf("terminal stopped: %s", req.Terminal)
		c.send(protocol.OK(req.ID, nil))

	case "list":
		infos := s.mgr.List()
		out := make([]protocol.TerminalInfo, 0, len(infos))
		for _, info := range infos {
			out = append(out, protocol.TerminalInfo{
				ID: info.ID, Command: info.Command, Running: info.Running,
				Cols: info.Cols, Rows: info.Rows, Pid: info.Pid, ExitCode: info.ExitCode,
			})
		}
		c.send(protocol.OK(req.ID, out))

	case "term-size":
		cols, rows := terminal.TermSize()
		c.send(protocol.OK(req.ID, protocol.TermSizeResult{Cols: cols, Rows: rows}))

	case "kill-server":
		// Written synchronously, bypassing the queue: handleConn's cleanup
		// closes this connection as soon as dispatch returns, which would
		// otherwise race the write-loop goroutine for this response.
		c.writeDirect(protocol.OK(req.ID, nil))
		go s.Shutdown()
		return true

	default:
		c.send(protocol.Fail(req.ID, protocol.CodeUnknownAction, "unknown action: "+req.Action))
	}
	return false
}

func (s *Server) fail(c *client, id string, err error) {
	code := protocol.CodeInternalError
	var ik *keys.ErrInvalidKey
	switch {
	case errors.Is(err, terminal.ErrUnknownTerminal):
		code = protocol.CodeUnknownTerminal
	case errors.Is(err, terminal.ErrExited):
		code = protocol.CodeExited
	case terminal.ErrSpawn(err):
		code = protocol.CodeSpawnError
	case errors.As(err, &ik):
		code = protocol.CodeInvalidKey
	}
	if code == protocol.CodeInternalError {
		s.logger.Printf("internal error: %v", err)
	}
	c.send(protocol.Fail(id, code, err.Error()))
}

// BroadcastOutput delivers a chunk of terminal output to every connection
// subscribed to terminalID. Wired as the Manager's onOutput callback.
func (s *Server) BroadcastOutput(terminalID string, data []byte) {
	s.broadcast(terminalID, protocol.Event{
		Type:     "event",
		Terminal: terminalID,
		Kind:     "output",
		Data:     string(data),
	})
}

// BroadcastExit notifies subscribers that a terminal's child has exited.
func (s *Server) BroadcastExit(terminalID string, exitCode, pid int) {
	s.logger.Printf("terminal exited: %s (pid %d, code %d)", terminalID, pid, exitCode)
	s.broadcast(terminalID, protocol.Event{
		Type:     "event",
		Terminal: terminalID,
		Kind:     "exit",
		Data:     fmt.Sprintf("%d", exitCode),
	})
}

func (s *Server) broadcast(terminalID string, msg interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.isSubscribed(terminalID) {
			c.send(msg)
		}
	}
}
