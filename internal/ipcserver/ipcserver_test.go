package ipcserver

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"terminalcp/internal/protocol"
	"terminalcp/internal/terminal"
)

type testServer struct {
	srv        *Server
	socketPath string
	done       chan struct{}
}

func startTestServer(t *testing.T) *testServer {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "server.sock")

	var srv *Server
	mgr := terminal.NewManager(
		func(id string, data []byte) { srv.BroadcastOutput(id, data) },
		func(id string, exitCode, pid int) { srv.BroadcastExit(id, exitCode, pid) },
	)
	srv = New(mgr, socketPath, nil)

	ln, err := Listen(socketPath)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		srv.Serve(ln)
		close(done)
	}()

	return &testServer{srv: srv, socketPath: socketPath, done: done}
}

func (ts *testServer) dial(t *testing.T) *wireConn {
	conn, err := net.DialTimeout("unix", ts.socketPath, time.Second)
	require.NoError(t, err)
	return &wireConn{conn: conn, scanner: bufio.NewScanner(conn)}
}

type wireConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func (w *wireConn) send(req protocol.Request) {
	b, _ := json.Marshal(req)
	b = append(b, '\n')
	w.conn.Write(b)
}

// recvResponse reads frames until a "response" frame arrives, skipping any
// "event" frames the subscribed connection receives in the meantime (the
// daemon does not guarantee a request's response is the next frame on the
// wire — auto-subscription and the stdin settle delay can interleave output
// events ahead of it).
func (w *wireConn) recvResponse(t *testing.T) protocol.Response {
	for {
		require.True(t, w.scanner.Scan())
		var peek struct {
			Type string `json:"type"`
		}
		line := w.scanner.Bytes()
		require.NoError(t, json.Unmarshal(line, &peek))
		if peek.Type != "response" {
			continue
		}
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(line, &resp))
		return resp
	}
}

func (w *wireConn) recvEvent(t *testing.T) protocol.Event {
	require.True(t, w.scanner.Scan())
	var ev protocol.Event
	require.NoError(t, json.Unmarshal(w.scanner.Bytes(), &ev))
	return ev
}

func TestStartAndListRoundtrip(t *testing.T) {
	ts := startTestServer(t)
	defer ts.srv.Shutdown()
	c := ts.dial(t)

	c.send(protocol.Request{ID: "1", Action: "start", Command: "cat", Cols: 80, Rows: 24})
	resp := c.recvResponse(t)
	require.True(t, resp.OK)

	var started protocol.StartResult
	require.NoError(t, json.Unmarshal(resp.Result, &started))
	require.NotEmpty(t, started.ID)

	c.send(protocol.Request{ID: "2", Action: "list"})
	resp = c.recvResponse(t)
	require.True(t, resp.OK)

	var list []protocol.TerminalInfo
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list, 1)
	require.Equal(t, started.ID, list[0].ID)
}

func TestUnknownActionReportsError(t *testing.T) {
	ts := startTestServer(t)
	defer ts.srv.Shutdown()
	c := ts.dial(t)

	c.send(protocol.Request{ID: "1", Action: "do-a-barrel-roll"})
	resp := c.recvResponse(t)
	require.False(t, resp.OK)
	require.Equal(t, protocol.CodeUnknownAction, resp.Error.Code)
}

func TestStdinToUnknownTerminalFails(t *testing.T) {
	ts := startTestServer(t)
	defer ts.srv.Shutdown()
	c := ts.dial(t)

	c.send(protocol.Request{ID: "1", Action: "stdin", Terminal: "nope", Data: "hi"})
	resp := c.recvResponse(t)
	require.False(t, resp.OK)
	require.Equal(t, protocol.CodeUnknownTerminal, resp.Error.Code)
}

func TestSubscribeReceivesOutputEvents(t *testing.T) {
	ts := startTestServer(t)
	defer ts.srv.Shutdown()
	c := ts.dial(t)

	c.send(protocol.Request{ID: "1", Action: "start", Command: "bash", Cols: 80, Rows: 24})
	resp := c.recvResponse(t)
	require.True(t, resp.OK)
	var started protocol.StartResult
	require.NoError(t, json.Unmarshal(resp.Result, &started))

	c.send(protocol.Request{ID: "2", Action: "stdin", Terminal: started.ID, Data: "echo marker\r"})
	resp = c.recvResponse(t)
	require.True(t, resp.OK)

	deadline := time.Now().Add(3 * time.Second)
	var sawMarker bool
	for time.Now().Before(deadline) {
		ev := c.recvEvent(t)
		require.Equal(t, "event", ev.Type)
		require.Equal(t, started.ID, ev.Terminal)
		if ev.Kind == "output" && strings.Contains(ev.Data, "marker") {
			sawMarker = true
			break
		}
	}
	require.True(t, sawMarker, "subscriber should observe the echoed marker")
}

func TestMalformedJSONGetsBadRequest(t *testing.T) {
	ts := startTestServer(t)
	defer ts.srv.Shutdown()
	c := ts.dial(t)

	c.conn.Write([]byte("{not json\n"))
	resp := c.recvResponse(t)
	require.False(t, resp.OK)
	require.Equal(t, protocol.CodeBadRequest, resp.Error.Code)
}

func TestKillServerUnlinksSocket(t *testing.T) {
	ts := startTestServer(t)
	c := ts.dial(t)

	c.send(protocol.Request{ID: "1", Action: "kill-server"})
	resp := c.recvResponse(t)
	require.True(t, resp.OK)

	require.Eventually(t, func() bool {
		_, err := os.Stat(ts.socketPath)
		return os.IsNotExist(err)
	}, 2*time.Second, 20*time.Millisecond)
}
