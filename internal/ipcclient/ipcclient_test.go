package ipcclient

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"terminalcp/internal/ipcserver"
	"terminalcp/internal/protocol"
	"terminalcp/internal/terminal"
)

func startTestDaemon(t *testing.T) string {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "server.sock")

	var srv *ipcserver.Server
	mgr := terminal.NewManager(
		func(id string, data []byte) { srv.BroadcastOutput(id, data) },
		func(id string, exitCode, pid int) { srv.BroadcastExit(id, exitCode, pid) },
	)
	srv = ipcserver.New(mgr, socketPath, nil)

	ln, err := ipcserver.Listen(socketPath)
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(srv.Shutdown)

	return socketPath
}

func TestCallListOnFreshDaemon(t *testing.T) {
	socketPath := startTestDaemon(t)
	c, err := Connect(socketPath, "", nil)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Call(protocol.Request{Action: "list"}, 0)
	require.NoError(t, err)
	require.True(t, resp.OK)
}

func TestCallStartAndStdinAndStdout(t *testing.T) {
	socketPath := startTestDaemon(t)
	c, err := Connect(socketPath, "", nil)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Call(protocol.Request{Action: "start", Command: "bash", Cols: 80, Rows: 24}, 0)
	require.NoError(t, err)
	require.True(t, resp.OK)

	var started protocol.StartResult
	require.NoError(t, unmarshal(resp, &started))

	resp, err = c.Call(protocol.Request{Action: "stdin", Terminal: started.ID, Data: "echo hi\r"}, 0)
	require.NoError(t, err)
	require.True(t, resp.OK)

	require.Eventually(t, func() bool {
		resp, err := c.Call(protocol.Request{Action: "stdout", Terminal: started.ID, Mode: "screen"}, 0)
		if err != nil || !resp.OK {
			return false
		}
		var screen string
		_ = unmarshal(resp, &screen)
		return contains(screen, "hi")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCallUnknownTerminalFails(t *testing.T) {
	socketPath := startTestDaemon(t)
	c, err := Connect(socketPath, "", nil)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Call(protocol.Request{Action: "stdin", Terminal: "nope", Data: "x"}, 0)
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, protocol.CodeUnknownTerminal, resp.Error.Code)
}

func TestEventsRoutedToCallback(t *testing.T) {
	socketPath := startTestDaemon(t)

	events := make(chan protocol.Event, 16)
	c, err := Connect(socketPath, "", func(ev protocol.Event) { events <- ev })
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Call(protocol.Request{Action: "start", Command: "bash", Cols: 80, Rows: 24}, 0)
	require.NoError(t, err)
	var started protocol.StartResult
	require.NoError(t, unmarshal(resp, &started))

	_, err = c.Call(protocol.Request{Action: "stdin", Terminal: started.ID, Data: "echo marker\r"}, 0)
	require.NoError(t, err)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == "output" && contains(ev.Data, "marker") {
				return
			}
		case <-deadline:
			t.Fatal("did not observe marker in a routed event")
		}
	}
}

func TestCallAfterCloseFailsDisconnected(t *testing.T) {
	socketPath := startTestDaemon(t)
	c, err := Connect(socketPath, "", nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())

	_, err = c.Call(protocol.Request{Action: "list"}, time.Second)
	require.ErrorIs(t, err, ErrDisconnected)
}

func unmarshal(resp protocol.Response, v interface{}) error {
	return json.Unmarshal(resp.Result, v)
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
