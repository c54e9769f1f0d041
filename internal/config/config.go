// Package config resolves the daemon's state directory and its
// environment-variable-driven tunables. There is no config file: every
// setting is either a fixed default or an env var override.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	socketName = "server.sock"
	pidName    = "daemon.pid"
	logName    = "daemon.log"
)

// Dir returns the daemon's state directory: TERMINALCP_HOME if set,
// otherwise ~/.terminalcp.
func Dir() string {
	if d := os.Getenv("TERMINALCP_HOME"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".terminalcp")
}

// SocketPath returns the path of the daemon's Unix-domain socket.
func SocketPath() string { return filepath.Join(Dir(), socketName) }

// PIDPath returns the path of the daemon's PID file.
func PIDPath() string { return filepath.Join(Dir(), pidName) }

// LogPath returns the path of the daemon's log file.
func LogPath() string { return filepath.Join(Dir(), logName) }

// RingCapacity is the default per-terminal raw-buffer size in bytes,
// overridable via TERMINALCP_RING_CAPACITY.
func RingCapacity() int {
	return envInt("TERMINALCP_RING_CAPACITY", 4*1024*1024)
}

// WriteQueueCap is the number of outbound frames queued per connection
// before the slowest subscriber is dropped, overridable via
// TERMINALCP_WRITE_QUEUE_CAP.
func WriteQueueCap() int {
	return envInt("TERMINALCP_WRITE_QUEUE_CAP", 256)
}

// PostCRDelay is the settle delay applied after a stdin write containing a
// carriage return, overridable via TERMINALCP_POST_CR_DELAY_MS.
func PostCRDelay() time.Duration {
	return time.Duration(envInt("TERMINALCP_POST_CR_DELAY_MS", 200)) * time.Millisecond
}

// StopGracePeriod is how long Stop waits after SIGTERM before escalating
// to SIGKILL, overridable via TERMINALCP_STOP_GRACE_MS.
func StopGracePeriod() time.Duration {
	return time.Duration(envInt("TERMINALCP_STOP_GRACE_MS", 3000)) * time.Millisecond
}

// ReapedSweepInterval governs how often the daemon sweeps long-exited
// terminal records, overridable via TERMINALCP_SWEEP_INTERVAL_S.
func ReapedSweepInterval() time.Duration {
	return time.Duration(envInt("TERMINALCP_SWEEP_INTERVAL_S", 60)) * time.Second
}

// ReapedMaxAge is how long an exited terminal stays addressable before the
// sweeper reclaims it, overridable via TERMINALCP_SWEEP_MAX_AGE_S.
func ReapedMaxAge() time.Duration {
	return time.Duration(envInt("TERMINALCP_SWEEP_MAX_AGE_S", 300)) * time.Second
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
