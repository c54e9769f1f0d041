// Command terminalcpd is the terminal multiplexer daemon: it owns a set of
// PTY-backed child processes and serves the request/event protocol IPC
// clients use to spawn, drive, and observe them.
package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"terminalcp/internal/config"
	"terminalcp/internal/ipcserver"
	"terminalcp/internal/terminal"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: terminalcpd <start|stop|restart|run|status>\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart()
	case "stop":
		cmdStop()
	case "restart":
		cmdStop()
		cmdStart()
	case "run":
		runDaemon()
	case "status":
		cmdStatus()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func cmdStart() {
	if pid := readPID(); pid != 0 {
		if processAlive(pid) {
			fmt.Printf("Daemon already running (pid %d)\n", pid)
			return
		}
		os.Remove(config.PIDPath())
	}

	exePath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to find executable: %v\n", err)
		os.Exit(1)
	}
	cmd := exec.Command(exePath, "run")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
		os.Exit(1)
	}
	cmd.Process.Release()

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(config.SocketPath()); err == nil {
			fmt.Printf("Daemon started (pid %d)\n", readPID())
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "Daemon started but socket not yet available\n")
}

func cmdStop() {
	pid := readPID()
	if pid == 0 || !processAlive(pid) {
		fmt.Println("Daemon not running")
		os.Remove(config.PIDPath())
		os.Remove(config.SocketPath())
		return
	}
	syscall.Kill(pid, syscall.SIGTERM)
	for i := 0; i < 50; i++ {
		if !processAlive(pid) {
			fmt.Printf("Daemon stopped (was pid %d)\n", pid)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "Daemon did not stop within 5s, sending SIGKILL\n")
	syscall.Kill(pid, syscall.SIGKILL)
	time.Sleep(200 * time.Millisecond)
	os.Remove(config.PIDPath())
	os.Remove(config.SocketPath())
}

func cmdStatus() {
	pid := readPID()
	if pid == 0 || !processAlive(pid) {
		fmt.Println("Daemon is not running")
		os.Exit(1)
	}
	fmt.Printf("Daemon is running (pid %d)\n", pid)
}

func readPID() int {
	data, err := os.ReadFile(config.PIDPath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// runDaemon is the foreground daemon loop, invoked by `terminalcpd run`
// (directly, or re-exec'd by `start`/a client's auto-start path).
func runDaemon() {
	logFile, err := os.OpenFile(config.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(2)
	}
	logger := log.New(logFile, "", log.Ldate|log.Ltime|log.Lmicroseconds)

	os.MkdirAll(config.Dir(), 0700)
	os.WriteFile(config.PIDPath(), []byte(strconv.Itoa(os.Getpid())), 0644)
	logger.Printf("daemon starting (pid %d)", os.Getpid())

	terminal.PostCRDelay = config.PostCRDelay()
	terminal.StopGracePeriod = config.StopGracePeriod()

	// Listen owns the stale-vs-live decision (probe before unlinking); no
	// unconditional removal here.
	ln, err := ipcserver.Listen(config.SocketPath())
	if err != nil {
		logger.Printf("failed to bind %s: %v", config.SocketPath(), err)
		os.Exit(1)
	}
	if err := os.Chmod(config.SocketPath(), 0600); err != nil {
		logger.Printf("failed to chmod socket: %v", err)
	}
	logger.Printf("listening on %s", config.SocketPath())

	var srv *ipcserver.Server
	mgr := terminal.NewManager(
		func(id string, data []byte) { srv.BroadcastOutput(id, data) },
		func(id string, exitCode, pid int) { srv.BroadcastExit(id, exitCode, pid) },
	)
	mgr.SetDefaultRingCapacity(config.RingCapacity())
	srv = ipcserver.New(mgr, config.SocketPath(), logger)
	srv.SetWriteQueueCap(config.WriteQueueCap())

	go sweepLoop(mgr, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Printf("received %s, shutting down", sig)
		srv.Shutdown()
		os.Remove(config.PIDPath())
		os.Exit(0)
	}()

	if err := srv.Serve(ln); err != nil {
		logger.Printf("serve error: %v", err)
		os.Exit(2)
	}
}

func sweepLoop(mgr *terminal.Manager, logger *log.Logger) {
	interval := config.ReapedSweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if n := mgr.SweepReaped(config.ReapedMaxAge()); n > 0 {
			logger.Printf("swept %d exited terminal record(s)", n)
		}
	}
}
