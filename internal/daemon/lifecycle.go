package daemon

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Lifecycle helpers used by the CLI to manage a daemon it did not start.

// IsRunning reports whether a daemon is alive for the given paths, and
// its pid when it is. A pid file whose process is gone is stale, not
// running.
func IsRunning(paths Paths) (bool, int, error) {
	pid, err := ReadPIDFile(paths.PID)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if !processAlive(pid) {
		return false, pid, nil
	}
	return true, pid, nil
}

// ReadPIDFile parses the daemon's pid file.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return pid, nil
}

// processAlive checks existence with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Responding dials the request socket to check the daemon actually
// answers, not just that a process holds the pid.
func Responding(paths Paths) bool {
	conn, err := net.DialTimeout("unix", paths.Socket, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Stop sends SIGTERM and waits for the request socket to disappear.
// Returns the pid that was signalled.
func Stop(paths Paths, wait time.Duration) (int, error) {
	pid, err := ReadPIDFile(paths.PID)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("daemon is not running")
		}
		return 0, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.SIGTERM) != nil {
		// Process gone; clean the leftovers so the next start is clean.
		os.Remove(paths.PID)
		os.Remove(paths.Socket)
		os.Remove(paths.MonitorSocket)
		return pid, fmt.Errorf("daemon process %d not found; cleaned up stale files", pid)
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(paths.Socket); os.IsNotExist(err) {
			return pid, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return pid, fmt.Errorf("sent SIGTERM to %d but socket still present after %s", pid, wait)
}
