package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNotRunning is returned when the PID file names no live process.
var ErrNotRunning = errors.New("daemon not running")

// ReadPIDFile returns the process ID recorded in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// StopByPIDFile sends SIGTERM to the daemon named in pidFile and waits up
// to timeout for it to exit. It is the fallback when the control socket
// is unreachable.
func StopByPIDFile(pidFile string, timeout time.Duration) error {
	pid, err := signalPIDFile(pidFile, syscall.SIGTERM)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not exit within %v", pid, timeout)
}

// ReloadByPIDFile sends SIGHUP to the daemon named in pidFile.
func ReloadByPIDFile(pidFile string) error {
	_, err := signalPIDFile(pidFile, syscall.SIGHUP)
	return err
}

func signalPIDFile(pidFile string, sig syscall.Signal) (int, error) {
	if pidFile == "" {
		return 0, fmt.Errorf("%w: no pid file configured", ErrNotRunning)
	}
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return 0, err
	}
	if !alive(pid) {
		os.Remove(pidFile)
		return 0, fmt.Errorf("%w: stale pid %d", ErrNotRunning, pid)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, err
	}
	if err := process.Signal(sig); err != nil {
		return 0, fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return pid, nil
}

// alive reports whether a process with pid exists.
func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
