package supervisor

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// terminateProcess stops pid and its process group: SIGTERM first, SIGKILL
// once grace has elapsed. A grace of zero or less kills right away.
// Best-effort; failures are only logged.
func terminateProcess(pid int, grace time.Duration) {
	if pid <= 0 {
		return
	}

	if grace <= 0 {
		killProcess(pid)
		return
	}

	// Negative PID signals the whole group, the companion runs under Setsid
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			slog.Debug("Failed to signal companion", "pid", pid, "error", err)
			return
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if unix.Kill(pid, 0) != nil {
			slog.Debug("Companion stopped gracefully", "pid", pid)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	slog.Warn("Companion did not stop gracefully, force killing", "pid", pid)
	killProcess(pid)
}

func killProcess(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil {
			slog.Debug("Failed to kill companion", "pid", pid, "error", err)
		}
	}
}
