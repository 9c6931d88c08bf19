package supervisor

import (
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ValidateCompanionProcess checks that pid names a live, non-zombie process
// whose command line contains expected (when expected is non-empty). This
// prevents trusting a persisted PID that the OS has since reused.
//
// Every lookup failure counts as "not running"; nothing is returned as an
// error.
func ValidateCompanionProcess(pid int, expected string) bool {
	if pid <= 0 || pid > math.MaxInt32 {
		return false
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		slog.Debug("Process not found", "pid", pid, "error", err)
		return false
	}

	running, err := proc.IsRunning()
	if err != nil || !running {
		slog.Debug("Process not running", "pid", pid, "error", err)
		return false
	}

	statuses, err := proc.Status()
	if err != nil {
		slog.Debug("Process status unavailable", "pid", pid, "error", err)
		return false
	}
	if slices.Contains(statuses, process.Zombie) {
		slog.Debug("Process is a zombie", "pid", pid)
		return false
	}

	if expected == "" {
		return true
	}

	cmdline, err := proc.Cmdline()
	if err != nil {
		slog.Debug("Failed to get process command line", "pid", pid, "error", err)
		return false
	}
	if !strings.Contains(cmdline, expected) {
		slog.Debug("Process command line mismatch", "pid", pid, "expected", expected, "actual", cmdline)
		return false
	}

	return true
}
