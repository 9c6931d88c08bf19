package channel

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Process is a handle on a spawned companion
type Process struct {
	Pid int

	cmd     *exec.Cmd
	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

// Exited reports whether the process has been reaped
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when the process exits
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error once the process has exited
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// spawnProcess starts scriptPath in its own session with env appended to
// the current environment. Output goes to out when it is non-nil.
func spawnProcess(scriptPath string, env []string, out io.Writer) (*Process, error) {
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("companion bootstrap script: %w", err)
	}

	cmd := exec.Command(scriptPath)
	cmd.Env = append(os.Environ(), env...)
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	// Own process group so a restart can signal the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start companion: %w", err)
	}

	proc := &Process{
		Pid:  cmd.Process.Pid,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	// Reap the child so it never lingers as a zombie
	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.exitErr = err
		proc.mu.Unlock()
		close(proc.done)
		slog.Debug("Companion process exited", "pid", proc.Pid, "error", err)
	}()

	return proc, nil
}
