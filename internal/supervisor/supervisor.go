package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.olrik.dev/stagehand/internal/channel"
	"go.olrik.dev/stagehand/internal/core"
	"go.olrik.dev/stagehand/internal/hostloop"
)

var (
	// ErrConfiguration means the companion cannot be located. Never retried.
	ErrConfiguration = errors.New("companion configuration error")
	// ErrHandshakeExhausted means every spawn attempt failed to connect
	ErrHandshakeExhausted = errors.New("companion did not connect")
)

// CompanionState is the supervisor's view of the companion process
type CompanionState string

const (
	CompanionNotStarted CompanionState = "not_started"
	CompanionRunning    CompanionState = "running"
	CompanionExited     CompanionState = "exited"
)

// bootstrapService is called synchronously once the companion first connects
const bootstrapService = "load_and_init"

// PIDStore persists the companion PID across host reloads
type PIDStore interface {
	LoadPID() (int, error)
	SavePID(pid int) error
	ClearPID() error
}

// EventLogger records companion lifecycle events
type EventLogger interface {
	LogEvent(category, subject, eventType, details string) error
}

// Options configure a Supervisor. Zero values take the defaults from
// core.GetDefaultConfig.
type Options struct {
	Name           string
	MaxAttempts    int
	AttemptTimeout time.Duration
	StopTimeout    time.Duration
	HistorySize    int
	// Match is a substring the companion command line must contain; empty
	// accepts any live process
	Match string

	// ResourcePath locates the companion resources, core.ResourcePath by default
	ResourcePath func() (string, bool)
	// Validate reports whether pid is a live companion, ValidateCompanionProcess by default
	Validate func(pid int, expected string) bool
	// Terminate stops a companion that never connected
	Terminate func(pid int, grace time.Duration)
}

// Supervisor owns the companion process: spawning, liveness, handshake and
// the bounded retry budget. It is driven from the host thread only.
type Supervisor struct {
	channel channel.Channel
	yielder hostloop.Yielder
	pids    PIDStore
	events  EventLogger
	opts    Options
	output  *OutputHistory

	attemptsRemaining int
	configErr         error
	proc              *channel.Process // handle of the companion spawned by this incarnation
}

// New creates a Supervisor. If ch can redirect companion output, the output
// is captured for diagnostics.
func New(ch channel.Channel, yielder hostloop.Yielder, pids PIDStore, opts Options) *Supervisor {
	defaults := core.GetDefaultConfig().Companion
	if opts.Name == "" {
		opts.Name = defaults.Name
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaults.AttemptTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaults.StopTimeout
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaults.HistorySize
	}
	if opts.ResourcePath == nil {
		opts.ResourcePath = core.ResourcePath
	}
	if opts.Validate == nil {
		opts.Validate = ValidateCompanionProcess
	}
	if opts.Terminate == nil {
		opts.Terminate = terminateProcess
	}

	s := &Supervisor{
		channel:           ch,
		yielder:           yielder,
		pids:              pids,
		opts:              opts,
		output:            NewOutputHistory(opts.HistorySize),
		attemptsRemaining: opts.MaxAttempts,
	}
	if sink, ok := ch.(interface{ SetOutput(io.Writer) }); ok {
		sink.SetOutput(s.output)
	}
	return s
}

// SetEventLogger sets the event logger
func (s *Supervisor) SetEventLogger(l EventLogger) {
	s.events = l
}

// Name returns the channel name of the companion
func (s *Supervisor) Name() string {
	return s.opts.Name
}

// AttemptsRemaining returns the spawn budget left for the current handshake
func (s *Supervisor) AttemptsRemaining() int {
	return s.attemptsRemaining
}

// Output returns the captured companion output
func (s *Supervisor) Output() *OutputHistory {
	return s.output
}

// PID returns the persisted companion PID, 0 when unset
func (s *Supervisor) PID() int {
	pid, err := s.pids.LoadPID()
	if err != nil {
		return 0
	}
	return pid
}

// State reports the companion state, re-validating the persisted PID
func (s *Supervisor) State() CompanionState {
	if s.PID() == 0 {
		return CompanionNotStarted
	}
	if s.isRunning() {
		return CompanionRunning
	}
	return CompanionExited
}

// EnsureConnected guarantees that a live companion exists and has completed
// its handshake, spawning it if needed. At most MaxAttempts spawns are made
// before ErrHandshakeExhausted; a missing resource path is ErrConfiguration.
func (s *Supervisor) EnsureConnected(ctx context.Context) error {
	for {
		running := s.isRunning()
		if running && s.channel.IsConnected(s.opts.Name) {
			s.resetAttempts()
			return nil
		}

		if !running {
			if s.attemptsRemaining <= 0 {
				return s.exhausted(nil)
			}
			spawnErr := s.spawn()
			if errors.Is(spawnErr, ErrConfiguration) {
				return spawnErr
			}
			if spawnErr != nil {
				slog.Warn("Failed to spawn companion",
					"companion", s.opts.Name,
					"attempts_remaining", s.attemptsRemaining,
					"error", spawnErr)
				if s.attemptsRemaining <= 0 {
					return s.exhausted(spawnErr)
				}
				continue
			}
		}

		connected, err := s.awaitHandshake(ctx)
		if err != nil {
			return fmt.Errorf("waiting for companion %q: %w", s.opts.Name, err)
		}
		if connected {
			slog.Info("Companion connected", "companion", s.opts.Name, "pid", s.PID())
			s.logEvent("connected", fmt.Sprintf("PID: %d", s.PID()))
			s.resetAttempts()
			return nil
		}

		slog.Warn("Companion did not connect in time",
			"companion", s.opts.Name,
			"timeout", s.opts.AttemptTimeout,
			"attempts_remaining", s.attemptsRemaining)
		s.abandon()
		if s.attemptsRemaining <= 0 {
			return s.exhausted(nil)
		}
	}
}

// CallService ensures the companion is connected and sends a one-way call.
// Delivery is at most once; failures are returned, never retried here.
func (s *Supervisor) CallService(ctx context.Context, service string, args ...any) error {
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}
	if err := s.channel.CallAsync(s.opts.Name, service, args...); err != nil {
		return fmt.Errorf("call %s: %w", service, err)
	}
	slog.Debug("Called companion service", "companion", s.opts.Name, "service", service)
	return nil
}

// Bootstrap connects the companion and runs its synchronous initialization
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
	defer cancel()
	if _, err := s.channel.CallSync(callCtx, s.opts.Name, bootstrapService); err != nil {
		return fmt.Errorf("companion bootstrap: %w", err)
	}
	s.logEvent("initialized", "")
	return nil
}

// Stop terminates the companion, if any, and forgets its PID
func (s *Supervisor) Stop() {
	if pid := s.PID(); pid > 0 {
		slog.Info("Stopping companion", "companion", s.opts.Name, "pid", pid)
		s.opts.Terminate(pid, s.opts.StopTimeout)
		s.logEvent("stopped", fmt.Sprintf("PID: %d", pid))
	}
	s.clearPID()
	s.proc = nil
}

// Restart stops the companion, restores the full attempt budget and
// bootstraps a fresh one
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Stop()
	s.configErr = nil
	s.output.Clear()
	s.resetAttempts()
	return s.Bootstrap(ctx)
}

// isRunning validates the persisted PID and clears it when it is stale
func (s *Supervisor) isRunning() bool {
	pid, err := s.pids.LoadPID()
	if err != nil {
		slog.Debug("Unreadable companion PID, treating as not running", "error", err)
		s.clearPID()
		return false
	}
	if pid == 0 {
		return false
	}

	exited := s.proc != nil && s.proc.Pid == pid && s.proc.Exited()
	alive := !exited && s.opts.Validate(pid, s.opts.Match)
	if !alive {
		slog.Info("Companion process not running, clearing PID", "companion", s.opts.Name, "pid", pid)
		s.clearPID()
	}
	return alive
}

func (s *Supervisor) spawn() error {
	scriptPath, err := s.bootstrapScript()
	if err != nil {
		return err
	}

	s.attemptsRemaining--
	proc, err := s.channel.Spawn(scriptPath)
	if err != nil {
		s.logEvent("spawn_failed", err.Error())
		return err
	}

	s.proc = proc
	if err := s.pids.SavePID(proc.Pid); err != nil {
		slog.Warn("Failed to persist companion PID", "pid", proc.Pid, "error", err)
	}
	slog.Info("Spawned companion",
		"companion", s.opts.Name,
		"pid", proc.Pid,
		"script", scriptPath,
		"attempts_remaining", s.attemptsRemaining)
	s.logEvent("spawned", fmt.Sprintf("PID: %d", proc.Pid))
	return nil
}

// bootstrapScript resolves the script path. A missing resource path is
// reported once and cached.
func (s *Supervisor) bootstrapScript() (string, error) {
	if s.configErr != nil {
		return "", s.configErr
	}
	resourcePath, ok := s.opts.ResourcePath()
	if !ok {
		s.configErr = fmt.Errorf("%w: %s was not found in the environment; launch the host through the companion launcher",
			ErrConfiguration, core.ResourcePathEnv)
		slog.Error(s.configErr.Error())
		s.logEvent("configuration_error", s.configErr.Error())
		return "", s.configErr
	}
	return core.BootstrapScriptPath(resourcePath), nil
}

// awaitHandshake polls the channel until the companion registers or the
// attempt deadline passes, yielding to the host between polls
func (s *Supervisor) awaitHandshake(ctx context.Context) (bool, error) {
	for connected := range s.channel.WaitForConnection(s.opts.Name, s.opts.AttemptTimeout) {
		if connected {
			return true, nil
		}
		if s.proc != nil && s.proc.Exited() {
			slog.Debug("Companion exited before connecting", "pid", s.proc.Pid, "error", s.proc.Err())
			return false, nil
		}
		if err := s.yielder.Yield(ctx); err != nil {
			return false, err
		}
	}
	return false, nil
}

// abandon kills a companion that never connected, without a grace period,
// so the next attempt starts fresh
func (s *Supervisor) abandon() {
	if pid := s.PID(); pid > 0 {
		s.opts.Terminate(pid, 0)
	}
	s.clearPID()
	s.proc = nil
}

func (s *Supervisor) exhausted(cause error) error {
	msg := fmt.Sprintf("gave up on %q after %d attempts", s.opts.Name, s.opts.MaxAttempts)
	if tail := s.output.Tail(5); len(tail) > 0 {
		msg += "; last output: " + strings.Join(tail, " | ")
	}
	s.logEvent("handshake_exhausted", msg)
	slog.Error("Companion handshake failed", "companion", s.opts.Name, "attempts", s.opts.MaxAttempts)
	if cause != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandshakeExhausted, msg, cause)
	}
	return fmt.Errorf("%w: %s", ErrHandshakeExhausted, msg)
}

func (s *Supervisor) resetAttempts() {
	s.attemptsRemaining = s.opts.MaxAttempts
}

func (s *Supervisor) clearPID() {
	if err := s.pids.ClearPID(); err != nil {
		slog.Warn("Failed to clear companion PID", "error", err)
	}
}

func (s *Supervisor) logEvent(eventType, details string) {
	if s.events == nil {
		return
	}
	if err := s.events.LogEvent("companion", s.opts.Name, eventType, details); err != nil {
		slog.Error("Failed to log companion event", "error", err)
	}
}
