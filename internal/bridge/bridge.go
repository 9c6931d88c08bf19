// Package bridge wires one host session together: configuration, the
// session lock, durable storage, the companion channel and supervisor, the
// deferred queue and the recording manager.
//
// Init runs when the host starts and again after every reload; Close runs
// before a reload and Quit when the host exits.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/afero"

	"go.olrik.dev/stagehand/internal/channel"
	"go.olrik.dev/stagehand/internal/core"
	"go.olrik.dev/stagehand/internal/db"
	"go.olrik.dev/stagehand/internal/deferred"
	"go.olrik.dev/stagehand/internal/hostloop"
	"go.olrik.dev/stagehand/internal/recording"
	"go.olrik.dev/stagehand/internal/supervisor"
)

// ErrSessionLocked means another host process owns the work root
var ErrSessionLocked = errors.New("another host session is active for this project")

// Options supply the host collaborators
type Options struct {
	Config    *core.Configuration // defaults to core.Config
	Loop      *hostloop.Loop      // defaults to a loop ticking at the poll interval
	SessionID string              // defaults to the host PID
	Fs        afero.Fs            // defaults to the OS filesystem

	Recorders recording.RecorderHost
	Exporter  recording.PackageExporter
	Assets    deferred.AssetImporter
	Confirmer deferred.Confirmer
	Resolver  deferred.SourceResolver
}

// Bridge is one initialized host session
type Bridge struct {
	cfg       *core.Configuration
	fs        afero.Fs
	loop      *hostloop.Loop
	sessionID string

	lock       *flock.Flock
	db         *db.DB
	channel    *channel.SocketChannel
	supervisor *supervisor.Supervisor
	queue      *deferred.Queue
	importer   *deferred.Importer
	recorder   *recording.Manager
}

// Init brings the session up: it takes the session lock, opens storage,
// starts the channel, recovers any capture that was running before a reload
// and bootstraps the companion.
//
// Failures before the bootstrap return a nil Bridge and leave nothing held.
// A configuration or handshake failure during the bootstrap is returned
// together with the Bridge: the recovered capture stays subscribed and
// completes normally, while publish tasks fail per item until Restart
// succeeds. The caller owns that Bridge and must Close or Quit it.
func Init(ctx context.Context, opts Options) (_ *Bridge, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = core.Config
	}
	if cfg == nil {
		cfg = core.GetDefaultConfig()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Loop == nil {
		opts.Loop = hostloop.New(cfg.Companion.PollInterval)
	}
	if opts.SessionID == "" {
		opts.SessionID = strconv.Itoa(os.Getpid())
	}

	b := &Bridge{
		cfg:       cfg,
		fs:        opts.Fs,
		loop:      opts.Loop,
		sessionID: opts.SessionID,
	}
	recovered := false
	defer func() {
		if err != nil && !recovered {
			b.Close()
		}
	}()

	workRoot := cfg.WorkRoot()
	if err := os.MkdirAll(workRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}

	b.lock = flock.New(cfg.SessionLockPath())
	locked, err := b.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	if !locked {
		b.lock = nil
		return nil, fmt.Errorf("%w: %s", ErrSessionLocked, workRoot)
	}

	b.db, err = db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if pruned, err := b.db.PruneSessions(b.sessionAlive); err != nil {
		slog.Warn("Failed to prune stale sessions", "error", err)
	} else if pruned > 0 {
		slog.Debug("Pruned stale sessions", "count", pruned)
	}

	b.channel, err = channel.Listen(cfg.ChannelSocketPath(), core.CompanionNameEnv+"="+cfg.Companion.Name)
	if err != nil {
		return nil, err
	}
	b.loop.AddUpdater("channel", b.channel.Pump)

	b.supervisor = supervisor.New(b.channel, b.loop, db.NewPIDStore(b.db, b.sessionID), supervisor.Options{
		Name:           cfg.Companion.Name,
		MaxAttempts:    cfg.Companion.MaxAttempts,
		AttemptTimeout: cfg.Companion.AttemptTimeout,
		StopTimeout:    cfg.Companion.StopTimeout,
		HistorySize:    cfg.Companion.HistorySize,
	})
	b.supervisor.SetEventLogger(b.db)

	b.queue = deferred.NewQueue(ctx, b.loop, deferred.WithEventLogger(b.db))
	b.importer = &deferred.Importer{
		Fs:        b.fs,
		AssetRoot: cfg.AssetRoot,
		Resolver:  opts.Resolver,
		Confirmer: opts.Confirmer,
		Assets:    opts.Assets,
	}
	b.channel.SetHandler(b.handleInbound)

	if opts.Recorders != nil {
		b.recorder = recording.NewManager(opts.Recorders, recording.Options{
			Fs:         b.fs,
			WorkRoot:   workRoot,
			CaptureDir: cfg.CaptureDir(),
			Exporter:   opts.Exporter,
			Publisher:  recording.PublisherFunc(b.enqueuePublish),
			Events:     b.db,
		})
	}

	if b.recorder != nil {
		if err := b.recorder.Recover(); err != nil {
			slog.Error("Failed to recover recording", "error", err)
		}
	}
	recovered = true

	if err := b.supervisor.Bootstrap(ctx); err != nil {
		slog.Error("Companion bootstrap failed", "companion", cfg.Companion.Name, "error", err)
		return b, err
	}

	slog.Info("Host session initialized",
		"session", b.sessionID,
		"work_root", workRoot,
		"companion_pid", b.supervisor.PID())
	return b, nil
}

// sessionAlive keeps this session and any whose host process still runs
func (b *Bridge) sessionAlive(sessionID string) bool {
	if sessionID == b.sessionID {
		return true
	}
	pid, err := strconv.Atoi(sessionID)
	if err != nil || pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

func (b *Bridge) handleInbound(in channel.Inbound) {
	switch in.Type {
	case channel.FrameImport:
		req, err := deferred.DecodeImportRequest(in.Payload)
		if err != nil {
			slog.Warn("Rejected import request", "companion", in.Name, "error", err)
			return
		}
		b.queue.Enqueue(b.importer.Task(req))
	default:
		slog.Debug("Ignoring inbound request", "companion", in.Name, "type", in.Type)
	}
}

func (b *Bridge) enqueuePublish(p recording.Payload) {
	b.queue.Enqueue(deferred.NewPublishTask(b.supervisor, p))
}

// Publish starts a capture, or exports and publishes a package right away
func (b *Bridge) Publish(req recording.PublishRequest) error {
	if b.recorder == nil {
		return recording.ErrNoController
	}
	return b.recorder.Arm(req)
}

// Restart re-initializes the companion with a fresh attempt budget
func (b *Bridge) Restart(ctx context.Context) error {
	return b.supervisor.Restart(ctx)
}

// Loop returns the host loop driving the session
func (b *Bridge) Loop() *hostloop.Loop { return b.loop }

// Supervisor returns the companion supervisor
func (b *Bridge) Supervisor() *supervisor.Supervisor { return b.supervisor }

// Queue returns the deferred completion queue
func (b *Bridge) Queue() *deferred.Queue { return b.queue }

// Recorder returns the recording manager, nil without a recorder host
func (b *Bridge) Recorder() *recording.Manager { return b.recorder }

// DB returns the session database
func (b *Bridge) DB() *db.DB { return b.db }

// Close releases everything the session holds but leaves the companion and
// the durable state in place, as before a reload
func (b *Bridge) Close() error {
	var errs []error
	if b.channel != nil {
		b.loop.RemoveUpdater("channel")
		errs = append(errs, b.channel.Close())
		b.channel = nil
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
		b.db = nil
	}
	if b.lock != nil {
		errs = append(errs, b.lock.Unlock())
		b.lock = nil
	}
	return errors.Join(errs...)
}

// Quit stops the companion, closes the session and removes the host
// temporary directory
func (b *Bridge) Quit() error {
	if b.supervisor != nil {
		b.supervisor.Stop()
	}
	err := b.Close()
	if cleanupErr := CleanupHostTemp(b.fs, b.cfg.HostTempDir()); cleanupErr != nil {
		err = errors.Join(err, cleanupErr)
	}
	return err
}

// CleanupHostTemp removes the host temporary directory. A missing
// directory is not an error.
func CleanupHostTemp(fs afero.Fs, dir string) error {
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", dir, err)
	}
	if !exists {
		return nil
	}
	if err := fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	slog.Debug("Removed host temporary directory", "path", dir)
	return nil
}
