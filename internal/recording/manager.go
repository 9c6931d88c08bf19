package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// EventLogger records recording lifecycle events
type EventLogger interface {
	LogEvent(category, subject, eventType, details string) error
}

// Options configure a Manager
type Options struct {
	Fs         afero.Fs // defaults to the OS filesystem
	WorkRoot   string   // holds the markers
	CaptureDir string   // recorders write here while capturing
	Exporter   PackageExporter
	Publisher  Publisher
	Events     EventLogger
}

type session struct {
	state  State
	marker *Marker
}

// Manager drives the per-kind capture state machine. It runs on the host
// thread only.
type Manager struct {
	host       RecorderHost
	fs         afero.Fs
	markers    *MarkerStore
	captureDir string
	exporter   PackageExporter
	publisher  Publisher
	events     EventLogger

	sessions    map[Kind]*session
	unsubscribe func()
	now         func() time.Time
}

// NewManager creates a manager for host
func NewManager(host RecorderHost, opts Options) *Manager {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.CaptureDir == "" {
		opts.CaptureDir = filepath.Join(opts.WorkRoot, "capture")
	}
	return &Manager{
		host:       host,
		fs:         opts.Fs,
		markers:    NewMarkerStore(opts.Fs, opts.WorkRoot),
		captureDir: opts.CaptureDir,
		exporter:   opts.Exporter,
		publisher:  opts.Publisher,
		events:     opts.Events,
		sessions:   make(map[Kind]*session),
		now:        time.Now,
	}
}

// State returns the lifecycle position of kind
func (m *Manager) State(kind Kind) State {
	if s, ok := m.sessions[kind]; ok {
		return s.state
	}
	return Idle
}

// IsRecording reports whether kind has a durable marker
func (m *Manager) IsRecording(kind Kind) bool {
	return m.markers.Exists(kind)
}

// Arm starts a capture for req. A request without kinds only exports the
// package and publishes at once.
func (m *Manager) Arm(req PublishRequest) error {
	if len(req.Kinds) == 0 {
		if !req.ExportPackage {
			return ErrEmptyRequest
		}
		var p Payload
		addPackage(&p, m.exporter, req.AssetType)
		m.logEvent("package", "published", p.ErrorMsg)
		m.publish(p)
		return nil
	}

	if req.Timeline != nil {
		if err := req.Timeline.Validate(); err != nil {
			return err
		}
	}

	ctrl, ok := m.host.Controller()
	if !ok {
		slog.Error("Recorder controller unavailable, nothing recorded")
		return ErrNoController
	}

	for _, kind := range Kinds {
		if m.markers.Exists(kind) || m.State(kind) != Idle {
			return fmt.Errorf("%w: %s", ErrSessionActive, kind)
		}
	}

	settings := m.resolveRecorders(req.Kinds)
	if len(settings) == 0 {
		return fmt.Errorf("%w for %v", ErrNoRecorder, req.Kinds)
	}

	// Save and override every output path before touching the disk
	started := m.now()
	for _, kind := range Kinds {
		rs, ok := settings[kind]
		if !ok {
			continue
		}
		marker := &Marker{
			Kind:          kind,
			OriginalPath:  rs.OutputPath(),
			TempPath:      filepath.Join(m.captureDir, kind.fileName()),
			Extension:     rs.Extension(),
			AssetType:     req.AssetType,
			ExportPackage: req.ExportPackage,
			StartedAt:     started,
		}
		rs.SetOutputPath(marker.TempPath)
		m.sessions[kind] = &session{state: Armed, marker: marker}
	}

	if err := m.fs.RemoveAll(m.captureDir); err != nil {
		return m.abort(settings, fmt.Errorf("failed to clear capture directory: %w", err))
	}
	if err := m.fs.MkdirAll(m.captureDir, 0755); err != nil {
		return m.abort(settings, fmt.Errorf("failed to create capture directory: %w", err))
	}

	for _, s := range m.sessions {
		if err := m.markers.Save(s.marker); err != nil {
			return m.abort(settings, err)
		}
	}

	m.subscribe()

	if req.Timeline != nil {
		if err := ctrl.ApplyTimeline(req.Timeline.Snapped()); err != nil {
			return m.abort(settings, fmt.Errorf("failed to apply timeline: %w", err))
		}
	}

	if err := ctrl.StartRecording(); err != nil {
		return m.abort(settings, fmt.Errorf("failed to start recording: %w", err))
	}

	for kind, s := range m.sessions {
		s.state = Capturing
		slog.Info("Recording started", "kind", kind, "output", s.marker.TempPath)
		m.logEvent(string(kind), "started", s.marker.TempPath)
	}
	return nil
}

// resolveRecorders maps the requested kinds onto configured recorders. An
// image sequence also records a movie when a movie recorder is configured.
func (m *Manager) resolveRecorders(kinds []Kind) map[Kind]RecorderSettings {
	wanted := make(map[Kind]bool)
	for _, kind := range kinds {
		wanted[kind] = true
		if kind == ImageSequence {
			wanted[Movie] = true
		}
	}

	settings := make(map[Kind]RecorderSettings)
	for _, kind := range Kinds {
		if !wanted[kind] {
			continue
		}
		rs, ok := m.host.ActiveRecorderSettings(kind)
		if !ok {
			slog.Debug("No recorder configured", "kind", kind)
			continue
		}
		settings[kind] = rs
	}
	return settings
}

// abort rolls a failed arm back to Idle
func (m *Manager) abort(settings map[Kind]RecorderSettings, cause error) error {
	slog.Error("Failed to start recording", "error", cause)
	for kind, s := range m.sessions {
		if rs, ok := settings[kind]; ok {
			rs.SetOutputPath(s.marker.OriginalPath)
		}
		if err := m.markers.Delete(kind); err != nil {
			cause = errors.Join(cause, err)
		}
	}
	m.sessions = make(map[Kind]*session)
	m.unsubscribeAll()
	return cause
}

// Recover picks up captures that were active before a reload. The saved
// output paths come from the markers; the current, overridden, paths are
// never saved again and the capture directory is left alone.
func (m *Manager) Recover() error {
	var errs []error
	for _, kind := range Kinds {
		if _, ok := m.sessions[kind]; ok {
			continue
		}
		marker, err := m.markers.Load(kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if marker == nil {
			continue
		}

		if rs, ok := m.host.ActiveRecorderSettings(kind); ok {
			rs.SetOutputPath(marker.TempPath)
		} else {
			slog.Warn("Recorder missing after reload, output path not re-applied", "kind", kind)
		}
		m.sessions[kind] = &session{state: Capturing, marker: marker}
		slog.Info("Recovered recording", "kind", kind, "output", marker.TempPath)
		m.logEvent(string(kind), "recovered", marker.TempPath)
	}

	if len(m.sessions) > 0 {
		m.subscribe()
	}
	return errors.Join(errs...)
}

func (m *Manager) subscribe() {
	if m.unsubscribe != nil {
		return
	}
	m.unsubscribe = m.host.SubscribePlayState(m.onPlayState)
}

func (m *Manager) unsubscribeAll() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

func (m *Manager) onPlayState(state PlayState) {
	if state != EnteredEditMode || len(m.sessions) == 0 {
		return
	}
	m.complete()
}

// complete finishes every active capture: one payload, one restore per
// recorder, then the markers go and the payload is published
func (m *Manager) complete() {
	markers := make(map[Kind]*Marker, len(m.sessions))
	exportPackage := false
	assetType := ""
	for kind, s := range m.sessions {
		s.state = AwaitingCompletion
		markers[kind] = s.marker
		if s.marker.ExportPackage {
			exportPackage = true
			assetType = s.marker.AssetType
		}
	}

	payload := composePayload(markers)
	if exportPackage {
		addPackage(&payload, m.exporter, assetType)
	}

	m.unsubscribeAll()

	for _, kind := range Kinds {
		marker, ok := markers[kind]
		if !ok {
			continue
		}
		if rs, ok := m.host.ActiveRecorderSettings(kind); ok {
			rs.SetOutputPath(marker.OriginalPath)
		}
		if err := m.markers.Delete(kind); err != nil {
			slog.Error("Failed to remove recording marker", "kind", kind, "error", err)
		}
		slog.Info("Recording finished", "kind", kind, "restored", marker.OriginalPath)
		m.logEvent(string(kind), "finished", marker.TempPath)
	}
	m.sessions = make(map[Kind]*session)

	m.publish(payload)
}

func (m *Manager) publish(p Payload) {
	if m.publisher == nil {
		slog.Warn("No publisher configured, dropping payload")
		return
	}
	m.publisher.Publish(p)
}

func (m *Manager) logEvent(subject, eventType, details string) {
	if m.events == nil {
		return
	}
	if err := m.events.LogEvent("recording", subject, eventType, details); err != nil {
		slog.Error("Failed to log recording event", "error", err)
	}
}
