// Package recording runs timed captures that survive host reloads.
//
// A capture redirects a recorder's output into the work root, starts
// recording and, once the host drops back to edit mode, restores the
// recorder and hands a publish payload to a Publisher. Every active capture
// has a marker file next to the capture directory. The marker holds the
// recorder's original output path, so a Manager created after a reload can
// pick the capture up again with Recover.
package recording

import (
	"errors"
	"fmt"
)

var (
	// ErrNoController means the host has no recorder controller to drive
	ErrNoController = errors.New("recorder controller unavailable")
	// ErrNoRecorder means none of the requested kinds has a configured recorder
	ErrNoRecorder = errors.New("no recorder configured")
	// ErrSessionActive means a capture is already in progress
	ErrSessionActive = errors.New("recording session already active")
	// ErrEmptyRequest means the request asks for neither a capture nor a package
	ErrEmptyRequest = errors.New("nothing to publish")
)

// Kind identifies a recorder type
type Kind string

const (
	ImageSequence Kind = "ImageSequence"
	Movie         Kind = "Movie"
)

// Kinds lists every recorder kind in payload order
var Kinds = []Kind{ImageSequence, Movie}

// ParseKind maps a request value onto a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "image_sequence", string(ImageSequence):
		return ImageSequence, nil
	case "movie", string(Movie):
		return Movie, nil
	}
	return "", fmt.Errorf("unknown recorder kind %q", s)
}

// fileName is the capture file name inside the capture directory
func (k Kind) fileName() string {
	if k == ImageSequence {
		return "frame.<Frame>"
	}
	return "reviewable"
}

func (k Kind) markerName() string {
	return "." + string(k) + ".lock"
}

// State is the lifecycle position of one recorder kind
type State int

const (
	Idle State = iota
	Armed
	Capturing
	AwaitingCompletion
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Capturing:
		return "capturing"
	case AwaitingCompletion:
		return "awaiting_completion"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// PlayState is a host play-mode transition
type PlayState int

const (
	EnteredEditMode PlayState = iota
	ExitingEditMode
	EnteredPlayMode
	ExitingPlayMode
)

// RecorderSettings is the host's handle on one configured recorder
type RecorderSettings interface {
	OutputPath() string
	SetOutputPath(path string)
	Extension() string
}

// Controller starts captures on the host
type Controller interface {
	ApplyTimeline(tl Timeline) error
	StartRecording() error
}

// RecorderHost is the host side of a recording
type RecorderHost interface {
	// Controller returns the recorder controller, false when the host has none
	Controller() (Controller, bool)
	// ActiveRecorderSettings returns the recorder used for kind, false when
	// none is configured
	ActiveRecorderSettings(kind Kind) (RecorderSettings, bool)
	// SubscribePlayState registers fn for play-mode transitions and returns
	// the function that removes it
	SubscribePlayState(fn func(PlayState)) (unsubscribe func())
}

// PackageExporter writes the host's asset package for publishing
type PackageExporter interface {
	ExportPackage(assetType string) (string, error)
}

// Publisher receives the payload of a finished capture
type Publisher interface {
	Publish(p Payload)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(p Payload)

// Publish calls f(p)
func (f PublisherFunc) Publish(p Payload) {
	f(p)
}

// PublishRequest asks for a capture, a package export, or both
type PublishRequest struct {
	AssetType     string
	Kinds         []Kind
	Timeline      *Timeline
	ExportPackage bool
}
