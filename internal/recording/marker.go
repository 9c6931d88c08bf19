package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// Marker is the durable record of an active capture. Its presence is what
// makes a kind "recording".
type Marker struct {
	Kind          Kind      `json:"kind"`
	OriginalPath  string    `json:"original_path"`
	TempPath      string    `json:"temp_path"`
	Extension     string    `json:"extension"`
	AssetType     string    `json:"asset_type,omitempty"`
	ExportPackage bool      `json:"export_package,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// MarkerStore keeps markers in the work root
type MarkerStore struct {
	fs   afero.Fs
	root string
}

// NewMarkerStore creates a store rooted at workRoot
func NewMarkerStore(fs afero.Fs, workRoot string) *MarkerStore {
	return &MarkerStore{fs: fs, root: workRoot}
}

// Path returns the marker file of kind
func (s *MarkerStore) Path(kind Kind) string {
	return filepath.Join(s.root, kind.markerName())
}

// Exists reports whether kind has a marker
func (s *MarkerStore) Exists(kind Kind) bool {
	_, err := s.fs.Stat(s.Path(kind))
	return err == nil
}

// Load returns the marker of kind, or nil when there is none
func (s *MarkerStore) Load(kind Kind) (*Marker, error) {
	data, err := afero.ReadFile(s.fs, s.Path(kind))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read marker: %w", err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt marker %s: %w", s.Path(kind), err)
	}
	return &m, nil
}

// Save writes m atomically
func (s *MarkerStore) Save(m *Marker) error {
	if err := s.fs.MkdirAll(s.root, 0755); err != nil {
		return fmt.Errorf("failed to create work root: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}

	path := s.Path(m.Kind)
	tmpPath := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write marker: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename marker: %w", err)
	}
	return nil
}

// Delete removes the marker of kind. A missing marker is not an error.
func (s *MarkerStore) Delete(kind Kind) error {
	err := s.fs.Remove(s.Path(kind))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove marker: %w", err)
	}
	return nil
}
