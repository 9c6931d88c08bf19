package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
)

// ErrInvalidDestination means an import would land outside the asset root
var ErrInvalidDestination = errors.New("import destination outside asset root")

// ImportRequest is what the companion sends to import an asset
type ImportRequest struct {
	AssetData    json.RawMessage `json:"asset_data"`
	Options      map[string]any  `json:"options,omitempty"`
	DstDirectory string          `json:"dst_directory"`
}

// DecodeImportRequest parses an import frame payload
func DecodeImportRequest(payload []byte) (ImportRequest, error) {
	var req ImportRequest
	if !gjson.ValidBytes(payload) {
		return req, errors.New("import request is not valid JSON")
	}
	if !gjson.GetBytes(payload, "asset_data").Exists() {
		return req, errors.New("import request has no asset_data")
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("failed to decode import request: %w", err)
	}
	return req, nil
}

// SourceResolver turns opaque asset data into a source file path
type SourceResolver interface {
	ResolveSource(assetData json.RawMessage) (string, error)
}

// Confirmer asks whether an existing file may be overwritten
type Confirmer interface {
	ConfirmOverwrite(path string) bool
}

// AssetImporter registers a copied file with the host
type AssetImporter interface {
	Import(path string, options map[string]any) error
}

// PathResolver reads the source path from a field of the asset data
type PathResolver struct {
	Fields []string // gjson paths tried in order
}

// DefaultPathResolver looks for the usual component path fields
var DefaultPathResolver = PathResolver{Fields: []string{"path", "component_path", "resource_identifier"}}

// ResolveSource returns the first non-empty field
func (r PathResolver) ResolveSource(assetData json.RawMessage) (string, error) {
	for _, field := range r.Fields {
		if v := gjson.GetBytes(assetData, field); v.Type == gjson.String && v.Str != "" {
			return v.Str, nil
		}
	}
	return "", fmt.Errorf("asset data has none of %v", r.Fields)
}

// Importer holds what every import task needs
type Importer struct {
	Fs        afero.Fs
	AssetRoot string
	Resolver  SourceResolver
	Confirmer Confirmer // nil declines every overwrite
	Assets    AssetImporter
}

// Task wraps req as a deferred import
func (im *Importer) Task(req ImportRequest) *ImportTask {
	return &ImportTask{importer: im, req: req}
}

// ImportTask copies one asset into the asset root and imports it
type ImportTask struct {
	importer *Importer
	req      ImportRequest
}

func (t *ImportTask) Name() string { return "import" }

func (t *ImportTask) Run(ctx context.Context) error {
	im := t.importer

	resolver := im.Resolver
	if resolver == nil {
		resolver = DefaultPathResolver
	}
	src, err := resolver.ResolveSource(t.req.AssetData)
	if err != nil {
		return err
	}

	dst, err := Destination(im.AssetRoot, t.req.DstDirectory, src)
	if err != nil {
		return err
	}

	exists, err := afero.Exists(im.Fs, dst)
	if err != nil {
		return fmt.Errorf("failed to check destination: %w", err)
	}
	if exists && (im.Confirmer == nil || !im.Confirmer.ConfirmOverwrite(dst)) {
		return fmt.Errorf("%w: %s already exists", ErrSkipped, dst)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := copyFile(im.Fs, src, dst); err != nil {
		return err
	}
	slog.Info("Copied asset", "source", src, "destination", dst)

	if im.Assets == nil {
		return nil
	}
	if err := im.Assets.Import(dst, t.req.Options); err != nil {
		return fmt.Errorf("host import of %s: %w", dst, err)
	}
	return nil
}

// Destination returns assetRoot/dstDirectory/base(src), rejecting anything
// that escapes assetRoot. An absolute dstDirectory is taken as is. It never
// touches the filesystem.
func Destination(assetRoot, dstDirectory, src string) (string, error) {
	base := filepath.Base(src)
	if src == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: no file name in source %q", ErrInvalidDestination, src)
	}

	root := filepath.Clean(assetRoot)
	dir := dstDirectory
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dst := filepath.Join(dir, base)
	rel, err := filepath.Rel(root, dst)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidDestination, dst)
	}
	return dst, nil
}

// copyFile copies src to dst through a temporary file so a failed copy
// never leaves a truncated destination
func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source %s is a directory", src)
	}

	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmpPath := dst + ".tmp"
	out, err := fs.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		fs.Remove(tmpPath)
		return fmt.Errorf("failed to copy asset: %w", err)
	}
	if err := out.Close(); err != nil {
		fs.Remove(tmpPath)
		return fmt.Errorf("failed to write destination: %w", err)
	}
	if err := fs.Rename(tmpPath, dst); err != nil {
		fs.Remove(tmpPath)
		return fmt.Errorf("failed to move asset into place: %w", err)
	}
	return nil
}
