package deferred

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"go.olrik.dev/stagehand/internal/hostloop"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

type funcTask struct {
	name string
	fn   func() error
}

func (t funcTask) Name() string                  { return t.name }
func (t funcTask) Run(ctx context.Context) error { return t.fn() }

func record(order *[]string, name string) funcTask {
	return funcTask{name: name, fn: func() error {
		*order = append(*order, name)
		return nil
	}}
}

type eventRecorder struct {
	events []string
}

func (e *eventRecorder) LogEvent(category, subject, eventType, details string) error {
	e.events = append(e.events, subject+":"+eventType)
	return nil
}

func newQueue(t *testing.T, opts ...Option) (*Queue, *hostloop.Loop) {
	t.Helper()
	quietLogger(t)
	loop := hostloop.New(time.Millisecond)
	return NewQueue(context.Background(), loop, opts...), loop
}

func TestQueue_RunsOnNextTickInOrder(t *testing.T) {
	q, loop := newQueue(t)
	var order []string

	q.Enqueue(record(&order, "a"))
	q.Enqueue(record(&order, "b"))
	q.Enqueue(record(&order, "c"))

	if len(order) != 0 {
		t.Fatal("tasks must not run synchronously")
	}
	if loop.Pending() != 1 {
		t.Errorf("expected a single scheduled flush, got %d", loop.Pending())
	}

	loop.Tick()

	if strings.Join(order, ",") != "a,b,c" {
		t.Errorf("expected FIFO order, got %v", order)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestQueue_EnqueueDuringFlushWaitsForNextTick(t *testing.T) {
	q, loop := newQueue(t)
	var order []string

	q.Enqueue(funcTask{name: "a", fn: func() error {
		order = append(order, "a")
		q.Enqueue(record(&order, "c"))
		return nil
	}})
	q.Enqueue(record(&order, "b"))

	loop.Tick()
	if strings.Join(order, ",") != "a,b" {
		t.Fatalf("expected only the first batch, got %v", order)
	}

	loop.Tick()
	if strings.Join(order, ",") != "a,b,c" {
		t.Errorf("expected c on the following tick, got %v", order)
	}
}

func TestQueue_FailureIsolation(t *testing.T) {
	var failed []string
	events := &eventRecorder{}
	q, _ := newQueue(t, WithEventLogger(events))
	q.policy = func(task Task, err error) {
		failed = append(failed, task.Name())
		q.logFailure(task, err)
	}

	var order []string
	boom := errors.New("boom")
	q.Enqueue(record(&order, "first"))
	q.Enqueue(funcTask{name: "broken", fn: func() error { return boom }})
	q.Enqueue(funcTask{name: "panics", fn: func() error { panic("nil map") }})
	q.Enqueue(record(&order, "last"))

	err := q.Flush()
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to contain boom, got %v", err)
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Errorf("expected panic reported, got %v", err)
	}
	if strings.Join(order, ",") != "first,last" {
		t.Errorf("expected the batch to continue, got %v", order)
	}
	if strings.Join(failed, ",") != "broken,panics" {
		t.Errorf("expected policy called per failure, got %v", failed)
	}
	if len(events.events) != 2 || events.events[0] != "broken:failed" {
		t.Errorf("unexpected events %v", events.events)
	}
}

func TestQueue_SkippedIsNotAFailure(t *testing.T) {
	events := &eventRecorder{}
	q, _ := newQueue(t, WithEventLogger(events), WithFailurePolicy(func(task Task, err error) {
		t.Errorf("policy called for %s: %v", task.Name(), err)
	}))

	q.Enqueue(funcTask{name: "import", fn: func() error {
		return errors.Join(ErrSkipped, errors.New("declined"))
	}})

	if err := q.Flush(); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if len(events.events) != 1 || events.events[0] != "import:skipped" {
		t.Errorf("expected skip event, got %v", events.events)
	}
}

// countingFs counts every filesystem operation
type countingFs struct {
	afero.Fs
	calls int
}

func (f *countingFs) Stat(name string) (os.FileInfo, error) {
	f.calls++
	return f.Fs.Stat(name)
}

func (f *countingFs) Open(name string) (afero.File, error) {
	f.calls++
	return f.Fs.Open(name)
}

func (f *countingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f.calls++
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *countingFs) MkdirAll(path string, perm os.FileMode) error {
	f.calls++
	return f.Fs.MkdirAll(path, perm)
}

func (f *countingFs) Rename(oldname, newname string) error {
	f.calls++
	return f.Fs.Rename(oldname, newname)
}

func (f *countingFs) Remove(name string) error {
	f.calls++
	return f.Fs.Remove(name)
}

type fakeAssets struct {
	imported []string
	options  []map[string]any
}

func (a *fakeAssets) Import(path string, options map[string]any) error {
	a.imported = append(a.imported, path)
	a.options = append(a.options, options)
	return nil
}

type fixedConfirmer bool

func (c fixedConfirmer) ConfirmOverwrite(string) bool { return bool(c) }

func newImporter(t *testing.T) (*Importer, *fakeAssets) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/library/model.fbx", []byte("new model"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	assets := &fakeAssets{}
	return &Importer{Fs: fs, AssetRoot: "/project/Assets", Assets: assets}, assets
}

func importRequest(dst string) ImportRequest {
	return ImportRequest{
		AssetData:    json.RawMessage(`{"path":"/library/model.fbx","version":3}`),
		Options:      map[string]any{"scale": 0.01},
		DstDirectory: dst,
	}
}

func TestImportTask_Copies(t *testing.T) {
	quietLogger(t)
	im, assets := newImporter(t)

	if err := im.Task(importRequest("Models")).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	data, err := afero.ReadFile(im.Fs, "/project/Assets/Models/model.fbx")
	if err != nil {
		t.Fatalf("expected copied file: %v", err)
	}
	if string(data) != "new model" {
		t.Errorf("unexpected content %q", data)
	}
	if ok, _ := afero.Exists(im.Fs, "/project/Assets/Models/model.fbx.tmp"); ok {
		t.Error("temporary file left behind")
	}
	if len(assets.imported) != 1 || assets.imported[0] != "/project/Assets/Models/model.fbx" {
		t.Errorf("unexpected imports %v", assets.imported)
	}
	if assets.options[0]["scale"] != 0.01 {
		t.Errorf("options not passed through: %v", assets.options[0])
	}
}

func TestImportTask_OutsideAssetRoot(t *testing.T) {
	quietLogger(t)
	im, assets := newImporter(t)
	counting := &countingFs{Fs: im.Fs}
	im.Fs = counting

	err := im.Task(importRequest("../../etc")).Run(context.Background())
	if !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected ErrInvalidDestination, got %v", err)
	}
	if counting.calls != 0 {
		t.Errorf("expected no filesystem access, got %d calls", counting.calls)
	}
	if len(assets.imported) != 0 {
		t.Error("nothing may be imported")
	}
}

func TestImportTask_DeclinedOverwrite(t *testing.T) {
	im, assets := newImporter(t)
	im.Confirmer = fixedConfirmer(false)
	dst := "/project/Assets/Models/model.fbx"
	if err := afero.WriteFile(im.Fs, dst, []byte("hand tuned"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	q, loop := newQueue(t)
	var order []string
	q.Enqueue(im.Task(importRequest("Models")))
	q.Enqueue(record(&order, "after"))
	loop.Tick()

	data, _ := afero.ReadFile(im.Fs, dst)
	if string(data) != "hand tuned" {
		t.Errorf("declined overwrite changed the file: %q", data)
	}
	if len(assets.imported) != 0 {
		t.Error("declined import must not reach the host")
	}
	if len(order) != 1 {
		t.Error("expected the batch to continue")
	}

	err := im.Task(importRequest("Models")).Run(context.Background())
	if !errors.Is(err, ErrSkipped) {
		t.Errorf("expected ErrSkipped, got %v", err)
	}
}

func TestImportTask_AcceptedOverwrite(t *testing.T) {
	quietLogger(t)
	im, _ := newImporter(t)
	im.Confirmer = fixedConfirmer(true)
	dst := "/project/Assets/Models/model.fbx"
	if err := afero.WriteFile(im.Fs, dst, []byte("hand tuned"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := im.Task(importRequest("Models")).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	data, _ := afero.ReadFile(im.Fs, dst)
	if string(data) != "new model" {
		t.Errorf("expected file replaced, got %q", data)
	}
}

func TestImportTask_MissingSource(t *testing.T) {
	quietLogger(t)
	im, _ := newImporter(t)
	req := importRequest("Models")
	req.AssetData = json.RawMessage(`{"path":"/library/missing.fbx"}`)

	if err := im.Task(req).Run(context.Background()); err == nil {
		t.Error("expected error for missing source")
	}
	if ok, _ := afero.Exists(im.Fs, "/project/Assets/Models/missing.fbx"); ok {
		t.Error("no destination expected")
	}
}

func TestDestination(t *testing.T) {
	tests := []struct {
		name    string
		dst     string
		src     string
		want    string
		wantErr bool
	}{
		{name: "subdirectory", dst: "Models", src: "/lib/a.fbx", want: "/project/Assets/Models/a.fbx"},
		{name: "root itself", dst: "", src: "/lib/a.fbx", want: "/project/Assets/a.fbx"},
		{name: "nested cleanup", dst: "Models/../Textures", src: "/lib/a.png", want: "/project/Assets/Textures/a.png"},
		{name: "absolute inside", dst: "/project/Assets/Audio", src: "/lib/a.wav", want: "/project/Assets/Audio/a.wav"},
		{name: "escape", dst: "../Library", src: "/lib/a.fbx", wantErr: true},
		{name: "absolute outside", dst: "/etc", src: "/lib/a.fbx", wantErr: true},
		{name: "sibling prefix", dst: "../Assets2", src: "/lib/a.fbx", wantErr: true},
		{name: "empty source", dst: "Models", src: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Destination("/project/Assets", tt.dst, tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Destination() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidDestination) {
				t.Errorf("expected ErrInvalidDestination, got %v", err)
			}
			if got != tt.want {
				t.Errorf("Destination() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeImportRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "full", payload: `{"asset_data":{"path":"/a"},"options":{"k":1},"dst_directory":"Models"}`},
		{name: "no options", payload: `{"asset_data":{"path":"/a"},"dst_directory":"Models"}`},
		{name: "missing asset data", payload: `{"dst_directory":"Models"}`, wantErr: true},
		{name: "not json", payload: `asset_data`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeImportRequest([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeImportRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && req.DstDirectory != "Models" {
				t.Errorf("unexpected request %+v", req)
			}
		})
	}
}

func TestPathResolver(t *testing.T) {
	got, err := DefaultPathResolver.ResolveSource(json.RawMessage(`{"component_path":"/lib/b.fbx"}`))
	if err != nil || got != "/lib/b.fbx" {
		t.Errorf("expected /lib/b.fbx, got %q, %v", got, err)
	}
	if _, err := DefaultPathResolver.ResolveSource(json.RawMessage(`{"path":42}`)); err == nil {
		t.Error("expected error for non-string path")
	}
}

type fakeCaller struct {
	service string
	args    []any
	err     error
}

func (c *fakeCaller) CallService(ctx context.Context, service string, args ...any) error {
	c.service = service
	c.args = args
	return c.err
}

func TestPublishTask(t *testing.T) {
	q, loop := newQueue(t)
	caller := &fakeCaller{}
	payload := map[string]string{"image_ext": "png"}

	q.Enqueue(NewPublishTask(caller, payload))
	if caller.service != "" {
		t.Fatal("publish must wait for the next tick")
	}
	loop.Tick()

	if caller.service != PublishService {
		t.Errorf("expected %s, got %q", PublishService, caller.service)
	}
	if len(caller.args) != 1 {
		t.Fatalf("expected payload argument, got %v", caller.args)
	}

	caller.err = errors.New("companion gone")
	q.Enqueue(NewPublishTask(caller, payload))
	if err := q.Flush(); err == nil || !strings.Contains(err.Error(), "companion gone") {
		t.Errorf("expected publish failure surfaced, got %v", err)
	}
}
