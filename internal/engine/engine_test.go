package engine

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/justyntemme/winnow/internal/config"
	"github.com/justyntemme/winnow/internal/imaging"
	"github.com/justyntemme/winnow/internal/index"
	"github.com/justyntemme/winnow/internal/scan"
	"github.com/justyntemme/winnow/internal/task"
)

// writePNG writes a small valid image and returns its path.
func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 100, A: 255})
		}
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return path
}

// newTestEngine builds an engine over a temp tree holding the named
// images. Watching and the metadata store are off; the slideshow
// interval is long enough to never fire.
func newTestEngine(t *testing.T, names ...string) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		writePNG(t, dir, n)
	}

	cfg := config.Default()
	cfg.Sources = []string{dir}
	cfg.SortDir = filepath.Join(dir, "sorted")
	cfg.Categories = []string{"keep", "maybe"}
	cfg.Workers = 2
	cfg.Undo.Depth = 10
	cfg.Slideshow.Interval = time.Hour
	cfg.Store.Enabled = false
	cfg.Watch.Enabled = false

	res, err := scan.New(cfg.SkipDirs(), zerolog.Nop()).Scan(context.Background(), cfg.Sources)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	e, err := New(cfg, res, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e, dir
}

func mustView(t *testing.T, p *Pending) *View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait(%s): %v", p.Path(), err)
	}
	return v
}

func waitHandle(t *testing.T, h *task.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func waitEvent(t *testing.T, e *Engine, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %v event before deadline", kind)
		}
	}
}

// waitLen polls until the index reaches want entries.
func waitLen(t *testing.T, e *Engine, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("index length: expected %d, got %d", want, e.Len())
}

func TestCurrentResolves(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "b.png", "c.png")

	p, err := e.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	v := mustView(t, p)
	if v.Path != filepath.Join(dir, "a.png") {
		t.Errorf("expected a.png current, got %s", v.Path)
	}
	if v.Image == nil {
		t.Error("expected decoded image")
	}
	if v.Meta.Width != 8 || v.Meta.Height != 8 {
		t.Errorf("expected 8x8 metadata, got %dx%d", v.Meta.Width, v.Meta.Height)
	}
	if v.Pos != 0 || v.Total != 3 {
		t.Errorf("expected pos 0 of 3, got %d of %d", v.Pos, v.Total)
	}
}

func TestNavigateOrderAndWrap(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "b.png", "c.png")

	steps := []struct {
		dir  index.Direction
		want string
	}{
		{index.Next, "b.png"},
		{index.Next, "c.png"},
		{index.Next, "a.png"}, // wraps forward
		{index.Prev, "c.png"}, // wraps backward
		{index.First, "a.png"},
		{index.Last, "c.png"},
		{index.Last, "c.png"}, // clamps
	}
	for _, s := range steps {
		p, err := e.Navigate(s.dir)
		if err != nil {
			t.Fatalf("Navigate(%v): %v", s.dir, err)
		}
		if want := filepath.Join(dir, s.want); p.Path() != want {
			t.Errorf("Navigate(%v): expected %s, got %s", s.dir, s.want, p.Path())
		}
	}
}

func TestNavigateEmpty(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.Current(); !errors.Is(err, ErrEmptyIndex) {
		t.Errorf("Current on empty: expected ErrEmptyIndex, got %v", err)
	}
	if _, err := e.Navigate(index.Next); !errors.Is(err, ErrEmptyIndex) {
		t.Errorf("Navigate on empty: expected ErrEmptyIndex, got %v", err)
	}
}

func TestRandomAvoidsCurrent(t *testing.T) {
	e, _ := newTestEngine(t, "a.png", "b.png", "c.png", "d.png", "e.png")

	prev, _ := e.idx.Current()
	for i := 0; i < 20; i++ {
		p, err := e.Navigate(index.Random)
		if err != nil {
			t.Fatalf("Navigate(Random): %v", err)
		}
		if p.Path() == prev {
			t.Fatalf("random step %d landed on the current image %s", i, prev)
		}
		prev = p.Path()
	}
}

func TestSecondResolveHitsCache(t *testing.T) {
	e, _ := newTestEngine(t, "a.png", "b.png")

	p, err := e.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	mustView(t, p)

	again, err := e.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !again.Ready() {
		t.Fatal("expected cache hit to be ready immediately")
	}
	if _, err := again.View(); err != nil {
		t.Errorf("View on ready entry: %v", err)
	}
}

func TestNavigatedEvent(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "b.png")

	p, err := e.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	mustView(t, p)

	ev := waitEvent(t, e, EventNavigated)
	if ev.Path != filepath.Join(dir, "a.png") {
		t.Errorf("event path: expected a.png, got %s", ev.Path)
	}
	if ev.Meta.Width != 8 {
		t.Errorf("event metadata width: expected 8, got %d", ev.Meta.Width)
	}
}

func TestDecodeFailureRetained(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.png"), []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Sources = []string{dir}
	cfg.SortDir = filepath.Join(dir, "sorted")
	cfg.Slideshow.Interval = time.Hour
	cfg.Store.Enabled = false
	cfg.Watch.Enabled = false

	res, err := scan.New(cfg.SkipDirs(), zerolog.Nop()).Scan(context.Background(), cfg.Sources)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	e, err := New(cfg, res, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)

	p, err := e.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, werr := p.Wait(ctx); !errors.Is(werr, imaging.ErrDecode) {
		t.Fatalf("expected decode error, got %v", werr)
	}
	waitEvent(t, e, EventLoadFailed)

	// The failure is cached; revisiting must not retry the decode.
	again, err := e.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !again.Ready() {
		t.Fatal("expected failed entry to be ready")
	}
	if _, verr := again.View(); !errors.Is(verr, imaging.ErrDecode) {
		t.Errorf("expected cached decode error, got %v", verr)
	}
}

func TestMoveToCategory(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "b.png", "c.png")
	src := filepath.Join(dir, "a.png")

	mustView(t, mustCurrent(t, e))

	h, err := e.Move("keep")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	waitHandle(t, h)
	if h.Err() != nil {
		t.Fatalf("move task: %v", h.Err())
	}

	dest := filepath.Join(dir, "sorted", "keep", "a.png")
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("expected file at %s: %v", dest, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("expected source gone, stat: %v", err)
	}
	if e.Len() != 2 {
		t.Errorf("expected 2 images left, got %d", e.Len())
	}
	if cur := mustCurrent(t, e); cur.Path() != filepath.Join(dir, "b.png") {
		t.Errorf("expected cursor on b.png, got %s", cur.Path())
	}
	if e.UndoDepth() != 1 {
		t.Errorf("expected undo depth 1, got %d", e.UndoDepth())
	}

	ev := waitEvent(t, e, EventMutated)
	if ev.Path != src || ev.Dest != dest {
		t.Errorf("mutation event: got %s -> %s", ev.Path, ev.Dest)
	}
}

func TestMoveUnknownCategory(t *testing.T) {
	e, _ := newTestEngine(t, "a.png", "b.png")

	if _, err := e.Move("nope"); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
	if e.Len() != 2 {
		t.Errorf("index must be untouched, got %d", e.Len())
	}
}

func TestDeleteThenUndo(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "b.png", "c.png", "d.png", "e.png")
	src := filepath.Join(dir, "d.png")

	for i := 0; i < 3; i++ {
		if _, err := e.Navigate(index.Next); err != nil {
			t.Fatalf("Navigate: %v", err)
		}
	}
	if cur := mustCurrent(t, e); cur.Path() != src {
		t.Fatalf("expected cursor on d.png, got %s", cur.Path())
	}

	h, err := e.Delete()
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitHandle(t, h)
	if h.Err() != nil {
		t.Fatalf("delete task: %v", h.Err())
	}

	trashed := filepath.Join(dir, "sorted", "deleted", "d.png")
	if _, err := os.Stat(trashed); err != nil {
		t.Fatalf("expected file in delete dir: %v", err)
	}
	if e.Len() != 4 {
		t.Errorf("expected 4 images, got %d", e.Len())
	}
	if cur := mustCurrent(t, e); cur.Path() != filepath.Join(dir, "e.png") {
		t.Errorf("expected cursor on e.png, got %s", cur.Path())
	}

	u, err := e.Undo()
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	waitHandle(t, u)
	if u.Err() != nil {
		t.Fatalf("undo task: %v", u.Err())
	}

	if _, err := os.Stat(src); err != nil {
		t.Errorf("expected d.png restored: %v", err)
	}
	if e.Len() != 5 {
		t.Errorf("expected 5 images after undo, got %d", e.Len())
	}
	if pos, ok := e.idx.PositionOf(src); !ok || pos != 3 {
		t.Errorf("expected d.png back at position 3, got %d ok=%v", pos, ok)
	}
	// The cursor follows the restored image.
	if cur := mustCurrent(t, e); cur.Path() != src {
		t.Errorf("expected cursor on restored d.png, got %s", cur.Path())
	}
	if e.UndoDepth() != 0 {
		t.Errorf("expected empty undo stack, got %d", e.UndoDepth())
	}
	// The emptied delete directory is pruned.
	if _, err := os.Stat(filepath.Join(dir, "sorted", "deleted")); !os.IsNotExist(err) {
		t.Errorf("expected delete dir pruned, stat: %v", err)
	}
}

func TestUndoEmpty(t *testing.T) {
	e, _ := newTestEngine(t, "a.png")

	if _, err := e.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("expected ErrNothingToUndo, got %v", err)
	}
}

func TestMoveCarriesSidecars(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "b.png")
	sidecar := filepath.Join(dir, "a.xmp")
	if err := os.WriteFile(sidecar, []byte("<xmp/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := e.Move("keep")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	waitHandle(t, h)
	if h.Err() != nil {
		t.Fatalf("move task: %v", h.Err())
	}

	keep := filepath.Join(dir, "sorted", "keep")
	for _, name := range []string{"a.png", "a.xmp"} {
		if _, err := os.Stat(filepath.Join(keep, name)); err != nil {
			t.Errorf("expected %s moved with the image: %v", name, err)
		}
	}
	if _, err := os.Stat(sidecar); !os.IsNotExist(err) {
		t.Errorf("expected sidecar gone from source, stat: %v", err)
	}

	u, err := e.Undo()
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	waitHandle(t, u)
	if u.Err() != nil {
		t.Fatalf("undo task: %v", u.Err())
	}
	for _, name := range []string{"a.png", "a.xmp"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s restored: %v", name, err)
		}
	}
}

func TestMoveConflictKeepsBoth(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "b.png")
	occupier := filepath.Join(dir, "sorted", "keep", "a.png")
	if err := os.MkdirAll(filepath.Dir(occupier), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(occupier, []byte("occupied"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := e.Move("keep")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	waitHandle(t, h)
	if h.Err() != nil {
		t.Fatalf("move task: %v", h.Err())
	}

	renamed := filepath.Join(dir, "sorted", "keep", "a.1.png")
	if _, err := os.Stat(renamed); err != nil {
		t.Fatalf("expected conflict suffix a.1.png: %v", err)
	}
	if data, err := os.ReadFile(occupier); err != nil || string(data) != "occupied" {
		t.Errorf("occupier must be untouched: %q, %v", data, err)
	}

	// Undo restores the original name, not the suffixed one.
	u, err := e.Undo()
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	waitHandle(t, u)
	if u.Err() != nil {
		t.Fatalf("undo task: %v", u.Err())
	}
	if _, err := os.Stat(filepath.Join(dir, "a.png")); err != nil {
		t.Errorf("expected a.png restored under its own name: %v", err)
	}
	if _, err := os.Stat(renamed); !os.IsNotExist(err) {
		t.Errorf("expected suffixed copy gone, stat: %v", err)
	}
}

func TestMutationRollback(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "b.png", "c.png")
	src := filepath.Join(dir, "a.png")

	// A regular file where the sort root should be makes every
	// destination uncreatable.
	if err := os.WriteFile(filepath.Join(dir, "sorted"), []byte("in the way"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := e.Delete()
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitHandle(t, h)
	if !errors.Is(h.Err(), ErrFilesystem) {
		t.Fatalf("expected ErrFilesystem, got %v", h.Err())
	}
	waitEvent(t, e, EventMutationFailed)

	if _, err := os.Stat(src); err != nil {
		t.Errorf("source must still exist: %v", err)
	}
	if e.Len() != 3 {
		t.Errorf("expected index restored to 3, got %d", e.Len())
	}
	if pos, ok := e.idx.PositionOf(src); !ok || pos != 0 {
		t.Errorf("expected a.png back at position 0, got %d ok=%v", pos, ok)
	}
	// The cursor stays on the image the user was shown next.
	if cur := mustCurrent(t, e); cur.Path() != filepath.Join(dir, "b.png") {
		t.Errorf("expected cursor on b.png, got %s", cur.Path())
	}
	if e.UndoDepth() != 0 {
		t.Errorf("failed mutation must not be undoable, got depth %d", e.UndoDepth())
	}
}

func TestVanishedFileLeavesIndex(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "b.png")
	src := filepath.Join(dir, "a.png")
	if err := os.Remove(src); err != nil {
		t.Fatal(err)
	}

	p, err := e.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, werr := p.Wait(ctx); !errors.Is(werr, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", werr)
	}

	waitLen(t, e, 1)
	if cur := mustCurrent(t, e); cur.Path() != filepath.Join(dir, "b.png") {
		t.Errorf("expected b.png current, got %s", cur.Path())
	}
}

func TestApplyChangeNewFile(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "c.png")

	path := writePNG(t, dir, "b.png")
	e.applyChange(Change{Path: path})

	if e.Len() != 3 {
		t.Fatalf("expected 3 images, got %d", e.Len())
	}
	if pos, ok := e.idx.PositionOf(path); !ok || pos != 1 {
		t.Errorf("expected b.png inserted at 1, got %d ok=%v", pos, ok)
	}
	if cur := mustCurrent(t, e); cur.Path() != filepath.Join(dir, "a.png") {
		t.Errorf("cursor must stay on a.png, got %s", cur.Path())
	}
}

func TestApplyChangeGoneFile(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "b.png", "c.png")
	victim := filepath.Join(dir, "c.png")
	if err := os.Remove(victim); err != nil {
		t.Fatal(err)
	}

	e.applyChange(Change{Path: victim, Gone: true})

	if e.Len() != 2 {
		t.Fatalf("expected 2 images, got %d", e.Len())
	}
	if _, ok := e.idx.PositionOf(victim); ok {
		t.Error("expected c.png out of the index")
	}
}

func TestApplyChangeDirGone(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "sub/x.png", "sub/y.png")
	sub := filepath.Join(dir, "sub")
	if err := os.RemoveAll(sub); err != nil {
		t.Fatal(err)
	}

	e.applyChange(Change{Path: sub, Dir: true, Gone: true})

	if e.Len() != 1 {
		t.Fatalf("expected 1 image, got %d", e.Len())
	}
	if cur := mustCurrent(t, e); cur.Path() != filepath.Join(dir, "a.png") {
		t.Errorf("expected a.png, got %s", cur.Path())
	}
}

func TestApplyChangeNewDir(t *testing.T) {
	e, dir := newTestEngine(t, "a.png")

	writePNG(t, dir, "fresh/new.png")
	e.applyChange(Change{Path: filepath.Join(dir, "fresh"), Dir: true})

	if e.Len() != 2 {
		t.Fatalf("expected 2 images, got %d", e.Len())
	}
	if _, ok := e.idx.PositionOf(filepath.Join(dir, "fresh", "new.png")); !ok {
		t.Error("expected new.png indexed")
	}
}

func TestApplyChangeSkipsHeldPaths(t *testing.T) {
	e, dir := newTestEngine(t, "a.png", "b.png")
	held := filepath.Join(dir, "a.png")

	if err := e.gates.acquire(context.Background(), held); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer e.gates.release(held)

	e.applyChange(Change{Path: held, Gone: true})

	if e.Len() != 2 {
		t.Errorf("change for a held path must be ignored, got %d", e.Len())
	}
}

func mustCurrent(t *testing.T, e *Engine) *Pending {
	t.Helper()
	p, err := e.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	return p
}
