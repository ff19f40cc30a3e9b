package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/justyntemme/winnow/internal/cache"
	"github.com/justyntemme/winnow/internal/config"
	"github.com/justyntemme/winnow/internal/fileops"
	"github.com/justyntemme/winnow/internal/imaging"
	"github.com/justyntemme/winnow/internal/index"
	"github.com/justyntemme/winnow/internal/scan"
	"github.com/justyntemme/winnow/internal/store"
	"github.com/justyntemme/winnow/internal/task"
)

var (
	// ErrEmptyIndex reports an operation on an empty image set.
	ErrEmptyIndex = errors.New("no images")
	// ErrNotFound reports an image that vanished from disk.
	ErrNotFound = errors.New("image vanished")
	// ErrUnknownCategory reports a move to an unconfigured category.
	ErrUnknownCategory = errors.New("unknown category")
	// ErrNothingToUndo reports an empty undo stack. Soft: nothing
	// changed.
	ErrNothingToUndo = errors.New("nothing to undo")
	// ErrFilesystem wraps a failed file operation after rollback.
	ErrFilesystem = errors.New("filesystem operation failed")
	// ErrPending reports a view requested before its decode finished.
	ErrPending = errors.New("image still loading")
)

// Engine ties the index, cache, scheduler, and mutation machinery
// together behind the navigation surface the front end drives.
// Navigation methods are meant to be called from one goroutine; event
// delivery and task completion run concurrently.
type Engine struct {
	cfg     *config.Config
	log     zerolog.Logger
	idx     *index.Index
	cache   *cache.Cache
	pool    *task.Pool
	db      *store.DB
	scanner *scan.Scanner
	gates   *gateSet
	slide   *slideshow
	watcher *Watcher

	undoMu sync.Mutex
	undo   []UndoRecord

	winMu  sync.Mutex
	window map[string]bool

	sources map[string]bool
	maxEdge int

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New assembles an engine over the scanned image set. The db may be
// nil when the metadata store is disabled. Watcher setup failure is
// logged and tolerated; everything else works without it.
func New(cfg *config.Config, res scan.Result, db *store.DB, log zerolog.Logger) (*Engine, error) {
	maxBytes, err := cfg.Cache.Bytes()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		log:     log.With().Str("comp", "engine").Logger(),
		idx:     index.New(res.Images),
		cache:   cache.New(cfg.Cache.MaxEntries, maxBytes, log.With().Str("comp", "cache").Logger()),
		pool:    task.NewPool(cfg.Workers, 0, log.With().Str("comp", "sched").Logger()),
		db:      db,
		scanner: scan.New(cfg.SkipDirs(), log.With().Str("comp", "scan").Logger()),
		gates:   newGateSet(),
		slide:   newSlideshow(cfg.Slideshow.Interval),
		window:  make(map[string]bool),
		sources: make(map[string]bool, len(cfg.Sources)),
		maxEdge: cfg.Display.MaxEdge,
		events:  make(chan Event, 64),
		closed:  make(chan struct{}),
	}
	for _, src := range cfg.Sources {
		e.sources[src] = true
	}

	if cfg.Watch.Enabled {
		w, werr := newWatcher(cfg.Watch.Debounce, cfg.SkipDirs(), log.With().Str("comp", "watch").Logger())
		if werr != nil {
			e.log.Warn().Err(werr).Msg("filesystem watcher unavailable")
		} else {
			e.watcher = w
			for _, dir := range res.Dirs {
				if err := w.Watch(dir); err != nil {
					e.log.Debug().Err(err).Str("dir", dir).Msg("watch failed")
				}
			}
			e.wg.Add(1)
			go e.watchLoop()
		}
	}

	e.wg.Add(1)
	go e.slideLoop()

	e.log.Info().
		Int("images", e.idx.Len()).
		Int("entries", cfg.Cache.MaxEntries).
		Int64("bytes", maxBytes).
		Msg("engine ready")
	return e, nil
}

// Close stops the loops, drains the pool, and releases the store.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.watcher != nil {
			e.watcher.Close()
		}
		e.pool.Close()
		e.wg.Wait()
		e.db.Close()
		e.cache.Clear()
	})
}

// Navigate advances the cursor and resolves the image there. The
// returned Pending is ready immediately on a cache hit; otherwise a
// decode is in flight and completion arrives as an event.
func (e *Engine) Navigate(dir index.Direction) (*Pending, error) {
	id, ok := e.idx.Advance(dir)
	if !ok {
		return nil, ErrEmptyIndex
	}
	e.observeManual(dir)
	return e.resolve(id), nil
}

// Current resolves the image under the cursor without moving it.
func (e *Engine) Current() (*Pending, error) {
	id, ok := e.idx.Current()
	if !ok {
		return nil, ErrEmptyIndex
	}
	return e.resolve(id), nil
}

// Len reports the index size.
func (e *Engine) Len() int { return e.idx.Len() }

// CacheStats reports cached entry count and decoded bytes held.
func (e *Engine) CacheStats() (int, int64) { return e.cache.Stats() }

// resolve serves id from the cache or starts an interactive load, then
// refreshes the prefetch window around the cursor.
func (e *Engine) resolve(id string) *Pending {
	pos, _ := e.idx.PositionOf(id)
	total := e.idx.Len()

	ent, started := e.cache.Begin(id)
	if started {
		e.submitLoad(id, task.Interactive)
		e.log.Debug().Str("path", id).Msg("cache miss, decode submitted")
	}
	e.prefetch()

	if ent.Resolved() {
		if err := ent.Err(); err != nil {
			e.emit(Event{Kind: EventLoadFailed, Path: id, Pos: pos, Total: total, Err: err})
		} else {
			e.emit(Event{Kind: EventNavigated, Path: id, Pos: pos, Total: total, Meta: ent.Meta()})
		}
		return &Pending{entry: ent, pos: pos, total: total}
	}

	ev := Event{Kind: EventLoading, Path: id, Pos: pos, Total: total}
	if info, err := os.Stat(id); err == nil {
		if m, ok := e.db.Lookup(id, info.ModTime(), info.Size()); ok {
			ev.Meta = imaging.Metadata{
				Width: m.Width, Height: m.Height, Format: m.Format,
				FileSize: m.Size, ModTime: m.MTime,
			}
		} else if e.db != nil {
			e.submitProbe(id)
		}
	}
	e.emit(ev)
	return &Pending{entry: ent, pos: pos, total: total}
}

// prefetch recomputes the window around the cursor, refreshes cache
// focus, cancels loads for identities that left the window, and starts
// background loads for uncached members.
func (e *Engine) prefetch() {
	center, members := e.idx.Window(e.cfg.Prefetch.Radius)
	if center < 0 {
		return
	}

	positions := make([]cache.Position, len(members))
	fresh := make(map[string]bool, len(members))
	for i, m := range members {
		positions[i] = cache.Position{ID: m.ID, Pos: m.Pos}
		fresh[m.ID] = true
	}
	e.cache.SetFocus(center, positions)

	e.winMu.Lock()
	var exited []string
	for id := range e.window {
		if !fresh[id] {
			exited = append(exited, id)
		}
	}
	e.window = fresh
	e.winMu.Unlock()

	for _, id := range exited {
		e.pool.CancelAllFor(id)
	}

	// members[0] is the current image, already handled by resolve.
	for _, m := range members[1:] {
		if _, started := e.cache.BeginAt(m.ID, m.Pos); started {
			e.submitLoad(m.ID, task.Background)
		}
	}
}

func (e *Engine) submitLoad(id string, class task.Class) {
	e.pool.Submit(task.Task{
		ID:    id,
		Kind:  task.Load,
		Class: class,
		Run:   e.loadTask(id),
		OnDrop: func() {
			// Release anyone waiting on the pending entry.
			e.cache.Complete(id, nil, imaging.Metadata{}, context.Canceled)
		},
	})
}

func (e *Engine) loadTask(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		img, meta, err := imaging.Decode(id, e.maxEdge)
		if ctx.Err() != nil {
			e.cache.Complete(id, nil, imaging.Metadata{}, context.Canceled)
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				e.cache.Complete(id, nil, imaging.Metadata{},
					fmt.Errorf("%s: %w", filepath.Base(id), ErrNotFound))
				e.handleVanished(id)
				return err
			}
			if ent := e.cache.Complete(id, nil, imaging.Metadata{}, err); ent != nil {
				e.emitResolved(id, ent)
			}
			return err
		}

		ent := e.cache.Complete(id, img, meta, nil)
		if ent == nil {
			// Invalidated while decoding; the content is stale.
			return nil
		}
		e.db.Put(store.Meta{
			Path: id, MTime: meta.ModTime, Size: meta.FileSize,
			Width: meta.Width, Height: meta.Height, Format: meta.Format,
		})
		e.emitResolved(id, ent)
		return nil
	}
}

// emitResolved announces a completed load when its image is still the
// one under the cursor.
func (e *Engine) emitResolved(id string, ent *cache.Entry) {
	cur, ok := e.idx.Current()
	if !ok || cur != id {
		return
	}
	pos := e.idx.Cursor()
	total := e.idx.Len()
	if err := ent.Err(); err != nil {
		e.emit(Event{Kind: EventLoadFailed, Path: id, Pos: pos, Total: total, Err: err})
		return
	}
	e.emit(Event{Kind: EventNavigated, Path: id, Pos: pos, Total: total, Meta: ent.Meta()})
}

func (e *Engine) submitProbe(id string) {
	e.pool.Submit(task.Task{
		ID:    id,
		Kind:  task.Metadata,
		Class: task.Background,
		Run:   e.probeTask(id),
	})
}

// probeTask reads dimensions from the file header and fills the store,
// so the next visit shows them before the decode lands.
func (e *Engine) probeTask(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		meta, err := imaging.Probe(id)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.db.Put(store.Meta{
			Path: id, MTime: meta.ModTime, Size: meta.FileSize,
			Width: meta.Width, Height: meta.Height, Format: meta.Format,
		})
		if cur, ok := e.idx.Current(); ok && cur == id {
			if ent, ok := e.cache.Get(id); ok && !ent.Resolved() {
				e.emit(Event{
					Kind: EventLoading, Path: id,
					Pos: e.idx.Cursor(), Total: e.idx.Len(), Meta: meta,
				})
			}
		}
		return nil
	}
}

// handleVanished drops an image that disappeared from disk. When it
// was current, the cursor has already advanced per the removal policy
// and the new current image resolves immediately.
func (e *Engine) handleVanished(id string) {
	cur, _ := e.idx.Current()
	wasCurrent := cur == id

	if !e.idx.Remove(id) {
		e.cache.Invalidate(id)
		return
	}
	e.cache.Invalidate(id)
	e.db.Delete(id)
	e.log.Warn().Str("path", id).Msg("image vanished, removed from index")
	e.emit(Event{Kind: EventIndexChanged, Total: e.idx.Len()})

	if wasCurrent {
		if next, ok := e.idx.Current(); ok {
			e.resolve(next)
		}
	}
}

// cleanupSourceDir prunes empty directories left behind under the
// scanned roots, never the roots themselves.
func (e *Engine) cleanupSourceDir(dir string) {
	for !e.sources[dir] && e.insideSources(dir) {
		removed, err := fileops.RemoveDirIfEmpty(dir)
		if err != nil || !removed {
			return
		}
		e.log.Info().Str("dir", dir).Msg("removed empty directory")
		if e.watcher != nil {
			e.watcher.Unwatch(dir)
		}
		dir = filepath.Dir(dir)
	}
}

func (e *Engine) insideSources(dir string) bool {
	for root := range e.sources {
		if strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// observeManual feeds a user navigation into the slideshow controller
// and restarts its period.
func (e *Engine) observeManual(dir index.Direction) {
	if adjusted, iv := e.slide.Observe(dir, time.Now()); adjusted {
		e.log.Info().Dur("interval", iv).Msg("slideshow re-paced")
		e.emit(Event{Kind: EventSlideshow, On: true, Interval: iv})
	}
	e.slide.NoteDirection(dir)
	e.slide.Kick()
}
