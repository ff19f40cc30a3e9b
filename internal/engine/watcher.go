package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/justyntemme/winnow/internal/imaging"
)

// Change is one settled filesystem change. Dir and Gone classify what
// the debounced path turned out to be once the burst quieted down.
type Change struct {
	Path string
	Gone bool
	Dir  bool
}

// Watcher turns raw fsnotify events into debounced per-path changes.
// Event bursts from copies and moves settle for one debounce period,
// then the path is reconciled against the filesystem and reported once.
type Watcher struct {
	fsw      *fsnotify.Watcher
	mu       sync.Mutex
	watching map[string]bool
	skip     []string
	changes  chan Change
	done     chan struct{}
	debounce time.Duration
	log      zerolog.Logger
}

func newWatcher(debounce time.Duration, skipDirs []string, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	skip := make([]string, 0, len(skipDirs))
	for _, d := range skipDirs {
		skip = append(skip, filepath.Clean(d))
	}

	w := &Watcher{
		fsw:      fsw,
		watching: make(map[string]bool),
		skip:     skip,
		changes:  make(chan Change, 32),
		done:     make(chan struct{}),
		debounce: debounce,
		log:      log,
	}
	go w.run()
	return w, nil
}

// run debounces events per path. New directories are watched at event
// time so files landing during the settle window are not missed.
func (w *Watcher) run() {
	lastEvent := make(map[string]time.Time)
	pending := make(map[string]bool)
	wasDir := make(map[string]bool)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			path := filepath.Clean(ev.Name)
			if w.skipped(path) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Lstat(path); err == nil && info.IsDir() {
					if werr := w.Watch(path); werr != nil {
						w.log.Debug().Err(werr).Str("dir", path).Msg("watch failed")
					}
				}
			}
			if (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) && w.isWatched(path) {
				wasDir[path] = true
			}
			lastEvent[path] = time.Now()
			pending[path] = true
			w.log.Debug().Str("op", ev.Op.String()).Str("path", path).Msg("fs event")

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Debug().Err(err).Msg("fsnotify error")

		case <-ticker.C:
			now := time.Now()
			for path := range pending {
				if now.Sub(lastEvent[path]) < w.debounce {
					continue
				}
				w.flush(path, wasDir[path])
				delete(pending, path)
				delete(lastEvent, path)
				delete(wasDir, path)
			}
		}
	}
}

// flush reconciles a settled path against the filesystem and reports
// what it is now. Regular files that are not images stay silent.
func (w *Watcher) flush(path string, knownDir bool) {
	info, err := os.Lstat(path)
	switch {
	case err != nil:
		dir := knownDir || w.isWatched(path)
		if dir {
			w.unwatchTree(path)
		}
		w.send(Change{Path: path, Gone: true, Dir: dir})
	case info.IsDir():
		w.send(Change{Path: path, Dir: true})
	case info.Mode().IsRegular() && imaging.IsImagePath(path):
		w.send(Change{Path: path})
	}
}

func (w *Watcher) send(c Change) {
	select {
	case w.changes <- c:
	default:
		w.log.Debug().Str("path", c.Path).Msg("change dropped, consumer behind")
	}
}

// skipped reports paths the engine manages itself or never indexes:
// anything under a skip root and dotfile names.
func (w *Watcher) skipped(path string) bool {
	for _, root := range w.skip {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return strings.HasPrefix(filepath.Base(path), ".")
}

// Watch adds a directory to the watch set. Re-adding is a no-op.
func (w *Watcher) Watch(dir string) error {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watching[dir] = true
	w.log.Debug().Str("dir", dir).Msg("watching")
	return nil
}

// Unwatch drops a directory from the watch set. Removal errors are
// tolerated; the path is usually already gone.
func (w *Watcher) Unwatch(dir string) {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching[dir] {
		return
	}
	if err := w.fsw.Remove(dir); err != nil {
		w.log.Debug().Err(err).Str("dir", dir).Msg("unwatch")
	}
	delete(w.watching, dir)
}

// unwatchTree drops a directory and everything watched beneath it, so
// a recreated directory can be watched again.
func (w *Watcher) unwatchTree(dir string) {
	prefix := dir + string(filepath.Separator)
	w.mu.Lock()
	defer w.mu.Unlock()
	for d := range w.watching {
		if d == dir || strings.HasPrefix(d, prefix) {
			w.fsw.Remove(d)
			delete(w.watching, d)
		}
	}
}

func (w *Watcher) isWatched(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching[path]
}

// Changes returns the settled change stream. It is never closed.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

// watchLoop applies settled changes to the index. Paths our own
// mutation tasks hold are skipped; their effects are already applied.
func (e *Engine) watchLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closed:
			return
		case c := <-e.watcher.Changes():
			e.applyChange(c)
		}
	}
}

func (e *Engine) applyChange(c Change) {
	if e.gates.Held(c.Path) {
		return
	}
	switch {
	case c.Dir && c.Gone:
		e.removeSubtree(c.Path)
	case c.Dir:
		e.rescanDir(c.Path)
	case c.Gone:
		e.handleVanished(c.Path)
	default:
		e.upsertFile(c.Path)
	}
}

// removeSubtree drops every indexed image under a deleted directory.
func (e *Engine) removeSubtree(dir string) {
	prefix := dir + string(filepath.Separator)
	cur, _ := e.idx.Current()
	curGone := false

	removed := 0
	for _, id := range e.idx.Snapshot() {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if id == cur {
			curGone = true
		}
		e.idx.Remove(id)
		e.cache.Invalidate(id)
		e.db.Delete(id)
		e.pool.CancelAllFor(id)
		removed++
	}
	if removed == 0 {
		return
	}
	e.log.Info().Str("dir", dir).Int("images", removed).Msg("directory removed")
	e.emit(Event{Kind: EventIndexChanged, Total: e.idx.Len()})
	if curGone {
		if next, ok := e.idx.Current(); ok {
			e.resolve(next)
		}
	}
}

// rescanDir walks a new or changed directory and folds discovered
// images into the index.
func (e *Engine) rescanDir(dir string) {
	res, err := e.scanner.Scan(context.Background(), []string{dir})
	if err != nil {
		e.log.Debug().Err(err).Str("dir", dir).Msg("rescan failed")
		return
	}
	if e.watcher != nil {
		for _, d := range res.Dirs {
			if werr := e.watcher.Watch(d); werr != nil {
				e.log.Debug().Err(werr).Str("dir", d).Msg("watch failed")
			}
		}
	}

	wasEmpty := e.idx.Len() == 0
	added := 0
	for _, img := range res.Images {
		if _, known := e.idx.PositionOf(img); known {
			continue
		}
		e.idx.InsertSorted(img)
		added++
	}
	if added == 0 {
		return
	}
	e.log.Info().Str("dir", dir).Int("images", added).Msg("directory scanned")
	e.emit(Event{Kind: EventIndexChanged, Total: e.idx.Len()})
	if wasEmpty {
		if cur, ok := e.idx.Current(); ok {
			e.resolve(cur)
		}
	}
}

// upsertFile folds a created or rewritten image file into the index.
// Cached pixels for the path are stale either way; stored metadata has
// its own mtime check and is left alone.
func (e *Engine) upsertFile(path string) {
	e.cache.Invalidate(path)

	if _, known := e.idx.PositionOf(path); !known {
		e.idx.InsertSorted(path)
		e.log.Info().Str("path", path).Msg("image appeared")
		e.emit(Event{Kind: EventIndexChanged, Total: e.idx.Len()})
	}
	if cur, ok := e.idx.Current(); ok && cur == path {
		e.resolve(path)
	}
}
