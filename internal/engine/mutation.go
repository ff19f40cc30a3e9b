package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/justyntemme/winnow/internal/fileops"
	"github.com/justyntemme/winnow/internal/task"
)

// UndoRecord captures one completed mutation for reversal.
type UndoRecord struct {
	Op       string // "move" or "delete"
	Path     string // original location
	Dest     string // where the primary file landed
	Sidecars []fileops.Moved
	Pos      int // index position before removal
}

// Move relocates the current image into a configured category
// directory. The index entry disappears immediately and the file work
// runs in the background; a filesystem failure rolls the entry back.
func (e *Engine) Move(category string) (*task.Handle, error) {
	valid := false
	for _, c := range e.cfg.Categories {
		if c == category {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	return e.mutate("move", e.cfg.CategoryDir(category), task.Move)
}

// Delete moves the current image into the delete directory. Nothing is
// unlinked, so Undo can always restore.
func (e *Engine) Delete() (*task.Handle, error) {
	return e.mutate("delete", e.cfg.DeleteDir(), task.Delete)
}

func (e *Engine) mutate(op, destDir string, kind task.Kind) (*task.Handle, error) {
	id, ok := e.idx.Current()
	if !ok {
		return nil, ErrEmptyIndex
	}
	pos := e.idx.Cursor()

	e.idx.Remove(id)
	e.cache.Invalidate(id)
	e.pool.CancelAllFor(id)
	e.emit(Event{Kind: EventIndexChanged, Total: e.idx.Len()})
	if next, stillSome := e.idx.Current(); stillSome {
		e.resolve(next)
	}

	h := e.pool.Submit(task.Task{
		ID:    id,
		Kind:  kind,
		Class: task.Background,
		Run:   e.mutationTask(op, id, destDir, pos),
	})
	return h, nil
}

func (e *Engine) mutationTask(op, id, destDir string, pos int) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := e.gates.acquire(ctx, id); err != nil {
			e.rollback(op, id, pos, err)
			return err
		}
		defer e.gates.release(id)

		// Companion files are listed before the primary moves; the
		// shared stem is unreadable afterwards.
		sidecars, err := fileops.Sidecars(id)
		if err != nil {
			e.log.Debug().Err(err).Str("path", id).Msg("sidecar listing failed")
			sidecars = nil
		}

		dest, err := fileops.Move(id, destDir)
		if err != nil {
			e.rollback(op, id, pos, err)
			return fmt.Errorf("%w: %v", ErrFilesystem, err)
		}

		var moved []fileops.Moved
		for _, sc := range sidecars {
			scDest, scErr := fileops.Move(sc, destDir)
			if scErr != nil {
				e.log.Error().Err(scErr).Str("path", sc).Msg("sidecar move failed")
				continue
			}
			moved = append(moved, fileops.Moved{From: sc, To: scDest})
		}

		e.db.Rename(id, dest)
		e.pushUndo(UndoRecord{Op: op, Path: id, Dest: dest, Sidecars: moved, Pos: pos})
		e.cleanupSourceDir(filepath.Dir(id))

		e.log.Info().Str("op", op).Str("path", id).Str("dest", dest).
			Int("sidecars", len(moved)).Msg("mutation applied")
		e.emit(Event{Kind: EventMutated, Path: id, Dest: dest, Total: e.idx.Len()})
		return nil
	}
}

// rollback restores the index entry after a failed mutation so the
// image set looks untouched. A source that truly vanished stays gone.
func (e *Engine) rollback(op, id string, pos int, cause error) {
	if _, err := os.Lstat(id); err != nil {
		e.log.Error().Err(cause).Str("op", op).Str("path", id).
			Msg("mutation failed and source is gone")
		e.emit(Event{Kind: EventMutationFailed, Path: id, Err: cause, Total: e.idx.Len()})
		return
	}
	e.idx.Insert(id, pos)
	e.log.Error().Err(cause).Str("op", op).Str("path", id).
		Msg("mutation failed, index entry restored")
	e.emit(Event{Kind: EventMutationFailed, Path: id, Err: cause, Total: e.idx.Len()})
	e.emit(Event{Kind: EventIndexChanged, Total: e.idx.Len()})
}

// Undo reverses the most recent completed mutation: the files move
// back, the image rejoins the index at its natural position, and the
// cursor moves onto it.
func (e *Engine) Undo() (*task.Handle, error) {
	e.undoMu.Lock()
	n := len(e.undo)
	if n == 0 {
		e.undoMu.Unlock()
		return nil, ErrNothingToUndo
	}
	rec := e.undo[n-1]
	e.undo = e.undo[:n-1]
	e.undoMu.Unlock()

	h := e.pool.Submit(task.Task{
		ID:    rec.Path,
		Kind:  task.Move,
		Class: task.Background,
		Run:   e.undoTask(rec),
	})
	return h, nil
}

func (e *Engine) undoTask(rec UndoRecord) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := e.gates.acquire(ctx, rec.Path); err != nil {
			e.repush(rec)
			return err
		}
		defer e.gates.release(rec.Path)

		restored, err := fileops.MoveAs(rec.Dest, filepath.Dir(rec.Path), filepath.Base(rec.Path))
		if err != nil {
			e.repush(rec)
			e.log.Error().Err(err).Str("path", rec.Dest).Msg("undo failed")
			e.emit(Event{Kind: EventMutationFailed, Path: rec.Path, Err: err, Total: e.idx.Len()})
			return fmt.Errorf("%w: %v", ErrFilesystem, err)
		}
		for _, sc := range rec.Sidecars {
			if _, scErr := fileops.MoveAs(sc.To, filepath.Dir(sc.From), filepath.Base(sc.From)); scErr != nil {
				e.log.Error().Err(scErr).Str("path", sc.To).Msg("sidecar restore failed")
			}
		}

		e.cleanupSortDir(filepath.Dir(rec.Dest))
		e.db.Rename(rec.Dest, restored)
		pos := e.idx.InsertSorted(restored)
		e.idx.Locate(restored)

		e.log.Info().Str("op", rec.Op).Str("path", restored).Str("from", rec.Dest).
			Msg("mutation undone")
		e.emit(Event{Kind: EventUndone, Path: restored, Dest: rec.Dest, Pos: pos, Total: e.idx.Len()})
		e.emit(Event{Kind: EventIndexChanged, Total: e.idx.Len()})
		e.resolve(restored)
		return nil
	}
}

// UndoDepth reports how many mutations can currently be undone.
func (e *Engine) UndoDepth() int {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	return len(e.undo)
}

func (e *Engine) pushUndo(rec UndoRecord) {
	e.undoMu.Lock()
	e.undo = append(e.undo, rec)
	if over := len(e.undo) - e.cfg.Undo.Depth; over > 0 {
		e.undo = append(e.undo[:0:0], e.undo[over:]...)
	}
	e.undoMu.Unlock()
}

// repush returns a record whose reversal failed, so the user can retry.
func (e *Engine) repush(rec UndoRecord) {
	e.undoMu.Lock()
	e.undo = append(e.undo, rec)
	e.undoMu.Unlock()
}

// cleanupSortDir prunes empty category directories after an undo,
// never the sort root itself.
func (e *Engine) cleanupSortDir(dir string) {
	root := e.cfg.SortDir
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		removed, err := fileops.RemoveDirIfEmpty(dir)
		if err != nil || !removed {
			return
		}
		dir = filepath.Dir(dir)
	}
}
