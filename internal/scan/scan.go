package scan

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/rs/zerolog"

	"github.com/justyntemme/winnow/internal/imaging"
)

// Result holds what a walk turned up: image files plus every directory
// visited, so a watcher can cover the whole tree.
type Result struct {
	Images []string
	Dirs   []string
}

// Scanner walks source directories for images. Hidden directories and
// the configured skip set (the sort destinations, typically) are
// pruned.
type Scanner struct {
	skip map[string]bool
	log  zerolog.Logger
}

func New(skipDirs []string, log zerolog.Logger) *Scanner {
	skip := make(map[string]bool, len(skipDirs))
	for _, d := range skipDirs {
		if abs, err := filepath.Abs(d); err == nil {
			d = abs
		}
		skip[filepath.Clean(d)] = true
	}
	return &Scanner{skip: skip, log: log}
}

// Scan walks each root recursively and collects image paths. Both
// result slices come back sorted and deduplicated. A missing or
// unreadable root fails the scan; errors below the roots are logged
// and skipped.
func (s *Scanner) Scan(ctx context.Context, roots []string) (Result, error) {
	var (
		mu     sync.Mutex
		images = make(map[string]bool)
		dirs   = make(map[string]bool)
	)

	// Symlinks are not followed, a link loop inside a photo tree would
	// otherwise walk forever.
	conf := &fastwalk.Config{Follow: false}

	for _, root := range roots {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		root = filepath.Clean(root)

		err := fastwalk.Walk(conf, root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				if path == root {
					return err
				}
				s.log.Debug().Err(err).Str("path", path).Msg("scan: skipping entry")
				return nil
			}

			if d.IsDir() {
				if path != root && (s.skip[path] || strings.HasPrefix(d.Name(), ".")) {
					return fastwalk.SkipDir
				}
				mu.Lock()
				dirs[path] = true
				mu.Unlock()
				return nil
			}

			if !d.Type().IsRegular() || !imaging.IsImagePath(path) {
				return nil
			}

			mu.Lock()
			images[path] = true
			mu.Unlock()
			return nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("scan %s: %w", root, err)
		}
	}

	res := Result{
		Images: make([]string, 0, len(images)),
		Dirs:   make([]string, 0, len(dirs)),
	}
	for p := range images {
		res.Images = append(res.Images, p)
	}
	for p := range dirs {
		res.Dirs = append(res.Dirs, p)
	}
	sort.Strings(res.Images)
	sort.Strings(res.Dirs)

	s.log.Debug().
		Int("images", len(res.Images)).
		Int("dirs", len(res.Dirs)).
		Msg("scan complete")
	return res, nil
}
