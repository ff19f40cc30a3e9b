package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/justyntemme/winnow/internal/config"
	"github.com/justyntemme/winnow/internal/engine"
	"github.com/justyntemme/winnow/internal/index"
	"github.com/justyntemme/winnow/internal/scan"
	"github.com/justyntemme/winnow/internal/store"
)

// App drives the engine from single-keystroke terminal input and keeps
// one status line current. It never renders pixels; the engine's decode
// work exists for cache warmth and metadata.
type App struct {
	cfg *config.Config
	eng *engine.Engine
	km  keymap
	log zerolog.Logger
	out io.Writer

	pendingMove bool
}

// Run scans the sources, assembles the engine, and hands the terminal
// to the key loop until the user quits.
func Run(cfg *config.Config, log zerolog.Logger) error {
	var db *store.DB
	if cfg.Store.Enabled {
		d := store.NewDB(log.With().Str("comp", "store").Logger())
		if err := d.Open(cfg.Store.Path); err != nil {
			log.Warn().Err(err).Str("path", cfg.Store.Path).Msg("metadata store unavailable")
		} else {
			go d.Start()
			db = d
		}
	}

	scanner := scan.New(cfg.SkipDirs(), log.With().Str("comp", "scan").Logger())
	res, err := scanner.Scan(context.Background(), cfg.Sources)
	if err != nil {
		db.Close()
		return err
	}
	log.Info().Int("images", len(res.Images)).Int("dirs", len(res.Dirs)).Msg("scan complete")
	if len(res.Images) == 0 {
		db.Close()
		return fmt.Errorf("no images under %s", strings.Join(cfg.Sources, ", "))
	}

	eng, err := engine.New(cfg, res, db, log)
	if err != nil {
		db.Close()
		return err
	}
	defer eng.Close()

	a := &App{
		cfg: cfg,
		eng: eng,
		km:  defaultKeymap(),
		log: log.With().Str("comp", "app").Logger(),
		out: os.Stdout,
	}
	return a.run()
}

func (a *App) run() error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("terminal raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)
	defer fmt.Fprint(a.out, "\r\n")

	keys := make(chan byte, 8)
	go readKeys(os.Stdin, keys)

	// Resolving the first image emits the event that paints the line.
	if _, err := a.eng.Current(); err != nil {
		a.statusLine("no images")
	}

	for {
		select {
		case ev := <-a.eng.Events():
			a.showEvent(ev)
		case k, ok := <-keys:
			if !ok {
				return nil
			}
			if quit := a.handleKey(k); quit {
				return nil
			}
		}
	}
}

func readKeys(r io.Reader, keys chan<- byte) {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if err != nil {
			close(keys)
			return
		}
		if n > 0 {
			keys <- buf[0]
		}
	}
}

func (a *App) handleKey(k byte) bool {
	if a.pendingMove {
		a.pendingMove = false
		if k >= '1' && k <= '9' {
			a.moveToSlot(int(k - '0'))
		} else {
			a.statusLine("move cancelled")
		}
		return false
	}

	cmd := a.km[k]
	if cmd != cmdNone {
		a.log.Debug().Uint8("key", k).Msg("keypress")
	}
	switch cmd {
	case cmdQuit:
		return true
	case cmdNext:
		a.navigate(index.Next)
	case cmdPrev:
		a.navigate(index.Prev)
	case cmdFirst:
		a.navigate(index.First)
	case cmdLast:
		a.navigate(index.Last)
	case cmdRandom:
		a.navigate(index.Random)
	case cmdMovePrefix:
		if len(a.cfg.Categories) == 0 {
			a.statusLine("no categories configured")
			break
		}
		a.pendingMove = true
		a.statusLine("move to: " + slotPrompt(a.cfg.Categories))
	case cmdDelete:
		if _, err := a.eng.Delete(); err != nil {
			a.statusLine(err.Error())
		}
	case cmdUndo:
		if _, err := a.eng.Undo(); err != nil {
			if errors.Is(err, engine.ErrNothingToUndo) {
				a.statusLine("nothing to undo")
			} else {
				a.statusLine(err.Error())
			}
		}
	case cmdSlideshow:
		a.eng.ToggleSlideshow()
	}
	return false
}

func (a *App) navigate(d index.Direction) {
	if _, err := a.eng.Navigate(d); err != nil {
		a.statusLine("no images")
	}
}

func (a *App) moveToSlot(slot int) {
	name, ok := a.cfg.CategoryBySlot(slot)
	if !ok {
		a.statusLine(fmt.Sprintf("no category in slot %d", slot))
		return
	}
	if _, err := a.eng.Move(name); err != nil {
		a.statusLine(err.Error())
	}
}

func (a *App) showEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventNavigated:
		a.statusLine(fmt.Sprintf("[%d/%d] %s  %dx%d  %s  %s",
			ev.Pos+1, ev.Total, filepath.Base(ev.Path),
			ev.Meta.Width, ev.Meta.Height,
			humanize.Bytes(uint64(ev.Meta.FileSize)), ev.Meta.Format))
	case engine.EventLoading:
		line := fmt.Sprintf("[%d/%d] %s  loading...", ev.Pos+1, ev.Total, filepath.Base(ev.Path))
		if ev.Meta.Width > 0 {
			line = fmt.Sprintf("[%d/%d] %s  %dx%d  %s  loading...",
				ev.Pos+1, ev.Total, filepath.Base(ev.Path),
				ev.Meta.Width, ev.Meta.Height, humanize.Bytes(uint64(ev.Meta.FileSize)))
		}
		a.statusLine(line)
	case engine.EventLoadFailed:
		a.statusLine(fmt.Sprintf("[%d/%d] %s  error: %v",
			ev.Pos+1, ev.Total, filepath.Base(ev.Path), ev.Err))
	case engine.EventMutated:
		a.statusLine(fmt.Sprintf("%s -> %s  (%d left, u undoes)",
			filepath.Base(ev.Path), filepath.Dir(relDest(a.cfg, ev.Dest)), ev.Total))
	case engine.EventMutationFailed:
		a.statusLine(fmt.Sprintf("FAILED %s: %v", filepath.Base(ev.Path), ev.Err))
	case engine.EventUndone:
		a.statusLine(fmt.Sprintf("restored %s  (%d images)", filepath.Base(ev.Path), ev.Total))
	case engine.EventSlideshow:
		if ev.On {
			a.statusLine(fmt.Sprintf("slideshow on, every %s", ev.Interval))
		} else {
			a.statusLine("slideshow off")
		}
	}
}

// statusLine rewrites the single terminal line in place.
func (a *App) statusLine(s string) {
	fmt.Fprintf(a.out, "\r\x1b[K%s", s)
}

// relDest trims the sort root so mutation feedback shows the category,
// not the whole path.
func relDest(cfg *config.Config, dest string) string {
	if rel, err := filepath.Rel(cfg.SortDir, dest); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return dest
}

func slotPrompt(categories []string) string {
	parts := make([]string, len(categories))
	for i, name := range categories {
		parts[i] = fmt.Sprintf("%d=%s", i+1, name)
	}
	return strings.Join(parts, " ")
}
