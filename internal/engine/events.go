package engine

import (
	"time"

	"github.com/justyntemme/winnow/internal/imaging"
)

// EventKind classifies engine notifications.
type EventKind int

const (
	// EventNavigated reports the current image resolved and ready.
	EventNavigated EventKind = iota
	// EventLoading reports the current image still decoding. Meta is
	// filled when the metadata store already knows the dimensions.
	EventLoading
	// EventLoadFailed reports the current image failed to resolve.
	EventLoadFailed
	// EventMutated reports a move or delete landed on disk.
	EventMutated
	// EventMutationFailed reports a mutation rolled back.
	EventMutationFailed
	// EventUndone reports a mutation restored.
	EventUndone
	// EventIndexChanged reports membership changed outside navigation,
	// by a mutation or an external filesystem change.
	EventIndexChanged
	// EventSlideshow reports the slideshow toggled or changed pace.
	EventSlideshow
)

func (k EventKind) String() string {
	switch k {
	case EventNavigated:
		return "navigated"
	case EventLoading:
		return "loading"
	case EventLoadFailed:
		return "load-failed"
	case EventMutated:
		return "mutated"
	case EventMutationFailed:
		return "mutation-failed"
	case EventUndone:
		return "undone"
	case EventIndexChanged:
		return "index-changed"
	case EventSlideshow:
		return "slideshow"
	default:
		return "unknown"
	}
}

// Event is one engine notification. Fields beyond Kind are filled per
// kind; zero values mean not applicable.
type Event struct {
	Kind     EventKind
	Path     string
	Pos      int // position of Path in the index, 0-based
	Total    int
	Meta     imaging.Metadata
	Err      error
	Dest     string // mutation destination path
	On       bool   // slideshow running
	Interval time.Duration
}

// Events delivers engine notifications: async load completions,
// mutation outcomes, external changes. The channel is never closed;
// consumers stop reading after Close. Slow consumers lose events
// rather than stall the engine.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Debug().Stringer("kind", ev.Kind).Str("path", ev.Path).
			Msg("event buffer full, dropping")
	}
}
