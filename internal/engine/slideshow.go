package engine

import (
	"sync"
	"time"

	"github.com/justyntemme/winnow/internal/index"
)

const (
	// secondPressTimeout bounds how old a first press may be and still
	// pair with the next one.
	secondPressTimeout = 60 * time.Second
	// minInterval floors a re-paced slideshow period.
	minInterval = 100 * time.Millisecond
)

// slideshow is the auto-advance rate controller. While it runs, two
// manual presses in the same direction within secondPressTimeout
// re-pace the show to their spacing; any other navigation press breaks
// an open pair.
type slideshow struct {
	mu              sync.Mutex
	running         bool
	interval        time.Duration
	defaultInterval time.Duration
	lastDir         index.Direction

	pendingDir index.Direction
	pendingAt  time.Time
	hasPending bool

	kicked chan struct{}
}

func newSlideshow(interval time.Duration) *slideshow {
	return &slideshow{
		interval:        interval,
		defaultInterval: interval,
		lastDir:         index.Next,
		kicked:          make(chan struct{}, 1),
	}
}

// Toggle flips the show on or off. Turning on restarts from the
// configured interval; a re-paced period does not survive a stop.
func (s *slideshow) Toggle() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = !s.running
	if s.running {
		s.interval = s.defaultInterval
		s.hasPending = false
	}
	return s.running, s.interval
}

func (s *slideshow) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *slideshow) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// LastDirection reports the direction auto-advance follows.
func (s *slideshow) LastDirection() index.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDir
}

// Observe feeds a manual navigation press into the pair detector and
// reports whether the interval changed, with the new value when so.
// A stale first press simply becomes the new first press.
func (s *slideshow) Observe(d index.Direction, at time.Time) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false, 0
	}
	if d != index.Next && d != index.Prev && d != index.Random {
		s.hasPending = false
		return false, 0
	}
	if s.hasPending && s.pendingDir == d && at.Sub(s.pendingAt) <= secondPressTimeout {
		iv := at.Sub(s.pendingAt)
		if iv < minInterval {
			iv = minInterval
		}
		s.interval = iv
		s.hasPending = false
		return true, iv
	}
	s.pendingDir = d
	s.pendingAt = at
	s.hasPending = true
	return false, 0
}

// NoteDirection records where auto-advance heads next. First and Last
// jumps leave it alone.
func (s *slideshow) NoteDirection(d index.Direction) {
	if d != index.Next && d != index.Prev && d != index.Random {
		return
	}
	s.mu.Lock()
	s.lastDir = d
	s.mu.Unlock()
}

// Kick wakes the slide loop so its timer restarts from now.
func (s *slideshow) Kick() {
	select {
	case s.kicked <- struct{}{}:
	default:
	}
}

// ToggleSlideshow starts or stops automatic advancement.
func (e *Engine) ToggleSlideshow() bool {
	on, iv := e.slide.Toggle()
	if on {
		e.log.Info().Dur("interval", iv).Msg("slideshow started")
	} else {
		e.log.Info().Msg("slideshow stopped")
	}
	e.emit(Event{Kind: EventSlideshow, On: on, Interval: iv})
	e.slide.Kick()
	return on
}

// SlideshowRunning reports whether the show is on.
func (e *Engine) SlideshowRunning() bool { return e.slide.Running() }

// SlideshowInterval reports the period currently in force.
func (e *Engine) SlideshowInterval() time.Duration { return e.slide.Interval() }

// slideLoop owns the advance timer. Manual navigation and toggles kick
// it so the full period always separates the last press from the next
// automatic step.
func (e *Engine) slideLoop() {
	defer e.wg.Done()
	timer := time.NewTimer(e.slide.Interval())
	defer timer.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-e.slide.kicked:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.slide.Interval())
		case <-timer.C:
			if e.slide.Running() {
				e.autoAdvance()
			}
			timer.Reset(e.slide.Interval())
		}
	}
}

// autoAdvance is a timer-driven step; it does not feed the pair
// detector.
func (e *Engine) autoAdvance() {
	if id, ok := e.idx.Advance(e.slide.LastDirection()); ok {
		e.resolve(id)
	}
}
