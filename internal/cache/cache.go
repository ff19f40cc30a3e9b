package cache

import (
	"container/list"
	"context"
	"errors"
	"image"
	"sync"

	"github.com/rs/zerolog"

	"github.com/justyntemme/winnow/internal/imaging"
)

const (
	statePending = iota
	stateReady
	stateFailed
)

// Entry is one cached image. Content fields become immutable once Done
// is closed; readers must observe Done before touching them.
type Entry struct {
	id        string
	img       image.Image
	meta      imaging.Metadata
	err       error
	cost      int64
	state     int
	transient bool
	done      chan struct{}

	// Eviction bookkeeping, guarded by the cache mutex.
	pos    int
	round  int64
	pinned bool
	elem   *list.Element
}

// ID returns the identity this entry caches.
func (e *Entry) ID() string { return e.id }

// Done is closed when the entry resolves to content or an error.
func (e *Entry) Done() <-chan struct{} { return e.done }

// Resolved reports whether the entry has finished loading.
func (e *Entry) Resolved() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Image returns the decoded content. Valid once Done is closed.
func (e *Entry) Image() image.Image { return e.img }

// Meta returns the image metadata. Valid once Done is closed.
func (e *Entry) Meta() imaging.Metadata { return e.meta }

// Err returns the load error, if any. Valid once Done is closed.
func (e *Entry) Err() error { return e.err }

// Transient reports that the content was served without being retained
// because it alone exceeds the byte budget. Valid once Done is closed.
func (e *Entry) Transient() bool { return e.transient }

// Position pairs an identity with its index position for SetFocus.
type Position struct {
	ID  string
	Pos int
}

// Cache is a bounded store of decoded images keyed by identity. Bounded
// by entry count and aggregate decoded bytes. Eviction is oldest access
// round first; within a round, the entry furthest from the cursor goes
// first, so the viewed image's neighbors outlive distant leftovers. The
// current entry and its immediate neighbors are pinned. No I/O happens
// under the lock; decoding is the caller's business, finished before
// Complete.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	lru        *list.List // front = most recently touched
	maxEntries int
	maxBytes   int64
	bytes      int64
	round      int64
	cursor     int
	log        zerolog.Logger
}

// New builds a cache bounded by maxEntries and maxBytes of decoded
// content.
func New(maxEntries int, maxBytes int64, log zerolog.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	if maxBytes <= 0 {
		maxBytes = 512 << 20
	}
	return &Cache{
		entries:    make(map[string]*Entry),
		lru:        list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		log:        log,
	}
}

// Get returns the entry for id, touching its recency. Pending entries
// are returned as-is so callers can attach to the in-flight load.
func (c *Cache) Get(id string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.touchLocked(e)
	return e, true
}

// Contains reports whether id has an entry, pending included. Does not
// touch recency.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Begin returns the entry for id, creating a pending one if absent. The
// second result is true when the caller now owns the load: exactly one
// caller per identity sees true until that load completes, which keeps
// a single Load in flight per identity. A new entry is stamped at the
// cursor and stays unpinned until the next SetFocus.
func (c *Cache) Begin(id string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked(id, c.cursor, false)
}

// BeginAt is Begin with an explicit index position for a new entry.
// Prefetch admissions within one step of the cursor are pinned right
// away, keeping the neighbor pin unbroken between focus updates.
func (c *Cache) BeginAt(id string, pos int) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked(id, pos, dist(pos, c.cursor) <= 1)
}

func (c *Cache) beginLocked(id string, pos int, pinned bool) (*Entry, bool) {
	if e, ok := c.entries[id]; ok {
		c.touchLocked(e)
		return e, false
	}

	e := &Entry{
		id:     id,
		done:   make(chan struct{}),
		pos:    pos,
		round:  c.round,
		pinned: pinned,
	}
	e.elem = c.lru.PushFront(e)
	c.entries[id] = e
	return e, true
}

// Put inserts a resolved entry directly. Loads normally go through
// Begin/Complete; Put covers callers that already hold decoded content.
func (c *Cache) Put(id string, img image.Image, meta imaging.Metadata) {
	if _, started := c.Begin(id); !started {
		return
	}
	c.Complete(id, img, meta, nil)
}

// Complete resolves the pending entry for id with content or an error
// and wakes all waiters. A nil error retains the entry under the
// budget; content whose cost alone exceeds the byte budget is handed to
// waiters but not retained. context.Canceled drops the entry entirely.
// Returns nil when the entry was invalidated while loading.
func (c *Cache) Complete(id string, img image.Image, meta imaging.Metadata, err error) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.state != statePending {
		return nil
	}

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		e.err = err
		e.state = stateFailed
		close(e.done)
		c.removeLocked(e)

	case err != nil:
		// Retained so repeated visits surface the same error instead
		// of re-decoding a broken file.
		e.err = err
		e.state = stateFailed
		close(e.done)

	default:
		cost := imaging.Cost(img)
		e.img = img
		e.meta = meta
		e.state = stateReady
		if cost > c.maxBytes {
			e.transient = true
			close(e.done)
			c.removeLocked(e)
			c.log.Debug().Str("path", id).Int64("cost", cost).
				Msg("entry exceeds cache budget, serving uncached")
			break
		}
		e.cost = cost
		c.bytes += cost
		c.touchLocked(e)
		close(e.done)
		c.evictLocked()
	}
	return e
}

// SetFocus records the cursor position and prefetch window after a
// navigation. Window members get fresh recency and positions; the
// current entry and its immediate neighbors are pinned against
// eviction until the next call.
func (c *Cache) SetFocus(cursor int, window []Position) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.round++
	c.cursor = cursor
	for _, e := range c.entries {
		e.pinned = false
	}
	for _, p := range window {
		e, ok := c.entries[p.ID]
		if !ok {
			continue
		}
		e.pos = p.Pos
		e.round = c.round
		c.lru.MoveToFront(e.elem)
		if dist(p.Pos, cursor) <= 1 {
			e.pinned = true
		}
	}
	c.evictLocked()
}

// Invalidate removes any entry for id. Idempotent and safe when no
// entry exists. A pending entry resolves canceled so waiters unblock.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return
	}
	if e.state == statePending {
		e.err = context.Canceled
		e.state = stateFailed
		close(e.done)
	}
	c.removeLocked(e)
}

// Clear drops every entry, resolving pending ones canceled.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.state == statePending {
			e.err = context.Canceled
			e.state = stateFailed
			close(e.done)
		}
	}
	c.entries = make(map[string]*Entry)
	c.lru = list.New()
	c.bytes = 0
}

// Stats returns the entry count and retained decoded bytes.
func (c *Cache) Stats() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.bytes
}

func (c *Cache) touchLocked(e *Entry) {
	e.round = c.round
	c.lru.MoveToFront(e.elem)
}

func (c *Cache) removeLocked(e *Entry) {
	delete(c.entries, e.id)
	c.lru.Remove(e.elem)
	c.bytes -= e.cost
}

func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxEntries || c.bytes > c.maxBytes {
		victim := c.victimLocked()
		if victim == nil {
			// Everything left is pinned or in flight; tolerate the
			// overflow rather than evicting the working set.
			return
		}
		c.removeLocked(victim)
		c.log.Debug().Str("path", victim.id).Int64("cost", victim.cost).
			Int64("round", victim.round).Msg("evicted")
	}
}

// victimLocked picks the next eviction target: the unpinned, resolved
// entries of the oldest access round, furthest from the cursor first.
// The LRU list is ordered by touch, so rounds are non-decreasing from
// back to front.
func (c *Cache) victimLocked() *Entry {
	var group []*Entry
	round := int64(-1)
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry)
		if round >= 0 && e.round > round {
			break
		}
		if e.pinned || e.state == statePending {
			continue
		}
		if round < 0 {
			round = e.round
		}
		group = append(group, e)
	}
	if len(group) == 0 {
		return nil
	}

	victim := group[0]
	best := dist(victim.pos, c.cursor)
	for _, e := range group[1:] {
		if d := dist(e.pos, c.cursor); d > best {
			victim, best = e, d
		}
	}
	return victim
}

func dist(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
