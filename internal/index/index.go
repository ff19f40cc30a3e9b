package index

import (
	"math/rand/v2"
	"sort"
	"sync"
)

// Direction selects how Advance moves the cursor.
type Direction int

const (
	Next Direction = iota
	Prev
	First
	Last
	Random
)

func (d Direction) String() string {
	switch d {
	case Next:
		return "next"
	case Prev:
		return "prev"
	case First:
		return "first"
	case Last:
		return "last"
	case Random:
		return "random"
	default:
		return "unknown"
	}
}

// Index is the ordered sequence of image identities plus the cursor.
// Identities are canonical file paths kept in natural sort order. The
// cursor always points at a live entry, or -1 when the index is empty.
type Index struct {
	mu     sync.Mutex
	ids    []string
	cursor int
	deck   []int // shuffled positions not yet served by Random
}

// New builds an index over ids in natural order with the cursor on the
// first entry.
func New(ids []string) *Index {
	ix := &Index{cursor: -1}
	ix.Replace(ids)
	return ix
}

// Replace swaps in a new identity set, sorted naturally. The cursor
// follows its identity when it survives the swap, otherwise it clamps
// to the nearest valid position.
func (ix *Index) Replace(ids []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var current string
	if ix.cursor >= 0 && ix.cursor < len(ix.ids) {
		current = ix.ids[ix.cursor]
	}

	next := make([]string, len(ids))
	copy(next, ids)
	sort.Slice(next, func(i, j int) bool { return NaturalLess(next[i], next[j]) })
	ix.ids = next
	ix.deck = nil

	if len(ix.ids) == 0 {
		ix.cursor = -1
		return
	}
	if current != "" {
		if pos, ok := ix.positionOfLocked(current); ok {
			ix.cursor = pos
			return
		}
	}
	if ix.cursor < 0 {
		ix.cursor = 0
	} else if ix.cursor >= len(ix.ids) {
		ix.cursor = len(ix.ids) - 1
	}
}

// Len returns the number of identities.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.ids)
}

// Current returns the identity under the cursor.
func (ix *Index) Current() (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.cursor < 0 {
		return "", false
	}
	return ix.ids[ix.cursor], true
}

// Cursor returns the cursor position, -1 when empty.
func (ix *Index) Cursor() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.cursor
}

// PositionOf returns the position of id.
func (ix *Index) PositionOf(id string) (int, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.positionOfLocked(id)
}

func (ix *Index) positionOfLocked(id string) (int, bool) {
	for i, v := range ix.ids {
		if v == id {
			return i, true
		}
	}
	return 0, false
}

// Snapshot returns a copy of the identity order.
func (ix *Index) Snapshot() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]string, len(ix.ids))
	copy(out, ix.ids)
	return out
}

// Advance moves the cursor and returns the new current identity. Next
// and Prev wrap around the ends; First and Last clamp; Random draws
// from a shuffled deck and never lands on the current identity while
// more than one entry remains.
func (ix *Index) Advance(d Direction) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n := len(ix.ids)
	if n == 0 {
		return "", false
	}

	switch d {
	case Next:
		ix.cursor = (ix.cursor + 1) % n
	case Prev:
		ix.cursor = (ix.cursor - 1 + n) % n
	case First:
		ix.cursor = 0
	case Last:
		ix.cursor = n - 1
	case Random:
		ix.cursor = ix.randomLocked()
	}
	return ix.ids[ix.cursor], true
}

// randomLocked pops shuffled positions until one differs from the
// cursor, refilling the deck when it runs dry. Every identity is
// visited once per deck cycle.
func (ix *Index) randomLocked() int {
	n := len(ix.ids)
	if n == 1 {
		return ix.cursor
	}
	for {
		if len(ix.deck) == 0 {
			ix.deck = make([]int, n)
			for i := range ix.deck {
				ix.deck[i] = i
			}
			rand.Shuffle(n, func(i, j int) {
				ix.deck[i], ix.deck[j] = ix.deck[j], ix.deck[i]
			})
		}
		pos := ix.deck[len(ix.deck)-1]
		ix.deck = ix.deck[:len(ix.deck)-1]
		if pos != ix.cursor && pos < n {
			return pos
		}
	}
}

// Remove deletes id, preserving the relative order of the rest. When id
// sat under the cursor, the cursor moves to the next remaining entry,
// or to the previous one when the removed entry was last. Returns false
// when id is absent.
func (ix *Index) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	pos, ok := ix.positionOfLocked(id)
	if !ok {
		return false
	}

	ix.ids = append(ix.ids[:pos], ix.ids[pos+1:]...)
	ix.deck = nil

	n := len(ix.ids)
	if n == 0 {
		ix.cursor = -1
		return true
	}
	switch {
	case pos < ix.cursor:
		ix.cursor--
	case pos == ix.cursor:
		// The next remaining entry now occupies pos; clamp when the
		// removed entry was the tail.
		if ix.cursor >= n {
			ix.cursor = n - 1
		}
	}
	return true
}

// Insert places id at pos, clamped to the valid range, shifting later
// entries right. The cursor shifts with its entry when the insertion
// lands at or before it. Duplicate identities are ignored.
func (ix *Index) Insert(id string, pos int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.positionOfLocked(id); ok {
		return
	}
	ix.insertLocked(id, pos)
}

// InsertSorted inserts id at its natural-order position and returns
// that position. Inserting a present identity returns its existing
// position unchanged.
func (ix *Index) InsertSorted(id string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if pos, ok := ix.positionOfLocked(id); ok {
		return pos
	}
	pos := sort.Search(len(ix.ids), func(i int) bool {
		return NaturalLess(id, ix.ids[i])
	})
	ix.insertLocked(id, pos)
	return pos
}

func (ix *Index) insertLocked(id string, pos int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(ix.ids) {
		pos = len(ix.ids)
	}

	ix.ids = append(ix.ids, "")
	copy(ix.ids[pos+1:], ix.ids[pos:])
	ix.ids[pos] = id
	ix.deck = nil

	if ix.cursor < 0 {
		ix.cursor = 0
	} else if pos <= ix.cursor {
		ix.cursor++
	}
}

// Locate moves the cursor onto id if present.
func (ix *Index) Locate(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	pos, ok := ix.positionOfLocked(id)
	if !ok {
		return false
	}
	ix.cursor = pos
	return true
}

// Member pairs an identity with its index position.
type Member struct {
	ID  string
	Pos int
}

// Window returns the cursor position and the entries within radius of
// it, ordered by increasing distance with the forward side first. The
// current entry leads. This ordering is what the prefetch path submits
// in.
func (ix *Index) Window(radius int) (int, []Member) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.cursor < 0 {
		return -1, nil
	}

	members := make([]Member, 0, 2*radius+1)
	members = append(members, Member{ID: ix.ids[ix.cursor], Pos: ix.cursor})
	for d := 1; d <= radius; d++ {
		if p := ix.cursor + d; p < len(ix.ids) {
			members = append(members, Member{ID: ix.ids[p], Pos: p})
		}
		if p := ix.cursor - d; p >= 0 {
			members = append(members, Member{ID: ix.ids[p], Pos: p})
		}
	}
	return ix.cursor, members
}

// Neighborhood returns up to 2*radius+1 identities centered on the
// cursor in display order, clipped at the sequence bounds.
func (ix *Index) Neighborhood(radius int) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.cursor < 0 {
		return nil
	}
	lo := ix.cursor - radius
	if lo < 0 {
		lo = 0
	}
	hi := ix.cursor + radius
	if hi > len(ix.ids)-1 {
		hi = len(ix.ids) - 1
	}
	out := make([]string, hi-lo+1)
	copy(out, ix.ids[lo:hi+1])
	return out
}
