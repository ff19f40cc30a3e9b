package engine

import (
	"context"
	"image"

	"github.com/justyntemme/winnow/internal/cache"
	"github.com/justyntemme/winnow/internal/imaging"
)

// View is a resolved image ready for display.
type View struct {
	Path      string
	Image     image.Image
	Meta      imaging.Metadata
	Pos       int
	Total     int
	Transient bool // served outside the cache budget, do not retain
}

// Pending is a navigation outcome whose image may still be decoding.
// Position and total are a snapshot from navigation time.
type Pending struct {
	entry *cache.Entry
	pos   int
	total int
}

func (p *Pending) Path() string { return p.entry.ID() }

// Ready reports whether the image already resolved, either way.
func (p *Pending) Ready() bool { return p.entry.Resolved() }

// Done is closed once the image resolves.
func (p *Pending) Done() <-chan struct{} { return p.entry.Done() }

// Wait blocks until the image resolves or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*View, error) {
	select {
	case <-p.entry.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.view()
}

// View returns the resolved image, or ErrPending while the decode is
// still in flight.
func (p *Pending) View() (*View, error) {
	if !p.entry.Resolved() {
		return nil, ErrPending
	}
	return p.view()
}

func (p *Pending) view() (*View, error) {
	if err := p.entry.Err(); err != nil {
		return nil, err
	}
	return &View{
		Path:      p.entry.ID(),
		Image:     p.entry.Image(),
		Meta:      p.entry.Meta(),
		Pos:       p.pos,
		Total:     p.total,
		Transient: p.entry.Transient(),
	}, nil
}
