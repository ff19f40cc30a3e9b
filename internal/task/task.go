package task

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Class selects scheduling priority. Interactive work is what the user
// is actively waiting on; background work is anticipatory and may be
// dropped under pressure.
type Class int

const (
	Interactive Class = iota
	Background
)

func (c Class) String() string {
	if c == Interactive {
		return "interactive"
	}
	return "background"
}

// Kind names what a task does, for logging and cancellation grouping.
type Kind int

const (
	Load Kind = iota
	Metadata
	Move
	Delete
)

func (k Kind) String() string {
	switch k {
	case Load:
		return "load"
	case Metadata:
		return "metadata"
	case Move:
		return "move"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

var (
	// ErrPanic wraps a panic recovered from a task body.
	ErrPanic = errors.New("task panicked")
	// ErrDropped reports a task discarded before it started.
	ErrDropped = errors.New("task dropped")
)

// Task is one unit of asynchronous work. Run receives a context that is
// cancelled when the task or its identity group is cancelled; a running
// task finishes on its own but must not apply side effects after
// noticing cancellation. OnDrop fires instead of Run when the task is
// discarded while still queued, so owners of pending state can release
// waiters.
type Task struct {
	ID     string
	Kind   Kind
	Class  Class
	Run    func(ctx context.Context) error
	OnDrop func()
}

const (
	stateQueued = iota
	stateRunning
	stateDropped
	stateDone
)

// Handle tracks one submitted task.
type Handle struct {
	task   Task
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	state  int // guarded by the pool mutex until done closes
}

// Cancel requests cooperative cancellation. A queued task is dropped
// before it starts; a running task completes but its result is treated
// as discarded.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the task finished, was dropped, or had its
// discarded result recorded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task outcome. Valid once Done is closed.
func (h *Handle) Err() error { return h.err }

// Cancelled reports whether cancellation was requested.
func (h *Handle) Cancelled() bool { return h.ctx.Err() != nil }

// Pool runs tasks on a fixed set of workers. Two FIFO queues back it:
// interactive tasks always dequeue ahead of background ones. The
// background queue is bounded; when full, the oldest queued load or
// metadata task is dropped to admit the new one, so submitters never
// block. Mutations are never shed.
type Pool struct {
	mu            sync.Mutex
	cond          *sync.Cond
	interactive   []*Handle
	background    []*Handle
	maxBackground int
	byID          map[string][]*Handle
	closed        bool
	wg            sync.WaitGroup
	log           zerolog.Logger
}

// NewPool starts workers goroutines servicing the queues. workers <= 0
// defaults to available parallelism capped at four; backlog <= 0
// defaults to 16 queued background tasks.
func NewPool(workers, backlog int, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
		if workers > 4 {
			workers = 4
		}
	}
	if backlog <= 0 {
		backlog = 16
	}
	p := &Pool{
		maxBackground: backlog,
		byID:          make(map[string][]*Handle),
		log:           log,
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit queues t and returns its handle. Never blocks: a full
// background queue sheds its stalest member instead.
func (p *Pool) Submit(t Task) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{task: t, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	var shed *Handle
	p.mu.Lock()
	if p.closed {
		h.state = stateDropped
		h.err = ErrDropped
		close(h.done)
		p.mu.Unlock()
		cancel()
		if t.OnDrop != nil {
			t.OnDrop()
		}
		return h
	}

	if t.Class == Interactive {
		p.interactive = append(p.interactive, h)
	} else {
		if len(p.background) >= p.maxBackground {
			shed = p.shedLocked()
		}
		p.background = append(p.background, h)
	}
	p.trackLocked(h)
	p.cond.Signal()
	p.mu.Unlock()

	if shed != nil {
		if shed.task.OnDrop != nil {
			shed.task.OnDrop()
		}
		p.log.Debug().Str("path", shed.task.ID).Msg("background queue full, shed stalest task")
	}
	return h
}

// shedLocked removes and drops the oldest queued load or metadata
// task. A queued mutation is a user command and must survive pressure,
// so the queue may exceed its bound while mutations dominate it.
func (p *Pool) shedLocked() *Handle {
	for i, h := range p.background {
		if h.task.Kind != Load && h.task.Kind != Metadata {
			continue
		}
		p.background = append(p.background[:i], p.background[i+1:]...)
		h.cancel()
		h.state = stateDropped
		h.err = ErrDropped
		p.untrackLocked(h)
		close(h.done)
		return h
	}
	return nil
}

// CancelAllFor cancels pending and running load and metadata tasks for
// id. Mutation tasks are serialized elsewhere and deliberately left
// alone.
func (p *Pool) CancelAllFor(id string) {
	p.mu.Lock()
	handles := append([]*Handle(nil), p.byID[id]...)
	p.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// Close cancels all queued and running tasks and waits for the workers
// to drain. Safe to call twice.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, h := range p.interactive {
		h.cancel()
	}
	for _, h := range p.background {
		h.cancel()
	}
	for _, hs := range p.byID {
		for _, h := range hs {
			h.cancel()
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for !p.closed && len(p.interactive) == 0 && len(p.background) == 0 {
			p.cond.Wait()
		}

		var h *Handle
		if len(p.interactive) > 0 {
			h = p.interactive[0]
			p.interactive = p.interactive[1:]
		} else if len(p.background) > 0 {
			h = p.background[0]
			p.background = p.background[1:]
		} else {
			p.mu.Unlock()
			return
		}

		if p.closed || h.ctx.Err() != nil {
			h.state = stateDropped
			h.err = ErrDropped
			p.untrackLocked(h)
			close(h.done)
			p.mu.Unlock()
			if h.task.OnDrop != nil {
				h.task.OnDrop()
			}
			continue
		}
		h.state = stateRunning
		p.mu.Unlock()

		err := p.runTask(h)

		p.mu.Lock()
		if err == nil && h.ctx.Err() != nil {
			// Ran to completion after cancellation; the result is
			// discarded by the task body, record why.
			err = h.ctx.Err()
		}
		h.err = err
		h.state = stateDone
		p.untrackLocked(h)
		close(h.done)
		p.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Debug().Err(err).Str("path", h.task.ID).
				Str("kind", h.task.Kind.String()).Msg("task failed")
		}
	}
}

// runTask isolates panics so one bad task cannot take down a worker.
func (p *Pool) runTask(h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			p.log.Error().Str("path", h.task.ID).Str("kind", h.task.Kind.String()).
				Bytes("stack", debug.Stack()).Msg("task panicked")
		}
	}()
	return h.task.Run(h.ctx)
}

func (p *Pool) trackLocked(h *Handle) {
	if h.task.Kind != Load && h.task.Kind != Metadata {
		return
	}
	p.byID[h.task.ID] = append(p.byID[h.task.ID], h)
}

func (p *Pool) untrackLocked(h *Handle) {
	if h.task.Kind != Load && h.task.Kind != Metadata {
		return
	}
	hs := p.byID[h.task.ID]
	for i, x := range hs {
		if x == h {
			hs = append(hs[:i], hs[i+1:]...)
			break
		}
	}
	if len(hs) == 0 {
		delete(p.byID, h.task.ID)
	} else {
		p.byID[h.task.ID] = hs
	}
}
