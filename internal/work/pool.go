package work

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned when enqueueing on a stopped pool.
var ErrStopped = errors.New("work pool stopped")

// Stats is a point-in-time view of a pool.
type Stats struct {
	TotalCreated   int64
	TotalCompleted int64
	TotalFailed    int64
	WorkersActive  int
	WorkersTotal   int
	PendingCount   int
}

// Pool is an in-process Queue running at most workers units at a time.
type Pool struct {
	*Dispatcher

	mu      sync.RWMutex
	workers int
	pending []Unit
	active  map[string]Unit
	stopped bool

	wake chan struct{}

	totalCreated   int64
	totalCompleted int64
	totalFailed    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

var _ Queue = (*Pool)(nil)

// NewPool creates a pool. If workers <= 0, uses runtime.NumCPU().
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		Dispatcher: NewDispatcher(logger),
		workers:    workers,
		active:     make(map[string]Unit),
		wake:       make(chan struct{}, 1),
		logger:     logger,
	}
}

// Start launches the dispatcher goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("work pool starting", "workers", p.workers)

	p.wg.Add(1)
	go p.processPending()
}

// Stop cancels running units and waits for them to return. Pending units
// are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("work pool stopped",
		"created", atomic.LoadInt64(&p.totalCreated),
		"completed", atomic.LoadInt64(&p.totalCompleted),
		"failed", atomic.LoadInt64(&p.totalFailed))
}

// Enqueue adds a unit to the pending list.
func (p *Pool) Enqueue(_ context.Context, u Unit) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.pending = append(p.pending, u)
	p.mu.Unlock()
	atomic.AddInt64(&p.totalCreated, 1)

	p.signal()
	return nil
}

// PeekPending returns the queued units carrying tag.
func (p *Pool) PeekPending(_ context.Context, tag string) ([]Unit, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Unit
	for _, u := range p.pending {
		if u.Tag == tag {
			out = append(out, u)
		}
	}
	return out, nil
}

// ListRunning returns the units currently executing.
func (p *Pool) ListRunning(context.Context) ([]Unit, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Unit, 0, len(p.active))
	for _, u := range p.active {
		out = append(out, u)
	}
	return out, nil
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) processPending() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
			p.dispatchPending()
		}
	}
}

// dispatchPending starts pending units while there is worker capacity.
func (p *Pool) dispatchPending() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.pending) > 0 && len(p.active) < p.workers {
		u := p.pending[0]
		p.pending = p.pending[1:]
		p.active[u.ID] = u

		p.wg.Add(1)
		go p.execute(u)
	}
}

func (p *Pool) execute(u Unit) {
	defer p.wg.Done()
	err := p.Run(p.ctx, u)

	p.mu.Lock()
	delete(p.active, u.ID)
	p.mu.Unlock()
	if err != nil {
		atomic.AddInt64(&p.totalFailed, 1)
	} else {
		atomic.AddInt64(&p.totalCompleted, 1)
	}

	// Hooks see the unit gone from the running set.
	p.Finish(p.ctx, u, err)
	p.signal()
}

// Stats returns current statistics.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		TotalCreated:   atomic.LoadInt64(&p.totalCreated),
		TotalCompleted: atomic.LoadInt64(&p.totalCompleted),
		TotalFailed:    atomic.LoadInt64(&p.totalFailed),
		WorkersActive:  len(p.active),
		WorkersTotal:   p.workers,
		PendingCount:   len(p.pending),
	}
}
