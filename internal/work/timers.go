package work

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TickFunc runs one scheduled tick for a feed and returns the delay until the
// next one. keep=false drops the feed from the schedule.
type TickFunc func(ctx context.Context, feedID int64) (next time.Duration, keep bool)

type timerEntry struct {
	timer    *time.Timer
	interval time.Duration
}

// Timers keeps one timer per feed. A feed never has two ticks in flight, and
// at most limit ticks run at once across all feeds.
type Timers struct {
	mu       sync.Mutex
	entries  map[int64]*timerEntry
	inflight map[int64]bool
	stopped  bool

	tick   TickFunc
	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewTimers creates the substrate. Ticks run with ctx.
func NewTimers(ctx context.Context, limit int, tick TickFunc, logger *slog.Logger) *Timers {
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Timers{
		entries:  make(map[int64]*timerEntry),
		inflight: make(map[int64]bool),
		tick:     tick,
		sem:      make(chan struct{}, limit),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// SetTick replaces the tick function. Must be called before anything is scheduled.
func (t *Timers) SetTick(tick TickFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tick = tick
}

// Schedule (re)arms the timer of a feed to fire after initialDelay. interval
// is used when a tick does not supply its own next delay.
func (t *Timers) Schedule(feedID int64, interval, initialDelay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if old, ok := t.entries[feedID]; ok {
		old.timer.Stop()
	}
	e := &timerEntry{interval: interval}
	e.timer = time.AfterFunc(initialDelay, func() { t.fire(feedID, e) })
	t.entries[feedID] = e
}

// Unschedule removes a feed. A tick already running finishes but is not
// rescheduled.
func (t *Timers) Unschedule(feedID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[feedID]; ok {
		e.timer.Stop()
		delete(t.entries, feedID)
	}
}

// Trigger makes a scheduled feed tick as soon as possible. It reports false
// when the feed is not scheduled.
func (t *Timers) Trigger(feedID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[feedID]
	if !ok || t.stopped {
		return false
	}
	e.timer.Reset(0)
	return true
}

// Scheduled reports whether a feed has a timer.
func (t *Timers) Scheduled(feedID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[feedID]
	return ok
}

// Len returns the number of scheduled feeds.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop cancels the timers and waits for running ticks.
func (t *Timers) Stop() {
	t.mu.Lock()
	t.stopped = true
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
}

func (t *Timers) fire(feedID int64, e *timerEntry) {
	t.mu.Lock()
	if t.stopped || t.entries[feedID] != e {
		t.mu.Unlock()
		return
	}
	if t.inflight[feedID] {
		// Previous tick still running; try again after the usual interval.
		e.timer.Reset(e.interval)
		t.mu.Unlock()
		return
	}
	t.inflight[feedID] = true
	tick := t.tick
	t.wg.Add(1)
	t.mu.Unlock()

	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inflight, feedID)
		t.mu.Unlock()
	}()

	select {
	case t.sem <- struct{}{}:
	case <-t.ctx.Done():
		return
	}
	next, keep := t.safeTick(tick, feedID)
	<-t.sem

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.entries[feedID] != e {
		return
	}
	if !keep {
		delete(t.entries, feedID)
		return
	}
	if next <= 0 {
		next = e.interval
	}
	e.interval = next
	e.timer.Reset(next)
}

func (t *Timers) safeTick(tick TickFunc, feedID int64) (next time.Duration, keep bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("tick panicked", "feed_id", feedID, "panic", r)
			next, keep = 0, true
		}
	}()
	return tick(t.ctx, feedID)
}
