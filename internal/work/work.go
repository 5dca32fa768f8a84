// Package work runs units of work and the per-feed timers.
package work

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bryan-buckman/feedsync/internal/metrics"
)

// Unit is one queued piece of work. Tag groups units that belong together,
// e.g. every subscribe of one OPML import.
type Unit struct {
	ID      string `json:"id"`
	Tag     string `json:"tag,omitempty"`
	Kind    string `json:"kind"`
	Payload []byte `json:"payload,omitempty"`
}

// NewUnit creates a unit with a fresh id.
func NewUnit(kind, tag string, payload []byte) Unit {
	return Unit{ID: uuid.NewString(), Tag: tag, Kind: kind, Payload: payload}
}

// Handler executes units of one kind.
type Handler func(ctx context.Context, u Unit) error

// DoneHook is called once a unit has finished and is no longer listed as
// running, with the handler's error.
type DoneHook func(ctx context.Context, u Unit, err error)

// Queue accepts units and lets callers see what is still outstanding.
type Queue interface {
	Enqueue(ctx context.Context, u Unit) error
	PeekPending(ctx context.Context, tag string) ([]Unit, error)
	ListRunning(ctx context.Context) ([]Unit, error)
}

// Dispatcher maps unit kinds to handlers and fans finished units out to the
// done hooks. Queue implementations embed it.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	hooks    []DoneHook
	logger   *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler), logger: logger}
}

// Handle registers the handler for kind.
func (d *Dispatcher) Handle(kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// OnDone registers a hook run after every unit.
func (d *Dispatcher) OnDone(h DoneHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// Run executes u with its handler. Panics become errors.
func (d *Dispatcher) Run(ctx context.Context, u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("work unit panicked", "unit_id", u.ID, "kind", u.Kind, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	d.mu.RLock()
	h, ok := d.handlers[u.Kind]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for unit kind %q", u.Kind)
	}
	return h(ctx, u)
}

// Finish runs the done hooks for u.
func (d *Dispatcher) Finish(ctx context.Context, u Unit, err error) {
	metrics.RecordWorkUnit(u.Kind, err)
	if err != nil {
		d.logger.Warn("work unit failed", "unit_id", u.ID, "kind", u.Kind, "tag", u.Tag, "error", err)
	}

	d.mu.RLock()
	hooks := make([]DoneHook, len(d.hooks))
	copy(hooks, d.hooks)
	d.mu.RUnlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("done hook panicked", "unit_id", u.ID, "panic", r)
				}
			}()
			h(ctx, u, err)
		}()
	}
}
