package work

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/feedsync/internal/logging"
)

func TestPoolRunsUnits(t *testing.T) {
	p := NewPool(2, logging.Discard())
	var ran atomic.Int32
	p.Handle("noop", func(context.Context, Unit) error {
		ran.Add(1)
		return nil
	})
	p.Handle("fail", func(context.Context, Unit) error { return errors.New("nope") })
	p.Handle("panic", func(context.Context, Unit) error { panic("boom") })

	var mu sync.Mutex
	results := map[string]error{}
	done := make(chan struct{}, 10)
	p.OnDone(func(_ context.Context, u Unit, err error) {
		mu.Lock()
		results[u.Kind] = err
		mu.Unlock()
		done <- struct{}{}
	})

	p.Start(context.Background())
	defer p.Stop()

	ctx := context.Background()
	for _, kind := range []string{"noop", "fail", "panic", "unknown"} {
		require.NoError(t, p.Enqueue(ctx, NewUnit(kind, "", nil)))
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for units")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, results["noop"])
	assert.EqualError(t, results["fail"], "nope")
	assert.ErrorContains(t, results["panic"], "panic: boom")
	assert.ErrorContains(t, results["unknown"], "no handler")
	assert.EqualValues(t, 1, ran.Load())

	st := p.Stats()
	assert.EqualValues(t, 4, st.TotalCreated)
	assert.EqualValues(t, 1, st.TotalCompleted)
	assert.EqualValues(t, 3, st.TotalFailed)
}

func TestPoolBoundsConcurrencyAndIntrospects(t *testing.T) {
	p := NewPool(1, logging.Discard())
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	p.Handle("block", func(ctx context.Context, u Unit) error {
		started <- struct{}{}
		<-release
		return nil
	})

	ctx := context.Background()
	first := NewUnit("block", "batch:1", nil)
	second := NewUnit("block", "batch:1", nil)
	other := NewUnit("block", "batch:2", nil)
	require.NoError(t, p.Enqueue(ctx, first))
	require.NoError(t, p.Enqueue(ctx, second))
	require.NoError(t, p.Enqueue(ctx, other))

	p.Start(ctx)
	defer p.Stop()
	<-started

	running, err := p.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, first.ID, running[0].ID)

	pending, err := p.PeekPending(ctx, "batch:1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	close(release)
}

func TestPoolDoneHookSeesUnitRemoved(t *testing.T) {
	p := NewPool(4, logging.Discard())
	p.Handle("noop", func(context.Context, Unit) error { return nil })

	stillRunning := make(chan bool, 1)
	p.OnDone(func(ctx context.Context, u Unit, _ error) {
		running, _ := p.ListRunning(ctx)
		found := false
		for _, r := range running {
			if r.ID == u.ID {
				found = true
			}
		}
		stillRunning <- found
	})
	p.Start(context.Background())
	defer p.Stop()

	require.NoError(t, p.Enqueue(context.Background(), NewUnit("noop", "t", nil)))
	select {
	case found := <-stillRunning:
		assert.False(t, found)
	case <-time.After(2 * time.Second):
		t.Fatal("hook never ran")
	}
}

func TestPoolRejectsAfterStop(t *testing.T) {
	p := NewPool(1, logging.Discard())
	p.Start(context.Background())
	p.Stop()
	assert.ErrorIs(t, p.Enqueue(context.Background(), NewUnit("x", "", nil)), ErrStopped)
}
