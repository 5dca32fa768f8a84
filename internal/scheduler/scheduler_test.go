package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/ingest"
	"github.com/bryan-buckman/feedsync/internal/logging"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/retention"
	"github.com/bryan-buckman/feedsync/internal/rss"
)

type fakeSubstrate struct {
	mu          sync.Mutex
	scheduled   map[int64]time.Duration // feed -> initial delay
	unscheduled []int64
	triggered   []int64
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{scheduled: map[int64]time.Duration{}}
}

func (f *fakeSubstrate) Schedule(feedID int64, _, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[feedID] = delay
}

func (f *fakeSubstrate) Unschedule(feedID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, feedID)
	f.unscheduled = append(f.unscheduled, feedID)
}

func (f *fakeSubstrate) Trigger(feedID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.scheduled[feedID]; !ok {
		return false
	}
	f.triggered = append(f.triggered, feedID)
	return true
}

// feedServer serves an RSS document whose items can be changed between
// requests. ETag is the item count.
type feedServer struct {
	*httptest.Server
	mu     sync.Mutex
	items  []string
	status int
	hits   atomic.Int32
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{status: http.StatusOK}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if fs.status != http.StatusOK {
			w.WriteHeader(fs.status)
			return
		}
		etag := fmt.Sprintf(`"%d"`, len(fs.items))
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>Test Feed</title><link>http://site.example.com/</link>`)
		for _, guid := range fs.items {
			fmt.Fprintf(&b, `<item><title>%s</title><guid>%s</guid><description>body of %s</description></item>`, guid, guid, guid)
		}
		b.WriteString(`</channel></rss>`)
		fmt.Fprint(w, b.String())
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) set(status int, items ...string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.status = status
	fs.items = append(fs.items, items...)
}

type harness struct {
	db    *database.DB
	sched *Scheduler
	sub   *fakeSubstrate
	feed  *model.Feed
	srv   *feedServer
	clock time.Time
}

func newHarness(t *testing.T, maxEntries int) *harness {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := newFeedServer(t)
	feed, err := db.CreateFeed(context.Background(), srv.URL, "", "")
	require.NoError(t, err)

	log := logging.Discard()
	client := rss.New(rss.Options{Timeout: 5 * time.Second, MaxBodyBytes: 1 << 20, Attempts: 1}, nil, log)
	sub := newFakeSubstrate()
	h := &harness{db: db, sub: sub, feed: feed, srv: srv, clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h.sched = New(db, client, ingest.New(db, log, nil), retention.New(db, log), sub, Options{
		Policy:       testPolicy,
		MaxEntries:   maxEntries,
		FetchTimeout: 5 * time.Second,
	}, log)
	h.sched.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) reload(t *testing.T) *model.Feed {
	t.Helper()
	f, err := h.db.GetFeedByID(context.Background(), h.feed.ID)
	require.NoError(t, err)
	return f
}

func TestTickAdaptsInterval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 500)

	h.srv.set(http.StatusOK, "a", "b")
	next, keep := h.sched.Tick(ctx, h.feed.ID)
	assert.True(t, keep)
	assert.Equal(t, 3240*time.Second, next)

	f := h.reload(t)
	assert.Equal(t, 3240, f.FetchIntervalSecs)
	assert.Equal(t, `"2"`, f.ETag)
	assert.Equal(t, "Test Feed", f.Title)
	require.NotNil(t, f.LastFetched)

	// Unchanged feed answers 304.
	next, keep = h.sched.Tick(ctx, h.feed.ID)
	assert.True(t, keep)
	assert.Equal(t, 3564*time.Second, next)
	f = h.reload(t)
	assert.Equal(t, `"2"`, f.ETag, "validators survive a 304")

	n, err := h.db.CountEntries(ctx, h.feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTickUpdatesUnreadCounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 500)
	u, err := h.db.CreateUser(ctx, "a@example.com", "")
	require.NoError(t, err)
	_, _, err = h.db.Subscribe(ctx, u.ID, h.feed.ID, nil)
	require.NoError(t, err)

	h.srv.set(http.StatusOK, "a", "b", "c")
	h.sched.Tick(ctx, h.feed.ID)

	sub, err := h.db.GetSubscription(ctx, u.ID, h.feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.UnreadEntries)
}

func TestTickTrimsOverflow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)

	h.srv.set(http.StatusOK, "a", "b", "c", "d", "e")
	h.sched.Tick(ctx, h.feed.ID)

	n, err := h.db.CountEntries(ctx, h.feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	dead, err := h.db.GetDeletedEntries(ctx, h.feed.ID)
	require.NoError(t, err)
	assert.Len(t, dead, 2)

	// Serving the purged items again does not bring them back.
	h.srv.set(http.StatusOK, "f")
	h.sched.Tick(ctx, h.feed.ID)
	n, err = h.db.CountEntries(ctx, h.feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	dead, err = h.db.GetDeletedEntries(ctx, h.feed.ID)
	require.NoError(t, err)
	assert.Len(t, dead, 3)
}

func TestTickCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 500)
	h.sched.ScheduleNew(*h.feed)
	require.Contains(t, h.sub.scheduled, h.feed.ID)

	h.srv.set(http.StatusInternalServerError)
	start := h.clock
	_, keep := h.sched.Tick(ctx, h.feed.ID)
	assert.True(t, keep)

	f := h.reload(t)
	require.NotNil(t, f.FailingSince)
	assert.True(t, f.FailingSince.Equal(start))
	assert.True(t, f.Available)
	assert.Greater(t, f.FetchIntervalSecs, 3600)

	h.clock = start.Add(8 * 24 * time.Hour)
	_, keep = h.sched.Tick(ctx, h.feed.ID)
	assert.False(t, keep)

	f = h.reload(t)
	assert.False(t, f.Available)
	assert.NotContains(t, h.sub.scheduled, h.feed.ID)
	assert.Contains(t, h.sub.unscheduled, h.feed.ID)

	// A disabled feed is never fetched again, nor put back on restart.
	hits := h.srv.hits.Load()
	_, keep = h.sched.Tick(ctx, h.feed.ID)
	assert.False(t, keep)
	assert.Equal(t, hits, h.srv.hits.Load())

	count, err := h.sched.ScheduleAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.ErrorIs(t, h.sched.RefreshNow(ctx, h.feed.ID), ErrFeedDisabled)
}

func TestTickRecoversFromFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 500)

	h.srv.set(http.StatusNotFound)
	h.sched.Tick(ctx, h.feed.ID)
	require.NotNil(t, h.reload(t).FailingSince)

	h.srv.set(http.StatusOK, "a")
	h.sched.Tick(ctx, h.feed.ID)
	f := h.reload(t)
	assert.Nil(t, f.FailingSince)
	assert.True(t, f.Available)
}

func TestTickMissingFeed(t *testing.T) {
	h := newHarness(t, 500)
	_, keep := h.sched.Tick(context.Background(), 12345)
	assert.False(t, keep)
}

func TestScheduleNewJitter(t *testing.T) {
	h := newHarness(t, 500)
	for i := 0; i < 20; i++ {
		h.sched.ScheduleNew(*h.feed)
		delay := h.sub.scheduled[h.feed.ID]
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, h.feed.FetchInterval())
	}
}

func TestRefreshNow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 500)

	// Not yet scheduled: gets scheduled immediately.
	require.NoError(t, h.sched.RefreshNow(ctx, h.feed.ID))
	assert.Equal(t, time.Duration(0), h.sub.scheduled[h.feed.ID])

	require.NoError(t, h.sched.RefreshNow(ctx, h.feed.ID))
	assert.Equal(t, []int64{h.feed.ID}, h.sub.triggered)

	assert.ErrorIs(t, h.sched.RefreshNow(ctx, 999), database.ErrNotFound)
}
