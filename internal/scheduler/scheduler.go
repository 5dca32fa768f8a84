// Package scheduler decides when each feed is fetched next and runs the
// fetch, ingest and trim cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/ingest"
	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/rss"
)

// ErrFeedDisabled is returned when refreshing a feed the circuit breaker
// switched off.
var ErrFeedDisabled = errors.New("feed is disabled")

// Store is the storage the scheduler reads and writes.
type Store interface {
	GetFeedByID(ctx context.Context, feedID int64) (*model.Feed, error)
	GetAvailableFeeds(ctx context.Context) ([]model.Feed, error)
	RecordFetch(ctx context.Context, rec database.FetchRecord) error
	RecalculateUnread(ctx context.Context, feedID int64) error
}

// Fetcher fetches one feed.
type Fetcher interface {
	Fetch(ctx context.Context, d rss.Descriptor, allowAutodiscovery bool) (*rss.Result, error)
}

// Ingester stores fetched entries.
type Ingester interface {
	Ingest(ctx context.Context, feed model.Feed, res *rss.Result) (ingest.Summary, error)
}

// Trimmer enforces the per-feed entry cap.
type Trimmer interface {
	Trim(ctx context.Context, feedID int64, maxEntries int) (int, error)
}

// Substrate owns the per-feed timers.
type Substrate interface {
	Schedule(feedID int64, interval, initialDelay time.Duration)
	Unschedule(feedID int64)
	Trigger(feedID int64) bool
}

// Options tunes a Scheduler.
type Options struct {
	Policy       Policy
	MaxEntries   int
	FetchTimeout time.Duration
}

// Scheduler runs feed ticks.
type Scheduler struct {
	store     Store
	fetcher   Fetcher
	ingester  Ingester
	trimmer   Trimmer
	substrate Substrate
	opts      Options
	logger    *slog.Logger

	now    func() time.Time
	jitter func(limit time.Duration) time.Duration
}

// New creates a scheduler. The substrate can be attached later with
// SetSubstrate when it needs the scheduler's Tick to be built.
func New(store Store, fetcher Fetcher, ingester Ingester, trimmer Trimmer, substrate Substrate, opts Options, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		fetcher:   fetcher,
		ingester:  ingester,
		trimmer:   trimmer,
		substrate: substrate,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		jitter:    randomDelay,
	}
}

// SetSubstrate attaches the timer substrate.
func (s *Scheduler) SetSubstrate(sub Substrate) {
	s.substrate = sub
}

func randomDelay(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}

// Tick fetches one feed and applies the outcome. It never fails: every error
// becomes a backoff. keep=false means the feed should leave the schedule.
func (s *Scheduler) Tick(ctx context.Context, feedID int64) (time.Duration, bool) {
	feed, err := s.store.GetFeedByID(ctx, feedID)
	if errors.Is(err, database.ErrNotFound) {
		s.logger.Info("scheduled feed no longer exists", "feed_id", feedID)
		return 0, false
	}
	if err != nil {
		s.logger.Error("load feed for tick", "feed_id", feedID, "error", err)
		return 0, true
	}
	if !feed.Available {
		s.logger.Info("skipping disabled feed", "feed_id", feedID)
		return 0, false
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	start := time.Now()
	res, fetchErr := s.fetcher.Fetch(fetchCtx, descriptor(*feed), false)
	cancel()
	metrics.RecordFetch(fetchLabel(res, fetchErr), time.Since(start).Seconds())

	d := s.Apply(ctx, *feed, res, fetchErr)
	if d.Disable {
		return 0, false
	}
	return d.Interval(), true
}

// Apply runs ingestion and retention for a fetched result and persists the
// resulting schedule state. fetchErr non-nil means the fetch failed and res
// is ignored.
func (s *Scheduler) Apply(ctx context.Context, feed model.Feed, res *rss.Result, fetchErr error) Decision {
	log := s.logger.With("feed_id", feed.ID, "url", feed.FetchURL)
	outcomeErr := fetchErr
	created := 0

	if outcomeErr == nil && res != nil {
		sum, err := s.ingester.Ingest(ctx, feed, res)
		created = sum.Created
		if err != nil {
			outcomeErr = fmt.Errorf("ingest: %w", err)
		} else if _, err := s.trimmer.Trim(ctx, feed.ID, s.opts.MaxEntries); err != nil {
			outcomeErr = fmt.Errorf("trim: %w", err)
		}
		if sum.Skipped > 0 {
			log.Warn("skipped malformed entries", "skipped", sum.Skipped)
		}
	}
	if outcomeErr != nil {
		log.Warn("feed tick failed", "error", outcomeErr, "transient", rss.IsTransient(outcomeErr))
	}

	now := s.now()
	d := s.opts.Policy.Next(feed, Outcome{Err: outcomeErr, Created: created}, now)

	rec := database.FetchRecord{
		FeedID:       feed.ID,
		FetchedAt:    now,
		IntervalSecs: d.IntervalSecs,
		FailingSince: d.FailingSince,
		Available:    d.Available,
	}
	if outcomeErr == nil && res != nil && !res.NotModified {
		rec.SetValidators = true
		rec.ETag = res.ETag
		rec.LastModified = res.LastModified
	}
	if err := s.store.RecordFetch(ctx, rec); err != nil {
		log.Error("record fetch", "error", err)
	}

	if d.Disable {
		if s.substrate != nil {
			s.substrate.Unschedule(feed.ID)
		}
		metrics.FeedsDisabled.Inc()
		log.Warn("feed disabled after failing past grace period", "failing_since", d.FailingSince)
	}

	if err := s.store.RecalculateUnread(ctx, feed.ID); err != nil {
		log.Error("recalculate unread counts", "error", err)
	}

	metrics.RecordInterval(d.IntervalSecs)
	log.Info("feed tick done", "created", created, "interval_secs", d.IntervalSecs, "available", d.Available)
	return d
}

// ScheduleNew puts a feed on the schedule with a random initial delay of up
// to one interval, so feeds subscribed together do not fetch together.
func (s *Scheduler) ScheduleNew(feed model.Feed) {
	if !feed.Available || s.substrate == nil {
		return
	}
	interval := feed.FetchInterval()
	s.substrate.Schedule(feed.ID, interval, s.jitter(interval))
}

// ScheduleAll schedules every available feed. Disabled feeds stay off.
func (s *Scheduler) ScheduleAll(ctx context.Context) (int, error) {
	feeds, err := s.store.GetAvailableFeeds(ctx)
	if err != nil {
		return 0, fmt.Errorf("load available feeds: %w", err)
	}
	for _, f := range feeds {
		s.ScheduleNew(f)
	}
	s.logger.Info("scheduled feeds", "count", len(feeds))
	return len(feeds), nil
}

// RefreshNow asks for an immediate tick of a feed.
func (s *Scheduler) RefreshNow(ctx context.Context, feedID int64) error {
	feed, err := s.store.GetFeedByID(ctx, feedID)
	if err != nil {
		return err
	}
	if !feed.Available {
		return ErrFeedDisabled
	}
	if !s.substrate.Trigger(feedID) {
		s.substrate.Schedule(feedID, feed.FetchInterval(), 0)
	}
	return nil
}

func descriptor(f model.Feed) rss.Descriptor {
	return rss.Descriptor{
		FeedID:       f.ID,
		URL:          f.URL,
		FetchURL:     f.FetchURL,
		ETag:         f.ETag,
		LastModified: f.LastModified,
	}
}

func fetchLabel(res *rss.Result, err error) string {
	switch {
	case err == nil && res != nil && res.NotModified:
		return "not_modified"
	case err == nil:
		return "ok"
	case rss.IsTransient(err):
		return "transient"
	case rss.IsPermanent(err):
		return "permanent"
	}
	return "error"
}
