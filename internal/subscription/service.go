// Package subscription subscribes users to feeds, one at a time or in bulk
// from an OPML document.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bryan-buckman/feedsync/internal/batch"
	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/opml"
	"github.com/bryan-buckman/feedsync/internal/rss"
	"github.com/bryan-buckman/feedsync/internal/scheduler"
	"github.com/bryan-buckman/feedsync/internal/urlutil"
	"github.com/bryan-buckman/feedsync/internal/work"
)

// KindSubscribe is the work unit kind of one queued subscription.
const KindSubscribe = "subscribe"

var (
	// ErrInvalidURL is returned for blank subscription URLs.
	ErrInvalidURL = errors.New("invalid feed url")
	// ErrDuplicateFeedIdentity means a fetch resolved to the fetch URL of
	// another feed.
	ErrDuplicateFeedIdentity = errors.New("fetch url already belongs to another feed")
)

// Store is the storage the service needs.
type Store interface {
	CreateFeed(ctx context.Context, fetchURL, title, url string) (*model.Feed, error)
	GetFeedByID(ctx context.Context, feedID int64) (*model.Feed, error)
	GetFeedByFetchURL(ctx context.Context, fetchURL string) (*model.Feed, error)
	UpdateFeedFetchURL(ctx context.Context, feedID int64, fetchURL string) error
	DeletePlaceholderFeed(ctx context.Context, feedID int64) (bool, error)
	MergeFeed(ctx context.Context, fromID, intoID int64) (int, error)
	Subscribe(ctx context.Context, userID, feedID int64, folderID *int64) (*model.Subscription, bool, error)
	GetSubscription(ctx context.Context, userID, feedID int64) (*model.Subscription, error)
	GetSubscriptions(ctx context.Context, userID int64) ([]model.Subscription, error)
	GetOrCreateFolder(ctx context.Context, userID int64, title string) (int64, error)
	GetFolders(ctx context.Context, userID int64) ([]model.Folder, error)
	CreateImportBatch(ctx context.Context, userID int64, total int) (*model.ImportBatch, error)
	FinalizeImportBatch(ctx context.Context, batchID int64, state model.JobState) (bool, error)
}

// Fetcher fetches a feed, with autodiscovery when asked.
type Fetcher interface {
	Fetch(ctx context.Context, d rss.Descriptor, allowAutodiscovery bool) (*rss.Result, error)
}

// Scheduler applies a fetch result to a feed and puts feeds on the schedule.
// RefreshNow goes through the timers, so it never overlaps a scheduled tick.
type Scheduler interface {
	Apply(ctx context.Context, feed model.Feed, res *rss.Result, fetchErr error) scheduler.Decision
	ScheduleNew(feed model.Feed)
	RefreshNow(ctx context.Context, feedID int64) error
}

// Registrar is where unit handlers and done hooks get registered. Both the
// in-process pool and the redis queue satisfy it.
type Registrar interface {
	Handle(kind string, h work.Handler)
	OnDone(h work.DoneHook)
}

// Service implements subscribing and importing.
type Service struct {
	store        Store
	fetcher      Fetcher
	sched        Scheduler
	queue        work.Queue
	tracker      *batch.Tracker
	fetchTimeout time.Duration
	logger       *slog.Logger

	// resolving collapses concurrent subscribes to the same unknown url
	// into one placeholder and one fetch.
	resolving singleflight.Group
}

// New creates a Service.
func New(store Store, fetcher Fetcher, sched Scheduler, queue work.Queue, tracker *batch.Tracker, fetchTimeout time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		fetcher:      fetcher,
		sched:        sched,
		queue:        queue,
		tracker:      tracker,
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// Register installs the subscribe handler and the batch progress hook.
func (s *Service) Register(r Registrar) {
	r.Handle(KindSubscribe, s.handleSubscribe)
	r.OnDone(s.tracker.Hook())
}

// Subscribe subscribes a user to the feed at rawURL. Known feeds are
// subscribed to directly. Unknown ones are fetched first, with
// autodiscovery, and either created or merged into the feed the fetch
// resolved to. The user is only attached once the feed is settled.
func (s *Service) Subscribe(ctx context.Context, userID int64, rawURL string, folderID *int64) (*model.Subscription, error) {
	fetchURL := urlutil.Normalize(rawURL)
	if fetchURL == "" {
		return nil, ErrInvalidURL
	}

	v, err, shared := s.resolving.Do(strings.ToLower(fetchURL), func() (any, error) {
		// Shared by every waiting caller; one leaving must not cancel it.
		return s.resolve(context.WithoutCancel(ctx), fetchURL)
	})
	if err != nil {
		return nil, err
	}
	feed := v.(*model.Feed)

	sub, _, err := s.store.Subscribe(ctx, userID, feed.ID, folderID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("subscribed", "user_id", userID, "feed_id", feed.ID, "shared", shared)
	return sub, nil
}

// resolve returns the feed for fetchURL, creating and fetching it when it is
// new.
func (s *Service) resolve(ctx context.Context, fetchURL string) (*model.Feed, error) {
	if feed, err := s.store.GetFeedByFetchURL(ctx, fetchURL); err == nil {
		return feed, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("lookup feed: %w", err)
	}
	log := s.logger.With("url", fetchURL)

	placeholder, err := s.store.CreateFeed(ctx, fetchURL, "", "")
	if err != nil {
		// Lost a race with another process subscribing to the same url.
		if feed, lookupErr := s.store.GetFeedByFetchURL(ctx, fetchURL); lookupErr == nil {
			return feed, nil
		}
		return nil, fmt.Errorf("create feed: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	res, err := s.fetcher.Fetch(fetchCtx, rss.Descriptor{FeedID: placeholder.ID, FetchURL: fetchURL}, true)
	cancel()
	if err != nil {
		s.discard(ctx, placeholder, err)
		return nil, fmt.Errorf("fetch %s: %w", fetchURL, err)
	}

	feed, err := s.claimFetchURL(ctx, placeholder, res.FetchURL)
	switch {
	case errors.Is(err, ErrDuplicateFeedIdentity):
		log.Info("feed resolved to an existing feed", "feed_id", feed.ID, "fetch_url", feed.FetchURL)
		return s.merge(ctx, placeholder, feed, res)
	case err != nil:
		s.discard(ctx, placeholder, err)
		return nil, err
	}

	d := s.sched.Apply(ctx, *feed, res, nil)
	feed.FetchIntervalSecs = d.IntervalSecs
	feed.Available = d.Available
	s.sched.ScheduleNew(*feed)
	log.Info("feed created", "feed_id", feed.ID, "fetch_url", feed.FetchURL)
	return feed, nil
}

// merge folds the placeholder into the feed its fetch resolved to. A live
// feed is refreshed through the timers; a disabled one gets the fresh
// result applied and goes back on the schedule if that revives it.
func (s *Service) merge(ctx context.Context, placeholder, existing *model.Feed, res *rss.Result) (*model.Feed, error) {
	moved, err := s.store.MergeFeed(ctx, placeholder.ID, existing.ID)
	if err != nil {
		return nil, err
	}
	if moved > 0 {
		s.logger.Warn("moved subscribers off placeholder feed", "from", placeholder.ID, "into", existing.ID, "count", moved)
	}

	if existing.Available {
		if err := s.sched.RefreshNow(ctx, existing.ID); err != nil {
			s.logger.Warn("refresh merged feed", "feed_id", existing.ID, "error", err)
		}
		return existing, nil
	}
	d := s.sched.Apply(ctx, *existing, res, nil)
	existing.FetchIntervalSecs = d.IntervalSecs
	existing.Available = d.Available
	s.sched.ScheduleNew(*existing)
	return existing, nil
}

// claimFetchURL points the placeholder at the url the fetch resolved to.
// When another feed already owns that url it is returned together with
// ErrDuplicateFeedIdentity.
func (s *Service) claimFetchURL(ctx context.Context, placeholder *model.Feed, resolved string) (*model.Feed, error) {
	resolved = urlutil.Normalize(resolved)
	if resolved == "" || strings.EqualFold(resolved, placeholder.FetchURL) {
		return placeholder, nil
	}
	other, err := s.store.GetFeedByFetchURL(ctx, resolved)
	switch {
	case err == nil:
		return other, ErrDuplicateFeedIdentity
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("lookup resolved feed: %w", err)
	}
	if err := s.store.UpdateFeedFetchURL(ctx, placeholder.ID, resolved); err != nil {
		if other, lookupErr := s.store.GetFeedByFetchURL(ctx, resolved); lookupErr == nil {
			return other, ErrDuplicateFeedIdentity
		}
		return nil, fmt.Errorf("update fetch url: %w", err)
	}
	placeholder.FetchURL = resolved
	return placeholder, nil
}

// discard removes a placeholder whose first fetch failed. If someone got
// subscribed to it in the meantime it stays, with the failure recorded and
// the normal backoff schedule.
func (s *Service) discard(ctx context.Context, placeholder *model.Feed, cause error) {
	deleted, err := s.store.DeletePlaceholderFeed(ctx, placeholder.ID)
	if err != nil {
		s.logger.Error("delete placeholder feed", "feed_id", placeholder.ID, "error", err)
		return
	}
	if deleted {
		return
	}
	s.logger.Warn("keeping subscribed placeholder feed", "feed_id", placeholder.ID, "error", cause)
	d := s.sched.Apply(ctx, *placeholder, nil, cause)
	placeholder.FetchIntervalSecs = d.IntervalSecs
	placeholder.Available = d.Available
	s.sched.ScheduleNew(*placeholder)
}

type subscribePayload struct {
	UserID   int64  `json:"user_id"`
	URL      string `json:"url"`
	FolderID *int64 `json:"folder_id,omitempty"`
}

func (s *Service) handleSubscribe(ctx context.Context, u work.Unit) error {
	var p subscribePayload
	if err := json.Unmarshal(u.Payload, &p); err != nil {
		return fmt.Errorf("decode subscribe payload: %w", err)
	}
	_, err := s.Subscribe(ctx, p.UserID, p.URL, p.FolderID)
	return err
}

// ImportOPML starts a bulk import and returns the batch id right away. Each
// feed becomes one queued subscribe unit; the batch finishes when the last
// of them is done, successful or not.
func (s *Service) ImportOPML(ctx context.Context, userID int64, r io.Reader) (int64, error) {
	entries, err := opml.Parse(r)
	if err != nil {
		return 0, err
	}

	b, err := s.store.CreateImportBatch(ctx, userID, len(entries))
	if err != nil {
		return 0, err
	}
	log := s.logger.With("user_id", userID, "batch_id", b.ID)
	if len(entries) == 0 {
		if _, err := s.store.FinalizeImportBatch(ctx, b.ID, model.JobStateSuccess); err != nil {
			return 0, err
		}
		log.Info("empty opml import")
		return b.ID, nil
	}

	folders := make(map[string]int64)
	tag := batch.Tag(b.ID)
	for i, e := range entries {
		p := subscribePayload{UserID: userID, URL: e.URL}
		if name := e.Folder(); name != "" {
			id, ok := folders[name]
			if !ok {
				if id, err = s.store.GetOrCreateFolder(ctx, userID, name); err != nil {
					return b.ID, s.abort(ctx, b.ID, fmt.Errorf("create folder %q: %w", name, err))
				}
				folders[name] = id
			}
			p.FolderID = &id
		}
		payload, err := json.Marshal(p)
		if err != nil {
			return b.ID, s.abort(ctx, b.ID, err)
		}
		if err := s.queue.Enqueue(ctx, work.NewUnit(KindSubscribe, tag, payload)); err != nil {
			return b.ID, s.abort(ctx, b.ID, fmt.Errorf("enqueue unit %d of %d: %w", i+1, len(entries), err))
		}
	}
	log.Info("opml import queued", "total", len(entries))
	return b.ID, nil
}

// abort fails a batch that could not be fully queued; its count would never
// be reached otherwise.
func (s *Service) abort(ctx context.Context, batchID int64, cause error) error {
	if err := s.tracker.Fail(ctx, batchID, cause); err != nil {
		s.logger.Error("fail import batch", "batch_id", batchID, "error", err)
	}
	return cause
}

// ExportOPML writes a user's subscriptions as OPML, grouped by folder.
func (s *Service) ExportOPML(ctx context.Context, userID int64, w io.Writer) error {
	subs, err := s.store.GetSubscriptions(ctx, userID)
	if err != nil {
		return err
	}
	folders, err := s.store.GetFolders(ctx, userID)
	if err != nil {
		return err
	}
	names := make(map[int64]string, len(folders))
	for _, f := range folders {
		names[f.ID] = f.Title
	}

	entries := make([]opml.FeedEntry, 0, len(subs))
	for _, sub := range subs {
		feed, err := s.store.GetFeedByID(ctx, sub.FeedID)
		if err != nil {
			return fmt.Errorf("load feed %d: %w", sub.FeedID, err)
		}
		e := opml.FeedEntry{Title: feed.Title, URL: feed.FetchURL, SiteURL: feed.URL}
		if sub.FolderID != nil {
			if name, ok := names[*sub.FolderID]; ok {
				e.FolderPath = []string{name}
			}
		}
		entries = append(entries, e)
	}
	return opml.Export(w, "feedsync subscriptions", entries)
}
