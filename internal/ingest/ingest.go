// Package ingest reconciles fetched entries with stored ones.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/rss"
	"github.com/bryan-buckman/feedsync/internal/urlutil"
)

// Store is the storage the engine writes through.
type Store interface {
	SaveEntry(ctx context.Context, entry *model.Entry) (database.SaveOutcome, error)
	MaterializeUnread(ctx context.Context, entryID int64) (int64, error)
	UpdateFeedMetadata(ctx context.Context, feedID int64, title, url string) error
}

// Summary counts what happened to the entries of one result.
type Summary struct {
	Created    int
	Updated    int
	Rejected   int
	Duplicates int
	Skipped    int
}

// Engine turns fetch results into stored entries.
type Engine struct {
	store    Store
	pipeline *pipeline
	logger   *slog.Logger
}

// New creates an engine. now supplies the published time of undated entries;
// nil means time.Now.
func New(store Store, logger *slog.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, pipeline: newPipeline(now), logger: logger}
}

// Ingest stores the entries of res for feed, in source order. Storage
// failures abort the run; entries already written stay written.
func (e *Engine) Ingest(ctx context.Context, feed model.Feed, res *rss.Result) (Summary, error) {
	sum := Summary{Skipped: res.Skipped}
	if res.NotModified {
		return sum, nil
	}

	siteURL := feed.URL
	link := urlutil.Normalize(res.Link)
	if res.Title != "" || link != "" {
		if err := e.store.UpdateFeedMetadata(ctx, feed.ID, res.Title, link); err != nil {
			return sum, fmt.Errorf("update feed metadata: %w", err)
		}
		if link != "" {
			siteURL = link
		}
	}

	for _, parsed := range res.Entries {
		entry := fromParsed(feed.ID, parsed)
		e.pipeline.run(siteURL, &entry)

		outcome, err := e.store.SaveEntry(ctx, &entry)
		if err != nil {
			return sum, err
		}
		switch outcome {
		case database.OutcomeCreated:
			sum.Created++
			if _, err := e.store.MaterializeUnread(ctx, entry.ID); err != nil {
				return sum, err
			}
		case database.OutcomeUpdated:
			sum.Updated++
		case database.OutcomeRejected:
			sum.Rejected++
			e.logger.Debug("entry matches a tombstone, dropped", "feed_id", feed.ID, "guid", entry.GUID)
		case database.OutcomeDuplicate:
			sum.Duplicates++
		}
	}

	metrics.RecordEntries(database.OutcomeCreated.String(), sum.Created)
	metrics.RecordEntries(database.OutcomeUpdated.String(), sum.Updated)
	metrics.RecordEntries(database.OutcomeRejected.String(), sum.Rejected)
	metrics.RecordEntries(database.OutcomeDuplicate.String(), sum.Duplicates)
	return sum, nil
}

func fromParsed(feedID int64, p rss.ParsedEntry) model.Entry {
	e := model.Entry{
		FeedID:  feedID,
		GUID:    p.GUID,
		Title:   p.Title,
		URL:     p.URL,
		Author:  p.Author,
		Content: p.Content,
		Summary: p.Summary,
	}
	if p.Published != nil {
		e.Published = *p.Published
	}
	return e
}
