// Package retention caps the number of live entries kept per feed.
package retention

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// Store is the storage retention needs.
type Store interface {
	CountEntries(ctx context.Context, feedID int64) (int, error)
	OldestEntriesBeyond(ctx context.Context, feedID int64, keep int) ([]model.Entry, error)
	TombstoneEntry(ctx context.Context, entry model.Entry) (bool, error)
}

// Policy trims feeds down to a maximum entry count.
type Policy struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Policy {
	return &Policy{store: store, logger: logger}
}

// Trim tombstones the oldest entries of a feed until at most maxEntries are
// left. Each entry is tombstoned and deleted in its own transaction, so a
// crash mid-way leaves no entry without its tombstone.
func (p *Policy) Trim(ctx context.Context, feedID int64, maxEntries int) (int, error) {
	count, err := p.store.CountEntries(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	if count <= maxEntries {
		return 0, nil
	}

	overflow, err := p.store.OldestEntriesBeyond(ctx, feedID, maxEntries)
	if err != nil {
		return 0, fmt.Errorf("select overflow: %w", err)
	}

	purged := 0
	for _, e := range overflow {
		created, err := p.store.TombstoneEntry(ctx, e)
		if err != nil {
			metrics.RecordPurged(purged)
			return purged, err
		}
		if !created {
			p.logger.Debug("tombstone already present", "feed_id", feedID, "guid", e.GUID)
		}
		purged++
	}
	metrics.RecordPurged(purged)
	p.logger.Info("trimmed feed", "feed_id", feedID, "purged", purged, "kept", maxEntries)
	return purged, nil
}
