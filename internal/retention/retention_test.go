package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/logging"
	"github.com/bryan-buckman/feedsync/internal/model"
)

func seed(t *testing.T, db *database.DB, feedID int64, n int, base time.Time, prefix string) {
	t.Helper()
	for i := 0; i < n; i++ {
		guid := fmt.Sprintf("%s-%03d", prefix, i)
		hash := "h-" + guid
		_, err := db.SaveEntry(context.Background(), &model.Entry{
			FeedID:     feedID,
			GUID:       guid,
			UniqueHash: &hash,
			Title:      guid,
			Published:  base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func TestTrimKeepsNewest(t *testing.T) {
	ctx := context.Background()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	defer db.Close()
	feed, err := db.CreateFeed(ctx, "http://example.com/feed", "", "")
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seed(t, db, feed.ID, 498, base, "old")
	seed(t, db, feed.ID, 5, base.Add(24*time.Hour), "new")

	p := New(db, logging.Discard())
	purged, err := p.Trim(ctx, feed.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, 3, purged)

	n, err := db.CountEntries(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, n)

	dead, err := db.GetDeletedEntries(ctx, feed.ID)
	require.NoError(t, err)
	require.Len(t, dead, 3)
	guids := []string{dead[0].GUID, dead[1].GUID, dead[2].GUID}
	assert.ElementsMatch(t, []string{"old-000", "old-001", "old-002"}, guids)
	for _, d := range dead {
		require.NotNil(t, d.UniqueHash)
		assert.Equal(t, "h-"+d.GUID, *d.UniqueHash)
	}

	// Nothing more to do.
	purged, err = p.Trim(ctx, feed.ID, 500)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

// staleStore replays an overflow list that contains an already tombstoned
// entry, as happens when a trim is retried after a crash.
type staleStore struct {
	*database.DB
	stale []model.Entry
}

func (s staleStore) OldestEntriesBeyond(context.Context, int64, int) ([]model.Entry, error) {
	return s.stale, nil
}

func TestTrimSkipsExistingTombstones(t *testing.T) {
	ctx := context.Background()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	defer db.Close()
	feed, err := db.CreateFeed(ctx, "http://example.com/feed", "", "")
	require.NoError(t, err)
	seed(t, db, feed.ID, 3, time.Now(), "e")

	entries, err := db.GetEntries(ctx, feed.ID, 0)
	require.NoError(t, err)
	oldest := entries[len(entries)-1]
	_, err = db.TombstoneEntry(ctx, oldest)
	require.NoError(t, err)

	p := New(staleStore{DB: db, stale: []model.Entry{oldest, entries[1]}}, logging.Discard())
	purged, err := p.Trim(ctx, feed.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	dead, err := db.GetDeletedEntries(ctx, feed.ID)
	require.NoError(t, err)
	assert.Len(t, dead, 2, "exactly one tombstone per purged entry")
}
