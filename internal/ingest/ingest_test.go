package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/logging"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/rss"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*database.DB, *Engine, *model.Feed) {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	feed, err := db.CreateFeed(context.Background(), "http://example.com/feed.xml", "Example", "http://example.com")
	require.NoError(t, err)
	return db, New(db, logging.Discard(), func() time.Time { return fixedNow }), feed
}

func sampleResult() *rss.Result {
	pub := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	return &rss.Result{
		Title: "Example Blog",
		Link:  "http://example.com/",
		Entries: []rss.ParsedEntry{
			{GUID: "1", Title: "One", URL: "/posts/1?utm_source=rss", Content: "<p>one</p>", Published: &pub},
			{GUID: "2", Title: "Two", URL: "http://example.com/2", Content: "<p>two</p>"},
		},
	}
}

func TestIngestCreatesEntries(t *testing.T) {
	ctx := context.Background()
	db, eng, feed := setup(t)

	sum, err := eng.Ingest(ctx, *feed, sampleResult())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Created)

	entries, err := db.GetEntries(ctx, feed.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byGUID := map[string]model.Entry{}
	for _, e := range entries {
		byGUID[e.GUID] = e
	}
	assert.Equal(t, "http://example.com/posts/1", byGUID["1"].URL)
	assert.True(t, byGUID["2"].Published.Equal(fixedNow), "undated entries are published now")
	require.NotNil(t, byGUID["1"].UniqueHash)
	assert.Len(t, *byGUID["1"].UniqueHash, 64)

	got, err := db.GetFeedByID(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, "Example Blog", got.Title)
	assert.Equal(t, "http://example.com/", got.URL)
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, eng, feed := setup(t)

	_, err := eng.Ingest(ctx, *feed, sampleResult())
	require.NoError(t, err)
	before, err := db.GetEntries(ctx, feed.ID, 0)
	require.NoError(t, err)

	sum, err := eng.Ingest(ctx, *feed, sampleResult())
	require.NoError(t, err)
	assert.Zero(t, sum.Created)
	assert.Equal(t, 2, sum.Updated)

	after, err := db.GetEntries(ctx, feed.ID, 0)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].GUID, after[i].GUID)
	}
}

func TestIngestUpdatePreservesReadState(t *testing.T) {
	ctx := context.Background()
	db, eng, feed := setup(t)
	u, err := db.CreateUser(ctx, "a@example.com", "A")
	require.NoError(t, err)
	_, _, err = db.Subscribe(ctx, u.ID, feed.ID, nil)
	require.NoError(t, err)

	_, err = eng.Ingest(ctx, *feed, sampleResult())
	require.NoError(t, err)
	require.NoError(t, db.RecalculateUnread(ctx, feed.ID))
	sub, err := db.GetSubscription(ctx, u.ID, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sub.UnreadEntries, "one unread marker per new entry")

	entries, err := db.GetEntries(ctx, feed.ID, 0)
	require.NoError(t, err)
	require.NoError(t, db.MarkEntriesRead(ctx, u.ID, []int64{entries[0].ID}))

	edited := sampleResult()
	edited.Entries[0].Title = "One, edited"
	edited.Entries[1].Title = "Two, edited"
	_, err = eng.Ingest(ctx, *feed, edited)
	require.NoError(t, err)
	require.NoError(t, db.RecalculateUnread(ctx, feed.ID))

	sub, err = db.GetSubscription(ctx, u.ID, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.UnreadEntries)
}

func TestIngestKeepsPublishedOfUndatedEntries(t *testing.T) {
	ctx := context.Background()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	feed, err := db.CreateFeed(ctx, "http://example.com/feed.xml", "Example", "")
	require.NoError(t, err)

	clock := fixedNow
	eng := New(db, logging.Discard(), func() time.Time { return clock })
	_, err = eng.Ingest(ctx, *feed, sampleResult())
	require.NoError(t, err)

	clock = fixedNow.Add(6 * time.Hour)
	edited := sampleResult()
	edited.Entries[1].Title = "Two, edited"
	sum, err := eng.Ingest(ctx, *feed, edited)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Updated)

	entries, err := db.GetEntries(ctx, feed.ID, 0)
	require.NoError(t, err)
	for _, e := range entries {
		if e.GUID == "2" {
			assert.Equal(t, "Two, edited", e.Title)
			assert.True(t, e.Published.Equal(fixedNow), "published stays at first sighting, got %s", e.Published)
		}
	}
}

func TestIngestNeverResurrectsTombstones(t *testing.T) {
	ctx := context.Background()
	db, eng, feed := setup(t)

	_, err := eng.Ingest(ctx, *feed, sampleResult())
	require.NoError(t, err)
	entries, err := db.GetEntries(ctx, feed.ID, 0)
	require.NoError(t, err)
	for _, e := range entries {
		_, err := db.TombstoneEntry(ctx, e)
		require.NoError(t, err)
	}

	// Same guids.
	sum, err := eng.Ingest(ctx, *feed, sampleResult())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Rejected)

	// Same content under fresh guids.
	moved := sampleResult()
	moved.Entries[0].GUID = "1-new"
	moved.Entries[1].GUID = "2-new"
	sum, err = eng.Ingest(ctx, *feed, moved)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Rejected)

	n, err := db.CountEntries(ctx, feed.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestKeepsMetadataOnBlankResponse(t *testing.T) {
	ctx := context.Background()
	db, eng, feed := setup(t)

	res := sampleResult()
	res.Title, res.Link = "", ""
	_, err := eng.Ingest(ctx, *feed, res)
	require.NoError(t, err)

	got, err := db.GetFeedByID(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, "Example", got.Title)
	assert.Equal(t, "http://example.com", got.URL)
}

func TestIngestNotModified(t *testing.T) {
	_, eng, feed := setup(t)
	sum, err := eng.Ingest(context.Background(), *feed, &rss.Result{NotModified: true})
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
}

func TestIngestDuplicateContent(t *testing.T) {
	ctx := context.Background()
	_, eng, feed := setup(t)

	res := sampleResult()
	twin := res.Entries[1]
	twin.GUID = "2-mirror"
	res.Entries = append(res.Entries, twin)

	sum, err := eng.Ingest(ctx, *feed, res)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 1, sum.Duplicates)
}
