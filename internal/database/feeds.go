package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

const feedColumns = `id, title, url, fetch_url, last_fetched, fetch_interval_secs,
	failing_since, available, etag, last_modified, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*model.Feed, error) {
	var f model.Feed
	var lastFetched, failingSince sql.NullTime
	if err := row.Scan(&f.ID, &f.Title, &f.URL, &f.FetchURL, &lastFetched, &f.FetchIntervalSecs,
		&failingSince, &f.Available, &f.ETag, &f.LastModified, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.LastFetched = nullTimePtr(lastFetched)
	f.FailingSince = nullTimePtr(failingSince)
	return &f, nil
}

func (db *DB) queryFeeds(ctx context.Context, query string, args ...any) ([]model.Feed, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// CreateFeed adds a new available feed with the default interval.
func (db *DB) CreateFeed(ctx context.Context, fetchURL, title, url string) (*model.Feed, error) {
	if title == "" {
		title = fetchURL
	}
	row := db.conn.QueryRowContext(ctx, db.q(`
		INSERT INTO feeds (title, url, fetch_url, fetch_interval_secs, available, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING `+feedColumns),
		title, url, fetchURL, model.DefaultFetchIntervalSecs, true, utc(time.Now()))
	f, err := scanFeed(row)
	if err != nil {
		return nil, fmt.Errorf("insert feed %s: %w", fetchURL, err)
	}
	return f, nil
}

// GetFeedByID returns a feed or ErrNotFound.
func (db *DB) GetFeedByID(ctx context.Context, feedID int64) (*model.Feed, error) {
	f, err := scanFeed(db.conn.QueryRowContext(ctx, db.q("SELECT "+feedColumns+" FROM feeds WHERE id = ?"), feedID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// GetFeedByFetchURL looks a feed up by fetch URL, ignoring case.
func (db *DB) GetFeedByFetchURL(ctx context.Context, fetchURL string) (*model.Feed, error) {
	f, err := scanFeed(db.conn.QueryRowContext(ctx,
		db.q("SELECT "+feedColumns+" FROM feeds WHERE lower(fetch_url) = lower(?)"), fetchURL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// GetFeeds returns every feed ordered by title.
func (db *DB) GetFeeds(ctx context.Context) ([]model.Feed, error) {
	return db.queryFeeds(ctx, "SELECT "+feedColumns+" FROM feeds ORDER BY title, id")
}

// GetAvailableFeeds returns the feeds that may be scheduled.
func (db *DB) GetAvailableFeeds(ctx context.Context) ([]model.Feed, error) {
	return db.queryFeeds(ctx, "SELECT "+feedColumns+" FROM feeds WHERE available = ? ORDER BY id", true)
}

// UpdateFeedFetchURL points a feed at a resolved fetch URL.
func (db *DB) UpdateFeedFetchURL(ctx context.Context, feedID int64, fetchURL string) error {
	_, err := db.conn.ExecContext(ctx, db.q("UPDATE feeds SET fetch_url = ? WHERE id = ?"), fetchURL, feedID)
	return err
}

// UpdateFeedMetadata sets title and site url. Blank values keep the stored ones.
func (db *DB) UpdateFeedMetadata(ctx context.Context, feedID int64, title, url string) error {
	_, err := db.conn.ExecContext(ctx, db.q(`
		UPDATE feeds
		SET title = COALESCE(NULLIF(?, ''), title),
			url = COALESCE(NULLIF(?, ''), url)
		WHERE id = ?`), title, url, feedID)
	return err
}

// RecordFetch stores the outcome of a fetch attempt.
func (db *DB) RecordFetch(ctx context.Context, rec FetchRecord) error {
	query := `UPDATE feeds SET last_fetched = ?, fetch_interval_secs = ?, failing_since = ?, available = ?`
	args := []any{utc(rec.FetchedAt), rec.IntervalSecs, utcPtr(rec.FailingSince), rec.Available}
	if rec.SetValidators {
		query += `, etag = ?, last_modified = ?`
		args = append(args, rec.ETag, rec.LastModified)
	}
	query += ` WHERE id = ?`
	args = append(args, rec.FeedID)

	res, err := db.conn.ExecContext(ctx, db.q(query), args...)
	if err != nil {
		return fmt.Errorf("record fetch for feed %d: %w", rec.FeedID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePlaceholderFeed removes a feed nobody is subscribed to. It reports
// false when the feed is gone or has picked up a subscriber meanwhile.
func (db *DB) DeletePlaceholderFeed(ctx context.Context, feedID int64) (bool, error) {
	res, err := db.conn.ExecContext(ctx, db.q(`
		DELETE FROM feeds
		WHERE id = ? AND NOT EXISTS (SELECT 1 FROM subscriptions WHERE feed_id = ?)`), feedID, feedID)
	if err != nil {
		return false, fmt.Errorf("delete placeholder feed %d: %w", feedID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MergeFeed folds feed from into feed into. Subscribers of from are moved
// over, keeping their folder, and from is deleted. Users subscribed to both
// keep their existing subscription. Returns how many subscriptions moved.
func (db *DB) MergeFeed(ctx context.Context, fromID, intoID int64) (int, error) {
	var moved int64
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO subscriptions (user_id, feed_id, folder_id, unread_entries)
			SELECT user_id, ?, folder_id, 0 FROM subscriptions WHERE feed_id = ?
			ON CONFLICT (user_id, feed_id) DO NOTHING`), intoID, fromID)
		if err != nil {
			return fmt.Errorf("move subscriptions: %w", err)
		}
		moved, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO entry_states (user_id, entry_id, is_read)
			SELECT s.user_id, e.id, FALSE
			FROM subscriptions s JOIN entries e ON e.feed_id = s.feed_id
			WHERE s.feed_id = ? AND s.user_id IN (SELECT user_id FROM subscriptions WHERE feed_id = ?)
			ON CONFLICT (user_id, entry_id) DO NOTHING`), intoID, fromID); err != nil {
			return fmt.Errorf("materialize unread: %w", err)
		}
		if _, err := tx.ExecContext(ctx, db.q("DELETE FROM feeds WHERE id = ?"), fromID); err != nil {
			return fmt.Errorf("delete merged feed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, db.q(recountQuery), intoID); err != nil {
			return fmt.Errorf("recount unread: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("merge feed %d into %d: %w", fromID, intoID, err)
	}
	return int(moved), nil
}
