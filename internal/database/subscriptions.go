package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// --- User Methods ---

// CreateUser inserts a user row.
func (db *DB) CreateUser(ctx context.Context, email, name string) (*model.User, error) {
	u := model.User{Email: email, Name: name}
	err := db.conn.QueryRowContext(ctx, db.q("INSERT INTO users (email, name) VALUES (?, ?) RETURNING id"),
		email, name).Scan(&u.ID)
	if err != nil {
		return nil, fmt.Errorf("insert user %s: %w", email, err)
	}
	return &u, nil
}

// GetUser returns a user or ErrNotFound.
func (db *DB) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var u model.User
	err := db.conn.QueryRowContext(ctx, db.q("SELECT id, email, name FROM users WHERE id = ?"), userID).
		Scan(&u.ID, &u.Email, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Folder Methods ---

// GetOrCreateFolder finds a user's folder by title, or creates it.
func (db *DB) GetOrCreateFolder(ctx context.Context, userID int64, title string) (int64, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx, db.q("SELECT id FROM folders WHERE user_id = ? AND title = ?"),
		userID, title).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	err = db.conn.QueryRowContext(ctx, db.q(`
		INSERT INTO folders (user_id, title) VALUES (?, ?)
		ON CONFLICT (user_id, title) DO UPDATE SET title = excluded.title
		RETURNING id`), userID, title).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create folder %q: %w", title, err)
	}
	return id, nil
}

// GetFolders returns a user's folders ordered by title.
func (db *DB) GetFolders(ctx context.Context, userID int64) ([]model.Folder, error) {
	rows, err := db.conn.QueryContext(ctx, db.q("SELECT id, user_id, title FROM folders WHERE user_id = ? ORDER BY title"), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var folders []model.Folder
	for rows.Next() {
		var f model.Folder
		if err := rows.Scan(&f.ID, &f.UserID, &f.Title); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// --- Subscription Methods ---

const subscriptionColumns = "id, user_id, feed_id, folder_id, unread_entries"

func scanSubscription(row rowScanner) (*model.Subscription, error) {
	var s model.Subscription
	var folderID sql.NullInt64
	if err := row.Scan(&s.ID, &s.UserID, &s.FeedID, &folderID, &s.UnreadEntries); err != nil {
		return nil, err
	}
	if folderID.Valid {
		id := folderID.Int64
		s.FolderID = &id
	}
	return &s, nil
}

// Subscribe subscribes a user to a feed. A new subscription gets an unread
// marker for every entry the feed already has and a fresh unread count.
// The boolean reports whether the subscription was created.
func (db *DB) Subscribe(ctx context.Context, userID, feedID int64, folderID *int64) (*model.Subscription, bool, error) {
	var sub *model.Subscription
	created := false
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, db.q(`
			INSERT INTO subscriptions (user_id, feed_id, folder_id, unread_entries)
			VALUES (?, ?, ?, 0)
			ON CONFLICT (user_id, feed_id) DO NOTHING
			RETURNING id`), userID, feedID, folderID).Scan(&id)
		switch {
		case err == nil:
			created = true
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("insert subscription: %w", err)
		}

		if created {
			if _, err := tx.ExecContext(ctx, db.q(`
				INSERT INTO entry_states (user_id, entry_id, is_read)
				SELECT s.user_id, e.id, FALSE
				FROM subscriptions s JOIN entries e ON e.feed_id = s.feed_id
				WHERE s.user_id = ? AND s.feed_id = ?
				ON CONFLICT (user_id, entry_id) DO NOTHING`), userID, feedID); err != nil {
				return fmt.Errorf("materialize unread: %w", err)
			}
			if _, err := tx.ExecContext(ctx, db.q(recountQuery+" AND user_id = ?"), feedID, userID); err != nil {
				return fmt.Errorf("recount unread: %w", err)
			}
		}

		sub, err = scanSubscription(tx.QueryRowContext(ctx,
			db.q("SELECT "+subscriptionColumns+" FROM subscriptions WHERE user_id = ? AND feed_id = ?"), userID, feedID))
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("subscribe user %d to feed %d: %w", userID, feedID, err)
	}
	return sub, created, nil
}

// GetSubscriptions returns a user's subscriptions.
func (db *DB) GetSubscriptions(ctx context.Context, userID int64) ([]model.Subscription, error) {
	rows, err := db.conn.QueryContext(ctx, db.q("SELECT "+subscriptionColumns+" FROM subscriptions WHERE user_id = ? ORDER BY id"), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

// GetSubscription returns one subscription or ErrNotFound.
func (db *DB) GetSubscription(ctx context.Context, userID, feedID int64) (*model.Subscription, error) {
	s, err := scanSubscription(db.conn.QueryRowContext(ctx,
		db.q("SELECT "+subscriptionColumns+" FROM subscriptions WHERE user_id = ? AND feed_id = ?"), userID, feedID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// recountQuery overwrites cached unread counts with the true count.
const recountQuery = `
	UPDATE subscriptions
	SET unread_entries = (
		SELECT COUNT(*) FROM entry_states es
		JOIN entries e ON e.id = es.entry_id
		WHERE es.user_id = subscriptions.user_id
			AND e.feed_id = subscriptions.feed_id
			AND es.is_read = FALSE
	)
	WHERE feed_id = ?`

// RecalculateUnread recomputes the unread count of every subscriber of a feed.
func (db *DB) RecalculateUnread(ctx context.Context, feedID int64) error {
	if _, err := db.conn.ExecContext(ctx, db.q(recountQuery), feedID); err != nil {
		return fmt.Errorf("recalculate unread for feed %d: %w", feedID, err)
	}
	return nil
}

// MarkEntriesRead marks entries read for a user and recounts the affected
// subscriptions.
func (db *DB) MarkEntriesRead(ctx context.Context, userID int64, entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		feeds := make(map[int64]struct{})
		for _, id := range entryIDs {
			res, err := tx.ExecContext(ctx, db.q("UPDATE entry_states SET is_read = ? WHERE user_id = ? AND entry_id = ?"),
				true, userID, id)
			if err != nil {
				return fmt.Errorf("mark entry %d read: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			var feedID int64
			if err := tx.QueryRowContext(ctx, db.q("SELECT feed_id FROM entries WHERE id = ?"), id).Scan(&feedID); err != nil {
				return fmt.Errorf("lookup feed of entry %d: %w", id, err)
			}
			feeds[feedID] = struct{}{}
		}
		for feedID := range feeds {
			if _, err := tx.ExecContext(ctx, db.q(recountQuery+" AND user_id = ?"), feedID, userID); err != nil {
				return fmt.Errorf("recount unread: %w", err)
			}
		}
		return nil
	})
}
