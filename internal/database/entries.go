package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

const entryColumns = `id, feed_id, guid, unique_hash, title, url, author, content, summary, published, created_at`

func scanEntry(row rowScanner) (*model.Entry, error) {
	var e model.Entry
	var hash sql.NullString
	if err := row.Scan(&e.ID, &e.FeedID, &e.GUID, &hash, &e.Title, &e.URL, &e.Author,
		&e.Content, &e.Summary, &e.Published, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.UniqueHash = nullStringPtr(hash)
	return &e, nil
}

func (db *DB) queryEntries(ctx context.Context, query string, args ...any) ([]model.Entry, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// SaveEntry is the single write boundary for entries. Within one transaction it
// rejects candidates matching a tombstone by guid or unique hash, updates an
// existing entry with the same guid in place, skips content already stored
// under another guid, and otherwise inserts. entry.ID is set unless rejected.
func (db *DB) SaveEntry(ctx context.Context, entry *model.Entry) (SaveOutcome, error) {
	var outcome SaveOutcome
	hash := stringPtrArg(entry.UniqueHash)

	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var tombstones int
		if err := tx.QueryRowContext(ctx, db.q(`
			SELECT COUNT(*) FROM deleted_entries
			WHERE feed_id = ? AND (guid = ? OR unique_hash = ?)`),
			entry.FeedID, entry.GUID, hash).Scan(&tombstones); err != nil {
			return fmt.Errorf("check tombstones: %w", err)
		}
		if tombstones > 0 {
			outcome = OutcomeRejected
			return nil
		}

		var existingID int64
		err := tx.QueryRowContext(ctx, db.q("SELECT id FROM entries WHERE feed_id = ? AND guid = ?"),
			entry.FeedID, entry.GUID).Scan(&existingID)
		switch {
		case err == nil:
			outcome = OutcomeUpdated
			entry.ID = existingID
			return db.updateEntry(ctx, tx, entry, hash)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup guid: %w", err)
		}

		if hash != nil {
			err := tx.QueryRowContext(ctx, db.q("SELECT id FROM entries WHERE feed_id = ? AND unique_hash = ?"),
				entry.FeedID, hash).Scan(&existingID)
			switch {
			case err == nil:
				outcome = OutcomeDuplicate
				entry.ID = existingID
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("lookup hash: %w", err)
			}
		}

		now := utc(time.Now())
		if err := tx.QueryRowContext(ctx, db.q(`
			INSERT INTO entries (feed_id, guid, unique_hash, title, url, author, content, summary, published, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`),
			entry.FeedID, entry.GUID, hash, entry.Title, entry.URL, entry.Author,
			entry.Content, entry.Summary, utc(entry.Published), now).Scan(&entry.ID); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		entry.CreatedAt = now
		outcome = OutcomeCreated
		return nil
	})
	if err != nil {
		return outcome, fmt.Errorf("save entry %q of feed %d: %w", entry.GUID, entry.FeedID, err)
	}
	return outcome, nil
}

// updateEntry overwrites the mutable fields of an existing entry. The unique
// hash is only replaced when no sibling entry already owns the new value.
func (db *DB) updateEntry(ctx context.Context, tx *sql.Tx, entry *model.Entry, hash any) error {
	setHash := false
	if hash != nil {
		var clash int
		if err := tx.QueryRowContext(ctx, db.q(`
			SELECT COUNT(*) FROM entries WHERE feed_id = ? AND unique_hash = ? AND id <> ?`),
			entry.FeedID, hash, entry.ID).Scan(&clash); err != nil {
			return fmt.Errorf("check hash clash: %w", err)
		}
		setHash = clash == 0
	}

	query := `UPDATE entries SET title = ?, url = ?, author = ?, content = ?, summary = ?`
	args := []any{entry.Title, entry.URL, entry.Author, entry.Content, entry.Summary}
	if !entry.Undated {
		query += `, published = ?`
		args = append(args, utc(entry.Published))
	}
	if setHash {
		query += `, unique_hash = ?`
		args = append(args, hash)
	}
	query += ` WHERE id = ?`
	args = append(args, entry.ID)
	if _, err := tx.ExecContext(ctx, db.q(query), args...); err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return nil
}

// MaterializeUnread creates an unread marker for every user subscribed to the
// entry's feed. Users who already have one are skipped. Returns markers created.
func (db *DB) MaterializeUnread(ctx context.Context, entryID int64) (int64, error) {
	res, err := db.conn.ExecContext(ctx, db.q(`
		INSERT INTO entry_states (user_id, entry_id, is_read)
		SELECT s.user_id, e.id, FALSE
		FROM subscriptions s JOIN entries e ON e.feed_id = s.feed_id
		WHERE e.id = ?
		ON CONFLICT (user_id, entry_id) DO NOTHING`), entryID)
	if err != nil {
		return 0, fmt.Errorf("materialize unread for entry %d: %w", entryID, err)
	}
	return res.RowsAffected()
}

// CountEntries returns the number of live entries of a feed.
func (db *DB) CountEntries(ctx context.Context, feedID int64) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, db.q("SELECT COUNT(*) FROM entries WHERE feed_id = ?"), feedID).Scan(&n)
	return n, err
}

// GetEntries returns a feed's entries, newest first. limit <= 0 means all.
func (db *DB) GetEntries(ctx context.Context, feedID int64, limit int) ([]model.Entry, error) {
	query := "SELECT " + entryColumns + " FROM entries WHERE feed_id = ? ORDER BY published DESC, id DESC"
	args := []any{feedID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return db.queryEntries(ctx, query, args...)
}

// OldestEntriesBeyond returns the entries left over once the keep newest are
// set aside. Ordering is by published date, ties broken by insertion order.
func (db *DB) OldestEntriesBeyond(ctx context.Context, feedID int64, keep int) ([]model.Entry, error) {
	if keep < 0 {
		keep = 0
	}
	// LIMIT -1 is SQLite's "no limit"; PostgreSQL takes LIMIT ALL.
	limit := "LIMIT -1"
	if db.dialect == dialectPostgres {
		limit = "LIMIT ALL"
	}
	return db.queryEntries(ctx, "SELECT "+entryColumns+` FROM entries
		WHERE feed_id = ?
		ORDER BY published DESC, id DESC
		`+limit+` OFFSET ?`, feedID, keep)
}

// TombstoneEntry writes the tombstone for an entry and deletes it in one
// transaction. An already existing tombstone is left as is; the boolean
// reports whether a new one was written.
func (db *DB) TombstoneEntry(ctx context.Context, entry model.Entry) (bool, error) {
	var created bool
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO deleted_entries (feed_id, guid, unique_hash, deleted_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (feed_id, guid) DO NOTHING`),
			entry.FeedID, entry.GUID, stringPtrArg(entry.UniqueHash), utc(time.Now()))
		if err != nil {
			return fmt.Errorf("insert tombstone: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n > 0

		if _, err := tx.ExecContext(ctx, db.q("DELETE FROM entry_states WHERE entry_id = ?"), entry.ID); err != nil {
			return fmt.Errorf("delete entry states: %w", err)
		}
		if _, err := tx.ExecContext(ctx, db.q("DELETE FROM entries WHERE id = ?"), entry.ID); err != nil {
			return fmt.Errorf("delete entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("tombstone entry %d: %w", entry.ID, err)
	}
	return created, nil
}

// GetDeletedEntries returns the tombstones of a feed.
func (db *DB) GetDeletedEntries(ctx context.Context, feedID int64) ([]model.DeletedEntry, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(`
		SELECT id, feed_id, guid, unique_hash, deleted_at
		FROM deleted_entries WHERE feed_id = ? ORDER BY id`), feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DeletedEntry
	for rows.Next() {
		var d model.DeletedEntry
		var hash sql.NullString
		if err := rows.Scan(&d.ID, &d.FeedID, &d.GUID, &hash, &d.DeletedAt); err != nil {
			return nil, err
		}
		d.UniqueHash = nullStringPtr(hash)
		out = append(out, d)
	}
	return out, rows.Err()
}
