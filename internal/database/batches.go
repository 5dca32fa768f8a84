package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

const batchColumns = "id, user_id, state, total_units, processed_units, created_at, updated_at"

func scanBatch(row rowScanner) (*model.ImportBatch, error) {
	var b model.ImportBatch
	var state string
	if err := row.Scan(&b.ID, &b.UserID, &state, &b.TotalUnits, &b.ProcessedUnits, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	s, err := model.ParseJobState(state)
	if err != nil {
		return nil, err
	}
	b.State = s
	return &b, nil
}

// CreateImportBatch starts a RUNNING batch expecting total units.
func (db *DB) CreateImportBatch(ctx context.Context, userID int64, total int) (*model.ImportBatch, error) {
	now := utc(time.Now())
	b, err := scanBatch(db.conn.QueryRowContext(ctx, db.q(`
		INSERT INTO import_batches (user_id, state, total_units, processed_units, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		RETURNING `+batchColumns),
		userID, model.JobStateRunning.String(), total, now, now))
	if err != nil {
		return nil, fmt.Errorf("insert import batch: %w", err)
	}
	return b, nil
}

// GetImportBatch returns a batch or ErrNotFound.
func (db *DB) GetImportBatch(ctx context.Context, batchID int64) (*model.ImportBatch, error) {
	b, err := scanBatch(db.conn.QueryRowContext(ctx, db.q("SELECT "+batchColumns+" FROM import_batches WHERE id = ?"), batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// IncrementImportProgress adds one processed unit and returns the new count.
func (db *DB) IncrementImportProgress(ctx context.Context, batchID int64) (int, error) {
	var processed int
	err := db.conn.QueryRowContext(ctx, db.q(`
		UPDATE import_batches
		SET processed_units = processed_units + 1, updated_at = ?
		WHERE id = ?
		RETURNING processed_units`), utc(time.Now()), batchID).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment batch %d: %w", batchID, err)
	}
	return processed, nil
}

// FinalizeImportBatch moves a RUNNING batch to a terminal state. SUCCESS also
// requires every unit to be accounted for. Only one caller ever sees true.
func (db *DB) FinalizeImportBatch(ctx context.Context, batchID int64, state model.JobState) (bool, error) {
	if !state.Finished() {
		return false, fmt.Errorf("finalize batch %d: %s is not a terminal state", batchID, state)
	}
	query := `UPDATE import_batches SET state = ?, updated_at = ? WHERE id = ? AND state = ?`
	if state == model.JobStateSuccess {
		query += ` AND processed_units >= total_units`
	}
	res, err := db.conn.ExecContext(ctx, db.q(query),
		state.String(), utc(time.Now()), batchID, model.JobStateRunning.String())
	if err != nil {
		return false, fmt.Errorf("finalize batch %d: %w", batchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
