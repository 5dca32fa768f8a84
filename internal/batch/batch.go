// Package batch tracks the completion of bulk imports made of many work units.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bryan-buckman/feedsync/internal/metrics"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/notify"
	"github.com/bryan-buckman/feedsync/internal/work"
)

const tagPrefix = "opml-import:"

// Tag returns the work unit tag shared by every unit of a batch.
func Tag(batchID int64) string {
	return tagPrefix + strconv.FormatInt(batchID, 10)
}

// ParseTag extracts the batch id from a unit tag.
func ParseTag(tag string) (int64, bool) {
	rest, ok := strings.CutPrefix(tag, tagPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Store is the batch storage the tracker needs.
type Store interface {
	GetImportBatch(ctx context.Context, batchID int64) (*model.ImportBatch, error)
	IncrementImportProgress(ctx context.Context, batchID int64) (int, error)
	FinalizeImportBatch(ctx context.Context, batchID int64, state model.JobState) (bool, error)
}

// Tracker decides when the last unit of a batch has finished.
type Tracker struct {
	store  Store
	queue  work.Queue
	sink   notify.Sink
	logger *slog.Logger
}

// NewTracker creates a tracker inspecting queue for outstanding units.
func NewTracker(store Store, queue work.Queue, sink notify.Sink, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, queue: queue, sink: sink, logger: logger}
}

// ReportProgress counts self as processed and finalizes the batch when no
// other unit of it is pending or running. Any number of units may report
// concurrently; exactly one of them gets finalized=true.
func (t *Tracker) ReportProgress(ctx context.Context, batchID int64, self work.Unit) (bool, error) {
	if _, err := t.store.IncrementImportProgress(ctx, batchID); err != nil {
		return false, fmt.Errorf("report progress: %w", err)
	}

	tag := Tag(batchID)
	pending, err := t.queue.PeekPending(ctx, tag)
	if err != nil {
		return false, fmt.Errorf("inspect pending units of batch %d: %w", batchID, err)
	}
	if len(pending) > 0 {
		return false, nil
	}
	running, err := t.queue.ListRunning(ctx)
	if err != nil {
		return false, fmt.Errorf("inspect running units of batch %d: %w", batchID, err)
	}
	for _, u := range running {
		if u.Tag == tag && u.ID != self.ID {
			return false, nil
		}
	}

	// Re-read after inspection: a unit that finished in between has counted itself.
	b, err := t.store.GetImportBatch(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("reload batch %d: %w", batchID, err)
	}
	if b.State != model.JobStateRunning || b.ProcessedUnits < b.TotalUnits {
		return false, nil
	}

	ok, err := t.store.FinalizeImportBatch(ctx, batchID, model.JobStateSuccess)
	if err != nil || !ok {
		return false, err
	}
	b.State = model.JobStateSuccess
	t.finished(ctx, b)
	return true, nil
}

// Fail moves a running batch to ERROR. It is a no-op on finished batches.
func (t *Tracker) Fail(ctx context.Context, batchID int64, cause error) error {
	ok, err := t.store.FinalizeImportBatch(ctx, batchID, model.JobStateError)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	b, err := t.store.GetImportBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("reload batch %d: %w", batchID, err)
	}
	t.logger.Warn("import batch failed", "batch_id", batchID, "error", cause)
	t.finished(ctx, b)
	return nil
}

func (t *Tracker) finished(ctx context.Context, b *model.ImportBatch) {
	metrics.BatchesFinalized.WithLabelValues(b.State.String()).Inc()
	t.logger.Info("import batch finished", "batch_id", b.ID, "state", b.State.String(),
		"total", b.TotalUnits, "processed", b.ProcessedUnits)
	if t.sink == nil {
		return
	}
	err := t.sink.Notify(ctx, b.UserID, notify.Outcome{
		Kind:      "opml-import",
		BatchID:   b.ID,
		State:     b.State,
		Total:     b.TotalUnits,
		Processed: b.ProcessedUnits,
	})
	if err != nil {
		t.logger.Warn("notify import outcome", "batch_id", b.ID, "error", err)
	}
}

// Hook returns a done hook reporting every batch-tagged unit, whether it
// succeeded or not. Units without a batch tag are ignored.
func (t *Tracker) Hook() work.DoneHook {
	return func(ctx context.Context, u work.Unit, _ error) {
		batchID, ok := ParseTag(u.Tag)
		if !ok {
			return
		}
		// The unit's own context may be cancelled; progress must still count.
		ctx = context.WithoutCancel(ctx)
		if _, err := t.ReportProgress(ctx, batchID, u); err != nil {
			t.logger.Error("report batch progress", "batch_id", batchID, "unit_id", u.ID, "error", err)
		}
	}
}
