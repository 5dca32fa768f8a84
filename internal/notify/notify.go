// Package notify delivers outcome notifications to users.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// Outcome describes something a user should hear about.
type Outcome struct {
	Kind      string // e.g. "opml-import"
	BatchID   int64
	State     model.JobState
	Total     int
	Processed int
}

// Sink delivers notifications.
type Sink interface {
	Notify(ctx context.Context, userID int64, o Outcome) error
}

// LogSink writes notifications to the log instead of sending them.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify logs the outcome.
func (s *LogSink) Notify(_ context.Context, userID int64, o Outcome) error {
	s.logger.Info("notification",
		"user_id", userID,
		"kind", o.Kind,
		"batch_id", o.BatchID,
		"state", o.State.String(),
		"total", o.Total,
		"processed", o.Processed)
	return nil
}

// Async hands notifications to a Sink in the background. Notify never fails
// and never blocks on delivery.
type Async struct {
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps sink. Each delivery gets at most timeout.
func NewAsync(sink Sink, timeout time.Duration, logger *slog.Logger) *Async {
	return &Async{sink: sink, timeout: timeout, logger: logger}
}

// Notify schedules delivery and returns immediately.
func (a *Async) Notify(ctx context.Context, userID int64, o Outcome) error {
	// Delivery must outlive the caller's context.
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("notification panicked", "user_id", userID, "kind", o.Kind, "panic", fmt.Sprint(r))
			}
		}()
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		if err := a.sink.Notify(ctx, userID, o); err != nil {
			a.logger.Warn("notification failed", "user_id", userID, "kind", o.Kind, "error", err)
		}
	}()
	return nil
}

// Wait blocks until pending deliveries finish.
func (a *Async) Wait() {
	a.wg.Wait()
}
