package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/feedsync/internal/batch"
	"github.com/bryan-buckman/feedsync/internal/config"
	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/ingest"
	"github.com/bryan-buckman/feedsync/internal/logging"
	"github.com/bryan-buckman/feedsync/internal/notify"
	"github.com/bryan-buckman/feedsync/internal/retention"
	"github.com/bryan-buckman/feedsync/internal/rss"
	"github.com/bryan-buckman/feedsync/internal/scheduler"
	"github.com/bryan-buckman/feedsync/internal/server"
	"github.com/bryan-buckman/feedsync/internal/subscription"
	"github.com/bryan-buckman/feedsync/internal/work"
	"github.com/bryan-buckman/feedsync/internal/work/redisqueue"
)

// queue is a work queue with its lifecycle.
type queue interface {
	work.Queue
	subscription.Registrar
	Start(ctx context.Context)
	Stop()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "feedsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database opened", "type", db.DatabaseType())

	client := rss.New(rss.Options{
		Timeout:      cfg.Fetch.Timeout,
		UserAgent:    cfg.Fetch.UserAgent,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		HostInterval: cfg.Fetch.HostInterval,
		Attempts:     cfg.Fetch.Retries,
	}, rss.NewRegistry(), logger.With("component", "rss"))

	timers := work.NewTimers(ctx, cfg.Scheduler.Workers, nil, logger.With("component", "timers"))
	sched := scheduler.New(db, client,
		ingest.New(db, logger.With("component", "ingest"), nil),
		retention.New(db, logger.With("component", "retention")),
		timers,
		scheduler.Options{
			Policy: scheduler.Policy{
				Min:   cfg.Scheduler.MinInterval,
				Max:   cfg.Scheduler.MaxInterval,
				Grace: cfg.Scheduler.FailureGrace,
				Step:  cfg.Scheduler.IntervalStep,
			},
			MaxEntries:   cfg.Scheduler.MaxEntries,
			FetchTimeout: cfg.Fetch.Timeout,
		},
		logger.With("component", "scheduler"))
	timers.SetTick(sched.Tick)

	var q queue
	var rq *redisqueue.Queue
	if cfg.Database.RedisURL != "" {
		rq, err = redisqueue.NewFromURL(cfg.Database.RedisURL, "feedsync:work", cfg.Scheduler.Workers, logger.With("component", "queue"))
		if err != nil {
			return err
		}
		defer rq.Close()
		if err := rq.Ping(ctx); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		q = rq
	} else {
		q = work.NewPool(cfg.Scheduler.Workers, logger.With("component", "queue"))
	}

	sink := notify.NewAsync(notify.NewLogSink(logger), 10*time.Second, logger)
	defer sink.Wait()
	tracker := batch.NewTracker(db, q, sink, logger.With("component", "batch"))
	subs := subscription.New(db, client, sched, q, tracker, cfg.Fetch.Timeout, logger.With("component", "subscription"))
	subs.Register(q)

	srv := server.New(db, subs, sched, logger.With("component", "http"))
	srv.AddCheck("database", db.Ping)
	if rq != nil {
		srv.AddCheck("redis", rq.Ping)
	}

	q.Start(ctx)
	defer q.Stop()

	n, err := sched.ScheduleAll(ctx)
	if err != nil {
		return err
	}
	logger.Info("feedsync started", "feeds", n, "workers", cfg.Scheduler.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		timers.Stop()
		return nil
	})
	err = g.Wait()
	logger.Info("feedsync stopped")
	return err
}

func openDatabase(cfg config.DatabaseConfig) (*database.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return database.NewPostgres(cfg.DSN)
	case "sqlite":
		return database.New(cfg.DSN)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}
