package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/growin/licitasync/internal/config"
	"github.com/growin/licitasync/internal/elasticsearch"
	"github.com/growin/licitasync/internal/indexer"
	"github.com/growin/licitasync/internal/logger"
	"github.com/growin/licitasync/internal/runlog"
	"github.com/growin/licitasync/internal/store"
	"github.com/growin/licitasync/internal/watermark"
)

type syncRunner interface {
	SyncSince(ctx context.Context, since time.Time) (indexer.Result, error)
}

type watermarkStore interface {
	Last(ctx context.Context) (time.Time, bool, error)
	Advance(ctx context.Context, ts time.Time) error
}

func main() {
	log := logger.New("scheduler")
	cfg, err := config.LoadScheduler()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Retry Elasticsearch connection with backoff; the scheduler often comes
	// up before the cluster does.
	var esClient *elasticsearch.Client
	maxRetries := 10
	retryDelay := 2 * time.Second

	for i := 0; i < maxRetries; i++ {
		esClient, err = elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			pingErr := esClient.Ping(pingCtx)
			cancel()
			if pingErr == nil {
				break
			}
			log.Warn("elasticsearch ping failed, retrying",
				slog.Any("err", pingErr),
				slog.Int("attempt", i+1),
				slog.Duration("retry_in", retryDelay),
			)
		} else {
			log.Warn("failed to create elasticsearch client, retrying",
				slog.Any("err", err),
				slog.Int("attempt", i+1),
			)
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			log.Info("shutdown signal received during startup")
			os.Exit(0)
		}
		retryDelay *= 2
		if retryDelay > 30*time.Second {
			retryDelay = 30 * time.Second
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if esClient == nil || esClient.Ping(pingCtx) != nil {
		log.Error("failed to connect to elasticsearch after retries")
		os.Exit(1)
	}

	pubStore, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		log.Error("init postgres", slog.Any("err", err))
		os.Exit(1)
	}
	defer pubStore.Close()

	runs, err := runlog.Open(cfg.RunLogPath)
	if err != nil {
		log.Error("init run log", slog.Any("err", err))
		os.Exit(1)
	}
	defer runs.Close()

	marks := watermark.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ElasticsearchIndex)
	defer marks.Close()

	orch := &indexer.Orchestrator{
		Source:   pubStore,
		Writer:   esClient,
		Log:      log,
		Runs:     runs,
		PageSize: cfg.PageSize,
		BulkSize: cfg.BulkSize,
	}

	log.Info("scheduler running",
		slog.Int("sync_hour", cfg.SyncHour),
		slog.Int("sync_minute", cfg.SyncMinute),
		slog.Duration("window", cfg.Window),
	)

	for {
		next := nextRun(time.Now(), cfg.SyncHour, cfg.SyncMinute)
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("shutdown signal received")
			return
		case <-timer.C:
			runOnce(ctx, log, orch, marks, cfg.Window)
		}
	}
}

// runOnce syncs everything touched since the last successful run. The
// watermark only advances on a clean run, so an aborted sync replays the
// same window next time; replays are harmless because every write is an
// idempotent per-id upsert.
func runOnce(ctx context.Context, log *slog.Logger, syncer syncRunner, marks watermarkStore, window time.Duration) {
	subCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	started := time.Now().UTC()
	since, ok, err := marks.Last(subCtx)
	if err != nil {
		log.Warn("read watermark, falling back to rolling window", slog.Any("err", err))
	}
	if !ok || err != nil {
		since = started.Add(-window)
	}

	res, err := syncer.SyncSince(subCtx, since)
	if err != nil {
		log.Warn("scheduled sync failed (will retry on next run)", slog.Any("err", err))
		return
	}

	if res.Aborted {
		log.Warn("scheduled sync aborted, index unavailable",
			slog.Int("succeeded", res.Succeeded),
			slog.Int("failed", res.Failed),
		)
		return
	}

	if err := marks.Advance(subCtx, started); err != nil {
		log.Warn("advance watermark", slog.Any("err", err))
	}

	log.Info("scheduled sync completed",
		slog.String("since", since.Format("2006-01-02 15:04:05")),
		slog.Int("attempted", res.Attempted),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
	)
}

// nextRun returns the next occurrence of hh:mm after now, in local time.
func nextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
