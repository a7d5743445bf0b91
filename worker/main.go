package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/growin/licitasync/internal/config"
	"github.com/growin/licitasync/internal/elasticsearch"
	"github.com/growin/licitasync/internal/indexer"
	"github.com/growin/licitasync/internal/logger"
	"github.com/growin/licitasync/internal/mapper"
	"github.com/growin/licitasync/internal/runlog"
	"github.com/growin/licitasync/internal/store"
)

// scraperEvent is published by a scraper when it finishes a crawl. The
// worker reindexes everything that scraper touched since the crawl started.
type scraperEvent struct {
	ScraperID int64  `json:"scraper_id"`
	Since     string `json:"since"`
}

type scraperSyncer interface {
	IndexScraperSince(ctx context.Context, scraperID int64, since time.Time) (indexer.Result, error)
}

func main() {
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
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

	orch := &indexer.Orchestrator{
		Source:   pubStore,
		Writer:   esClient,
		Log:      log,
		Runs:     runs,
		PageSize: cfg.PageSize,
		BulkSize: cfg.BulkSize,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaConsumer,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: 0, // Disable auto-commit; manual commit only
	})
	defer reader.Close()

	dlqWriter := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic + "_dlq",
		MaxAttempts: 3,
	})
	defer dlqWriter.Close()

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", cfg.KafkaTopic+"_dlq"),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("context canceled, stopping")
				return
			}
			log.Error("fetch message", slog.Any("err", err))
			continue
		}

		if err := processMessage(ctx, log, orch, msg); err != nil {
			log.Warn("process message failed, sending to DLQ",
				slog.Any("err", err),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)
			if sendToDLQ(ctx, log, dlqWriter, msg, err) {
				if err := reader.CommitMessages(ctx, msg); err != nil {
					log.Error("commit failed message to dlq", slog.Any("err", err))
				}
			}
			continue
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error("commit message", slog.Any("err", err))
		}
	}
}

// processMessage triggers a scraper-scoped sync. Index unavailability is not
// an error here: the event is committed and the record set will be replayed
// by the daily sync, keeping the scraper pipeline non-blocking.
func processMessage(ctx context.Context, log *slog.Logger, syncer scraperSyncer, msg kafka.Message) error {
	var evt scraperEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return fmt.Errorf("decode scraper event: %w", err)
	}

	since, err := parseEventTime(evt.Since)
	if err != nil {
		return fmt.Errorf("scraper %d: %w", evt.ScraperID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	res, err := syncer.IndexScraperSince(runCtx, evt.ScraperID, since)
	if err != nil {
		return fmt.Errorf("sync scraper %d: %w", evt.ScraperID, err)
	}

	if res.Aborted {
		log.Warn("scraper sync aborted, index unavailable",
			slog.Int64("scraper_id", evt.ScraperID),
			slog.Int("succeeded", res.Succeeded),
		)
		return nil
	}

	log.Info("scraper sync finished",
		slog.Int64("scraper_id", evt.ScraperID),
		slog.Int("attempted", res.Attempted),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
	)
	return nil
}

func sendToDLQ(ctx context.Context, log *slog.Logger, dlqWriter *kafka.Writer, msg kafka.Message, cause error) bool {
	dlqMsg := kafka.Message{
		Value: msg.Value,
		Headers: append(msg.Headers,
			kafka.Header{Key: "original_partition", Value: []byte(fmt.Sprintf("%d", msg.Partition))},
			kafka.Header{Key: "original_offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
			kafka.Header{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		),
	}

	// Retry DLQ write with exponential backoff
	for attempt := 0; attempt < 5; attempt++ {
		if err := dlqWriter.WriteMessages(ctx, dlqMsg); err == nil {
			log.Info("message sent to DLQ",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempt", attempt+1),
			)
			return true
		} else {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			log.Warn("DLQ write failed, retrying",
				slog.Any("err", err),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				log.Info("context canceled during DLQ retry")
				return false
			}
		}
	}

	log.Error("DLQ write exhausted retries, message may be lost if later messages commit",
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
	)
	return false
}

func parseEventTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("since is required")
	}
	for _, f := range []string{mapper.CanonicalTimeFormat, time.RFC3339, time.RFC3339Nano} {
		if ts, err := time.Parse(f, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable since %q", raw)
}
