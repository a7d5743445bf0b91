package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/growin/licitasync/internal/indexer"
)

type stubSyncer struct {
	scraperID int64
	since     time.Time
	calls     int
	res       indexer.Result
	err       error
}

func (s *stubSyncer) IndexScraperSince(_ context.Context, scraperID int64, since time.Time) (indexer.Result, error) {
	s.calls++
	s.scraperID = scraperID
	s.since = since
	return s.res, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessMessage(t *testing.T) {
	syncer := &stubSyncer{res: indexer.Result{Attempted: 5, Succeeded: 5}}
	msg := kafka.Message{Value: []byte(`{"scraper_id": 7, "since": "2024-05-10 01:00:00"}`)}

	err := processMessage(context.Background(), testLogger(), syncer, msg)
	require.NoError(t, err)
	require.Equal(t, 1, syncer.calls)
	require.Equal(t, int64(7), syncer.scraperID)
	require.Equal(t, time.Date(2024, 5, 10, 1, 0, 0, 0, time.UTC), syncer.since)
}

func TestProcessMessageBadJSON(t *testing.T) {
	syncer := &stubSyncer{}
	msg := kafka.Message{Value: []byte(`{{not json`)}

	err := processMessage(context.Background(), testLogger(), syncer, msg)
	require.Error(t, err)
	require.Zero(t, syncer.calls)
}

func TestProcessMessageMissingSince(t *testing.T) {
	syncer := &stubSyncer{}
	msg := kafka.Message{Value: []byte(`{"scraper_id": 7}`)}

	err := processMessage(context.Background(), testLogger(), syncer, msg)
	require.Error(t, err)
	require.Zero(t, syncer.calls)
}

func TestProcessMessageAbortedRunCommits(t *testing.T) {
	// An unavailable index is not a poison message; the daily sync replays
	// the window, so the event must commit instead of going to the DLQ.
	syncer := &stubSyncer{res: indexer.Result{Succeeded: 100, Aborted: true}}
	msg := kafka.Message{Value: []byte(`{"scraper_id": 7, "since": "2024-05-10 01:00:00"}`)}

	err := processMessage(context.Background(), testLogger(), syncer, msg)
	require.NoError(t, err)
	require.Equal(t, 1, syncer.calls)
}

func TestParseEventTime(t *testing.T) {
	want := time.Date(2024, 5, 10, 1, 30, 0, 0, time.UTC)

	ts, err := parseEventTime("2024-05-10 01:30:00")
	require.NoError(t, err)
	require.Equal(t, want, ts)

	ts, err = parseEventTime("2024-05-10T01:30:00Z")
	require.NoError(t, err)
	require.True(t, ts.Equal(want))

	_, err = parseEventTime("")
	require.Error(t, err)
	_, err = parseEventTime("10/05/2024")
	require.Error(t, err)
}
