package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/growin/licitasync/internal/elasticsearch"
	"github.com/growin/licitasync/internal/indexer"
	"github.com/growin/licitasync/internal/models"
	"github.com/growin/licitasync/internal/store"
)

// stubSource and stubWriter back a real orchestrator so handlers are
// exercised end to end without Postgres or Elasticsearch.
type stubSource struct {
	pubs        map[int64]models.Publication
	unavailable bool
	lastSince   time.Time
}

func (s *stubSource) GetByID(_ context.Context, id int64) (models.Publication, error) {
	if s.unavailable {
		return models.Publication{}, store.ErrUnavailable
	}
	pub, ok := s.pubs[id]
	if !ok {
		return models.Publication{}, fmt.Errorf("publication %d: %w", id, store.ErrNotFound)
	}
	return pub, nil
}

func (s *stubSource) ListByScraperSince(_ context.Context, scraperID int64, _ time.Time, _, offset int) ([]models.Publication, error) {
	if s.unavailable {
		return nil, store.ErrUnavailable
	}
	if offset > 0 {
		return nil, nil
	}
	var out []models.Publication
	for _, p := range s.pubs {
		if p.Scraper == scraperID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubSource) ListSince(_ context.Context, since time.Time, _, offset int) ([]models.Publication, error) {
	s.lastSince = since
	return s.ListByScraperSince(nil, 7, since, 0, offset)
}

func (s *stubSource) ListAll(_ context.Context, _, offset int) ([]models.Publication, error) {
	return s.ListByScraperSince(nil, 7, time.Time{}, 0, offset)
}

type stubWriter struct {
	unavailable bool
	written     int
}

func (s *stubWriter) UpsertOne(_ context.Context, _ models.PublicationDocument) error {
	if s.unavailable {
		return fmt.Errorf("%w: connection refused", elasticsearch.ErrUnavailable)
	}
	s.written++
	return nil
}

func (s *stubWriter) UpsertMany(_ context.Context, docs []models.PublicationDocument) (elasticsearch.BulkOutcome, error) {
	if s.unavailable {
		return elasticsearch.BulkOutcome{}, fmt.Errorf("%w: connection refused", elasticsearch.ErrUnavailable)
	}
	s.written += len(docs)
	return elasticsearch.BulkOutcome{Succeeded: len(docs)}, nil
}

type stubMarks struct {
	last     time.Time
	ok       bool
	advanced []time.Time
}

func (s *stubMarks) Last(_ context.Context) (time.Time, bool, error) { return s.last, s.ok, nil }

func (s *stubMarks) Advance(_ context.Context, ts time.Time) error {
	s.advanced = append(s.advanced, ts)
	return nil
}

func (s *stubMarks) Ping(_ context.Context) error { return nil }

func newTestServer(src indexer.RecordSource, w indexer.IndexWriter) *server {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &server{
		log: log,
		orch: &indexer.Orchestrator{
			Source: src,
			Writer: w,
			Log:    log,
		},
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleIndexLicitacion(t *testing.T) {
	src := &stubSource{pubs: map[int64]models.Publication{
		42: {ID: 42, Scraper: 7, Objeto: "obras viales", Visible: true},
	}}
	srv := newTestServer(src, &stubWriter{})

	req := httptest.NewRequest(http.MethodPost, "/api/index-licitacion", strings.NewReader(`{"publicacion_id": 42}`))
	rec := httptest.NewRecorder()
	srv.handleIndexLicitacion(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "indexed", body["status"])
	require.Equal(t, float64(1), body["succeeded"])
	require.NotEmpty(t, body["run_id"])
}

func TestHandleIndexLicitacionNotFound(t *testing.T) {
	srv := newTestServer(&stubSource{}, &stubWriter{})

	req := httptest.NewRequest(http.MethodPost, "/api/index-licitacion", strings.NewReader(`{"publicacion_id": 99}`))
	rec := httptest.NewRecorder()
	srv.handleIndexLicitacion(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decodeBody(t, rec)["status"])
}

func TestHandleIndexLicitacionMissingID(t *testing.T) {
	srv := newTestServer(&stubSource{}, &stubWriter{})

	req := httptest.NewRequest(http.MethodPost, "/api/index-licitacion", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.handleIndexLicitacion(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeBody(t, rec)["status"])
}

func TestHandleSyncSinceSourceDown(t *testing.T) {
	srv := newTestServer(&stubSource{unavailable: true}, &stubWriter{})

	req := httptest.NewRequest(http.MethodPost, "/api/sync-since", strings.NewReader(`{"since": "2024-05-10 00:00:00"}`))
	rec := httptest.NewRecorder()
	srv.handleSyncSince(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "source_unavailable", decodeBody(t, rec)["status"])
}

func TestHandleSyncSinceBadDate(t *testing.T) {
	srv := newTestServer(&stubSource{}, &stubWriter{})

	req := httptest.NewRequest(http.MethodPost, "/api/sync-since", strings.NewReader(`{"since": "10/05/2024"}`))
	rec := httptest.NewRecorder()
	srv.handleSyncSince(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// The scraper callback reads the status field instead of the HTTP status, so
// an unavailable index still answers 200.
func TestHandleIndexScraperSoftUnavailable(t *testing.T) {
	src := &stubSource{pubs: map[int64]models.Publication{
		1: {ID: 1, Scraper: 7, Visible: true},
	}}
	srv := newTestServer(src, &stubWriter{unavailable: true})

	req := httptest.NewRequest(http.MethodPost, "/api/index-scraper", strings.NewReader(`{"scraper_id": 7, "since": "2024-05-10 00:00:00"}`))
	rec := httptest.NewRecorder()
	srv.handleIndexScraper(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "index_unavailable", body["status"])
	require.Equal(t, true, body["aborted"])
}

// The same abort on the sync entry point is a hard 503.
func TestHandleSyncSinceHardUnavailable(t *testing.T) {
	src := &stubSource{pubs: map[int64]models.Publication{
		1: {ID: 1, Scraper: 7, Visible: true},
	}}
	srv := newTestServer(src, &stubWriter{unavailable: true})

	req := httptest.NewRequest(http.MethodPost, "/api/sync-since", strings.NewReader(`{"since": "2024-05-10 00:00:00"}`))
	rec := httptest.NewRecorder()
	srv.handleSyncSince(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "index_unavailable", decodeBody(t, rec)["status"])
}

func TestHandleTriggerSyncAdvancesWatermark(t *testing.T) {
	src := &stubSource{pubs: map[int64]models.Publication{
		1: {ID: 1, Scraper: 7, Visible: true},
	}}
	marks := &stubMarks{last: time.Date(2024, 5, 9, 3, 0, 0, 0, time.UTC), ok: true}
	srv := newTestServer(src, &stubWriter{})
	srv.marks = marks

	req := httptest.NewRequest(http.MethodPost, "/api/trigger-sync", nil)
	rec := httptest.NewRecorder()
	srv.handleTriggerSync(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, src.lastSince.Equal(marks.last), "sync resumes from the stored watermark")
	require.Len(t, marks.advanced, 1)
	require.WithinDuration(t, time.Now().UTC(), marks.advanced[0], time.Minute)
}

func TestHandleTriggerSyncAbortedKeepsWatermark(t *testing.T) {
	src := &stubSource{pubs: map[int64]models.Publication{
		1: {ID: 1, Scraper: 7, Visible: true},
	}}
	marks := &stubMarks{last: time.Date(2024, 5, 9, 3, 0, 0, 0, time.UTC), ok: true}
	srv := newTestServer(src, &stubWriter{unavailable: true})
	srv.marks = marks

	req := httptest.NewRequest(http.MethodPost, "/api/trigger-sync", nil)
	rec := httptest.NewRecorder()
	srv.handleTriggerSync(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Empty(t, marks.advanced, "aborted run must replay the same window next time")
}

func TestHandleTriggerSyncMissingWatermarkFallsBack(t *testing.T) {
	src := &stubSource{pubs: map[int64]models.Publication{
		1: {ID: 1, Scraper: 7, Visible: true},
	}}
	marks := &stubMarks{ok: false}
	srv := newTestServer(src, &stubWriter{})
	srv.marks = marks

	req := httptest.NewRequest(http.MethodPost, "/api/trigger-sync", nil)
	rec := httptest.NewRecorder()
	srv.handleTriggerSync(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.WithinDuration(t, time.Now().UTC().Add(-24*time.Hour), src.lastSince, time.Minute)
	require.Len(t, marks.advanced, 1)
}

func TestParseSince(t *testing.T) {
	ts, err := parseSince("2024-05-10 01:30:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 10, 1, 30, 0, 0, time.UTC), ts)

	ts, err = parseSince("2024-05-10T01:30:00Z")
	require.NoError(t, err)
	require.True(t, ts.Equal(time.Date(2024, 5, 10, 1, 30, 0, 0, time.UTC)))

	_, err = parseSince("")
	require.Error(t, err)
	_, err = parseSince("yesterday")
	require.Error(t, err)
}
