package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/growin/licitasync/internal/config"
	"github.com/growin/licitasync/internal/elasticsearch"
	"github.com/growin/licitasync/internal/indexer"
	"github.com/growin/licitasync/internal/logger"
	"github.com/growin/licitasync/internal/mapper"
	"github.com/growin/licitasync/internal/runlog"
	"github.com/growin/licitasync/internal/store"
	"github.com/growin/licitasync/internal/watermark"
)

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
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

	srv := &server{log: log, cfg: cfg, es: esClient, store: pubStore, orch: orch, runs: runs, marks: marks}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(100, time.Minute))

	r.Get("/health", srv.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/index-licitacion", srv.handleIndexLicitacion)
		r.Post("/index-scraper", srv.handleIndexScraper)
		r.Post("/sync-since", srv.handleSyncSince)
		r.Post("/index-bulk", srv.handleIndexBulk)
		r.Post("/trigger-sync", srv.handleTriggerSync)
		r.Post("/search-licitaciones", srv.handleSearch)
		r.Get("/runs", srv.handleRuns)
	})

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// index-bulk walks the whole corpus synchronously.
		WriteTimeout: 15 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}

// watermarkStore is the slice of the Redis watermark the handlers need; the
// seam keeps the advance-only-on-clean-run policy testable.
type watermarkStore interface {
	Last(ctx context.Context) (time.Time, bool, error)
	Advance(ctx context.Context, ts time.Time) error
	Ping(ctx context.Context) error
}

type server struct {
	log   *slog.Logger
	cfg   *config.API
	es    *elasticsearch.Client
	store *store.Store
	orch  *indexer.Orchestrator
	runs  *runlog.Store
	marks watermarkStore
}

type indexLicitacionRequest struct {
	PublicacionID int64 `json:"publicacion_id"`
}

type indexScraperRequest struct {
	ScraperID int64  `json:"scraper_id"`
	Since     string `json:"since"`
}

type syncSinceRequest struct {
	Since string `json:"since"`
}

type indexResponse struct {
	Status    string `json:"status"`
	RunID     string `json:"run_id,omitempty"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Aborted   bool   `json:"aborted"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *server) handleIndexLicitacion(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var req indexLicitacionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "invalid_request", Error: err.Error()})
		return
	}

	res, err := s.orch.IndexOne(ctx, req.PublicacionID)
	if err != nil {
		s.writeIndexError(w, err)
		return
	}
	s.writeResult(w, res, false)
}

func (s *server) handleIndexScraper(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req indexScraperRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "invalid_request", Error: err.Error()})
		return
	}

	since, err := parseSince(req.Since)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "invalid_request", Error: err.Error()})
		return
	}

	res, err := s.orch.IndexScraperSince(ctx, req.ScraperID, since)
	if err != nil {
		s.writeIndexError(w, err)
		return
	}
	// The scraper callback must never see an HTTP error for a struggling
	// index; it reads the status field instead.
	s.writeResult(w, res, true)
}

func (s *server) handleSyncSince(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req syncSinceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "invalid_request", Error: err.Error()})
		return
	}

	since, err := parseSince(req.Since)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "invalid_request", Error: err.Error()})
		return
	}

	res, err := s.orch.SyncSince(ctx, since)
	if err != nil {
		s.writeIndexError(w, err)
		return
	}
	s.writeResult(w, res, false)
}

func (s *server) handleIndexBulk(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.IndexAll(r.Context())
	if err != nil {
		s.writeIndexError(w, err)
		return
	}
	s.writeResult(w, res, false)
}

// handleTriggerSync runs the scheduled-sync semantics on demand: watermark
// from Redis, rolling window fallback, watermark advanced only on a clean
// run.
func (s *server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	started := time.Now().UTC()
	since, ok, err := s.marks.Last(ctx)
	if err != nil || !ok {
		if err != nil {
			s.log.Warn("read watermark", slog.Any("err", err))
		}
		since = started.Add(-24 * time.Hour)
	}

	res, err := s.orch.SyncSince(ctx, since)
	if err != nil {
		s.writeIndexError(w, err)
		return
	}
	if !res.Aborted {
		if err := s.marks.Advance(ctx, started); err != nil {
			s.log.Warn("advance watermark", slog.Any("err", err))
		}
	}
	s.writeResult(w, res, false)
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var params elasticsearch.LicitacionSearch
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "invalid_request", Error: err.Error()})
		return
	}
	if params.PageSize <= 0 {
		params.PageSize = s.cfg.DefaultPage
	}
	if params.PageSize > s.cfg.MaxPage {
		params.PageSize = s.cfg.MaxPage
	}

	page, err := s.es.SearchLicitaciones(ctx, params)
	if err != nil {
		if errors.Is(err, elasticsearch.ErrUnavailable) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Status: "index_unavailable", Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	entries, err := s.runs.Recent(ctx, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": entries})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.es.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Status: "index_unavailable", Error: err.Error()})
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Status: "source_unavailable", Error: err.Error()})
		return
	}
	if err := s.marks.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Status: "watermark_unavailable", Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeResult maps an orchestration result onto the wire. An aborted run is
// a 503 so callers can fall back to the relational store, except for the
// scraper entry point which stays non-blocking.
func (s *server) writeResult(w http.ResponseWriter, res indexer.Result, softUnavailable bool) {
	status := "indexed"
	httpStatus := http.StatusOK
	if res.Aborted {
		status = "index_unavailable"
		if !softUnavailable {
			httpStatus = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, httpStatus, indexResponse{
		Status:    status,
		RunID:     res.RunID,
		Attempted: res.Attempted,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Aborted:   res.Aborted,
		Timestamp: time.Now().UTC().Format(mapper.CanonicalTimeFormat),
	})
}

func (s *server) writeIndexError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, indexer.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "invalid_request", Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Status: "not_found", Error: err.Error()})
	case errors.Is(err, store.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Status: "source_unavailable", Error: err.Error()})
	case errors.Is(err, elasticsearch.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Status: "index_unavailable", Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Status: "error", Error: err.Error()})
	}
}

// parseSince accepts the wire format and, for tolerant callers, RFC3339.
func parseSince(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("since is required (YYYY-MM-DD HH:MM:SS)")
	}
	for _, f := range []string{mapper.CanonicalTimeFormat, time.RFC3339} {
		if ts, err := time.Parse(f, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.New("since must be YYYY-MM-DD HH:MM:SS")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
