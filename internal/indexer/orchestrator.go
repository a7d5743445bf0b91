package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/growin/licitasync/internal/elasticsearch"
	"github.com/growin/licitasync/internal/mapper"
	"github.com/growin/licitasync/internal/models"
)

// ErrInvalidRequest is returned when a selection parameter is missing; it is
// raised before any I/O happens.
var ErrInvalidRequest = errors.New("missing selection parameter")

// Per-entry-point caps bound the worst-case duration of one synchronous
// call. Whatever the cap leaves behind is picked up by a subsequent call.
const (
	ScraperCap = 1000
	SinceCap   = 5000
)

const (
	defaultPageSize = 200
	defaultBulkSize = 500
)

// RecordSource reads publication rows with resolved associations.
type RecordSource interface {
	GetByID(ctx context.Context, id int64) (models.Publication, error)
	ListByScraperSince(ctx context.Context, scraperID int64, since time.Time, limit, offset int) ([]models.Publication, error)
	ListSince(ctx context.Context, since time.Time, limit, offset int) ([]models.Publication, error)
	ListAll(ctx context.Context, limit, offset int) ([]models.Publication, error)
}

// IndexWriter performs idempotent upserts against the search index.
type IndexWriter interface {
	UpsertOne(ctx context.Context, doc models.PublicationDocument) error
	UpsertMany(ctx context.Context, docs []models.PublicationDocument) (elasticsearch.BulkOutcome, error)
}

// Recorder persists finished runs. Recording is best-effort and never fails
// an indexing call.
type Recorder interface {
	Record(ctx context.Context, res Result) error
}

// Result aggregates one orchestration call. Attempted counts only documents
// whose write was resolved, so Attempted == Succeeded + Failed always holds;
// documents discarded by an abort are not attempted.
type Result struct {
	RunID     string        `json:"run_id"`
	Criterion string        `json:"criterion"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Aborted   bool          `json:"aborted"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Orchestrator pages records out of the source, maps them and submits them
// to the index in physical sub-batches. It never retries within a call;
// retries belong to the caller.
type Orchestrator struct {
	Source RecordSource
	Writer IndexWriter
	Log    *slog.Logger
	Runs   Recorder // optional

	PageSize int // records per source fetch
	BulkSize int // documents per physical bulk request

	Now func() time.Time // test seam
}

// IndexOne reindexes a single publication. A missing row propagates as the
// store's not-found error with no index write attempted.
func (o *Orchestrator) IndexOne(ctx context.Context, id int64) (Result, error) {
	if id <= 0 {
		return Result{}, fmt.Errorf("%w: publicacion id", ErrInvalidRequest)
	}
	res := o.begin(fmt.Sprintf("index-one id=%d", id))

	pub, err := o.Source.GetByID(ctx, id)
	if err != nil {
		return Result{}, err
	}

	doc := mapper.ToDocument(pub, o.now())
	if err := o.Writer.UpsertOne(ctx, doc); err != nil {
		if errors.Is(err, elasticsearch.ErrUnavailable) {
			o.log().Warn("index unavailable", slog.Int64("id", id), slog.Any("err", err))
			res.Aborted = true
			return o.finish(ctx, res), nil
		}
		o.log().Warn("document rejected", slog.Int64("id", id), slog.Any("err", err))
		res.Attempted, res.Failed = 1, 1
		return o.finish(ctx, res), nil
	}
	res.Attempted, res.Succeeded = 1, 1
	return o.finish(ctx, res), nil
}

// IndexScraperSince reindexes publications of one scraper touched at or
// after the watermark, up to ScraperCap records.
func (o *Orchestrator) IndexScraperSince(ctx context.Context, scraperID int64, since time.Time) (Result, error) {
	if scraperID <= 0 {
		return Result{}, fmt.Errorf("%w: scraper id", ErrInvalidRequest)
	}
	if since.IsZero() {
		return Result{}, fmt.Errorf("%w: since", ErrInvalidRequest)
	}
	res := o.begin(fmt.Sprintf("scraper id=%d since=%s", scraperID, since.Format(mapper.CanonicalTimeFormat)))
	return o.runPaged(ctx, res, ScraperCap, func(ctx context.Context, limit, offset int) ([]models.Publication, error) {
		return o.Source.ListByScraperSince(ctx, scraperID, since, limit, offset)
	})
}

// SyncSince reindexes publications touched at or after the watermark across
// all scrapers, up to SinceCap records.
func (o *Orchestrator) SyncSince(ctx context.Context, since time.Time) (Result, error) {
	if since.IsZero() {
		return Result{}, fmt.Errorf("%w: since", ErrInvalidRequest)
	}
	res := o.begin(fmt.Sprintf("sync since=%s", since.Format(mapper.CanonicalTimeFormat)))
	return o.runPaged(ctx, res, SinceCap, func(ctx context.Context, limit, offset int) ([]models.Publication, error) {
		return o.Source.ListSince(ctx, since, limit, offset)
	})
}

// IndexAll reindexes the whole corpus, uncapped but paged.
func (o *Orchestrator) IndexAll(ctx context.Context) (Result, error) {
	res := o.begin("bulk all")
	return o.runPaged(ctx, res, 0, o.Source.ListAll)
}

type fetchPage func(ctx context.Context, limit, offset int) ([]models.Publication, error)

// runPaged drains the selection page by page. A source failure aborts the
// whole call with no result; an index-unavailable failure stops writing and
// returns whatever was already resolved.
func (o *Orchestrator) runPaged(ctx context.Context, res Result, capRecords int, fetch fetchPage) (Result, error) {
	now := o.now()
	offset := 0
	var pending []models.PublicationDocument

	for {
		limit := o.pageSize()
		if capRecords > 0 {
			remaining := capRecords - offset
			if remaining <= 0 {
				break
			}
			if remaining < limit {
				limit = remaining
			}
		}

		pubs, err := fetch(ctx, limit, offset)
		if err != nil {
			return Result{}, err
		}
		if len(pubs) == 0 {
			break
		}
		offset += len(pubs)

		for _, pub := range pubs {
			if pub.ID <= 0 {
				res.Attempted++
				res.Failed++
				o.log().Warn("skipping record without id", slog.String("criterion", res.Criterion))
				continue
			}
			pending = append(pending, mapper.ToDocument(pub, now))
		}

		for len(pending) >= o.bulkSize() {
			batch := pending[:o.bulkSize()]
			pending = pending[o.bulkSize():]
			aborted, err := o.flush(ctx, &res, batch)
			if err != nil {
				return Result{}, err
			}
			if aborted {
				return o.finish(ctx, res), nil
			}
		}

		if len(pubs) < limit {
			break
		}
	}

	if len(pending) > 0 {
		aborted, err := o.flush(ctx, &res, pending)
		if err != nil {
			return Result{}, err
		}
		if aborted {
			return o.finish(ctx, res), nil
		}
	}

	return o.finish(ctx, res), nil
}

func (o *Orchestrator) flush(ctx context.Context, res *Result, batch []models.PublicationDocument) (bool, error) {
	outcome, err := o.Writer.UpsertMany(ctx, batch)
	if err != nil {
		if errors.Is(err, elasticsearch.ErrUnavailable) {
			o.log().Warn("index unavailable, aborting remaining batches",
				slog.String("criterion", res.Criterion),
				slog.Int("discarded", len(batch)),
				slog.Any("err", err),
			)
			res.Aborted = true
			return true, nil
		}
		return false, err
	}

	res.Attempted += len(batch)
	res.Succeeded += outcome.Succeeded
	res.Failed += len(outcome.Failed)
	for _, f := range outcome.Failed {
		o.log().Warn("document rejected",
			slog.Int64("id", f.ID),
			slog.Int("status", f.Status),
			slog.String("reason", f.Reason),
		)
	}
	return false, nil
}

func (o *Orchestrator) begin(criterion string) Result {
	return Result{
		RunID:     uuid.NewString(),
		Criterion: criterion,
		StartedAt: o.now(),
	}
}

func (o *Orchestrator) finish(ctx context.Context, res Result) Result {
	res.Duration = o.now().Sub(res.StartedAt)
	o.log().Info("indexing run finished",
		slog.String("run_id", res.RunID),
		slog.String("criterion", res.Criterion),
		slog.Int("attempted", res.Attempted),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
		slog.Bool("aborted", res.Aborted),
	)
	if o.Runs != nil {
		if err := o.Runs.Record(ctx, res); err != nil {
			o.log().Warn("record run", slog.String("run_id", res.RunID), slog.Any("err", err))
		}
	}
	return res
}

func (o *Orchestrator) pageSize() int {
	if o.PageSize > 0 {
		return o.PageSize
	}
	return defaultPageSize
}

func (o *Orchestrator) bulkSize() int {
	if o.BulkSize > 0 {
		return o.BulkSize
	}
	return defaultBulkSize
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
