package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/growin/licitasync/internal/models"
)

// ErrUnavailable marks failures caused by the search engine being
// unreachable or overloaded. A batch caller aborts remaining work on it.
var ErrUnavailable = errors.New("elasticsearch unavailable")

// ErrRejected marks a single document the engine refused (mapping or schema
// mismatch). It fails only that document.
var ErrRejected = errors.New("document rejected")

// DocumentFailure describes one document that failed inside a bulk request.
type DocumentFailure struct {
	ID     int64
	Status int
	Reason string
}

// BulkOutcome is the per-document resolution of one bulk request.
type BulkOutcome struct {
	Succeeded int
	Failed    []DocumentFailure
}

// Client wraps go-elasticsearch with helpers for the publications index.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

// New instantiates the Elasticsearch client.
func New(addr, index string, logger *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{es: es, index: index, log: logger}, nil
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("%w: ping: %s", ErrUnavailable, res.Status())
	}

	return nil
}

// UpsertOne replaces the document with the same id in the index. The write
// is a full-document replace, so repeating it is always safe.
func (c *Client) UpsertOne(ctx context.Context, doc models.PublicationDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal publication %d: %w", doc.ID, err)
	}

	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: strconv.FormatInt(doc.ID, 10),
		Body:       bytes.NewReader(payload),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("%w: index publication %d: %v", ErrUnavailable, doc.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		reason := strings.TrimSpace(string(body))
		if transientStatus(res.StatusCode) {
			return fmt.Errorf("%w: index publication %d: %s", ErrUnavailable, doc.ID, reason)
		}
		return fmt.Errorf("%w: publication %d: %s", ErrRejected, doc.ID, reason)
	}

	return nil
}

// UpsertMany submits one physical bulk request and reports per-document
// results. Callers slice logical batches down to the configured bulk size
// before calling.
func (c *Client) UpsertMany(ctx context.Context, docs []models.PublicationDocument) (BulkOutcome, error) {
	if len(docs) == 0 {
		return BulkOutcome{}, nil
	}

	var buf bytes.Buffer
	for _, doc := range docs {
		fmt.Fprintf(&buf, `{"index":{"_id":"%d"}}`, doc.ID)
		buf.WriteByte('\n')
		payload, err := json.Marshal(doc)
		if err != nil {
			return BulkOutcome{}, fmt.Errorf("marshal publication %d: %w", doc.ID, err)
		}
		buf.Write(payload)
		buf.WriteByte('\n')
	}

	req := esapi.BulkRequest{
		Index: c.index,
		Body:  &buf,
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return BulkOutcome{}, fmt.Errorf("%w: bulk of %d documents: %v", ErrUnavailable, len(docs), err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		reason := strings.TrimSpace(string(body))
		if transientStatus(res.StatusCode) {
			return BulkOutcome{}, fmt.Errorf("%w: bulk of %d documents: %s", ErrUnavailable, len(docs), reason)
		}
		return BulkOutcome{}, fmt.Errorf("bulk of %d documents failed: %s", len(docs), reason)
	}

	outcome, err := parseBulkResponse(res.Body)
	if err != nil {
		return BulkOutcome{}, fmt.Errorf("decode bulk response: %w", err)
	}
	return outcome, nil
}

// parseBulkResponse walks the per-item results of a bulk response. An item
// counts as succeeded on any 2xx status.
func parseBulkResponse(body io.Reader) (BulkOutcome, error) {
	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}

	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return BulkOutcome{}, err
	}

	var outcome BulkOutcome
	for _, item := range parsed.Items {
		for _, result := range item {
			if result.Status >= 200 && result.Status < 300 {
				outcome.Succeeded++
				continue
			}
			failure := DocumentFailure{Status: result.Status}
			if id, err := strconv.ParseInt(result.ID, 10, 64); err == nil {
				failure.ID = id
			}
			if result.Error != nil {
				failure.Reason = result.Error.Type + ": " + result.Error.Reason
			}
			outcome.Failed = append(outcome.Failed, failure)
		}
	}
	return outcome, nil
}

// Health pings the cluster to ensure connectivity.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: cluster health: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%w: cluster health: %s", ErrUnavailable, strings.TrimSpace(string(data)))
	}
	return nil
}

// transientStatus reports whether an HTTP status means the engine itself is
// struggling rather than the document being bad.
func transientStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}
