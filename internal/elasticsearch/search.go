package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/growin/licitasync/internal/models"
)

// LicitacionSearch carries the filter parameters of the external web
// application, in the same shape its front end has always sent them.
type LicitacionSearch struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`

	Search  string `json:"search,omitempty"`
	Objeto  string `json:"objeto,omitempty"`
	Agencia string `json:"agencia,omitempty"`
	Pais    string `json:"pais,omitempty"`
	Rubro   string `json:"rubro,omitempty"`

	AperturaFrom string `json:"apertura_fr,omitempty"`
	AperturaTo   string `json:"apertura_to,omitempty"`

	IncluirVencidos string `json:"incluirVencidos,omitempty"`
	SoloVigentes    string `json:"soloVigentes,omitempty"`

	UserTagIDs []int64 `json:"user_tag_ids,omitempty"`
	FilterMode string  `json:"filter_mode,omitempty"`
}

// LicitacionPage is the paginated result reshaped for the caller.
type LicitacionPage struct {
	Publicaciones []models.PublicationDocument `json:"publicaciones"`
	Total         int64                        `json:"total"`
	Pagina        int                          `json:"pagina"`
	Paginas       int                          `json:"paginas"`
}

// SearchLicitaciones translates the filter parameters into a bool query,
// runs it and reshapes the hits. Engine errors propagate so the caller can
// fall back to the relational store.
func (c *Client) SearchLicitaciones(ctx context.Context, params LicitacionSearch) (*LicitacionPage, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 15
	}

	body := map[string]any{
		"from":             (params.Page - 1) * params.PageSize,
		"size":             params.PageSize,
		"track_total_hits": true,
		"query":            buildLicitacionQuery(params),
		"sort": []map[string]any{
			{"apertura": map[string]any{"order": "desc", "missing": "_last"}},
			{"id": map[string]any{"order": "desc"}},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		reason := strings.TrimSpace(string(data))
		if transientStatus(res.StatusCode) {
			return nil, fmt.Errorf("%w: search: %s", ErrUnavailable, reason)
		}
		return nil, fmt.Errorf("search failed: %s", reason)
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.PublicationDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]models.PublicationDocument, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, hit.Source)
	}

	total := parsed.Hits.Total.Value
	paginas := 1
	if total > 0 {
		paginas = int((total + int64(params.PageSize) - 1) / int64(params.PageSize))
	}

	return &LicitacionPage{
		Publicaciones: items,
		Total:         total,
		Pagina:        params.Page,
		Paginas:       paginas,
	}, nil
}

// buildLicitacionQuery maps filter parameters to query clauses: wildcard
// matches on free-text fields, exact/range matches on structured fields and
// a tag-set intersection when the caller scopes to its own tags.
func buildLicitacionQuery(params LicitacionSearch) map[string]any {
	var must, filter, should []map[string]any

	if s := strings.TrimSpace(params.Search); s != "" {
		for _, field := range []string{"objeto", "agencia", "oficina", "referencia"} {
			should = append(should, map[string]any{
				"wildcard": map[string]any{field: "*" + s + "*"},
			})
		}
	}

	if v := strings.TrimSpace(params.Objeto); v != "" {
		must = append(must, map[string]any{"wildcard": map[string]any{"objeto": "*" + v + "*"}})
	}
	if v := strings.TrimSpace(params.Agencia); v != "" {
		must = append(must, map[string]any{"wildcard": map[string]any{"agencia": "*" + v + "*"}})
	}

	if params.Pais != "" && params.Pais != "all" {
		if id, err := strconv.ParseInt(params.Pais, 10, 64); err == nil {
			filter = append(filter, map[string]any{"term": map[string]any{"pais_id": id}})
		} else {
			filter = append(filter, map[string]any{"term": map[string]any{"pais_nombre": params.Pais}})
		}
	}

	if params.Rubro != "" && params.Rubro != "all" {
		if id, err := strconv.ParseInt(params.Rubro, 10, 64); err == nil {
			filter = append(filter, map[string]any{"term": map[string]any{"tag_ids": id}})
		}
	}

	if params.FilterMode == "user_tags" && len(params.UserTagIDs) > 0 {
		filter = append(filter, map[string]any{"terms": map[string]any{"tag_ids": params.UserTagIDs}})
	}

	if dateRange := aperturaRange(params.AperturaFrom, params.AperturaTo); len(dateRange) > 0 {
		filter = append(filter, map[string]any{"range": map[string]any{"apertura": dateRange}})
	}

	if params.IncluirVencidos == "0" || params.SoloVigentes == "1" {
		filter = append(filter, map[string]any{"term": map[string]any{"vigente": true}})
	}

	// Hidden publications never leave the gateway.
	filter = append(filter, map[string]any{"term": map[string]any{"visible": true}})

	boolQuery := map[string]any{"filter": filter}
	if len(must) > 0 {
		boolQuery["must"] = must
	}
	if len(should) > 0 {
		boolQuery["should"] = should
		boolQuery["minimum_should_match"] = 1
	}

	return map[string]any{"bool": boolQuery}
}

func aperturaRange(from, to string) map[string]any {
	dateRange := map[string]any{}
	if d := normalizeFilterDate(from); d != "" {
		dateRange["gte"] = d + " 00:00:00"
	}
	if d := normalizeFilterDate(to); d != "" {
		dateRange["lte"] = d + " 23:59:59"
	}
	return dateRange
}

// normalizeFilterDate accepts DD/MM/YYYY or YYYY-MM-DD and returns
// YYYY-MM-DD, or "" when the input is empty or unparseable.
func normalizeFilterDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, f := range []string{"02/01/2006", "2006-01-02"} {
		if ts, err := time.Parse(f, raw); err == nil {
			return ts.Format("2006-01-02")
		}
	}
	return ""
}
