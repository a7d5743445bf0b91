package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/growin/licitasync/internal/models"
)

// ErrNotFound is returned when a single-id lookup matches no row.
var ErrNotFound = errors.New("publication not found")

// ErrUnavailable marks errors caused by the relational store being
// unreachable. Callers abort the whole call on it instead of reporting
// partial success.
var ErrUnavailable = errors.New("publication store unavailable")

// maxPageSize bounds a single fetch so one page never holds the whole corpus.
const maxPageSize = 500

// Store reads publication rows and their associations from Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to the publication database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// Ping checks connectivity to the relational store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Every selection resolves curated tags (id:descripcion pairs) and the
// country in the same query, so a fetched row is ready for mapping.
const selectPublication = `
SELECT
  p.id, COALESCE(p.scraper, 0), COALESCE(p.idexterno, ''), COALESCE(p.referencia, ''),
  COALESCE(p.objeto, ''), COALESCE(p.agencia, ''), COALESCE(p.oficina, ''), COALESCE(p.link, ''),
  COALESCE(p.publicado::text, ''), COALESCE(p.apertura::text, ''), COALESCE(p.cierre::text, ''),
  COALESCE(p.cargado::text, ''), COALESCE(p.editado::text, ''),
  COALESCE(p.pais, ''), COALESCE(pa.id, 0), COALESCE(pa.nombre, ''),
  COALESCE(p.rubro, ''), COALESCE(p.tipo, ''), COALESCE(p.contacto, ''),
  COALESCE(p.observaciones, ''), COALESCE(p.visible, FALSE), COALESCE(p.attachs, ''),
  COALESCE(p.monto, ''), COALESCE(p.divisa_iso, ''),
  COALESCE(string_agg(DISTINCT t.id || ':' || COALESCE(t.descripcion, ''), ','), '')
FROM publicaciones p
LEFT JOIN tags_publicaciones tp ON tp.publicacion = p.id
LEFT JOIN tags t ON t.id = tp.tag AND t.usuario IS NULL
LEFT JOIN paises pa ON CASE WHEN p.pais ~ '^[0-9]+$' THEN pa.id::text = p.pais ELSE pa.nombre = p.pais END
`

const groupPublication = ` GROUP BY p.id, pa.id`

// GetByID fetches a single publication with resolved associations.
func (s *Store) GetByID(ctx context.Context, id int64) (models.Publication, error) {
	row := s.db.QueryRowContext(ctx, selectPublication+` WHERE p.id = $1`+groupPublication, id)
	pub, err := scanPublication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Publication{}, fmt.Errorf("publication %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Publication{}, fmt.Errorf("%w: get publication %d: %v", ErrUnavailable, id, err)
	}
	return pub, nil
}

// ListByScraperSince returns visible publications of one scraper touched at
// or after the watermark, oldest edits first.
func (s *Store) ListByScraperSince(ctx context.Context, scraperID int64, since time.Time, limit, offset int) ([]models.Publication, error) {
	query := selectPublication +
		` WHERE p.scraper = $1 AND (p.editado >= $2 OR p.cargado >= $2) AND p.visible` +
		groupPublication +
		` ORDER BY COALESCE(p.editado, p.cargado) ASC, p.id ASC LIMIT $3 OFFSET $4`
	return s.list(ctx, query, scraperID, since, clampPage(limit), offset)
}

// ListSince returns visible publications touched at or after the watermark,
// regardless of scraper.
func (s *Store) ListSince(ctx context.Context, since time.Time, limit, offset int) ([]models.Publication, error) {
	query := selectPublication +
		` WHERE (p.editado >= $1 OR p.cargado >= $1) AND p.visible` +
		groupPublication +
		` ORDER BY COALESCE(p.editado, p.cargado) ASC, p.id ASC LIMIT $2 OFFSET $3`
	return s.list(ctx, query, since, clampPage(limit), offset)
}

// ListAll pages through the whole visible corpus in id order.
func (s *Store) ListAll(ctx context.Context, limit, offset int) ([]models.Publication, error) {
	query := selectPublication +
		` WHERE p.visible` +
		groupPublication +
		` ORDER BY p.id ASC LIMIT $1 OFFSET $2`
	return s.list(ctx, query, clampPage(limit), offset)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]models.Publication, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list publications: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var pubs []models.Publication
	for rows.Next() {
		pub, err := scanPublication(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan publication: %v", ErrUnavailable, err)
		}
		pubs = append(pubs, pub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list publications: %v", ErrUnavailable, err)
	}
	return pubs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPublication(row rowScanner) (models.Publication, error) {
	var pub models.Publication
	var tagPairs string
	err := row.Scan(
		&pub.ID, &pub.Scraper, &pub.IDExterno, &pub.Referencia,
		&pub.Objeto, &pub.Agencia, &pub.Oficina, &pub.Link,
		&pub.Publicado, &pub.Apertura, &pub.Cierre,
		&pub.Cargado, &pub.Editado,
		&pub.Pais, &pub.PaisID, &pub.PaisNombre,
		&pub.Rubro, &pub.Tipo, &pub.Contacto,
		&pub.Observaciones, &pub.Visible, &pub.Attachs,
		&pub.Monto, &pub.DivisaISO,
		&tagPairs,
	)
	if err != nil {
		return models.Publication{}, err
	}
	pub.Tags = ParseTagPairs(tagPairs)
	return pub, nil
}

// ParseTagPairs decodes the aggregated "id:descripcion,id:descripcion" form
// into tags sorted by id. Malformed pairs are dropped.
func ParseTagPairs(raw string) []models.Tag {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]models.Tag, 0, len(parts))
	for _, part := range parts {
		id, desc, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			continue
		}
		tags = append(tags, models.Tag{ID: n, Descripcion: desc})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func clampPage(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
