package mapper

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/growin/licitasync/internal/models"
)

// CanonicalTimeFormat is the single date format used in indexed documents
// and on the wire.
const CanonicalTimeFormat = "2006-01-02 15:04:05"

// Source stores have produced dates in several shapes over the years; all of
// them collapse into the canonical format.
var sourceTimeFormats = []string{
	CanonicalTimeFormat,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05-07",
	"2006-01-02",
}

// ToDocument converts a publication row into its search document. The result
// depends only on the record and the supplied clock reading, so mapping the
// same record twice yields an identical document.
func ToDocument(pub models.Publication, now time.Time) models.PublicationDocument {
	tags := append([]models.Tag(nil), pub.Tags...)
	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })

	tagIDs := make([]int64, 0, len(tags))
	for _, t := range tags {
		tagIDs = append(tagIDs, t.ID)
	}

	monto, _ := ParseMonto(pub.Monto)
	apertura := NormalizeDate(pub.Apertura)

	return models.PublicationDocument{
		ID:            pub.ID,
		Scraper:       pub.Scraper,
		IDExterno:     pub.IDExterno,
		Referencia:    pub.Referencia,
		Objeto:        pub.Objeto,
		Agencia:       pub.Agencia,
		Oficina:       pub.Oficina,
		Link:          pub.Link,
		Publicado:     NormalizeDate(pub.Publicado),
		Apertura:      apertura,
		Cierre:        NormalizeDate(pub.Cierre),
		Cargado:       NormalizeDate(pub.Cargado),
		Editado:       NormalizeDate(pub.Editado),
		Pais:          pub.Pais,
		PaisID:        pub.PaisID,
		PaisNombre:    pub.PaisNombre,
		Rubro:         pub.Rubro,
		Tipo:          pub.Tipo,
		Contacto:      pub.Contacto,
		Observaciones: pub.Observaciones,
		Visible:       pub.Visible,
		Attachs:       pub.Attachs,
		Monto:         monto,
		DivisaISO:     pub.DivisaISO,
		Tags:          tags,
		TagIDs:        tagIDs,
		Vigente:       vigente(apertura, now),
	}
}

// vigente reports whether a publication is still open: the opening date has
// not passed yet, or was never set.
func vigente(apertura string, now time.Time) bool {
	if apertura == "" {
		return true
	}
	open, err := time.Parse(CanonicalTimeFormat, apertura)
	if err != nil {
		return true
	}
	return !open.Before(now.UTC().Truncate(time.Second))
}

// NormalizeDate parses a source date in any known format and renders it in
// the canonical format. Empty, zero ("0000-00-00 ...") and unparseable values
// normalize to "".
func NormalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "0000-00-00") {
		return ""
	}
	for _, f := range sourceTimeFormats {
		if ts, err := time.Parse(f, raw); err == nil {
			return ts.UTC().Format(CanonicalTimeFormat)
		}
	}
	return ""
}

// ParseMonto converts a localized amount such as "$3.900.000,00" into a
// float. The second return is false when the input carries no amount.
func ParseMonto(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, false
	}
	cleaned := strings.NewReplacer("$", "", " ", "", ".", "").Replace(raw)
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
