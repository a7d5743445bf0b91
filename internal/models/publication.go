package models

// Tag is a curated (non-user) tag attached to a publication.
type Tag struct {
	ID          int64  `json:"id"`
	Descripcion string `json:"descripcion"`
}

// Publication is a row from the relational store with its tag associations
// and country already resolved. Date fields carry the store's textual form;
// the mapper normalizes them.
type Publication struct {
	ID            int64
	Scraper       int64
	IDExterno     string
	Referencia    string
	Objeto        string
	Agencia       string
	Oficina       string
	Link          string
	Publicado     string
	Apertura      string
	Cierre        string
	Cargado       string
	Editado       string
	Pais          string
	PaisID        int64
	PaisNombre    string
	Rubro         string
	Tipo          string
	Contacto      string
	Observaciones string
	Visible       bool
	Attachs       string
	Monto         string
	DivisaISO     string
	Tags          []Tag
}

// PublicationDocument is the denormalized projection stored in Elasticsearch.
// One document per publication, keyed by the same id; every write replaces
// the whole document.
type PublicationDocument struct {
	ID            int64   `json:"id"`
	Scraper       int64   `json:"scraper,omitempty"`
	IDExterno     string  `json:"idexterno,omitempty"`
	Referencia    string  `json:"referencia,omitempty"`
	Objeto        string  `json:"objeto,omitempty"`
	Agencia       string  `json:"agencia,omitempty"`
	Oficina       string  `json:"oficina,omitempty"`
	Link          string  `json:"link,omitempty"`
	Publicado     string  `json:"publicado,omitempty"`
	Apertura      string  `json:"apertura,omitempty"`
	Cierre        string  `json:"cierre,omitempty"`
	Cargado       string  `json:"cargado,omitempty"`
	Editado       string  `json:"editado,omitempty"`
	Pais          string  `json:"pais,omitempty"`
	PaisID        int64   `json:"pais_id,omitempty"`
	PaisNombre    string  `json:"pais_nombre,omitempty"`
	Rubro         string  `json:"rubro,omitempty"`
	Tipo          string  `json:"tipo,omitempty"`
	Contacto      string  `json:"contacto,omitempty"`
	Observaciones string  `json:"observaciones,omitempty"`
	Visible       bool    `json:"visible"`
	Attachs       string  `json:"attachs,omitempty"`
	Monto         float64 `json:"monto,omitempty"`
	DivisaISO     string  `json:"divisaSimboloISO,omitempty"`
	Tags          []Tag   `json:"tags"`
	TagIDs        []int64 `json:"tag_ids"`
	Vigente       bool    `json:"vigente"`
}
