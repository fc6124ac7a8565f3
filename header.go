// The four-line file header: header, schema, taxonomies, begin-sentinel,
// each one explicit JSON line rather than a packed binary struct.
package ejldb

import (
	"fmt"
)

const formatMagic = "ejl1"

type headerLine struct {
	T                          string `json:"_t"`
	Format                     string `json:"format"`
	Table                      string `json:"table"`
	Created                    string `json:"created"`
	DefaultsAlwaysMaterialized bool   `json:"defaults_always_materialized"`
}

// fieldSpecJSON is the on-disk mirror of FieldSpec: same shape, JSON tags,
// and recursive Items/Fields so nested list/object specs round-trip.
type fieldSpecJSON struct {
	Type            FieldType                `json:"type"`
	Mandatory       bool                      `json:"mandatory,omitempty"`
	Default         any                       `json:"default,omitempty"`
	Index           bool                      `json:"index,omitempty"`
	Taxonomy        string                    `json:"taxonomy,omitempty"`
	TaxonomyMode    string                    `json:"taxonomy_mode,omitempty"`
	Strict          bool                      `json:"strict,omitempty"`
	IndexMembership bool                      `json:"index_membership,omitempty"`
	Items           *fieldSpecJSON            `json:"items,omitempty"`
	Fields          map[string]*fieldSpecJSON `json:"fields,omitempty"`
}

func specToJSON(s *FieldSpec) *fieldSpecJSON {
	if s == nil {
		return nil
	}
	out := &fieldSpecJSON{
		Type:            s.Type,
		Mandatory:       s.Mandatory,
		Default:         s.Default,
		Index:           s.Index,
		Taxonomy:        s.Taxonomy,
		TaxonomyMode:    s.TaxonomyMode,
		Strict:          s.Strict,
		IndexMembership: s.IndexMembership,
		Items:           specToJSON(s.Items),
	}
	if s.Fields != nil {
		out.Fields = make(map[string]*fieldSpecJSON, len(s.Fields))
		for k, v := range s.Fields {
			out.Fields[k] = specToJSON(v)
		}
	}
	return out
}

func specFromJSON(s *fieldSpecJSON) *FieldSpec {
	if s == nil {
		return nil
	}
	out := &FieldSpec{
		Type:            s.Type,
		Mandatory:       s.Mandatory,
		Default:         s.Default,
		Index:           s.Index,
		Taxonomy:        s.Taxonomy,
		TaxonomyMode:    s.TaxonomyMode,
		Strict:          s.Strict,
		IndexMembership: s.IndexMembership,
		Items:           specFromJSON(s.Items),
	}
	if s.Fields != nil {
		out.Fields = make(map[string]*FieldSpec, len(s.Fields))
		for k, v := range s.Fields {
			out.Fields[k] = specFromJSON(v)
		}
	}
	return out
}

type schemaHeaderLine struct {
	T      string                    `json:"_t"`
	Fields map[string]*fieldSpecJSON `json:"fields"`
}

func schemaToHeaderLine(s *Schema) schemaHeaderLine {
	fields := make(map[string]*fieldSpecJSON, len(s.Fields))
	for k, v := range s.Fields {
		fields[k] = specToJSON(v)
	}
	return schemaHeaderLine{T: "schema", Fields: fields}
}

func schemaFromHeaderLine(h schemaHeaderLine) *Schema {
	fields := make(map[string]*FieldSpec, len(h.Fields))
	for k, v := range h.Fields {
		fields[k] = specFromJSON(v)
	}
	return NewSchema(fields)
}

// schemaEqual reports whether two schemas are structurally identical, used
// by Database.Open to detect that a migration is needed.
func schemaEqual(a, b *Schema) bool {
	ab, _ := canonicalJSON(schemaToHeaderLine(a).Fields)
	bb, _ := canonicalJSON(schemaToHeaderLine(b).Fields)
	return string(ab) == string(bb)
}

// taxonomyCatalogJSON is one taxonomy's on-disk form: a map of key to
// arbitrary attributes (title, etc).
type taxonomyCatalogJSON struct {
	Keys map[string]map[string]any `json:"keys"`
}

// taxonomiesHeaderLine is the on-disk taxonomies header: each taxonomy name
// is a top-level key alongside "_t" rather than nested under a wrapper
// field: {"_t":"taxonomies", "categories":{"keys":{...}}, ...}.
type taxonomiesHeaderLine struct {
	Catalogs map[string]*taxonomyCatalogJSON
}

func (h taxonomiesHeaderLine) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(h.Catalogs)+1)
	flat["_t"] = "taxonomies"
	for name, cat := range h.Catalogs {
		flat[name] = cat
	}
	return canonicalJSON(flat)
}

func (h *taxonomiesHeaderLine) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := unmarshalJSON(data, &flat); err != nil {
		return err
	}
	h.Catalogs = make(map[string]*taxonomyCatalogJSON)
	for name, v := range flat {
		if name == "_t" {
			continue
		}
		raw, err := canonicalJSON(v)
		if err != nil {
			return err
		}
		var cat taxonomyCatalogJSON
		if err := unmarshalJSON(raw, &cat); err != nil {
			return fmt.Errorf("%w: taxonomy %q: %v", ErrIOCorruption, name, err)
		}
		h.Catalogs[name] = &cat
	}
	return nil
}

type beginLine struct {
	T string `json:"_t"`
}

// metaLine is one meta record: {"_t":"meta", id, op:"put"|"del", ts,
// [len_data, sha256_data]}.
type metaLine struct {
	T          string `json:"_t"`
	ID         string `json:"id"`
	Op         string `json:"op"`
	TS         int64  `json:"ts"`
	LenData    int    `json:"len_data,omitempty"`
	SHA256Data string `json:"sha256_data,omitempty"`
}

const (
	opPut = "put"
	opDel = "del"
)
