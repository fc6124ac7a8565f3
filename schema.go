// Schema: field specification, default materialization, type and
// membership validation, flattened path lookup.
package ejldb

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

// FieldType is one of the scalar or composite types recognized by Schema.
type FieldType string

const (
	TypeStr      FieldType = "str"
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeBool     FieldType = "bool"
	TypeDatetime FieldType = "datetime"
	TypeList     FieldType = "list"
	TypeObject   FieldType = "object"
	TypeBlob     FieldType = "blob"
)

func (t FieldType) scalar() bool {
	switch t {
	case TypeStr, TypeInt, TypeFloat, TypeBool, TypeDatetime:
		return true
	default:
		return false
	}
}

// FieldSpec describes one schema field: mandatory, default, index,
// taxonomy, taxonomy_mode, strict, index_membership, items, fields.
type FieldSpec struct {
	Type FieldType

	Mandatory bool
	Default   any

	// Index builds a secondary scalar index on this path. Only valid for
	// scalar types.
	Index bool

	// Taxonomy names a catalog this field's value(s) are drawn from.
	Taxonomy string
	// TaxonomyMode is "single" (Type==str) or "multi" (Type==list).
	TaxonomyMode string
	// Strict requires every taxonomy value to be a key present in the
	// catalog at validate time.
	Strict bool
	// IndexMembership builds a reverse taxonomy index for list-typed
	// taxonomy fields.
	IndexMembership bool

	// Items is the element spec for Type==list.
	Items *FieldSpec
	// Fields is the nested spec for Type==object.
	Fields map[string]*FieldSpec
}

const (
	TaxonomyModeSingle = "single"
	TaxonomyModeMulti  = "multi"
)

// flatEntry pairs a '/'-joined path with the FieldSpec that governs it.
type flatEntry struct {
	path string
	spec *FieldSpec
}

// Schema is a field_name -> FieldSpec map plus a flattened path_tuple ->
// FieldSpec index used for index extraction, the query fast path, and
// taxonomy field lookup. Default materialization and validation walk
// Fields recursively instead.
type Schema struct {
	Fields map[string]*FieldSpec
	flat   []flatEntry
}

// NewSchema builds a Schema from an explicit field map and precomputes its
// flattened path index.
func NewSchema(fields map[string]*FieldSpec) *Schema {
	s := &Schema{Fields: fields}
	s.flat = flattenSchema("", fields)
	return s
}

func flattenSchema(prefix string, fields map[string]*FieldSpec) []flatEntry {
	var out []flatEntry
	for name, spec := range fields {
		path := name
		if prefix != "" {
			path = prefix + "/" + name
		}
		out = append(out, flatEntry{path: path, spec: spec})
		if spec.Type == TypeObject && spec.Fields != nil {
			out = append(out, flattenSchema(path, spec.Fields)...)
		}
	}
	return out
}

// FlatPaths returns the path -> FieldSpec pairs used by InMemoryIndex to
// decide which paths to index and how.
func (s *Schema) FlatPaths() []flatEntry { return s.flat }

// ApplyDefaults walks the schema and inserts missing fields with their
// declared defaults, recursing into object fields. The header flag
// "defaults_always_materialized" records that this has always been done
// by the time a document reaches storage.
func (s *Schema) ApplyDefaults(doc map[string]any) {
	applyDefaults(doc, s.Fields)
}

func applyDefaults(doc map[string]any, fields map[string]*FieldSpec) {
	for name, spec := range fields {
		v, present := doc[name]
		if !present || v == nil {
			if spec.Default != nil {
				doc[name] = cloneDefault(spec.Default)
				v = doc[name]
				present = true
			}
		}
		if present && spec.Type == TypeObject && spec.Fields != nil {
			if sub, ok := v.(map[string]any); ok {
				applyDefaults(sub, spec.Fields)
			}
		}
	}
}

// cloneDefault deep-copies map/slice defaults (recursively) so that repeated
// ApplyDefaults calls never share mutable state across documents.
func cloneDefault(v any) any {
	switch d := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(d))
		for k, vv := range d {
			out[k] = cloneDefault(vv)
		}
		return out
	case []any:
		out := make([]any, len(d))
		for i, vv := range d {
			out[i] = cloneDefault(vv)
		}
		return out
	default:
		return v
	}
}

// TaxonomyLookup is the minimal view of the taxonomy catalog Validate needs
// to enforce strict membership without importing the taxonomy manager
// itself.
type TaxonomyLookup interface {
	HasKey(taxonomy, key string) bool
}

// Validate enforces type, presence, and strictness. It assumes
// ApplyDefaults has already run.
func (s *Schema) Validate(doc map[string]any, catalog TaxonomyLookup) error {
	return validateFields(doc, s.Fields, catalog, "")
}

func validateFields(doc map[string]any, fields map[string]*FieldSpec, catalog TaxonomyLookup, prefix string) error {
	for name, spec := range fields {
		path := name
		if prefix != "" {
			path = prefix + "/" + name
		}
		v, present := doc[name]
		if spec.Mandatory && (!present || v == nil) {
			return fmt.Errorf("%w: field %q is mandatory", ErrValidation, path)
		}
		if !present || v == nil {
			continue
		}
		if err := validateValue(v, spec, catalog, path); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(v any, spec *FieldSpec, catalog TaxonomyLookup, path string) error {
	switch spec.Type {
	case TypeStr:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: field %q must be str", ErrValidation, path)
		}
		if spec.Taxonomy != "" && spec.TaxonomyMode != TaxonomyModeMulti && spec.Strict {
			if catalog != nil && !catalog.HasKey(spec.Taxonomy, s) {
				return fmt.Errorf("%w: field %q: %q is not a key of taxonomy %q", ErrValidation, path, s, spec.Taxonomy)
			}
		}
	case TypeInt:
		if !isWholeNumber(v) {
			return fmt.Errorf("%w: field %q must be int", ErrValidation, path)
		}
	case TypeFloat:
		if !isNumber(v) {
			return fmt.Errorf("%w: field %q must be float", ErrValidation, path)
		}
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%w: field %q must be bool", ErrValidation, path)
		}
	case TypeDatetime:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: field %q must be an ISO-8601 datetime string", ErrValidation, path)
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("%w: field %q is not a valid ISO-8601 datetime: %v", ErrValidation, path, err)
		}
	case TypeBlob:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("%w: field %q must be a blob reference", ErrValidation, path)
		}
	case TypeList:
		list, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%w: field %q must be a list", ErrValidation, path)
		}
		for i, item := range list {
			if spec.Items != nil {
				if err := validateValue(item, spec.Items, catalog, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
			if spec.Taxonomy != "" && spec.TaxonomyMode == TaxonomyModeMulti && spec.Strict {
				key, ok := item.(string)
				if !ok {
					return fmt.Errorf("%w: field %q: taxonomy item must be a string", ErrValidation, path)
				}
				if catalog != nil && !catalog.HasKey(spec.Taxonomy, key) {
					return fmt.Errorf("%w: field %q: %q is not a key of taxonomy %q", ErrValidation, path, key, spec.Taxonomy)
				}
			}
		}
	case TypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: field %q must be an object", ErrValidation, path)
		}
		if spec.Fields != nil {
			return validateFields(obj, spec.Fields, catalog, path)
		}
	default:
		return fmt.Errorf("%w: field %q has unknown type %q", ErrValidation, path, spec.Type)
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64:
		return true
	default:
		return false
	}
}

func isWholeNumber(v any) bool {
	switch n := v.(type) {
	case int, int64:
		return true
	case float64:
		return n == float64(int64(n))
	default:
		return false
	}
}

// SchemaFromType derives a Schema from a Go struct via JSON-Schema
// reflection. This is an optional convenience on top of the explicit
// field-spec map constructor (NewSchema): callers with a fixed Go struct
// shape for their documents can avoid hand-writing a FieldSpec map, at the
// cost of losing access to taxonomy/index options (those must still be set
// by hand on the returned Schema, since they have no Go-type equivalent).
func SchemaFromType[T any]() (*Schema, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("ejldb: SchemaFromType: %s is not a struct", t.Kind())
	}

	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	js := r.ReflectFromType(t)

	required := make(map[string]bool)
	for _, name := range js.Required {
		required[name] = true
	}

	fields := make(map[string]*FieldSpec)
	for pair := js.Properties.Oldest(); pair != nil; pair = pair.Next() {
		name := pair.Key
		goType := goFieldType(t, name)
		fields[name] = &FieldSpec{
			Type:      goType,
			Mandatory: required[name],
		}
	}
	return NewSchema(fields), nil
}

func goFieldType(t reflect.Type, jsonName string) FieldType {
	for i := range t.NumField() {
		f := t.Field(i)
		if jsonFieldName(f) == jsonName {
			return goKindToFieldType(f.Type)
		}
	}
	return TypeStr
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return f.Name
	}
	if i := strings.IndexByte(tag, ','); i >= 0 {
		if i == 0 {
			return f.Name
		}
		return tag[:i]
	}
	return tag
}

func goKindToFieldType(t reflect.Type) FieldType {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == reflect.TypeFor[time.Time]() {
		return TypeDatetime
	}
	switch t.Kind() {
	case reflect.String:
		return TypeStr
	case reflect.Bool:
		return TypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeInt
	case reflect.Float32, reflect.Float64:
		return TypeFloat
	case reflect.Slice, reflect.Array:
		return TypeList
	case reflect.Struct, reflect.Map:
		return TypeObject
	default:
		return TypeStr
	}
}
