package ejldb

import (
	json "github.com/goccy/go-json"
)

// jsonMarshalOpts disables HTML escaping so that canonical documents are
// stable UTF-8 text rather than having '<','>','&' escaped away, matching
// the "no-ASCII-escape encoding" requirement on data lines. Object keys for
// map[string]any values are sorted by both encoding/json and goccy/go-json,
// which is what makes a map[string]any document's marshaled form canonical
// without any extra bookkeeping.
var jsonMarshalOpts = []json.EncodeOptionFunc{json.DisableHTMLEscape()}

// canonicalJSON returns the canonical (sorted-key, unescaped) JSON encoding
// of v. v must be built from maps, slices, and scalars (never structs with
// declared field order) for the sort-on-marshal property to hold.
func canonicalJSON(v any) ([]byte, error) {
	return json.MarshalWithOption(v, jsonMarshalOpts...)
}

// unmarshalJSON is a thin wrapper kept so the rest of the package never
// imports encoding/json or goccy/go-json directly.
func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
