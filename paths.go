// Path extraction and secondary/reverse index maintenance from a document.
package ejldb

import "strings"

// extractAtPath descends doc following '/' separated path segments through
// nested objects, returning the value at the end of the path, or
// (nil,false) if any segment is absent or not an object.
func extractAtPath(doc map[string]any, path string) (any, bool) {
	segs := strings.Split(path, "/")
	var cur any = doc
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// canonicalValueString returns the canonical JSON text of a scalar value,
// used as the map key for secondary-index buckets so that writers and
// query-time lookups always agree on how a value is keyed.
func canonicalValueString(v any) string {
	b, err := canonicalJSON(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// indexMutateDoc adds (add=true) or removes (add=false) every secondary
// and reverse-taxonomy contribution a live document makes, per the given
// index specs. Symmetric by construction: calling it once with add=true at
// save and once with add=false at delete/update-superseded keeps the index
// exactly in sync with live records.
func indexMutateDoc(idx *inMemoryIndex, specs indexSpecs, id string, doc map[string]any, add bool) {
	mutateBucket := idx.AddSecondary
	mutateReverse := idx.AddReverse
	if !add {
		mutateBucket = idx.RemoveSecondary
		mutateReverse = idx.RemoveReverse
	}

	for _, e := range specs.Secondary {
		v, ok := extractAtPath(doc, e.path)
		if !ok || v == nil {
			continue
		}
		mutateBucket(e.path, canonicalValueString(v), id)
	}
	for _, e := range specs.ReverseSingle {
		v, ok := extractAtPath(doc, e.path)
		if !ok {
			continue
		}
		key, ok := v.(string)
		if !ok {
			continue
		}
		mutateReverse(e.spec.Taxonomy, key, id)
	}
	for _, e := range specs.ReverseMulti {
		v, ok := extractAtPath(doc, e.path)
		if !ok {
			continue
		}
		list, ok := v.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			key, ok := item.(string)
			if !ok {
				continue
			}
			mutateReverse(e.spec.Taxonomy, key, id)
		}
	}
}
