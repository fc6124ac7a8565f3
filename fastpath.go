// Fast-path regex extraction: an optimization, not a correctness path —
// narrow, frequently-run queries can skip full JSON parsing of each
// candidate record by pattern-matching the raw data line instead.
package ejldb

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// isSimpleQuery reports whether q is eligible for fast-path evaluation:
// no $or, no $in/$contains anywhere, and at most maxTerms comparison-op
// terms total ($eq/$ne/$gt/$gte/$lt/$lte only).
func isSimpleQuery(q Query, maxTerms int) bool {
	if _, ok := q[opOr]; ok {
		return false
	}
	terms := 0
	for _, pp := range flattenQuery(q, "") {
		ops := normalizeFieldPred(pp.pred)
		for op := range ops {
			switch op {
			case "$in", "$contains":
				return false
			case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte":
				terms++
			default:
				return false
			}
		}
	}
	return terms <= maxTerms
}

// compilePathPattern builds a regex that extracts the first occurrence of
// a top-level scalar field's raw JSON value from a canonical data line.
// Only single-segment (non-nested) paths are supported; nested paths
// return an error so the caller falls back to a full parse.
func compilePathPattern(path string, t FieldType) (*regexp.Regexp, error) {
	if !t.scalar() {
		return nil, fmt.Errorf("ejldb: fast path only supports scalar types")
	}
	if strings.Contains(path, "/") {
		return nil, fmt.Errorf("ejldb: fast path does not support nested path %q", path)
	}
	key := regexp.QuoteMeta(path)
	var valuePattern string
	switch t {
	case TypeStr, TypeDatetime:
		valuePattern = `"((?:[^"\\]|\\.)*)"`
	case TypeInt, TypeFloat:
		valuePattern = `(-?[0-9]+(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?)`
	case TypeBool:
		valuePattern = `(true|false)`
	default:
		return nil, fmt.Errorf("ejldb: unsupported fast path type %q", t)
	}
	return regexp.Compile(`"` + key + `"\s*:\s*` + valuePattern)
}

// extractFirst returns the first match's captured scalar text, or false if
// the pattern does not match the line at all.
func extractFirst(pattern *regexp.Regexp, line string) (string, bool) {
	m := pattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// fastExtractScalar decodes a fast-path capture back into the same Go type
// fullscan would have produced via JSON unmarshal, so that equality and
// ordering against it agree with the full-parse path.
func fastExtractScalar(raw string, t FieldType) (any, bool) {
	switch t {
	case TypeStr, TypeDatetime:
		var s string
		if err := unmarshalJSON([]byte(`"`+raw+`"`), &s); err != nil {
			return nil, false
		}
		return s, true
	case TypeInt, TypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	case TypeBool:
		return raw == "true", true
	default:
		return nil, false
	}
}

// fastMatchAndExtract attempts to evaluate every term of q against line
// using per-path compiled regexes. It also requires every requested
// projection field to be a scalar schema field (or "id"). It never builds
// the result document: doc is always nil, and callers parse the line to get
// it. ok is false whenever any precondition isn't met, in which case the
// caller must fall back to a full parse; this keeps the fast path strictly
// an optimization layered on top of, never a replacement for, the
// correctness path.
func fastMatchAndExtract(line string, q Query, fields []string, schema *Schema) (doc map[string]any, matched bool, ok bool) {
	if !isSimpleQuery(q, 3) {
		return nil, false, false
	}
	// A key pattern cannot tell a top-level key from a same-named key inside
	// a nested object, so a line holding any nested object takes the full
	// parse.
	if strings.Count(line, "{") > 1 {
		return nil, false, false
	}

	scalarType := func(path string) (FieldType, bool) {
		for _, e := range schema.flat {
			if e.path == path && e.spec.Type.scalar() {
				return e.spec.Type, true
			}
		}
		return "", false
	}

	pairs := flattenQuery(q, "")
	for _, pp := range pairs {
		ft, isScalar := scalarType(pp.path)
		if !isScalar {
			return nil, false, false
		}
		pattern, err := compilePathPattern(pp.path, ft)
		if err != nil {
			return nil, false, false
		}
		raw, found := extractFirst(pattern, line)
		if !found {
			// Field genuinely absent: evaluate the term the way matchQuery
			// does for a missing field, a confident result either way.
			if !matchField(nil, false, pp.pred) {
				return nil, false, true
			}
			continue
		}
		val, decodeOK := fastExtractScalar(raw, ft)
		if !decodeOK {
			return nil, false, false
		}
		if !matchField(val, true, pp.pred) {
			return nil, false, true
		}
	}

	if len(fields) > 0 {
		for _, f := range fields {
			if _, isScalar := scalarType(f); !isScalar && f != "id" {
				return nil, false, false
			}
		}
	}

	return nil, true, true
}
