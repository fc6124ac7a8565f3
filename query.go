// QueryPlanner/Executor: predicate model, prefilter via indexes, residual
// full-match over loaded records, ordering, projection, pagination.
package ejldb

import (
	"sort"
	"strings"
)

// Query is the predicate grammar's root: Field -> FieldPred pairs, plus an
// optional "$or" key holding a list of alternative Query objects. FieldPred
// is either a bare scalar (equality shorthand), an
// operator map ($eq/$ne/$gt/$gte/$lt/$lte/$in/$contains), or a further
// nested map for path descent.
type Query map[string]any

const opOr = "$or"

var comparisonOps = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
	"$in": true, "$contains": true,
}

// pathPred is one flattened (path, predicate) pair after descending
// through every non-operator nested map in a Query.
type pathPred struct {
	path string
	pred any
}

// flattenQuery walks q (excluding "$or", handled by the caller) collecting
// one pathPred per leaf predicate.
func flattenQuery(q map[string]any, prefix string) []pathPred {
	var out []pathPred
	for k, v := range q {
		if k == opOr {
			continue
		}
		path := k
		if prefix != "" {
			path = prefix + "/" + k
		}
		if m, ok := asQueryMap(v); ok && !isOperatorMap(m) {
			out = append(out, flattenQuery(m, path)...)
			continue
		}
		out = append(out, pathPred{path: path, pred: v})
	}
	return out
}

func isOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// asQueryMap returns v as a plain map when it is either a map[string]any
// or a Query, so nested predicates may be written with either type.
func asQueryMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Query:
		return m, true
	case map[string]any:
		return m, true
	}
	return nil, false
}

// normalizeFieldPred turns a bare scalar into {"$eq": scalar} so callers
// only ever deal with operator maps.
func normalizeFieldPred(pred any) map[string]any {
	if m, ok := asQueryMap(pred); ok && isOperatorMap(m) {
		return m
	}
	return map[string]any{"$eq": pred}
}

// matchQuery evaluates q against doc in full (no index involved): every
// non-$or key must match, and if $or is present at least one of its
// sub-queries must match too.
func matchQuery(doc map[string]any, q Query) bool {
	for _, pp := range flattenQuery(q, "") {
		value, present := extractAtPath(doc, pp.path)
		if !matchField(value, present, pp.pred) {
			return false
		}
	}
	if rawOr, ok := q[opOr]; ok {
		subs, ok := rawOr.([]any)
		if !ok {
			return false
		}
		matched := false
		for _, s := range subs {
			sub, ok := asQueryMap(s)
			if !ok {
				continue
			}
			if matchQuery(doc, Query(sub)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// matchField evaluates every operator in pred against (value, present),
// ANDing them together. Type mismatches between an operator and the stored
// value fail that operator silently (the document just doesn't match),
// never an error.
func matchField(value any, present bool, pred any) bool {
	ops := normalizeFieldPred(pred)
	for op, arg := range ops {
		ok := matchOp(op, value, present, arg)
		if !ok {
			return false
		}
	}
	return true
}

func matchOp(op string, value any, present bool, arg any) bool {
	switch op {
	case "$eq":
		return present && scalarEqual(value, arg)
	case "$ne":
		// Open question (b), decided in DESIGN.md: an absent field is
		// never equal to a concrete operand, so $ne against an absent
		// field matches.
		if !present {
			return true
		}
		return !scalarEqual(value, arg)
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false
		}
		c, ok := compareScalars(value, arg)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	case "$in":
		if !present {
			return false
		}
		vals, ok := arg.([]any)
		if !ok {
			return false
		}
		for _, v := range vals {
			if scalarEqual(value, v) {
				return true
			}
		}
		return false
	case "$contains":
		if !present {
			return false
		}
		switch v := value.(type) {
		case []any:
			for _, item := range v {
				if scalarEqual(item, arg) {
					return true
				}
			}
			return false
		case string:
			s, ok := arg.(string)
			return ok && strings.Contains(v, s)
		default:
			return false
		}
	default:
		// Unknown operators never match, rather than erroring the query.
		return false
	}
}

func scalarEqual(a, b any) bool {
	c, ok := compareScalars(a, b)
	return ok && c == 0
}

// compareScalars compares two JSON-decoded scalars. ok is false when the
// types are not comparable (e.g. a string against a number), which callers
// treat as "this operator doesn't match" rather than an error.
func compareScalars(a, b any) (c int, ok bool) {
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs), true
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		if ab == bb {
			return 0, true
		}
		if !ab && bb {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// specsIndexLookup provides O(1) classification of a path as secondary,
// single-taxonomy-reverse, or multi-taxonomy-reverse, for the planner.
type specsIndexLookup struct {
	secondary     map[string]bool
	reverseSingle map[string]string // path -> taxonomy name
	reverseMulti  map[string]string // path -> taxonomy name
}

func newSpecsIndexLookup(specs indexSpecs) specsIndexLookup {
	l := specsIndexLookup{
		secondary:     make(map[string]bool),
		reverseSingle: make(map[string]string),
		reverseMulti:  make(map[string]string),
	}
	for _, e := range specs.Secondary {
		l.secondary[e.path] = true
	}
	for _, e := range specs.ReverseSingle {
		l.reverseSingle[e.path] = e.spec.Taxonomy
	}
	for _, e := range specs.ReverseMulti {
		l.reverseMulti[e.path] = e.spec.Taxonomy
	}
	return l
}

// prefilter collects indexable terms and intersects their id sets, or
// signals a full scan. A top-level "$or" always forces a full scan.
func prefilter(q Query, specs indexSpecs, idx *inMemoryIndex) (ids idSet, usedIndex bool) {
	if _, hasOr := q[opOr]; hasOr {
		return nil, false
	}
	lookup := newSpecsIndexLookup(specs)

	var sets []idSet
	for _, pp := range flattenQuery(q, "") {
		ops := normalizeFieldPred(pp.pred)
		if eqVal, ok := ops["$eq"]; ok {
			if set, ok := indexedSetForEq(pp.path, eqVal, lookup, idx); ok {
				sets = append(sets, set)
			}
		}
		if inVals, ok := ops["$in"].([]any); ok {
			union := make(idSet)
			matched := false
			for _, v := range inVals {
				if set, ok := indexedSetForEq(pp.path, v, lookup, idx); ok {
					matched = true
					for id := range set {
						union[id] = struct{}{}
					}
				}
			}
			if matched {
				sets = append(sets, union)
			}
		}
		if containsVal, ok := ops["$contains"]; ok {
			if taxonomy, ok := lookup.reverseMulti[pp.path]; ok {
				if key, ok := containsVal.(string); ok {
					sets = append(sets, idx.ReverseIDs(taxonomy, key))
				}
			}
		}
	}

	if len(sets) == 0 {
		return nil, false
	}
	return intersectIDSets(sets), true
}

func indexedSetForEq(path string, val any, lookup specsIndexLookup, idx *inMemoryIndex) (idSet, bool) {
	if lookup.secondary[path] {
		return idx.SecondaryIDs(path, canonicalValueString(val)), true
	}
	if taxonomy, ok := lookup.reverseSingle[path]; ok {
		if key, ok := val.(string); ok {
			return idx.ReverseIDs(taxonomy, key), true
		}
	}
	return nil, false
}

func intersectIDSets(sets []idSet) idSet {
	if len(sets) == 0 {
		return nil
	}
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })
	out := make(idSet, len(sets[0]))
	for id := range sets[0] {
		out[id] = struct{}{}
	}
	for _, s := range sets[1:] {
		for id := range out {
			if _, ok := s[id]; !ok {
				delete(out, id)
			}
		}
	}
	return out
}

// normKey returns the (type-tag, text) pair used to order heterogeneous
// values deterministically: null first, then numbers/bools, then strings,
// then everything else by canonical JSON text.
func normKey(v any) (tag, text string) {
	if v == nil {
		return "", ""
	}
	switch t := v.(type) {
	case bool:
		if t {
			return "0", "1"
		}
		return "0", "0"
	case float64, float32, int, int64:
		f, _ := asFloat(v)
		return "0", formatSortableFloat(f)
	case string:
		return "1", t
	default:
		b, _ := canonicalJSON(v)
		return "2", string(b)
	}
}

func formatSortableFloat(f float64) string {
	b, _ := canonicalJSON(f)
	return string(b)
}

// orderDocs stably sorts docs (already produced in candidate/insertion
// order) by orderBy's field paths, later keys applied first so that the
// final, stable sort by the first key dominates ties, giving a single
// multi-key stable sort out of repeated single-key stable sorts.
func orderDocs(ids []string, docs map[string]map[string]any, orderBy []string) {
	for i := len(orderBy) - 1; i >= 0; i-- {
		path := orderBy[i]
		sort.SliceStable(ids, func(a, b int) bool {
			va, _ := extractAtPath(docs[ids[a]], path)
			vb, _ := extractAtPath(docs[ids[b]], path)
			ta, xa := normKey(va)
			tb, xb := normKey(vb)
			if ta != tb {
				return ta < tb
			}
			return xa < xb
		})
	}
}

// projectFields keeps only the requested top-level fields (plus "id"
// always) from doc; a requested path containing '/' retains the
// corresponding subtree at its nested position rather than flattening it.
func projectFields(doc map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return doc
	}
	out := map[string]any{}
	if id, ok := doc["id"]; ok {
		out["id"] = id
	}
	for _, f := range fields {
		segs := strings.Split(f, "/")
		v, ok := extractAtPath(doc, f)
		if !ok {
			continue
		}
		dst := out
		for i, seg := range segs {
			if i == len(segs)-1 {
				dst[seg] = v
				break
			}
			next, ok := dst[seg].(map[string]any)
			if !ok {
				next = map[string]any{}
				dst[seg] = next
			}
			dst = next
		}
	}
	return out
}
