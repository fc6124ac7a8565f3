// InMemoryIndex: meta-by-id map, secondary scalar index, and reverse
// taxonomy index, all rebuilt from a sequential scan on open and never
// persisted.
package ejldb

import "sync"

// MetaEntry is the in-memory record of the latest operation on one id.
// Only the latest MetaEntry per id is ever retained; older versions exist
// on disk as garbage until compaction.
type MetaEntry struct {
	ID            string
	OffsetMeta    int64
	OffsetData    int64
	HasOffsetData bool
	Deleted       bool
	TSMs          int64

	// LenData and SHA256Data mirror the paired meta line's integrity
	// fields, kept here so a strict hash-integrity check never needs to
	// re-read the meta line itself.
	LenData    int
	SHA256Data string
}

type idSet map[string]struct{}

// inMemoryIndex holds the primary id->MetaEntry map plus the secondary
// scalar and reverse taxonomy buckets derived from live documents. All
// bucket operations are symmetric: removing an id from a now-empty bucket
// deletes the bucket so it can be recreated cheaply later, rather than
// keeping an always-present empty bucket around.
type inMemoryIndex struct {
	mu        sync.RWMutex
	meta      map[string]*MetaEntry
	secondary map[string]map[string]idSet // path -> canonical value -> ids
	reverse   map[string]map[string]idSet // taxonomy -> key -> ids

	// totalMeta counts every meta line this index has ever recorded via
	// SetMeta - one per line read back during a sequential scan, or one
	// per append while the database is live. Unlike len(meta), which
	// collapses to the number of distinct ids, this tracks the real
	// cumulative count of meta lines (puts, updates, and deletes alike)
	// needed to compute the garbage ratio.
	totalMeta int
}

func newInMemoryIndex() *inMemoryIndex {
	return &inMemoryIndex{
		meta:      make(map[string]*MetaEntry),
		secondary: make(map[string]map[string]idSet),
		reverse:   make(map[string]map[string]idSet),
	}
}

func (idx *inMemoryIndex) SetMeta(m MetaEntry) {
	idx.mu.Lock()
	idx.meta[m.ID] = &m
	idx.totalMeta++
	idx.mu.Unlock()
}

func (idx *inMemoryIndex) GetMeta(id string) (MetaEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	m, ok := idx.meta[id]
	if !ok {
		return MetaEntry{}, false
	}
	return *m, true
}

// LiveIDs returns every id whose latest MetaEntry is not a tombstone, in no
// particular order; callers needing file order should sort by OffsetMeta.
func (idx *inMemoryIndex) LiveIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.meta))
	for id, m := range idx.meta {
		if !m.Deleted {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the cumulative number of meta lines this index has ever
// recorded (total) and the number of those ids whose latest MetaEntry is
// not a tombstone (live). total - live is the garbage line count: every
// superseded version plus every tombstone.
func (idx *inMemoryIndex) Count() (total, live int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	total = idx.totalMeta
	for _, m := range idx.meta {
		if !m.Deleted {
			live++
		}
	}
	return total, live
}

func addToBucket(store map[string]map[string]idSet, bucketKey, value, id string) {
	inner, ok := store[bucketKey]
	if !ok {
		inner = make(map[string]idSet)
		store[bucketKey] = inner
	}
	ids, ok := inner[value]
	if !ok {
		ids = make(idSet)
		inner[value] = ids
	}
	ids[id] = struct{}{}
}

func removeFromBucket(store map[string]map[string]idSet, bucketKey, value, id string) {
	inner, ok := store[bucketKey]
	if !ok {
		return
	}
	ids, ok := inner[value]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(inner, value)
	}
	if len(inner) == 0 {
		delete(store, bucketKey)
	}
}

func (idx *inMemoryIndex) AddSecondary(path, value, id string) {
	idx.mu.Lock()
	addToBucket(idx.secondary, path, value, id)
	idx.mu.Unlock()
}

func (idx *inMemoryIndex) RemoveSecondary(path, value, id string) {
	idx.mu.Lock()
	removeFromBucket(idx.secondary, path, value, id)
	idx.mu.Unlock()
}

func (idx *inMemoryIndex) AddReverse(taxonomy, key, id string) {
	idx.mu.Lock()
	addToBucket(idx.reverse, taxonomy, key, id)
	idx.mu.Unlock()
}

func (idx *inMemoryIndex) RemoveReverse(taxonomy, key, id string) {
	idx.mu.Lock()
	removeFromBucket(idx.reverse, taxonomy, key, id)
	idx.mu.Unlock()
}

// SecondaryIDs returns a copy of the id set for (path, value), or nil.
func (idx *inMemoryIndex) SecondaryIDs(path, value string) idSet {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return cloneIDSet(idx.secondary[path][value])
}

// ReverseIDs returns a copy of the id set for (taxonomy, key), or nil.
func (idx *inMemoryIndex) ReverseIDs(taxonomy, key string) idSet {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return cloneIDSet(idx.reverse[taxonomy][key])
}

// ReverseKeyCounts returns, for every key referenced under taxonomy, the
// number of live ids it is attached to — used by TaxonomyManager.Stats.
func (idx *inMemoryIndex) ReverseKeyCounts(taxonomy string) map[string]int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]int)
	for key, ids := range idx.reverse[taxonomy] {
		out[key] = len(ids)
	}
	return out
}

func cloneIDSet(s idSet) idSet {
	if len(s) == 0 {
		return nil
	}
	out := make(idSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// IndexSpecs groups a Schema's flattened paths by the kind of index they
// feed: secondary scalar index, single-value taxonomy reverse index, or
// multi-value (membership) taxonomy reverse index.
type indexSpecs struct {
	Secondary     []flatEntry // scalar type + Index
	ReverseSingle []flatEntry // str + Taxonomy + TaxonomyMode=="single"
	ReverseMulti  []flatEntry // list + Taxonomy + TaxonomyMode=="multi" + IndexMembership
}

func (s *Schema) IndexSpecs() indexSpecs {
	var specs indexSpecs
	for _, e := range s.flat {
		fs := e.spec
		switch {
		case fs.Type.scalar() && fs.Index:
			specs.Secondary = append(specs.Secondary, e)
		case fs.Type == TypeStr && fs.Taxonomy != "" && fs.TaxonomyMode == TaxonomyModeSingle:
			specs.ReverseSingle = append(specs.ReverseSingle, e)
		case fs.Type == TypeList && fs.Taxonomy != "" && fs.TaxonomyMode == TaxonomyModeMulti && fs.IndexMembership:
			specs.ReverseMulti = append(specs.ReverseMulti, e)
		}
	}
	return specs
}
