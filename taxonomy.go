// TaxonomyManager: the header-resident taxonomy catalog and its
// upsert/rename/merge/delete migrations. The header-only rewrite path
// reuses fileStorage.CopyBodyTo (storage.go), and the value-migration
// rewrite path reuses buildRewriteTemp (compact.go), the same
// temp-file+atomic-rename shape.
package ejldb

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// taxonomyManager holds the live catalog (header line 3) and answers the
// Schema.TaxonomyLookup contract used during Validate.
type taxonomyManager struct {
	catalogs map[string]*taxonomyCatalogJSON
}

func newTaxonomyManager(tax taxonomiesHeaderLine) *taxonomyManager {
	if tax.Catalogs == nil {
		tax.Catalogs = map[string]*taxonomyCatalogJSON{}
	}
	return &taxonomyManager{catalogs: tax.Catalogs}
}

func (tm *taxonomyManager) HasKey(taxonomy, key string) bool {
	cat, ok := tm.catalogs[taxonomy]
	if !ok || cat.Keys == nil {
		return false
	}
	_, ok = cat.Keys[key]
	return ok
}

// taxonomySnapshotLocked returns the current catalog in its on-disk shape,
// for passing to buildRewriteTemp/WriteInitialHeader. Assumes db.mu held.
func (db *Database) taxonomySnapshotLocked() taxonomiesHeaderLine {
	return taxonomiesHeaderLine{Catalogs: db.taxonomies.catalogs}
}

// TaxonomyHandle is the caller-facing view of one taxonomy catalog, bound
// to a Database and obtained via Database.Taxonomy.
type TaxonomyHandle struct {
	db   *Database
	name string
}

// Upsert adds or updates key's attributes, rewriting only the header.
func (h *TaxonomyHandle) Upsert(key string, attrs map[string]any) error {
	db := h.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	db.emit("taxonomy.upsert", 0, "")
	cat, ok := db.taxonomies.catalogs[h.name]
	if !ok {
		cat = &taxonomyCatalogJSON{Keys: map[string]map[string]any{}}
		db.taxonomies.catalogs[h.name] = cat
	}
	if cat.Keys == nil {
		cat.Keys = map[string]map[string]any{}
	}
	merged := make(map[string]any, len(attrs))
	for k, v := range attrs {
		merged[k] = v
	}
	cat.Keys[key] = merged

	if err := db.backupRollingLocked(); err != nil {
		return err
	}
	if err := db.rewriteHeaderOnlyLocked(); err != nil {
		return err
	}
	db.emit("taxonomy.upsert", 100, "")
	return nil
}

// List enumerates the taxonomy's keys in sorted order.
func (h *TaxonomyHandle) List() []string {
	db := h.db
	db.mu.Lock()
	defer db.mu.Unlock()
	cat, ok := db.taxonomies.catalogs[h.name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(cat.Keys))
	for k := range cat.Keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stats returns, for each key, the count of live records referencing it,
// computed from the reverse index.
func (h *TaxonomyHandle) Stats() map[string]int {
	db := h.db
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.idx.ReverseKeyCounts(h.name)
}

// boundFields returns every flattened schema path bound to this taxonomy,
// regardless of whether it also carries index_membership (a delete/rename
// must update every bound field, not just indexed ones).
func (h *TaxonomyHandle) boundFields() []flatEntry {
	var out []flatEntry
	for _, e := range h.db.schema.FlatPaths() {
		if e.spec.Taxonomy == h.name {
			out = append(out, e)
		}
	}
	return out
}

// Rename replaces every live occurrence of old with new across all fields
// bound to this taxonomy, then removes old from the catalog (merging its
// attributes into new's entry, or carrying them over if new is a fresh
// key). collision controls behavior when a multi-valued field already
// contains new alongside old: "merge" deduplicates, "error" fails the
// whole call before any record is touched, "skip" leaves that one record
// untouched. A single-valued field can never collide, so collision only
// matters for list-typed fields.
func (h *TaxonomyHandle) Rename(old, new string, collision string) error {
	return h.migrateValues(map[string]string{old: new}, collision, true)
}

// Merge folds every key in keys into target the same way Rename folds one
// key into another, applied pointwise across all of them in a single
// rewrite pass.
func (h *TaxonomyHandle) Merge(keys []string, target string, collision string) error {
	mapping := make(map[string]string, len(keys))
	for _, k := range keys {
		if k != target {
			mapping[k] = target
		}
	}
	return h.migrateValues(mapping, collision, false)
}

// migrateValues is Rename/Merge's shared implementation: a dry-run
// collision check (when collision=="error"), then a full-file rewrite
// transforming every live document's taxonomy-bound fields through
// mapping, then a catalog update removing every mapped source key.
func (h *TaxonomyHandle) migrateValues(mapping map[string]string, collision string, isRename bool) error {
	db := h.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if len(mapping) == 0 {
		return nil
	}

	fields := h.boundFields()
	ids := db.idx.LiveIDs()
	sort.Strings(ids)

	docs := make([]liveDoc, 0, len(ids))
	for _, id := range ids {
		m, _ := db.idx.GetMeta(id)
		doc, err := db.readDocAt(m)
		if err != nil {
			continue
		}
		docs = append(docs, liveDoc{id: id, doc: doc})
	}

	if collision == "error" {
		for _, ld := range docs {
			for _, f := range fields {
				if collidesOnRename(ld.doc, f, mapping) {
					return fmt.Errorf("%w: taxonomy %q: renaming would collide on record %q", ErrConflict, h.name, ld.id)
				}
			}
		}
	}

	for i := range docs {
		if collision == "skip" {
			skip := false
			for _, f := range fields {
				skip = skip || collidesOnRename(docs[i].doc, f, mapping)
			}
			if skip {
				continue // a colliding record is left unchanged as a whole
			}
		}
		for _, f := range fields {
			applyTaxonomyMapping(docs[i].doc, f, mapping, collision)
		}
	}

	cat := db.taxonomies.catalogs[h.name]
	if cat == nil {
		cat = &taxonomyCatalogJSON{Keys: map[string]map[string]any{}}
	}
	if cat.Keys == nil {
		cat.Keys = map[string]map[string]any{}
	}
	for old, newKey := range mapping {
		oldAttrs := cat.Keys[old]
		if oldAttrs != nil {
			if existing, ok := cat.Keys[newKey]; ok && existing != nil {
				for k, v := range oldAttrs {
					if _, already := existing[k]; !already {
						existing[k] = v
					}
				}
			} else {
				cat.Keys[newKey] = oldAttrs
			}
		}
		delete(cat.Keys, old)
	}
	db.taxonomies.catalogs[h.name] = cat

	return db.commitRewrite(docs, "taxonomy.migrate")
}

// collidesOnRename reports whether applying mapping to doc at field f would
// collide: only possible for multi-valued (list) taxonomy fields where the
// list already contains both a mapped-from key and its mapped-to target.
func collidesOnRename(doc map[string]any, f flatEntry, mapping map[string]string) bool {
	if f.spec.TaxonomyMode != TaxonomyModeMulti {
		return false
	}
	v, ok := extractAtPath(doc, f.path)
	if !ok {
		return false
	}
	list, ok := v.([]any)
	if !ok {
		return false
	}
	present := make(map[string]bool, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			present[s] = true
		}
	}
	for old, newKey := range mapping {
		if present[old] && present[newKey] {
			return true
		}
	}
	return false
}

// applyTaxonomyMapping rewrites f's value in doc according to mapping.
// collision=="skip" leaves a colliding list field alone; migrateValues has
// already passed over every record that collides in any bound field, so
// under "skip" such a record stays unchanged as a whole.
func applyTaxonomyMapping(doc map[string]any, f flatEntry, mapping map[string]string, collision string) {
	v, ok := extractAtPath(doc, f.path)
	if !ok {
		return
	}
	switch f.spec.TaxonomyMode {
	case TaxonomyModeSingle:
		s, ok := v.(string)
		if !ok {
			return
		}
		if newKey, mapped := mapping[s]; mapped {
			setAtPath(doc, f.path, newKey)
		}
	case TaxonomyModeMulti:
		list, ok := v.([]any)
		if !ok {
			return
		}
		if collision == "skip" && collidesOnRename(doc, f, mapping) {
			return
		}
		seen := make(map[string]bool, len(list))
		out := make([]any, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				out = append(out, item)
				continue
			}
			mappedTo := s
			if nk, mapped := mapping[s]; mapped {
				mappedTo = nk
			}
			if seen[mappedTo] {
				continue // collision="merge" (or post-validation "error"): dedupe
			}
			seen[mappedTo] = true
			out = append(out, mappedTo)
		}
		setAtPath(doc, f.path, out)
	}
}

// Delete removes key from the catalog. strategy "detach" clears/removes
// key from every bound field first (full rewrite); strategy "error" fails
// with ErrConflict if any live record still references key.
func (h *TaxonomyHandle) Delete(key string, strategy string) error {
	db := h.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	if strategy == "error" {
		// Check every bound field, not only the ones with a reverse index.
		for _, id := range db.idx.LiveIDs() {
			m, _ := db.idx.GetMeta(id)
			doc, err := db.readDocAt(m)
			if err != nil {
				continue
			}
			before, _ := canonicalJSON(doc)
			for _, f := range h.boundFields() {
				detachKey(doc, f, key)
			}
			if after, _ := canonicalJSON(doc); string(after) != string(before) {
				return fmt.Errorf("%w: taxonomy %q: key %q still referenced", ErrConflict, h.name, key)
			}
		}
		cat := db.taxonomies.catalogs[h.name]
		if cat != nil {
			delete(cat.Keys, key)
		}
		if err := db.backupRollingLocked(); err != nil {
			return err
		}
		return db.rewriteHeaderOnlyLocked()
	}

	// detach
	fields := h.boundFields()
	ids := db.idx.LiveIDs()
	sort.Strings(ids)
	docs := make([]liveDoc, 0, len(ids))
	for _, id := range ids {
		m, _ := db.idx.GetMeta(id)
		doc, err := db.readDocAt(m)
		if err != nil {
			continue
		}
		for _, f := range fields {
			detachKey(doc, f, key)
		}
		docs = append(docs, liveDoc{id: id, doc: doc})
	}

	cat := db.taxonomies.catalogs[h.name]
	if cat != nil {
		delete(cat.Keys, key)
	}

	return db.commitRewrite(docs, "taxonomy.migrate")
}

func detachKey(doc map[string]any, f flatEntry, key string) {
	v, ok := extractAtPath(doc, f.path)
	if !ok {
		return
	}
	switch f.spec.TaxonomyMode {
	case TaxonomyModeSingle:
		if s, ok := v.(string); ok && s == key {
			setAtPath(doc, f.path, nil)
		}
	case TaxonomyModeMulti:
		list, ok := v.([]any)
		if !ok {
			return
		}
		out := make([]any, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s == key {
				continue
			}
			out = append(out, item)
		}
		setAtPath(doc, f.path, out)
	}
}

// setAtPath writes value at path within doc, descending through existing
// nested objects (every taxonomy-bound field is at most one object level
// deep in practice, but this follows the same '/' segments extractAtPath
// does).
func setAtPath(doc map[string]any, path string, value any) {
	segs := splitPath(path)
	cur := doc
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return // shouldn't happen: extractAtPath already proved this path resolves
		}
		cur = next
	}
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	out = append(out, path[start:])
	return out
}

// commitRewrite runs docs through buildRewriteTemp with the database's
// current schema and (already-mutated) taxonomy catalog, then atomically
// replaces the data file and swaps in the freshly rebuilt index. Assumes
// db.mu held.
func (db *Database) commitRewrite(docs []liveDoc, phase string) error {
	if err := db.backupRollingLocked(); err != nil {
		return err
	}
	tax := db.taxonomySnapshotLocked()
	tmpPath, bodyOffset, newIdx, err := buildRewriteTemp(filepath.Dir(db.path), db.table, db.created, db.schema, tax, docs, db.progress, phase)
	if err != nil {
		return err
	}
	if err := db.fs.ReplaceFile(tmpPath); err != nil {
		return err
	}
	db.idx = newIdx
	db.bodyOffset = bodyOffset
	return nil
}

// rewriteHeaderOnlyLocked rewrites only the four header lines (taxonomies
// changed, schema/record stream untouched), copying the body verbatim.
func (db *Database) rewriteHeaderOnlyLocked() error {
	dir := filepath.Dir(db.path)
	tmp, err := os.CreateTemp(dir, ".ejldb-header-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	var off int64
	h := headerLine{T: "header", Format: formatMagic, Table: db.table, Created: db.created, DefaultsAlwaysMaterialized: true}
	for _, line := range []any{h, schemaToHeaderLine(db.schema), db.taxonomySnapshotLocked(), beginLine{T: "begin"}} {
		n, werr := writeLine(w, line)
		if werr != nil {
			return werr
		}
		off += int64(n)
	}
	if err := db.fs.CopyBodyTo(w, db.bodyOffset); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	committed = true

	if err := db.fs.ReplaceFile(tmpPath); err != nil {
		return err
	}
	db.bodyOffset = off
	// The body was copied verbatim but now starts at a new offset (the
	// header lines changed length), so every previously recorded
	// OffsetMeta/OffsetData is stale. Rebuilding from the new file is the
	// only way to keep the index exact.
	return db.rebuildIndexLocked()
}
