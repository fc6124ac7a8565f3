// Record: a mutable document view with dirty tracking and a modified-field
// set, save/reload.
package ejldb

import (
	"fmt"
	"time"
)

// Record is a loaded document bound back to the Database it came from. It
// holds no external resource of its own: Save/Reload always go back
// through db.
type Record struct {
	db   *Database
	doc  map[string]any
	id   string // empty until the first Save assigns one
	isNew bool

	// baseline is the canonical JSON of doc as of the last load or save,
	// used by Dirty instead of a dict-identity check.
	baseline string
	// expectedOffsetMeta is the MetaEntry.OffsetMeta observed at load time,
	// the optimistic-concurrency marker checked at Save.
	expectedOffsetMeta int64
	modified           map[string]bool
}

// newRecord builds a brand-new, unsaved Record around doc (which must not
// yet contain "id"). Its baseline stays empty until the first Save, so a
// new record reports Dirty and Save(false) appends it.
func newRecord(db *Database, doc map[string]any) *Record {
	return &Record{db: db, doc: doc, isNew: true, modified: make(map[string]bool)}
}

func recordFromLoaded(db *Database, id string, doc map[string]any, expectedOffsetMeta int64) *Record {
	r := &Record{db: db, doc: doc, id: id, expectedOffsetMeta: expectedOffsetMeta, modified: make(map[string]bool)}
	r.baseline = r.canonicalNow()
	return r
}

func (r *Record) canonicalNow() string {
	b, err := canonicalJSON(r.doc)
	if err != nil {
		return ""
	}
	return string(b)
}

// ID returns the record's id, or "" if it has never been saved.
func (r *Record) ID() string { return r.id }

// Get returns the top-level field named key.
func (r *Record) Get(key string) (any, bool) {
	v, ok := r.doc[key]
	return v, ok
}

// Set assigns the top-level field named key, recording it as modified.
// The "id" field cannot be set this way once the record has an id: it is
// immutable after creation.
func (r *Record) Set(key string, value any) error {
	if key == "id" && r.id != "" {
		return fmt.Errorf("ejldb: id is immutable after creation")
	}
	r.doc[key] = value
	r.modified[key] = true
	return nil
}

// Doc returns a reference to the record's underlying document map. Callers
// that mutate nested structures directly (rather than through Set) should
// also call MarkModified for the top-level key they touched, so Dirty
// tracks the intent accurately — though Dirty itself compares canonical
// serializations and does not depend on ModifiedFields being accurate.
func (r *Record) Doc() map[string]any { return r.doc }

// MarkModified records key as having been touched since load, independent
// of Dirty's canonical-serialization comparison.
func (r *Record) MarkModified(key string) { r.modified[key] = true }

// ModifiedFields returns the top-level keys written since load.
func (r *Record) ModifiedFields() []string {
	out := make([]string, 0, len(r.modified))
	for k := range r.modified {
		out = append(out, k)
	}
	return out
}

// Dirty reports whether doc's canonical serialization differs from the
// baseline captured at load or save time. A record that has never been
// saved has no baseline and is always dirty.
func (r *Record) Dirty() bool { return r.canonicalNow() != r.baseline }

// Save validates and appends the record if dirty (or always, when force is
// true), maintaining optimistic concurrency against concurrent writers.
func (r *Record) Save(force bool) error {
	if !force && !r.Dirty() {
		return nil
	}

	freshlyCreated := r.id == ""
	if freshlyCreated {
		r.id = newULID()
		r.doc["id"] = r.id
		r.doc["createdAt"] = time.Now().UTC().Format(time.RFC3339)
	}

	r.db.schema.ApplyDefaults(r.doc)
	if err := r.db.schema.Validate(r.doc, r.db.taxonomies); err != nil {
		return err
	}

	return r.db.saveRecord(r, force, freshlyCreated)
}

// Reload re-reads the record's latest version by id, resetting the
// baseline. Fails ErrConflict if the record has been deleted.
func (r *Record) Reload() error {
	if r.id == "" {
		return fmt.Errorf("ejldb: cannot reload an unsaved record")
	}
	fresh, err := r.db.reloadRecord(r.id)
	if err != nil {
		return err
	}
	r.doc = fresh.doc
	r.baseline = fresh.baseline
	r.expectedOffsetMeta = fresh.expectedOffsetMeta
	r.modified = make(map[string]bool)
	return nil
}
