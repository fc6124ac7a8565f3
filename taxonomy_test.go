package ejldb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func taxonomySchema() *Schema {
	return NewSchema(map[string]*FieldSpec{
		"name": {Type: TypeStr, Mandatory: true},
		"tags": {
			Type:            TypeList,
			Items:           &FieldSpec{Type: TypeStr},
			Taxonomy:        "tags",
			TaxonomyMode:    TaxonomyModeMulti,
			IndexMembership: true,
		},
		"status": {
			Type:         TypeStr,
			Taxonomy:     "status",
			TaxonomyMode: TaxonomyModeSingle,
		},
	})
}

// S4: rename a taxonomy key and see it reflected across every bound field
// in every live record.
func TestTaxonomy_Rename(t *testing.T) {
	db := openTestDB(t, taxonomySchema())

	tags := db.Taxonomy("tags")
	if err := tags.Upsert("draft", map[string]any{"label": "Draft"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := tags.Upsert("published", nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	r := db.New(map[string]any{"name": "post-1", "tags": []any{"draft"}})
	if err := r.Save(false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := tags.Rename("draft", "in-review", "error"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	doc, err := db.Get(r.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	list, ok := doc["tags"].([]any)
	if !ok || len(list) != 1 || list[0] != "in-review" {
		t.Fatalf("tags after rename = %v, want [in-review]", doc["tags"])
	}

	keys := tags.List()
	for _, k := range keys {
		if k == "draft" {
			t.Fatalf("List still contains renamed-away key: %v", keys)
		}
	}
}

func TestTaxonomy_RenameCollisionError(t *testing.T) {
	db := openTestDB(t, taxonomySchema())
	tags := db.Taxonomy("tags")
	for _, k := range []string{"a", "b"} {
		if err := tags.Upsert(k, nil); err != nil {
			t.Fatalf("Upsert(%s): %v", k, err)
		}
	}

	r := db.New(map[string]any{"name": "post-1", "tags": []any{"a", "b"}})
	if err := r.Save(false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := tags.Rename("a", "b", "error"); !errors.Is(err, ErrConflict) {
		t.Fatalf("Rename collision: got %v, want ErrConflict", err)
	}

	// The record must be untouched: a failed all-or-nothing rename cannot
	// have rewritten the file.
	doc, err := db.Get(r.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	list := doc["tags"].([]any)
	if len(list) != 2 {
		t.Fatalf("tags after failed rename = %v, want unchanged [a b]", list)
	}
}

func TestTaxonomy_RenameCollisionMerge(t *testing.T) {
	db := openTestDB(t, taxonomySchema())
	tags := db.Taxonomy("tags")
	for _, k := range []string{"a", "b"} {
		if err := tags.Upsert(k, nil); err != nil {
			t.Fatalf("Upsert(%s): %v", k, err)
		}
	}
	r := db.New(map[string]any{"name": "post-1", "tags": []any{"a", "b"}})
	if err := r.Save(false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := tags.Rename("a", "b", "merge"); err != nil {
		t.Fatalf("Rename merge: %v", err)
	}
	doc, _ := db.Get(r.ID())
	list := doc["tags"].([]any)
	if len(list) != 1 || list[0] != "b" {
		t.Fatalf("tags after merge rename = %v, want [b] (deduped)", list)
	}
}

// A scalar (single-mode) taxonomy field can never collide on rename
// (DESIGN.md open question (d)): replacing old with new just overwrites
// the one value, regardless of collision policy.
func TestTaxonomy_RenameScalarFieldNeverCollides(t *testing.T) {
	db := openTestDB(t, taxonomySchema())
	status := db.Taxonomy("status")
	for _, k := range []string{"draft", "live"} {
		if err := status.Upsert(k, nil); err != nil {
			t.Fatalf("Upsert(%s): %v", k, err)
		}
	}
	r := db.New(map[string]any{"name": "post-1", "status": "draft"})
	if err := r.Save(false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := status.Rename("draft", "live", "error"); err != nil {
		t.Fatalf("Rename scalar field with collision=error: %v", err)
	}
	doc, _ := db.Get(r.ID())
	if doc["status"] != "live" {
		t.Fatalf("status after rename = %v, want live", doc["status"])
	}
}

func TestTaxonomy_Merge(t *testing.T) {
	db := openTestDB(t, taxonomySchema())
	tags := db.Taxonomy("tags")
	for _, k := range []string{"js", "javascript", "ts"} {
		if err := tags.Upsert(k, nil); err != nil {
			t.Fatalf("Upsert(%s): %v", k, err)
		}
	}
	r := db.New(map[string]any{"name": "post-1", "tags": []any{"js", "javascript", "ts"}})
	if err := r.Save(false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := tags.Merge([]string{"js", "javascript"}, "javascript", "merge"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	doc, _ := db.Get(r.ID())
	list := doc["tags"].([]any)
	want := map[string]bool{"javascript": true, "ts": true}
	if len(list) != 2 {
		t.Fatalf("tags after merge = %v, want 2 entries", list)
	}
	for _, v := range list {
		if !want[v.(string)] {
			t.Fatalf("unexpected tag %v after merge", v)
		}
	}
}

func TestTaxonomy_DeleteDetach(t *testing.T) {
	db := openTestDB(t, taxonomySchema())
	tags := db.Taxonomy("tags")
	if err := tags.Upsert("obsolete", nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	r := db.New(map[string]any{"name": "post-1", "tags": []any{"obsolete"}})
	if err := r.Save(false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := tags.Delete("obsolete", "detach"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	doc, _ := db.Get(r.ID())
	list := doc["tags"].([]any)
	if len(list) != 0 {
		t.Fatalf("tags after detach delete = %v, want empty", list)
	}
	for _, k := range tags.List() {
		if k == "obsolete" {
			t.Fatal("List still reports deleted key")
		}
	}
}

func TestTaxonomy_DeleteErrorStrategyRejectsReferenced(t *testing.T) {
	db := openTestDB(t, taxonomySchema())
	tags := db.Taxonomy("tags")
	if err := tags.Upsert("live-tag", nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	r := db.New(map[string]any{"name": "post-1", "tags": []any{"live-tag"}})
	if err := r.Save(false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := tags.Delete("live-tag", "error"); !errors.Is(err, ErrConflict) {
		t.Fatalf("Delete(error) on referenced key: got %v, want ErrConflict", err)
	}
}

func TestTaxonomy_Stats(t *testing.T) {
	db := openTestDB(t, taxonomySchema())
	tags := db.Taxonomy("tags")
	if err := tags.Upsert("a", nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	for i := 0; i < 3; i++ {
		r := db.New(map[string]any{"name": fmt.Sprintf("post-%d", i), "tags": []any{"a"}})
		if err := r.Save(false); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	stats := tags.Stats()
	if stats["a"] != 3 {
		t.Fatalf("Stats()[a] = %d, want 3", stats["a"])
	}
}

// Strict validation rejects a taxonomy value absent from the catalog.
func TestTaxonomy_StrictValidation(t *testing.T) {
	schema := NewSchema(map[string]*FieldSpec{
		"name": {Type: TypeStr, Mandatory: true},
		"status": {
			Type: TypeStr, Taxonomy: "status", TaxonomyMode: TaxonomyModeSingle, Strict: true,
		},
	})
	db := openTestDB(t, schema)
	status := db.Taxonomy("status")
	if err := status.Upsert("live", nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	r := db.New(map[string]any{"name": "post-1", "status": "nonexistent"})
	if err := r.Save(false); !errors.Is(err, ErrValidation) {
		t.Fatalf("Save with unknown strict taxonomy value: got %v, want ErrValidation", err)
	}

	r2 := db.New(map[string]any{"name": "post-2", "status": "live"})
	if err := r2.Save(false); err != nil {
		t.Fatalf("Save with known taxonomy value: %v", err)
	}
}

// Example_taxonomyQuickstart: declare a catalog, tag a record, rename the
// tag.
func Example_taxonomyQuickstart() {
	dir, err := os.MkdirTemp("", "ejldb-taxonomy-example")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	schema := NewSchema(map[string]*FieldSpec{
		"name": {Type: TypeStr, Mandatory: true},
		"tags": {Type: TypeList, Items: &FieldSpec{Type: TypeStr}, Taxonomy: "tags", TaxonomyMode: TaxonomyModeMulti},
	})
	db, err := Open(Config{Path: filepath.Join(dir, "posts.jsonl"), Schema: schema, Table: "posts"})
	if err != nil {
		panic(err)
	}
	defer db.Close()

	tags := db.Taxonomy("tags")
	if err := tags.Upsert("draft", nil); err != nil {
		panic(err)
	}

	r := db.New(map[string]any{"name": "hello world", "tags": []any{"draft"}})
	if err := r.Save(false); err != nil {
		panic(err)
	}
	if err := tags.Rename("draft", "published", "error"); err != nil {
		panic(err)
	}

	doc, err := db.Get(r.ID())
	if err != nil {
		panic(err)
	}
	fmt.Println(doc["tags"].([]any)[0])
	// Output: published
}
