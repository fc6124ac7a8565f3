// Full-file rewrite machinery shared by compaction, schema migration
// (performed during Open), and taxonomy value migrations (rename/merge/
// delete): write a fresh temp file holding only the live documents, then
// atomically replace the original.
package ejldb

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// liveDoc pairs an id with the document that should be written for it in a
// rewrite pass.
type liveDoc struct {
	id  string
	doc map[string]any
}

// buildRewriteTemp writes a brand-new data file (header, schema,
// taxonomies, begin sentinel, then one put-only meta+data pair per entry
// in docs) to a temp file in dir, fsyncs, and closes it. It does not
// replace the original file; the caller does that via
// fileStorage.ReplaceFile once it is ready to commit. docs is written in
// the order given; callers needing a deterministic order sort beforehand.
func buildRewriteTemp(dir, table, created string, schema *Schema, taxonomies taxonomiesHeaderLine, docs []liveDoc, progress ProgressFunc, phase string) (tmpPath string, bodyOffset int64, idx *inMemoryIndex, err error) {
	tmp, err := os.CreateTemp(dir, ".ejldb-rewrite-*.tmp")
	if err != nil {
		return "", 0, nil, err
	}
	tmpPath = tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	var off int64
	h := headerLine{T: "header", Format: formatMagic, Table: table, Created: created, DefaultsAlwaysMaterialized: true}
	for _, line := range []any{h, schemaToHeaderLine(schema), taxonomies, beginLine{T: "begin"}} {
		n, werr := writeLine(w, line)
		if werr != nil {
			return "", 0, nil, werr
		}
		off += int64(n)
	}
	bodyOffset = off

	specs := schema.IndexSpecs()
	idx = newInMemoryIndex()

	total := len(docs)
	emit := func(i int) {
		if progress == nil || total == 0 {
			return
		}
		progress(ProgressEvent{Phase: phase + ".copy", Pct: int(float64(i) / float64(total) * 100), Count: i, Total: total})
	}

	for i, ld := range docs {
		data, merr := canonicalJSON(ld.doc)
		if merr != nil {
			return "", 0, nil, merr
		}
		sum := sha256.Sum256(data)
		meta := metaLine{T: "meta", ID: ld.id, Op: opPut, TS: time.Now().UnixMilli(), LenData: len(data), SHA256Data: hex.EncodeToString(sum[:])}
		metaBytes, merr := canonicalJSON(meta)
		if merr != nil {
			return "", 0, nil, merr
		}

		offMeta := off
		if _, werr := w.Write(append(metaBytes, '\n')); werr != nil {
			return "", 0, nil, werr
		}
		off += int64(len(metaBytes)) + 1
		offData := off
		if _, werr := w.Write(append(data, '\n')); werr != nil {
			return "", 0, nil, werr
		}
		off += int64(len(data)) + 1

		idx.SetMeta(MetaEntry{ID: ld.id, OffsetMeta: offMeta, OffsetData: offData, HasOffsetData: true, TSMs: meta.TS, LenData: meta.LenData, SHA256Data: meta.SHA256Data})
		indexMutateDoc(idx, specs, ld.id, ld.doc, true)

		if i%64 == 0 {
			emit(i)
		}
	}
	if total > 0 {
		emit(total)
	}

	if err := w.Flush(); err != nil {
		return "", 0, nil, err
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, nil, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, nil, err
	}
	committed = true
	return tmpPath, bodyOffset, idx, nil
}

// CompactNow rewrites the file keeping only live records, reclaiming the
// space held by superseded and tombstoned meta lines. Triggered manually
// or automatically once garbage_ratio reaches Maintenance.CompactThreshold.
func (db *Database) CompactNow() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return db.compactLocked()
}

func (db *Database) compactLocked() error {
	db.emit("compact.start", 0, "")

	if err := db.backupRollingLocked(); err != nil {
		return err
	}
	if db.maintenance.DailyBackup {
		if err := db.backupDailyLocked(); err != nil {
			return err
		}
	}

	ids := db.idx.LiveIDs()
	sort.Strings(ids)
	docs := make([]liveDoc, 0, len(ids))
	for _, id := range ids {
		m, _ := db.idx.GetMeta(id)
		doc, err := db.readDocAt(m)
		if err != nil {
			continue // tolerant: drop unreadable live records rather than fail compaction
		}
		docs = append(docs, liveDoc{id: id, doc: doc})
	}

	tax := db.taxonomySnapshotLocked()
	tmpPath, bodyOffset, newIdx, err := buildRewriteTemp(filepath.Dir(db.path), db.table, db.created, db.schema, tax, docs, db.progress, "compact")
	if err != nil {
		return err
	}
	if err := db.fs.ReplaceFile(tmpPath); err != nil {
		return err
	}

	db.idx = newIdx
	db.bodyOffset = bodyOffset
	db.emit("compact.done", 100, "")
	return nil
}

// migrateSchemaLocked rewrites the file with the new schema, applying
// ApplyDefaults(newSchema) to every live document. Fields unknown to
// newSchema are preserved verbatim — this falls directly out of
// ApplyDefaults only ever inserting missing keys, never removing ones the
// new schema doesn't recognize. Called only from Open, after db.idx has
// already been built once under the OLD schema (so live ids/docs are
// available here); Open rebuilds db.idx again under the new schema once
// this returns.
func (db *Database) migrateSchemaLocked(newSchema *Schema) error {
	if err := db.backupRollingLocked(); err != nil {
		return err
	}

	ids := db.idx.LiveIDs()
	sort.Strings(ids)
	docs := make([]liveDoc, 0, len(ids))
	for _, id := range ids {
		m, _ := db.idx.GetMeta(id)
		doc, err := db.readDocAt(m)
		if err != nil {
			continue // tolerant recovery: unreadable live record dropped
		}
		newSchema.ApplyDefaults(doc)
		docs = append(docs, liveDoc{id: id, doc: doc})
	}

	tax := db.taxonomySnapshotLocked()
	tmpPath, bodyOffset, _, err := buildRewriteTemp(filepath.Dir(db.path), db.table, db.created, newSchema, tax, docs, db.progress, "migrate.schema")
	if err != nil {
		return err
	}
	if err := db.fs.ReplaceFile(tmpPath); err != nil {
		return err
	}
	db.bodyOffset = bodyOffset
	return nil
}
