// Database: the facade binding Record objects to FileStorage, assigning
// ids/timestamps, detecting optimistic conflicts, driving compaction and
// backups, and reporting progress.
package ejldb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Maintenance configures background behaviors.
type Maintenance struct {
	// CompactThreshold triggers an automatic CompactNow after any write
	// when garbage_ratio reaches this value. Default 0.30.
	CompactThreshold float64
	// DailyBackup enables an automatic daily snapshot before each
	// compaction. It is off unless set to true: withDefaults leaves it
	// unchanged, and schema and taxonomy migrations take only a rolling
	// backup.
	DailyBackup bool
	// CompressBackups zstd-compresses rolling and daily backup copies.
	CompressBackups bool
}

func (m Maintenance) withDefaults() Maintenance {
	if m.CompactThreshold == 0 {
		m.CompactThreshold = 0.30
	}
	return m
}

// Config is Open's single configuration argument, a config-struct rather
// than a long positional parameter list.
type Config struct {
	Path        string
	Schema      *Schema
	Table       string
	Progress    ProgressFunc
	Maintenance Maintenance
	Logger      *slog.Logger
}

// Database is an open handle to one ejldb data file. Not safe for use from
// multiple processes (single-writer, multiple-reader within one process);
// safe for concurrent use from multiple goroutines in this process via the
// internal mutex.
type Database struct {
	mu sync.Mutex

	path    string
	table   string
	created string

	fs          *fileStorage
	bodyOffset  int64
	schema      *Schema
	indexSpecs  indexSpecs
	idx         *inMemoryIndex
	taxonomies  *taxonomyManager
	blobs       *blobManager
	progress    ProgressFunc
	maintenance Maintenance
	log         *slog.Logger

	closed bool
}

// Open acquires the exclusive file lock, initializes or migrates the
// header, and rebuilds the in-memory indexes from a sequential scan.
func Open(cfg Config) (*Database, error) {
	if cfg.Schema == nil {
		return nil, fmt.Errorf("ejldb: Config.Schema is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fs, isNew, err := openExclusive(cfg.Path)
	if err != nil {
		return nil, err
	}
	db := &Database{
		path:        cfg.Path,
		table:       cfg.Table,
		fs:          fs,
		progress:    cfg.Progress,
		maintenance: cfg.Maintenance.withDefaults(),
		log:         logger,
		blobs:       newBlobManager(cfg.Path),
	}

	db.emit("open.start", 0, "")

	if isNew {
		db.created = time.Now().UTC().Format(time.RFC3339)
		h := headerLine{T: "header", Format: formatMagic, Table: cfg.Table, Created: db.created, DefaultsAlwaysMaterialized: true}
		empty := taxonomiesHeaderLine{Catalogs: map[string]*taxonomyCatalogJSON{}}
		bodyOffset, err := fs.WriteInitialHeader(h, cfg.Schema, empty)
		if err != nil {
			fs.Close()
			return nil, err
		}
		db.bodyOffset = bodyOffset
		db.schema = cfg.Schema
		db.taxonomies = newTaxonomyManager(empty)
		db.log.Info("ejldb: initialized new database", "path", cfg.Path)
	} else {
		h, storedSchema, tax, bodyOffset, err := fs.ReadHeaderAndSchema()
		if err != nil {
			// On IOCorruption/missing header, initialize a new header using
			// the supplied schema.
			db.log.Warn("ejldb: header unreadable, reinitializing", "path", cfg.Path, "err", err)
			db.created = time.Now().UTC().Format(time.RFC3339)
			nh := headerLine{T: "header", Format: formatMagic, Table: cfg.Table, Created: db.created, DefaultsAlwaysMaterialized: true}
			empty := taxonomiesHeaderLine{Catalogs: map[string]*taxonomyCatalogJSON{}}
			bo, werr := fs.WriteInitialHeader(nh, cfg.Schema, empty)
			if werr != nil {
				fs.Close()
				return nil, werr
			}
			db.bodyOffset = bo
			db.schema = cfg.Schema
			db.taxonomies = newTaxonomyManager(empty)
		} else {
			db.created = h.Created
			db.table = h.Table
			db.bodyOffset = bodyOffset
			db.taxonomies = newTaxonomyManager(tax)

			if !schemaEqual(storedSchema, cfg.Schema) {
				// Build the index under the OLD schema first so the
				// migration has live ids/docs to read; rebuildIndexLocked
				// is run a second time below under the new schema once the
				// rewrite has replaced the file.
				db.schema = storedSchema
				db.indexSpecs = storedSchema.IndexSpecs()
				if err := db.rebuildIndexLocked(); err != nil {
					fs.Close()
					return nil, err
				}
				db.log.Info("ejldb: schema changed, migrating", "path", cfg.Path)
				if err := db.migrateSchemaLocked(cfg.Schema); err != nil {
					fs.Close()
					return nil, err
				}
			}
			db.schema = cfg.Schema
		}
	}

	db.indexSpecs = db.schema.IndexSpecs()
	if err := db.rebuildIndexLocked(); err != nil {
		fs.Close()
		return nil, err
	}

	db.emit("open.done", 100, "")
	return db, nil
}

// rebuildIndexLocked scans the record stream to rebuild the primary index
// (latest MetaEntry per id wins, by file order), then reads every live
// record's data line to populate the secondary and reverse indexes.
func (db *Database) rebuildIndexLocked() error {
	db.emit("open.scan_meta", 0, "")
	idx := newInMemoryIndex()

	if err := db.fs.IterMetaOffsets(db.bodyOffset, func(rec metaRecord) bool {
		me := MetaEntry{
			ID:         rec.meta.ID,
			OffsetMeta: rec.offset,
			TSMs:       rec.meta.TS,
			Deleted:    rec.meta.Op == opDel,
			LenData:    rec.meta.LenData,
			SHA256Data: rec.meta.SHA256Data,
		}
		if rec.meta.Op == opPut {
			me.HasOffsetData = true
			me.OffsetData = rec.offset + int64(len(rec.raw)) + 1
		}
		idx.SetMeta(me)
		return true
	}); err != nil {
		return err
	}
	db.emit("open.scan_meta", 100, "")

	db.emit("open.build_indexes", 0, "")
	liveIDs := idx.LiveIDs()
	for i, id := range liveIDs {
		m, _ := idx.GetMeta(id)
		doc, err := db.readDocAtRaw(m)
		if err != nil {
			continue // tolerant recovery: unreadable live data, skip from secondary indexes
		}
		indexMutateDoc(idx, db.indexSpecs, id, doc, true)
		if len(liveIDs) > 0 && i%128 == 0 {
			db.emitCount("open.build_indexes", int(float64(i)/float64(len(liveIDs))*100), i, len(liveIDs))
		}
	}
	db.emit("open.build_indexes", 100, "")

	db.idx = idx
	return nil
}

// readDocAtRaw reads and parses the data line for m. It only depends on
// db.fs, so rebuildIndexLocked can call it before db.idx is assigned.
func (db *Database) readDocAtRaw(m MetaEntry) (map[string]any, error) {
	if m.Deleted || !m.HasOffsetData {
		return nil, ErrNotFound
	}
	raw, err := db.fs.ReadLineAt(m.OffsetData)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := unmarshalJSON([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing data line for %q: %v", ErrIOCorruption, m.ID, err)
	}
	return doc, nil
}

// readDocAt is the common-case alias used once db.idx is live.
func (db *Database) readDocAt(m MetaEntry) (map[string]any, error) {
	return db.readDocAtRaw(m)
}

// Close releases the exclusive lock. Safe to call once; guarantees release
// on all exit paths.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.fs.Close()
}

// New returns a brand-new, unsaved Record seeded with fields. Call
// Record.Save to assign an id and append it.
func (db *Database) New(fields map[string]any) *Record {
	doc := make(map[string]any, len(fields))
	for k, v := range fields {
		doc[k] = v
	}
	return newRecord(db, doc)
}

// Get returns the live document for id, or ErrNotFound if it is absent,
// deleted, or unreadably corrupt: a corrupt record is reported as absent
// rather than surfacing the underlying I/O error.
func (db *Database) Get(id string) (map[string]any, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	m, ok := db.idx.GetMeta(id)
	if !ok || m.Deleted {
		return nil, ErrNotFound
	}
	doc, err := db.readDocAt(m)
	if err != nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

// GetRecord loads id as a mutable Record bound to this Database, for
// read-modify-write via Record.Save.
func (db *Database) GetRecord(id string) (*Record, error) {
	return db.loadRecord(id)
}

func (db *Database) loadRecord(id string) (*Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	m, ok := db.idx.GetMeta(id)
	if !ok || m.Deleted {
		return nil, fmt.Errorf("%w: record %q", ErrNotFound, id)
	}
	doc, err := db.readDocAt(m)
	if err != nil {
		return nil, fmt.Errorf("%w: record %q: %v", ErrIOCorruption, id, err)
	}
	return recordFromLoaded(db, id, doc, m.OffsetMeta), nil
}

// reloadRecord is Record.Reload's entry point: unlike loadRecord (used by
// GetRecord for a first load), a record being reloaded already has an id,
// so its absence from the index - whether because it was deleted or
// because it was removed by a compaction/migration that dropped it
// entirely - is itself the conflict, not a plain not-found.
func (db *Database) reloadRecord(id string) (*Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	m, ok := db.idx.GetMeta(id)
	if !ok || m.Deleted {
		return nil, fmt.Errorf("%w: record %q not found", ErrConflict, id)
	}
	doc, err := db.readDocAt(m)
	if err != nil {
		return nil, fmt.Errorf("%w: record %q: %v", ErrIOCorruption, id, err)
	}
	return recordFromLoaded(db, id, doc, m.OffsetMeta), nil
}

// VerifyRecordHash re-reads id's data line and checks it against the
// paired meta line's length and SHA-256. Not part of the read-hot-path
// Get; exposed for integrity tooling/tests.
func (db *Database) VerifyRecordHash(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.idx.GetMeta(id)
	if !ok || m.Deleted || !m.HasOffsetData {
		return fmt.Errorf("%w: record %q", ErrNotFound, id)
	}
	raw, err := db.fs.ReadLineAt(m.OffsetData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOCorruption, err)
	}
	if len(raw) != m.LenData {
		return fmt.Errorf("%w: record %q: length mismatch", ErrIOCorruption, id)
	}
	sum := sha256.Sum256([]byte(raw))
	if hex.EncodeToString(sum[:]) != m.SHA256Data {
		return fmt.Errorf("%w: record %q: checksum mismatch", ErrIOCorruption, id)
	}
	return nil
}

// saveRecord is Record.Save's entry point into the Database: it enforces
// duplicate-id and optimistic-conflict rules, appends meta+data, and
// updates the index.
func (db *Database) saveRecord(r *Record, force, freshlyCreated bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	existing, hasExisting := db.idx.GetMeta(r.id)
	if freshlyCreated {
		if hasExisting && !existing.Deleted {
			return fmt.Errorf("%w: id %q", ErrDuplicateID, r.id)
		}
	} else if !force {
		if !hasExisting || existing.Deleted || existing.OffsetMeta != r.expectedOffsetMeta {
			return fmt.Errorf("%w: record %q changed or was deleted since load", ErrConflict, r.id)
		}
	}

	if hasExisting && !existing.Deleted {
		if oldDoc, err := db.readDocAt(existing); err == nil {
			indexMutateDoc(db.idx, db.indexSpecs, r.id, oldDoc, false)
		}
	}

	offMeta, offData, meta, err := db.appendPut(r.id, r.doc)
	if err != nil {
		return err
	}

	db.idx.SetMeta(MetaEntry{
		ID: r.id, OffsetMeta: offMeta, OffsetData: offData, HasOffsetData: true,
		TSMs: meta.TS, LenData: meta.LenData, SHA256Data: meta.SHA256Data,
	})
	indexMutateDoc(db.idx, db.indexSpecs, r.id, r.doc, true)

	r.baseline = r.canonicalNow()
	r.expectedOffsetMeta = offMeta
	r.isNew = false
	r.modified = make(map[string]bool)

	db.maybeAutoCompactLocked()
	return nil
}

// appendPut canonicalizes doc, computes its integrity fields, and appends
// the meta+data pair.
func (db *Database) appendPut(id string, doc map[string]any) (offMeta, offData int64, meta metaLine, err error) {
	data, err := canonicalJSON(doc)
	if err != nil {
		return 0, 0, metaLine{}, err
	}
	sum := sha256.Sum256(data)
	meta = metaLine{
		T: "meta", ID: id, Op: opPut, TS: time.Now().UnixMilli(),
		LenData: len(data), SHA256Data: hex.EncodeToString(sum[:]),
	}
	offMeta, offData, err = db.fs.AppendMetaData(meta, data)
	return offMeta, offData, meta, err
}

// appendDel appends a tombstone meta line for id.
func (db *Database) appendDel(id string) (offMeta int64, ts int64, err error) {
	meta := metaLine{T: "meta", ID: id, Op: opDel, TS: time.Now().UnixMilli()}
	offMeta, _, err = db.fs.AppendMetaData(meta, nil)
	return offMeta, meta.TS, err
}

// findMatchingLocked evaluates q against every live record (prefiltered by
// index when possible) and returns matching ids in file order plus their
// parsed documents. Assumes db.mu is already held; used directly by
// Update/Delete and, with ordering/pagination/projection layered on top,
// by Find.
func (db *Database) findMatchingLocked(q Query) (ids []string, docs map[string]map[string]any) {
	var candidates []string
	if set, used := prefilter(q, db.indexSpecs, db.idx); used {
		for id := range set {
			candidates = append(candidates, id)
		}
	} else {
		candidates = db.idx.LiveIDs()
	}

	sort.Slice(candidates, func(i, j int) bool {
		mi, _ := db.idx.GetMeta(candidates[i])
		mj, _ := db.idx.GetMeta(candidates[j])
		return mi.OffsetMeta < mj.OffsetMeta
	})

	docs = make(map[string]map[string]any)
	for _, id := range candidates {
		m, ok := db.idx.GetMeta(id)
		if !ok || m.Deleted || !m.HasOffsetData {
			continue
		}
		raw, err := db.fs.ReadLineAt(m.OffsetData)
		if err != nil {
			continue
		}

		_, fastMatched, fastOK := fastMatchAndExtract(raw, q, nil, db.schema)
		if fastOK && !fastMatched {
			continue
		}

		var parsed map[string]any
		if err := unmarshalJSON([]byte(raw), &parsed); err != nil {
			continue // corrupt: reported as absent, never an error
		}
		if !fastOK && !matchQuery(parsed, q) {
			continue
		}

		docs[id] = parsed
		ids = append(ids, id)
	}
	return ids, docs
}

// FindOptions controls Find's ordering, pagination, and projection.
type FindOptions struct {
	OrderBy []string
	Skip    int
	Limit   int // 0 means no limit: absent limit returns all matches
	Fields  []string
}

// Find evaluates q, applies ordering/skip/limit/projection, and returns the
// resulting documents.
func (db *Database) Find(q Query, opts FindOptions) ([]map[string]any, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}

	ids, docs := db.findMatchingLocked(q)

	if len(opts.OrderBy) > 0 {
		orderDocs(ids, docs, opts.OrderBy)
	}

	skip := opts.Skip
	if skip < 0 {
		skip = 0
	}
	if skip > len(ids) {
		skip = len(ids)
	}
	end := len(ids)
	if opts.Limit > 0 && skip+opts.Limit < end {
		end = skip + opts.Limit
	}
	page := ids[skip:end]

	out := make([]map[string]any, 0, len(page))
	for _, id := range page {
		out = append(out, projectFields(docs[id], opts.Fields))
	}
	return out, nil
}

// Update applies patch's top-level keys to every live record matching q,
// re-validating and re-indexing each. Returns the number of records
// updated. This is a Database-level bulk operation, not individually
// optimistic per record: each record's append is durable on its own, but
// the loop across records is not atomic as a whole.
func (db *Database) Update(q Query, patch map[string]any) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, ErrClosed
	}

	ids, docs := db.findMatchingLocked(q)
	count := 0
	for _, id := range ids {
		doc := docs[id]
		for k, v := range patch {
			doc[k] = v
		}
		db.schema.ApplyDefaults(doc)
		if err := db.schema.Validate(doc, db.taxonomies); err != nil {
			return count, err
		}

		m, _ := db.idx.GetMeta(id)
		if oldDoc, err := db.readDocAt(m); err == nil {
			indexMutateDoc(db.idx, db.indexSpecs, id, oldDoc, false)
		}

		offMeta, offData, meta, err := db.appendPut(id, doc)
		if err != nil {
			return count, err
		}
		db.idx.SetMeta(MetaEntry{
			ID: id, OffsetMeta: offMeta, OffsetData: offData, HasOffsetData: true,
			TSMs: meta.TS, LenData: meta.LenData, SHA256Data: meta.SHA256Data,
		})
		indexMutateDoc(db.idx, db.indexSpecs, id, doc, true)
		count++
	}

	db.maybeAutoCompactLocked()
	return count, nil
}

// Delete tombstones every live record matching q. Returns the number of
// records deleted.
func (db *Database) Delete(q Query) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, ErrClosed
	}

	ids, docs := db.findMatchingLocked(q)
	count := 0
	for _, id := range ids {
		indexMutateDoc(db.idx, db.indexSpecs, id, docs[id], false)
		offMeta, ts, err := db.appendDel(id)
		if err != nil {
			return count, err
		}
		db.idx.SetMeta(MetaEntry{ID: id, OffsetMeta: offMeta, Deleted: true, TSMs: ts})
		count++
	}

	db.maybeAutoCompactLocked()
	return count, nil
}

// Taxonomy returns a handle bound to the named taxonomy catalog.
func (db *Database) Taxonomy(name string) *TaxonomyHandle {
	return &TaxonomyHandle{db: db, name: name}
}

// PutBlob streams r into content-addressed storage.
func (db *Database) PutBlob(r io.Reader, mime, filename string) (BlobRef, error) {
	return db.blobs.PutBlob(r, mime, filename)
}

// OpenBlob streams the blob addressed by ref back.
func (db *Database) OpenBlob(ref string) (io.ReadCloser, error) {
	return db.blobs.OpenBlob(ref)
}

// GCBlobs removes every stored blob not referenced by a $blob field in any
// live record, returning the count removed and bytes freed.
func (db *Database) GCBlobs() (filesRemoved int, bytesFreed int64, err error) {
	db.mu.Lock()
	used := db.reachableBlobHashesLocked()
	db.mu.Unlock()
	return db.blobs.GC(used)
}

func (db *Database) reachableBlobHashesLocked() map[string]bool {
	used := make(map[string]bool)
	for _, id := range db.idx.LiveIDs() {
		m, _ := db.idx.GetMeta(id)
		doc, err := db.readDocAt(m)
		if err != nil {
			continue
		}
		collectBlobHashes(doc, used)
	}
	return used
}

func collectBlobHashes(v any, out map[string]bool) {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := BlobRefFromDoc(t); ok {
			out[ref.Hash] = true
			return
		}
		for _, vv := range t {
			collectBlobHashes(vv, out)
		}
	case []any:
		for _, vv := range t {
			collectBlobHashes(vv, out)
		}
	}
}

func garbageRatio(total, live int) float64 {
	if total == 0 {
		return 0
	}
	return float64(total-live) / float64(total)
}

func (db *Database) maybeAutoCompactLocked() {
	total, live := db.idx.Count()
	if garbageRatio(total, live) < db.maintenance.CompactThreshold {
		return
	}
	if err := db.compactLocked(); err != nil {
		db.log.Warn("ejldb: automatic compaction failed", "path", db.path, "err", err)
	}
}
