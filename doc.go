// Package ejldb is an embedded, single-file, append-only document database.
//
// # Overview
//
// A Database is backed by one text file whose body is a stream of
// line-delimited JSON: every write emits a meta line (operation, id,
// timestamp, integrity checksum) followed, for puts, by a data line holding
// the canonical JSON document. Reads consult an in-memory index rebuilt from
// a sequential scan on open; nothing about the index is persisted.
//
// # Concurrency: Single Writer, Optimistic Records
//
// One process holds an exclusive OS-level lock on the data file for the
// lifetime of an open [Database]. Within that process, [Record.Save] uses
// optimistic concurrency: a save fails with [ErrConflict] if the record has
// been changed or deleted since it was loaded, unless force is requested.
// This is the opposite tradeoff from pessimistic locking: higher throughput
// for independent records, retries required on collision.
//
// # Secondary Indexes And Taxonomies
//
// Fields marked index in the [Schema] get a scalar (path, value) -> ids
// index; fields bound to a taxonomy get a (taxonomy, key) -> ids reverse
// index. Both live only in memory and are rebuilt by [Open].
//
// # Blob Storage
//
// Large binary values are stored content-addressed in a sibling directory
// (mydb.jsonl -> mydb.jsonl.blobs/), referenced from documents by a
// {"$blob": "sha256:<hex>", ...} object. Use [Database.PutBlob] to write one
// and [Database.OpenBlob] to stream it back; [Database.GCBlobs] reclaims
// blobs no longer referenced by any live record.
package ejldb
