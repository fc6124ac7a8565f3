// Rolling and daily backups: plain file copies taken before any full-file
// rewrite (compaction, schema migration, taxonomy value migration), plus
// an on-demand public BackupNow. Optional zstd compression and a sidecar
// blake2b integrity manifest guard each backup file.
package ejldb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

const backupDirName = "embedded_jsonl_db_backup"

func (db *Database) backupBaseDir() string {
	return filepath.Join(filepath.Dir(db.path), backupDirName)
}

// BackupNow takes an immediate backup of the given kind ("rolling" or
// "daily").
func (db *Database) BackupNow(kind string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	switch kind {
	case "rolling":
		return db.backupRollingLocked()
	case "daily":
		return db.backupDailyLocked()
	default:
		return fmt.Errorf("ejldb: unknown backup kind %q", kind)
	}
}

// backupRollingLocked copies the current file into
// <dir>/embedded_jsonl_db_backup/rolling/<timestamp>.jsonl.
func (db *Database) backupRollingLocked() error {
	dir := filepath.Join(db.backupBaseDir(), "rolling")
	name := time.Now().UTC().Format("20060102T150405.000000000Z")
	db.emit("backup.rolling", 0, "")
	if err := db.copyFileInto(dir, name); err != nil {
		return err
	}
	db.emit("backup.rolling", 100, "")
	return nil
}

// backupDailyLocked copies the current file into
// <dir>/embedded_jsonl_db_backup/daily/<YYYY-MM-DD>.jsonl, but only if no
// file for today exists yet (preserves the first-of-day snapshot,
// idempotent across repeated calls on the same day).
func (db *Database) backupDailyLocked() error {
	dir := filepath.Join(db.backupBaseDir(), "daily")
	name := time.Now().UTC().Format("2006-01-02")
	dest := db.backupDestPath(dir, name)
	if _, err := os.Stat(dest); err == nil {
		return nil // today's snapshot already exists: no-op
	}
	db.emit("backup.daily", 0, "")
	if err := db.copyFileInto(dir, name); err != nil {
		return err
	}
	db.emit("backup.daily", 100, "")
	return nil
}

func (db *Database) backupDestPath(dir, name string) string {
	if db.maintenance.CompressBackups {
		return filepath.Join(dir, name+".jsonl.zst")
	}
	return filepath.Join(dir, name+".jsonl")
}

// copyFileInto copies the whole current data file into dir/name(.jsonl or
// .jsonl.zst), writing a sidecar .manifest with a blake2b-256 fingerprint
// and size, then fsyncing dir. On any failure the partial destination file
// is removed so a failed backup never leaves the original file's state
// ambiguous.
func (db *Database) copyFileInto(dir, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ejldb: backup dir: %w", err)
	}
	dest := db.backupDestPath(dir, name)

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("ejldb: creating backup %s: %w", dest, err)
	}
	ok := false
	defer func() {
		f.Close()
		if !ok {
			os.Remove(dest)
		}
	}()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return err
	}

	var dst io.Writer = io.MultiWriter(f, hasher)
	var zw *zstd.Encoder
	if db.maintenance.CompressBackups {
		zw, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return err
		}
		dst = io.MultiWriter(zw, hasher)
	}

	size, err := db.copyWholeFileTo(dst)
	if err != nil {
		return fmt.Errorf("ejldb: copying backup body: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	manifest := fmt.Sprintf("{\"hash\":\"blake2b:%x\",\"size\":%d,\"created\":%q}\n", hasher.Sum(nil), size, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(dest+".manifest", []byte(manifest), 0o644); err != nil {
		return fmt.Errorf("ejldb: writing backup manifest: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}

	ok = true
	return nil
}

// copyWholeFileTo copies the current data file's entire contents (header
// included) to w, using fileStorage's existing body-copy primitive from
// offset 0.
func (db *Database) copyWholeFileTo(w io.Writer) (int64, error) {
	counter := &countingWriter{w: w}
	if err := db.fs.CopyBodyTo(counter, 0); err != nil {
		return counter.n, err
	}
	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
