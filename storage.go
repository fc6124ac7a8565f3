// FileStorage: byte-level file I/O — exclusive lock, header read/write,
// append of meta+data pairs, seek-and-read-line, atomic replace, fsync
// discipline.
package ejldb

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

type fdHolder interface{ Fd() uintptr }

// fileStorage owns the single OS file handle backing a Database. All
// methods other than Close assume the caller already holds whatever
// higher-level lock (Database.mu) serializes writers; fileStorage itself
// only serializes against concurrent Go callers within this process via mu.
type fileStorage struct {
	path string
	f    *os.File
	mu   sync.Mutex
}

// openExclusive opens (creating if absent) and exclusively locks path.
// isNew reports whether the file was empty (freshly created or previously
// truncated to zero), the signal Database uses to decide whether to
// initialize a header.
func openExclusive(path string) (fs *fileStorage, isNew bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("ejldb: open %s: %w", path, err)
	}
	if err := lockExclusiveNB(f); err != nil {
		f.Close()
		return nil, false, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("ejldb: stat %s: %w", path, err)
	}
	return &fileStorage{path: path, f: f}, info.Size() == 0, nil
}

// Close releases the exclusive lock and closes the handle. Safe to call
// once; the Database guarantees it is called on every exit path.
func (fs *fileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.f == nil {
		return nil
	}
	unlockFile(fs.f)
	err := fs.f.Close()
	fs.f = nil
	return err
}

func (fs *fileStorage) dir() string { return filepath.Dir(fs.path) }

func (fs *fileStorage) sync() error { return fs.f.Sync() }

// syncDir fsyncs the containing directory so that a rename (ReplaceFile) or
// file creation is itself durable, not just the file's own content.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// writeLine marshals v to canonical JSON and appends it at w's current
// position followed by a single '\n'.
func writeLine(w io.Writer, v any) (n int, err error) {
	b, err := canonicalJSON(v)
	if err != nil {
		return 0, err
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// WriteInitialHeader truncates the file and writes the four header lines
// (header, schema, taxonomies, begin). Used when Open finds an empty file,
// and when an existing file's header is unreadable, in which case the
// truncation discards the old contents. Other header changes go through a
// temp-file rewrite instead (compact.go, taxonomy.go).
func (fs *fileStorage) WriteInitialHeader(h headerLine, schema *Schema, tax taxonomiesHeaderLine) (bodyOffset int64, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.f.Truncate(0); err != nil {
		return 0, err
	}
	if _, err := fs.f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	w := bufio.NewWriter(fs.f)
	for _, line := range []any{h, schemaToHeaderLine(schema), tax, beginLine{T: "begin"}} {
		if _, err := writeLine(w, line); err != nil {
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	if err := fs.sync(); err != nil {
		return 0, err
	}
	off, err := fs.f.Seek(0, io.SeekCurrent)
	return off, err
}

// ReadHeaderAndSchema reads the four header lines starting at offset 0.
// Returns ErrIOCorruption if the file is too short or any line fails to
// parse as its expected shape.
func (fs *fileStorage) ReadHeaderAndSchema() (h headerLine, schema *Schema, tax taxonomiesHeaderLine, bodyOffset int64, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err = fs.f.Seek(0, io.SeekStart); err != nil {
		return
	}
	r := bufio.NewReader(fs.f)
	var off int64

	line, n, e := readLine(r)
	if e != nil {
		err = fmt.Errorf("%w: reading header line: %v", ErrIOCorruption, e)
		return
	}
	off += int64(n)
	if err = unmarshalJSON([]byte(line), &h); err != nil || h.T != "header" || h.Format != formatMagic {
		err = fmt.Errorf("%w: malformed header line", ErrIOCorruption)
		return
	}

	line, n, e = readLine(r)
	if e != nil {
		err = fmt.Errorf("%w: reading schema line: %v", ErrIOCorruption, e)
		return
	}
	off += int64(n)
	var sh schemaHeaderLine
	if err = unmarshalJSON([]byte(line), &sh); err != nil || sh.T != "schema" {
		err = fmt.Errorf("%w: malformed schema line", ErrIOCorruption)
		return
	}
	schema = schemaFromHeaderLine(sh)

	line, n, e = readLine(r)
	if e != nil {
		err = fmt.Errorf("%w: reading taxonomies line: %v", ErrIOCorruption, e)
		return
	}
	off += int64(n)
	if err = unmarshalJSON([]byte(line), &tax); err != nil {
		err = fmt.Errorf("%w: malformed taxonomies line", ErrIOCorruption)
		return
	}

	line, n, e = readLine(r)
	if e != nil {
		err = fmt.Errorf("%w: reading begin sentinel: %v", ErrIOCorruption, e)
		return
	}
	off += int64(n)
	var begin beginLine
	if err = unmarshalJSON([]byte(line), &begin); err != nil || begin.T != "begin" {
		err = fmt.Errorf("%w: malformed begin sentinel", ErrIOCorruption)
		return
	}

	bodyOffset = off
	return
}

// AppendMetaData appends one meta line, and (when data is non-nil, i.e. a
// put) the paired data line, at the current end of file, fsyncing before
// returning. Both put and del require fsync.
func (fs *fileStorage) AppendMetaData(meta metaLine, data []byte) (offMeta, offData int64, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	offMeta, err = fs.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, err
	}
	metaBytes, err := canonicalJSON(meta)
	if err != nil {
		return 0, 0, err
	}
	if _, err = fs.f.Write(append(metaBytes, '\n')); err != nil {
		return 0, 0, err
	}
	if data != nil {
		offData = offMeta + int64(len(metaBytes)) + 1
		if _, err = fs.f.Write(append(append([]byte(nil), data...), '\n')); err != nil {
			return 0, 0, err
		}
	}
	if err = fs.sync(); err != nil {
		return 0, 0, err
	}
	return offMeta, offData, nil
}

// ReadLineAt reads exactly one line starting at offset, without its
// trailing newline. Behavior is undefined if offset does not point at the
// start of a line.
func (fs *fileStorage) ReadLineAt(offset int64) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := fs.f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	r := bufio.NewReader(fs.f)
	line, _, err := readLine(r)
	if err != nil {
		return "", fmt.Errorf("%w: reading line at %d: %v", ErrIOCorruption, offset, err)
	}
	return line, nil
}

// metaRecord is one parsed meta line plus the byte offset it started at,
// yielded by IterMetaOffsets.
type metaRecord struct {
	offset int64
	raw    string
	meta   metaLine
}

// IterMetaOffsets seeks past the header and walks the record stream,
// yielding only meta lines (skipping each data line via len_data+1 rather
// than parsing it). Lines that fail to parse as a meta line are skipped
// (tolerant recovery), and a truncated trailing line stops iteration
// without error.
func (fs *fileStorage) IterMetaOffsets(bodyOffset int64, yield func(metaRecord) bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := fs.f.Seek(bodyOffset, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(fs.f)
	cursor := bodyOffset

	for {
		line, n, err := readLine(r)
		if err != nil {
			// EOF or a truncated trailing line: stop, tolerating partial
			// writes left by a crash between append and fsync.
			return nil
		}
		lineOffset := cursor
		cursor += int64(n)

		var m metaLine
		if uerr := unmarshalJSON([]byte(line), &m); uerr != nil || m.T != "meta" {
			continue // tolerant recovery: skip unparseable lines
		}

		if m.Op == opPut {
			skip := m.LenData + 1
			discarded, derr := r.Discard(skip)
			cursor += int64(discarded)
			if derr != nil {
				// Truncated data line trailing the meta line: stop here,
				// the meta line itself is still structurally valid but its
				// data is gone, so do not yield a record claiming live data.
				return nil
			}
		}

		if !yield(metaRecord{offset: lineOffset, raw: line, meta: m}) {
			return nil
		}
	}
}

// CopyBodyTo copies every byte from fromOffset to end-of-file into w,
// verbatim. Used by header-only rewrites (taxonomy upsert) that change
// none of the record stream.
func (fs *fileStorage) CopyBodyTo(w io.Writer, fromOffset int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.f.Seek(fromOffset, io.SeekStart); err != nil {
		return err
	}
	_, err := io.Copy(w, fs.f)
	return err
}

// ReplaceFile atomically renames tmpPath over fs.path and fsyncs the
// containing directory, then reopens and re-locks fs.path in place of the
// old handle.
func (fs *fileStorage) ReplaceFile(tmpPath string) error {
	fs.mu.Lock()
	oldF := fs.f
	fs.mu.Unlock()

	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("ejldb: replacing %s: %w", fs.path, err)
	}
	if err := syncDir(fs.dir()); err != nil {
		return fmt.Errorf("ejldb: fsync dir %s: %w", fs.dir(), err)
	}

	newF, err := os.OpenFile(fs.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := lockExclusiveNB(newF); err != nil {
		newF.Close()
		return err
	}

	fs.mu.Lock()
	fs.f = newF
	fs.mu.Unlock()

	if oldF != nil {
		unlockFile(oldF)
		oldF.Close()
	}
	return nil
}

// readLine reads up to and including the next '\n', returning the line
// without its trailing newline and the total number of bytes consumed
// (including the newline). Returns an error (possibly io.EOF) if no
// complete, newline-terminated line is available — the caller treats that
// as a truncated trailing write.
func readLine(r *bufio.Reader) (string, int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", 0, err
	}
	return line[:len(line)-1], len(line), nil
}
