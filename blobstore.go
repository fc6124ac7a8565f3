// BlobManager: content-addressed external blob store (SHA-256 CAS),
// atomic write via temp file, GC by reachable-set.
package ejldb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const blobRefScheme = "sha256:"

// BlobRef is a parsed content-addressed blob reference, the Go-side view
// of a document's {"$blob": "sha256:<hex>", ...} object.
type BlobRef struct {
	Hash     string // lowercase hex SHA-256, no scheme prefix
	Size     int64
	MIME     string
	Filename string
}

// ToDoc renders the reference in its on-disk document shape.
func (r BlobRef) ToDoc() map[string]any {
	m := map[string]any{
		"$blob": blobRefScheme + r.Hash,
		"size":  r.Size,
		"mime":  r.MIME,
	}
	if r.Filename != "" {
		m["filename"] = r.Filename
	}
	return m
}

// BlobRefFromDoc parses a document value back into a BlobRef.
func BlobRefFromDoc(v any) (BlobRef, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return BlobRef{}, false
	}
	ref, ok := m["$blob"].(string)
	if !ok || !strings.HasPrefix(ref, blobRefScheme) {
		return BlobRef{}, false
	}
	out := BlobRef{Hash: strings.TrimPrefix(ref, blobRefScheme)}
	if size, ok := asFloat(m["size"]); ok {
		out.Size = int64(size)
	}
	out.MIME, _ = m["mime"].(string)
	out.Filename, _ = m["filename"].(string)
	return out, true
}

// blobManager stores blobs beneath <base>.blobs/sha256/<first-2-hex>/<rest>,
// with in-flight writes staged under <base>.blobs/tmp/.
type blobManager struct {
	dir string
}

func newBlobManager(dataPath string) *blobManager {
	return &blobManager{dir: dataPath + ".blobs"}
}

func (bm *blobManager) tmpDir() string { return filepath.Join(bm.dir, "tmp") }

func (bm *blobManager) pathForHash(hash string) string {
	return filepath.Join(bm.dir, "sha256", hash[:2], hash[2:])
}

// PutBlob streams r into a temp file while incrementally hashing it, then
// renames it atomically into place under its content hash. If a blob with
// the same hash already exists, the temp file is discarded instead
// (dedup-on-collision).
func (bm *blobManager) PutBlob(r io.Reader, mime, filename string) (BlobRef, error) {
	if err := os.MkdirAll(bm.tmpDir(), 0o755); err != nil {
		return BlobRef{}, fmt.Errorf("ejldb: blob tmp dir: %w", err)
	}
	tmp, err := os.CreateTemp(bm.tmpDir(), "blob-*")
	if err != nil {
		return BlobRef{}, fmt.Errorf("ejldb: blob temp file: %w", err)
	}
	tmpPath := tmp.Name()
	abort := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		abort()
		return BlobRef{}, fmt.Errorf("ejldb: writing blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		abort()
		return BlobRef{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return BlobRef{}, err
	}

	hash := hex.EncodeToString(h.Sum(nil))
	dest := bm.pathForHash(hash)
	if _, err := os.Stat(dest); err == nil {
		os.Remove(tmpPath) // dedup: identical content already stored
	} else {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			os.Remove(tmpPath)
			return BlobRef{}, err
		}
		if err := os.Rename(tmpPath, dest); err != nil {
			os.Remove(tmpPath)
			return BlobRef{}, fmt.Errorf("ejldb: placing blob: %w", err)
		}
	}

	return BlobRef{Hash: hash, Size: size, MIME: mime, Filename: filename}, nil
}

// OpenBlob returns a readable handle to the blob addressed by ref (e.g.
// "sha256:<hex>"). Fails ErrNotFound if the scheme is wrong or the blob is
// absent.
func (bm *blobManager) OpenBlob(ref string) (io.ReadCloser, error) {
	if !strings.HasPrefix(ref, blobRefScheme) {
		return nil, fmt.Errorf("%w: unsupported blob ref scheme %q", ErrNotFound, ref)
	}
	hash := strings.TrimPrefix(ref, blobRefScheme)
	if len(hash) < 3 {
		return nil, fmt.Errorf("%w: malformed blob ref %q", ErrNotFound, ref)
	}
	f, err := os.Open(bm.pathForHash(hash))
	if err != nil {
		return nil, fmt.Errorf("%w: blob %q: %v", ErrNotFound, ref, err)
	}
	return f, nil
}

// GC walks the store and removes every blob whose hash is not in
// usedHashes, returning the number of files removed and bytes freed.
// Reachability (usedHashes) is computed by the Database from a scan of all
// live records' $blob fields.
func (bm *blobManager) GC(usedHashes map[string]bool) (filesRemoved int, bytesFreed int64, err error) {
	root := filepath.Join(bm.dir, "sha256")
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		hash := strings.ReplaceAll(rel, string(filepath.Separator), "")
		if usedHashes[hash] {
			return nil
		}
		info, statErr := d.Info()
		if statErr == nil {
			bytesFreed += info.Size()
		}
		if rmErr := os.Remove(path); rmErr != nil {
			return rmErr
		}
		filesRemoved++
		return nil
	})
	if err != nil {
		return filesRemoved, bytesFreed, err
	}

	if entries, readErr := os.ReadDir(bm.tmpDir()); readErr == nil {
		for _, e := range entries {
			os.Remove(filepath.Join(bm.tmpDir(), e.Name()))
		}
	}
	return filesRemoved, bytesFreed, nil
}
