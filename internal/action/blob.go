package action

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"

	fhash "github.com/forgebuild/forge/internal/hash"
)

// blobShardWidth mirrors spec §6's on-disk layout:
// blobs/<first-two-hex>/<rest-of-hex>.
const blobShardWidth = 2

// BlobStore is the content-addressed artifact store (spec §3 ArtifactBlob).
// Blobs are deduplicated across targets by hash and reference-counted so
// eviction can free storage once nothing references a blob anymore
// (spec §4.D).
type BlobStore struct {
	dir string

	mu        sync.Mutex
	refcounts map[string]int
}

// OpenBlobStore opens (creating if absent) the blob store rooted at dir
// (conventionally <cache-dir>/blobs).
func OpenBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("action.OpenBlobStore(%s): %w", dir, err)
	}
	bs := &BlobStore{dir: dir, refcounts: make(map[string]int)}
	if err := bs.loadRefcounts(); err != nil {
		return nil, xerrors.Errorf("action.OpenBlobStore(%s): %w", dir, err)
	}
	return bs, nil
}

func (bs *BlobStore) refcountsPath() string {
	return filepath.Join(bs.dir, "refcounts.json")
}

func (bs *BlobStore) loadRefcounts() error {
	b, err := os.ReadFile(bs.refcountsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(b, &bs.refcounts)
}

func (bs *BlobStore) persistRefcountsLocked() error {
	b, err := json.Marshal(bs.refcounts)
	if err != nil {
		return err
	}
	return renameio.WriteFile(bs.refcountsPath(), b, 0644)
}

func (bs *BlobStore) path(d fhash.Digest) string {
	hex := d.String()
	return filepath.Join(bs.dir, hex[:blobShardWidth], hex[blobShardWidth:])
}

// Exists reports whether a blob for digest d is present on disk.
func (bs *BlobStore) Exists(d fhash.Digest) bool {
	_, err := os.Stat(bs.path(d))
	return err == nil
}

// Put stores content under its own hash, compressed with zstd, and bumps
// its refcount. Writing is via temp-file + atomic rename; two concurrent
// writers of the same blob are safe because the content (and therefore the
// destination path) is identical — last-write-wins is harmless
// (spec §5 "Shared-resource policy").
func (bs *BlobStore) Put(content []byte) (fhash.Digest, error) {
	d := fhash.Bytes(content)

	if !bs.Exists(d) {
		dir := filepath.Dir(bs.path(d))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return d, xerrors.Errorf("action.BlobStore.Put: %w", err)
		}
		var compressed bytes.Buffer
		zw, err := zstd.NewWriter(&compressed)
		if err != nil {
			return d, xerrors.Errorf("action.BlobStore.Put: %w", err)
		}
		if _, err := zw.Write(content); err != nil {
			zw.Close()
			return d, xerrors.Errorf("action.BlobStore.Put: %w", err)
		}
		if err := zw.Close(); err != nil {
			return d, xerrors.Errorf("action.BlobStore.Put: %w", err)
		}
		if err := renameio.WriteFile(bs.path(d), compressed.Bytes(), 0644); err != nil {
			return d, xerrors.Errorf("action.BlobStore.Put: %w", err)
		}
	}

	bs.mu.Lock()
	bs.refcounts[d.String()]++
	err := bs.persistRefcountsLocked()
	bs.mu.Unlock()
	if err != nil {
		return d, xerrors.Errorf("action.BlobStore.Put: %w", err)
	}
	return d, nil
}

// PutFile streams path's contents into the blob store.
func (bs *BlobStore) PutFile(path string) (fhash.Digest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return fhash.Digest{}, xerrors.Errorf("action.BlobStore.PutFile(%s): %w", path, err)
	}
	return bs.Put(content)
}

// Get returns a reader over the decompressed contents of the blob for d,
// and a bool reporting whether it existed. Implements the content-addressed
// round-trip property (spec §8: get_blob(hash(b)) == b).
func (bs *BlobStore) Get(d fhash.Digest) (io.ReadCloser, bool, error) {
	f, err := os.Open(bs.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, xerrors.Errorf("action.BlobStore.Get(%s): %w", d, err)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, false, xerrors.Errorf("action.BlobStore.Get(%s): %w", d, err)
	}
	return &zstdReadCloser{zr: zr, f: f}, true, nil
}

type zstdReadCloser struct {
	zr *zstd.Decoder
	f  *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.zr.Read(p) }
func (z *zstdReadCloser) Close() error {
	z.zr.Close()
	return z.f.Close()
}

// Decref decrements d's refcount; once it reaches zero the blob is deleted
// from disk (spec §4.D: "evicting an entry also decrements blob refcounts
// and deletes zero-refcount blobs").
func (bs *BlobStore) Decref(d fhash.Digest) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	key := d.String()
	bs.refcounts[key]--
	if bs.refcounts[key] <= 0 {
		delete(bs.refcounts, key)
		if err := os.Remove(bs.path(d)); err != nil && !os.IsNotExist(err) {
			return xerrors.Errorf("action.BlobStore.Decref(%s): %w", d, err)
		}
	}
	return bs.persistRefcountsLocked()
}
