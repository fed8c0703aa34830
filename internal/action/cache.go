package action

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/xerrors"

	fhash "github.com/forgebuild/forge/internal/hash"
	"github.com/forgebuild/forge/internal/resilience"
	"github.com/forgebuild/forge/internal/store"
)

// cacheIOTimeout bounds a single signed-store read or write: the action
// cache's disk is the one "logical endpoint" a core-only build (no remote
// cache backend wired yet, spec §1 non-goal) has to guard — a wedged or
// corrupt store should surface as a typed resilience.ResilienceError rather
// than hang Record/Lookup forever.
const cacheIOTimeout = 30 * time.Second

// FailureTTL is how long a cached failure is honored before the action is
// eligible to run again, so that a flapping build failure doesn't mask a
// fix indefinitely (spec §4.D, §9 open question resolved: 10 minutes).
const FailureTTL = 10 * time.Minute

// OutputHash pairs a declared output path with the content hash of what was
// produced there.
type OutputHash struct {
	Path string       `json:"path"`
	Hash fhash.Digest `json:"hash"`
}

// Entry is the persisted cache value for one ActionKey (spec §3
// ActionEntry).
type Entry struct {
	OutputHashes []OutputHash `json:"output_hashes"`
	Success      bool         `json:"success"`
	CreatedAt    time.Time    `json:"created_at"`
	SizeBytes    int64        `json:"size_bytes"`
	LastAccessed time.Time    `json:"last_accessed"`
}

func (e Entry) expired() bool {
	return !e.Success && time.Since(e.CreatedAt) > FailureTTL
}

// Cache is the content-addressed action cache (spec §4.D). Lookup/insert
// are keyed by ActionKey; outputs are content-addressed blobs deduplicated
// across targets.
type Cache struct {
	signed *store.Store
	blobs  *BlobStore

	// guard wraps every signed-store read/write so a wedged disk or a burst
	// of concurrent builders degrades to typed ResilienceErrors instead of
	// unbounded blocking (spec §4.L execute(op) wrapper).
	guard *resilience.Guard

	// reservations implements the at-most-one-builder guarantee: the first
	// concurrent Record() for a given key wins and the rest observe its
	// result instead of performing redundant work (spec §4.D, §8).
	mu           sync.Mutex
	reservations map[string]*reservation
}

type reservation struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// Open opens the action cache rooted at dir, with an "actions" signed-store
// subdirectory and a "blobs" content-addressed subdirectory, matching
// spec §6's on-disk layout.
func Open(dir string, opts ...store.Option) (*Cache, error) {
	signed, err := store.Open(filepath.Join(dir, "actions"), opts...)
	if err != nil {
		return nil, xerrors.Errorf("action.Open(%s): %w", dir, err)
	}
	blobs, err := OpenBlobStore(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, xerrors.Errorf("action.Open(%s): %w", dir, err)
	}
	return &Cache{
		signed: signed,
		blobs:  blobs,
		// A generous threshold/cooldown and rate: local disk I/O should
		// essentially never trip these, but the path is real, not
		// theoretical, so a cache directory on a dying disk degrades
		// gracefully instead of wedging every builder behind it.
		guard:        resilience.NewGuard(resilience.NewCircuitBreaker(20, 10*time.Second), resilience.NewTokenBucket(1000, 200), cacheIOTimeout),
		reservations: make(map[string]*reservation),
	}, nil
}

// IsCached reports whether key has a live, verified entry: it must exist,
// not have expired (failure TTL), and every output blob it references must
// still exist on disk with matching content. A dangling entry (missing
// blob) demotes the hit to a miss and is removed (spec §4.D, §8 "No phantom
// hits").
func (c *Cache) IsCached(key Key) (bool, error) {
	_, ok, err := c.Lookup(key)
	return ok, err
}

// Lookup returns the live entry for key, if any.
func (c *Cache) Lookup(key Key) (*Entry, bool, error) {
	type getResult struct {
		value []byte
		ok    bool
	}
	res, err := resilience.Execute(context.Background(), c.guard, resilience.Normal, func(context.Context) (getResult, error) {
		v, ok, err := c.signed.Get(key.String())
		return getResult{value: v, ok: ok}, err
	})
	if err != nil {
		return nil, false, xerrors.Errorf("action.Cache.Lookup(%s): %w", key, err)
	}
	raw, ok := res.value, res.ok
	if !ok {
		return nil, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Corrupt index payload: treat as a miss and evict (fail safe).
		c.signed.Delete(key.String())
		return nil, false, nil
	}

	if entry.expired() {
		c.evictDangling(key, &entry)
		return nil, false, nil
	}

	if entry.Success {
		for _, oh := range entry.OutputHashes {
			rc, ok, err := c.blobs.Get(oh.Hash)
			if err != nil || !ok {
				c.evictDangling(key, &entry)
				return nil, false, nil
			}
			h := fhash.New()
			_, copyErr := io.Copy(h, rc)
			rc.Close()
			var got fhash.Digest
			copy(got[:], h.Sum(nil))
			if copyErr != nil || got != oh.Hash {
				c.evictDangling(key, &entry)
				return nil, false, nil
			}
		}
	}

	return &entry, true, nil
}

func (c *Cache) evictDangling(key Key, entry *Entry) {
	c.signed.Delete(key.String())
	for _, oh := range entry.OutputHashes {
		c.blobs.Decref(oh.Hash)
	}
}

// Record admits the result of running action key: on success, every output
// path is hashed and written to the blob store (if not already present),
// and a signed ActionEntry is written. On failure no outputs are admitted
// (spec §8: "Action whose command exits nonzero never admits outputs to
// the cache"), but a short-TTL failure entry is still recorded so repeated
// futile work is avoided.
//
// Concurrent Record() calls for the same key coalesce: the first caller to
// arrive performs the work; later callers block until it completes and then
// observe its result, satisfying the at-most-one-builder guarantee
// (spec §4.D, §8).
func (c *Cache) Record(key Key, outputPaths []string, success bool) (*Entry, error) {
	c.mu.Lock()
	if r, inflight := c.reservations[key.String()]; inflight {
		c.mu.Unlock()
		<-r.done
		return r.entry, r.err
	}
	r := &reservation{done: make(chan struct{})}
	c.reservations[key.String()] = r
	c.mu.Unlock()

	entry, err := c.recordOnce(key, outputPaths, success)

	c.mu.Lock()
	r.entry, r.err = entry, err
	delete(c.reservations, key.String())
	c.mu.Unlock()
	close(r.done)

	return entry, err
}

func (c *Cache) recordOnce(key Key, outputPaths []string, success bool) (*Entry, error) {
	entry := Entry{
		Success:      success,
		CreatedAt:    time.Now(),
		LastAccessed: time.Now(),
	}

	if success {
		var total int64
		for _, p := range outputPaths {
			info, err := os.Stat(p)
			if err != nil {
				return nil, xerrors.Errorf("action.Cache.Record(%s): %w", key, err)
			}
			d, err := c.blobs.PutFile(p)
			if err != nil {
				return nil, xerrors.Errorf("action.Cache.Record(%s): %w", key, err)
			}
			entry.OutputHashes = append(entry.OutputHashes, OutputHash{Path: p, Hash: d})
			total += info.Size()
		}
		entry.SizeBytes = total
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, xerrors.Errorf("action.Cache.Record(%s): %w", key, err)
	}
	// Critical priority: this write is the one and only record of a
	// completed build step's outputs, not traffic that can be shed and
	// retried later the way a speculative Lookup can.
	_, err = resilience.Execute(context.Background(), c.guard, resilience.Critical, func(context.Context) (struct{}, error) {
		return struct{}{}, c.signed.Put(key.String(), raw)
	})
	if err != nil {
		return nil, xerrors.Errorf("action.Cache.Record(%s): %w", key, err)
	}
	return &entry, nil
}

// Evict runs the backing store's eviction policy (spec §4.D: "on write, if
// total size > cap, evict least-recently-used entries until under a
// low-water mark"). Every evicted entry's output blobs are decref'd so a
// zero-refcount blob is freed along with the index record that pinned it
// (spec §4.D: "evicting an entry also decrements blob refcounts and
// deletes zero-refcount blobs") — the same cleanup evictDangling already
// performs for a phantom-hit eviction on Lookup.
func (c *Cache) Evict() error {
	victims, err := c.signed.Evict(nil)
	if err != nil {
		return xerrors.Errorf("action.Cache.Evict: %w", err)
	}
	for _, v := range victims {
		var entry Entry
		if err := json.Unmarshal(v.Value, &entry); err != nil {
			continue // already-corrupt payload, nothing to decref
		}
		for _, oh := range entry.OutputHashes {
			c.blobs.Decref(oh.Hash)
		}
	}
	return nil
}

// Blobs exposes the underlying blob store, e.g. for a remote cache backend
// implementation (spec §6 CacheBackend contract) to serve get_blob/
// put_blob.
func (c *Cache) Blobs() *BlobStore { return c.blobs }
