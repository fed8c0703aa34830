package store

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	fhash "github.com/forgebuild/forge/internal/hash"
)

const shardWidth = 2 // first two hex chars of the key name the shard directory

const signingKeyFile = "signing.key"

// EntryMeta is the bookkeeping forge keeps in memory (and recomputes by
// stat-ing disk at startup) to drive eviction. It is never part of the
// signed payload.
type EntryMeta struct {
	Key          string
	SizeBytes    int64
	CreatedAt    time.Time
	LastAccessed time.Time
}

// EvictionPolicy selects which entries to remove, given the current set and
// the number of bytes that must be freed to reach the low-water mark.
// Pluggable per spec §4.B; LRUPolicy is the default.
type EvictionPolicy interface {
	SelectVictims(entries []EntryMeta, freeBytes int64) []string
}

// Store is an HMAC-authenticated on-disk key→value store with atomic
// writes and pluggable eviction (spec §4.B).
type Store struct {
	dir    string
	key    [fhash.Size]byte
	log    logrus.FieldLogger
	policy EvictionPolicy

	maxSizeBytes int64
	maxAge       time.Duration
	lowWater     float64 // fraction of maxSizeBytes to evict down to

	mu      sync.Mutex
	entries map[string]EntryMeta
	size    int64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize sets the total-size cap that triggers eviction on Put.
func WithMaxSize(bytes int64) Option {
	return func(s *Store) { s.maxSizeBytes = bytes }
}

// WithMaxAge sets the per-entry max age; entries older than this are
// eligible for eviction regardless of size pressure.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithEvictionPolicy overrides the default LRU policy.
func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithLogger overrides the default logger (logrus.StandardLogger()).
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.log = l }
}

// WithSigningKey overrides the on-disk signing key with one supplied by the
// caller (e.g. FORGE_CACHE_SIGNING_KEY), rather than the generate-on-first-use
// default. raw is hashed down to the key size so callers may pass a
// passphrase of any length.
func WithSigningKey(raw []byte) Option {
	return func(s *Store) { s.key = [fhash.Size]byte(fhash.Bytes(raw)) }
}

// Open opens (creating if absent) a signed store rooted at dir. The HMAC
// signing key is loaded from <dir>/signing.key, or generated and persisted
// with mode 0600 on first use (spec §9 open question, resolved in
// DESIGN.md).
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("store.Open(%s): %w", dir, err)
	}
	key, err := loadOrCreateSigningKey(dir)
	if err != nil {
		return nil, xerrors.Errorf("store.Open(%s): %w", dir, err)
	}

	s := &Store{
		dir:      dir,
		key:      key,
		log:      logrus.StandardLogger(),
		policy:   LRUPolicy{},
		lowWater: 0.8,
		entries:  make(map[string]EntryMeta),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.loadIndex(); err != nil {
		return nil, xerrors.Errorf("store.Open(%s): %w", dir, err)
	}
	return s, nil
}

func loadOrCreateSigningKey(dir string) ([fhash.Size]byte, error) {
	var key [fhash.Size]byte
	path := filepath.Join(dir, signingKeyFile)
	b, err := os.ReadFile(path)
	if err == nil && len(b) == fhash.Size {
		copy(key[:], b)
		return key, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return key, xerrors.Errorf("reading signing key: %w", err)
	}
	if _, err := rand.Read(key[:]); err != nil {
		return key, xerrors.Errorf("generating signing key: %w", err)
	}
	if err := renameio.WriteFile(path, key[:], 0600); err != nil {
		return key, xerrors.Errorf("persisting signing key: %w", err)
	}
	return key, nil
}

func (s *Store) shardDir(key string) string {
	prefix := key
	if len(prefix) > shardWidth {
		prefix = prefix[:shardWidth]
	}
	return filepath.Join(s.dir, "data", prefix)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.shardDir(key), key)
}

// loadIndex rebuilds the in-memory LRU bookkeeping by stat-ing disk. It
// does not verify MACs (that happens lazily on Get, per spec §4.B "fails
// safe, never a corrupted return").
func (s *Store) loadIndex() error {
	dataDir := filepath.Join(s.dir, "data")
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(dataDir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			s.entries[f.Name()] = EntryMeta{
				Key:          f.Name(),
				SizeBytes:    info.Size(),
				CreatedAt:    info.ModTime(),
				LastAccessed: info.ModTime(),
			}
			s.size += info.Size()
		}
	}
	return nil
}

// Get looks up key. A MAC mismatch deletes the entry and returns (nil,
// false, nil) — a miss, not an error — after logging a warning, per spec
// §4.B.
func (s *Store) Get(key string) ([]byte, bool, error) {
	path := s.path(key)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, xerrors.Errorf("store.Get(%s): %w", key, err)
	}

	payload, err := decodeRecord(s.key, raw)
	if err != nil {
		if xerrors.Is(err, ErrMACMismatch) || xerrors.Is(err, ErrBadMagic) {
			s.log.WithFields(logrus.Fields{"key": key, "cause": err}).
				Warn("store: signed record failed verification, evicting")
			s.mu.Lock()
			s.deleteLocked(key)
			s.mu.Unlock()
			return nil, false, nil
		}
		return nil, false, xerrors.Errorf("store.Get(%s): %w", key, err)
	}

	s.mu.Lock()
	if meta, ok := s.entries[key]; ok {
		meta.LastAccessed = time.Now()
		s.entries[key] = meta
	}
	s.mu.Unlock()

	return payload, true, nil
}

// Put writes value under key, wrapped in a signed record, via temp-file +
// atomic rename (spec §4.B). Put takes no per-entry TTL and records none;
// the only age limit the store applies is WithMaxAge, during eviction, so a
// caller that needs entries to expire on read checks their age itself.
func (s *Store) Put(key string, value []byte) error {
	dir := s.shardDir(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("store.Put(%s): %w", key, err)
	}

	record := encodeRecord(s.key, value)
	if err := renameio.WriteFile(s.path(key), record, 0644); err != nil {
		return xerrors.Errorf("store.Put(%s): %w", key, err)
	}

	now := time.Now()
	s.mu.Lock()
	old, existed := s.entries[key]
	if existed {
		s.size -= old.SizeBytes
	}
	s.entries[key] = EntryMeta{
		Key:          key,
		SizeBytes:    int64(len(record)),
		CreatedAt:    now,
		LastAccessed: now,
	}
	s.size += int64(len(record))
	s.mu.Unlock()

	if s.maxSizeBytes > 0 && s.size > s.maxSizeBytes {
		if _, err := s.Evict(nil); err != nil {
			return xerrors.Errorf("store.Put(%s): eviction: %w", key, err)
		}
	}
	return nil
}

// Delete removes key, ignoring a missing entry.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(key)
}

func (s *Store) deleteLocked(key string) error {
	if meta, ok := s.entries[key]; ok {
		s.size -= meta.SizeBytes
		delete(s.entries, key)
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("store.Delete(%s): %w", key, err)
	}
	return nil
}

// Iterate calls fn for every known key in unspecified order. Iteration
// stops early if fn returns false.
func (s *Store) Iterate(fn func(EntryMeta) bool) {
	s.mu.Lock()
	snapshot := make([]EntryMeta, 0, len(s.entries))
	for _, m := range s.entries {
		snapshot = append(snapshot, m)
	}
	s.mu.Unlock()

	for _, m := range snapshot {
		if !fn(m) {
			return
		}
	}
}

// EvictedEntry is one record Evict removed, with the payload it held at
// the moment of eviction (the record itself is gone from disk by the time
// Evict returns, so a caller needing to release resources the payload
// referenced must capture it here rather than re-Get the key).
type EvictedEntry struct {
	Key   string
	Value []byte
}

// Evict runs policy (or the store's configured default) until total size is
// under the low-water mark. Passing a nil policy uses the store's default.
// It returns every entry actually deleted, payload included, so a caller
// layered on top (e.g. action.Cache) can release any resources those
// entries' payloads referenced.
func (s *Store) Evict(policy EvictionPolicy) ([]EvictedEntry, error) {
	if policy == nil {
		policy = s.policy
	}

	s.mu.Lock()
	now := time.Now()
	var expired []string
	if s.maxAge > 0 {
		for k, m := range s.entries {
			if now.Sub(m.CreatedAt) > s.maxAge {
				expired = append(expired, k)
			}
		}
	}

	// No size cap configured: only maxAge applies.
	var freeBytes int64
	if s.maxSizeBytes > 0 {
		lowWater := int64(float64(s.maxSizeBytes) * s.lowWater)
		if s.size > lowWater {
			freeBytes = s.size - lowWater
		}
	}

	snapshot := make([]EntryMeta, 0, len(s.entries))
	for _, m := range s.entries {
		snapshot = append(snapshot, m)
	}
	var victims []string
	if freeBytes > 0 {
		victims = policy.SelectVictims(snapshot, freeBytes)
	}
	victims = append(victims, expired...)
	s.mu.Unlock()

	seen := make(map[string]bool, len(victims))
	deleted := make([]EvictedEntry, 0, len(victims))
	for _, key := range victims {
		if seen[key] {
			continue
		}
		seen[key] = true

		// Capture the payload before deleteLocked removes the record from
		// disk, so callers can still inspect what they're losing.
		value, ok, getErr := s.Get(key)
		if getErr != nil {
			return deleted, getErr
		}

		s.mu.Lock()
		err := s.deleteLocked(key)
		s.mu.Unlock()
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, EvictedEntry{Key: key, Value: value})
		}
	}
	return deleted, nil
}

// Dir returns the store's root directory, e.g. for blob path derivation.
func (s *Store) Dir() string { return s.dir }

// LRUPolicy evicts least-recently-used entries first until freeBytes worth
// of entries are selected. This is the default policy (spec §4.B).
type LRUPolicy struct{}

func (LRUPolicy) SelectVictims(entries []EntryMeta, freeBytes int64) []string {
	sorted := make([]EntryMeta, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LastAccessed.Before(sorted[j].LastAccessed)
	})

	var victims []string
	var freed int64
	for _, e := range sorted {
		if freed >= freeBytes {
			break
		}
		victims = append(victims, e.Key)
		freed += e.SizeBytes
	}
	return victims
}

// KeyHex renders a digest as the hex string used for store keys and blob
// paths.
func KeyHex(d fhash.Digest) string {
	return hex.EncodeToString(d[:])
}
