package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("deadbeef", []byte("payload")))

	got, ok, err := s.Get("deadbeef")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)
}

func TestGetMissingIsMissNotError(t *testing.T) {
	s := newTestStore(t)
	got, ok, err := s.Get("absent")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestTamperedRecordIsRejectedAndEvicted(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("cafef00d", []byte("original")))

	path := s.path("cafef00d")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 0xFF // flip a byte in the MAC
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	got, ok, err := s.Get("cafef00d")
	require.NoError(t, err, "MAC mismatch must surface as a miss, not an error")
	require.False(t, ok)
	require.Nil(t, got)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "tampered entry must be deleted")
}

func TestTamperedPayloadIsRejected(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("0badc0de", []byte("original")))

	path := s.path("0badc0de")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := append([]byte(nil), raw...)
	// flip a byte inside the payload region (after the 13-byte header)
	tampered[13] ^= 0xFF
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	_, ok, err := s.Get("0badc0de")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("k1", []byte("v1")))
	require.NoError(t, s.Delete("k1"))
	_, ok, err := s.Get("k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvictionUnderSizeCap(t *testing.T) {
	s := newTestStore(t, WithMaxSize(100)) // room for one 75-byte record, not two
	require.NoError(t, s.Put("a", []byte("111111111111111111111111111111")))
	require.NoError(t, s.Put("b", []byte("222222222222222222222222222222")))

	// "a" was inserted first and is least-recently used, so it should be
	// evicted before "b" once the size cap is exceeded.
	_, aOK, err := s.Get("a")
	require.NoError(t, err)
	_, bOK, err := s.Get("b")
	require.NoError(t, err)
	require.True(t, bOK)
	require.False(t, aOK)
}

func TestSigningKeyPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Put("k", []byte("v")))

	s2, err := Open(dir)
	require.NoError(t, err)
	got, ok, err := s2.Get("k")
	require.NoError(t, err)
	require.True(t, ok, "second Open must reuse the persisted signing key")
	require.Equal(t, []byte("v"), got)

	keyPath := filepath.Join(dir, signingKeyFile)
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestMaxAgeEviction(t *testing.T) {
	s := newTestStore(t, WithMaxAge(time.Nanosecond))
	require.NoError(t, s.Put("old", []byte("v")))
	time.Sleep(2 * time.Millisecond)
	_, evictErr := s.Evict(nil)
	require.NoError(t, evictErr)

	_, ok, err := s.Get("old")
	require.NoError(t, err)
	require.False(t, ok)
}
