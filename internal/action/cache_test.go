package action

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/store"
)

func testKey(t *testing.T, dir string, sourceContent string) (Key, string) {
	t.Helper()
	srcPath := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(srcPath, []byte(sourceContent), 0644))

	id := Id{
		Target: graph.TargetId{Workspace: "ws", PackagePath: "pkg", Name: "t"},
		Kind:   Compile,
	}
	key, err := ComputeKey(id, []string{srcPath}, map[string]string{"tool": "cc"}, "cc-12.0")
	require.NoError(t, err)
	return key, srcPath
}

func TestKeyDeterministic(t *testing.T) {
	dir := t.TempDir()
	k1, _ := testKey(t, dir, "int main() {}")

	id := Id{
		Target: graph.TargetId{Workspace: "ws", PackagePath: "pkg", Name: "t"},
		Kind:   Compile,
	}
	src := filepath.Join(dir, "in.txt")
	k2, err := ComputeKey(id, []string{src}, map[string]string{"tool": "cc"}, "cc-12.0")
	require.NoError(t, err)

	require.Equal(t, k1, k2)
}

func TestKeyChangesWithInputContent(t *testing.T) {
	dir := t.TempDir()
	k1, src := testKey(t, dir, "version 1")

	require.NoError(t, os.WriteFile(src, []byte("version 2"), 0644))
	id := Id{Target: graph.TargetId{Workspace: "ws", PackagePath: "pkg", Name: "t"}, Kind: Compile}
	k2, err := ComputeKey(id, []string{src}, map[string]string{"tool": "cc"}, "cc-12.0")
	require.NoError(t, err)

	require.NotEqual(t, k1, k2)
}

func TestKeyChangesWithToolIdentity(t *testing.T) {
	dir := t.TempDir()
	k1, src := testKey(t, dir, "same content")

	id := Id{Target: graph.TargetId{Workspace: "ws", PackagePath: "pkg", Name: "t"}, Kind: Compile}
	k2, err := ComputeKey(id, []string{src}, map[string]string{"tool": "cc"}, "cc-13.0")
	require.NoError(t, err)

	require.NotEqual(t, k1, k2)
}

func TestRecordThenIsCached(t *testing.T) {
	cacheDir := t.TempDir()
	c, err := Open(cacheDir)
	require.NoError(t, err)

	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "out.o")
	require.NoError(t, os.WriteFile(outPath, []byte("object code"), 0644))

	key, _ := testKey(t, t.TempDir(), "src")
	_, err = c.Record(key, []string{outPath}, true)
	require.NoError(t, err)

	cached, err := c.IsCached(key)
	require.NoError(t, err)
	require.True(t, cached)
}

func TestFailedActionNeverAdmitsOutputs(t *testing.T) {
	cacheDir := t.TempDir()
	c, err := Open(cacheDir)
	require.NoError(t, err)

	key, _ := testKey(t, t.TempDir(), "src")
	entry, err := c.Record(key, nil, false)
	require.NoError(t, err)
	require.Empty(t, entry.OutputHashes)

	// A failure entry exists but does not count as a cache hit for reuse
	// purposes beyond "don't retry immediately" bookkeeping handled by the
	// scheduler; IsCached still reports it as present until the failure TTL
	// expires, matching spec §4.D's short-TTL failure caching.
	cached, err := c.IsCached(key)
	require.NoError(t, err)
	require.True(t, cached)
}

func TestMissingBlobDemotesHitToMiss(t *testing.T) {
	cacheDir := t.TempDir()
	c, err := Open(cacheDir)
	require.NoError(t, err)

	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "out.o")
	require.NoError(t, os.WriteFile(outPath, []byte("object code"), 0644))

	key, _ := testKey(t, t.TempDir(), "src")
	entry, err := c.Record(key, []string{outPath}, true)
	require.NoError(t, err)

	// Simulate external corruption: delete the referenced blob directly.
	require.NoError(t, c.Blobs().Decref(entry.OutputHashes[0].Hash))

	cached, err := c.IsCached(key)
	require.NoError(t, err)
	require.False(t, cached, "a dangling entry must demote to a miss, never a phantom hit")
}

func TestConcurrentRecordCoalesces(t *testing.T) {
	cacheDir := t.TempDir()
	c, err := Open(cacheDir)
	require.NoError(t, err)

	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "out.o")
	require.NoError(t, os.WriteFile(outPath, []byte("object code"), 0644))

	key, _ := testKey(t, t.TempDir(), "src")

	var wg sync.WaitGroup
	results := make([]*Entry, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Record(key, []string{outPath}, true)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.True(t, results[i].Success)
	}
}

func TestEvictDecrefsOutputBlobs(t *testing.T) {
	cacheDir := t.TempDir()
	c, err := Open(cacheDir, store.WithMaxAge(time.Nanosecond))
	require.NoError(t, err)

	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "out.o")
	require.NoError(t, os.WriteFile(outPath, []byte("object code"), 0644))

	key, _ := testKey(t, t.TempDir(), "src")
	entry, err := c.Record(key, []string{outPath}, true)
	require.NoError(t, err)
	require.True(t, c.Blobs().Exists(entry.OutputHashes[0].Hash))

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Evict())

	cached, err := c.IsCached(key)
	require.NoError(t, err)
	require.False(t, cached, "the evicted entry's index record must be gone")
	require.False(t, c.Blobs().Exists(entry.OutputHashes[0].Hash),
		"eviction must decref the entry's output blobs, not just delete the index record")
}

func TestBlobRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBlobStore(dir)
	require.NoError(t, err)

	content := []byte("some artifact bytes")
	d, err := bs.Put(content)
	require.NoError(t, err)

	rc, ok, err := bs.Get(d)
	require.NoError(t, err)
	require.True(t, ok)
	defer rc.Close()

	buf := make([]byte, len(content))
	_, err = rc.Read(buf)
	require.NoError(t, err)
	require.Equal(t, content, buf)
}
