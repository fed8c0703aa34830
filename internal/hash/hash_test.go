package hash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesDeterministic(t *testing.T) {
	a := Bytes([]byte("hello world"))
	b := Bytes([]byte("hello world"))
	require.Equal(t, a, b)

	c := Bytes([]byte("hello World"))
	require.NotEqual(t, a, c)
}

func TestEmptyIsWellKnown(t *testing.T) {
	require.Equal(t, Empty, Bytes(nil))
	require.Equal(t, Empty, Bytes([]byte{}))
}

func TestFileMatchesBytesRegardlessOfTier(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small.txt")
	require.NoError(t, os.WriteFile(small, []byte("a small file"), 0644))

	large := filepath.Join(dir, "large.bin")
	content := strings.Repeat("x", smallFileThreshold+1)
	require.NoError(t, os.WriteFile(large, []byte(content), 0644))

	gotSmall, err := File(small)
	require.NoError(t, err)
	require.Equal(t, Bytes([]byte("a small file")), gotSmall)

	gotLarge, err := File(large)
	require.NoError(t, err)
	require.Equal(t, Bytes([]byte(content)), gotLarge)
}

func TestStringsOrderSensitive(t *testing.T) {
	a := Strings([]string{"ab", "c"})
	b := Strings([]string{"a", "bc"})
	require.NotEqual(t, a, b, "length-prefixing must prevent concatenation collisions")

	c := Strings([]string{"x", "y"})
	d := Strings([]string{"y", "x"})
	require.NotEqual(t, c, d, "order must change the digest")
}

func TestDigestStringRoundTrip(t *testing.T) {
	d := Bytes([]byte("round trip"))
	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)
}

func TestParseDigestRejectsBadInput(t *testing.T) {
	_, err := ParseDigest("not-hex!!")
	require.Error(t, err)

	_, err = ParseDigest("abcd")
	require.Error(t, err)
}
