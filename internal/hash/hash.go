// Package hash provides the stable, platform-independent content digests
// used throughout forge: over raw bytes, over files (streamed, never fully
// loaded into memory), and over ordered sequences of strings.
//
// All digests are BLAKE3-256, represented as 32 raw bytes or their lowercase
// hex encoding. The empty input has a well-known digest, exposed as Empty,
// used for zero-source targets (spec §8 boundary behavior).
package hash

import (
	"encoding/hex"
	"hash"
	"io"
	"os"

	"golang.org/x/xerrors"
	"lukechampine.com/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// smallFileThreshold is the size up to which a file is streamed with
// io.Copy's default buffer instead of in blockSize blocks. This only affects
// I/O pattern, never the resulting digest (spec §4.A).
const smallFileThreshold = 1 << 20 // 1 MiB

const blockSize = 4 << 20 // 4 MiB

// Digest is a 32-byte BLAKE3 digest.
type Digest [Size]byte

// String returns the lowercase hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest (never produced by Bytes/File/
// Strings, used as a sentinel for "not yet computed").
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes a hex-encoded digest produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, xerrors.Errorf("hash.ParseDigest(%q): %w", s, err)
	}
	if len(b) != Size {
		return d, xerrors.Errorf("hash.ParseDigest(%q): got %d bytes, want %d", s, len(b), Size)
	}
	copy(d[:], b)
	return d, nil
}

// Empty is the digest of the zero-length byte sequence.
var Empty = Bytes(nil)

// Bytes hashes b in one shot.
func Bytes(b []byte) Digest {
	var d Digest
	sum := blake3.Sum256(b)
	copy(d[:], sum[:])
	return d
}

// File hashes the contents of the file at path, streaming it rather than
// loading it whole. Small files (up to smallFileThreshold) are copied with
// io.Copy's default buffer; larger files are streamed in blockSize blocks. Neither
// strategy changes the resulting digest — tiering is a latency optimization
// only (spec §4.A).
func File(path string) (Digest, error) {
	var d Digest
	f, err := os.Open(path)
	if err != nil {
		return d, xerrors.Errorf("hash.File(%s): %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return d, xerrors.Errorf("hash.File(%s): stat: %w", path, err)
	}

	h := New()
	if fi.Size() <= smallFileThreshold {
		if _, err := io.Copy(h, f); err != nil {
			return d, xerrors.Errorf("hash.File(%s): %w", path, err)
		}
	} else {
		buf := make([]byte, blockSize)
		if _, err := io.CopyBuffer(h, f, buf); err != nil {
			return d, xerrors.Errorf("hash.File(%s): %w", path, err)
		}
	}
	sum := h.Sum(nil)
	copy(d[:], sum)
	return d, nil
}

// Strings hashes an ordered sequence of strings. Order matters: permuting
// the sequence changes the digest. Each element is length-prefixed so that
// ("ab", "c") and ("a", "bc") never collide.
func Strings(ss []string) Digest {
	h := New()
	for _, s := range ss {
		writeUvarint(h, uint64(len(s)))
		io.WriteString(h, s)
	}
	var d Digest
	sum := h.Sum(nil)
	copy(d[:], sum)
	return d
}

func writeUvarint(w io.Writer, v uint64) {
	var buf [10]byte
	n := 0
	for v >= 0x80 {
		buf[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	buf[n] = byte(v)
	n++
	w.Write(buf[:n])
}

// New returns an unkeyed streaming BLAKE3-256 hasher implementing
// hash.Hash, suitable as the underlying hash for crypto/hmac.New, or for
// direct streaming use by File.
func New() hash.Hash {
	return blake3.New(Size, nil)
}
