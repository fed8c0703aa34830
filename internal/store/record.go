// Package store implements the signed, content-addressed on-disk key-value
// store that holds the action cache's index (spec §3
// SignedRecord, §4.B Signed Store).
package store

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	fhash "github.com/forgebuild/forge/internal/hash"
)

// magic identifies a forge signed record on disk.
var magic = [4]byte{'F', 'R', 'G', '1'}

const recordVersion = uint8(1)

// ErrMACMismatch is returned by decodeRecord when the stored HMAC does not
// match the recomputed one. Callers must treat this as a cache miss, delete
// the offending file, and surface a warning event (spec §4.B) — never
// return the payload bytes.
var ErrMACMismatch = xerrors.New("store: signed record MAC mismatch")

// ErrBadMagic is returned when a file does not look like a signed record at
// all (wrong magic or a future major version).
var ErrBadMagic = xerrors.New("store: not a forge signed record")

// encodeRecord frames payload as magic || version || len(payload) ||
// payload || HMAC-BLAKE3(key, payload), matching spec §3's SignedRecord.
func encodeRecord(key [fhash.Size]byte, payload []byte) []byte {
	mac := hmac.New(fhash.New, key[:])
	mac.Write(payload)
	sum := mac.Sum(nil)

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(recordVersion)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)
	buf.Write(sum)
	return buf.Bytes()
}

// decodeRecord validates framing and MAC, returning the payload on success.
// Any MAC mismatch returns ErrMACMismatch; the caller is responsible for
// deleting the backing file (fail-safe, never surface corrupted bytes).
func decodeRecord(key [fhash.Size]byte, raw []byte) ([]byte, error) {
	r := bytes.NewReader(raw)

	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrBadMagic, err)
	}
	if gotMagic != magic {
		return nil, ErrBadMagic
	}

	var ver byte
	if err := binary.Read(r, binary.BigEndian, &ver); err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrBadMagic, err)
	}
	// Unknown minor versions are tolerated; a future major version bump
	// would use a different magic, per spec §6.
	_ = ver

	var payloadLen uint64
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrBadMagic, err)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrBadMagic, err)
	}

	wantMAC := make([]byte, fhash.Size)
	if _, err := io.ReadFull(r, wantMAC); err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrBadMagic, err)
	}

	mac := hmac.New(fhash.New, key[:])
	mac.Write(payload)
	gotMAC := mac.Sum(nil)

	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, ErrMACMismatch
	}
	return payload, nil
}
