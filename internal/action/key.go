package action

import (
	"sort"

	"golang.org/x/xerrors"

	fhash "github.com/forgebuild/forge/internal/hash"
)

// Key is the cache key: BLAKE3 over the canonical serialization of
// (ActionId, sorted metadata map, declared tool identity) — spec §3
// ActionKey, §4.C. Same inputs + same metadata + same tool ⇒ same key
// (spec §8 determinism property).
type Key fhash.Digest

func (k Key) String() string { return fhash.Digest(k).String() }

// ComputeKey implements spec §4.C's three-step recipe:
//  1. hash each input file (streamed);
//  2. serialize metadata as sorted-key/sorted-value NUL-separated bytes;
//  3. BLAKE3 over target_id || kind || sub_id || sorted_input_hashes ||
//     metadata_bytes || tool_identity.
//
// The Id's own order-sensitive InputHash field is not part of the key; the
// input contents enter only through the sorted per-file hashes.
//
// Per-file hashes are sorted before combining (unlike ComputeInputHash,
// which is order-sensitive) so that two declarations of the same input set
// in different orders still resolve to the same key — only membership and
// content matter to cache admission, per the invariant in §4.C ("any
// change to the set of input files, their contents, the tool identity ...
// or the action kind yields a new key").
func ComputeKey(id Id, inputPaths []string, metadata map[string]string, toolIdentity string) (Key, error) {
	inputHashes := make([]string, len(inputPaths))
	for i, p := range inputPaths {
		d, err := fhash.File(p)
		if err != nil {
			return Key{}, xerrors.Errorf("action.ComputeKey(%s): %w", id, err)
		}
		inputHashes[i] = d.String()
	}
	sort.Strings(inputHashes)

	parts := []string{
		id.Target.String(),
		id.Kind.String(),
		id.SubId,
	}
	parts = append(parts, inputHashes...)
	parts = append(parts, metadataBytes(metadata)...)
	parts = append(parts, toolIdentity)

	return Key(fhash.Strings(parts)), nil
}

// metadataBytes renders metadata as a flat, sorted-key sequence of
// "key\x00value" strings suitable for feeding into hash.Strings.
func metadataBytes(metadata map[string]string) []string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"\x00"+metadata[k])
	}
	return out
}
