// Package action implements action identity (canonical fingerprinting) and
// the content-addressed action cache (spec §3 ActionId/ActionKey/
// ActionEntry, §4.C, §4.D).
package action

import (
	"fmt"

	"golang.org/x/xerrors"

	fhash "github.com/forgebuild/forge/internal/hash"
	"github.com/forgebuild/forge/internal/graph"
)

// Kind is the action_kind component of an ActionId (spec §3).
type Kind int

const (
	Compile Kind = iota
	Link
	Transform
	Package
	Test
	Custom
)

func (k Kind) String() string {
	switch k {
	case Compile:
		return "compile"
	case Link:
		return "link"
	case Transform:
		return "transform"
	case Package:
		return "package"
	case Test:
		return "test"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// Id identifies a single action: (target_id, action_kind, input_hash,
// sub_id). SubId distinguishes sub-actions of the same kind on the same
// target, e.g. one per compiled source file (spec §3).
type Id struct {
	Target    graph.TargetId
	Kind      Kind
	InputHash fhash.Digest
	SubId     string
}

func (id Id) String() string {
	return fmt.Sprintf("%s#%s#%s#%s", id.Target, id.Kind, id.InputHash, id.SubId)
}

// ComputeInputHash hashes the ordered list of input file contents,
// producing the ActionId.input_hash described in spec §3. Order is
// significant here (unlike ActionKey's own internal hashing, §4.C, which
// sorts for set-invariance) because input_hash is meant to change whenever
// the declared input sequence itself changes, e.g. source file reordering
// in a link step.
func ComputeInputHash(paths []string) (fhash.Digest, error) {
	hashes := make([]string, len(paths))
	for i, p := range paths {
		d, err := fhash.File(p)
		if err != nil {
			return fhash.Digest{}, xerrors.Errorf("action.ComputeInputHash(%s): %w", p, err)
		}
		hashes[i] = d.String()
	}
	return fhash.Strings(hashes), nil
}
