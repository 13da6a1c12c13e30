// Package verify defines the pluggable result verifier and its two
// built-in implementations: a deterministic checksum baseline and a
// Groth16 delegate that checks an external zero-knowledge proof.
package verify

import (
	"context"

	"github.com/monadmesh/meshcore/core/types"
)

// Request carries everything a verifier may inspect for one attempt.
type Request struct {
	TaskID     types.Hash
	TaskSeq    uint64
	FunctionID types.Hash
	ResultRef  types.ContentAddress
	Proof      []byte
}

// Outcome is the verdict of a single verification. A failed verification
// is a normal outcome driving the task state machine, not an error.
type Outcome struct {
	Success bool
	Detail  string
}

// Verifier validates a submitted result. Implementations must be safe for
// concurrent use and must never accept a proof on mere presence; even the
// baseline checks a deterministic property of the submission.
type Verifier interface {
	Kind() string
	Verify(ctx context.Context, req Request) Outcome
}
