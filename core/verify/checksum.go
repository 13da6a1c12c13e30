package verify

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// ChecksumVerifier is the baseline verifier: the proof must be the
// hex-encoded SHA-256 digest of the submitted result reference. This is a
// liveness check on the node's claim, not a correctness proof, but it is
// a real deterministic property and rejects garbage submissions outright.
type ChecksumVerifier struct{}

// NewChecksumVerifier returns the baseline verifier.
func NewChecksumVerifier() *ChecksumVerifier {
	return &ChecksumVerifier{}
}

func (v *ChecksumVerifier) Kind() string { return "checksum" }

func (v *ChecksumVerifier) Verify(_ context.Context, req Request) Outcome {
	if len(req.Proof) == 0 {
		return Outcome{Success: false, Detail: "empty proof"}
	}
	if req.ResultRef == "" {
		return Outcome{Success: false, Detail: "empty result reference"}
	}

	claimed, err := hex.DecodeString(string(req.Proof))
	if err != nil {
		return Outcome{Success: false, Detail: fmt.Sprintf("proof is not hex: %v", err)}
	}

	expected := sha256.Sum256([]byte(req.ResultRef))
	if subtle.ConstantTimeCompare(claimed, expected[:]) != 1 {
		return Outcome{Success: false, Detail: "checksum mismatch"}
	}
	return Outcome{Success: true, Detail: "checksum verified"}
}

// ChecksumProof computes the proof a node must attach for resultRef to
// pass the baseline verifier.
func ChecksumProof(resultRef string) []byte {
	sum := sha256.Sum256([]byte(resultRef))
	return []byte(hex.EncodeToString(sum[:]))
}

var _ Verifier = (*ChecksumVerifier)(nil)
