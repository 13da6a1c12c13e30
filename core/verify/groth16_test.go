package verify

import (
	"context"
	"errors"
	"testing"

	"cosmossdk.io/log"
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCrypto replaces key generation, proof parsing and verification so
// tests exercise the verifier's control flow without paying for a real
// trusted setup. Restore functions are returned for deferred cleanup.
func stubCrypto(t *testing.T, verifyErr error) (verified *int) {
	t.Helper()

	origSetup, origVerify, origParse := groth16Setup, groth16Verify, newGroth16Proof
	t.Cleanup(func() {
		groth16Setup, groth16Verify, newGroth16Proof = origSetup, origVerify, origParse
	})

	count := 0
	groth16Setup = func(ccs constraint.ConstraintSystem) (groth16.ProvingKey, groth16.VerifyingKey, error) {
		return groth16.NewProvingKey(ecc.BN254), groth16.NewVerifyingKey(ecc.BN254), nil
	}
	groth16Verify = func(p groth16.Proof, vk groth16.VerifyingKey, w witness.Witness, opts ...backend.VerifierOption) error {
		count++
		return verifyErr
	}
	newGroth16Proof = func(raw []byte) (groth16.Proof, error) {
		if len(raw) < 8 {
			return nil, errors.New("truncated proof")
		}
		return groth16.NewProof(ecc.BN254), nil
	}
	return &count
}

func TestGroth16Verifier_AcceptsValidProof(t *testing.T) {
	calls := stubCrypto(t, nil)

	v, err := NewGroth16Verifier(log.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "groth16", v.Kind())

	outcome := v.Verify(context.Background(), Request{
		TaskID:     "task-1",
		TaskSeq:    7,
		FunctionID: "fn-1",
		ResultRef:  "cid-result",
		Proof:      []byte("serialized-proof"),
	})
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, *calls)
}

func TestGroth16Verifier_RejectsInvalidProof(t *testing.T) {
	stubCrypto(t, errors.New("pairing check failed"))

	v, err := NewGroth16Verifier(log.NewNopLogger())
	require.NoError(t, err)

	outcome := v.Verify(context.Background(), Request{
		TaskSeq:    7,
		FunctionID: "fn-1",
		ResultRef:  "cid-result",
		Proof:      []byte("serialized-proof"),
	})
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Detail, "proof rejected")
}

func TestGroth16Verifier_RejectsEmptyAndMalformedProofs(t *testing.T) {
	calls := stubCrypto(t, nil)

	v, err := NewGroth16Verifier(log.NewNopLogger())
	require.NoError(t, err)
	ctx := context.Background()

	outcome := v.Verify(ctx, Request{ResultRef: "cid-result"})
	assert.False(t, outcome.Success)
	assert.Equal(t, "empty proof", outcome.Detail)

	outcome = v.Verify(ctx, Request{ResultRef: "cid-result", Proof: []byte("x")})
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Detail, "malformed proof")

	// Neither rejection should reach the pairing check.
	assert.Equal(t, 0, *calls)
}

func TestHashToField_DeterministicAndInField(t *testing.T) {
	a := hashToField([]byte("cid-result"))
	b := hashToField([]byte("cid-result"))
	c := hashToField([]byte("cid-other"))

	assert.Equal(t, 0, a.Cmp(b))
	assert.NotEqual(t, 0, a.Cmp(c))
	assert.Less(t, a.Cmp(ecc.BN254.ScalarField()), 0)
	assert.GreaterOrEqual(t, a.Sign(), 0)
}
