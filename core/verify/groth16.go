package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"

	"cosmossdk.io/log"
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
)

// Function variables for testing
var (
	groth16Setup  = groth16.Setup
	groth16Verify = groth16.Verify

	newGroth16Proof = func(raw []byte) (groth16.Proof, error) {
		proof := groth16.NewProof(ecc.BN254)
		if _, err := proof.ReadFrom(bytes.NewReader(raw)); err != nil {
			return nil, err
		}
		return proof, nil
	}
)

// SetGroth16Setup allows tests to stub key generation for fast execution.
func SetGroth16Setup(fn func(constraint.ConstraintSystem) (groth16.ProvingKey, groth16.VerifyingKey, error)) {
	groth16Setup = fn
}

// SetGroth16Verify allows tests to stub proof verification.
func SetGroth16Verify(fn func(groth16.Proof, groth16.VerifyingKey, witness.Witness, ...backend.VerifierOption) error) {
	groth16Verify = fn
}

// Groth16Verifier delegates result verification to a BN254 Groth16 proof
// checked against the compiled attestation circuit. The proof's public
// inputs bind it to the task sequence, the result commitment and the
// function commitment, so a valid proof for one assignment cannot be
// replayed for another.
type Groth16Verifier struct {
	ccs    constraint.ConstraintSystem
	pk     groth16.ProvingKey
	vk     groth16.VerifyingKey
	logger log.Logger
}

// NewGroth16Verifier compiles the attestation circuit and generates keys.
// Compilation happens once at startup; Verify is cheap by comparison.
func NewGroth16Verifier(logger log.Logger) (*Groth16Verifier, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &AttestationCircuit{})
	if err != nil {
		return nil, fmt.Errorf("failed to compile attestation circuit: %w", err)
	}
	pk, vk, err := groth16Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("failed to set up attestation circuit: %w", err)
	}

	l := logger.With("component", "verifier", "kind", "groth16")
	l.Info("attestation circuit compiled", "constraints", ccs.GetNbConstraints())
	return &Groth16Verifier{ccs: ccs, pk: pk, vk: vk, logger: l}, nil
}

func (v *Groth16Verifier) Kind() string { return "groth16" }

func (v *Groth16Verifier) Verify(_ context.Context, req Request) Outcome {
	if len(req.Proof) == 0 {
		return Outcome{Success: false, Detail: "empty proof"}
	}

	proof, err := newGroth16Proof(req.Proof)
	if err != nil {
		return Outcome{Success: false, Detail: fmt.Sprintf("malformed proof: %v", err)}
	}

	publicWitness, err := v.publicWitness(req)
	if err != nil {
		return Outcome{Success: false, Detail: fmt.Sprintf("witness construction failed: %v", err)}
	}

	if err := groth16Verify(proof, v.vk, publicWitness); err != nil {
		return Outcome{Success: false, Detail: fmt.Sprintf("proof rejected: %v", err)}
	}
	return Outcome{Success: true, Detail: "groth16 proof verified"}
}

func (v *Groth16Verifier) publicWitness(req Request) (witness.Witness, error) {
	assignment := &AttestationCircuit{
		TaskSeq:            req.TaskSeq,
		ResultCommitment:   hashToField([]byte(req.ResultRef)),
		FunctionCommitment: hashToField([]byte(req.FunctionID)),
	}
	full, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return nil, err
	}
	return full, nil
}

// hashToField maps arbitrary bytes into the BN254 scalar field.
func hashToField(data []byte) *big.Int {
	sum := sha256.Sum256(data)
	v := new(big.Int).SetBytes(sum[:])
	return v.Mod(v, ecc.BN254.ScalarField())
}

var _ Verifier = (*Groth16Verifier)(nil)
