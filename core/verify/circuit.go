package verify

import (
	"fmt"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// AttestationCircuit proves that a node knows the result bytes behind the
// commitment it published for a task.
//
// Circuit statement: "I know a preimage and blinding salt such that
// MiMC(preimage, salt) equals the public result commitment, bound to this
// task sequence and function commitment."
type AttestationCircuit struct {
	// Public inputs
	TaskSeq            frontend.Variable `gnark:",public"`
	ResultCommitment   frontend.Variable `gnark:",public"`
	FunctionCommitment frontend.Variable `gnark:",public"`

	// Private inputs
	ResultPreimage frontend.Variable `gnark:",secret"`
	Salt           frontend.Variable `gnark:",secret"`
}

// Define implements the gnark Circuit interface.
func (circuit *AttestationCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return fmt.Errorf("failed to initialize MiMC: %w", err)
	}

	// The published commitment must open to the claimed preimage.
	h.Write(circuit.ResultPreimage)
	h.Write(circuit.Salt)
	api.AssertIsEqual(h.Sum(), circuit.ResultCommitment)

	// Bind the proof to this task and function so it cannot be replayed
	// for a different assignment.
	h.Reset()
	h.Write(circuit.TaskSeq)
	h.Write(circuit.ResultCommitment)
	h.Write(circuit.FunctionCommitment)
	binding := h.Sum()
	api.AssertIsDifferent(binding, 0)

	// Degenerate openings are rejected outright.
	api.AssertIsDifferent(circuit.ResultCommitment, 0)
	api.AssertIsDifferent(circuit.FunctionCommitment, 0)
	api.AssertIsDifferent(circuit.Salt, 0)

	return nil
}

// CircuitName returns the circuit identifier.
func (circuit *AttestationCircuit) CircuitName() string {
	return "result-attestation-v1"
}
