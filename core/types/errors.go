package types

import (
	errorsmod "cosmossdk.io/errors"
)

// Codespace for all registered sentinel errors.
const Codespace = "meshcore"

// Sentinel errors. All are local, caller-recoverable conditions; none are
// fatal to the core process. Callers branch with errors.Is and wrap with
// errorsmod.Wrapf to attach identifiers.
var (
	ErrNotFound           = errorsmod.Register(Codespace, 2, "not found")
	ErrDuplicateArtifact  = errorsmod.Register(Codespace, 3, "duplicate function artifact")
	ErrUnknownNode        = errorsmod.Register(Codespace, 4, "unknown node")
	ErrUnknownFunction    = errorsmod.Register(Codespace, 5, "unknown function")
	ErrInsufficientReward = errorsmod.Register(Codespace, 6, "reward below configured minimum")
	ErrNotAssigned        = errorsmod.Register(Codespace, 7, "node is not assigned to this task")
	ErrStaleAttempt       = errorsmod.Register(Codespace, 8, "attempt already settled by a concurrent call")
	ErrInvalidTransition  = errorsmod.Register(Codespace, 9, "invalid task state transition")
	ErrLedgerUnavailable  = errorsmod.Register(Codespace, 10, "ledger unavailable after retries")
)
