package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"cosmossdk.io/math"
)

// Identity is an opaque comparable key supplied by the wallet layer.
// The core never interprets it beyond equality and ordering.
type Identity string

// Hash is a hex-encoded SHA-256 digest used for artifact and task IDs.
type Hash string

// ContentAddress references immutable bytes held by the content store.
// The core stores addresses only, never payloads.
type ContentAddress string

// CapabilityTag declares a capability a node offers or a function requires.
type CapabilityTag string

// Amount is the credit unit for rewards, stakes and escrow balances.
type Amount = math.Int

// NewAmount wraps an int64 credit value.
func NewAmount(v int64) Amount {
	return math.NewInt(v)
}

// ZeroAmount returns the additive identity.
func ZeroAmount() Amount {
	return math.ZeroInt()
}

// MinAmount returns the smaller of two amounts.
func MinAmount(a, b Amount) Amount {
	return math.MinInt(a, b)
}

// DeriveFunctionID derives a content-addressed function identifier.
// Identical contentRefs always yield the same ID, which makes
// registration idempotent.
func DeriveFunctionID(contentRef ContentAddress) Hash {
	sum := sha256.Sum256([]byte("fn:" + contentRef))
	return Hash(hex.EncodeToString(sum[:]))
}

// DeriveTaskID derives a task identifier from the function, the submitter
// and a per-submitter monotonic nonce. Wall-clock time never participates,
// so concurrent submissions cannot collide.
func DeriveTaskID(functionID Hash, submitter Identity, nonce uint64) Hash {
	sum := sha256.Sum256(fmt.Appendf(nil, "task:%s:%s:%d", functionID, submitter, nonce))
	return Hash(hex.EncodeToString(sum[:]))
}
