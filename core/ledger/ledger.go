// Package ledger is the boundary to the settlement chain. The core never
// marks a task terminal until the accompanying ledger operation is
// confirmed; implementations must make each operation atomic and durable.
package ledger

import (
	"context"
	"time"

	"github.com/monadmesh/meshcore/core/types"
)

// EscrowHandle identifies funds locked for a single task.
type EscrowHandle string

// ReceiptKind names the settlement operation a receipt confirms.
type ReceiptKind int

const (
	ReceiptRelease ReceiptKind = iota
	ReceiptRefund
	ReceiptSlash
)

func (k ReceiptKind) String() string {
	switch k {
	case ReceiptRelease:
		return "release"
	case ReceiptRefund:
		return "refund"
	case ReceiptSlash:
		return "slash"
	default:
		return "unknown"
	}
}

// Receipt is the durable confirmation of a settlement operation.
type Receipt struct {
	ID        string
	Kind      ReceiptKind
	Handle    EscrowHandle
	Account   types.Identity
	Amount    types.Amount
	Confirmed time.Time
}

// Ledger is the settlement interface. Escrow locks the reward at task
// submission; exactly one of Release or Refund settles each handle.
// Slash is independent of any escrow and burns node collateral.
type Ledger interface {
	Escrow(ctx context.Context, from types.Identity, amount types.Amount) (EscrowHandle, error)
	Release(ctx context.Context, handle EscrowHandle, to types.Identity) (*Receipt, error)
	Refund(ctx context.Context, handle EscrowHandle) (*Receipt, error)
	Slash(ctx context.Context, node types.Identity, amount types.Amount) (*Receipt, error)
}
