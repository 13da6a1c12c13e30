package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"

	"github.com/monadmesh/meshcore/core/types"
)

// EscrowStatus is the settlement state of a single escrow.
type EscrowStatus int

const (
	EscrowLocked EscrowStatus = iota
	EscrowReleased
	EscrowRefunded
)

func (s EscrowStatus) String() string {
	switch s {
	case EscrowLocked:
		return "locked"
	case EscrowReleased:
		return "released"
	case EscrowRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

type escrowEntry struct {
	handle    EscrowHandle
	from      types.Identity
	amount    types.Amount
	status    EscrowStatus
	createdAt time.Time
	settledAt time.Time
}

// MemoryLedger is an in-process Ledger backed by a balance map. It stands
// in for the settlement chain in tests and single-process deployments;
// every operation commits under one lock, which gives the same atomicity
// the chain would.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[types.Identity]types.Amount
	escrows  map[EscrowHandle]*escrowEntry

	totalEscrowed types.Amount
	totalReleased types.Amount
	totalRefunded types.Amount
	totalSlashed  types.Amount

	logger log.Logger
}

// NewMemoryLedger creates an empty ledger. Accounts start at zero and are
// funded through Credit.
func NewMemoryLedger(logger log.Logger) *MemoryLedger {
	return &MemoryLedger{
		balances:      make(map[types.Identity]types.Amount),
		escrows:       make(map[EscrowHandle]*escrowEntry),
		totalEscrowed: types.ZeroAmount(),
		totalReleased: types.ZeroAmount(),
		totalRefunded: types.ZeroAmount(),
		totalSlashed:  types.ZeroAmount(),
		logger:        logger.With("component", "ledger"),
	}
}

// Credit funds an account.
func (l *MemoryLedger) Credit(account types.Identity, amount types.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balance(account).Add(amount)
}

// Balance returns the free (non-escrowed) balance of an account.
func (l *MemoryLedger) Balance(account types.Identity) types.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(account)
}

// balance assumes l.mu is held.
func (l *MemoryLedger) balance(account types.Identity) types.Amount {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return types.ZeroAmount()
}

// Escrow locks amount out of from's balance and returns a fresh handle.
func (l *MemoryLedger) Escrow(_ context.Context, from types.Identity, amount types.Amount) (EscrowHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balance(from)
	if balance.LT(amount) {
		return "", fmt.Errorf("insufficient balance: have %s, need %s", balance, amount)
	}

	handle := EscrowHandle(uuid.NewString())
	l.balances[from] = balance.Sub(amount)
	l.escrows[handle] = &escrowEntry{
		handle:    handle,
		from:      from,
		amount:    amount,
		status:    EscrowLocked,
		createdAt: time.Now(),
	}
	l.totalEscrowed = l.totalEscrowed.Add(amount)

	l.logger.Debug("escrow locked", "handle", handle, "from", from, "amount", amount.String())
	return handle, nil
}

// Release settles a locked escrow to the payee.
func (l *MemoryLedger) Release(_ context.Context, handle EscrowHandle, to types.Identity) (*Receipt, error) {
	return l.settle(handle, ReceiptRelease, to)
}

// Refund returns a locked escrow to the account that funded it.
func (l *MemoryLedger) Refund(_ context.Context, handle EscrowHandle) (*Receipt, error) {
	return l.settle(handle, ReceiptRefund, "")
}

func (l *MemoryLedger) settle(handle EscrowHandle, kind ReceiptKind, to types.Identity) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.escrows[handle]
	if !ok {
		return nil, errors.New("escrow not found")
	}
	if entry.status != EscrowLocked {
		return nil, fmt.Errorf("escrow already settled: %s", entry.status)
	}

	account := to
	switch kind {
	case ReceiptRelease:
		entry.status = EscrowReleased
		l.totalReleased = l.totalReleased.Add(entry.amount)
	case ReceiptRefund:
		account = entry.from
		entry.status = EscrowRefunded
		l.totalRefunded = l.totalRefunded.Add(entry.amount)
	default:
		return nil, fmt.Errorf("cannot settle escrow as %s", kind)
	}
	entry.settledAt = time.Now()
	l.balances[account] = l.balance(account).Add(entry.amount)

	l.logger.Debug("escrow settled", "handle", handle, "kind", kind.String(), "account", account, "amount", entry.amount.String())
	return &Receipt{
		ID:        uuid.NewString(),
		Kind:      kind,
		Handle:    handle,
		Account:   account,
		Amount:    entry.amount,
		Confirmed: entry.settledAt,
	}, nil
}

// Slash burns amount of the node's collateral. The directory caps the
// penalty at the node's stake before calling, so the ledger applies it
// as given.
func (l *MemoryLedger) Slash(_ context.Context, node types.Identity, amount types.Amount) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalSlashed = l.totalSlashed.Add(amount)
	l.logger.Debug("stake slashed", "node", node, "amount", amount.String())
	return &Receipt{
		ID:        uuid.NewString(),
		Kind:      ReceiptSlash,
		Account:   node,
		Amount:    amount,
		Confirmed: time.Now(),
	}, nil
}

// Stats summarizes settlement activity.
func (l *MemoryLedger) Stats() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	locked := 0
	for _, e := range l.escrows {
		if e.status == EscrowLocked {
			locked++
		}
	}
	return map[string]string{
		"total_escrowed": l.totalEscrowed.String(),
		"total_released": l.totalReleased.String(),
		"total_refunded": l.totalRefunded.String(),
		"total_slashed":  l.totalSlashed.String(),
		"locked_escrows": fmt.Sprintf("%d", locked),
	}
}

var _ Ledger = (*MemoryLedger)(nil)
