// Package directory tracks registered compute nodes, their declared
// capabilities, liveness and stake.
package directory

import (
	"sort"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/monadmesh/meshcore/core/types"
)

// NodeStatus is the lifecycle state of a registered node.
type NodeStatus int

const (
	Active NodeStatus = iota
	Suspended
	Slashed
)

func (s NodeStatus) String() string {
	switch s {
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Slashed:
		return "slashed"
	default:
		return "unknown"
	}
}

// Node is a registered compute node. Stake is the collateral backing the
// correctness of its results; a node with zero stake is never assigned work.
type Node struct {
	Address      types.Identity
	Capabilities []types.CapabilityTag
	Stake        types.Amount
	Status       NodeStatus
	RegisteredAt time.Time
	LastSeen     time.Time
}

func (n *Node) hasCapabilities(required []types.CapabilityTag) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[types.CapabilityTag]struct{}, len(n.Capabilities))
	for _, c := range n.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// Directory is the in-process node store. Stake mutations are atomic per
// node; no cross-node atomicity is provided or needed.
type Directory struct {
	mu    sync.RWMutex
	nodes map[types.Identity]*Node

	// Nodes whose last heartbeat is older than this are not eligible.
	// Zero disables the liveness check.
	heartbeatTTL time.Duration

	logger log.Logger
}

// NewDirectory creates an empty directory.
func NewDirectory(heartbeatTTL time.Duration, logger log.Logger) *Directory {
	return &Directory{
		nodes:        make(map[types.Identity]*Node),
		heartbeatTTL: heartbeatTTL,
		logger:       logger.With("component", "directory"),
	}
}

// RegisterNode registers a node with zero stake, or updates the declared
// capabilities of an existing one. Re-registration never touches stake or
// status, so a slashed node cannot launder its record by re-registering.
func (d *Directory) RegisterNode(address types.Identity, capabilities []types.CapabilityTag) *Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if existing, ok := d.nodes[address]; ok {
		existing.Capabilities = append([]types.CapabilityTag(nil), capabilities...)
		existing.LastSeen = now
		d.logger.Info("node capabilities updated", "address", address, "capabilities", len(capabilities))
		return snapshot(existing)
	}

	node := &Node{
		Address:      address,
		Capabilities: append([]types.CapabilityTag(nil), capabilities...),
		Stake:        types.ZeroAmount(),
		Status:       Active,
		RegisteredAt: now,
		LastSeen:     now,
	}
	d.nodes[address] = node

	d.logger.Info("node registered", "address", address, "capabilities", len(capabilities))
	return snapshot(node)
}

// Deposit increases a node's stake. Depositing does not clear a Slashed
// status; reinstatement is a separate operator decision via Reactivate.
func (d *Directory) Deposit(address types.Identity, amount types.Amount) (*Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[address]
	if !ok {
		return nil, errorsmod.Wrapf(types.ErrUnknownNode, "node %s", address)
	}

	node.Stake = node.Stake.Add(amount)
	d.logger.Info("stake deposited", "address", address, "amount", amount.String(), "stake", node.Stake.String())
	return snapshot(node), nil
}

// Heartbeat refreshes the node's liveness timestamp.
func (d *Directory) Heartbeat(address types.Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[address]
	if !ok {
		return errorsmod.Wrapf(types.ErrUnknownNode, "node %s", address)
	}
	node.LastSeen = time.Now()
	return nil
}

// Suspend takes a node out of the eligible set without touching stake.
func (d *Directory) Suspend(address types.Identity) error {
	return d.setStatus(address, Suspended)
}

// Reactivate returns a suspended or slashed node to Active. Eligibility
// still requires positive stake, so a slashed-to-zero node must deposit
// before it receives work again.
func (d *Directory) Reactivate(address types.Identity) error {
	return d.setStatus(address, Active)
}

func (d *Directory) setStatus(address types.Identity, status NodeStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[address]
	if !ok {
		return errorsmod.Wrapf(types.ErrUnknownNode, "node %s", address)
	}
	node.Status = status
	d.logger.Info("node status changed", "address", address, "status", status.String())
	return nil
}

// Slash reduces a node's stake by min(amount, stake) and returns the
// penalty actually applied, so settlement books the capped amount rather
// than the requested one. A node slashed to zero transitions to Slashed
// and drops out of the eligible set.
func (d *Directory) Slash(address types.Identity, amount types.Amount) (*Node, types.Amount, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[address]
	if !ok {
		return nil, types.ZeroAmount(), errorsmod.Wrapf(types.ErrUnknownNode, "node %s", address)
	}

	penalty := types.MinAmount(amount, node.Stake)
	node.Stake = node.Stake.Sub(penalty)
	if node.Stake.IsZero() {
		node.Status = Slashed
	}

	d.logger.Info("node slashed",
		"address", address,
		"penalty", penalty.String(),
		"stake", node.Stake.String(),
		"status", node.Status.String(),
	)
	return snapshot(node), penalty, nil
}

// Get returns a snapshot of the node or ErrNotFound.
func (d *Directory) Get(address types.Identity) (*Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	node, ok := d.nodes[address]
	if !ok {
		return nil, errorsmod.Wrapf(types.ErrNotFound, "node %s", address)
	}
	return snapshot(node), nil
}

// EligibleNodes returns the addresses of nodes that are Active, hold
// positive stake, heartbeat within the liveness window, and declare a
// superset of the required capabilities. The result is ordered by stake
// descending with address ascending as the tie-break, so repeated calls
// on identical state order identically.
func (d *Directory) EligibleNodes(required []types.CapabilityTag) []types.Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := time.Now()
	eligible := make([]*Node, 0, len(d.nodes))
	for _, node := range d.nodes {
		if node.Status != Active || !node.Stake.IsPositive() {
			continue
		}
		if d.heartbeatTTL > 0 && now.Sub(node.LastSeen) > d.heartbeatTTL {
			continue
		}
		if !node.hasCapabilities(required) {
			continue
		}
		eligible = append(eligible, node)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].Stake.Equal(eligible[j].Stake) {
			return eligible[i].Stake.GT(eligible[j].Stake)
		}
		return eligible[i].Address < eligible[j].Address
	})

	out := make([]types.Identity, len(eligible))
	for i, node := range eligible {
		out[i] = node.Address
	}
	return out
}

// Count returns the number of registered nodes.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

func snapshot(n *Node) *Node {
	c := *n
	c.Capabilities = append([]types.CapabilityTag(nil), n.Capabilities...)
	return &c
}
