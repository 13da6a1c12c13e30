// Package registry stores immutable function artifacts keyed by a
// content-derived identifier.
package registry

import (
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/monadmesh/meshcore/core/types"
)

// Visibility controls who may submit tasks against an artifact.
type Visibility int

const (
	Public Visibility = iota
	Private
)

func (v Visibility) String() string {
	switch v {
	case Public:
		return "public"
	case Private:
		return "private"
	default:
		return "unknown"
	}
}

// FunctionArtifact is an immutable registered function. The core never
// dereferences ContentRef; reachability is the content store's concern.
type FunctionArtifact struct {
	ID           types.Hash
	Owner        types.Identity
	ContentRef   types.ContentAddress
	Dependencies []types.ContentAddress
	Capabilities []types.CapabilityTag
	Visibility   Visibility
	CreatedAt    time.Time
}

// Registry is the in-process function artifact store. All mutation goes
// through Register; artifacts are immutable once created.
type Registry struct {
	mu        sync.RWMutex
	artifacts map[types.Hash]*FunctionArtifact
	byOwner   map[types.Identity][]types.Hash

	// Negative-membership fast path: if the filter says the ID was never
	// added, the map lookup on the duplicate check can be skipped.
	seen *bloom.BloomFilter

	logger log.Logger
}

// NewRegistry creates an empty registry sized for the expected artifact
// population.
func NewRegistry(logger log.Logger) *Registry {
	return &Registry{
		artifacts: make(map[types.Hash]*FunctionArtifact),
		byOwner:   make(map[types.Identity][]types.Hash),
		seen:      bloom.NewWithEstimates(100_000, 0.01),
		logger:    logger.With("component", "registry"),
	}
}

// Register creates a function artifact for contentRef. The ID is derived
// from the content address, so registering the same contentRef twice is
// idempotent: the existing artifact is returned as-is. A re-registration
// that tries to claim the same content under a different owner or
// visibility fails with ErrDuplicateArtifact.
func (r *Registry) Register(contentRef types.ContentAddress, dependencies []types.ContentAddress, capabilities []types.CapabilityTag, visibility Visibility, owner types.Identity) (*FunctionArtifact, error) {
	id := types.DeriveFunctionID(contentRef)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen.TestString(string(id)) {
		if existing, ok := r.artifacts[id]; ok {
			if existing.Owner == owner && existing.Visibility == visibility {
				return existing, nil
			}
			return nil, errorsmod.Wrapf(types.ErrDuplicateArtifact, "artifact %s already registered by %s", id, existing.Owner)
		}
	}

	artifact := &FunctionArtifact{
		ID:           id,
		Owner:        owner,
		ContentRef:   contentRef,
		Dependencies: append([]types.ContentAddress(nil), dependencies...),
		Capabilities: append([]types.CapabilityTag(nil), capabilities...),
		Visibility:   visibility,
		CreatedAt:    time.Now(),
	}

	r.artifacts[id] = artifact
	r.byOwner[owner] = append(r.byOwner[owner], id)
	r.seen.AddString(string(id))

	r.logger.Info("function registered",
		"function_id", id,
		"owner", owner,
		"visibility", visibility.String(),
		"dependencies", len(artifact.Dependencies),
	)
	return artifact, nil
}

// Get returns the artifact with the given ID or ErrNotFound.
func (r *Registry) Get(id types.Hash) (*FunctionArtifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	artifact, ok := r.artifacts[id]
	if !ok {
		return nil, errorsmod.Wrapf(types.ErrNotFound, "function %s", id)
	}
	return artifact, nil
}

// Resolve looks up an artifact on behalf of caller, enforcing visibility.
// A private artifact resolves only for its owner; anyone else sees
// ErrUnknownFunction so that private registrations do not leak existence.
func (r *Registry) Resolve(id types.Hash, caller types.Identity) (*FunctionArtifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	artifact, ok := r.artifacts[id]
	if !ok {
		return nil, errorsmod.Wrapf(types.ErrUnknownFunction, "function %s", id)
	}
	if artifact.Visibility == Private && artifact.Owner != caller {
		return nil, errorsmod.Wrapf(types.ErrUnknownFunction, "function %s", id)
	}
	return artifact, nil
}

// ListByOwner returns owner's artifacts in insertion order.
func (r *Registry) ListByOwner(owner types.Identity) []*FunctionArtifact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byOwner[owner]
	out := make([]*FunctionArtifact, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.artifacts[id])
	}
	return out
}

// Count returns the number of registered artifacts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.artifacts)
}
