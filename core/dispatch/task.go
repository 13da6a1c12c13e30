package dispatch

import (
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/monadmesh/meshcore/core/ledger"
	"github.com/monadmesh/meshcore/core/types"
)

// TaskStatus is the lifecycle state of a task. Transitions only move
// forward except Executing -> Pending on timeout or failed verification,
// bounded by the attempt budget. Completed and Failed are terminal.
type TaskStatus int

const (
	Pending TaskStatus = iota
	Executing
	Completed
	Failed
)

func (s TaskStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == Completed || s == Failed
}

var validTransitions = map[TaskStatus][]TaskStatus{
	Pending:   {Executing, Failed},
	Executing: {Pending, Completed, Failed},
}

func canTransition(from, to TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the task to the next status, enforcing the lifecycle
// table. The caller holds the coordinator mutex.
func (t *task) transition(to TaskStatus) error {
	if !canTransition(t.status, to) {
		return errorsmod.Wrapf(types.ErrInvalidTransition, "task %s: %s -> %s", t.id, t.status, to)
	}
	t.status = to
	return nil
}

// task is the coordinator-private task record. All fields are guarded by
// the coordinator mutex; callers only ever see Task snapshots.
type task struct {
	id           types.Hash
	seq          uint64
	functionID   types.Hash
	submitter    types.Identity
	reward       types.Amount
	status       TaskStatus
	assignedNode types.Identity
	attempt      int
	submittedAt  time.Time
	deadlineAt   time.Time
	completedAt  time.Time
	resultRef    types.ContentAddress

	window       time.Duration
	capabilities []types.CapabilityTag
	dependsOn    []types.Hash
	excluded     map[types.Identity]struct{}
	escrow       ledger.EscrowHandle

	// True while a settlement (release, refund, cancel) is in flight for
	// the current attempt. The holder owns this task's next transition;
	// every other caller backs off.
	settling bool
}

func (t *task) excludedNode(node types.Identity) bool {
	_, ok := t.excluded[node]
	return ok
}

func (t *task) exclude(node types.Identity) {
	if t.excluded == nil {
		t.excluded = make(map[types.Identity]struct{})
	}
	t.excluded[node] = struct{}{}
}

// Task is the immutable snapshot handed to callers and the API layer.
type Task struct {
	ID           types.Hash           `json:"id"`
	Seq          uint64               `json:"seq"`
	FunctionID   types.Hash           `json:"function_id"`
	Submitter    types.Identity       `json:"submitter"`
	Reward       types.Amount         `json:"reward"`
	Status       TaskStatus           `json:"-"`
	StatusName   string               `json:"status"`
	AssignedNode types.Identity       `json:"assigned_node,omitempty"`
	Attempt      int                  `json:"attempt"`
	SubmittedAt  time.Time            `json:"submitted_at"`
	DeadlineAt   time.Time            `json:"deadline_at,omitempty"`
	CompletedAt  time.Time            `json:"completed_at,omitempty"`
	ResultRef    types.ContentAddress `json:"result_ref,omitempty"`
	DependsOn    []types.Hash         `json:"depends_on,omitempty"`
}

func (t *task) snapshot() *Task {
	return &Task{
		ID:           t.id,
		Seq:          t.seq,
		FunctionID:   t.functionID,
		Submitter:    t.submitter,
		Reward:       t.reward,
		Status:       t.status,
		StatusName:   t.status.String(),
		AssignedNode: t.assignedNode,
		Attempt:      t.attempt,
		SubmittedAt:  t.submittedAt,
		DeadlineAt:   t.deadlineAt,
		CompletedAt:  t.completedAt,
		ResultRef:    t.resultRef,
		DependsOn:    append([]types.Hash(nil), t.dependsOn...),
	}
}

// VerificationRecord is the durable trace of one verification attempt.
// A task accumulates one record per submitted result across attempts.
type VerificationRecord struct {
	TaskID       types.Hash           `json:"task_id"`
	Node         types.Identity       `json:"node"`
	Attempt      int                  `json:"attempt"`
	VerifierKind string               `json:"verifier_kind"`
	Success      bool                 `json:"success"`
	Detail       string               `json:"detail,omitempty"`
	ResultRef    types.ContentAddress `json:"result_ref"`
	VerifiedAt   time.Time            `json:"verified_at"`
}
