// Package dispatch implements the task coordinator: scheduling, timeout
// reassignment, result aggregation and settlement against the ledger.
package dispatch

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/monadmesh/meshcore/core/directory"
	"github.com/monadmesh/meshcore/core/ledger"
	"github.com/monadmesh/meshcore/core/registry"
	"github.com/monadmesh/meshcore/core/types"
	"github.com/monadmesh/meshcore/core/verify"
)

// Config carries the coordinator's scheduling and settlement policy.
type Config struct {
	// MinReward is the smallest accepted task reward.
	MinReward types.Amount
	// MaxAttempts bounds Executing -> Pending reassignments per task.
	MaxAttempts int
	// ExecutionWindow is the default per-attempt deadline.
	ExecutionWindow time.Duration
	// PendingTimeout bounds how long a task may sit Pending before the
	// sweeper fails it and refunds the escrow. A task whose eligible
	// nodes are all excluded, or that waits on capacity that never
	// arrives, would otherwise hold its escrow forever. Zero disables
	// the bound.
	PendingTimeout time.Duration
	// SlashFractionBps is the penalty for a fraudulent final result, in
	// basis points of the task reward.
	SlashFractionBps int64
	// EventRetention bounds the replayable event history.
	EventRetention int
}

// DefaultConfig returns the policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		MinReward:        types.NewAmount(1),
		MaxAttempts:      3,
		ExecutionWindow:  2 * time.Minute,
		PendingTimeout:   30 * time.Minute,
		SlashFractionBps: 1000,
		EventRetention:   4096,
	}
}

// SubmitOptions are the optional knobs of a task submission.
type SubmitOptions struct {
	// ExecutionWindow overrides the configured per-attempt deadline.
	ExecutionWindow time.Duration
	// DependsOn lists tasks that must complete before this one is
	// assignable. A failed dependency fails this task.
	DependsOn []types.Hash
}

// Assignment pairs a task with the node selected to execute it.
type Assignment struct {
	Task *Task
	Node types.Identity
}

// Coordinator is the shared state machine at the center of the mesh:
// submitters enqueue tasks, nodes poll for assignments and return
// results, the sweeper reaps expired deadlines. One mutex guards task
// state; ledger calls happen outside it so a slow settlement blocks only
// its own task.
type Coordinator struct {
	mu      sync.Mutex
	tasks   map[types.Hash]*task
	records map[types.Hash][]*VerificationRecord
	nonces  map[types.Identity]uint64
	seq     uint64

	cfg       Config
	registry  *registry.Registry
	directory *directory.Directory
	ledger    ledger.Ledger
	verifier  verify.Verifier
	events    *EventLog
	metrics   *Metrics
	logger    log.Logger
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(cfg Config, reg *registry.Registry, dir *directory.Directory, led ledger.Ledger, ver verify.Verifier, logger log.Logger) *Coordinator {
	return &Coordinator{
		tasks:     make(map[types.Hash]*task),
		records:   make(map[types.Hash][]*VerificationRecord),
		nonces:    make(map[types.Identity]uint64),
		cfg:       cfg,
		registry:  reg,
		directory: dir,
		ledger:    led,
		verifier:  ver,
		events:    NewEventLog(cfg.EventRetention, logger),
		metrics:   NewMetrics(),
		logger:    logger.With("component", "coordinator"),
	}
}

// Events exposes the coordinator's event log for read-only consumers.
func (c *Coordinator) Events() *EventLog {
	return c.events
}

// Submit escrows the reward and enqueues a Pending task for functionID.
// The task ID is derived from the function, the submitter and a
// per-submitter nonce claimed under the lock, so concurrent submissions
// never collide.
func (c *Coordinator) Submit(ctx context.Context, submitter types.Identity, functionID types.Hash, reward types.Amount, opts SubmitOptions) (*Task, error) {
	artifact, err := c.registry.Resolve(functionID, submitter)
	if err != nil {
		return nil, err
	}
	if reward.LT(c.cfg.MinReward) {
		return nil, errorsmod.Wrapf(types.ErrInsufficientReward, "reward %s below minimum %s", reward, c.cfg.MinReward)
	}

	window := opts.ExecutionWindow
	if window <= 0 {
		window = c.cfg.ExecutionWindow
	}

	c.mu.Lock()
	for _, dep := range opts.DependsOn {
		if _, ok := c.tasks[dep]; !ok {
			c.mu.Unlock()
			return nil, errorsmod.Wrapf(types.ErrNotFound, "dependency task %s", dep)
		}
	}
	nonce := c.nonces[submitter]
	c.nonces[submitter]++
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	id := types.DeriveTaskID(functionID, submitter, nonce)

	handle, err := c.ledger.Escrow(ctx, submitter, reward)
	if err != nil {
		return nil, errorsmod.Wrapf(err, "escrow for task %s", id)
	}

	t := &task{
		id:           id,
		seq:          seq,
		functionID:   functionID,
		submitter:    submitter,
		reward:       reward,
		status:       Pending,
		submittedAt:  time.Now(),
		window:       window,
		capabilities: append([]types.CapabilityTag(nil), artifact.Capabilities...),
		dependsOn:    append([]types.Hash(nil), opts.DependsOn...),
		escrow:       handle,
	}

	c.mu.Lock()
	c.tasks[id] = t
	snap := t.snapshot()
	c.mu.Unlock()

	c.metrics.TasksSubmitted.Inc()
	c.syncGauges()
	c.events.Publish(TopicTaskSubmitted, id, "", map[string]string{
		"function_id": string(functionID),
		"submitter":   string(submitter),
		"reward":      reward.String(),
	})
	c.logger.Info("task submitted", "task_id", id, "function_id", functionID, "reward", reward.String())
	return snap, nil
}

// Assign hands the oldest assignable Pending task to the best eligible
// node. It returns (nil, nil) when no work is available; an empty poll is
// a normal outcome, not an error. Selection is deterministic: tasks order
// by submission time then ID, nodes by stake then address.
func (c *Coordinator) Assign(ctx context.Context) (*Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := make([]*task, 0)
	busy := make(map[types.Identity]struct{})
	for _, t := range c.tasks {
		if t.status == Executing {
			busy[t.assignedNode] = struct{}{}
			continue
		}
		if t.status != Pending || t.settling {
			continue
		}
		if !c.dependenciesMet(t) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].submittedAt.Equal(candidates[j].submittedAt) {
			return candidates[i].submittedAt.Before(candidates[j].submittedAt)
		}
		return candidates[i].id < candidates[j].id
	})

	for _, t := range candidates {
		node, ok := c.selectNode(t, busy)
		if !ok {
			continue
		}

		if err := t.transition(Executing); err != nil {
			continue
		}
		t.assignedNode = node
		t.attempt++
		t.deadlineAt = time.Now().Add(t.window)

		c.metrics.TasksAssigned.Inc()
		c.syncGaugesLocked()
		c.events.Publish(TopicTaskAssigned, t.id, node, map[string]string{
			"attempt": strconv.Itoa(t.attempt),
		})
		c.logger.Info("task assigned", "task_id", t.id, "node", node, "attempt", t.attempt)
		return &Assignment{Task: t.snapshot(), Node: node}, nil
	}
	return nil, nil
}

// dependenciesMet assumes c.mu is held.
func (c *Coordinator) dependenciesMet(t *task) bool {
	for _, dep := range t.dependsOn {
		d, ok := c.tasks[dep]
		if !ok || d.status != Completed {
			return false
		}
	}
	return true
}

// selectNode assumes c.mu is held. A node already executing a task is
// busy and receives no further work until that task settles.
func (c *Coordinator) selectNode(t *task, busy map[types.Identity]struct{}) (types.Identity, bool) {
	for _, node := range c.directory.EligibleNodes(t.capabilities) {
		if _, taken := busy[node]; taken {
			continue
		}
		if !t.excludedNode(node) {
			return node, true
		}
	}
	return "", false
}

// ReportTimeout reaps a task whose execution deadline has passed. Calling
// it on a task that is not Executing, is still within its deadline, or is
// mid-settlement is an idempotent no-op. The expired node is excluded
// from the task's remaining attempts; an exhausted attempt budget fails
// the task and refunds the submitter.
func (c *Coordinator) ReportTimeout(ctx context.Context, taskID types.Hash) error {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return errorsmod.Wrapf(types.ErrNotFound, "task %s", taskID)
	}
	if t.status != Executing || t.settling || time.Now().Before(t.deadlineAt) {
		c.mu.Unlock()
		return nil
	}

	expired := t.assignedNode
	t.exclude(expired)

	if t.attempt < c.cfg.MaxAttempts {
		if err := t.transition(Pending); err != nil {
			c.mu.Unlock()
			return err
		}
		t.assignedNode = ""
		attempt := t.attempt
		c.syncGaugesLocked()
		c.mu.Unlock()

		c.metrics.Reassignments.Inc()
		c.events.Publish(TopicTaskReassigned, taskID, expired, map[string]string{
			"reason":  "timeout",
			"attempt": strconv.Itoa(attempt),
		})
		c.logger.Info("task reassigned after timeout", "task_id", taskID, "node", expired)
		return nil
	}

	// Attempt budget exhausted: refund before committing the failure.
	t.settling = true
	c.mu.Unlock()

	if err := c.failTask(ctx, t, expired, "timeout"); err != nil {
		return err
	}
	c.propagateDependencyFailures(ctx)
	return nil
}

// failTask refunds the escrow and commits the Failed transition. The
// caller must have set t.settling. The task stays in its current state
// when the ledger is unavailable, so the sweeper can retry the same
// transition later.
func (c *Coordinator) failTask(ctx context.Context, t *task, node types.Identity, reason string) error {
	return c.settleFailure(ctx, t, TopicTaskFailed, node, reason)
}

func (c *Coordinator) settleFailure(ctx context.Context, t *task, topic string, node types.Identity, reason string) error {
	if _, err := c.ledger.Refund(ctx, t.escrow); err != nil {
		c.mu.Lock()
		t.settling = false
		c.mu.Unlock()
		c.metrics.LedgerFailures.Inc()
		c.logger.Error("refund failed, task left for sweeper", "task_id", t.id, "error", err)
		return err
	}

	c.mu.Lock()
	if err := t.transition(Failed); err != nil {
		t.settling = false
		c.mu.Unlock()
		return err
	}
	t.assignedNode = ""
	t.completedAt = time.Now()
	t.settling = false
	c.syncGaugesLocked()
	c.mu.Unlock()

	c.metrics.TasksFailed.Inc()
	c.metrics.EscrowRefunded.Inc()
	c.events.Publish(topic, t.id, node, map[string]string{"reason": reason})
	c.logger.Info("task failed", "task_id", t.id, "reason", reason)
	return nil
}

// Cancel withdraws a Pending task. Only the submitter may cancel, and an
// Executing task runs to timeout or completion: the assigned node is
// untrusted and cannot be preempted.
func (c *Coordinator) Cancel(ctx context.Context, taskID types.Hash, caller types.Identity) error {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return errorsmod.Wrapf(types.ErrNotFound, "task %s", taskID)
	}
	if t.submitter != caller {
		c.mu.Unlock()
		return errorsmod.Wrapf(types.ErrInvalidTransition, "only the submitter may cancel task %s", taskID)
	}
	if t.status != Pending || t.settling {
		c.mu.Unlock()
		return errorsmod.Wrapf(types.ErrInvalidTransition, "task %s is %s", taskID, t.status)
	}
	t.settling = true
	c.mu.Unlock()

	if err := c.settleFailure(ctx, t, TopicTaskCancelled, "", "cancelled"); err != nil {
		return err
	}
	c.metrics.TasksCancelled.Inc()
	c.propagateDependencyFailures(ctx)
	return nil
}

// SweepTimeouts reaps every expired Executing task, fails Pending tasks
// that outlived the pending bound, and propagates dependency failures.
// It returns the number of tasks transitioned and is safe to run from
// any number of concurrent sweepers.
func (c *Coordinator) SweepTimeouts(ctx context.Context) int {
	now := time.Now()

	c.mu.Lock()
	expired := make([]types.Hash, 0)
	starved := make([]*task, 0)
	for id, t := range c.tasks {
		switch {
		case t.status == Executing && !t.settling && now.After(t.deadlineAt):
			expired = append(expired, id)
		case t.status == Pending && !t.settling && c.cfg.PendingTimeout > 0 &&
			now.Sub(t.submittedAt) > c.cfg.PendingTimeout:
			t.settling = true
			starved = append(starved, t)
		}
	}
	c.mu.Unlock()

	swept := 0
	for _, id := range expired {
		if err := c.ReportTimeout(ctx, id); err == nil {
			swept++
		}
	}
	for _, t := range starved {
		if err := c.failTask(ctx, t, "", "pending_expired"); err == nil {
			swept++
		}
	}
	swept += c.propagateDependencyFailures(ctx)
	return swept
}

// propagateDependencyFailures fails every Pending task with a Failed
// dependency, cascading until a fixpoint. Refund failures leave the task
// Pending for the next sweep.
func (c *Coordinator) propagateDependencyFailures(ctx context.Context) int {
	failed := 0
	for {
		c.mu.Lock()
		var victim *task
		for _, t := range c.tasks {
			if t.status != Pending || t.settling {
				continue
			}
			for _, dep := range t.dependsOn {
				if d, ok := c.tasks[dep]; ok && d.status == Failed {
					victim = t
					break
				}
			}
			if victim != nil {
				break
			}
		}
		if victim != nil {
			victim.settling = true
		}
		c.mu.Unlock()

		if victim == nil {
			return failed
		}
		if err := c.failTask(ctx, victim, "", "dependency_failed"); err != nil {
			return failed
		}
		failed++
	}
}

// RunSweeper drives SweepTimeouts on a fixed interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if n := c.SweepTimeouts(ctx); n > 0 {
				c.logger.Info("sweep reaped tasks", "count", n)
			}
		}
	}
}

// GetTask returns a snapshot of the task or ErrNotFound.
func (c *Coordinator) GetTask(id types.Hash) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return nil, errorsmod.Wrapf(types.ErrNotFound, "task %s", id)
	}
	return t.snapshot(), nil
}

// Stats summarizes the coordinator's task population.
type Stats struct {
	Pending   int `json:"pending"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// GetStats counts tasks by status.
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *Coordinator) statsLocked() Stats {
	s := Stats{Total: len(c.tasks)}
	for _, t := range c.tasks {
		switch t.status {
		case Pending:
			s.Pending++
		case Executing:
			s.Executing++
		case Completed:
			s.Completed++
		case Failed:
			s.Failed++
		}
	}
	return s
}

func (c *Coordinator) syncGauges() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncGaugesLocked()
}

// syncGaugesLocked assumes c.mu is held.
func (c *Coordinator) syncGaugesLocked() {
	s := c.statsLocked()
	c.metrics.TasksPending.Set(float64(s.Pending))
	c.metrics.TasksExecuting.Set(float64(s.Executing))
}
