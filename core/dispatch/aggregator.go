package dispatch

import (
	"context"
	"strconv"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/monadmesh/meshcore/core/types"
	"github.com/monadmesh/meshcore/core/verify"
)

// SubmitResult accepts a result from the assigned node, runs the
// verifier and settles the attempt.
//
// Only the currently assigned node may submit, and only while the task
// is Executing; anything else is NotAssigned. The first call to begin
// settling an attempt wins; a concurrent call for the same attempt fails
// StaleAttempt. The task is committed Completed or Failed only after the
// matching ledger operation confirms — if the ledger is unavailable the
// task stays Executing and the returned record carries the verdict.
func (c *Coordinator) SubmitResult(ctx context.Context, taskID types.Hash, node types.Identity, resultRef types.ContentAddress, proof []byte) (*VerificationRecord, error) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return nil, errorsmod.Wrapf(types.ErrNotFound, "task %s", taskID)
	}
	if t.status != Executing || t.assignedNode != node {
		c.mu.Unlock()
		return nil, errorsmod.Wrapf(types.ErrNotAssigned, "task %s, node %s", taskID, node)
	}
	if t.settling {
		c.mu.Unlock()
		return nil, errorsmod.Wrapf(types.ErrStaleAttempt, "task %s attempt %d", taskID, t.attempt)
	}
	// Own the attempt. Holding only the settling flag (not the lock)
	// through verification and settlement keeps the rest of the
	// scheduler responsive.
	t.settling = true
	req := verify.Request{
		TaskID:     t.id,
		TaskSeq:    t.seq,
		FunctionID: t.functionID,
		ResultRef:  resultRef,
		Proof:      proof,
	}
	attempt := t.attempt
	c.mu.Unlock()

	outcome := c.verifier.Verify(ctx, req)

	record := &VerificationRecord{
		TaskID:       taskID,
		Node:         node,
		Attempt:      attempt,
		VerifierKind: c.verifier.Kind(),
		Success:      outcome.Success,
		Detail:       outcome.Detail,
		ResultRef:    resultRef,
		VerifiedAt:   time.Now(),
	}
	c.appendRecord(record)
	c.metrics.Verifications.WithLabelValues(c.verifier.Kind(), outcomeLabel(outcome.Success)).Inc()

	if outcome.Success {
		return record, c.settleSuccess(ctx, t, node, resultRef)
	}
	return record, c.settleVerificationFailure(ctx, t, node, attempt, outcome.Detail)
}

func (c *Coordinator) settleSuccess(ctx context.Context, t *task, node types.Identity, resultRef types.ContentAddress) error {
	if _, err := c.ledger.Release(ctx, t.escrow, node); err != nil {
		c.mu.Lock()
		t.settling = false
		c.mu.Unlock()
		c.metrics.LedgerFailures.Inc()
		c.logger.Error("release failed, task left for retry", "task_id", t.id, "error", err)
		return err
	}

	c.mu.Lock()
	if err := t.transition(Completed); err != nil {
		t.settling = false
		c.mu.Unlock()
		return err
	}
	t.resultRef = resultRef
	t.completedAt = time.Now()
	t.settling = false
	c.syncGaugesLocked()
	c.mu.Unlock()

	c.metrics.TasksCompleted.Inc()
	c.metrics.EscrowReleased.Inc()
	c.events.Publish(TopicTaskCompleted, t.id, node, map[string]string{
		"result_ref": string(resultRef),
	})
	c.logger.Info("task completed", "task_id", t.id, "node", node, "result_ref", resultRef)
	return nil
}

func (c *Coordinator) settleVerificationFailure(ctx context.Context, t *task, node types.Identity, attempt int, detail string) error {
	if attempt < c.cfg.MaxAttempts {
		c.mu.Lock()
		t.exclude(node)
		if err := t.transition(Pending); err != nil {
			t.settling = false
			c.mu.Unlock()
			return err
		}
		t.assignedNode = ""
		t.settling = false
		c.syncGaugesLocked()
		c.mu.Unlock()

		c.metrics.Reassignments.Inc()
		c.events.Publish(TopicTaskVerificationFailed, t.id, node, map[string]string{
			"attempt": strconv.Itoa(attempt),
			"detail":  detail,
		})
		c.logger.Info("verification failed, task requeued", "task_id", t.id, "node", node, "attempt", attempt)
		return nil
	}

	// Final attempt produced a bad result: refund the submitter, then
	// slash the node a configured fraction of the reward it tried to
	// claim. Refund confirms before the failure commits; the slash is
	// punitive and is applied best-effort after it.
	c.mu.Lock()
	t.exclude(node)
	c.mu.Unlock()

	if err := c.failTask(ctx, t, node, "verification_failed"); err != nil {
		return err
	}

	penalty := t.reward.MulRaw(c.cfg.SlashFractionBps).QuoRaw(10_000)
	if penalty.IsPositive() {
		// The directory caps the penalty at the node's stake; the ledger
		// books the capped amount so both sides record the same forfeit.
		slashed, applied, err := c.directory.Slash(node, penalty)
		if err != nil {
			c.logger.Error("directory slash failed", "node", node, "error", err)
		} else {
			if _, err := c.ledger.Slash(ctx, node, applied); err != nil {
				c.metrics.LedgerFailures.Inc()
				c.logger.Error("ledger slash failed", "node", node, "error", err)
			}
			c.metrics.NodesSlashed.Inc()
			c.events.Publish(TopicNodeSlashed, t.id, node, map[string]string{
				"penalty":         applied.String(),
				"remaining_stake": slashed.Stake.String(),
			})
		}
	}

	c.propagateDependencyFailures(ctx)
	return nil
}

func (c *Coordinator) appendRecord(record *VerificationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[record.TaskID] = append(c.records[record.TaskID], record)
}

// Records returns the verification history of a task, oldest first.
func (c *Coordinator) Records(taskID types.Hash) []*VerificationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*VerificationRecord(nil), c.records[taskID]...)
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
