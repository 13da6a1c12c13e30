package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monadmesh/meshcore/core/directory"
	"github.com/monadmesh/meshcore/core/ledger"
	"github.com/monadmesh/meshcore/core/registry"
	"github.com/monadmesh/meshcore/core/types"
	"github.com/monadmesh/meshcore/core/verify"
)

type testEnv struct {
	coord  *Coordinator
	reg    *registry.Registry
	dir    *directory.Directory
	ledger *ledger.MemoryLedger
	fnID   types.Hash
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ExecutionWindow = 50 * time.Millisecond
	return cfg
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	return newTestEnvWithVerifier(t, cfg, verify.NewChecksumVerifier())
}

func newTestEnvWithVerifier(t *testing.T, cfg Config, ver verify.Verifier) *testEnv {
	t.Helper()
	logger := log.NewNopLogger()

	reg := registry.NewRegistry(logger)
	dir := directory.NewDirectory(0, logger)
	led := ledger.NewMemoryLedger(logger)
	led.Credit("alice", types.NewAmount(1000))

	coord := NewCoordinator(cfg, reg, dir, led, ver, logger)

	artifact, err := reg.Register("cid-fn", nil, nil, registry.Public, "alice")
	require.NoError(t, err)

	return &testEnv{coord: coord, reg: reg, dir: dir, ledger: led, fnID: artifact.ID}
}

func (e *testEnv) addNode(t *testing.T, addr types.Identity, stake int64) {
	t.Helper()
	e.dir.RegisterNode(addr, nil)
	_, err := e.dir.Deposit(addr, types.NewAmount(stake))
	require.NoError(t, err)
}

func (e *testEnv) submit(t *testing.T, reward int64) *Task {
	t.Helper()
	task, err := e.coord.Submit(context.Background(), "alice", e.fnID, types.NewAmount(reward), SubmitOptions{})
	require.NoError(t, err)
	return task
}

func TestCoordinator_Submit(t *testing.T) {
	e := newTestEnv(t, fastConfig())

	task := e.submit(t, 100)
	assert.Equal(t, Pending, task.Status)
	assert.Equal(t, 0, task.Attempt)
	assert.Equal(t, e.fnID, task.FunctionID)

	// Reward is escrowed immediately.
	assert.Equal(t, types.NewAmount(900), e.ledger.Balance("alice"))

	got, err := e.coord.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestCoordinator_Submit_UnknownFunction(t *testing.T) {
	e := newTestEnv(t, fastConfig())

	_, err := e.coord.Submit(context.Background(), "alice", "deadbeef", types.NewAmount(100), SubmitOptions{})
	assert.True(t, errors.Is(err, types.ErrUnknownFunction))
}

func TestCoordinator_Submit_InsufficientReward(t *testing.T) {
	cfg := fastConfig()
	cfg.MinReward = types.NewAmount(50)
	e := newTestEnv(t, cfg)

	_, err := e.coord.Submit(context.Background(), "alice", e.fnID, types.NewAmount(10), SubmitOptions{})
	assert.True(t, errors.Is(err, types.ErrInsufficientReward))
	// Nothing escrowed on rejection.
	assert.Equal(t, types.NewAmount(1000), e.ledger.Balance("alice"))
}

func TestCoordinator_Submit_UniqueIDsUnderConcurrency(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	ctx := context.Background()

	const n = 20
	ids := make(chan types.Hash, n)
	for i := 0; i < n; i++ {
		go func() {
			task, err := e.coord.Submit(ctx, "alice", e.fnID, types.NewAmount(10), SubmitOptions{})
			require.NoError(t, err)
			ids <- task.ID
		}()
	}

	seen := make(map[types.Hash]struct{})
	for i := 0; i < n; i++ {
		id := <-ids
		_, dup := seen[id]
		assert.False(t, dup, "duplicate task id %s", id)
		seen[id] = struct{}{}
	}
	// 20 escrows of 10 each.
	assert.Equal(t, types.NewAmount(800), e.ledger.Balance("alice"))
}

func TestCoordinator_Assign_EmptyPoll(t *testing.T) {
	e := newTestEnv(t, fastConfig())

	// No tasks at all.
	a, err := e.coord.Assign(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a)

	// A pending task but no eligible node is still a normal empty poll.
	e.submit(t, 100)
	a, err = e.coord.Assign(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestCoordinator_Assign_PicksHighestStake(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	e.addNode(t, "node-small", 5)
	e.addNode(t, "node-big", 20)

	task := e.submit(t, 100)

	a, err := e.coord.Assign(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, types.Identity("node-big"), a.Node)
	assert.Equal(t, task.ID, a.Task.ID)
	assert.Equal(t, Executing, a.Task.Status)
	assert.Equal(t, 1, a.Task.Attempt)
}

func TestCoordinator_Assign_FIFO(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	e.addNode(t, "node-a", 10)

	first := e.submit(t, 100)
	time.Sleep(2 * time.Millisecond)
	second := e.submit(t, 100)

	a, err := e.coord.Assign(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, first.ID, a.Task.ID)

	// One node, one assignment: the second task waits.
	a, err = e.coord.Assign(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a)

	e.addNode(t, "node-b", 10)
	a, err = e.coord.Assign(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, second.ID, a.Task.ID)
}

func TestCoordinator_Assign_EqualSubmissionTimeTieBreaksOnID(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	e.addNode(t, "node-a", 10)
	e.addNode(t, "node-b", 10)

	first := e.submit(t, 100)
	second := e.submit(t, 100)

	// Pin both submissions to the same instant so only the ID order can
	// decide which task goes first.
	now := time.Now()
	e.coord.mu.Lock()
	e.coord.tasks[first.ID].submittedAt = now
	e.coord.tasks[second.ID].submittedAt = now
	e.coord.mu.Unlock()

	lower, higher := first.ID, second.ID
	if higher < lower {
		lower, higher = higher, lower
	}

	a, err := e.coord.Assign(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, lower, a.Task.ID)

	a, err = e.coord.Assign(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, higher, a.Task.ID)
}

func TestCoordinator_Assign_NoDoubleAssignment(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	e.addNode(t, "node-a", 10)
	e.submit(t, 100)

	const n = 16
	results := make(chan *Assignment, n)
	for i := 0; i < n; i++ {
		go func() {
			a, err := e.coord.Assign(context.Background())
			require.NoError(t, err)
			results <- a
		}()
	}

	assigned := 0
	for i := 0; i < n; i++ {
		if <-results != nil {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
}

func TestCoordinator_ReportTimeout_WithinDeadlineIsNoop(t *testing.T) {
	cfg := fastConfig()
	cfg.ExecutionWindow = time.Hour
	e := newTestEnv(t, cfg)
	e.addNode(t, "node-a", 10)
	task := e.submit(t, 100)

	a, err := e.coord.Assign(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)

	require.NoError(t, e.coord.ReportTimeout(context.Background(), task.ID))

	got, err := e.coord.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, Executing, got.Status)
	assert.Equal(t, types.Identity("node-a"), got.AssignedNode)
}

func TestCoordinator_ReportTimeout_Reassigns(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	e.addNode(t, "node-a", 10)
	task := e.submit(t, 100)

	_, err := e.coord.Assign(context.Background())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, e.coord.ReportTimeout(context.Background(), task.ID))

	got, err := e.coord.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, Pending, got.Status)
	assert.Empty(t, got.AssignedNode)

	// The timed-out node is excluded from this task's remaining attempts.
	a, err := e.coord.Assign(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a)

	e.addNode(t, "node-b", 5)
	a, err = e.coord.Assign(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, types.Identity("node-b"), a.Node)
	assert.Equal(t, 2, a.Task.Attempt)
}

func TestCoordinator_ReportTimeout_ExhaustedAttemptsFailsAndRefunds(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	e := newTestEnv(t, cfg)
	e.addNode(t, "node-a", 10)
	task := e.submit(t, 100)

	_, err := e.coord.Assign(context.Background())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, e.coord.ReportTimeout(context.Background(), task.ID))

	got, err := e.coord.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, Failed, got.Status)
	assert.Equal(t, types.NewAmount(1000), e.ledger.Balance("alice"))

	// Timeouts refund but never slash.
	node, err := e.dir.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, types.NewAmount(10), node.Stake)

	// A second report on the terminal task is a no-op.
	require.NoError(t, e.coord.ReportTimeout(context.Background(), task.ID))
}

func TestCoordinator_ReportTimeout_UnknownTask(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	err := e.coord.ReportTimeout(context.Background(), "deadbeef")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestCoordinator_SweepTimeouts(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	e.addNode(t, "node-a", 10)
	e.addNode(t, "node-b", 10)
	t1 := e.submit(t, 100)
	t2 := e.submit(t, 100)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		a, err := e.coord.Assign(ctx)
		require.NoError(t, err)
		require.NotNil(t, a)
	}

	assert.Equal(t, 0, e.coord.SweepTimeouts(ctx))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, e.coord.SweepTimeouts(ctx))

	for _, id := range []types.Hash{t1.ID, t2.ID} {
		got, err := e.coord.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, Pending, got.Status)
	}
}

func TestCoordinator_SweepTimeouts_FailsStarvedPendingTask(t *testing.T) {
	cfg := fastConfig()
	cfg.PendingTimeout = 20 * time.Millisecond
	e := newTestEnv(t, cfg)
	// No nodes at all: the task can never be assigned.
	task := e.submit(t, 100)
	ctx := context.Background()

	assert.Equal(t, 0, e.coord.SweepTimeouts(ctx))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, e.coord.SweepTimeouts(ctx))

	got, err := e.coord.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, Failed, got.Status)

	// The escrow came back to the submitter.
	assert.Equal(t, types.NewAmount(1000), e.ledger.Balance("alice"))
}

func TestCoordinator_RunSweeper_StopsOnCancel(t *testing.T) {
	e := newTestEnv(t, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.coord.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestCoordinator_Cancel(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	task := e.submit(t, 100)

	require.NoError(t, e.coord.Cancel(context.Background(), task.ID, "alice"))

	got, err := e.coord.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, Failed, got.Status)
	assert.Equal(t, types.NewAmount(1000), e.ledger.Balance("alice"))
}

func TestCoordinator_Cancel_OnlySubmitter(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	task := e.submit(t, 100)

	err := e.coord.Cancel(context.Background(), task.ID, "mallory")
	assert.True(t, errors.Is(err, types.ErrInvalidTransition))
}

func TestCoordinator_Cancel_ExecutingIsRejected(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	e.addNode(t, "node-a", 10)
	task := e.submit(t, 100)

	_, err := e.coord.Assign(context.Background())
	require.NoError(t, err)

	err = e.coord.Cancel(context.Background(), task.ID, "alice")
	assert.True(t, errors.Is(err, types.ErrInvalidTransition))
	// Escrow stays locked while the node runs.
	assert.Equal(t, types.NewAmount(900), e.ledger.Balance("alice"))
}

func TestCoordinator_DependencyGating(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	e.addNode(t, "node-a", 10)
	ctx := context.Background()

	dep := e.submit(t, 100)
	child, err := e.coord.Submit(ctx, "alice", e.fnID, types.NewAmount(50), SubmitOptions{
		DependsOn: []types.Hash{dep.ID},
	})
	require.NoError(t, err)

	// Only the dependency is assignable.
	a, err := e.coord.Assign(ctx)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, dep.ID, a.Task.ID)

	// The child stays gated while the dependency executes.
	a2, err := e.coord.Assign(ctx)
	require.NoError(t, err)
	assert.Nil(t, a2)

	// Complete the dependency; the child becomes assignable.
	_, err = e.coord.SubmitResult(ctx, dep.ID, "node-a", "cid-result", verify.ChecksumProof("cid-result"))
	require.NoError(t, err)

	a3, err := e.coord.Assign(ctx)
	require.NoError(t, err)
	require.NotNil(t, a3)
	assert.Equal(t, child.ID, a3.Task.ID)
}

func TestCoordinator_DependencyFailurePropagates(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	ctx := context.Background()

	dep := e.submit(t, 100)
	child, err := e.coord.Submit(ctx, "alice", e.fnID, types.NewAmount(50), SubmitOptions{
		DependsOn: []types.Hash{dep.ID},
	})
	require.NoError(t, err)
	grandchild, err := e.coord.Submit(ctx, "alice", e.fnID, types.NewAmount(25), SubmitOptions{
		DependsOn: []types.Hash{child.ID},
	})
	require.NoError(t, err)

	// Cancelling the root cascades through the dependency chain.
	require.NoError(t, e.coord.Cancel(ctx, dep.ID, "alice"))

	for _, id := range []types.Hash{child.ID, grandchild.ID} {
		got, err := e.coord.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, Failed, got.Status)
	}
	// All three escrows refunded.
	assert.Equal(t, types.NewAmount(1000), e.ledger.Balance("alice"))
}

func TestCoordinator_Submit_UnknownDependency(t *testing.T) {
	e := newTestEnv(t, fastConfig())

	_, err := e.coord.Submit(context.Background(), "alice", e.fnID, types.NewAmount(10), SubmitOptions{
		DependsOn: []types.Hash{"deadbeef"},
	})
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestCoordinator_GetStats(t *testing.T) {
	e := newTestEnv(t, fastConfig())
	e.addNode(t, "node-a", 10)

	e.submit(t, 100)
	e.submit(t, 100)
	_, err := e.coord.Assign(context.Background())
	require.NoError(t, err)

	s := e.coord.GetStats()
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.Executing)
	assert.Equal(t, 2, s.Total)
}
