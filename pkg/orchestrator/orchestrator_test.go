package orchestrator

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/orbit/pkg/config"
	"github.com/cuemby/orbit/pkg/ipc"
	"github.com/cuemby/orbit/pkg/reconciler"
	"github.com/cuemby/orbit/pkg/shm"
	"github.com/cuemby/orbit/pkg/storage"
	"github.com/cuemby/orbit/pkg/types"
)

// fakeDispatcher stands in for the supervisor: every dispatched job
// resolves immediately with a synthetic success, so tests exercise the
// orchestrator's blocking-dispatch/result-correlation path without a
// real worker process on the other end.
type fakeDispatcher struct {
	dispatched []string
}

func (f *fakeDispatcher) Dispatch(slotID uint8, job types.JobRecord, submit ipc.JobSubmit) error {
	f.dispatched = append(f.dispatched, string(job.NodeID))
	return nil
}

func (f *fakeDispatcher) AwaitResult(ctx context.Context, jobID string) (types.JobOutcome, error) {
	handle := uint64(1)
	return types.JobOutcome{JobID: jobID, Success: true, OutputHandle: &handle, DurationUS: 1000}, nil
}

func (f *fakeDispatcher) Cancel(slotID uint8, jobID string) error { return nil }

type fakeDeadlineTracker struct{}

func (fakeDeadlineTracker) TrackDeadline(d reconciler.Deadline) {}
func (fakeDeadlineTracker) Untrack(jobID string)                {}

func chainGraph(version string) *types.Graph {
	n := func(id string) types.Node {
		return types.Node{ID: id, OpType: "Op::" + id, Params: map[string]types.ParamValue{}}
	}
	return &types.Graph{
		Version: version,
		Nodes:   map[string]types.Node{"A": n("A"), "B": n("B"), "C": n("C")},
		Links: []types.Link{
			{Src: types.Port{NodeID: "A", Port: "out"}, Dst: types.Port{NodeID: "B", Port: "in"}},
			{Src: types.Port{NodeID: "B", Port: "out"}, Dst: types.Port{NodeID: "C", Port: "in"}},
		},
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeDispatcher) {
	t.Helper()

	name := fmt.Sprintf("orc-test-%d-%s", os.Getpid(), t.Name())
	region, err := shm.Create(name, shm.ArenaOffset+1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { region.Remove() })

	// Mark every slot idle so runNode can always find a worker.
	for i := 0; i < 4; i++ {
		region.Slot(i).Claim(uint32(i + 1))
		region.Slot(i).SetStatus(types.WorkerIdle)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		VRAMLimitMB:     4096,
		CostMultipliers: config.DefaultCostMultipliers(),
		TypeCompatTable: config.DefaultTypeCompatTable(),
		JobDeadlineMS:   60000,
	}

	disp := &fakeDispatcher{}
	o := New(cfg, region, disp, store, fakeDeadlineTracker{})
	t.Cleanup(o.Shutdown)
	return o, disp
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	o, disp := newTestOrchestrator(t)

	sub := o.Events().Subscribe()
	defer o.Events().Unsubscribe(sub)

	runID, err := o.Submit(chainGraph("v1"))
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		status, err := o.Status(runID)
		return err == nil && status.State == types.RunCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, []string{"A", "B", "C"}, disp.dispatched)
}

func TestSubmit_ValidationErrorSurfacesSynchronously(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	g := &types.Graph{
		Version: "bad",
		Nodes:   map[string]types.Node{"A": {ID: "A", OpType: "Op::A"}},
		Links: []types.Link{
			{Src: types.Port{NodeID: "A", Port: "out"}, Dst: types.Port{NodeID: "missing", Port: "in"}},
		},
	}

	_, err := o.Submit(g)
	assert.Error(t, err)
}

func TestSubmit_ResubmitIdenticalGraphDispatchesNothing(t *testing.T) {
	o, disp := newTestOrchestrator(t)

	runID1, err := o.Submit(chainGraph("v2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, _ := o.Status(runID1)
		return status.State == types.RunCompleted
	}, 2*time.Second, 10*time.Millisecond)

	disp.dispatched = nil

	runID2, err := o.Submit(chainGraph("v2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, _ := o.Status(runID2)
		return status.State == types.RunCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, disp.dispatched)
}

func TestCancel_ReachesTerminalState(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	runID, err := o.Submit(chainGraph("v3"))
	require.NoError(t, err)
	require.NoError(t, o.Cancel(runID))

	// Cancellation races the run loop; it is only guaranteed to reach
	// some terminal state, not necessarily Failed, since the run may
	// finish all three nodes before the next cancellation check.
	require.Eventually(t, func() bool {
		status, err := o.Status(runID)
		return err == nil && (status.State == types.RunFailed || status.State == types.RunCompleted)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatus_UnknownRunErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.Status("does-not-exist")
	assert.Error(t, err)
}

func TestSubmit_CachesTensorForEachDispatchedNode(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	runID, err := o.Submit(chainGraph("v4"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, _ := o.Status(runID)
		return status.State == types.RunCompleted
	}, 2*time.Second, 10*time.Millisecond)

	for _, id := range []string{"A", "B", "C"} {
		entry, ok := o.arbiter.Get(id)
		require.True(t, ok, "expected a cache entry for node %s", id)
		assert.NotZero(t, entry.SizeBytes)
	}
}

// crashingDispatcher simulates a worker that vanishes mid-job: Dispatch
// succeeds and AwaitResult returns the failed outcome the supervisor
// synthesizes when reap() observes a crash before any JobResult.
type crashingDispatcher struct {
	dispatched []string
}

func (f *crashingDispatcher) Dispatch(slotID uint8, job types.JobRecord, submit ipc.JobSubmit) error {
	f.dispatched = append(f.dispatched, string(job.NodeID))
	return nil
}

func (f *crashingDispatcher) AwaitResult(ctx context.Context, jobID string) (types.JobOutcome, error) {
	return types.JobOutcome{JobID: jobID, Success: false, ErrorMessage: "VE-004 WorkerGone: worker exited"}, nil
}

func (f *crashingDispatcher) Cancel(slotID uint8, jobID string) error { return nil }

func TestSubmit_WorkerCrashFailsRun(t *testing.T) {
	name := fmt.Sprintf("orc-test-%d-%s", os.Getpid(), t.Name())
	region, err := shm.Create(name, shm.ArenaOffset+1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { region.Remove() })
	for i := 0; i < 4; i++ {
		region.Slot(i).Claim(uint32(i + 1))
		region.Slot(i).SetStatus(types.WorkerIdle)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		VRAMLimitMB:     4096,
		CostMultipliers: config.DefaultCostMultipliers(),
		TypeCompatTable: config.DefaultTypeCompatTable(),
		JobDeadlineMS:   60000,
	}

	o := New(cfg, region, &crashingDispatcher{}, store, fakeDeadlineTracker{})
	t.Cleanup(o.Shutdown)

	runID, err := o.Submit(chainGraph("v5"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := o.Status(runID)
		return err == nil && status.State == types.RunFailed
	}, 2*time.Second, 10*time.Millisecond)
}
