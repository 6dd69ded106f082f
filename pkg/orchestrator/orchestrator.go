// Package orchestrator is the glue layer: it wires the graph compiler
// (C1), incremental planner (C2), memory arbiter (C3), shared-memory
// substrate (C4), and worker supervisor (C5) into the submit/status/
// cancel surface consumed by callers, publishing progress over the
// event bus and persisting hash caches and run records as it goes.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/orbit/pkg/arbiter"
	"github.com/cuemby/orbit/pkg/config"
	"github.com/cuemby/orbit/pkg/events"
	"github.com/cuemby/orbit/pkg/graph"
	"github.com/cuemby/orbit/pkg/ipc"
	"github.com/cuemby/orbit/pkg/log"
	"github.com/cuemby/orbit/pkg/metrics"
	"github.com/cuemby/orbit/pkg/orberr"
	"github.com/cuemby/orbit/pkg/planner"
	"github.com/cuemby/orbit/pkg/reconciler"
	"github.com/cuemby/orbit/pkg/shm"
	"github.com/cuemby/orbit/pkg/storage"
	"github.com/cuemby/orbit/pkg/supervisor"
	"github.com/cuemby/orbit/pkg/types"
)

// Dispatcher is the subset of pkg/supervisor's API the orchestrator
// needs to drive jobs; an interface here keeps orchestrator tests free
// of real child processes.
type Dispatcher interface {
	Dispatch(slotID uint8, job types.JobRecord, submit ipc.JobSubmit) error
	AwaitResult(ctx context.Context, jobID string) (types.JobOutcome, error)
	Cancel(slotID uint8, jobID string) error
}

// DeadlineTracker is the subset of pkg/reconciler's API the orchestrator
// needs to register per-job deadlines for cancellation enforcement.
type DeadlineTracker interface {
	TrackDeadline(d reconciler.Deadline)
	Untrack(jobID string)
}

// run tracks one submitted graph's in-progress execution.
type run struct {
	graph    *types.Graph
	status   types.RunStatus
	dirty    []types.NodeID
	cancelled bool
}

// Orchestrator is the single top-level value owning the region, the
// arbiter, the supervisor, the event bus, and the store — constructed
// once at startup and torn down deterministically at shutdown.
type Orchestrator struct {
	mu sync.Mutex

	compiler   *graph.Compiler
	arbiter    *arbiter.Arbiter
	region     *shm.Region
	dispatcher Dispatcher
	deadlines  DeadlineTracker
	store      storage.Store
	broker     *events.Broker

	cfg    *config.Config
	logger zerolog.Logger

	runs map[string]*run
}

// New assembles an Orchestrator from its already-constructed components.
// deadlines is the reconciler instance that will enforce each dispatched
// job's deadline; New does not start it, the caller does.
func New(cfg *config.Config, region *shm.Region, dispatcher Dispatcher, store storage.Store, deadlines DeadlineTracker) *Orchestrator {
	compiler := graph.NewCompiler(graph.TypeCompatTable(cfg.TypeCompatTable))
	broker := events.NewBroker()
	broker.Start()

	return &Orchestrator{
		compiler:   compiler,
		arbiter:    arbiter.New(cfg.VRAMLimitMB, cfg.CostMultipliers),
		region:     region,
		dispatcher: dispatcher,
		deadlines:  deadlines,
		store:      store,
		broker:     broker,
		cfg:        cfg,
		logger:     log.WithComponent("orchestrator"),
		runs:       make(map[string]*run),
	}
}

// Events returns the broker subscribers should attach to.
func (o *Orchestrator) Events() *events.Broker { return o.broker }

// Shutdown stops the event broker. The caller is responsible for
// tearing down the region, supervisor, and store it passed in.
func (o *Orchestrator) Shutdown() {
	o.broker.Stop()
}

// Submit validates and compiles g, diffs it against the persisted hash
// cache for its graph id, and admits a new run. Validation errors
// surface synchronously; anything after admission surfaces on the
// event stream and in run status.
func (o *Orchestrator) Submit(g *types.Graph) (string, error) {
	plan, err := o.compiler.Compile(g)
	if err != nil {
		return "", err
	}

	graphID := graphIdentity(g)
	previous, err := o.store.LoadHashes(graphID)
	if err != nil {
		return "", err
	}

	dirty := planner.Compute(g, plan.Order, plan.Hashes, previous)
	metrics.DirtyNodesTotal.Observe(float64(len(dirty)))

	if err := o.store.SaveHashes(graphID, plan.Hashes); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	o.mu.Lock()
	o.runs[runID] = &run{
		graph: g,
		dirty: dirty,
		status: types.RunStatus{
			RunID: runID,
			State: types.RunPending,
		},
	}
	o.mu.Unlock()

	if err := o.store.SaveRun(&o.runs[runID].status); err != nil {
		o.logger.Error().Err(err).Str("run_id", runID).Msg("failed to persist run record")
	}

	metrics.RunsTotal.WithLabelValues("submitted").Inc()
	go o.execute(runID)

	return runID, nil
}

func graphIdentity(g *types.Graph) string {
	if g.Meta.UserID != "" {
		return fmt.Sprintf("%s:%s", g.Meta.UserID, g.Version)
	}
	return g.Version
}

// execute drives a run's dirty node list to completion in topological
// order, never dispatching a child before its parents' results are in.
func (o *Orchestrator) execute(runID string) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	if ok {
		r.status.State = types.RunRunning
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RunDuration)

	total := len(r.dirty)
	for i, nodeID := range r.dirty {
		o.mu.Lock()
		cancelled := r.cancelled
		o.mu.Unlock()
		if cancelled {
			o.finishRun(runID, false, "cancelled")
			return
		}

		if err := o.runNode(runID, r, nodeID, i); err != nil {
			o.finishRun(runID, false, err.Error())
			return
		}

		progress := float64(i+1) / float64(max(total, 1))
		o.broker.Progress(runID, string(nodeID), progress)
		o.updateStatus(runID, func(s *types.RunStatus) {
			s.Progress = progress
			s.CurrentNode = nodeID
		})
	}

	o.finishRun(runID, true, "")
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// runNode prepares VRAM for one node (consulting the arbiter for
// eviction), resolves its inputs from parent tensors already cached by
// earlier steps, dispatches it to an available worker slot, and blocks
// until that worker's JobResult (or a crash) resolves the dispatch.
// Because execute walks r.dirty in topological order and every node
// here waits for its own JobResult before returning, a child is never
// dispatched before its parents' results are cached.
func (o *Orchestrator) runNode(runID string, r *run, nodeID types.NodeID, step int) error {
	node := r.graph.Nodes[nodeID]
	shape, dtype, outputBytes := estimateOutputTensor(node)

	plan := []arbiter.NodeCost{{NodeID: nodeID, OpType: node.OpType, OutputBytes: outputBytes}}
	evictions, err := o.arbiter.Prepare(plan, o.arbiter.CurrentCacheBytes())
	if err != nil {
		return err
	}
	for _, id := range evictions {
		o.arbiter.Evict(id)
	}

	slotID, err := o.findIdleSlot()
	if err != nil {
		return err
	}

	jobID := uuid.NewString()
	job := types.JobRecord{
		JobID:        jobID,
		RunID:        runID,
		NodeID:       nodeID,
		OpType:       node.OpType,
		SlotID:       slotID,
		DispatchedAt: time.Now(),
		DeadlineAt:   time.Now().Add(time.Duration(o.cfg.JobDeadlineMS) * time.Millisecond),
	}

	params, _ := marshalParams(node.Params)
	submit := ipc.JobSubmit{
		JobID:        jobID,
		NodeID:       string(nodeID),
		OpType:       node.OpType,
		InputHandles: o.resolveInputHandles(r.graph, nodeID),
		Params:       params,
	}

	if err := o.dispatcher.Dispatch(slotID, job, submit); err != nil {
		return orberr.WorkerGone(0, 0, jobID)
	}

	o.deadlines.TrackDeadline(reconciler.Deadline{Job: job, SlotID: slotID})
	defer o.deadlines.Untrack(jobID)

	outcome, err := o.dispatcher.AwaitResult(context.Background(), jobID)
	if err != nil {
		return orberr.WorkerGone(0, 0, jobID)
	}
	if !outcome.Success {
		return &orberr.Error{Code: orberr.CodeWorkerGone, Message: outcome.ErrorMessage, JobID: jobID}
	}

	sizeBytes := outputBytes
	if outcome.PeakVRAMMB > 0 {
		sizeBytes = outcome.PeakVRAMMB * 1024 * 1024
	}
	var offset uint64
	if outcome.OutputHandle != nil {
		offset = *outcome.OutputHandle
	}
	o.arbiter.Cache(types.TensorCacheEntry{
		ID:           string(nodeID),
		SizeBytes:    sizeBytes,
		DType:        dtype,
		Shape:        shape,
		Offset:       offset,
		LastUsedStep: uint64(step),
		NextUseStep:  nextUseStep(r, nodeID, step),
	})

	o.broker.NodeComplete(runID, string(nodeID), int64(outcome.DurationUS/1000))
	return nil
}

// resolveInputHandles looks up each direct parent's cached tensor and
// returns their arena offsets in parent order. A parent with no cache
// entry (its output was evicted, or it produced no cacheable tensor) is
// silently skipped; the worker is expected to recompute or fault on a
// missing handle, which is outside this layer's concern.
func (o *Orchestrator) resolveInputHandles(g *types.Graph, nodeID types.NodeID) []uint64 {
	parents := graph.Parents(g, nodeID)
	handles := make([]uint64, 0, len(parents))
	for _, parentID := range parents {
		if entry, ok := o.arbiter.Get(parentID); ok {
			handles = append(handles, entry.Offset)
		}
	}
	return handles
}

// nextUseStep reports the earliest position in r.dirty, after step, at
// which a direct consumer of nodeID will run. It returns nil (meaning
// "no known future use, treat as +Inf" per the arbiter's eviction
// priority) when nodeID has no children, or none of them re-execute in
// this run.
func nextUseStep(r *run, nodeID types.NodeID, step int) *uint64 {
	children := graph.Children(r.graph, nodeID)
	if len(children) == 0 {
		return nil
	}
	wanted := make(map[types.NodeID]bool, len(children))
	for _, c := range children {
		wanted[c] = true
	}
	for idx := step + 1; idx < len(r.dirty); idx++ {
		if wanted[r.dirty[idx]] {
			v := uint64(idx)
			return &v
		}
	}
	return nil
}

// estimateOutputTensor uses a conservative default latent-tensor shape
// until a node's op type carries its own declared output shape; real
// sizing refines once a worker reports peak_vram_mb in its JobResult.
func estimateOutputTensor(n types.Node) (shape []int64, dtype types.DType, bytes uint64) {
	shape = []int64{1, 4, 64, 64}
	dtype = types.DTypeF16
	bytes = arbiter.CalculateTensorSize(shape, dtype)
	return shape, dtype, bytes
}

func marshalParams(params map[string]types.ParamValue) ([]byte, error) {
	return json.Marshal(params)
}

func (o *Orchestrator) findIdleSlot() (uint8, error) {
	for i := 0; i < shm.MaxWorkers; i++ {
		if o.region.Slot(i).Status() == types.WorkerIdle {
			return uint8(i), nil
		}
	}
	return 0, orberr.ResourceExhausted(0, 0)
}

func (o *Orchestrator) finishRun(runID string, success bool, errMsg string) {
	o.updateStatus(runID, func(s *types.RunStatus) {
		if success {
			s.State = types.RunCompleted
			s.Progress = 1.0
		} else {
			s.State = types.RunFailed
			s.Error = errMsg
		}
	})
	o.broker.RunComplete(runID, success, errMsg)
	metrics.RunsTotal.WithLabelValues(stateLabel(success)).Inc()
}

func stateLabel(success bool) string {
	if success {
		return "completed"
	}
	return "failed"
}

func (o *Orchestrator) updateStatus(runID string, fn func(*types.RunStatus)) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	if ok {
		fn(&r.status)
	}
	o.mu.Unlock()
	if ok {
		_ = o.store.SaveRun(&r.status)
	}
}

// Status returns the current status of runID.
func (o *Orchestrator) Status(runID string) (types.RunStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[runID]
	if !ok {
		return types.RunStatus{}, fmt.Errorf("run not found: %s", runID)
	}
	return r.status, nil
}

// Cancel marks runID cancelled; the run loop drops its remaining
// dispatches at its next check, between nodes. A job already dispatched
// is not cancelled here: it runs until its result arrives or the
// reconciler's deadline enforcement cancels it.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	r, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("run not found: %s", runID)
	}
	r.cancelled = true
	o.mu.Unlock()
	return nil
}
