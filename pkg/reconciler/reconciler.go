// Package reconciler runs the background ticker loops that keep worker
// liveness and job deadlines enforced without blocking the dispatch
// path: heartbeat-timeout scanning (feeding crash classification) and
// per-job deadline/cancel-grace enforcement.
package reconciler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/orbit/pkg/log"
	"github.com/cuemby/orbit/pkg/shm"
	"github.com/cuemby/orbit/pkg/types"
)

// Supervisor is the subset of pkg/supervisor's API the reconciler needs.
type Supervisor interface {
	WorkerBySlot(slotID uint8) (types.WorkerRecord, bool)
	Cancel(slotID uint8, jobID string) error
	KillSlot(slotID uint8) error
}

// Deadline describes one in-flight job's cancellation schedule.
type Deadline struct {
	Job        types.JobRecord
	SlotID     uint8
	CancelSent bool
}

// Reconciler periodically scans worker heartbeats and job deadlines.
type Reconciler struct {
	region     *shm.Region
	supervisor Supervisor
	logger     zerolog.Logger

	heartbeatTimeoutTicks uint64
	cancelGrace           time.Duration
	maxSlots              int

	mu        sync.Mutex
	deadlines map[string]*Deadline

	stopCh chan struct{}
}

// New creates a Reconciler.
func New(region *shm.Region, supervisor Supervisor, maxSlots int, heartbeatTimeoutTicks uint64, cancelGrace time.Duration) *Reconciler {
	return &Reconciler{
		region:                region,
		supervisor:            supervisor,
		logger:                log.WithComponent("reconciler"),
		heartbeatTimeoutTicks: heartbeatTimeoutTicks,
		cancelGrace:           cancelGrace,
		maxSlots:              maxSlots,
		deadlines:             make(map[string]*Deadline),
		stopCh:                make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// TrackDeadline registers a dispatched job's deadline for monitoring.
func (r *Reconciler) TrackDeadline(d Deadline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadlines[d.Job.JobID] = &d
}

// Untrack removes a job's deadline, called once its result arrives.
func (r *Reconciler) Untrack(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deadlines, jobID)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.region.Tick()
			r.reconcileWorkers()
			r.reconcileDeadlines()
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcileWorkers marks any slot whose heartbeat has gone stale as Dead
// and terminates its occupant. KillSlot eventually causes the
// supervisor's reap loop to call Slot.Release, which zeroes the slot's
// pid and status — so a slot stops showing up here once its kill has
// actually taken effect, without needing separate "already killed"
// bookkeeping.
func (r *Reconciler) reconcileWorkers() {
	clock := r.region.Clock()
	for i := 0; i < r.maxSlots; i++ {
		slot := r.region.Slot(i)
		if slot.Pid() == 0 {
			continue
		}
		if !slot.IsAlive(clock, r.heartbeatTimeoutTicks) {
			r.logger.Warn().Int("slot_id", i).Msg("worker heartbeat timed out, marking unresponsive and terminating")
			slot.SetStatus(types.WorkerDead)
			if err := r.supervisor.KillSlot(uint8(i)); err != nil {
				r.logger.Error().Err(err).Int("slot_id", i).Msg("failed to terminate unresponsive worker")
			}
		}
	}
}

func (r *Reconciler) reconcileDeadlines() {
	now := time.Now()

	r.mu.Lock()
	var expired []*Deadline
	for _, d := range r.deadlines {
		if now.After(d.Job.DeadlineAt) {
			expired = append(expired, d)
		}
	}
	r.mu.Unlock()

	for _, d := range expired {
		if !d.CancelSent {
			r.logger.Warn().Str("job_id", d.Job.JobID).Msg("job deadline exceeded, requesting cancel")
			_ = r.supervisor.Cancel(d.SlotID, d.Job.JobID)
			d.CancelSent = true
			continue
		}

		if now.After(d.Job.DeadlineAt.Add(r.cancelGrace)) {
			r.logger.Error().Str("job_id", d.Job.JobID).Msg("cancel grace window elapsed, killing worker slot")
			if err := r.supervisor.KillSlot(d.SlotID); err != nil {
				r.logger.Error().Err(err).Uint8("slot_id", d.SlotID).Msg("failed to kill unresponsive worker")
			}
			r.Untrack(d.Job.JobID)
		}
	}
}
