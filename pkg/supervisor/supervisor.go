// Package supervisor manages worker process lifecycle: spawning,
// heartbeat-based liveness tracking, crash classification, and
// backoff-governed respawn, plus Dispatch/AwaitResult, which send a job
// to the worker in a caller-chosen slot and wait for its outcome.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/cuemby/orbit/pkg/config"
	"github.com/cuemby/orbit/pkg/ipc"
	"github.com/cuemby/orbit/pkg/log"
	"github.com/cuemby/orbit/pkg/metrics"
	"github.com/cuemby/orbit/pkg/orberr"
	"github.com/cuemby/orbit/pkg/shm"
	"github.com/cuemby/orbit/pkg/types"
)

// HealthStatus is the supervisor's judgment of a worker's liveness,
// distinct from the shared-memory WorkerStatus it monitors.
type HealthStatus int

const (
	HealthHealthy HealthStatus = iota
	HealthUnresponsive
	HealthDead
)

// worker is the supervisor's in-process record of one spawned process;
// the shared-memory slot carries the lock-free fields other processes
// may read concurrently.
type worker struct {
	pid       int
	slotID    uint8
	cmd       *exec.Cmd
	status    types.WorkerStatus
	currentJob string
	spawnedAt time.Time
	conn      *ipc.Conn
}

// Supervisor owns the worker pool: spawning, reaping, and dispatching
// jobs to idle slots.
type Supervisor struct {
	mu      sync.Mutex
	cfg     *config.Config
	region  *shm.Region
	gateway *ipc.Gateway

	workers map[int]*worker // pid -> worker

	dedup *lru.Cache[string, struct{}]

	pending map[string]chan types.JobOutcome // job id -> waiter, set by Dispatch

	logger zerolog.Logger
}

// claimPID is the sentinel pid Spawn uses to atomically reserve a slot
// before the child process exists. It is never a real pid: Occupy
// overwrites it with cmd.Process.Pid immediately after Start succeeds.
const claimPID uint32 = ^uint32(0)

// New creates a Supervisor bound to region and listening for workers on
// the configured socket path.
func New(cfg *config.Config, region *shm.Region) (*Supervisor, error) {
	dedup, err := lru.New[string, struct{}](4096)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:     cfg,
		region:  region,
		gateway: ipc.NewGateway(cfg.SocketPath),
		workers: make(map[int]*worker),
		dedup:   dedup,
		pending: make(map[string]chan types.JobOutcome),
		logger:  log.WithComponent("supervisor"),
	}, nil
}

// ActiveCount returns the number of workers currently tracked.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// WorkerBySlot returns the worker occupying slotID, if any.
func (s *Supervisor) WorkerBySlot(slotID uint8) (types.WorkerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.slotID == slotID {
			return s.recordLocked(w), true
		}
	}
	return types.WorkerRecord{}, false
}

func (s *Supervisor) recordLocked(w *worker) types.WorkerRecord {
	return types.WorkerRecord{
		SlotID:       w.slotID,
		Pid:          w.pid,
		ShmName:      s.cfg.ShmName,
		SpawnedAt:    w.spawnedAt,
		LastStatus:   w.status,
		CurrentJobID: w.currentJob,
	}
}

// Start binds the IPC gateway and begins accepting worker connections.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.gateway.Bind(); err != nil {
		return err
	}
	go s.acceptLoop(ctx)
	return nil
}

func (s *Supervisor) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.gateway.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Supervisor) handleConn(ctx context.Context, conn *ipc.Conn) {
	pkt, err := conn.Recv()
	if err != nil {
		conn.Close()
		return
	}
	hs, ok := pkt.Payload.(ipc.Handshake)
	if !ok {
		conn.Close()
		return
	}
	if hs.ProtocolVersion != ipc.ProtocolVersion {
		errPkt := ipc.NewPacket(ipc.ErrorPayload{
			Code:    string(orberr.CodeVersionMismatch),
			Message: fmt.Sprintf("expected protocol version %d, got %d", ipc.ProtocolVersion, hs.ProtocolVersion),
		})
		conn.Send(errPkt)
		conn.Close()
		s.logger.Error().Str("worker_id", hs.WorkerID).Msg("rejected worker: protocol version mismatch")
		return
	}

	peerPID, err := conn.PeerPID()
	if err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	w, found := s.workers[int(peerPID)]
	s.mu.Unlock()
	if !found {
		conn.Close()
		s.logger.Warn().Int32("pid", peerPID).Msg("handshake from unrecognized peer pid, rejecting")
		return
	}

	w.conn = conn
	ack := ipc.NewPacket(ipc.HandshakeAck{SlotID: w.slotID, ShmName: s.cfg.ShmName})
	if err := conn.Send(ack); err != nil {
		return
	}

	s.mu.Lock()
	w.status = types.WorkerIdle
	s.mu.Unlock()
	s.region.Slot(int(w.slotID)).SetStatus(types.WorkerIdle)
	metrics.WorkersTotal.WithLabelValues("idle").Inc()

	for {
		pkt, err := conn.Recv()
		if err != nil {
			return
		}
		s.handlePacket(w, pkt)
	}
}

func (s *Supervisor) handlePacket(w *worker, pkt ipc.ControlPacket) {
	if _, dup := s.dedup.Get(pkt.RequestID); dup {
		return
	}
	s.dedup.Add(pkt.RequestID, struct{}{})

	switch p := pkt.Payload.(type) {
	case ipc.JobResult:
		s.mu.Lock()
		w.status = types.WorkerIdle
		w.currentJob = ""
		s.mu.Unlock()
		s.region.Slot(int(w.slotID)).SetStatus(types.WorkerIdle)
		s.region.Slot(int(w.slotID)).SetCurrentJobID(0)
		metrics.IPCPacketsTotal.WithLabelValues(string(ipc.TypeJobResult)).Inc()
		metrics.JobDuration.Observe(float64(p.DurationUS) / 1e6)
		if !p.Success {
			s.logger.Warn().Str("job_id", p.JobID).Str("error", p.ErrorMessage).Msg("job failed")
		}
		s.deliver(p.JobID, types.JobOutcome{
			JobID:        p.JobID,
			Success:      p.Success,
			OutputHandle: p.OutputHandle,
			ErrorMessage: p.ErrorMessage,
			DurationUS:   p.DurationUS,
			PeakVRAMMB:   p.PeakVRAMMB,
		})
	case ipc.Heartbeat:
		tick := s.region.Clock()
		s.region.Slot(int(w.slotID)).Heartbeat(tick)
		metrics.IPCPacketsTotal.WithLabelValues(string(ipc.TypeHeartbeat)).Inc()
	}
}

// Spawn launches a new worker process for slotID, bounded by the
// configured pool size.
func (s *Supervisor) Spawn(slotID uint8) (int, error) {
	s.mu.Lock()
	if len(s.workers) >= s.cfg.WorkerPoolSize {
		s.mu.Unlock()
		return 0, orberr.ResourceExhausted(uint64(len(s.workers)), uint64(s.cfg.WorkerPoolSize))
	}
	s.mu.Unlock()

	slot := s.region.Slot(int(slotID))
	if !slot.Claim(claimPID) {
		return 0, orberr.ShmFailure(fmt.Sprintf("slot %d already claimed", slotID), nil)
	}

	args := append([]string{}, s.cfg.WorkerArgs...)
	args = append(args, "--slot-id", fmt.Sprintf("%d", slotID), "--shm-name", s.cfg.ShmName)
	cmd := exec.Command(s.cfg.WorkerExecutable, args...)

	if err := cmd.Start(); err != nil {
		slot.Release()
		return 0, orberr.ShmFailure("failed to spawn worker", err)
	}
	pid := cmd.Process.Pid
	slot.Occupy(uint32(pid))

	slot.SetStatus(types.WorkerBooting)
	w := &worker{pid: pid, slotID: slotID, cmd: cmd, status: types.WorkerBooting, spawnedAt: time.Now()}

	s.mu.Lock()
	s.workers[pid] = w
	s.mu.Unlock()

	go s.reap(w)

	s.logger.Info().Int("pid", pid).Uint8("slot_id", slotID).Msg("spawned worker")
	return pid, nil
}

// reap waits for one worker's process to exit; this goroutine-per-child
// idiom avoids blocking the dispatch loop on SIGCHLD plumbing.
func (s *Supervisor) reap(w *worker) {
	err := w.cmd.Wait()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	s.mu.Lock()
	_, stillTracked := s.workers[w.pid]
	wasBusy := w.status == types.WorkerBusy
	jobID := w.currentJob
	delete(s.workers, w.pid)
	s.mu.Unlock()
	if !stillTracked {
		return
	}

	s.region.Slot(int(w.slotID)).Release()
	metrics.WorkerCrashesTotal.WithLabelValues(fmt.Sprintf("%t", wasBusy)).Inc()

	werr := orberr.WorkerGone(w.pid, exitCode, jobID)
	s.logger.Error().Err(werr).Int("pid", w.pid).Bool("was_busy", wasBusy).Msg("worker exited")

	if wasBusy {
		if jobID != "" {
			s.deliver(jobID, types.JobOutcome{JobID: jobID, Success: false, ErrorMessage: werr.Error()})
		}
		s.respawn(w.slotID)
	}
}

// deliver routes a job's outcome to whichever goroutine is blocked in
// AwaitResult for it, if any. A result or crash for a job nobody is
// waiting on (already timed out, or never actually dispatched) is
// simply dropped.
func (s *Supervisor) deliver(jobID string, outcome types.JobOutcome) {
	s.mu.Lock()
	ch, ok := s.pending[jobID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- outcome:
	default:
	}
}

// AwaitResult blocks until jobID's JobResult arrives (or the worker
// holding it crashes), or ctx is cancelled first.
func (s *Supervisor) AwaitResult(ctx context.Context, jobID string) (types.JobOutcome, error) {
	s.mu.Lock()
	ch, ok := s.pending[jobID]
	if !ok {
		ch = make(chan types.JobOutcome, 1)
		s.pending[jobID] = ch
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, jobID)
		s.mu.Unlock()
	}()

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		return types.JobOutcome{}, ctx.Err()
	}
}

// respawn retries spawning a replacement worker with exponential
// backoff, capped by the configured pool size.
func (s *Supervisor) respawn(slotID uint8) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second

	op := func() error {
		_, err := s.Spawn(slotID)
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		s.logger.Error().Err(err).Uint8("slot_id", slotID).Msg("respawn exhausted retries")
		return
	}
	metrics.WorkerRespawnsTotal.Inc()
}

// Dispatch sends a job to the given worker's connection.
func (s *Supervisor) Dispatch(slotID uint8, job types.JobRecord, submit ipc.JobSubmit) error {
	s.mu.Lock()
	var target *worker
	for _, w := range s.workers {
		if w.slotID == slotID {
			target = w
			break
		}
	}
	s.mu.Unlock()

	if target == nil || target.conn == nil {
		return orberr.WorkerGone(0, 0, job.JobID)
	}

	s.mu.Lock()
	target.status = types.WorkerBusy
	target.currentJob = job.JobID
	if _, ok := s.pending[job.JobID]; !ok {
		s.pending[job.JobID] = make(chan types.JobOutcome, 1)
	}
	s.mu.Unlock()
	s.region.Slot(int(slotID)).SetStatus(types.WorkerBusy)

	return target.conn.Send(ipc.NewPacket(submit))
}

// Cancel sends a JobCancel for the given job to the worker in slotID.
func (s *Supervisor) Cancel(slotID uint8, jobID string) error {
	s.mu.Lock()
	var target *worker
	for _, w := range s.workers {
		if w.slotID == slotID {
			target = w
			break
		}
	}
	s.mu.Unlock()

	if target == nil || target.conn == nil {
		return orberr.WorkerGone(0, 0, jobID)
	}
	return target.conn.Send(ipc.NewPacket(ipc.JobCancel{JobID: jobID}))
}

// KillSlot forcibly terminates the process occupying slotID, bypassing
// the JobCancel handshake. It is the reconciler's last resort once a
// worker has ignored a cancellation past its grace window.
func (s *Supervisor) KillSlot(slotID uint8) error {
	s.mu.Lock()
	var target *worker
	for _, w := range s.workers {
		if w.slotID == slotID {
			target = w
			break
		}
	}
	s.mu.Unlock()

	if target == nil || target.cmd.Process == nil {
		return orberr.WorkerGone(0, 0, "")
	}
	s.logger.Warn().Uint8("slot_id", slotID).Int("pid", target.pid).Msg("killing unresponsive worker")
	return target.cmd.Process.Kill()
}

// Shutdown kills every tracked worker process.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	}
	s.gateway.Close()
}

// CheckHealth reports a worker's liveness via its last recorded
// heartbeat tick against the configured timeout, in shared-memory clock
// ticks.
func (s *Supervisor) CheckHealth(slotID uint8, timeoutTicks uint64) HealthStatus {
	slot := s.region.Slot(int(slotID))
	if slot.Pid() == 0 {
		return HealthDead
	}
	if slot.IsAlive(s.region.Clock(), timeoutTicks) {
		return HealthHealthy
	}
	return HealthUnresponsive
}
