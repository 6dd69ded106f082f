package shm

import (
	"sync/atomic"
	"unsafe"

	"github.com/cuemby/orbit/pkg/types"
)

// Slot is a typed accessor over one 64-byte worker slot within a
// Region's slot table. It does not own the underlying bytes; it is a
// thin view, cheap to construct on every access.
type Slot struct {
	region *Region
	index  int
	off    int
}

// Slot returns an accessor for the i'th worker slot (0-indexed).
// Callers are responsible for keeping 0 <= i < MaxWorkers.
func (r *Region) Slot(i int) Slot {
	return Slot{region: r, index: i, off: SlotsOffset + i*SlotSize}
}

func (s Slot) u32ptr(rel int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.region.data[s.off+rel]))
}

func (s Slot) u64ptr(rel int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.region.data[s.off+rel]))
}

// Index returns this slot's position in the table.
func (s Slot) Index() int { return s.index }

// Pid returns the slot's current occupant pid, or 0 if unclaimed.
func (s Slot) Pid() uint32 {
	return atomic.LoadUint32(s.u32ptr(slotOffPid))
}

// Status returns the slot's current worker status.
func (s Slot) Status() types.WorkerStatus {
	return types.WorkerStatus(atomic.LoadUint32(s.u32ptr(slotOffStatus)))
}

// SetStatus updates the slot's worker status.
func (s Slot) SetStatus(st types.WorkerStatus) {
	atomic.StoreUint32(s.u32ptr(slotOffStatus), uint32(st))
}

// CurrentJobID returns the 64-bit job handle recorded in this slot, or 0
// if none. The supervisor clears this field when a JobResult arrives but
// does not set it on dispatch; it tracks in-flight jobs by their full
// string id in its own process memory, not by this field.
func (s Slot) CurrentJobID() uint64 {
	return atomic.LoadUint64(s.u64ptr(slotOffCurrentJobID))
}

// SetCurrentJobID records the job assigned to this slot.
func (s Slot) SetCurrentJobID(id uint64) {
	atomic.StoreUint64(s.u64ptr(slotOffCurrentJobID), id)
}

// LastHeartbeat returns the global clock tick of this slot's last
// recorded heartbeat.
func (s Slot) LastHeartbeat() uint64 {
	return atomic.LoadUint64(s.u64ptr(slotOffLastHeartbeat))
}

// Heartbeat stamps the slot with the given clock tick.
func (s Slot) Heartbeat(tick uint64) {
	atomic.StoreUint64(s.u64ptr(slotOffLastHeartbeat), tick)
}

// Claim attempts to atomically take an unclaimed slot (pid == 0) for
// the given pid via compare-and-swap. It returns false if another
// process already holds the slot; this is the mutual-exclusion
// primitive that lets concurrent supervisor goroutines race to assign
// a slot without a shared lock.
func (s Slot) Claim(pid uint32) bool {
	return atomic.CompareAndSwapUint32(s.u32ptr(slotOffPid), 0, pid)
}

// Release clears a slot back to unclaimed, resetting status to Idle and
// clearing the job id. Only the slot's own supervisor goroutine (or the
// reconciler, once it has classified the occupant as Dead) should call
// this.
func (s Slot) Release() {
	atomic.StoreUint64(s.u64ptr(slotOffCurrentJobID), 0)
	atomic.StoreUint32(s.u32ptr(slotOffStatus), uint32(types.WorkerIdle))
	atomic.StoreUint32(s.u32ptr(slotOffPid), 0)
}

// Occupy overwrites the pid of an already-claimed slot with the real
// value once known. Claim reserves the slot race-free with a sentinel
// pid before the child process exists; Occupy is called once afterward
// by the same goroutine that won the claim, so no CAS is needed here.
func (s Slot) Occupy(pid uint32) {
	atomic.StoreUint32(s.u32ptr(slotOffPid), pid)
}

// IsAlive reports whether the slot's last heartbeat is within threshold
// ticks of currentTick.
func (s Slot) IsAlive(currentTick, threshold uint64) bool {
	last := s.LastHeartbeat()
	if currentTick < last {
		return true
	}
	return currentTick-last <= threshold
}
