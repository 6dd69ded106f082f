package shm

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/orbit/pkg/types"
)

func tempRegionName(t *testing.T) string {
	t.Helper()
	name := fmt.Sprintf("test-%d-%s", os.Getpid(), t.Name())
	t.Cleanup(func() {
		os.Remove(regionPath(name))
		os.Remove(regionPath(name) + ".lock")
	})
	return name
}

func TestCreate_WritesMagicAndVersion(t *testing.T) {
	name := tempRegionName(t)
	r, err := Create(name, ArenaOffset+1<<20)
	require.NoError(t, err)
	defer r.Remove()

	assert.True(t, r.IsValid())
	assert.True(t, r.IsReady())
	assert.False(t, r.InMaintenance())
}

func TestOpen_RejectsBadMagic(t *testing.T) {
	name := tempRegionName(t)
	r, err := Create(name, ArenaOffset+1<<20)
	require.NoError(t, err)
	r.Close()

	// corrupt the magic directly on disk
	f, err := os.OpenFile(regionPath(name), os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 0, 0, 0, 0, 0}, 0)
	require.NoError(t, err)
	f.Close()

	_, err = Open(name)
	assert.Error(t, err)
}

func TestMaintenanceFlag_RoundTrip(t *testing.T) {
	name := tempRegionName(t)
	r, err := Create(name, ArenaOffset+1<<20)
	require.NoError(t, err)
	defer r.Remove()

	r.SetMaintenance(true)
	assert.True(t, r.InMaintenance())
	assert.True(t, r.IsReady(), "maintenance must not clear system-ready")

	r.SetMaintenance(false)
	assert.False(t, r.InMaintenance())
}

func TestClock_TicksMonotonically(t *testing.T) {
	name := tempRegionName(t)
	r, err := Create(name, ArenaOffset+1<<20)
	require.NoError(t, err)
	defer r.Remove()

	assert.Equal(t, uint64(0), r.Clock())
	assert.Equal(t, uint64(1), r.Tick())
	assert.Equal(t, uint64(2), r.Tick())
	assert.Equal(t, uint64(2), r.Clock())
}

// TestSlotClaim_MutualExclusion mirrors the invariant that exactly one
// of N racing goroutines can claim a given unclaimed slot via CAS.
func TestSlotClaim_MutualExclusion(t *testing.T) {
	name := tempRegionName(t)
	r, err := Create(name, ArenaOffset+1<<20)
	require.NoError(t, err)
	defer r.Remove()

	slot := r.Slot(0)

	var wg sync.WaitGroup
	var wins int32
	for pid := uint32(1); pid <= 32; pid++ {
		wg.Add(1)
		go func(pid uint32) {
			defer wg.Done()
			if slot.Claim(pid) {
				atomic.AddInt32(&wins, 1)
			}
		}(pid)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
	assert.NotZero(t, slot.Pid())
}

func TestSlotRelease_ResetsState(t *testing.T) {
	name := tempRegionName(t)
	r, err := Create(name, ArenaOffset+1<<20)
	require.NoError(t, err)
	defer r.Remove()

	slot := r.Slot(1)
	require.True(t, slot.Claim(42))
	slot.SetStatus(types.WorkerBusy)
	slot.SetCurrentJobID(99)

	slot.Release()

	assert.Zero(t, slot.Pid())
	assert.Zero(t, slot.CurrentJobID())
	assert.Equal(t, types.WorkerIdle, slot.Status())
	assert.True(t, slot.Claim(7), "slot must be claimable again after release")
}

func TestSlotHeartbeat_IsAlive(t *testing.T) {
	name := tempRegionName(t)
	r, err := Create(name, ArenaOffset+1<<20)
	require.NoError(t, err)
	defer r.Remove()

	slot := r.Slot(2)
	slot.Heartbeat(100)

	assert.True(t, slot.IsAlive(105, 10))
	assert.False(t, slot.IsAlive(120, 10))
}

func TestArena_AllocReuseViaFreeList(t *testing.T) {
	name := tempRegionName(t)
	r, err := Create(name, ArenaOffset+1<<20)
	require.NoError(t, err)
	defer r.Remove()

	a := r.Arena()
	off1, err := a.Alloc(128, 8)
	require.NoError(t, err)

	a.Free(off1, 128)

	off2, err := a.Alloc(100, 8) // same size class as 128
	require.NoError(t, err)
	assert.Equal(t, off1, off2, "freed block should be reused for a same-class allocation")
}

func TestArena_ExhaustionReturnsResourceError(t *testing.T) {
	name := tempRegionName(t)
	r, err := Create(name, ArenaOffset+4096)
	require.NoError(t, err)
	defer r.Remove()

	a := r.Arena()
	_, err = a.Alloc(1<<20, 8)
	assert.Error(t, err)
}

func TestCreateThenOpen_SeesSameData(t *testing.T) {
	name := tempRegionName(t)
	r1, err := Create(name, ArenaOffset+1<<20)
	require.NoError(t, err)
	defer r1.Remove()

	r1.Slot(5).Claim(123)
	r1.Tick()

	r2, err := Open(name)
	require.NoError(t, err)
	defer r2.Close()

	assert.EqualValues(t, 123, r2.Slot(5).Pid())
	assert.Equal(t, uint64(1), r2.Clock())
}
