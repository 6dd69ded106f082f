package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"

	"github.com/cuemby/orbit/pkg/orberr"
)

// Region is one memory-mapped shared-memory region: a header, a worker
// slot table, and a tensor data arena, backed by a file under a
// tmpfs-style shared directory so unrelated processes can map the same
// bytes by name (the Go-idiomatic equivalent of POSIX shm_open, since
// there is no shm_open wrapper in the standard library or in any
// retrieved dependency — see DESIGN.md).
type Region struct {
	name  string
	path  string
	file  *os.File
	data  mmap.MMap
	owner bool
	arena *arena
}

// shmDir picks the backing directory for named regions: /dev/shm on
// Linux when present and writable (true tmpfs, matching POSIX shm
// semantics), falling back to os.TempDir() otherwise.
func shmDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func regionPath(name string) string {
	safe := filepath.Base(name)
	return filepath.Join(shmDir(), "orbit-shm-"+safe)
}

// Create creates (or truncates) and maps a new region of the given size,
// zero-fills the header, writes the magic and version, and publishes
// SYSTEM_READY. An advisory file lock guards the creation step itself
// against a second orchestrator instance racing to initialize the same
// named region.
func Create(name string, size int64) (*Region, error) {
	path := regionPath(name)

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, orberr.ShmFailure("failed to acquire region creation lock", err)
	}
	if !locked {
		return nil, orberr.ShmFailure(fmt.Sprintf("region %q is already being created by another process", name), nil)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, orberr.ShmFailure("failed to open region file", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, orberr.ShmFailure("failed to size region file", err)
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, orberr.ShmFailure("mmap failed", err)
	}

	r := &Region{name: name, path: path, file: f, data: data, owner: true}
	r.initHeader()
	r.arena = newArena(r, ArenaOffset, uint64(len(data)))
	r.SetSystemReady(true)
	return r, nil
}

// Open maps an already-created region by name and validates its magic
// and version; a mismatch is a fatal SYS-001 error per SPEC_FULL.md §4.4.
func Open(name string) (*Region, error) {
	path := regionPath(name)

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, orberr.ShmFailure("failed to open region file", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, orberr.ShmFailure("failed to stat region file", err)
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, orberr.ShmFailure("mmap failed", err)
	}

	r := &Region{name: name, path: path, file: f, data: data, owner: false}
	if !r.IsValid() {
		r.Close()
		return nil, orberr.ShmFailure(fmt.Sprintf("region %q failed magic/version validation", name), nil)
	}
	r.arena = newArena(r, ArenaOffset, uint64(info.Size()))
	return r, nil
}

func (r *Region) initHeader() {
	for i := headerOffFlags; i < SlotsOffset; i++ {
		r.data[i] = 0
	}
	putU64(r.data, headerOffMagic, Magic)
	putU32Plain(r.data, headerOffVersion, ProtocolVersion)
	atomic.StoreUint32(r.u32ptr(headerOffFlags), 0)
	atomic.StoreUint64(r.u64ptr(headerOffClock), 0)
}

// IsValid reports whether the region's magic and version match this
// build's expectations.
func (r *Region) IsValid() bool {
	magic := getU64(r.data, headerOffMagic)
	version := getU32Plain(r.data, headerOffVersion)
	return magic == Magic && version == ProtocolVersion
}

// Close unmaps and closes the region. It does not remove the backing
// file; the creator (or an operator) is responsible for cleanup on
// shutdown.
func (r *Region) Close() error {
	var err error
	if r.data != nil {
		err = r.data.Unmap()
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Remove unmaps the region and deletes its backing file; intended for
// the owning process at shutdown.
func (r *Region) Remove() error {
	if err := r.Close(); err != nil {
		return err
	}
	return os.Remove(r.path)
}

// --- low-level atomic accessors over the mmap'd byte slice ---
//
// The mmap base returned by the OS is page-aligned, and every offset
// used below is a multiple of its own field width, so these casts are
// correctly aligned for sync/atomic on every supported architecture.

func (r *Region) u32ptr(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) u64ptr(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[off]))
}

func putU64(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte, off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+i]) << (8 * i)
	}
	return v
}

func putU32Plain(b []byte, off int, v uint32) {
	for i := 0; i < 4; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

func getU32Plain(b []byte, off int) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[off+i]) << (8 * i)
	}
	return v
}

// Clock returns the current global tick (acquire semantics).
func (r *Region) Clock() uint64 {
	return atomic.LoadUint64(r.u64ptr(headerOffClock))
}

// Tick advances the global clock by one and returns the new value. In
// the orchestrator only the reconciler's ticker loop calls this, once
// per tick (every second).
func (r *Region) Tick() uint64 {
	return atomic.AddUint64(r.u64ptr(headerOffClock), 1)
}

// IsReady reports whether SYSTEM_READY is set.
func (r *Region) IsReady() bool {
	return atomic.LoadUint32(r.u32ptr(headerOffFlags))&FlagSystemReady != 0
}

// SetSystemReady sets or clears the SYSTEM_READY flag bit.
func (r *Region) SetSystemReady(ready bool) {
	r.setFlagBit(FlagSystemReady, ready)
}

// SetMaintenance sets or clears the MAINTENANCE flag bit (supplemented
// feature, see SPEC_FULL.md §12). The flag is reported through
// InMaintenance and makes the health status unhealthy; job dispatch
// does not consult it.
func (r *Region) SetMaintenance(on bool) {
	r.setFlagBit(FlagMaintenance, on)
}

// InMaintenance reports whether the MAINTENANCE flag bit is set.
func (r *Region) InMaintenance() bool {
	return atomic.LoadUint32(r.u32ptr(headerOffFlags))&FlagMaintenance != 0
}

func (r *Region) setFlagBit(bit uint32, on bool) {
	ptr := r.u32ptr(headerOffFlags)
	for {
		old := atomic.LoadUint32(ptr)
		var next uint32
		if on {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if next == old || atomic.CompareAndSwapUint32(ptr, old, next) {
			return
		}
	}
}

// Arena exposes the region's tensor data allocator.
func (r *Region) Arena() *arena { return r.arena }
