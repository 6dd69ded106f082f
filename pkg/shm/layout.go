// Package shm implements the shared-memory substrate (C4): a POSIX
// shared-memory region carrying a fixed header, a lock-free worker-slot
// table, and a tensor data arena, as laid out in SPEC_FULL.md §3.
package shm

const (
	// Magic encodes "ORBT" plus protocol version 1 in its low bits.
	Magic uint64 = 0x4f52_4254_0000_0001

	// ProtocolVersion must match between host and worker.
	ProtocolVersion uint32 = 1

	// MaxWorkers is the fixed worker-slot table capacity.
	MaxWorkers = 256

	// SlotSize is the cache-line-aligned size of one worker slot.
	SlotSize = 64

	// HeaderSize is the fixed size of the region header.
	HeaderSize = 0x40

	// SlotsOffset is where the worker-slot table begins.
	SlotsOffset = 0x40

	// ArenaOffset is where the tensor data arena begins: immediately
	// after the slot table.
	ArenaOffset = SlotsOffset + MaxWorkers*SlotSize

	// DefaultSize is the default region reservation (64 GiB), backed by
	// the OS and populated lazily as pages are touched.
	DefaultSize = 64 * 1024 * 1024 * 1024

	// Header flag bits (offset 0x0C).
	FlagSystemReady uint32 = 1 << 0
	FlagMaintenance uint32 = 1 << 1
)

// Worker slot field byte offsets, relative to the start of a slot.
const (
	slotOffPid           = 0
	slotOffStatus         = 4
	slotOffCurrentJobID   = 8
	slotOffLastHeartbeat  = 16
	// bytes 24..64 are padding, reserved for future fields.
)

// Header field byte offsets, relative to the start of the region.
const (
	headerOffMagic   = 0x00
	headerOffVersion = 0x08
	headerOffFlags   = 0x0C
	headerOffClock   = 0x10
)
