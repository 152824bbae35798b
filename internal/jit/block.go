package jit

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type state uint8

const (
	stateFree state = iota
	stateLeased
	stateFinishing
	stateCommitted
)

// stage records a hook awaiting publication until its code falls behind
// the committed watermark (spec §4.4 "Finish": staged publication).
type stage struct {
	pc     uint64 // guest PC the hook resolves
	offset uint32 // HookTable value once published
	start  int
	index  int
}

// Block is a JitBlock (spec §3 "JIT memory"): one proximate mmap region,
// an append cursor, the current function's start offset, a page-aligned
// high-water commit mark, and the staged-hook/recorded-jump lists that
// accumulate while the block is leased.
type Block struct {
	base  uintptr
	size  int
	state state

	index     int // append cursor
	start     int // current function's start offset
	committed int // page-aligned high-water mark, <= start

	staged []stage

	immediate bool // true if this block was mapped RWX
	oom       bool // sticky overflow marker
}

func newBlock(base uintptr, baseAddr uintptr, size int, immediate bool) *Block {
	return &Block{base: baseAddr, size: size, immediate: immediate}
}

// bytes exposes the block's live region as a byte slice. Safe only while
// the block is LEASED by the calling goroutine (callers hold the lease
// exclusively per spec §5's jit.lock "per-thread JIT block leases exclude
// other threads from the leased block").
func (b *Block) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b.base)), b.size)
}

// Base is the block's host base address, used to compute call/jump
// displacements relative to other blocks and the emulator image.
func (b *Block) Base() uintptr { return b.base }

func (b *Block) free() int { return b.size - b.index }

func (b *Block) lease() {
	b.state = stateLeased
	b.start = b.index
	b.oom = false
}

func (b *Block) reset() {
	b.state = stateFree
	b.index = 0
	b.start = 0
	b.committed = 0
	b.staged = nil
	b.oom = false
}

// restoreProtection re-applies RW (or RWX, for immediate blocks) to a
// block pulled off the free list, whose pages may have been left R-X by
// a prior commit.
func (b *Block) restoreProtection() error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if b.immediate {
		prot |= unix.PROT_EXEC
	}
	return unix.Mprotect(b.bytes(), prot)
}

// AppendBytes copies opaque machine code into the block at the append
// cursor. On overflow it sets a sticky OOM marker (the oom flag; index is
// left where it was) so
// subsequent appends are no-ops returning false, matching spec §4.4's
// "append_bytes" contract.
func (b *Block) AppendBytes(code []byte) bool {
	if b.oom {
		return false
	}
	if b.index+len(code) > b.size {
		b.oom = true
		return false
	}
	copy(b.bytes()[b.index:], code)
	b.index += len(code)
	return true
}

// Offset is the append cursor's current byte offset, used by record_jump
// and splice sites to remember where a call/jmp instruction was emitted.
func (b *Block) Offset() int { return b.index }

// StartOffset is the offset of the function currently under construction.
func (b *Block) StartOffset() int { return b.start }

// OOM reports whether this lease hit the sticky overflow marker.
func (b *Block) OOM() bool { return b.oom }

// padToAlign pads the block with trap bytes (0xCC) up to Align, the way
// finish_jit does before publishing (spec §4.4 "Finish").
func (b *Block) padToAlign() {
	for b.index%Align != 0 {
		if !b.AppendBytes([]byte{trapByte}) {
			return
		}
	}
}

// commitRange flips [committed, newWatermark) to R-X, the page-at-a-time
// W^X transition spec §4.4 and §6.7 ("Self-modifying code") mandate.
func (b *Block) commitRange(newWatermark int) error {
	if b.immediate || newWatermark <= b.committed {
		b.committed = newWatermark
		return nil
	}
	lo := b.committed &^ (pageSize - 1)
	hi := roundUp(uintptr(newWatermark), pageSize)
	region := unsafe.Slice((*byte)(unsafe.Pointer(b.base+uintptr(lo))), int(hi)-lo)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return err
	}
	b.committed = newWatermark
	return nil
}

const pageSize = 4096
