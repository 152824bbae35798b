// Package jit implements the JIT code manager (spec C6): allocation of
// proximate executable memory blocks, appending machine code, W^X
// protection transitions, hook publication, and block recycling.
//
// Grounded on the emitter/fixup idiom of
// _examples/tinyrange-rtg/std/compiler/backend_x64.go (compileFunc's
// jumpFixups/callFixups pass and patchRel32At) and x64.go's byte-level
// instruction emitters, generalized from "emit a whole program, fix up at
// the end" to "emit incrementally, fix up per hook publication" since the
// JIT threader compiles one guest path at a time rather than one static
// program.
package jit

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// BlockSize is the minimum size of a proximate mmap region (spec
	// §4.4: "at least 64 KiB").
	BlockSize = 64 * 1024

	// Fit is the minimum free space start_jit requires before leasing a
	// block (spec's kJitFit ≈ 800).
	Fit = 800

	// Align is the padding alignment finish_jit rounds up to.
	Align = 16

	// JumpTries is the retry budget a recorded jump gets before the jump
	// fixup list drops it (spec's kJitJumpTries).
	JumpTries = 4

	// trapByte is what finish_jit pads with: 0xCC (INT3) on x86-64, so
	// overrun execution traps immediately instead of running garbage.
	trapByte = 0xcc
)

var (
	ErrOOM        = errors.New("jit: block out of space")
	ErrUnreachable = errors.New("jit: no block within proximity of image")
)

// Jit is the per-System JIT code manager (g_jit in spec §6.5's global
// mutable state list, here an explicit value injected into System rather
// than a package-level global).
type Jit struct {
	mu sync.Mutex

	blocks []*Block // active, in fit-first order
	free   []*Block // relinquished, reusable after protection reset

	cursor    uintptr // proximate-address brk cursor, monotonically advancing
	imageEnd  uintptr
	proximity uintptr // reach limit past which JIT disables itself
	leeway    uintptr

	immediate bool // true once CanJitForImmediateEffect() has been probed true
	probed    bool
	disabled  bool

	blockSize int // grows by 50% on persistent OOM (spec §4.4 "Finish" failure policy)

	Hooks *HookTable
	jumps jumpRegistry
}

// RecordJump remembers a just-emitted call site so a later FinishJit at
// targetPC can rewrite it into a direct jump (spec §4.4 "record_jump").
// A no-op when the recording block was not mapped RWX: without immediate
// effect, rewriting a call site would need to flip its page back to RW,
// which the staged-publication path doesn't attempt mid-lease.
func (j *Jit) RecordJump(targetPC uint64, b *Block, offset int, addend int32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recordJump(targetPC, b, offset, addend)
}

// New constructs a Jit anchored past imageEnd (the emulator's own loaded
// image, so relative calls/jumps from JIT code can reach both JIT-to-JIT
// and JIT-to-emulator targets). proximity/leeway bound how far the
// cursor may wander before the JIT gives up (±2 GiB on x86-64, ±128 MiB
// on AArch64 per spec §4.4).
func New(imageEnd uintptr, proximity, leeway uintptr) *Jit {
	return &Jit{
		imageEnd:  imageEnd,
		cursor:    roundUp(imageEnd, BlockSize) + leeway,
		proximity: proximity,
		leeway:    leeway,
		blockSize: BlockSize,
		Hooks:     NewHookTable(),
	}
}

func roundUp(v uintptr, align int) uintptr {
	a := uintptr(align)
	return (v + a - 1) &^ (a - 1)
}

// ImageEnd returns the address hook offsets are relative to (spec §3
// "Hook": "a 32-bit offset relative to the emulator image end"), so the
// dispatcher can turn a looked-up hook back into a callable address.
func (j *Jit) ImageEnd() uintptr { return j.imageEnd }

// Proximity and Leeway expose the constructor parameters so a forking
// System can build its child's independent Jit with the same reach
// bounds (spec §3: fork "gets its own proximate JIT region").
func (j *Jit) Proximity() uintptr { return j.proximity }
func (j *Jit) Leeway() uintptr    { return j.leeway }

// Disabled reports whether the JIT has given up on compiling further
// paths (unreachable region, or explicitly turned off); the dispatcher
// must fall back to jitless_dispatch permanently once this is true.
func (j *Jit) Disabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.disabled
}

// mapBlock mmaps one new block at the current cursor, retrying forward on
// EADDRNOTAVAIL the way spec §4.4 describes for MAP_FIXED_NOREPLACE. The
// first map is attempted RWX; a denial drops to RW and commitStaged (via
// Block.commitRange) handles the W^X page-flip dance instead.
func (j *Jit) mapBlock() (*Block, error) {
	for {
		if j.cursor-j.imageEnd > j.proximity-j.leeway {
			j.disabled = true
			return nil, ErrUnreachable
		}
		addr := j.cursor
		size := uintptr(j.blockSize)
		flags := uintptr(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED_NOREPLACE)

		rwx := uintptr(unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC)
		ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, size, rwx, flags, ^uintptr(0), 0)
		if !j.probed {
			j.immediate = errno == 0
			j.probed = true
		}
		if errno == unix.EADDRNOTAVAIL || errno == unix.EEXIST {
			j.cursor += size
			continue
		}
		if errno != 0 && !j.immediate {
			rw := uintptr(unix.PROT_READ | unix.PROT_WRITE)
			ret, _, errno = unix.Syscall6(unix.SYS_MMAP, addr, size, rw, flags, ^uintptr(0), 0)
		}
		if errno != 0 {
			j.cursor += size
			continue
		}
		base := j.cursor
		j.cursor += size
		return newBlock(ret, base, int(size), j.immediate), nil
	}
}

// CanJitForImmediateEffect reports whether the host allows RWX mappings
// (spec §4.4); until the first mapBlock call this is unknown and callers
// should treat it as false (staged publication, the conservative choice).
func (j *Jit) CanJitForImmediateEffect() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.immediate
}

// StartJit leases a block with at least Fit bytes free, reclaiming from
// the free list or mapping a new one. The caller owns the block exclusively
// until FinishJit or AbandonJit.
func (j *Jit) StartJit() (*Block, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disabled {
		return nil, ErrUnreachable
	}
	for i, b := range j.blocks {
		if b.state == stateFree && b.free() >= Fit {
			j.blocks = append(j.blocks[:i], j.blocks[i+1:]...)
			b.lease()
			j.blocks = append([]*Block{b}, j.blocks...)
			return b, nil
		}
	}
	if len(j.free) > 0 {
		b := j.free[len(j.free)-1]
		j.free = j.free[:len(j.free)-1]
		if err := b.restoreProtection(); err != nil {
			return nil, err
		}
		b.lease()
		j.blocks = append([]*Block{b}, j.blocks...)
		return b, nil
	}
	b, err := j.mapBlock()
	if err != nil {
		return nil, err
	}
	b.lease()
	j.blocks = append([]*Block{b}, j.blocks...)
	return b, nil
}

// Relinquish returns a leased/finished block to circulation: one with
// remaining room goes to the front of the active list (fit-first reuse),
// one that is effectively full goes to the back, and an abandoned block
// is reset to FREE and moved to the global free list.
func (j *Jit) Relinquish(b *Block, abandoned bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.removeActive(b)
	if abandoned {
		b.reset()
		j.free = append(j.free, b)
		return
	}
	b.state = stateCommitted
	if b.free() >= Fit {
		j.blocks = append([]*Block{b}, j.blocks...)
	} else {
		j.blocks = append(j.blocks, b)
	}
}

func (j *Jit) removeActive(b *Block) {
	for i, x := range j.blocks {
		if x == b {
			j.blocks = append(j.blocks[:i], j.blocks[i+1:]...)
			return
		}
	}
}

// GrowBlockSize increases the block-size attribute by 50% (spec §4.4:
// "if the failed function is more than half a block, increases the
// block-size attribute so next attempts do not loop forever").
func (j *Jit) GrowBlockSize() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.blockSize += j.blockSize / 2
}
