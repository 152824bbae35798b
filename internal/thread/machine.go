// Package thread implements the per-guest-thread Machine (spec C10):
// spawn/fork/join, the signal core, and robust-list unlocking on exit.
// It ties together every lower component (C2-C7, C9) into the unit the
// dispatcher (internal/dispatch) actually steps.
package thread

import (
	"sync"
	"sync/atomic"

	"github.com/fengjixuchui/blink/internal/cpu"
	"github.com/fengjixuchui/blink/internal/decode"
	"github.com/fengjixuchui/blink/internal/isa"
	"github.com/fengjixuchui/blink/internal/path"
	"github.com/fengjixuchui/blink/internal/sysv"
	"github.com/fengjixuchui/blink/internal/vmem"
)

// MaxSigDepth bounds nested guest signal-handler invocation (spec §4.8).
const MaxSigDepth = 16

// MaxRobustEntries guards the robust-list walk against cycles (spec §4.8).
const MaxRobustEntries = 1000

// Machine is one guest thread (spec §3 "Machine"): decoded-instruction
// scratch, PC triple, mode, registers+lazy flags, TLB, signal state, op
// cache, stash, and path-builder progress.
type Machine struct {
	TID int32

	System *sysv.System

	Regs cpu.Regs
	Mem  *isa.Mem
	TLB  *vmem.ThreadTLB

	PC, OldPC, StartOpPC uint64

	OpCache *decode.ICache
	Stash   *vmem.Stash

	sigMu      sync.Mutex
	signals    uint64 // pending bitmap
	sigmask    uint64 // blocked bitmap
	sigDepth   int
	AltStackSP uint64
	AltStackSz uint64
	Restored   bool
	InSigSuspend bool

	RobustListHead uint64
	Ctid           uint64

	PathBuilder *path.Builder
	PathState   *path.State

	killed atomic.Bool

	link struct {
		prev, next *Machine
	}
}

// Bytes implements decode.ByteSource over the thread's op cache, falling
// back to guest memory on a miss and populating the cache for next time
// (spec §4.1's "icache of 1024 recently decoded bundles").
func (m *Machine) Bytes(va uint64, out []byte) int {
	if b, ok := m.OpCache.Lookup(va); ok {
		return copy(out, b)
	}
	n := m.Mem.Bytes(va, out)
	if n > 0 {
		m.OpCache.Insert(va, out[:n])
	}
	return n
}

func (m *Machine) ThreadID() int32 { return m.TID }

func (m *Machine) InvalidateTLB() { m.TLB.Reset() }

// EnqueueSignal sets bit in the pending bitmap with release ordering so a
// concurrent dispatcher loop observes it promptly (spec §4.8: host SIGSYS
// is hijacked to enqueue UnXlatSignal(host_sig) into the target Machine).
func (m *Machine) EnqueueSignal(bit uint64) {
	for {
		old := atomic.LoadUint64(&m.signals)
		if atomic.CompareAndSwapUint64(&m.signals, old, old|bit) {
			return
		}
	}
}

func (m *Machine) PendingSignals() uint64 { return atomic.LoadUint64(&m.signals) }

func (m *Machine) SigMask() uint64 { return atomic.LoadUint64(&m.sigmask) }

func (m *Machine) SetSigMask(v uint64) { atomic.StoreUint64(&m.sigmask, v) }

// ClaimSignal atomically clears and returns one pending, unmasked signal
// bit, or 0 if none is deliverable (spec §4.8: "checks between
// instructions... non-ignored, non-blocked signal").
func (m *Machine) ClaimSignal() uint64 {
	if m.sigDepth >= MaxSigDepth {
		return 0
	}
	for {
		old := atomic.LoadUint64(&m.signals)
		deliverable := old &^ atomic.LoadUint64(&m.sigmask)
		if deliverable == 0 {
			return 0
		}
		bit := deliverable & -deliverable
		if atomic.CompareAndSwapUint64(&m.signals, old, old&^bit) {
			return bit
		}
	}
}

func (m *Machine) Killed() bool    { return m.killed.Load() }
func (m *Machine) Kill()           { m.killed.Store(true) }

// sigFrameWords is the word count of the synthetic frame DeliverSignal
// pushes: the restorer return address, every GPR, RFLAGS, the pre-signal
// RSP, the pre-signal RIP, and the blocked-signal mask SigReturn restores
// (spec §4.8: "pushes a synthetic signal frame... arranges the return
// address to point to the registered SA_RESTORER"). This is our own
// compact layout rather than a byte-for-byte struct sigcontext/ucontext —
// nothing in the guest ever parses it but our own rt_sigreturn handler.
const sigFrameWords = 1 + cpu.NumGPR + 1 + 1 + 1 + 1

// DeliverSignal pushes a signal frame for bit (a single set bit in the
// pending-signal bitmap) onto altSP if armed and applicable, else the
// current guest RSP, then redirects execution to handlerPC with the
// return address pointing at restorerPC (spec §4.8). savedMask is the
// sigmask to restore on return; the caller is responsible for then
// widening m.sigmask to mask|the delivered signal for the handler's
// duration, per sigaction's SA_MASK semantics.
func (m *Machine) DeliverSignal(bit uint64, handlerPC, restorerPC uint64, altSP uint64, useAltStack bool, savedMask uint64) error {
	if m.sigDepth >= MaxSigDepth {
		return nil
	}
	sp := m.Regs.Gpr[cpu.RSP]
	if useAltStack && altSP != 0 {
		sp = altSP
	}
	sp &^= 0xf // 16-byte align before laying down the frame
	sp -= sigFrameWords * 8

	base := sp
	if err := m.Mem.Write64(base, restorerPC); err != nil {
		return err
	}
	off := base + 8
	for i := 0; i < cpu.NumGPR; i++ {
		if err := m.Mem.Write64(off, m.Regs.Gpr[i]); err != nil {
			return err
		}
		off += 8
	}
	for _, v := range [...]uint64{m.Regs.Flags.Get(), m.Regs.Gpr[cpu.RSP], m.PC, savedMask} {
		if err := m.Mem.Write64(off, v); err != nil {
			return err
		}
		off += 8
	}

	m.sigDepth++
	m.Regs.Gpr[cpu.RSP] = sp
	m.PC = handlerPC
	m.OldPC = handlerPC
	m.Restored = false
	return nil
}

// SigReturn restores the frame DeliverSignal pushed, reading it back from
// the guest stack at its current RSP (the handler's own prologue/epilogue
// having already unwound anything it pushed, since SA_RESTORER trampolines
// straight into the rt_sigreturn syscall without touching RSP further —
// spec §4.8: "the guest handler eventually invokes rt_sigreturn... which
// restores the frame"). Returns the restored sigmask for the caller to
// reinstate via SetSigMask.
func (m *Machine) SigReturn() (uint64, error) {
	base := m.Regs.Gpr[cpu.RSP]
	off := base + 8
	var gprs [cpu.NumGPR]uint64
	for i := range gprs {
		v, err := m.Mem.Read64(off)
		if err != nil {
			return 0, err
		}
		gprs[i] = v
		off += 8
	}
	flagsPacked, err := m.Mem.Read64(off)
	if err != nil {
		return 0, err
	}
	off += 8
	oldRSP, err := m.Mem.Read64(off)
	if err != nil {
		return 0, err
	}
	off += 8
	oldRIP, err := m.Mem.Read64(off)
	if err != nil {
		return 0, err
	}
	off += 8
	mask, err := m.Mem.Read64(off)
	if err != nil {
		return 0, err
	}

	m.Regs.Gpr = gprs
	m.Regs.Flags.Set(flagsPacked)
	m.Regs.Gpr[cpu.RSP] = oldRSP
	m.PC = oldRIP
	m.OldPC = oldRIP
	if m.sigDepth > 0 {
		m.sigDepth--
	}
	m.Restored = true
	return mask, nil
}

// Spawn creates a new Machine sharing sys (spec §3: "Created by spawn or
// fork"), with its own register file, TLB, op cache, and stash, and
// registers it with the System's machines list.
func Spawn(sys *sysv.System, space *vmem.Space, builder *path.Builder) *Machine {
	tlb := &vmem.ThreadTLB{}
	m := &Machine{
		TID:     sys.NextThreadID(),
		System:  sys,
		TLB:     tlb,
		OpCache: &decode.ICache{},
		Stash:   &vmem.Stash{},
	}
	m.Mem = &isa.Mem{Space: space, TLB: tlb, Stash: m.Stash}
	m.PathBuilder = builder
	sys.AddMachine(m)
	return m
}

// EnableRobustListUnlock gates unwindRobustList. _examples/original_source/
// blink/syscall.c:747 begins UnlockRobustFutexes with "if (1) return; //
// TODO: Figure out how these work." — the feature was never finished
// upstream, so it stays off here by default too; set this to true to
// opt into it rather than enabling it unconditionally.
var EnableRobustListUnlock = false

// Exit tears down the thread: clears ctid and wakes any futex waiter on
// it (spec §3: "destroyed on thread exit, which also clears ctid and
// wakes any futex waiter on it"), walks the robust list marking each
// futex FUTEX_OWNER_DIED when EnableRobustListUnlock is set, and removes
// the Machine from the System.
func (m *Machine) Exit() {
	m.unwindRobustList()
	if m.Ctid != 0 {
		if err := m.Mem.Write32(m.Ctid, 0); err == nil {
			m.System.Bus.Wake(m.Ctid, 1)
		}
	}
	m.System.RemoveMachine(m)
}

// unwindRobustList walks the guest robust_list_head, marking each futex
// FUTEX_OWNER_DIED via CAS and waking one waiter when FUTEX_WAITERS is
// set (spec §4.8), stopping after MaxRobustEntries to guard against a
// corrupted or cyclic list. Disabled by default; see EnableRobustListUnlock.
func (m *Machine) unwindRobustList() {
	if !EnableRobustListUnlock {
		return
	}
	const futexOwnerDied = 0x40000000
	const futexWaiters = 0x80000000
	const futexTidMask = 0x3fffffff

	if m.RobustListHead == 0 {
		return
	}
	next, err := m.Mem.Read64(m.RobustListHead)
	if err != nil {
		return
	}
	for i := 0; i < MaxRobustEntries && next != 0 && next != m.RobustListHead; i++ {
		futexAddr := next - 8 // futex word precedes the list entry (offsetof convention)
		for {
			old, err := m.Mem.Read32(futexAddr)
			if err != nil {
				break
			}
			if old&futexTidMask == 0 {
				break
			}
			newVal := (old &^ futexTidMask) | futexOwnerDied
			ok, err := m.Mem.CompareAndSwap32(futexAddr, old, newVal)
			if err != nil {
				break
			}
			if ok {
				if old&futexWaiters != 0 {
					m.System.Bus.Wake(uint64(futexAddr), 1)
				}
				break
			}
		}
		nextEntry, err := m.Mem.Read64(next)
		if err != nil {
			break
		}
		next = nextEntry
	}
}
