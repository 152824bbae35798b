// Package dispatch implements the per-thread actor loop (spec C8): signal
// delivery, the kill check, and the hook-directed branch between
// interpreting an instruction, extending a JIT path, splicing into one
// already compiled, or jumping straight into compiled native code.
//
// Grounded on _examples/tinyrange-rtg/std/compiler/backend_vm.go's
// instruction-dispatch switch (VM.Run's big opcode switch driving one
// IR instruction at a time) generalized from a closed switch over a
// fixed IR to the open, hook-table-directed dispatch spec §4.6 describes.
package dispatch

import (
	"errors"
	"math/bits"

	"github.com/fengjixuchui/blink/internal/decode"
	"github.com/fengjixuchui/blink/internal/isa"
	"github.com/fengjixuchui/blink/internal/jit"
	"github.com/fengjixuchui/blink/internal/path"
	"github.com/fengjixuchui/blink/internal/sysv"
	"github.com/fengjixuchui/blink/internal/thread"
)

// Outcome reports what Step did. The caller (the process-level actor
// loop) owns the follow-up: performing a host syscall, tearing down an
// exited thread, or surfacing a fault.
type Outcome struct {
	Fault       *isa.Fault
	WantSyscall bool
	Exited      bool
}

// Dispatcher drives one System's worth of Machines through the actor
// loop. It is stateless beyond the System/Builder references it wraps,
// so one Dispatcher is shared by every thread.
type Dispatcher struct {
	Sys     *sysv.System
	Builder *path.Builder
}

func New(sys *sysv.System, builder *path.Builder) *Dispatcher {
	return &Dispatcher{Sys: sys, Builder: builder}
}

// Step runs one iteration of the actor loop for m (spec §4.6's numbered
// steps 1-3).
func (d *Dispatcher) Step(m *thread.Machine) Outcome {
	if out, delivered := d.deliverPendingSignal(m); delivered {
		return out
	}
	if m.Killed() {
		return Outcome{Exited: true}
	}

	offset := d.Sys.Jit.Hooks.Lookup(m.PC)
	switch {
	case offset == 0:
		return d.generalDispatch(m)
	case offset == jit.HookBuilding:
		// Another thread is mid-build at this PC (or we collided with our
		// own abandoned attempt). Run this one instruction the safe,
		// non-building way rather than racing the in-progress compile.
		if m.PathState != nil && m.PathState.Open {
			d.Builder.Abandon(m.PathState)
			m.PathState = nil
		}
		return d.jitlessDispatch(m)
	default:
		if m.PathState != nil && m.PathState.Open {
			targetAddr := uint64(d.Sys.Jit.ImageEnd()) + uint64(offset)
			if err := d.Builder.Splice(m.PathState, targetAddr); err != nil {
				d.Builder.Abandon(m.PathState)
			}
			m.PathState = nil
		}
		return d.runNative(m, offset)
	}
}

// deliverPendingSignal implements spec §4.8's delivery step: if an
// unmasked signal is pending and the thread isn't already nested past
// kMaxSigDepth, push a frame and redirect to the guest handler. Ignored
// and default-disposition signals are resolved here rather than handed
// to the guest at all (default: terminate the thread via Exited, mirrored
// on SysExit's own kill path; ignored: dropped silently).
func (d *Dispatcher) deliverPendingSignal(m *thread.Machine) (Outcome, bool) {
	bit := m.ClaimSignal()
	if bit == 0 {
		return Outcome{}, false
	}
	sig := bits.TrailingZeros64(bit)
	disp := d.Sys.Disposition(sig)
	switch disp.Handler {
	case sigIgnore:
		return Outcome{}, false
	case sigDefault:
		m.Kill()
		return Outcome{Exited: true}, true
	default:
		altSP, useAlt := m.AltStackSP, m.AltStackSP != 0 && !m.InSigSuspend
		savedMask := m.SigMask()
		if err := m.DeliverSignal(bit, disp.Handler, disp.Restorer, altSP, useAlt, savedMask); err != nil {
			m.Kill()
			return Outcome{Exited: true}, true
		}
		m.SetSigMask(savedMask | disp.Mask | bit)
		return Outcome{}, false
	}
}

// sigDefault/sigIgnore mirror SIG_DFL/SIG_IGN's guest-visible sentinel
// values (0 and 1, the Linux ABI's convention for rt_sigaction's handler
// field), distinguishing them from any real guest handler address.
const (
	sigDefault = 0
	sigIgnore  = 1
)

// ctxFor builds the Ctx bundle a Handler (whether called by the
// interpreter directly or indirectly through compiled native code)
// expects. CR0's protected-mode bit is always set: the emulator only
// targets x86-64 long mode, so no handler's requireProtectedMode check
// can ever see it clear.
func ctxFor(m *thread.Machine, in *decode.Inst) *isa.Ctx {
	return &isa.Ctx{Regs: &m.Regs, Mem: m.Mem, In: in, CR0: 1}
}

// jitlessDispatch is spec §4.6's safe, non-building variant: decode and
// execute exactly one instruction, never touching the path builder.
func (d *Dispatcher) jitlessDispatch(m *thread.Machine) Outcome {
	in, fault := d.decodeAt(m)
	if fault != nil {
		return Outcome{Fault: fault}
	}
	return d.interpret(m, in)
}

// generalDispatch is spec §4.6's zero-hook case: decode, execute, and
// try to extend (or start) a path at this PC.
func (d *Dispatcher) generalDispatch(m *thread.Machine) Outcome {
	in, fault := d.decodeAt(m)
	if fault != nil {
		return Outcome{Fault: fault}
	}
	class := decode.Classify(&in)

	if class == decode.ClassPrecious {
		if m.PathState != nil && m.PathState.Open {
			d.closePath(m)
		}
		return d.interpret(m, in)
	}

	if m.PathState == nil || !m.PathState.Open {
		st, err := d.Builder.Begin(m.PC)
		if err == nil {
			d.Sys.Jit.Hooks.Set(m.PC, jit.HookBuilding)
			m.PathState = st
		}
	}

	out := d.interpret(m, in)
	if out.Fault != nil {
		if m.PathState != nil && m.PathState.Open {
			d.abandonOpenPath(m)
		}
		return out
	}

	if m.PathState != nil && m.PathState.Open {
		h := isa.Table[in.Raw.Op]
		if h == nil || !m.PathState.Step(&in, h) {
			d.abandonOpenPath(m)
		} else if class == decode.ClassBranching {
			d.closePath(m)
		}
	}
	return out
}

// closePath commits the currently open path via Builder.End, which grows
// the block-size attribute on overflow; if the commit fails, the start
// PC's hook is cleared back to 0, so the next arrival there goes through
// generalDispatch and starts a fresh path.
func (d *Dispatcher) closePath(m *thread.Machine) {
	st := m.PathState
	m.PathState = nil
	if err := d.Builder.End(st); err != nil {
		d.Sys.Jit.Hooks.Clear(st.StartPC, st.StartPC+1)
	}
}

func (d *Dispatcher) abandonOpenPath(m *thread.Machine) {
	st := m.PathState
	m.PathState = nil
	d.Builder.Abandon(st)
	d.Sys.Jit.Hooks.Clear(st.StartPC, st.StartPC+1)
}

// runNative invokes the already-compiled function at offset (fast path:
// spec §4.6 "jump to the native function"), then resumes interpretation
// bookkeeping from the Ctx the trampoline call filled in.
func (d *Dispatcher) runNative(m *thread.Machine, offset uint32) Outcome {
	fnAddr := d.Sys.Jit.ImageEnd() + uintptr(offset)
	ctx := ctxFor(m, nil)
	fault := path.Run(fnAddr, ctx)
	m.OldPC = ctx.OldPC
	m.Stash.Commit(d.Sys.Mem, m.TLB)
	if fault != nil {
		return Outcome{Fault: fault}
	}
	if ctx.WantSyscall {
		m.PC = ctx.NextPC
		return Outcome{WantSyscall: true}
	}
	if ctx.Halted {
		m.Kill()
		return Outcome{Exited: true}
	}
	m.PC = ctx.NextPC
	return Outcome{}
}

// interpret executes one already-decoded instruction through the
// handler table directly (spec §4.2's baseline, non-compiled path),
// committing any stashed cross-page write once the handler's flag
// effects are recorded (spec C3 "CommitStash").
func (d *Dispatcher) interpret(m *thread.Machine, in decode.Inst) Outcome {
	ctx := ctxFor(m, &in)
	fault := isa.Execute(ctx)
	m.OldPC = ctx.OldPC
	m.Stash.Commit(d.Sys.Mem, m.TLB)
	if fault != nil {
		return Outcome{Fault: fault}
	}
	if ctx.WantSyscall {
		m.PC = ctx.NextPC
		return Outcome{WantSyscall: true}
	}
	if ctx.Halted {
		m.Kill()
		return Outcome{Exited: true}
	}
	m.PC = ctx.NextPC
	return Outcome{}
}

// decodeAt fetches and decodes the instruction at m.PC via the thread's
// op cache (spec §4.1), translating decode's two error kinds into the
// Fault kinds spec §7 names.
func (d *Dispatcher) decodeAt(m *thread.Machine) (decode.Inst, *isa.Fault) {
	m.StartOpPC = m.PC
	in, err := decode.Decode(m, m.PC, true)
	if err == nil {
		return in, nil
	}
	switch {
	case errors.Is(err, decode.ErrSegfault):
		return decode.Inst{}, &isa.Fault{Kind: isa.FaultSegfault, Addr: m.PC}
	default:
		return decode.Inst{}, &isa.Fault{Kind: isa.FaultUndefinedInstruction, Addr: m.PC}
	}
}
