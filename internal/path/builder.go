// Package path implements the path builder (spec C7): classifies decoded
// instructions via internal/decode, composes a run of Normal instructions
// into one native function using internal/jit, and installs a hook per
// start address so the dispatcher can run compiled code directly on
// subsequent arrivals.
//
// Grounded on _examples/tinyrange-rtg/std/compiler/backend_x64.go's
// compileFunc (prologue/body/epilogue emission, one IR function at a
// time) generalized from "compile this whole IR function" to "compile
// however many guest instructions remain Normal before a Branching or
// Precious one ends the path".
package path

import (
	"reflect"
	"unsafe"

	"github.com/fengjixuchui/blink/internal/decode"
	"github.com/fengjixuchui/blink/internal/isa"
	"github.com/fengjixuchui/blink/internal/jit"
)

// machineReg is the callee-saved register the prologue parks the Ctx
// pointer in across handler calls (R12, following the teacher's
// convention of using a high GPR as an implicit frame-like pointer — see
// x64.go's REG_R15 "operand stack pointer" for the analogous idiom).
const machineReg = jit.R12

// scratchReg is the register CallAbs/MovRegImm64 clobber to materialize
// call targets and immediates.
const scratchReg = jit.RAX

// State tracks one in-progress path build (spec §3 Machine's "path-
// builder state: current block, start PC, element count"). Insts pins
// the decoded instructions absorbed so far in Go memory: the native code
// stores their addresses directly into ctx.In, so they must outlive the
// compiled function (spec §6.7, Go's non-moving heap makes the address
// stable once pinned by a live reference).
type State struct {
	Block   *jit.Block
	StartPC uint64
	Count   int
	Open    bool
	Insts   []*decode.Inst
}

// Builder drives the JIT manager to compile paths. One Builder is shared
// by every Machine in a System (it is stateless beyond the Jit it wraps);
// per-thread progress lives in the caller-owned State.
type Builder struct {
	Jit *jit.Jit
}

func New(j *jit.Jit) *Builder { return &Builder{Jit: j} }

// handlerAddr resolves a Go func value to the absolute address the
// emitted call instruction should target. Handlers registered in
// isa.Table are plain package-level functions (not closures), so their
// code pointer is stable and reflect.ValueOf(fn).Pointer() yields the
// entry address the same way it would for any other exported symbol.
func handlerAddr(h isa.Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Begin opens a new path at pc: leases a block and emits the prologue
// that parks the Ctx pointer in machineReg (spec §4.5: "emit a prologue
// that loads the Machine pointer into a callee-saved register").
func (b *Builder) Begin(pc uint64) (*State, error) {
	blk, err := b.Jit.StartJit()
	if err != nil {
		return nil, err
	}
	e := &jit.Emitter{B: blk}
	e.PushR(machineReg)
	e.MovRR(machineReg, jit.RDI) // arg0 (Ctx*) -> machineReg
	return &State{Block: blk, StartPC: pc, Open: true}, nil
}

// Step absorbs one Normal (or path-ending Branching) instruction: emits
// the fixed sequence spec §4.5 describes around the handler call — copy
// the Ctx pointer back into arg0, store the pinned Inst pointer and the
// oldip/ip pair (compile-time constants, since the path is specific to
// the bytes at this PC) directly into the Ctx fields the handler reads,
// call the handler, and leave its *Fault result in the return register
// for the epilogue to check.
func (st *State) Step(in *decode.Inst, h isa.Handler) bool {
	pinned := in
	st.Insts = append(st.Insts, pinned)

	e := &jit.Emitter{B: st.Block}
	if !e.MovRR(jit.RDI, machineReg) {
		return false
	}
	// Guest PCs and the Inst pointer are full 64-bit values, so each is
	// materialized through scratchReg rather than StoreImm64ToMem's
	// sign-extended imm32 (which would corrupt any address outside
	// [-2GiB, 2GiB)).
	stores := [3]uint64{
		uint64(uintptr(unsafe.Pointer(pinned))),
		in.PC,
		in.PC + uint64(in.Len),
	}
	offsets := [3]int{int(isa.CtxInOffset), int(isa.CtxOldPCOffset), int(isa.CtxNextPCOffset)}
	for i, v := range stores {
		if !e.MovRegImm64(scratchReg, v) {
			return false
		}
		if !e.StoreRegToMem(scratchReg, jit.RDI, offsets[i]) {
			return false
		}
	}
	target := handlerAddr(h)
	if !e.CallAbs(scratchReg, target) {
		return false
	}
	st.Count++
	return !st.Block.OOM()
}

// Splice emits an unconditional jump directly to an already-compiled
// function at targetAddr instead of continuing to append handler calls
// (spec §4.5 "Splicing"), then finishes the path.
func (b *Builder) Splice(st *State, targetAddr uint64) error {
	e := &jit.Emitter{B: st.Block}
	e.PopR(machineReg)
	e.JmpRel32(targetAddr)
	return b.finish(st)
}

// End closes a path normally: restores the saved register, returns to
// the caller (the native-mode dispatcher trampoline), and commits the
// block, publishing the hook for StartPC.
func (b *Builder) End(st *State) error {
	e := &jit.Emitter{B: st.Block}
	e.PopR(machineReg)
	e.Ret()
	return b.finish(st)
}

func (b *Builder) finish(st *State) error {
	st.Open = false
	err := b.Jit.FinishJit(st.Block, st.StartPC)
	if err == jit.ErrOOM {
		b.Jit.GrowBlockSize()
	}
	return err
}

// Abandon discards the in-progress path: builder hit a still-compiling
// region, OOM, or a Precious instruction reached before any Normal
// instruction could open a path at all (spec §4.5: "abandon and continue
// interpreting").
func (b *Builder) Abandon(st *State) {
	st.Open = false
	b.Jit.AbandonJit(st.Block)
}

// Run invokes a committed path's native function, passing ctx as its
// sole argument through the hand-rolled trampoline (internal/jit's
// callNative). The return value is a *isa.Fault (nil on fall-through);
// the dispatcher is responsible for resuming at ctx.NextPC afterward,
// which the handler calls already updated in place.
func Run(fnAddr uintptr, ctx *isa.Ctx) *isa.Fault {
	ret := jit.CallNative(fnAddr, unsafe.Pointer(ctx))
	return (*isa.Fault)(ret)
}
