package isa

import (
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"github.com/fengjixuchui/blink/internal/cpu"
	"github.com/fengjixuchui/blink/internal/decode"
)

// Ctx is the argument bundle every Handler receives: the register file,
// the guest memory port, and the instruction being executed. The
// dispatcher (internal/dispatch) and the path builder (internal/path)
// both construct one of these per step.
type Ctx struct {
	Regs *cpu.Regs
	Mem  *Mem
	In   *decode.Inst

	// OldPC is the address of the instruction about to run, stored by the
	// interpreter's main loop (or, in a compiled path, by a compile-time
	// constant the path builder emits) before the handler call (spec §4.5
	// "oldip ← ip").
	OldPC uint64

	// NextPC is pre-seeded to In.PC+In.Len before the handler runs;
	// control-flow handlers (jmp/jcc/call/ret/loop) overwrite it.
	NextPC uint64

	// WantSyscall is set by the syscall handler; the dispatcher checks it
	// after Execute returns and, if set, performs the host-side syscall
	// translation (internal/syscall) before resuming.
	WantSyscall bool

	// Halted is set by HLT.
	Halted bool

	// CR0 exposes the one bit (PE, protected-mode enable) that
	// protected-mode-only opcodes check (spec §4.2).
	CR0 uint64
}

// Handler implements one opcode's semantics in terms of Ctx (spec C5).
type Handler func(c *Ctx) *Fault

// Execute runs the instruction's handler, pre-seeding OldPC/NextPC with
// the current and fall-through addresses so most handlers don't need to
// touch either.
func Execute(c *Ctx) *Fault {
	c.OldPC = c.In.PC
	c.NextPC = c.In.PC + uint64(c.In.Len)
	h, ok := Table[c.In.Raw.Op]
	if !ok {
		return halt(FaultUndefinedInstruction)
	}
	return h(c)
}

// Field offsets into Ctx that the JIT path builder needs to emit direct
// stores into (spec §4.5: the per-step sequence writes oldip/ip and the
// instruction pointer "directly by store" rather than through a call).
// Exported as plain values rather than requiring internal/path to import
// "unsafe" itself against a struct it doesn't own.
var (
	CtxInOffset     = unsafe.Offsetof(Ctx{}.In)
	CtxOldPCOffset  = unsafe.Offsetof(Ctx{}.OldPC)
	CtxNextPCOffset = unsafe.Offsetof(Ctx{}.NextPC)
)

func (c *Ctx) arg(i int) x86asm.Arg { return c.In.Raw.Args[i] }

func (c *Ctx) requireProtectedMode() *Fault {
	if c.CR0&1 == 0 {
		return halt(FaultUndefinedInstruction)
	}
	return nil
}
