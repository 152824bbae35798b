package decode

import "golang.org/x/arch/x86/x86asm"

// classify derives the opcode-table index from a decoded x86asm.Inst.
// spec §4.2 describes this as "a 12-bit opcode index (9-bit base with 3-bit
// mandatory-prefix/mode extension for 0x0F-escaped opcodes...)" computed
// from the raw opcode bytes. x86asm.Op already performs that
// disambiguation internally (its Op enum is a distinct value per mnemonic,
// already split by 0x0F escape and mandatory prefix) so internal/isa keys
// its handler table directly off x86asm.Op rather than recomputing an
// equivalent encoding from raw bytes — the dense-array idiom survives as
// a map[x86asm.Op]Handler instead of an array, since x86asm.Op's range
// is larger than 4096 and not ours to renumber.
func classify(raw x86asm.Inst) uint16 {
	return uint16(raw.Op)
}

// Class is the path-builder classification from spec §4.5.
type Class uint8

const (
	ClassNormal Class = iota
	ClassBranching
	ClassPrecious
)

// preciousOps never get absorbed into a JIT path because their effect may
// fork the thread, change the thread's state in a way the compiled path
// could outlive (spec §4.2, "syscall is precious").
var preciousOps = map[x86asm.Op]bool{
	x86asm.SYSCALL:  true,
	x86asm.SYSENTER: true,
	x86asm.INT:      true,
	x86asm.IRET:     true,
	x86asm.IRETQ:    true,
	x86asm.HLT:      true,
	x86asm.RSM:      true,
}

var branchingOps = map[x86asm.Op]bool{
	x86asm.JMP: true, x86asm.CALL: true, x86asm.RET: true,
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JS: true, x86asm.JNS: true,
	x86asm.JO: true, x86asm.JNO: true, x86asm.JP: true, x86asm.JNP: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

// Classify implements spec §4.5's instruction classification used by the
// path builder to decide whether an instruction can extend, must end, or
// must never join, an open JIT path.
func Classify(in *Inst) Class {
	if preciousOps[in.Raw.Op] {
		return ClassPrecious
	}
	if branchingOps[in.Raw.Op] {
		return ClassBranching
	}
	return ClassNormal
}
