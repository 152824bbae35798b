package jit

import "encoding/binary"

// Amd64 register encodings, reused verbatim from
// _examples/tinyrange-rtg/std/compiler/x64.go's REG_* constants (general
// purpose registers 0-15 in their standard ModR/M.reg/rm numbering).
const (
	RAX = 0
	RCX = 1
	RDX = 2
	RBX = 3
	RSP = 4
	RBP = 5
	RSI = 6
	RDI = 7
	R8  = 8
	R9  = 9
	R10 = 10
	R11 = 11
	R12 = 12
	R13 = 13
	R14 = 14
	R15 = 15
)

// Emitter is the architecture-specific sequence generator the path
// builder drives (spec §4.4: "Higher-level helpers emit architecture-
// specific sequences"). Instruction shapes are carried over from
// x64.go's byte-level encoders, adapted to append into a *Block's
// cursor instead of a whole-program byte buffer.
type Emitter struct {
	B *Block
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func le64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func rexRR(r, rm int) byte {
	rex := byte(0x48)
	if r >= 8 {
		rex |= 0x04
	}
	if rm >= 8 {
		rex |= 0x01
	}
	return rex
}

func modrmRR(r, rm int) byte {
	return byte(0xc0 | ((r & 7) << 3) | (rm & 7))
}

// MovRegImm64 picks the shortest encoding for loading an immediate into a
// 64-bit GPR (spec §4.4: "xor-to-zero, 32-bit sign-extended, 32-bit
// zero-extended, full 10-byte"), mirroring x64.go's emitMovRegImm64 but
// adding the narrower forms that function always skipped.
func (e *Emitter) MovRegImm64(reg int, val uint64) bool {
	if val == 0 {
		return e.xorSelf(reg)
	}
	if int64(val) < 0 && int64(val) == int64(int32(val)) {
		// 32-bit sign-extended: REX.W + C7 /0 id
		rex := byte(0x48)
		if reg >= 8 {
			rex |= 0x01
		}
		return e.B.AppendBytes(append([]byte{rex, 0xc7, byte(0xc0 | (reg & 7))}, le32(uint32(int32(val)))...))
	}
	if val == uint64(uint32(val)) {
		// 32-bit zero-extended mov into the 32-bit sub-register (no REX.W).
		rex := byte(0)
		if reg >= 8 {
			rex = 0x41
		}
		out := []byte{0xb8 + byte(reg&7)}
		if rex != 0 {
			out = append([]byte{rex}, out...)
		}
		return e.B.AppendBytes(append(out, le32(uint32(val))...))
	}
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	return e.B.AppendBytes(append([]byte{rex, 0xb8 + byte(reg&7)}, le64(val)...))
}

func (e *Emitter) xorSelf(reg int) bool {
	rex := byte(0)
	if reg >= 8 {
		rex = 0x45
	}
	out := []byte{0x31, modrmRR(reg, reg)}
	if rex != 0 {
		out = append([]byte{rex}, out...)
	}
	return e.B.AppendBytes(out)
}

// MovRR emits `mov dst, src` (64-bit GPR to GPR).
func (e *Emitter) MovRR(dst, src int) bool {
	return e.B.AppendBytes([]byte{rexRR(src, dst), 0x89, modrmRR(src, dst)})
}

// PushR / PopR emit `push`/`pop reg`, used for the prologue that saves
// the Machine pointer into a callee-saved register (spec §4.5).
func (e *Emitter) PushR(reg int) bool {
	if reg >= 8 {
		return e.B.AppendBytes([]byte{0x41, 0x50 + byte(reg&7)})
	}
	return e.B.AppendBytes([]byte{0x50 + byte(reg)})
}

func (e *Emitter) PopR(reg int) bool {
	if reg >= 8 {
		return e.B.AppendBytes([]byte{0x41, 0x58 + byte(reg&7)})
	}
	return e.B.AppendBytes([]byte{0x58 + byte(reg)})
}

// CallAbs emits an absolute call through a scratch register: load target
// into scratch with MovRegImm64, then `call scratch` (FF /2). Used for
// the semantic-handler calls spec §4.5 describes ("invoked by absolute
// call"); target addresses are Go function pointers obtained via
// reflection at path-builder setup and are not guaranteed to sit within
// 2 GiB of the block, so the indirect form is always safe.
func (e *Emitter) CallAbs(scratch int, target uint64) bool {
	if !e.MovRegImm64(scratch, target) {
		return false
	}
	rex := byte(0x48)
	if scratch >= 8 {
		rex = 0x49
	}
	return e.B.AppendBytes([]byte{rex, 0xff, byte(0xd0 | (scratch & 7))})
}

// CallRel32 emits a direct `call rel32` (E8), used when the target is a
// previously-JIT'd function within reach of the current block (spec's
// "direct jumps (5 bytes on x86-64)" splicing contract, reused here for
// calls rather than tail jumps). Returns the byte offset of the
// instruction, so a caller can later hand it to Jit.RecordJump.
func (e *Emitter) CallRel32(targetAddr uint64) (siteOffset int, ok bool) {
	siteOffset = e.B.Offset()
	siteAddr := uint64(e.B.base) + uint64(siteOffset)
	rel := int32(int64(targetAddr) - int64(siteAddr+5))
	ok = e.B.AppendBytes(append([]byte{0xe8}, le32(uint32(rel))...))
	return siteOffset, ok
}

// JmpRel32 emits a direct `jmp rel32` (E9) to targetAddr, the instruction
// splicing rewrites call sites into once a spliced path's hook publishes.
func (e *Emitter) JmpRel32(targetAddr uint64) bool {
	siteOffset := e.B.Offset()
	siteAddr := uint64(e.B.base) + uint64(siteOffset)
	rel := int32(int64(targetAddr) - int64(siteAddr+5))
	return e.B.AppendBytes(append([]byte{0xe9}, le32(uint32(rel))...))
}

// Ret emits `ret`, which returns control to the dispatcher's trampoline
// (spec §4.5: "subsequent arrivals at the start PC run the native
// function directly until it returns to the dispatcher").
func (e *Emitter) Ret() bool { return e.B.AppendBytes([]byte{0xc3}) }

// Nop emits a single-byte `nop`.
func (e *Emitter) Nop() bool { return e.B.AppendBytes([]byte{0x90}) }

// StoreImm64ToMem emits `mov qword [base+off], imm32-sign-extended`,
// used to materialize the `oldip ← ip; ip ← ip + oplen` direct stores
// spec §4.5 describes around each absorbed instruction's handler call.
func (e *Emitter) StoreImm64ToMem(base, off int, val uint32) bool {
	rex := byte(0x48)
	if base >= 8 {
		rex |= 0x01
	}
	if off >= -128 && off <= 127 {
		return e.B.AppendBytes(append([]byte{rex, 0xc7, byte(0x40 | (base & 7)), byte(off)}, le32(val)...))
	}
	return e.B.AppendBytes(append(append([]byte{rex, 0xc7, byte(0x80 | (base & 7))}, le32(uint32(off))...), le32(val)...))
}

// StoreRegToMem emits `mov [base+off], src`, used to materialize a full
// 64-bit constant (one too wide for StoreImm64ToMem's sign-extended imm32,
// such as a Go pointer) by first loading it into src via MovRegImm64.
func (e *Emitter) StoreRegToMem(src, base, off int) bool {
	rex := rexRR(src, base)
	if off == 0 && (base&7) != RBP {
		return e.B.AppendBytes([]byte{rex, 0x89, byte((src&7)<<3 | (base & 7))})
	}
	if off >= -128 && off <= 127 {
		return e.B.AppendBytes([]byte{rex, 0x89, byte(0x40 | (src&7)<<3 | (base & 7)), byte(off)})
	}
	return e.B.AppendBytes(append([]byte{rex, 0x89, byte(0x80 | (src&7)<<3 | (base & 7))}, le32(uint32(off))...))
}

// LoadMem64 emits `mov dst, [base+off]`.
func (e *Emitter) LoadMem64(dst, base, off int) bool {
	rex := rexRR(dst, base)
	if off == 0 && (base&7) != RBP {
		return e.B.AppendBytes([]byte{rex, 0x8b, byte((dst&7)<<3 | (base & 7))})
	}
	if off >= -128 && off <= 127 {
		return e.B.AppendBytes([]byte{rex, 0x8b, byte(0x40 | (dst&7)<<3 | (base & 7)), byte(off)})
	}
	return e.B.AppendBytes(append([]byte{rex, 0x8b, byte(0x80 | (dst&7)<<3 | (base & 7))}, le32(uint32(off))...))
}

// AddImm32ToMem emits `add qword [base+off], imm32`, used to advance ip
// by the decoded instruction's length.
func (e *Emitter) AddImm32ToMem(base, off int, val int32) bool {
	rex := byte(0x48)
	if base >= 8 {
		rex |= 0x01
	}
	var head []byte
	if off >= -128 && off <= 127 {
		head = []byte{rex, 0x81, byte(0x40 | (base & 7)), byte(off)}
	} else {
		head = append([]byte{rex, 0x81, byte(0x80 | (base & 7))}, le32(uint32(off))...)
	}
	return e.B.AppendBytes(append(head, le32(uint32(val))...))
}
