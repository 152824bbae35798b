package isa

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/fengjixuchui/blink/internal/cpu"
)

// regInfo maps an x86asm.Reg to our GPR index, bit width, and whether it
// is the legacy high-byte alias (ah/ch/dh/bh).
type regInfo struct {
	idx   int
	width int
	high  bool
}

var regTable = map[x86asm.Reg]regInfo{
	x86asm.RAX: {cpu.RAX, 64, false}, x86asm.EAX: {cpu.RAX, 32, false}, x86asm.AX: {cpu.RAX, 16, false}, x86asm.AL: {cpu.RAX, 8, false},
	x86asm.RCX: {cpu.RCX, 64, false}, x86asm.ECX: {cpu.RCX, 32, false}, x86asm.CX: {cpu.RCX, 16, false}, x86asm.CL: {cpu.RCX, 8, false},
	x86asm.RDX: {cpu.RDX, 64, false}, x86asm.EDX: {cpu.RDX, 32, false}, x86asm.DX: {cpu.RDX, 16, false}, x86asm.DL: {cpu.RDX, 8, false},
	x86asm.RBX: {cpu.RBX, 64, false}, x86asm.EBX: {cpu.RBX, 32, false}, x86asm.BX: {cpu.RBX, 16, false}, x86asm.BL: {cpu.RBX, 8, false},
	x86asm.RSP: {cpu.RSP, 64, false}, x86asm.ESP: {cpu.RSP, 32, false}, x86asm.SP: {cpu.RSP, 16, false}, x86asm.SPB: {cpu.RSP, 8, false},
	x86asm.RBP: {cpu.RBP, 64, false}, x86asm.EBP: {cpu.RBP, 32, false}, x86asm.BP: {cpu.RBP, 16, false}, x86asm.BPB: {cpu.RBP, 8, false},
	x86asm.RSI: {cpu.RSI, 64, false}, x86asm.ESI: {cpu.RSI, 32, false}, x86asm.SI: {cpu.RSI, 16, false}, x86asm.SIB: {cpu.RSI, 8, false},
	x86asm.RDI: {cpu.RDI, 64, false}, x86asm.EDI: {cpu.RDI, 32, false}, x86asm.DI: {cpu.RDI, 16, false}, x86asm.DIB: {cpu.RDI, 8, false},
	x86asm.R8: {cpu.R8, 64, false}, x86asm.R8L: {cpu.R8, 32, false}, x86asm.R8W: {cpu.R8, 16, false}, x86asm.R8B: {cpu.R8, 8, false},
	x86asm.R9: {cpu.R9, 64, false}, x86asm.R9L: {cpu.R9, 32, false}, x86asm.R9W: {cpu.R9, 16, false}, x86asm.R9B: {cpu.R9, 8, false},
	x86asm.R10: {cpu.R10, 64, false}, x86asm.R10L: {cpu.R10, 32, false}, x86asm.R10W: {cpu.R10, 16, false}, x86asm.R10B: {cpu.R10, 8, false},
	x86asm.R11: {cpu.R11, 64, false}, x86asm.R11L: {cpu.R11, 32, false}, x86asm.R11W: {cpu.R11, 16, false}, x86asm.R11B: {cpu.R11, 8, false},
	x86asm.R12: {cpu.R12, 64, false}, x86asm.R12L: {cpu.R12, 32, false}, x86asm.R12W: {cpu.R12, 16, false}, x86asm.R12B: {cpu.R12, 8, false},
	x86asm.R13: {cpu.R13, 64, false}, x86asm.R13L: {cpu.R13, 32, false}, x86asm.R13W: {cpu.R13, 16, false}, x86asm.R13B: {cpu.R13, 8, false},
	x86asm.R14: {cpu.R14, 64, false}, x86asm.R14L: {cpu.R14, 32, false}, x86asm.R14W: {cpu.R14, 16, false}, x86asm.R14B: {cpu.R14, 8, false},
	x86asm.R15: {cpu.R15, 64, false}, x86asm.R15L: {cpu.R15, 32, false}, x86asm.R15W: {cpu.R15, 16, false}, x86asm.R15B: {cpu.R15, 8, false},
	x86asm.AH: {cpu.RAX, 8, true}, x86asm.BH: {cpu.RBX, 8, true}, x86asm.CH: {cpu.RCX, 8, true}, x86asm.DH: {cpu.RDX, 8, true},
}

// gprByWidth resolves an implicit operand (e.g. IMUL's accumulator) to the
// x86asm.Reg of the right width for a given GPR index.
var gprByWidth = map[int]map[int]x86asm.Reg{
	64: {cpu.RAX: x86asm.RAX, cpu.RDX: x86asm.RDX},
	32: {cpu.RAX: x86asm.EAX, cpu.RDX: x86asm.EDX},
	16: {cpu.RAX: x86asm.AX, cpu.RDX: x86asm.DX},
	8:  {cpu.RAX: x86asm.AL, cpu.RDX: x86asm.DL},
}

func implicitReg(idx, width int) x86asm.Arg { return gprByWidth[width][idx] }

func readReg(r *cpu.Regs, reg x86asm.Reg) uint64 {
	info := regTable[reg]
	switch {
	case info.high:
		return uint64(r.Reg8High(info.idx))
	case info.width == 8:
		return uint64(r.Reg8(info.idx))
	case info.width == 16:
		return uint64(r.Reg16(info.idx))
	case info.width == 32:
		return uint64(r.Reg32(info.idx))
	default:
		return r.Gpr[info.idx]
	}
}

func writeReg(r *cpu.Regs, reg x86asm.Reg, v uint64) {
	info := regTable[reg]
	switch {
	case info.high:
		r.SetReg8High(info.idx, uint8(v))
	case info.width == 8:
		r.SetReg8(info.idx, uint8(v))
	case info.width == 16:
		r.SetReg16(info.idx, uint16(v))
	case info.width == 32:
		r.SetReg32(info.idx, uint32(v))
	default:
		r.Gpr[info.idx] = v
	}
}

// effectiveAddr computes a memory operand's guest linear address, applying
// the fs/gs segment base when present (spec §3, "segment bases").
func effectiveAddr(r *cpu.Regs, m x86asm.Mem) uint64 {
	var addr uint64
	if m.Base != 0 {
		addr += readReg(r, m.Base)
	}
	if m.Index != 0 {
		addr += readReg(r, m.Index) * uint64(m.Scale)
	}
	addr += uint64(m.Disp)
	switch m.Segment {
	case x86asm.FS:
		addr += r.FsBase
	case x86asm.GS:
		addr += r.GsBase
	}
	return addr
}

// ReadArg reads operand a at the given bit width (8/16/32/64).
func (c *Ctx) ReadArg(a x86asm.Arg, width int) (uint64, *Fault) {
	switch v := a.(type) {
	case x86asm.Reg:
		return readReg(c.Regs, v), nil
	case x86asm.Imm:
		return uint64(v), nil
	case x86asm.Rel:
		return uint64(int64(c.In.PC) + int64(c.In.Len) + int64(v)), nil
	case x86asm.Mem:
		addr := effectiveAddr(c.Regs, v)
		return c.readMemWidth(addr, width)
	default:
		return 0, halt(FaultDecodeError)
	}
}

func (c *Ctx) readMemWidth(addr uint64, width int) (uint64, *Fault) {
	var v uint64
	var err error
	switch width {
	case 8:
		var x uint8
		x, err = c.Mem.Read8(addr)
		v = uint64(x)
	case 16:
		var x uint16
		x, err = c.Mem.Read16(addr)
		v = uint64(x)
	case 32:
		var x uint32
		x, err = c.Mem.Read32(addr)
		v = uint64(x)
	default:
		v, err = c.Mem.Read64(addr)
	}
	if err != nil {
		f := halt(FaultSegfault)
		f.Addr = addr
		return 0, f
	}
	return v, nil
}

// WriteArg writes v (truncated to width) to operand a.
func (c *Ctx) WriteArg(a x86asm.Arg, width int, v uint64) *Fault {
	switch dst := a.(type) {
	case x86asm.Reg:
		writeReg(c.Regs, dst, v)
		return nil
	case x86asm.Mem:
		addr := effectiveAddr(c.Regs, dst)
		return c.writeMemWidth(addr, width, v)
	default:
		return halt(FaultDecodeError)
	}
}

func (c *Ctx) writeMemWidth(addr uint64, width int, v uint64) *Fault {
	var err error
	switch width {
	case 8:
		err = c.Mem.Write8(addr, uint8(v))
	case 16:
		err = c.Mem.Write16(addr, uint16(v))
	case 32:
		err = c.Mem.Write32(addr, uint32(v))
	default:
		err = c.Mem.Write64(addr, v)
	}
	if err != nil {
		f := halt(FaultSegfault)
		f.Addr = addr
		return f
	}
	return nil
}

// Width returns the operand width in bits for the current instruction,
// derived from x86asm's decoded DataSize/MemBytes.
func (c *Ctx) Width() int {
	if c.In.Raw.MemBytes != 0 {
		return c.In.Raw.MemBytes * 8
	}
	if c.In.Raw.DataSize != 0 {
		return c.In.Raw.DataSize
	}
	return 32
}
