package isa

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/fengjixuchui/blink/internal/cpu"
)

func opJmp(c *Ctx) *Fault {
	target, f := c.ReadArg(c.arg(0), 64)
	if f != nil {
		return f
	}
	c.NextPC = target
	return nil
}

func opCall(c *Ctx) *Fault {
	target, f := c.ReadArg(c.arg(0), 64)
	if f != nil {
		return f
	}
	ret := c.In.PC + uint64(c.In.Len)
	sp := c.Regs.Gpr[cpu.RSP] - 8
	if err := c.Mem.Write64(sp, ret); err != nil {
		fault := halt(FaultSegfault)
		fault.Addr = sp
		return fault
	}
	c.Regs.Gpr[cpu.RSP] = sp
	c.NextPC = target
	return nil
}

func opRet(c *Ctx) *Fault {
	sp := c.Regs.Gpr[cpu.RSP]
	ret, err := c.Mem.Read64(sp)
	if err != nil {
		fault := halt(FaultSegfault)
		fault.Addr = sp
		return fault
	}
	extra := uint64(0)
	if c.In.NumArgs > 0 {
		imm, _ := c.ReadArg(c.arg(0), 16)
		extra = imm
	}
	c.Regs.Gpr[cpu.RSP] = sp + 8 + extra
	c.NextPC = ret
	return nil
}

// condTable maps each Jcc mnemonic to the flag predicate it tests (opSetcc
// looks up the Jcc entry matching each SETcc form it handles), evaluated
// against the lazily-resolved RFLAGS (spec §4.9: "Flag
// reads compute the flag on demand. Consumers include conditional jumps").
var condTable = map[x86asm.Op]func(f uint64) bool{
	x86asm.JA:  func(f uint64) bool { return f&cpu.CF == 0 && f&cpu.ZF == 0 },
	x86asm.JAE: func(f uint64) bool { return f&cpu.CF == 0 },
	x86asm.JB:  func(f uint64) bool { return f&cpu.CF != 0 },
	x86asm.JBE: func(f uint64) bool { return f&cpu.CF != 0 || f&cpu.ZF != 0 },
	x86asm.JE:  func(f uint64) bool { return f&cpu.ZF != 0 },
	x86asm.JNE: func(f uint64) bool { return f&cpu.ZF == 0 },
	x86asm.JG:  func(f uint64) bool { return f&cpu.ZF == 0 && (f&cpu.SF != 0) == (f&cpu.OF != 0) },
	x86asm.JGE: func(f uint64) bool { return (f&cpu.SF != 0) == (f&cpu.OF != 0) },
	x86asm.JL:  func(f uint64) bool { return (f&cpu.SF != 0) != (f&cpu.OF != 0) },
	x86asm.JLE: func(f uint64) bool { return f&cpu.ZF != 0 || (f&cpu.SF != 0) != (f&cpu.OF != 0) },
	x86asm.JS:  func(f uint64) bool { return f&cpu.SF != 0 },
	x86asm.JNS: func(f uint64) bool { return f&cpu.SF == 0 },
	x86asm.JO:  func(f uint64) bool { return f&cpu.OF != 0 },
	x86asm.JNO: func(f uint64) bool { return f&cpu.OF == 0 },
	x86asm.JP:  func(f uint64) bool { return f&cpu.PF != 0 },
	x86asm.JNP: func(f uint64) bool { return f&cpu.PF == 0 },
}

func opJcc(c *Ctx) *Fault {
	pred := condTable[c.In.Raw.Op]
	if pred == nil {
		return halt(FaultUndefinedInstruction)
	}
	if !pred(c.Regs.Flags.Get()) {
		return nil
	}
	target, f := c.ReadArg(c.arg(0), 64)
	if f != nil {
		return f
	}
	c.NextPC = target
	return nil
}

func opJcxz(c *Ctx) *Fault {
	cx := c.Regs.Gpr[cpu.RCX]
	zero := false
	switch c.In.Raw.Op {
	case x86asm.JCXZ:
		zero = uint16(cx) == 0
	case x86asm.JECXZ:
		zero = uint32(cx) == 0
	default:
		zero = cx == 0
	}
	if !zero {
		return nil
	}
	target, f := c.ReadArg(c.arg(0), 64)
	if f != nil {
		return f
	}
	c.NextPC = target
	return nil
}

func opLoop(c *Ctx) *Fault {
	cx := c.Regs.Gpr[cpu.RCX] - 1
	c.Regs.Gpr[cpu.RCX] = cx
	take := cx != 0
	switch c.In.Raw.Op {
	case x86asm.LOOPE:
		take = take && c.Regs.Flags.Test(cpu.ZF)
	case x86asm.LOOPNE:
		take = take && !c.Regs.Flags.Test(cpu.ZF)
	}
	if !take {
		return nil
	}
	target, f := c.ReadArg(c.arg(0), 64)
	if f != nil {
		return f
	}
	c.NextPC = target
	return nil
}

func opSetcc(c *Ctx) *Fault {
	var pred func(uint64) bool
	switch c.In.Raw.Op {
	case x86asm.SETA:
		pred = condTable[x86asm.JA]
	case x86asm.SETAE:
		pred = condTable[x86asm.JAE]
	case x86asm.SETB:
		pred = condTable[x86asm.JB]
	case x86asm.SETBE:
		pred = condTable[x86asm.JBE]
	case x86asm.SETE:
		pred = condTable[x86asm.JE]
	case x86asm.SETNE:
		pred = condTable[x86asm.JNE]
	case x86asm.SETG:
		pred = condTable[x86asm.JG]
	case x86asm.SETGE:
		pred = condTable[x86asm.JGE]
	case x86asm.SETL:
		pred = condTable[x86asm.JL]
	case x86asm.SETLE:
		pred = condTable[x86asm.JLE]
	case x86asm.SETS:
		pred = condTable[x86asm.JS]
	case x86asm.SETNS:
		pred = condTable[x86asm.JNS]
	}
	var v uint64
	if pred != nil && pred(c.Regs.Flags.Get()) {
		v = 1
	}
	return c.WriteArg(c.arg(0), 8, v)
}
