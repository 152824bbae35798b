package isa

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/fengjixuchui/blink/internal/cpu"
)

func opMov(c *Ctx) *Fault {
	width := c.Width()
	v, f := c.ReadArg(c.arg(1), width)
	if f != nil {
		return f
	}
	return c.WriteArg(c.arg(0), width, v)
}

// opLea computes a memory operand's effective address without accessing
// memory and stores it in the destination register.
func opLea(c *Ctx) *Fault {
	mem, ok := c.arg(1).(x86asm.Mem)
	if !ok {
		return halt(FaultDecodeError)
	}
	addr := effectiveAddr(c.Regs, mem)
	return c.WriteArg(c.arg(0), c.Width(), addr)
}

func opPush(c *Ctx) *Fault {
	v, f := c.ReadArg(c.arg(0), 64)
	if f != nil {
		return f
	}
	sp := c.Regs.Gpr[cpu.RSP] - 8
	if err := c.Mem.Write64(sp, v); err != nil {
		fault := halt(FaultSegfault)
		fault.Addr = sp
		return fault
	}
	c.Regs.Gpr[cpu.RSP] = sp
	return nil
}

func opPop(c *Ctx) *Fault {
	sp := c.Regs.Gpr[cpu.RSP]
	v, err := c.Mem.Read64(sp)
	if err != nil {
		fault := halt(FaultSegfault)
		fault.Addr = sp
		return fault
	}
	c.Regs.Gpr[cpu.RSP] = sp + 8
	return c.WriteArg(c.arg(0), 64, v)
}

func opMovzx(c *Ctx) *Fault {
	srcWidth := argWidth(c, c.arg(1))
	v, f := c.ReadArg(c.arg(1), srcWidth)
	if f != nil {
		return f
	}
	return c.WriteArg(c.arg(0), c.Width(), v)
}

func opMovsx(c *Ctx) *Fault {
	srcWidth := argWidth(c, c.arg(1))
	v, f := c.ReadArg(c.arg(1), srcWidth)
	if f != nil {
		return f
	}
	var sign int64
	switch srcWidth {
	case 8:
		sign = int64(int8(v))
	case 16:
		sign = int64(int16(v))
	default:
		sign = int64(int32(v))
	}
	return c.WriteArg(c.arg(0), c.Width(), uint64(sign))
}

// argWidth derives an individual argument's own width (movzx/movsx mix
// widths between dst and src, unlike most other two-operand forms which
// share c.Width()).
func argWidth(c *Ctx, a x86asm.Arg) int {
	if r, ok := a.(x86asm.Reg); ok {
		return regTable[r].width
	}
	if _, ok := a.(x86asm.Mem); ok && c.In.Raw.MemBytes != 0 {
		return c.In.Raw.MemBytes * 8
	}
	return 32
}
