package isa

import "github.com/fengjixuchui/blink/internal/cpu"

// binALU implements the read-modify-write shape shared by add/sub/and/or/xor
// (and, with writeResult=false, cmp/test): read dst and src, compute,
// optionally store, and record the lazy-flags tuple (spec §4.9). Grounded
// on original_source/blink/alu1.c's AluEb/AluEvqp dispatch-by-width
// pattern, generalized from a function-pointer table to a closure since Go
// doesn't need the C side's manual size specialization.
func binALU(c *Ctx, apply func(a, b uint64, width int) uint64, tagFor func(width int) cpu.OpTag, writeResult bool) *Fault {
	width := c.Width()
	dst, src := c.arg(0), c.arg(1)
	a, f := c.ReadArg(dst, width)
	if f != nil {
		return f
	}
	b, f := c.ReadArg(src, width)
	if f != nil {
		return f
	}
	r := apply(a, b, width) & widthMask(width)
	c.Regs.Flags.Record(tagFor(width), a, b, r)
	if writeResult {
		return c.WriteArg(dst, width, r)
	}
	return nil
}

func widthMask(w int) uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<w - 1
}

func tagByWidth(w8, w16, w32, w64 cpu.OpTag) func(int) cpu.OpTag {
	return func(w int) cpu.OpTag {
		switch w {
		case 8:
			return w8
		case 16:
			return w16
		case 32:
			return w32
		default:
			return w64
		}
	}
}

func addApply(a, b uint64, width int) uint64 { return a + b }
func subApply(a, b uint64, width int) uint64 { return a - b }
func andApply(a, b uint64, width int) uint64 { return a & b }
func orApply(a, b uint64, width int) uint64  { return a | b }
func xorApply(a, b uint64, width int) uint64 { return a ^ b }

var addTag = tagByWidth(cpu.OpAdd8, cpu.OpAdd16, cpu.OpAdd32, cpu.OpAdd64)
var subTag = tagByWidth(cpu.OpSub8, cpu.OpSub16, cpu.OpSub32, cpu.OpSub64)
var andTag = tagByWidth(cpu.OpAnd8, cpu.OpAnd16, cpu.OpAnd32, cpu.OpAnd64)
var orTag = tagByWidth(cpu.OpOr8, cpu.OpOr16, cpu.OpOr32, cpu.OpOr64)
var xorTag = tagByWidth(cpu.OpXor8, cpu.OpXor16, cpu.OpXor32, cpu.OpXor64)

func opAdd(c *Ctx) *Fault  { return lockAware(c, addApply, addTag, true) }
func opSub(c *Ctx) *Fault  { return lockAware(c, subApply, subTag, true) }
func opAnd(c *Ctx) *Fault  { return lockAware(c, andApply, andTag, true) }
func opOr(c *Ctx) *Fault   { return lockAware(c, orApply, orTag, true) }
func opXor(c *Ctx) *Fault  { return lockAware(c, xorApply, xorTag, true) }
func opCmp(c *Ctx) *Fault  { return binALU(c, subApply, subTag, false) }
func opTest(c *Ctx) *Fault { return binALU(c, andApply, andTag, false) }

// opInc/opDec do not touch CF (Flags.Record saves the prior CF for the
// INC/DEC tags and Flags.computeLazy carries it through).
func opInc(c *Ctx) *Fault {
	width := c.Width()
	dst := c.arg(0)
	a, f := c.ReadArg(dst, width)
	if f != nil {
		return f
	}
	r := (a + 1) & widthMask(width)
	tag := cpu.OpInc32
	if width == 64 {
		tag = cpu.OpInc64
	}
	c.Regs.Flags.Record(tag, a, 1, r)
	return c.WriteArg(dst, width, r)
}

func opDec(c *Ctx) *Fault {
	width := c.Width()
	dst := c.arg(0)
	a, f := c.ReadArg(dst, width)
	if f != nil {
		return f
	}
	r := (a - 1) & widthMask(width)
	tag := cpu.OpDec32
	if width == 64 {
		tag = cpu.OpDec64
	}
	c.Regs.Flags.Record(tag, a, 1, r)
	return c.WriteArg(dst, width, r)
}

func opNeg(c *Ctx) *Fault {
	width := c.Width()
	dst := c.arg(0)
	a, f := c.ReadArg(dst, width)
	if f != nil {
		return f
	}
	r := (0 - a) & widthMask(width)
	c.Regs.Flags.Record(subTag(width), 0, a, r)
	return c.WriteArg(dst, width, r)
}

func opNot(c *Ctx) *Fault {
	width := c.Width()
	dst := c.arg(0)
	a, f := c.ReadArg(dst, width)
	if f != nil {
		return f
	}
	return c.WriteArg(dst, width, (^a)&widthMask(width))
}

type shiftKind uint8

const (
	shiftLeft shiftKind = iota
	shiftRightLogical
	shiftRightArith
)

func shiftOp(c *Ctx, kind shiftKind) *Fault {
	width := c.Width()
	dst := c.arg(0)
	a, f := c.ReadArg(dst, width)
	if f != nil {
		return f
	}
	var count uint64
	if c.In.NumArgs > 1 {
		count, f = c.ReadArg(c.arg(1), 8)
		if f != nil {
			return f
		}
	} else {
		count = 1
	}
	count &= 0x3f
	if width <= 32 {
		count &= 0x1f
	}
	if count == 0 {
		return nil
	}
	var r uint64
	var tag cpu.OpTag
	switch kind {
	case shiftRightArith:
		signExt := int64(a<<(64-width)) >> (64 - width)
		r = uint64(signExt>>count) & widthMask(width)
		tag = tagByWidth(0, 0, cpu.OpSar32, cpu.OpSar64)(width)
	case shiftLeft:
		r = (a << count) & widthMask(width)
		tag = tagByWidth(0, 0, cpu.OpShl32, cpu.OpShl64)(width)
	default:
		r = (a & widthMask(width)) >> count
		tag = tagByWidth(0, 0, cpu.OpShr32, cpu.OpShr64)(width)
	}
	c.Regs.Flags.Record(tag, a, count, r)
	return c.WriteArg(dst, width, r)
}

func opShl(c *Ctx) *Fault { return shiftOp(c, shiftLeft) }
func opShr(c *Ctx) *Fault { return shiftOp(c, shiftRightLogical) }
func opSar(c *Ctx) *Fault { return shiftOp(c, shiftRightArith) }

// opImul covers the one-operand form (rax = rax*src, truncated to the
// operand width; the high half of the product is not computed and rdx is
// not written) and the two/three-operand forms (dst = dst_or_arg1 * last_arg).
func opImul(c *Ctx) *Fault {
	width := c.Width()
	if c.In.NumArgs == 1 {
		a, f := c.ReadArg(c.arg(0), width)
		if f != nil {
			return f
		}
		acc, f := c.ReadArg(implicitReg(cpu.RAX, width), width)
		if f != nil {
			return f
		}
		r := (acc * a) & widthMask(width)
		c.Regs.Flags.Record(cpu.OpImul, acc, a, r)
		return c.WriteArg(implicitReg(cpu.RAX, width), width, r)
	}
	dst := c.arg(0)
	src := dst
	if c.In.NumArgs == 3 {
		src = c.arg(1)
	}
	a, f := c.ReadArg(src, width)
	if f != nil {
		return f
	}
	b, f := c.ReadArg(c.arg(c.In.NumArgs-1), width)
	if f != nil {
		return f
	}
	r := (a * b) & widthMask(width)
	c.Regs.Flags.Record(cpu.OpImul, a, b, r)
	return c.WriteArg(dst, width, r)
}
