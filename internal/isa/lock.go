package isa

import (
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/fengjixuchui/blink/internal/bitio"
	"github.com/fengjixuchui/blink/internal/cpu"
)

// busLock is the "global bus lock" spec §4.2 falls back to for unaligned
// lock-prefixed accesses (and, per spec §5, serves as the innermost
// synchronization primitive guest threads contend on for those accesses).
// Aligned accesses instead take the lock-free compare-exchange retry loop
// required by spec §8's linearizability property.
var busLock sync.Mutex

// lockAware wraps binALU's shape with the `lock` prefix's RMW contract
// (spec §4.2): honored only when the destination is memory (a lock prefix
// on a register destination raises FaultUndefinedInstruction); a compare-
// exchange retry loop when the access is naturally aligned, otherwise a
// global-bus-locked load→op→store.
func lockAware(c *Ctx, apply func(a, b uint64, width int) uint64, tagFor func(int) cpu.OpTag, writeResult bool) *Fault {
	if !c.In.Lock {
		return binALU(c, apply, tagFor, writeResult)
	}
	width := c.Width()
	mem, isMem := c.arg(0).(x86asm.Mem)
	if !isMem {
		return halt(FaultUndefinedInstruction)
	}
	addr := effectiveAddr(c.Regs, mem)
	b, f := c.ReadArg(c.arg(1), width)
	if f != nil {
		return f
	}
	if addr%uint64(width/8) == 0 {
		return c.casRetry(addr, width, b, apply, tagFor)
	}
	busLock.Lock()
	defer busLock.Unlock()
	a, f := c.readMemWidth(addr, width)
	if f != nil {
		return f
	}
	r := apply(a, b, width) & widthMask(width)
	c.Regs.Flags.Record(tagFor(width), a, b, r)
	if !writeResult {
		return nil
	}
	return c.writeMemWidth(addr, width, r)
}

// casRetry implements the naturally-aligned path: load acquire, compute,
// compare_exchange_weak release/relaxed, retry on failure.
func (c *Ctx) casRetry(addr uint64, width int, b uint64, apply func(a, b uint64, width int) uint64, tagFor func(int) cpu.OpTag) *Fault {
	_, f := c.casRetryOld(addr, width, b, apply, tagFor)
	return f
}

// casRetryOld is casRetry but also returns the pre-update value, needed by
// XADD to hand the caller the value it displaced.
func (c *Ctx) casRetryOld(addr uint64, width int, b uint64, apply func(a, b uint64, width int) uint64, tagFor func(int) cpu.OpTag) (uint64, *Fault) {
	host, err := c.Mem.hostPtr(addr, true)
	if err != nil {
		return 0, halt(FaultSegfault)
	}
	for {
		var old, r uint64
		var ok bool
		switch width {
		case 8:
			old = uint64(bitio.Load1(host))
			r = apply(old, b, width) & widthMask(width)
			ok = bitio.CompareAndSwap8(host, uint8(old), uint8(r))
		case 16:
			old = uint64(bitio.Load2(host))
			r = apply(old, b, width) & widthMask(width)
			ok = bitio.CompareAndSwap16(host, uint16(old), uint16(r))
		case 32:
			old = uint64(bitio.Load4(host))
			r = apply(old, b, width) & widthMask(width)
			ok = bitio.CompareAndSwap32(host, uint32(old), uint32(r))
		default:
			old = bitio.Load8(host)
			r = apply(old, b, width) & widthMask(width)
			ok = bitio.CompareAndSwap64(host, old, r)
		}
		if ok {
			c.Regs.Flags.Record(tagFor(width), old, b, r)
			return old, nil
		}
	}
}

// opXchg implements XCHG, which is implicitly locked even without the
// `lock` prefix when one operand is memory.
func opXchg(c *Ctx) *Fault {
	width := c.Width()
	dst, src := c.arg(0), c.arg(1)
	if mem, isMem := dst.(x86asm.Mem); isMem {
		addr := effectiveAddr(c.Regs, mem)
		srcVal, f := c.ReadArg(src, width)
		if f != nil {
			return f
		}
		host, err := c.Mem.hostPtr(addr, true)
		if err != nil {
			return halt(FaultSegfault)
		}
		var old uint64
		switch width {
		case 8:
			old = uint64(bitio.Load1(host))
			bitio.Store1(host, uint8(srcVal))
		case 16:
			old = uint64(bitio.Load2(host))
			bitio.Store2(host, uint16(srcVal))
		case 32:
			old = uint64(bitio.Load4(host))
			bitio.Store4(host, uint32(srcVal))
		default:
			old = bitio.Load8(host)
			bitio.Store8(host, srcVal)
		}
		return c.WriteArg(src, width, old)
	}
	a, f := c.ReadArg(dst, width)
	if f != nil {
		return f
	}
	b, f := c.ReadArg(src, width)
	if f != nil {
		return f
	}
	if f := c.WriteArg(dst, width, b); f != nil {
		return f
	}
	return c.WriteArg(src, width, a)
}

// opXadd is XADD: exchange-and-add, honoring `lock` the same way the ALU
// ops do.
func opXadd(c *Ctx) *Fault {
	width := c.Width()
	dst, src := c.arg(0), c.arg(1)
	srcVal, f := c.ReadArg(src, width)
	if f != nil {
		return f
	}
	if mem, isMem := dst.(x86asm.Mem); isMem && c.In.Lock {
		addr := effectiveAddr(c.Regs, mem)
		old, fault := c.casRetryOld(addr, width, srcVal, addApply, addTag)
		if fault != nil {
			return fault
		}
		return c.WriteArg(src, width, old)
	}
	a, f := c.ReadArg(dst, width)
	if f != nil {
		return f
	}
	r := (a + srcVal) & widthMask(width)
	c.Regs.Flags.Record(addTag(width), a, srcVal, r)
	if f := c.WriteArg(dst, width, r); f != nil {
		return f
	}
	return c.WriteArg(src, width, a)
}

// opCmpxchg implements CMPXCHG against the implicit accumulator.
func opCmpxchg(c *Ctx) *Fault {
	width := c.Width()
	dst, src := c.arg(0), c.arg(1)
	acc, f := c.ReadArg(implicitReg(cpu.RAX, width), width)
	if f != nil {
		return f
	}
	cur, f := c.ReadArg(dst, width)
	if f != nil {
		return f
	}
	c.Regs.Flags.Record(subTag(width), acc, cur, (acc-cur)&widthMask(width))
	if acc == cur {
		srcVal, f := c.ReadArg(src, width)
		if f != nil {
			return f
		}
		return c.WriteArg(dst, width, srcVal)
	}
	return c.WriteArg(implicitReg(cpu.RAX, width), width, cur)
}
