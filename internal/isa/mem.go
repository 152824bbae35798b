// Package isa implements the opcode semantics (spec C5): handlers selected
// by opcode, operating on a Ctx that bundles the register file, a guest
// memory port, and the decoded instruction being executed.
package isa

import (
	"fmt"
	"unsafe"

	"github.com/fengjixuchui/blink/internal/bitio"
	"github.com/fengjixuchui/blink/internal/vmem"
)

// Mem is the guest-memory port opcode handlers read/write operands
// through (spec §4.2: "The operand may resolve to ... a host pointer into
// guest RAM, which must be taken through the acquire/release primitives
// of C1"). It owns no state of its own beyond what it's given; Machine
// constructs one per thread over its own Space/TLB/Stash.
type Mem struct {
	Space *vmem.Space
	TLB   *vmem.ThreadTLB
	Stash *vmem.Stash
}

// hostPtr resolves va to a host pointer, touching (committing) a reserved
// page on the first access of either kind, and returning an error wrapping
// vmem.ErrUnmapped on an unmapped address or vmem.ErrWriteProtected on a
// write to a non-writable page.
func (m *Mem) hostPtr(va uint64, write bool) (*byte, error) {
	host, pte := m.Space.Lookup(va, m.TLB)
	if host == nil {
		host, pte = m.Space.Touch(va, m.TLB)
	}
	if host == nil {
		return nil, fmt.Errorf("%w: %#x", vmem.ErrUnmapped, va)
	}
	if write {
		if pte == nil || !writable(pte) {
			return nil, fmt.Errorf("%w: %#x", vmem.ErrWriteProtected, va)
		}
	}
	return host, nil
}

func writable(p *vmem.PTE) bool { return p.Flags&vmem.PteWritable != 0 }

func (m *Mem) Read8(va uint64) (uint8, error) {
	p, err := m.hostPtr(va, false)
	if err != nil {
		return 0, err
	}
	return bitio.Load1(p), nil
}

func (m *Mem) Read16(va uint64) (uint16, error) {
	p, err := m.hostPtr(va, false)
	if err != nil {
		return 0, err
	}
	return bitio.Load2(p), nil
}

func (m *Mem) Read32(va uint64) (uint32, error) {
	p, err := m.hostPtr(va, false)
	if err != nil {
		return 0, err
	}
	return bitio.Load4(p), nil
}

func (m *Mem) Read64(va uint64) (uint64, error) {
	p, err := m.hostPtr(va, false)
	if err != nil {
		return 0, err
	}
	return bitio.Load8(p), nil
}

// crossesPage reports whether [va, va+n) straddles a page boundary, which
// routes the write through the stash instead of a direct store (spec C3
// "Stash").
func crossesPage(va uint64, n int) bool {
	return va&(vmem.PageSize-1)+uint64(n) > vmem.PageSize
}

func (m *Mem) Write8(va uint64, v uint8) error {
	if crossesPage(va, 1) {
		m.Stash.Arm(va, []byte{v})
		return nil
	}
	p, err := m.hostPtr(va, true)
	if err != nil {
		return err
	}
	bitio.Store1(p, v)
	return nil
}

func (m *Mem) Write16(va uint64, v uint16) error {
	if crossesPage(va, 2) {
		var b [2]byte
		b[0], b[1] = byte(v), byte(v>>8)
		m.Stash.Arm(va, b[:])
		return nil
	}
	p, err := m.hostPtr(va, true)
	if err != nil {
		return err
	}
	bitio.Store2(p, v)
	return nil
}

func (m *Mem) Write32(va uint64, v uint32) error {
	if crossesPage(va, 4) {
		var b [4]byte
		for i := range b {
			b[i] = byte(v >> (8 * i))
		}
		m.Stash.Arm(va, b[:])
		return nil
	}
	p, err := m.hostPtr(va, true)
	if err != nil {
		return err
	}
	bitio.Store4(p, v)
	return nil
}

func (m *Mem) Write64(va uint64, v uint64) error {
	if crossesPage(va, 8) {
		var b [8]byte
		for i := range b {
			b[i] = byte(v >> (8 * i))
		}
		m.Stash.Arm(va, b[:])
		return nil
	}
	p, err := m.hostPtr(va, true)
	if err != nil {
		return err
	}
	bitio.Store8(p, v)
	return nil
}

// Bytes implements decode.ByteSource: it gathers up to len(out) bytes
// starting at va, reading one mapped page at a time so a fetch straddling
// a page boundary (spec §4.1's "boundary case") still returns every byte
// the decoder can actually use, rather than stopping short at the first
// page. Like hostPtr, it commits a reserved page on first access. It
// returns fewer bytes than requested only when it reaches an unmapped page
// (0 when va itself is unmapped).
func (m *Mem) Bytes(va uint64, out []byte) int {
	n := 0
	for n < len(out) {
		host, pte := m.Space.Lookup(va+uint64(n), m.TLB)
		if host == nil {
			host, pte = m.Space.Touch(va+uint64(n), m.TLB)
		}
		if host == nil || pte == nil {
			break
		}
		off := (va + uint64(n)) & (vmem.PageSize - 1)
		avail := vmem.PageSize - int(off)
		want := len(out) - n
		if avail > want {
			avail = want
		}
		src := unsafe.Slice(host, avail)
		copy(out[n:n+avail], src)
		n += avail
	}
	return n
}

// CompareAndSwap32/64 implement the lock-prefixed RMW retry loop for
// naturally aligned operands (spec §4.2). Unaligned locked accesses must
// instead be routed through the caller's bus lock (see lock.go).
func (m *Mem) CompareAndSwap32(va uint64, old, new uint32) (bool, error) {
	p, err := m.hostPtr(va, true)
	if err != nil {
		return false, err
	}
	return bitio.CompareAndSwap32(p, old, new), nil
}

func (m *Mem) CompareAndSwap64(va uint64, old, new uint64) (bool, error) {
	p, err := m.hostPtr(va, true)
	if err != nil {
		return false, err
	}
	return bitio.CompareAndSwap64(p, old, new), nil
}
