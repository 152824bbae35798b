// Package decode adapts golang.org/x/arch/x86/x86asm's instruction decoder
// (the external "black box" spec C4 describes) into the dense
// decoded-instruction record internal/isa's opcode table keys off of,
// and implements the 15-byte, page-boundary-gathering read spec C4
// requires.
package decode

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstLen is the ISA invariant: no x86-64 instruction is longer than 15
// bytes (spec §4.1, "The 15-byte ceiling is an ISA invariant").
const MaxInstLen = 15

// ErrDecode and ErrSegfault are the two error kinds spec §4.1 names.
var (
	ErrDecode   = errors.New("decode: bytes do not form a valid instruction")
	ErrSegfault = errors.New("decode: insufficient mapped bytes at pc")
)

// Inst is the decoded-instruction record every opcode handler in
// internal/isa consumes. OpIndex is the x86asm.Op value of the underlying
// x86asm.Inst, as returned by classify.go (which explains why no separate
// 12-bit index is computed); internal/isa selects a handler by Raw.Op.
type Inst struct {
	Raw     x86asm.Inst
	OpIndex uint16
	PC      uint64
	Len     int
	Lock    bool

	Args    [4]x86asm.Arg
	NumArgs int
}

// ByteSource supplies guest bytes for decoding. A real ByteSource is
// backed by vmem.Space + a Machine's TLB (isa.Mem implements it).
type ByteSource interface {
	// Bytes returns up to MaxInstLen bytes starting at va, and the number
	// of bytes that are actually mapped (which may be less than len(out)
	// if va is within MaxInstLen-1 of the end of a mapped region).
	Bytes(va uint64, out []byte) (n int)
}

// Decode fetches and decodes the instruction at pc, gathering bytes across
// a page boundary into a contiguous buffer first (spec §4.1's "boundary
// case"). It returns ErrSegfault if no byte is mapped at pc, if fewer
// bytes are mapped than the decoder consumed, or if decoding fails while
// fewer than MaxInstLen bytes were mapped; it returns ErrDecode only when
// a full MaxInstLen-byte buffer forms no valid instruction.
func Decode(src ByteSource, pc uint64, mode64 bool) (Inst, error) {
	var buf [MaxInstLen]byte
	n := src.Bytes(pc, buf[:])
	if n == 0 {
		return Inst{}, ErrSegfault
	}
	raw, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		if n < MaxInstLen {
			// We may simply be short on mapped bytes rather than facing
			// truly invalid bytes; x86asm can't tell us which bytes it
			// needed, so conservatively treat a short, failed decode at
			// the boundary as a segfault rather than #UD.
			return Inst{}, fmt.Errorf("%w: %v", ErrSegfault, err)
		}
		return Inst{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if raw.Len > n {
		return Inst{}, ErrSegfault
	}
	inst := Inst{
		Raw:  raw,
		PC:   pc,
		Len:  raw.Len,
		Lock: raw.Prefix.Contains(x86asm.PrefixLock),
	}
	for _, a := range raw.Args {
		if a == nil {
			break
		}
		inst.Args[inst.NumArgs] = a
		inst.NumArgs++
	}
	inst.OpIndex = classify(raw)
	return inst, nil
}
