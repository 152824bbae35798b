package jit

// Arm64Emitter covers the AArch64 subset the path builder needs, reusing
// the encodings from
// _examples/tinyrange-rtg/std/compiler/aarch64.go (emitMovZ/emitMovK/
// emitMovN's MOVZ/MOVK/MOVN chain, emitBlr, emitRet, emitBrk, emitStr/
// emitLdr) rather than the full compiler backend's arithmetic/branch set,
// which the threader doesn't need: guest ALU semantics are always
// evaluated by the Go handler via CallAbs, never re-expressed in native
// AArch64 instructions.
type Arm64Emitter struct {
	B *Block
}

func arm64LE(inst uint32) []byte {
	return []byte{byte(inst), byte(inst >> 8), byte(inst >> 16), byte(inst >> 24)}
}

func movz(rd int, imm16 uint16, shift int) uint32 {
	hw := uint32(shift / 16)
	return 0xD2800000 | (hw << 21) | (uint32(imm16) << 5) | uint32(rd&0x1f)
}

func movk(rd int, imm16 uint16, shift int) uint32 {
	hw := uint32(shift / 16)
	return 0xF2800000 | (hw << 21) | (uint32(imm16) << 5) | uint32(rd&0x1f)
}

// MovRegImm64 emits the MOVZ/MOVK chain selecting the minimum number of
// 16-bit lanes needed (spec §4.4: "AArch64 movz/movn/movk chain selecting
// the minimum number of 16-bit lanes"). The NOT-form (MOVN) shortcut from
// emitLoadImm64Compact is included for values whose every lane but the
// lowest is all ones.
func (e *Arm64Emitter) MovRegImm64(rd int, val uint64) bool {
	if val == 0 {
		return e.B.AppendBytes(arm64LE(movz(rd, 0, 0)))
	}
	if inv := ^val; inv&0xffff == inv {
		return e.B.AppendBytes(arm64LE(0x92800000 | (uint32(uint16(inv)) << 5) | uint32(rd&0x1f)))
	}
	var out []byte
	first := true
	for shift := 0; shift < 64; shift += 16 {
		chunk := uint16((val >> uint(shift)) & 0xffff)
		if chunk == 0 {
			continue
		}
		if first {
			out = append(out, arm64LE(movz(rd, chunk, shift))...)
			first = false
		} else {
			out = append(out, arm64LE(movk(rd, chunk, shift))...)
		}
	}
	return e.B.AppendBytes(out)
}

// CallAbs loads target into scratch then BLR's through it, the AArch64
// analogue of Emitter.CallAbs.
func (e *Arm64Emitter) CallAbs(scratch int, target uint64) bool {
	if !e.MovRegImm64(scratch, target) {
		return false
	}
	return e.B.AppendBytes(arm64LE(0xD63F0000 | (uint32(scratch&0x1f) << 5)))
}

// Ret emits RET (branch via X30).
func (e *Arm64Emitter) Ret() bool { return e.B.AppendBytes(arm64LE(0xD65F03C0)) }

// Brk emits BRK #0, AArch64's trap instruction — the pad byte finish_jit
// uses on this architecture (4 bytes, vs x86-64's single 0xCC).
func (e *Arm64Emitter) Brk() bool { return e.B.AppendBytes(arm64LE(0xD4200000)) }

// Nop emits NOP.
func (e *Arm64Emitter) Nop() bool { return e.B.AppendBytes(arm64LE(0xD503201F)) }

// BImm emits an unconditional B with a rel26 (words) displacement,
// AArch64's 4-byte direct-jump form used for splicing (spec §4.4:
// "4 on AArch64").
func (e *Arm64Emitter) BImm(targetAddr uint64) bool {
	siteAddr := uint64(e.B.base) + uint64(e.B.Offset())
	rel := (int64(targetAddr) - int64(siteAddr)) / 4
	return e.B.AppendBytes(arm64LE(0x14000000 | uint32(rel)&0x03ffffff))
}

// StoreToReg64 emits STR Xt, [Xn, #off] (off must be a multiple of 8,
// within the unsigned 12-bit*8 range — sufficient for Machine field
// offsets).
func (e *Arm64Emitter) StoreToReg64(rt, rn int, off int) bool {
	imm12 := uint32(off / 8)
	inst := uint32(0xF9000000) | (imm12 << 10) | (uint32(rn&0x1f) << 5) | uint32(rt&0x1f)
	return e.B.AppendBytes(arm64LE(inst))
}

// LoadFromReg64 emits LDR Xt, [Xn, #off].
func (e *Arm64Emitter) LoadFromReg64(rt, rn int, off int) bool {
	imm12 := uint32(off / 8)
	inst := uint32(0xF9400000) | (imm12 << 10) | (uint32(rn&0x1f) << 5) | uint32(rt&0x1f)
	return e.B.AppendBytes(arm64LE(inst))
}
