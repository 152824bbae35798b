package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFlagsLazyResolution covers spec §4.9's lazy-flags contract: Record
// defers computation, and the first Get/Test call resolves it without
// losing the sticky (non-lazy) bits already present.
func TestFlagsLazyResolution(t *testing.T) {
	cases := []struct {
		name       string
		tag        OpTag
		arg1, arg2 uint64
		result     uint64
		wantSet    uint64
		wantClear  uint64
	}{
		{"add8 zero result sets ZF", OpAdd8, 0x01, 0xff, 0x00, ZF | CF, SF | OF},
		{"add32 overflow sets OF and CF", OpAdd32, 0x80000000, 0x80000000, 0x00000000, CF | OF | ZF, 0},
		{"sub64 borrow sets CF", OpSub64, 0, 1, ^uint64(0), CF | SF, ZF},
		{"and32 clears CF and OF", OpAnd32, 0xff, 0x0f, 0x0f, 0, CF | OF},
		{"inc32 never sets CF", OpInc32, 0xffffffff, 1, 0, ZF, CF},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var f Flags
			f.Record(c.tag, c.arg1, c.arg2, c.result)
			got := f.Get()
			for bit := uint64(1); bit != 0; bit <<= 1 {
				if c.wantSet&bit != 0 {
					assert.NotZero(t, got&bit, "expected bit %#x set", bit)
				}
				if c.wantClear&bit != 0 {
					assert.Zero(t, got&bit, "expected bit %#x clear", bit)
				}
			}
		})
	}
}

func TestFlagsSetClearsLazyTag(t *testing.T) {
	var f Flags
	f.Record(OpAdd32, 1, 1, 2)
	f.Set(CF | IF)
	assert.Equal(t, OpNone, f.Tag)
	assert.Equal(t, CF|IF, f.Get())
}

func TestFlagsSetBitPreservesOtherLazyBits(t *testing.T) {
	var f Flags
	f.Record(OpAdd8, 0x7f, 0x01, 0x80) // sets SF and OF, not ZF
	require.True(t, f.Test(SF))
	f.SetBit(TF, true)
	assert.True(t, f.Test(SF), "forcing TF must not clobber the already-resolved SF")
	assert.True(t, f.Test(TF))
}

func TestFlagsDead(t *testing.T) {
	var f Flags
	assert.False(t, f.Dead(CF), "no pending computation is never dead")
	f.Record(OpAdd32, 1, 1, 2)
	assert.True(t, f.Dead(0), "next instruction reads no lazy bits")
	assert.False(t, f.Dead(ZF), "next instruction reads ZF, not dead")
}

// TestRegsSubWidthAliasing exercises the x86 aliased-register-view
// contract (spec C2): writing a 32-bit register zero-extends to 64 bits,
// while 8/16-bit writes preserve the rest of the 64-bit parent.
func TestRegsSubWidthAliasing(t *testing.T) {
	var r Regs
	r.Gpr[RAX] = 0xdeadbeefcafebabe

	r.SetReg32(RAX, 0x11223344)
	assert.Equal(t, uint64(0x11223344), r.Gpr[RAX], "SetReg32 must zero-extend")

	r.Gpr[RAX] = 0x1122334455667788
	r.SetReg8(RAX, 0xff)
	assert.Equal(t, uint64(0x11223344556677ff), r.Gpr[RAX])

	r.Gpr[RAX] = 0x1122334455667788
	r.SetReg16(RAX, 0xbeef)
	assert.Equal(t, uint64(0x112233445566beef), r.Gpr[RAX])

	r.Gpr[RAX] = 0x1122334455667788
	r.SetReg8High(RAX, 0xaa)
	assert.Equal(t, uint8(0xaa), r.Reg8High(RAX))
}
