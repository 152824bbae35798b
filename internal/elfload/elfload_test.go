package elfload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengjixuchui/blink/internal/isa"
	"github.com/fengjixuchui/blink/internal/vmem"
)

// buildELF64 hand-assembles a minimal ET_EXEC, EM_X86_64 image with a
// single PT_LOAD segment covering code bytes, mirroring the byte-layout
// conventions std/compiler/elf_x64.go uses to build one in the opposite
// direction.
func buildELF64(t *testing.T, etype uint16, entry, vaddr uint64, code []byte) []byte {
	t.Helper()
	const (
		ehdrSize = 64
		phdrSize = 56
	)
	buf := make([]byte, ehdrSize+phdrSize+len(code))

	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little-endian
	putU16 := func(off int, v uint16) {
		buf[off], buf[off+1] = byte(v), byte(v>>8)
	}
	putU16(16, etype)
	putU16(18, 0x3e) // EM_X86_64
	putU64(buf[24:32], entry)
	putU64(buf[32:40], ehdrSize) // e_phoff
	putU16(54, phdrSize)
	putU16(56, 1) // e_phnum = 1

	ph := buf[ehdrSize : ehdrSize+phdrSize]
	putU32LE := func(b []byte, v uint32) {
		b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	putU32LE(ph[0:4], 1)          // p_type = PT_LOAD
	putU32LE(ph[4:8], 1|2|4)      // p_flags = R|W|X
	putU64(ph[8:16], ehdrSize+phdrSize) // p_offset
	putU64(ph[16:24], vaddr)
	putU64(ph[32:40], uint64(len(code))) // p_filesz
	putU64(ph[40:48], uint64(len(code))) // p_memsz

	copy(buf[ehdrSize+phdrSize:], code)
	return buf
}

func TestParseRejectsNonELF(t *testing.T) {
	_, err := Parse([]byte("not an elf"))
	assert.Error(t, err)
}

func TestParseRejectsWrongMachine(t *testing.T) {
	data := buildELF64(t, etExec, 0x400000, 0x400000, []byte{0x90})
	data[18], data[19] = 0x03, 0x00 // EM_386 instead of EM_X86_64
	_, err := Parse(data)
	assert.Error(t, err)
}

func TestParseETExec(t *testing.T) {
	code := []byte{0x90, 0x90, 0xc3} // nop; nop; ret
	data := buildELF64(t, etExec, 0x400000, 0x400000, code)

	img, err := Parse(data)
	require.NoError(t, err)
	assert.False(t, img.IsPIE)
	assert.Equal(t, uint64(0x400000), img.Entry)
}

func TestParseETDynIsPIE(t *testing.T) {
	code := []byte{0xc3}
	data := buildELF64(t, etDyn, 0x1000, 0x1000, code)

	img, err := Parse(data)
	require.NoError(t, err)
	assert.True(t, img.IsPIE)
}

// TestMapPlacesPIEAtBias verifies spec §4.1's load-bias convention: an
// ET_DYN image's lowest PT_LOAD vaddr lands at pieBase regardless of its
// link-time vaddr.
func TestMapPlacesPIEAtBias(t *testing.T) {
	code := []byte{0x90, 0xc3}
	data := buildELF64(t, etDyn, 0x1000, 0x1000, code)
	img, err := Parse(data)
	require.NoError(t, err)

	space := vmem.NewSpace(vmem.Limits{})
	entry, brkStart, err := Map(space, img)
	require.NoError(t, err)

	assert.Equal(t, uint64(pieBase), entry, "ET_DYN's lowest PT_LOAD vaddr must land at pieBase")
	assert.GreaterOrEqual(t, brkStart, uint64(pieBase))

	tlb := &vmem.ThreadTLB{}
	space.RegisterTLB(tlb)
	mem := &isa.Mem{Space: space, TLB: tlb, Stash: &vmem.Stash{}}
	b, err := mem.Read8(pieBase)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x90), b)
}

func TestMapETExecUsesLinkTimeVaddr(t *testing.T) {
	code := []byte{0xc3}
	data := buildELF64(t, etExec, 0x400000, 0x400000, code)
	img, err := Parse(data)
	require.NoError(t, err)

	space := vmem.NewSpace(vmem.Limits{})
	entry, _, err := Map(space, img)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400000), entry)
}

// TestStackLayout checks the exec contract from spec's Supplemented ELF64
// loader: argc, argv pointers (NULL-terminated), envp pointers
// (NULL-terminated), then auxv, with the string bytes themselves below.
func TestStackLayout(t *testing.T) {
	space := vmem.NewSpace(vmem.Limits{})
	top := uint64(0x7ffffffff000)
	_, err := space.SysMmap(top-8*vmem.PageSize, 8*vmem.PageSize, vmem.ProtRead|vmem.ProtWrite, vmem.MapFixed|vmem.MapAnonymous, -1, 0, false)
	require.NoError(t, err)

	tlb := &vmem.ThreadTLB{}
	space.RegisterTLB(tlb)
	mem := &isa.Mem{Space: space, TLB: tlb, Stash: &vmem.Stash{}}

	argv := []string{"prog", "-x"}
	envp := []string{"HOME=/root"}
	auxv := []uint64{3, 0, 9, 0x400000, 0, 0}

	sp, err := Stack(mem, top, argv, envp, auxv)
	require.NoError(t, err)
	require.NotZero(t, sp)
	assert.Zero(t, sp%16, "initial SP must be 16-byte aligned")

	argc, err := mem.Read64(sp)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(argv)), argc)

	argvPtr0, err := mem.Read64(sp + 8)
	require.NoError(t, err)
	require.NotZero(t, argvPtr0)

	b := make([]byte, 4)
	n := mem.Bytes(argvPtr0, b)
	require.Equal(t, 4, n)
	assert.Equal(t, "prog", string(b))

	// argv NULL terminator sits at sp+8*(1+len(argv))
	nullOff := sp + 8*(1+uint64(len(argv)))
	null, err := mem.Read64(nullOff)
	require.NoError(t, err)
	assert.Zero(t, null)
}
