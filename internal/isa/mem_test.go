package isa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengjixuchui/blink/internal/vmem"
)

func newTestMem(t *testing.T) (*Mem, uint64) {
	t.Helper()
	space := vmem.NewSpace(vmem.Limits{})
	tlb := &vmem.ThreadTLB{}
	space.RegisterTLB(tlb)
	stash := &vmem.Stash{}

	addr, err := space.SysMmap(0, 2*vmem.PageSize, vmem.ProtRead|vmem.ProtWrite, vmem.MapAnonymous, -1, 0, false)
	require.NoError(t, err)

	return &Mem{Space: space, TLB: tlb, Stash: stash}, addr
}

// TestReadWriteRoundTrip covers spec §8's read/write round-trip law across
// every width the guest's memory port exposes.
func TestReadWriteRoundTrip(t *testing.T) {
	m, addr := newTestMem(t)

	require.NoError(t, m.Write8(addr, 0xAB))
	v8, err := m.Read8(addr)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAB), v8)

	require.NoError(t, m.Write16(addr+8, 0xBEEF))
	v16, err := m.Read16(addr + 8)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v16)

	require.NoError(t, m.Write32(addr+16, 0xDEADBEEF))
	v32, err := m.Read32(addr + 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)

	require.NoError(t, m.Write64(addr+32, 0x0102030405060708))
	v64, err := m.Read64(addr + 32)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)
}

func TestReadUnmappedFaults(t *testing.T) {
	m, _ := newTestMem(t)
	_, err := m.Read8(0xdead0000)
	assert.ErrorIs(t, err, vmem.ErrUnmapped)
}

func TestWriteReadOnlyPageFaults(t *testing.T) {
	space := vmem.NewSpace(vmem.Limits{})
	tlb := &vmem.ThreadTLB{}
	space.RegisterTLB(tlb)
	addr, err := space.SysMmap(0, vmem.PageSize, vmem.ProtRead, vmem.MapAnonymous, -1, 0, false)
	require.NoError(t, err)
	m := &Mem{Space: space, TLB: tlb, Stash: &vmem.Stash{}}

	_, err = m.Read8(addr)
	require.NoError(t, err, "reading a read-only page is fine")

	err = m.Write8(addr, 1)
	assert.ErrorIs(t, err, vmem.ErrWriteProtected)
}

// TestWriteAcrossPageBoundaryUsesStash exercises spec C3's Stash path: a
// write straddling a page boundary is staged rather than applied
// in-place, and only becomes visible once Commit runs.
func TestWriteAcrossPageBoundaryUsesStash(t *testing.T) {
	m, addr := newTestMem(t)
	boundary := (addr + vmem.PageSize) - 2 // last two bytes of page 0, straddling into page 1

	require.NoError(t, m.Write32(boundary, 0xCAFEBABE))
	assert.True(t, m.Stash.Armed(), "a page-crossing write must be staged, not applied directly")

	v, err := m.Read32(boundary)
	require.NoError(t, err)
	assert.NotEqual(t, uint32(0xCAFEBABE), v, "staged write must not be visible before Commit")

	m.Stash.Commit(m.Space, m.TLB)
	assert.False(t, m.Stash.Armed())

	v, err = m.Read32(boundary)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), v, "committed stash write must now be visible")
}

func TestBytesStopsAtUnmappedPage(t *testing.T) {
	m, addr := newTestMem(t)
	out := make([]byte, vmem.PageSize*3)
	n := m.Bytes(addr, out)
	assert.Equal(t, 2*vmem.PageSize, n, "must stop at the boundary of the unmapped third page")
}

func TestCompareAndSwap(t *testing.T) {
	m, addr := newTestMem(t)
	require.NoError(t, m.Write32(addr, 10))

	ok, err := m.CompareAndSwap32(addr, 10, 20)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.CompareAndSwap32(addr, 10, 30)
	require.NoError(t, err)
	assert.False(t, ok, "stale expected value must fail")

	got, _ := m.Read32(addr)
	assert.Equal(t, uint32(20), got)
}
