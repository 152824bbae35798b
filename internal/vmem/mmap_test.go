package vmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMmapMunmapRoundTrip covers spec §8's mmap/munmap round-trip law: a
// region mapped then unmapped leaves no present leaf behind, and a
// subsequent access through the same TLB misses rather than returning
// stale data.
func TestMmapMunmapRoundTrip(t *testing.T) {
	s := NewSpace(Limits{})
	tlb := &ThreadTLB{}
	s.RegisterTLB(tlb)

	addr, err := s.SysMmap(0, PageSize, ProtRead|ProtWrite, MapAnonymous, -1, 0, false)
	require.NoError(t, err)
	require.NotZero(t, addr)

	host, pte := s.Touch(addr, tlb)
	require.NotNil(t, host)
	require.NotNil(t, pte)
	assert.Equal(t, uint64(1), s.Vss())

	require.NoError(t, s.SysMunmap(addr, PageSize))

	_, pte2 := s.Lookup(addr, tlb)
	assert.Nil(t, pte2, "unmapped address must miss after munmap")
}

func TestSysMmapRejectsZeroSize(t *testing.T) {
	s := NewSpace(Limits{})
	_, err := s.SysMmap(0, 0, ProtRead, MapAnonymous, -1, 0, false)
	assert.Error(t, err)
}

func TestSysMmapRejectsUnwritableSharedFile(t *testing.T) {
	s := NewSpace(Limits{})
	_, err := s.SysMmap(0, PageSize, ProtRead|ProtWrite, MapShared, 3, 0, false)
	assert.Error(t, err, "writable MAP_SHARED over a non-writable fd must be rejected")
}

func TestSysMmapEnforcesVssLimit(t *testing.T) {
	s := NewSpace(Limits{MaxVss: 1})
	_, err := s.SysMmap(0, 2*PageSize, ProtRead|ProtWrite, MapAnonymous, -1, 0, false)
	assert.Error(t, err)
}

// TestSysBrkGrowShrink exercises spec §4.3's brk accounting: growth
// reserves pages, shrink releases them, and the very first call just
// records brkStart without reserving anything.
func TestSysBrkGrowShrink(t *testing.T) {
	s := NewSpace(Limits{})

	first, err := s.SysBrk(0x10000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), first)
	assert.Zero(t, s.Vss())

	grown, err := s.SysBrk(0x10000 + 3*PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000+3*PageSize), grown)
	assert.Equal(t, uint64(3), s.Vss())

	shrunk, err := s.SysBrk(0x10000 + PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000+PageSize), shrunk)
	assert.Equal(t, uint64(1), s.Vss())
}

// TestSysMprotectInvalidatesTLBs verifies any protection change resets
// every registered TLB (spec §4.3), since a cached PTE pointer's Flags
// may now be stale.
func TestSysMprotectInvalidatesTLBs(t *testing.T) {
	s := NewSpace(Limits{})
	tlb := &ThreadTLB{}
	s.RegisterTLB(tlb)

	addr, err := s.SysMmap(0, PageSize, ProtRead|ProtWrite, MapAnonymous, -1, 0, false)
	require.NoError(t, err)

	_, _ = s.Lookup(addr, tlb)
	tlb.insert(addr>>PageShift, &PTE{Flags: PtePresent | PteWritable})
	require.True(t, tlb.valid[(addr>>PageShift)%tlbSize])

	require.NoError(t, s.SysMprotect(addr, PageSize, ProtRead))
	assert.False(t, tlb.valid[(addr>>PageShift)%tlbSize], "mprotect must invalidate every registered TLB")
}

func TestSysMprotectOnUnmappedFails(t *testing.T) {
	s := NewSpace(Limits{})
	err := s.SysMprotect(0x1000, PageSize, ProtRead)
	assert.Error(t, err)
}

// TestForkDeepCopies checks Fork's documented no-COW contract: writing
// into the child's copy must not be observable through the parent.
func TestForkDeepCopies(t *testing.T) {
	s := NewSpace(Limits{})
	tlb := &ThreadTLB{}
	s.RegisterTLB(tlb)

	addr, err := s.SysMmap(0, PageSize, ProtRead|ProtWrite, MapAnonymous, -1, 0, false)
	require.NoError(t, err)
	host, _ := s.Touch(addr, tlb)
	*host = 0x42

	child := s.Fork()
	childTLB := &ThreadTLB{}
	childHost, _ := child.Lookup(addr, childTLB)
	require.NotNil(t, childHost)
	assert.Equal(t, byte(0x42), *childHost)

	*childHost = 0x99
	assert.Equal(t, byte(0x42), *host, "fork must deep-copy, not alias, committed pages")
}

func TestOnExecutableFiresOnMappingAndMprotect(t *testing.T) {
	s := NewSpace(Limits{})
	var seen []uint64
	s.OnExecutable = func(lo, hi uint64) { seen = append(seen, lo, hi) }

	addr, err := s.SysMmap(0, PageSize, ProtRead|ProtExec, MapAnonymous, -1, 0, false)
	require.NoError(t, err)
	require.Len(t, seen, 2)

	seen = nil
	require.NoError(t, s.SysMprotect(addr, PageSize, ProtRead))
	assert.Empty(t, seen, "dropping exec must not re-fire OnExecutable")

	require.NoError(t, s.SysMprotect(addr, PageSize, ProtRead|ProtExec))
	assert.Len(t, seen, 2, "regaining exec must re-fire OnExecutable")
}
