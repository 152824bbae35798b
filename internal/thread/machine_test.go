package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengjixuchui/blink/internal/path"
	"github.com/fengjixuchui/blink/internal/sysv"
	"github.com/fengjixuchui/blink/internal/vmem"
)

func newTestMachine(t *testing.T) (*Machine, *vmem.Space) {
	t.Helper()
	space := vmem.NewSpace(vmem.Limits{})
	sys := sysv.New(space, 0x10000000, 1<<31, 1<<24)
	m := Spawn(sys, space, path.New(sys.Jit))
	return m, space
}

// TestSignalDeliverReturnRoundTrip covers spec §4.8's signal-frame
// contract: DeliverSignal redirects execution and stages a restorable
// frame, and SigReturn restores exactly the pre-signal register state.
func TestSignalDeliverReturnRoundTrip(t *testing.T) {
	m, space := newTestMachine(t)
	_, err := space.SysMmap(0x7ffffff00000, 64*1024, vmem.ProtRead|vmem.ProtWrite, vmem.MapFixed|vmem.MapAnonymous, -1, 0, false)
	require.NoError(t, err)

	m.Regs.Gpr[0] = 0xAAAA
	m.PC = 0x400000
	m.Regs.Gpr[4 /* RSP */] = 0x7ffffff08000
	savedMask := uint64(0x2)

	err = m.DeliverSignal(1, 0x500000, 0x500100, 0, false, savedMask)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x500000), m.PC, "PC must redirect to the handler")
	assert.Equal(t, 1, m.sigDepth)

	restoredMask, err := m.SigReturn()
	require.NoError(t, err)
	assert.Equal(t, savedMask, restoredMask)
	assert.Equal(t, uint64(0x400000), m.PC, "PC must be restored to the pre-signal value")
	assert.Equal(t, uint64(0xAAAA), m.Regs.Gpr[0])
	assert.Equal(t, uint64(0x7ffffff08000), m.Regs.Gpr[4])
	assert.Equal(t, 0, m.sigDepth)
	assert.True(t, m.Restored)
}

func TestDeliverSignalRespectsMaxSigDepth(t *testing.T) {
	m, space := newTestMachine(t)
	_, err := space.SysMmap(0x7ffffff00000, 64*1024, vmem.ProtRead|vmem.ProtWrite, vmem.MapFixed|vmem.MapAnonymous, -1, 0, false)
	require.NoError(t, err)
	m.Regs.Gpr[4] = 0x7ffffff08000

	m.sigDepth = MaxSigDepth
	err = m.DeliverSignal(1, 0x500000, 0x500100, 0, false, 0)
	require.NoError(t, err)
	assert.NotEqual(t, uint64(0x500000), m.PC, "delivery must be refused once MaxSigDepth is reached")
}

// TestClaimSignalHonorsMask covers spec §4.8: a masked (blocked) signal
// must never be claimed even if pending.
func TestClaimSignalHonorsMask(t *testing.T) {
	m, _ := newTestMachine(t)
	m.EnqueueSignal(1 << 2)
	m.SetSigMask(1 << 2)
	assert.Zero(t, m.ClaimSignal(), "a blocked signal must not be claimable")

	m.SetSigMask(0)
	assert.Equal(t, uint64(1<<2), m.ClaimSignal())
	assert.Zero(t, m.ClaimSignal(), "claiming must clear the pending bit")
}

// TestExitClearsCtid covers the ctid half of spec's Machine teardown
// contract: Exit clears ctid. The futex wake on it is not observed here.
func TestExitClearsCtid(t *testing.T) {
	m, space := newTestMachine(t)
	addr, err := space.SysMmap(0, vmem.PageSize, vmem.ProtRead|vmem.ProtWrite, vmem.MapAnonymous, -1, 0, false)
	require.NoError(t, err)
	require.NoError(t, m.Mem.Write32(addr, 0xdeadbeef))
	m.Ctid = addr

	m.Exit()

	v, err := m.Mem.Read32(addr)
	require.NoError(t, err)
	assert.Zero(t, v, "Exit must clear ctid")
}

// TestUnwindRobustListDisabledByDefault is the direct regression test for
// the maintainer's gating requirement: with EnableRobustListUnlock at its
// zero value, a thread exiting while still holding a robust-listed futex
// must leave that futex's owner-died bit untouched, mirroring blink's own
// unfinished "if (1) return" in UnlockRobustFutexes.
func TestUnwindRobustListDisabledByDefault(t *testing.T) {
	require.False(t, EnableRobustListUnlock, "must default to off")

	m, space := newTestMachine(t)
	addr, err := space.SysMmap(0, vmem.PageSize, vmem.ProtRead|vmem.ProtWrite, vmem.MapAnonymous, -1, 0, false)
	require.NoError(t, err)

	const futexWord = 0x1234 // tid bits set, no OWNER_DIED
	headAddr := addr + 32
	listEntry := addr + 64
	require.NoError(t, m.Mem.Write32(listEntry-8, futexWord))
	require.NoError(t, m.Mem.Write64(headAddr, listEntry))  // head.next -> the one entry
	require.NoError(t, m.Mem.Write64(listEntry, headAddr))  // entry.next -> back to head, terminating
	m.RobustListHead = headAddr

	m.unwindRobustList()

	got, err := m.Mem.Read32(listEntry - 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(futexWord), got, "disabled robust-list unwinding must not touch the futex word")
}

// TestUnwindRobustListWhenEnabled confirms the CAS-unlock walk itself is a
// real, working implementation once the feature flag is flipped on, not a
// stub behind the gate.
func TestUnwindRobustListWhenEnabled(t *testing.T) {
	m, space := newTestMachine(t)
	addr, err := space.SysMmap(0, vmem.PageSize, vmem.ProtRead|vmem.ProtWrite, vmem.MapAnonymous, -1, 0, false)
	require.NoError(t, err)

	const futexOwnerDied = 0x40000000
	const futexTidMask = 0x3fffffff
	const tid = 777

	headAddr := addr + 32
	listEntry := addr + 64
	require.NoError(t, m.Mem.Write32(listEntry-8, tid))
	require.NoError(t, m.Mem.Write64(headAddr, listEntry))
	require.NoError(t, m.Mem.Write64(listEntry, headAddr))
	m.RobustListHead = headAddr

	EnableRobustListUnlock = true
	defer func() { EnableRobustListUnlock = false }()

	m.unwindRobustList()

	got, err := m.Mem.Read32(listEntry - 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got&futexTidMask, "tid bits must be cleared")
	assert.NotZero(t, got&futexOwnerDied, "FUTEX_OWNER_DIED must be set once enabled")
}

func TestBytesFallsBackToMemoryAndPopulatesCache(t *testing.T) {
	m, space := newTestMachine(t)
	addr, err := space.SysMmap(0, vmem.PageSize, vmem.ProtRead|vmem.ProtWrite, vmem.MapAnonymous, -1, 0, false)
	require.NoError(t, err)
	require.NoError(t, m.Mem.Write32(addr, 0xc3909090))

	out := make([]byte, 4)
	n := m.Bytes(addr, out)
	require.Equal(t, 4, n)

	cached, ok := m.OpCache.Lookup(addr)
	require.True(t, ok, "Bytes must populate the op cache on a miss")
	assert.Equal(t, out, cached)
}
