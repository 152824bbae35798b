package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/fengjixuchui/blink/internal/thread"
	"github.com/fengjixuchui/blink/internal/vmem"
)

// guestMapFlags translates the Linux MAP_* bit positions (mmap(2)'s
// guest-visible ABI) into vmem.MapFlags, which picks its own bit
// positions for the subset spec §4.3 actually distinguishes.
func guestMapFlags(guest uint64) vmem.MapFlags {
	const (
		mapShared    = 0x01
		mapFixed     = 0x10
		mapAnonymous = 0x20
	)
	var f vmem.MapFlags
	if guest&mapFixed != 0 {
		f |= vmem.MapFixed
	}
	if guest&mapShared != 0 {
		f |= vmem.MapShared
	}
	if guest&mapAnonymous != 0 {
		f |= vmem.MapAnonymous
	}
	return f
}

func sysMmap(m *thread.Machine, a args) (int64, Result) {
	addr, size, prot, flags, fd, off := a[0], a[1], vmem.Prot(a[2]), a[3], int32(a[4]), int64(a[5])
	m.System.MmapLock.Lock()
	defer m.System.MmapLock.Unlock()

	hostFd := -1
	writable := false
	if guestMapFlags(flags)&vmem.MapAnonymous == 0 && fd >= 0 {
		f, ok := m.System.Fds.Get(fd)
		if !ok {
			return -int64(unix.EBADF), Result{}
		}
		hostFd = f.Host
		writable = true
	}
	got, err := m.System.Mem.SysMmap(addr, size, prot, guestMapFlags(flags), hostFd, off, writable)
	if err != nil {
		return -int64(unix.ENOMEM), Result{}
	}
	return int64(got), Result{}
}

func sysMunmap(m *thread.Machine, a args) (int64, Result) {
	m.System.MmapLock.Lock()
	defer m.System.MmapLock.Unlock()
	if err := m.System.Mem.SysMunmap(a[0], a[1]); err != nil {
		return -int64(unix.EINVAL), Result{}
	}
	m.System.InvalidateSystem(nil)
	return 0, Result{}
}

// sysMprotect changes protection and, via Space.OnExecutable (set to
// Jit.Hooks.Clear by cmd/blink and by doFork), invalidates any JIT hook
// published over a range that just became executable again with possibly
// different bytes (spec §4.3 "ClearJitHooks").
func sysMprotect(m *thread.Machine, a args) (int64, Result) {
	m.System.MmapLock.Lock()
	err := m.System.Mem.SysMprotect(a[0], a[1], vmem.Prot(a[2]))
	m.System.MmapLock.Unlock()
	if err != nil {
		return -int64(unix.ENOMEM), Result{}
	}
	return 0, Result{}
}

func sysBrk(m *thread.Machine, a args) (int64, Result) {
	m.System.MmapLock.Lock()
	defer m.System.MmapLock.Unlock()
	newBrk, err := m.System.Mem.SysBrk(a[0])
	if err != nil {
		return int64(m.System.Brk), Result{}
	}
	m.System.Brk = newBrk
	return int64(newBrk), Result{}
}
