package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/fengjixuchui/blink/internal/cpu"
	"github.com/fengjixuchui/blink/internal/path"
	"github.com/fengjixuchui/blink/internal/thread"
)

// cloneVM is the one Linux clone(2) flag this model branches on: every fd
// table is already process-wide (CLONE_FILES has no separate meaning
// here) and CLONE_THREAD only affects getpid()/thread-group accounting
// this emulator doesn't track independently of cloneVM's address-space
// split.
const cloneVM = 0x00000100

// startChild copies the parent's register file into a freshly spawned
// Machine, zeroing its return value (the fork/clone "0 in the child"
// convention) and pointing it at the instruction right after the
// syscall, same as the parent resumes at (spec §4.7's clone/fork
// description: both sides continue from the trap return address).
func startChild(parent *thread.Machine, child *thread.Machine, newSP uint64) {
	child.Regs = parent.Regs
	child.Regs.Gpr[cpu.RAX] = 0
	if newSP != 0 {
		child.Regs.Gpr[cpu.RSP] = newSP
	}
	child.PC = parent.PC
	child.OldPC = parent.PC
}

// sysClone implements the CLONE_THREAD-shaped case (spec §5's lock
// ordering governs acquisition, but this model's System fields already
// carry their own locks taken by the lower-level calls this touches —
// Spawn's AddMachine, NextThreadID — so no extra locking is needed here
// beyond what those already do). Only same-address-space, same-System
// clone (pthread_create's shape) is modeled; CLONE_VM unset falls
// through to the fork-shaped path below since that's what glibc's own
// fork(2) wrapper actually passes to the clone syscall.
func sysClone(m *thread.Machine, a args) (int64, Result) {
	flags, newSP := a[0], a[1]
	if flags&cloneVM == 0 {
		return doFork(m, newSP)
	}
	// CLONE_VM without CLONE_THREAD (vfork-with-shared-memory) isn't
	// meaningfully different from CLONE_VM|CLONE_THREAD for this model's
	// purposes: both share Mem/System and differ only in thread-group
	// accounting this emulator doesn't track separately.
	child := thread.Spawn(m.System, m.Mem.Space, m.PathBuilder)
	startChild(m, child, newSP)
	return int64(child.TID), Result{Spawned: child}
}

func doFork(m *thread.Machine, newSP uint64) (int64, Result) {
	m.System.ExecLock.Lock()
	defer m.System.ExecLock.Unlock()

	childSpace := m.System.Mem.Fork()
	childSys := m.System.Fork(childSpace, m.System.Jit.ImageEnd(), m.System.Jit.Proximity(), m.System.Jit.Leeway())
	childSpace.OnExecutable = func(lo, hi uint64) { childSys.Jit.Hooks.Clear(lo, hi) }
	builder := path.New(childSys.Jit)

	child := thread.Spawn(childSys, childSpace, builder)
	startChild(m, child, newSP)
	return int64(child.TID), Result{Spawned: child}
}

func sysFork(m *thread.Machine, a args) (int64, Result) {
	return doFork(m, 0)
}

func sysVfork(m *thread.Machine, a args) (int64, Result) {
	// Modeled identically to fork: this emulator always runs each Machine
	// on its own goroutine, so there is no host-stack-sharing trick to
	// perform and no benefit to vfork's usual copy-avoidance. The guest
	// only observes blocking until exec/exit, which isn't distinguishable
	// from fork's semantics at this layer.
	return doFork(m, 0)
}

// sysExecve closes CLOEXEC fds, resets signal dispositions, and hands
// target/argv/envp to sys.ExecCallback, which the process-level setup code
// (cmd/blink) injects rather than this package importing it, keeping
// internal/syscall from depending on internal/elfload. It returns ENOSYS
// when no callback is set and the translated callback error otherwise.
// The callback cmd/blink installs does not load a new image: it always
// returns an error, so execve fails after the fds are closed and the
// dispositions reset. There is no fallback to the host execve.
func sysExecve(m *thread.Machine, a args) (int64, Result) {
	target, err := ReadCString(m.Mem, a[0], maxPathLen)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	argv, err := ReadPtrArray(m.Mem, a[1], 4096, maxPathLen)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	envp, err := ReadPtrArray(m.Mem, a[2], 4096, maxPathLen)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}

	m.System.ExecLock.Lock()
	defer m.System.ExecLock.Unlock()

	if m.System.ExecCallback == nil {
		return -int64(unix.ENOSYS), Result{}
	}
	for _, fd := range m.System.Fds.CloseOnExec() {
		unix.Close(fd.Host)
	}
	m.System.ResetDispositions()
	if cerr := m.System.ExecCallback(target, argv, envp); cerr != nil {
		return Xlat(cerr), Result{}
	}
	return 0, Result{}
}

func sysWait4(m *thread.Machine, a args) (int64, Result) {
	pid, statusVA, options := int(a[0]), a[1], int(a[2])
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, options, nil)
	if err != nil {
		return Xlat(err), Result{}
	}
	if statusVA != 0 {
		buf := make([]byte, 4)
		le32(buf, uint32(ws))
		if werr := SchlepW(m.Mem, statusVA, buf); werr != nil {
			return -int64(unix.EFAULT), Result{}
		}
	}
	return int64(got), Result{}
}
