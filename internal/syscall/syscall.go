package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/fengjixuchui/blink/internal/cpu"
	"github.com/fengjixuchui/blink/internal/sysv"
	"github.com/fengjixuchui/blink/internal/thread"
)

// args bundles the six integer syscall arguments read off the guest
// register file in x86-64 Linux ABI order: RDI, RSI, RDX, R10, R8, R9
// (R10 standing in for RCX, which the `syscall` instruction itself
// clobbers with the return address).
type args [6]uint64

// Result reports side effects Dispatch can't express purely as a return
// value written to RAX: a freshly spawned thread the caller must start
// running, or that the calling thread should stop being stepped at all.
type Result struct {
	Spawned   *thread.Machine
	Exited    bool
	ExitGroup bool
	ExitCode  int32

	// PreserveRax is set by rt_sigreturn: the frame SigReturn restored
	// already put the guest's pre-signal RAX back in place, so Dispatch
	// must not overwrite it with this handler's own return value.
	PreserveRax bool
}

// handlerFn implements one guest syscall number's semantics. It returns
// the raw value to place in RAX (a negative guest errno on failure, by
// convention already translated via Xlat) plus any Result side effect.
type handlerFn func(m *thread.Machine, a args) (int64, Result)

// Dispatcher translates guest syscalls into host operations (spec C11).
// It is stateless: every syscall reads what it needs off the Machine
// (for Mem/Regs) or the Machine's System (for Fds/Bus/Mem.Space/locks).
type Dispatcher struct {
	table map[uint64]handlerFn
}

func New() *Dispatcher {
	d := &Dispatcher{table: make(map[uint64]handlerFn, 64)}
	d.register()
	return d
}

func (d *Dispatcher) register() {
	d.table[Read] = sysRead
	d.table[Write] = sysWrite
	d.table[Open] = sysOpen
	d.table[Close] = sysClose
	d.table[Stat] = sysStat
	d.table[Fstat] = sysFstat
	d.table[Lstat] = sysLstat
	d.table[Poll] = sysPoll
	d.table[Lseek] = sysLseek
	d.table[Mmap] = sysMmap
	d.table[Mprotect] = sysMprotect
	d.table[Munmap] = sysMunmap
	d.table[Brk] = sysBrk
	d.table[RtSigaction] = sysRtSigaction
	d.table[RtSigprocmask] = sysRtSigprocmask
	d.table[RtSigreturn] = sysRtSigreturn
	d.table[Ioctl] = sysIoctl
	d.table[Pread64] = sysPread64
	d.table[Pwrite64] = sysPwrite64
	d.table[Access] = sysAccess
	d.table[Pipe] = sysPipe
	d.table[Select] = sysSelect
	d.table[SchedYield] = sysSchedYield
	d.table[Dup] = sysDup
	d.table[Dup2] = sysDup2
	d.table[Nanosleep] = sysNanosleep
	d.table[Getpid] = sysGetpid
	d.table[Clone] = sysClone
	d.table[Fork] = sysFork
	d.table[Vfork] = sysVfork
	d.table[Execve] = sysExecve
	d.table[Exit] = sysExit
	d.table[Wait4] = sysWait4
	d.table[Kill] = sysKill
	d.table[Uname] = sysUname
	d.table[Fcntl] = sysFcntl
	d.table[Getcwd] = sysGetcwd
	d.table[Mkdir] = sysMkdir
	d.table[Unlink] = sysUnlink
	d.table[Readlink] = sysReadlink
	d.table[Getrlimit] = sysGetrlimit
	d.table[Getuid] = sysGetuid
	d.table[Getgid] = sysGetgid
	d.table[Geteuid] = sysGeteuid
	d.table[Getegid] = sysGetegid
	d.table[Getppid] = sysGetppid
	d.table[Prctl] = sysPrctl
	d.table[ArchPrctl] = sysArchPrctl
	d.table[Gettid] = sysGettid
	d.table[Futex] = sysFutex
	d.table[SetTidAddress] = sysSetTidAddress
	d.table[ExitGroup] = sysExitGroup
	d.table[ClockGettime] = sysClockGettime
	d.table[Tgkill] = sysTgkill
	d.table[SetRobustList] = sysSetRobustList
	d.table[Pselect6] = sysPselect6
	d.table[Ppoll] = sysPpoll
}

// Dispatch runs the syscall the guest just trapped into (m.Regs.Gpr[RAX]
// holds the number, as left there by the `syscall` instruction's handler
// per spec §4.7), writes its return value into RAX the same way the real
// kernel's sysret path does, and reports any side effect the actor loop
// must act on (a new thread to start, or this thread stopping).
func (d *Dispatcher) Dispatch(m *thread.Machine) Result {
	nr := m.Regs.Gpr[cpu.RAX]
	a := args{
		m.Regs.Gpr[cpu.RDI], m.Regs.Gpr[cpu.RSI], m.Regs.Gpr[cpu.RDX],
		m.Regs.Gpr[cpu.R10], m.Regs.Gpr[cpu.R8], m.Regs.Gpr[cpu.R9],
	}
	h, ok := d.table[nr]
	if !ok {
		m.Regs.Gpr[cpu.RAX] = uint64(-int64(unix.ENOSYS))
		return Result{}
	}
	ret, res := h(m, a)
	if !res.Exited && !res.ExitGroup && !res.PreserveRax {
		m.Regs.Gpr[cpu.RAX] = uint64(ret)
	}
	return res
}

func sysSchedYield(m *thread.Machine, a args) (int64, Result) { return 0, Result{} }

func sysGetpid(m *thread.Machine, a args) (int64, Result) {
	return int64(unix.Getpid()), Result{}
}

func sysGettid(m *thread.Machine, a args) (int64, Result) {
	return int64(m.TID), Result{}
}

func sysGetppid(m *thread.Machine, a args) (int64, Result) {
	return int64(unix.Getppid()), Result{}
}

func sysGetuid(m *thread.Machine, a args) (int64, Result)  { return int64(m.System.Creds.UID), Result{} }
func sysGetgid(m *thread.Machine, a args) (int64, Result)  { return int64(m.System.Creds.GID), Result{} }
func sysGeteuid(m *thread.Machine, a args) (int64, Result) { return int64(m.System.Creds.EUID), Result{} }
func sysGetegid(m *thread.Machine, a args) (int64, Result) { return int64(m.System.Creds.EGID), Result{} }

func sysExit(m *thread.Machine, a args) (int64, Result) {
	return 0, Result{Exited: true, ExitCode: int32(a[0])}
}

func sysExitGroup(m *thread.Machine, a args) (int64, Result) {
	return 0, Result{Exited: true, ExitGroup: true, ExitCode: int32(a[0])}
}

func sysKill(m *thread.Machine, a args) (int64, Result) {
	pid, sig := int32(a[0]), int(a[1])
	if sig == 0 {
		return 0, Result{}
	}
	if pid == int32(unix.Getpid()) {
		m.System.BroadcastSignal(1 << uint(sig))
		return 0, Result{}
	}
	if err := unix.Kill(int(pid), unix.Signal(sig)); err != nil {
		return Xlat(err), Result{}
	}
	return 0, Result{}
}

func sysTgkill(m *thread.Machine, a args) (int64, Result) {
	tid, sig := int32(a[1]), int(a[2])
	if !m.System.SignalThread(tid, 1<<uint(sig)) {
		return -int64(unix.ESRCH), Result{}
	}
	return 0, Result{}
}

func sysSetTidAddress(m *thread.Machine, a args) (int64, Result) {
	m.Ctid = a[0]
	return int64(m.TID), Result{}
}

func sysSetRobustList(m *thread.Machine, a args) (int64, Result) {
	m.RobustListHead = a[0]
	return 0, Result{}
}

func sysArchPrctl(m *thread.Machine, a args) (int64, Result) {
	const (
		archSetFS = 0x1002
		archGetFS = 0x1003
		archSetGS = 0x1001
		archGetGS = 0x1004
	)
	switch a[0] {
	case archSetFS:
		m.Regs.FsBase = a[1]
	case archSetGS:
		m.Regs.GsBase = a[1]
	case archGetFS:
		if err := m.Mem.Write64(a[1], m.Regs.FsBase); err != nil {
			return -int64(unix.EFAULT), Result{}
		}
	case archGetGS:
		if err := m.Mem.Write64(a[1], m.Regs.GsBase); err != nil {
			return -int64(unix.EFAULT), Result{}
		}
	default:
		return -int64(unix.EINVAL), Result{}
	}
	return 0, Result{}
}

func sysPrctl(m *thread.Machine, a args) (int64, Result) {
	return 0, Result{}
}

func sysClockGettime(m *thread.Machine, a args) (int64, Result) {
	var ts unix.Timespec
	clockID := int32(a[0])
	if err := unix.ClockGettime(clockID, &ts); err != nil {
		return Xlat(err), Result{}
	}
	buf := make([]byte, 16)
	le64(buf[0:8], uint64(ts.Sec))
	le64(buf[8:16], uint64(ts.Nsec))
	if err := SchlepW(m.Mem, a[1], buf); err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return 0, Result{}
}

func le64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func sysGetrlimit(m *thread.Machine, a args) (int64, Result) {
	res := int(a[0])
	rl, ok := m.System.Rlimits[res]
	if !ok {
		rl = sysv.Rlimit{Cur: 1 << 20, Max: 1 << 20}
	}
	buf := make([]byte, 16)
	le64(buf[0:8], rl.Cur)
	le64(buf[8:16], rl.Max)
	if err := SchlepW(m.Mem, a[1], buf); err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return 0, Result{}
}

func sysUname(m *thread.Machine, a args) (int64, Result) {
	fields := []string{"Linux", "blink", "6.1.0", "#1 SMP", "x86_64", ""}
	const fieldLen = 65
	buf := make([]byte, fieldLen*6)
	for i, s := range fields {
		copy(buf[i*fieldLen:], s)
	}
	if err := SchlepW(m.Mem, a[0], buf); err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return 0, Result{}
}
