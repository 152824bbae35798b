package sysv

import (
	"sync"

	"github.com/fengjixuchui/blink/internal/jit"
	"github.com/fengjixuchui/blink/internal/vmem"
)

// Thread id range guest threads are drawn from (spec §3: "a fixed range
// [kMinThreadId, kMinThreadId + kMaxThreadIds)").
const (
	MinThreadID = 1000
	MaxThreadIDs = 1 << 20
)

// Rlimit mirrors one POSIX resource limit pair.
type Rlimit struct {
	Cur, Max uint64
}

// Fd is one entry in System's descriptor table: the host fd plus the
// CLOEXEC bit execve needs to honor.
type Fd struct {
	Host    int
	CloExec bool
}

// FdTable is System's fd table, with its own lock (spec §3: "fd table
// with its own lock").
type FdTable struct {
	mu      sync.Mutex
	entries map[int32]*Fd
	next    int32
}

func newFdTable() *FdTable {
	return &FdTable{entries: make(map[int32]*Fd)}
}

func (t *FdTable) Install(host int, cloexec bool) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.entries[fd] = &Fd{Host: host, CloExec: cloexec}
	return fd
}

// InstallAt installs host at exactly fd (dup2's contract), overwriting
// whatever was there; the caller is responsible for closing the old
// entry's host fd first if it wants dup2's close-before-reuse semantics.
func (t *FdTable) InstallAt(fd int32, host int, cloexec bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[fd] = &Fd{Host: host, CloExec: cloexec}
	if fd >= t.next {
		t.next = fd + 1
	}
}

func (t *FdTable) Get(fd int32) (*Fd, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[fd]
	return f, ok
}

func (t *FdTable) Close(fd int32) (*Fd, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[fd]
	if ok {
		delete(t.entries, fd)
	}
	return f, ok
}

// CloseOnExec closes (returning) every fd marked CLOEXEC, for execve.
func (t *FdTable) CloseOnExec() []*Fd {
	t.mu.Lock()
	defer t.mu.Unlock()
	var closed []*Fd
	for fd, f := range t.entries {
		if f.CloExec {
			closed = append(closed, f)
			delete(t.entries, fd)
		}
	}
	return closed
}

// SigDisposition is one of System's 64 guest signal dispositions.
type SigDisposition struct {
	Handler   uint64 // guest address, or SIG_DFL/SIG_IGN sentinels
	Flags     uint64
	Mask      uint64
	Restorer  uint64
}

// System is the process-wide singleton spec §3 describes, duplicated on
// fork. Lock acquisition order across its fields must follow spec §5:
// exec_lock -> sig_lock -> mmap_lock -> fds.lock -> machines_lock ->
// bus.lock -> jit.lock.
type System struct {
	ExecLock sync.Mutex

	sigLock sync.Mutex
	sigDisp [64]SigDisposition

	MmapLock sync.Mutex
	Mem      *vmem.Space

	Fds *FdTable

	machinesLock sync.Mutex
	machines     []MachineHandle
	nextTID      int32

	Bus *Bus
	Jit *jit.Jit

	Brk uint64

	Cwd   string
	Creds Credentials

	GdtBase, IdtBase uint64
	Rlimits          map[int]Rlimit

	ExecCallback func(path string, argv, envp []string) error
}

// MachineHandle is the minimal view System needs of a live Machine: just
// enough to walk the list for signal broadcast and TLB invalidation
// without sysv importing internal/thread (which imports sysv).
type MachineHandle interface {
	ThreadID() int32
	InvalidateTLB()
	EnqueueSignal(bit uint64)
}

type Credentials struct {
	UID, GID, EUID, EGID uint32
}

// New constructs a fresh System for the loader. imageEnd/proximity/leeway
// parameterize the JIT's proximate-address cursor (spec §4.4).
func New(space *vmem.Space, imageEnd uintptr, proximity, leeway uintptr) *System {
	return &System{
		Mem:     space,
		Fds:     newFdTable(),
		Bus:     NewBus(),
		Jit:     jit.New(imageEnd, proximity, leeway),
		nextTID: MinThreadID,
		Rlimits: make(map[int]Rlimit),
	}
}

// NextThreadID allocates the next id in [MinThreadID, MinThreadID+MaxThreadIDs).
func (s *System) NextThreadID() int32 {
	s.machinesLock.Lock()
	defer s.machinesLock.Unlock()
	id := s.nextTID
	s.nextTID++
	if s.nextTID >= MinThreadID+MaxThreadIDs {
		s.nextTID = MinThreadID
	}
	return id
}

func (s *System) AddMachine(m MachineHandle) {
	s.machinesLock.Lock()
	defer s.machinesLock.Unlock()
	s.machines = append(s.machines, m)
}

func (s *System) RemoveMachine(m MachineHandle) {
	s.machinesLock.Lock()
	defer s.machinesLock.Unlock()
	for i, x := range s.machines {
		if x.ThreadID() == m.ThreadID() {
			s.machines = append(s.machines[:i], s.machines[i+1:]...)
			return
		}
	}
}

// InvalidateSystem resets every other Machine's TLB (spec §4.3), called
// after a protection change or mapping shrink under MmapLock.
func (s *System) InvalidateSystem(except MachineHandle) {
	s.machinesLock.Lock()
	defer s.machinesLock.Unlock()
	for _, m := range s.machines {
		if except != nil && m.ThreadID() == except.ThreadID() {
			continue
		}
		m.InvalidateTLB()
	}
}

// BroadcastSignal enqueues bit into every live Machine's pending-signal
// bitmap (process-wide signals like SIGTERM sent via kill(pid, sig)).
func (s *System) BroadcastSignal(bit uint64) {
	s.machinesLock.Lock()
	defer s.machinesLock.Unlock()
	for _, m := range s.machines {
		m.EnqueueSignal(bit)
	}
}

// SignalThread enqueues bit into exactly one thread's pending-signal
// bitmap (tgkill's contract), returning false if tid names no live
// Machine.
func (s *System) SignalThread(tid int32, bit uint64) bool {
	s.machinesLock.Lock()
	defer s.machinesLock.Unlock()
	for _, m := range s.machines {
		if m.ThreadID() == tid {
			m.EnqueueSignal(bit)
			return true
		}
	}
	return false
}

func (s *System) Disposition(sig int) SigDisposition {
	s.sigLock.Lock()
	defer s.sigLock.Unlock()
	return s.sigDisp[sig]
}

func (s *System) SetDisposition(sig int, d SigDisposition) {
	s.sigLock.Lock()
	defer s.sigLock.Unlock()
	s.sigDisp[sig] = d
}

// ResetDispositions restores every signal to SIG_DFL, called by execve
// (spec §4.7: "resets timer and signal dispositions").
func (s *System) ResetDispositions() {
	s.sigLock.Lock()
	defer s.sigLock.Unlock()
	for i := range s.sigDisp {
		s.sigDisp[i] = SigDisposition{}
	}
}

// Fork duplicates System for a fork(2)-shaped clone: a fresh fd table
// sharing the same host fds, fresh signal dispositions copy, a brand new
// JIT (the child's proximate region is independent of the parent's), and
// an empty machines list the child re-populates with its single thread.
// Callers must already hold the locks in spec §5's order before forking
// the host process.
func (s *System) Fork(space *vmem.Space, imageEnd uintptr, proximity, leeway uintptr) *System {
	child := New(space, imageEnd, proximity, leeway)
	s.sigLock.Lock()
	child.sigDisp = s.sigDisp
	s.sigLock.Unlock()
	s.Fds.mu.Lock()
	for fd, f := range s.Fds.entries {
		child.Fds.entries[fd] = &Fd{Host: f.Host, CloExec: f.CloExec}
	}
	child.Fds.next = s.Fds.next
	s.Fds.mu.Unlock()
	child.Brk = s.Brk
	child.Cwd = s.Cwd
	child.Creds = s.Creds
	child.GdtBase, child.IdtBase = s.GdtBase, s.IdtBase
	return child
}
