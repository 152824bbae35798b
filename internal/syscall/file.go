package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/fengjixuchui/blink/internal/thread"
)

const maxPathLen = 4096

func sysOpen(m *thread.Machine, a args) (int64, Result) {
	path, err := ReadCString(m.Mem, a[0], maxPathLen)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	flags, mode := int(a[1]), uint32(a[2])
	host, oerr := unix.Open(path, flags, mode)
	if oerr != nil {
		return Xlat(oerr), Result{}
	}
	cloexec := flags&unix.O_CLOEXEC != 0
	fd := m.System.Fds.Install(host, cloexec)
	return int64(fd), Result{}
}

func sysClose(m *thread.Machine, a args) (int64, Result) {
	fd, ok := m.System.Fds.Close(int32(a[0]))
	if !ok {
		return -int64(unix.EBADF), Result{}
	}
	if err := unix.Close(fd.Host); err != nil {
		return Xlat(err), Result{}
	}
	return 0, Result{}
}

func sysRead(m *thread.Machine, a args) (int64, Result) {
	fd, ok := m.System.Fds.Get(int32(a[0]))
	if !ok {
		return -int64(unix.EBADF), Result{}
	}
	n := int(a[2])
	buf := make([]byte, n)
	got, err := unix.Read(fd.Host, buf)
	if err != nil {
		return Xlat(err), Result{}
	}
	if err := SchlepW(m.Mem, a[1], buf[:got]); err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return int64(got), Result{}
}

func sysWrite(m *thread.Machine, a args) (int64, Result) {
	fd, ok := m.System.Fds.Get(int32(a[0]))
	if !ok {
		return -int64(unix.EBADF), Result{}
	}
	buf, err := SchlepR(m.Mem, a[1], int(a[2]))
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	n, werr := unix.Write(fd.Host, buf)
	if werr != nil {
		return Xlat(werr), Result{}
	}
	return int64(n), Result{}
}

func sysPread64(m *thread.Machine, a args) (int64, Result) {
	fd, ok := m.System.Fds.Get(int32(a[0]))
	if !ok {
		return -int64(unix.EBADF), Result{}
	}
	buf := make([]byte, int(a[2]))
	got, err := unix.Pread(fd.Host, buf, int64(a[3]))
	if err != nil {
		return Xlat(err), Result{}
	}
	if err := SchlepW(m.Mem, a[1], buf[:got]); err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return int64(got), Result{}
}

func sysPwrite64(m *thread.Machine, a args) (int64, Result) {
	fd, ok := m.System.Fds.Get(int32(a[0]))
	if !ok {
		return -int64(unix.EBADF), Result{}
	}
	buf, err := SchlepR(m.Mem, a[1], int(a[2]))
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	n, werr := unix.Pwrite(fd.Host, buf, int64(a[3]))
	if werr != nil {
		return Xlat(werr), Result{}
	}
	return int64(n), Result{}
}

func sysLseek(m *thread.Machine, a args) (int64, Result) {
	fd, ok := m.System.Fds.Get(int32(a[0]))
	if !ok {
		return -int64(unix.EBADF), Result{}
	}
	off, err := unix.Seek(fd.Host, int64(a[1]), int(a[2]))
	if err != nil {
		return Xlat(err), Result{}
	}
	return off, Result{}
}

func le32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// statToGuest lays out struct stat the x86-64 Linux way (spec's ABI
// target), regardless of what layout the host arch's unix.Stat_t uses.
func statToGuest(st *unix.Stat_t) []byte {
	buf := make([]byte, 144)
	le64(buf[0:8], st.Dev)
	le64(buf[8:16], st.Ino)
	le64(buf[16:24], uint64(st.Nlink))
	le32(buf[24:28], st.Mode)
	le32(buf[28:32], st.Uid)
	le32(buf[32:36], st.Gid)
	le64(buf[40:48], st.Rdev)
	le64(buf[48:56], uint64(st.Size))
	le64(buf[56:64], uint64(st.Blksize))
	le64(buf[64:72], uint64(st.Blocks))
	le64(buf[72:80], uint64(st.Atim.Sec))
	le64(buf[80:88], uint64(st.Atim.Nsec))
	le64(buf[88:96], uint64(st.Mtim.Sec))
	le64(buf[96:104], uint64(st.Mtim.Nsec))
	le64(buf[104:112], uint64(st.Ctim.Sec))
	le64(buf[112:120], uint64(st.Ctim.Nsec))
	return buf
}

func sysFstat(m *thread.Machine, a args) (int64, Result) {
	fd, ok := m.System.Fds.Get(int32(a[0]))
	if !ok {
		return -int64(unix.EBADF), Result{}
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd.Host, &st); err != nil {
		return Xlat(err), Result{}
	}
	if err := SchlepW(m.Mem, a[1], statToGuest(&st)); err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return 0, Result{}
}

func sysStat(m *thread.Machine, a args) (int64, Result) {
	path, err := ReadCString(m.Mem, a[0], maxPathLen)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	var st unix.Stat_t
	if serr := unix.Stat(path, &st); serr != nil {
		return Xlat(serr), Result{}
	}
	if werr := SchlepW(m.Mem, a[1], statToGuest(&st)); werr != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return 0, Result{}
}

func sysLstat(m *thread.Machine, a args) (int64, Result) {
	path, err := ReadCString(m.Mem, a[0], maxPathLen)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	var st unix.Stat_t
	if serr := unix.Lstat(path, &st); serr != nil {
		return Xlat(serr), Result{}
	}
	if werr := SchlepW(m.Mem, a[1], statToGuest(&st)); werr != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return 0, Result{}
}

func sysAccess(m *thread.Machine, a args) (int64, Result) {
	path, err := ReadCString(m.Mem, a[0], maxPathLen)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	if aerr := unix.Access(path, uint32(a[1])); aerr != nil {
		return Xlat(aerr), Result{}
	}
	return 0, Result{}
}

func sysDup(m *thread.Machine, a args) (int64, Result) {
	fd, ok := m.System.Fds.Get(int32(a[0]))
	if !ok {
		return -int64(unix.EBADF), Result{}
	}
	newHost, err := unix.Dup(fd.Host)
	if err != nil {
		return Xlat(err), Result{}
	}
	return int64(m.System.Fds.Install(newHost, false)), Result{}
}

func sysDup2(m *thread.Machine, a args) (int64, Result) {
	fd, ok := m.System.Fds.Get(int32(a[0]))
	if !ok {
		return -int64(unix.EBADF), Result{}
	}
	m.System.Fds.Close(int32(a[1]))
	newHost, err := unix.Dup(fd.Host)
	if err != nil {
		return Xlat(err), Result{}
	}
	m.System.Fds.InstallAt(int32(a[1]), newHost, false)
	return int64(a[1]), Result{}
}

func sysPipe(m *thread.Machine, a args) (int64, Result) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return Xlat(err), Result{}
	}
	g0 := m.System.Fds.Install(fds[0], false)
	g1 := m.System.Fds.Install(fds[1], false)
	buf := make([]byte, 8)
	le64(buf[0:4], uint64(uint32(g0)))
	le64(buf[4:8], uint64(uint32(g1)))
	if err := SchlepW(m.Mem, a[0], buf); err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return 0, Result{}
}

func sysFcntl(m *thread.Machine, a args) (int64, Result) {
	fd, ok := m.System.Fds.Get(int32(a[0]))
	if !ok {
		return -int64(unix.EBADF), Result{}
	}
	const fDupfd, fGetfd, fSetfd, fDupfdCloexec = 0, 1, 2, 1030
	switch a[1] {
	case fGetfd:
		if fd.CloExec {
			return 1, Result{}
		}
		return 0, Result{}
	case fSetfd:
		fd.CloExec = a[2]&1 != 0
		return 0, Result{}
	case fDupfd, fDupfdCloexec:
		newHost, err := unix.Dup(fd.Host)
		if err != nil {
			return Xlat(err), Result{}
		}
		return int64(m.System.Fds.Install(newHost, a[1] == fDupfdCloexec)), Result{}
	default:
		ret, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd.Host), uintptr(a[1]), uintptr(a[2]))
		if errno != 0 {
			return Xlat(errno), Result{}
		}
		return int64(ret), Result{}
	}
}

func sysIoctl(m *thread.Machine, a args) (int64, Result) {
	fd, ok := m.System.Fds.Get(int32(a[0]))
	if !ok {
		return -int64(unix.EBADF), Result{}
	}
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd.Host), uintptr(a[1]), uintptr(a[2]))
	if errno != 0 {
		return Xlat(errno), Result{}
	}
	return int64(ret), Result{}
}

func sysGetcwd(m *thread.Machine, a args) (int64, Result) {
	cwd := m.System.Cwd
	if cwd == "" {
		var err error
		cwd, err = unix.Getwd()
		if err != nil {
			return Xlat(err), Result{}
		}
	}
	b := append([]byte(cwd), 0)
	if len(b) > int(a[1]) {
		return -int64(unix.ERANGE), Result{}
	}
	if err := SchlepW(m.Mem, a[0], b); err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return int64(len(b)), Result{}
}

func sysMkdir(m *thread.Machine, a args) (int64, Result) {
	path, err := ReadCString(m.Mem, a[0], maxPathLen)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	if merr := unix.Mkdir(path, uint32(a[1])); merr != nil {
		return Xlat(merr), Result{}
	}
	return 0, Result{}
}

func sysUnlink(m *thread.Machine, a args) (int64, Result) {
	path, err := ReadCString(m.Mem, a[0], maxPathLen)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	if uerr := unix.Unlink(path); uerr != nil {
		return Xlat(uerr), Result{}
	}
	return 0, Result{}
}

func sysReadlink(m *thread.Machine, a args) (int64, Result) {
	path, err := ReadCString(m.Mem, a[0], maxPathLen)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	buf := make([]byte, int(a[2]))
	n, rerr := unix.Readlink(path, buf)
	if rerr != nil {
		return Xlat(rerr), Result{}
	}
	if werr := SchlepW(m.Mem, a[1], buf[:n]); werr != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return int64(n), Result{}
}
