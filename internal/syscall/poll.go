package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/fengjixuchui/blink/internal/thread"
)

const pollfdSize = 8 // int32 fd, int16 events, int16 revents

func sysNanosleep(m *thread.Machine, a args) (int64, Result) {
	req, err := SchlepR(m.Mem, a[0], 16)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	sec := int64(le64get(req[0:8]))
	nsec := int64(le64get(req[8:16]))
	ts := unix.Timespec{Sec: sec, Nsec: nsec}
	rem := ts
	if err := unix.Nanosleep(&ts, &rem); err != nil {
		if a[1] != 0 {
			buf := make([]byte, 16)
			le64(buf[0:8], uint64(rem.Sec))
			le64(buf[8:16], uint64(rem.Nsec))
			SchlepW(m.Mem, a[1], buf)
		}
		return Xlat(err), Result{}
	}
	return 0, Result{}
}

func le64get(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// loadPollfds translates a guest struct pollfd[] array into host fds,
// returning the host-facing slice alongside the guest fd each entry
// corresponds to (so results can be written back by position).
func loadPollfds(m *thread.Machine, va uint64, n int) ([]unix.PollFd, []int32, error) {
	guestFds := make([]int32, n)
	host := make([]unix.PollFd, n)
	raw, err := SchlepR(m.Mem, va, n*pollfdSize)
	if err != nil {
		return nil, nil, err
	}
	for i := 0; i < n; i++ {
		off := i * pollfdSize
		gfd := int32(le32get(raw[off : off+4]))
		events := int16(le32get(raw[off+4:off+6]) & 0xffff)
		guestFds[i] = gfd
		hostFd := int32(-1)
		if f, ok := m.System.Fds.Get(gfd); ok {
			hostFd = int32(f.Host)
		}
		host[i] = unix.PollFd{Fd: hostFd, Events: events}
	}
	return host, guestFds, nil
}

func le32get(b []byte) uint32 {
	var v uint32
	for i := 0; i < len(b) && i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}

func storePollResults(m *thread.Machine, va uint64, host []unix.PollFd) error {
	buf := make([]byte, len(host)*pollfdSize)
	for i, p := range host {
		off := i * pollfdSize
		le32(buf[off:off+4], uint32(p.Fd))
		buf[off+4] = byte(p.Events)
		buf[off+5] = byte(p.Events >> 8)
		buf[off+6] = byte(p.Revents)
		buf[off+7] = byte(p.Revents >> 8)
	}
	return SchlepW(m.Mem, va, buf)
}

func sysPoll(m *thread.Machine, a args) (int64, Result) {
	n := int(a[1])
	host, _, err := loadPollfds(m, a[0], n)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	ret, perr := unix.Poll(host, int(int32(a[2])))
	if perr != nil {
		return Xlat(perr), Result{}
	}
	if err := storePollResults(m, a[0], host); err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return int64(ret), Result{}
}

func sysPpoll(m *thread.Machine, a args) (int64, Result) {
	n := int(a[1])
	host, _, err := loadPollfds(m, a[0], n)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	timeoutMs := -1
	if a[2] != 0 {
		ts, terr := SchlepR(m.Mem, a[2], 16)
		if terr != nil {
			return -int64(unix.EFAULT), Result{}
		}
		sec, nsec := le64get(ts[0:8]), le64get(ts[8:16])
		timeoutMs = int(sec*1000 + nsec/1000000)
	}
	ret, perr := unix.Poll(host, timeoutMs)
	if perr != nil {
		return Xlat(perr), Result{}
	}
	if err := storePollResults(m, a[0], host); err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	return int64(ret), Result{}
}

// fdSetWords is the number of 64-bit words in the 1024-bit fd_set layout
// select(2)/pselect6(2) use.
const fdSetWords = 1024 / 64

func loadFdSet(m *thread.Machine, va uint64) ([fdSetWords]uint64, error) {
	var set [fdSetWords]uint64
	if va == 0 {
		return set, nil
	}
	raw, err := SchlepR(m.Mem, va, fdSetWords*8)
	if err != nil {
		return set, err
	}
	for i := range set {
		set[i] = le64get(raw[i*8 : i*8+8])
	}
	return set, nil
}

func fdSetBytes(set [fdSetWords]uint64) []byte {
	buf := make([]byte, fdSetWords*8)
	for i, w := range set {
		le64(buf[i*8:i*8+8], w)
	}
	return buf
}

func testBit(set [fdSetWords]uint64, fd int) bool {
	if fd < 0 || fd >= fdSetWords*64 {
		return false
	}
	return set[fd/64]&(1<<uint(fd%64)) != 0
}

func setBit(set *[fdSetWords]uint64, fd int) {
	set[fd/64] |= 1 << uint(fd%64)
}

func doSelect(m *thread.Machine, nfds int, readVA, writeVA, exceptVA uint64, timeoutMs int) (int64, error) {
	rd, err := loadFdSet(m, readVA)
	if err != nil {
		return 0, err
	}
	wr, err := loadFdSet(m, writeVA)
	if err != nil {
		return 0, err
	}
	ex, err := loadFdSet(m, exceptVA)
	if err != nil {
		return 0, err
	}

	var polled []unix.PollFd
	var guestFds []int32
	for gfd := 0; gfd < nfds; gfd++ {
		var events int16
		if testBit(rd, gfd) {
			events |= unix.POLLIN
		}
		if testBit(wr, gfd) {
			events |= unix.POLLOUT
		}
		if testBit(ex, gfd) {
			events |= unix.POLLPRI
		}
		if events == 0 {
			continue
		}
		f, ok := m.System.Fds.Get(int32(gfd))
		if !ok {
			continue
		}
		polled = append(polled, unix.PollFd{Fd: int32(f.Host), Events: events})
		guestFds = append(guestFds, int32(gfd))
	}

	if _, err := unix.Poll(polled, timeoutMs); err != nil {
		return 0, err
	}

	var outRd, outWr, outEx [fdSetWords]uint64
	n := 0
	for i, p := range polled {
		gfd := int(guestFds[i])
		if p.Revents&unix.POLLIN != 0 {
			setBit(&outRd, gfd)
			n++
		}
		if p.Revents&unix.POLLOUT != 0 {
			setBit(&outWr, gfd)
			n++
		}
		if p.Revents&unix.POLLPRI != 0 {
			setBit(&outEx, gfd)
			n++
		}
	}
	if readVA != 0 {
		SchlepW(m.Mem, readVA, fdSetBytes(outRd))
	}
	if writeVA != 0 {
		SchlepW(m.Mem, writeVA, fdSetBytes(outWr))
	}
	if exceptVA != 0 {
		SchlepW(m.Mem, exceptVA, fdSetBytes(outEx))
	}
	return int64(n), nil
}

func sysSelect(m *thread.Machine, a args) (int64, Result) {
	timeoutMs := -1
	if a[4] != 0 {
		ts, err := SchlepR(m.Mem, a[4], 16)
		if err != nil {
			return -int64(unix.EFAULT), Result{}
		}
		sec, usec := le64get(ts[0:8]), le64get(ts[8:16])
		timeoutMs = int(sec*1000 + usec/1000)
	}
	n, err := doSelect(m, int(a[0]), a[1], a[2], a[3], timeoutMs)
	if err != nil {
		return Xlat(err), Result{}
	}
	return n, Result{}
}

func sysPselect6(m *thread.Machine, a args) (int64, Result) {
	timeoutMs := -1
	if a[4] != 0 {
		ts, err := SchlepR(m.Mem, a[4], 16)
		if err != nil {
			return -int64(unix.EFAULT), Result{}
		}
		sec, nsec := le64get(ts[0:8]), le64get(ts[8:16])
		timeoutMs = int(sec*1000 + nsec/1000000)
	}
	n, err := doSelect(m, int(a[0]), a[1], a[2], a[3], timeoutMs)
	if err != nil {
		return Xlat(err), Result{}
	}
	return n, Result{}
}
