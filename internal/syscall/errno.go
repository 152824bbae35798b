package syscall

import "golang.org/x/sys/unix"

// errnoTableSize covers every errno the host's unix package defines on
// this architecture with headroom; indices beyond what's populated stay
// zero, which Xlat and UnXlat treat as unrecognized and map to EINVAL
// (the safe catch-all spec §4.7 expects for an unrecognized host errno).
const errnoTableSize = 256

// hostToGuest and guestToHost are dense arrays indexed by errno number
// (spec's Supplemented "errno Xlat/UnXlat tables... a dense array indexed
// by host syscall.Errno"), rather than a switch, so the translation is a
// single slice load on every syscall return. On this build guest and host
// are both x86-64 Linux, so the table is the identity map in practice —
// the structure is what generalizes the code to a host where it wouldn't
// be (spec §1: blink's errno numbers already diverge between e.g. x86 and
// mips hosts even though the guest ABI is fixed).
var hostToGuest [errnoTableSize]int32
var guestToHost [errnoTableSize]int32

func init() {
	for _, e := range []unix.Errno{
		unix.EPERM, unix.ENOENT, unix.ESRCH, unix.EINTR, unix.EIO, unix.ENXIO,
		unix.E2BIG, unix.ENOEXEC, unix.EBADF, unix.ECHILD, unix.EAGAIN,
		unix.ENOMEM, unix.EACCES, unix.EFAULT, unix.ENOTBLK, unix.EBUSY,
		unix.EEXIST, unix.EXDEV, unix.ENODEV, unix.ENOTDIR, unix.EISDIR,
		unix.EINVAL, unix.ENFILE, unix.EMFILE, unix.ENOTTY, unix.ETXTBSY,
		unix.EFBIG, unix.ENOSPC, unix.ESPIPE, unix.EROFS, unix.EMLINK,
		unix.EPIPE, unix.EDOM, unix.ERANGE, unix.EDEADLK, unix.ENAMETOOLONG,
		unix.ENOLCK, unix.ENOSYS, unix.ENOTEMPTY, unix.ELOOP, unix.ENOMSG,
		unix.EOVERFLOW, unix.ETIMEDOUT, unix.ECONNREFUSED, unix.EINPROGRESS,
		unix.EALREADY, unix.ENOTSOCK, unix.EADDRINUSE, unix.EADDRNOTAVAIL,
		unix.ENETDOWN, unix.ENETUNREACH, unix.ECONNRESET, unix.ENOBUFS,
		unix.EISCONN, unix.ENOTCONN, unix.ESHUTDOWN, unix.ETOOMANYREFS,
		unix.ECONNABORTED, unix.EHOSTDOWN, unix.EHOSTUNREACH, unix.EDQUOT,
	} {
		n := int32(e)
		if n < 0 || int(n) >= errnoTableSize {
			continue
		}
		hostToGuest[n] = n
		guestToHost[n] = n
	}
}

// Xlat translates a host errno (as returned by golang.org/x/sys/unix) into
// the guest-visible errno value a syscall return should carry (negated,
// per the x86-64 Linux ABI "return -errno" convention).
func Xlat(host error) int64 {
	e, ok := host.(unix.Errno)
	if !ok {
		return -int64(unix.EIO)
	}
	n := int32(e)
	if n < 0 || int(n) >= errnoTableSize || hostToGuest[n] == 0 {
		if n == 0 {
			return 0
		}
		return -int64(unix.EINVAL)
	}
	return -int64(hostToGuest[n])
}

// UnXlat maps a guest errno number back to the host unix.Errno a
// construct like sigaction's SA_RESTORER trampoline might need to raise
// against the host (e.g. translating a guest ioctl request's embedded
// errno expectation).
func UnXlat(guest int32) unix.Errno {
	if guest < 0 || int(guest) >= errnoTableSize || guestToHost[guest] == 0 {
		return unix.EINVAL
	}
	return unix.Errno(guestToHost[guest])
}
