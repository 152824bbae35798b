package syscall

import (
	"errors"

	"github.com/fengjixuchui/blink/internal/isa"
)

// ErrFault reports that a guest pointer argument didn't resolve to mapped
// memory; syscall handlers turn this into -EFAULT rather than propagating
// the host error kind.
var ErrFault = errors.New("syscall: guest pointer unmapped")

// SchlepR copies n bytes starting at the guest address va into a fresh
// host buffer, validating every page along the way through Mem's normal
// TLB-backed lookup (spec's "SchlepR... TLB-validated guest pointer
// helpers"). Used wherever a syscall needs a struct or buffer gathered
// into contiguous host memory before handing it to a host syscall (stat
// buffers, iovecs, path strings once length is known).
func SchlepR(mem *isa.Mem, va uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if mem.Bytes(va, buf) != n {
		return nil, ErrFault
	}
	return buf, nil
}

// SchlepW copies data into guest memory starting at va, byte-at-a-time
// through Mem.Write8 so each store goes through the same stash-on-
// page-crossing path as an opcode handler's write would (spec C3).
func SchlepW(mem *isa.Mem, va uint64, data []byte) error {
	for i, b := range data {
		if err := mem.Write8(va+uint64(i), b); err != nil {
			return ErrFault
		}
	}
	return nil
}

// ReadCString reads a NUL-terminated string from va, stopping at max
// bytes (a syscall-local sanity bound, not a guest-visible limit) to
// guard against a guest bug handing in an address with no NUL ever
// reachable in mapped memory.
func ReadCString(mem *isa.Mem, va uint64, max int) (string, error) {
	var out []byte
	for i := 0; i < max; i++ {
		b, err := mem.Read8(va + uint64(i))
		if err != nil {
			return "", ErrFault
		}
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
	return string(out), nil
}

// ReadPtrArray reads a NUL-terminated array of 64-bit guest pointers
// starting at va (the argv/envp convention), each resolved through
// ReadCString — used by execve.
func ReadPtrArray(mem *isa.Mem, va uint64, maxEntries, maxStrLen int) ([]string, error) {
	var out []string
	for i := 0; i < maxEntries; i++ {
		ptr, err := mem.Read64(va + uint64(i)*8)
		if err != nil {
			return nil, ErrFault
		}
		if ptr == 0 {
			return out, nil
		}
		s, err := ReadCString(mem, ptr, maxStrLen)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
