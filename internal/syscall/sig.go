package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/fengjixuchui/blink/internal/sysv"
	"github.com/fengjixuchui/blink/internal/thread"
)

// sigactionSize is sizeof(struct kernel_sigaction) on x86-64: handler,
// flags, restorer, mask, each a 64-bit word in that order.
const sigactionSize = 32

func sysRtSigaction(m *thread.Machine, a args) (int64, Result) {
	sig := int(a[0])
	if sig <= 0 || sig >= 64 {
		return -int64(unix.EINVAL), Result{}
	}
	if a[2] != 0 {
		old := m.System.Disposition(sig)
		buf := make([]byte, sigactionSize)
		le64(buf[0:8], old.Handler)
		le64(buf[8:16], old.Flags)
		le64(buf[16:24], old.Restorer)
		le64(buf[24:32], old.Mask)
		if err := SchlepW(m.Mem, a[2], buf); err != nil {
			return -int64(unix.EFAULT), Result{}
		}
	}
	if a[1] != 0 {
		raw, err := SchlepR(m.Mem, a[1], sigactionSize)
		if err != nil {
			return -int64(unix.EFAULT), Result{}
		}
		m.System.SetDisposition(sig, sysv.SigDisposition{
			Handler:  le64get(raw[0:8]),
			Flags:    le64get(raw[8:16]),
			Restorer: le64get(raw[16:24]),
			Mask:     le64get(raw[24:32]),
		})
	}
	return 0, Result{}
}

const (
	sigBlock   = 0
	sigUnblock = 1
	sigSetmask = 2
)

func sysRtSigprocmask(m *thread.Machine, a args) (int64, Result) {
	how, setVA, oldVA := a[0], a[1], a[2]
	if oldVA != 0 {
		buf := make([]byte, 8)
		le64(buf, m.SigMask())
		if err := SchlepW(m.Mem, oldVA, buf); err != nil {
			return -int64(unix.EFAULT), Result{}
		}
	}
	if setVA == 0 {
		return 0, Result{}
	}
	raw, err := SchlepR(m.Mem, setVA, 8)
	if err != nil {
		return -int64(unix.EFAULT), Result{}
	}
	set := le64get(raw)
	switch how {
	case sigBlock:
		m.SetSigMask(m.SigMask() | set)
	case sigUnblock:
		m.SetSigMask(m.SigMask() &^ set)
	case sigSetmask:
		m.SetSigMask(set)
	default:
		return -int64(unix.EINVAL), Result{}
	}
	return 0, Result{}
}

// sysRtSigreturn restores the frame DeliverSignal pushed (spec §4.8)
// and reinstates the saved signal mask. It must not let Dispatch
// overwrite RAX afterward: the restored register file already carries
// the guest's pre-signal RAX.
func sysRtSigreturn(m *thread.Machine, a args) (int64, Result) {
	mask, err := m.SigReturn()
	if err != nil {
		return 0, Result{Exited: true, ExitCode: 139}
	}
	m.SetSigMask(mask)
	return 0, Result{PreserveRax: true}
}
