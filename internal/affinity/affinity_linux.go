//go:build linux

package affinity

import (
	"runtime"
	"syscall"
	"unsafe"

	"github.com/tickwire/tickwire/errs"
)

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the given logical CPU. Negative cores disable pinning.
func Pin(cpu int) error {
	if cpu < 0 {
		return nil
	}
	if cpu >= runtime.NumCPU() {
		return errs.New("affinity", errs.CodeInvalid,
			errs.WithMessage("cpu core out of range"))
	}

	runtime.LockOSThread()

	var mask [1024 / 64]uint64
	mask[cpu/64] |= 1 << uint(cpu%64)
	// pid 0 targets the current thread.
	_, _, errno := syscall.RawSyscall(
		syscall.SYS_SCHED_SETAFFINITY,
		0,
		uintptr(unsafe.Sizeof(mask)),
		uintptr(unsafe.Pointer(&mask[0])),
	)
	if errno != 0 {
		runtime.UnlockOSThread()
		return errs.New("affinity", errs.CodeUnavailable,
			errs.WithMessage("sched_setaffinity failed"),
			errs.WithCause(errno))
	}
	return nil
}
