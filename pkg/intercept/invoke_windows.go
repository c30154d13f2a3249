package intercept

import (
	"syscall"

	"github.com/sbx-tool/sbxhook/pkg/memory"
)

var defaultInvoker Invoker = func(fn uintptr, args ...uintptr) uintptr {
	r, _, _ := syscall.SyscallN(fn, args...)
	return r
}

// NewCallback returns a native stdcall entry point for fn that can be
// passed to Install. The number of native arguments is the number of
// parameters of fn.
func NewCallback(fn interface{}) uintptr {
	return syscall.NewCallback(fn)
}

// NewProbeCallback returns a native entry point for InstallProbe that hands
// the saved register block to fn.
func NewProbeCallback(mem memory.Space, fn func(Registers)) uintptr {
	mode := mem.PtrSize() * 8
	return syscall.NewCallback(func(block uintptr) uintptr {
		fn(NewRegisters(mem, block, mode))
		return 0
	})
}
