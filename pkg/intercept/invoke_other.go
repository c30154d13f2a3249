//go:build !windows
// +build !windows

package intercept

import (
	"runtime"

	"github.com/sbx-tool/sbxhook/pkg/memory"
)

// There is no portable way to call a native function pointer without cgo
// outside of Windows. Handles still install and toggle; CallOriginal needs
// WithInvoker.
var defaultInvoker Invoker

func NewCallback(fn interface{}) uintptr {
	panic("intercept: native callbacks not supported on " + runtime.GOOS)
}

func NewProbeCallback(mem memory.Space, fn func(Registers)) uintptr {
	panic("intercept: native callbacks not supported on " + runtime.GOOS)
}
