package engine

import (
	"fmt"

	"github.com/lxn/win"

	"github.com/sbx-tool/sbxhook/pkg/overlay"
)

// windowProc returns the message procedure currently set on w.
func windowProc(w overlay.Window) (uintptr, error) {
	proc := win.GetWindowLongPtr(win.HWND(w), win.GWLP_WNDPROC)
	if proc == 0 {
		return 0, fmt.Errorf("GetWindowLongPtr(%#x, GWLP_WNDPROC) failed: %d", uintptr(w), win.GetLastError())
	}
	return proc, nil
}
