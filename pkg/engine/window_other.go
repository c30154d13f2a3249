//go:build !windows
// +build !windows

package engine

import (
	"errors"
	"runtime"

	"github.com/sbx-tool/sbxhook/pkg/overlay"
)

func windowProc(w overlay.Window) (uintptr, error) {
	return 0, errors.New("window procedures not supported on " + runtime.GOOS)
}
