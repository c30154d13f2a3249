//go:build !windows && !linux
// +build !windows,!linux

package memory

import (
	"errors"
	"runtime"
)

var errUnsupportedOS = errors.New("in-process address space not supported on " + runtime.GOOS)

func osPageSize() uintptr { return 0x1000 }

func osQuery(addr uintptr) (Region, error) { return Region{}, errUnsupportedOS }

func osApplyToProtectedMemory(addr uintptr, length int, operation func()) error {
	return errUnsupportedOS
}

func osAllocNear(addr uintptr, size int, wide bool) (uintptr, error) { return 0, errUnsupportedOS }

func osFlushInstructionCache(addr uintptr, size int) error { return errUnsupportedOS }

func osModuleBase(name string) (uintptr, error) { return 0, errUnsupportedOS }

func osProcAddress(module, symbol string) (uintptr, error) { return 0, errUnsupportedOS }
