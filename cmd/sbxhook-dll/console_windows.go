package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"

	"github.com/sbx-tool/sbxhook/pkg/logflags"
)

var procAllocConsole = windows.NewLazySystemDLL("kernel32.dll").NewProc("AllocConsole")

// allocConsole gives the game a console window and points the standard
// handles of the process and the os package at it.
func allocConsole() error {
	if r, _, err := procAllocConsole.Call(); r == 0 {
		return fmt.Errorf("AllocConsole: %v", err)
	}
	out, err := openConsole("CONOUT$", windows.STD_OUTPUT_HANDLE)
	if err != nil {
		return err
	}
	in, err := openConsole("CONIN$", windows.STD_INPUT_HANDLE)
	if err != nil {
		return err
	}
	if err := windows.SetStdHandle(windows.STD_ERROR_HANDLE, windows.Handle(out.Fd())); err != nil {
		return err
	}
	os.Stdout, os.Stderr, os.Stdin = out, out, in
	logflags.SetStderr(out)
	return nil
}

func openConsole(name string, std uint32) (*os.File, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(p, windows.GENERIC_READ|windows.GENERIC_WRITE, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	if err := windows.SetStdHandle(std, h); err != nil {
		windows.CloseHandle(h)
		return nil, err
	}
	return os.NewFile(uintptr(h), name), nil
}
