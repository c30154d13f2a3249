package memory

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

func osPageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

// osQuery looks addr up in /proc/self/maps.
func osQuery(addr uintptr) (Region, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return Region{}, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err1 := strconv.ParseUint(bounds[0], 16, 64)
		end, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if uint64(addr) < start || uint64(addr) >= end {
			continue
		}
		var prot Protection
		perms := fields[1]
		if len(perms) >= 3 {
			if perms[0] == 'r' {
				prot |= ProtR
			}
			if perms[1] == 'w' {
				prot |= ProtW
			}
			if perms[2] == 'x' {
				prot |= ProtX
			}
		}
		return Region{Base: uintptr(start), Size: uintptr(end - start), Prot: prot}, nil
	}
	if err := s.Err(); err != nil {
		return Region{}, err
	}
	return Region{}, InvalidAddressError{Address: addr, Reason: "unmapped"}
}

// osApplyToProtectedMemory makes the pages covering the range RWX, runs
// operation, and sets them back to the protection they had before.
func osApplyToProtectedMemory(addr uintptr, length int, operation func()) error {
	r, err := osQuery(addr)
	if err != nil {
		return err
	}
	pageSize := osPageSize()
	start := addr &^ (pageSize - 1)
	end := (addr + uintptr(length) + pageSize - 1) &^ (pageSize - 1)
	pages := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)

	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect failed: %w", err)
	}

	operation()

	if err := unix.Mprotect(pages, toUnixProt(r.Prot)); err != nil {
		return fmt.Errorf("mprotect failed to restore: %w", err)
	}
	return nil
}

func toUnixProt(p Protection) int {
	prot := unix.PROT_NONE
	if p&ProtR != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtW != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&ProtX != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// osAllocNear passes addr to mmap as a hint, the kernel places the mapping
// at the closest free range it finds.
func osAllocNear(addr uintptr, size int, wide bool) (uintptr, error) {
	hint := uintptr(0)
	if wide {
		hint = (addr + 0x10000000) &^ (osPageSize() - 1)
	}
	p, _, errno := unix.Syscall6(unix.SYS_MMAP, hint, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON, ^uintptr(0), 0)
	if errno != 0 {
		return 0, fmt.Errorf("mmap failed: %w", errno)
	}
	return p, nil
}

// x86 keeps instruction caches coherent with stores.
func osFlushInstructionCache(addr uintptr, size int) error {
	return nil
}

func osModuleBase(name string) (uintptr, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if name == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, err
		}
		name = exe
	}
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 6 || !strings.HasSuffix(fields[5], name) {
			continue
		}
		start, err := strconv.ParseUint(strings.SplitN(fields[0], "-", 2)[0], 16, 64)
		if err != nil {
			return 0, err
		}
		return uintptr(start), nil
	}
	return 0, fmt.Errorf("module %q not loaded", name)
}

// Resolving exports needs the dynamic loader, which a static Go binary
// does not link.
func osProcAddress(module, symbol string) (uintptr, error) {
	return 0, fmt.Errorf("%s!%s: export lookup not supported on linux", module, symbol)
}
