package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

const (
	allocGranularity = 0x10000
	memFree          = 0x10000 // MEM_FREE
)

func osPageSize() uintptr {
	return 0x1000
}

func protectionFromWindows(p uint32) Protection {
	switch p &^ (windows.PAGE_GUARD | windows.PAGE_NOCACHE | windows.PAGE_WRITECOMBINE) {
	case windows.PAGE_READONLY:
		return ProtR
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return ProtRW
	case windows.PAGE_EXECUTE:
		return ProtX
	case windows.PAGE_EXECUTE_READ:
		return ProtRX
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return ProtRWX
	}
	return ProtNone
}

func osQuery(addr uintptr) (Region, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return Region{}, InvalidAddressError{Address: addr, Reason: err.Error()}
	}
	if mbi.State != windows.MEM_COMMIT {
		return Region{}, InvalidAddressError{Address: addr, Reason: "not committed"}
	}
	prot := protectionFromWindows(mbi.Protect)
	if mbi.Protect&windows.PAGE_GUARD != 0 {
		prot = ProtNone
	}
	return Region{Base: mbi.BaseAddress, Size: mbi.RegionSize, Prot: prot}, nil
}

func osApplyToProtectedMemory(addr uintptr, length int, operation func()) error {
	var oldProtect uint32
	if err := windows.VirtualProtect(addr, uintptr(length), windows.PAGE_EXECUTE_READWRITE, &oldProtect); err != nil {
		return fmt.Errorf("VirtualProtect failed: %w", err)
	}

	operation()

	if err := windows.VirtualProtect(addr, uintptr(length), oldProtect, &oldProtect); err != nil {
		return fmt.Errorf("VirtualProtect failed to restore: %w", err)
	}
	return nil
}

// osAllocNear probes free allocation-granularity slots moving outwards
// from addr until one within +-2GiB accepts the allocation. On 32-bit
// every address is reachable and the system picks.
func osAllocNear(addr uintptr, size int, wide bool) (uintptr, error) {
	const (
		alloc = windows.MEM_COMMIT | windows.MEM_RESERVE
		prot  = windows.PAGE_EXECUTE_READWRITE
		reach = 0x7fff0000
	)
	if !wide {
		p, err := windows.VirtualAlloc(0, uintptr(size), alloc, prot)
		if err != nil {
			return 0, fmt.Errorf("VirtualAlloc failed: %w", err)
		}
		return p, nil
	}
	origin := addr &^ (allocGranularity - 1)
	for delta := uintptr(allocGranularity); delta < reach; delta += allocGranularity {
		candidates := []uintptr{origin + delta}
		if origin > delta+allocGranularity {
			candidates = append(candidates, origin-delta)
		}
		for _, candidate := range candidates {
			var mbi windows.MemoryBasicInformation
			if err := windows.VirtualQuery(candidate, &mbi, unsafe.Sizeof(mbi)); err != nil {
				continue
			}
			if mbi.State != memFree {
				continue
			}
			if p, err := windows.VirtualAlloc(candidate, uintptr(size), alloc, prot); err == nil {
				return p, nil
			}
		}
	}
	return 0, fmt.Errorf("no free memory within reach of %#x", addr)
}

func osFlushInstructionCache(addr uintptr, size int) error {
	r, _, err := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, uintptr(size))
	if r == 0 {
		return fmt.Errorf("FlushInstructionCache failed: %v", err)
	}
	return nil
}

func osModuleBase(name string) (uintptr, error) {
	var namep *uint16
	if name != "" {
		var err error
		namep, err = windows.UTF16PtrFromString(name)
		if err != nil {
			return 0, err
		}
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, namep, &h); err != nil {
		return 0, fmt.Errorf("module %q not loaded: %w", name, err)
	}
	return uintptr(h), nil
}

func osProcAddress(module, symbol string) (uintptr, error) {
	base, err := osModuleBase(module)
	if err != nil {
		return 0, err
	}
	p, err := windows.GetProcAddress(windows.Handle(base), symbol)
	if err != nil {
		return 0, fmt.Errorf("%s!%s: %w", module, symbol, err)
	}
	return p, nil
}
