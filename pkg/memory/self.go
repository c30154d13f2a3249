package memory

import (
	"unsafe"

	lru "github.com/hashicorp/golang-lru"
)

const regionCacheSize = 256

// Self is the address space of the current process.
type Self struct {
	// regions caches Query results by page, queries are issued for every
	// hook install and every view access.
	regions  *lru.Cache
	pageSize uintptr
}

// NewSelf returns the address space of the current process.
func NewSelf() (*Self, error) {
	c, err := lru.New(regionCacheSize)
	if err != nil {
		return nil, err
	}
	return &Self{regions: c, pageSize: osPageSize()}, nil
}

func (s *Self) PtrSize() int {
	return int(unsafe.Sizeof(uintptr(0)))
}

func (s *Self) page(addr uintptr) uintptr {
	return addr &^ (s.pageSize - 1)
}

func (s *Self) Query(addr uintptr) (Region, error) {
	if v, ok := s.regions.Get(s.page(addr)); ok {
		r := v.(Region)
		if r.Contains(addr, 1) {
			return r, nil
		}
	}
	r, err := osQuery(addr)
	if err != nil {
		return Region{}, err
	}
	s.regions.Add(s.page(addr), r)
	return r, nil
}

func (s *Self) ReadMemory(buf []byte, addr uintptr) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := s.checkReadable(addr, len(buf)); err != nil {
		return 0, err
	}
	return copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf))), nil
}

func (s *Self) checkReadable(addr uintptr, size int) error {
	for a := s.page(addr); a < addr+uintptr(size); a += s.pageSize {
		q := a
		if q < addr {
			q = addr
		}
		r, err := s.Query(q)
		if err != nil {
			return err
		}
		if r.Prot&ProtR == 0 {
			return InvalidAddressError{Address: q, Reason: "not readable"}
		}
	}
	return nil
}

func (s *Self) WriteMemory(addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if _, err := s.Query(addr); err != nil {
		return 0, err
	}
	var n int
	err := osApplyToProtectedMemory(addr, len(data), func() {
		n = copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)), data)
	})
	if err != nil {
		return 0, ProtectionError{Address: addr, Size: len(data), Err: err}
	}
	return n, nil
}

func (s *Self) AllocNear(addr uintptr, size int) (uintptr, error) {
	p, err := osAllocNear(addr, size, s.PtrSize() == 8)
	if err != nil {
		return 0, err
	}
	// a negative result for these pages may be cached
	for a := s.page(p); a < p+uintptr(size); a += s.pageSize {
		s.regions.Remove(a)
	}
	return p, nil
}

func (s *Self) FlushInstructionCache(addr uintptr, size int) error {
	return osFlushInstructionCache(addr, size)
}

// ModuleBase returns the load address of the named module of the current
// process, the empty name selects the main executable.
func ModuleBase(name string) (uintptr, error) {
	return osModuleBase(name)
}

// ProcAddress returns the address of the function exported as symbol by
// the named module.
func ProcAddress(module, symbol string) (uintptr, error) {
	return osProcAddress(module, symbol)
}
