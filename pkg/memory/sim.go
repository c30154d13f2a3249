package memory

import (
	"errors"
	"sort"
	"sync"
)

// Sim is a simulated address space. It enforces mapping but not access
// rights, except that regions marked with Lock refuse protection changes,
// which makes writes to them fail the way a guarded page would.
type Sim struct {
	mu      sync.Mutex
	ptrSize int
	regions []*simRegion
	failAt  map[uintptr]bool
	writes  int
	flushes int
}

type simRegion struct {
	Region
	data   []byte
	locked bool
}

var errSimLocked = errors.New("region is locked")

// NewSim returns an empty simulated space with the given pointer size.
func NewSim(ptrSize int) *Sim {
	return &Sim{ptrSize: ptrSize, failAt: map[uintptr]bool{}}
}

// Map maps a copy of data at base with protection prot.
func (s *Sim) Map(base uintptr, data []byte, prot Protection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapLocked(base, append([]byte(nil), data...), prot)
}

func (s *Sim) mapLocked(base uintptr, data []byte, prot Protection) {
	s.regions = append(s.regions, &simRegion{Region: Region{Base: base, Size: uintptr(len(data)), Prot: prot}, data: data})
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Base < s.regions[j].Base })
}

// Lock makes the region containing addr refuse protection changes.
func (s *Sim) Lock(addr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.find(addr); r != nil {
		r.locked = true
	}
}

// FailWriteAt makes every write covering addr fail with a ProtectionError
// until ClearFailures is called.
func (s *Sim) FailWriteAt(addr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt[addr] = true
}

// ClearFailures removes all injected write failures.
func (s *Sim) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt = map[uintptr]bool{}
}

// Writes returns the number of successful writes.
func (s *Sim) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Flushes returns the number of instruction cache flushes.
func (s *Sim) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *Sim) find(addr uintptr) *simRegion {
	for _, r := range s.regions {
		if addr >= r.Base && addr < r.Base+r.Size {
			return r
		}
	}
	return nil
}

func (s *Sim) ReadMemory(buf []byte, addr uintptr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(buf) {
		r := s.find(addr + uintptr(n))
		if r == nil {
			return n, InvalidAddressError{Address: addr + uintptr(n), Reason: "unmapped"}
		}
		n += copy(buf[n:], r.data[addr+uintptr(n)-r.Base:])
	}
	return n, nil
}

func (s *Sim) WriteMemory(addr uintptr, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range data {
		a := addr + uintptr(i)
		r := s.find(a)
		if r == nil {
			return 0, InvalidAddressError{Address: a, Reason: "unmapped"}
		}
		if r.locked {
			return 0, ProtectionError{Address: addr, Size: len(data), Err: errSimLocked}
		}
		if s.failAt[a] {
			return 0, ProtectionError{Address: addr, Size: len(data), Err: errors.New("injected failure")}
		}
	}
	n := 0
	for n < len(data) {
		r := s.find(addr + uintptr(n))
		n += copy(r.data[addr+uintptr(n)-r.Base:], data[n:])
	}
	s.writes++
	return n, nil
}

func (s *Sim) Query(addr uintptr) (Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(addr)
	if r == nil {
		return Region{}, InvalidAddressError{Address: addr, Reason: "unmapped"}
	}
	return r.Region, nil
}

// AllocNear maps a fresh executable region after the highest mapped
// address, rounded to 64KiB, so rel32 displacements from addr reach it as
// long as the simulated image is small.
func (s *Sim) AllocNear(addr uintptr, size int) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var top uintptr
	for _, r := range s.regions {
		if end := r.Base + r.Size; end > top {
			top = end
		}
	}
	const gran = 0x10000
	base := (top + gran - 1) &^ (gran - 1)
	if base == top {
		base += gran
	}
	s.mapLocked(base, make([]byte, size), ProtRWX)
	return base, nil
}

func (s *Sim) FlushInstructionCache(addr uintptr, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *Sim) PtrSize() int {
	return s.ptrSize
}

// Bytes returns a copy of size bytes at addr, or nil if unmapped.
func (s *Sim) Bytes(addr uintptr, size int) []byte {
	b, err := ReadFull(s, addr, size)
	if err != nil {
		return nil
	}
	return b
}
