// Package memory abstracts the address space the engine reads and patches.
//
// Space is implemented by Self, the address space of the current process,
// and by Sim, a simulated address space used by tests and dry runs. All
// writes to code go through WriteCode, which serializes them process-wide.
package memory

import (
	"errors"
	"fmt"
	"sync"
)

// MemoryReader is like io.ReaderAt, but the offset is a uintptr so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uintptr) (n int, err error)
}

// MemoryReadWriter adds writes to MemoryReader. WriteMemory makes the
// affected pages writable for the duration of the write and restores the
// previous protection before returning.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uintptr, data []byte) (written int, err error)
}

// Space is an address space that code can be intercepted in.
type Space interface {
	MemoryReadWriter
	// Query describes the region containing addr.
	Query(addr uintptr) (Region, error)
	// AllocNear allocates size bytes of executable memory within a rel32
	// displacement of addr when the architecture needs it.
	AllocNear(addr uintptr, size int) (uintptr, error)
	// FlushInstructionCache must be called after code at addr changed.
	FlushInstructionCache(addr uintptr, size int) error
	// PtrSize is the pointer size of the space in bytes.
	PtrSize() int
}

// Protection is a set of page access rights.
type Protection uint8

const (
	ProtNone Protection = 0
	ProtR    Protection = 1 << iota
	ProtW
	ProtX

	ProtRW  = ProtR | ProtW
	ProtRX  = ProtR | ProtX
	ProtRWX = ProtR | ProtW | ProtX
)

func (p Protection) String() string {
	b := []byte("---")
	if p&ProtR != 0 {
		b[0] = 'r'
	}
	if p&ProtW != 0 {
		b[1] = 'w'
	}
	if p&ProtX != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region describes a mapped range of the address space.
type Region struct {
	Base uintptr
	Size uintptr
	Prot Protection
}

// Contains returns true if [addr, addr+size) lies inside the region.
func (r Region) Contains(addr uintptr, size int) bool {
	return addr >= r.Base && addr+uintptr(size) <= r.Base+r.Size && addr+uintptr(size) >= addr
}

// Executable returns true if code in the region can run.
func (r Region) Executable() bool {
	return r.Prot&ProtX != 0
}

var (
	// ErrInvalidAddress matches every InvalidAddressError.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrMemoryProtection matches every ProtectionError.
	ErrMemoryProtection = errors.New("memory protection failed")
)

// InvalidAddressError represents an access to an address that is not
// mapped, or not executable where code was expected.
type InvalidAddressError struct {
	Address uintptr
	Reason  string
}

func (iae InvalidAddressError) Error() string {
	if iae.Reason != "" {
		return fmt.Sprintf("invalid address %#x: %s", iae.Address, iae.Reason)
	}
	return fmt.Sprintf("invalid address %#x", iae.Address)
}

func (iae InvalidAddressError) Is(target error) bool { return target == ErrInvalidAddress }

// ProtectionError is returned when the protection of a range could not be
// changed to allow a write, or could not be restored after it.
type ProtectionError struct {
	Address uintptr
	Size    int
	Err     error
}

func (pe ProtectionError) Error() string {
	return fmt.Sprintf("could not change protection of %#x-%#x: %v", pe.Address, pe.Address+uintptr(pe.Size), pe.Err)
}

func (pe ProtectionError) Unwrap() error { return pe.Err }

func (pe ProtectionError) Is(target error) bool { return target == ErrMemoryProtection }

var codeMu sync.Mutex

// WriteCode writes data at addr and flushes the instruction cache. All
// writes to code pages must go through here so that code patches are never
// interleaved.
func WriteCode(mem Space, addr uintptr, data []byte) error {
	codeMu.Lock()
	defer codeMu.Unlock()
	n, err := mem.WriteMemory(addr, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write at %#x: %d of %d bytes", addr, n, len(data))
	}
	return mem.FlushInstructionCache(addr, len(data))
}

// ReadFull reads exactly size bytes at addr.
func ReadFull(mem MemoryReader, addr uintptr, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, InvalidAddressError{Address: addr + uintptr(n), Reason: "short read"}
	}
	return buf, nil
}

// CheckExecutable returns an InvalidAddressError unless [addr, addr+size)
// is mapped executable memory.
func CheckExecutable(mem Space, addr uintptr, size int) error {
	if addr == 0 {
		return InvalidAddressError{Address: addr, Reason: "null"}
	}
	r, err := mem.Query(addr)
	if err != nil {
		return err
	}
	if !r.Executable() {
		return InvalidAddressError{Address: addr, Reason: "not executable"}
	}
	if !r.Contains(addr, size) {
		// the range may span into the next region
		end := addr + uintptr(size) - 1
		r2, err := mem.Query(end)
		if err != nil {
			return err
		}
		if !r2.Executable() {
			return InvalidAddressError{Address: end, Reason: "not executable"}
		}
	}
	return nil
}
