package memory

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Scalar is a fixed size value that can be read from or written to a View.
type Scalar interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// View is a typed window onto a foreign structure at Base. It does no
// bounds checking against the structure layout: callers name fields by
// offset and type, all reads and writes go through the Space.
type View struct {
	mem  MemoryReadWriter
	ptr  int
	Base uintptr
}

// NewView returns a view of the structure at base in mem.
func NewView(mem Space, base uintptr) View {
	return View{mem: mem, ptr: mem.PtrSize(), Base: base}
}

// IsNil returns true if the view points to address zero.
func (v View) IsNil() bool {
	return v.Base == 0
}

// At returns a view of the embedded structure at off.
func (v View) At(off uintptr) View {
	v.Base += off
	return v
}

// Pointer reads the pointer stored at off.
func (v View) Pointer(off uintptr) (uintptr, error) {
	buf, err := ReadFull(v.mem, v.Base+off, v.ptr)
	if err != nil {
		return 0, err
	}
	if v.ptr == 4 {
		return uintptr(binary.LittleEndian.Uint32(buf)), nil
	}
	return uintptr(binary.LittleEndian.Uint64(buf)), nil
}

// Deref returns a view of the structure the pointer at off points to.
// The returned view is nil if the pointer is null.
func (v View) Deref(off uintptr) (View, error) {
	p, err := v.Pointer(off)
	if err != nil {
		return View{}, err
	}
	v.Base = p
	return v, nil
}

// Read reads the field of type T at off.
func Read[T Scalar](v View, off uintptr) (T, error) {
	var val T
	if v.IsNil() {
		return val, InvalidAddressError{Address: off, Reason: "nil view"}
	}
	buf, err := ReadFull(v.mem, v.Base+off, binary.Size(val))
	if err != nil {
		return val, err
	}
	err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &val)
	return val, err
}

// Write stores val in the field of type T at off.
func Write[T Scalar](v View, off uintptr, val T) error {
	if v.IsNil() {
		return InvalidAddressError{Address: off, Reason: "nil view"}
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, val); err != nil {
		return err
	}
	n, err := v.mem.WriteMemory(v.Base+off, buf.Bytes())
	if err != nil {
		return err
	}
	if n != buf.Len() {
		return fmt.Errorf("short write at %#x", v.Base+off)
	}
	return nil
}
