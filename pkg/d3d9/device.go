// Package d3d9 calls IDirect3DDevice9 methods through the device's vtable
// and implements the overlay renderer with them.
package d3d9

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/memory"
	"github.com/sbx-tool/sbxhook/pkg/overlay"
)

// IDirect3DDevice9 vtable slots.
const (
	MethodAddRef                = 1
	MethodRelease               = 2
	MethodTestCooperativeLevel  = 3
	MethodGetCreationParameters = 9
	MethodReset                 = 16
	MethodPresent               = 17
	MethodBeginScene            = 41
	MethodEndScene              = 42
	MethodClear                 = 43
)

const (
	clearTarget = 0x1 // D3DCLEAR_TARGET

	errDeviceLost     = 0x88760868 // D3DERR_DEVICELOST
	errDeviceNotReset = 0x88760869 // D3DERR_DEVICENOTRESET
)

// ErrDeviceLost is returned while the device cannot render.
var ErrDeviceLost = errors.New("device lost")

// HRESULT is a COM status code.
type HRESULT uint32

// Failed returns true for error codes.
func (hr HRESULT) Failed() bool { return int32(hr) < 0 }

func (hr HRESULT) Error() string {
	switch hr {
	case errDeviceLost:
		return "D3DERR_DEVICELOST"
	case errDeviceNotReset:
		return "D3DERR_DEVICENOTRESET"
	}
	return fmt.Sprintf("HRESULT %#08x", uint32(hr))
}

// Rect is a D3DRECT.
type Rect struct {
	X1, Y1, X2, Y2 int32
}

// CreationParameters is a D3DDEVICE_CREATION_PARAMETERS.
type CreationParameters struct {
	AdapterOrdinal uint32
	DeviceType     uint32
	FocusWindow    uintptr
	BehaviorFlags  uint32
}

// Device is an IDirect3DDevice9 in the current process.
type Device struct {
	mem    memory.Space
	ptr    uintptr
	invoke intercept.Invoker
}

// NewDevice wraps the device at ptr. Methods are called with invoke.
func NewDevice(mem memory.Space, ptr uintptr, invoke intercept.Invoker) *Device {
	return &Device{mem: mem, ptr: ptr, invoke: invoke}
}

// Method returns the address of vtable slot i.
func (d *Device) Method(i int) (uintptr, error) {
	vtbl, err := memory.NewView(d.mem, d.ptr).Deref(0)
	if err != nil {
		return 0, err
	}
	if vtbl.IsNil() {
		return 0, memory.InvalidAddressError{Address: d.ptr, Reason: "null vtable"}
	}
	return vtbl.Pointer(uintptr(i * d.mem.PtrSize()))
}

func (d *Device) call(i int, args ...uintptr) (HRESULT, error) {
	if d.invoke == nil {
		return 0, fmt.Errorf("no invoker on %s", runtime.GOOS)
	}
	fn, err := d.Method(i)
	if err != nil {
		return 0, err
	}
	return HRESULT(d.invoke(fn, append([]uintptr{d.ptr}, args...)...)), nil
}

func (d *Device) check(name string, i int, args ...uintptr) error {
	hr, err := d.call(i, args...)
	if err != nil {
		return err
	}
	if hr.Failed() {
		return fmt.Errorf("%s: %w", name, hr)
	}
	return nil
}

// TestCooperativeLevel returns ErrDeviceLost while the device is lost or
// waiting for a reset.
func (d *Device) TestCooperativeLevel() error {
	hr, err := d.call(MethodTestCooperativeLevel)
	if err != nil {
		return err
	}
	switch {
	case hr == errDeviceLost || hr == errDeviceNotReset:
		return fmt.Errorf("%w: %v", ErrDeviceLost, hr)
	case hr.Failed():
		return hr
	}
	return nil
}

// CreationParameters returns the parameters the device was created with.
func (d *Device) CreationParameters() (CreationParameters, error) {
	p := new(CreationParameters)
	err := d.check("GetCreationParameters", MethodGetCreationParameters, uintptr(unsafe.Pointer(p)))
	runtime.KeepAlive(p)
	return *p, err
}

// Clear fills rects with color.
func (d *Device) Clear(rects []Rect, color uint32) error {
	if len(rects) == 0 {
		return nil
	}
	err := d.check("Clear", MethodClear, uintptr(len(rects)), uintptr(unsafe.Pointer(&rects[0])), clearTarget, uintptr(color), 0, 0)
	runtime.KeepAlive(rects)
	return err
}

// AddRef increments the device reference count.
func (d *Device) AddRef() error {
	_, err := d.call(MethodAddRef)
	return err
}

// Release decrements the device reference count.
func (d *Device) Release() error {
	_, err := d.call(MethodRelease)
	return err
}

// Renderer draws overlay commands with Clear. Clear writes opaque pixels,
// so the alpha of a color only decides whether it is drawn at all.
type Renderer struct {
	dev *Device
}

// Render implements overlay.Renderer. Consecutive rectangles of the same
// color are cleared with one call.
func (r *Renderer) Render(cmds []overlay.Command) error {
	var batch []Rect
	var color overlay.Color
	flush := func() error {
		err := r.dev.Clear(batch, uint32(color)|0xFF000000)
		batch = nil
		return err
	}
	for _, c := range cmds {
		if c.Kind != overlay.FillRect || c.Rect.Empty() || c.Color.A() == 0 {
			continue
		}
		if len(batch) > 0 && c.Color != color {
			if err := flush(); err != nil {
				return err
			}
		}
		color = c.Color
		batch = append(batch, Rect{X1: c.Rect.X, Y1: c.Rect.Y, X2: c.Rect.X + c.Rect.W, Y2: c.Rect.Y + c.Rect.H})
	}
	return flush()
}

// Close releases the reference taken by NewRenderer.
func (r *Renderer) Close() error {
	return r.dev.Release()
}

// Surfaces builds overlay resources for devices of the current process.
type Surfaces struct {
	Mem    memory.Space
	Invoke intercept.Invoker
}

// NewRenderer returns a renderer for dev once the device is operational.
func (s *Surfaces) NewRenderer(dev overlay.Device) (overlay.Renderer, error) {
	d := NewDevice(s.Mem, uintptr(dev), s.Invoke)
	if err := d.TestCooperativeLevel(); err != nil {
		return nil, err
	}
	if err := d.AddRef(); err != nil {
		return nil, err
	}
	logflags.OverlayLogger().Debugf("clear renderer created for device %#x", uintptr(dev))
	return &Renderer{dev: d}, nil
}

// OutputWindow returns the focus window dev was created for.
func (s *Surfaces) OutputWindow(dev overlay.Device) (overlay.Window, error) {
	p, err := NewDevice(s.Mem, uintptr(dev), s.Invoke).CreationParameters()
	if err != nil {
		return 0, err
	}
	if p.FocusWindow == 0 {
		return 0, errors.New("device has no focus window")
	}
	return overlay.Window(p.FocusWindow), nil
}
