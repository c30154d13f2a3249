// Package intercept diverts execution at an address inside the current
// process to a callback while keeping the original code callable.
//
// Install overwrites the first instructions of the target with a jump to a
// relay stub. The overwritten instructions are relocated into a trampoline
// that ends with a jump back into the target, so calling the trampoline
// runs the original function.
package intercept

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/memory"
)

const (
	// maxPrologue is the number of bytes read at the target to plan the
	// relocation. No sequence of whole instructions covering 5 bytes is
	// longer than 4+15.
	maxPrologue = 32
	relaySize   = 16
	blockSize   = 256
)

// ErrAddressAlreadyHooked matches every AddressAlreadyHookedError.
var ErrAddressAlreadyHooked = errors.New("address already hooked")

// AddressAlreadyHookedError is returned when installing a hook at an
// address that already has one.
type AddressAlreadyHookedError struct {
	Addr uintptr
}

func (e AddressAlreadyHookedError) Error() string {
	return fmt.Sprintf("address %#x is already hooked", e.Addr)
}

func (e AddressAlreadyHookedError) Is(target error) bool { return target == ErrAddressAlreadyHooked }

// Invoker calls the native function at fn with args and returns its
// result register.
type Invoker func(fn uintptr, args ...uintptr) uintptr

// Option configures Install and InstallProbe.
type Option func(*options)

type options struct {
	invoke Invoker
	mode   int
}

// NativeInvoker returns the platform invoker, nil where there is none.
func NativeInvoker() Invoker { return defaultInvoker }

// WithInvoker replaces the platform invoker used by CallOriginal.
func WithInvoker(inv Invoker) Option {
	return func(o *options) { o.invoke = inv }
}

// WithMode forces the decoding mode (32 or 64) instead of deriving it from
// the pointer size of the space.
func WithMode(mode int) Option {
	return func(o *options) { o.mode = mode }
}

type tableKey struct {
	mem  memory.Space
	addr uintptr
}

// installed is the process-wide table of hooked addresses.
var installed = struct {
	sync.Mutex
	m map[tableKey]*Handle
}{m: map[tableKey]*Handle{}}

// Handle is an installed interception of one target address.
type Handle struct {
	mu sync.Mutex

	mem        memory.Space
	mode       int
	target     uintptr
	callback   uintptr
	relay      uintptr
	trampoline uintptr
	original   []byte
	patch      []byte
	plan       *Plan
	enabled    bool
	removed    bool
	probe      bool
	invoke     Invoker
}

// Install prepares an interception of target that diverts to callback.
// The returned handle is disabled.
func Install(mem memory.Space, target, callback uintptr, opts ...Option) (*Handle, error) {
	return install(mem, target, callback, false, opts)
}

func install(mem memory.Space, target, callback uintptr, probe bool, opts []Option) (*Handle, error) {
	o := options{invoke: defaultInvoker, mode: mem.PtrSize() * 8}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mode != 32 && o.mode != 64 {
		return nil, fmt.Errorf("unsupported mode %d", o.mode)
	}

	if err := memory.CheckExecutable(mem, target, jmpRel32Len); err != nil {
		return nil, err
	}

	installed.Lock()
	defer installed.Unlock()
	key := tableKey{mem, target}
	if _, ok := installed.m[key]; ok {
		return nil, AddressAlreadyHookedError{Addr: target}
	}

	code, err := readPrologue(mem, target)
	if err != nil {
		return nil, err
	}
	plan, err := NewPlan(code, target, o.mode, jmpRel32Len)
	if err != nil {
		return nil, err
	}

	block, err := mem.AllocNear(target, blockSize)
	if err != nil {
		return nil, fmt.Errorf("allocating trampoline near %#x: %w", target, err)
	}

	h := &Handle{
		mem:      mem,
		mode:     o.mode,
		target:   target,
		callback: callback,
		relay:    block,
		original: append([]byte(nil), code[:plan.Stolen]...),
		plan:     plan,
		probe:    probe,
		invoke:   o.invoke,
	}

	var entry []byte
	if probe {
		entry = probeStub(block, callback, o.mode)
	} else {
		entry = encodeJump(block, callback, o.mode)
		for len(entry) < relaySize {
			entry = append(entry, opInt3)
		}
	}
	h.trampoline = block + uintptr(len(entry))

	tramp, err := plan.Relocate(h.trampoline)
	if err != nil {
		return nil, err
	}
	if len(entry)+len(tramp) > blockSize {
		return nil, fmt.Errorf("%w: trampoline for %#x needs %d bytes", ErrRelocation, target, len(entry)+len(tramp))
	}

	patch, ok := detourPatch(target, block, plan.Stolen, o.mode)
	if !ok {
		return nil, fmt.Errorf("%w: relay at %#x out of reach of %#x", ErrRelocation, block, target)
	}
	h.patch = patch

	if err := memory.WriteCode(mem, block, append(entry, tramp...)); err != nil {
		return nil, err
	}

	installed.m[key] = h
	logflags.InterceptLogger().Debugf("installed %#x: relay %#x trampoline %#x stolen %d bytes\n%s", target, block, h.trampoline, plan.Stolen, plan)
	return h, nil
}

func readPrologue(mem memory.Space, target uintptr) ([]byte, error) {
	r, err := mem.Query(target)
	if err != nil {
		return nil, err
	}
	n := maxPrologue
	if avail := r.Base + r.Size - target; avail < uintptr(n) {
		n = int(avail)
	}
	return memory.ReadFull(mem, target, n)
}

// Target returns the intercepted address.
func (h *Handle) Target() uintptr { return h.target }

// Trampoline returns the address that runs the original code.
func (h *Handle) Trampoline() uintptr { return h.trampoline }

// Callback returns the address control is diverted to.
func (h *Handle) Callback() uintptr { return h.callback }

// Original returns a copy of the bytes the detour overwrites.
func (h *Handle) Original() []byte { return append([]byte(nil), h.original...) }

// Plan returns the relocation plan of the stolen instructions.
func (h *Handle) Plan() *Plan { return h.plan }

// IsProbe returns true for handles that run a probe and resume the target.
func (h *Handle) IsProbe() bool { return h.probe }

// Size is the number of bytes at the target the handle owns.
func (h *Handle) Size() int { return len(h.original) }

// Enabled returns true if control is currently diverted.
func (h *Handle) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// Enable writes the detour. Enabling an enabled handle does nothing.
func (h *Handle) Enable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed {
		return fmt.Errorf("hook at %#x was uninstalled", h.target)
	}
	if h.enabled {
		return nil
	}
	if err := memory.WriteCode(h.mem, h.target, h.patch); err != nil {
		return err
	}
	h.enabled = true
	logflags.InterceptLogger().Debugf("enabled %#x", h.target)
	return nil
}

// Disable restores the original bytes. Disabling a disabled handle does
// nothing.
func (h *Handle) Disable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.enabled {
		return nil
	}
	if err := memory.WriteCode(h.mem, h.target, h.original); err != nil {
		return err
	}
	h.enabled = false
	logflags.InterceptLogger().Debugf("disabled %#x", h.target)
	return nil
}

// Uninstall disables the handle and releases the target address so that it
// can be hooked again. The trampoline block stays allocated since a thread
// may still be running in it.
func (h *Handle) Uninstall() error {
	if err := h.Disable(); err != nil {
		return err
	}
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()

	installed.Lock()
	defer installed.Unlock()
	key := tableKey{h.mem, h.target}
	if installed.m[key] == h {
		delete(installed.m, key)
	}
	return nil
}

// CallOriginal runs the original function with args and returns its
// result. It must be called from the callback or after the handle was
// installed; it does not go through the detour.
func (h *Handle) CallOriginal(args ...uintptr) uintptr {
	if h.invoke == nil {
		panic("intercept: no invoker on " + runtime.GOOS)
	}
	return h.invoke(h.trampoline, args...)
}

// Lookup returns the handle installed at addr in mem.
func Lookup(mem memory.Space, addr uintptr) (*Handle, bool) {
	installed.Lock()
	defer installed.Unlock()
	h, ok := installed.m[tableKey{mem, addr}]
	return h, ok
}
