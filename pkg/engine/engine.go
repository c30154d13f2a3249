// Package engine is the process wide runtime context of sbxhook. It owns
// the registry of hooks and patches and the overlay coordinator, and
// exposes the operations that install them.
//
// Every mutable part of the engine is reached through Engine.With, which
// holds a single lock. Hook callbacks take the lock to update state and
// release it before calling the original function, since the original may
// reenter instrumented code on the same thread.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/memory"
	"github.com/sbx-tool/sbxhook/pkg/overlay"
	"github.com/sbx-tool/sbxhook/pkg/patch"
	"github.com/sbx-tool/sbxhook/pkg/registry"
)

// Names of the hooks the engine installs itself.
const (
	PresentHook = "d3d9.end-scene"
	ResetHook   = "d3d9.reset"
	WindowHook  = "window.wndproc"
)

// ErrAlreadyAttached is returned by a second AttachDeviceLifecycle.
var ErrAlreadyAttached = errors.New("device lifecycle already attached")

// Loc is an address given as an offset from the base of a module, or from
// a function the module exports when Symbol is set. An empty Module is the
// host executable.
type Loc struct {
	Module string
	Offset uintptr
	Symbol string
}

func (l Loc) String() string {
	m := l.Module
	if m == "" {
		m = "main"
	}
	if l.Symbol != "" {
		m += "!" + l.Symbol
		if l.Offset == 0 {
			return m
		}
	}
	return fmt.Sprintf("%s+%#x", m, l.Offset)
}

// Resolver returns the base address of a loaded module.
type Resolver func(module string) (uintptr, error)

// SymbolResolver returns the address of an exported function.
type SymbolResolver func(module, symbol string) (uintptr, error)

// Callbacks turns Go functions into native entry points hooks can divert
// to.
type Callbacks interface {
	Callback(fn interface{}) uintptr
	ProbeCallback(mem memory.Space, fn func(intercept.Registers)) uintptr
}

type nativeCallbacks struct{}

func (nativeCallbacks) Callback(fn interface{}) uintptr { return intercept.NewCallback(fn) }

func (nativeCallbacks) ProbeCallback(mem memory.Space, fn func(intercept.Registers)) uintptr {
	return intercept.NewProbeCallback(mem, fn)
}

// PatchID identifies a patch set installed with InstallPatch.
type PatchID int

// PatchRegion is a region of a patch to install.
type PatchRegion struct {
	Loc   Loc
	Bytes []byte
}

// Surfaces builds the device side resources of the overlay.
type Surfaces interface {
	NewRenderer(dev overlay.Device) (overlay.Renderer, error)
	OutputWindow(dev overlay.Device) (overlay.Window, error)
}

// State is the mutable part of the engine.
type State struct {
	Registry    *registry.Registry
	Overlay     *overlay.Context
	Coordinator *overlay.Coordinator

	patches []*patch.Set
	ids     map[string]PatchID
}

// Patch returns the patch set with the given id.
func (s *State) Patch(id PatchID) (*patch.Set, error) {
	if id < 0 || int(id) >= len(s.patches) || s.patches[id] == nil {
		return nil, fmt.Errorf("no patch with id %d", id)
	}
	return s.patches[id], nil
}

// PatchID returns the id of the patch set registered under name.
func (s *State) PatchID(name string) (PatchID, bool) {
	id, ok := s.ids[name]
	return id, ok
}

// Engine is the runtime context.
type Engine struct {
	mu    sync.Mutex
	state State

	mem        memory.Space
	resolve    Resolver
	symbols    SymbolResolver
	callbacks  Callbacks
	windowProc func(overlay.Window) (uintptr, error)
	hookOpts   []intercept.Option
	log        logflags.Logger

	// set by a successful AttachDeviceLifecycle, read by the callbacks
	// without the lock
	present      *intercept.Handle
	reset        *intercept.Handle
	wndproc      *intercept.Handle
	wndprocEntry uintptr
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver replaces the module base resolver.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolve = r }
}

// WithSymbolResolver replaces the lookup of exported functions.
func WithSymbolResolver(r SymbolResolver) Option {
	return func(e *Engine) { e.symbols = r }
}

// WithCallbacks replaces the native callback factory.
func WithCallbacks(c Callbacks) Option {
	return func(e *Engine) { e.callbacks = c }
}

// WithWindowProc replaces the lookup of a window's message procedure.
func WithWindowProc(f func(overlay.Window) (uintptr, error)) Option {
	return func(e *Engine) { e.windowProc = f }
}

// WithHookOptions passes opts to every interception the engine installs.
func WithHookOptions(opts ...intercept.Option) Option {
	return func(e *Engine) { e.hookOpts = append(e.hookOpts, opts...) }
}

// WithToggleKey sets the virtual key that shows or hides the overlay.
func WithToggleKey(vk uint32) Option {
	return func(e *Engine) { e.state.Overlay.ToggleKey = vk }
}

// New returns the runtime context for mem. It must be built before any hook
// is enabled.
func New(mem memory.Space, opts ...Option) *Engine {
	reg := registry.New()
	e := &Engine{
		state: State{
			Registry: reg,
			Overlay:  &overlay.Context{Registry: reg, Visible: true},
			ids:      map[string]PatchID{},
		},
		mem:        mem,
		resolve:    memory.ModuleBase,
		symbols:    memory.ProcAddress,
		callbacks:  nativeCallbacks{},
		windowProc: windowProc,
		log:        logflags.EngineLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// With calls fn with the engine lock held.
func (e *Engine) With(fn func(*State) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&e.state)
}

// Space returns the address space the engine patches.
func (e *Engine) Space() memory.Space { return e.mem }

// Resolve returns the absolute address of l.
func (e *Engine) Resolve(l Loc) (uintptr, error) {
	var base uintptr
	var err error
	if l.Symbol != "" {
		base, err = e.symbols(l.Module, l.Symbol)
	} else {
		base, err = e.resolve(l.Module)
	}
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", l, err)
	}
	return base + l.Offset, nil
}

// InstallFunctionHook diverts the function at l to callback, a native entry
// point, and registers it under name. The hook is enabled on return.
func (e *Engine) InstallFunctionHook(name string, l Loc, callback uintptr) (*intercept.Handle, error) {
	h, err := e.PrepareFunctionHook(name, l, callback)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enable(name, h); err != nil {
		e.dropHookLocked(name)
		return nil, err
	}
	return h, nil
}

// PrepareFunctionHook is InstallFunctionHook without the final enable, for
// callers that must keep the handle before the callback can run. Enable
// the hook with EnableHook.
func (e *Engine) PrepareFunctionHook(name string, l Loc, callback uintptr) (*intercept.Handle, error) {
	addr, err := e.Resolve(l)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.installLocked(name, addr, callback, false)
}

// EnableHook enables the hook registered under name.
func (e *Engine) EnableHook(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, err := e.state.Registry.Hook(name)
	if err != nil {
		return err
	}
	return e.enable(name, h)
}

// Callback returns a native entry point that calls fn.
func (e *Engine) Callback(fn interface{}) uintptr {
	return e.callbacks.Callback(fn)
}

// InstallProbe installs a probe at l that calls fn with the registers of
// the thread reaching it.
func (e *Engine) InstallProbe(name string, l Loc, fn func(intercept.Registers)) (*intercept.Handle, error) {
	addr, err := e.Resolve(l)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.state.Registry.Check(name, []registry.Range{{Addr: addr, Size: 5}}); err != nil {
		return nil, err
	}
	h, err := e.installLocked(name, addr, e.callbacks.ProbeCallback(e.mem, fn), true)
	if err != nil {
		return nil, err
	}
	if err := e.enable(name, h); err != nil {
		e.dropHookLocked(name)
		return nil, err
	}
	return h, nil
}

// installLocked installs and registers a disabled hook.
func (e *Engine) installLocked(name string, addr, callback uintptr, probe bool) (*intercept.Handle, error) {
	// the handle may steal more than 5 bytes, the registry checks again
	// with the real size before anything is written to the target
	if err := e.state.Registry.Check(name, []registry.Range{{Addr: addr, Size: 5}}); err != nil {
		return nil, err
	}
	install := intercept.Install
	if probe {
		install = intercept.InstallProbe
	}
	h, err := install(e.mem, addr, callback, e.hookOpts...)
	if err != nil {
		return nil, fmt.Errorf("installing %q at %#x: %w", name, addr, err)
	}
	if err := e.state.Registry.RegisterHook(name, h); err != nil {
		h.Uninstall()
		return nil, err
	}
	return h, nil
}

func (e *Engine) enable(name string, h *intercept.Handle) error {
	if err := h.Enable(); err != nil {
		return fmt.Errorf("enabling %q: %w", name, err)
	}
	e.log.WithField("hook", name).Infof("enabled at %#x, trampoline %#x", h.Target(), h.Trampoline())
	return nil
}

// InstallPatch captures the original bytes of regions and registers them
// as one patch set. The set starts disabled.
func (e *Engine) InstallPatch(name string, regions []PatchRegion) (PatchID, error) {
	specs := make([]patch.Spec, len(regions))
	ranges := make([]registry.Range, len(regions))
	for i, r := range regions {
		addr, err := e.Resolve(r.Loc)
		if err != nil {
			return -1, err
		}
		specs[i] = patch.Spec{Addr: addr, Bytes: r.Bytes}
		ranges[i] = registry.Range{Addr: addr, Size: len(r.Bytes)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.state.Registry.Check(name, ranges); err != nil {
		return -1, err
	}
	set, err := patch.New(e.mem, name, specs)
	if err != nil {
		return -1, err
	}
	if err := e.state.Registry.RegisterPatch(name, set); err != nil {
		return -1, err
	}
	id := PatchID(len(e.state.patches))
	e.state.patches = append(e.state.patches, set)
	e.state.ids[name] = id
	e.log.Infof("patch %q installed with %d regions", name, len(regions))
	return id, nil
}

// TogglePatch applies or reverts a patch set.
func (e *Engine) TogglePatch(id PatchID, enable bool) error {
	return e.With(func(s *State) error {
		set, err := s.Patch(id)
		if err != nil {
			return err
		}
		return set.Toggle(enable)
	})
}

// AttachDeviceLifecycle hooks the device's present and reset functions and
// starts the overlay coordinator. surfaces builds the renderer and finds
// the output window; the engine hooks that window itself.
func (e *Engine) AttachDeviceLifecycle(present, reset Loc, draw overlay.DrawFunc, surfaces Surfaces) error {
	presentAddr, err := e.Resolve(present)
	if err != nil {
		return err
	}
	resetAddr, err := e.Resolve(reset)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Coordinator != nil {
		return ErrAlreadyAttached
	}
	if err := e.attachLocked(presentAddr, resetAddr, draw, surfaces); err != nil {
		// leave nothing behind so that the attach can be retried
		e.state.Coordinator = nil
		if e.present != nil {
			e.dropHookLocked(PresentHook)
		}
		if e.reset != nil {
			e.dropHookLocked(ResetHook)
		}
		e.present, e.reset = nil, nil
		return err
	}
	return nil
}

func (e *Engine) attachLocked(presentAddr, resetAddr uintptr, draw overlay.DrawFunc, surfaces Surfaces) error {
	e.state.Coordinator = overlay.NewCoordinator(&backend{Surfaces: surfaces, e: e}, draw, e.state.Overlay)

	var err error
	e.present, err = e.installLocked(PresentHook, presentAddr, e.callbacks.Callback(e.presentCallback), false)
	if err != nil {
		return err
	}
	e.reset, err = e.installLocked(ResetHook, resetAddr, e.callbacks.Callback(e.resetCallback), false)
	if err != nil {
		return err
	}
	// the handles are in place before either callback can run
	if err := e.enable(ResetHook, e.reset); err != nil {
		return err
	}
	return e.enable(PresentHook, e.present)
}

// RemoveHook uninstalls the hook registered under name and releases its
// name and address.
func (e *Engine) RemoveHook(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeHookLocked(name)
}

func (e *Engine) removeHookLocked(name string) error {
	h, err := e.state.Registry.Hook(name)
	if err != nil {
		return err
	}
	if err := h.Uninstall(); err != nil {
		return fmt.Errorf("removing %q: %w", name, err)
	}
	return e.state.Registry.Remove(name)
}

func (e *Engine) dropHookLocked(name string) {
	if err := e.removeHookLocked(name); err != nil {
		e.log.WithError(err).Errorf("could not remove hook %q", name)
	}
}

// RemovePatch reverts the patch set registered under name and releases its
// name and regions. Its PatchID becomes invalid.
func (e *Engine) RemovePatch(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, err := e.state.Registry.Patch(name)
	if err != nil {
		return err
	}
	if err := set.Toggle(false); err != nil {
		return fmt.Errorf("removing %q: %w", name, err)
	}
	if id, ok := e.state.ids[name]; ok {
		e.state.patches[id] = nil
		delete(e.state.ids, name)
	}
	return e.state.Registry.Remove(name)
}

func (e *Engine) presentCallback(dev uintptr) uintptr { return e.Present(dev) }

func (e *Engine) resetCallback(dev, params uintptr) uintptr { return e.Reset(dev, params) }

func (e *Engine) windowCallback(hwnd, msg, wparam, lparam uintptr) uintptr {
	return e.WindowMessage(hwnd, msg, wparam, lparam)
}

// step runs fn with the engine lock held. A panic in fn is logged and
// dropped, the caller still calls the original function.
func (e *Engine) step(hook string, fn func(*State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("hook", hook).Errorf("recovered from panic: %v", r)
		}
	}()
	fn(&e.state)
}

// Present is the body of the present hook.
func (e *Engine) Present(dev uintptr) uintptr {
	e.step(PresentHook, func(s *State) {
		if c := s.Coordinator; c != nil {
			c.OnPresent(overlay.Device(dev))
		}
	})
	return e.present.CallOriginal(dev)
}

// Reset is the body of the reset hook.
func (e *Engine) Reset(dev, params uintptr) uintptr {
	e.step(ResetHook, func(s *State) {
		if c := s.Coordinator; c != nil {
			c.OnReset(overlay.Device(dev))
		}
	})
	e.log.Infof("device %#x reset", dev)
	return e.reset.CallOriginal(dev, params)
}

// WindowMessage is the body of the window procedure hook.
func (e *Engine) WindowMessage(hwnd, msg, wparam, lparam uintptr) uintptr {
	e.step(WindowHook, func(s *State) {
		s.Overlay.HandleInput(overlay.InputEvent{Msg: uint32(msg), WParam: wparam, LParam: lparam})
	})
	return e.wndproc.CallOriginal(hwnd, msg, wparam, lparam)
}

// backend completes Surfaces with the engine's window hook.
type backend struct {
	Surfaces
	e *Engine
}

type windowHook struct {
	w overlay.Window
	h *intercept.Handle
}

func (w windowHook) Window() overlay.Window { return w.w }

// HookWindow is called by the coordinator with the engine lock held. It is
// retried every frame until it succeeds.
func (b *backend) HookWindow(w overlay.Window) (overlay.WindowHook, error) {
	e := b.e
	if e.wndproc == nil {
		proc, err := e.windowProc(w)
		if err != nil {
			return nil, err
		}
		if proc == 0 {
			return nil, fmt.Errorf("window %#x has no message procedure", uintptr(w))
		}
		if e.wndprocEntry == 0 {
			e.wndprocEntry = e.callbacks.Callback(e.windowCallback)
		}
		h, err := e.installLocked(WindowHook, proc, e.wndprocEntry, false)
		if err != nil {
			return nil, err
		}
		e.wndproc = h
	}
	if err := e.enable(WindowHook, e.wndproc); err != nil {
		return nil, err
	}
	return windowHook{w: w, h: e.wndproc}, nil
}
