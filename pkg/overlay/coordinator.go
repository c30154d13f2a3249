// Package overlay ties the lifetime of the overlay renderer to the graphics
// device of the host, which is only observed through intercepted present
// and reset calls.
package overlay

import (
	"errors"
	"fmt"

	"github.com/sbx-tool/sbxhook/pkg/logflags"
)

// State is the lifecycle state of the coordinator.
type State uint8

const (
	Uninitialized State = iota
	DeviceCaptured
	RendererReady
	WindowHooked
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case DeviceCaptured:
		return "DeviceCaptured"
	case RendererReady:
		return "RendererReady"
	case WindowHooked:
		return "WindowHooked"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

var (
	ErrRendererConstruction         = errors.New("renderer construction failed")
	ErrOutputSurfaceUnavailable     = errors.New("output surface unavailable")
	ErrWindowHookInstall            = errors.New("window hook install failed")
	ErrUnexpectedDeviceHandleChange = errors.New("unexpected device handle change")
)

// Device is the opaque handle of the host's graphics device.
type Device uintptr

// Window is the native handle of an output window.
type Window uintptr

// Renderer draws render commands with a device.
type Renderer interface {
	Render(cmds []Command) error
	// Close releases the device resources of the renderer.
	Close() error
}

// WindowHook is an installed interception of a window's message procedure.
type WindowHook interface {
	Window() Window
}

// Backend builds the resources the coordinator owns.
type Backend interface {
	NewRenderer(dev Device) (Renderer, error)
	// OutputWindow returns the window dev presents to.
	OutputWindow(dev Device) (Window, error)
	HookWindow(w Window) (WindowHook, error)
}

// Outcome tells the caller of OnPresent what happened this frame. In every
// case the caller still calls the original function.
type Outcome uint8

const (
	// OriginalOnly means no overlay frame was drawn.
	OriginalOnly Outcome = iota
	// Drew means an overlay frame was submitted to the renderer.
	Drew
)

// Coordinator is the state machine driving the overlay. It is not safe for
// concurrent use; the engine calls it with its lock held.
type Coordinator struct {
	backend Backend
	draw    DrawFunc
	ctx     *Context

	state    State
	device   Device
	renderer Renderer
	window   WindowHook
	history  []State
	lastErr  error
	log      logflags.Logger
}

// NewCoordinator returns a coordinator in the Uninitialized state.
func NewCoordinator(backend Backend, draw DrawFunc, ctx *Context) *Coordinator {
	if ctx == nil {
		ctx = &Context{}
	}
	return &Coordinator{
		backend: backend,
		draw:    draw,
		ctx:     ctx,
		history: []State{Uninitialized},
		log:     logflags.OverlayLogger(),
	}
}

func (c *Coordinator) setState(s State) {
	if s == c.state {
		return
	}
	c.log.Debugf("%s -> %s", c.state, s)
	c.state = s
	c.history = append(c.history, s)
}

func (c *Coordinator) fail(err error) Outcome {
	c.lastErr = err
	c.log.WithError(err).Errorf("overlay frame skipped in state %s", c.state)
	return OriginalOnly
}

// OnPresent advances the state machine for one presented frame of dev.
func (c *Coordinator) OnPresent(dev Device) Outcome {
	if c.state == Uninitialized {
		c.device = dev
		c.log.Infof("captured device %#x", uintptr(dev))
		c.setState(DeviceCaptured)
		return OriginalOnly
	}
	if dev != c.device {
		return c.fail(fmt.Errorf("%w: captured %#x, got %#x", ErrUnexpectedDeviceHandleChange, uintptr(c.device), uintptr(dev)))
	}

	if c.state == DeviceCaptured {
		r, err := c.backend.NewRenderer(dev)
		if err != nil {
			return c.fail(fmt.Errorf("%w: %v", ErrRendererConstruction, err))
		}
		c.renderer = r
		c.setState(RendererReady)
		c.lastErr = nil
		return OriginalOnly
	}

	if c.window == nil {
		w, err := c.backend.OutputWindow(dev)
		if err != nil {
			return c.fail(fmt.Errorf("%w: %v", ErrOutputSurfaceUnavailable, err))
		}
		if w == 0 {
			return c.fail(ErrOutputSurfaceUnavailable)
		}
		hook, err := c.backend.HookWindow(w)
		if err != nil {
			return c.fail(fmt.Errorf("%w: window %#x: %v", ErrWindowHookInstall, uintptr(w), err))
		}
		c.window = hook
		c.log.Infof("hooked window %#x", uintptr(w))
	}
	c.setState(WindowHooked)

	cmds := c.draw(c.ctx)
	c.ctx.Frame++
	c.ctx.Input = c.ctx.Input[:0]
	if err := c.renderer.Render(cmds); err != nil {
		c.fail(fmt.Errorf("rendering frame %d: %w", c.ctx.Frame, err))
	} else {
		c.lastErr = nil
	}
	return Drew
}

// OnReset drops the renderer ahead of a device reset. The window hook is
// kept since the window outlives the reset. A reset of any device but the
// captured one is logged and ignored.
func (c *Coordinator) OnReset(dev Device) {
	if c.state == Uninitialized {
		return
	}
	if dev != c.device {
		c.fail(fmt.Errorf("%w: reset of %#x, captured %#x", ErrUnexpectedDeviceHandleChange, uintptr(dev), uintptr(c.device)))
		return
	}
	if c.renderer != nil {
		if err := c.renderer.Close(); err != nil {
			c.log.WithError(err).Warnf("closing renderer")
		}
		c.renderer = nil
	}
	c.setState(DeviceCaptured)
}

// State returns the current state.
func (c *Coordinator) State() State { return c.state }

// Device returns the captured device, zero before the first present.
func (c *Coordinator) Device() Device { return c.device }

// HasRenderer returns true if the coordinator owns a renderer.
func (c *Coordinator) HasRenderer() bool { return c.renderer != nil }

// HasWindowHook returns true if the window hook is installed.
func (c *Coordinator) HasWindowHook() bool { return c.window != nil }

// History returns every state the coordinator entered, in order.
func (c *Coordinator) History() []State {
	return append([]State(nil), c.history...)
}

// Err returns the error that made the last frame skip the overlay, nil if
// the last frame succeeded.
func (c *Coordinator) Err() error { return c.lastErr }

// Context returns the context passed to the draw callback.
func (c *Coordinator) Context() *Context { return c.ctx }
