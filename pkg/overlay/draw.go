package overlay

import (
	"github.com/sbx-tool/sbxhook/pkg/registry"
)

// Color is a 32-bit ARGB color, the layout D3DCOLOR uses.
type Color uint32

// RGBA returns the color with the given components.
func RGBA(r, g, b, a uint8) Color {
	return Color(uint32(a)<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b))
}

func (c Color) A() uint8 { return uint8(c >> 24) }

// Rect is a screen rectangle in pixels.
type Rect struct {
	X, Y, W, H int32
}

// Empty returns true if the rectangle covers no pixels.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Inset shrinks the rectangle by n pixels on every side.
func (r Rect) Inset(n int32) Rect {
	return Rect{X: r.X + n, Y: r.Y + n, W: r.W - 2*n, H: r.H - 2*n}
}

// CommandKind is the operation of a render command.
type CommandKind uint8

const (
	// FillRect fills Rect with Color.
	FillRect CommandKind = iota
)

// Command is one render command produced by a DrawFunc.
type Command struct {
	Kind  CommandKind
	Rect  Rect
	Color Color
}

// Fill returns a command filling r with c.
func Fill(r Rect, c Color) Command {
	return Command{Kind: FillRect, Rect: r, Color: c}
}

// Border returns the commands drawing the outline of r, t pixels thick.
func Border(r Rect, t int32, c Color) []Command {
	return []Command{
		Fill(Rect{r.X, r.Y, r.W, t}, c),
		Fill(Rect{r.X, r.Y + r.H - t, r.W, t}, c),
		Fill(Rect{r.X, r.Y + t, t, r.H - 2*t}, c),
		Fill(Rect{r.X + r.W - t, r.Y + t, t, r.H - 2*t}, c),
	}
}

// Bar returns the commands drawing a horizontal gauge filled to
// value/max.
func Bar(r Rect, value, max int64, fg, bg Color) []Command {
	cmds := []Command{Fill(r, bg)}
	if max <= 0 || value <= 0 {
		return cmds
	}
	if value > max {
		value = max
	}
	w := int32(int64(r.W) * value / max)
	if w > 0 {
		cmds = append(cmds, Fill(Rect{r.X, r.Y, w, r.H}, fg))
	}
	return cmds
}

// InputEvent is a window message the window hook forwarded to the overlay.
type InputEvent struct {
	Msg    uint32
	WParam uintptr
	LParam uintptr
}

const (
	wmKeyDown = 0x0100
	// bit 30 of lParam is set for auto-repeated key downs
	keyRepeatBit = 1 << 30
)

// Context is what the draw callback sees of the engine. It is only read
// or changed while holding the engine lock.
type Context struct {
	// Frame counts the frames the overlay drew.
	Frame uint64
	// Visible is flipped by the toggle key.
	Visible bool
	// ToggleKey is the virtual key code that flips Visible.
	ToggleKey uint32
	// Input holds the messages received since the last frame.
	Input []InputEvent
	// Registry gives access to the patches so the overlay can show them.
	Registry *registry.Registry
}

// maxPendingInput bounds Input when no frame drains it.
const maxPendingInput = 256

// HandleInput records ev and flips Visible when it is a fresh press of
// the toggle key. It returns true if the message was the toggle key.
func (c *Context) HandleInput(ev InputEvent) bool {
	if ev.Msg == wmKeyDown && c.ToggleKey != 0 && uint32(ev.WParam) == c.ToggleKey {
		if ev.LParam&keyRepeatBit == 0 {
			c.Visible = !c.Visible
		}
		return true
	}
	if len(c.Input) < maxPendingInput {
		c.Input = append(c.Input, ev)
	}
	return false
}

// DrawFunc produces the render commands of one overlay frame.
type DrawFunc func(ctx *Context) []Command
