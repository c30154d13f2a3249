package sbx

import (
	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/overlay"
)

const (
	wmKeyDown    = 0x0100
	vkF1         = 0x70
	vkF12        = 0x7B
	keyRepeatBit = 1 << 30
)

var (
	panelColor   = overlay.RGBA(0x00, 0x03, 0x34, 0xdc)
	accentColor  = overlay.RGBA(0xff, 0x05, 0xf5, 0xff)
	onColor      = overlay.RGBA(0x20, 0xc0, 0x40, 0xff)
	offColor     = overlay.RGBA(0x50, 0x50, 0x50, 0xff)
	brokenColor  = overlay.RGBA(0xe0, 0x20, 0x20, 0xff)
	hpColor      = overlay.RGBA(0xe0, 0x30, 0x30, 0xff)
	hpEmptyColor = overlay.RGBA(0x30, 0x10, 0x10, 0xff)
)

// HUD layout in pixels.
const (
	hudX      = 10
	hudY      = 10
	hudW      = 220
	hudPad    = 6
	rowH      = 12
	rowGap    = 4
	barH      = 10
	pulseSize = 6
)

// HUD draws the overlay: a panel with one indicator per patch, the F keys
// flip them in order, and the hit points of both players during a battle.
type HUD struct {
	battle *Battle
	log    logflags.Logger
}

// NewHUD returns a HUD. battle may be nil when the battle context offset is
// unknown.
func NewHUD(battle *Battle) *HUD {
	return &HUD{battle: battle, log: logflags.OverlayLogger()}
}

// Draw implements overlay.DrawFunc.
func (h *HUD) Draw(ctx *overlay.Context) []overlay.Command {
	if !ctx.Visible {
		return nil
	}
	var patches []string
	if ctx.Registry != nil {
		patches = ctx.Registry.Patches()
	}
	h.handleKeys(ctx, patches)

	var hp [2]PlayerState
	inBattle := false
	if h.battle != nil {
		if s, err := h.battle.Snapshot(); err == nil {
			hp, inBattle = s, true
		}
	}

	rows := len(patches)
	height := int32(hudPad*2 + pulseSize + rowGap + rows*(rowH+rowGap))
	if inBattle {
		height += 2 * (barH + rowGap)
	}
	panel := overlay.Rect{X: hudX, Y: hudY, W: hudW, H: height}
	cmds := []overlay.Command{overlay.Fill(panel, panelColor)}
	cmds = append(cmds, overlay.Border(panel, 1, accentColor)...)

	inner := panel.Inset(hudPad)
	// a pulse that blinks every half second at 60 fps
	if (ctx.Frame/30)%2 == 0 {
		cmds = append(cmds, overlay.Fill(overlay.Rect{X: inner.X, Y: inner.Y, W: pulseSize, H: pulseSize}, accentColor))
	}
	y := inner.Y + pulseSize + rowGap

	for i, name := range patches {
		color := offColor
		if set, err := ctx.Registry.Patch(name); err == nil {
			switch {
			case set.Indeterminate():
				color = brokenColor
			case set.IsEnabled():
				color = onColor
			}
		}
		// key slot, then the state
		slot := overlay.Rect{X: inner.X, Y: y, W: rowH, H: rowH}
		if i < vkF12-vkF1+1 {
			cmds = append(cmds, overlay.Border(slot, 1, accentColor)...)
		}
		cmds = append(cmds, overlay.Fill(overlay.Rect{X: inner.X + rowH + rowGap, Y: y, W: inner.W - rowH - rowGap, H: rowH}, color))
		y += rowH + rowGap
	}

	if inBattle {
		for _, p := range hp {
			r := overlay.Rect{X: inner.X, Y: y, W: inner.W, H: barH}
			cmds = append(cmds, overlay.Bar(r, int64(p.HP), int64(p.InitialHP), hpColor, hpEmptyColor)...)
			y += barH + rowGap
		}
	}
	return cmds
}

// handleKeys flips patch i on a fresh press of F1+i.
func (h *HUD) handleKeys(ctx *overlay.Context, patches []string) {
	for _, ev := range ctx.Input {
		if ev.Msg != wmKeyDown || ev.LParam&keyRepeatBit != 0 {
			continue
		}
		if ev.WParam < vkF1 || ev.WParam > vkF12 {
			continue
		}
		i := int(ev.WParam - vkF1)
		if i >= len(patches) {
			continue
		}
		set, err := ctx.Registry.Patch(patches[i])
		if err != nil {
			continue
		}
		if err := set.Toggle(!set.IsEnabled()); err != nil {
			h.log.Errorf("toggling %s: %v", patches[i], err)
			continue
		}
		h.log.Infof("%s %s", patches[i], onOff(set.IsEnabled()))
	}
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
