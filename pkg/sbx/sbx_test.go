package sbx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sbx-tool/sbxhook/pkg/config"
	"github.com/sbx-tool/sbxhook/pkg/engine"
	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/memory"
	"github.com/sbx-tool/sbxhook/pkg/overlay"
)

const (
	mainBase     = uintptr(0x400000)
	d3d9Base     = uintptr(0x10000000)
	createFileA  = uintptr(0x20000000)
	battleOff    = uintptr(0x100000)
	stringsAddr  = uintptr(0x30000000)
	recordsAddr  = uintptr(0x31000000)
	disableCost0 = uintptr(0x1000)
)

var hotPatch = []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC}

func module(size int, funcs ...uintptr) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xCC
	}
	for _, f := range funcs {
		copy(b[f:], hotPatch)
	}
	return b
}

type fakeCallbacks struct {
	next  uintptr
	funcs map[uintptr]interface{}
}

func (c *fakeCallbacks) Callback(fn interface{}) uintptr {
	c.next += 0x10
	c.funcs[c.next] = fn
	return c.next
}

func (c *fakeCallbacks) ProbeCallback(mem memory.Space, fn func(intercept.Registers)) uintptr {
	return c.Callback(fn)
}

type fakeRenderer struct{ frames [][]overlay.Command }

func (r *fakeRenderer) Render(cmds []overlay.Command) error {
	r.frames = append(r.frames, cmds)
	return nil
}

func (r *fakeRenderer) Close() error { return nil }

type fakeSurfaces struct{ r fakeRenderer }

func (s *fakeSurfaces) NewRenderer(overlay.Device) (overlay.Renderer, error) { return &s.r, nil }

func (s *fakeSurfaces) OutputWindow(overlay.Device) (overlay.Window, error) { return 0x777, nil }

type call struct {
	fn   uintptr
	args []uintptr
}

type world struct {
	mem   *memory.Sim
	cbs   *fakeCallbacks
	e     *engine.Engine
	calls []call
}

func newWorld(t *testing.T) *world {
	w := &world{mem: memory.NewSim(4), cbs: &fakeCallbacks{next: 0x40000000, funcs: map[uintptr]interface{}{}}}
	w.mem.Map(mainBase, module(0x200000, 0x18888, 0x61F13), memory.ProtRX)
	w.mem.Map(d3d9Base, module(0xF0000, 0x67510, 0xe4480), memory.ProtRX)
	w.mem.Map(createFileA, module(0x10, 0), memory.ProtRX)
	w.mem.Map(0x50000000, module(0x10, 0), memory.ProtRX)
	w.mem.Map(stringsAddr, make([]byte, 0x100), memory.ProtRW)
	w.mem.Map(recordsAddr, make([]byte, 0x400), memory.ProtRW)
	_, err := w.mem.WriteMemory(mainBase+battleOff, make([]byte, 0x40))
	require.NoError(t, err)

	w.e = engine.New(w.mem,
		engine.WithResolver(func(m string) (uintptr, error) {
			switch m {
			case "":
				return mainBase, nil
			case "d3d9.dll":
				return d3d9Base, nil
			}
			return 0, fmt.Errorf("module %s not loaded", m)
		}),
		engine.WithSymbolResolver(func(m, sym string) (uintptr, error) {
			if m == "kernel32.dll" && sym == "CreateFileA" {
				return createFileA, nil
			}
			return 0, fmt.Errorf("%s!%s not found", m, sym)
		}),
		engine.WithCallbacks(w.cbs),
		engine.WithWindowProc(func(overlay.Window) (uintptr, error) { return 0x50000000, nil }),
		engine.WithHookOptions(intercept.WithInvoker(func(fn uintptr, args ...uintptr) uintptr {
			w.calls = append(w.calls, call{fn, args})
			return 0
		})),
	)
	return w
}

func (w *world) hook(t *testing.T, name string) *intercept.Handle {
	var h *intercept.Handle
	require.NoError(t, w.e.With(func(s *engine.State) error {
		var err error
		h, err = s.Registry.Hook(name)
		return err
	}))
	return h
}

// setBattle points the battle context at two players.
func (w *world) setBattle(t *testing.T, b Battle) {
	ctx := memory.NewView(w.mem, mainBase+battleOff)
	p1, p2, s1, s2 := recordsAddr, recordsAddr+0x100, recordsAddr+0x200, recordsAddr+0x300
	require.NoError(t, memory.Write(ctx, battleP1, uint32(p1)))
	require.NoError(t, memory.Write(ctx, battleP2, uint32(p2)))
	require.NoError(t, memory.Write(ctx, battleP1SubParams, uint32(s1)))
	require.NoError(t, memory.Write(ctx, battleP2SubParams, uint32(s2)))
	require.NoError(t, memory.Write(ctx, battleP1Rush, uint32(3)))
	require.NoError(t, memory.Write(ctx, battleP2Score, uint32(120000)))
	rec := memory.NewView(w.mem, p1)
	require.NoError(t, memory.Write(rec, playerInitialHP, uint32(10000)))
	require.NoError(t, memory.Write(rec, playerCurrentHP, uint32(2500)))
	require.NoError(t, memory.Write(memory.NewView(w.mem, s2), subParamCurrentEx, int32(-30)))
}

func TestOffsets(t *testing.T) {
	o := DefaultOffsets()
	loc, err := o.Loc(OffEndScene)
	require.NoError(t, err)
	require.Equal(t, engine.Loc{Module: "d3d9.dll", Offset: 0x67510}, loc)

	_, err = o.Loc(OffBattleContext)
	require.True(t, errors.Is(err, ErrOffsetNotConfigured))

	require.NoError(t, o.Apply(map[string]config.Offset{OffBattleContext: 0x1234, OffEndScene: 0x10}))
	loc, err = o.Loc(OffBattleContext)
	require.NoError(t, err)
	require.Equal(t, engine.Loc{Offset: 0x1234}, loc)
	end, _ := o.Get(OffEndScene)
	require.Equal(t, uintptr(0x10), end.Offset)
	require.Equal(t, "d3d9.dll", end.Module)

	require.Error(t, o.Apply(map[string]config.Offset{"nope": 1}))
	_, err = o.Get("nope")
	require.Error(t, err)

	sorted := o.Sorted()
	require.Len(t, sorted, len(o))
	for i := 1; i < len(sorted); i++ {
		require.Less(t, sorted[i-1].Name, sorted[i].Name)
	}
}

func TestBattle(t *testing.T) {
	w := newWorld(t)
	b := NewBattle(w.mem, mainBase+battleOff)
	require.False(t, b.InBattle())
	_, err := b.Player(0)
	require.True(t, errors.Is(err, ErrNotInBattle))
	require.True(t, errors.Is(b.Set("p1.hp", 1), ErrNotInBattle))

	w.setBattle(t, b)
	require.True(t, b.InBattle())
	snap, err := b.Snapshot()
	require.NoError(t, err)
	require.Equal(t, PlayerState{Side: 0, Record: recordsAddr, InitialHP: 10000, HP: 2500, Rush: 3}, snap[0])
	require.Equal(t, int32(-30), snap[1].Ex)
	require.Equal(t, uint32(120000), snap[1].Score)

	require.NoError(t, b.Set("p2.hp", 1234))
	require.NoError(t, b.Set("p1.ex", 300))
	require.NoError(t, b.Set("p2.rush", 7))
	require.NoError(t, b.Set("p1.score", 99))
	snap, err = b.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint32(1234), snap[1].HP)
	require.Equal(t, int32(300), snap[0].Ex)
	require.Equal(t, uint32(7), snap[1].Rush)
	require.Equal(t, uint32(99), snap[0].Score)

	require.Error(t, b.Set("p3.hp", 1))
	require.Error(t, b.Set("p1.mana", 1))
	require.Error(t, b.Set("hp", 1))
	require.Contains(t, BattleFields(), "p2.score")
	require.Len(t, BattleFields(), 8)
}

func TestSceneTracer(t *testing.T) {
	w := newWorld(t)
	flag := mainBase + 0x1E5EE0
	tr := NewSceneTracer(w.mem, flag)
	require.Equal(t, "no scene observed", tr.String())
	require.NoError(t, memory.Write(memory.NewView(w.mem, flag), 0, uint32(95)))

	s, changed, err := tr.Observe()
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "BRAVE_MODE_SSS", s.String())
	_, changed, _ = tr.Observe()
	require.False(t, changed)

	require.NoError(t, memory.Write(memory.NewView(w.mem, flag), 0, uint32(99)))
	tr.Probe(intercept.Registers{})
	cur, ok := tr.Current()
	require.True(t, ok)
	require.Equal(t, Scene(99), cur)
	require.Equal(t, "BATTLE(99)", tr.String())
	require.Equal(t, []Scene{95, 99}, tr.History())
	require.Equal(t, "Unknown", Scene(5).String())
}

func TestCodepageAndStrings(t *testing.T) {
	w := newWorld(t)
	// キャラ.EPA in Shift-JIS
	name := []byte{0x83, 0x4C, 0x83, 0x83, 0x83, 0x89, '.', 'E', 'P', 'A', 0}
	_, err := w.mem.WriteMemory(stringsAddr, name)
	require.NoError(t, err)

	raw, err := ReadCString(w.mem, stringsAddr, maxPath)
	require.NoError(t, err)
	require.Equal(t, name[:len(name)-1], raw)

	cp, err := NewCodepage("shift-jis")
	require.NoError(t, err)
	require.Equal(t, "キャラ.EPA", cp.Decode(raw))
	raw8, _ := NewCodepage("")
	require.Equal(t, "abc", raw8.Decode([]byte("abc")))
	_, err = NewCodepage("klingon")
	require.Error(t, err)

	// unterminated string at the end of the mapping
	_, err = w.mem.WriteMemory(stringsAddr+0xFC, []byte("abcd"))
	require.NoError(t, err)
	tail, err := ReadCString(w.mem, stringsAddr+0xFC, maxPath)
	require.NoError(t, err)
	require.Equal(t, []byte("abcd"), tail)

	_, err = ReadCString(w.mem, 0, maxPath)
	require.True(t, errors.Is(err, memory.ErrInvalidAddress))
}

func TestFileFlags(t *testing.T) {
	require.Equal(t, "OPEN_EXISTING", DispositionName(3))
	require.Equal(t, "Unknown", DispositionName(9))
	require.Equal(t, "FILE_ATTRIBUTE_NORMAL", FlagNames(0x80))
	require.Equal(t, "FILE_ATTRIBUTE_NORMAL|FILE_FLAG_SEQUENTIAL_SCAN", FlagNames(0x08000080))
	require.Equal(t, "FILE_ATTRIBUTE_READONLY|0x8", FlagNames(0x9))
	require.Equal(t, "0x0", FlagNames(0))
}

func TestAttach(t *testing.T) {
	w := newWorld(t)
	cfg := &config.Config{
		ANSICodepage:      "shift-jis",
		TraceScenes:       true,
		TraceMessages:     true,
		MonitorFileAccess: true,
		Offsets: map[string]config.Offset{
			OffBattleContext:  config.Offset(battleOff),
			OffCSSDisableCost: config.Offset(disableCost0),
		},
		Patches: []config.PatchConfig{{
			Name:    "rush",
			Enabled: true,
			Regions: []config.PatchRegion{{Offset: 0x2000, Bytes: config.HexBytes{0x90, 0x90}}},
		}},
	}
	surfaces := &fakeSurfaces{}
	queue := []Message{{Msg: 0x8001, WParam: 7}}
	peek := func() (Message, bool) {
		if len(queue) == 0 {
			return Message{}, false
		}
		return queue[0], true
	}
	rt, err := Attach(w.e, cfg, surfaces, WithPeek(peek))
	require.NoError(t, err)
	require.NotNil(t, rt.Battle)

	require.ElementsMatch(t, []string{engine.PresentHook, engine.ResetHook, SceneProbe, MessageProbe, FileMonitorHook}, hookNames(w.e))
	require.Equal(t, []string{DisableCostName, "rush"}, patchNames(w.e))
	require.Equal(t, []byte{0x90, 0x90}, w.mem.Bytes(mainBase+0x2000, 2))
	require.Equal(t, []byte{0xCC, 0xCC, 0xCC, 0xCC}, w.mem.Bytes(mainBase+disableCost0, 4))
	require.True(t, w.hook(t, SceneProbe).IsProbe())

	// the file monitor logs and calls the original
	mon := w.hook(t, FileMonitorHook)
	require.Same(t, mon, rt.Files.Handle)
	fn := w.cbs.funcs[mon.Callback()].(func(a, b, c, d, e, f, g uintptr) uintptr)
	_, err = w.mem.WriteMemory(stringsAddr, []byte("data\\sys.epa\x00"))
	require.NoError(t, err)
	fn(stringsAddr, 0x80000000, 1, 0, 3, 0x80, 0)
	require.Equal(t, []FileOpen{{Name: `data\sys.epa`, Disposition: 3, Flags: 0x80}}, rt.Files.Recent())
	require.Equal(t, call{mon.Trampoline(), []uintptr{stringsAddr, 0x80000000, 1, 0, 3, 0x80, 0}}, w.calls[len(w.calls)-1])

	_, err = w.mem.WriteMemory(stringsAddr, []byte("save.dat\x00"))
	require.NoError(t, err)
	fn(stringsAddr, 0, 0, 0, 2, 0, 0)
	require.Len(t, rt.Files.Recent(), 1)

	// the scene probe follows the flag
	require.NoError(t, memory.Write(memory.NewView(w.mem, mainBase+0x1E5EE0), 0, uint32(97)))
	probe := w.cbs.funcs[w.hook(t, SceneProbe).Callback()].(func(intercept.Registers))
	probe(intercept.Registers{})
	cur, _ := rt.Scenes.Current()
	require.Equal(t, "VS_CPU_MODE_CSS", cur.String())

	// the main loop probe logs the waiting thread message
	msgs := w.hook(t, MessageProbe)
	require.True(t, msgs.IsProbe())
	require.Equal(t, mainBase+0x61F13, msgs.Target())
	w.cbs.funcs[msgs.Callback()].(func(intercept.Registers))(intercept.Registers{})
	require.Equal(t, queue, rt.Messages.Recent())

	// the HUD draws once the window is hooked
	for i := 0; i < 3; i++ {
		w.e.Present(0x5000)
	}
	require.Len(t, surfaces.r.frames, 1)
	require.NotEmpty(t, surfaces.r.frames[0])

	_, err = rt.InCharacterSelect()
	require.True(t, errors.Is(err, ErrOffsetNotConfigured))
	b, err := rt.BattleContext()
	require.NoError(t, err)
	require.False(t, b.InBattle())
}

func TestAttachErrors(t *testing.T) {
	w := newWorld(t)
	_, err := Attach(w.e, &config.Config{Offsets: map[string]config.Offset{"bogus": 1}}, &fakeSurfaces{})
	require.Error(t, err)
	_, err = Attach(w.e, &config.Config{ANSICodepage: "klingon"}, &fakeSurfaces{})
	require.Error(t, err)

	w = newWorld(t)
	_, err = Attach(w.e, &config.Config{Offsets: map[string]config.Offset{OffEndScene: 0x10}}, &fakeSurfaces{})
	require.True(t, errors.Is(err, intercept.ErrFunctionTooShort) || errors.Is(err, memory.ErrInvalidAddress))
}

func TestAttachRollsBack(t *testing.T) {
	w := newWorld(t)
	cfg := &config.Config{
		TraceScenes:       true,
		TraceMessages:     true,
		MonitorFileAccess: true,
		Offsets: map[string]config.Offset{
			OffCSSDisableCost: config.Offset(disableCost0),
			OffEndScene:       0x10,
		},
		Patches: []config.PatchConfig{{
			Name:    "rush",
			Enabled: true,
			Regions: []config.PatchRegion{{Offset: 0x2000, Bytes: config.HexBytes{0x90, 0x90}}},
		}},
	}
	peek := func() (Message, bool) { return Message{}, false }
	_, err := Attach(w.e, cfg, &fakeSurfaces{}, WithPeek(peek))
	require.True(t, errors.Is(err, intercept.ErrFunctionTooShort))

	// nothing the failed attach installed is left in the game
	require.Equal(t, []byte{0xCC, 0xCC}, w.mem.Bytes(mainBase+0x2000, 2))
	require.Equal(t, hotPatch, w.mem.Bytes(createFileA, len(hotPatch)))
	require.Equal(t, hotPatch, w.mem.Bytes(mainBase+0x18888, len(hotPatch)))
	require.Equal(t, hotPatch, w.mem.Bytes(mainBase+0x61F13, len(hotPatch)))
	require.Empty(t, hookNames(w.e))
	require.Empty(t, patchNames(w.e))

	delete(cfg.Offsets, OffEndScene)
	rt, err := Attach(w.e, cfg, &fakeSurfaces{}, WithPeek(peek))
	require.NoError(t, err)
	require.NotNil(t, rt.Messages)
	require.Equal(t, []byte{0x90, 0x90}, w.mem.Bytes(mainBase+0x2000, 2))
	require.Equal(t, byte(0xE9), w.mem.Bytes(createFileA, 1)[0])
}

func TestMessageTracer(t *testing.T) {
	var queue []Message
	tr := NewMessageTracer("MAIN LOOP", func() (Message, bool) {
		if len(queue) == 0 {
			return Message{}, false
		}
		return queue[0], true
	})

	_, ok := tr.Observe()
	require.False(t, ok)

	queue = []Message{{Msg: 0x8001, WParam: 1, LParam: 2}}
	m, ok := tr.Observe()
	require.True(t, ok)
	require.Equal(t, uint32(0x8001), m.Msg)

	// mouse moves are too frequent to log
	queue = []Message{{Window: 0x777, Msg: wmMouseMove}}
	_, ok = tr.Observe()
	require.False(t, ok)

	queue = []Message{{Window: 0x777, Msg: 0x0100, WParam: 0x2D}}
	tr.Probe(intercept.Registers{})
	require.Equal(t, 2, tr.Seen())
	require.Equal(t, []Message{{Msg: 0x8001, WParam: 1, LParam: 2}, {Window: 0x777, Msg: 0x0100, WParam: 0x2D}}, tr.Recent())
}

func TestHUD(t *testing.T) {
	w := newWorld(t)
	id, err := w.e.InstallPatch("a", []engine.PatchRegion{{Loc: engine.Loc{Offset: 0x3000}, Bytes: []byte{0x90}}})
	require.NoError(t, err)
	_, err = w.e.InstallPatch("b", []engine.PatchRegion{{Loc: engine.Loc{Offset: 0x3010}, Bytes: []byte{0x90}}})
	require.NoError(t, err)

	b := NewBattle(w.mem, mainBase+battleOff)
	hud := NewHUD(&b)
	var idle, battle []overlay.Command
	w.e.With(func(s *engine.State) error {
		s.Overlay.Input = []overlay.InputEvent{
			{Msg: wmKeyDown, WParam: vkF1},
			{Msg: wmKeyDown, WParam: vkF1, LParam: keyRepeatBit},
			{Msg: wmKeyDown, WParam: vkF1 + 5},
		}
		idle = hud.Draw(s.Overlay)
		s.Overlay.Input = nil
		return nil
	})
	require.Equal(t, []byte{0x90}, w.mem.Bytes(mainBase+0x3000, 1))
	require.Equal(t, []byte{0xCC}, w.mem.Bytes(mainBase+0x3010, 1))
	require.Equal(t, panelColor, idle[0].Color)
	require.Contains(t, idle, overlay.Fill(overlay.Rect{X: hudX + hudPad + rowH + rowGap, Y: hudY + hudPad + pulseSize + rowGap, W: hudW - 2*hudPad - rowH - rowGap, H: rowH}, onColor))

	w.setBattle(t, b)
	w.e.With(func(s *engine.State) error {
		battle = hud.Draw(s.Overlay)
		s.Overlay.Visible = false
		require.Nil(t, hud.Draw(s.Overlay))
		s.Overlay.Visible = true
		return nil
	})
	// two hp bars, the second one empty
	require.Len(t, battle, len(idle)+3)
	require.Equal(t, hpColor, battle[len(battle)-2].Color)
	require.Equal(t, int32((hudW-2*hudPad)/4), battle[len(battle)-2].Rect.W)

	require.NoError(t, w.e.TogglePatch(id, false))
}
