package sbx

import (
	"fmt"

	"github.com/sbx-tool/sbxhook/pkg/config"
	"github.com/sbx-tool/sbxhook/pkg/engine"
	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/memory"
)

// Names of the hooks and patches Attach installs.
const (
	SceneProbe      = "sbx.ui-loop"
	MessageProbe    = "sbx.main-loop"
	FileMonitorHook = "kernel32.create-file-a"
	DisableCostName = "css.disable-cost"
)

// disableCost removes the instruction that adds a character's cost to the
// party cost.
var disableCost = []byte{0x90, 0x90, 0x90, 0x90}

// Runtime is what Attach wired into the engine.
type Runtime struct {
	Engine   *engine.Engine
	Offsets  Offsets
	Codepage *Codepage
	HUD      *HUD

	// Battle is nil unless the battle context offset is configured.
	Battle *Battle
	// Scenes is nil unless scene tracing is enabled.
	Scenes *SceneTracer
	// Messages is nil unless message tracing is enabled.
	Messages *MessageTracer
	// Files is nil unless file access monitoring is enabled.
	Files *FileMonitor
}

type attachOptions struct {
	peek PeekFunc
}

// AttachOption configures Attach.
type AttachOption func(*attachOptions)

// WithPeek replaces the message queue reader of the main loop probe.
func WithPeek(p PeekFunc) AttachOption {
	return func(o *attachOptions) { o.peek = p }
}

// Attach installs everything cfg asks for into e. surfaces renders the
// overlay on the game's device. If any step fails, what was installed
// before it is removed again and the game runs unmodified.
func Attach(e *engine.Engine, cfg *config.Config, surfaces engine.Surfaces, opts ...AttachOption) (_ *Runtime, err error) {
	o := attachOptions{peek: PeekMessage}
	for _, opt := range opts {
		opt(&o)
	}
	log := logflags.GameLogger()

	var undo []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				log.WithError(uerr).Errorf("rolling back attach")
			}
		}
	}()
	installedPatch := func(name string) {
		undo = append(undo, func() error { return e.RemovePatch(name) })
	}
	installedHook := func(name string) {
		undo = append(undo, func() error { return e.RemoveHook(name) })
	}

	rt := &Runtime{Engine: e, Offsets: DefaultOffsets()}
	if err := rt.Offsets.Apply(cfg.Offsets); err != nil {
		return nil, err
	}
	cp, err := NewCodepage(cfg.ANSICodepage)
	if err != nil {
		return nil, err
	}
	rt.Codepage = cp

	if loc, err := rt.Offsets.Loc(OffBattleContext); err == nil {
		addr, err := e.Resolve(loc)
		if err != nil {
			return nil, err
		}
		b := NewBattle(e.Space(), addr)
		rt.Battle = &b
	}

	if loc, err := rt.Offsets.Loc(OffCSSDisableCost); err == nil {
		if _, err := e.InstallPatch(DisableCostName, []engine.PatchRegion{{Loc: loc, Bytes: disableCost}}); err != nil {
			return nil, err
		}
		installedPatch(DisableCostName)
	}
	for _, p := range cfg.Patches {
		regions := make([]engine.PatchRegion, len(p.Regions))
		for i, r := range p.Regions {
			regions[i] = engine.PatchRegion{Loc: engine.Loc{Module: p.Module, Offset: uintptr(r.Offset)}, Bytes: r.Bytes}
		}
		id, err := e.InstallPatch(p.Name, regions)
		if err != nil {
			return nil, err
		}
		installedPatch(p.Name)
		if p.Enabled {
			if err := e.TogglePatch(id, true); err != nil {
				return nil, fmt.Errorf("enabling patch %q: %w", p.Name, err)
			}
		}
	}

	if cfg.TraceScenes {
		flag, err := rt.Offsets.Loc(OffUILoopSwitchFlag)
		if err != nil {
			return nil, err
		}
		addr, err := e.Resolve(flag)
		if err != nil {
			return nil, err
		}
		loop, err := rt.Offsets.Loc(OffUILoopInner)
		if err != nil {
			return nil, err
		}
		rt.Scenes = NewSceneTracer(e.Space(), addr)
		if _, err := e.InstallProbe(SceneProbe, loop, rt.Scenes.Probe); err != nil {
			return nil, err
		}
		installedHook(SceneProbe)
	}

	if cfg.TraceMessages {
		loop, err := rt.Offsets.Loc(OffMainLoopInner)
		if err != nil {
			return nil, err
		}
		rt.Messages = NewMessageTracer("MAIN LOOP", o.peek)
		if _, err := e.InstallProbe(MessageProbe, loop, rt.Messages.Probe); err != nil {
			return nil, err
		}
		installedHook(MessageProbe)
	}

	if cfg.MonitorFileAccess {
		rt.Files = NewFileMonitor(e.Space(), cp, ".epa")
		h, err := e.PrepareFunctionHook(FileMonitorHook, engine.Loc{Module: "kernel32.dll", Symbol: "CreateFileA"}, e.Callback(rt.Files.CreateFileA))
		if err != nil {
			return nil, err
		}
		installedHook(FileMonitorHook)
		rt.Files.Handle = h
		if err := e.EnableHook(FileMonitorHook); err != nil {
			return nil, err
		}
	}

	present, err := rt.Offsets.Loc(OffEndScene)
	if err != nil {
		return nil, err
	}
	reset, err := rt.Offsets.Loc(OffReset)
	if err != nil {
		return nil, err
	}
	rt.HUD = NewHUD(rt.Battle)
	if err := e.AttachDeviceLifecycle(present, reset, rt.HUD.Draw, surfaces); err != nil {
		return nil, err
	}
	log.Infof("attached: %d hooks, %d patches", len(hookNames(e)), len(patchNames(e)))
	return rt, nil
}

func hookNames(e *engine.Engine) []string {
	var out []string
	e.With(func(s *engine.State) error {
		out = s.Registry.Hooks()
		return nil
	})
	return out
}

func patchNames(e *engine.Engine) []string {
	var out []string
	e.With(func(s *engine.State) error {
		out = s.Registry.Patches()
		return nil
	})
	return out
}

// BattleContext returns the battle context or an error saying why there is
// none.
func (rt *Runtime) BattleContext() (*Battle, error) {
	if rt.Battle == nil {
		return nil, fmt.Errorf("%w: %s", ErrOffsetNotConfigured, OffBattleContext)
	}
	return rt.Battle, nil
}

// InCharacterSelect returns true while the vs-cpu character select context
// exists.
func (rt *Runtime) InCharacterSelect() (bool, error) {
	loc, err := rt.Offsets.Loc(OffCSSContext)
	if err != nil {
		return false, err
	}
	addr, err := rt.Engine.Resolve(loc)
	if err != nil {
		return false, err
	}
	ctx, err := memory.NewView(rt.Engine.Space(), addr).Deref(0)
	if err != nil {
		return false, err
	}
	return !ctx.IsNil(), nil
}
