package sbx

import (
	"fmt"
	"sync"

	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/memory"
)

// Scene is the value of the UI loop switch flag.
type Scene uint32

var sceneNames = map[Scene]string{
	23: "CONFIG",
	24: "SAVE_LOAD",
	26: "ESCAPE",
	95: "BRAVE_MODE_SSS",
	96: "BRAVE_MODE_CSS",
	97: "VS_CPU_MODE_CSS",
	98: "VS_CPU_MODE_SSS",
	99: "BATTLE",
}

func (s Scene) String() string {
	if n, ok := sceneNames[s]; ok {
		return n
	}
	return "Unknown"
}

// noScene is never a value of the flag, so the first observation is
// always reported.
const noScene Scene = 77777

// SceneTracer reports changes of the UI scene. Its probe runs on the game's
// UI thread, Current may be called from anywhere.
type SceneTracer struct {
	flag memory.View
	log  logflags.Logger

	mu      sync.Mutex
	current Scene
	history []Scene
}

const maxSceneHistory = 32

// NewSceneTracer watches the flag at addr.
func NewSceneTracer(mem memory.Space, addr uintptr) *SceneTracer {
	return &SceneTracer{flag: memory.NewView(mem, addr), log: logflags.GameLogger(), current: noScene}
}

// Observe reads the flag and records it if it changed.
func (t *SceneTracer) Observe() (Scene, bool, error) {
	v, err := memory.Read[uint32](t.flag, 0)
	if err != nil {
		return 0, false, err
	}
	s := Scene(v)
	t.mu.Lock()
	defer t.mu.Unlock()
	if s == t.current {
		return s, false, nil
	}
	t.current = s
	if len(t.history) == maxSceneHistory {
		t.history = t.history[1:]
	}
	t.history = append(t.history, s)
	return s, true, nil
}

// Probe is the callback of the UI loop probe.
func (t *SceneTracer) Probe(intercept.Registers) {
	s, changed, err := t.Observe()
	if err != nil {
		t.log.Errorf("reading scene flag: %v", err)
		return
	}
	if changed {
		t.log.Infof("[UI Main Loop] Switch Case: %v(%d)", s, uint32(s))
	}
}

// Current returns the last observed scene.
func (t *SceneTracer) Current() (Scene, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.current != noScene
}

// History returns the scenes observed most recently, oldest first.
func (t *SceneTracer) History() []Scene {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Scene(nil), t.history...)
}

func (t *SceneTracer) String() string {
	s, ok := t.Current()
	if !ok {
		return "no scene observed"
	}
	return fmt.Sprintf("%v(%d)", s, uint32(s))
}
