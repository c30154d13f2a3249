// Package sbx knows the layout of the game: where the functions sbxhook
// intercepts live, the structures it reads and writes, and the attach
// sequence that wires them into the engine.
package sbx

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sbx-tool/sbxhook/pkg/config"
	"github.com/sbx-tool/sbxhook/pkg/engine"
)

// Names of the offset table entries.
const (
	OffEndScene         = "end-scene"
	OffReset            = "reset"
	OffMainLoopInner    = "main-loop-inner"
	OffGameLoopInner    = "game-loop-inner"
	OffUILoopInner      = "ui-loop-inner"
	OffUILoopSwitchFlag = "ui-loop-switch-flag"
	OffBattleContext    = "battle-context"
	OffCSSContext       = "css-context"
	OffCSSDisableCost   = "css-disable-cost"
)

// ErrOffsetNotConfigured is returned for entries that have no built-in
// value and were not set in the config file.
var ErrOffsetNotConfigured = errors.New("offset not configured")

// Offset is one entry of the offset table.
type Offset struct {
	Name   string
	Module string
	Offset uintptr
	Set    bool
	Doc    string
}

// Loc returns the location of the entry.
func (o Offset) Loc() engine.Loc {
	return engine.Loc{Module: o.Module, Offset: o.Offset}
}

// Offsets is the table of known locations in the game and in d3d9.dll.
type Offsets map[string]Offset

// DefaultOffsets returns the built-in table.
func DefaultOffsets() Offsets {
	t := Offsets{}
	add := func(name, module string, off uintptr, set bool, doc string) {
		t[name] = Offset{Name: name, Module: module, Offset: off, Set: set, Doc: doc}
	}
	add(OffEndScene, "d3d9.dll", 0x67510, true, "IDirect3DDevice9::EndScene")
	add(OffReset, "d3d9.dll", 0xe4480, true, "IDirect3DDevice9::Reset")
	add(OffMainLoopInner, "", 0x61F13, true, "message pump of the main loop")
	add(OffGameLoopInner, "", 0x61f00, true, "message pump of the game loop")
	add(OffUILoopInner, "", 0x18888, true, "body of the UI loop")
	add(OffUILoopSwitchFlag, "", 0x1E5EE0, true, "current UI scene (uint32)")
	add(OffBattleContext, "", 0, false, "battle context structure")
	add(OffCSSContext, "", 0, false, "pointer to the vs-cpu character select context")
	add(OffCSSDisableCost, "", 0, false, "instruction adding a character's cost to the party cost")
	return t
}

// Apply overrides entries with the values of the config file. Unknown
// names are an error.
func (t Offsets) Apply(overrides map[string]config.Offset) error {
	for name, v := range overrides {
		o, ok := t[name]
		if !ok {
			return fmt.Errorf("unknown offset %q", name)
		}
		o.Offset = uintptr(v)
		o.Set = true
		t[name] = o
	}
	return nil
}

// Get returns the entry called name.
func (t Offsets) Get(name string) (Offset, error) {
	o, ok := t[name]
	if !ok {
		return Offset{}, fmt.Errorf("unknown offset %q", name)
	}
	if !o.Set {
		return Offset{}, fmt.Errorf("%w: %s", ErrOffsetNotConfigured, name)
	}
	return o, nil
}

// Loc returns the location of the entry called name.
func (t Offsets) Loc(name string) (engine.Loc, error) {
	o, err := t.Get(name)
	if err != nil {
		return engine.Loc{}, err
	}
	return o.Loc(), nil
}

// Sorted returns the entries ordered by name.
func (t Offsets) Sorted() []Offset {
	out := make([]Offset, 0, len(t))
	for _, o := range t {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
