package sbx

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sbx-tool/sbxhook/pkg/memory"
)

// Battle context layout. The player records and the sub parameter records
// are reached through pointers that are null outside of a battle.
const (
	battleP1          = 0x00
	battleP2          = 0x04
	battleP1Rush      = 0x08
	battleP2Rush      = 0x0c
	battleP1SubParams = 0x2c
	battleP2SubParams = 0x30
	battleP1Score     = 0x34
	battleP2Score     = 0x38

	playerInitialHP = 0x08
	playerCurrentHP = 0x0c

	subParamCurrentEx = 0x0c
)

// ErrNotInBattle is returned while the battle context has no players.
var ErrNotInBattle = errors.New("not in battle")

// Battle is the battle context of the game.
type Battle struct {
	v memory.View
}

// NewBattle returns the battle context at addr.
func NewBattle(mem memory.Space, addr uintptr) Battle {
	return Battle{v: memory.NewView(mem, addr)}
}

// Side selects one of the two players, 0 is the player and 1 the CPU.
type Side int

func (s Side) String() string {
	if s == 0 {
		return "p1"
	}
	return "p2"
}

// Player is one side of a battle.
type Player struct {
	b      Battle
	side   Side
	record memory.View
	sub    memory.View
}

// Player returns side s. It fails with ErrNotInBattle if either record is
// missing.
func (b Battle) Player(s Side) (Player, error) {
	recOff, subOff := uintptr(battleP1), uintptr(battleP1SubParams)
	if s != 0 {
		recOff, subOff = battleP2, battleP2SubParams
	}
	rec, err := b.v.Deref(recOff)
	if err != nil {
		return Player{}, err
	}
	sub, err := b.v.Deref(subOff)
	if err != nil {
		return Player{}, err
	}
	if rec.IsNil() || sub.IsNil() {
		return Player{}, ErrNotInBattle
	}
	return Player{b: b, side: s, record: rec, sub: sub}, nil
}

// InBattle returns true if both players are present.
func (b Battle) InBattle() bool {
	for s := Side(0); s < 2; s++ {
		if _, err := b.Player(s); err != nil {
			return false
		}
	}
	return true
}

func (p Player) rushOff() uintptr {
	if p.side == 0 {
		return battleP1Rush
	}
	return battleP2Rush
}

func (p Player) scoreOff() uintptr {
	if p.side == 0 {
		return battleP1Score
	}
	return battleP2Score
}

func (p Player) Side() Side { return p.side }

func (p Player) InitialHP() (uint32, error) { return memory.Read[uint32](p.record, playerInitialHP) }

func (p Player) HP() (uint32, error) { return memory.Read[uint32](p.record, playerCurrentHP) }

func (p Player) SetHP(v uint32) error { return memory.Write(p.record, playerCurrentHP, v) }

func (p Player) Ex() (int32, error) { return memory.Read[int32](p.sub, subParamCurrentEx) }

func (p Player) SetEx(v int32) error { return memory.Write(p.sub, subParamCurrentEx, v) }

func (p Player) RushCount() (uint32, error) { return memory.Read[uint32](p.b.v, p.rushOff()) }

func (p Player) SetRushCount(v uint32) error { return memory.Write(p.b.v, p.rushOff(), v) }

func (p Player) Score() (uint32, error) { return memory.Read[uint32](p.b.v, p.scoreOff()) }

func (p Player) SetScore(v uint32) error { return memory.Write(p.b.v, p.scoreOff(), v) }

// PlayerState is a copy of the fields of one player.
type PlayerState struct {
	Side      Side
	Record    uintptr
	InitialHP uint32
	HP        uint32
	Ex        int32
	Rush      uint32
	Score     uint32
}

// State reads every field of p.
func (p Player) State() (PlayerState, error) {
	st := PlayerState{Side: p.side, Record: p.record.Base}
	var err error
	if st.InitialHP, err = p.InitialHP(); err != nil {
		return st, err
	}
	if st.HP, err = p.HP(); err != nil {
		return st, err
	}
	if st.Ex, err = p.Ex(); err != nil {
		return st, err
	}
	if st.Rush, err = p.RushCount(); err != nil {
		return st, err
	}
	st.Score, err = p.Score()
	return st, err
}

// Snapshot reads both players.
func (b Battle) Snapshot() ([2]PlayerState, error) {
	var out [2]PlayerState
	for s := Side(0); s < 2; s++ {
		p, err := b.Player(s)
		if err != nil {
			return out, err
		}
		if out[s], err = p.State(); err != nil {
			return out, fmt.Errorf("reading %s: %w", s, err)
		}
	}
	return out, nil
}

type battleField struct {
	doc string
	set func(p Player, v int64) error
}

var battleFields = map[string]battleField{
	"hp":    {"current hit points", func(p Player, v int64) error { return p.SetHP(uint32(v)) }},
	"ex":    {"current ex gauge", func(p Player, v int64) error { return p.SetEx(int32(v)) }},
	"rush":  {"rush count", func(p Player, v int64) error { return p.SetRushCount(uint32(v)) }},
	"score": {"score", func(p Player, v int64) error { return p.SetScore(uint32(v)) }},
}

// BattleFields returns the names accepted by Set, such as "p1.hp".
func BattleFields() []string {
	var out []string
	for _, side := range []Side{0, 1} {
		for f := range battleFields {
			out = append(out, side.String()+"."+f)
		}
	}
	sort.Strings(out)
	return out
}

// Set writes v to the field called name, a side and a field joined by a
// dot.
func (b Battle) Set(name string, v int64) error {
	side, field, ok := strings.Cut(name, ".")
	if !ok {
		return fmt.Errorf("field %q is not of the form p1.hp", name)
	}
	var s Side
	switch side {
	case "p1":
		s = 0
	case "p2":
		s = 1
	default:
		return fmt.Errorf("unknown side %q", side)
	}
	f, ok := battleFields[field]
	if !ok {
		return fmt.Errorf("unknown field %q", field)
	}
	p, err := b.Player(s)
	if err != nil {
		return err
	}
	return f.set(p, v)
}
