package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/memory"
	"github.com/sbx-tool/sbxhook/pkg/patch"
)

func newSpace() *memory.Sim {
	s := memory.NewSim(4)
	code := make([]byte, 0x40)
	for i := 0; i < len(code); i += 5 {
		// mov edi, edi; push ebp; mov ebp, esp
		copy(code[i:], []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC})
	}
	s.Map(0x401000, code, memory.ProtRX)
	return s
}

func TestRegisterAndLookup(t *testing.T) {
	s := newSpace()
	reg := New()

	h, err := intercept.Install(s, 0x401000, 0x1000)
	require.NoError(t, err)
	require.NoError(t, reg.RegisterHook("d3d9.end-scene", h))

	p, err := patch.New(s, "css.disable-cost", []patch.Spec{{Addr: 0x401010, Bytes: []byte{0x90, 0x90, 0x90, 0x90}}})
	require.NoError(t, err)
	require.NoError(t, reg.RegisterPatch("css.disable-cost", p))

	got, err := reg.Hook("d3d9.end-scene")
	require.NoError(t, err)
	require.Same(t, h, got)

	gotp, err := reg.Patch("css.disable-cost")
	require.NoError(t, err)
	require.Same(t, p, gotp)

	_, err = reg.Hook("css.disable-cost")
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = reg.Patch("missing")
	require.True(t, errors.Is(err, ErrNotFound))

	require.Equal(t, []string{"d3d9.end-scene"}, reg.Hooks())
	require.Equal(t, []string{"css.disable-cost"}, reg.Patches())
	require.Equal(t, 2, reg.Len())

	owner, ok := reg.Owner(0x401012)
	require.True(t, ok)
	require.Equal(t, "css.disable-cost", owner)
	owner, ok = reg.Owner(0x401004)
	require.True(t, ok)
	require.Equal(t, "d3d9.end-scene", owner)
	_, ok = reg.Owner(0x401005)
	require.False(t, ok)
}

func TestDuplicateName(t *testing.T) {
	s := newSpace()
	reg := New()
	p1, err := patch.New(s, "a", []patch.Spec{{Addr: 0x401000, Bytes: []byte{0x90}}})
	require.NoError(t, err)
	p2, err := patch.New(s, "a", []patch.Spec{{Addr: 0x401020, Bytes: []byte{0x90}}})
	require.NoError(t, err)

	require.NoError(t, reg.RegisterPatch("a", p1))
	err = reg.RegisterPatch("a", p2)
	require.True(t, errors.Is(err, ErrDuplicateName))
	require.Equal(t, 1, reg.Len())
}

func TestOverlapFailsWithoutWriting(t *testing.T) {
	s := newSpace()
	reg := New()

	p, err := patch.New(s, "p", []patch.Spec{{Addr: 0x401003, Bytes: []byte{0x90, 0x90, 0x90, 0x90}}})
	require.NoError(t, err)
	require.NoError(t, p.Toggle(true))
	require.NoError(t, reg.RegisterPatch("p", p))
	writes := s.Writes()

	// a hook at 0x401000 would own [0x401000, 0x401005)
	err = reg.Check("h", []Range{{Addr: 0x401000, Size: 5}})
	var dae DuplicateAddressError
	require.True(t, errors.As(err, &dae))
	require.Equal(t, "p", dae.Owner)
	require.True(t, errors.Is(err, ErrDuplicateAddress))
	require.Equal(t, writes, s.Writes())

	// adjacent ranges do not overlap
	require.NoError(t, reg.Check("h", []Range{{Addr: 0x401007, Size: 5}}))

	// a set overlapping itself is refused too
	err = reg.Check("q", []Range{{Addr: 0x401020, Size: 4}, {Addr: 0x401022, Size: 1}})
	require.True(t, errors.Is(err, ErrDuplicateAddress))
}

func TestNamesByPrefix(t *testing.T) {
	s := newSpace()
	reg := New()
	for i, name := range []string{"sbx.ui-loop", "sbx.main-loop", "d3d9.reset", "sbx.game-loop"} {
		p, err := patch.New(s, name, []patch.Spec{{Addr: 0x401000 + uintptr(i), Bytes: []byte{0x90}}})
		require.NoError(t, err)
		require.NoError(t, reg.RegisterPatch(name, p))
	}

	require.Equal(t, []string{"sbx.game-loop", "sbx.main-loop", "sbx.ui-loop"}, reg.Names("sbx."))
	require.Equal(t, []string{"d3d9.reset"}, reg.Names("d"))
	require.Len(t, reg.Names(""), 4)
	require.Empty(t, reg.Names("x"))
}

func TestRemoveReleasesName(t *testing.T) {
	s := newSpace()
	reg := New()

	p, err := patch.New(s, "infinite-time", []patch.Spec{{Addr: 0x401010, Bytes: []byte{0x90, 0x90}}})
	require.NoError(t, err)
	require.NoError(t, reg.RegisterPatch("infinite-time", p))
	require.NoError(t, reg.Remove("infinite-time"))

	_, err = reg.Patch("infinite-time")
	require.True(t, errors.Is(err, ErrNotFound))
	require.Empty(t, reg.Names("inf"))
	_, ok := reg.Owner(0x401010)
	require.False(t, ok)
	require.NoError(t, reg.RegisterPatch("infinite-time", p))

	require.True(t, errors.Is(reg.Remove("nothing"), ErrNotFound))
}
