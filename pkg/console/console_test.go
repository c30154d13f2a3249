package console

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sbx-tool/sbxhook/pkg/engine"
	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/memory"
	"github.com/sbx-tool/sbxhook/pkg/registry"
	"github.com/sbx-tool/sbxhook/pkg/sbx"
)

const (
	mainBase  = uintptr(0x400000)
	hookOff   = uintptr(0x10)
	patchOff  = uintptr(0x40)
	dataBase  = uintptr(0x500000)
	p1Record  = dataBase + 0x100
	p2Record  = dataBase + 0x200
	p1Sub     = dataBase + 0x300
	p2Sub     = dataBase + 0x400
	hpInitial = 0x08
	hpCurrent = 0x0c
)

var hotPatch = []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC}

type fakeCallbacks struct{ next uintptr }

func (c *fakeCallbacks) Callback(fn interface{}) uintptr {
	c.next += 0x10
	return c.next
}

func (c *fakeCallbacks) ProbeCallback(mem memory.Space, fn func(intercept.Registers)) uintptr {
	return c.Callback(fn)
}

type world struct {
	mem *memory.Sim
	rt  *sbx.Runtime
	out *bytes.Buffer
	con *Console
}

func newWorld(t *testing.T) *world {
	w := &world{mem: memory.NewSim(4), out: &bytes.Buffer{}}
	code := bytes.Repeat([]byte{0xCC}, 0x1000)
	copy(code[hookOff:], hotPatch)
	w.mem.Map(mainBase, code, memory.ProtRX)
	w.mem.Map(dataBase, make([]byte, 0x1000), memory.ProtRW)

	e := engine.New(w.mem,
		engine.WithResolver(func(m string) (uintptr, error) {
			if m == "" {
				return mainBase, nil
			}
			return 0, fmt.Errorf("module %s not loaded", m)
		}),
		engine.WithCallbacks(&fakeCallbacks{next: 0x30000000}))
	_, err := e.InstallFunctionHook("main.fn", engine.Loc{Offset: hookOff}, 0x31000000)
	require.NoError(t, err)
	_, err = e.InstallPatch("nop", []engine.PatchRegion{{Loc: engine.Loc{Offset: patchOff}, Bytes: []byte{0x90, 0x90}}})
	require.NoError(t, err)

	b := sbx.NewBattle(w.mem, dataBase)
	w.rt = &sbx.Runtime{Engine: e, Offsets: sbx.DefaultOffsets(), Battle: &b}
	w.con = New(w.rt, w.out)
	return w
}

func (w *world) put32(addr uintptr, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.mem.WriteMemory(addr, buf[:])
	if err != nil {
		panic(err)
	}
}

func (w *world) read32(addr uintptr) uint32 {
	return binary.LittleEndian.Uint32(w.mem.Bytes(addr, 4))
}

func (w *world) startBattle() {
	w.put32(dataBase+0x00, uint32(p1Record))
	w.put32(dataBase+0x04, uint32(p2Record))
	w.put32(dataBase+0x2c, uint32(p1Sub))
	w.put32(dataBase+0x30, uint32(p2Sub))
	for _, r := range []uintptr{p1Record, p2Record} {
		w.put32(r+hpInitial, 1000)
		w.put32(r+hpCurrent, 700)
	}
}

func (w *world) call(t *testing.T, cmdstr string) string {
	t.Helper()
	w.out.Reset()
	require.NoError(t, w.con.Call(cmdstr))
	return w.out.String()
}

func TestHelp(t *testing.T) {
	w := newWorld(t)
	out := w.call(t, "help")
	require.Contains(t, out, "toggle (alias: t)")
	require.Contains(t, out, "examinemem (alias: x)")

	out = w.call(t, "help toggle")
	require.Contains(t, out, "toggle <patch> [on|off]")

	require.Equal(t, errNoCmd, w.con.Call("frobnicate"))
	require.Equal(t, errNoCmd, w.con.Call("help frobnicate"))
	require.NoError(t, w.con.Call("   "))
}

func TestTogglePatch(t *testing.T) {
	w := newWorld(t)
	addr := mainBase + patchOff

	require.Contains(t, w.call(t, "toggle nop"), "nop enabled")
	require.Equal(t, []byte{0x90, 0x90}, w.mem.Bytes(addr, 2))
	require.Contains(t, w.call(t, "t nop"), "nop disabled")
	require.Equal(t, []byte{0xCC, 0xCC}, w.mem.Bytes(addr, 2))

	w.call(t, "toggle nop on")
	w.call(t, "toggle nop on")
	require.Equal(t, []byte{0x90, 0x90}, w.mem.Bytes(addr, 2))
	w.call(t, "toggle nop off")
	require.Equal(t, []byte{0xCC, 0xCC}, w.mem.Bytes(addr, 2))

	require.Error(t, w.con.Call("toggle nop maybe"))
	require.Error(t, w.con.Call("toggle"))
	err := w.con.Call("toggle missing")
	require.True(t, errors.Is(err, registry.ErrNotFound), "%v", err)

	out := w.call(t, "patches")
	require.Contains(t, out, "nop")
	require.Contains(t, out, "disabled")
	require.Contains(t, out, fmt.Sprintf("%#x[2]", addr))
}

func TestHookCommands(t *testing.T) {
	w := newWorld(t)
	addr := mainBase + hookOff

	out := w.call(t, "hooks")
	require.Contains(t, out, "main.fn")
	require.Contains(t, out, "enabled")
	require.Equal(t, byte(0xE9), w.mem.Bytes(addr, 1)[0])

	w.call(t, "disable main.fn")
	require.Equal(t, hotPatch, w.mem.Bytes(addr, len(hotPatch)))
	require.Contains(t, w.call(t, "hooks main"), "disabled")
	w.call(t, "enable main.fn")
	require.Equal(t, byte(0xE9), w.mem.Bytes(addr, 1)[0])

	out = w.call(t, "plan main.fn")
	require.Contains(t, out, "5 bytes stolen")

	require.Error(t, w.con.Call("enable nop"))
	require.Error(t, w.con.Call("plan"))
}

func TestBattleCommands(t *testing.T) {
	w := newWorld(t)
	require.ErrorIs(t, w.con.Call("battle"), sbx.ErrNotInBattle)
	require.ErrorIs(t, w.con.Call("set p1.hp 1"), sbx.ErrNotInBattle)

	w.startBattle()
	out := w.call(t, "battle")
	require.Contains(t, out, "p1")
	require.Contains(t, out, "700/1000")

	w.call(t, "set p2.hp 1")
	require.Equal(t, uint32(1), w.read32(p2Record+hpCurrent))
	w.call(t, "set p1.hp 0x10")
	require.Equal(t, uint32(16), w.read32(p1Record+hpCurrent))

	require.Error(t, w.con.Call("set p3.hp 1"))
	require.Error(t, w.con.Call("set p1.hp lots"))
	require.Error(t, w.con.Call("set p1.hp"))

	require.Contains(t, w.call(t, "state"), "in battle: true")
}

func TestBattleNotConfigured(t *testing.T) {
	w := newWorld(t)
	w.rt.Battle = nil
	require.ErrorIs(t, w.con.Call("battle"), sbx.ErrOffsetNotConfigured)
}

func TestExamineMemory(t *testing.T) {
	w := newWorld(t)
	w.startBattle()
	out := w.call(t, fmt.Sprintf("x %#x 4", dataBase))
	require.Equal(t, "0x00500000: 00 01 50 00\n", out)

	var buf bytes.Buffer
	printHex(&buf, 0x7ffe0000, []byte{0xc3}, 8)
	require.Equal(t, "0x000000007ffe0000: c3\n", buf.String())

	out = w.call(t, fmt.Sprintf("examinemem %#x 20", dataBase+0x100))
	require.Contains(t, out, "0x00500100:")
	require.Contains(t, out, "0x00500110:")

	require.Error(t, w.con.Call("x battle-context"))
	require.Error(t, w.con.Call("x 0x9000000"))
}

func TestOffsetsCommand(t *testing.T) {
	w := newWorld(t)
	out := w.call(t, "offsets")
	require.Contains(t, out, "d3d9.dll+0x67510")
	require.Contains(t, out, "main+0x18888")
	require.Contains(t, out, "battle-context")
}

func TestState(t *testing.T) {
	w := newWorld(t)
	out := w.call(t, "state")
	require.Contains(t, out, "overlay: visible true, 0 frames drawn")
	require.Contains(t, out, "device: not attached")
	require.Contains(t, out, "in battle: false")
}

func TestFilesWithoutMonitor(t *testing.T) {
	w := newWorld(t)
	require.Error(t, w.con.Call("files"))
}

func TestExit(t *testing.T) {
	w := newWorld(t)
	err := w.con.Call("quit")
	require.IsType(t, ExitRequestError{}, err)
}

func TestQuoting(t *testing.T) {
	w := newWorld(t)
	require.Error(t, w.con.Call("toggle `nop`"))
	require.Error(t, w.con.Call("hooks | patches"))
	require.Contains(t, w.call(t, `toggle "nop" on`), "nop enabled")
}

func TestComplete(t *testing.T) {
	w := newWorld(t)
	require.Equal(t, []string{"toggle"}, w.con.Complete("tog"))
	require.Equal(t, []string{"toggle nop"}, w.con.Complete("toggle n"))
	require.Equal(t, []string{"toggle nop"}, w.con.Complete("toggle "))
	require.Equal(t, []string{"enable main.fn"}, w.con.Complete("enable "))
	require.Equal(t, []string{"set p2.hp"}, w.con.Complete("set p2.h"))
	require.Len(t, w.con.Complete("set p2."), 4)
	require.Equal(t, []string{"x end-scene"}, w.con.Complete("x end"))
	require.Nil(t, w.con.Complete("battle "))
	require.Nil(t, w.con.Complete("nothing "))
}

const script = `
def command_double(n):
    "Doubles the hit points of p1."
    set_field("p1.hp", n * 2)

def command_echo(args):
    print("echo " + args)

def main():
    toggle_patch("nop", True)
    print("nop=%s" % patches()["nop"])
    print("hook=%s" % hooks()["main.fn"])
    print("hp=%d" % battle()[1].hp)
    print("raw=%x" % read_u32(0x500000))
    sbx_command("toggle", "nop", "off")
`

func TestSource(t *testing.T) {
	w := newWorld(t)
	w.startBattle()
	path := filepath.Join(t.TempDir(), "init.star")
	require.NoError(t, os.WriteFile(path, []byte(script), 0600))

	out := w.call(t, "source "+path)
	require.Contains(t, out, "nop=True")
	require.Contains(t, out, "hook=True")
	require.Contains(t, out, "hp=700")
	require.Contains(t, out, "raw=500100")
	require.Equal(t, []byte{0xCC, 0xCC}, w.mem.Bytes(mainBase+patchOff, 2))

	w.call(t, "double 50")
	require.Equal(t, uint32(100), w.read32(p1Record+hpCurrent))

	require.Equal(t, "echo a b\n", w.call(t, "echo a b"))
	require.Contains(t, w.call(t, "help double"), "Doubles the hit points")
}

func TestSourceErrors(t *testing.T) {
	w := newWorld(t)
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.star")
	require.NoError(t, os.WriteFile(bad, []byte("def main():\n    toggle_patch(\"missing\")\n"), 0600))
	err := w.con.Call("source " + bad)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")

	syntax := filepath.Join(dir, "syntax.star")
	require.NoError(t, os.WriteFile(syntax, []byte("def (:\n"), 0600))
	require.Error(t, w.con.Call("source "+syntax))

	require.Error(t, w.con.Call("source "+filepath.Join(dir, "absent.star")))
}
