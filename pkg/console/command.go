package console

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/sbx-tool/sbxhook/pkg/engine"
	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/memory"
	"github.com/sbx-tool/sbxhook/pkg/registry"
	"github.com/sbx-tool/sbxhook/pkg/sbx"
)

type cmdfunc func(c *Console, args []string) error

// completion selects what the arguments of a command complete to.
type completion uint8

const (
	completeNone completion = iota
	completeHooks
	completePatches
	completeFields
	completeOffsets
)

type command struct {
	aliases  []string
	helpMsg  string
	complete completion
	cmdFn    cmdfunc
}

func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands is the command table of a console.
type Commands struct {
	cmds []command
}

// ExitRequestError is returned by the exit command.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

var errNoCmd = errors.New("command not available")

func defaultCommands() *Commands {
	c := &Commands{}
	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: help, helpMsg: `Prints the help message.

	help [command]`},
		{aliases: []string{"hooks"}, cmdFn: hooks, complete: completeHooks, helpMsg: `Lists installed hooks.

	hooks [prefix]`},
		{aliases: []string{"patches"}, cmdFn: patches, complete: completePatches, helpMsg: `Lists installed patches.

	patches [prefix]`},
		{aliases: []string{"toggle", "t"}, cmdFn: toggle, complete: completePatches, helpMsg: `Applies or reverts a patch.

	toggle <patch> [on|off]

Without a state the patch is flipped.`},
		{aliases: []string{"enable"}, cmdFn: enableHook, complete: completeHooks, helpMsg: `Enables a hook.

	enable <hook>`},
		{aliases: []string{"disable"}, cmdFn: disableHook, complete: completeHooks, helpMsg: `Disables a hook, restoring the original code.

	disable <hook>`},
		{aliases: []string{"plan"}, cmdFn: plan, complete: completeHooks, helpMsg: `Prints the instructions a hook relocated into its trampoline.

	plan <hook>`},
		{aliases: []string{"state", "s"}, cmdFn: state, helpMsg: `Prints the overlay and game state.`},
		{aliases: []string{"battle", "b"}, cmdFn: battle, helpMsg: `Prints both players of the current battle.`},
		{aliases: []string{"set"}, cmdFn: set, complete: completeFields, helpMsg: `Changes a battle field.

	set <field> <value>

Fields are p1 or p2 followed by one of hp, ex, rush, score, for example:

	set p2.hp 1`},
		{aliases: []string{"offsets"}, cmdFn: offsets, complete: completeOffsets, helpMsg: `Prints the offset table.`},
		{aliases: []string{"examinemem", "x"}, cmdFn: examineMemory, complete: completeOffsets, helpMsg: `Examines memory.

	examinemem <address|offset name> [count]

Prints count bytes, 64 by default.`},
		{aliases: []string{"files"}, cmdFn: files, helpMsg: `Prints the archive files the game opened most recently.`},
		{aliases: []string{"source"}, cmdFn: source, helpMsg: `Executes a starlark script.

	source <path>

Functions called command_<name> become console commands.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Closes the console. Hooks stay installed.`},
	}
	sort.Slice(c.cmds, func(i, j int) bool { return c.cmds[i].aliases[0] < c.cmds[j].aliases[0] })
	return c
}

// Find returns the command called cmdstr.
func (c *Commands) Find(cmdstr string) (command, bool) {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v, true
		}
	}
	return command{}, false
}

// Register adds a command, replacing one with the same name.
func (c *Commands) Register(name, helpMsg string, fn cmdfunc) {
	for i := range c.cmds {
		if c.cmds[i].match(name) {
			c.cmds[i].cmdFn = fn
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}
	c.cmds = append(c.cmds, command{aliases: []string{name}, helpMsg: helpMsg, cmdFn: fn})
}

// Call splits cmdstr into arguments and runs the command it names.
func (c *Commands) Call(con *Console, cmdstr string) error {
	cmdstr = strings.TrimSpace(cmdstr)
	if cmdstr == "" {
		return nil
	}
	vals, err := argv.Argv(cmdstr, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return err
	}
	if len(vals) != 1 {
		return errors.New("pipes are not supported")
	}
	args := vals[0]
	cmd, ok := c.Find(args[0])
	if !ok {
		return errNoCmd
	}
	return cmd.cmdFn(con, args[1:])
}

func help(c *Console, args []string) error {
	if len(args) > 0 {
		cmd, ok := c.cmds.Find(args[0])
		if !ok {
			return errNoCmd
		}
		fmt.Fprintln(c.out, cmd.helpMsg)
		return nil
	}
	fmt.Fprintln(c.out, "The following commands are available:")
	w := tabwriter.NewWriter(c.out, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "Type help followed by a command for full documentation.")
	return nil
}

func optionalPrefix(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func hooks(c *Console, args []string) error {
	prefix := optionalPrefix(args)
	return c.rt.Engine.With(func(s *engine.State) error {
		w := tabwriter.NewWriter(c.out, 0, 8, 1, ' ', 0)
		for _, name := range s.Registry.Names(prefix) {
			e, _ := s.Registry.Lookup(name)
			if e.Kind != registry.KindHook {
				continue
			}
			h := e.Hook
			kind := "hook"
			if h.IsProbe() {
				kind = "probe"
			}
			fmt.Fprintf(w, "%s\t%s\t%#x\t-> %#x\ttrampoline %#x\t%s\n", name, kind, h.Target(), h.Callback(), h.Trampoline(), enabledString(h.Enabled()))
		}
		return w.Flush()
	})
}

func patches(c *Console, args []string) error {
	prefix := optionalPrefix(args)
	return c.rt.Engine.With(func(s *engine.State) error {
		w := tabwriter.NewWriter(c.out, 0, 8, 1, ' ', 0)
		for _, name := range s.Registry.Names(prefix) {
			e, _ := s.Registry.Lookup(name)
			if e.Kind != registry.KindPatch {
				continue
			}
			set := e.Patch
			st := enabledString(set.IsEnabled())
			if set.Indeterminate() {
				st = "indeterminate"
			}
			var regions []string
			for _, r := range set.Regions() {
				regions = append(regions, fmt.Sprintf("%#x[%d]", r.Addr, r.Size()))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, st, strings.Join(regions, " "))
		}
		return w.Flush()
	})
}

func enabledString(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "enable", "enabled":
		return true, nil
	case "off", "false", "0", "disable", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("%q is neither on nor off", s)
}

func toggle(c *Console, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("wrong number of arguments: toggle <patch> [on|off]")
	}
	return c.TogglePatch(args[0], args[1:]...)
}

// TogglePatch sets the patch called name to state, "on" or "off", or flips
// it when state is omitted.
func (c *Console) TogglePatch(name string, state ...string) error {
	var want *bool
	if len(state) > 0 {
		v, err := parseOnOff(state[0])
		if err != nil {
			return err
		}
		want = &v
	}
	return c.rt.Engine.With(func(s *engine.State) error {
		set, err := s.Registry.Patch(name)
		if err != nil {
			return err
		}
		enable := !set.IsEnabled()
		if want != nil {
			enable = *want
		}
		if err := set.Toggle(enable); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s %s\n", name, enabledString(set.IsEnabled()))
		return nil
	})
}

func lookupHook(c *Console, args []string, fn func(h *intercept.Handle) error) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments")
	}
	return c.rt.Engine.With(func(s *engine.State) error {
		h, err := s.Registry.Hook(args[0])
		if err != nil {
			return err
		}
		return fn(h)
	})
}

func enableHook(c *Console, args []string) error {
	return lookupHook(c, args, func(h *intercept.Handle) error {
		if err := h.Enable(); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s enabled\n", args[0])
		return nil
	})
}

func disableHook(c *Console, args []string) error {
	return lookupHook(c, args, func(h *intercept.Handle) error {
		if err := h.Disable(); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s disabled\n", args[0])
		return nil
	})
}

func plan(c *Console, args []string) error {
	return lookupHook(c, args, func(h *intercept.Handle) error {
		fmt.Fprintf(c.out, "%s: %d bytes stolen at %#x, trampoline %#x\n", args[0], h.Size(), h.Target(), h.Trampoline())
		fmt.Fprint(c.out, h.Plan().String())
		return nil
	})
}

func state(c *Console, args []string) error {
	err := c.rt.Engine.With(func(s *engine.State) error {
		fmt.Fprintf(c.out, "overlay: visible %v, %d frames drawn\n", s.Overlay.Visible, s.Overlay.Frame)
		co := s.Coordinator
		if co == nil {
			fmt.Fprintln(c.out, "device: not attached")
			return nil
		}
		fmt.Fprintf(c.out, "device: %v %#x, renderer %v, window hook %v\n", co.State(), uintptr(co.Device()), co.HasRenderer(), co.HasWindowHook())
		if err := co.Err(); err != nil {
			fmt.Fprintf(c.out, "last error: %v\n", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if c.rt.Scenes != nil {
		fmt.Fprintf(c.out, "scene: %v\n", c.rt.Scenes)
	}
	if css, err := c.rt.InCharacterSelect(); err == nil {
		fmt.Fprintf(c.out, "character select: %v\n", css)
	}
	if b, err := c.rt.BattleContext(); err == nil {
		fmt.Fprintf(c.out, "in battle: %v\n", b.InBattle())
	}
	return nil
}

func battle(c *Console, args []string) error {
	b, err := c.rt.BattleContext()
	if err != nil {
		return err
	}
	snap, err := b.Snapshot()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 8, 1, ' ', 0)
	fmt.Fprintln(w, "side\trecord\thp\tex\trush\tscore")
	for _, p := range snap {
		fmt.Fprintf(w, "%v\t%#x\t%d/%d\t%d\t%d\t%d\n", p.Side, p.Record, p.HP, p.InitialHP, p.Ex, p.Rush, p.Score)
	}
	return w.Flush()
}

func set(c *Console, args []string) error {
	if len(args) != 2 {
		return errors.New("wrong number of arguments: set <field> <value>")
	}
	v, err := strconv.ParseInt(args[1], 0, 64)
	if err != nil {
		return err
	}
	b, err := c.rt.BattleContext()
	if err != nil {
		return err
	}
	return c.rt.Engine.With(func(*engine.State) error {
		return b.Set(args[0], v)
	})
}

func offsets(c *Console, args []string) error {
	w := tabwriter.NewWriter(c.out, 0, 8, 1, ' ', 0)
	for _, o := range c.rt.Offsets.Sorted() {
		val := "-"
		if o.Set {
			val = o.Loc().String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", o.Name, val, o.Doc)
	}
	return w.Flush()
}

// address parses a hex address or the name of an offset table entry.
func (c *Console) address(s string) (uintptr, error) {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return uintptr(v), nil
	}
	loc, err := c.rt.Offsets.Loc(s)
	if err != nil {
		return 0, err
	}
	return c.rt.Engine.Resolve(loc)
}

func examineMemory(c *Console, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("wrong number of arguments: examinemem <address> [count]")
	}
	addr, err := c.address(args[0])
	if err != nil {
		return err
	}
	n := 64
	if len(args) == 2 {
		v, err := strconv.ParseUint(args[1], 0, 16)
		if err != nil {
			return err
		}
		n = int(v)
	}
	buf, err := memory.ReadFull(c.rt.Engine.Space(), addr, n)
	if err != nil {
		return err
	}
	printHex(c.out, addr, buf, c.rt.Engine.Space().PtrSize())
	return nil
}

// printHex prints buf in lines of 16 bytes, each led by its address padded
// to the pointer size.
func printHex(out io.Writer, addr uintptr, buf []byte, ptrSize int) {
	for len(buf) > 0 {
		n := 16
		if len(buf) < n {
			n = len(buf)
		}
		fmt.Fprintf(out, "%#0*x:", 2*ptrSize, addr)
		for _, b := range buf[:n] {
			fmt.Fprintf(out, " %02x", b)
		}
		fmt.Fprintln(out)
		addr += uintptr(n)
		buf = buf[n:]
	}
}

func files(c *Console, args []string) error {
	if c.rt.Files == nil {
		return errors.New("file access monitor is not enabled (monitor-file-access)")
	}
	for _, op := range c.rt.Files.Recent() {
		fmt.Fprintf(c.out, "%s\t%s\t%s\n", op.Name, sbx.DispositionName(op.Disposition), sbx.FlagNames(op.Flags))
	}
	return nil
}

func source(c *Console, args []string) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments: source <path>")
	}
	return c.Source(args[0])
}

func exitCommand(c *Console, args []string) error {
	return ExitRequestError{}
}
