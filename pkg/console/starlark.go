package console

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/sbx-tool/sbxhook/pkg/engine"
	"github.com/sbx-tool/sbxhook/pkg/memory"
	"github.com/sbx-tool/sbxhook/pkg/registry"
)

const (
	commandBuiltinName   = "sbx_command"
	readFileBuiltinName  = "read_file"
	writeFileBuiltinName = "write_file"
	patchesBuiltinName   = "patches"
	hooksBuiltinName     = "hooks"
	toggleBuiltinName    = "toggle_patch"
	battleBuiltinName    = "battle"
	setFieldBuiltinName  = "set_field"
	readU32BuiltinName   = "read_u32"
	sceneBuiltinName     = "scene"
	helpBuiltinName      = "help"

	commandPrefix = "command_"
	mainFnName    = "main"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// Env is the environment starlark scripts run in.
type Env struct {
	env starlark.StringDict
	doc map[string]string
	c   *Console
}

type builtinFn func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func newEnv(c *Console) *Env {
	env := &Env{env: starlark.StringDict{}, doc: map[string]string{}, c: c}

	env.builtin(commandBuiltinName, "(Command)", "runs a console command.", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		argstrs := make([]string, len(args))
		for i := range args {
			a, ok := args[i].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("argument of %s is not a string", commandBuiltinName)
			}
			argstrs[i] = string(a)
		}
		return starlark.None, decorateError(thread, c.Call(strings.Join(argstrs, " ")))
	})

	env.builtin(readFileBuiltinName, "(Path)", "reads a file.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
			return nil, err
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		return starlark.String(buf), nil
	})

	env.builtin(writeFileBuiltinName, "(Path, Text)", "writes text to the specified file.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		var text starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "text", &text); err != nil {
			return nil, err
		}
		s, ok := starlark.AsString(text)
		if !ok {
			s = text.String()
		}
		return starlark.None, decorateError(thread, os.WriteFile(path, []byte(s), 0640))
	})

	env.builtin(patchesBuiltinName, "()", "returns a dict from patch names to their state.", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return env.entries(thread, registry.KindPatch)
	})

	env.builtin(hooksBuiltinName, "()", "returns a dict from hook names to their state.", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return env.entries(thread, registry.KindHook)
	})

	env.builtin(toggleBuiltinName, "(Name, Enabled)", "applies or reverts a patch, flipping it when Enabled is omitted.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var enabled starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "enabled?", &enabled); err != nil {
			return nil, err
		}
		var state []string
		if enabled != starlark.None {
			state = append(state, strconv.FormatBool(bool(enabled.Truth())))
		}
		return starlark.None, decorateError(thread, c.TogglePatch(name, state...))
	})

	env.builtin(battleBuiltinName, "()", "returns both players of the current battle, or None outside of one.", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		b, err := c.rt.BattleContext()
		if err != nil {
			return nil, decorateError(thread, err)
		}
		snap, err := b.Snapshot()
		if err != nil {
			return starlark.None, nil
		}
		players := make([]starlark.Value, len(snap))
		for i, p := range snap {
			players[i] = starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
				"side":       starlark.String(p.Side.String()),
				"initial_hp": starlark.MakeUint64(uint64(p.InitialHP)),
				"hp":         starlark.MakeUint64(uint64(p.HP)),
				"ex":         starlark.MakeInt64(int64(p.Ex)),
				"rush":       starlark.MakeUint64(uint64(p.Rush)),
				"score":      starlark.MakeUint64(uint64(p.Score)),
			})
		}
		return starlark.NewList(players), nil
	})

	env.builtin(setFieldBuiltinName, "(Field, Value)", "changes a battle field, for example set_field(\"p2.hp\", 1).", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var field string
		var value starlark.Int
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "field", &field, "value", &value); err != nil {
			return nil, err
		}
		v, ok := value.Int64()
		if !ok {
			return nil, fmt.Errorf("%s: value out of range", b.Name())
		}
		return starlark.None, decorateError(thread, c.Call(fmt.Sprintf("set %s %d", field, v)))
	})

	env.builtin(readU32BuiltinName, "(Address)", "reads a 32 bit value at an address or offset name.", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var where starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "address", &where); err != nil {
			return nil, err
		}
		addr, err := env.address(where)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		v, err := memory.Read[uint32](memory.NewView(c.rt.Engine.Space(), addr), 0)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		return starlark.MakeUint64(uint64(v)), nil
	})

	env.builtin(sceneBuiltinName, "()", "returns the last UI scene observed, or None.", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if c.rt.Scenes == nil {
			return starlark.None, nil
		}
		s, ok := c.rt.Scenes.Current()
		if !ok {
			return starlark.None, nil
		}
		return starlark.String(s.String()), nil
	})

	env.builtin(helpBuiltinName, "(Object)", "prints help for Object.", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		switch len(args) {
		case 0:
			fmt.Fprintln(c.out, "Available builtins:")
			bins := make([]string, 0, len(env.env))
			for name, value := range env.env {
				if _, ok := value.(*starlark.Builtin); ok {
					bins = append(bins, name)
				}
			}
			sort.Strings(bins)
			for _, bin := range bins {
				fmt.Fprintf(c.out, "\t%s\n", bin)
			}
		case 1:
			switch x := args[0].(type) {
			case *starlark.Builtin:
				if d := env.doc[x.Name()]; d != "" {
					fmt.Fprintln(c.out, d)
				} else {
					fmt.Fprintf(c.out, "no help for builtin %s\n", x.Name())
				}
			case *starlark.Function:
				fmt.Fprintf(c.out, "user defined function %s\n", x.Name())
				if d := x.Doc(); d != "" {
					fmt.Fprintln(c.out, d)
				}
			default:
				fmt.Fprintf(c.out, "no help for object of type %T\n", args[0])
			}
		default:
			fmt.Fprintln(c.out, "wrong number of arguments ", len(args))
		}
		return starlark.None, nil
	})

	return env
}

func (env *Env) builtin(name, args, descr string, fn builtinFn) {
	env.env[name] = starlark.NewBuiltin(name, fn)
	env.doc[name] = name + args + "\n\n" + name + " " + descr
}

func (env *Env) entries(thread *starlark.Thread, kind registry.Kind) (starlark.Value, error) {
	d := starlark.NewDict(0)
	err := env.c.rt.Engine.With(func(s *engine.State) error {
		for _, name := range s.Registry.Names("") {
			e, _ := s.Registry.Lookup(name)
			if e.Kind != kind {
				continue
			}
			var enabled bool
			if kind == registry.KindHook {
				enabled = e.Hook.Enabled()
			} else {
				enabled = e.Patch.IsEnabled()
			}
			if err := d.SetKey(starlark.String(name), starlark.Bool(enabled)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return d, nil
}

func (env *Env) address(v starlark.Value) (uintptr, error) {
	switch x := v.(type) {
	case starlark.Int:
		u, ok := x.Uint64()
		if !ok {
			return 0, fmt.Errorf("address %v out of range", x)
		}
		return uintptr(u), nil
	case starlark.String:
		return env.c.address(string(x))
	}
	return 0, fmt.Errorf("can not use %s as an address", v.Type())
}

// Execute runs a script. If source is nil the file at path is read. A
// function called main is called after the script ran.
func (env *Env) Execute(path string, source interface{}) (_ starlark.Value, _err error) {
	defer func() {
		err := recover()
		if err == nil {
			return
		}
		_err = fmt.Errorf("panic executing starlark script: %v", err)
		fmt.Fprintf(env.c.out, "panic executing starlark script: %v\n", err)
		for i := 0; ; i++ {
			pc, file, line, ok := runtime.Caller(i)
			if !ok {
				break
			}
			fname := "<unknown>"
			if fn := runtime.FuncForPC(pc); fn != nil {
				fname = fn.Name()
			}
			fmt.Fprintf(env.c.out, "%s\n\tin %s:%d\n", fname, file, line)
		}
	}()

	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, path, source, env.env)
	if err != nil {
		return starlark.None, err
	}
	env.exportGlobals(globals)
	return env.callMain(thread, globals)
}

// exportGlobals saves globals with a name starting with a capital letter
// into the environment and creates commands from functions with a name
// starting with "command_".
func (env *Env) exportGlobals(globals starlark.StringDict) {
	for name, val := range globals {
		switch {
		case strings.HasPrefix(name, commandPrefix):
			env.createCommand(name, val)
		case name[0] >= 'A' && name[0] <= 'Z':
			env.env[name] = val
		}
	}
}

func (env *Env) newThread() *starlark.Thread {
	return &starlark.Thread{
		Print: func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.c.out, msg) },
	}
}

func (env *Env) createCommand(name string, val starlark.Value) {
	fnval, ok := val.(*starlark.Function)
	if !ok {
		return
	}
	name = name[len(commandPrefix):]
	helpMsg := fnval.Doc()
	if helpMsg == "" {
		helpMsg = "user defined"
	}

	if fnval.NumParams() == 1 {
		if p0, _ := fnval.Param(0); p0 == "args" {
			env.c.cmds.Register(name, helpMsg, func(_ *Console, args []string) error {
				_, err := starlark.Call(env.newThread(), fnval, starlark.Tuple{starlark.String(strings.Join(args, " "))}, nil)
				return err
			})
			return
		}
	}

	env.c.cmds.Register(name, helpMsg, func(_ *Console, args []string) error {
		thread := env.newThread()
		var argtuple starlark.Tuple
		if len(args) > 0 {
			argval, err := starlark.Eval(thread, "<input>", "("+strings.Join(args, " ")+",)", env.env)
			if err != nil {
				return err
			}
			argtuple = argval.(starlark.Tuple)
		}
		_, err := starlark.Call(thread, fnval, argtuple, nil)
		return err
	})
}

func (env *Env) callMain(thread *starlark.Thread, globals starlark.StringDict) (starlark.Value, error) {
	mainval := globals[mainFnName]
	if mainval == nil {
		return starlark.None, nil
	}
	mainfn, ok := mainval.(*starlark.Function)
	if !ok {
		return starlark.None, fmt.Errorf("%s is not a function", mainFnName)
	}
	if mainfn.NumParams() != 0 {
		return starlark.None, fmt.Errorf("wrong number of arguments for %s", mainFnName)
	}
	return starlark.Call(thread, mainfn, nil, nil)
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	var ere ExitRequestError
	if errors.As(err, &ere) {
		return err
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}
