// Package console implements the interactive command line of the injected
// library: a line editor over the process console that lists and flips
// hooks and patches, inspects the game and runs starlark scripts.
package console

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"

	"github.com/sbx-tool/sbxhook/pkg/config"
	"github.com/sbx-tool/sbxhook/pkg/engine"
	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/registry"
	"github.com/sbx-tool/sbxhook/pkg/sbx"
)

const (
	historyFile = ".sbxhook_history"
	prompt      = "(sbx) "

	highlight = "\033[35m"
	reset     = "\033[0m"
)

// Console is the command line.
type Console struct {
	rt   *sbx.Runtime
	cmds *Commands
	star *Env
	out  io.Writer
	dumb bool
	log  logflags.Logger

	line *liner.State
}

// New returns a console printing to out. A nil out prints to the process
// console.
func New(rt *sbx.Runtime, out io.Writer) *Console {
	dumb := out != nil
	if out == nil {
		out = colorable.NewColorableStdout()
		dumb = !isatty.IsTerminal(os.Stdout.Fd())
	}
	c := &Console{rt: rt, cmds: defaultCommands(), out: out, dumb: dumb, log: logflags.ConsoleLogger()}
	c.star = newEnv(c)
	return c
}

// Call runs one command line.
func (c *Console) Call(cmdstr string) error {
	return c.cmds.Call(c, cmdstr)
}

// Source runs the starlark script at path.
func (c *Console) Source(path string) error {
	_, err := c.star.Execute(path, nil)
	return err
}

// Complete returns the completions of a partial command line.
func (c *Console) Complete(line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(line, " ")) {
		var out []string
		for _, cmd := range c.cmds.cmds {
			for _, alias := range cmd.aliases {
				if strings.HasPrefix(alias, strings.ToLower(line)) {
					out = append(out, alias)
				}
			}
		}
		return out
	}
	cmd, ok := c.cmds.Find(fields[0])
	if !ok || cmd.complete == completeNone {
		return nil
	}
	prefix := ""
	if !strings.HasSuffix(line, " ") {
		prefix = fields[len(fields)-1]
	}
	head := strings.TrimSuffix(line, prefix)
	var names []string
	switch cmd.complete {
	case completeHooks, completePatches:
		c.rt.Engine.With(func(s *engine.State) error {
			for _, n := range s.Registry.Names(prefix) {
				e, _ := s.Registry.Lookup(n)
				if (e.Kind == registry.KindHook) == (cmd.complete == completeHooks) {
					names = append(names, n)
				}
			}
			return nil
		})
	case completeFields:
		names = matching(sbx.BattleFields(), prefix)
	case completeOffsets:
		var all []string
		for _, o := range c.rt.Offsets.Sorted() {
			all = append(all, o.Name)
		}
		names = matching(all, prefix)
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = head + n
	}
	return out
}

func matching(words []string, prefix string) []string {
	t := trie.New()
	for _, w := range words {
		t.Add(w, nil)
	}
	out := t.PrefixSearch(prefix)
	sort.Strings(out)
	return out
}

// Run reads commands until exit or end of input. Hooks and patches stay
// installed when it returns.
func (c *Console) Run() error {
	c.line = liner.NewLiner()
	defer c.Close()
	c.line.SetCompleter(c.Complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		c.log.Warnf("unable to load history file: %v", err)
	}
	if f, err := os.Open(fullHistoryFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(c.out, "Type 'help' for list of commands.")

	for {
		cmdstr, err := c.promptForInput()
		if err != nil {
			if err == io.EOF || err == liner.ErrPromptAborted {
				fmt.Fprintln(c.out, "exit")
				return nil
			}
			return fmt.Errorf("prompt for input failed: %w", err)
		}
		if err := c.Call(cmdstr); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return nil
			}
			c.printError(err)
		}
	}
}

func (c *Console) printError(err error) {
	if c.dumb {
		fmt.Fprintf(c.out, "Command failed: %s\n", err)
		return
	}
	fmt.Fprintf(c.out, "%sCommand failed:%s %s\n", highlight, reset, err)
}

func (c *Console) promptForInput() (string, error) {
	l, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		c.line.AppendHistory(l)
	}
	return l, nil
}

// Close saves the history and restores the terminal.
func (c *Console) Close() error {
	if c.line == nil {
		return nil
	}
	defer func() { c.line = nil }()
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err == nil {
		if f, err := os.Create(fullHistoryFile); err == nil {
			c.line.WriteHistory(f)
			f.Close()
		} else {
			c.log.Warnf("unable to save history: %v", err)
		}
	}
	return c.line.Close()
}
