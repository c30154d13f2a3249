package main

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/sbx-tool/sbxhook/pkg/config"
	"github.com/sbx-tool/sbxhook/pkg/console"
	"github.com/sbx-tool/sbxhook/pkg/d3d9"
	"github.com/sbx-tool/sbxhook/pkg/engine"
	"github.com/sbx-tool/sbxhook/pkg/intercept"
	"github.com/sbx-tool/sbxhook/pkg/logflags"
	"github.com/sbx-tool/sbxhook/pkg/memory"
	"github.com/sbx-tool/sbxhook/pkg/sbx"
	"github.com/sbx-tool/sbxhook/pkg/version"
)

func start() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "sbxhook: panic during attach: %v\n%s", r, debug.Stack())
		}
	}()
	conf := config.LoadConfig()
	if conf.Console {
		if err := allocConsole(); err != nil {
			fmt.Fprintf(os.Stderr, "sbxhook: %v\n", err)
		}
	}
	if err := logflags.Setup(conf.Log, conf.LogOutput, conf.LogDest); err != nil {
		fmt.Fprintf(os.Stderr, "sbxhook: %v\n", err)
	}
	if err := run(conf); err != nil {
		logflags.EngineLogger().Errorf("attach failed: %v", err)
	}
}

// run attaches the engine and then serves the console, if enabled, until
// it is closed. Hooks stay installed for the life of the process.
func run(conf *config.Config) error {
	log := logflags.EngineLogger()
	log.Infof("sbxhook %s, config %s", version.SbxhookVersion, conf.Path)

	mem, err := memory.NewSelf()
	if err != nil {
		return err
	}
	e := engine.New(mem, engine.WithToggleKey(conf.ToggleKey))
	rt, err := sbx.Attach(e, conf, &d3d9.Surfaces{Mem: mem, Invoke: intercept.NativeInvoker()})
	if err != nil {
		return err
	}

	// without a console scripts print to stderr
	var out io.Writer
	if !conf.Console {
		out = os.Stderr
	}
	con := console.New(rt, out)
	if conf.InitScript != "" {
		if err := con.Source(conf.InitScript); err != nil {
			log.Errorf("init script %s: %v", conf.InitScript, err)
		}
	}
	if !conf.Console {
		return nil
	}
	return con.Run()
}
