package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var intercept = false
var patch = false
var registry = false
var overlay = false
var engine = false
var console = false
var game = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level >= logrus.DebugLevel, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatter()
	logger.Logger.Level = level
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = stderr
	}
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Intercept returns true if trampoline construction and code writes
// should be logged.
func Intercept() bool {
	return intercept
}

// InterceptLogger returns a logger for the intercept package.
func InterceptLogger() Logger {
	return makeFlaggableLogger(intercept, Fields{"layer": "intercept"})
}

// Patch returns true if patch set toggles should be logged.
func Patch() bool {
	return patch
}

// PatchLogger returns a logger for the patch package.
func PatchLogger() Logger {
	return makeFlaggableLogger(patch, Fields{"layer": "patch"})
}

// Registry returns true if hook registration should be logged.
func Registry() bool {
	return registry
}

// RegistryLogger returns a logger for the registry package.
func RegistryLogger() Logger {
	return makeFlaggableLogger(registry, Fields{"layer": "registry"})
}

// Overlay returns true if the device lifecycle should be logged.
func Overlay() bool {
	return overlay
}

// OverlayLogger returns a logger for the device lifecycle coordinator.
func OverlayLogger() Logger {
	return makeFlaggableLogger(overlay, Fields{"layer": "overlay"})
}

// Engine returns true if the engine should log.
func Engine() bool {
	return engine
}

// EngineLogger returns a logger for the engine package.
func EngineLogger() Logger {
	return makeFlaggableLogger(engine, Fields{"layer": "engine"})
}

// Console returns true if console commands should be logged.
func Console() bool {
	return console
}

func ConsoleLogger() Logger {
	return makeFlaggableLogger(console, Fields{"layer": "console"})
}

// Game returns true if the game-specific hooks (scene tracer, file
// monitor) should log.
func Game() bool {
	return game
}

func GameLogger() Logger {
	return makeFlaggableLogger(game, Fields{"layer": "sbx"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "sbxhook-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "engine,overlay"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch strings.TrimSpace(logcmd) {
		case "intercept":
			intercept = true
		case "patch":
			patch = true
		case "registry":
			registry = true
		case "overlay":
			overlay = true
		case "engine":
			engine = true
		case "console":
			console = true
		case "sbx":
			game = true
		case "all":
			intercept, patch, registry, overlay, engine, console, game = true, true, true, true, true, true, true
		}
	}
	return nil
}

// Close closes the logger output destination.
func Close() {
	if logOut != nil && logOut != os.Stdout && logOut != os.Stderr {
		logOut.Close()
	}
}

var stderr io.Writer = os.Stderr

var textFormatterInstance = &logrus.TextFormatter{}

// textFormatter picks colored output when stderr is a terminal; on Windows
// the writer is wrapped so escapes reach the console host translated.
func textFormatter() logrus.Formatter {
	return textFormatterInstance
}

// SetStderr makes f the destination of loggers created afterwards when no
// log destination is configured. The injected library calls it after it
// allocated its console.
func SetStderr(f *os.File) {
	stderr = f
	if isatty.IsTerminal(f.Fd()) {
		stderr = colorable.NewColorable(f)
		textFormatterInstance.ForceColors = true
		textFormatterInstance.FullTimestamp = true
	}
}

func init() {
	SetStderr(os.Stderr)
}
