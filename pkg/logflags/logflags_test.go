package logflags

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

// withOutput routes the loggers created by fn to a buffer.
func withOutput(t *testing.T, fn func()) string {
	t.Helper()
	require.Nil(t, logOut)
	buf := &bufferWriter{}
	logOut = buf
	defer func() { logOut = nil }()
	fn()
	return buf.String()
}

func resetLayers() {
	intercept, patch, registry, overlay, engine, console, game = false, false, false, false, false, false, false
}

func TestLoggerFactory(t *testing.T) {
	require.Nil(t, loggerFactory)
	defer SetLoggerFactory(nil)

	expected := &logrusLogger{}
	withOutput(t, func() {
		SetLoggerFactory(func(flag bool, fields Fields, out io.Writer) Logger {
			require.True(t, flag)
			require.Equal(t, Fields{"layer": "patch"}, fields)
			require.Equal(t, logOut, out)
			return expected
		})
		patch = true
		defer resetLayers()
		require.Same(t, expected, PatchLogger())
	})
}

func TestDisabledLayerLogsErrorsOnly(t *testing.T) {
	out := withOutput(t, func() {
		l := OverlayLogger()
		entry := l.(*logrusLogger)
		require.Equal(t, logrus.ErrorLevel, entry.Logger.Level)
		l.Infof("frame %d", 1)
		l.WithError(errors.New("device lost")).Errorf("overlay frame skipped")
	})
	require.NotContains(t, out, "frame 1")
	require.Contains(t, out, "overlay frame skipped")
	require.Contains(t, out, "device lost")
	require.Contains(t, out, "overlay")
}

func TestEnabledLayerLogsDebug(t *testing.T) {
	engine = true
	defer resetLayers()
	out := withOutput(t, func() {
		l := EngineLogger()
		require.Equal(t, logrus.DebugLevel, l.(*logrusLogger).Logger.Level)
		require.Same(t, textFormatterInstance, l.(*logrusLogger).Logger.Formatter)
		l.WithField("hook", "end-scene").Debugf("enabled")
	})
	require.Contains(t, out, "end-scene")
	require.Contains(t, out, "engine")
}

func TestSetupRequiresLog(t *testing.T) {
	require.Equal(t, errLogstrWithoutLog, Setup(false, "patch", ""))
	require.NoError(t, Setup(false, "", ""))
}

func TestSetupEnablesLayers(t *testing.T) {
	defer resetLayers()
	require.NoError(t, Setup(true, "intercept, patch,sbx", ""))
	require.True(t, Intercept())
	require.True(t, Patch())
	require.True(t, Game())
	require.False(t, Overlay() || Engine() || Registry() || Console())
}

func TestSetupDefaultLayers(t *testing.T) {
	defer resetLayers()
	require.NoError(t, Setup(true, "", ""))
	require.True(t, Engine())
	require.True(t, Overlay())
	require.False(t, Intercept())
}

func TestSetupAll(t *testing.T) {
	defer resetLayers()
	require.NoError(t, Setup(true, "all", ""))
	require.True(t, Intercept() && Patch() && Registry() && Overlay() && Engine() && Console() && Game())
}
