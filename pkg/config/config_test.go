package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in       string
		expected []byte
	}{
		{"90 90 90 90", []byte{0x90, 0x90, 0x90, 0x90}},
		{"0xC3", []byte{0xc3}},
		{"b001c3", []byte{0xb0, 0x01, 0xc3}},
		{"83 c4 08, 90", []byte{0x83, 0xc4, 0x08, 0x90}},
	}
	for _, tc := range tests {
		out, err := ParseBytes(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.expected, out, tc.in)
	}

	_, err := ParseBytes("909")
	require.Error(t, err)
	_, err = ParseBytes("zz")
	require.Error(t, err)
}

func TestParseConfig(t *testing.T) {
	doc := `
log: true
log-output: patch,overlay
toggle-key: 0x24
offsets:
  end-scene: 0x67510
  reset: 935040
patches:
  - name: css-disable-cost
    enabled: true
    regions:
      - {offset: 0x1234, bytes: "90 90 90 90"}
      - {offset: 0x2000, bytes: "c3"}
`
	c, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.True(t, c.Log)
	require.Equal(t, "patch,overlay", c.LogOutput)
	require.Equal(t, uint32(0x24), c.ToggleKey)
	require.Equal(t, Offset(0x67510), c.Offsets["end-scene"])
	require.Equal(t, Offset(0xe4480), c.Offsets["reset"])
	require.Len(t, c.Patches, 1)
	p := c.Patches[0]
	require.Equal(t, "css-disable-cost", p.Name)
	require.True(t, p.Enabled)
	require.Equal(t, HexBytes{0x90, 0x90, 0x90, 0x90}, p.Regions[0].Bytes)
	require.Equal(t, Offset(0x2000), p.Regions[1].Offset)
}

func TestParseConfigRejectsDuplicatePatches(t *testing.T) {
	doc := `
patches:
  - name: a
    regions: [{offset: 1, bytes: "90"}]
  - name: a
    regions: [{offset: 2, bytes: "90"}]
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("no-such-key: 1\n"))
	require.Error(t, err)
}

func TestDefaultConfigParses(t *testing.T) {
	c, err := Parse([]byte(DefaultConfig))
	require.NoError(t, err)
	require.Equal(t, uint32(DefaultToggleKey), c.ToggleKey)
	require.Equal(t, "shift-jis", c.ANSICodepage)
	require.Empty(t, c.Patches)
}

func TestLoadConfigFileCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.False(t, c.Log)
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	c := &Config{
		Path:      path,
		ToggleKey: DefaultToggleKey,
		Patches: []PatchConfig{{
			Name:    "nop",
			Regions: []PatchRegion{{Offset: 0x10, Bytes: HexBytes{0x90, 0x90}}},
		}},
	}
	require.NoError(t, SaveConfig(c))
	loaded, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, c.Patches, loaded.Patches)
}

func TestLoadConfigEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	t.Setenv("SBXHOOK_CONFIG", path)
	t.Setenv("SBXHOOK_LOG", "true")
	t.Setenv("SBXHOOK_LOG_OUTPUT", "intercept")
	c := LoadConfig()
	require.Equal(t, path, c.Path)
	require.True(t, c.Log)
	require.Equal(t, "intercept", c.LogOutput)
}
