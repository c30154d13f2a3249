package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".sbxhook"
	configFile string = "sbxhook.yml"
)

// PatchRegion is one address range of a configured patch.
type PatchRegion struct {
	Offset Offset   `yaml:"offset"`
	Bytes  HexBytes `yaml:"bytes"`
}

// PatchConfig describes a named byte patch relative to a module base.
type PatchConfig struct {
	Name string `yaml:"name"`
	// Module the offsets are relative to, empty means the host executable.
	Module  string        `yaml:"module,omitempty"`
	Enabled bool          `yaml:"enabled"`
	Regions []PatchRegion `yaml:"regions"`
}

// Config defines all configuration options available to be set through the
// config file or the environment.
type Config struct {
	// Path the configuration was loaded from, empty if defaults are used.
	Path string `yaml:"-" env:"SBXHOOK_CONFIG"`

	// Log enables logging, LogOutput selects the layers that log (see
	// logflags.Setup), LogDest is a file path or file descriptor.
	Log       bool   `yaml:"log" env:"SBXHOOK_LOG"`
	LogOutput string `yaml:"log-output" env:"SBXHOOK_LOG_OUTPUT"`
	LogDest   string `yaml:"log-dest" env:"SBXHOOK_LOG_DEST"`

	// Console allocates a console window and runs the command console on it.
	Console bool `yaml:"console" env:"SBXHOOK_CONSOLE"`

	// ToggleKey is the virtual key code that shows or hides the overlay.
	ToggleKey uint32 `yaml:"toggle-key"`

	// ANSICodepage is the code page used to decode narrow strings read
	// from the host, "shift-jis" or empty for raw bytes.
	ANSICodepage string `yaml:"ansi-codepage"`

	// MonitorFileAccess hooks CreateFileA and logs archive opens.
	MonitorFileAccess bool `yaml:"monitor-file-access"`

	// TraceScenes installs the UI loop probe that logs scene switches.
	TraceScenes bool `yaml:"trace-scenes"`

	// TraceMessages installs the main loop probe that logs the messages
	// waiting in the game's queue.
	TraceMessages bool `yaml:"trace-messages"`

	// Offsets overrides entries of the built-in offset table.
	Offsets map[string]Offset `yaml:"offsets"`

	// Patches lists byte patches installed at attach time.
	Patches []PatchConfig `yaml:"patches"`

	// InitScript is a starlark script executed once the engine is attached.
	InitScript string `yaml:"init-script"`
}

// DefaultToggleKey is VK_INSERT.
const DefaultToggleKey = 0x2D

// LoadConfig attempts to populate a Config object from the config file,
// then applies environment overrides. The file is looked up at the path
// named by SBXHOOK_CONFIG, next to the host executable, and under the
// user's home directory, in that order; if none exists a default one is
// created in the home directory.
func LoadConfig() *Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		fmt.Printf("Unable to parse environment: %v.", err)
	}

	path := c.Path
	if path == "" {
		path = findConfigFile()
	}

	conf, err := LoadConfigFile(path)
	if err != nil {
		fmt.Printf("Unable to load config file %s: %v.", path, err)
		conf = &Config{ToggleKey: DefaultToggleKey}
	}
	conf.Path = path

	// environment wins over the file
	if err := env.Parse(conf); err != nil {
		fmt.Printf("Unable to parse environment: %v.", err)
	}
	return conf
}

// LoadConfigFile reads and decodes the config file at path, creating it
// with the default content when it does not exist.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		f, err = createDefaultConfig(path)
		if err != nil {
			return nil, err
		}
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	return Parse(data)
}

// Parse decodes a YAML config document.
func Parse(data []byte) (*Config, error) {
	c := Config{ToggleKey: DefaultToggleKey}
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for _, p := range c.Patches {
		if p.Name == "" {
			return fmt.Errorf("patch without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("patch %q defined twice", p.Name)
		}
		seen[p.Name] = true
		if len(p.Regions) == 0 {
			return fmt.Errorf("patch %q has no regions", p.Name)
		}
		for _, r := range p.Regions {
			if len(r.Bytes) == 0 {
				return fmt.Errorf("patch %q has an empty region at %#x", p.Name, uint64(r.Offset))
			}
		}
	}
	return nil
}

// SaveConfig will marshal and save the config struct to its path.
func SaveConfig(conf *Config) error {
	path := conf.Path
	if path == "" {
		var err error
		path, err = GetConfigFilePath(configFile)
		if err != nil {
			return err
		}
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func findConfigFile() string {
	if exe, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exe), configFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if err := createConfigPath(); err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
	}
	p, _ := GetConfigFilePath(configFile)
	return p
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = WriteDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

// WriteDefaultConfig writes the commented default configuration to f.
func WriteDefaultConfig(f interface{ WriteString(string) (int, error) }) error {
	_, err := f.WriteString(DefaultConfig)
	return err
}

// DefaultConfig is the content of a freshly created config file.
const DefaultConfig = `# Configuration file for sbxhook.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Enable logging and select the layers that log:
# intercept, patch, registry, overlay, engine, console, sbx, all
log: false
# log-output: engine,overlay
# log-dest: sbxhook.log

# Open a console window with the command console.
console: false

# Virtual key code that shows or hides the overlay (0x2d is Insert).
# toggle-key: 0x2d

# Code page of narrow strings read from the game.
ansi-codepage: shift-jis

# Log archive files opened through CreateFileA.
monitor-file-access: false

# Log UI scene switches.
trace-scenes: false

# Log the messages waiting when the main loop pumps its queue.
trace-messages: false

# Override entries of the built-in offset table.
offsets:
  # end-scene: 0x67510

# Byte patches installed at attach time, toggled from the console or overlay.
patches:
  # - name: css-disable-cost
  #   enabled: false
  #   regions:
  #     - {offset: 0x0, bytes: "90 90 90 90"}

# Starlark script run after attach.
# init-script: sbxhook.star
`

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
