package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".kcdap"
	configFile string = "config.yml"
)

// Defaults for the options that are not set in the config file.
const (
	DefaultTargetListen         = "127.0.0.1:8372"
	DefaultReadyTimeout         = 5 * time.Second
	DefaultReadyInterval        = 100 * time.Millisecond
	DefaultQueryTimeout         = 10 * time.Second
	DefaultMapPathPrefix        = "/workspace/"
	DefaultDisassemblyCacheSize = 64
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// TargetListen is the address the emulator connects to.
	TargetListen string `yaml:"target-listen,omitempty"`

	// ReadyTimeout bounds the readiness handshake with the emulator,
	// ReadyInterval is the time between two probes.
	ReadyTimeout  time.Duration `yaml:"ready-timeout,omitempty"`
	ReadyInterval time.Duration `yaml:"ready-interval,omitempty"`

	// QueryTimeout bounds the wait for the reply to a CPU state,
	// disassembly or memory query.
	QueryTimeout time.Duration `yaml:"query-timeout,omitempty"`

	// MapPathPrefix is stripped from the paths in the address map.
	MapPathPrefix *string `yaml:"map-path-prefix,omitempty"`

	// AutoOpenDisassembly makes the adapter ask the client to show the
	// disassembly when execution stops outside of mapped source.
	AutoOpenDisassembly *bool `yaml:"auto-open-disassembly,omitempty"`

	// DisassemblyCacheSize is the number of disassembly replies kept
	// between two stops, 0 disables caching.
	DisassemblyCacheSize *int `yaml:"disassembly-cache-size,omitempty"`

	// If CheckTargetVersion is true the version reported by the emulator
	// must satisfy the TargetVersion constraint.
	CheckTargetVersion bool   `yaml:"check-target-version"`
	TargetVersion      string `yaml:"target-version,omitempty"`
}

// GetTargetListen returns the configured emulator listen address or its default.
func (c *Config) GetTargetListen() string {
	if c == nil || c.TargetListen == "" {
		return DefaultTargetListen
	}
	return c.TargetListen
}

// GetReadyTimeout returns the readiness handshake timeout.
func (c *Config) GetReadyTimeout() time.Duration {
	if c == nil || c.ReadyTimeout <= 0 {
		return DefaultReadyTimeout
	}
	return c.ReadyTimeout
}

// GetReadyInterval returns the time between two readiness probes.
func (c *Config) GetReadyInterval() time.Duration {
	if c == nil || c.ReadyInterval <= 0 {
		return DefaultReadyInterval
	}
	return c.ReadyInterval
}

// GetQueryTimeout returns the timeout for target queries.
func (c *Config) GetQueryTimeout() time.Duration {
	if c == nil || c.QueryTimeout <= 0 {
		return DefaultQueryTimeout
	}
	return c.QueryTimeout
}

// GetMapPathPrefix returns the prefix stripped from address map paths.
func (c *Config) GetMapPathPrefix() string {
	if c == nil || c.MapPathPrefix == nil {
		return DefaultMapPathPrefix
	}
	return *c.MapPathPrefix
}

// GetAutoOpenDisassembly returns true unless disabled in the config file.
func (c *Config) GetAutoOpenDisassembly() bool {
	if c == nil || c.AutoOpenDisassembly == nil {
		return true
	}
	return *c.AutoOpenDisassembly
}

// GetDisassemblyCacheSize returns the size of the disassembly cache.
func (c *Config) GetDisassemblyCacheSize() int {
	if c == nil || c.DisassemblyCacheSize == nil {
		return DefaultDisassemblyCacheSize
	}
	return *c.DisassemblyCacheSize
}

// GetTargetVersionConstraint returns the constraint the emulator version
// must satisfy, or the empty string if it is not checked.
func (c *Config) GetTargetVersionConstraint() string {
	if c == nil || !c.CheckTargetVersion {
		return ""
	}
	return c.TargetVersion
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := decode(f)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads the configuration from the file at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the kcdap debug adapter.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Address the emulator page connects to (websocket, path /emu).
# target-listen: "127.0.0.1:8372"

# How long to wait for the emulator to become ready when a session starts,
# and how often to probe it.
# ready-timeout: 5s
# ready-interval: 100ms

# How long to wait for the emulator to answer register, disassembly and memory queries.
# query-timeout: 10s

# Prefix stripped from the source paths in the address map. This is the root
# of the filesystem the assembler runs in.
# map-path-prefix: "/workspace/"

# Show the disassembly view when execution stops outside of mapped source lines.
# auto-open-disassembly: true

# Number of disassembly replies kept between two stops, 0 disables the cache.
# disassembly-cache-size: 64

# Refuse emulators whose version does not satisfy target-version.
# check-target-version: true
# target-version: ">= 1.0"

# Provided aliases will be added to the default aliases for a given debug console command.
aliases:
  # command: ["alias1", "alias2"]
`)
	return err
}

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
	return path.Join(userHomeDir, configDir, file), nil
}
