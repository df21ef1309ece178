// Package config handles clox.toml interpreter configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "clox.toml"

// ErrNotFound is returned by FindAndLoad when no clox.toml exists between
// the start directory and the filesystem root.
var ErrNotFound = errors.New("config: " + FileName + " not found")

// Config represents a clox.toml file.
type Config struct {
	GC    GC    `toml:"gc"`
	VM    VM    `toml:"vm"`
	Debug Debug `toml:"debug"`
	Log   Log   `toml:"log"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// GC tunes the collector.
type GC struct {
	InitialThreshold int  `toml:"initial_threshold"`
	GrowthFactor     int  `toml:"growth_factor"`
	Stress           bool `toml:"stress"`
}

// VM bounds execution.
type VM struct {
	MaxFrames       int `toml:"max_frames"`
	MaxInstructions int `toml:"max_instructions"`
}

// Debug enables the code dump and the instruction trace.
type Debug struct {
	PrintCode bool `toml:"print_code"`
	Trace     bool `toml:"trace"`
}

// Log configures the CLI logger.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		GC: GC{
			InitialThreshold: 1 << 20,
			GrowthFactor:     2,
		},
		VM: VM{
			MaxFrames: 64,
		},
		Log: Log{
			Level:  "warn",
			Format: "console",
		},
	}
}

// Load parses the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Path = path
	return c, nil
}

// Parse decodes TOML data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a clox.toml file, then loads
// it. It returns ErrNotFound if the root is reached first.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNotFound
		}
		dir = parent
	}
}

// Validate rejects values the interpreter cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.GC.InitialThreshold < 0:
		return fmt.Errorf("gc.initial_threshold must not be negative, got %d", c.GC.InitialThreshold)
	case c.GC.GrowthFactor < 1:
		return fmt.Errorf("gc.growth_factor must be at least 1, got %d", c.GC.GrowthFactor)
	case c.VM.MaxFrames < 1:
		return fmt.Errorf("vm.max_frames must be at least 1, got %d", c.VM.MaxFrames)
	case c.VM.MaxInstructions < 0:
		return fmt.Errorf("vm.max_instructions must not be negative, got %d", c.VM.MaxInstructions)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Logger builds the logger described by the [log] section.
func (c *Config) Logger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
