// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for vmctl. Settings are read from an optional TOML file and may be
// overridden by command-line flags.
package config

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/loader"
)

// Config holds configuration that is not part of the command line. Fields
// with a flag tag may also be set from the command line; see RegisterFlags.
type Config struct {
	// ArenaSize is the size in bytes of the frame arena shared by every
	// process. It is rounded up to a page.
	ArenaSize uint64 `toml:"arena_size" flag:"arena-size"`

	// CPUs is the number of simulated CPUs.
	CPUs uint `toml:"cpus" flag:"cpus"`

	// LogLevel is one of "warning", "info" or "debug".
	LogLevel string `toml:"log_level" flag:"log-level"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format" flag:"log-format"`

	// LogFile is the file logs are written to, or empty for stderr. It may
	// contain %TIMESTAMP% and %PID%.
	LogFile string `toml:"log_file" flag:"log"`

	// StackSize is the size in bytes of each process's stack area.
	StackSize uint64 `toml:"stack_size" flag:"stack-size"`

	// GrowStack makes stacks grow a page at a time on fault instead of
	// being registered as a single area.
	GrowStack bool `toml:"grow_stack" flag:"grow-stack"`
}

// Default returns the configuration used when neither a file nor flags set
// a value.
func Default() *Config {
	return &Config{
		ArenaSize: 64 << 20,
		CPUs:      2,
		LogLevel:  "info",
		LogFormat: "text",
		StackSize: loader.StackSize,
	}
}

// Load reads path on top of the defaults. Keys that do not name a Config
// field are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

func (c *Config) validate() error {
	if _, ok := hostarch.PageRoundUp(c.ArenaSize); !ok || c.ArenaSize == 0 {
		return fmt.Errorf("invalid arena size %d", c.ArenaSize)
	}
	if c.CPUs == 0 {
		return fmt.Errorf("cpus must be at least 1")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.StackSize == 0 || c.StackSize%hostarch.PageSize != 0 || c.StackSize > uint64(loader.StackTop) {
		return fmt.Errorf("invalid stack size %d, must be a non-zero multiple of %d", c.StackSize, hostarch.PageSize)
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() log.Level {
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("config not validated: %v", err))
	}
	return l
}

// LoadOpts returns the loader options for processes created under c.
func (c *Config) LoadOpts() loader.LoadOpts {
	return loader.LoadOpts{
		GrowStack: c.GrowStack,
		StackSize: c.StackSize,
	}
}

// Encode writes c to w in TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.ArenaSize: %d", c.ArenaSize)
	log.Infof("Config.CPUs: %d", c.CPUs)
	log.Infof("Config.LogLevel: %s", c.LogLevel)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.StackSize: %#x", c.StackSize)
	log.Infof("Config.GrowStack: %t", c.GrowStack)
}
