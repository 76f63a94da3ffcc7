// Copyright 2020 The gVisor Authors.
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
// for segctl. Settings come from a TOML file and from command line flags;
// flags that are set explicitly take precedence.
package config

import (
	"flag"
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"
	"gvisor.dev/protseg/pkg/log"
	"gvisor.dev/protseg/pkg/platform"
	"gvisor.dev/protseg/pkg/ring0"
)

// Config holds configuration that is not part of the command line arguments
// of a subcommand.
//
// Fields with a flag tag are set by the flag of that name; fields with a
// toml tag are set by the key of that name in the configuration file.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text, json or json-k8s.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// AlsoLogToStderr sends log messages to stderr as well as LogFilename.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// Platform is the platform to boot on.
	Platform string `flag:"platform" toml:"platform"`

	// MemorySize is the size of the platform's physical memory. Zero
	// selects the platform default.
	MemorySize uint64 `flag:"memory-size" toml:"memory_size"`

	// GDTAddr is the physical address of the descriptor table.
	GDTAddr uint64 `flag:"gdt-addr" toml:"gdt_addr"`

	// TSSAddr is the physical address of the TSS.
	TSSAddr uint64 `flag:"tss-addr" toml:"tss_addr"`

	// KernelStack is the initial ring 0 stack top.
	KernelStack uint64 `flag:"kernel-stack" toml:"kernel_stack"`

	// Descriptor table indices.
	KernelCodeIndex int `flag:"kernel-code-index" toml:"kernel_code_index"`
	KernelDataIndex int `flag:"kernel-data-index" toml:"kernel_data_index"`
	UserCodeIndex   int `flag:"user-code-index" toml:"user_code_index"`
	UserDataIndex   int `flag:"user-data-index" toml:"user_data_index"`
	TSSIndex        int `flag:"tss-index" toml:"tss_index"`
}

// configFlag names the flag holding the configuration file path.
const configFlag = "config"

// Default returns the default configuration.
func Default() *Config {
	l := ring0.DefaultLayout()
	return &Config{
		LogFormat:       "text",
		Platform:        "sim",
		GDTAddr:         0x1000,
		TSSAddr:         0x2000,
		KernelStack:     0x90000,
		KernelCodeIndex: l.KernelCode,
		KernelDataIndex: l.KernelData,
		UserCodeIndex:   l.UserCode,
		UserDataIndex:   l.UserData,
		TSSIndex:        l.TSS,
	}
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String(configFlag, "", "path to a TOML configuration file. Flags that are set override its values.")

	// Debugging flags.
	flagSet.Bool("debug", d.Debug, "enable debug logging.")
	flagSet.String("log", d.LogFilename, "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default), json, or json-k8s.")
	flagSet.Bool("alsologtostderr", d.AlsoLogToStderr, "send log messages to stderr as well as --log.")

	// Flags that control the target machine.
	flagSet.String("platform", d.Platform, "specifies which platform to use: sim (default), kvm.")
	flagSet.Uint64("memory-size", d.MemorySize, "physical memory size in bytes. Zero selects the platform default.")

	// Flags that control segmentation.
	flagSet.Uint64("gdt-addr", d.GDTAddr, "physical address of the global descriptor table.")
	flagSet.Uint64("tss-addr", d.TSSAddr, "physical address of the task state segment.")
	flagSet.Uint64("kernel-stack", d.KernelStack, "initial ring 0 stack top stored in the TSS.")
	flagSet.Int("kernel-code-index", d.KernelCodeIndex, "descriptor table index of the kernel code segment.")
	flagSet.Int("kernel-data-index", d.KernelDataIndex, "descriptor table index of the kernel data segment.")
	flagSet.Int("user-code-index", d.UserCodeIndex, "descriptor table index of the user code segment.")
	flagSet.Int("user-data-index", d.UserDataIndex, "descriptor table index of the user data segment.")
	flagSet.Int("tss-index", d.TSSIndex, "descriptor table index of the TSS descriptor.")
}

// Load reads the configuration file at path on top of the defaults.
func Load(path string) (*Config, error) {
	conf := Default()
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("loading %q: unknown keys %v", path, undecoded)
	}
	return conf, nil
}

// NewFromFlags creates a new Config with values coming from the configuration
// file named by the config flag, overridden by the flags that were set.
//
// When no file is given, every flag applies, defaults included.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	path := ""
	if fl := flagSet.Lookup(configFlag); fl != nil {
		path = fl.Value.String()
	}
	set := make(map[string]bool)
	if path != "" {
		var err error
		if conf, err = Load(path); err != nil {
			return nil, err
		}
		flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if path != "" && !set[name] {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	for _, a := range []struct {
		name string
		v    uint64
	}{
		{"gdt-addr", c.GDTAddr},
		{"tss-addr", c.TSSAddr},
		{"kernel-stack", c.KernelStack},
	} {
		if a.v > 0xFFFFFFFF {
			return fmt.Errorf("%s %#x exceeds the 32-bit address space", a.name, a.v)
		}
	}
	if _, err := c.PlatformOpts().Size(); err != nil {
		return err
	}
	return c.Layout().Validate()
}

// Layout returns the descriptor table layout.
func (c *Config) Layout() ring0.Layout {
	return ring0.Layout{
		KernelCode: c.KernelCodeIndex,
		KernelData: c.KernelDataIndex,
		UserCode:   c.UserCodeIndex,
		UserData:   c.UserDataIndex,
		TSS:        c.TSSIndex,
	}
}

// KernelOpts returns the options for ring0.New.
func (c *Config) KernelOpts() ring0.KernelOpts {
	return ring0.KernelOpts{
		Layout:      c.Layout(),
		GDTAddr:     uint32(c.GDTAddr),
		TSSAddr:     uint32(c.TSSAddr),
		KernelStack: uint32(c.KernelStack),
	}
}

// PlatformOpts returns the options for the platform constructor.
func (c *Config) PlatformOpts() platform.Opts {
	return platform.Opts{MemorySize: c.MemorySize}
}

// Log logs the configuration at Info level.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name := f.Tag.Get("flag")
		log.Infof("  %s (--%s): %v", f.Name, name, obj.Field(i).Interface())
	}
}
