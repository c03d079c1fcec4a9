// Copyright 2024 The gVisor Authors.
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

// Package config holds the configuration of an inter-world socket transport:
// the memory file, the socket defaults and logging. Values come from a TOML
// file and can be overridden by command line flags.
package config

import (
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	abi "gvisor.dev/iwsock/pkg/abi/iwsock"
	"gvisor.dev/iwsock/pkg/iwsock"
	"gvisor.dev/iwsock/pkg/log"
)

// Duration is a time.Duration written as a string ("30s") in files and flags.
type Duration time.Duration

// String implements flag.Value.String.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Set implements flag.Value.Set.
func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.Set(string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Memory configures the memory file shared with the secure side.
type Memory struct {
	// Pages is the size of the memory file in pages.
	Pages uint32 `toml:"pages"`

	// PhysBase is the physical address of the first page.
	PhysBase uint64 `toml:"phys_base"`

	// PersistentPages is the number of pages handed to the secure side at
	// bootstrap as persistent entries of the root channel.
	PersistentPages uint32 `toml:"persistent_pages"`
}

// Socket configures new sockets.
type Socket struct {
	SendBufferSize uint32   `toml:"send_buffer_size"`
	RecvBufferSize uint32   `toml:"recv_buffer_size"`
	OOBBufferSize  uint32   `toml:"oob_buffer_size"`
	MaxMsgSize     uint32   `toml:"max_msg_size"`
	Backlog        int      `toml:"backlog"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

// Log configures logging.
type Log struct {
	// Level is one of "warning", "info" or "debug".
	Level string `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`

	// File is the log file. Empty means stderr.
	File string `toml:"file"`
}

// Config is the transport configuration.
type Config struct {
	Memory Memory `toml:"memory"`
	Socket Socket `toml:"socket"`
	Log    Log    `toml:"log"`
}

// Default returns the default configuration.
func Default() *Config {
	opts := iwsock.DefaultOptions()
	return &Config{
		Memory: Memory{
			Pages:           1024,
			PhysBase:        0x8000_0000,
			PersistentPages: 1,
		},
		Socket: Socket{
			SendBufferSize: opts.SendBufferSize,
			RecvBufferSize: opts.RecvBufferSize,
			OOBBufferSize:  opts.OOBBufferSize,
			MaxMsgSize:     opts.MaxMsgSize,
			Backlog:        opts.Backlog,
			ConnectTimeout: Duration(opts.ConnectTimeout),
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML file at path over the defaults. Keys the configuration
// does not know are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("loading config %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return c, nil
}

// SocketOptions returns the registry options described by c.
func (c *Config) SocketOptions() iwsock.Options {
	return iwsock.Options{
		SendBufferSize: c.Socket.SendBufferSize,
		RecvBufferSize: c.Socket.RecvBufferSize,
		OOBBufferSize:  c.Socket.OOBBufferSize,
		MaxMsgSize:     c.Socket.MaxMsgSize,
		Backlog:        c.Socket.Backlog,
		ConnectTimeout: time.Duration(c.Socket.ConnectTimeout),
	}
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if c.Memory.Pages == 0 {
		return fmt.Errorf("memory.pages must be positive")
	}
	if c.Memory.PhysBase&abi.PageMask != 0 {
		return fmt.Errorf("memory.phys_base %#x is not page aligned", c.Memory.PhysBase)
	}
	if c.Memory.PersistentPages >= c.Memory.Pages {
		return fmt.Errorf("memory.persistent_pages %d leaves no pages for channels", c.Memory.PersistentPages)
	}
	if c.Memory.PersistentPages > abi.MaxPageCount {
		return fmt.Errorf("memory.persistent_pages %d exceeds channel limit %d", c.Memory.PersistentPages, abi.MaxPageCount)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	opts := c.SocketOptions()
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	return nil
}

// Report logs the configuration at info level.
func (c *Config) Report() {
	log.Infof("Config:")
	for _, f := range fields {
		log.Infof("\t%s: %v", f.name, f.get(c))
	}
}

// field binds a flag to a configuration value.
type field struct {
	name  string
	usage string
	ptr   func(*Config) any
}

func (f *field) get(c *Config) string {
	switch p := f.ptr(c).(type) {
	case *uint32:
		return strconv.FormatUint(uint64(*p), 10)
	case *uint64:
		return fmt.Sprintf("%#x", *p)
	case *int:
		return strconv.Itoa(*p)
	case *string:
		return *p
	case *Duration:
		return p.String()
	default:
		panic(fmt.Sprintf("unsupported field type %T", p))
	}
}

func (f *field) set(c *Config, s string) error {
	switch p := f.ptr(c).(type) {
	case *uint32:
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return err
		}
		*p = uint32(v)
	case *uint64:
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return err
		}
		*p = v
	case *int:
		v, err := strconv.ParseInt(s, 0, 0)
		if err != nil {
			return err
		}
		*p = int(v)
	case *string:
		*p = s
	case *Duration:
		return p.Set(s)
	default:
		panic(fmt.Sprintf("unsupported field type %T", p))
	}
	return nil
}

// fields lists the flags that override configuration values.
var fields = []field{
	{"memory-pages", "size of the memory file in pages", func(c *Config) any { return &c.Memory.Pages }},
	{"memory-phys-base", "physical address of the first page of the memory file", func(c *Config) any { return &c.Memory.PhysBase }},
	{"memory-persistent-pages", "pages handed to the secure side at bootstrap", func(c *Config) any { return &c.Memory.PersistentPages }},
	{"send-buffer-size", "stream ring size from the connecting side", func(c *Config) any { return &c.Socket.SendBufferSize }},
	{"recv-buffer-size", "stream ring size towards the connecting side", func(c *Config) any { return &c.Socket.RecvBufferSize }},
	{"oob-buffer-size", "out-of-band ring size", func(c *Config) any { return &c.Socket.OOBBufferSize }},
	{"max-msg-size", "default message size limit; 0 selects stream mode", func(c *Config) any { return &c.Socket.MaxMsgSize }},
	{"backlog", "pending connections per listener", func(c *Config) any { return &c.Socket.Backlog }},
	{"connect-timeout", "how long a blocking connect waits to be accepted", func(c *Config) any { return &c.Socket.ConnectTimeout }},
	{"log-level", "log level: warning, info or debug", func(c *Config) any { return &c.Log.Level }},
	{"log-format", "log format: text or json", func(c *Config) any { return &c.Log.Format }},
	{"log-file", "log file; stderr if empty", func(c *Config) any { return &c.Log.File }},
}

// FlagConfig is the flag naming the configuration file.
const FlagConfig = "config"

// RegisterFlags registers the configuration flags on flagSet, with the
// defaults as their values.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := Default()
	flagSet.String(FlagConfig, "", "TOML configuration file; flags override its values")
	for i := range fields {
		f := &fields[i]
		flagSet.Var(&flagValue{f: f, c: Default()}, f.name, f.usage)
		flagSet.Lookup(f.name).DefValue = f.get(def)
	}
}

// flagValue validates a flag as it is parsed. The value is applied to the
// real configuration by NewFromFlags.
type flagValue struct {
	f *field
	c *Config
}

// String implements flag.Value.String.
func (v *flagValue) String() string {
	if v.f == nil {
		return ""
	}
	return v.f.get(v.c)
}

// Set implements flag.Value.Set.
func (v *flagValue) Set(s string) error {
	return v.f.set(v.c, s)
}

// NewFromFlags builds the configuration from flagSet, which must have been
// registered with RegisterFlags and parsed: the configuration file, if any,
// over the defaults, and then every flag set explicitly.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	c := Default()
	if path := flagSet.Lookup(FlagConfig).Value.String(); path != "" {
		var err error
		if c, err = Load(path); err != nil {
			return nil, err
		}
	}
	byName := make(map[string]*field, len(fields))
	for i := range fields {
		byName[fields[i].name] = &fields[i]
	}
	var errs []string
	flagSet.Visit(func(fl *flag.Flag) {
		f, ok := byName[fl.Name]
		if !ok {
			return
		}
		if err := f.set(c, fl.Value.String()); err != nil {
			errs = append(errs, fmt.Sprintf("-%s: %v", fl.Name, err))
		}
	})
	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
