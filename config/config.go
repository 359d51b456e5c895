// Package config provides the engine configuration and its file formats.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/sarchlab/x86sim/blockcache"
	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/insts"
)

// Execution modes.
const (
	ModeReal      = "real"
	ModeProtected = "protected"
)

// Decoder names.
const (
	DecoderFast    = "fast"
	DecoderGeneric = "generic"
)

// BlockCacheConfig is the geometry of the decoded block cache.
type BlockCacheConfig struct {
	Sets int `json:"sets" yaml:"sets"`
	Ways int `json:"ways" yaml:"ways"`
}

// Config describes how a machine is built and started.
type Config struct {
	// Mode is "real" for 16-bit real mode at segment 0, or "protected" for
	// flat 32-bit protected mode. Default: protected.
	Mode string `json:"mode" yaml:"mode"`

	// MemorySize is the installed memory in bytes, rounded up to a page.
	// Zero installs the full 4 GiB. Default: 16 MiB.
	MemorySize uint64 `json:"memory_size" yaml:"memory_size"`

	// Decoder selects the instruction decoder: "fast" or "generic".
	Decoder string `json:"decoder" yaml:"decoder"`

	// MaxBlockInstructions bounds the handlers in a basic block.
	MaxBlockInstructions int `json:"max_block_instructions" yaml:"max_block_instructions"`

	BlockCache BlockCacheConfig `json:"block_cache" yaml:"block_cache"`

	// MaxInstructions stops a run after this many instructions. Zero means
	// no limit.
	MaxInstructions uint64 `json:"max_instructions" yaml:"max_instructions"`

	// DeliverRealModeInterrupts vectors real-mode faults and INT n through
	// the interrupt vector table.
	DeliverRealModeInterrupts bool `json:"deliver_real_mode_interrupts" yaml:"deliver_real_mode_interrupts"`

	// LoadAddress is the linear address flat images are loaded at.
	LoadAddress uint32 `json:"load_address" yaml:"load_address"`

	// StackPointer is the initial ESP.
	StackPointer uint32 `json:"stack_pointer" yaml:"stack_pointer"`

	// TableBase is where the flat GDT and TSS are written in protected
	// mode.
	TableBase uint32 `json:"table_base" yaml:"table_base"`

	// Privilege is the CPL protected-mode programs start at: 0 or 3.
	Privilege uint8 `json:"privilege" yaml:"privilege"`

	// LinuxSyscalls services INT 0x80 with the i386 Linux system calls
	// for console and file I/O. Default: true.
	LinuxSyscalls bool `json:"linux_syscalls" yaml:"linux_syscalls"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	bc := blockcache.DefaultConfig()
	return &Config{
		Mode:                 ModeProtected,
		MemorySize:           16 << 20,
		Decoder:              DecoderFast,
		MaxBlockInstructions: emu.DefaultMaxBlockInstructions,
		BlockCache:           BlockCacheConfig{Sets: bc.Sets, Ways: bc.Ways},
		LoadAddress:          0x1000,
		StackPointer:         0x90000,
		TableBase:            0x80000,
		LinuxSyscalls:        true,
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a configuration file. Fields missing from the file keep their
// default values. Files ending in .yaml or .yml are parsed as YAML, anything
// else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return config, nil
}

// Save writes the configuration in the format implied by the extension.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that every field holds a usable value.
func (c *Config) Validate() error {
	if c.Mode != ModeReal && c.Mode != ModeProtected {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeReal, ModeProtected, c.Mode)
	}
	if c.Decoder != DecoderFast && c.Decoder != DecoderGeneric {
		return fmt.Errorf("decoder must be %q or %q, got %q", DecoderFast, DecoderGeneric, c.Decoder)
	}
	if c.MaxBlockInstructions <= 0 {
		return fmt.Errorf("max_block_instructions must be > 0")
	}
	if c.BlockCache.Sets <= 0 || c.BlockCache.Ways <= 0 {
		return fmt.Errorf("block_cache sets and ways must be > 0")
	}
	if c.Privilege != 0 && c.Privilege != 3 {
		return fmt.Errorf("privilege must be 0 or 3")
	}
	if c.MemorySize != 0 && uint64(c.LoadAddress) >= c.MemorySize {
		return fmt.Errorf("load_address 0x%x is outside memory_size 0x%x", c.LoadAddress, c.MemorySize)
	}
	if c.Mode == ModeReal && c.StackPointer > 0xFFFF {
		return fmt.Errorf("stack_pointer 0x%x does not fit a real-mode stack", c.StackPointer)
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// NewDecoder returns the decoder named by the configuration.
func (c *Config) NewDecoder() insts.Decoder {
	if c.Decoder == DecoderGeneric {
		return insts.NewGenericDecoder()
	}
	return insts.NewFastDecoder()
}

// Options returns the emulator options the configuration implies.
func (c *Config) Options() []emu.EmulatorOption {
	mem := emu.NewMemory()
	mem.SetLimit(c.MemorySize)

	return []emu.EmulatorOption{
		emu.WithMemory(mem),
		emu.WithDecoder(c.NewDecoder()),
		emu.WithMaxBlockInstructions(c.MaxBlockInstructions),
		emu.WithBlockCache(blockcache.Config{
			Sets: c.BlockCache.Sets,
			Ways: c.BlockCache.Ways,
		}),
		emu.WithMaxInstructions(c.MaxInstructions),
		emu.WithRealModeInterrupts(c.DeliverRealModeInterrupts),
	}
}

// Prepare puts a freshly built emulator into the configured mode and sets
// its stack pointer.
func (c *Config) Prepare(e *emu.Emulator) {
	cpu := e.CPU()
	if c.Mode == ModeProtected {
		cpu.EnterFlatProtectedMode(c.TableBase, c.Privilege)
	} else {
		cpu.SetupReal(0)
	}
	e.RegFile().Write32(emu.ESP, c.StackPointer)
}

// NewEmulator builds and prepares an emulator. Extra options are applied
// after the configured ones.
func (c *Config) NewEmulator(extra ...emu.EmulatorOption) *emu.Emulator {
	e := emu.NewEmulator(append(c.Options(), extra...)...)
	c.Prepare(e)
	return e
}
