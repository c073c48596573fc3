// Package config loads device definitions from YAML files. Every field is
// optional; command line flags override what the file sets.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Target type names
const (
	TargetNull  = "null"
	TargetLoop  = "loop"
	TargetZoned = "zoned"
	TargetMem   = "mem"
)

// Targets lists the accepted target types
var Targets = []string{TargetNull, TargetLoop, TargetZoned, TargetMem}

// Size is a byte count. In YAML it is either a plain integer or a string
// with a binary suffix such as "64MiB" or "1G".
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = Size(n)
	return nil
}

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"KiB", 10}, {"MiB", 20}, {"GiB", 30}, {"TiB", 40},
	{"K", 10}, {"M", 20}, {"G", 30}, {"T", 40},
	{"B", 0},
}

// ParseSize parses a byte count with an optional binary suffix
func ParseSize(s string) (uint64, error) {
	text := strings.TrimSpace(s)
	shift := uint(0)
	for _, sfx := range sizeSuffixes {
		if strings.HasSuffix(text, sfx.suffix) {
			text = strings.TrimSpace(strings.TrimSuffix(text, sfx.suffix))
			shift = sfx.shift
			break
		}
	}
	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if shift > 0 && n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n << shift, nil
}

// Zoned holds the zoned target settings
type Zoned struct {
	ZoneSize          Size   `yaml:"zone_size"`
	ConventionalZones uint32 `yaml:"conventional_zones"`
	MaxOpenZones      uint32 `yaml:"max_open_zones"`
	MaxActiveZones    uint32 `yaml:"max_active_zones"`
}

// Device is one device definition
type Device struct {
	Target           string `yaml:"target"`
	File             string `yaml:"file"`
	Size             Size   `yaml:"size"`
	LogicalBlockSize uint32 `yaml:"logical_block_size"`
	ReadOnly         bool   `yaml:"read_only"`
	Queues           uint16 `yaml:"queues"`
	Depth            uint16 `yaml:"depth"`
	MaxIOSize        Size   `yaml:"max_io_size"`
	Zoned            Zoned  `yaml:"zoned"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// ErrUnknownTarget is returned for a target type that does not exist
var ErrUnknownTarget = errors.New("unknown target type")

// Decode reads one device definition. Unknown keys are rejected.
func Decode(r io.Reader) (*Device, error) {
	var d Device
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &d, nil
}

// Load reads and validates the device definition in path
func Load(path string) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open config: %w", err)
	}
	defer f.Close()

	d, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("unable to decode %q: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Validate checks the settings that do not depend on the kernel. Block
// sizes and queue limits are checked when the device geometry is built.
func (d *Device) Validate() error {
	switch d.Target {
	case "", TargetNull, TargetMem:
	case TargetLoop:
		if d.File == "" {
			return errors.New("loop target needs a file")
		}
	case TargetZoned:
		zs := uint64(d.Zoned.ZoneSize)
		if zs != 0 && zs&(zs-1) != 0 {
			return fmt.Errorf("zone size %d is not a power of two", zs)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownTarget, d.Target)
	}
	if d.File != "" && (d.Target == TargetNull || d.Target == TargetMem) {
		return fmt.Errorf("%s target takes no file", d.Target)
	}
	return nil
}
