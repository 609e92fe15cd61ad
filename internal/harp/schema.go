package harp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"
)

// DeviceFile is the schema file expected inside a .harp directory.
const DeviceFile = "device.yml"

// Mask is a bit mask or bit value as written in device.yml. Both decimal
// and 0x-prefixed hex scalars are accepted.
type Mask uint64

func (m *Mask) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		v, err := strconv.ParseUint(strings.TrimSpace(n.Value), 0, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid mask %q", n.Line, n.Value)
		}
		*m = Mask(v)
		return nil
	case yaml.MappingNode:
		var obj struct {
			Value Mask `yaml:"value"`
		}
		if err := n.Decode(&obj); err != nil {
			return err
		}
		*m = obj.Value
		return nil
	}
	return fmt.Errorf("line %d: mask must be a scalar or mapping", n.Line)
}

// Shift is the number of trailing zero bits in m.
func (m Mask) Shift() int { return bits.TrailingZeros64(uint64(m)) }

// SingleBit reports whether m selects exactly one bit.
func (m Mask) SingleBit() bool { return bits.OnesCount64(uint64(m)) == 1 }

// Bit is one named flag of a BitMask.
type Bit struct {
	Name  string
	Value Mask
}

// BitMask is a named set of flags a register may carry.
type BitMask struct {
	Name        string
	Description string
	Bits        []Bit
}

func (b *BitMask) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		Description string    `yaml:"description"`
		Bits        yaml.Node `yaml:"bits"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	b.Description = raw.Description
	return eachEntry(&raw.Bits, func(name string, v *yaml.Node) error {
		var m Mask
		if err := v.Decode(&m); err != nil {
			return fmt.Errorf("bit %s: %w", name, err)
		}
		b.Bits = append(b.Bits, Bit{Name: name, Value: m})
		return nil
	})
}

// PayloadMember names a slice of a register payload.
type PayloadMember struct {
	Name          string
	Offset        int    `yaml:"offset"`
	Mask          Mask   `yaml:"mask"`
	MaskType      string `yaml:"maskType"`
	InterfaceType string `yaml:"interfaceType"`
	Description   string `yaml:"description"`
}

// IsBool reports whether the member decodes to a boolean column.
func (p PayloadMember) IsBool() bool {
	return strings.EqualFold(p.InterfaceType, "bool") || (p.Mask != 0 && p.Mask.SingleBit())
}

// Register describes one device register.
type Register struct {
	Name        string
	Address     int             `yaml:"address"`
	Type        string          `yaml:"type"`
	Length      int             `yaml:"length"`
	Access      yaml.Node       `yaml:"access"`
	MaskType    string          `yaml:"maskType"`
	Description string          `yaml:"description"`
	PayloadSpec []PayloadMember `yaml:"-"`
}

func (r *Register) UnmarshalYAML(n *yaml.Node) error {
	type plain Register
	var raw struct {
		plain       `yaml:",inline"`
		PayloadSpec yaml.Node `yaml:"payloadSpec"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*r = Register(raw.plain)
	return eachEntry(&raw.PayloadSpec, func(name string, v *yaml.Node) error {
		var m PayloadMember
		if err := v.Decode(&m); err != nil {
			return fmt.Errorf("payload member %s: %w", name, err)
		}
		m.Name = name
		r.PayloadSpec = append(r.PayloadSpec, m)
		return nil
	})
}

// PayloadType resolves the register's type string.
func (r Register) PayloadType() (PayloadType, error) { return ParsePayloadType(r.Type) }

// Elements is the declared payload length, at least one.
func (r Register) Elements() int {
	if r.Length < 1 {
		return 1
	}
	return r.Length
}

// Device is a parsed device.yml.
type Device struct {
	Name            string
	WhoAmI          int
	FirmwareVersion string
	HardwareTargets string
	Registers       []Register
	BitMasks        map[string]BitMask
}

func (d *Device) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		Device          string    `yaml:"device"`
		WhoAmI          int       `yaml:"whoAmI"`
		FirmwareVersion string    `yaml:"firmwareVersion"`
		HardwareTargets string    `yaml:"hardwareTargets"`
		Registers       yaml.Node `yaml:"registers"`
		BitMasks        yaml.Node `yaml:"bitMasks"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	d.Name = raw.Device
	d.WhoAmI = raw.WhoAmI
	d.FirmwareVersion = raw.FirmwareVersion
	d.HardwareTargets = raw.HardwareTargets
	d.BitMasks = map[string]BitMask{}
	if err := eachEntry(&raw.Registers, func(name string, v *yaml.Node) error {
		var r Register
		if err := v.Decode(&r); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		r.Name = name
		d.Registers = append(d.Registers, r)
		return nil
	}); err != nil {
		return err
	}
	return eachEntry(&raw.BitMasks, func(name string, v *yaml.Node) error {
		var b BitMask
		if err := v.Decode(&b); err != nil {
			return fmt.Errorf("bitmask %s: %w", name, err)
		}
		b.Name = name
		d.BitMasks[name] = b
		return nil
	})
}

// Register returns the register at addr.
func (d *Device) Register(addr int) (Register, bool) {
	for _, r := range d.Registers {
		if r.Address == addr {
			return r, true
		}
	}
	return Register{}, false
}

// RegisterByName returns the register called name.
func (d *Device) RegisterByName(name string) (Register, bool) {
	for _, r := range d.Registers {
		if r.Name == name {
			return r, true
		}
	}
	return Register{}, false
}

// eachEntry visits a YAML mapping in document order. A zero node is empty.
func eachEntry(n *yaml.Node, fn func(key string, v *yaml.Node) error) error {
	if n.Kind == 0 {
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", n.Line)
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if err := fn(n.Content[i].Value, n.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// ParseDevice decodes a device.yml document and merges in the core
// registers every Harp device exposes.
func ParseDevice(data []byte) (*Device, error) {
	var d Device
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse device schema: %w", err)
	}
	if d.BitMasks == nil {
		d.BitMasks = map[string]BitMask{}
	}
	mergeCore(&d)
	return &d, nil
}

func mergeCore(d *Device) {
	for _, r := range coreRegisters {
		if _, ok := d.Register(r.Address); !ok {
			d.Registers = append(d.Registers, r)
		}
	}
	for name, b := range coreBitMasks {
		if _, ok := d.BitMasks[name]; !ok {
			d.BitMasks[name] = b
		}
	}
	sort.SliceStable(d.Registers, func(i, j int) bool { return d.Registers[i].Address < d.Registers[j].Address })
}

var coreRegisters = []Register{
	{Name: "WhoAmI", Address: 0, Type: "U16", Length: 1, Description: "Specifies the identity class of the device."},
	{Name: "HardwareVersionHigh", Address: 1, Type: "U8", Length: 1, Description: "Specifies the major hardware version of the device."},
	{Name: "HardwareVersionLow", Address: 2, Type: "U8", Length: 1, Description: "Specifies the minor hardware version of the device."},
	{Name: "AssemblyVersion", Address: 3, Type: "U8", Length: 1, Description: "Specifies the version of the assembled components in the device."},
	{Name: "CoreVersionHigh", Address: 4, Type: "U8", Length: 1, Description: "Specifies the major version of the Harp core implemented by the device."},
	{Name: "CoreVersionLow", Address: 5, Type: "U8", Length: 1, Description: "Specifies the minor version of the Harp core implemented by the device."},
	{Name: "FirmwareVersionHigh", Address: 6, Type: "U8", Length: 1, Description: "Specifies the major version of the Harp core implemented by the device."},
	{Name: "FirmwareVersionLow", Address: 7, Type: "U8", Length: 1, Description: "Specifies the minor version of the Harp core implemented by the device."},
	{Name: "TimestampSeconds", Address: 8, Type: "U32", Length: 1, Description: "Stores the integral part of the system timestamp, in seconds."},
	{Name: "TimestampMicroseconds", Address: 9, Type: "U16", Length: 1, Description: "Stores the fractional part of the system timestamp, in microseconds."},
	{Name: "OperationControl", Address: 10, Type: "U8", Length: 1, Description: "Stores the configuration mode of the device.", PayloadSpec: []PayloadMember{
		{Name: "OperationMode", Mask: 0x3},
		{Name: "DumpRegisters", Mask: 0x8, InterfaceType: "bool"},
		{Name: "MuteReplies", Mask: 0x10, InterfaceType: "bool"},
		{Name: "VisualIndicators", Mask: 0x20},
		{Name: "OperationLed", Mask: 0x40},
		{Name: "Heartbeat", Mask: 0x80},
	}},
	{Name: "ResetDevice", Address: 11, Type: "U8", Length: 1, MaskType: "ResetFlags", Description: "Resets the device and saves non-volatile registers."},
	{Name: "DeviceName", Address: 12, Type: "U8", Length: 25, Description: "Stores the user-specified device name."},
	{Name: "SerialNumber", Address: 13, Type: "U16", Length: 1, Description: "Specifies the unique serial number of the device."},
	{Name: "ClockConfiguration", Address: 14, Type: "U8", Length: 1, MaskType: "ClockConfigurationFlags", Description: "Specifies the configuration for the device synchronization clock."},
}

var coreBitMasks = map[string]BitMask{
	"ResetFlags": {Name: "ResetFlags", Bits: []Bit{
		{"RestoreDefault", 0x1}, {"RestoreEeprom", 0x2}, {"Save", 0x4},
		{"RestoreName", 0x8}, {"BootFromDefault", 0x40}, {"BootFromEeprom", 0x80},
	}},
	"ClockConfigurationFlags": {Name: "ClockConfigurationFlags", Bits: []Bit{
		{"ClockRepeater", 0x1}, {"ClockGenerator", 0x2}, {"RepeaterCapability", 0x8},
		{"GeneratorCapability", 0x10}, {"ClockUnlock", 0x40}, {"ClockLock", 0x80},
	}},
}

// SchemaCache memoizes parsed device schemas by content. A session holds
// the same device.yml twice (data and commands), so each schema is parsed once.
type SchemaCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Device]
}

// NewSchemaCache returns a cache holding at most size schemas.
func NewSchemaCache(size int) (*SchemaCache, error) {
	if size <= 0 {
		size = 32
	}
	c, err := lru.New[string, *Device](size)
	if err != nil {
		return nil, err
	}
	return &SchemaCache{cache: c}, nil
}

// Load returns the schema at path, parsing it unless a file with the same
// content was loaded before.
func (s *SchemaCache) Load(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device schema: %w", err)
	}
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if d, ok := s.cache.Get(key); ok {
		return d, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.cache.Get(key); ok {
		return d, nil
	}
	d, err := ParseDevice(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.cache.Add(key, d)
	return d, nil
}
