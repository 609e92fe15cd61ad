// Package contract models the data contract of a session: the tree of
// named streams, where each leaf points at one file or register dump that a
// loader knows how to read.
package contract

import (
	"fmt"
	"strings"

	"github.com/nucleus/nwb-capsule/internal/harp"
)

// Kind selects how a stream is read.
type Kind string

const (
	KindCollection     Kind = "collection"
	KindHarpDevice     Kind = "harp_device"
	KindHarpRegister   Kind = "harp_register"
	KindCSV            Kind = "csv"
	KindText           Kind = "text"
	KindSoftwareEvents Kind = "software_events"
	KindJSONModel      Kind = "json_model"
	KindMapFromPaths   Kind = "map_from_paths"
)

func (k Kind) valid() bool {
	switch k {
	case KindCollection, KindHarpDevice, KindHarpRegister, KindCSV, KindText,
		KindSoftwareEvents, KindJSONModel, KindMapFromPaths:
		return true
	}
	return false
}

// Params are the kind-specific reader settings of a stream.
type Params struct {
	// Paths are the directories a map_from_paths node lists.
	Paths []string `mapstructure:"paths" yaml:"paths,omitempty"`
	// Include are glob patterns a listed file name must match.
	Include []string `mapstructure:"include" yaml:"include,omitempty"`
	// Inner is the kind given to each file found by map_from_paths.
	Inner Kind `mapstructure:"inner" yaml:"inner,omitempty"`
	// Index names the column rows are keyed by.
	Index string `mapstructure:"index" yaml:"index,omitempty"`
	// DeviceYML overrides <device>.harp/device.yml.
	DeviceYML string `mapstructure:"device_yml" yaml:"device_yml,omitempty"`
}

// Register binds a harp_register leaf to its schema.
type Register struct {
	Device   *harp.Device
	Register harp.Register
}

// Stream is a node of the contract tree.
type Stream struct {
	Name        string
	Description string
	Kind        Kind
	Path        string
	Params      Params
	Harp        *Register
	Children    []*Stream
	Parent      *Stream
}

// NewCollection builds a collection node. It panics on duplicate child
// names, which only happens for contracts written in code.
func NewCollection(name, description string, children ...*Stream) *Stream {
	s := &Stream{Name: name, Description: description, Kind: KindCollection}
	for _, c := range children {
		if err := s.AddChild(c); err != nil {
			panic(err)
		}
	}
	return s
}

// AddChild attaches c. Names must be unique among siblings.
func (s *Stream) AddChild(c *Stream) error {
	if !s.IsCollection() {
		return fmt.Errorf("stream %s (%s) cannot have children", s.Name, s.Kind)
	}
	if c.Name == "" {
		return fmt.Errorf("stream under %s has no name", s.Name)
	}
	if strings.Contains(c.Name, ".") {
		return fmt.Errorf("stream name %q must not contain dots", c.Name)
	}
	if _, dup := s.At(c.Name); dup {
		return fmt.Errorf("duplicate stream %q under %s", c.Name, s.Name)
	}
	c.Parent = s
	s.Children = append(s.Children, c)
	return nil
}

// IsCollection reports whether the node groups other streams rather than
// holding data itself.
func (s *Stream) IsCollection() bool {
	switch s.Kind {
	case KindCollection, KindHarpDevice, KindMapFromPaths:
		return true
	}
	return false
}

// At returns the direct child called name.
func (s *Stream) At(name string) (*Stream, bool) {
	for _, c := range s.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Lookup follows a chain of child names.
func (s *Stream) Lookup(path ...string) (*Stream, error) {
	cur := s
	for _, name := range path {
		next, ok := cur.At(name)
		if !ok {
			return nil, fmt.Errorf("stream %s has no child %q", cur.FullName(), name)
		}
		cur = next
	}
	return cur, nil
}

// Walk visits s and its descendants depth first, parents before children.
// Returning an error stops the walk.
func (s *Stream) Walk(fn func(*Stream) error) error {
	if err := fn(s); err != nil {
		return err
	}
	for _, c := range s.Children {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Leaves returns the data-bearing descendants in walk order.
func (s *Stream) Leaves() []*Stream {
	var out []*Stream
	_ = s.Walk(func(n *Stream) error {
		if !n.IsCollection() {
			out = append(out, n)
		}
		return nil
	})
	return out
}

// FullName is the dotted path from the tree root, used in messages.
func (s *Stream) FullName() string {
	var parts []string
	for n := s; n != nil; n = n.Parent {
		parts = append([]string{n.Name}, parts...)
	}
	return strings.Join(parts, ".")
}

// Dataset is a named, versioned contract rooted at Root.
type Dataset struct {
	Name        string
	Version     string
	Description string
	// Dir is the session directory relative paths resolve against.
	Dir  string
	Root *Stream
}

// TopLevel returns the collection directly under the root called name.
func TopLevel(ds *Dataset, name string) (*Stream, error) {
	top, ok := ds.Root.At(name)
	if !ok {
		return nil, fmt.Errorf("dataset %s has no top-level stream %q", ds.Name, name)
	}
	return top, nil
}

// StreamName names s relative to top: top's name followed by the names on
// the path from top to s, joined by dots.
func StreamName(s, top *Stream) (string, error) {
	var parts []string
	n := s
	for ; n != nil && n != top; n = n.Parent {
		parts = append([]string{n.Name}, parts...)
	}
	if n == nil {
		return "", fmt.Errorf("stream %s is not under %s", s.FullName(), top.Name)
	}
	return strings.Join(append([]string{top.Name}, parts...), "."), nil
}
