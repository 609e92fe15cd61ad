package contract

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

type streamDoc struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Kind        Kind           `yaml:"kind"`
	Path        string         `yaml:"path"`
	Params      map[string]any `yaml:"params"`
	Children    []streamDoc    `yaml:"children"`
}

type datasetDoc struct {
	Name        string    `yaml:"name"`
	Version     string    `yaml:"version"`
	Description string    `yaml:"description"`
	Root        streamDoc `yaml:"root"`
}

// Load reads a contract file. Relative paths in it resolve against root.
func Load(path, root string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract: %w", err)
	}
	ds, err := Parse(data, root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// Parse decodes a YAML contract document.
func Parse(data []byte, root string) (*Dataset, error) {
	var doc datasetDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse contract: %w", err)
	}
	if doc.Root.Name == "" {
		return nil, fmt.Errorf("contract has no root stream")
	}
	rootStream, err := build(doc.Root, root)
	if err != nil {
		return nil, err
	}
	version := doc.Version
	if version == "" {
		version = DefaultVersion
	}
	return &Dataset{Name: doc.Name, Version: version, Description: doc.Description, Dir: root, Root: rootStream}, nil
}

func build(doc streamDoc, root string) (*Stream, error) {
	kind := doc.Kind
	if kind == "" {
		kind = KindCollection
	}
	if !kind.valid() {
		return nil, fmt.Errorf("stream %s: unknown kind %q", doc.Name, doc.Kind)
	}
	s := &Stream{Name: doc.Name, Description: doc.Description, Kind: kind, Path: resolve(root, doc.Path)}
	if err := decodeParams(doc.Params, &s.Params); err != nil {
		return nil, fmt.Errorf("stream %s: %w", doc.Name, err)
	}
	for i, p := range s.Params.Paths {
		s.Params.Paths[i] = resolve(root, p)
	}
	s.Params.DeviceYML = resolve(root, s.Params.DeviceYML)
	if kind == KindMapFromPaths && !s.Params.Inner.valid() {
		return nil, fmt.Errorf("stream %s: map_from_paths needs a valid inner kind, got %q", doc.Name, s.Params.Inner)
	}
	if len(doc.Children) > 0 && kind != KindCollection {
		return nil, fmt.Errorf("stream %s: only collections declare children", doc.Name)
	}
	for _, cd := range doc.Children {
		c, err := build(cd, root)
		if err != nil {
			return nil, err
		}
		if err := s.AddChild(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func decodeParams(raw map[string]any, out *Params) error {
	if len(raw) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
