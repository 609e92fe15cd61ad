package contract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/nucleus/nwb-capsule/internal/harp"
)

// Expander resolves map_from_paths and harp_device nodes into concrete
// children by listing the session directory.
type Expander struct {
	Schemas *harp.SchemaCache
	Log     logrus.FieldLogger
}

// Expand fills in the children of every expandable node. Nodes that cannot
// be expanded stay empty; their errors are collected and returned together
// so one missing device does not hide the rest of the session.
func (e *Expander) Expand(ctx context.Context, ds *Dataset) error {
	if e.Log == nil {
		e.Log = logrus.StandardLogger()
	}
	if e.Schemas == nil {
		c, err := harp.NewSchemaCache(0)
		if err != nil {
			return err
		}
		e.Schemas = c
	}
	var result *multierror.Error
	err := ds.Root.Walk(func(s *Stream) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(s.Children) > 0 {
			return nil
		}
		var err error
		switch s.Kind {
		case KindMapFromPaths:
			err = e.expandPaths(s)
		case KindHarpDevice:
			err = e.expandDevice(s)
		default:
			return nil
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("expand %s: %w", s.FullName(), err))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return result.ErrorOrNil()
}

func (e *Expander) expandPaths(s *Stream) error {
	patterns := s.Params.Include
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}

	var result *multierror.Error
	for _, dir := range s.Params.Paths {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			e.Log.WithFields(logrus.Fields{"stream": s.FullName(), "path": dir}).Debug("path not found")
			continue
		}
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if !entry.IsDir() && matchAny(globs, entry.Name()) {
				names = append(names, entry.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			child := &Stream{
				Name:        strings.TrimSuffix(name, filepath.Ext(name)),
				Description: s.Description,
				Kind:        s.Params.Inner,
				Path:        filepath.Join(dir, name),
				Params:      Params{Index: s.Params.Index},
			}
			if err := s.AddChild(child); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func (e *Expander) expandDevice(s *Stream) error {
	if _, err := os.Stat(s.Path); err != nil {
		return err
	}
	schemaPath := s.Params.DeviceYML
	if schemaPath == "" {
		schemaPath = filepath.Join(s.Path, harp.DeviceFile)
	}
	dev, err := e.Schemas.Load(schemaPath)
	if err != nil {
		return err
	}
	files, err := harp.ListRegisterFiles(s.Path)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, f := range files {
		reg, ok := dev.Register(f.Address)
		if !ok {
			e.Log.WithFields(logrus.Fields{"stream": s.FullName(), "address": f.Address}).Warn("register not in device schema")
			continue
		}
		child := &Stream{
			Name:        reg.Name,
			Description: reg.Description,
			Kind:        KindHarpRegister,
			Path:        f.Path,
			Params:      Params{Index: harp.IndexColumn},
			Harp:        &Register{Device: dev, Register: reg},
		}
		if err := s.AddChild(child); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
