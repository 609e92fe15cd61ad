// Package loader reads the leaf streams of a contract into frames.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nucleus/nwb-capsule/internal/contract"
	"github.com/nucleus/nwb-capsule/internal/frame"
	"github.com/nucleus/nwb-capsule/internal/harp"
)

// Data is one loaded leaf stream.
type Data struct {
	Stream *contract.Stream
	// Name is the dotted name relative to the top-level collection.
	Name  string
	Frame *frame.Frame
	// Document is set for json_model streams instead of Frame rows.
	Document json.RawMessage
}

// Batch is the outcome of loading a contract branch.
type Batch struct {
	Data []*Data
	// Skipped collects the streams that failed in non-strict mode.
	Skipped *multierror.Error
}

// Loader reads every leaf under a top-level collection.
type Loader struct {
	Workers int
	Strict  bool
	Log     logrus.FieldLogger
}

// Load reads a single leaf stream.
func Load(s *contract.Stream, log logrus.FieldLogger) (*Data, error) {
	d := &Data{Stream: s}
	var err error
	switch s.Kind {
	case contract.KindHarpRegister:
		if s.Harp == nil {
			return nil, fmt.Errorf("register stream %s has no schema", s.FullName())
		}
		d.Frame, err = harp.NewReader(s.Harp.Device, log).ReadFile(s.Path, s.Harp.Register)
	case contract.KindCSV:
		d.Frame, err = ReadCSV(s.Path, s.Params.Index)
	case contract.KindText:
		d.Frame, err = ReadText(s.Path)
	case contract.KindSoftwareEvents:
		d.Frame, err = ReadSoftwareEvents(s.Path, s.Params.Index)
	case contract.KindJSONModel:
		d.Document, err = ReadJSONModel(s.Path)
		if err == nil {
			d.Frame = &frame.Frame{}
		}
	default:
		return nil, fmt.Errorf("stream %s: kind %s holds no data", s.FullName(), s.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.FullName(), err)
	}
	return d, nil
}

// LoadAll reads every leaf under top concurrently. Results keep walk order.
// In strict mode the first failure cancels the rest and is returned;
// otherwise failing streams are logged and listed in Batch.Skipped.
func (l *Loader) LoadAll(ctx context.Context, top *contract.Stream) (*Batch, error) {
	log := l.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	workers := l.Workers
	if workers <= 0 {
		workers = 4
	}

	leaves := top.Leaves()
	slots := make([]*Data, len(leaves))
	var (
		mu      sync.Mutex
		skipped *multierror.Error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, s := range leaves {
		i, s := i, s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			name, err := contract.StreamName(s, top)
			if err != nil {
				return err
			}
			entry := log.WithField("stream", name)
			d, err := Load(s, entry)
			if err != nil {
				if l.Strict {
					return err
				}
				entry.WithError(err).Warn("stream skipped")
				mu.Lock()
				skipped = multierror.Append(skipped, err)
				mu.Unlock()
				return nil
			}
			d.Name = name
			slots[i] = d
			entry.WithField("rows", d.Frame.Len()).Debug("stream loaded")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	b := &Batch{Skipped: skipped}
	for _, d := range slots {
		if d != nil {
			b.Data = append(b.Data, d)
		}
	}
	return b, nil
}
