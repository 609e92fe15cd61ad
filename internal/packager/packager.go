// Package packager turns one VR-foraging session into an NWB file: it
// discovers the primary asset, expands and loads its data contract, maps
// every stream onto a DynamicTable and writes the result to the store.
package packager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/nucleus/nwb-capsule/internal/catalog"
	"github.com/nucleus/nwb-capsule/internal/config"
	"github.com/nucleus/nwb-capsule/internal/contract"
	"github.com/nucleus/nwb-capsule/internal/harp"
	"github.com/nucleus/nwb-capsule/internal/loader"
	"github.com/nucleus/nwb-capsule/internal/nwb"
	"github.com/nucleus/nwb-capsule/internal/objectstore"
	"github.com/nucleus/nwb-capsule/internal/sites"
)

const (
	nwbSuffix     = "_primary_nwb"
	parquetSuffix = "_parquet"

	sitesModule      = "behavior"
	sitesDescription = "Processed behavior data: one row per traversed odor site"
	schemaCacheSize  = 16
)

// Registrar records a packaged asset. catalog.Store implements it.
type Registrar interface {
	Register(ctx context.Context, e catalog.Entry) error
}

// Packager runs the capsule against a configured store.
type Packager struct {
	cfg     *config.Config
	store   objectstore.Store
	catalog Registrar
	schemas *harp.SchemaCache
	log     logrus.FieldLogger
}

// New returns a packager writing to store. reg may be nil to skip catalog
// registration.
func New(cfg *config.Config, store objectstore.Store, reg Registrar, log logrus.FieldLogger) (*Packager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("packager: config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("packager: store is required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	schemas, err := harp.NewSchemaCache(schemaCacheSize)
	if err != nil {
		return nil, err
	}
	return &Packager{cfg: cfg, store: store, catalog: reg, schemas: schemas, log: log}, nil
}

// Run packages the single asset found under the configured data root.
func (p *Packager) Run(ctx context.Context) (*Result, error) {
	sess, err := Discover(p.cfg.DataRoot)
	if err != nil {
		return nil, err
	}
	return p.Package(ctx, sess)
}

// Package builds, writes and optionally exports and registers sess.
func (p *Packager) Package(ctx context.Context, sess *Session) (*Result, error) {
	started := time.Now()
	res := &Result{RunID: xid.New().String(), Asset: sess.Name + nwbSuffix, SessionID: sess.Name}
	log := p.log.WithFields(logrus.Fields{"run_id": res.RunID, "session": sess.Name})
	log.WithField("dir", sess.Dir).Info("packaging session")

	f, batch, err := p.Build(ctx, sess, log)
	if err != nil {
		return nil, err
	}
	if batch.Skipped != nil {
		res.Skipped = len(batch.Skipped.Errors)
	}

	compression, err := nwb.ParseCompression(p.cfg.Compression)
	if err != nil {
		return nil, inputError(CodeContract, "%v", err)
	}
	scope := objectstore.NewScope(p.store, p.cfg.StoreBucket, res.Asset)
	w := nwb.NewWriter(scope, compression, log)
	if err := w.Write(ctx, f); err != nil {
		return nil, wrapError(CodeWriteFailed, objectstore.IsRetryable(err), err)
	}
	res.Location = scope.URL()
	res.Bytes = w.BytesWritten()
	res.Objects = w.ObjectsWritten()

	tables := allTables(f)
	for _, t := range tables {
		res.Tables = append(res.Tables, t.Name)
		if rows, err := t.Frame(ctx); err == nil {
			res.Rows += int64(rows.Len())
		}
	}

	if p.cfg.ParquetExport {
		pscope := objectstore.NewScope(p.store, p.cfg.StoreBucket, sess.Name+parquetSuffix)
		n, err := ExportParquet(ctx, pscope, tables)
		if err != nil {
			return nil, err
		}
		res.ParquetFiles = n
		res.ParquetLocation = pscope.URL()
	}

	if p.catalog != nil {
		entry := catalog.Entry{
			Asset:     res.Asset,
			RunID:     res.RunID,
			SessionID: sess.Name,
			Location:  res.Location,
			Tables:    res.Tables,
			Rows:      res.Rows,
			Bytes:     res.Bytes,
		}
		if err := p.catalog.Register(ctx, entry); err != nil {
			return nil, wrapError(CodeCatalogFailed, true, err)
		}
	}

	res.Duration = time.Since(started)
	log.WithFields(res.Fields()).Info(res.Summary())
	return res, nil
}

// Build expands and loads the session contract and maps the streams onto
// an NWB file. Nothing is written.
func (p *Packager) Build(ctx context.Context, sess *Session, log logrus.FieldLogger) (*nwb.File, *loader.Batch, error) {
	if log == nil {
		log = p.log
	}
	ds, err := p.dataset(sess)
	if err != nil {
		return nil, nil, err
	}

	exp := &contract.Expander{Schemas: p.schemas, Log: log}
	expandErr := exp.Expand(ctx, ds)
	if expandErr != nil {
		if p.cfg.Strict || ctx.Err() != nil {
			return nil, nil, wrapError(CodeContract, false, expandErr)
		}
		log.WithError(expandErr).Warn("contract partially expanded")
	}
	top, err := contract.TopLevel(ds, p.cfg.TopLevel)
	if err != nil {
		return nil, nil, wrapError(CodeContract, false, err)
	}

	ld := &loader.Loader{Workers: p.cfg.Workers, Strict: p.cfg.Strict, Log: log}
	batch, err := ld.LoadAll(ctx, top)
	if err != nil {
		return nil, nil, wrapError(CodeLoadFailed, false, err)
	}
	if expandErr != nil {
		batch.Skipped = multierror.Append(batch.Skipped, expandErr)
	}

	f, err := nwb.NewFile(sess.SubjectID, sess.Name, sess.SessionType, sess.StartTime)
	if err != nil {
		return nil, nil, wrapError(CodeInvalidMetadata, false, err)
	}
	var events nwb.EventLog
	for _, d := range batch.Data {
		t := tableFor(d)
		if err := f.AddAcquisition(t); err != nil {
			return nil, nil, wrapError(CodeContract, false, err)
		}
		if d.Stream.Kind == contract.KindSoftwareEvents {
			if err := events.Add(ctx, t); err != nil {
				return nil, nil, wrapError(CodeLoadFailed, false, err)
			}
		}
	}
	evTable, meanings := events.Tables()
	if err := f.AddEvents(evTable); err != nil {
		return nil, nil, wrapError(CodeContract, false, err)
	}
	if err := f.AddEvents(meanings); err != nil {
		return nil, nil, wrapError(CodeContract, false, err)
	}

	if p.cfg.ProcessSites {
		if err := p.addSites(f, top, ds.Version, batch, log); err != nil {
			return nil, nil, err
		}
	}
	return f, batch, nil
}

func (p *Packager) dataset(sess *Session) (*contract.Dataset, error) {
	var ds *contract.Dataset
	if p.cfg.ContractFile != "" {
		var err error
		if ds, err = contract.Load(p.cfg.ContractFile, sess.Dir); err != nil {
			return nil, wrapError(CodeContract, false, err)
		}
	} else {
		ds = contract.Default(sess.Dir)
	}
	if sess.Version != "" {
		ds.Version = sess.Version
	}
	return ds, nil
}

// tableFor maps a loaded stream onto its acquisition table.
func tableFor(d *loader.Data) *nwb.DynamicTable {
	s := d.Stream
	switch s.Kind {
	case contract.KindHarpRegister:
		return nwb.NewTable(d.Name, harpDescription(s), d.Frame)
	case contract.KindCSV:
		desc := s.Description
		if s.Parent != nil && s.Parent.Description != "" {
			desc = s.Parent.Description
		}
		return nwb.NewTable(d.Name, desc, d.Frame)
	case contract.KindJSONModel:
		return nwb.NewTable(d.Name, string(d.Document), nil)
	default:
		return nwb.NewTable(d.Name, describe(s), d.Frame)
	}
}

func harpDescription(s *contract.Stream) string {
	if s.Description != "" {
		return s.Description
	}
	if s.Parent != nil && s.Parent.Description != "" {
		return s.Parent.Description
	}
	if s.Harp != nil && s.Harp.Device != nil && s.Harp.Device.Name != "" {
		return fmt.Sprintf("Register %s of Harp device %s", s.Name, s.Harp.Device.Name)
	}
	return s.Name
}

func describe(s *contract.Stream) string {
	if s.Description != "" {
		return s.Description
	}
	if s.Parent != nil && s.Parent.Description != "" {
		return s.Parent.Description
	}
	return s.Name
}

// addSites derives the site table from the loaded streams. Outside strict
// mode a failure is logged and the file is written without it.
func (p *Packager) addSites(f *nwb.File, top *contract.Stream, version string, batch *loader.Batch, log logrus.FieldLogger) error {
	src := sites.MapSource{}
	for _, d := range batch.Data {
		src[strings.TrimPrefix(d.Name, top.Name+".")] = d.Frame
	}
	build := func() (*nwb.DynamicTable, error) {
		proc, err := sites.NewProcessor(src, version, p.cfg.Strict, log)
		if err != nil {
			return nil, err
		}
		channels, err := proc.ChannelCount()
		if err != nil {
			return nil, err
		}
		rows, err := proc.Process()
		if err != nil {
			return nil, err
		}
		fr, err := sites.Frame(rows, channels)
		if err != nil {
			return nil, err
		}
		return nwb.NewTable(top.Name+".Sites", sitesDescription, fr), nil
	}
	t, err := build()
	if err != nil {
		if p.cfg.Strict {
			return wrapError(CodeLoadFailed, false, err)
		}
		log.WithError(err).Warn("site processing skipped")
		return nil
	}
	if err := f.AddProcessing(sitesModule, "Processed behavior data", t); err != nil {
		return wrapError(CodeContract, false, err)
	}
	return nil
}

func allTables(f *nwb.File) []*nwb.DynamicTable {
	var out []*nwb.DynamicTable
	groups := []*nwb.Group{f.Acquisition, f.Events}
	for _, m := range f.ProcessingModules() {
		g, _ := f.Processing(m)
		groups = append(groups, g)
	}
	for _, g := range groups {
		for _, k := range g.Keys() {
			t, _ := g.Table(k)
			out = append(out, t)
		}
	}
	return out
}
