package nwb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nucleus/nwb-capsule/internal/frame"
	"github.com/nucleus/nwb-capsule/internal/objectstore"
)

// timeLayout is the ISO-8601 form used for NWB datetime datasets.
const timeLayout = "2006-01-02T15:04:05.999999-07:00"

// Writer stores a File in the NWB-Zarr layout under a scope.
type Writer struct {
	scope       *objectstore.Scope
	compression Compression
	log         logrus.FieldLogger

	bytes   atomic.Int64
	objects atomic.Int64
}

// NewWriter returns a writer rooted at scope.
func NewWriter(scope *objectstore.Scope, compression Compression, log logrus.FieldLogger) *Writer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Writer{scope: scope, compression: compression, log: log}
}

// BytesWritten is the total payload stored so far.
func (w *Writer) BytesWritten() int64 { return w.bytes.Load() }

// ObjectsWritten is the number of objects stored so far.
func (w *Writer) ObjectsWritten() int64 { return w.objects.Load() }

// Write stores f. Objects left under the scope by an earlier write are
// removed first so a reopened file holds exactly the tables of f.
func (w *Writer) Write(ctx context.Context, f *File) error {
	if err := w.scope.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare store: %w", err)
	}
	removed, err := w.scope.Clear(ctx)
	if err != nil {
		return fmt.Errorf("clear %s: %w", w.scope.URL(), err)
	}
	if removed > 0 {
		w.log.WithFields(logrus.Fields{"location": w.scope.URL(), "objects": removed}).Info("replacing existing nwb file")
	}
	root := map[string]any{
		"namespace":      namespaceCore,
		"neurodata_type": "NWBFile",
		"nwb_version":    f.NWBVersion,
		"object_id":      f.ObjectID,
		specLocAttr:      specLocation,
	}
	if err := w.group(ctx, "", root); err != nil {
		return err
	}
	if err := w.cacheSpecs(ctx); err != nil {
		return fmt.Errorf("cache namespaces: %w", err)
	}

	start := f.SessionStartTime.Format(timeLayout)
	scalars := []struct{ key, value string }{
		{"identifier", f.Identifier},
		{"session_description", f.SessionDescription},
		{"session_start_time", start},
		{"timestamps_reference_time", start},
		{"file_create_date", f.FileCreateDate.Format(timeLayout)},
	}
	if f.SessionID != "" {
		scalars = append(scalars, struct{ key, value string }{"general/session_id", f.SessionID})
	}
	for _, g := range []string{"general", "analysis", "stimulus", "stimulus/presentation", "stimulus/templates", "acquisition", "events", "processing"} {
		if err := w.group(ctx, g, nil); err != nil {
			return err
		}
	}
	for _, s := range scalars {
		if err := w.scalar(ctx, s.key, s.value); err != nil {
			return err
		}
	}

	for _, name := range f.Acquisition.Keys() {
		t, _ := f.Acquisition.Table(name)
		if err := w.table(ctx, objectstore.JoinKey("acquisition", name), t); err != nil {
			return err
		}
	}
	for _, name := range f.Events.Keys() {
		t, _ := f.Events.Table(name)
		if err := w.table(ctx, objectstore.JoinKey("events", name), t); err != nil {
			return err
		}
	}
	for _, module := range f.ProcessingModules() {
		g, _ := f.Processing(module)
		base := objectstore.JoinKey("processing", module)
		attrs := map[string]any{
			"description":    g.Description,
			"namespace":      namespaceCore,
			"neurodata_type": "ProcessingModule",
			"object_id":      uuid.NewString(),
		}
		if err := w.group(ctx, base, attrs); err != nil {
			return err
		}
		for _, name := range g.Keys() {
			t, _ := g.Table(name)
			if err := w.table(ctx, objectstore.JoinKey(base, name), t); err != nil {
				return err
			}
		}
	}
	w.log.WithFields(logrus.Fields{
		"location": w.scope.URL(),
		"objects":  w.objects.Load(),
		"bytes":    w.bytes.Load(),
	}).Info("nwb file written")
	return nil
}

func (w *Writer) table(ctx context.Context, base string, t *DynamicTable) error {
	rows, err := t.Frame(ctx)
	if err != nil {
		return err
	}
	colnames := make([]string, 0, len(rows.Columns))
	seen := make(map[string]bool, len(rows.Columns))
	for _, name := range rows.Names() {
		if name == "id" || seen[name] {
			return fmt.Errorf("table %s: column %q would overwrite another dataset", t.Name, name)
		}
		seen[name] = true
		colnames = append(colnames, name)
	}
	attrs := map[string]any{
		"colnames":       colnames,
		"description":    t.Description,
		"namespace":      t.Namespace,
		"neurodata_type": t.NeurodataType,
		"object_id":      t.ObjectID,
	}
	if err := w.group(ctx, base, attrs); err != nil {
		return fmt.Errorf("table %s: %w", t.Name, err)
	}

	ids := make([]int64, rows.Len())
	for i := range ids {
		ids[i] = int64(i)
	}
	idAttrs := map[string]any{
		"namespace":      namespaceCommon,
		"neurodata_type": "ElementIdentifiers",
		"object_id":      uuid.NewString(),
	}
	if err := w.array(ctx, objectstore.JoinKey(base, "id"), frame.NewInt("id", ids), idAttrs); err != nil {
		return fmt.Errorf("table %s: %w", t.Name, err)
	}
	for _, c := range rows.Columns {
		colAttrs := map[string]any{
			"description":    c.Name,
			"namespace":      namespaceCommon,
			"neurodata_type": "VectorData",
			"object_id":      uuid.NewString(),
		}
		if err := w.array(ctx, objectstore.JoinKey(base, c.Name), c, colAttrs); err != nil {
			return fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
	}
	w.log.WithFields(logrus.Fields{"table": t.Name, "rows": rows.Len(), "columns": len(rows.Columns)}).Debug("table written")
	return nil
}

func (w *Writer) group(ctx context.Context, key string, attrs map[string]any) error {
	if err := w.putJSON(ctx, objectstore.JoinKey(key, ".zgroup"), map[string]int{"zarr_format": 2}); err != nil {
		return err
	}
	if attrs == nil {
		return nil
	}
	return w.putJSON(ctx, objectstore.JoinKey(key, ".zattrs"), attrs)
}

// array writes col as a single-chunk zarr array with its attributes and a
// zarr_dtype tag. Empty arrays get metadata only; readers fill missing chunks.
func (w *Writer) array(ctx context.Context, key string, col *frame.Column, attrs map[string]any) error {
	if col.HasNulls() {
		return fmt.Errorf("column %s has missing values", col.Name)
	}
	n := col.Len()
	meta := newArrayMeta(col.Type, n, w.compression)
	if err := w.putJSON(ctx, objectstore.JoinKey(key, ".zarray"), meta); err != nil {
		return err
	}
	merged := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		merged[k] = v
	}
	if _, ok := merged[zarrDTypeAttr]; !ok {
		merged[zarrDTypeAttr] = zarrDType(col.Type)
	}
	if err := w.putJSON(ctx, objectstore.JoinKey(key, ".zattrs"), merged); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	chunk, err := compress(meta.Compressor, encodeColumn(col))
	if err != nil {
		return err
	}
	return w.put(ctx, objectstore.JoinKey(key, "0"), chunk)
}

// scalar writes a one-element string dataset tagged as a scalar.
func (w *Writer) scalar(ctx context.Context, key, value string) error {
	return w.array(ctx, key, frame.NewString(key, []string{value}), map[string]any{zarrDTypeAttr: "scalar"})
}

func (w *Writer) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	return w.put(ctx, key, b)
}

func (w *Writer) put(ctx context.Context, key string, data []byte) error {
	if err := w.scope.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	w.objects.Add(1)
	w.bytes.Add(int64(len(data)))
	return nil
}

// parseTime reads a datetime dataset written by this package or by Python
// tooling.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}
