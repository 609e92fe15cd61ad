package packager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/nucleus/nwb-capsule/internal/frame"
	"github.com/nucleus/nwb-capsule/internal/nwb"
	"github.com/nucleus/nwb-capsule/internal/objectstore"
)

const parquetParallelism = 4

// ExportParquet writes one snappy-compressed parquet file per table under
// scope, named after the table. Tables without columns are skipped.
func ExportParquet(ctx context.Context, scope *objectstore.Scope, tables []*nwb.DynamicTable) (int, error) {
	if err := scope.Prepare(ctx); err != nil {
		return 0, wrapError(CodeExportFailed, true, err)
	}
	written := 0
	for _, t := range tables {
		f, err := t.Frame(ctx)
		if err != nil {
			return written, wrapError(CodeExportFailed, false, fmt.Errorf("table %s: %w", t.Name, err))
		}
		if len(f.Columns) == 0 {
			continue
		}
		data, err := encodeParquet(f)
		if err != nil {
			return written, wrapError(CodeExportFailed, false, fmt.Errorf("table %s: %w", t.Name, err))
		}
		if err := scope.Put(ctx, t.Name+".parquet", data); err != nil {
			return written, wrapError(CodeExportFailed, objectstore.IsRetryable(err), err)
		}
		written++
	}
	return written, nil
}

func encodeParquet(f *frame.Frame) ([]byte, error) {
	names := parquetNames(f.Names())
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(buildParquetSchema(f, names), pfw, parquetParallelism)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for r := 0; r < f.Len(); r++ {
		row := make(map[string]any, len(f.Columns))
		for i, c := range f.Columns {
			v := c.Value(r)
			if fv, ok := v.(float64); ok && (math.IsNaN(fv) || math.IsInf(fv, 0)) {
				v = nil
			}
			row[names[i]] = v
		}
		line, err := json.Marshal(row)
		if err != nil {
			_ = pw.WriteStop()
			return nil, err
		}
		if err := pw.Write(string(line)); err != nil {
			_ = pw.WriteStop()
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	_ = pfw.Close()
	return buf.Bytes(), nil
}

func buildParquetSchema(f *frame.Frame, names []string) string {
	fields := make([]map[string]string, 0, len(f.Columns))
	for i, c := range f.Columns {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", names[i], parquetType(c.Type)),
		})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func parquetType(t frame.Type) string {
	switch t {
	case frame.Bool:
		return "type=BOOLEAN"
	case frame.Int:
		return "type=INT64"
	case frame.Float:
		return "type=DOUBLE"
	default:
		return "type=BYTE_ARRAY, convertedtype=UTF8"
	}
}

// parquetNames maps column names onto identifiers the schema tags accept.
// Collisions after mapping get a numeric suffix.
func parquetNames(cols []string) []string {
	out := make([]string, len(cols))
	seen := map[string]bool{}
	for i, c := range cols {
		name := strings.Map(func(r rune) rune {
			if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return '_'
		}, c)
		if name == "" || unicode.IsDigit(rune(name[0])) {
			name = "c_" + name
		}
		unique := name
		for n := 1; seen[unique]; n++ {
			unique = fmt.Sprintf("%s_%d", name, n)
		}
		seen[unique] = true
		out[i] = unique
	}
	return out
}
