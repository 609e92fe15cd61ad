package nwb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/nucleus/nwb-capsule/internal/frame"
)

// Compression selects the chunk compressor.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionGzip Compression = "gzip"
)

// ParseCompression accepts none, zstd or gzip; empty means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd, CompressionGzip:
		return Compression(s), nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

const (
	zstdLevel = 3
	gzipLevel = 5
	vlenUTF8  = "vlen-utf8"
)

type codecSpec struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// arrayMeta is the .zarray document of a zarr v2 array.
type arrayMeta struct {
	Chunks     []int       `json:"chunks"`
	Compressor *codecSpec  `json:"compressor"`
	DType      string      `json:"dtype"`
	FillValue  any         `json:"fill_value"`
	Filters    []codecSpec `json:"filters"`
	Order      string      `json:"order"`
	Shape      []int       `json:"shape"`
	ZarrFormat int         `json:"zarr_format"`
}

func (c Compression) spec() *codecSpec {
	switch c {
	case CompressionZstd:
		return &codecSpec{ID: "zstd", Level: zstdLevel}
	case CompressionGzip:
		return &codecSpec{ID: "gzip", Level: gzipLevel}
	}
	return nil
}

// newArrayMeta describes a one-chunk array holding col.
func newArrayMeta(t frame.Type, n int, c Compression) arrayMeta {
	m := arrayMeta{
		Chunks:     []int{max(n, 1)},
		Compressor: c.spec(),
		Order:      "C",
		Shape:      []int{n},
		ZarrFormat: 2,
	}
	switch t {
	case frame.Float:
		m.DType, m.FillValue = "<f8", "NaN"
	case frame.Int:
		m.DType, m.FillValue = "<i8", 0
	case frame.Bool:
		m.DType, m.FillValue = "|b1", false
	default:
		m.DType = "|O"
		m.Filters = []codecSpec{{ID: vlenUTF8}}
	}
	return m
}

// zarrDType is the zarr_dtype attribute NWB-Zarr readers expect on every
// dataset. Scalars are tagged "scalar" by the writer instead.
func zarrDType(t frame.Type) string {
	switch t {
	case frame.Float:
		return "float64"
	case frame.Int:
		return "int64"
	case frame.Bool:
		return "bool"
	}
	return "str"
}

func compress(spec *codecSpec, raw []byte) ([]byte, error) {
	if spec == nil {
		return raw, nil
	}
	switch spec.ID {
	case "zstd":
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(spec.Level)))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	case "gzip":
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, spec.Level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported compressor %q", spec.ID)
}

func decompress(spec *codecSpec, raw []byte) ([]byte, error) {
	if spec == nil {
		return raw, nil
	}
	switch spec.ID {
	case "zstd":
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(raw, nil)
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "zlib":
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	return nil, fmt.Errorf("unsupported compressor %q", spec.ID)
}

// encodeColumn serializes col in the layout its dtype names.
func encodeColumn(col *frame.Column) []byte {
	n := col.Len()
	switch col.Type {
	case frame.Float:
		out := make([]byte, 0, 8*n)
		for _, v := range col.Floats {
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
		}
		return out
	case frame.Int:
		out := make([]byte, 0, 8*n)
		for _, v := range col.Ints {
			out = binary.LittleEndian.AppendUint64(out, uint64(v))
		}
		return out
	case frame.Bool:
		out := make([]byte, n)
		for i, v := range col.Bools {
			if v {
				out[i] = 1
			}
		}
		return out
	default:
		return encodeStrings(col.Strs)
	}
}

// encodeStrings writes the vlen-utf8 object codec layout: an item count,
// then each item as a length-prefixed byte string.
func encodeStrings(items []string) []byte {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(items)))
	for _, s := range items {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
		out = append(out, s...)
	}
	return out
}

func decodeStrings(raw []byte) ([]string, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("vlen-utf8: short header")
	}
	n := int(binary.LittleEndian.Uint32(raw))
	raw = raw[4:]
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("vlen-utf8: item %d truncated", i)
		}
		l := int(binary.LittleEndian.Uint32(raw))
		raw = raw[4:]
		if len(raw) < l {
			return nil, fmt.Errorf("vlen-utf8: item %d truncated", i)
		}
		out = append(out, string(raw[:l]))
		raw = raw[l:]
	}
	return out, nil
}

// decodeColumn turns a decompressed chunk back into a column of n values.
func decodeColumn(name string, m arrayMeta, raw []byte, n int) (*frame.Column, error) {
	if m.DType == "|O" {
		for _, f := range m.Filters {
			if f.ID != vlenUTF8 {
				return nil, fmt.Errorf("unsupported object filter %q", f.ID)
			}
		}
		vals, err := decodeStrings(raw)
		if err != nil {
			return nil, err
		}
		if len(vals) < n {
			return nil, fmt.Errorf("column %s: %d strings, want %d", name, len(vals), n)
		}
		return frame.NewString(name, vals[:n]), nil
	}

	width, kind, err := parseDType(m.DType)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", name, err)
	}
	if len(raw) < width*n {
		return nil, fmt.Errorf("column %s: chunk has %d bytes, want %d", name, len(raw), width*n)
	}
	switch kind {
	case 'f':
		vals := make([]float64, n)
		for i := range vals {
			b := raw[i*width:]
			if width == 4 {
				vals[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			} else {
				vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
			}
		}
		return frame.NewFloat(name, vals), nil
	case 'b':
		vals := make([]bool, n)
		for i := range vals {
			vals[i] = raw[i] != 0
		}
		return frame.NewBool(name, vals), nil
	default:
		vals := make([]int64, n)
		for i := range vals {
			vals[i] = readInt(raw[i*width:], width, kind == 'i')
		}
		return frame.NewInt(name, vals), nil
	}
}

func parseDType(d string) (width int, kind byte, err error) {
	if len(d) != 3 || (d[0] != '<' && d[0] != '|') {
		return 0, 0, fmt.Errorf("unsupported dtype %q", d)
	}
	kind = d[1]
	width = int(d[2] - '0')
	switch {
	case kind == 'f' && (width == 4 || width == 8),
		kind == 'b' && width == 1,
		(kind == 'i' || kind == 'u') && (width == 1 || width == 2 || width == 4 || width == 8):
		return width, kind, nil
	}
	return 0, 0, fmt.Errorf("unsupported dtype %q", d)
}

func readInt(b []byte, width int, signed bool) int64 {
	switch width {
	case 1:
		if signed {
			return int64(int8(b[0]))
		}
		return int64(b[0])
	case 2:
		v := binary.LittleEndian.Uint16(b)
		if signed {
			return int64(int16(v))
		}
		return int64(v)
	case 4:
		v := binary.LittleEndian.Uint32(b)
		if signed {
			return int64(int32(v))
		}
		return int64(v)
	default:
		return int64(binary.LittleEndian.Uint64(b))
	}
}
