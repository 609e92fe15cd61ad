package frame

import (
	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
)

// ArrowType maps a column type to its Arrow data type.
func ArrowType(t Type) arrow.DataType {
	switch t {
	case Float:
		return arrow.PrimitiveTypes.Float64
	case Int:
		return arrow.PrimitiveTypes.Int64
	case Bool:
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

// Schema returns the Arrow schema of the frame. The index column name, if
// any, is recorded in the schema metadata under "index".
func (f *Frame) Schema() *arrow.Schema {
	fields := make([]arrow.Field, len(f.Columns))
	for i, c := range f.Columns {
		fields[i] = arrow.Field{Name: c.Name, Type: ArrowType(c.Type), Nullable: c.Valid != nil}
	}
	var md *arrow.Metadata
	if f.Index != "" {
		m := arrow.NewMetadata([]string{"index"}, []string{f.Index})
		md = &m
	}
	return arrow.NewSchema(fields, md)
}

// ToArrow materializes the frame as an Arrow record. The caller owns the
// record and must Release it.
func (f *Frame) ToArrow(mem memory.Allocator) arrow.Record {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	b := array.NewRecordBuilder(mem, f.Schema())
	defer b.Release()

	for i, c := range f.Columns {
		switch c.Type {
		case Float:
			b.Field(i).(*array.Float64Builder).AppendValues(c.Floats, c.Valid)
		case Int:
			b.Field(i).(*array.Int64Builder).AppendValues(c.Ints, c.Valid)
		case Bool:
			b.Field(i).(*array.BooleanBuilder).AppendValues(c.Bools, c.Valid)
		default:
			b.Field(i).(*array.StringBuilder).AppendValues(c.Strs, c.Valid)
		}
	}
	return b.NewRecord()
}
