// Package frame holds the in-memory columnar tables that flow from stream
// loaders into NWB DynamicTables.
package frame

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Frame is an ordered set of equal-length columns. Index names the column
// that rows are keyed by (usually a time in seconds); it may be empty.
type Frame struct {
	Index   string
	Columns []*Column
}

// New builds a frame and checks that all columns have the same length and
// distinct names.
func New(index string, cols ...*Column) (*Frame, error) {
	f := &Frame{Index: index}
	for _, c := range cols {
		if err := f.AddColumn(c); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil || len(f.Columns) == 0 {
		return 0
	}
	return f.Columns[0].Len()
}

// Names returns column names in order.
func (f *Frame) Names() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the column with the given name.
func (f *Frame) Column(name string) (*Column, bool) {
	for _, c := range f.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// AddColumn appends c; its length must match existing columns.
func (f *Frame) AddColumn(c *Column) error {
	if c == nil {
		return fmt.Errorf("nil column")
	}
	if _, dup := f.Column(c.Name); dup {
		return fmt.Errorf("duplicate column %q", c.Name)
	}
	if len(f.Columns) > 0 && c.Len() != f.Len() {
		return fmt.Errorf("column %q has %d rows, frame has %d", c.Name, c.Len(), f.Len())
	}
	if c.Valid != nil && len(c.Valid) != c.Len() {
		return fmt.Errorf("column %q validity length %d != %d", c.Name, len(c.Valid), c.Len())
	}
	f.Columns = append(f.Columns, c)
	return nil
}

// Take returns a new frame with the rows at idx.
func (f *Frame) Take(idx []int) *Frame {
	out := &Frame{Index: f.Index, Columns: make([]*Column, len(f.Columns))}
	for i, c := range f.Columns {
		out.Columns[i] = c.Take(idx)
	}
	return out
}

// Filter keeps rows where keep is true.
func (f *Frame) Filter(keep []bool) *Frame {
	idx := make([]int, 0, len(keep))
	for i, k := range keep {
		if k {
			idx = append(idx, i)
		}
	}
	return f.Take(idx)
}

// Head returns at most the first n rows.
func (f *Frame) Head(n int) *Frame {
	if n > f.Len() {
		n = f.Len()
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return f.Take(idx)
}

// IndexValues returns the index column as floats.
func (f *Frame) IndexValues() ([]float64, error) {
	if f.Index == "" {
		return nil, fmt.Errorf("frame has no index")
	}
	c, ok := f.Column(f.Index)
	if !ok {
		return nil, fmt.Errorf("index column %q not found", f.Index)
	}
	out := make([]float64, c.Len())
	for i := range out {
		out[i] = c.Float64(i)
	}
	return out, nil
}

// SortByIndex returns a copy with rows ordered by the index column. The sort
// is stable so rows sharing a timestamp keep file order.
func (f *Frame) SortByIndex() (*Frame, error) {
	vals, err := f.IndexValues()
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return vals[idx[a]] < vals[idx[b]] })
	return f.Take(idx), nil
}

// SliceByIndex keeps rows whose index lies in [start, end).
func (f *Frame) SliceByIndex(start, end float64) (*Frame, error) {
	vals, err := f.IndexValues()
	if err != nil {
		return nil, err
	}
	keep := make([]bool, len(vals))
	for i, v := range vals {
		keep[i] = v >= start && v < end
	}
	return f.Filter(keep), nil
}

// Clean returns a copy that NWB can store: no missing values and no
// characters that would split a storage key. Missing floats become NaN;
// int and bool columns with gaps are widened to float with NaN; missing
// strings become "".
func (f *Frame) Clean() *Frame {
	out := &Frame{Index: sanitizeName(f.Index), Columns: make([]*Column, 0, len(f.Columns))}
	for _, c := range f.Columns {
		out.Columns = append(out.Columns, cleanColumn(c))
	}
	return out
}

func cleanColumn(c *Column) *Column {
	name := sanitizeName(c.Name)
	if !c.HasNulls() {
		cp := c.Take(seq(c.Len()))
		cp.Name = name
		cp.Valid = nil
		return cp
	}
	switch c.Type {
	case Int, Bool, Float:
		vals := make([]float64, c.Len())
		for i := range vals {
			vals[i] = c.Float64(i)
		}
		return NewFloat(name, vals)
	default:
		vals := make([]string, c.Len())
		for i := range vals {
			if !c.IsNull(i) {
				vals[i] = c.Strs[i]
			}
		}
		return NewString(name, vals)
	}
}

func sanitizeName(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(name)
}

func seq(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// Row returns row i as a map keyed by column name.
func (f *Frame) Row(i int) map[string]any {
	row := make(map[string]any, len(f.Columns))
	for _, c := range f.Columns {
		row[c.Name] = c.Value(i)
	}
	return row
}

// MarshalJSON renders the frame as an array of row objects.
func (f *Frame) MarshalJSON() ([]byte, error) {
	rows := make([]map[string]any, f.Len())
	for i := range rows {
		row := f.Row(i)
		for k, v := range row {
			if fv, ok := v.(float64); ok && (math.IsNaN(fv) || math.IsInf(fv, 0)) {
				row[k] = nil
			}
		}
		rows[i] = row
	}
	return json.Marshal(rows)
}

// Equal reports whether a and b hold the same columns, types and values.
// NaN compares equal to NaN.
func Equal(a, b *Frame) bool {
	if len(a.Columns) != len(b.Columns) || a.Len() != b.Len() {
		return false
	}
	for i := range a.Columns {
		ca, cb := a.Columns[i], b.Columns[i]
		if ca.Name != cb.Name || ca.Type != cb.Type {
			return false
		}
		for r := 0; r < ca.Len(); r++ {
			if ca.IsNull(r) != cb.IsNull(r) {
				return false
			}
			if ca.IsNull(r) {
				continue
			}
			if ca.Type == Float {
				fa, fb := ca.Floats[r], cb.Floats[r]
				if math.IsNaN(fa) && math.IsNaN(fb) {
					continue
				}
				if fa != fb {
					return false
				}
				continue
			}
			if ca.Value(r) != cb.Value(r) {
				return false
			}
		}
	}
	return true
}

// Format renders up to n rows as aligned text for terminal output.
func (f *Frame) Format(n int) string {
	head := f.Head(n)
	var b strings.Builder
	b.WriteString(strings.Join(head.Names(), "\t"))
	b.WriteByte('\n')
	for r := 0; r < head.Len(); r++ {
		cells := make([]string, len(head.Columns))
		for i, c := range head.Columns {
			cells[i] = formatCell(c, r)
		}
		b.WriteString(strings.Join(cells, "\t"))
		b.WriteByte('\n')
	}
	if f.Len() > head.Len() {
		fmt.Fprintf(&b, "... %d more rows\n", f.Len()-head.Len())
	}
	return b.String()
}

func formatCell(c *Column, r int) string {
	if c.IsNull(r) {
		return "<null>"
	}
	switch c.Type {
	case Float:
		return strconv.FormatFloat(c.Floats[r], 'g', -1, 64)
	case Int:
		return strconv.FormatInt(c.Ints[r], 10)
	case Bool:
		return strconv.FormatBool(c.Bools[r])
	default:
		return c.Strs[r]
	}
}
