package frame

import (
	"math"
	"testing"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
)

func sample(t *testing.T) *Frame {
	t.Helper()
	f, err := New("Seconds",
		NewFloat("Seconds", []float64{3, 1, 2, 4}),
		NewInt("Value", []int64{30, 10, 20, 40}),
		NewString("MessageType", []string{"EVENT", "WRITE", "WRITE", "READ"}),
	)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	return f
}

func TestNew_RejectsRaggedColumns(t *testing.T) {
	_, err := New("", NewFloat("a", []float64{1, 2}), NewFloat("b", []float64{1}))
	if err == nil {
		t.Fatal("expected length mismatch error")
	}
	_, err = New("", NewFloat("a", []float64{1}), NewInt("a", []int64{1}))
	if err == nil {
		t.Fatal("expected duplicate column error")
	}
}

func TestSortAndSliceByIndex(t *testing.T) {
	f := sample(t)
	sorted, err := f.SortByIndex()
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	vals, _ := sorted.IndexValues()
	for i, want := range []float64{1, 2, 3, 4} {
		if vals[i] != want {
			t.Fatalf("sorted[%d] = %v, want %v", i, vals[i], want)
		}
	}

	sliced, err := sorted.SliceByIndex(2, 4)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if sliced.Len() != 2 {
		t.Fatalf("expected half-open slice of 2 rows, got %d", sliced.Len())
	}
	col, _ := sliced.Column("Value")
	if col.Ints[0] != 20 || col.Ints[1] != 30 {
		t.Fatalf("unexpected values %v", col.Ints)
	}
}

func TestSliceByIndex_NoIndex(t *testing.T) {
	f, _ := New("", NewFloat("a", []float64{1}))
	if _, err := f.SliceByIndex(0, 1); err == nil {
		t.Fatal("expected error without index")
	}
}

func TestAppendTracksNulls(t *testing.T) {
	c := Empty("x", Int)
	for _, v := range []any{int64(1), nil, 3} {
		if err := c.Append(v); err != nil {
			t.Fatalf("append %v: %v", v, err)
		}
	}
	if c.Len() != 3 || !c.IsNull(1) || c.IsNull(0) || c.IsNull(2) {
		t.Fatalf("unexpected validity %v", c.Valid)
	}
	if err := c.Append("nope"); err == nil {
		t.Fatal("expected type error")
	}
}

func TestClean(t *testing.T) {
	ints := Empty("count", Int)
	_ = ints.Append(int64(1))
	_ = ints.Append(nil)
	strs := Empty("a/b", String)
	_ = strs.Append("x")
	_ = strs.Append(nil)
	f, err := New("", ints, strs)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	clean := f.Clean()
	c0 := clean.Columns[0]
	if c0.Type != Float || !math.IsNaN(c0.Floats[1]) || c0.Floats[0] != 1 {
		t.Fatalf("int column with nulls should widen to float/NaN: %+v", c0)
	}
	c1 := clean.Columns[1]
	if c1.Name != "a_b" || c1.Strs[1] != "" || c1.HasNulls() {
		t.Fatalf("unexpected cleaned string column: %+v", c1)
	}
	if f.Columns[0].Type != Int {
		t.Fatal("Clean must not mutate the receiver")
	}
}

func TestEqual(t *testing.T) {
	a, _ := New("", NewFloat("x", []float64{math.NaN(), 1}))
	b, _ := New("", NewFloat("x", []float64{math.NaN(), 1}))
	c, _ := New("", NewFloat("x", []float64{math.NaN(), 2}))
	if !Equal(a, b) {
		t.Fatal("NaN should compare equal")
	}
	if Equal(a, c) {
		t.Fatal("different values compared equal")
	}
}

func TestToArrow(t *testing.T) {
	f := sample(t)
	rec := f.ToArrow(memory.NewGoAllocator())
	defer rec.Release()

	if rec.NumRows() != 4 || rec.NumCols() != 3 {
		t.Fatalf("unexpected shape %dx%d", rec.NumRows(), rec.NumCols())
	}
	secs := rec.Column(0).(*array.Float64)
	if secs.Value(0) != 3 {
		t.Fatalf("first second = %v", secs.Value(0))
	}
	types := rec.Column(2).(*array.String)
	if types.Value(1) != "WRITE" {
		t.Fatalf("message type = %q", types.Value(1))
	}
	if idx, ok := rec.Schema().Metadata().GetValue("index"); !ok || idx != "Seconds" {
		t.Fatalf("expected index metadata, got %q", idx)
	}
}

func TestMarshalJSON_NaNBecomesNull(t *testing.T) {
	f, _ := New("", NewFloat("x", []float64{math.NaN()}))
	b, err := f.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `[{"x":null}]` {
		t.Fatalf("got %s", b)
	}
}
