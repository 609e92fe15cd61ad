package frame

import (
	"fmt"
	"math"
	"strconv"
)

// Type is the element type of a Column.
type Type int

const (
	Float Type = iota
	Int
	Bool
	String
)

func (t Type) String() string {
	switch t {
	case Float:
		return "float64"
	case Int:
		return "int64"
	case Bool:
		return "bool"
	case String:
		return "string"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Column is a named, typed vector. Only the slice matching Type is populated.
// Valid is nil when every element is present.
type Column struct {
	Name   string
	Type   Type
	Floats []float64
	Ints   []int64
	Bools  []bool
	Strs   []string
	Valid  []bool
}

// NewFloat builds a float column.
func NewFloat(name string, v []float64) *Column { return &Column{Name: name, Type: Float, Floats: v} }

// NewInt builds an int column.
func NewInt(name string, v []int64) *Column { return &Column{Name: name, Type: Int, Ints: v} }

// NewBool builds a bool column.
func NewBool(name string, v []bool) *Column { return &Column{Name: name, Type: Bool, Bools: v} }

// NewString builds a string column.
func NewString(name string, v []string) *Column { return &Column{Name: name, Type: String, Strs: v} }

// Empty builds a zero-length column of the given type.
func Empty(name string, t Type) *Column {
	c := &Column{Name: name, Type: t}
	switch t {
	case Float:
		c.Floats = []float64{}
	case Int:
		c.Ints = []int64{}
	case Bool:
		c.Bools = []bool{}
	case String:
		c.Strs = []string{}
	}
	return c
}

// Len returns the number of elements.
func (c *Column) Len() int {
	switch c.Type {
	case Float:
		return len(c.Floats)
	case Int:
		return len(c.Ints)
	case Bool:
		return len(c.Bools)
	default:
		return len(c.Strs)
	}
}

// IsNull reports whether element i is missing.
func (c *Column) IsNull(i int) bool {
	return c.Valid != nil && !c.Valid[i]
}

// HasNulls reports whether any element is missing.
func (c *Column) HasNulls() bool {
	for i := range c.Valid {
		if !c.Valid[i] {
			return true
		}
	}
	return false
}

// Value returns element i boxed, or nil when missing.
func (c *Column) Value(i int) any {
	if c.IsNull(i) {
		return nil
	}
	switch c.Type {
	case Float:
		return c.Floats[i]
	case Int:
		return c.Ints[i]
	case Bool:
		return c.Bools[i]
	default:
		return c.Strs[i]
	}
}

// Float64 returns element i as a float, NaN when missing or not numeric.
func (c *Column) Float64(i int) float64 {
	if c.IsNull(i) {
		return math.NaN()
	}
	switch c.Type {
	case Float:
		return c.Floats[i]
	case Int:
		return float64(c.Ints[i])
	case Bool:
		if c.Bools[i] {
			return 1
		}
		return 0
	default:
		f, err := strconv.ParseFloat(c.Strs[i], 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
}

// Truth returns element i interpreted as a boolean; missing is false.
func (c *Column) Truth(i int) bool {
	if c.IsNull(i) {
		return false
	}
	switch c.Type {
	case Bool:
		return c.Bools[i]
	case Int:
		return c.Ints[i] != 0
	case Float:
		return c.Floats[i] != 0 && !math.IsNaN(c.Floats[i])
	default:
		return c.Strs[i] != ""
	}
}

// Append adds v to the column; nil appends a missing element.
func (c *Column) Append(v any) error {
	n := c.Len()
	if v == nil {
		c.appendZero()
		c.markValid(n, false)
		return nil
	}
	switch c.Type {
	case Float:
		switch t := v.(type) {
		case float64:
			c.Floats = append(c.Floats, t)
		case float32:
			c.Floats = append(c.Floats, float64(t))
		case int64:
			c.Floats = append(c.Floats, float64(t))
		case int:
			c.Floats = append(c.Floats, float64(t))
		default:
			return fmt.Errorf("column %s: cannot append %T to %s", c.Name, v, c.Type)
		}
	case Int:
		switch t := v.(type) {
		case int64:
			c.Ints = append(c.Ints, t)
		case int:
			c.Ints = append(c.Ints, int64(t))
		case uint64:
			c.Ints = append(c.Ints, int64(t))
		default:
			return fmt.Errorf("column %s: cannot append %T to %s", c.Name, v, c.Type)
		}
	case Bool:
		t, ok := v.(bool)
		if !ok {
			return fmt.Errorf("column %s: cannot append %T to %s", c.Name, v, c.Type)
		}
		c.Bools = append(c.Bools, t)
	case String:
		t, ok := v.(string)
		if !ok {
			return fmt.Errorf("column %s: cannot append %T to %s", c.Name, v, c.Type)
		}
		c.Strs = append(c.Strs, t)
	}
	c.markValid(n, true)
	return nil
}

func (c *Column) appendZero() {
	switch c.Type {
	case Float:
		c.Floats = append(c.Floats, math.NaN())
	case Int:
		c.Ints = append(c.Ints, 0)
	case Bool:
		c.Bools = append(c.Bools, false)
	default:
		c.Strs = append(c.Strs, "")
	}
}

func (c *Column) markValid(i int, ok bool) {
	if c.Valid == nil {
		if ok {
			return
		}
		c.Valid = make([]bool, i, i+1)
		for j := range c.Valid {
			c.Valid[j] = true
		}
	}
	c.Valid = append(c.Valid, ok)
}

// Take returns a new column holding the elements at idx.
func (c *Column) Take(idx []int) *Column {
	out := Empty(c.Name, c.Type)
	for _, i := range idx {
		switch c.Type {
		case Float:
			out.Floats = append(out.Floats, c.Floats[i])
		case Int:
			out.Ints = append(out.Ints, c.Ints[i])
		case Bool:
			out.Bools = append(out.Bools, c.Bools[i])
		default:
			out.Strs = append(out.Strs, c.Strs[i])
		}
	}
	if c.Valid != nil {
		out.Valid = make([]bool, len(idx))
		for j, i := range idx {
			out.Valid[j] = c.Valid[i]
		}
	}
	return out
}
