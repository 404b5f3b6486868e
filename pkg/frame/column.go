// Package frame provides a small in-memory columnar table used to move flattened
// datasets between the flattening engine, the chunk merger and the parquet writer.
//
// A Frame is an ordered set of equally long, typed columns. Frames are treated as
// immutable values: every operation returns a new Frame and never modifies its input.
package frame

import (
	"fmt"
	"math"
	"time"
)

// Kind is the element type of a column
type Kind int

const (
	Int Kind = iota
	Float
	String
	Time
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case Int:
		return "int64"
	case Float:
		return "float64"
	case String:
		return "string"
	case Time:
		return "time"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Column is a named, typed vector. Exactly one of the value slices is populated,
// matching Kind.
type Column struct {
	Name    string
	Kind    Kind
	Ints    []int64
	Floats  []float64
	Strings []string
	Times   []time.Time
}

// IntColumn creates an int64 column
func IntColumn(name string, v []int64) *Column {
	return &Column{Name: name, Kind: Int, Ints: v}
}

// FloatColumn creates a float64 column
func FloatColumn(name string, v []float64) *Column {
	return &Column{Name: name, Kind: Float, Floats: v}
}

// StringColumn creates a string column
func StringColumn(name string, v []string) *Column {
	return &Column{Name: name, Kind: String, Strings: v}
}

// TimeColumn creates a timestamp column
func TimeColumn(name string, v []time.Time) *Column {
	return &Column{Name: name, Kind: Time, Times: v}
}

// Len returns the number of values in the column
func (c *Column) Len() int {
	switch c.Kind {
	case Int:
		return len(c.Ints)
	case Float:
		return len(c.Floats)
	case String:
		return len(c.Strings)
	case Time:
		return len(c.Times)
	}
	return 0
}

// Renamed returns a copy of the column header with a new name, sharing the values
func (c *Column) Renamed(name string) *Column {
	cp := *c
	cp.Name = name
	return &cp
}

// Take returns a new column holding the values at the given row positions
func (c *Column) Take(idx []int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind}
	switch c.Kind {
	case Int:
		out.Ints = make([]int64, len(idx))
		for i, j := range idx {
			out.Ints[i] = c.Ints[j]
		}
	case Float:
		out.Floats = make([]float64, len(idx))
		for i, j := range idx {
			out.Floats[i] = c.Floats[j]
		}
	case String:
		out.Strings = make([]string, len(idx))
		for i, j := range idx {
			out.Strings[i] = c.Strings[j]
		}
	case Time:
		out.Times = make([]time.Time, len(idx))
		for i, j := range idx {
			out.Times[i] = c.Times[j]
		}
	}
	return out
}

// Equal reports whether two columns have the same name, kind and values.
// NaN compares equal to NaN.
func (c *Column) Equal(o *Column) bool {
	if c.Name != o.Name {
		return false
	}
	return c.EqualValues(o)
}

// EqualValues compares kind and values, ignoring the name
func (c *Column) EqualValues(o *Column) bool {
	if c.Kind != o.Kind || c.Len() != o.Len() {
		return false
	}
	for i := 0; i < c.Len(); i++ {
		if !c.equalAt(o, i) {
			return false
		}
	}
	return true
}

func (c *Column) equalAt(o *Column, i int) bool {
	switch c.Kind {
	case Int:
		return c.Ints[i] == o.Ints[i]
	case Float:
		a, b := c.Floats[i], o.Floats[i]
		return a == b || (math.IsNaN(a) && math.IsNaN(b))
	case String:
		return c.Strings[i] == o.Strings[i]
	case Time:
		return c.Times[i].Equal(o.Times[i])
	}
	return false
}

// Format returns the value at row i as a string, mainly for logs and error messages
func (c *Column) Format(i int) string {
	switch c.Kind {
	case Int:
		return fmt.Sprintf("%d", c.Ints[i])
	case Float:
		return fmt.Sprintf("%g", c.Floats[i])
	case String:
		return c.Strings[i]
	case Time:
		return c.Times[i].Format(time.RFC3339)
	}
	return ""
}
