package frame

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrColumnNotFound is returned when a named column does not exist
	ErrColumnNotFound = errors.New("column not found")
	// ErrShape is returned when column lengths disagree
	ErrShape = errors.New("column length mismatch")
	// ErrDuplicateColumn is returned when two columns share a name
	ErrDuplicateColumn = errors.New("duplicate column")
)

// Frame is an ordered collection of equally long columns
type Frame struct {
	cols  []*Column
	index map[string]int
	nrows int
}

// New builds a frame from columns. All columns must have the same length and
// distinct names.
func New(cols ...*Column) (*Frame, error) {
	f := &Frame{index: make(map[string]int, len(cols))}
	for i, c := range cols {
		if _, dup := f.index[c.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateColumn, c.Name)
		}
		if i == 0 {
			f.nrows = c.Len()
		} else if c.Len() != f.nrows {
			return nil, fmt.Errorf("%w: column %s has %d rows, expected %d", ErrShape, c.Name, c.Len(), f.nrows)
		}
		f.index[c.Name] = i
		f.cols = append(f.cols, c)
	}
	return f, nil
}

// MustNew is like New but panics on error. Intended for tests and literals.
func MustNew(cols ...*Column) *Frame {
	f, err := New(cols...)
	if err != nil {
		panic(err)
	}
	return f
}

// NumRows returns the number of rows
func (f *Frame) NumRows() int { return f.nrows }

// NumCols returns the number of columns
func (f *Frame) NumCols() int { return len(f.cols) }

// Names returns the column names in order
func (f *Frame) Names() []string {
	names := make([]string, len(f.cols))
	for i, c := range f.cols {
		names[i] = c.Name
	}
	return names
}

// Columns returns the columns in order. The slice must not be modified.
func (f *Frame) Columns() []*Column { return f.cols }

// Has reports whether the frame contains a column
func (f *Frame) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

// Column returns the named column
func (f *Frame) Column(name string) (*Column, error) {
	i, ok := f.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
	}
	return f.cols[i], nil
}

// Select returns a frame with only the named columns, in the given order
func (f *Frame) Select(names ...string) (*Frame, error) {
	cols := make([]*Column, 0, len(names))
	for _, n := range names {
		c, err := f.Column(n)
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return New(cols...)
}

// Drop returns a frame without the named columns. Unknown names are ignored.
func (f *Frame) Drop(names ...string) *Frame {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := &Frame{index: make(map[string]int), nrows: f.nrows}
	for _, c := range f.cols {
		if drop[c.Name] {
			continue
		}
		out.index[c.Name] = len(out.cols)
		out.cols = append(out.cols, c)
	}
	return out
}

// WithColumn returns a frame with the column appended
func (f *Frame) WithColumn(c *Column) (*Frame, error) {
	cols := append(append([]*Column{}, f.cols...), c)
	return New(cols...)
}

// Take returns a frame holding the rows at the given positions
func (f *Frame) Take(idx []int) *Frame {
	out := &Frame{index: make(map[string]int, len(f.cols)), nrows: len(idx)}
	for i, c := range f.cols {
		out.index[c.Name] = i
		out.cols = append(out.cols, c.Take(idx))
	}
	return out
}

// Filter returns a frame with the rows where keep is true
func (f *Frame) Filter(keep []bool) (*Frame, error) {
	if len(keep) != f.nrows {
		return nil, fmt.Errorf("%w: mask has %d rows, frame has %d", ErrShape, len(keep), f.nrows)
	}
	idx := make([]int, 0, f.nrows)
	for i, k := range keep {
		if k {
			idx = append(idx, i)
		}
	}
	return f.Take(idx), nil
}

// HConcat places frames side by side. Frames must have the same number of rows and
// no overlapping column names. Rows are matched by position.
func HConcat(frames ...*Frame) (*Frame, error) {
	var cols []*Column
	for _, fr := range frames {
		cols = append(cols, fr.cols...)
	}
	return New(cols...)
}

// EqualIgnoringColumnOrder reports whether two frames have the same set of columns
// with equal values, regardless of column order
func (f *Frame) EqualIgnoringColumnOrder(o *Frame) bool {
	if f.nrows != o.nrows || len(f.cols) != len(o.cols) {
		return false
	}
	for _, c := range f.cols {
		oc, err := o.Column(c.Name)
		if err != nil || !c.EqualValues(oc) {
			return false
		}
	}
	return true
}

// SortedNames returns the column names in lexical order
func (f *Frame) SortedNames() []string {
	names := f.Names()
	sort.Strings(names)
	return names
}
