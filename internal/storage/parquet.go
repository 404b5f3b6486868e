// Package storage persists frames as parquet files
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/psycop-feature-generation/pkg/frame"
)

// columnOrderKey stores the frame's column order, which parquet groups do not keep
const columnOrderKey = "psycop.column_order"

const readBatch = 1024

func leafFor(k frame.Kind) (parquet.Node, error) {
	switch k {
	case frame.Int:
		return parquet.Int(64), nil
	case frame.Float:
		return parquet.Leaf(parquet.DoubleType), nil
	case frame.String:
		return parquet.String(), nil
	case frame.Time:
		return parquet.Timestamp(parquet.Microsecond), nil
	}
	return nil, fmt.Errorf("unsupported column kind %s", k)
}

// WriteFrame writes f to path, replacing any existing file. The file is written to a
// temporary name first so that readers never observe a partial file.
func WriteFrame(path string, f *frame.Frame) error {
	group := parquet.Group{}
	for _, c := range f.Columns() {
		node, err := leafFor(c.Kind)
		if err != nil {
			return fmt.Errorf("column %s: %w", c.Name, err)
		}
		group[c.Name] = node
	}
	schema := parquet.NewSchema("flattened_dataset", group)

	// group fields are ordered by name; map each to its leaf column index
	colIndex := make(map[string]int, f.NumCols())
	for i, field := range schema.Fields() {
		colIndex[field.Name()] = i
	}

	order, err := json.Marshal(f.Names())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := parquet.NewWriter(tmp, schema,
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata(columnOrderKey, string(order)),
	)

	cols := f.Columns()
	rows := make([]parquet.Row, 0, readBatch)
	for i := 0; i < f.NumRows(); i++ {
		row := make(parquet.Row, len(schema.Fields()))
		for _, c := range cols {
			idx := colIndex[c.Name]
			row[idx] = cellValue(c, i).Level(0, 0, idx)
		}
		rows = append(rows, row)
		if len(rows) == cap(rows) {
			if _, err := w.WriteRows(rows); err != nil {
				tmp.Close()
				return fmt.Errorf("writing rows: %w", err)
			}
			rows = rows[:0]
		}
	}
	if len(rows) > 0 {
		if _, err := w.WriteRows(rows); err != nil {
			tmp.Close()
			return fmt.Errorf("writing rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func cellValue(c *frame.Column, i int) parquet.Value {
	switch c.Kind {
	case frame.Int:
		return parquet.Int64Value(c.Ints[i])
	case frame.Float:
		return parquet.DoubleValue(c.Floats[i])
	case frame.String:
		return parquet.ByteArrayValue([]byte(c.Strings[i]))
	default:
		return parquet.Int64Value(c.Times[i].UnixMicro())
	}
}

func kindOf(field parquet.Field) (frame.Kind, error) {
	typ := field.Type()
	switch typ.Kind() {
	case parquet.Double:
		return frame.Float, nil
	case parquet.ByteArray:
		return frame.String, nil
	case parquet.Int64:
		if lt := typ.LogicalType(); lt != nil && lt.Timestamp != nil {
			return frame.Time, nil
		}
		return frame.Int, nil
	}
	return 0, fmt.Errorf("unsupported parquet type %s for column %s", typ, field.Name())
}

// ReadFrame reads a file written by WriteFrame, restoring the original column order
func ReadFrame(path string) (*frame.Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(fh, info.Size())
	if err != nil {
		return nil, fmt.Errorf("opening parquet file %s: %w", path, err)
	}

	fields := pf.Schema().Fields()
	nrows := int(pf.NumRows())
	cols := make([]*frame.Column, len(fields))
	for i, field := range fields {
		kind, err := kindOf(field)
		if err != nil {
			return nil, err
		}
		cols[i] = allocColumn(field.Name(), kind, nrows)
	}

	reader := parquet.NewReader(pf)
	defer reader.Close()

	buf := make([]parquet.Row, readBatch)
	r := 0
	for {
		n, err := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			for _, v := range row {
				setCell(cols[v.Column()], r, v)
			}
			r++
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if n == 0 {
			break
		}
	}

	out, err := frame.New(cols...)
	if err != nil {
		return nil, err
	}
	if raw, ok := pf.Lookup(columnOrderKey); ok {
		var order []string
		if err := json.Unmarshal([]byte(raw), &order); err == nil && len(order) == out.NumCols() {
			return out.Select(order...)
		}
	}
	return out, nil
}

func allocColumn(name string, kind frame.Kind, n int) *frame.Column {
	switch kind {
	case frame.Int:
		return frame.IntColumn(name, make([]int64, n))
	case frame.Float:
		return frame.FloatColumn(name, make([]float64, n))
	case frame.String:
		return frame.StringColumn(name, make([]string, n))
	default:
		return frame.TimeColumn(name, make([]time.Time, n))
	}
}

func setCell(c *frame.Column, i int, v parquet.Value) {
	switch c.Kind {
	case frame.Int:
		c.Ints[i] = v.Int64()
	case frame.Float:
		c.Floats[i] = v.Double()
	case frame.String:
		c.Strings[i] = string(v.ByteArray())
	case frame.Time:
		c.Times[i] = time.UnixMicro(v.Int64()).UTC()
	}
}
