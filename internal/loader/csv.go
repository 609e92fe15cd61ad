package loader

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nucleus/nwb-capsule/internal/frame"
)

// ReadCSV loads a headered CSV file. Column types are inferred from the
// cells: int, then float, then bool, else string. Empty or absent cells are
// missing; cells beyond the header are ignored.
func ReadCSV(path, index string) (*frame.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCSV(f, index)
}

func parseCSV(r io.Reader, index string) (*frame.Frame, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false
	// Rows may be short; trailing cells are read as missing.
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv has no header row")
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	cells := make([][]string, len(header))
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for i := range header {
			v := ""
			if i < len(rec) {
				v = strings.TrimSpace(rec[i])
			}
			cells[i] = append(cells[i], v)
		}
	}

	if index != "" {
		found := false
		for _, h := range header {
			found = found || h == index
		}
		if !found {
			return nil, fmt.Errorf("index column %q not in header", index)
		}
	}
	out := &frame.Frame{Index: index}
	for i, name := range header {
		if err := out.AddColumn(inferColumn(name, cells[i])); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func inferColumn(name string, vals []string) *frame.Column {
	t := inferType(vals)
	c := frame.Empty(name, t)
	for _, v := range vals {
		if v == "" {
			_ = c.Append(nil)
			continue
		}
		switch t {
		case frame.Int:
			n, _ := strconv.ParseInt(v, 10, 64)
			_ = c.Append(n)
		case frame.Float:
			x, _ := strconv.ParseFloat(v, 64)
			_ = c.Append(x)
		case frame.Bool:
			b, _ := parseBool(v)
			_ = c.Append(b)
		default:
			_ = c.Append(v)
		}
	}
	return c
}

func inferType(vals []string) frame.Type {
	isInt, isFloat, isBool, seen := true, true, true, false
	for _, v := range vals {
		if v == "" {
			continue
		}
		seen = true
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			isInt = false
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			isFloat = false
		}
		if _, ok := parseBool(v); !ok {
			isBool = false
		}
	}
	switch {
	case !seen:
		return frame.Float
	case isInt:
		return frame.Int
	case isFloat:
		return frame.Float
	case isBool:
		return frame.Bool
	default:
		return frame.String
	}
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}
