package harp

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/nucleus/nwb-capsule/internal/frame"
)

// IndexColumn is the time index of every register frame.
const IndexColumn = "Seconds"

var registerFileRe = regexp.MustCompile(`^(.+)_([0-9]+)\.bin$`)

// RegisterFile is one <Device>_<address>.bin dump.
type RegisterFile struct {
	Path    string
	Device  string
	Address int
}

// ListRegisterFiles returns the register dumps in a .harp directory,
// ordered by address.
func ListRegisterFiles(dir string) ([]RegisterFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []RegisterFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := registerFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		addr, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		out = append(out, RegisterFile{Path: filepath.Join(dir, e.Name()), Device: m[1], Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// Reader turns register dumps into frames using a device schema.
type Reader struct {
	Device *Device
	Log    logrus.FieldLogger
}

// NewReader returns a reader for dev. A nil log uses the standard logger.
func NewReader(dev *Device, log logrus.FieldLogger) *Reader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reader{Device: dev, Log: log}
}

// ReadFile decodes the dump at path as register reg.
func (r *Reader) ReadFile(path string, reg Register) (*frame.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out, err := r.Read(f, reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// Read decodes every message in src as register reg. The result is indexed
// by Seconds and carries a MessageType column.
func (r *Reader) Read(src io.Reader, reg Register) (*frame.Frame, error) {
	pt, err := reg.PayloadType()
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", reg.Name, err)
	}
	cols := r.layout(reg, pt)
	seconds := frame.Empty(IndexColumn, frame.Float)
	kinds := frame.Empty("MessageType", frame.String)

	s := ParseMessages(src)
	skipped := 0
	for s.Next() {
		m := s.Message()
		if m.Error {
			skipped++
			continue
		}
		if int(m.Address) != reg.Address {
			return nil, fmt.Errorf("register %s: message for address %d in dump of address %d", reg.Name, m.Address, reg.Address)
		}
		if m.PayloadType != pt {
			return nil, fmt.Errorf("register %s: payload type %s, schema says %s", reg.Name, m.PayloadType, pt)
		}
		for _, c := range cols {
			if err := c.append(m); err != nil {
				return nil, fmt.Errorf("register %s: %w", reg.Name, err)
			}
		}
		_ = seconds.Append(m.Timestamp)
		_ = kinds.Append(m.Type.String())
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("register %s: %w", reg.Name, err)
	}
	if skipped > 0 {
		r.Log.WithFields(logrus.Fields{"register": reg.Name, "skipped": skipped}).Warn("skipped error messages")
	}

	out, err := frame.New(IndexColumn, seconds)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		if err := out.AddColumn(c.col); err != nil {
			return nil, err
		}
	}
	if err := out.AddColumn(kinds); err != nil {
		return nil, err
	}
	return out, nil
}

// field extracts one column value from each message.
type field struct {
	col    *frame.Column
	offset int
	mask   Mask
	asBool bool
}

func (f *field) append(m Message) error {
	if f.offset >= m.Len() {
		return fmt.Errorf("payload has %d elements, column %s needs offset %d", m.Len(), f.col.Name, f.offset)
	}
	switch {
	case f.asBool:
		v := m.Uint(f.offset)
		if f.mask != 0 {
			v &= uint64(f.mask)
		}
		return f.col.Append(v != 0)
	case m.PayloadType.IsFloat():
		return f.col.Append(m.Float(f.offset))
	case f.mask != 0:
		v := (m.Uint(f.offset) & uint64(f.mask)) >> f.mask.Shift()
		return f.col.Append(int64(v))
	default:
		return f.col.Append(m.Int(f.offset))
	}
}

// layout decides the value columns of a register: payloadSpec members
// first, then bitmask flags, else one column per payload element.
func (r *Reader) layout(reg Register, pt PayloadType) []*field {
	valueType := frame.Int
	if pt.IsFloat() {
		valueType = frame.Float
	}
	var out []*field
	if len(reg.PayloadSpec) > 0 {
		for _, m := range reg.PayloadSpec {
			t := valueType
			if m.IsBool() {
				t = frame.Bool
			}
			out = append(out, &field{col: frame.Empty(m.Name, t), offset: m.Offset, mask: m.Mask, asBool: t == frame.Bool})
		}
		return out
	}
	if bm, ok := r.Device.BitMasks[reg.MaskType]; ok && reg.Elements() == 1 && !pt.IsFloat() {
		for _, b := range bm.Bits {
			if b.Value == 0 {
				continue
			}
			out = append(out, &field{col: frame.Empty(b.Name, frame.Bool), mask: b.Value, asBool: true})
		}
		return out
	}
	if reg.Elements() == 1 {
		return []*field{{col: frame.Empty(reg.Name, valueType)}}
	}
	for i := 0; i < reg.Elements(); i++ {
		out = append(out, &field{col: frame.Empty(fmt.Sprintf("%s_%d", reg.Name, i), valueType), offset: i})
	}
	return out
}
