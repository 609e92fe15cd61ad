// Package harp decodes Harp register dumps: the binary message stream that
// Harp devices log per register, plus the device.yml schema describing how
// each register's payload maps to named fields.
package harp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// MessageType is the low bits of the first message byte.
type MessageType byte

const (
	Read  MessageType = 1
	Write MessageType = 2
	Event MessageType = 3

	errorFlag = 0x08
)

func (t MessageType) String() string {
	switch t {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Event:
		return "EVENT"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// PayloadType encodes element width, signedness and float-ness.
type PayloadType byte

const (
	U8    PayloadType = 0x01
	S8    PayloadType = 0x81
	U16   PayloadType = 0x02
	S16   PayloadType = 0x82
	U32   PayloadType = 0x04
	S32   PayloadType = 0x84
	U64   PayloadType = 0x08
	S64   PayloadType = 0x88
	Float PayloadType = 0x44

	timestampFlag = 0x10
)

var payloadNames = map[string]PayloadType{
	"U8": U8, "S8": S8, "U16": U16, "S16": S16,
	"U32": U32, "S32": S32, "U64": U64, "S64": S64, "FLOAT": Float,
}

// ParsePayloadType maps a device.yml type name (U8, S16, Float, ...) to its code.
func ParsePayloadType(name string) (PayloadType, error) {
	t, ok := payloadNames[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown payload type %q", name)
	}
	return t, nil
}

// Size is the width of one element in bytes.
func (p PayloadType) Size() int { return int(p & 0x0f) }

// Signed reports whether elements are two's complement integers.
func (p PayloadType) Signed() bool { return p&0x80 != 0 && !p.IsFloat() }

// IsFloat reports whether elements are IEEE-754 float32.
func (p PayloadType) IsFloat() bool { return p == Float }

func (p PayloadType) valid() bool {
	switch p {
	case U8, S8, U16, S16, U32, S32, U64, S64, Float:
		return true
	}
	return false
}

func (p PayloadType) String() string {
	for name, t := range payloadNames {
		if t == p {
			if t == Float {
				return "Float"
			}
			return name
		}
	}
	return fmt.Sprintf("PayloadType(0x%02x)", byte(p))
}

// tickSeconds is the resolution of the sub-second timestamp field.
const tickSeconds = 32e-6

var (
	ErrChecksum  = errors.New("harp: checksum mismatch")
	ErrTruncated = errors.New("harp: truncated message")
)

// Message is one decoded Harp message.
type Message struct {
	Type         MessageType
	Error        bool
	Length       int
	Address      byte
	Port         byte
	PayloadType  PayloadType
	HasTimestamp bool
	Timestamp    float64
	Payload      []byte
}

// Len returns the number of payload elements.
func (m Message) Len() int {
	if m.PayloadType.Size() == 0 {
		return 0
	}
	return len(m.Payload) / m.PayloadType.Size()
}

// Uint returns element i as an unsigned integer, ignoring the sign.
func (m Message) Uint(i int) uint64 {
	sz := m.PayloadType.Size()
	b := m.Payload[i*sz : (i+1)*sz]
	switch sz {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

// Int returns element i as a signed integer honoring the payload type.
func (m Message) Int(i int) int64 {
	u := m.Uint(i)
	if !m.PayloadType.Signed() {
		return int64(u)
	}
	switch m.PayloadType.Size() {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	default:
		return int64(u)
	}
}

// Float returns element i as a float64.
func (m Message) Float(i int) float64 {
	if m.PayloadType.IsFloat() {
		return float64(math.Float32frombits(uint32(m.Uint(i))))
	}
	return float64(m.Int(i))
}

// Scanner reads messages one at a time from a register dump.
type Scanner struct {
	r   *bufio.Reader
	msg Message
	err error
	off int64
}

// ParseMessages returns a scanner over the messages in r.
func ParseMessages(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next advances to the next message. It returns false at EOF or on error.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	head, err := s.r.Peek(2)
	if err == io.EOF && len(head) == 0 {
		return false
	}
	if err != nil {
		s.err = fmt.Errorf("%w at offset %d", ErrTruncated, s.off)
		return false
	}
	length := int(head[1])
	hdr := 2
	if length == 255 {
		ext, err := s.r.Peek(4)
		if err != nil {
			s.err = fmt.Errorf("%w at offset %d", ErrTruncated, s.off)
			return false
		}
		length = int(binary.LittleEndian.Uint16(ext[2:4]))
		hdr = 4
	}
	buf := make([]byte, hdr+length)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		s.err = fmt.Errorf("%w at offset %d", ErrTruncated, s.off)
		return false
	}
	msg, err := decode(buf, hdr)
	if err != nil {
		s.err = fmt.Errorf("%w at offset %d", err, s.off)
		return false
	}
	s.off += int64(len(buf))
	s.msg = msg
	return true
}

// Message returns the message read by the last call to Next.
func (s *Scanner) Message() Message { return s.msg }

// Err returns the first error encountered, if any.
func (s *Scanner) Err() error { return s.err }

// Decode parses every message in b.
func Decode(b []byte) ([]Message, error) {
	s := ParseMessages(bytes.NewReader(b))
	var out []Message
	for s.Next() {
		out = append(out, s.Message())
	}
	return out, s.Err()
}

// decode parses a full message buffer whose body starts at offset hdr.
func decode(buf []byte, hdr int) (Message, error) {
	if len(buf) < hdr+4 {
		return Message{}, ErrTruncated
	}
	var sum byte
	for _, c := range buf[:len(buf)-1] {
		sum += c
	}
	if sum != buf[len(buf)-1] {
		return Message{}, ErrChecksum
	}

	m := Message{
		Type:    MessageType(buf[0] &^ errorFlag),
		Error:   buf[0]&errorFlag != 0,
		Length:  len(buf) - hdr,
		Address: buf[hdr],
		Port:    buf[hdr+1],
	}
	pt := buf[hdr+2]
	m.HasTimestamp = pt&timestampFlag != 0
	m.PayloadType = PayloadType(pt &^ timestampFlag)
	if !m.PayloadType.valid() {
		return Message{}, fmt.Errorf("harp: unknown payload type 0x%02x", pt)
	}

	body := buf[hdr+3 : len(buf)-1]
	if m.HasTimestamp {
		if len(body) < 6 {
			return Message{}, ErrTruncated
		}
		secs := binary.LittleEndian.Uint32(body[0:4])
		ticks := binary.LittleEndian.Uint16(body[4:6])
		m.Timestamp = float64(secs) + float64(ticks)*tickSeconds
		body = body[6:]
	} else {
		m.Timestamp = math.NaN()
	}
	if len(body)%m.PayloadType.Size() != 0 {
		return Message{}, fmt.Errorf("harp: payload of %d bytes is not a multiple of %s", len(body), m.PayloadType)
	}
	m.Payload = body
	return m, nil
}

// Encode serializes m. Timestamp is written when HasTimestamp is set.
func Encode(m Message) []byte {
	body := []byte{m.Address, m.Port, byte(m.PayloadType)}
	if m.HasTimestamp {
		body[2] |= timestampFlag
		secs := math.Floor(m.Timestamp)
		ticks := math.Round((m.Timestamp - secs) / tickSeconds)
		body = binary.LittleEndian.AppendUint32(body, uint32(secs))
		body = binary.LittleEndian.AppendUint16(body, uint16(ticks))
	}
	body = append(body, m.Payload...)

	first := byte(m.Type)
	if m.Error {
		first |= errorFlag
	}
	var out []byte
	length := len(body) + 1
	if length < 255 {
		out = []byte{first, byte(length)}
	} else {
		out = []byte{first, 255}
		out = binary.LittleEndian.AppendUint16(out, uint16(length))
	}
	out = append(out, body...)
	var sum byte
	for _, c := range out {
		sum += c
	}
	return append(out, sum)
}
