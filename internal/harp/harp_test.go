package harp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

const testDeviceYML = `
device: Behavior
whoAmI: 1216
firmwareVersion: "3.0"
registers:
  DigitalInputState:
    address: 32
    type: U8
    access: Event
    maskType: DigitalInputs
  AnalogData:
    address: 44
    type: S16
    length: 3
    access: Event
  OutputSet:
    address: 34
    type: U16
    access: Write
    maskType: DigitalOutputs
  PwmStart:
    address: 59
    type: U8
    access: Write
    payloadSpec:
      PwmDO2:
        offset: 0
        mask: 0x2
        interfaceType: bool
      Channel:
        offset: 0
        mask: 0xC
  Gain:
    address: 60
    type: Float
    access: Write
bitMasks:
  DigitalInputs:
    bits:
      None: 0x0
      DIPort0: 0x1
      DIPort1: 0x2
  DigitalOutputs:
    bits:
      SupplyPort0: {value: 0x1, description: "valve"}
      SupplyPort1: {value: 0x2}
`

func payloadU8(v ...byte) []byte { return v }

func payloadS16(v ...int16) []byte {
	var b []byte
	for _, x := range v {
		b = binary.LittleEndian.AppendUint16(b, uint16(x))
	}
	return b
}

func testDevice(t *testing.T) *Device {
	t.Helper()
	d, err := ParseDevice([]byte(testDeviceYML))
	if err != nil {
		t.Fatalf("parse device: %v", err)
	}
	return d
}

func TestEncodeDecodeMessage(t *testing.T) {
	in := Message{Type: Event, Address: 44, Port: 255, PayloadType: S16, HasTimestamp: true, Timestamp: 12.5, Payload: payloadS16(-1, 2, 300)}
	raw := Encode(in)
	if int(raw[1])+2 != len(raw) {
		t.Fatalf("length byte %d does not match message size %d", raw[1], len(raw))
	}

	msgs, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Type != Event || m.Address != 44 || m.PayloadType != S16 || !m.HasTimestamp {
		t.Fatalf("unexpected header %+v", m)
	}
	if math.Abs(m.Timestamp-12.5) > tickSeconds {
		t.Fatalf("timestamp = %v", m.Timestamp)
	}
	if m.Len() != 3 || m.Int(0) != -1 || m.Int(2) != 300 {
		t.Fatalf("unexpected payload values %d %d", m.Int(0), m.Int(2))
	}
}

func TestDecode_Errors(t *testing.T) {
	good := Encode(Message{Type: Write, Address: 32, PayloadType: U8, Payload: payloadU8(1)})

	bad := append([]byte(nil), good...)
	bad[len(bad)-1]++
	if _, err := Decode(bad); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}
	if _, err := Decode(good[:len(good)-1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected truncation error, got %v", err)
	}

	unknown := Encode(Message{Type: Write, Address: 32, PayloadType: PayloadType(0x03), Payload: payloadU8(1)})
	if _, err := Decode(unknown); err == nil {
		t.Fatal("expected unknown payload type error")
	}
}

func TestParseDevice(t *testing.T) {
	d := testDevice(t)
	if d.Name != "Behavior" || d.WhoAmI != 1216 {
		t.Fatalf("unexpected header %+v", d)
	}
	if _, ok := d.RegisterByName("ClockConfiguration"); !ok {
		t.Fatal("core registers should be merged in")
	}
	pwm, ok := d.Register(59)
	if !ok {
		t.Fatal("missing PwmStart")
	}
	if len(pwm.PayloadSpec) != 2 || pwm.PayloadSpec[0].Name != "PwmDO2" || pwm.PayloadSpec[1].Mask != 0xC {
		t.Fatalf("unexpected payload spec %+v", pwm.PayloadSpec)
	}
	outputs := d.BitMasks["DigitalOutputs"]
	if len(outputs.Bits) != 2 || outputs.Bits[1].Name != "SupplyPort1" || outputs.Bits[1].Value != 2 {
		t.Fatalf("unexpected bits %+v", outputs.Bits)
	}
	for i := 1; i < len(d.Registers); i++ {
		if d.Registers[i-1].Address > d.Registers[i].Address {
			t.Fatal("registers should be ordered by address")
		}
	}
}

func TestReader_ArrayRegister(t *testing.T) {
	d := testDevice(t)
	reg, _ := d.RegisterByName("AnalogData")
	var buf bytes.Buffer
	buf.Write(Encode(Message{Type: Event, Address: 44, PayloadType: S16, HasTimestamp: true, Timestamp: 1, Payload: payloadS16(1, 2, 3)}))
	buf.Write(Encode(Message{Type: Event, Address: 44, PayloadType: S16, HasTimestamp: true, Timestamp: 2, Payload: payloadS16(-4, 5, 6)}))

	f, err := NewReader(d, nil).Read(&buf, reg)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []string{"Seconds", "AnalogData_0", "AnalogData_1", "AnalogData_2", "MessageType"}
	got := f.Names()
	if len(got) != len(want) {
		t.Fatalf("columns = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("columns = %v, want %v", got, want)
		}
	}
	c, _ := f.Column("AnalogData_0")
	if c.Ints[1] != -4 {
		t.Fatalf("AnalogData_0 = %v", c.Ints)
	}
	mt, _ := f.Column("MessageType")
	if mt.Strs[0] != "EVENT" {
		t.Fatalf("MessageType = %v", mt.Strs)
	}
}

func TestReader_PayloadSpecAndBitMask(t *testing.T) {
	d := testDevice(t)
	r := NewReader(d, nil)

	pwm, _ := d.RegisterByName("PwmStart")
	raw := Encode(Message{Type: Write, Address: 59, PayloadType: U8, HasTimestamp: true, Timestamp: 3, Payload: payloadU8(0x0A)})
	f, err := r.Read(bytes.NewReader(raw), pwm)
	if err != nil {
		t.Fatalf("read pwm: %v", err)
	}
	do2, _ := f.Column("PwmDO2")
	ch, _ := f.Column("Channel")
	if !do2.Bools[0] || ch.Ints[0] != 2 {
		t.Fatalf("PwmDO2=%v Channel=%v", do2.Bools, ch.Ints)
	}

	out, _ := d.RegisterByName("OutputSet")
	raw = Encode(Message{Type: Write, Address: 34, PayloadType: U16, HasTimestamp: true, Timestamp: 4, Payload: []byte{0x01, 0x00}})
	f, err = r.Read(bytes.NewReader(raw), out)
	if err != nil {
		t.Fatalf("read outputs: %v", err)
	}
	p0, _ := f.Column("SupplyPort0")
	p1, _ := f.Column("SupplyPort1")
	if !p0.Bools[0] || p1.Bools[0] {
		t.Fatalf("SupplyPort0=%v SupplyPort1=%v", p0.Bools, p1.Bools)
	}

	in, _ := d.RegisterByName("DigitalInputState")
	raw = Encode(Message{Type: Event, Address: 32, PayloadType: U8, HasTimestamp: true, Timestamp: 5, Payload: payloadU8(0x02)})
	f, err = r.Read(bytes.NewReader(raw), in)
	if err != nil {
		t.Fatalf("read inputs: %v", err)
	}
	if _, ok := f.Column("None"); ok {
		t.Fatal("zero-valued bits should not produce columns")
	}
}

func TestReader_SkipsErrorMessagesAndChecksAddress(t *testing.T) {
	d := testDevice(t)
	gain, _ := d.RegisterByName("Gain")
	var buf bytes.Buffer
	buf.Write(Encode(Message{Type: Write, Error: true, Address: 60, PayloadType: Float, HasTimestamp: true, Timestamp: 1, Payload: binary.LittleEndian.AppendUint32(nil, math.Float32bits(1.5))}))
	buf.Write(Encode(Message{Type: Write, Address: 60, PayloadType: Float, HasTimestamp: true, Timestamp: 2, Payload: binary.LittleEndian.AppendUint32(nil, math.Float32bits(2.5))}))

	f, err := NewReader(d, nil).Read(&buf, gain)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Len() != 1 {
		t.Fatalf("expected error message to be skipped, got %d rows", f.Len())
	}
	c, _ := f.Column("Gain")
	if c.Floats[0] != 2.5 {
		t.Fatalf("Gain = %v", c.Floats)
	}

	wrong := Encode(Message{Type: Write, Address: 61, PayloadType: Float, Payload: binary.LittleEndian.AppendUint32(nil, 0)})
	if _, err := NewReader(d, nil).Read(bytes.NewReader(wrong), gain); err == nil {
		t.Fatal("expected address mismatch error")
	}
}

func TestListRegisterFilesAndSchemaCache(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Behavior.harp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Behavior_44.bin", "Behavior_8.bin", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, DeviceFile), []byte(testDeviceYML), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := ListRegisterFiles(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0].Address != 8 || files[1].Address != 44 || files[0].Device != "Behavior" {
		t.Fatalf("unexpected files %+v", files)
	}

	cache, err := NewSchemaCache(4)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	a, err := cache.Load(filepath.Join(dir, DeviceFile))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, _ := cache.Load(filepath.Join(dir, DeviceFile))
	if a != b {
		t.Fatal("expected cached schema to be reused")
	}

	commands := filepath.Join(t.TempDir(), "HarpCommands", "Behavior.harp")
	if err := os.MkdirAll(commands, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(commands, DeviceFile), []byte(testDeviceYML), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := cache.Load(filepath.Join(commands, DeviceFile))
	if err != nil {
		t.Fatalf("load commands schema: %v", err)
	}
	if c != a {
		t.Fatal("identical schema at another path should share the cached device")
	}

	other := filepath.Join(t.TempDir(), DeviceFile)
	if err := os.WriteFile(other, []byte(testDeviceYML+"\n# edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := cache.Load(other)
	if err != nil {
		t.Fatalf("load edited schema: %v", err)
	}
	if d == a {
		t.Fatal("a different schema must not hit the cache")
	}
	if _, err := cache.Load(filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatal("expected error for a missing schema")
	}
}
