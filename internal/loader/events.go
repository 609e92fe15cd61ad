package loader

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	"github.com/nucleus/nwb-capsule/internal/frame"
)

// Columns of a software events frame.
const (
	EventTimestamp       = "timestamp"
	EventName            = "name"
	EventData            = "data"
	EventTimestampSource = "timestamp_source"
	EventFrameIndex      = "frame_index"
	EventFrameTimestamp  = "frame_timestamp"
	EventDataType        = "data_type"
	EventDataTypeHint    = "data_type_hint"
)

// ReadSoftwareEvents loads a file of JSON objects, one per line. The data
// field is kept as its raw JSON text. An empty file yields an empty frame.
func ReadSoftwareEvents(path, index string) (*frame.Frame, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if index == "" {
		index = EventTimestamp
	}
	return parseSoftwareEvents(raw, index)
}

func parseSoftwareEvents(raw []byte, index string) (*frame.Frame, error) {
	ts := frame.Empty(EventTimestamp, frame.Float)
	name := frame.Empty(EventName, frame.String)
	data := frame.Empty(EventData, frame.String)
	source := frame.Empty(EventTimestampSource, frame.String)
	frameIdx := frame.Empty(EventFrameIndex, frame.Int)
	frameTs := frame.Empty(EventFrameTimestamp, frame.Float)
	dtype := frame.Empty(EventDataType, frame.String)
	hint := frame.Empty(EventDataTypeHint, frame.String)

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		if !gjson.ValidBytes(b) {
			return nil, fmt.Errorf("line %d: invalid JSON", line)
		}
		ev := gjson.ParseBytes(b)
		if !ev.IsObject() {
			return nil, fmt.Errorf("line %d: event is not an object", line)
		}
		appendNumber(ts, ev.Get("timestamp"))
		appendString(name, ev.Get("name"))
		if d := ev.Get("data"); d.Exists() {
			_ = data.Append(d.Raw)
		} else {
			_ = data.Append(nil)
		}
		appendString(source, ev.Get("timestamp_source"))
		if fi := ev.Get("frame_index"); fi.Type == gjson.Number {
			_ = frameIdx.Append(fi.Int())
		} else {
			_ = frameIdx.Append(nil)
		}
		appendNumber(frameTs, ev.Get("frame_timestamp"))
		appendString(dtype, ev.Get("data_type"))
		appendString(hint, ev.Get("data_type_hint"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	f, err := frame.New(index, ts, name, data, source, frameIdx, frameTs, dtype, hint)
	if err != nil {
		return nil, err
	}
	if _, ok := f.Column(index); !ok {
		return nil, fmt.Errorf("index column %q not in software events", index)
	}
	return f.SortByIndex()
}

func appendNumber(c *frame.Column, v gjson.Result) {
	if v.Type == gjson.Number {
		_ = c.Append(v.Float())
		return
	}
	_ = c.Append(nil)
}

func appendString(c *frame.Column, v gjson.Result) {
	if !v.Exists() || v.Type == gjson.Null {
		_ = c.Append(nil)
		return
	}
	_ = c.Append(v.String())
}
