package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"
)

// timeLayouts are the datetime spellings normalized in JSON models.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// isoLayout matches the offset-bearing ISO-8601 form NWB tools expect.
const isoLayout = "2006-01-02T15:04:05.999999-07:00"

// ReadJSONModel loads a JSON document and returns it compacted, with
// top-level datetime strings rewritten in ISO-8601.
func ReadJSONModel(path string) (json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return normalizeModel(raw)
}

func normalizeModel(raw []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid JSON document")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	var err error
	doc.ForEach(func(key, value gjson.Result) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteString(key.Raw)
		buf.WriteByte(':')
		if value.Type == gjson.String {
			if ts, ok := parseTime(value.Str); ok {
				b, _ := json.Marshal(ts.Format(isoLayout))
				buf.Write(b)
				return true
			}
		}
		err = json.Compact(&buf, []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func parseTime(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02T15:04") {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
