package loader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nucleus/nwb-capsule/internal/contract"
	"github.com/nucleus/nwb-capsule/internal/frame"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseCSV_InfersTypes(t *testing.T) {
	body := "Seconds,Count,Flag,Label,Sparse\n1.5,1,true,a,\n2.5,2,False,b,3\n"
	f, err := parseCSV(strings.NewReader(body), "Seconds")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tests := []struct {
		name string
		want frame.Type
	}{
		{"Seconds", frame.Float},
		{"Count", frame.Int},
		{"Flag", frame.Bool},
		{"Label", frame.String},
		{"Sparse", frame.Int},
	}
	for _, tt := range tests {
		c, ok := f.Column(tt.name)
		if !ok {
			t.Fatalf("missing column %s", tt.name)
		}
		if c.Type != tt.want {
			t.Fatalf("%s type = %s, want %s", tt.name, c.Type, tt.want)
		}
	}
	sparse, _ := f.Column("Sparse")
	if !sparse.IsNull(0) || sparse.Ints[1] != 3 {
		t.Fatalf("unexpected sparse column %+v", sparse)
	}
	if f.Index != "Seconds" {
		t.Fatalf("index = %q", f.Index)
	}

	if _, err := parseCSV(strings.NewReader(body), "Missing"); err == nil {
		t.Fatal("expected missing index error")
	}
	if _, err := parseCSV(strings.NewReader(""), ""); err == nil {
		t.Fatal("expected error for empty file")
	}
}

func TestParseCSV_RaggedRows(t *testing.T) {
	body := `Seconds,Frame,Note
1.5,10,start
2.5
3.5,12,end,extra
`
	f, err := parseCSV(strings.NewReader(body), "Seconds")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Len() != 3 || len(f.Columns) != 3 {
		t.Fatalf("shape %dx%d", f.Len(), len(f.Columns))
	}
	fr, _ := f.Column("Frame")
	if fr.Type != frame.Int || !fr.IsNull(1) || fr.Ints[2] != 12 {
		t.Fatalf("Frame column = %+v", fr)
	}
	note, _ := f.Column("Note")
	if !note.IsNull(1) || note.Strs[2] != "end" {
		t.Fatalf("Note column = %+v", note)
	}
}

func TestParseSoftwareEvents(t *testing.T) {
	body := `{"name":"ActiveSite","timestamp":2.0,"data":{"label":"OdorSite","length":20},"timestamp_source":"Harp","frame_index":10,"frame_timestamp":1.99,"data_type":"dict","data_type_hint":"VirtualSite"}
{"name":"ActiveSite","timestamp":1.0,"data":{"label":"InterSite"},"timestamp_source":"Harp","frame_index":null,"frame_timestamp":null}

`
	f, err := parseSoftwareEvents([]byte(body), EventTimestamp)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("rows = %d", f.Len())
	}
	ts, _ := f.Column(EventTimestamp)
	if ts.Floats[0] != 1 || ts.Floats[1] != 2 {
		t.Fatalf("rows should be sorted by timestamp: %v", ts.Floats)
	}
	data, _ := f.Column(EventData)
	var payload map[string]any
	if err := json.Unmarshal([]byte(data.Strs[1]), &payload); err != nil || payload["label"] != "OdorSite" {
		t.Fatalf("data should hold raw JSON, got %q (%v)", data.Strs[1], err)
	}
	idx, _ := f.Column(EventFrameIndex)
	if !idx.IsNull(0) || idx.Ints[1] != 10 {
		t.Fatalf("frame_index = %+v", idx)
	}
	hint, _ := f.Column(EventDataTypeHint)
	if !hint.IsNull(0) || hint.Strs[1] != "VirtualSite" {
		t.Fatalf("data_type_hint = %+v", hint)
	}

	empty, err := parseSoftwareEvents(nil, EventTimestamp)
	if err != nil || empty.Len() != 0 || len(empty.Columns) != 8 {
		t.Fatalf("empty file should give an empty frame with all columns: %v", err)
	}
	if _, err := parseSoftwareEvents([]byte("{not json"), EventTimestamp); err == nil {
		t.Fatal("expected invalid JSON error")
	}
}

func TestNormalizeModel(t *testing.T) {
	raw := []byte(`{
  "version": "0.6.0",
  "date": "2024-05-01T10:20:30.5Z",
  "nested": {"when": "2024-05-01T10:20:30Z"},
  "name": "rig"
}`)
	out, err := normalizeModel(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if doc["date"] != "2024-05-01T10:20:30.5+00:00" {
		t.Fatalf("date = %v", doc["date"])
	}
	if doc["version"] != "0.6.0" || doc["name"] != "rig" {
		t.Fatalf("unexpected doc %v", doc)
	}
	if strings.Contains(string(out), "\n") {
		t.Fatal("output should be compact")
	}
	if _, err := normalizeModel([]byte("{")); err == nil {
		t.Fatal("expected invalid JSON error")
	}
}

func testContract(root string) *contract.Stream {
	return contract.NewCollection("Behavior", "",
		&contract.Stream{Name: "RendererSynchState", Kind: contract.KindCSV, Path: filepath.Join(root, "synch.csv")},
		contract.NewCollection("Logs", "",
			&contract.Stream{Name: "Launcher", Kind: contract.KindText, Path: filepath.Join(root, "launcher.log")},
			&contract.Stream{Name: "EndSession", Kind: contract.KindSoftwareEvents, Path: filepath.Join(root, "missing.json")},
		),
		contract.NewCollection("InputSchemas", "",
			&contract.Stream{Name: "Rig", Kind: contract.KindJSONModel, Path: filepath.Join(root, "rig.json")},
		),
	)
}

func TestLoadAll(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "synch.csv"), "Seconds,Frame\n0.1,1\n0.2,2\n")
	writeFile(t, filepath.Join(root, "launcher.log"), "start\r\nstop\n")
	writeFile(t, filepath.Join(root, "rig.json"), `{"rig_name": "vr-1"}`)
	top := testContract(root)

	b, err := (&Loader{Workers: 2}).LoadAll(context.Background(), top)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var names []string
	for _, d := range b.Data {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "Behavior.RendererSynchState,Behavior.Logs.Launcher,Behavior.InputSchemas.Rig" {
		t.Fatalf("loaded = %v", names)
	}
	if b.Skipped == nil || len(b.Skipped.Errors) != 1 {
		t.Fatalf("expected the missing stream to be skipped, got %v", b.Skipped)
	}
	text := b.Data[1].Frame
	lines, _ := text.Column(LineColumn)
	if lines.Strs[0] != "start" || len(lines.Strs) != 2 {
		t.Fatalf("lines = %q", lines.Strs)
	}
	if string(b.Data[2].Document) != `{"rig_name":"vr-1"}` {
		t.Fatalf("document = %s", b.Data[2].Document)
	}

	if _, err := (&Loader{Strict: true}).LoadAll(context.Background(), top); err == nil {
		t.Fatal("strict mode should fail on the missing stream")
	}
}
