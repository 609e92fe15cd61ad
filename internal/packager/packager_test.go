package packager

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/nucleus/nwb-capsule/internal/catalog"
	"github.com/nucleus/nwb-capsule/internal/config"
	"github.com/nucleus/nwb-capsule/internal/harp"
	"github.com/nucleus/nwb-capsule/internal/nwb"
	"github.com/nucleus/nwb-capsule/internal/objectstore"
)

const behaviorYML = `
device: Behavior
whoAmI: 1216
firmwareVersion: "3.0"
registers:
  DigitalInputState:
    address: 32
    type: U8
    access: Event
    maskType: DigitalInputs
    description: Reflects the state of DI digital lines of each Port
  OutputSet:
    address: 34
    type: U16
    access: Write
    maskType: DigitalOutputs
  PwmStart:
    address: 60
    type: U8
    access: Write
    maskType: PwmOutputs
bitMasks:
  DigitalInputs:
    bits:
      DIPort0: 0x1
      DIPort1: 0x2
  DigitalOutputs:
    bits:
      SupplyPort0: 0x8
  PwmOutputs:
    bits:
      PwmDO2: 0x4
`

const olfactometerYML = `
device: Olfactometer
whoAmI: 1140
registers:
  EndValveState:
    address: 50
    type: U8
    access: Write
    maskType: EndValves
bitMasks:
  EndValves:
    bits:
      EndValve0: 0x10
`

const treadmillYML = `
device: Treadmill
whoAmI: 1402
registers:
  BrakeCurrentSetPoint:
    address: 33
    type: U16
    access: Write
`

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// writeSession lays out a minimal session with one Harp device, software
// events, a CSV, a log file and the task logic model.
func writeSession(t *testing.T, dataRoot string) string {
	t.Helper()
	dir := filepath.Join(dataRoot, "VR_123_2024-05-01")
	writeFile(t, filepath.Join(dir, "session.json"), []byte(`{"session_type":"VR Foraging","session_start_time":"2024-05-01T10:00:00.123456-07:00"}`))
	writeFile(t, filepath.Join(dir, "data_description.json"), []byte(`{"name":"VR_123_2024-05-01","subject_id":"123"}`))

	behavior := filepath.Join(dir, "behavior")
	writeFile(t, filepath.Join(behavior, "Behavior.harp", "device.yml"), []byte(behaviorYML))
	var bin bytes.Buffer
	bin.Write(harp.Encode(harp.Message{Type: harp.Event, Address: 32, Port: 255, PayloadType: harp.U8, HasTimestamp: true, Timestamp: 1, Payload: []byte{0x01}}))
	bin.Write(harp.Encode(harp.Message{Type: harp.Event, Address: 32, Port: 255, PayloadType: harp.U8, HasTimestamp: true, Timestamp: 2, Payload: []byte{0x02}}))
	writeFile(t, filepath.Join(behavior, "Behavior.harp", "Behavior_32.bin"), bin.Bytes())

	writeFile(t, filepath.Join(behavior, "SoftwareEvents", "ActiveSite.json"), []byte(
		`{"name":"ActiveSite","timestamp":10.0,"timestamp_source":"Harp","data":{"label":"OdorSite"}}`+"\n"+
			`{"name":"ActiveSite","timestamp":20.0,"timestamp_source":"Harp","data":{"label":"InterSite"}}`+"\n"))
	writeFile(t, filepath.Join(behavior, "Renderer", "RendererSynchState.csv"), []byte("Seconds,Frame\n1.5,10\n2.5,11\n"))
	writeFile(t, filepath.Join(behavior, "Logs", "launcher.log"), []byte("started\nstopped\n"))
	writeFile(t, filepath.Join(behavior, "Logs", "tasklogic_input.json"), []byte(`{"name":"vr_foraging","version":"0.6.0","task_parameters":{"rng_seed":1}}`))
	return dir
}

func harpWrites(t *testing.T, address byte, pt harp.PayloadType, times []float64, payloads [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	for i, ts := range times {
		buf.Write(harp.Encode(harp.Message{Type: harp.Write, Address: address, Port: 255, PayloadType: pt, HasTimestamp: true, Timestamp: ts, Payload: payloads[i]}))
	}
	return buf.Bytes()
}

// writeSiteStreams adds the software events and registers site processing
// reads: four sites over two patches with one rewarded choice.
func writeSiteStreams(t *testing.T, dir string) {
	t.Helper()
	behavior := filepath.Join(dir, "behavior")
	events := func(name string, lines ...string) {
		writeFile(t, filepath.Join(behavior, "SoftwareEvents", name+".json"), []byte(strings.Join(lines, "\n")+"\n"))
	}
	events("ActiveSite",
		`{"name":"ActiveSite","timestamp":10,"data":{"label":"OdorSite","start_position":0,"length":20,"odor_specification":{"index":1,"concentration":1}}}`,
		`{"name":"ActiveSite","timestamp":20,"data":{"label":"InterSite","start_position":20,"length":10,"odor_specification":null}}`,
		`{"name":"ActiveSite","timestamp":30,"data":{"label":"OdorSite","start_position":30,"length":20,"odor_specification":{"index":0,"concentration":1}}}`,
		`{"name":"ActiveSite","timestamp":40,"data":{"label":"InterSite","start_position":50,"length":10,"odor_specification":null}}`)
	events("ActivePatch",
		`{"name":"ActivePatch","timestamp":9,"data":{"state_index":0,"label":"PatchA","odor_specification":{"index":1,"concentration":0.8}}}`,
		`{"name":"ActivePatch","timestamp":25,"data":{"state_index":1,"label":"PatchB","odor_specification":null}}`)
	events("Block", `{"name":"Block","timestamp":5,"data":{}}`)
	events("GiveReward", `{"name":"GiveReward","timestamp":12,"data":5.0}`)
	events("WaitRewardOutcome", `{"name":"WaitRewardOutcome","timestamp":13,"data":{"IsSuccessfulWait":true}}`)

	harpDir := filepath.Join(behavior, "Behavior.harp")
	writeFile(t, filepath.Join(harpDir, "Behavior_60.bin"), harpWrites(t, 60, harp.U8, []float64{11}, [][]byte{{0x04}}))
	writeFile(t, filepath.Join(harpDir, "Behavior_34.bin"), harpWrites(t, 34, harp.U16, []float64{12.5}, [][]byte{{0x08, 0x00}}))

	olf := filepath.Join(behavior, "Olfactometer.harp")
	writeFile(t, filepath.Join(olf, "device.yml"), []byte(olfactometerYML))
	writeFile(t, filepath.Join(olf, "Olfactometer_50.bin"), harpWrites(t, 50, harp.U8,
		[]float64{10.5, 15, 29.999, 35}, [][]byte{{0x10}, {0x00}, {0x10}, {0x00}}))

	tread := filepath.Join(behavior, "Treadmill.harp")
	writeFile(t, filepath.Join(tread, "device.yml"), []byte(treadmillYML))
	writeFile(t, filepath.Join(tread, "Treadmill_33.bin"), harpWrites(t, 33, harp.U16,
		[]float64{15, 31}, [][]byte{{100, 0}, {200, 0}}))
}

type captureRegistrar struct {
	entries []catalog.Entry
}

func (c *captureRegistrar) Register(_ context.Context, e catalog.Entry) error {
	c.entries = append(c.entries, e)
	return nil
}

func testConfig(dataRoot, results string) *config.Config {
	return &config.Config{
		DataRoot:      dataRoot,
		ResultsRoot:   results,
		TopLevel:      "Behavior",
		Workers:       2,
		Compression:   "zstd",
		ParquetExport: true,
		ProcessSites:  true,
	}
}

func TestDiscover(t *testing.T) {
	empty := t.TempDir()
	if _, err := Discover(empty); CodeOf(err) != CodeNoAsset {
		t.Fatalf("expected %s, got %v", CodeNoAsset, err)
	}

	multi := t.TempDir()
	_ = os.Mkdir(filepath.Join(multi, "a"), 0o755)
	_ = os.Mkdir(filepath.Join(multi, "b"), 0o755)
	if _, err := Discover(multi); CodeOf(err) != CodeMultipleAssets {
		t.Fatalf("expected %s, got %v", CodeMultipleAssets, err)
	}

	noMeta := t.TempDir()
	_ = os.Mkdir(filepath.Join(noMeta, "asset"), 0o755)
	_, err := Discover(noMeta)
	if CodeOf(err) != CodeMissingMetadata {
		t.Fatalf("expected %s, got %v", CodeMissingMetadata, err)
	}
	if IsRetryable(err) {
		t.Fatal("missing metadata should not be retryable")
	}

	root := t.TempDir()
	dir := writeSession(t, root)
	sess, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if sess.Dir != dir || sess.Name != "VR_123_2024-05-01" || sess.SubjectID != "123" || sess.SessionType != "VR Foraging" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.StartTime.UTC().Hour() != 17 || sess.Version != "0.6.0" {
		t.Fatalf("start=%v version=%s", sess.StartTime, sess.Version)
	}

	writeFile(t, filepath.Join(dir, "session.json"), []byte(`{"session_type":"VR Foraging","session_start_time":"yesterday"}`))
	if _, err := Discover(root); CodeOf(err) != CodeInvalidMetadata {
		t.Fatalf("expected %s, got %v", CodeInvalidMetadata, err)
	}
}

func TestPackage(t *testing.T) {
	ctx := context.Background()
	dataRoot, results := t.TempDir(), t.TempDir()
	writeSession(t, dataRoot)

	store := objectstore.NewLocalStore(results)
	reg := &captureRegistrar{}
	p, err := New(testConfig(dataRoot, results), store, reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Asset != "VR_123_2024-05-01_primary_nwb" || res.RunID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Skipped == 0 {
		t.Fatal("missing rig and session models should be skipped")
	}
	if len(reg.entries) != 1 || reg.entries[0].Asset != res.Asset {
		t.Fatalf("registrar got %+v", reg.entries)
	}

	f, err := nwb.Open(ctx, objectstore.NewScope(store, "", res.Asset))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if f.Identifier != "123" || f.SessionID != "VR_123_2024-05-01" || f.SessionDescription != "VR Foraging" {
		t.Fatalf("metadata = %q %q %q", f.Identifier, f.SessionID, f.SessionDescription)
	}

	wantAcq := []string{
		"Behavior.HarpBehavior.DigitalInputState",
		"Behavior.InputSchemas.TaskLogic",
		"Behavior.Logs.Launcher",
		"Behavior.RendererSynchState",
		"Behavior.SoftwareEvents.ActiveSite",
	}
	if got := f.Acquisition.Keys(); strings.Join(got, ",") != strings.Join(wantAcq, ",") {
		t.Fatalf("acquisition keys = %v, want %v", got, wantAcq)
	}

	sess, err := Discover(dataRoot)
	if err != nil {
		t.Fatal(err)
	}
	_, batch, err := p.Build(ctx, sess, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	loaded := make([]string, 0, len(batch.Data))
	for _, d := range batch.Data {
		loaded = append(loaded, d.Name)
	}
	sort.Strings(loaded)
	if strings.Join(loaded, ",") != strings.Join(f.Acquisition.Keys(), ",") {
		t.Fatalf("loaded streams %v do not map one to one onto acquisition %v", loaded, f.Acquisition.Keys())
	}
	if res.Skipped != len(batch.Skipped.Errors) {
		t.Fatalf("skipped = %d, want %d", res.Skipped, len(batch.Skipped.Errors))
	}
	var missingDevice bool
	for _, e := range batch.Skipped.Errors {
		missingDevice = missingDevice || strings.Contains(e.Error(), "HarpTreadmill")
	}
	if !missingDevice {
		t.Fatalf("devices that failed to expand should count as skipped: %v", batch.Skipped)
	}

	reg32, _ := f.Acquisition.Table("Behavior.HarpBehavior.DigitalInputState")
	if reg32.Description != "Reflects the state of DI digital lines of each Port" {
		t.Fatalf("register description = %q", reg32.Description)
	}
	rows, err := reg32.Frame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port1, ok := rows.Column("DIPort1")
	if !ok || rows.Len() != 2 || port1.Bools[0] || !port1.Bools[1] {
		t.Fatalf("DigitalInputState rows = %s", rows.Format(5))
	}

	taskLogic, _ := f.Acquisition.Table("Behavior.InputSchemas.TaskLogic")
	var model struct {
		Version string `json:"version"`
	}
	if err := taskLogic.DescriptionJSON(&model); err != nil || model.Version != "0.6.0" {
		t.Fatalf("task logic description = %q (%v)", taskLogic.Description, err)
	}

	events, ok := f.Events.Table("events")
	if !ok {
		t.Fatalf("events group = %v", f.Events.Keys())
	}
	ev, err := events.Frame(ctx)
	if err != nil || ev.Len() != 2 {
		t.Fatalf("events rows = %d (%v)", ev.Len(), err)
	}
	if _, ok := f.Events.Table("event_descriptions"); !ok {
		t.Fatal("missing event_descriptions")
	}
	if len(f.ProcessingModules()) != 0 {
		t.Fatal("site processing should be skipped when its streams are missing")
	}

	for _, name := range []string{"Behavior.RendererSynchState.parquet", "events.parquet"} {
		if _, err := os.Stat(filepath.Join(results, "VR_123_2024-05-01_parquet", name)); err != nil {
			t.Fatalf("parquet export: %v", err)
		}
	}
}

func TestPackage_Sites(t *testing.T) {
	ctx := context.Background()
	dataRoot, results := t.TempDir(), t.TempDir()
	writeSiteStreams(t, writeSession(t, dataRoot))
	cfg := testConfig(dataRoot, results)
	cfg.ParquetExport = false

	store := objectstore.NewLocalStore(results)
	p, err := New(cfg, store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	f, err := nwb.Open(ctx, objectstore.NewScope(store, "", res.Asset))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, k := range []string{
		"Behavior.HarpBehavior.OutputSet",
		"Behavior.HarpBehavior.PwmStart",
		"Behavior.HarpOlfactometer.EndValveState",
		"Behavior.HarpTreadmill.BrakeCurrentSetPoint",
		"Behavior.SoftwareEvents.ActivePatch",
		"Behavior.SoftwareEvents.GiveReward",
	} {
		if _, ok := f.Acquisition.Table(k); !ok {
			t.Fatalf("acquisition missing %s; have %v", k, f.Acquisition.Keys())
		}
	}

	mod, ok := f.Processing(sitesModule)
	if !ok {
		t.Fatalf("processing modules = %v", f.ProcessingModules())
	}
	tbl, ok := mod.Table("Behavior.Sites")
	if !ok {
		t.Fatalf("processing %s = %v", sitesModule, mod.Keys())
	}
	if tbl.Description != sitesDescription {
		t.Fatalf("sites description = %q", tbl.Description)
	}
	rows, err := tbl.Frame(ctx)
	if err != nil {
		t.Fatalf("read sites: %v", err)
	}
	if rows.Len() != 3 {
		t.Fatalf("sites rows = %d, want 3", rows.Len())
	}
	check := func(col string, want []float64) {
		t.Helper()
		c, ok := rows.Column(col)
		if !ok {
			t.Fatalf("sites missing column %s; have %v", col, rows.Names())
		}
		for i, w := range want {
			if got := c.Float64(i); got != w {
				t.Fatalf("%s[%d] = %v, want %v", col, i, got, w)
			}
		}
	}
	check("start_time", []float64{10, 20, 30})
	check("odor_onset_time", []float64{10.5})
	check("choice_cue_time", []float64{11})
	check("reward_onset_time", []float64{12.5})
	check("friction", []float64{100, 100, 200})
	check("patch_index", []float64{0, 0, 1})

	var found bool
	for _, name := range res.Tables {
		found = found || name == "Behavior.Sites"
	}
	if !found {
		t.Fatalf("result tables %v should list the sites table", res.Tables)
	}
}

func TestPackage_StrictFailsOnMissingDevices(t *testing.T) {
	dataRoot, results := t.TempDir(), t.TempDir()
	writeSession(t, dataRoot)
	cfg := testConfig(dataRoot, results)
	cfg.Strict = true

	p, err := New(cfg, objectstore.NewLocalStore(results), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Run(context.Background())
	if CodeOf(err) != CodeContract {
		t.Fatalf("expected %s, got %v", CodeContract, err)
	}
}

func TestParquetNames(t *testing.T) {
	cases := []struct {
		in, want []string
	}{
		{[]string{"Seconds", "a b", "a_b", "1st", ""}, []string{"Seconds", "a_b", "a_b_1", "c_1st", "c_"}},
		{[]string{"a b", "a_b", "a_b_1"}, []string{"a_b", "a_b_1", "a_b_1_1"}},
		{[]string{"x", "x", "x_1", "x"}, []string{"x", "x_1", "x_1_1", "x_2"}},
	}
	for _, tc := range cases {
		got := parquetNames(tc.in)
		seen := map[string]bool{}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Fatalf("parquetNames(%v) = %v, want %v", tc.in, got, tc.want)
			}
			if seen[got[i]] {
				t.Fatalf("parquetNames(%v) repeats %q", tc.in, got[i])
			}
			seen[got[i]] = true
		}
	}
}
