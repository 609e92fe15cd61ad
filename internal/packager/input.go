package packager

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nucleus/nwb-capsule/internal/contract"
)

const (
	sessionFile         = "session.json"
	dataDescriptionFile = "data_description.json"
	taskLogicFile       = "behavior/Logs/tasklogic_input.json"
)

// Session is the primary data asset and the metadata NWB needs from it.
type Session struct {
	Dir         string
	Name        string
	SubjectID   string
	SessionType string
	StartTime   time.Time
	// Version is the task logic version recorded by the rig, or
	// contract.DefaultVersion.
	Version string
}

// Discover finds the single primary asset under dataRoot and reads its
// session and data description metadata. Hidden entries are ignored.
func Discover(dataRoot string) (*Session, error) {
	entries, err := os.ReadDir(dataRoot)
	if err != nil {
		return nil, inputError(CodeNoAsset, "read data root %s: %v", dataRoot, err)
	}
	var assets []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		assets = append(assets, e.Name())
	}
	switch len(assets) {
	case 0:
		return nil, inputError(CodeNoAsset, "no primary data asset attached under %s", dataRoot)
	case 1:
	default:
		return nil, inputError(CodeMultipleAssets, "multiple primary data assets attached (%s); only a single asset is supported", strings.Join(assets, ", "))
	}
	return ReadSession(filepath.Join(dataRoot, assets[0]))
}

// ReadSession reads the metadata of the asset rooted at dir.
func ReadSession(dir string) (*Session, error) {
	sess, err := readJSON(dir, sessionFile)
	if err != nil {
		return nil, err
	}
	desc, err := readJSON(dir, dataDescriptionFile)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Dir:         dir,
		Name:        desc.Get("name").String(),
		SubjectID:   desc.Get("subject_id").String(),
		SessionType: sess.Get("session_type").String(),
		Version:     contract.DefaultVersion,
	}
	required := []struct{ field, value string }{
		{"data_description.name", s.Name},
		{"data_description.subject_id", s.SubjectID},
		{"session.session_type", s.SessionType},
	}
	for _, r := range required {
		if r.value == "" {
			return nil, inputError(CodeInvalidMetadata, "%s is missing or empty", r.field)
		}
	}
	start := sess.Get("session_start_time").String()
	if s.StartTime, err = parseStartTime(start); err != nil {
		return nil, inputError(CodeInvalidMetadata, "session.session_start_time %q: %v", start, err)
	}

	if raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(taskLogicFile))); err == nil {
		if v := gjson.GetBytes(raw, "version"); v.Type == gjson.String && v.String() != "" {
			s.Version = v.String()
		}
	}
	return s, nil
}

func readJSON(dir, name string) (gjson.Result, error) {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return gjson.Result{}, inputError(CodeMissingMetadata, "primary data asset has no %s", name)
		}
		return gjson.Result{}, wrapError(CodeMissingMetadata, true, err)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, inputError(CodeInvalidMetadata, "%s is not valid JSON", name)
	}
	return gjson.ParseBytes(raw), nil
}

var startTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseStartTime accepts ISO-8601 with or without a zone. Times without a
// zone are taken as UTC.
func parseStartTime(s string) (time.Time, error) {
	var err error
	for _, layout := range startTimeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
