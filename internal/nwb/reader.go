package nwb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nucleus/nwb-capsule/internal/frame"
	"github.com/nucleus/nwb-capsule/internal/objectstore"
)

// Open reads the NWB-Zarr file stored under scope. Table rows are loaded
// lazily on first access.
func Open(ctx context.Context, scope *objectstore.Scope) (*File, error) {
	var root struct {
		NeurodataType string `json:"neurodata_type"`
		NWBVersion    string `json:"nwb_version"`
		ObjectID      string `json:"object_id"`
	}
	if err := getJSON(ctx, scope, ".zattrs", &root); err != nil {
		return nil, fmt.Errorf("open nwb at %s: %w", scope.URL(), err)
	}
	if root.NeurodataType != "NWBFile" {
		return nil, fmt.Errorf("open nwb at %s: root is %q, not NWBFile", scope.URL(), root.NeurodataType)
	}

	f := &File{
		ObjectID:    root.ObjectID,
		NWBVersion:  root.NWBVersion,
		Acquisition: newGroup("acquisition", ""),
		Events:      newGroup("events", ""),
		processing:  map[string]*Group{},
	}
	var err error
	if f.Identifier, err = readScalar(ctx, scope, "identifier"); err != nil {
		return nil, err
	}
	if f.SessionDescription, err = readScalar(ctx, scope, "session_description"); err != nil {
		return nil, err
	}
	start, err := readScalar(ctx, scope, "session_start_time")
	if err != nil {
		return nil, err
	}
	if f.SessionStartTime, err = parseTime(start); err != nil {
		return nil, err
	}
	if created, err := readScalar(ctx, scope, "file_create_date"); err == nil {
		f.FileCreateDate, _ = parseTime(created)
	}
	if id, err := readScalar(ctx, scope, "general/session_id"); err == nil {
		f.SessionID = id
	} else if !objectstore.IsNotFound(err) {
		return nil, err
	}

	keys, err := scope.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", scope.URL(), err)
	}
	for _, base := range tableGroups(keys) {
		parts := strings.Split(base, "/")
		switch {
		case parts[0] == "processing" && len(parts) == 2:
			if err := openModule(ctx, scope, f, parts[1]); err != nil {
				return nil, err
			}
		case parts[0] == "processing" && len(parts) == 3:
			t, err := openTable(ctx, scope, base)
			if err != nil {
				return nil, err
			}
			if err := f.AddProcessing(parts[1], "", t); err != nil {
				return nil, err
			}
		case parts[0] == "acquisition" && len(parts) == 2:
			t, err := openTable(ctx, scope, base)
			if err != nil {
				return nil, err
			}
			if err := f.AddAcquisition(t); err != nil {
				return nil, err
			}
		case parts[0] == "events" && len(parts) == 2:
			t, err := openTable(ctx, scope, base)
			if err != nil {
				return nil, err
			}
			if err := f.AddEvents(t); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}

// tableGroups returns the groups carrying attributes below the top-level
// containers, parents before children.
func tableGroups(keys []string) []string {
	var out []string
	for _, k := range keys {
		if !strings.HasSuffix(k, "/.zattrs") {
			continue
		}
		base := strings.TrimSuffix(k, "/.zattrs")
		switch strings.SplitN(base, "/", 2)[0] {
		case "acquisition", "events", "processing":
		default:
			continue
		}
		if !hasKey(keys, base+"/.zgroup") {
			continue
		}
		out = append(out, base)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := strings.Count(out[i], "/"), strings.Count(out[j], "/")
		if di != dj {
			return di < dj
		}
		return out[i] < out[j]
	})
	return out
}

func hasKey(sorted []string, key string) bool {
	i := sort.SearchStrings(sorted, key)
	return i < len(sorted) && sorted[i] == key
}

type groupAttrs struct {
	Colnames      []string `json:"colnames"`
	Description   string   `json:"description"`
	Namespace     string   `json:"namespace"`
	NeurodataType string   `json:"neurodata_type"`
	ObjectID      string   `json:"object_id"`
}

func openModule(ctx context.Context, scope *objectstore.Scope, f *File, name string) error {
	var attrs groupAttrs
	if err := getJSON(ctx, scope, objectstore.JoinKey("processing", name, ".zattrs"), &attrs); err != nil {
		return err
	}
	if _, ok := f.processing[name]; !ok {
		f.processing[name] = newGroup(name, attrs.Description)
	}
	return nil
}

func openTable(ctx context.Context, scope *objectstore.Scope, base string) (*DynamicTable, error) {
	var attrs groupAttrs
	if err := getJSON(ctx, scope, objectstore.JoinKey(base, ".zattrs"), &attrs); err != nil {
		return nil, err
	}
	name := base[strings.LastIndex(base, "/")+1:]
	t := &DynamicTable{
		Name:          name,
		Description:   attrs.Description,
		NeurodataType: attrs.NeurodataType,
		Namespace:     attrs.Namespace,
		ObjectID:      attrs.ObjectID,
		colnames:      attrs.Colnames,
	}
	t.load = func(ctx context.Context) (*frame.Frame, error) {
		ids, err := readArray(ctx, scope, objectstore.JoinKey(base, "id"), "id")
		if err != nil {
			return nil, err
		}
		out := &frame.Frame{}
		for _, c := range attrs.Colnames {
			col, err := readArray(ctx, scope, objectstore.JoinKey(base, c), c)
			if err != nil {
				return nil, err
			}
			if col.Len() != ids.Len() {
				return nil, fmt.Errorf("column %s has %d rows, id has %d", c, col.Len(), ids.Len())
			}
			if err := out.AddColumn(col); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return t, nil
}

func readArray(ctx context.Context, scope *objectstore.Scope, key, name string) (*frame.Column, error) {
	var meta arrayMeta
	if err := getJSON(ctx, scope, objectstore.JoinKey(key, ".zarray"), &meta); err != nil {
		return nil, err
	}
	if len(meta.Shape) != 1 {
		return nil, fmt.Errorf("%s: only one-dimensional arrays are supported, got shape %v", key, meta.Shape)
	}
	n := meta.Shape[0]
	if n == 0 {
		t := frame.String
		if meta.DType != "|O" {
			_, kind, err := parseDType(meta.DType)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			t = map[byte]frame.Type{'f': frame.Float, 'b': frame.Bool, 'i': frame.Int, 'u': frame.Int}[kind]
		}
		return frame.Empty(name, t), nil
	}
	if len(meta.Chunks) != 1 || meta.Chunks[0] < n {
		return nil, fmt.Errorf("%s: multi-chunk arrays are not supported", key)
	}
	raw, err := scope.Get(ctx, objectstore.JoinKey(key, "0"))
	if err != nil {
		return nil, err
	}
	raw, err = decompress(meta.Compressor, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	col, err := decodeColumn(name, meta, raw, n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return col, nil
}

func readScalar(ctx context.Context, scope *objectstore.Scope, key string) (string, error) {
	col, err := readArray(ctx, scope, key, key)
	if err != nil {
		return "", err
	}
	if col.Len() == 0 {
		return "", fmt.Errorf("%s: empty dataset", key)
	}
	return fmt.Sprint(col.Value(0)), nil
}

func getJSON(ctx context.Context, scope *objectstore.Scope, key string, v any) error {
	raw, err := scope.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
