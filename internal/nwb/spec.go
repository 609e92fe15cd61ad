package nwb

import (
	"context"
	"encoding/json"

	"github.com/nucleus/nwb-capsule/internal/objectstore"
)

const (
	specLocAttr   = ".specloc"
	specLocation  = "specifications"
	zarrDTypeAttr = "zarr_dtype"

	eventsVersion   = "0.4.0"
	eventsExtSource = "ndx-events.extensions"
)

// eventsNamespace is the namespace document for the event table types. It
// is cached in the file so readers can resolve EventsTable and
// MeaningsTable without the extension installed.
var eventsNamespace = map[string]any{
	"namespaces": []any{map[string]any{
		"name":      namespaceEvents,
		"version":   eventsVersion,
		"doc":       "NWB extension for storing timestamped event data",
		"full_name": "ndx-events",
		"schema": []any{
			map[string]any{"namespace": namespaceCore},
			map[string]any{"source": eventsExtSource},
		},
	}},
}

var eventsExtensions = map[string]any{
	"groups": []any{
		map[string]any{
			"neurodata_type_def": typeMeanings,
			"neurodata_type_inc": typeDynamicTable,
			"doc":                "A table for annotating the meanings of values in an EventsTable column.",
			"datasets": []any{
				map[string]any{
					"name":               "value",
					"neurodata_type_inc": "VectorData",
					"doc":                "The value of the event.",
				},
				map[string]any{
					"name":               "meaning",
					"neurodata_type_inc": "VectorData",
					"dtype":              "text",
					"doc":                "The meaning of the value.",
				},
			},
		},
		map[string]any{
			"neurodata_type_def": typeEventsTable,
			"neurodata_type_inc": typeDynamicTable,
			"doc":                "A column-based table to store information about events, one event per row.",
			"datasets": []any{
				map[string]any{
					"name":               "timestamp",
					"neurodata_type_inc": "VectorData",
					"dtype":              "float64",
					"doc":                "The time that each event occurred, in seconds, from the session start time.",
				},
			},
		},
	},
}

// cacheSpecs stores the event namespace under specifications/<name>/<version>
// as scalar JSON datasets, the layout pointed to by the root .specloc.
func (w *Writer) cacheSpecs(ctx context.Context) error {
	base := objectstore.JoinKey(specLocation, namespaceEvents, eventsVersion)
	for _, g := range []string{specLocation, objectstore.JoinKey(specLocation, namespaceEvents), base} {
		if err := w.group(ctx, g, nil); err != nil {
			return err
		}
	}
	docs := []struct {
		name string
		doc  any
	}{
		{"namespace", eventsNamespace},
		{eventsExtSource, eventsExtensions},
	}
	for _, d := range docs {
		b, err := json.Marshal(d.doc)
		if err != nil {
			return err
		}
		if err := w.scalar(ctx, objectstore.JoinKey(base, d.name), string(b)); err != nil {
			return err
		}
	}
	return nil
}
