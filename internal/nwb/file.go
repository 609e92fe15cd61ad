package nwb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nucleus/nwb-capsule/internal/frame"
)

// Version is the NWB schema version written to the root attributes.
const Version = "2.8.0"

// File is the root NWB container.
type File struct {
	Identifier         string
	SessionID          string
	SessionDescription string
	SessionStartTime   time.Time
	FileCreateDate     time.Time
	ObjectID           string
	NWBVersion         string

	Acquisition *Group
	Events      *Group
	processing  map[string]*Group
}

// NewFile returns an empty file. Identifier and SessionDescription are
// required by NWB and must be non-empty.
func NewFile(identifier, sessionID, sessionDescription string, start time.Time) (*File, error) {
	if identifier == "" {
		return nil, fmt.Errorf("nwb: identifier is required")
	}
	if sessionDescription == "" {
		return nil, fmt.Errorf("nwb: session description is required")
	}
	if start.IsZero() {
		return nil, fmt.Errorf("nwb: session start time is required")
	}
	return &File{
		Identifier:         identifier,
		SessionID:          sessionID,
		SessionDescription: sessionDescription,
		SessionStartTime:   start,
		FileCreateDate:     time.Now(),
		ObjectID:           uuid.NewString(),
		NWBVersion:         Version,
		Acquisition:        newGroup("acquisition", ""),
		Events:             newGroup("events", ""),
		processing:         map[string]*Group{},
	}, nil
}

// AddAcquisition stores t under acquisition.
func (f *File) AddAcquisition(t *DynamicTable) error { return f.Acquisition.Add(t) }

// AddEvents stores t under events.
func (f *File) AddEvents(t *DynamicTable) error { return f.Events.Add(t) }

// AddProcessing stores t in the named processing module, creating it on
// first use.
func (f *File) AddProcessing(module, description string, t *DynamicTable) error {
	g, ok := f.processing[module]
	if !ok {
		g = newGroup(module, description)
		f.processing[module] = g
	}
	return g.Add(t)
}

// Processing returns a processing module.
func (f *File) Processing(module string) (*Group, bool) {
	g, ok := f.processing[module]
	return g, ok
}

// ProcessingModules returns the processing module names.
func (f *File) ProcessingModules() []string {
	out := make([]string, 0, len(f.processing))
	for k := range f.processing {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Table looks a table up in acquisition, then events.
func (f *File) Table(name string) (*DynamicTable, bool) {
	if t, ok := f.Acquisition.Table(name); ok {
		return t, true
	}
	return f.Events.Table(name)
}

// EventLog aggregates software events from many streams into one events
// table plus a meanings table pairing each value with its stream.
type EventLog struct {
	timestamps []float64
	names      []string
	data       []string
	values     []string
	meanings   []string
}

// Add appends the rows of a software events table. The table must carry
// timestamp, name and data columns.
func (e *EventLog) Add(ctx context.Context, t *DynamicTable) error {
	rows, err := t.Frame(ctx)
	if err != nil {
		return err
	}
	ts, ok1 := rows.Column("timestamp")
	names, ok2 := rows.Column("name")
	data, ok3 := rows.Column("data")
	if !ok1 || !ok2 || !ok3 {
		return fmt.Errorf("table %s: software events need timestamp, name and data columns", t.Name)
	}
	for i := 0; i < rows.Len(); i++ {
		name := cellString(names, i)
		value := cellString(data, i)
		e.timestamps = append(e.timestamps, ts.Float64(i))
		e.names = append(e.names, name)
		e.data = append(e.data, value)
		e.values = append(e.values, value)
		e.meanings = append(e.meanings, fmt.Sprintf("%s - %s", name, t.Description))
	}
	return nil
}

// Len returns the number of aggregated events.
func (e *EventLog) Len() int { return len(e.timestamps) }

// Tables builds the events and event_descriptions tables.
func (e *EventLog) Tables() (events, meanings *DynamicTable) {
	ef := &frame.Frame{Index: "timestamp"}
	_ = ef.AddColumn(frame.NewFloat("timestamp", append([]float64{}, e.timestamps...)))
	_ = ef.AddColumn(frame.NewString("event_name", append([]string{}, e.names...)))
	_ = ef.AddColumn(frame.NewString("event_data", append([]string{}, e.data...)))
	events = NewTable("events", "Events logged by acquisition workflow", ef)
	events.NeurodataType = typeEventsTable
	events.Namespace = namespaceEvents

	mf := &frame.Frame{}
	_ = mf.AddColumn(frame.NewString("value", append([]string{}, e.values...)))
	_ = mf.AddColumn(frame.NewString("meaning", append([]string{}, e.meanings...)))
	meanings = NewTable("event_descriptions", "Describes meaning of event and the corresponding data", mf)
	meanings.NeurodataType = typeMeanings
	meanings.Namespace = namespaceEvents
	return events, meanings
}

func cellString(c *frame.Column, i int) string {
	if c.IsNull(i) {
		return ""
	}
	if c.Type == frame.String {
		return c.Strs[i]
	}
	return fmt.Sprint(c.Value(i))
}
